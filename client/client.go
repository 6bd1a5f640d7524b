package client

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/AlexKarpov98/webui/events"
	"github.com/AlexKarpov98/webui/jobs"
	"github.com/AlexKarpov98/webui/models"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	metrics "github.com/rcrowley/go-metrics"
	"golang.org/x/time/rate"
)

const (
	defaultPath             = "/websocket"
	defaultHandshakeTimeout = 10 * time.Second
	defaultPingInterval     = 20 * time.Second
	writeWait               = 10 * time.Second
	closeGracePeriod        = time.Second
	maxMessageSize          = 16 << 20
	sendBufferSize          = 256
)

// Caller issues request/response calls.
type Caller interface {
	Call(ctx context.Context, method string, args ...any) (json.RawMessage, error)
}

// API is everything a page needs from the middleware connection. Both
// *Client and the scripted mock in clienttest satisfy it.
type API interface {
	Caller
	StartJob(ctx context.Context, method string, args ...any) (int64, error)
	Job(ctx context.Context, method string, args ...any) (*jobs.Stream, error)
	Subscribe(ctx context.Context, topic string) (*events.Subscription, error)
}

type Config struct {
	Endpoint         string // host:port of the middleware
	Path             string // websocket path, defaults to /websocket
	Secure           bool   // use wss
	SkipVerify       bool
	ApiKey           string // when set, the session is authenticated after the handshake
	HandshakeTimeout time.Duration
	CallTimeout      time.Duration // zero disables call timeouts
	PingInterval     time.Duration
	RateLimit        float64 // outbound calls per second, zero disables limiting
	RateBurst        int
	Metrics          metrics.Registry
	Logger           *slog.Logger
}

// URL returns the websocket URL the client dials.
func (cfg *Config) URL() string {
	scheme := "ws"
	if cfg.Secure {
		scheme = "wss"
	}
	path := cfg.Path
	if path == "" {
		path = defaultPath
	}
	u := url.URL{Scheme: scheme, Host: cfg.Endpoint, Path: path}
	return u.String()
}

// Client is a single persistent connection to the middleware. Calls may be
// issued concurrently; responses are correlated by id in any order.
type Client struct {
	cfg    Config
	conn   *websocket.Conn
	logger *slog.Logger

	session  string
	outbound chan []byte
	closed   chan struct{}
	readDone chan struct{}

	closeOnce sync.Once
	errMu     sync.Mutex
	err       error

	pending *pendingCalls
	mux     *events.Mux
	tracker *jobs.Tracker
	limiter *rate.Limiter
	metrics *clientMetrics
}

var _ API = (*Client)(nil)

// Dial connects to the middleware, performs the protocol handshake and, when
// an API key is configured, logs the session in.
func Dial(ctx context.Context, cfg *Config) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, ErrEndpointMissing
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.WithGroup("webui_client")

	handshakeTimeout := cfg.HandshakeTimeout
	if handshakeTimeout <= 0 {
		handshakeTimeout = defaultHandshakeTimeout
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: handshakeTimeout,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: cfg.SkipVerify,
		},
	}

	wsURL := cfg.URL()
	logger.Info("Connecting to middleware", "url", wsURL, "tls_skip_verify", cfg.SkipVerify)

	conn, resp, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil {
			logger.Error("WebSocket dial error with response", "url", wsURL, "status", resp.Status, "error", err)
			return nil, errors.Wrapf(err, "dial websocket %s (status: %s)", wsURL, resp.Status)
		}
		logger.Error("WebSocket dial error", "url", wsURL, "error", err)
		return nil, errors.Wrapf(err, "dial websocket %s", wsURL)
	}

	c := newClient(*cfg, conn, logger)
	if err := c.handshake(ctx, handshakeTimeout); err != nil {
		conn.Close()
		return nil, err
	}

	c.pending.start()
	go c.readPump()
	go c.writePump()

	logger.Info("Connected to middleware", "url", wsURL, "session", c.session)

	if cfg.ApiKey != "" {
		if err := c.login(ctx, cfg.ApiKey); err != nil {
			c.Close()
			return nil, err
		}
	}
	return c, nil
}

func newClient(cfg Config, conn *websocket.Conn, logger *slog.Logger) *Client {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	c := &Client{
		cfg:      cfg,
		conn:     conn,
		logger:   logger,
		outbound: make(chan []byte, sendBufferSize),
		closed:   make(chan struct{}),
		readDone: make(chan struct{}),
		metrics:  newClientMetrics(cfg.Metrics),
	}
	c.pending = newPendingCalls(cfg.CallTimeout, func(call *pendingCall) {
		c.metrics.timeouts.Inc(1)
		c.logger.Warn("Call timed out", "method", call.method, "timeout", cfg.CallTimeout)
	})
	c.mux = events.NewMux(upstream{c}, logger)
	c.tracker = jobs.NewTracker(c, logger)
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return c
}

func (c *Client) login(ctx context.Context, apiKey string) error {
	ok, err := CallAs[bool](ctx, c, models.MethodLoginWithAPIKey, apiKey)
	if err != nil {
		c.logger.Error("Login failed", "error", err)
		return fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}
	if !ok {
		c.logger.Error("Login rejected by middleware")
		return ErrAuthFailed
	}
	c.logger.Info("Session authenticated")
	return nil
}

// Session returns the session id assigned by the middleware.
func (c *Client) Session() string {
	return c.session
}

// Metrics returns the registry holding the client's call and event metrics.
func (c *Client) Metrics() metrics.Registry {
	return c.metrics.registry
}

// Tracker returns the job tracker bound to this connection.
func (c *Client) Tracker() *jobs.Tracker {
	return c.tracker
}

// Call invokes method and waits for its single outcome: the raw result, an
// *models.ApiError, a *TimeoutError, ErrConnectionLost or ErrNotConnected.
// Nothing is retried.
func (c *Client) Call(ctx context.Context, method string, args ...any) (json.RawMessage, error) {
	if c.isClosed() {
		return nil, ErrNotConnected
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	id := uuid.NewString()
	call := newPendingCall(method)
	if err := c.pending.add(id, call); err != nil {
		return nil, err
	}
	c.metrics.issued.Inc(1)
	c.metrics.outstanding.Update(int64(c.pending.len()))

	c.logger.Debug("Sending call", "method", method, "id", id)
	if err := c.send(ctx, models.NewRequest(id, method, args)); err != nil {
		c.pending.drop(id)
		c.metrics.callFinished(call.started, err)
		return nil, err
	}

	select {
	case res := <-call.done:
		c.metrics.callFinished(call.started, res.err)
		c.metrics.outstanding.Update(int64(c.pending.len()))
		if res.err != nil {
			c.logger.Debug("Call failed", "method", method, "id", id, "error", res.err)
		}
		return res.result, res.err
	case <-ctx.Done():
		c.pending.drop(id)
		c.metrics.outstanding.Update(int64(c.pending.len()))
		return nil, ctx.Err()
	}
}

// StartJob issues a job producing call and returns the id of the job the
// middleware created.
func (c *Client) StartJob(ctx context.Context, method string, args ...any) (int64, error) {
	raw, err := c.Call(ctx, method, args...)
	if err != nil {
		return 0, err
	}
	var id int64
	if err := json.Unmarshal(raw, &id); err != nil {
		return 0, fmt.Errorf("%w: %s returned %s", ErrNotAJob, method, string(raw))
	}
	c.logger.Debug("Job started", "method", method, "job_id", id)
	return id, nil
}

// Job starts a job and tracks it to completion.
func (c *Client) Job(ctx context.Context, method string, args ...any) (*jobs.Stream, error) {
	return jobs.Run(ctx, c, c.tracker, method, args...)
}

// AbortJob asks the middleware to abort a running job.
func (c *Client) AbortJob(ctx context.Context, id int64) error {
	_, err := c.Call(ctx, models.MethodJobAbort, id)
	return err
}

// Subscribe joins topic. Consumers of the same topic share one upstream
// subscription; each gets its own cancellation. A topic the middleware
// answers with nosub ends with an error matching events.ErrSubscriptionRefused.
func (c *Client) Subscribe(ctx context.Context, topic string) (*events.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.isClosed() {
		return nil, ErrNotConnected
	}
	return c.mux.Subscribe(ctx, topic)
}

// Done is closed when the connection terminates.
func (c *Client) Done() <-chan struct{} {
	return c.closed
}

// Err returns why the connection terminated, nil while it is open.
func (c *Client) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Close terminates the connection. Outstanding calls and subscriptions end
// with ErrConnectionLost.
func (c *Client) Close() error {
	c.shutdown(errors.New("client closed"))
	return nil
}

func (c *Client) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *Client) send(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "marshal request")
	}
	select {
	case <-c.closed:
		return ErrNotConnected
	default:
	}
	select {
	case c.outbound <- data:
		return nil
	case <-c.closed:
		return ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) shutdown(cause error) {
	c.closeOnce.Do(func() {
		lost := lostError(cause)

		c.errMu.Lock()
		c.err = lost
		c.errMu.Unlock()

		// writePump sends the close frame and closes the connection.
		close(c.closed)

		failed := c.pending.failAll(lost, ErrNotConnected)
		c.mux.Close(lost)
		c.metrics.outstanding.Update(0)

		c.logger.Info("Connection terminated", "reason", cause, "failed_calls", failed)
	})
}

// upstream registers multiplexer topics with the middleware.
type upstream struct {
	c *Client
}

func (u upstream) Subscribe(ctx context.Context, topic, id string) error {
	u.c.logger.Debug("Subscribing upstream", "topic", topic, "id", id)
	return u.c.send(ctx, models.SubRequest{ID: id, Msg: models.MsgSub, Name: topic})
}

func (u upstream) Unsubscribe(topic, id string) error {
	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()

	u.c.logger.Debug("Unsubscribing upstream", "topic", topic, "id", id)
	return u.c.send(ctx, models.SubRequest{ID: id, Msg: models.MsgUnsub})
}
