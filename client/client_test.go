package client_test

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/AlexKarpov98/webui/client"
	"github.com/AlexKarpov98/webui/events"
	"github.com/AlexKarpov98/webui/models"
	"github.com/gorilla/websocket"
	metrics "github.com/rcrowley/go-metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// frame is what the fake middleware decodes from the client.
type frame struct {
	ID      string            `json:"id"`
	Msg     string            `json:"msg"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	Name    string            `json:"name"`
	Version string            `json:"version"`
}

// fakeMiddleware speaks the server side of the protocol over a real
// websocket. respond runs on the connection's read loop for every frame.
type fakeMiddleware struct {
	server   *httptest.Server
	refuse   atomic.Bool
	respond  func(f *fakeMiddleware, fr frame)
	received chan frame
	closed   chan int // close code sent by the client

	mu   sync.Mutex
	conn *websocket.Conn
}

func newFakeMiddleware(t *testing.T, respond func(f *fakeMiddleware, fr frame)) *fakeMiddleware {
	t.Helper()
	f := &fakeMiddleware{
		respond:  respond,
		received: make(chan frame, 256),
		closed:   make(chan int, 1),
	}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		f.mu.Lock()
		f.conn = conn
		f.mu.Unlock()

		var hello frame
		if err := conn.ReadJSON(&hello); err != nil || hello.Msg != "connect" {
			return
		}
		if f.refuse.Load() {
			f.send(map[string]any{"msg": "failed", "version": "1"})
			return
		}
		f.send(map[string]any{"msg": "connected", "session": "sess-1"})

		for {
			var fr frame
			if err := conn.ReadJSON(&fr); err != nil {
				var closeErr *websocket.CloseError
				if errors.As(err, &closeErr) {
					select {
					case f.closed <- closeErr.Code:
					default:
					}
				}
				return
			}
			if f.respond != nil {
				f.respond(f, fr)
			}
			f.received <- fr
		}
	}))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeMiddleware) endpoint() string {
	return strings.TrimPrefix(f.server.URL, "http://")
}

func (f *fakeMiddleware) send(v any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn != nil {
		f.conn.WriteJSON(v)
	}
}

func (f *fakeMiddleware) reply(id string, result any) {
	f.send(map[string]any{"msg": "result", "id": id, "result": result})
}

func (f *fakeMiddleware) replyError(id string, apiErr models.ApiError) {
	f.send(map[string]any{"msg": "result", "id": id, "error": apiErr})
}

func (f *fakeMiddleware) drop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn != nil {
		f.conn.Close()
	}
}

// next returns the next frame of kind msg, skipping keepalives.
func (f *fakeMiddleware) next(t *testing.T, msg string) frame {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case fr := <-f.received:
			if fr.Msg == "ping" || (fr.Msg == "pong" && msg != "pong") {
				continue
			}
			require.Equal(t, msg, fr.Msg, "unexpected frame %+v", fr)
			return fr
		case <-timeout:
			t.Fatalf("no %s frame received", msg)
			return frame{}
		}
	}
}

// refuseTopics answers every sub with nosub and every listed method with a
// fixed result.
func refuseTopics(results map[string]any) func(f *fakeMiddleware, fr frame) {
	methods := answer(results)
	return func(f *fakeMiddleware, fr frame) {
		if fr.Msg == "sub" {
			f.send(map[string]any{
				"msg":   "nosub",
				"id":    fr.ID,
				"error": models.ApiError{Errno: 13, ErrName: "EACCES", Reason: "Not authorized"},
			})
			return
		}
		methods(f, fr)
	}
}

// answer replies to every call of the listed methods with a fixed result.
func answer(results map[string]any) func(f *fakeMiddleware, fr frame) {
	return func(f *fakeMiddleware, fr frame) {
		if fr.Msg != "method" {
			return
		}
		if result, ok := results[fr.Method]; ok {
			f.reply(fr.ID, result)
		}
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func dial(t *testing.T, f *fakeMiddleware, mutate ...func(*client.Config)) *client.Client {
	t.Helper()
	cfg := &client.Config{
		Endpoint: f.endpoint(),
		Logger:   testLogger(),
	}
	for _, m := range mutate {
		m(cfg)
	}
	c, err := client.Dial(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestConfig_URL(t *testing.T) {
	cfg := &client.Config{Endpoint: "nas.local:443", Secure: true}
	assert.Equal(t, "wss://nas.local:443/websocket", cfg.URL())

	cfg = &client.Config{Endpoint: "10.0.0.2", Path: "/api/current"}
	assert.Equal(t, "ws://10.0.0.2/api/current", cfg.URL())
}

func TestDial_EndpointMissing(t *testing.T) {
	_, err := client.Dial(context.Background(), &client.Config{})
	assert.ErrorIs(t, err, client.ErrEndpointMissing)
}

func TestDial_Handshake(t *testing.T) {
	f := newFakeMiddleware(t, nil)
	c := dial(t, f)
	assert.Equal(t, "sess-1", c.Session())
	assert.NoError(t, c.Err())
}

func TestDial_HandshakeRefused(t *testing.T) {
	f := newFakeMiddleware(t, nil)
	f.refuse.Store(true)

	_, err := client.Dial(context.Background(), &client.Config{Endpoint: f.endpoint(), Logger: testLogger()})
	assert.ErrorIs(t, err, client.ErrHandshakeFailed)
}

func TestDial_Login(t *testing.T) {
	f := newFakeMiddleware(t, answer(map[string]any{models.MethodLoginWithAPIKey: true}))
	dial(t, f, func(cfg *client.Config) { cfg.ApiKey = "1-secret" })

	login := f.next(t, "method")
	assert.Equal(t, models.MethodLoginWithAPIKey, login.Method)
	require.Len(t, login.Params, 1)
	assert.JSONEq(t, `"1-secret"`, string(login.Params[0]))
}

func TestDial_LoginRejected(t *testing.T) {
	f := newFakeMiddleware(t, answer(map[string]any{models.MethodLoginWithAPIKey: false}))

	_, err := client.Dial(context.Background(), &client.Config{
		Endpoint: f.endpoint(),
		ApiKey:   "bad",
		Logger:   testLogger(),
	})
	assert.ErrorIs(t, err, client.ErrAuthFailed)
}

func TestCall_Result(t *testing.T) {
	f := newFakeMiddleware(t, answer(map[string]any{
		"system.info": map[string]any{"hostname": "truenas", "cores": 8},
	}))
	c := dial(t, f)

	type info struct {
		Hostname string `json:"hostname"`
		Cores    int    `json:"cores"`
	}
	got, err := client.CallAs[info](context.Background(), c, "system.info")
	require.NoError(t, err)
	assert.Equal(t, info{Hostname: "truenas", Cores: 8}, got)

	call := f.next(t, "method")
	assert.Equal(t, "system.info", call.Method)
	assert.Empty(t, call.Params)
	assert.NotEmpty(t, call.ID)
}

func TestCall_ApiError(t *testing.T) {
	f := newFakeMiddleware(t, func(f *fakeMiddleware, fr frame) {
		if fr.Method == "pool.create" {
			f.replyError(fr.ID, models.ApiError{Errno: 22, ErrName: "EINVAL", Reason: "name in use"})
		}
	})
	c := dial(t, f)

	_, err := c.Call(context.Background(), "pool.create", map[string]any{"name": "tank"})
	var apiErr *models.ApiError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "EINVAL", apiErr.ErrName)
	assert.Equal(t, "pool.create", apiErr.Method)
	assert.NoError(t, c.Err(), "an application error leaves the connection up")
}

func TestCall_OutOfOrderResponses(t *testing.T) {
	var firstID string
	f := newFakeMiddleware(t, func(f *fakeMiddleware, fr frame) {
		switch fr.Method {
		case "first":
			firstID = fr.ID
		case "second":
			f.reply(fr.ID, "second")
			f.reply(firstID, "first")
		}
	})
	c := dial(t, f)
	ctx := context.Background()

	type outcome struct {
		value string
		err   error
	}
	firstDone := make(chan outcome, 1)
	go func() {
		v, err := client.CallAs[string](ctx, c, "first")
		firstDone <- outcome{v, err}
	}()
	f.next(t, "method")

	second, err := client.CallAs[string](ctx, c, "second")
	require.NoError(t, err)
	assert.Equal(t, "second", second)

	first := <-firstDone
	require.NoError(t, first.err)
	assert.Equal(t, "first", first.value)
}

func TestCall_Timeout(t *testing.T) {
	var hungID string
	f := newFakeMiddleware(t, func(f *fakeMiddleware, fr frame) {
		if fr.Method == "hang" {
			hungID = fr.ID
		}
	})
	registry := metrics.NewRegistry()
	c := dial(t, f, func(cfg *client.Config) {
		cfg.CallTimeout = 150 * time.Millisecond
		cfg.Metrics = registry
	})

	_, err := c.Call(context.Background(), "hang")
	require.Error(t, err)
	assert.ErrorIs(t, err, client.ErrCallTimeout)
	var timeoutErr *client.TimeoutError
	require.True(t, errors.As(err, &timeoutErr))
	assert.Equal(t, "hang", timeoutErr.Method)

	f.next(t, "method")
	f.reply(hungID, "too late")

	require.Eventually(t, func() bool {
		return metrics.GetOrRegisterCounter("webui.calls.timeout", registry).Count() == 1
	}, time.Second, 10*time.Millisecond)
	assert.NoError(t, c.Err(), "a timeout does not end the connection")
}

func TestCall_ContextCancelled(t *testing.T) {
	f := newFakeMiddleware(t, nil)
	c := dial(t, f)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.Call(ctx, "hang")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestConnectionLost(t *testing.T) {
	f := newFakeMiddleware(t, func(f *fakeMiddleware, fr frame) {
		if fr.Method == "hang" {
			f.drop()
		}
	})
	c := dial(t, f)
	ctx := context.Background()

	sub, err := c.Subscribe(ctx, models.ReportingRealtimeTopic)
	require.NoError(t, err)

	_, err = c.Call(ctx, "hang")
	assert.ErrorIs(t, err, client.ErrConnectionLost)

	select {
	case <-c.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("client did not notice the lost connection")
	}
	assert.ErrorIs(t, c.Err(), client.ErrConnectionLost)

	for range sub.Events() {
	}
	assert.ErrorIs(t, sub.Err(), client.ErrConnectionLost)

	_, err = c.Call(ctx, "core.ping")
	assert.ErrorIs(t, err, client.ErrNotConnected)
	_, err = c.Subscribe(ctx, models.ReportingRealtimeTopic)
	assert.ErrorIs(t, err, client.ErrNotConnected)
}

func TestClose_FailsOutstandingCalls(t *testing.T) {
	f := newFakeMiddleware(t, nil)
	c := dial(t, f)
	ctx := context.Background()

	errc := make(chan error, 1)
	go func() {
		_, err := c.Call(ctx, "hang")
		errc <- err
	}()
	f.next(t, "method")

	require.NoError(t, c.Close())
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, client.ErrConnectionLost)
	case <-time.After(3 * time.Second):
		t.Fatal("outstanding call was not failed by Close")
	}

	_, err := c.Call(ctx, "core.ping")
	assert.ErrorIs(t, err, client.ErrNotConnected)
}

func TestClose_SendsNormalClosure(t *testing.T) {
	f := newFakeMiddleware(t, nil)
	c := dial(t, f)

	require.NoError(t, c.Close())
	select {
	case code := <-f.closed:
		assert.Equal(t, websocket.CloseNormalClosure, code)
	case <-time.After(3 * time.Second):
		t.Fatal("middleware did not receive a close frame")
	}
}

func TestSubscribe_SharesUpstreamRegistration(t *testing.T) {
	f := newFakeMiddleware(t, answer(map[string]any{models.MethodPing: "pong"}))
	c := dial(t, f)
	ctx := context.Background()

	a, err := c.Subscribe(ctx, models.ReportingRealtimeTopic)
	require.NoError(t, err)
	b, err := c.Subscribe(ctx, models.ReportingRealtimeTopic)
	require.NoError(t, err)

	sub := f.next(t, "sub")
	assert.Equal(t, models.ReportingRealtimeTopic, sub.Name)
	_, err = c.Call(ctx, models.MethodPing)
	require.NoError(t, err)
	f.next(t, "method")

	f.send(map[string]any{
		"msg":        "changed",
		"collection": models.ReportingRealtimeTopic,
		"fields":     map[string]any{"cpu": 12},
	})
	for _, s := range []interface{ Events() <-chan models.Event }{a, b} {
		select {
		case ev := <-s.Events():
			assert.JSONEq(t, `{"cpu":12}`, string(ev.Fields))
		case <-time.After(3 * time.Second):
			t.Fatal("event not delivered")
		}
	}

	a.Cancel()
	_, err = c.Call(ctx, models.MethodPing)
	require.NoError(t, err)
	f.next(t, "method")

	b.Cancel()
	unsub := f.next(t, "unsub")
	assert.Equal(t, sub.ID, unsub.ID)

	metricEvents := metrics.GetOrRegisterCounter("webui.events.received", c.Metrics())
	assert.Equal(t, int64(1), metricEvents.Count())
}

func TestSubscribe_RefusedTopicEndsSubscribers(t *testing.T) {
	f := newFakeMiddleware(t, refuseTopics(map[string]any{models.MethodPing: "pong"}))
	c := dial(t, f)
	ctx := context.Background()

	a, err := c.Subscribe(ctx, models.ReportingRealtimeTopic)
	require.NoError(t, err)
	b, err := c.Subscribe(ctx, models.ReportingRealtimeTopic)
	require.NoError(t, err)
	first := f.next(t, "sub")

	for _, sub := range []*events.Subscription{a, b} {
		select {
		case _, ok := <-sub.Events():
			require.False(t, ok, "no event expected on a refused topic")
		case <-time.After(3 * time.Second):
			t.Fatal("refused subscription stayed open")
		}
		require.ErrorIs(t, sub.Err(), events.ErrSubscriptionRefused)
		var apiErr *models.ApiError
		require.ErrorAs(t, sub.Err(), &apiErr)
		assert.Equal(t, "EACCES", apiErr.ErrName)
		sub.Cancel()
	}

	_, err = c.Call(ctx, models.MethodPing)
	require.NoError(t, err)
	f.next(t, "method")

	again, err := c.Subscribe(ctx, models.ReportingRealtimeTopic)
	require.NoError(t, err)
	defer again.Cancel()
	second := f.next(t, "sub")
	assert.NotEqual(t, first.ID, second.ID)
	assert.Nil(t, c.Err(), "a refused topic leaves the connection up")
}

func TestJob_RefusedProgressTopicFailsStream(t *testing.T) {
	f := newFakeMiddleware(t, refuseTopics(map[string]any{
		models.MethodCloudSyncSync: 56,
		models.MethodGetJobs:       []any{},
	}))
	c := dial(t, f)

	stream, err := c.Job(context.Background(), models.MethodCloudSyncSync, 3)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, err = stream.Wait(ctx)
	require.ErrorIs(t, err, events.ErrSubscriptionRefused)
	assert.ErrorIs(t, stream.Err(), events.ErrSubscriptionRefused)
}

func TestJob_TrackedToCompletion(t *testing.T) {
	f := newFakeMiddleware(t, answer(map[string]any{
		models.MethodCloudSyncSync: 55,
		models.MethodGetJobs:       []any{},
	}))
	c := dial(t, f)
	ctx := context.Background()

	stream, err := c.Job(ctx, models.MethodCloudSyncSync, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(55), stream.ID())

	start := f.next(t, "method")
	assert.Equal(t, models.MethodCloudSyncSync, start.Method)
	sub := f.next(t, "sub")
	assert.Equal(t, models.JobsTopic, sub.Name)
	lookup := f.next(t, "method")
	assert.Equal(t, models.MethodGetJobs, lookup.Method)
	require.Len(t, lookup.Params, 1)
	assert.JSONEq(t, `[["id","=",55]]`, string(lookup.Params[0]))

	f.send(map[string]any{
		"msg": "changed", "collection": models.JobsTopic, "id": 55,
		"fields": map[string]any{"id": 55, "state": "RUNNING", "progress": map[string]any{"percent": 40, "description": "uploading"}},
	})
	f.send(map[string]any{
		"msg": "changed", "collection": models.JobsTopic, "id": 55,
		"fields": map[string]any{"id": 55, "state": "SUCCESS", "result": map[string]any{"files": 12}},
	})

	var snapshots []models.Job
	for job := range stream.Updates() {
		snapshots = append(snapshots, job)
	}
	require.Len(t, snapshots, 2)
	assert.Equal(t, "uploading", snapshots[1].Progress.Description)
	var result struct{ Files int }
	require.NoError(t, snapshots[1].DecodeResult(&result))
	assert.Equal(t, 12, result.Files)

	unsub := f.next(t, "unsub")
	assert.Equal(t, sub.ID, unsub.ID)
}

func TestStartJob_NotAJob(t *testing.T) {
	f := newFakeMiddleware(t, answer(map[string]any{"pool.scrub": "started"}))
	c := dial(t, f)

	_, err := c.StartJob(context.Background(), "pool.scrub", "tank")
	assert.ErrorIs(t, err, client.ErrNotAJob)
}

func TestAbortJob(t *testing.T) {
	f := newFakeMiddleware(t, answer(map[string]any{models.MethodJobAbort: nil}))
	c := dial(t, f)

	require.NoError(t, c.AbortJob(context.Background(), 9))
	abort := f.next(t, "method")
	assert.Equal(t, models.MethodJobAbort, abort.Method)
	require.Len(t, abort.Params, 1)
	assert.JSONEq(t, `9`, string(abort.Params[0]))
}

func TestServerPingAnswered(t *testing.T) {
	f := newFakeMiddleware(t, nil)
	dial(t, f)

	f.send(map[string]any{"msg": "ping", "id": "p1"})
	pong := f.next(t, "pong")
	assert.Equal(t, "p1", pong.ID)
}

func TestMetrics_CountCalls(t *testing.T) {
	f := newFakeMiddleware(t, func(f *fakeMiddleware, fr frame) {
		switch fr.Method {
		case "ok":
			f.reply(fr.ID, true)
		case "bad":
			f.replyError(fr.ID, models.ApiError{Errno: 1, Reason: "nope"})
		}
	})
	c := dial(t, f)
	ctx := context.Background()

	_, err := c.Call(ctx, "ok")
	require.NoError(t, err)
	_, err = c.Call(ctx, "bad")
	require.Error(t, err)

	reg := c.Metrics()
	assert.Equal(t, int64(2), metrics.GetOrRegisterCounter("webui.calls.issued", reg).Count())
	assert.Equal(t, int64(1), metrics.GetOrRegisterCounter("webui.calls.failed", reg).Count())
	assert.Equal(t, int64(2), metrics.GetOrRegisterTimer("webui.calls.latency", reg).Count())
	assert.Equal(t, int64(0), metrics.GetOrRegisterGauge("webui.calls.outstanding", reg).Value())
}

func TestRateLimitedCallsStillComplete(t *testing.T) {
	f := newFakeMiddleware(t, answer(map[string]any{models.MethodPing: "pong"}))
	c := dial(t, f, func(cfg *client.Config) {
		cfg.RateLimit = 100
		cfg.RateBurst = 2
	})

	for i := 0; i < 5; i++ {
		got, err := client.CallAs[string](context.Background(), c, models.MethodPing)
		require.NoError(t, err)
		assert.Equal(t, "pong", got)
	}
}
