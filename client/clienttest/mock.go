// Package clienttest provides a scripted stand-in for the middleware
// connection. Responses come from registrations made by the test instead of
// a transport, and anything left unregistered fails immediately with a
// message naming the method and arguments, so a missing stub can never
// leave a test waiting.
//
//	mock := clienttest.NewMock()
//	mock.MockCall("pool.query", []Pool{{Name: "tank"}})
//	mock.MockCallOnce("filesystem.stat", FileStat{Gid: 5})
//	id := mock.MockJob("cloudsync.sync", models.Job{State: models.JobStateSuccess})
package clienttest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/AlexKarpov98/webui/client"
	"github.com/AlexKarpov98/webui/events"
	"github.com/AlexKarpov98/webui/jobs"
	"github.com/AlexKarpov98/webui/models"
)

var ErrUnmocked = errors.New("unmocked websocket call")

// CallFactory computes a call response from the actual arguments.
type CallFactory func(args []any) any

// JobFactory computes a job snapshot from the arguments of the job call.
type JobFactory func(args []any) models.Job

type registration struct {
	method  string
	matcher func(args []any) bool // nil matches any arguments, including none
	respond func(args []any) (any, error)
	once    bool
}

func (r *registration) matches(method string, args []any) bool {
	if r.method != method {
		return false
	}
	return r.matcher == nil || r.matcher(args)
}

type jobRegistration struct {
	id    int64
	build func(args []any) models.Job

	lastArgs []any // arguments of the latest StartJob/Job, guarded by Mock.mu
}

// Mock satisfies client.API from registrations instead of a connection.
type Mock struct {
	logger *slog.Logger
	mux    *events.Mux

	mu        sync.Mutex
	regs      []*registration
	jobRegs   map[string]*jobRegistration
	nextJobID int64
	calls     map[string][][]any
}

var (
	_ client.API  = (*Mock)(nil)
	_ jobs.Source = (*Mock)(nil)
)

func NewMock() *Mock {
	return NewMockWithLogger(slog.Default())
}

func NewMockWithLogger(logger *slog.Logger) *Mock {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.WithGroup("mock_websocket")
	return &Mock{
		logger:    logger,
		mux:       events.NewMux(nil, logger),
		jobRegs:   make(map[string]*jobRegistration),
		nextJobID: 1,
		calls:     make(map[string][][]any),
	}
}

// MockCall makes every later call of method, whatever its arguments, resolve
// with response. A CallFactory (or func([]any) any) is invoked with the
// actual arguments instead. The registration lasts until overridden.
func (m *Mock) MockCall(method string, response any) {
	m.register(&registration{method: method, respond: responder(response)})
}

// MockCallOnce makes only the next call of method resolve with response.
// Later calls fall back to a persistent registration or fail as unmocked.
func (m *Mock) MockCallOnce(method string, response any) {
	m.register(&registration{method: method, respond: responder(response), once: true})
}

// MockCallWith registers a persistent response for calls of method whose
// arguments equal args.
func (m *Mock) MockCallWith(method string, args []any, response any) {
	m.register(&registration{method: method, matcher: argsMatcher(args), respond: responder(response)})
}

// MockCallError makes every later call of method fail with err.
func (m *Mock) MockCallError(method string, err error) {
	m.register(&registration{method: method, respond: func([]any) (any, error) { return nil, err }})
}

// MockJob assigns the next synthetic job id to method and returns it.
// StartJob(method) yields the id, Job(method) yields a snapshot built from
// response (a models.Job or a JobFactory) carrying that id, and so does a
// core.get_jobs lookup of the id.
func (m *Mock) MockJob(method string, response any) int64 {
	build := jobBuilder(response)

	m.mu.Lock()
	id := m.nextJobID
	m.nextJobID++
	snapshot := func(args []any) models.Job {
		job := build(args)
		job.ID = id
		return job
	}
	jr := &jobRegistration{id: id, build: snapshot}
	m.jobRegs[method] = jr
	m.mu.Unlock()

	m.register(&registration{
		method:  models.MethodGetJobs,
		matcher: argsMatcher(models.JobQuery(id)),
		respond: func([]any) (any, error) {
			m.mu.Lock()
			args := jr.lastArgs
			m.mu.Unlock()
			return []models.Job{snapshot(normalizeArgs(args))}, nil
		},
	})
	m.logger.Debug("Job mocked", "method", method, "job_id", id)
	return id
}

// EmitSubscribeEvent pushes event to every active subscriber of its topic.
func (m *Mock) EmitSubscribeEvent(event models.Event) {
	m.mux.Publish(event)
}

// EmitJobUpdate pushes job as a job-progress event.
func (m *Mock) EmitJobUpdate(job models.Job) error {
	ev, err := models.NewJobEvent(job)
	if err != nil {
		return err
	}
	m.EmitSubscribeEvent(ev)
	return nil
}

func (m *Mock) Call(ctx context.Context, method string, args ...any) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.record(method, args)

	reg := m.match(method, args)
	if reg == nil {
		err := unmockedError("websocket call", method, args)
		m.logger.Warn("Unmocked call", "method", method, "error", err)
		return nil, err
	}
	value, err := reg.respond(args)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("encode mocked %s response: %w", method, err)
	}
	return raw, nil
}

func (m *Mock) StartJob(ctx context.Context, method string, args ...any) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.record(method, args)

	reg, ok := m.jobRegistration(method, args)
	if !ok {
		return 0, unmockedError("websocket job call", method, args)
	}
	return reg.id, nil
}

// Job yields a finished stream holding the mocked snapshot.
func (m *Mock) Job(ctx context.Context, method string, args ...any) (*jobs.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.record(method, args)

	reg, ok := m.jobRegistration(method, args)
	if !ok {
		return nil, unmockedError("websocket job call", method, args)
	}
	return jobs.StreamOf(reg.build(normalizeArgs(args))), nil
}

func (m *Mock) Subscribe(ctx context.Context, topic string) (*events.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return m.mux.Subscribe(ctx, topic)
}

// SubscriberCount returns the number of active consumers of topic.
func (m *Mock) SubscriberCount(topic string) int {
	return m.mux.SubscriberCount(topic)
}

// Calls returns the arguments of every call, StartJob and Job issued for
// method, oldest first.
func (m *Mock) Calls(method string) [][]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]any, len(m.calls[method]))
	copy(out, m.calls[method])
	return out
}

func (m *Mock) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls[method])
}

// Reset forgets registrations, recorded calls and the job id counter.
func (m *Mock) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.regs = nil
	m.jobRegs = make(map[string]*jobRegistration)
	m.nextJobID = 1
	m.calls = make(map[string][][]any)
}

// Close ends every subscription.
func (m *Mock) Close() {
	m.mux.Close(nil)
}

func (m *Mock) jobRegistration(method string, args []any) (*jobRegistration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	reg, ok := m.jobRegs[method]
	if ok {
		reg.lastArgs = normalizeArgs(args)
	}
	return reg, ok
}

func (m *Mock) register(reg *registration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.regs = append(m.regs, reg)
}

func (m *Mock) record(method string, args []any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[method] = append(m.calls[method], normalizeArgs(args))
}

// match scans one-shot registrations newest first, then persistent ones
// newest first. A matched one-shot registration is consumed.
func (m *Mock) match(method string, args []any) *registration {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := len(m.regs) - 1; i >= 0; i-- {
		reg := m.regs[i]
		if reg.once && reg.matches(method, args) {
			m.regs = append(m.regs[:i], m.regs[i+1:]...)
			return reg
		}
	}
	for i := len(m.regs) - 1; i >= 0; i-- {
		reg := m.regs[i]
		if !reg.once && reg.matches(method, args) {
			return reg
		}
	}
	return nil
}

func responder(response any) func(args []any) (any, error) {
	switch f := response.(type) {
	case CallFactory:
		return func(args []any) (any, error) { return f(normalizeArgs(args)), nil }
	case func([]any) any:
		return func(args []any) (any, error) { return f(normalizeArgs(args)), nil }
	default:
		return func([]any) (any, error) { return response, nil }
	}
}

func jobBuilder(response any) func(args []any) models.Job {
	switch f := response.(type) {
	case JobFactory:
		return func(args []any) models.Job { return f(args) }
	case func([]any) models.Job:
		return f
	case models.Job:
		return func([]any) models.Job { return f }
	case *models.Job:
		return func([]any) models.Job { return *f }
	default:
		return func([]any) models.Job {
			raw, _ := json.Marshal(response)
			return models.Job{State: models.JobStateSuccess, Result: raw}
		}
	}
}

func argsMatcher(want []any) func(args []any) bool {
	expected := encodeArgs(want)
	return func(args []any) bool {
		return encodeArgs(args) == expected
	}
}

func normalizeArgs(args []any) []any {
	if args == nil {
		return []any{}
	}
	return args
}

func encodeArgs(args []any) string {
	raw, err := json.Marshal(normalizeArgs(args))
	if err != nil {
		return fmt.Sprintf("%v", args)
	}
	return string(raw)
}

func unmockedError(kind, method string, args []any) error {
	return fmt.Errorf("%w: %s %s with %s", ErrUnmocked, kind, method, encodeArgs(args))
}
