package client

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

type callResult struct {
	result json.RawMessage
	err    error
}

// pendingCall is an issued call waiting for its response. resolve is
// guarded so a response racing a timeout or a disconnect still yields a
// single outcome.
type pendingCall struct {
	method  string
	started time.Time
	done    chan callResult
	once    sync.Once
}

func newPendingCall(method string) *pendingCall {
	return &pendingCall{
		method:  method,
		started: time.Now(),
		done:    make(chan callResult, 1),
	}
}

func (p *pendingCall) resolve(result json.RawMessage, err error) bool {
	resolved := false
	p.once.Do(func() {
		p.done <- callResult{result: result, err: err}
		resolved = true
	})
	return resolved
}

// pendingCalls correlates request ids with waiting calls. Entries expire
// after the call timeout; expiry resolves the call with a *TimeoutError.
type pendingCalls struct {
	cache   *ttlcache.Cache[string, *pendingCall]
	timeout time.Duration

	mu       sync.Mutex
	closed   bool
	closeErr error
}

func newPendingCalls(timeout time.Duration, onTimeout func(*pendingCall)) *pendingCalls {
	cache := ttlcache.New[string, *pendingCall](
		ttlcache.WithDisableTouchOnHit[string, *pendingCall](),
	)
	p := &pendingCalls{
		cache:   cache,
		timeout: timeout,
	}
	cache.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, *pendingCall]) {
		if reason != ttlcache.EvictionReasonExpired {
			return
		}
		call := item.Value()
		if call.resolve(nil, &TimeoutError{Method: call.method, After: timeout}) && onTimeout != nil {
			onTimeout(call)
		}
	})
	return p
}

func (p *pendingCalls) start() {
	go p.cache.Start()
}

func (p *pendingCalls) add(id string, call *pendingCall) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return p.closeErr
	}
	ttl := ttlcache.NoTTL
	if p.timeout > 0 {
		ttl = p.timeout
	}
	p.cache.Set(id, call, ttl)
	return nil
}

// take removes and returns the call waiting on id.
func (p *pendingCalls) take(id string) (*pendingCall, bool) {
	item := p.cache.Get(id)
	if item == nil {
		return nil, false
	}
	p.cache.Delete(id)
	return item.Value(), true
}

func (p *pendingCalls) drop(id string) {
	p.cache.Delete(id)
}

func (p *pendingCalls) len() int {
	return p.cache.Len()
}

// failAll resolves every outstanding call with err and rejects later ones
// with rejectErr.
func (p *pendingCalls) failAll(err, rejectErr error) int {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0
	}
	p.closed = true
	p.closeErr = rejectErr
	items := p.cache.Items()
	p.mu.Unlock()

	failed := 0
	for _, item := range items {
		if item.Value().resolve(nil, err) {
			failed++
		}
	}
	p.cache.DeleteAll()
	p.cache.Stop()
	return failed
}
