package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/AlexKarpov98/webui/models"
	"github.com/google/uuid"
)

var (
	ErrEmptyTopic          = errors.New("topic cannot be empty")
	ErrMuxClosed           = errors.New("event multiplexer closed")
	ErrSubscriptionRefused = errors.New("subscription refused")
)

// RefusedError ends every subscription of a topic the upstream declined to
// serve. It matches ErrSubscriptionRefused and unwraps to the upstream's
// reason, if any.
type RefusedError struct {
	Topic string
	Err   error
}

func (e *RefusedError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("subscription to %s refused", e.Topic)
	}
	return fmt.Sprintf("subscription to %s refused: %v", e.Topic, e.Err)
}

func (e *RefusedError) Unwrap() error {
	return e.Err
}

func (e *RefusedError) Is(target error) bool {
	return target == ErrSubscriptionRefused
}

// Upstream is the transport side of the multiplexer. Subscribe is invoked
// when a topic gains its first consumer and Unsubscribe when it loses its
// last one, so a topic costs one upstream registration no matter how many
// consumers share it. id identifies that registration.
type Upstream interface {
	Subscribe(ctx context.Context, topic, id string) error
	Unsubscribe(topic, id string) error
}

type topicState struct {
	id   string
	subs map[string]*Subscription
}

// Mux fans server pushed events out to any number of consumers per topic.
type Mux struct {
	upstream Upstream
	logger   *slog.Logger

	mu       sync.Mutex
	topics   map[string]*topicState
	closed   bool
	closeErr error
}

// NewMux returns a multiplexer. upstream may be nil when events are injected
// locally with Publish.
func NewMux(upstream Upstream, logger *slog.Logger) *Mux {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mux{
		upstream: upstream,
		logger:   logger.WithGroup("events"),
		topics:   make(map[string]*topicState),
	}
}

// Subscribe registers a new consumer for topic. The returned subscription
// receives every event published on the topic after this call returns, in
// publication order, until it is cancelled, the upstream refuses the topic
// or the multiplexer is closed.
func (m *Mux) Subscribe(ctx context.Context, topic string) (*Subscription, error) {
	if topic == "" {
		return nil, ErrEmptyTopic
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, m.closeErr
	}

	state, ok := m.topics[topic]
	opening := !ok
	if opening {
		state = &topicState{id: uuid.NewString(), subs: make(map[string]*Subscription)}
		m.topics[topic] = state
		m.logger.Debug("Topic opened", "topic", topic, "id", state.id)
	}
	sub := newSubscription(topic, m)
	state.subs[sub.id] = sub
	count := len(state.subs)
	m.mu.Unlock()

	m.logger.Debug("Subscriber registered", "topic", topic, "subscription", sub.id, "count", count)

	if opening && m.upstream != nil {
		if err := m.upstream.Subscribe(ctx, topic, state.id); err != nil {
			m.logger.Error("Upstream subscribe failed", "topic", topic, "error", err)
			m.end(state.id, err)
			return nil, err
		}
	}
	return sub, nil
}

// Refuse ends the topic registered upstream as id: its subscriptions finish
// with a *RefusedError wrapping reason and no unsubscribe is sent. It
// reports whether id named a live topic.
func (m *Mux) Refuse(id string, reason error) bool {
	topic, n, ok := m.endWith(id, func(topic string) error {
		return &RefusedError{Topic: topic, Err: reason}
	})
	if ok {
		m.logger.Warn("Upstream refused topic", "topic", topic, "id", id, "subscriptions", n, "reason", reason)
	}
	return ok
}

func (m *Mux) end(id string, err error) {
	m.endWith(id, func(string) error { return err })
}

func (m *Mux) endWith(id string, reason func(topic string) error) (string, int, bool) {
	m.mu.Lock()
	var (
		topic string
		state *topicState
	)
	for name, s := range m.topics {
		if s.id == id {
			topic, state = name, s
			break
		}
	}
	if state == nil {
		m.mu.Unlock()
		return "", 0, false
	}
	delete(m.topics, topic)
	m.mu.Unlock()

	err := reason(topic)
	for _, sub := range state.subs {
		sub.finish(err)
	}
	return topic, len(state.subs), true
}

// Publish delivers event to every active subscription of event.Collection.
// It never blocks on a slow consumer.
func (m *Mux) Publish(event models.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	state, ok := m.topics[event.Collection]
	if !ok || len(state.subs) == 0 {
		m.logger.Debug("No subscribers for event", "topic", event.Collection)
		return
	}
	for _, sub := range state.subs {
		sub.push(event)
	}
}

// SubscriberCount returns the number of active consumers of topic.
func (m *Mux) SubscriberCount(topic string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if state, ok := m.topics[topic]; ok {
		return len(state.subs)
	}
	return 0
}

// Topics returns the topics that currently have at least one consumer.
func (m *Mux) Topics() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.topics))
	for topic := range m.topics {
		out = append(out, topic)
	}
	return out
}

// Close ends every subscription with err and rejects later subscribers.
// Upstream is not notified; the transport is assumed gone.
func (m *Mux) Close(err error) {
	if err == nil {
		err = ErrMuxClosed
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.closeErr = err
	var all []*Subscription
	for _, state := range m.topics {
		for _, sub := range state.subs {
			all = append(all, sub)
		}
	}
	m.topics = make(map[string]*topicState)
	m.mu.Unlock()

	for _, sub := range all {
		sub.finish(err)
	}
	m.logger.Debug("Multiplexer closed", "subscriptions", len(all), "reason", err)
}

func (m *Mux) remove(sub *Subscription) {
	m.mu.Lock()
	state, ok := m.topics[sub.topic]
	if !ok {
		m.mu.Unlock()
		return
	}
	if _, ok := state.subs[sub.id]; !ok {
		m.mu.Unlock()
		return
	}
	delete(state.subs, sub.id)
	count := len(state.subs)
	if count == 0 {
		delete(m.topics, sub.topic)
	}
	m.mu.Unlock()

	m.logger.Debug("Subscriber unregistered", "topic", sub.topic, "subscription", sub.id, "count", count)
	if count > 0 {
		return
	}
	if m.upstream != nil {
		if err := m.upstream.Unsubscribe(sub.topic, state.id); err != nil {
			m.logger.Warn("Upstream unsubscribe failed", "topic", sub.topic, "error", err)
		}
	}
	m.logger.Debug("No more subscribers for topic, topic released", "topic", sub.topic)
}
