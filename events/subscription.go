package events

import (
	"sync"

	"github.com/AlexKarpov98/webui/models"
	"github.com/google/uuid"
)

// Subscription is one consumer's handle on a topic. Events are buffered in
// an unbounded mailbox and handed to Events() in arrival order by a
// dedicated goroutine, so a slow reader never holds up the publisher or the
// other consumers of the topic.
type Subscription struct {
	id    string
	topic string
	mux   *Mux

	out    chan models.Event
	signal chan struct{}
	done   chan struct{} // consumer cancelled, stop immediately
	ending chan struct{} // multiplexer closed, drain then stop

	mu       sync.Mutex
	queue    []models.Event
	finished bool
	err      error

	cancelOnce sync.Once
	finishOnce sync.Once
}

func newSubscription(topic string, mux *Mux) *Subscription {
	s := &Subscription{
		id:     uuid.NewString(),
		topic:  topic,
		mux:    mux,
		out:    make(chan models.Event),
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
		ending: make(chan struct{}),
	}
	go s.pump()
	return s
}

func (s *Subscription) ID() string {
	return s.id
}

func (s *Subscription) Topic() string {
	return s.topic
}

// Events yields the topic's events. The channel is closed after Cancel or
// when the multiplexer shuts down; Err tells the two apart.
func (s *Subscription) Events() <-chan models.Event {
	return s.out
}

// Err returns the reason the subscription ended: nil after Cancel, a
// *RefusedError when the upstream declined the topic, the multiplexer's
// close error otherwise. It is only meaningful once Events() has been
// closed.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Cancel releases this consumer. Other consumers of the same topic are not
// affected; the upstream registration is dropped with the last one.
func (s *Subscription) Cancel() {
	s.cancelOnce.Do(func() {
		s.mu.Lock()
		s.finished = true
		s.queue = nil
		s.mu.Unlock()
		close(s.done)
		if s.mux != nil {
			s.mux.remove(s)
		}
	})
}

func (s *Subscription) push(event models.Event) {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, event)
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *Subscription) finish(err error) {
	s.finishOnce.Do(func() {
		s.mu.Lock()
		s.finished = true
		s.err = err
		s.mu.Unlock()
		close(s.ending)
	})
}

func (s *Subscription) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.signal:
				continue
			case <-s.done:
				return
			case <-s.ending:
				s.mu.Lock()
				empty := len(s.queue) == 0
				s.mu.Unlock()
				if empty {
					return
				}
				continue
			}
		}
		event := s.queue[0]
		s.queue[0] = models.Event{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- event:
		case <-s.done:
			return
		}
	}
}
