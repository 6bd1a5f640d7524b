package jobs

import (
	"context"
	"sync"

	"github.com/AlexKarpov98/webui/models"
)

const updateBufferSize = 16

// Stream is the per-consumer sequence of snapshots for one job. It is
// finite: Updates is closed after the first terminal snapshot, after the
// consumer cancels, or when tracking is aborted by an error.
type Stream struct {
	id      int64
	updates chan models.Job
	stop    chan struct{}
	done    chan struct{}

	mu   sync.Mutex
	err  error
	last models.Job
	seen bool

	stopOnce sync.Once
}

func newStream(id int64) *Stream {
	return &Stream{
		id:      id,
		updates: make(chan models.Job, updateBufferSize),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// StreamOf returns an already finished stream that yields the given
// snapshots in order.
func StreamOf(snapshots ...models.Job) *Stream {
	var id int64
	if len(snapshots) > 0 {
		id = snapshots[0].ID
	}
	s := &Stream{
		id:      id,
		updates: make(chan models.Job, len(snapshots)),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, job := range snapshots {
		s.updates <- job
		s.last = job
		s.seen = true
	}
	close(s.updates)
	close(s.done)
	return s
}

func (s *Stream) ID() int64 {
	return s.id
}

func (s *Stream) Updates() <-chan models.Job {
	return s.updates
}

// Done is closed once the stream has stopped producing snapshots.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Err is nil when the stream ended on a terminal snapshot or by Cancel,
// and carries the transport or application error that aborted tracking
// otherwise.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Last returns the most recent snapshot delivered and whether there was one.
func (s *Stream) Last() (models.Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, s.seen
}

func (s *Stream) Cancel() {
	s.stopOnce.Do(func() {
		close(s.stop)
	})
}

// Wait drains the stream and returns the final snapshot. A job that ended
// in the Failed state is returned without error; use Job.Err for that.
func (s *Stream) Wait(ctx context.Context) (models.Job, error) {
	var last models.Job
	var seen bool
	for {
		select {
		case job, ok := <-s.updates:
			if !ok {
				if err := s.Err(); err != nil {
					return last, err
				}
				if !seen {
					return last, ErrNoSnapshot
				}
				return last, nil
			}
			last = job
			seen = true
		case <-ctx.Done():
			s.Cancel()
			return last, ctx.Err()
		}
	}
}

func (s *Stream) emit(ctx context.Context, job models.Job) bool {
	select {
	case s.updates <- job:
		s.mu.Lock()
		s.last = job
		s.seen = true
		s.mu.Unlock()
		return true
	case <-s.stop:
		return false
	case <-ctx.Done():
		s.fail(ctx.Err())
		return false
	}
}

func (s *Stream) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func (s *Stream) close() {
	close(s.updates)
	close(s.done)
}
