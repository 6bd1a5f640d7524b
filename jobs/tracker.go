package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/AlexKarpov98/webui/events"
	"github.com/AlexKarpov98/webui/models"
)

var (
	ErrNoSnapshot         = errors.New("job stream ended without a snapshot")
	ErrSubscriptionClosed = errors.New("job progress subscription closed")
)

// Source is the slice of the RPC client the tracker depends on.
type Source interface {
	Call(ctx context.Context, method string, args ...any) (json.RawMessage, error)
	Subscribe(ctx context.Context, topic string) (*events.Subscription, error)
}

// Starter issues job producing calls.
type Starter interface {
	StartJob(ctx context.Context, method string, args ...any) (int64, error)
}

type Tracker struct {
	source Source
	logger *slog.Logger
}

func NewTracker(source Source, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		source: source,
		logger: logger.WithGroup("jobs"),
	}
}

// Track follows job id until it reaches a terminal state. The progress topic
// is joined before the job is looked up, so a job that completes while
// tracking starts still produces its terminal snapshot exactly once.
//
// A lookup that finds no record is not an error: the stream waits for the
// job's first event. An id the middleware never reports therefore ends only
// through ctx, Stream.Cancel or the progress subscription ending.
func (t *Tracker) Track(ctx context.Context, id int64) (*Stream, error) {
	sub, err := t.source.Subscribe(ctx, models.JobsTopic)
	if err != nil {
		return nil, fmt.Errorf("subscribe to job progress: %w", err)
	}
	s := newStream(id)
	go t.run(ctx, s, sub)
	return s, nil
}

func (t *Tracker) run(ctx context.Context, s *Stream, sub *events.Subscription) {
	defer s.close()
	defer sub.Cancel()

	logger := t.logger.With("job_id", s.id)

	current := models.Job{ID: s.id, State: models.JobStatePending}
	known, err := t.lookup(ctx, s.id)
	if err != nil {
		logger.Warn("Job lookup failed, tracking aborted", "error", err)
		s.fail(err)
		return
	}
	if known == nil {
		logger.Debug("Job not found by lookup, waiting for its events")
	} else {
		current = *known
		if !s.emit(ctx, current) {
			return
		}
		if current.IsTerminal() {
			logger.Debug("Job already finished when tracking began", "state", current.State)
			return
		}
	}

	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				err := sub.Err()
				if err == nil {
					err = ErrSubscriptionClosed
				}
				logger.Warn("Job progress subscription ended before the job finished", "error", err)
				s.fail(err)
				return
			}
			if ev.Collection != models.JobsTopic || ev.Msg == models.MsgRemoved {
				continue
			}
			jobID, ok := ev.JobID()
			if !ok || jobID != s.id {
				continue
			}
			next, err := current.Merge(ev.Fields)
			if err != nil {
				logger.Warn("Discarding undecodable job event", "error", err)
				continue
			}
			next.ID = s.id
			if !current.State.CanAdvanceTo(next.State) {
				logger.Debug("Discarding job event that would move state backwards",
					"from", current.State, "to", next.State)
				continue
			}
			current = next
			if !s.emit(ctx, current) {
				return
			}
			if current.IsTerminal() {
				logger.Debug("Job reached terminal state", "state", current.State)
				return
			}
		case <-s.stop:
			return
		case <-ctx.Done():
			s.fail(ctx.Err())
			return
		}
	}
}

func (t *Tracker) lookup(ctx context.Context, id int64) (*models.Job, error) {
	raw, err := t.source.Call(ctx, models.MethodGetJobs, models.JobQuery(id)...)
	if err != nil {
		return nil, err
	}
	var found []models.Job
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &found); err != nil {
			return nil, fmt.Errorf("decode %s result: %w", models.MethodGetJobs, err)
		}
	}
	for i := range found {
		if found[i].ID == id {
			return &found[i], nil
		}
	}
	return nil, nil
}

// Run starts a job producing call and tracks the job it creates.
func Run(ctx context.Context, starter Starter, tracker *Tracker, method string, args ...any) (*Stream, error) {
	id, err := starter.StartJob(ctx, method, args...)
	if err != nil {
		return nil, err
	}
	return tracker.Track(ctx, id)
}
