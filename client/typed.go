package client

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/AlexKarpov98/webui/models"
)

// CallAs issues method and decodes its result into T. It is the typed view
// of the middleware's method directory: the caller states the result shape
// at the call site.
func CallAs[T any](ctx context.Context, caller Caller, method string, args ...any) (T, error) {
	var out T
	raw, err := caller.Call(ctx, method, args...)
	if err != nil {
		return out, err
	}
	if len(raw) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("decode %s result: %w", method, err)
	}
	return out, nil
}

// GetJob looks a job up by id with core.get_jobs. ok is false when the
// middleware no longer knows the job.
func GetJob(ctx context.Context, caller Caller, id int64) (job models.Job, ok bool, err error) {
	found, err := CallAs[[]models.Job](ctx, caller, models.MethodGetJobs, models.JobQuery(id)...)
	if err != nil {
		return models.Job{}, false, err
	}
	for _, j := range found {
		if j.ID == id {
			return j, true, nil
		}
	}
	return models.Job{}, false, nil
}
