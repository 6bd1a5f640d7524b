package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// JobState is the ordered lifecycle of a server-side job. The numeric order
// is the only permitted direction of travel.
type JobState int

const (
	JobStatePending JobState = iota
	JobStateRunning
	JobStateSuccess
	JobStateFailed
)

var jobStateNames = map[JobState]string{
	JobStatePending: "WAITING",
	JobStateRunning: "RUNNING",
	JobStateSuccess: "SUCCESS",
	JobStateFailed:  "FAILED",
}

func (s JobState) String() string {
	if name, ok := jobStateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("JobState(%d)", int(s))
}

func (s JobState) IsTerminal() bool {
	return s == JobStateSuccess || s == JobStateFailed
}

// CanAdvanceTo reports whether moving from s to next keeps the lifecycle
// forward-only. Staying in the same non-terminal state is allowed so that
// progress updates within a state are accepted.
func (s JobState) CanAdvanceTo(next JobState) bool {
	if s.IsTerminal() {
		return false
	}
	return next >= s
}

func ParseJobState(raw string) (JobState, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "WAITING", "PENDING":
		return JobStatePending, nil
	case "RUNNING":
		return JobStateRunning, nil
	case "SUCCESS":
		return JobStateSuccess, nil
	case "FAILED", "ABORTED":
		return JobStateFailed, nil
	}
	return JobStatePending, fmt.Errorf("unknown job state %q", raw)
}

func (s JobState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *JobState) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := ParseJobState(raw)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

type JobProgress struct {
	Percent     float64 `json:"percent"`
	Description string  `json:"description,omitempty"`
	Extra       any     `json:"extra,omitempty"`
}

type JobTime struct {
	Date int64 `json:"$date"`
}

// Job is one snapshot of a long running middleware operation.
type Job struct {
	ID           int64           `json:"id"`
	Method       string          `json:"method,omitempty"`
	Arguments    []any           `json:"arguments,omitempty"`
	State        JobState        `json:"state"`
	Progress     JobProgress     `json:"progress"`
	Result       json.RawMessage `json:"result,omitempty"`
	Error        string          `json:"error,omitempty"`
	Exception    string          `json:"exception,omitempty"`
	Abortable    bool            `json:"abortable,omitempty"`
	TimeStarted  *JobTime        `json:"time_started,omitempty"`
	TimeFinished *JobTime        `json:"time_finished,omitempty"`
}

// UnmarshalJSON decodes a job record. ABORTED jobs are failed jobs whose
// error says so.
func (j *Job) UnmarshalJSON(data []byte) error {
	type plain Job
	var probe struct {
		State string `json:"state"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}
	if err := json.Unmarshal(data, (*plain)(j)); err != nil {
		return err
	}
	if strings.EqualFold(probe.State, "ABORTED") && j.Error == "" {
		j.Error = "aborted"
	}
	return nil
}

func (j Job) IsTerminal() bool {
	return j.State.IsTerminal()
}

// Merge projects an event payload onto a copy of j. Fields absent from the
// payload keep their previous value, fields sent as null are cleared and a
// progress object is merged key by key the same way.
func (j Job) Merge(fields json.RawMessage) (Job, error) {
	next := j
	next.Arguments = append([]any(nil), j.Arguments...)
	next.Result = append(json.RawMessage(nil), j.Result...)
	if j.TimeStarted != nil {
		t := *j.TimeStarted
		next.TimeStarted = &t
	}
	if j.TimeFinished != nil {
		t := *j.TimeFinished
		next.TimeFinished = &t
	}
	if len(fields) == 0 || isNull(fields) {
		return next, nil
	}

	var keys map[string]json.RawMessage
	if err := json.Unmarshal(fields, &keys); err != nil {
		return j, err
	}
	if raw, ok := keys["progress"]; ok {
		delete(keys, "progress")
		progress, err := next.Progress.merge(raw)
		if err != nil {
			return j, err
		}
		next.Progress = progress
	}

	present := make(map[string]json.RawMessage, len(keys))
	for key, raw := range keys {
		if isNull(raw) {
			next.clear(key)
			continue
		}
		present[key] = raw
	}
	if len(present) == 0 {
		return next, nil
	}
	rest, err := json.Marshal(present)
	if err != nil {
		return j, err
	}
	if err := json.Unmarshal(rest, &next); err != nil {
		return j, err
	}
	return next, nil
}

// clear zeroes the field carried under a wire key. The id and state are
// never cleared.
func (j *Job) clear(key string) {
	switch key {
	case "method":
		j.Method = ""
	case "arguments":
		j.Arguments = nil
	case "result":
		j.Result = nil
	case "error":
		j.Error = ""
	case "exception":
		j.Exception = ""
	case "abortable":
		j.Abortable = false
	case "time_started":
		j.TimeStarted = nil
	case "time_finished":
		j.TimeFinished = nil
	}
}

func (p JobProgress) merge(raw json.RawMessage) (JobProgress, error) {
	if isNull(raw) {
		return JobProgress{}, nil
	}
	var keys map[string]json.RawMessage
	if err := json.Unmarshal(raw, &keys); err != nil {
		return p, err
	}
	next := p
	for key, value := range keys {
		var target any
		switch key {
		case "percent":
			next.Percent = 0
			target = &next.Percent
		case "description":
			next.Description = ""
			target = &next.Description
		case "extra":
			next.Extra = nil
			target = &next.Extra
		default:
			continue
		}
		// null leaves the zeroed field alone.
		if err := json.Unmarshal(value, target); err != nil {
			return p, err
		}
	}
	return next, nil
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// DecodeResult unmarshals the result of a successful job into target.
func (j Job) DecodeResult(target any) error {
	if j.State != JobStateSuccess {
		return fmt.Errorf("job %d has no result in state %s", j.ID, j.State)
	}
	if len(j.Result) == 0 {
		return nil
	}
	return json.Unmarshal(j.Result, target)
}

// Err returns a *JobError for a failed job and nil otherwise.
func (j Job) Err() error {
	if j.State != JobStateFailed {
		return nil
	}
	return &JobError{JobID: j.ID, Method: j.Method, Message: j.Error, Exception: j.Exception}
}

// JobQuery is the parameter list of a core.get_jobs lookup by id:
// [[["id", "=", id]]].
func JobQuery(id int64) []any {
	return []any{[]any{[]any{"id", "=", id}}}
}
