package models

import (
	"fmt"
	"strings"
)

type ErrorTrace struct {
	Class     string `json:"class"`
	Formatted string `json:"formatted"`
}

// ApiError is the structured error the middleware returns for a single call.
type ApiError struct {
	Errno   int         `json:"error"`
	ErrName string      `json:"errname,omitempty"`
	Type    string      `json:"type,omitempty"`
	Reason  string      `json:"reason"`
	Trace   *ErrorTrace `json:"trace,omitempty"`
	Extra   any         `json:"extra,omitempty"`

	// Method is filled in by the client, it is not part of the wire format.
	Method string `json:"-"`
}

func (e *ApiError) Error() string {
	if e == nil {
		return ""
	}
	var b strings.Builder
	if e.Method != "" {
		fmt.Fprintf(&b, "%s: ", e.Method)
	}
	if e.ErrName != "" {
		fmt.Fprintf(&b, "[%s] ", e.ErrName)
	}
	reason := strings.TrimSpace(e.Reason)
	if reason == "" && e.Trace != nil {
		reason = e.Trace.Class
	}
	if reason == "" {
		reason = fmt.Sprintf("error %d", e.Errno)
	}
	b.WriteString(reason)
	return b.String()
}

// JobError describes a job that reached the Failed state.
type JobError struct {
	JobID     int64
	Method    string
	Message   string
	Exception string
}

func (e *JobError) Error() string {
	msg := strings.TrimSpace(e.Message)
	if msg == "" {
		msg = "job failed"
	}
	if e.Method != "" {
		return fmt.Sprintf("job %d (%s): %s", e.JobID, e.Method, msg)
	}
	return fmt.Sprintf("job %d: %s", e.JobID, msg)
}
