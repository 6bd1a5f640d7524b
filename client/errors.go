package client

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
)

var (
	ErrNotConnected    = errors.New("websocket not connected")
	ErrConnectionLost  = errors.New("connection lost")
	ErrCallTimeout     = errors.New("call timed out")
	ErrHandshakeFailed = errors.New("websocket handshake failed")
	ErrAuthFailed      = errors.New("authentication failed")
	ErrNotAJob         = errors.New("method did not return a job id")
	ErrEndpointMissing = errors.New("endpoint cannot be empty")
)

// TimeoutError is returned for a call whose response did not arrive within
// the configured call timeout. It matches ErrCallTimeout with errors.Is.
type TimeoutError struct {
	Method string
	After  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: no response after %v", e.Method, e.After)
}

func (e *TimeoutError) Unwrap() error {
	return ErrCallTimeout
}

// lostError wraps the reason a connection went away so outstanding calls
// match ErrConnectionLost while keeping the cause readable.
func lostError(cause error) error {
	if cause == nil || errors.Is(cause, ErrConnectionLost) {
		return ErrConnectionLost
	}
	return fmt.Errorf("%w: %v", ErrConnectionLost, cause)
}
