package channel

import (
	"errors"
	"fmt"
	"time"
)

// ErrClosed is returned by operations on a stopped server.
var ErrClosed = errors.New("channel is closed")

// ProtocolError reports a violation of the request/response discipline or
// a malformed or unexpected frame.
type ProtocolError struct {
	Op     string
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol error during %s: %s: %v", e.Op, e.Reason, e.Err)
	}
	return fmt.Sprintf("protocol error during %s: %s", e.Op, e.Reason)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// TimeoutError is returned when the engine does not answer in time.
type TimeoutError struct {
	Op    string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timed out after %s waiting for %s", e.After, e.Op)
}

// Timeout reports true, matching the net.Error convention.
func (e *TimeoutError) Timeout() bool {
	return true
}
