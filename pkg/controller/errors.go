package controller

import (
	"errors"
	"fmt"
)

// ErrActionInvariant matches ActionFailedErrors that carry no message.
// The engine always explains a failure, so a bare failure indicates an
// engine fault rather than a user mistake.
var ErrActionInvariant = errors.New("action failed without an error message")

// ErrNotRunning is returned by Step when no engine process is attached,
// for example after a download-only construction or Close.
var ErrNotRunning = errors.New("controller has no running engine")

// ErrUnknownScene is returned by Reset for names outside the inventory.
var ErrUnknownScene = errors.New("unknown scene")

// ActionFailedError reports an action the engine answered with
// lastActionSuccess=false, when the caller asked for failures to be raised.
type ActionFailedError struct {
	Action  string
	Code    string
	Message string
}

// Error returns the engine's message unchanged when there is one.
func (e *ActionFailedError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s (errorCode=%q)", ErrActionInvariant, e.Action, e.Code)
}

// Is matches ErrActionInvariant when the engine sent no message.
func (e *ActionFailedError) Is(target error) bool {
	return target == ErrActionInvariant && e.Message == ""
}
