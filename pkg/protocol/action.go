package protocol

import (
	"fmt"
)

// Well-known action names.
const (
	ActionInitialize = "Initialize"
	ActionReset      = "Reset"
)

// Field names with controller-side meaning.
const (
	FieldAction             = "action"
	FieldVisibilityDistance = "visibilityDistance"
	FieldSceneName          = "sceneName"
)

// Action is a request to the engine. The "action" field names it; every
// other field is passed through untouched.
type Action map[string]any

// NewAction builds an action from a name and optional fields.
func NewAction(name string, fields map[string]any) Action {
	a := make(Action, len(fields)+1)
	for k, v := range fields {
		a[k] = v
	}
	a[FieldAction] = name
	return a
}

// Name returns the action name, or "" if absent.
func (a Action) Name() string {
	name, _ := a[FieldAction].(string)
	return name
}

// Validate checks that the action carries a non-empty name.
func (a Action) Validate() error {
	v, ok := a[FieldAction]
	if !ok {
		return fmt.Errorf("action name is required")
	}
	name, ok := v.(string)
	if !ok {
		return fmt.Errorf("action name must be a string, got %T", v)
	}
	if name == "" {
		return fmt.Errorf("action name is required")
	}
	return nil
}

// Clone returns a shallow copy.
func (a Action) Clone() Action {
	out := make(Action, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}
