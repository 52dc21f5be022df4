package controller

import (
	"fmt"
	"strconv"

	"github.com/thorctl/thorctl/pkg/protocol"
)

// EnvVisibilityDistance supplies a default visibilityDistance for
// Initialize actions.
const EnvVisibilityDistance = "THOR_VISIBILITY_DISTANCE"

// applyDefaults injects environment defaults into action in place. The
// environment is read on every call.
func applyDefaults(action protocol.Action, getenv func(string) string) error {
	if action.Name() != protocol.ActionInitialize {
		return nil
	}
	if _, ok := action[protocol.FieldVisibilityDistance]; ok {
		return nil
	}

	raw := getenv(EnvVisibilityDistance)
	if raw == "" {
		return nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fmt.Errorf("invalid %s=%q: %w", EnvVisibilityDistance, raw, err)
	}
	action[protocol.FieldVisibilityDistance] = v
	return nil
}
