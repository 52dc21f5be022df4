// Package script runs Starlark programs that drive an engine session.
package script

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
	"go.starlark.net/syntax"

	"github.com/thorctl/thorctl/pkg/controller"
	"github.com/thorctl/thorctl/pkg/protocol"
)

// DefaultTimeout bounds a script run when none is given.
const DefaultTimeout = 10 * time.Minute

// Scripts are sequences of actions, so loops and conditionals are allowed
// at top level.
var fileOptions = &syntax.FileOptions{
	TopLevelControl: true,
	GlobalReassign:  true,
	While:           true,
	Set:             true,
}

// Session is the part of a controller a script can drive.
type Session interface {
	Step(ctx context.Context, action protocol.Action, raiseForFailure bool) (*protocol.Event, error)
	LastEvent() *protocol.Event
}

// Result is the outcome of a script run.
type Result struct {
	// Output holds the script's globals, except names starting with "_"
	// and functions.
	Output        map[string]any
	Steps         int
	ExecutionTime time.Duration
}

// Runner executes scripts against one session.
type Runner struct {
	session Session
	timeout time.Duration
	logger  zerolog.Logger
}

// NewRunner creates a runner. A zero timeout uses DefaultTimeout.
func NewRunner(session Session, timeout time.Duration, logger zerolog.Logger) *Runner {
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	return &Runner{
		session: session,
		timeout: timeout,
		logger:  logger.With().Str("component", "script").Logger(),
	}
}

// Run executes src. input values are predeclared as globals.
func (r *Runner) Run(ctx context.Context, filename, src string, input map[string]any) (*Result, error) {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var steps atomic.Int64
	thread := &starlark.Thread{
		Name: filename,
		Print: func(_ *starlark.Thread, msg string) {
			r.logger.Info().Str("script", filename).Msg(msg)
		},
	}

	// Cancel interrupts the interpreter between statements; a blocked step
	// is released by ctx itself.
	stop := context.AfterFunc(ctx, func() {
		thread.Cancel(ctx.Err().Error())
	})
	defer stop()

	predeclared := r.builtins(ctx, &steps)
	for key, val := range input {
		sv, err := toStarlarkValue(val)
		if err != nil {
			return nil, fmt.Errorf("failed to convert input %s: %w", key, err)
		}
		predeclared[key] = sv
	}

	globals, err := starlark.ExecFileOptions(fileOptions, thread, filename, src, predeclared)
	result := &Result{
		Steps:         int(steps.Load()),
		ExecutionTime: time.Since(start),
	}
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return result, fmt.Errorf("script timed out after %v: %w", r.timeout, err)
		}
		var evalErr *starlark.EvalError
		if errors.As(err, &evalErr) {
			return result, fmt.Errorf("script failed: %s", evalErr.Backtrace())
		}
		return result, fmt.Errorf("script failed: %w", err)
	}

	result.Output = make(map[string]any, len(globals))
	for name, val := range globals {
		if len(name) > 0 && name[0] == '_' {
			continue
		}
		if _, ok := val.(starlark.Callable); ok {
			continue
		}
		gv, err := fromStarlarkValue(val)
		if err != nil {
			return result, fmt.Errorf("failed to convert output %s: %w", name, err)
		}
		result.Output[name] = gv
	}
	return result, nil
}

func (r *Runner) builtins(ctx context.Context, steps *atomic.Int64) starlark.StringDict {
	return starlark.StringDict{
		"struct":        starlarkstruct.Default,
		"step":          starlark.NewBuiltin("step", r.stepBuiltin(ctx, steps)),
		"last_event":    starlark.NewBuiltin("last_event", r.lastEventBuiltin),
		"distance":      starlark.NewBuiltin("distance", builtinDistance),
		"key_for_point": starlark.NewBuiltin("key_for_point", builtinKeyForPoint),
		"scene_names":   starlark.NewBuiltin("scene_names", builtinSceneNames),
	}
}

// step(action, raise_for_failure=False, **fields) sends one action and
// returns the event metadata. action is a name or a dict with an "action"
// key; keyword fields are merged into it.
func (r *Runner) stepBuiltin(ctx context.Context, steps *atomic.Int64) func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error) {
	return func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var (
			actionArg starlark.Value
			raise     = false
			fields    []starlark.Tuple
		)
		if len(args) != 1 {
			return nil, fmt.Errorf("%s: expected 1 positional argument, got %d", b.Name(), len(args))
		}
		actionArg = args[0]
		for _, kv := range kwargs {
			key := string(kv[0].(starlark.String))
			if key == "raise_for_failure" {
				v, ok := kv[1].(starlark.Bool)
				if !ok {
					return nil, fmt.Errorf("%s: raise_for_failure must be a bool, got %s", b.Name(), kv[1].Type())
				}
				raise = bool(v)
				continue
			}
			fields = append(fields, kv)
		}

		action, err := buildAction(actionArg, fields)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", b.Name(), err)
		}

		ev, err := r.session.Step(ctx, action, raise)
		if ev != nil {
			steps.Add(1)
		}
		if err != nil {
			return nil, fmt.Errorf("%s %s: %w", b.Name(), action.Name(), err)
		}
		return toStarlarkValue(ev.Metadata)
	}
}

func buildAction(arg starlark.Value, fields []starlark.Tuple) (protocol.Action, error) {
	action := protocol.Action{}
	switch v := arg.(type) {
	case starlark.String:
		action[protocol.FieldAction] = string(v)
	case *starlark.Dict:
		gv, err := fromStarlarkValue(v)
		if err != nil {
			return nil, err
		}
		for k, val := range gv.(map[string]any) {
			action[k] = val
		}
	default:
		return nil, fmt.Errorf("action must be a string or dict, got %s", arg.Type())
	}

	for _, kv := range fields {
		val, err := fromStarlarkValue(kv[1])
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", kv[0], err)
		}
		action[string(kv[0].(starlark.String))] = val
	}
	return action, action.Validate()
}

func (r *Runner) lastEventBuiltin(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 0); err != nil {
		return nil, err
	}
	ev := r.session.LastEvent()
	if ev == nil {
		return starlark.None, nil
	}
	return toStarlarkValue(ev.Metadata)
}

func builtinDistance(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var a, c *starlark.Dict
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 2, &a, &c); err != nil {
		return nil, err
	}
	pa, err := pointFromDict(a)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	pc, err := pointFromDict(c)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	return starlark.Float(controller.Distance(pa, pc)), nil
}

func pointFromDict(d *starlark.Dict) (controller.Point, error) {
	gv, err := fromStarlarkValue(d)
	if err != nil {
		return controller.Point{}, err
	}
	return controller.PointFromMap(gv.(map[string]any))
}

func builtinKeyForPoint(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var x, z starlark.Value
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 2, &x, &z); err != nil {
		return nil, err
	}
	fx, ok := starlark.AsFloat(x)
	if !ok {
		return nil, fmt.Errorf("%s: x must be a number, got %s", b.Name(), x.Type())
	}
	fz, ok := starlark.AsFloat(z)
	if !ok {
		return nil, fmt.Errorf("%s: z must be a number, got %s", b.Name(), z.Type())
	}
	return starlark.String(controller.KeyForPoint(fx, fz)), nil
}

func builtinSceneNames(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 0); err != nil {
		return nil, err
	}
	return toStarlarkValue(controller.SceneNames())
}
