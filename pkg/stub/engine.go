// Package stub simulates an engine process. It speaks the same stdio
// protocol as a real build and is used for local testing and smoke runs.
package stub

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"runtime"
	"strings"

	"github.com/rs/zerolog"

	"github.com/thorctl/thorctl/pkg/controller"
	"github.com/thorctl/thorctl/pkg/protocol"
)

// Version is reported in the READY message.
const Version = "stub-1"

// Action names with this prefix always fail.
const failPrefix = "Fail"

// Engine holds the simulated scene state.
type Engine struct {
	Width    int
	Height   int
	Headless bool

	scene    string
	gridSize float64
	position controller.Point
	rotation float64
	actions  int
	logger   zerolog.Logger
}

// New creates an engine with the given screen size.
func New(width, height int, headless bool, logger zerolog.Logger) *Engine {
	return &Engine{
		Width:    width,
		Height:   height,
		Headless: headless,
		gridSize: 0.25,
		logger:   logger.With().Str("component", "stub-engine").Logger(),
	}
}

// Serve sends READY and answers each ACTION with an EVENT until EXIT, EOF
// or ctx is done.
func (e *Engine) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	enc := protocol.NewEncoder(w)
	dec := protocol.NewDecoder(r)

	if err := enc.EncodeReady(&protocol.ReadyMessage{
		Version:  Version,
		Platform: runtime.GOOS,
		PID:      os.Getpid(),
		Metadata: map[string]string{"headless": fmt.Sprint(e.Headless)},
	}); err != nil {
		return fmt.Errorf("failed to send ready: %w", err)
	}

	msgs := make(chan *protocol.Message)
	errs := make(chan error, 1)
	go func() {
		for {
			msg, err := dec.Decode()
			if err != nil {
				errs <- err
				return
			}
			select {
			case msgs <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return e.exit(enc, "cancelled")
		case err := <-errs:
			if errors.Is(err, io.EOF) {
				e.logger.Debug().Int("actions", e.actions).Msg("stdin closed")
				return nil
			}
			return fmt.Errorf("failed to read message: %w", err)
		case msg := <-msgs:
			switch msg.Type {
			case protocol.MessageTypeExit:
				return e.exit(enc, "requested")
			case protocol.MessageTypeAction:
				action, err := protocol.ParseAction(msg.Data)
				if err != nil {
					return err
				}
				if err := enc.EncodeEvent(e.Handle(action)); err != nil {
					return fmt.Errorf("failed to send event: %w", err)
				}
			default:
				return fmt.Errorf("unexpected %s message", msg.Type)
			}
		}
	}
}

func (e *Engine) exit(enc *protocol.Encoder, reason string) error {
	return enc.EncodeExit(&protocol.ExitMessage{Reason: reason, ActionsTotal: e.actions})
}

// Handle applies one action and returns the event payload.
func (e *Engine) Handle(action protocol.Action) map[string]any {
	e.actions++
	name := action.Name()
	log := e.logger.Debug().Str("action", name)

	var failure string
	switch {
	case strings.HasPrefix(name, failPrefix):
		failure = fmt.Sprintf("%s is not a valid action", name)
	case name == protocol.ActionReset:
		scene, _ := action[protocol.FieldSceneName].(string)
		if !controller.ValidScene(scene) {
			failure = fmt.Sprintf("unknown scene %q", scene)
			break
		}
		e.scene = scene
		e.position = controller.Point{Y: 0.9}
		e.rotation = 0
	case name == protocol.ActionInitialize:
		if g, ok := action["gridSize"].(float64); ok && g > 0 {
			e.gridSize = g
		}
	case name == "MoveAhead", name == "MoveBack":
		step := e.gridSize
		if m, ok := action["moveMagnitude"].(float64); ok {
			step = m
		}
		if name == "MoveBack" {
			step = -step
		}
		rad := e.rotation * math.Pi / 180
		e.position.X += step * math.Sin(rad)
		e.position.Z += step * math.Cos(rad)
	case name == "RotateRight":
		e.rotation = math.Mod(e.rotation+90, 360)
	case name == "RotateLeft":
		e.rotation = math.Mod(e.rotation+270, 360)
	}
	log.Bool("success", failure == "").Msg("handled action")

	payload := map[string]any{
		"screenWidth":       e.Width,
		"screenHeight":      e.Height,
		"lastAction":        name,
		"lastActionSuccess": failure == "",
		"sceneName":         e.scene,
		"agent": map[string]any{
			"position": map[string]any{"x": e.position.X, "y": e.position.Y, "z": e.position.Z},
			"rotation": map[string]any{"x": 0.0, "y": e.rotation, "z": 0.0},
		},
	}
	if v, ok := action[protocol.FieldVisibilityDistance]; ok {
		payload[protocol.FieldVisibilityDistance] = v
	}
	if failure != "" {
		payload[protocol.KeyErrorCode] = "InvalidAction"
		payload[protocol.KeyErrorMessage] = failure
	}
	return payload
}
