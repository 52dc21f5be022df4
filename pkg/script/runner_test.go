package script

import (
	"context"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/thorctl/thorctl/pkg/controller"
	"github.com/thorctl/thorctl/pkg/protocol"
)

// fakeSession succeeds every action except those named "Fail".
type fakeSession struct {
	mu    sync.Mutex
	sent  []protocol.Action
	last  *protocol.Event
	block bool
}

func (s *fakeSession) Step(ctx context.Context, action protocol.Action, raise bool) (*protocol.Event, error) {
	if s.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, action)

	success := action.Name() != "Fail"
	payload := map[string]any{
		"lastAction":        action.Name(),
		"lastActionSuccess": success,
		"agent": map[string]any{
			"position": map[string]any{"x": 1.5, "y": 0.9, "z": 2.5},
		},
	}
	if !success {
		payload["errorMessage"] = "cannot fail here"
	}
	ev, err := protocol.NewEvent(payload)
	if err != nil {
		return nil, err
	}
	s.last = ev
	if raise && !success {
		return ev, &controller.ActionFailedError{Action: action.Name(), Message: ev.ErrorMessage()}
	}
	return ev, nil
}

func (s *fakeSession) LastEvent() *protocol.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

func TestRun(t *testing.T) {
	tests := []struct {
		name      string
		script    string
		input     map[string]any
		wantSteps int
		check     func(t *testing.T, out map[string]any, sent []protocol.Action)
	}{
		{
			name: "step by name with fields",
			script: `
ev = step("MoveAhead", moveMagnitude=0.25)
ok = ev["lastActionSuccess"]
`,
			wantSteps: 1,
			check: func(t *testing.T, out map[string]any, sent []protocol.Action) {
				if out["ok"] != true {
					t.Errorf("ok = %v", out["ok"])
				}
				want := protocol.Action{"action": "MoveAhead", "moveMagnitude": 0.25}
				if !reflect.DeepEqual(sent[0], want) {
					t.Errorf("sent %v, want %v", sent[0], want)
				}
			},
		},
		{
			name: "step with dict",
			script: `
step({"action": "Initialize", "gridSize": 0.25}, renderDepthImage=True)
`,
			wantSteps: 1,
			check: func(t *testing.T, _ map[string]any, sent []protocol.Action) {
				want := protocol.Action{"action": "Initialize", "gridSize": 0.25, "renderDepthImage": true}
				if !reflect.DeepEqual(sent[0], want) {
					t.Errorf("sent %v, want %v", sent[0], want)
				}
			},
		},
		{
			name: "loop and helpers",
			script: `
def walk(n):
    for _ in range(n):
        step("MoveAhead")

walk(3)
pos = last_event()["agent"]["position"]
key = key_for_point(pos["x"], pos["z"])
d = distance(pos, {"x": 1.5, "z": 2.5})
scenes = len(scene_names())
_hidden = 1
`,
			wantSteps: 3,
			check: func(t *testing.T, out map[string]any, _ []protocol.Action) {
				if out["key"] != "1.5 2.5" {
					t.Errorf("key = %v", out["key"])
				}
				if out["d"] != 0.0 {
					t.Errorf("d = %v", out["d"])
				}
				if out["scenes"] != int64(120) {
					t.Errorf("scenes = %v", out["scenes"])
				}
				if _, ok := out["_hidden"]; ok {
					t.Error("private global exported")
				}
				if _, ok := out["walk"]; ok {
					t.Error("function exported")
				}
			},
		},
		{
			name: "failure without raise",
			script: `
ev = step("Fail")
failed = not ev["lastActionSuccess"]
message = ev["errorMessage"]
`,
			wantSteps: 1,
			check: func(t *testing.T, out map[string]any, _ []protocol.Action) {
				if out["failed"] != true || out["message"] != "cannot fail here" {
					t.Errorf("out = %v", out)
				}
			},
		},
		{
			name:   "input globals",
			script: `scene = target + "_physics"`,
			input:  map[string]any{"target": "FloorPlan1"},
			check: func(t *testing.T, out map[string]any, _ []protocol.Action) {
				if out["scene"] != "FloorPlan1_physics" {
					t.Errorf("scene = %v", out["scene"])
				}
			},
		},
		{
			name:   "last event before any step",
			script: `none = last_event() == None`,
			check: func(t *testing.T, out map[string]any, _ []protocol.Action) {
				if out["none"] != true {
					t.Errorf("none = %v", out["none"])
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			session := &fakeSession{}
			runner := NewRunner(session, 5*time.Second, zerolog.Nop())

			result, err := runner.Run(context.Background(), "test.star", tt.script, tt.input)
			if err != nil {
				t.Fatalf("Run() error = %v", err)
			}
			if result.Steps != tt.wantSteps {
				t.Errorf("Steps = %d, want %d", result.Steps, tt.wantSteps)
			}
			tt.check(t, result.Output, session.sent)
		})
	}
}

func TestRunErrors(t *testing.T) {
	tests := []struct {
		name    string
		script  string
		wantErr string
	}{
		{name: "raise for failure", script: `step("Fail", raise_for_failure=True)`, wantErr: "cannot fail here"},
		{name: "unnamed action", script: `step({"gridSize": 0.25})`, wantErr: "action name is required"},
		{name: "bad action type", script: `step(42)`, wantErr: "string or dict"},
		{name: "bad raise flag", script: `step("MoveAhead", raise_for_failure="yes")`, wantErr: "must be a bool"},
		{name: "syntax", script: `def (`, wantErr: "script failed"},
		{name: "runtime", script: `x = 1 / 0`, wantErr: "division by zero"},
		{name: "bad point", script: `distance({"x": "a"}, {})`, wantErr: "invalid point"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := NewRunner(&fakeSession{}, 5*time.Second, zerolog.Nop())
			_, err := runner.Run(context.Background(), "test.star", tt.script, nil)
			if err == nil {
				t.Fatal("Run() error = nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Run() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestRunTimeout(t *testing.T) {
	tests := []struct {
		name    string
		session *fakeSession
		script  string
	}{
		{
			name:    "busy loop",
			session: &fakeSession{},
			script: `
def spin():
    total = 0
    for i in range(100000000):
        total += i
    return total

result = spin()
`,
		},
		{
			name:    "blocked step",
			session: &fakeSession{block: true},
			script:  `step("MoveAhead")`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := NewRunner(tt.session, 100*time.Millisecond, zerolog.Nop())
			start := time.Now()
			_, err := runner.Run(context.Background(), "slow.star", tt.script, nil)
			if err == nil || !strings.Contains(err.Error(), "timed out") {
				t.Errorf("Run() error = %v, want timeout", err)
			}
			if time.Since(start) > 5*time.Second {
				t.Error("timeout did not interrupt the script")
			}
		})
	}
}
