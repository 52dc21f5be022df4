package stub

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/thorctl/thorctl/pkg/protocol"
)

type pipeEnd struct {
	enc *protocol.Encoder
	dec *protocol.Decoder
	in  *io.PipeWriter
}

// startEngine runs an engine on pipes and returns the controller side.
func startEngine(t *testing.T) (*pipeEnd, <-chan error) {
	t.Helper()

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	engine := New(300, 200, true, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	done := make(chan error, 1)
	go func() {
		err := engine.Serve(ctx, inR, outW)
		outW.Close()
		done <- err
	}()

	end := &pipeEnd{
		enc: protocol.NewEncoder(inW),
		dec: protocol.NewDecoder(outR),
		in:  inW,
	}
	msg, err := end.dec.Decode()
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if msg.Type != protocol.MessageTypeReady {
		t.Fatalf("first message = %s, want READY", msg.Type)
	}
	return end, done
}

func (p *pipeEnd) step(t *testing.T, action protocol.Action) *protocol.Event {
	t.Helper()
	if err := p.enc.EncodeAction(action); err != nil {
		t.Fatalf("EncodeAction() error = %v", err)
	}
	ev, err := p.dec.DecodeEvent()
	if err != nil {
		t.Fatalf("DecodeEvent() error = %v", err)
	}
	return ev
}

func TestServe(t *testing.T) {
	end, done := startEngine(t)

	ev := end.step(t, protocol.NewAction(protocol.ActionReset, map[string]any{protocol.FieldSceneName: "FloorPlan28"}))
	if !ev.Success() {
		t.Fatalf("Reset failed: %s", ev.ErrorMessage())
	}
	if got, _ := ev.Get("sceneName"); got != "FloorPlan28" {
		t.Errorf("sceneName = %v", got)
	}
	if ev.Summary().ScreenWidth != 300 || ev.Summary().ScreenHeight != 200 {
		t.Errorf("screen = %dx%d", ev.Summary().ScreenWidth, ev.Summary().ScreenHeight)
	}

	ev = end.step(t, protocol.NewAction("FailMe", nil))
	if ev.Success() {
		t.Error("FailMe succeeded")
	}
	if ev.ErrorCode() != "InvalidAction" || ev.ErrorMessage() == "" {
		t.Errorf("error = %q %q", ev.ErrorCode(), ev.ErrorMessage())
	}

	if err := end.enc.EncodeExit(&protocol.ExitMessage{Reason: "test"}); err != nil {
		t.Fatalf("EncodeExit() error = %v", err)
	}
	msg, err := end.dec.Decode()
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if msg.Type != protocol.MessageTypeExit {
		t.Errorf("reply = %s, want EXIT", msg.Type)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve() did not return after EXIT")
	}
}

func TestServeStdinClosed(t *testing.T) {
	end, done := startEngine(t)
	end.in.Close()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve() did not return after EOF")
	}
}

func TestHandle(t *testing.T) {
	tests := []struct {
		name    string
		actions []protocol.Action
		wantX   float64
		wantZ   float64
		wantOK  bool
	}{
		{
			name:    "move ahead default grid",
			actions: []protocol.Action{{"action": "MoveAhead"}},
			wantZ:   0.25,
			wantOK:  true,
		},
		{
			name: "grid size from initialize",
			actions: []protocol.Action{
				{"action": "Initialize", "gridSize": 0.5},
				{"action": "MoveAhead"},
				{"action": "MoveAhead"},
			},
			wantZ:  1.0,
			wantOK: true,
		},
		{
			name: "rotate then move",
			actions: []protocol.Action{
				{"action": "RotateRight"},
				{"action": "MoveAhead", "moveMagnitude": 1.0},
			},
			wantX:  1.0,
			wantOK: true,
		},
		{
			name:    "unknown scene",
			actions: []protocol.Action{{"action": "Reset", "sceneName": "FloorPlan999"}},
			wantOK:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := New(300, 300, false, zerolog.Nop())
			var payload map[string]any
			for _, a := range tt.actions {
				payload = e.Handle(a)
			}
			if payload["lastActionSuccess"] != tt.wantOK {
				t.Fatalf("lastActionSuccess = %v, want %v", payload["lastActionSuccess"], tt.wantOK)
			}
			pos := payload["agent"].(map[string]any)["position"].(map[string]any)
			if diff(pos["x"].(float64), tt.wantX) || diff(pos["z"].(float64), tt.wantZ) {
				t.Errorf("position = %v, want x=%v z=%v", pos, tt.wantX, tt.wantZ)
			}
		})
	}
}

func TestHandleEchoesVisibilityDistance(t *testing.T) {
	e := New(300, 300, false, zerolog.Nop())
	payload := e.Handle(protocol.Action{"action": "Initialize", "visibilityDistance": 2.5})
	if payload["visibilityDistance"] != 2.5 {
		t.Errorf("visibilityDistance = %v", payload["visibilityDistance"])
	}
}

func diff(a, b float64) bool {
	d := a - b
	return d > 1e-9 || d < -1e-9
}
