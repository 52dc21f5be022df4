package controller

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/thorctl/thorctl/pkg/channel"
	"github.com/thorctl/thorctl/pkg/protocol"
)

// pipeProcess is an engine running in a goroutine behind io.Pipes.
type pipeProcess struct {
	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter

	once   sync.Once
	exited chan struct{}
}

func (p *pipeProcess) Stdin() io.WriteCloser { return p.stdinW }
func (p *pipeProcess) Stdout() io.Reader     { return p.stdoutR }
func (p *pipeProcess) Pid() int              { return 1 }
func (p *pipeProcess) Wait() error           { <-p.exited; return nil }
func (p *pipeProcess) Kill() error           { p.exit(); return nil }

func (p *pipeProcess) exit() {
	p.once.Do(func() {
		p.stdoutW.Close()
		p.stdinR.Close()
		close(p.exited)
	})
}

// slowLauncher starts an engine that answers each action after the delay
// configured for its name.
type slowLauncher struct {
	delay map[string]time.Duration
}

func (l *slowLauncher) Launch(_ context.Context, _ []string) (channel.Process, error) {
	p := &pipeProcess{exited: make(chan struct{})}
	p.stdinR, p.stdinW = io.Pipe()
	p.stdoutR, p.stdoutW = io.Pipe()

	go func() {
		defer p.exit()
		dec := protocol.NewDecoder(p.stdinR)
		enc := protocol.NewEncoder(p.stdoutW)
		if err := enc.EncodeReady(&protocol.ReadyMessage{Version: "slow"}); err != nil {
			return
		}
		for {
			msg, err := dec.Decode()
			if err != nil || msg.Type == protocol.MessageTypeExit {
				return
			}
			action, err := protocol.ParseAction(msg.Data)
			if err != nil {
				return
			}
			time.Sleep(l.delay[action.Name()])
			if err := enc.EncodeEvent(map[string]any{
				"lastActionSuccess": true,
				"lastAction":        action.Name(),
			}); err != nil {
				return
			}
		}
	}()
	return p, nil
}

func TestStepAfterLateEvent(t *testing.T) {
	h := newHarness("thor-Linux64-abc123")
	cfg := testConfig("abc123")
	cfg.Scene = ""
	cfg.ActionTimeout = 50 * time.Millisecond
	cfg.CloseGrace = time.Second
	ctx := context.Background()

	c, err := New(ctx, cfg,
		WithRegistry(testRegistry(nil)),
		WithBuildStore(h.store),
		WithLauncher(&slowLauncher{delay: map[string]time.Duration{"Slow": 300 * time.Millisecond}}),
		WithGetenv(h.getenv),
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { _ = c.Close(context.Background()) })

	_, err = c.Step(ctx, protocol.Action{"action": "Slow"}, false)
	var timeout *channel.TimeoutError
	if !errors.As(err, &timeout) {
		t.Fatalf("Step(Slow) error = %v, want TimeoutError", err)
	}

	// Refused until the late event arrives, then the late event is dropped
	// and the new action goes through.
	var ev *protocol.Event
	deadline := time.Now().Add(5 * time.Second)
	for {
		ev, err = c.Step(ctx, protocol.Action{"action": "MoveAhead"}, false)
		var protoErr *channel.ProtocolError
		if !errors.As(err, &protoErr) || time.Now().After(deadline) {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("Step(MoveAhead) error = %v", err)
	}
	if got := ev.Summary().LastAction; got != "MoveAhead" {
		t.Errorf("LastAction = %q, want MoveAhead", got)
	}

	ev, err = c.Step(ctx, protocol.Action{"action": "RotateLeft"}, false)
	if err != nil {
		t.Fatalf("Step(RotateLeft) error = %v", err)
	}
	if got := ev.Summary().LastAction; got != "RotateLeft" {
		t.Errorf("LastAction = %q, want RotateLeft", got)
	}
}
