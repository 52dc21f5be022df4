// Package channel runs the engine as a subprocess and carries actions and
// events over its stdio with at most one request in flight.
package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/thorctl/thorctl/pkg/protocol"
)

// State is the lifecycle position of a ProcessServer. Transitions only move
// forward: Unstarted, Running, Stopped.
type State int32

const (
	StateUnstarted State = iota
	StateRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateUnstarted:
		return "unstarted"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Config contains server configuration options.
type Config struct {
	Launcher Launcher
	// StartupTimeout bounds the wait for READY.
	StartupTimeout time.Duration
	// Timeout bounds each Receive.
	Timeout time.Duration
	// CloseGrace is how long Close waits for a clean exit before killing.
	CloseGrace time.Duration
	Logger     zerolog.Logger
}

type frame struct {
	event *protocol.Event
	err   error
}

// ProcessServer owns one engine process.
type ProcessServer struct {
	cfg    Config
	logger zerolog.Logger

	mu          sync.Mutex
	state       State
	proc        Process
	encoder     *protocol.Encoder
	ready       *protocol.ReadyMessage
	outstanding bool
	// abandoned is set when Receive gave up on the outstanding request.
	abandoned   bool
	actions     int

	// starting is set while Start waits for READY without holding mu.
	starting    bool
	cancelStart context.CancelFunc
	started     chan struct{}

	// frames hands events from the reader to Receive.
	frames chan frame
	// done is closed by Close to release a blocked reader.
	done chan struct{}
	// readerDone is closed when the reader stops; readErr says why.
	readerDone chan struct{}
	readErr    error
}

// NewServer creates an unstarted server.
func NewServer(cfg Config) (*ProcessServer, error) {
	if cfg.Launcher == nil {
		return nil, fmt.Errorf("launcher is required")
	}
	if cfg.StartupTimeout == 0 {
		cfg.StartupTimeout = 100 * time.Second
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 100 * time.Second
	}
	if cfg.CloseGrace == 0 {
		cfg.CloseGrace = 5 * time.Second
	}

	return &ProcessServer{
		cfg:        cfg,
		logger:     cfg.Logger.With().Str("component", "channel").Logger(),
		started:    make(chan struct{}),
		frames:     make(chan frame, 1),
		done:       make(chan struct{}),
		readerDone: make(chan struct{}),
	}, nil
}

// State returns the current lifecycle state. It reports unstarted while
// Start is still waiting for READY.
func (s *ProcessServer) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Ready returns the READY message received during startup.
func (s *ProcessServer) Ready() *protocol.ReadyMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

// Start launches the engine and waits for it to report READY. The wait ends
// early when ctx is done or Close is called.
func (s *ProcessServer) Start(ctx context.Context, argv []string) error {
	s.mu.Lock()
	if s.starting {
		s.mu.Unlock()
		return &ProtocolError{Op: "start", Reason: "server is starting"}
	}
	if s.state != StateUnstarted {
		state := s.state
		s.mu.Unlock()
		return &ProtocolError{Op: "start", Reason: fmt.Sprintf("server is %s", state)}
	}
	readyCtx, cancel := context.WithTimeout(ctx, s.cfg.StartupTimeout)
	defer cancel()
	s.starting = true
	s.cancelStart = cancel
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.starting = false
		s.cancelStart = nil
		s.mu.Unlock()
		close(s.started)
	}()

	proc, err := s.cfg.Launcher.Launch(ctx, argv)
	if err != nil {
		s.mu.Lock()
		s.state = StateStopped
		close(s.readerDone)
		s.mu.Unlock()
		return fmt.Errorf("failed to launch engine: %w", err)
	}

	s.mu.Lock()
	s.proc = proc
	s.encoder = protocol.NewEncoder(proc.Stdin())
	s.mu.Unlock()
	decoder := protocol.NewDecoder(proc.Stdout())

	readyCh := make(chan *protocol.ReadyMessage, 1)
	errCh := make(chan error, 1)

	go func() {
		msg, err := s.next(decoder)
		if err == nil && msg.Type != protocol.MessageTypeReady {
			err = fmt.Errorf("expected READY, got %s", msg.Type)
		}
		var ready *protocol.ReadyMessage
		if err == nil {
			ready, err = protocol.ParseReady(msg.Data)
		}
		if err != nil {
			errCh <- err
			close(s.readerDone)
			return
		}
		readyCh <- ready
		s.read(decoder)
	}()

	select {
	case <-readyCtx.Done():
		s.abort(proc)
		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case errors.Is(readyCtx.Err(), context.Canceled):
			return ErrClosed
		default:
			return &TimeoutError{Op: "READY", After: s.cfg.StartupTimeout}
		}
	case err := <-errCh:
		s.abort(proc)
		return &ProtocolError{Op: "start", Reason: "failed to receive READY", Err: err}
	case ready := <-readyCh:
		s.mu.Lock()
		s.ready = ready
		s.state = StateRunning
		s.mu.Unlock()
		s.logger.Info().
			Int("pid", proc.Pid()).
			Str("version", ready.Version).
			Msg("Engine ready")
		return nil
	}
}

// abort stops a process that never became ready. It kills and reaps the
// child, waiting at most CloseGrace for the exit status.
func (s *ProcessServer) abort(proc Process) {
	s.mu.Lock()
	s.state = StateStopped
	close(s.done)
	s.mu.Unlock()

	if err := proc.Kill(); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to kill engine")
	}
	waitCh := make(chan error, 1)
	go func() {
		waitCh <- proc.Wait()
	}()

	grace := time.NewTimer(s.cfg.CloseGrace)
	defer grace.Stop()
	select {
	case <-waitCh:
	case <-grace.C:
		s.logger.Warn().Int("pid", proc.Pid()).Msg("Engine not reaped after kill")
	}
}

// next returns the next protocol message, skipping blank lines and the
// plain log output some engines write to stdout.
func (s *ProcessServer) next(decoder *protocol.Decoder) (*protocol.Message, error) {
	for {
		msg, err := decoder.Decode()
		switch {
		case errors.Is(err, protocol.ErrEmptyLine):
			continue
		case errors.Is(err, protocol.ErrMalformed):
			s.logger.Warn().Err(err).Msg("Skipping non-protocol output line")
			continue
		}
		return msg, err
	}
}

// read forwards EVENT frames until the stream ends or Close is called.
func (s *ProcessServer) read(decoder *protocol.Decoder) {
	defer close(s.readerDone)

	for {
		msg, err := s.next(decoder)
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.readErr = fmt.Errorf("engine closed its output")
			} else {
				s.readErr = err
			}
			return
		}

		var f frame
		switch msg.Type {
		case protocol.MessageTypeEvent:
			event, err := protocol.ParseEvent(msg.Data)
			if err != nil {
				f.err = &ProtocolError{Op: "receive", Reason: "malformed event", Err: err}
			} else {
				f.event = event
			}
		case protocol.MessageTypeExit:
			s.readErr = fmt.Errorf("engine sent EXIT")
			return
		default:
			f.err = &ProtocolError{Op: "receive", Reason: fmt.Sprintf("unexpected %s message", msg.Type)}
		}

		select {
		case s.frames <- f:
		case <-s.done:
			return
		}
	}
}

// Send writes one action. It fails if the previous action has not been
// answered. When Receive gave up on the previous action and its answer has
// since arrived, that late answer is discarded first.
func (s *ProcessServer) Send(ctx context.Context, action protocol.Action) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkRunning("send"); err != nil {
		return err
	}
	if s.outstanding && !s.dropLate() {
		reason := "a request is already outstanding"
		if s.abandoned {
			reason = "the previous action timed out and is still unanswered"
		}
		return &ProtocolError{Op: "send", Reason: reason}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := s.encoder.EncodeAction(action); err != nil {
		return fmt.Errorf("failed to send action: %w", err)
	}
	s.outstanding = true
	s.actions++
	return nil
}

// Receive waits for the answer to the outstanding action. On timeout the
// request stays outstanding: a later Receive can collect the late answer,
// or the next Send discards it once it arrives.
func (s *ProcessServer) Receive(ctx context.Context) (*protocol.Event, error) {
	s.mu.Lock()
	if err := s.checkRunning("receive"); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if !s.outstanding {
		s.mu.Unlock()
		return nil, &ProtocolError{Op: "receive", Reason: "no request is outstanding"}
	}
	s.mu.Unlock()

	timer := time.NewTimer(s.cfg.Timeout)
	defer timer.Stop()

	select {
	case f := <-s.frames:
		return s.complete(f)
	case <-s.readerDone:
		select {
		case f := <-s.frames:
			return s.complete(f)
		default:
		}
		s.setOutstanding(false)
		return nil, &ProtocolError{Op: "receive", Reason: "engine stopped responding", Err: s.readErr}
	case <-timer.C:
		s.abandon()
		return nil, &TimeoutError{Op: "event", After: s.cfg.Timeout}
	case <-ctx.Done():
		s.abandon()
		return nil, ctx.Err()
	}
}

func (s *ProcessServer) complete(f frame) (*protocol.Event, error) {
	s.setOutstanding(false)
	if f.err != nil {
		return nil, f.err
	}
	return f.event, nil
}

func (s *ProcessServer) abandon() {
	s.mu.Lock()
	s.abandoned = true
	s.mu.Unlock()
}

// dropLate discards the answer to an abandoned request if it has arrived.
// Called with mu held.
func (s *ProcessServer) dropLate() bool {
	if !s.abandoned {
		return false
	}
	select {
	case f := <-s.frames:
		s.outstanding = false
		s.abandoned = false
		ev := s.logger.Warn()
		if f.event != nil {
			ev = ev.Str("last_action", f.event.Summary().LastAction)
		}
		ev.Err(f.err).Msg("Discarded late answer to a timed-out action")
		return true
	default:
		return false
	}
}

func (s *ProcessServer) setOutstanding(v bool) {
	s.mu.Lock()
	s.outstanding = v
	s.abandoned = false
	s.mu.Unlock()
}

// checkRunning is called with mu held.
func (s *ProcessServer) checkRunning(op string) error {
	switch s.state {
	case StateRunning:
		return nil
	case StateStopped:
		return ErrClosed
	default:
		return &ProtocolError{Op: op, Reason: "server not started"}
	}
}

// Close stops the engine. It announces EXIT, closes stdin, and kills the
// process if it has not exited within the grace period. Close is
// idempotent.
func (s *ProcessServer) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.starting {
		cancel, started := s.cancelStart, s.started
		s.mu.Unlock()
		cancel()
		<-started
		s.mu.Lock()
	}
	defer s.mu.Unlock()

	switch s.state {
	case StateStopped:
		return nil
	case StateUnstarted:
		s.state = StateStopped
		close(s.done)
		close(s.readerDone)
		return nil
	}

	s.state = StateStopped
	close(s.done)

	// A stuck engine may never drain stdin; the kill below unblocks this.
	go func(enc *protocol.Encoder, stdin io.WriteCloser, actions int) {
		if err := enc.EncodeExit(&protocol.ExitMessage{Reason: "closed", ActionsTotal: actions}); err != nil {
			s.logger.Debug().Err(err).Msg("Failed to send EXIT")
		}
		if err := stdin.Close(); err != nil {
			s.logger.Debug().Err(err).Msg("Failed to close engine stdin")
		}
	}(s.encoder, s.proc.Stdin(), s.actions)

	waitCh := make(chan error, 1)
	go func() {
		waitCh <- s.proc.Wait()
	}()

	grace := time.NewTimer(s.cfg.CloseGrace)
	defer grace.Stop()

	select {
	case err := <-waitCh:
		s.logger.Info().Int("actions", s.actions).Msg("Engine exited")
		if err != nil {
			s.logger.Debug().Err(err).Msg("Engine exit status")
		}
		return nil
	case <-grace.C:
	case <-ctx.Done():
	}

	s.logger.Warn().Dur("grace", s.cfg.CloseGrace).Msg("Engine did not exit, killing")
	if err := s.proc.Kill(); err != nil {
		return fmt.Errorf("failed to kill engine: %w", err)
	}
	<-waitCh
	return nil
}
