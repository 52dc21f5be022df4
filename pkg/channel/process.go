package channel

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/rs/zerolog"
)

// Process is a running engine.
type Process interface {
	Stdin() io.WriteCloser
	Stdout() io.Reader
	Pid() int
	// Wait blocks until the process exits.
	Wait() error
	Kill() error
}

// Launcher starts engine processes.
type Launcher interface {
	Launch(ctx context.Context, argv []string) (Process, error)
}

// ExecLauncher starts engine processes with os/exec.
type ExecLauncher struct {
	// Dir is the working directory. Defaults to the executable's directory.
	Dir string
	// Env is appended to the current environment.
	Env []string
	// Logger receives the engine's stderr, one entry per line.
	Logger zerolog.Logger
}

// Launch starts argv[0] with the remaining arguments. The process outlives
// ctx; stop it with Kill or by closing stdin.
func (l *ExecLauncher) Launch(ctx context.Context, argv []string) (Process, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty command")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	exe := argv[0]
	if !filepath.IsAbs(exe) && filepath.Base(exe) != exe {
		abs, err := filepath.Abs(exe)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve %s: %w", exe, err)
		}
		exe = abs
	}

	cmd := exec.Command(exe, argv[1:]...)
	cmd.Dir = l.Dir
	if cmd.Dir == "" {
		cmd.Dir = filepath.Dir(exe)
	}
	cmd.Env = append(os.Environ(), l.Env...)
	cmd.Stderr = &stderrWriter{logger: l.Logger}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", argv[0], err)
	}

	return &execProcess{cmd: cmd, stdin: stdin, stdout: stdout}, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.Reader
}

func (p *execProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *execProcess) Stdout() io.Reader     { return p.stdout }
func (p *execProcess) Pid() int              { return p.cmd.Process.Pid }
func (p *execProcess) Wait() error           { return p.cmd.Wait() }

func (p *execProcess) Kill() error {
	if err := p.cmd.Process.Kill(); err != nil && err != os.ErrProcessDone {
		return err
	}
	return nil
}

// stderrWriter forwards engine stderr to the logger.
type stderrWriter struct {
	logger zerolog.Logger
}

func (w *stderrWriter) Write(p []byte) (int, error) {
	w.logger.Debug().Str("stream", "stderr").Msg(string(trimNewline(p)))
	return len(p), nil
}

func trimNewline(p []byte) []byte {
	for len(p) > 0 && (p[len(p)-1] == '\n' || p[len(p)-1] == '\r') {
		p = p[:len(p)-1]
	}
	return p
}
