// Package execx is the uniform gateway to external binaries: the init
// system client, database tools, archive tools, and the reverse-proxy
// reloader all go through here so timeouts, captured output, and typed
// errors are consistent.
package execx

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/hostkit/hostkit/pkg/log"
	"github.com/hostkit/hostkit/pkg/types"
)

// DefaultTimeout bounds subprocesses that do not set their own.
const DefaultTimeout = 2 * time.Minute

// Cmd describes one subprocess invocation.
type Cmd struct {
	Name    string
	Args    []string
	Dir     string
	Env     []string // appended to the parent environment
	Stdin   io.Reader
	Timeout time.Duration
}

// Result captures a finished subprocess.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// Runner executes subprocesses. The interface exists so orchestration
// code can run against a recorder in tests.
type Runner interface {
	Run(ctx context.Context, c Cmd) (*Result, error)
	Start(ctx context.Context, c Cmd) (*Stream, error)
}

// Gateway is the production Runner.
type Gateway struct {
	logger zerolog.Logger
}

// New creates a Gateway.
func New() *Gateway {
	return &Gateway{logger: log.WithComponent("execx")}
}

// Run executes the command to completion, capturing output. A missing
// binary reports COMMAND_NOT_FOUND; a non-zero exit reports the stderr
// tail in the error message with the exit code preserved in Result.
func (g *Gateway) Run(ctx context.Context, c Cmd) (*Result, error) {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	cmd.Stdin = c.Stdin
	if len(c.Env) > 0 {
		cmd.Env = append(cmd.Environ(), c.Env...)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	res := &Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	g.logger.Debug().
		Str("cmd", c.Name).
		Strs("args", c.Args).
		Dur("duration", res.Duration).
		Msg("subprocess finished")

	if err == nil {
		return res, nil
	}

	var exitErr *exec.ExitError
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		res.ExitCode = -1
		return res, fmt.Errorf("%s timed out after %s", c.Name, timeout)
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
		return res, fmt.Errorf("%s exited %d: %s", c.Name, res.ExitCode, tail(res.Stderr, 500))
	case errors.Is(err, exec.ErrNotFound):
		res.ExitCode = -1
		return res, types.E(types.ErrCommandNotFound, "command %q not found on this host", c.Name).
			WithSuggestion("install the missing tool or adjust PATH")
	default:
		res.ExitCode = -1
		return res, fmt.Errorf("run %s: %w", c.Name, err)
	}
}

// Stream is a handle over a running subprocess whose output is consumed by
// the caller. The caller owns the read loop and must call Close, which
// terminates the child.
type Stream struct {
	Stdout io.ReadCloser
	cmd    *exec.Cmd
	cancel context.CancelFunc
}

// Close terminates the subprocess and reaps it.
func (s *Stream) Close() error {
	s.cancel()
	s.Stdout.Close()
	// Wait errors are expected after a kill.
	_ = s.cmd.Wait()
	return nil
}

// Start launches the command for streaming consumption (log follow). No
// timeout applies; cancellation is ctx or Close.
func (g *Gateway) Start(ctx context.Context, c Cmd) (*Stream, error) {
	ctx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(cmd.Environ(), c.Env...)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, err
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		cancel()
		if errors.Is(err, exec.ErrNotFound) {
			return nil, types.E(types.ErrCommandNotFound, "command %q not found on this host", c.Name)
		}
		return nil, fmt.Errorf("start %s: %w", c.Name, err)
	}

	g.logger.Debug().Str("cmd", c.Name).Strs("args", c.Args).Msg("subprocess streaming")
	return &Stream{Stdout: stdout, cmd: cmd, cancel: cancel}, nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
