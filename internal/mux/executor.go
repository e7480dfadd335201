// Package mux wraps the external terminal multiplexer binary: command
// execution, session lifecycle and list parsing.
package mux

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/g960059/muxdock/internal/config"
)

type RunResult struct {
	Output   string
	Duration time.Duration
}

// Runner abstracts process execution so tests can substitute a fake.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

type OSRunner struct{}

func (OSRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	return cmd.CombinedOutput()
}

// Executor runs multiplexer commands with a per-command timeout. Read-only
// queries retry with backoff; mutating commands run exactly once.
type Executor struct {
	cfg    config.Config
	runner Runner
}

func NewExecutor(cfg config.Config) *Executor {
	return &Executor{cfg: cfg, runner: OSRunner{}}
}

func NewExecutorWithRunner(cfg config.Config, runner Runner) *Executor {
	e := NewExecutor(cfg)
	e.runner = runner
	return e
}

func (e *Executor) Run(ctx context.Context, args ...string) (RunResult, error) {
	if len(args) == 0 {
		return RunResult{}, fmt.Errorf("empty command")
	}
	maxAttempts := 1
	if isRetryableCommand(args) {
		maxAttempts += len(e.cfg.RetryBackoff)
	}
	var lastErr error
	var lastOut []byte
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		start := time.Now()
		runCtx, cancel := context.WithTimeout(ctx, e.cfg.CommandTimeout)
		out, err := e.runner.Run(runCtx, e.cfg.MuxBinary, args...)
		cancel()
		if err == nil {
			return RunResult{Output: string(out), Duration: time.Since(start)}, nil
		}
		lastErr = err
		lastOut = out

		if attempt < maxAttempts {
			backoff := e.cfg.RetryBackoff[attempt-1]
			select {
			case <-ctx.Done():
				return RunResult{}, ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
	// Callers inspect the output of failed commands (e.g. "no server
	// running"), so it survives the error path.
	return RunResult{Output: string(lastOut)}, fmt.Errorf("%s %s: %w", e.cfg.MuxBinary, args[0], lastErr)
}

// Available reports whether the multiplexer binary can be located. A missing
// binary demotes sessions to the direct backend; it is never fatal.
func (e *Executor) Available() bool {
	if !e.cfg.MuxEnabled {
		return false
	}
	if _, ok := e.runner.(OSRunner); ok {
		_, err := exec.LookPath(e.cfg.MuxBinary)
		return err == nil
	}
	return true
}

func isRetryableCommand(args []string) bool {
	if len(args) == 0 {
		return false
	}
	// has-session is excluded: a non-zero exit is its "no" answer, not a
	// transient failure.
	switch strings.ToLower(args[0]) {
	case "list-sessions", "list-panes", "list-windows", "show-environment", "display-message":
		return true
	default:
		return false
	}
}
