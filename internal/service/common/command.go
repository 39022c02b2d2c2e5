//nolint:revive,nolintlint // Package name "common" is intentional for shared helpers.
package common

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// Command describes an external process invocation.
type Command struct {
	// Name is the executable, resolved through PATH.
	Name string
	// Args are passed verbatim, without a shell.
	Args []string
	// Env is appended to the inherited environment.
	Env []string
	// Timeout bounds the process; zero means no extra deadline.
	Timeout time.Duration
}

// String renders the command line for logs.
func (c Command) String() string {
	return strings.Join(append([]string{c.Name}, c.Args...), " ")
}

// Result holds what a finished process produced.
type Result struct {
	// Stdout is the captured standard output.
	Stdout string
	// Stderr is the captured standard error.
	Stderr string
	// ExitCode is the process exit status, or -1 when it never ran to completion.
	ExitCode int
	// Duration is the wall time spent.
	Duration time.Duration
}

// CommandRunner runs external processes. Stages depend on it so tests can fake pip.
type CommandRunner interface {
	Run(ctx context.Context, cmd Command) (*Result, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

// pipeDrainTimeout bounds how long output pipes may stay open after the process is gone.
const pipeDrainTimeout = 5 * time.Second

var (
	// ErrCommandFailed is returned when a process exits with a non-zero status.
	ErrCommandFailed = errors.New("command failed")
	// ErrCommandTimeout is returned when a process outlives its timeout.
	ErrCommandTimeout = errors.New("command timed out")
)

// NewExecRunner creates a runner backed by os/exec.
func NewExecRunner() *ExecRunner {
	return &ExecRunner{}
}

// Run starts the command, waits for it and captures its output.
// A non-zero exit yields both a populated Result and ErrCommandFailed.
func (r *ExecRunner) Run(ctx context.Context, cmd Command) (*Result, error) {
	runCtx, cancel := ctx, context.CancelFunc(func() {})
	if cmd.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, cmd.Timeout)
	}

	defer cancel()

	//nolint:gosec // G204: the installer and its arguments come from the operator's configuration.
	process := exec.CommandContext(runCtx, cmd.Name, cmd.Args...)
	process.Env = append(os.Environ(), cmd.Env...)
	process.WaitDelay = pipeDrainTimeout

	var stdout, stderr bytes.Buffer

	process.Stdout = &stdout
	process.Stderr = &stderr

	started := time.Now()
	err := process.Run()

	result := &Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(started),
	}

	if err == nil {
		return result, nil
	}

	result.ExitCode = -1

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return result, fmt.Errorf("%s: %w after %s", cmd.Name, ErrCommandTimeout, cmd.Timeout)
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return result, fmt.Errorf("%s: %w", cmd.Name, ctxErr)
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		result.ExitCode = exitErr.ExitCode()
		return result, fmt.Errorf("%s exited with status %d: %w", cmd.Name, result.ExitCode, ErrCommandFailed)
	}

	return result, fmt.Errorf("run %s: %w", cmd.Name, err)
}

// Tail returns at most the last n lines of s, for error messages.
func Tail(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}

	return strings.Join(lines, "\n")
}
