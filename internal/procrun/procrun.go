// Package procrun wraps external command invocation with captured or
// streamed output and deadline enforcement.
package procrun

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
)

// ExitTimeout is the sentinel exit code returned when a command is killed
// because its deadline elapsed. It follows the timeout(1) convention.
const ExitTimeout = 124

// Cmd describes a single command invocation. Args is always passed as an
// argument vector, never through a shell.
type Cmd struct {
	Name    string
	Args    []string
	Dir     string
	Timeout time.Duration
}

// Result holds the buffered output of a synchronous invocation
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// OutputFunc receives one non-empty output line; stream is "stdout" or "stderr"
type OutputFunc func(stream, line string)

// Runner abstracts command execution so orchestration can be tested
// against scripted fakes.
type Runner interface {
	// Run executes the command synchronously and buffers its output.
	// A non-zero exit is reported in the Result, not as an error.
	Run(ctx context.Context, cmd Cmd) (Result, error)
	// Spawn executes a long-running command, streaming each non-empty
	// output line to onLine, and returns the exit code.
	Spawn(ctx context.Context, cmd Cmd, onLine OutputFunc) (int, error)
}

// ExecRunner runs commands with os/exec
type ExecRunner struct{}

// NewExecRunner creates a runner backed by os/exec
func NewExecRunner() *ExecRunner {
	return &ExecRunner{}
}

// build prepares an exec.Cmd that kills the whole process group on cancel,
// so agent descendants do not outlive a timed-out run.
func build(ctx context.Context, c Cmd) *exec.Cmd {
	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 5 * time.Second
	return cmd
}

// Run executes the command synchronously with a deadline
func (r *ExecRunner) Run(ctx context.Context, c Cmd) (Result, error) {
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	cmd := build(ctx, c)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}

	if ctx.Err() == context.DeadlineExceeded {
		res.ExitCode = ExitTimeout
		return res, nil
	}
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return res, fmt.Errorf("starting %s: %w", c.Name, err)
	}
	return res, nil
}

// Spawn executes a long-running command, streaming output line by line
func (r *ExecRunner) Spawn(ctx context.Context, c Cmd, onLine OutputFunc) (int, error) {
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	cmd := build(ctx, c)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return 0, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return 0, err
	}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("starting %s: %w", c.Name, err)
	}

	var g errgroup.Group
	g.Go(func() error { return streamLines(stdout, "stdout", onLine) })
	g.Go(func() error { return streamLines(stderr, "stderr", onLine) })
	streamErr := g.Wait()

	err = cmd.Wait()
	if ctx.Err() == context.DeadlineExceeded {
		return ExitTimeout, nil
	}
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return exitErr.ExitCode(), nil
		}
		return 0, fmt.Errorf("waiting for %s: %w", c.Name, err)
	}
	// A scanner failure means output was lost mid-stream; the caller
	// cannot trust what it saw even if the process exited cleanly.
	if streamErr != nil {
		return 0, fmt.Errorf("streaming %s output: %w", c.Name, streamErr)
	}
	return 0, nil
}

func streamLines(r io.Reader, stream string, onLine OutputFunc) error {
	scanner := bufio.NewScanner(r)
	// Large buffer for long JSON output lines
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		if onLine != nil {
			onLine(stream, line)
		}
	}
	return scanner.Err()
}
