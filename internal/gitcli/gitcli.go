// Package gitcli wraps the git command line for the version-control
// operations a run needs. Every call is a single invocation with a
// bounded timeout and an argument vector (never a shell string).
package gitcli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/silver-key/factory-agents/internal/procrun"
)

// DefaultTimeout bounds each git invocation
const DefaultTimeout = 30 * time.Second

// Git invokes git in a run's workspace
type Git struct {
	runner  procrun.Runner
	timeout time.Duration
}

// New creates a Git wrapper using the given runner
func New(runner procrun.Runner) *Git {
	return &Git{runner: runner, timeout: DefaultTimeout}
}

func (g *Git) git(ctx context.Context, dir string, args ...string) (string, error) {
	res, err := g.runner.Run(ctx, procrun.Cmd{
		Name: "git", Args: args, Dir: dir, Timeout: g.timeout,
	})
	if err != nil {
		return "", err
	}
	if res.ExitCode == procrun.ExitTimeout {
		return "", fmt.Errorf("git %s timed out", args[0])
	}
	if res.ExitCode != 0 {
		return "", fmt.Errorf("git %s: %s", args[0], strings.TrimSpace(res.Stderr))
	}
	return strings.TrimSpace(res.Stdout), nil
}

// Fetch fetches the base branch from origin
func (g *Git) Fetch(ctx context.Context, dir, branch string) error {
	_, err := g.git(ctx, dir, "fetch", "origin", branch)
	return err
}

// LsRemoteHeads lists remote branch refs on origin
func (g *Git) LsRemoteHeads(ctx context.Context, dir string) (string, error) {
	return g.git(ctx, dir, "ls-remote", "--heads", "origin")
}

// CheckoutNew creates and checks out branch starting at origin/<start>
func (g *Git) CheckoutNew(ctx context.Context, dir, branch, start string) error {
	_, err := g.git(ctx, dir, "checkout", "-b", branch, "origin/"+start)
	return err
}

// SetIdentity configures the commit identity for the workspace
func (g *Git) SetIdentity(ctx context.Context, dir, name, email string) error {
	if _, err := g.git(ctx, dir, "config", "user.name", name); err != nil {
		return err
	}
	_, err := g.git(ctx, dir, "config", "user.email", email)
	return err
}

// StatusPorcelain returns the porcelain status output; empty means clean
func (g *Git) StatusPorcelain(ctx context.Context, dir string) (string, error) {
	return g.git(ctx, dir, "status", "--porcelain")
}

// AddAll stages every change in the workspace
func (g *Git) AddAll(ctx context.Context, dir string) error {
	_, err := g.git(ctx, dir, "add", "-A")
	return err
}

// Commit records the staged changes with the given message
func (g *Git) Commit(ctx context.Context, dir, message string) error {
	_, err := g.git(ctx, dir, "commit", "-m", message)
	return err
}

// Push pushes the branch to origin, creating the remote branch
func (g *Git) Push(ctx context.Context, dir, branch string) error {
	_, err := g.git(ctx, dir, "push", "-u", "origin", branch)
	return err
}
