// Package ghcli wraps the gh command line for the hosting-platform
// operations a run needs: clone, issue lookup, pull-request creation
// and issue comments.
package ghcli

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/silver-key/factory-agents/internal/procrun"
)

// DefaultTimeout bounds each gh invocation. Clones and PR creation go
// through the network, so it is longer than the git timeout.
const DefaultTimeout = 60 * time.Second

// Issue holds the metadata fetched for an issue
type Issue struct {
	Title  string
	Body   string
	Labels []string
}

// PROptions describes a pull request to create
type PROptions struct {
	Repo   string
	Base   string
	Head   string
	Title  string
	Body   string
	Labels []string
}

// GH invokes the gh CLI
type GH struct {
	runner  procrun.Runner
	timeout time.Duration
}

// New creates a GH wrapper using the given runner
func New(runner procrun.Runner) *GH {
	return &GH{runner: runner, timeout: DefaultTimeout}
}

func (g *GH) gh(ctx context.Context, dir string, args ...string) (string, error) {
	res, err := g.runner.Run(ctx, procrun.Cmd{
		Name: "gh", Args: args, Dir: dir, Timeout: g.timeout,
	})
	if err != nil {
		return "", err
	}
	if res.ExitCode == procrun.ExitTimeout {
		return "", fmt.Errorf("gh %s timed out", args[0])
	}
	if res.ExitCode != 0 {
		return "", fmt.Errorf("gh %s: %s", args[0], strings.TrimSpace(res.Stderr))
	}
	return strings.TrimSpace(res.Stdout), nil
}

// Clone performs a shallow clone of repo into dir
func (g *GH) Clone(ctx context.Context, dir, repo string) error {
	_, err := g.gh(ctx, dir, "repo", "clone", repo, ".", "--", "--depth=50")
	return err
}

type ghIssue struct {
	Title  string `json:"title"`
	Body   string `json:"body"`
	Labels []struct {
		Name string `json:"name"`
	} `json:"labels"`
}

// ViewIssue fetches title, body and labels for an issue. Labels are
// lowercased for classification.
func (g *GH) ViewIssue(ctx context.Context, dir, repo string, number int) (*Issue, error) {
	out, err := g.gh(ctx, dir, "issue", "view", strconv.Itoa(number),
		"--repo", repo, "--json", "title,body,labels")
	if err != nil {
		return nil, err
	}

	var raw ghIssue
	if err := json.Unmarshal([]byte(out), &raw); err != nil {
		return nil, fmt.Errorf("parse gh issue output: %w", err)
	}

	labels := make([]string, len(raw.Labels))
	for i, l := range raw.Labels {
		labels[i] = strings.ToLower(l.Name)
	}
	return &Issue{Title: raw.Title, Body: raw.Body, Labels: labels}, nil
}

// ListIssuesByLabel returns open issue numbers and titles carrying the label
func (g *GH) ListIssuesByLabel(ctx context.Context, repo, label string) ([]IssueRef, error) {
	out, err := g.gh(ctx, "", "issue", "list",
		"--repo", repo,
		"--label", label,
		"--state", "open",
		"--json", "number,title",
		"--limit", "100")
	if err != nil {
		return nil, err
	}

	var refs []IssueRef
	if err := json.Unmarshal([]byte(out), &refs); err != nil {
		return nil, fmt.Errorf("parse gh issue list output: %w", err)
	}
	return refs, nil
}

// IssueRef identifies an issue in a listing
type IssueRef struct {
	Number int    `json:"number"`
	Title  string `json:"title"`
}

// CreatePR opens a pull request and returns its URL
func (g *GH) CreatePR(ctx context.Context, dir string, opts PROptions) (string, error) {
	args := []string{
		"pr", "create",
		"--repo", opts.Repo,
		"--base", opts.Base,
		"--head", opts.Head,
		"--title", opts.Title,
		"--body", opts.Body,
	}
	for _, label := range opts.Labels {
		if label = strings.TrimSpace(label); label != "" {
			args = append(args, "--label", label)
		}
	}
	return g.gh(ctx, dir, args...)
}

// CommentIssue posts a comment on an issue
func (g *GH) CommentIssue(ctx context.Context, dir, repo string, number int, body string) error {
	_, err := g.gh(ctx, dir, "issue", "comment", strconv.Itoa(number),
		"--repo", repo, "--body", body)
	return err
}

// ParsePRNumber extracts the trailing numeric path segment of a PR URL,
// returning 0 when unparseable.
func ParsePRNumber(url string) int {
	idx := strings.LastIndex(url, "/")
	if idx < 0 || idx == len(url)-1 {
		return 0
	}
	n, err := strconv.Atoi(url[idx+1:])
	if err != nil {
		return 0
	}
	return n
}
