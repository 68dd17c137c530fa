package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/silver-key/factory-agents/internal/domain"
	"github.com/silver-key/factory-agents/internal/ghcli"
	"github.com/silver-key/factory-agents/internal/procrun"
	"github.com/silver-key/factory-agents/internal/prompts"
	"github.com/silver-key/factory-agents/internal/runstore"
)

// Step failure kinds. The kind prefixes the stored error string so a
// dashboard can group failures without parsing free-form messages.
const (
	failWorkspace    = "workspace"
	failClone        = "clone"
	failIssueFetch   = "issue-fetch"
	failPrompt       = "prompt"
	failBranch       = "branch"
	failAgentTimeout = "agent-timeout"
	failAgentExit    = "agent-exit"
	failNoChanges    = "no-changes"
	failCommitPush   = "commit-push"
	failPRCreate     = "pr-create"
)

type stepError struct {
	kind string
	err  error
}

func (e *stepError) Error() string { return e.kind + ": " + e.err.Error() }
func (e *stepError) Unwrap() error { return e.err }

func stepFail(kind string, err error) *stepError {
	return &stepError{kind: kind, err: err}
}

type prResult struct {
	Number int
	URL    string
	Branch string
}

// execute runs the full pipeline for a queued run. It never returns an
// error; the outcome is observable only through the run record and the
// event bus.
func (o *Orchestrator) execute(id string) {
	ctx := context.Background()

	run, err := o.store.Get(id)
	if err != nil || run == nil {
		return
	}

	running := domain.StatusRunning
	o.applyAndPublish(id, runstore.Update{Status: &running, StartedAt: nowUTC()})
	o.logf(id, "Starting run for %s#%d", run.Repo, run.IssueNumber)

	ws, wsErr := o.workspaces.Acquire()
	if wsErr != nil {
		o.finishFailed(ctx, run, "", stepFail(failWorkspace, wsErr))
		return
	}
	defer o.workspaces.Release(ws)

	result, stepErr := o.runSteps(ctx, run, ws)
	if stepErr != nil {
		o.finishFailed(ctx, run, ws, stepErr)
		return
	}

	success := domain.StatusSuccess
	o.applyAndPublish(id, runstore.Update{
		Status:     &success,
		PRNumber:   &result.Number,
		PRURL:      &result.URL,
		FinishedAt: nowUTC(),
	})
	o.logf(id, "Done")
}

// finishFailed records the failure and posts the issue comment. Comment
// failures never change the outcome.
func (o *Orchestrator) finishFailed(ctx context.Context, run *domain.Run, ws string, stepErr *stepError) {
	msg := stepErr.Error()
	o.logf(run.ID, "ERROR: %s", msg)

	failed := domain.StatusFailed
	o.applyAndPublish(run.ID, runstore.Update{
		Status:     &failed,
		Error:      &msg,
		FinishedAt: nowUTC(),
	})

	body := fmt.Sprintf("❌ **Codex auto-implementation failed**\n\n**Error**: %s", msg)
	if err := o.gh.CommentIssue(ctx, ws, run.Repo, run.IssueNumber, body); err != nil {
		o.logf(run.ID, "Posting failure comment: %v", err)
	}
}

func (o *Orchestrator) runSteps(ctx context.Context, run *domain.Run, ws string) (*prResult, *stepError) {
	id := run.ID
	cfg := run.Config

	o.logf(id, "Cloning %s...", run.Repo)
	if err := o.gh.Clone(ctx, ws, run.Repo); err != nil {
		return nil, stepFail(failClone, err)
	}

	o.logf(id, "Fetching issue #%d...", run.IssueNumber)
	issue, err := o.gh.ViewIssue(ctx, ws, run.Repo, run.IssueNumber)
	if err != nil {
		return nil, stepFail(failIssueFetch, err)
	}

	title := issue.Title
	if title == "" {
		title = fmt.Sprintf("Issue #%d", run.IssueNumber)
	}
	// Labels always win over the caller-supplied task type
	taskType := domain.DetectTaskType(issue.Labels)
	o.applyAndPublish(id, runstore.Update{IssueTitle: &title, TaskType: &taskType})
	o.logf(id, "Task type: %s", taskType)

	prompt, err := o.prompts.Build(prompts.BuildInput{
		TaskType:     taskType,
		IssueNumber:  run.IssueNumber,
		IssueTitle:   title,
		IssueBody:    issue.Body,
		WorkspaceDir: ws,
		ExtraPrompt:  cfg.ExtraPrompt,
	})
	if err != nil {
		return nil, stepFail(failPrompt, err)
	}

	branch, stepErr := o.prepareBranch(ctx, run, ws)
	if stepErr != nil {
		return nil, stepErr
	}

	if stepErr := o.runAgent(ctx, id, ws, prompt, cfg.TimeoutMinutes); stepErr != nil {
		return nil, stepErr
	}

	diff, err := o.git.StatusPorcelain(ctx, ws)
	if err != nil {
		return nil, stepFail(failCommitPush, err)
	}
	if diff == "" {
		return nil, stepFail(failNoChanges, errors.New("agent completed but made no changes to the codebase"))
	}

	changed := splitLines(diff)
	o.logf(id, "Changed files (%d):", len(changed))
	for _, f := range changed {
		o.logf(id, "  %s", f)
	}

	prefix := taskType.CommitPrefix()
	commitMsg := fmt.Sprintf("%s #%d: %s\n\nGenerated by Codex CLI", prefix, run.IssueNumber, title)

	if err := o.git.AddAll(ctx, ws); err != nil {
		return nil, stepFail(failCommitPush, err)
	}
	if err := o.git.Commit(ctx, ws, commitMsg); err != nil {
		return nil, stepFail(failCommitPush, err)
	}
	if err := o.git.Push(ctx, ws, branch); err != nil {
		return nil, stepFail(failCommitPush, err)
	}
	o.logf(id, "Pushed branch %s", branch)

	prTitle := fmt.Sprintf("%s #%d: %s", prefix, run.IssueNumber, title)
	prBody := strings.Join([]string{
		"## Automated Implementation",
		"",
		fmt.Sprintf("This PR was generated by Codex CLI to address issue #%d.", run.IssueNumber),
		"",
		"### Task type",
		fmt.Sprintf("`%s`", taskType),
		"",
		fmt.Sprintf("Closes #%d", run.IssueNumber),
		"",
		"---",
		"🤖 Generated by [Codex CLI](https://github.com/openai/codex) via factory-agents",
	}, "\n")

	prURL, err := o.gh.CreatePR(ctx, ws, ghcli.PROptions{
		Repo:   run.Repo,
		Base:   cfg.BaseBranch,
		Head:   branch,
		Title:  prTitle,
		Body:   prBody,
		Labels: strings.Split(cfg.PRLabels, ","),
	})
	if err != nil {
		return nil, stepFail(failPRCreate, err)
	}

	prNumber := ghcli.ParsePRNumber(prURL)
	o.logf(id, "Created PR #%d: %s", prNumber, prURL)

	comment := fmt.Sprintf(
		"✅ **Codex auto-implementation complete**\n\nPull request: %s\nBranch: `%s`\nTask type: `%s`",
		prURL, branch, taskType)
	if err := o.gh.CommentIssue(ctx, ws, run.Repo, run.IssueNumber, comment); err != nil {
		// The PR exists; a lost comment is not worth failing the run
		o.logf(id, "Posting success comment: %v", err)
	}

	return &prResult{Number: prNumber, URL: prURL, Branch: branch}, nil
}

// prepareBranch fetches the base branch and creates the run branch,
// renaming on collision with an existing remote branch.
func (o *Orchestrator) prepareBranch(ctx context.Context, run *domain.Run, ws string) (string, *stepError) {
	id := run.ID
	base := run.Config.BaseBranch

	if err := o.git.Fetch(ctx, ws, base); err != nil {
		return "", stepFail(failBranch, err)
	}

	branch := fmt.Sprintf("codex/issue-%d", run.IssueNumber)
	heads, err := o.git.LsRemoteHeads(ctx, ws)
	if err != nil {
		return "", stepFail(failBranch, err)
	}
	if remoteBranchExists(heads, branch) {
		branch = fmt.Sprintf("codex/issue-%d-%d", run.IssueNumber, time.Now().Unix())
		o.logf(id, "Branch already exists, using %s", branch)
	}

	if err := o.git.CheckoutNew(ctx, ws, branch, base); err != nil {
		return "", stepFail(failBranch, err)
	}
	if err := o.git.SetIdentity(ctx, ws, o.authorName, o.authorEmail); err != nil {
		return "", stepFail(failBranch, err)
	}

	o.applyAndPublish(id, runstore.Update{Branch: &branch})
	o.logf(id, "Created branch %s", branch)
	return branch, nil
}

// runAgent spawns the coding agent with the assembled prompt, streaming
// its output into the run log. While the agent works, the optional
// watcher reports files it touches.
func (o *Orchestrator) runAgent(ctx context.Context, id, ws, prompt string, timeoutMinutes int) *stepError {
	o.logf(id, "Running agent...")

	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	if o.watcher != nil {
		go func() {
			err := o.watcher.Watch(watchCtx, ws, func(paths []string) {
				for _, p := range paths {
					o.logf(id, "  changed: %s", p)
				}
			})
			if err != nil && watchCtx.Err() == nil {
				o.logf(id, "File watcher: %v", err)
			}
		}()
	}

	exit, err := o.runner.Spawn(ctx, procrun.Cmd{
		Name:    o.agentCmd,
		Args:    []string{"exec", "--full-auto", "-q", prompt},
		Dir:     ws,
		Timeout: time.Duration(timeoutMinutes) * time.Minute,
	}, func(stream, line string) {
		if stream == "stderr" {
			o.logf(id, "[stderr] %s", line)
		} else {
			o.logf(id, "%s", line)
		}
	})
	if err != nil {
		return stepFail(failAgentExit, err)
	}
	if exit == procrun.ExitTimeout {
		o.logf(id, "Agent timed out after %d minutes", timeoutMinutes)
		return stepFail(failAgentTimeout, fmt.Errorf("agent timed out after %d minutes", timeoutMinutes))
	}
	if exit != 0 {
		return stepFail(failAgentExit, fmt.Errorf("agent exited with code %d", exit))
	}

	o.logf(id, "Agent finished")
	return nil
}

func remoteBranchExists(lsRemoteOutput, branch string) bool {
	for _, line := range strings.Split(lsRemoteOutput, "\n") {
		if strings.HasSuffix(strings.TrimSpace(line), "refs/heads/"+branch) {
			return true
		}
	}
	return false
}

func splitLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}
