// Package orchestrator drives runs end to end: clone, issue fetch,
// prompt assembly, agent execution, commit, push and pull request.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/silver-key/factory-agents/internal/domain"
	"github.com/silver-key/factory-agents/internal/eventbus"
	"github.com/silver-key/factory-agents/internal/ghcli"
	"github.com/silver-key/factory-agents/internal/gitcli"
	"github.com/silver-key/factory-agents/internal/procrun"
	"github.com/silver-key/factory-agents/internal/prompts"
	"github.com/silver-key/factory-agents/internal/runstore"
	"github.com/silver-key/factory-agents/internal/workspace"
)

// ErrRunFinished rejects status changes on runs that already reached a
// terminal state
var ErrRunFinished = errors.New("run already finished")

// ChangeWatcher observes a directory tree while the agent works and
// reports batches of modified paths. Optional.
type ChangeWatcher interface {
	Watch(ctx context.Context, root string, onChange func(paths []string)) error
}

// Options configures an Orchestrator
type Options struct {
	Store      *runstore.Store
	Bus        *eventbus.Bus
	Runner     procrun.Runner
	Workspaces *workspace.Manager
	Prompts    *prompts.Loader
	Watcher    ChangeWatcher

	// AgentCommand is the coding-agent binary, "codex" by default
	AgentCommand string
	AuthorName   string
	AuthorEmail  string
}

// Orchestrator owns the run lifecycle. StartRun returns as soon as the
// run record exists; the pipeline itself executes on a background
// goroutine and reports through the store and the event bus.
type Orchestrator struct {
	store      *runstore.Store
	bus        *eventbus.Bus
	runner     procrun.Runner
	workspaces *workspace.Manager
	prompts    *prompts.Loader
	watcher    ChangeWatcher
	git        *gitcli.Git
	gh         *ghcli.GH

	agentCmd    string
	authorName  string
	authorEmail string
}

// New creates an Orchestrator
func New(opts Options) *Orchestrator {
	if opts.AgentCommand == "" {
		opts.AgentCommand = "codex"
	}
	if opts.AuthorName == "" {
		opts.AuthorName = "Codex Bot"
	}
	if opts.AuthorEmail == "" {
		opts.AuthorEmail = "codex-bot@silver-key.nl"
	}
	return &Orchestrator{
		store:       opts.Store,
		bus:         opts.Bus,
		runner:      opts.Runner,
		workspaces:  opts.Workspaces,
		prompts:     opts.Prompts,
		watcher:     opts.Watcher,
		git:         gitcli.New(opts.Runner),
		gh:          ghcli.New(opts.Runner),
		agentCmd:    opts.AgentCommand,
		authorName:  opts.AuthorName,
		authorEmail: opts.AuthorEmail,
	}
}

// StartRequest describes a run to create
type StartRequest struct {
	Repo        string
	IssueNumber int
	IssueTitle  string
	TaskType    domain.TaskType
	Trigger     domain.RunTrigger
	Config      domain.RunConfig
}

// StartRun validates the request, persists a queued run and launches the
// pipeline in the background. The returned run is in status queued.
func (o *Orchestrator) StartRun(req StartRequest) (*domain.Run, error) {
	if !domain.ValidRepo(req.Repo) {
		return nil, fmt.Errorf("repo must be in owner/name form, got %q", req.Repo)
	}
	if req.IssueNumber < 1 {
		return nil, fmt.Errorf("issue number must be positive, got %d", req.IssueNumber)
	}

	taskType := req.TaskType
	if taskType == "" {
		taskType = domain.TaskFeature
	} else if !validTaskType(taskType) {
		return nil, fmt.Errorf("unknown task type %q", taskType)
	}

	trigger := req.Trigger
	if trigger == "" {
		trigger = domain.TriggerManual
	}

	cfg := req.Config
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	title := req.IssueTitle
	if title == "" {
		title = fmt.Sprintf("Issue #%d", req.IssueNumber)
	}

	run, err := o.store.Create(&domain.Run{
		ID:          uuid.NewString(),
		Repo:        req.Repo,
		IssueNumber: req.IssueNumber,
		IssueTitle:  title,
		TaskType:    taskType,
		Config:      cfg,
		Trigger:     trigger,
	})
	if err != nil {
		return nil, err
	}

	go o.execute(run.ID)

	return run, nil
}

func validTaskType(t domain.TaskType) bool {
	for _, v := range domain.ValidTaskTypes {
		if t == v {
			return true
		}
	}
	return false
}

// GetRun returns a run by ID, (nil, nil) when absent
func (o *Orchestrator) GetRun(id string) (*domain.Run, error) {
	return o.store.Get(id)
}

// ListRuns returns runs newest first
func (o *Orchestrator) ListRuns(opts runstore.ListOptions) ([]*domain.Run, error) {
	return o.store.List(opts)
}

// Stats returns aggregate run counts
func (o *Orchestrator) Stats() (runstore.Stats, error) {
	return o.store.GetStats()
}

// RecentRepos returns recently used repositories
func (o *Orchestrator) RecentRepos() ([]string, error) {
	return o.store.RecentRepos()
}

// ApplyUpdate applies an external partial update to a run and publishes
// the new state to live subscribers. Terminal runs reject further status
// changes.
func (o *Orchestrator) ApplyUpdate(id string, u runstore.Update) (*domain.Run, error) {
	run, err := o.store.Get(id)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, nil
	}
	if u.Status != nil && run.Status.IsTerminal() && *u.Status != run.Status {
		return nil, fmt.Errorf("%w: run %s is %s", ErrRunFinished, id, run.Status)
	}

	updated, err := o.store.Update(id, u)
	if err != nil {
		return nil, err
	}
	if updated != nil && statusBearing(u) {
		o.bus.Publish(id, statusEvent(updated))
	}
	return updated, nil
}

// statusBearing reports whether an update touches fields carried by a
// status event. Pure metadata updates (issue title, task type) and
// empty updates produce no event.
func statusBearing(u runstore.Update) bool {
	return u.Status != nil || u.Branch != nil || u.PRNumber != nil ||
		u.PRURL != nil || u.Error != nil || u.StartedAt != nil || u.FinishedAt != nil
}

// AppendLogLine records an externally supplied log line and mirrors it
// to live subscribers. Callers are expected to have checked the run
// exists.
func (o *Orchestrator) AppendLogLine(id, line string) error {
	if err := o.store.AppendLog(id, line); err != nil {
		return err
	}
	o.bus.Publish(id, eventbus.Event{Kind: eventbus.KindLog, Line: line})
	return nil
}

// logf appends a line to the run log and mirrors it to live subscribers
func (o *Orchestrator) logf(id, format string, args ...interface{}) {
	line := fmt.Sprintf(format, args...)
	if err := o.store.AppendLog(id, line); err != nil {
		log.Printf("orchestrator: appending log for %s: %v", id, err)
	}
	o.bus.Publish(id, eventbus.Event{Kind: eventbus.KindLog, Line: line})
}

// applyAndPublish persists a partial update and broadcasts the resulting
// run state
func (o *Orchestrator) applyAndPublish(id string, u runstore.Update) *domain.Run {
	run, err := o.store.Update(id, u)
	if err != nil {
		log.Printf("orchestrator: updating run %s: %v", id, err)
		return nil
	}
	if run == nil {
		log.Printf("orchestrator: run %s vanished during update", id)
		return nil
	}
	if statusBearing(u) {
		o.bus.Publish(id, statusEvent(run))
	}
	return run
}

func statusEvent(run *domain.Run) eventbus.Event {
	return eventbus.Event{
		Kind:       eventbus.KindStatus,
		Status:     string(run.Status),
		Branch:     run.Branch,
		PRNumber:   run.PRNumber,
		PRURL:      run.PRURL,
		Error:      run.Error,
		StartedAt:  run.StartedAt,
		FinishedAt: run.FinishedAt,
	}
}

func nowUTC() *time.Time {
	t := time.Now().UTC()
	return &t
}
