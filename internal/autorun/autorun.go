// Package autorun polls repositories for labeled issues on a cron
// schedule and queues a run for each issue that has none yet.
package autorun

import (
	"context"
	"log"

	"github.com/robfig/cron/v3"

	"github.com/silver-key/factory-agents/internal/domain"
	"github.com/silver-key/factory-agents/internal/ghcli"
	"github.com/silver-key/factory-agents/internal/orchestrator"
	"github.com/silver-key/factory-agents/internal/runstore"
)

// IssueLister lists open issues carrying a label
type IssueLister interface {
	ListIssuesByLabel(ctx context.Context, repo, label string) ([]ghcli.IssueRef, error)
}

// RunStarter queues a new run
type RunStarter interface {
	StartRun(req orchestrator.StartRequest) (*domain.Run, error)
}

// Options configures a Poller
type Options struct {
	Store    *runstore.Store
	Issues   IssueLister
	Starter  RunStarter
	Schedule string
	Label    string
	Repos    []string
	// Defaults is the run config applied to every autorun-created run
	Defaults domain.RunConfig
}

// Poller periodically scans configured repositories and starts runs for
// labeled issues that have no non-failed run yet.
type Poller struct {
	store    *runstore.Store
	issues   IssueLister
	starter  RunStarter
	schedule string
	label    string
	repos    []string
	defaults domain.RunConfig

	cron *cron.Cron
}

// New creates a Poller
func New(opts Options) *Poller {
	return &Poller{
		store:    opts.Store,
		issues:   opts.Issues,
		starter:  opts.Starter,
		schedule: opts.Schedule,
		label:    opts.Label,
		repos:    opts.Repos,
		defaults: opts.Defaults,
		cron:     cron.New(),
	}
}

// Start registers the schedule and begins polling in the background
func (p *Poller) Start() error {
	_, err := p.cron.AddFunc(p.schedule, func() {
		p.Poll(context.Background())
	})
	if err != nil {
		return err
	}
	p.cron.Start()
	return nil
}

// Stop halts the schedule. Polls already in flight finish.
func (p *Poller) Stop() {
	p.cron.Stop()
}

// Poll scans every configured repository once. Per-repo failures are
// logged and do not block the remaining repositories.
func (p *Poller) Poll(ctx context.Context) {
	for _, repo := range p.repos {
		if err := p.pollRepo(ctx, repo); err != nil {
			log.Printf("autorun: polling %s: %v", repo, err)
		}
	}
}

func (p *Poller) pollRepo(ctx context.Context, repo string) error {
	refs, err := p.issues.ListIssuesByLabel(ctx, repo, p.label)
	if err != nil {
		return err
	}

	for _, ref := range refs {
		exists, err := p.store.HasRunForIssue(repo, ref.Number)
		if err != nil {
			return err
		}
		if exists {
			continue
		}

		run, err := p.starter.StartRun(orchestrator.StartRequest{
			Repo:        repo,
			IssueNumber: ref.Number,
			IssueTitle:  ref.Title,
			Trigger:     domain.TriggerAction,
			Config:      p.defaults,
		})
		if err != nil {
			log.Printf("autorun: starting run for %s#%d: %v", repo, ref.Number, err)
			continue
		}
		log.Printf("autorun: queued run %s for %s#%d", run.ID, repo, ref.Number)
	}
	return nil
}
