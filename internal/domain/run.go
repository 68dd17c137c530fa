// Package domain defines the core types for issue-to-PR runs.
package domain

import (
	"fmt"
	"strings"
	"time"
)

// RunStatus represents the lifecycle state of a run
type RunStatus string

const (
	StatusQueued  RunStatus = "queued"
	StatusRunning RunStatus = "running"
	StatusSuccess RunStatus = "success"
	StatusFailed  RunStatus = "failed"
)

// IsTerminal returns true once no further transitions are permitted
func (s RunStatus) IsTerminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// TaskType classifies the underlying issue and drives prompt and
// commit-message templating
type TaskType string

const (
	TaskFeature  TaskType = "feature"
	TaskBugfix   TaskType = "bugfix"
	TaskRefactor TaskType = "refactor"
)

// ValidTaskTypes lists every accepted task type
var ValidTaskTypes = []TaskType{TaskFeature, TaskBugfix, TaskRefactor}

// CommitPrefix returns the commit subject verb for this task type
func (t TaskType) CommitPrefix() string {
	switch t {
	case TaskBugfix:
		return "Fix"
	case TaskRefactor:
		return "Refactor"
	default:
		return "Implement"
	}
}

// DetectTaskType derives the task type from issue labels:
// "bug" wins over "refactor", everything else is a feature.
func DetectTaskType(labels []string) TaskType {
	for _, l := range labels {
		if strings.EqualFold(l, "bug") {
			return TaskBugfix
		}
	}
	for _, l := range labels {
		if strings.EqualFold(l, "refactor") {
			return TaskRefactor
		}
	}
	return TaskFeature
}

// RunTrigger records how a run was initiated
type RunTrigger string

const (
	TriggerManual RunTrigger = "manual"
	TriggerAction RunTrigger = "github-action"
)

// Configuration defaults applied by ApplyDefaults
const (
	DefaultBaseBranch     = "main"
	DefaultPRLabels       = "codex-generated"
	DefaultTimeoutMinutes = 30
	MaxTimeoutMinutes     = 120
)

// RunConfig holds the per-run configuration supplied at creation
type RunConfig struct {
	BaseBranch     string `json:"baseBranch"`
	ExtraPrompt    string `json:"extraPrompt"`
	PRLabels       string `json:"prLabels"`
	TimeoutMinutes int    `json:"timeoutMinutes"`
}

// ApplyDefaults fills zero-valued fields with the standard defaults
func (c *RunConfig) ApplyDefaults() {
	if c.BaseBranch == "" {
		c.BaseBranch = DefaultBaseBranch
	}
	if c.PRLabels == "" {
		c.PRLabels = DefaultPRLabels
	}
	if c.TimeoutMinutes <= 0 {
		c.TimeoutMinutes = DefaultTimeoutMinutes
	}
}

// Validate checks config bounds after defaults are applied
func (c *RunConfig) Validate() error {
	if c.TimeoutMinutes < 1 {
		return fmt.Errorf("timeout must be a positive number of minutes, got %d", c.TimeoutMinutes)
	}
	if c.TimeoutMinutes > MaxTimeoutMinutes {
		return fmt.Errorf("timeout %d exceeds maximum of %d minutes", c.TimeoutMinutes, MaxTimeoutMinutes)
	}
	return nil
}

// Run is one end-to-end attempt to resolve one issue into a pull request
type Run struct {
	ID          string     `json:"id"`
	Repo        string     `json:"repo"`
	IssueNumber int        `json:"issueNumber"`
	IssueTitle  string     `json:"issueTitle"`
	TaskType    TaskType   `json:"taskType"`
	Status      RunStatus  `json:"status"`
	Branch      string     `json:"branch,omitempty"`
	PRNumber    int        `json:"prNumber,omitempty"`
	PRURL       string     `json:"prUrl,omitempty"`
	Error       string     `json:"error,omitempty"`
	Log         string     `json:"log,omitempty"`
	Config      RunConfig  `json:"config"`
	CreatedAt   time.Time  `json:"createdAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	FinishedAt  *time.Time `json:"finishedAt,omitempty"`
	Trigger     RunTrigger `json:"trigger"`
}

// ValidRepo reports whether repo is in owner/name form
func ValidRepo(repo string) bool {
	parts := strings.Split(repo, "/")
	return len(parts) == 2 && parts[0] != "" && parts[1] != ""
}
