package domain

import "testing"

func TestDetectTaskType(t *testing.T) {
	tests := []struct {
		name   string
		labels []string
		want   TaskType
	}{
		{"no labels", nil, TaskFeature},
		{"bug label", []string{"bug"}, TaskBugfix},
		{"refactor label", []string{"refactor"}, TaskRefactor},
		{"bug wins over refactor", []string{"refactor", "bug"}, TaskBugfix},
		{"case insensitive", []string{"Bug"}, TaskBugfix},
		{"unrelated labels", []string{"documentation", "help wanted"}, TaskFeature},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DetectTaskType(tt.labels); got != tt.want {
				t.Errorf("DetectTaskType(%v) = %q, want %q", tt.labels, got, tt.want)
			}
		})
	}
}

func TestCommitPrefix(t *testing.T) {
	tests := []struct {
		taskType TaskType
		want     string
	}{
		{TaskBugfix, "Fix"},
		{TaskRefactor, "Refactor"},
		{TaskFeature, "Implement"},
	}

	for _, tt := range tests {
		if got := tt.taskType.CommitPrefix(); got != tt.want {
			t.Errorf("%s.CommitPrefix() = %q, want %q", tt.taskType, got, tt.want)
		}
	}
}

func TestRunConfigApplyDefaults(t *testing.T) {
	var cfg RunConfig
	cfg.ApplyDefaults()

	if cfg.BaseBranch != "main" {
		t.Errorf("BaseBranch = %q, want main", cfg.BaseBranch)
	}
	if cfg.PRLabels != "codex-generated" {
		t.Errorf("PRLabels = %q, want codex-generated", cfg.PRLabels)
	}
	if cfg.TimeoutMinutes != 30 {
		t.Errorf("TimeoutMinutes = %d, want 30", cfg.TimeoutMinutes)
	}

	// Supplied values survive
	cfg = RunConfig{BaseBranch: "develop", TimeoutMinutes: 10}
	cfg.ApplyDefaults()
	if cfg.BaseBranch != "develop" || cfg.TimeoutMinutes != 10 {
		t.Errorf("supplied values overwritten: %+v", cfg)
	}
}

func TestRunConfigValidate(t *testing.T) {
	cfg := RunConfig{TimeoutMinutes: 30}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v, want nil", err)
	}

	cfg.TimeoutMinutes = 0
	if err := cfg.Validate(); err == nil {
		t.Error("Validate() with zero timeout should fail")
	}

	cfg.TimeoutMinutes = MaxTimeoutMinutes + 1
	if err := cfg.Validate(); err == nil {
		t.Error("Validate() above max timeout should fail")
	}
}

func TestValidRepo(t *testing.T) {
	valid := []string{"acme/widgets", "a/b"}
	invalid := []string{"", "acme", "acme/", "/widgets", "a/b/c"}

	for _, r := range valid {
		if !ValidRepo(r) {
			t.Errorf("ValidRepo(%q) = false, want true", r)
		}
	}
	for _, r := range invalid {
		if ValidRepo(r) {
			t.Errorf("ValidRepo(%q) = true, want false", r)
		}
	}
}

func TestIsTerminal(t *testing.T) {
	if StatusQueued.IsTerminal() || StatusRunning.IsTerminal() {
		t.Error("queued/running must not be terminal")
	}
	if !StatusSuccess.IsTerminal() || !StatusFailed.IsTerminal() {
		t.Error("success/failed must be terminal")
	}
}
