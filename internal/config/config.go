package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// Config holds all application configuration
type Config struct {
	General GeneralConfig `toml:"general"`
	Web     WebConfig     `toml:"web"`
	Git     GitConfig     `toml:"git"`
	Runs    RunsConfig    `toml:"runs"`
	Autorun AutorunConfig `toml:"autorun"`
}

// GeneralConfig holds general settings
type GeneralConfig struct {
	DatabasePath string `toml:"database_path"`
	WorkspaceDir string `toml:"workspace_dir"`
	PromptDir    string `toml:"prompt_dir"`
}

// WebConfig holds dashboard server settings
type WebConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

// GitConfig holds commit identity settings
type GitConfig struct {
	AuthorName  string `toml:"author_name"`
	AuthorEmail string `toml:"author_email"`
}

// RunsConfig holds per-run defaults
type RunsConfig struct {
	BaseBranch     string `toml:"base_branch"`
	PRLabels       string `toml:"pr_labels"`
	TimeoutMinutes int    `toml:"timeout_minutes"`
	AgentCommand   string `toml:"agent_command"`
}

// AutorunConfig holds the scheduled issue-poller settings
type AutorunConfig struct {
	Enabled  bool     `toml:"enabled"`
	Schedule string   `toml:"schedule"`
	Label    string   `toml:"label"`
	Repos    []string `toml:"repos"`
}

// Default returns a Config with sensible defaults
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		General: GeneralConfig{
			DatabasePath: filepath.Join(home, ".factory-agents", "runs.db"),
			WorkspaceDir: filepath.Join(os.TempDir(), "factory-agents"),
		},
		Web: WebConfig{
			Port: 8080,
			Host: "127.0.0.1",
		},
		Git: GitConfig{
			AuthorName:  "Codex Bot",
			AuthorEmail: "codex-bot@silver-key.nl",
		},
		Runs: RunsConfig{
			BaseBranch:     "main",
			PRLabels:       "codex-generated",
			TimeoutMinutes: 30,
			AgentCommand:   "codex",
		},
		Autorun: AutorunConfig{
			Enabled:  false,
			Schedule: "*/15 * * * *",
			Label:    "codex-auto",
		},
	}
}

// Load reads configuration from a TOML file, falling back to defaults
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	// Expand paths
	cfg.General.DatabasePath = ExpandPath(cfg.General.DatabasePath)
	cfg.General.WorkspaceDir = ExpandPath(cfg.General.WorkspaceDir)
	cfg.General.PromptDir = ExpandPath(cfg.General.PromptDir)

	return cfg, nil
}

// ExpandPath expands ~ to the user's home directory
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file location
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "factory-agents", "config.toml")
}
