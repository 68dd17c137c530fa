// Package prompts assembles the instruction text handed to the coding
// agent for a run. Templates ship embedded in the binary and can be
// overridden per installation by dropping files with the same name into
// an override directory.
package prompts

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/silver-key/factory-agents/internal/domain"
)

//go:embed templates/*.md
var embedded embed.FS

// Template is a single prompt fragment. Meta comes from an optional
// YAML frontmatter block delimited by "---" lines.
type Template struct {
	ID          string
	Description string
	Body        string
}

type frontmatter struct {
	ID          string `yaml:"id"`
	Description string `yaml:"description"`
}

// Loader resolves prompt templates, preferring overrideDir when set.
type Loader struct {
	overrideDir string
}

// NewLoader returns a Loader. overrideDir may be empty, in which case
// only the embedded templates are used.
func NewLoader(overrideDir string) *Loader {
	return &Loader{overrideDir: overrideDir}
}

// Load returns the template with the given name (without extension).
// Override files win over embedded ones. A missing template is an
// error; callers that treat a template as optional use Exists first.
func (l *Loader) Load(name string) (Template, error) {
	raw, err := l.read(name)
	if err != nil {
		return Template{}, err
	}
	return parse(name, raw)
}

// Exists reports whether a template with the given name can be loaded.
func (l *Loader) Exists(name string) bool {
	_, err := l.read(name)
	return err == nil
}

func (l *Loader) read(name string) ([]byte, error) {
	if l.overrideDir != "" {
		path := filepath.Join(l.overrideDir, name+".md")
		if raw, err := os.ReadFile(path); err == nil {
			return raw, nil
		}
	}
	raw, err := embedded.ReadFile("templates/" + name + ".md")
	if err != nil {
		return nil, fmt.Errorf("prompt template %q: %w", name, err)
	}
	return raw, nil
}

func parse(name string, raw []byte) (Template, error) {
	text := string(raw)
	tmpl := Template{ID: name, Body: strings.TrimSpace(text)}

	if !strings.HasPrefix(text, "---\n") {
		return tmpl, nil
	}
	rest := text[len("---\n"):]
	end := strings.Index(rest, "\n---")
	if end < 0 {
		return tmpl, nil
	}
	var meta frontmatter
	if err := yaml.Unmarshal([]byte(rest[:end]), &meta); err != nil {
		return Template{}, fmt.Errorf("prompt template %q: bad frontmatter: %w", name, err)
	}
	body := rest[end+len("\n---"):]
	if i := strings.Index(body, "\n"); i >= 0 {
		body = body[i+1:]
	}
	if meta.ID != "" {
		tmpl.ID = meta.ID
	}
	tmpl.Description = meta.Description
	tmpl.Body = strings.TrimSpace(body)
	return tmpl, nil
}

// BuildInput carries everything needed to assemble the agent prompt.
type BuildInput struct {
	TaskType    domain.TaskType
	IssueNumber int
	IssueTitle  string
	IssueBody   string
	// WorkspaceDir is scanned for a CLAUDE.md with repository-specific
	// coding standards. Empty skips the lookup.
	WorkspaceDir string
	ExtraPrompt  string
}

// Build assembles the full prompt. The base template always leads,
// followed by the task-type template when one exists, the issue text,
// the repository's CLAUDE.md when present, and any extra instructions
// from the run config. Optional pieces are skipped silently.
func (l *Loader) Build(in BuildInput) (string, error) {
	base, err := l.Load("base")
	if err != nil {
		return "", err
	}
	sections := []string{base.Body}

	if name := string(in.TaskType); name != "" && l.Exists(name) {
		tmpl, err := l.Load(name)
		if err != nil {
			return "", err
		}
		sections = append(sections, tmpl.Body)
	}

	issue := fmt.Sprintf("## Issue #%d: %s\n\n%s", in.IssueNumber, in.IssueTitle, strings.TrimSpace(in.IssueBody))
	sections = append(sections, strings.TrimSpace(issue))

	if in.WorkspaceDir != "" {
		if raw, err := os.ReadFile(filepath.Join(in.WorkspaceDir, "CLAUDE.md")); err == nil {
			sections = append(sections, "## Repository Coding Standards\n\n"+strings.TrimSpace(string(raw)))
		}
	}

	if extra := strings.TrimSpace(in.ExtraPrompt); extra != "" {
		sections = append(sections, "## Additional Instructions\n\n"+extra)
	}

	return strings.Join(sections, "\n\n"), nil
}
