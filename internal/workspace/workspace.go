// Package workspace manages disposable per-run checkout directories.
package workspace

import (
	"log"
	"os"
)

// Manager creates and removes per-run workspace directories. Each acquired
// directory is exclusively owned by one run for its entire lifetime.
type Manager struct {
	base string
}

// NewManager creates a Manager rooted at base. An empty base uses the
// system temp directory.
func NewManager(base string) *Manager {
	return &Manager{base: base}
}

// Acquire creates a uniquely named workspace directory. Uniqueness comes
// from the naming scheme, so concurrent acquisitions never collide.
func (m *Manager) Acquire() (string, error) {
	return os.MkdirTemp(m.base, "codex-run-")
}

// Release recursively removes a workspace. Removal failures never override
// the run's already-determined outcome, so they are logged and swallowed.
func (m *Manager) Release(dir string) {
	if dir == "" {
		return
	}
	if err := os.RemoveAll(dir); err != nil {
		log.Printf("workspace: removing %s: %v", dir, err)
	}
}
