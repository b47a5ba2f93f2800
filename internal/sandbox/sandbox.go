// Package sandbox manages per-deployment working directories beneath a
// configured downloads-base path (spec §6 "Sandbox layout"). It is backed by
// afero so tests can exercise the engine against an in-memory filesystem
// without touching disk.
package sandbox

import (
	"os"
	"path/filepath"

	"github.com/spf13/afero"

	"fleetagent/internal/logging"
)

// Manager creates, destroys, and enumerates sandbox directories. It
// satisfies engine.Sandbox.
type Manager struct {
	fs afero.Fs
}

// New constructs a Manager backed by fs. Pass afero.NewOsFs() in production
// and afero.NewMemMapFs() in tests.
func New(fs afero.Fs) *Manager {
	return &Manager{fs: fs}
}

// Create ensures path exists as a directory, creating parents as needed.
func (m *Manager) Create(path string) error {
	logging.Debug("sandbox: create %s", path)
	return m.fs.MkdirAll(path, 0o755)
}

// Destroy removes path and everything beneath it. Destroying a path that
// does not exist is not an error.
func (m *Manager) Destroy(path string) error {
	logging.Debug("sandbox: destroy %s", path)
	if err := m.fs.RemoveAll(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Siblings lists the full paths of directories directly under base whose
// leaf name is not keep. keep is a deployment id, not a path.
func (m *Manager) Siblings(base, keep string) ([]string, error) {
	entries, err := afero.ReadDir(m.fs, base)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var siblings []string
	for _, entry := range entries {
		if !entry.IsDir() || entry.Name() == keep {
			continue
		}
		siblings = append(siblings, filepath.Join(base, entry.Name()))
	}
	return siblings, nil
}

// Sweep destroys every sandbox directory under base other than the one named
// by keep (a deployment id, empty if no deployment is active), used by the
// periodic stale-sandbox sweep driven from cmd/agentd independently of any
// single deployment's own cleanup (SPEC_FULL.md §11). keep guards against
// the sweep racing an in-flight deployment's own sandbox out from under it.
func (m *Manager) Sweep(base, keep string) error {
	entries, err := afero.ReadDir(m.fs, base)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	for _, entry := range entries {
		if !entry.IsDir() || entry.Name() == keep {
			continue
		}
		if err := m.Destroy(filepath.Join(base, entry.Name())); err != nil {
			logging.Error("sandbox: sweep failed to destroy %s: %v", entry.Name(), err)
		}
	}
	return nil
}
