package layout

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
)

// Manager computes the deterministic on-disk layout for projects.
// Paths are always computed, never parsed from user input.
type Manager struct {
	dataRoot string
}

// NewManager creates a layout manager rooted at dataRoot
func NewManager(dataRoot string) (*Manager, error) {
	for _, dir := range []string{dataRoot, filepath.Join(dataRoot, "projects"), filepath.Join(dataRoot, "tmp")} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}
	return &Manager{dataRoot: dataRoot}, nil
}

// DataRoot returns the service data root
func (m *Manager) DataRoot() string {
	return m.dataRoot
}

// StagingRoot is where upload staging directories live
func (m *Manager) StagingRoot() string {
	return filepath.Join(m.dataRoot, "tmp")
}

// UserRoot is the subtree holding all of one user's projects
func (m *Manager) UserRoot(userID int64) string {
	return filepath.Join(m.dataRoot, "projects", strconv.FormatInt(userID, 10))
}

// ProjectRoot is the subtree holding one project
func (m *Manager) ProjectRoot(userID, projectID int64) string {
	return filepath.Join(m.UserRoot(userID), strconv.FormatInt(projectID, 10))
}

// SourceRoot is the project's source directory
func (m *Manager) SourceRoot(userID, projectID int64) string {
	return filepath.Join(m.ProjectRoot(userID, projectID), "src")
}

// VenvRoot is the project's dependency sandbox
func (m *Manager) VenvRoot(userID, projectID int64) string {
	return filepath.Join(m.ProjectRoot(userID, projectID), "venv")
}

// LogDir is the project's log directory
func (m *Manager) LogDir(userID, projectID int64) string {
	return filepath.Join(m.ProjectRoot(userID, projectID), "logs")
}

// LogFile is the project's append-only run log
func (m *Manager) LogFile(userID, projectID int64) string {
	return filepath.Join(m.LogDir(userID, projectID), "run.log")
}

// EnsureProjectDirs creates the project's directory skeleton
func (m *Manager) EnsureProjectDirs(userID, projectID int64) error {
	for _, dir := range []string{
		m.SourceRoot(userID, projectID),
		m.LogDir(userID, projectID),
	} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create project directory: %w", err)
		}
	}
	return nil
}

// RemoveProject deletes the project's entire subtree
func (m *Manager) RemoveProject(userID, projectID int64) error {
	return os.RemoveAll(m.ProjectRoot(userID, projectID))
}

// DirSize returns the recursive byte size of root. Errors on individual
// entries are swallowed; sizing is best effort.
func DirSize(root string) int64 {
	var total int64
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.Type().IsRegular() {
			if info, err := d.Info(); err == nil {
				total += info.Size()
			}
		}
		return nil
	})
	return total
}

// UserUsage returns the user's used bytes against the given cap
func (m *Manager) UserUsage(userID int64, capBytes int64) (used, limit int64) {
	return DirSize(m.UserRoot(userID)), capBytes
}
