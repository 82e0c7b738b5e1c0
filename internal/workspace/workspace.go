// Package workspace owns the on-disk directory tree of a postbox
// workspace and every low-level file primitive the queue is built on:
// atomic write, atomic move, listing, stat, cleanup. All access goes
// through an afero.Fs so the queue core can be exercised against an
// in-memory filesystem.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"

	"postbox/internal/lock"
	"postbox/internal/model"
)

// Fixed directory names under the workspace root.
const (
	DirInbox      = "inbox"
	DirOutbox     = "outbox"
	DirInProgress = "in-progress"
	DirFailed     = "failed"
	DirArchive    = "archive"
	DirKnowledge  = "knowledge"
	DirMetrics    = "metrics"
)

const (
	rootMarker = ".postbox"
	keepMarker = ".gitkeep"
)

// initializedRoots remembers roots that EnsureInitialized has already
// verified, so repeat calls in the same process skip the stat.
var initializedRoots sync.Map

// FileInfo describes one listed file.
type FileInfo struct {
	Name       string
	Path       string
	Size       int64
	CreatedAt  time.Time
	ModifiedAt time.Time
}

// Manager mediates all filesystem access for one workspace root.
type Manager struct {
	fs    afero.Fs
	root  string
	teams []model.TeamConfig
	locks *lock.DirMutex
}

// NewManager creates a Manager over the given filesystem and root.
// teams configures which inboxes Initialize creates; listing and stats
// additionally discover team directories that appear later.
func NewManager(fs afero.Fs, root string, teams []model.TeamConfig) *Manager {
	return &Manager{
		fs:    fs,
		root:  root,
		teams: teams,
		locks: lock.NewDirMutex(),
	}
}

// Root returns the workspace root path.
func (m *Manager) Root() string {
	return m.root
}

// Fs exposes the underlying filesystem for collaborating packages.
func (m *Manager) Fs() afero.Fs {
	return m.fs
}

// Initialize creates the full directory tree: root, one inbox per
// configured team (nested by subteam where configured), the fixed
// directories, and a persistence marker in each otherwise-empty leaf.
// Calling it twice neither errors nor duplicates markers.
func (m *Manager) Initialize() error {
	dirs := []string{
		DirInbox,
		DirOutbox,
		DirInProgress,
		DirFailed,
		DirArchive,
		DirKnowledge,
		DirMetrics,
	}
	for _, team := range m.teams {
		dirs = append(dirs, filepath.Join(DirInbox, team.Name))
		for _, sub := range team.Subteams {
			dirs = append(dirs, filepath.Join(DirInbox, team.Name, sub))
		}
	}

	for _, d := range dirs {
		path := m.Path(d)
		if err := m.fs.MkdirAll(path, 0755); err != nil {
			return fmt.Errorf("create directory %s: %w", d, err)
		}
		if err := m.dropKeepMarker(path); err != nil {
			return err
		}
	}

	markerPath := m.Path(rootMarker)
	exists, err := afero.Exists(m.fs, markerPath)
	if err != nil {
		return fmt.Errorf("stat workspace marker: %w", err)
	}
	if !exists {
		stamp := time.Now().UTC().Format(time.RFC3339) + "\n"
		if err := afero.WriteFile(m.fs, markerPath, []byte(stamp), 0644); err != nil {
			return fmt.Errorf("write workspace marker: %w", err)
		}
	}

	initializedRoots.Store(m.root, true)
	return nil
}

// EnsureInitialized lazily creates the workspace when autoInit allows it.
// Once a root is known to be initialized the check is skipped for the
// rest of the process.
func (m *Manager) EnsureInitialized(autoInit bool) error {
	if _, ok := initializedRoots.Load(m.root); ok {
		return nil
	}
	if m.Exists() {
		initializedRoots.Store(m.root, true)
		return nil
	}
	if !autoInit {
		return fmt.Errorf("workspace %s not initialized and auto_init is disabled", m.root)
	}
	return m.Initialize()
}

// Exists reports whether the workspace root marker is present.
func (m *Manager) Exists() bool {
	ok, err := afero.Exists(m.fs, m.Path(rootMarker))
	return err == nil && ok
}

// Path joins parts under the workspace root.
func (m *Manager) Path(parts ...string) string {
	return filepath.Join(append([]string{m.root}, parts...)...)
}

// InboxPath maps a team (and optional subteam) to its inbox directory.
func (m *Manager) InboxPath(team, subteam string) string {
	if subteam != "" {
		return m.Path(DirInbox, team, subteam)
	}
	return m.Path(DirInbox, team)
}

func (m *Manager) OutboxPath() string     { return m.Path(DirOutbox) }
func (m *Manager) InProgressPath() string { return m.Path(DirInProgress) }
func (m *Manager) FailedPath() string     { return m.Path(DirFailed) }
func (m *Manager) ArchivePath() string    { return m.Path(DirArchive) }
func (m *Manager) KnowledgePath() string  { return m.Path(DirKnowledge) }
func (m *Manager) MetricsPath() string    { return m.Path(DirMetrics) }

// ListFiles lists the regular files in dir, excluding markers and
// subdirectories, optionally filtered by a filepath.Match pattern on the
// name. The result is sorted ascending by creation time (name as a
// tiebreaker) so consumers see the oldest entries first. A directory that
// does not exist yields an empty list; any other failure propagates.
func (m *Manager) ListFiles(dir, pattern string) ([]FileInfo, error) {
	entries, err := afero.ReadDir(m.fs, dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}

	var files []FileInfo
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") {
			continue
		}
		if pattern != "" {
			matched, err := filepath.Match(pattern, name)
			if err != nil {
				return nil, fmt.Errorf("match pattern %q: %w", pattern, err)
			}
			if !matched {
				continue
			}
		}
		files = append(files, FileInfo{
			Name: name,
			Path: filepath.Join(dir, name),
			Size: entry.Size(),
			// Creation time is not portably available; modification
			// time stands in for it. Renames preserve it, so a moved
			// document keeps its place in the order.
			CreatedAt:  entry.ModTime(),
			ModifiedAt: entry.ModTime(),
		})
	}

	sort.Slice(files, func(i, j int) bool {
		if files[i].CreatedAt.Equal(files[j].CreatedAt) {
			return files[i].Name < files[j].Name
		}
		return files[i].CreatedAt.Before(files[j].CreatedAt)
	})
	return files, nil
}

// ReadFile returns the content of path.
func (m *Manager) ReadFile(path string) ([]byte, error) {
	data, err := afero.ReadFile(m.fs, path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}

// WriteFile atomically writes data to path, creating parent directories
// first. The write lands under the destination's directory lock.
func (m *Manager) WriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := m.fs.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create parent %s: %w", dir, err)
	}
	return m.locks.WithLock(dir, func() error {
		return m.atomicWrite(path, data)
	})
}

// MoveFile renames src into destDir, auto-creating destDir, and returns
// the destination path. The rename is the queue's claim primitive: of two
// racers moving the same file, exactly one succeeds and the other gets a
// not-exist error (check with os.IsNotExist / errors.Is fs.ErrNotExist).
func (m *Manager) MoveFile(src, destDir string) (string, error) {
	if err := m.fs.MkdirAll(destDir, 0755); err != nil {
		return "", fmt.Errorf("create destination %s: %w", destDir, err)
	}
	dest := filepath.Join(destDir, filepath.Base(src))
	var moveErr error
	m.locks.WithLock(destDir, func() error {
		moveErr = m.fs.Rename(src, dest)
		return nil
	})
	if moveErr != nil {
		return "", fmt.Errorf("move %s to %s: %w", src, destDir, moveErr)
	}
	return dest, nil
}

// CopyFile duplicates src at dst, creating parent directories.
func (m *Manager) CopyFile(src, dst string) error {
	data, err := afero.ReadFile(m.fs, src)
	if err != nil {
		return fmt.Errorf("copy read %s: %w", src, err)
	}
	if err := m.fs.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("copy create parent: %w", err)
	}
	if err := afero.WriteFile(m.fs, dst, data, 0644); err != nil {
		return fmt.Errorf("copy write %s: %w", dst, err)
	}
	return nil
}

// DeleteFile removes path.
func (m *Manager) DeleteFile(path string) error {
	if err := m.fs.Remove(path); err != nil {
		return fmt.Errorf("delete %s: %w", path, err)
	}
	return nil
}

// FileExists reports whether path exists and is a regular file.
func (m *Manager) FileExists(path string) bool {
	info, err := m.fs.Stat(path)
	return err == nil && !info.IsDir()
}

// GetFileStats returns file details, or nil (not an error) when the file
// is missing.
func (m *Manager) GetFileStats(path string) (*FileInfo, error) {
	info, err := m.fs.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	return &FileInfo{
		Name:       info.Name(),
		Path:       path,
		Size:       info.Size(),
		CreatedAt:  info.ModTime(),
		ModifiedAt: info.ModTime(),
	}, nil
}

// CleanupOldFiles deletes the files in dir whose modification time is
// older than maxAge, returning the number removed.
func (m *Manager) CleanupOldFiles(dir string, maxAge time.Duration) (int, error) {
	files, err := m.ListFiles(dir, "")
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, f := range files {
		if f.ModifiedAt.After(cutoff) {
			continue
		}
		if err := m.fs.Remove(f.Path); err != nil {
			return removed, fmt.Errorf("cleanup %s: %w", f.Path, err)
		}
		removed++
	}
	return removed, nil
}

// Reset deletes every queued document while preserving the directory
// skeleton, markers, and root-level files such as the configuration.
func (m *Manager) Reset() error {
	roots := []string{
		m.Path(DirInbox),
		m.OutboxPath(),
		m.InProgressPath(),
		m.FailedPath(),
		m.ArchivePath(),
		m.KnowledgePath(),
		m.MetricsPath(),
	}
	for _, dir := range roots {
		err := afero.Walk(m.fs, dir, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				if os.IsNotExist(err) {
					return nil
				}
				return err
			}
			if info.IsDir() || strings.HasPrefix(info.Name(), ".") {
				return nil
			}
			if err := m.fs.Remove(path); err != nil {
				return fmt.Errorf("reset remove %s: %w", path, err)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// Destroy irrecoverably removes the whole workspace tree.
func (m *Manager) Destroy() error {
	if err := m.fs.RemoveAll(m.root); err != nil {
		return fmt.Errorf("destroy workspace %s: %w", m.root, err)
	}
	initializedRoots.Delete(m.root)
	return nil
}

func (m *Manager) dropKeepMarker(dir string) error {
	entries, err := afero.ReadDir(m.fs, dir)
	if err != nil {
		return fmt.Errorf("read %s: %w", dir, err)
	}
	for _, entry := range entries {
		if entry.Name() != keepMarker {
			return nil // not empty, no marker needed
		}
	}
	if len(entries) == 1 {
		return nil // marker already present
	}
	path := filepath.Join(dir, keepMarker)
	if err := afero.WriteFile(m.fs, path, nil, 0644); err != nil {
		return fmt.Errorf("write keep marker in %s: %w", dir, err)
	}
	return nil
}
