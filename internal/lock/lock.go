// Package lock provides in-process per-key mutexes and a flock-based
// cross-process file lock.
package lock

import (
	"fmt"
	"os"
	"sync"
	"syscall"
)

// DirMutex serializes operations per directory path. The workspace manager
// uses it so that list-then-move against one destination directory behaves
// as a single uninterruptible step within the process.
type DirMutex struct {
	mu      sync.Mutex
	mutexes map[string]*sync.Mutex
}

func NewDirMutex() *DirMutex {
	return &DirMutex{
		mutexes: make(map[string]*sync.Mutex),
	}
}

func (m *DirMutex) Lock(dir string) {
	m.get(dir).Lock()
}

func (m *DirMutex) Unlock(dir string) {
	m.get(dir).Unlock()
}

// WithLock runs fn while holding the mutex for dir.
func (m *DirMutex) WithLock(dir string, fn func() error) error {
	m.Lock(dir)
	defer m.Unlock(dir)
	return fn()
}

func (m *DirMutex) get(dir string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()

	if mu, ok := m.mutexes[dir]; ok {
		return mu
	}
	mu := &sync.Mutex{}
	m.mutexes[dir] = mu
	return mu
}

// FileLock is an advisory flock-held lock file carrying the holder's PID.
// The watch daemon takes one so at most one instance runs per workspace.
type FileLock struct {
	path string
	file *os.File
}

func NewFileLock(path string) *FileLock {
	return &FileLock{path: path}
}

func (fl *FileLock) TryLock() error {
	f, err := os.OpenFile(fl.path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		return fmt.Errorf("acquire lock (another watcher may be running): %w", err)
	}

	if err := f.Truncate(0); err != nil {
		fl.release(f)
		return fmt.Errorf("truncate lock file: %w", err)
	}
	if _, err := f.Seek(0, 0); err != nil {
		fl.release(f)
		return fmt.Errorf("seek lock file: %w", err)
	}
	if _, err := fmt.Fprintf(f, "%d\n", os.Getpid()); err != nil {
		fl.release(f)
		return fmt.Errorf("write PID to lock file: %w", err)
	}
	if err := f.Sync(); err != nil {
		fl.release(f)
		return fmt.Errorf("sync lock file: %w", err)
	}

	fl.file = f
	return nil
}

func (fl *FileLock) Unlock() error {
	if fl.file == nil {
		return nil
	}

	if err := syscall.Flock(int(fl.file.Fd()), syscall.LOCK_UN); err != nil {
		fl.file.Close()
		return fmt.Errorf("release lock: %w", err)
	}

	if err := fl.file.Close(); err != nil {
		return fmt.Errorf("close lock file: %w", err)
	}

	os.Remove(fl.path)
	fl.file = nil
	return nil
}

func (fl *FileLock) release(f *os.File) {
	syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
	f.Close()
}
