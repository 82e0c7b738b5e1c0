package lock

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
)

func TestDirMutex_LockUnlock(t *testing.T) {
	m := NewDirMutex()

	m.Lock("inbox/development")
	m.Unlock("inbox/development")

	// Should be able to lock again
	m.Lock("inbox/development")
	m.Unlock("inbox/development")
}

func TestDirMutex_DifferentDirs(t *testing.T) {
	m := NewDirMutex()

	done := make(chan struct{})

	m.Lock("inbox/development")
	go func() {
		// A different directory must not be blocked
		m.Lock("inbox/qa")
		m.Unlock("inbox/qa")
		close(done)
	}()

	<-done
	m.Unlock("inbox/development")
}

func TestDirMutex_Concurrent(t *testing.T) {
	m := NewDirMutex()
	var counter int64

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.WithLock("shared", func() error {
				atomic.AddInt64(&counter, 1)
				return nil
			})
		}()
	}
	wg.Wait()

	if counter != 100 {
		t.Errorf("expected counter=100, got %d", counter)
	}
}

func TestFileLock_TryLock(t *testing.T) {
	dir := t.TempDir()
	lockPath := filepath.Join(dir, "watch.lock")

	fl := NewFileLock(lockPath)
	if err := fl.TryLock(); err != nil {
		t.Fatalf("TryLock failed: %v", err)
	}
	defer fl.Unlock()

	data, err := os.ReadFile(lockPath)
	if err != nil {
		t.Fatalf("read lock file: %v", err)
	}
	if !strings.ContainsRune(string(data), '\n') {
		t.Errorf("lock file should carry a PID line, got %q", data)
	}
}

func TestFileLock_DoubleLockRejected(t *testing.T) {
	dir := t.TempDir()
	lockPath := filepath.Join(dir, "watch.lock")

	fl1 := NewFileLock(lockPath)
	if err := fl1.TryLock(); err != nil {
		t.Fatalf("first TryLock failed: %v", err)
	}
	defer fl1.Unlock()

	fl2 := NewFileLock(lockPath)
	if err := fl2.TryLock(); err == nil {
		fl2.Unlock()
		t.Fatal("second TryLock should fail while first holds the lock")
	}
}

func TestFileLock_UnlockRemovesFile(t *testing.T) {
	dir := t.TempDir()
	lockPath := filepath.Join(dir, "watch.lock")

	fl := NewFileLock(lockPath)
	if err := fl.TryLock(); err != nil {
		t.Fatalf("TryLock failed: %v", err)
	}
	if err := fl.Unlock(); err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}
	if _, err := os.Stat(lockPath); !os.IsNotExist(err) {
		t.Error("lock file should be removed after Unlock")
	}

	// Unlock is idempotent
	if err := fl.Unlock(); err != nil {
		t.Errorf("second Unlock failed: %v", err)
	}
}
