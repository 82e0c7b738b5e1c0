package events

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/afero"
)

// DefaultMaxJournalSize caps a journal file before rotation (10MB).
const DefaultMaxJournalSize = 10 * 1024 * 1024

// Journal appends queue events to a JSONL file with size-based rotation.
// The watch daemon wires it to the bus so the metrics directory carries a
// durable event trail.
type Journal struct {
	mu          sync.Mutex
	fs          afero.Fs
	file        afero.File
	currentSize int64
	maxSize     int64
	path        string
}

// NewJournal opens (or creates) the journal at path.
func NewJournal(fs afero.Fs, path string, maxSize int64) (*Journal, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxJournalSize
	}
	if err := fs.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}

	j := &Journal{fs: fs, path: path, maxSize: maxSize}
	if err := j.open(); err != nil {
		return nil, err
	}
	return j, nil
}

// Append writes one event as a JSON line, rotating first when the file
// would exceed the size cap.
func (j *Journal) Append(event Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.file == nil {
		return fmt.Errorf("journal %s is closed", j.path)
	}

	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal journal entry: %w", err)
	}
	line = append(line, '\n')

	if j.currentSize+int64(len(line)) > j.maxSize {
		if err := j.rotate(); err != nil {
			return err
		}
	}

	n, err := j.file.Write(line)
	if err != nil {
		return fmt.Errorf("append journal entry: %w", err)
	}
	j.currentSize += int64(n)
	return nil
}

// Record adapts Append to the bus Subscriber signature, swallowing write
// errors; journaling must never disturb queue processing.
func (j *Journal) Record(event Event) {
	_ = j.Append(event)
}

// Close closes the underlying file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return nil
	}
	err := j.file.Close()
	j.file = nil
	return err
}

func (j *Journal) open() error {
	f, err := j.fs.OpenFile(j.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat journal: %w", err)
	}
	j.file = f
	j.currentSize = info.Size()
	return nil
}

// rotate renames the current file aside with a timestamp suffix and
// starts a fresh one.
func (j *Journal) rotate() error {
	if err := j.file.Close(); err != nil {
		return fmt.Errorf("close journal for rotation: %w", err)
	}
	rotated := fmt.Sprintf("%s.%s", j.path, time.Now().UTC().Format("20060102T150405"))
	if err := j.fs.Rename(j.path, rotated); err != nil {
		return fmt.Errorf("rotate journal: %w", err)
	}
	return j.open()
}
