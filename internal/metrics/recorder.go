// Package metrics maintains the queue.yaml snapshot under the workspace
// metrics directory. Depths are recomputed from live directory counts on
// every flush; counters accumulate across daemon restarts by merging
// into the previous snapshot on disk.
package metrics

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"postbox/internal/events"
	"postbox/internal/queue"
	"postbox/internal/workspace"
)

// SnapshotFile is the filename written under the metrics directory.
const SnapshotFile = "queue.yaml"

const schemaVersion = 1

// QueueDepth holds per-directory document counts at flush time.
type QueueDepth struct {
	PendingByTeam map[string]int `yaml:"pending_by_team"`
	Pending       int            `yaml:"pending"`
	InProgress    int            `yaml:"in_progress"`
	Completed     int            `yaml:"completed"`
	Failed        int            `yaml:"failed"`
}

// Counters are cumulative event counts. Published, started and retried
// are additive across snapshots; completed and failed are rewritten from
// the directory counts, which survive restarts on their own.
type Counters struct {
	TasksPublished int `yaml:"tasks_published"`
	TasksStarted   int `yaml:"tasks_started"`
	TasksCompleted int `yaml:"tasks_completed"`
	TasksFailed    int `yaml:"tasks_failed"`
	TasksRetried   int `yaml:"tasks_retried"`
}

// Snapshot is the on-disk metrics document.
type Snapshot struct {
	SchemaVersion   int        `yaml:"schema_version"`
	FileType        string     `yaml:"file_type"`
	QueueDepth      QueueDepth `yaml:"queue_depth"`
	Counters        Counters   `yaml:"counters"`
	DaemonHeartbeat *string    `yaml:"daemon_heartbeat"`
	UpdatedAt       *string    `yaml:"updated_at"`
}

// Recorder accumulates queue events and flushes snapshots.
type Recorder struct {
	ws *workspace.Manager

	mu    sync.Mutex
	delta Counters
}

func NewRecorder(ws *workspace.Manager) *Recorder {
	return &Recorder{ws: ws}
}

// Record folds one queue event into the pending delta. It is safe to use
// as a bus subscriber.
func (r *Recorder) Record(ev events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch ev.Type {
	case events.TaskPublished:
		r.delta.TasksPublished++
	case events.TaskStarted:
		r.delta.TasksStarted++
	case events.TaskRetried:
		r.delta.TasksRetried++
	}
}

// Flush merges the pending delta into the snapshot on disk, recomputes
// queue depths from stats, stamps the heartbeat, and writes the result
// atomically. The delta is consumed only on success.
func (r *Recorder) Flush(stats queue.Stats) error {
	path := filepath.Join(r.ws.MetricsPath(), SnapshotFile)

	snap, err := r.load(path)
	if err != nil {
		return err
	}

	r.mu.Lock()
	delta := r.delta
	r.mu.Unlock()

	snap.QueueDepth = QueueDepth{
		PendingByTeam: stats.PendingByTeam,
		Pending:       stats.Pending,
		InProgress:    stats.InProgress,
		Completed:     stats.Completed,
		Failed:        stats.Failed,
	}

	snap.Counters.TasksPublished += delta.TasksPublished
	snap.Counters.TasksStarted += delta.TasksStarted
	snap.Counters.TasksRetried += delta.TasksRetried
	snap.Counters.TasksCompleted = stats.Completed
	snap.Counters.TasksFailed = stats.Failed

	now := time.Now().UTC().Format(time.RFC3339)
	snap.DaemonHeartbeat = &now
	snap.UpdatedAt = &now

	data, err := yaml.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal metrics: %w", err)
	}
	if err := r.ws.WriteFile(path, data); err != nil {
		return fmt.Errorf("write metrics: %w", err)
	}

	r.mu.Lock()
	r.delta.TasksPublished -= delta.TasksPublished
	r.delta.TasksStarted -= delta.TasksStarted
	r.delta.TasksRetried -= delta.TasksRetried
	r.mu.Unlock()
	return nil
}

// Load reads the current snapshot, or a zero-valued one when none exists.
func (r *Recorder) Load() (Snapshot, error) {
	return r.load(filepath.Join(r.ws.MetricsPath(), SnapshotFile))
}

func (r *Recorder) load(path string) (Snapshot, error) {
	snap := Snapshot{
		SchemaVersion: schemaVersion,
		FileType:      "queue_metrics",
	}

	if !r.ws.FileExists(path) {
		return snap, nil
	}

	data, err := r.ws.ReadFile(path)
	if err != nil {
		return snap, fmt.Errorf("read metrics: %w", err)
	}
	if err := yaml.Unmarshal(data, &snap); err != nil {
		return snap, fmt.Errorf("parse metrics: %w", err)
	}
	return snap, nil
}
