package queue

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"postbox/internal/document"
	"postbox/internal/logging"
	"postbox/internal/model"
	"postbox/internal/workspace"
)

const (
	pollInterval = 20 * time.Millisecond
	waitFor      = 3 * time.Second
	checkEvery   = 10 * time.Millisecond
)

// recorder collects handled documents behind a mutex.
type recorder struct {
	mu    sync.Mutex
	tasks []model.TaskDocument
}

func (r *recorder) handle(ctx context.Context, task model.TaskDocument) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks = append(r.tasks, task)
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

func (r *recorder) titles() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	titles := make([]string, 0, len(r.tasks))
	for _, task := range r.tasks {
		titles = append(titles, task.Metadata.Title)
	}
	return titles
}

func TestSubscribe_EndToEnd(t *testing.T) {
	q := newTestQueue(t)
	rec := &recorder{}

	_, err := q.Subscribe("development", rec.handle, SubscribeOptions{
		AutoAcknowledge: true,
		PollingInterval: 100 * time.Millisecond,
	})
	require.NoError(t, err)

	_, err = q.Publish(publishRequest())
	require.NoError(t, err)

	require.Eventually(t, func() bool { return rec.count() == 1 }, waitFor, checkEvery,
		"task should be picked up within one polling cycle")

	rec.mu.Lock()
	got := rec.tasks[0]
	rec.mu.Unlock()
	assert.Equal(t, "Implement login", got.Metadata.Title)
	assert.Equal(t, model.StatusInProgress, got.Metadata.Status)

	require.Eventually(t, func() bool {
		stats, err := q.GetStats()
		return err == nil && stats.PendingByTeam["development"] == 0 && stats.Completed == 1
	}, waitFor, checkEvery, "auto-acknowledge should drain the inbox into the outbox")
}

func TestSubscribe_FIFOWithinTeam(t *testing.T) {
	q := newTestQueue(t)

	reqA := publishRequest()
	reqA.Title = "first"
	_, err := q.Publish(reqA)
	require.NoError(t, err)

	// Keep distinct creation times on coarse-clock filesystems.
	time.Sleep(2 * time.Millisecond)

	reqB := publishRequest()
	reqB.Title = "second"
	_, err = q.Publish(reqB)
	require.NoError(t, err)

	rec := &recorder{}
	_, err = q.Subscribe("development", rec.handle, SubscribeOptions{
		AutoAcknowledge: true,
		PollingInterval: pollInterval,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return rec.count() == 2 }, waitFor, checkEvery)
	assert.Equal(t, []string{"first", "second"}, rec.titles(), "oldest document first")
}

func TestSubscribe_DependencyGating(t *testing.T) {
	q := newTestQueue(t)

	req := publishRequest()
	req.Dependencies = []model.TaskDependency{
		{TaskID: "task_1771722000_a3f2b7c1", Type: model.DependencyTypeBlockedBy, Status: model.StatusPending},
	}
	_, err := q.Publish(req)
	require.NoError(t, err)

	rec := &recorder{}
	_, err = q.Subscribe("development", rec.handle, SubscribeOptions{
		AutoAcknowledge: true,
		PollingInterval: pollInterval,
	})
	require.NoError(t, err)

	// Give the loop several ticks to (wrongly) pick the task up.
	time.Sleep(10 * pollInterval)
	assert.Zero(t, rec.count(), "gated document must never reach a handler")

	stats, err := q.GetStats()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.PendingByTeam["development"], "gated document stays in the inbox")
}

func TestSubscribe_MetDependencyIsDelivered(t *testing.T) {
	q := newTestQueue(t)

	req := publishRequest()
	req.Dependencies = []model.TaskDependency{
		{TaskID: "task_1771722000_a3f2b7c1", Type: model.DependencyTypeBlockedBy, Status: model.StatusCompleted},
	}
	_, err := q.Publish(req)
	require.NoError(t, err)

	rec := &recorder{}
	_, err = q.Subscribe("development", rec.handle, SubscribeOptions{
		AutoAcknowledge: true,
		PollingInterval: pollInterval,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return rec.count() == 1 }, waitFor, checkEvery)
}

func TestSubscribe_RetryThenSuccess(t *testing.T) {
	q := newTestQueue(t)

	var mu sync.Mutex
	attempts := 0
	handler := func(ctx context.Context, task model.TaskDocument) error {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts == 1 {
			return errors.New("transient failure")
		}
		return nil
	}

	_, err := q.Subscribe("development", handler, SubscribeOptions{
		AutoAcknowledge: true,
		PollingInterval: pollInterval,
	})
	require.NoError(t, err)

	task, err := q.Publish(publishRequest())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		stats, err := q.GetStats()
		return err == nil && stats.Completed == 1
	}, waitFor, checkEvery)

	mu.Lock()
	assert.Equal(t, 2, attempts)
	mu.Unlock()

	// The completed document carries the retry it consumed.
	completed := readDocFromDir(t, q, q.ws.OutboxPath(), task.Metadata.ID)
	assert.Equal(t, 1, completed.Metadata.RetryCount)
	assert.Equal(t, model.StatusCompleted, completed.Metadata.Status)
	require.NotNil(t, completed.Metadata.CompletedAt)
}

func TestSubscribe_RetryExhaustion(t *testing.T) {
	q := newTestQueue(t)

	handler := func(ctx context.Context, task model.TaskDocument) error {
		return errors.New("permanent failure")
	}
	_, err := q.Subscribe("development", handler, SubscribeOptions{
		AutoAcknowledge: true,
		PollingInterval: pollInterval,
	})
	require.NoError(t, err)

	req := publishRequest()
	req.MaxRetries = 2
	task, err := q.Publish(req)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		stats, err := q.GetStats()
		return err == nil && stats.Failed == 1
	}, waitFor, checkEvery)

	failed := readDocFromDir(t, q, q.ws.FailedPath(), task.Metadata.ID)
	assert.Equal(t, model.StatusFailed, failed.Metadata.Status)
	assert.Equal(t, 2, failed.Metadata.RetryCount, "maxRetries=2 means three invocations, two retries")
	require.NotNil(t, failed.Metadata.CompletedAt)

	// The document must never reappear in any inbox.
	time.Sleep(5 * pollInterval)
	stats, err := q.GetStats()
	require.NoError(t, err)
	assert.Zero(t, stats.Pending)
	assert.Zero(t, stats.InProgress)
}

func TestSubscribe_PanickingHandler(t *testing.T) {
	q := newTestQueue(t)

	handler := func(ctx context.Context, task model.TaskDocument) error {
		panic("handler bug")
	}
	_, err := q.Subscribe("development", handler, SubscribeOptions{
		AutoAcknowledge: true,
		PollingInterval: pollInterval,
	})
	require.NoError(t, err)

	req := publishRequest()
	req.MaxRetries = 1
	_, err = q.Publish(req)
	require.NoError(t, err)

	// The loop survives the panic and drives the document to failed.
	require.Eventually(t, func() bool {
		stats, err := q.GetStats()
		return err == nil && stats.Failed == 1
	}, waitFor, checkEvery)
}

func TestSubscribe_ManualAcknowledge(t *testing.T) {
	q := newTestQueue(t)
	rec := &recorder{}

	_, err := q.Subscribe("development", rec.handle, SubscribeOptions{
		AutoAcknowledge: false,
		PollingInterval: pollInterval,
	})
	require.NoError(t, err)

	task, err := q.Publish(publishRequest())
	require.NoError(t, err)

	require.Eventually(t, func() bool { return rec.count() == 1 }, waitFor, checkEvery)

	// Without auto-acknowledge the document waits in in-progress.
	stats, err := q.GetStats()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.InProgress)
	assert.Zero(t, stats.Completed)

	require.NoError(t, q.Acknowledge(task.Metadata.ID))

	stats, err = q.GetStats()
	require.NoError(t, err)
	assert.Zero(t, stats.InProgress)
	assert.Equal(t, 1, stats.Completed)
}

func TestSubscribe_ManualFail_RetriesThenExhausts(t *testing.T) {
	q := newTestQueue(t)
	rec := &recorder{}

	_, err := q.Subscribe("development", rec.handle, SubscribeOptions{
		AutoAcknowledge: false,
		PollingInterval: pollInterval,
	})
	require.NoError(t, err)

	req := publishRequest()
	req.MaxRetries = 1
	task, err := q.Publish(req)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return rec.count() == 1 }, waitFor, checkEvery)

	// First failure: budget left, the document returns to the inbox.
	require.NoError(t, q.Fail(task.Metadata.ID, fmt.Errorf("bad result")))
	require.Eventually(t, func() bool { return rec.count() == 2 }, waitFor, checkEvery,
		"retried document should be claimed again")

	// Second failure: budget exhausted.
	require.NoError(t, q.Fail(task.Metadata.ID, fmt.Errorf("bad again")))

	stats, err := q.GetStats()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Failed)
	assert.Zero(t, stats.Pending)
	assert.Zero(t, stats.InProgress)
}

func TestSubscribe_CompetingConsumersHandleEachTaskOnce(t *testing.T) {
	q := newTestQueue(t)

	// Two queue instances over the same workspace, as two processes would be.
	q2 := New(q.ws, nil, testConfig(), q.logger)
	defer q2.Stop()

	var mu sync.Mutex
	seen := map[string]int{}
	handler := func(ctx context.Context, task model.TaskDocument) error {
		mu.Lock()
		seen[task.Metadata.ID]++
		mu.Unlock()
		return nil
	}

	_, err := q.Subscribe("development", handler, SubscribeOptions{
		AutoAcknowledge: true,
		PollingInterval: pollInterval,
	})
	require.NoError(t, err)
	_, err = q2.Subscribe("development", handler, SubscribeOptions{
		AutoAcknowledge: true,
		PollingInterval: pollInterval,
	})
	require.NoError(t, err)

	const total = 10
	for i := 0; i < total; i++ {
		req := publishRequest()
		req.Title = fmt.Sprintf("task %d", i)
		_, err := q.Publish(req)
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		stats, err := q.GetStats()
		return err == nil && stats.Completed == total
	}, waitFor, checkEvery)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, total)
	for id, n := range seen {
		assert.Equal(t, 1, n, "task %s handled more than once", id)
	}
}

func TestSubscribe_QuarantinesUnparseableFiles(t *testing.T) {
	q := newTestQueue(t)
	rec := &recorder{}

	garbage := filepath.Join(q.ws.InboxPath("development", ""), "random_file.md")
	require.NoError(t, q.ws.WriteFile(garbage, []byte("no header here")))

	_, err := q.Subscribe("development", rec.handle, SubscribeOptions{
		AutoAcknowledge: true,
		PollingInterval: pollInterval,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		files, err := q.ws.ListFiles(q.ws.FailedPath(), "")
		return err == nil && len(files) == 1
	}, waitFor, checkEvery, "unparseable file should be moved aside")
	assert.Zero(t, rec.count())
}

func TestSubscriptionStop_OnlyStopsItself(t *testing.T) {
	q := newTestQueue(t)
	recDev := &recorder{}
	recQA := &recorder{}

	subDev, err := q.Subscribe("development", recDev.handle, SubscribeOptions{
		AutoAcknowledge: true,
		PollingInterval: pollInterval,
	})
	require.NoError(t, err)
	_, err = q.Subscribe("qa", recQA.handle, SubscribeOptions{
		AutoAcknowledge: true,
		PollingInterval: pollInterval,
	})
	require.NoError(t, err)

	subDev.Stop()

	_, err = q.Publish(publishRequest())
	require.NoError(t, err)
	qaReq := publishRequest()
	qaReq.To = "qa"
	_, err = q.Publish(qaReq)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return recQA.count() == 1 }, waitFor, checkEvery,
		"the qa subscription keeps running")
	time.Sleep(5 * pollInterval)
	assert.Zero(t, recDev.count(), "stopped subscription must not consume")
}

// failCreateFs refuses file creation once armed. Reads, renames and
// already-open files keep working, which pins failures to the claim
// rewrite rather than the claim itself.
type failCreateFs struct {
	afero.Fs
	armed atomic.Bool
}

func (f *failCreateFs) OpenFile(name string, flag int, perm os.FileMode) (afero.File, error) {
	if f.armed.Load() && flag&os.O_CREATE != 0 {
		return nil, fmt.Errorf("open %s: no space left on device", name)
	}
	return f.Fs.OpenFile(name, flag, perm)
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestSubscribe_ClaimRewriteFailureIsLogged(t *testing.T) {
	fs := &failCreateFs{Fs: afero.NewMemMapFs()}
	root := "/" + filepath.Join("ws", t.Name())
	ws := workspace.NewManager(fs, root, testConfig().Workspace.Teams)
	var buf syncBuffer
	logger := logging.New(&buf, logging.LevelWarn, "queue")
	q := New(ws, nil, testConfig(), logger)
	require.NoError(t, q.Initialize())
	t.Cleanup(q.Stop)

	_, err := q.Publish(publishRequest())
	require.NoError(t, err)
	fs.armed.Store(true)

	rec := &recorder{}
	_, err = q.Subscribe("development", rec.handle, SubscribeOptions{
		PollingInterval: pollInterval,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return rec.count() == 1 }, waitFor, checkEvery,
		"a failed status rewrite must not block delivery")
	assert.Contains(t, buf.String(), "claim_rewrite",
		"the dropped rewrite has to leave a trace in the log")
}

// readDocFromDir finds and parses the document with the given ID in dir.
func readDocFromDir(t *testing.T, q *DocumentQueue, dir, taskID string) model.TaskDocument {
	t.Helper()
	files, err := q.ws.ListFiles(dir, "*.md")
	require.NoError(t, err)
	for _, f := range files {
		if document.ExtractTaskID(f.Name) != taskID {
			continue
		}
		data, err := q.ws.ReadFile(f.Path)
		require.NoError(t, err)
		doc, err := document.Parse(string(data))
		require.NoError(t, err)
		return doc
	}
	t.Fatalf("document %s not found in %s", taskID, dir)
	return model.TaskDocument{}
}
