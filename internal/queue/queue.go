// Package queue implements publish/subscribe task delivery on top of the
// workspace manager and the document codec. FIFO offering, single-claimer
// delivery, dependency gating and bounded retry are all derived from
// directory listings and atomic renames; the filesystem is the only
// durable state.
package queue

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"postbox/internal/document"
	"postbox/internal/events"
	"postbox/internal/logging"
	"postbox/internal/model"
	"postbox/internal/workspace"
)

// ErrTaskNotFound is returned by Acknowledge and Fail when no in-progress
// document carries the given task ID.
var ErrTaskNotFound = errors.New("task not found in in-progress")

// PublishRequest carries the fields for a new task document.
type PublishRequest struct {
	Title        string
	Type         string
	From         string
	To           string
	ToSubteam    string
	Priority     model.Priority
	Content      string
	Dependencies []model.TaskDependency
	Files        []string
	MaxRetries   int
	Tags         []string
	ProjectID    string
}

// DocumentQueue is one queue instance over a workspace. It owns the
// subscriptions it creates; Stop cancels exactly those, never global
// state, so several instances can coexist in a process.
type DocumentQueue struct {
	ws     *workspace.Manager
	bus    *events.Bus
	config model.Config
	logger *logging.Logger

	mu   sync.Mutex
	subs map[string]*Subscription
}

// New creates a DocumentQueue. bus may be nil, in which case a private
// bus is created.
func New(ws *workspace.Manager, bus *events.Bus, cfg model.Config, logger *logging.Logger) *DocumentQueue {
	cfg.ApplyDefaults()
	if bus == nil {
		bus = events.NewBus(cfg.Queue.EventBufferSize)
	}
	return &DocumentQueue{
		ws:     ws,
		bus:    bus,
		config: cfg,
		logger: logger,
		subs:   make(map[string]*Subscription),
	}
}

// Bus exposes the event bus so collaborators can observe queue events.
func (q *DocumentQueue) Bus() *events.Bus {
	return q.bus
}

// Initialize makes sure the workspace tree exists.
func (q *DocumentQueue) Initialize() error {
	if err := q.ws.Initialize(); err != nil {
		return fmt.Errorf("initialize queue workspace: %w", err)
	}
	return nil
}

// Publish builds a task document from the request, writes it into the
// destination team's inbox under its deterministic filename, and emits
// task:published. The ID embedded in the filename makes concurrent
// publishers safe without coordination.
func (q *DocumentQueue) Publish(req PublishRequest) (model.TaskDocument, error) {
	if err := q.ws.EnsureInitialized(q.config.Workspace.AutoInit); err != nil {
		return model.TaskDocument{}, fmt.Errorf("publish: %w", err)
	}

	maxRetries := req.MaxRetries
	if maxRetries <= 0 {
		maxRetries = q.config.Queue.MaxRetries
	}

	task, err := model.CreateTask(model.CreateTaskInput{
		Title:        req.Title,
		Type:         req.Type,
		From:         req.From,
		To:           req.To,
		ToSubteam:    req.ToSubteam,
		Priority:     req.Priority,
		Content:      req.Content,
		Dependencies: req.Dependencies,
		Files:        req.Files,
		MaxRetries:   maxRetries,
		Tags:         req.Tags,
		ProjectID:    req.ProjectID,
	})
	if err != nil {
		return model.TaskDocument{}, fmt.Errorf("publish: %w", err)
	}

	text, err := document.Serialize(task)
	if err != nil {
		return model.TaskDocument{}, fmt.Errorf("publish: %w", err)
	}

	inbox := q.ws.InboxPath(task.Metadata.To, task.Metadata.ToSubteam)
	dest := filepath.Join(inbox, document.Filename(task))
	if err := q.ws.WriteFile(dest, []byte(text)); err != nil {
		return model.TaskDocument{}, fmt.Errorf("publish %s: %w", task.Metadata.ID, err)
	}

	q.logger.Infof("published id=%s to=%s priority=%s", task.Metadata.ID, task.Metadata.To, task.Metadata.Priority)
	q.bus.Publish(events.TaskPublished, task.Metadata.ID, task.Metadata.To, map[string]string{
		"title": task.Metadata.Title,
		"type":  task.Metadata.Type,
	})
	return task, nil
}

// Acknowledge completes a task claimed by a subscription created with
// AutoAcknowledge disabled: the document moves to the outbox with status
// completed.
func (q *DocumentQueue) Acknowledge(taskID string) error {
	task, path, err := q.findInProgress(taskID)
	if err != nil {
		return err
	}
	return q.complete(task, path)
}

// Fail records a handler failure for a manually acknowledged task: the
// document either returns to its origin inbox with an incremented retry
// count or, with the budget exhausted, moves to failed.
func (q *DocumentQueue) Fail(taskID string, cause error) error {
	task, path, err := q.findInProgress(taskID)
	if err != nil {
		return err
	}
	return q.handleFailure(task, path, cause)
}

// ArchiveCompleted moves outbox documents older than maxAge into the
// archive directory and returns the number moved.
func (q *DocumentQueue) ArchiveCompleted(maxAge time.Duration) (int, error) {
	files, err := q.ws.ListFiles(q.ws.OutboxPath(), "*"+document.Extension)
	if err != nil {
		return 0, fmt.Errorf("archive completed: %w", err)
	}

	cutoff := time.Now().Add(-maxAge)
	moved := 0
	for _, f := range files {
		if f.ModifiedAt.After(cutoff) {
			continue
		}
		if _, err := q.ws.MoveFile(f.Path, q.ws.ArchivePath()); err != nil {
			return moved, fmt.Errorf("archive completed: %w", err)
		}
		moved++
	}
	if moved > 0 {
		q.logger.Infof("archived count=%d", moved)
	}
	return moved, nil
}

// Stop cancels every polling loop owned by this instance and waits for
// in-flight ticks to finish. It is idempotent.
func (q *DocumentQueue) Stop() {
	q.mu.Lock()
	subs := make([]*Subscription, 0, len(q.subs))
	for _, s := range q.subs {
		subs = append(subs, s)
	}
	q.subs = make(map[string]*Subscription)
	q.mu.Unlock()

	for _, s := range subs {
		s.stop()
	}
}

// complete finalizes a document: terminal status completed, atomic
// rewrite, rename into the outbox.
func (q *DocumentQueue) complete(task model.TaskDocument, path string) error {
	task = model.UpdateTaskStatus(task, model.StatusCompleted)
	if err := q.rewriteAndMove(task, path, q.ws.OutboxPath()); err != nil {
		return fmt.Errorf("complete %s: %w", task.Metadata.ID, err)
	}
	q.logger.Infof("completed id=%s team=%s", task.Metadata.ID, task.Metadata.To)
	q.bus.Publish(events.TaskCompleted, task.Metadata.ID, task.Metadata.To, nil)
	return nil
}

// handleFailure routes a failed invocation into the retry or failed branch.
func (q *DocumentQueue) handleFailure(task model.TaskDocument, path string, cause error) error {
	detail := map[string]string{}
	if cause != nil {
		detail["error"] = cause.Error()
	}

	if model.CanRetry(task) {
		task = model.IncrementRetry(task)
		task = model.UpdateTaskStatus(task, model.StatusPending)
		inbox := q.ws.InboxPath(task.Metadata.To, task.Metadata.ToSubteam)
		if err := q.rewriteAndMove(task, path, inbox); err != nil {
			return fmt.Errorf("retry %s: %w", task.Metadata.ID, err)
		}
		q.logger.Warnf("retried id=%s attempt=%d/%d error=%v",
			task.Metadata.ID, task.Metadata.RetryCount, task.Metadata.MaxRetries, cause)
		q.bus.Publish(events.TaskRetried, task.Metadata.ID, task.Metadata.To, detail)
		return nil
	}

	task = model.UpdateTaskStatus(task, model.StatusFailed)
	if err := q.rewriteAndMove(task, path, q.ws.FailedPath()); err != nil {
		return fmt.Errorf("fail %s: %w", task.Metadata.ID, err)
	}
	q.logger.Errorf("failed id=%s retries=%d error=%v", task.Metadata.ID, task.Metadata.RetryCount, cause)
	q.bus.Publish(events.TaskFailed, task.Metadata.ID, task.Metadata.To, detail)
	return nil
}

// rewriteAndMove serializes the updated document over its current file,
// then renames it into destDir. The rename is the observable transition:
// the document is always wholly in one directory.
func (q *DocumentQueue) rewriteAndMove(task model.TaskDocument, path, destDir string) error {
	text, err := document.Serialize(task)
	if err != nil {
		return err
	}
	if err := q.ws.WriteFile(path, []byte(text)); err != nil {
		return err
	}
	if _, err := q.ws.MoveFile(path, destDir); err != nil {
		return err
	}
	return nil
}

// findInProgress locates the in-progress document carrying taskID.
func (q *DocumentQueue) findInProgress(taskID string) (model.TaskDocument, string, error) {
	files, err := q.ws.ListFiles(q.ws.InProgressPath(), "*"+document.Extension)
	if err != nil {
		return model.TaskDocument{}, "", fmt.Errorf("scan in-progress: %w", err)
	}
	for _, f := range files {
		if document.ExtractTaskID(f.Name) != taskID {
			continue
		}
		data, err := q.ws.ReadFile(f.Path)
		if err != nil {
			return model.TaskDocument{}, "", fmt.Errorf("read %s: %w", f.Path, err)
		}
		task, err := document.Parse(string(data))
		if err != nil {
			return model.TaskDocument{}, "", fmt.Errorf("parse %s: %w", f.Path, err)
		}
		return task, f.Path, nil
	}
	return model.TaskDocument{}, "", fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
}
