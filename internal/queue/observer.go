package queue

import (
	"os"
	"path/filepath"
	"strings"

	"postbox/internal/document"
	"postbox/internal/events"
	"postbox/internal/model"
	"postbox/internal/workspace"
)

// ObserveFile classifies a document transition seen on disk and emits the
// matching event on the bus. It is how a process that runs no
// subscriptions of its own, like the watch daemon, journals activity
// performed by other processes: the directory a document lands in plus
// its recorded status identify the transition, because every move is an
// atomic rename of a fully-written file.
//
// Files that carry no task ID, cannot be read or parsed, or sit in a
// directory/status combination that is not a committed transition (for
// example a freshly claimed document still reading pending) emit nothing.
func (q *DocumentQueue) ObserveFile(path string) (events.Type, bool) {
	if document.ExtractTaskID(filepath.Base(path)) == "" {
		return "", false
	}

	data, err := q.ws.ReadFile(path)
	if err != nil {
		return "", false
	}
	task, err := document.Parse(string(data))
	if err != nil {
		return "", false
	}
	meta := task.Metadata

	dir := filepath.Dir(path)
	var eventType events.Type
	var detail map[string]string
	switch {
	case dir == q.ws.InProgressPath():
		// The claim rename lands the file here still reading pending;
		// only the in_progress rewrite marks the handler start.
		if meta.Status != model.StatusInProgress {
			return "", false
		}
		eventType = events.TaskStarted
	case dir == q.ws.OutboxPath():
		if meta.Status != model.StatusCompleted {
			return "", false
		}
		eventType = events.TaskCompleted
	case dir == q.ws.FailedPath():
		if meta.Status != model.StatusFailed {
			return "", false
		}
		eventType = events.TaskFailed
	case strings.HasPrefix(dir, q.ws.Path(workspace.DirInbox)+string(os.PathSeparator)):
		if meta.Status != model.StatusPending {
			return "", false
		}
		if meta.RetryCount > 0 {
			eventType = events.TaskRetried
		} else {
			eventType = events.TaskPublished
			detail = map[string]string{
				"title": meta.Title,
				"type":  meta.Type,
			}
		}
	default:
		return "", false
	}

	q.bus.Publish(eventType, meta.ID, meta.To, detail)
	return eventType, true
}
