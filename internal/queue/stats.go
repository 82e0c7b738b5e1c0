package queue

import (
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"postbox/internal/document"
	"postbox/internal/model"
)

// Stats is a live snapshot of queue depths, recomputed from directory
// listings on every call so concurrent writers can never leave it stale.
type Stats struct {
	Pending       int            `json:"pending" yaml:"pending"`
	PendingByTeam map[string]int `json:"pending_by_team" yaml:"pending_by_team"`
	InProgress    int            `json:"in_progress" yaml:"in_progress"`
	Completed     int            `json:"completed" yaml:"completed"`
	Failed        int            `json:"failed" yaml:"failed"`
}

// GetStats re-lists the workspace and returns current counts. Completed
// covers both the outbox and the archive.
func (q *DocumentQueue) GetStats() (Stats, error) {
	ws, err := q.ws.GetStats()
	if err != nil {
		return Stats{}, fmt.Errorf("queue stats: %w", err)
	}
	return Stats{
		Pending:       ws.InboxTotal,
		PendingByTeam: ws.InboxByTeam,
		InProgress:    ws.InProgress,
		Completed:     ws.Outbox + ws.Archive,
		Failed:        ws.Failed,
	}, nil
}

// TaskFilter selects documents for GetTasks. Empty fields match everything.
type TaskFilter struct {
	Priorities []model.Priority
	Statuses   []model.Status
	Team       string
}

func (f TaskFilter) matches(task model.TaskDocument) bool {
	if f.Team != "" && task.Metadata.To != f.Team {
		return false
	}
	if len(f.Priorities) > 0 && !containsPriority(f.Priorities, task.Metadata.Priority) {
		return false
	}
	if len(f.Statuses) > 0 && !containsStatus(f.Statuses, task.Metadata.Status) {
		return false
	}
	return true
}

// GetTasks reads and parses matching documents across every queue
// directory, scanning directories concurrently. Files that fail to parse
// are skipped; introspection must not break on one corrupt document.
func (q *DocumentQueue) GetTasks(filter TaskFilter) ([]model.TaskDocument, error) {
	dirs, err := q.scanDirs()
	if err != nil {
		return nil, err
	}

	var mu sync.Mutex
	var tasks []model.TaskDocument

	var g errgroup.Group
	for _, dir := range dirs {
		dir := dir
		g.Go(func() error {
			files, err := q.ws.ListFiles(dir, "*"+document.Extension)
			if err != nil {
				return fmt.Errorf("scan %s: %w", dir, err)
			}
			for _, f := range files {
				data, err := q.ws.ReadFile(f.Path)
				if err != nil {
					continue
				}
				task, err := document.Parse(string(data))
				if err != nil {
					continue
				}
				if !filter.matches(task) {
					continue
				}
				mu.Lock()
				tasks = append(tasks, task)
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(tasks, func(i, j int) bool {
		a, b := tasks[i].Metadata, tasks[j].Metadata
		if a.CreatedAt == b.CreatedAt {
			return a.ID < b.ID
		}
		return a.CreatedAt < b.CreatedAt
	})
	return tasks, nil
}

// scanDirs enumerates every directory that can hold task documents:
// each team inbox (with subteams), in-progress, outbox, failed, archive.
func (q *DocumentQueue) scanDirs() ([]string, error) {
	inboxes, err := q.ws.InboxDirs()
	if err != nil {
		return nil, fmt.Errorf("enumerate inboxes: %w", err)
	}
	return append(inboxes,
		q.ws.InProgressPath(),
		q.ws.OutboxPath(),
		q.ws.FailedPath(),
		q.ws.ArchivePath(),
	), nil
}

func containsPriority(list []model.Priority, p model.Priority) bool {
	for _, v := range list {
		if v == p {
			return true
		}
	}
	return false
}

func containsStatus(list []model.Status, s model.Status) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
