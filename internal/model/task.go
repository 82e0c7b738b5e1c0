// Package model defines the data structures for postbox task documents,
// configuration, and queue statistics, plus the pure state-transition
// helpers operating on them. Nothing in this package performs I/O.
package model

import (
	"fmt"
	"time"
)

// TaskDependency is a value reference to another task that must reach a
// given status before the dependent task becomes eligible for dispatch.
// Status is a snapshot taken when the dependency was attached, not a live
// link; it is never refreshed automatically.
type TaskDependency struct {
	TaskID string `yaml:"task_id"`
	Type   string `yaml:"type"`
	Status Status `yaml:"status"`
}

// TaskMetadata is the structured header of a task document.
// Optional timestamps are pointers so that serialization can omit them.
type TaskMetadata struct {
	ID           string           `yaml:"id"`
	Title        string           `yaml:"title"`
	Type         string           `yaml:"type"`
	From         string           `yaml:"from"`
	To           string           `yaml:"to"`
	ToSubteam    string           `yaml:"to_subteam,omitempty"`
	Priority     Priority         `yaml:"priority"`
	Status       Status           `yaml:"status"`
	CreatedAt    string           `yaml:"created_at"`
	UpdatedAt    *string          `yaml:"updated_at,omitempty"`
	CompletedAt  *string          `yaml:"completed_at,omitempty"`
	Dependencies []TaskDependency `yaml:"dependencies,omitempty"`
	Files        []string         `yaml:"files,omitempty"`
	RetryCount   int              `yaml:"retry_count"`
	MaxRetries   int              `yaml:"max_retries"`
	Tags         []string         `yaml:"tags,omitempty"`
	ProjectID    *string          `yaml:"project_id,omitempty"`
}

// TaskDocument is the unit of work: structured metadata plus a free-form
// human-readable body.
type TaskDocument struct {
	Metadata TaskMetadata
	Content  string
}

// CreateTaskInput carries the caller-supplied fields for a new task document.
type CreateTaskInput struct {
	Title        string
	Type         string
	From         string
	To           string
	ToSubteam    string
	Priority     Priority
	Content      string
	Dependencies []TaskDependency
	Files        []string
	MaxRetries   int
	Tags         []string
	ProjectID    string
}

// DefaultMaxRetries applies when CreateTaskInput.MaxRetries is zero or negative.
const DefaultMaxRetries = 3

// CreateTask builds a new task document in status pending. The ID is
// assigned here exactly once and never changes afterwards.
func CreateTask(input CreateTaskInput) (TaskDocument, error) {
	if input.Title == "" {
		return TaskDocument{}, fmt.Errorf("create task: title is required")
	}
	if input.Type == "" {
		return TaskDocument{}, fmt.Errorf("create task: type is required")
	}
	if input.From == "" || input.To == "" {
		return TaskDocument{}, fmt.Errorf("create task: from and to teams are required")
	}

	priority := input.Priority
	if priority == "" {
		priority = PriorityMedium
	}
	if !ValidPriority(priority) {
		return TaskDocument{}, fmt.Errorf("create task: invalid priority %q", priority)
	}

	maxRetries := input.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}

	id, err := GenerateTaskID()
	if err != nil {
		return TaskDocument{}, fmt.Errorf("create task: %w", err)
	}

	meta := TaskMetadata{
		ID:           id,
		Title:        input.Title,
		Type:         input.Type,
		From:         input.From,
		To:           input.To,
		ToSubteam:    input.ToSubteam,
		Priority:     priority,
		Status:       StatusPending,
		CreatedAt:    time.Now().UTC().Format(time.RFC3339),
		Dependencies: input.Dependencies,
		Files:        input.Files,
		RetryCount:   0,
		MaxRetries:   maxRetries,
		Tags:         input.Tags,
	}
	if input.ProjectID != "" {
		projectID := input.ProjectID
		meta.ProjectID = &projectID
	}

	return TaskDocument{Metadata: meta, Content: input.Content}, nil
}

// UpdateTaskStatus returns a copy of task with the status set, updated_at
// refreshed, and completed_at set iff the new status is terminal.
func UpdateTaskStatus(task TaskDocument, status Status) TaskDocument {
	now := time.Now().UTC().Format(time.RFC3339)
	task.Metadata.Status = status
	task.Metadata.UpdatedAt = &now
	if IsTerminal(status) {
		task.Metadata.CompletedAt = &now
	} else {
		task.Metadata.CompletedAt = nil
	}
	return task
}

// HasUnmetDependencies reports whether any dependency's snapshotted status
// is not completed.
func HasUnmetDependencies(task TaskDocument) bool {
	for _, dep := range task.Metadata.Dependencies {
		if dep.Status != StatusCompleted {
			return true
		}
	}
	return false
}

// CanRetry reports whether the task has retry budget left.
func CanRetry(task TaskDocument) bool {
	return task.Metadata.RetryCount < task.Metadata.MaxRetries
}

// IncrementRetry returns a copy of task with the retry count incremented
// and updated_at refreshed.
func IncrementRetry(task TaskDocument) TaskDocument {
	now := time.Now().UTC().Format(time.RFC3339)
	task.Metadata.RetryCount++
	task.Metadata.UpdatedAt = &now
	return task
}
