package model

import (
	"testing"
)

func validInput() CreateTaskInput {
	return CreateTaskInput{
		Title: "Implement login",
		Type:  "feature",
		From:  "planning",
		To:    "development",
	}
}

func TestCreateTask_Defaults(t *testing.T) {
	task, err := CreateTask(validInput())
	if err != nil {
		t.Fatalf("CreateTask returned error: %v", err)
	}

	meta := task.Metadata
	if !ValidateTaskID(meta.ID) {
		t.Errorf("ID %q does not match format", meta.ID)
	}
	if meta.Priority != PriorityMedium {
		t.Errorf("priority: got %q, want %q", meta.Priority, PriorityMedium)
	}
	if meta.Status != StatusPending {
		t.Errorf("status: got %q, want %q", meta.Status, StatusPending)
	}
	if meta.RetryCount != 0 {
		t.Errorf("retry_count: got %d, want 0", meta.RetryCount)
	}
	if meta.MaxRetries != DefaultMaxRetries {
		t.Errorf("max_retries: got %d, want %d", meta.MaxRetries, DefaultMaxRetries)
	}
	if meta.CreatedAt == "" {
		t.Error("created_at not stamped")
	}
	if meta.CompletedAt != nil {
		t.Error("completed_at set on a pending task")
	}
}

func TestCreateTask_RequiredFields(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*CreateTaskInput)
	}{
		{"missing title", func(in *CreateTaskInput) { in.Title = "" }},
		{"missing type", func(in *CreateTaskInput) { in.Type = "" }},
		{"missing from", func(in *CreateTaskInput) { in.From = "" }},
		{"missing to", func(in *CreateTaskInput) { in.To = "" }},
		{"bad priority", func(in *CreateTaskInput) { in.Priority = "urgent" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := validInput()
			tt.mutate(&in)
			if _, err := CreateTask(in); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func TestUpdateTaskStatus_Terminal(t *testing.T) {
	task, err := CreateTask(validInput())
	if err != nil {
		t.Fatalf("CreateTask returned error: %v", err)
	}

	updated := UpdateTaskStatus(task, StatusCompleted)
	if updated.Metadata.Status != StatusCompleted {
		t.Errorf("status: got %q, want %q", updated.Metadata.Status, StatusCompleted)
	}
	if updated.Metadata.UpdatedAt == nil {
		t.Error("updated_at not refreshed")
	}
	if updated.Metadata.CompletedAt == nil {
		t.Error("completed_at not set on terminal status")
	}

	// The input document must not be mutated.
	if task.Metadata.Status != StatusPending {
		t.Errorf("original mutated: status %q", task.Metadata.Status)
	}
}

func TestUpdateTaskStatus_NonTerminalClearsCompletedAt(t *testing.T) {
	task, err := CreateTask(validInput())
	if err != nil {
		t.Fatalf("CreateTask returned error: %v", err)
	}

	done := UpdateTaskStatus(task, StatusCompleted)
	back := UpdateTaskStatus(done, StatusPending)
	if back.Metadata.CompletedAt != nil {
		t.Error("completed_at should be cleared on non-terminal status")
	}
}

func TestHasUnmetDependencies(t *testing.T) {
	in := validInput()
	in.Dependencies = []TaskDependency{
		{TaskID: "task_1771722000_a3f2b7c1", Type: DependencyTypeBlockedBy, Status: StatusCompleted},
	}
	task, err := CreateTask(in)
	if err != nil {
		t.Fatalf("CreateTask returned error: %v", err)
	}
	if HasUnmetDependencies(task) {
		t.Error("all dependencies completed, expected no unmet dependencies")
	}

	task.Metadata.Dependencies = append(task.Metadata.Dependencies, TaskDependency{
		TaskID: "task_1771722060_b7c1d4e9",
		Type:   DependencyTypeBlockedBy,
		Status: StatusPending,
	})
	if !HasUnmetDependencies(task) {
		t.Error("pending dependency should be unmet")
	}
}

func TestCanRetry_And_IncrementRetry(t *testing.T) {
	in := validInput()
	in.MaxRetries = 2
	task, err := CreateTask(in)
	if err != nil {
		t.Fatalf("CreateTask returned error: %v", err)
	}

	if !CanRetry(task) {
		t.Error("fresh task should be retryable")
	}

	task = IncrementRetry(task)
	task = IncrementRetry(task)
	if task.Metadata.RetryCount != 2 {
		t.Errorf("retry_count: got %d, want 2", task.Metadata.RetryCount)
	}
	if CanRetry(task) {
		t.Error("exhausted task should not be retryable")
	}
}

func TestStatusTransitions(t *testing.T) {
	tests := []struct {
		from, to Status
		allowed  bool
	}{
		{StatusPending, StatusInProgress, true},
		{StatusInProgress, StatusCompleted, true},
		{StatusInProgress, StatusFailed, true},
		{StatusInProgress, StatusPending, true},
		{StatusPending, StatusCompleted, false},
		{StatusCompleted, StatusPending, false},
		{StatusFailed, StatusInProgress, false},
	}

	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.allowed {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.allowed)
		}
	}
}
