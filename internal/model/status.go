package model

// Status represents the lifecycle state of a task document.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

var terminalStatuses = map[Status]bool{
	StatusCompleted: true,
	StatusFailed:    true,
}

// Task status transitions: pending ↔ in_progress → terminal.
// in_progress → pending occurs when a failed handler invocation leaves
// retry budget (the document returns to its origin inbox).
var validStatusTransitions = map[Status]map[Status]bool{
	StatusPending: {
		StatusInProgress: true,
	},
	StatusInProgress: {
		StatusPending:   true, // retryable failure → back to pending
		StatusCompleted: true,
		StatusFailed:    true,
	},
}

// IsTerminal reports whether the status is a terminal state.
func IsTerminal(s Status) bool {
	return terminalStatuses[s]
}

// ValidStatus reports whether s is a known task status.
func ValidStatus(s Status) bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// CanTransition reports whether a document may move from one status to another.
func CanTransition(from, to Status) bool {
	return validStatusTransitions[from][to]
}

// Priority represents the urgency bucket of a task document.
// The bucket is embedded in the document filename so that a lexically
// sorted listing groups same-priority tasks together.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// ValidPriority reports whether p is a known priority bucket.
func ValidPriority(p Priority) bool {
	switch p {
	case PriorityHigh, PriorityMedium, PriorityLow:
		return true
	}
	return false
}

// DependencyTypeBlockedBy is the only dependency type currently defined.
const DependencyTypeBlockedBy = "blocked_by"
