package model

// Task status
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusProcessing TaskStatus = "processing"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
)

var ValidTaskStatuses = []TaskStatus{
	TaskStatusPending, TaskStatusProcessing, TaskStatusCompleted, TaskStatusFailed,
}

// IsValid reports whether s is a known status value.
func (s TaskStatus) IsValid() bool {
	switch s {
	case TaskStatusPending, TaskStatusProcessing, TaskStatusCompleted, TaskStatusFailed:
		return true
	}
	return false
}

// Terminal reports whether a task in this status has finished its current attempt.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// CanTransitionTo encodes the task state machine:
// pending → processing → completed, pending/processing → failed,
// failed → pending (retry). Nothing leaves completed.
func (s TaskStatus) CanTransitionTo(next TaskStatus) bool {
	switch s {
	case TaskStatusPending:
		return next == TaskStatusProcessing || next == TaskStatusFailed
	case TaskStatusProcessing:
		return next == TaskStatusCompleted || next == TaskStatusFailed
	case TaskStatusFailed:
		return next == TaskStatusPending
	case TaskStatusCompleted:
		return false
	}
	return false
}

// Provider-side job status values as reported by the generation API.
type ProviderStatus string

const (
	ProviderStatusQueued     ProviderStatus = "queued"
	ProviderStatusProcessing ProviderStatus = "processing"
	ProviderStatusCompleted  ProviderStatus = "completed"
	ProviderStatusFailed     ProviderStatus = "failed"
)
