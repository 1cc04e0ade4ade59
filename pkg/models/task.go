package models

import "time"

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	// TaskStatusPending indicates the task has not started.
	TaskStatusPending TaskStatus = "pending"
	// TaskStatusInProgress indicates a worker holds the task.
	TaskStatusInProgress TaskStatus = "in_progress"
	// TaskStatusDone indicates the task completed successfully.
	TaskStatusDone TaskStatus = "done"
	// TaskStatusFailed indicates the task failed. Failed tasks retry
	// until the attempt ceiling, then become terminal.
	TaskStatusFailed TaskStatus = "failed"
)

// Valid returns true if the status is a known value.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusInProgress, TaskStatusDone, TaskStatusFailed:
		return true
	default:
		return false
	}
}

// Terminal returns true if no further transitions are expected from this
// status given the attempt count and retry ceiling.
func (s TaskStatus) Terminal(attempts, maxRetries int) bool {
	switch s {
	case TaskStatusDone:
		return true
	case TaskStatusFailed:
		return attempts >= maxRetries
	default:
		return false
	}
}

// Task is the smallest unit of assignable work within an epic.
//
// The task's optimistic-concurrency version is not stored on the struct;
// it travels alongside snapshots from the ledger and must be presented on
// every transition.
type Task struct {
	// ID is the unique identifier for this task.
	ID string `json:"id"`
	// EpicID is the epic this task belongs to.
	EpicID string `json:"epic_id"`
	// FeatureSlug scopes the task's ledger entries.
	FeatureSlug string `json:"feature_slug"`
	// Description is what the worker is asked to do.
	Description string `json:"description"`
	// Status is the current state of the task.
	Status TaskStatus `json:"status"`
	// Worker is the specialist worker kind required for this task.
	Worker WorkerKind `json:"worker"`
	// Priority orders assignment within a dependency level. Lower runs first.
	Priority int `json:"priority"`
	// DeclOrder is the task's position in the declaration file, used as the
	// deterministic tie-break after priority.
	DeclOrder int `json:"decl_order"`
	// AttemptCount is the number of times this task has been started.
	AttemptCount int `json:"attempt_count"`
	// Evidence is opaque free text reported by the worker (test counts etc.).
	Evidence string `json:"evidence,omitempty"`
	// CommitRef is optional version-control metadata, never interpreted.
	CommitRef string `json:"commit_ref,omitempty"`
	// Error contains the failure message if the task failed.
	Error string `json:"error,omitempty"`
	// StartedAt is when the current attempt began, if in progress.
	StartedAt *time.Time `json:"started_at,omitempty"`
	// CompletedAt is when the task finished, if done.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	// CreatedAt is when the task was created.
	CreatedAt time.Time `json:"created_at"`
}
