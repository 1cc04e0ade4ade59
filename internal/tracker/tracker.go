// Package tracker owns the task lifecycle state machine. Every transition
// is compare-and-appended to the ledger with the version the caller
// observed; an illegal transition is rejected before it ever reaches the
// ledger, and a stale version is rejected by the ledger itself.
package tracker

import (
	"fmt"
	"time"

	"github.com/loomworks/loom/internal/ledger"
	"github.com/loomworks/loom/pkg/models"
)

// IllegalTransitionError rejects a transition the state machine does not
// permit. This is a caller bug: it is reported, never coerced into a
// legal transition.
type IllegalTransitionError struct {
	TaskID string
	From   models.TaskStatus
	To     models.TaskStatus
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal transition for task %s: %s -> %s", e.TaskID, e.From, e.To)
}

// legalTransitions is the closed transition table. failed -> pending is
// additionally gated by the retry ceiling; failed -> failed is the
// explicit terminal escalation once retries are exhausted.
var legalTransitions = map[models.TaskStatus]map[models.TaskStatus]struct{}{
	models.TaskStatusPending: {
		models.TaskStatusInProgress: {},
	},
	models.TaskStatusInProgress: {
		models.TaskStatusDone:   {},
		models.TaskStatusFailed: {},
	},
	models.TaskStatusFailed: {
		models.TaskStatusPending: {},
		models.TaskStatusFailed:  {},
	},
}

// Payload carries worker-reported metadata along with a transition.
type Payload struct {
	// Evidence is opaque free text from the worker (test counts etc.).
	Evidence string
	// CommitRef is optional version-control metadata, never interpreted.
	CommitRef string
	// Error is the failure message for failed transitions.
	Error string
}

// Result describes a committed transition.
type Result struct {
	// NewVersion is the task's version after the transition.
	NewVersion int64
	// Task is the task state as written.
	Task *models.Task
	// Terminal is true when the task can make no further progress.
	Terminal bool
	// Escalated is true for the terminal failed -> failed transition,
	// which must be surfaced to the owning epic.
	Escalated bool
}

// Tracker drives task transitions against the ledger.
type Tracker struct {
	store      *ledger.Store
	maxRetries int
	retryBase  time.Duration
	retryMax   time.Duration
	debugLog   func(format string, args ...interface{})
}

// Options configures a Tracker.
type Options struct {
	// MaxRetries is the number of failed -> pending retransitions allowed
	// before a failure becomes terminal.
	MaxRetries int
	// RetryBase and RetryMax bound the exponential retry backoff.
	RetryBase time.Duration
	RetryMax  time.Duration
}

// New creates a Tracker over the given ledger store.
func New(store *ledger.Store, opts Options) *Tracker {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 2
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = time.Second
	}
	if opts.RetryMax <= 0 {
		opts.RetryMax = 30 * time.Second
	}
	return &Tracker{
		store:      store,
		maxRetries: opts.MaxRetries,
		retryBase:  opts.RetryBase,
		retryMax:   opts.RetryMax,
		debugLog:   func(format string, args ...interface{}) {},
	}
}

// SetDebugLog sets the debug logging function.
func (t *Tracker) SetDebugLog(fn func(format string, args ...interface{})) {
	if fn != nil {
		t.debugLog = fn
	}
}

// MaxRetries returns the configured retry ceiling.
func (t *Tracker) MaxRetries() int {
	return t.maxRetries
}

// Transition moves a task to newStatus, presenting the version the caller
// observed. Exactly one of two racing callers with the same version wins;
// the loser receives *ledger.VersionConflictError and must re-read.
func (t *Tracker) Transition(feature, taskID string, expectedVersion int64, newStatus models.TaskStatus, p Payload) (*Result, error) {
	if !newStatus.Valid() {
		return nil, fmt.Errorf("transition: unknown task status %q", newStatus)
	}

	task, version, err := t.store.GetTask(feature, taskID)
	if err != nil {
		return nil, fmt.Errorf("read task %s: %w", taskID, err)
	}

	// A stale observation is a conflict even before legality: the caller's
	// decision was computed against a state that no longer exists.
	if version != expectedVersion {
		return nil, &ledger.VersionConflictError{
			EntityKind: models.EntityTask,
			EntityID:   taskID,
			Expected:   expectedVersion,
			Actual:     version,
		}
	}

	if _, ok := legalTransitions[task.Status][newStatus]; !ok {
		return nil, &IllegalTransitionError{TaskID: taskID, From: task.Status, To: newStatus}
	}

	escalated := false
	now := time.Now().UTC()
	switch {
	case task.Status == models.TaskStatusFailed && newStatus == models.TaskStatusPending:
		if task.AttemptCount >= t.maxRetries {
			return nil, &IllegalTransitionError{TaskID: taskID, From: task.Status, To: newStatus}
		}
		task.AttemptCount++
		task.Error = ""
		task.StartedAt = nil
		t.debugLog("[tracker] task %s requeued, attempt %d/%d", taskID, task.AttemptCount, t.maxRetries)

	case task.Status == models.TaskStatusFailed && newStatus == models.TaskStatusFailed:
		// Terminal escalation: appended so the epic's failure is ledgered,
		// never silently dropped.
		if task.AttemptCount < t.maxRetries {
			return nil, &IllegalTransitionError{TaskID: taskID, From: task.Status, To: newStatus}
		}
		escalated = true
		t.debugLog("[tracker] task %s terminally failed after %d attempts", taskID, task.AttemptCount)

	case newStatus == models.TaskStatusInProgress:
		task.StartedAt = &now

	case newStatus == models.TaskStatusDone:
		task.CompletedAt = &now
		task.Evidence = p.Evidence
		task.CommitRef = p.CommitRef

	case newStatus == models.TaskStatusFailed:
		task.Error = p.Error
		if p.Evidence != "" {
			task.Evidence = p.Evidence
		}
	}
	task.Status = newStatus

	newVersion, err := t.store.PutTask(task, expectedVersion)
	if err != nil {
		return nil, err
	}

	return &Result{
		NewVersion: newVersion,
		Task:       task,
		Terminal:   newStatus.Terminal(task.AttemptCount, t.maxRetries),
		Escalated:  escalated,
	}, nil
}

// MaybeRetry requeues a failed task if it has retries left, returning nil
// when the failure is terminal. The caller supplies the version it
// observed, exactly like any other transition.
func (t *Tracker) MaybeRetry(feature, taskID string, expectedVersion int64) (*Result, error) {
	task, version, err := t.store.GetTask(feature, taskID)
	if err != nil {
		return nil, fmt.Errorf("read task %s: %w", taskID, err)
	}
	if version != expectedVersion || task.Status != models.TaskStatusFailed {
		return nil, nil
	}
	if task.AttemptCount >= t.maxRetries {
		return nil, nil
	}
	return t.Transition(feature, taskID, expectedVersion, models.TaskStatusPending, Payload{})
}

// RetryBackoff returns the delay before the given retry attempt,
// exponential from the base and capped at the maximum.
func (t *Tracker) RetryBackoff(attempt int) time.Duration {
	d := t.retryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= t.retryMax {
			return t.retryMax
		}
	}
	if d > t.retryMax {
		return t.retryMax
	}
	return d
}
