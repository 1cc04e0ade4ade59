package orchestrator

import (
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// EventType represents the type of orchestrator event.
type EventType string

const (
	// EventTaskAssigned indicates a task was claimed for a worker.
	EventTaskAssigned EventType = "task_assigned"
	// EventTaskCompleted indicates a task completed successfully.
	EventTaskCompleted EventType = "task_completed"
	// EventTaskFailed indicates a task attempt failed.
	EventTaskFailed EventType = "task_failed"
	// EventTaskRetried indicates a failed task was queued for another attempt.
	EventTaskRetried EventType = "task_retried"
	// EventTaskEscalated indicates a task exhausted its retries.
	EventTaskEscalated EventType = "task_escalated"
	// EventEpicCompleted indicates every task of an epic is done and its
	// contracts verified.
	EventEpicCompleted EventType = "epic_completed"
	// EventEpicFailed indicates an epic failed terminally.
	EventEpicFailed EventType = "epic_failed"
	// EventEpicBlocked indicates an epic was permanently blocked behind a
	// failed dependency.
	EventEpicBlocked EventType = "epic_blocked"
	// EventContractViolation indicates a consumer expectation no longer
	// matches a declared contract.
	EventContractViolation EventType = "contract_violation"
	// EventPhaseAdvanced indicates the feature moved to its next phase.
	EventPhaseAdvanced EventType = "phase_advanced"
	// EventPhaseBlocked indicates a gate verdict failed.
	EventPhaseBlocked EventType = "phase_blocked"
	// EventFeatureArchived indicates the feature's terminal phase passed.
	EventFeatureArchived EventType = "feature_archived"
)

// Event represents an event emitted by the orchestrator. Subscribers
// use these to observe transitions without polling the ledger.
type Event struct {
	// Type is the kind of event.
	Type EventType
	// FeatureSlug is the feature the event belongs to.
	FeatureSlug string
	// TaskID is the ID of the related task, if applicable.
	TaskID string
	// EpicID is the ID of the related epic, if applicable.
	EpicID string
	// ContractID is the ID of the related contract, if applicable.
	ContractID string
	// Message provides additional context about the event.
	Message string
	// Error contains error details for failure events.
	Error error
	// Timestamp is when the event occurred.
	Timestamp time.Time
}

// EventEmitter handles event emission for the orchestrator.
// It provides a simple, thread-safe way to emit events to subscribers.
type EventEmitter struct {
	events       chan Event
	droppedCount atomic.Uint64

	mu     sync.RWMutex
	closed bool
}

// NewEventEmitter creates a new EventEmitter with the given buffer size.
func NewEventEmitter(bufferSize int) *EventEmitter {
	return &EventEmitter{
		events: make(chan Event, bufferSize),
	}
}

// Emit sends an event to the events channel.
// If the channel is full, it tries with a timeout before dropping the event.
// Emitting after Close is a no-op, not a panic: a result report racing
// shutdown just loses its event.
func (e *EventEmitter) Emit(event Event) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return
	}

	// Try immediate send first
	select {
	case e.events <- event:
		return
	default:
		// Channel full, try with timeout
	}

	// Try with 100ms timeout to give the receiver a chance to drain
	select {
	case e.events <- event:
		return
	case <-time.After(100 * time.Millisecond):
		// Timeout expired, drop the event
		count := e.droppedCount.Add(1)
		if count%10 == 1 { // Log every 10th drop to avoid spam
			log.Printf("[orchestrator] WARNING: Event channel full, dropped event (total dropped: %d): type=%s", count, event.Type)
		}
	}
}

// DroppedCount returns the total number of events that have been dropped.
func (e *EventEmitter) DroppedCount() uint64 {
	return e.droppedCount.Load()
}

// Events returns a read-only channel of events.
// This is used by subscribers (e.g., the status CLI) to receive updates.
func (e *EventEmitter) Events() <-chan Event {
	return e.events
}

// Close closes the events channel. Idempotent; any in-flight Emit
// finishes before the channel closes.
func (e *EventEmitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	close(e.events)
}
