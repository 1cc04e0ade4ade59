package orchestrator

import (
	"testing"
	"time"
)

func TestEmitterDeliversInOrder(t *testing.T) {
	e := NewEventEmitter(4)
	defer e.Close()

	e.Emit(Event{Type: EventTaskAssigned, TaskID: "t1"})
	e.Emit(Event{Type: EventTaskCompleted, TaskID: "t1"})

	got := <-e.Events()
	if got.Type != EventTaskAssigned {
		t.Errorf("first event = %s, want task_assigned", got.Type)
	}
	got = <-e.Events()
	if got.Type != EventTaskCompleted {
		t.Errorf("second event = %s, want task_completed", got.Type)
	}
}

func TestEmitAfterCloseIsNoOp(t *testing.T) {
	e := NewEventEmitter(1)
	e.Emit(Event{Type: EventTaskAssigned, TaskID: "t1"})
	e.Close()

	// A result report racing shutdown must not panic on the closed
	// channel; the event is simply lost.
	e.Emit(Event{Type: EventTaskCompleted, TaskID: "t1"})
	e.Close() // idempotent

	// The buffered event survives the close.
	got, ok := <-e.Events()
	if !ok || got.TaskID != "t1" {
		t.Fatalf("buffered event = %+v ok=%v", got, ok)
	}
	if _, ok := <-e.Events(); ok {
		t.Error("expected closed channel after draining")
	}
}

func TestEmitterDropsWhenFull(t *testing.T) {
	e := NewEventEmitter(1)
	defer e.Close()

	e.Emit(Event{Type: EventTaskAssigned, Timestamp: time.Now()})
	e.Emit(Event{Type: EventTaskAssigned, Timestamp: time.Now()})
	if e.DroppedCount() != 1 {
		t.Errorf("dropped = %d, want 1", e.DroppedCount())
	}
}
