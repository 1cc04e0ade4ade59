// Package orchestrator wires the ledger, dependency graph, task tracker,
// scheduler, contract registry, and phase machine into the feature
// lifecycle. It is the only component that crosses module boundaries:
// a task outcome reported here ripples into epic status, contract locks,
// dependent readiness, and eventually the feature's phase.
package orchestrator

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/loomworks/loom/internal/config"
	"github.com/loomworks/loom/internal/contract"
	"github.com/loomworks/loom/internal/graph"
	"github.com/loomworks/loom/internal/ledger"
	"github.com/loomworks/loom/internal/phase"
	"github.com/loomworks/loom/internal/plan"
	"github.com/loomworks/loom/internal/scheduler"
	"github.com/loomworks/loom/internal/tracker"
	"github.com/loomworks/loom/pkg/models"
)

// Report is a worker's account of a finished task attempt. Version must
// be the version the worker received with its assignment.
type Report struct {
	TaskID    string
	Version   int64
	Status    models.TaskStatus
	Evidence  string
	CommitRef string
	Error     string
}

// Orchestrator coordinates the full feature workflow. All state lives in
// the ledger; the orchestrator holds only derived structures (dependency
// graphs, per-feature schedulers) that it can rebuild at any time.
type Orchestrator struct {
	store    *ledger.Store
	registry *contract.Registry
	trk      *tracker.Tracker
	machine  *phase.Machine
	emitter  *EventEmitter
	cfg      *config.Config

	mu     sync.Mutex
	graphs map[string]*graph.Graph
	scheds map[string]*scheduler.Scheduler
	logger *DebugLogger

	debugLog func(format string, args ...interface{})
}

// New creates an Orchestrator over an open ledger store.
func New(store *ledger.Store, cfg *config.Config) (*Orchestrator, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	trk := tracker.New(store, tracker.Options{
		MaxRetries: cfg.Retries.Max,
		RetryBase:  cfg.Retries.BackoffBase,
		RetryMax:   cfg.Retries.BackoffMax,
	})
	return &Orchestrator{
		store:    store,
		registry: contract.New(store),
		trk:      trk,
		machine:  phase.New(store),
		emitter:  NewEventEmitter(128),
		cfg:      cfg,
		graphs:   make(map[string]*graph.Graph),
		scheds:   make(map[string]*scheduler.Scheduler),
		debugLog: func(format string, args ...interface{}) {},
	}, nil
}

// SetDebugLog sets the debug logging function.
func (o *Orchestrator) SetDebugLog(fn func(format string, args ...interface{})) {
	if fn != nil {
		o.debugLog = fn
	}
}

// Events returns the orchestrator's event stream.
func (o *Orchestrator) Events() <-chan Event {
	return o.emitter.Events()
}

// Contracts returns the contract registry.
func (o *Orchestrator) Contracts() *contract.Registry {
	return o.registry
}

// Phases returns the phase machine.
func (o *Orchestrator) Phases() *phase.Machine {
	return o.machine
}

// Tracker returns the task tracker.
func (o *Orchestrator) Tracker() *tracker.Tracker {
	return o.trk
}

// Close releases the event stream. The ledger store is owned by the
// caller and stays open.
func (o *Orchestrator) Close() {
	o.emitter.Close()
}

// DeclareFeature validates a declaration and ledgers its feature, epics,
// and tasks. Re-declaring an existing feature adds new epics and tasks
// without touching the runtime state of those already ledgered.
func (o *Orchestrator) DeclareFeature(d *plan.Declaration) error {
	if err := d.Validate(); err != nil {
		return err
	}

	f, _, err := o.store.GetFeature(d.Feature)
	if err != nil {
		if !errors.Is(err, ledger.ErrNotFound) {
			return err
		}
		if f, err = o.machine.CreateFeature(d.Feature, d.Model); err != nil {
			return err
		}
	}

	now := time.Now().UTC()
	epics, tasks := d.Materialize(now)
	for _, e := range epics {
		// New epics belong to whatever phase the feature is in when they
		// are declared.
		e.Phase = f.CurrentPhase
		// Contracts exist from first reference; workers fill in schemas.
		for _, contractID := range e.Contracts {
			if _, err := o.registry.Declare(d.Feature, contractID, ""); err != nil {
				return fmt.Errorf("declare contract %s: %w", contractID, err)
			}
		}
		if _, _, err := o.store.GetEpic(d.Feature, e.ID); err == nil {
			continue
		} else if !errors.Is(err, ledger.ErrNotFound) {
			return err
		}
		if _, err := o.store.PutEpic(e, 0); err != nil {
			return fmt.Errorf("ledger epic %s: %w", e.ID, err)
		}
	}
	for _, task := range tasks {
		if _, _, err := o.store.GetTask(d.Feature, task.ID); err == nil {
			continue
		} else if !errors.Is(err, ledger.ErrNotFound) {
			return err
		}
		if _, err := o.store.PutTask(task, 0); err != nil {
			return fmt.Errorf("ledger task %s: %w", task.ID, err)
		}
	}

	// Derived structures are stale now; rebuild on next use.
	o.mu.Lock()
	delete(o.graphs, d.Feature)
	delete(o.scheds, d.Feature)
	o.mu.Unlock()

	o.debugLog("[orchestrator] declared feature %s: %d epics, %d tasks", d.Feature, len(epics), len(tasks))
	return nil
}

// NextAssignment claims the next ready task of the worker kind for the
// feature, or returns nil when no work is ready.
func (o *Orchestrator) NextAssignment(feature string, kind models.WorkerKind) (*scheduler.TaskHandle, error) {
	sched, err := o.schedulerFor(feature)
	if err != nil {
		return nil, err
	}
	handle, err := sched.NextAssignment(kind)
	if err != nil || handle == nil {
		return handle, err
	}
	o.emitter.Emit(Event{
		Type:        EventTaskAssigned,
		FeatureSlug: feature,
		TaskID:      handle.TaskID,
		EpicID:      handle.EpicID,
		Timestamp:   time.Now().UTC(),
	})
	return handle, nil
}

// ReportTaskResult records a worker's outcome for a task and ripples it
// outward: a done task may complete its epic, a failed task is retried
// until the ceiling and then fails its epic and permanently blocks the
// epic's transitive dependents.
func (o *Orchestrator) ReportTaskResult(feature string, r Report) error {
	if r.Status != models.TaskStatusDone && r.Status != models.TaskStatusFailed {
		return fmt.Errorf("report for task %s: status must be done or failed, got %q", r.TaskID, r.Status)
	}

	res, err := o.trk.Transition(feature, r.TaskID, r.Version, r.Status, tracker.Payload{
		Evidence:  r.Evidence,
		CommitRef: r.CommitRef,
		Error:     r.Error,
	})
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	if r.Status == models.TaskStatusDone {
		o.emitter.Emit(Event{Type: EventTaskCompleted, FeatureSlug: feature, TaskID: r.TaskID, EpicID: res.Task.EpicID, Timestamp: now})
		return o.reevaluateEpic(feature, res.Task.EpicID)
	}

	o.emitter.Emit(Event{
		Type:        EventTaskFailed,
		FeatureSlug: feature,
		TaskID:      r.TaskID,
		EpicID:      res.Task.EpicID,
		Message:     r.Error,
		Timestamp:   now,
	})

	retried, err := o.trk.MaybeRetry(feature, r.TaskID, res.NewVersion)
	if err != nil {
		return err
	}
	if retried != nil {
		o.emitter.Emit(Event{
			Type:        EventTaskRetried,
			FeatureSlug: feature,
			TaskID:      r.TaskID,
			EpicID:      res.Task.EpicID,
			Message:     fmt.Sprintf("attempt %d of %d", retried.Task.AttemptCount, o.trk.MaxRetries()),
			Timestamp:   time.Now().UTC(),
		})
		return nil
	}

	// Retries exhausted: ledger the escalation, then fail the epic.
	esc, err := o.trk.Transition(feature, r.TaskID, res.NewVersion, models.TaskStatusFailed, tracker.Payload{})
	if err != nil {
		return err
	}
	if esc.Escalated {
		o.emitter.Emit(Event{Type: EventTaskEscalated, FeatureSlug: feature, TaskID: r.TaskID, EpicID: res.Task.EpicID, Timestamp: time.Now().UTC()})
	}
	return o.failEpic(feature, res.Task.EpicID, fmt.Sprintf("task_failed:%s", r.TaskID))
}

// reevaluateEpic completes an epic once every task is done and its
// contracts verify clean. Contract violations block completion and are
// reported per violation.
func (o *Orchestrator) reevaluateEpic(feature, epicID string) error {
	tasks, err := o.store.ListTasks(feature)
	if err != nil {
		return err
	}
	for _, vt := range tasks {
		if vt.EpicID == epicID && vt.Status != models.TaskStatusDone {
			return nil
		}
	}

	e, version, err := o.store.GetEpic(feature, epicID)
	if err != nil {
		return err
	}
	if e.Status == models.EpicStatusDone || e.Status == models.EpicStatusFailed {
		return nil
	}

	violations, err := o.registry.VerifyAll(feature, e.Contracts)
	if err != nil {
		return err
	}
	if len(violations) > 0 {
		reason := models.BlockedContractViolation + violations[0].ContractID
		if e.Status == models.EpicStatusBlocked && e.BlockedReason == reason {
			// Already ledgered; a sweep re-checking the epic found the
			// same violation still standing.
			return nil
		}
		for _, v := range violations {
			o.emitter.Emit(Event{
				Type:        EventContractViolation,
				FeatureSlug: feature,
				EpicID:      epicID,
				ContractID:  v.ContractID,
				Message:     v.String(),
				Timestamp:   time.Now().UTC(),
			})
		}
		e.Status = models.EpicStatusBlocked
		e.BlockedReason = reason
		if _, err := o.store.PutEpic(e, version); err != nil {
			return err
		}
		o.debugLog("[orchestrator] epic %s blocked on %d contract violation(s)", epicID, len(violations))
		return nil
	}

	e.Status = models.EpicStatusContractsVerified
	e.BlockedReason = ""
	version, err = o.store.PutEpic(e, version)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	e.Status = models.EpicStatusDone
	e.CompletedAt = &now
	if _, err := o.store.PutEpic(e, version); err != nil {
		return err
	}

	released, err := o.registry.ReleaseHeldBy(feature, epicID)
	if err != nil {
		return err
	}
	if len(released) > 0 {
		o.debugLog("[orchestrator] epic %s released %d lock(s) on completion", epicID, len(released))
	}

	o.emitter.Emit(Event{Type: EventEpicCompleted, FeatureSlug: feature, EpicID: epicID, Timestamp: now})
	return nil
}

// failEpic marks an epic terminally failed, releases every lock it
// holds, and permanently blocks its transitive dependents.
func (o *Orchestrator) failEpic(feature, epicID, reason string) error {
	e, version, err := o.store.GetEpic(feature, epicID)
	if err != nil {
		return err
	}
	if e.Status != models.EpicStatusFailed {
		e.Status = models.EpicStatusFailed
		e.BlockedReason = reason
		if _, err := o.store.PutEpic(e, version); err != nil {
			return err
		}
	}
	o.emitter.Emit(Event{Type: EventEpicFailed, FeatureSlug: feature, EpicID: epicID, Message: reason, Timestamp: time.Now().UTC()})

	// The failed epic's locks must not dangle.
	if _, err := o.registry.ReleaseHeldBy(feature, epicID); err != nil {
		return err
	}

	g, err := o.graphFor(feature)
	if err != nil {
		return err
	}
	blockedReason := models.BlockedDependencyFailed + epicID
	for _, depID := range g.TransitiveDependents(epicID) {
		dep, depVersion, err := o.store.GetEpic(feature, depID)
		if err != nil {
			return err
		}
		if dep.Status == models.EpicStatusDone || dep.Status == models.EpicStatusFailed {
			continue
		}
		if dep.PermanentlyBlocked() {
			continue
		}
		dep.Status = models.EpicStatusBlocked
		dep.BlockedReason = blockedReason
		if _, err := o.store.PutEpic(dep, depVersion); err != nil {
			return err
		}
		o.emitter.Emit(Event{Type: EventEpicBlocked, FeatureSlug: feature, EpicID: depID, Message: blockedReason, Timestamp: time.Now().UTC()})
	}
	return nil
}

// AdvancePhase applies a gate verdict to the feature's current phase.
func (o *Orchestrator) AdvancePhase(feature string, verdict phase.GateVerdict) (*models.Phase, error) {
	p, err := o.machine.Advance(feature, verdict)
	if err != nil {
		var gate *phase.GateFailureError
		if errors.As(err, &gate) {
			o.emitter.Emit(Event{
				Type:        EventPhaseBlocked,
				FeatureSlug: feature,
				Message:     gate.Error(),
				Timestamp:   time.Now().UTC(),
			})
		}
		return nil, err
	}

	f, _, err := o.store.GetFeature(feature)
	if err != nil {
		return p, err
	}
	if f.Archived {
		o.emitter.Emit(Event{Type: EventFeatureArchived, FeatureSlug: feature, Timestamp: time.Now().UTC()})
	} else {
		o.emitter.Emit(Event{
			Type:        EventPhaseAdvanced,
			FeatureSlug: feature,
			Message:     string(f.CurrentPhase),
			Timestamp:   time.Now().UTC(),
		})
	}
	return p, nil
}

// graphFor returns the feature's dependency graph, rebuilding it from
// the ledger when absent.
func (o *Orchestrator) graphFor(feature string) (*graph.Graph, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if g, ok := o.graphs[feature]; ok {
		return g, nil
	}

	versioned, err := o.store.ListEpics(feature)
	if err != nil {
		return nil, err
	}
	epics := make([]*models.Epic, 0, len(versioned))
	for i := range versioned {
		epics = append(epics, &versioned[i].Epic)
	}
	g, err := graph.Build(epics)
	if err != nil {
		return nil, fmt.Errorf("rebuild graph for %s: %w", feature, err)
	}
	o.graphs[feature] = g
	return g, nil
}

// schedulerFor returns the feature's scheduler, creating it on first use.
func (o *Orchestrator) schedulerFor(feature string) (*scheduler.Scheduler, error) {
	g, err := o.graphFor(feature)
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if sched, ok := o.scheds[feature]; ok {
		return sched, nil
	}
	ceilings, err := o.cfg.CeilingsByKind()
	if err != nil {
		return nil, err
	}
	sched := scheduler.New(o.store, o.trk, g, feature, ceilings)
	if o.logger != nil {
		sched.SetDebugLog(o.logger.Log)
	}
	o.scheds[feature] = sched
	return sched, nil
}
