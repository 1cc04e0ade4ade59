// Package scheduler assigns ready work to polling workers. Dependency
// levels are a strict barrier: a task in a later level is never handed
// out while an earlier level still has unfinished work, even if a worker
// slot is idle.
package scheduler

import (
	"errors"
	"fmt"
	"sort"

	"github.com/loomworks/loom/internal/graph"
	"github.com/loomworks/loom/internal/ledger"
	"github.com/loomworks/loom/internal/tracker"
	"github.com/loomworks/loom/pkg/models"
)

// TaskHandle is a claimed assignment handed to a worker. The worker must
// present Version when reporting the task's outcome.
type TaskHandle struct {
	TaskID      string
	EpicID      string
	FeatureSlug string
	Description string
	Worker      models.WorkerKind
	Version     int64
}

// Scheduler selects and claims tasks for worker slots. All state is read
// from the ledger on every call; nothing here is authoritative.
type Scheduler struct {
	store    *ledger.Store
	tracker  *tracker.Tracker
	graph    *graph.Graph
	feature  string
	ceilings map[models.WorkerKind]int
	debugLog func(format string, args ...interface{})
}

// New creates a Scheduler for one feature. ceilings caps concurrently
// in-progress tasks per worker kind; a kind absent from the map is
// unlimited.
func New(store *ledger.Store, trk *tracker.Tracker, g *graph.Graph, feature string, ceilings map[models.WorkerKind]int) *Scheduler {
	return &Scheduler{
		store:    store,
		tracker:  trk,
		graph:    g,
		feature:  feature,
		ceilings: ceilings,
		debugLog: func(format string, args ...interface{}) {},
	}
}

// SetDebugLog sets the debug logging function.
func (s *Scheduler) SetDebugLog(fn func(format string, args ...interface{})) {
	if fn != nil {
		s.debugLog = fn
	}
}

// NextAssignment returns a claimed task for the worker kind, or nil when
// no work is ready. Nil is not an error: it means the worker should poll
// again later. Selection is by priority then declaration order, never
// random, so racing schedulers contend on the same candidate and the
// ledger picks the single winner.
func (s *Scheduler) NextAssignment(kind models.WorkerKind) (*TaskHandle, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("next assignment: unknown worker kind %q", kind)
	}

	tasks, err := s.store.ListTasks(s.feature)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	epics, err := s.store.ListEpics(s.feature)
	if err != nil {
		return nil, fmt.Errorf("list epics: %w", err)
	}

	if s.atCeiling(kind, tasks) {
		s.debugLog("[scheduler] %s at WIP ceiling, no assignment", kind)
		return nil, nil
	}

	epicByID := make(map[string]ledger.VersionedEpic, len(epics))
	for _, ve := range epics {
		epicByID[ve.ID] = ve
	}

	level := s.currentLevel(epicByID)
	if level == nil {
		return nil, nil
	}

	s.refreshReadiness(level, epicByID)

	// Re-read epic statuses after refresh so new ready epics are visible.
	epics, err = s.store.ListEpics(s.feature)
	if err != nil {
		return nil, fmt.Errorf("list epics: %w", err)
	}
	for _, ve := range epics {
		epicByID[ve.ID] = ve
	}

	eligible := make(map[string]bool)
	for _, id := range level {
		ve, ok := epicByID[id]
		if !ok {
			continue
		}
		if ve.Status == models.EpicStatusReady || ve.Status == models.EpicStatusInProgress {
			eligible[id] = true
		}
	}
	if len(eligible) == 0 {
		return nil, nil
	}

	var candidates []ledger.VersionedTask
	for _, vt := range tasks {
		if !eligible[vt.EpicID] {
			continue
		}
		if vt.Status != models.TaskStatusPending || vt.Worker != kind {
			continue
		}
		candidates = append(candidates, vt)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority < candidates[j].Priority
		}
		if candidates[i].DeclOrder != candidates[j].DeclOrder {
			return candidates[i].DeclOrder < candidates[j].DeclOrder
		}
		return candidates[i].ID < candidates[j].ID
	})

	for _, vt := range candidates {
		res, err := s.tracker.Transition(s.feature, vt.ID, vt.Version, models.TaskStatusInProgress, tracker.Payload{})
		if err != nil {
			var conflict *ledger.VersionConflictError
			if errors.As(err, &conflict) {
				// Another worker claimed it between our read and write.
				s.debugLog("[scheduler] lost claim race for task %s, trying next", vt.ID)
				continue
			}
			return nil, err
		}

		s.markEpicInProgress(vt.EpicID)
		s.debugLog("[scheduler] assigned task %s (epic %s) to %s", vt.ID, vt.EpicID, kind)
		return &TaskHandle{
			TaskID:      vt.ID,
			EpicID:      vt.EpicID,
			FeatureSlug: s.feature,
			Description: vt.Description,
			Worker:      kind,
			Version:     res.NewVersion,
		}, nil
	}

	return nil, nil
}

// atCeiling reports whether the worker kind has reached its WIP ceiling.
func (s *Scheduler) atCeiling(kind models.WorkerKind, tasks []ledger.VersionedTask) bool {
	ceiling, ok := s.ceilings[kind]
	if !ok || ceiling <= 0 {
		return false
	}
	inProgress := 0
	for _, vt := range tasks {
		if vt.Worker == kind && vt.Status == models.TaskStatusInProgress {
			inProgress++
		}
	}
	return inProgress >= ceiling
}

// currentLevel returns the epic IDs of the lowest dependency level that
// still has unfinished work, or nil when every level is settled. An epic
// counts as settled when it is done, terminally failed, or permanently
// blocked behind a failure.
func (s *Scheduler) currentLevel(epicByID map[string]ledger.VersionedEpic) []string {
	for _, level := range s.graph.Levels() {
		for _, id := range level {
			ve, ok := epicByID[id]
			if !ok {
				// Declared but not yet ledgered; the level is not settled.
				return level
			}
			switch ve.Status {
			case models.EpicStatusDone, models.EpicStatusFailed:
				continue
			case models.EpicStatusBlocked:
				if ve.PermanentlyBlocked() {
					continue
				}
				// Blocked on a remediable reason (contract violation)
				// or waiting on dependencies; either way not settled.
				return level
			default:
				return level
			}
		}
	}
	return nil
}

// refreshReadiness flips blocked epics in the level to ready when every
// dependency is done. Lost CAS races are skipped; the next poll retries.
func (s *Scheduler) refreshReadiness(level []string, epicByID map[string]ledger.VersionedEpic) {
	for _, id := range level {
		ve, ok := epicByID[id]
		if !ok || ve.Status != models.EpicStatusBlocked || ve.BlockedReason != "" {
			continue
		}

		allDone := true
		for _, depID := range s.graph.Dependencies(id) {
			dep, ok := epicByID[depID]
			if !ok || dep.Status != models.EpicStatusDone {
				allDone = false
				break
			}
		}
		if !allDone {
			continue
		}

		e := ve.Epic
		e.Status = models.EpicStatusReady
		if _, err := s.store.PutEpic(&e, ve.Version); err != nil {
			var conflict *ledger.VersionConflictError
			if !errors.As(err, &conflict) {
				s.debugLog("[scheduler] readiness refresh for epic %s: %v", id, err)
			}
			continue
		}
		s.debugLog("[scheduler] epic %s ready (all dependencies done)", id)
	}
}

// markEpicInProgress moves a ready epic to in_progress on first claim.
// Best effort: a lost race just means another claim got there first.
func (s *Scheduler) markEpicInProgress(epicID string) {
	e, version, err := s.store.GetEpic(s.feature, epicID)
	if err != nil || e.Status != models.EpicStatusReady {
		return
	}
	e.Status = models.EpicStatusInProgress
	if _, err := s.store.PutEpic(e, version); err != nil {
		var conflict *ledger.VersionConflictError
		if !errors.As(err, &conflict) {
			s.debugLog("[scheduler] mark epic %s in progress: %v", epicID, err)
		}
	}
}
