package orchestrator

import (
	"context"
	"strings"
	"time"

	"github.com/loomworks/loom/internal/ledger"
	"github.com/loomworks/loom/pkg/models"
)

// Recover re-derives runtime state after a restart. The ledger is the
// source of truth, so recovery is only housekeeping: fail tasks whose
// workers vanished mid-flight, release locks held by epics that can no
// longer make progress, and re-verify epics blocked on a contract
// violation that may have been remedied since.
func (o *Orchestrator) Recover(feature string) error {
	if err := o.sweepStaleTasks(feature); err != nil {
		return err
	}
	if err := o.sweepDanglingLocks(feature); err != nil {
		return err
	}
	return o.sweepViolationBlockedEpics(feature)
}

// RunSweeps runs the recovery sweeps for every ledgered feature on the
// configured interval until the context is cancelled.
func (o *Orchestrator) RunSweeps(ctx context.Context) {
	interval := o.cfg.Sweeps.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			features, err := o.store.Features()
			if err != nil {
				o.debugLog("[orchestrator] sweep: list features: %v", err)
				continue
			}
			for _, feature := range features {
				if err := o.Recover(feature); err != nil {
					o.debugLog("[orchestrator] sweep %s: %v", feature, err)
				}
			}
		}
	}
}

func (o *Orchestrator) sweepStaleTasks(feature string) error {
	cutoff := o.cfg.Sweeps.StaleTaskCutoff
	if cutoff <= 0 {
		return nil
	}
	swept, err := o.trk.SweepStale(feature, cutoff, time.Now().UTC())
	if err != nil {
		return err
	}
	for _, taskID := range swept {
		o.debugLog("[orchestrator] swept stale task %s", taskID)
		o.emitter.Emit(Event{
			Type:        EventTaskFailed,
			FeatureSlug: feature,
			TaskID:      taskID,
			Message:     "stale: worker made no progress before the cutoff",
			Timestamp:   time.Now().UTC(),
		})
	}
	return nil
}

// sweepDanglingLocks releases contract locks that can no longer serve a
// major change: locks held by done or failed epics (a crash between the
// epic write and the inline release), and locks held past the stale
// cutoff by epics with no task in progress.
func (o *Orchestrator) sweepDanglingLocks(feature string) error {
	contracts, err := o.store.ListContracts(feature)
	if err != nil {
		return err
	}

	var tasks []ledger.VersionedTask
	staleCutoff := o.cfg.Sweeps.LockStaleAfter

	released := make(map[string]bool)
	for _, vc := range contracts {
		holder := vc.LockHolder
		if holder == "" || released[holder] {
			continue
		}

		e, _, err := o.store.GetEpic(feature, holder)
		if err != nil {
			continue
		}

		stale := false
		if e.Status == models.EpicStatusDone || e.Status == models.EpicStatusFailed {
			stale = true
		} else if staleCutoff > 0 && vc.LockedAt != nil && time.Since(*vc.LockedAt) > staleCutoff {
			if tasks == nil {
				if tasks, err = o.store.ListTasks(feature); err != nil {
					return err
				}
			}
			stale = !epicHasActiveTask(tasks, holder)
		}
		if !stale {
			continue
		}

		ids, err := o.registry.ReleaseHeldBy(feature, holder)
		if err != nil {
			return err
		}
		released[holder] = true
		if len(ids) > 0 {
			o.debugLog("[orchestrator] released %d dangling lock(s) held by epic %s", len(ids), holder)
		}
	}
	return nil
}

// sweepViolationBlockedEpics re-verifies epics blocked on a contract
// violation. A violation block is remediable: once the contract is
// brought back in line (schema restored or expectation re-recorded),
// the next sweep completes the epic. Without this, a violation found at
// task completion would block the epic forever.
func (o *Orchestrator) sweepViolationBlockedEpics(feature string) error {
	epics, err := o.store.ListEpics(feature)
	if err != nil {
		return err
	}
	for _, ve := range epics {
		if ve.Status != models.EpicStatusBlocked {
			continue
		}
		if !strings.HasPrefix(ve.BlockedReason, models.BlockedContractViolation) {
			continue
		}
		if err := o.reevaluateEpic(feature, ve.ID); err != nil {
			return err
		}
	}
	return nil
}

func epicHasActiveTask(tasks []ledger.VersionedTask, epicID string) bool {
	for _, vt := range tasks {
		if vt.EpicID == epicID && vt.Status == models.TaskStatusInProgress {
			return true
		}
	}
	return false
}
