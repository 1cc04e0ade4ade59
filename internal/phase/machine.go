// Package phase enforces ordered phase progression for a feature. A
// phase advances only on an externally computed gate verdict; the
// machine never computes gate logic itself. Phase state lives on the
// feature entity, so every advance is a compare-and-append against the
// feature's version and the machine is single-writer per feature.
package phase

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/loomworks/loom/internal/ledger"
	"github.com/loomworks/loom/pkg/models"
)

// ErrFeatureArchived rejects any action on an archived feature.
// Archived features are never implicitly reopened.
var ErrFeatureArchived = errors.New("feature is archived")

// GateVerdict is the externally supplied pass/fail input to Advance.
type GateVerdict struct {
	Passed      bool
	Diagnostics []string
}

// GateFailureError reports a failed gate. Expected and non-fatal: the
// phase stays blocked until a corrected verdict arrives.
type GateFailureError struct {
	Phase       models.PhaseName
	Diagnostics []string
}

func (e *GateFailureError) Error() string {
	return fmt.Sprintf("gate failed for phase %s: %s", e.Phase, strings.Join(e.Diagnostics, "; "))
}

// IncompletePhaseError rejects an advance while the current phase still
// has epics that can make progress.
type IncompletePhaseError struct {
	Phase     models.PhaseName
	Remaining []string
}

func (e *IncompletePhaseError) Error() string {
	return fmt.Sprintf("phase %s incomplete: epics %s still active", e.Phase, strings.Join(e.Remaining, ", "))
}

// Machine drives feature phase transitions against the ledger.
type Machine struct {
	store    *ledger.Store
	debugLog func(format string, args ...interface{})
}

// New creates a Machine over the given ledger store.
func New(store *ledger.Store) *Machine {
	return &Machine{
		store:    store,
		debugLog: func(format string, args ...interface{}) {},
	}
}

// SetDebugLog sets the debug logging function.
func (m *Machine) SetDebugLog(fn func(format string, args ...interface{})) {
	if fn != nil {
		m.debugLog = fn
	}
}

// CreateFeature ledgers a new feature entering the first phase of the
// path for its deployment model.
func (m *Machine) CreateFeature(slug string, model models.DeploymentModel) (*models.Feature, error) {
	if slug == "" {
		return nil, fmt.Errorf("create feature: slug is required")
	}
	if !model.Valid() {
		return nil, fmt.Errorf("create feature: unknown deployment model %q", model)
	}
	if _, _, err := m.store.GetFeature(slug); err == nil {
		return nil, fmt.Errorf("feature %s already exists", slug)
	} else if !errors.Is(err, ledger.ErrNotFound) {
		return nil, err
	}

	f := models.NewFeature(slug, model, time.Now().UTC())
	if _, err := m.store.PutFeature(f, 0); err != nil {
		return nil, err
	}
	m.debugLog("[phase] feature %s created, entering %s", slug, f.CurrentPhase)
	return f, nil
}

// Advance consults the gate verdict for the current phase. On pass the
// phase becomes passed and the next reachable phase starts running; on
// fail the phase becomes blocked and a *GateFailureError is returned
// with the diagnostics attached. Advance may only be called once the
// phase's work is complete: every epic in the feature must be done,
// terminally failed, or permanently blocked behind a failure.
func (m *Machine) Advance(slug string, verdict GateVerdict) (*models.Phase, error) {
	f, version, err := m.store.GetFeature(slug)
	if err != nil {
		return nil, fmt.Errorf("read feature %s: %w", slug, err)
	}
	if f.Archived {
		return nil, ErrFeatureArchived
	}

	current := f.PhaseByName(f.CurrentPhase)
	if current == nil {
		return nil, fmt.Errorf("feature %s has no phase %s", slug, f.CurrentPhase)
	}
	if current.Status != models.PhaseStatusRunning && current.Status != models.PhaseStatusBlocked {
		return nil, fmt.Errorf("phase %s is %s, cannot advance", current.Name, current.Status)
	}

	if remaining, err := m.activeEpics(slug); err != nil {
		return nil, err
	} else if len(remaining) > 0 {
		return nil, &IncompletePhaseError{Phase: current.Name, Remaining: remaining}
	}

	if !verdict.Passed {
		current.Status = models.PhaseStatusBlocked
		if _, err := m.store.PutFeature(f, version); err != nil {
			return nil, err
		}
		m.debugLog("[phase] feature %s blocked at %s", slug, current.Name)
		return nil, &GateFailureError{Phase: current.Name, Diagnostics: verdict.Diagnostics}
	}

	current.Status = models.PhaseStatusPassed
	m.debugLog("[phase] feature %s passed %s", slug, current.Name)

	if next := f.NextPhase(); next != nil && f.Model.Reachable(next.Name) {
		next.Status = models.PhaseStatusRunning
		f.CurrentPhase = next.Name
	} else {
		// End of the reachable path. Unreachable trailing phases are
		// recorded as skipped, never entered.
		for i := current.Order + 1; i < len(f.Phases); i++ {
			if f.Phases[i].Status == models.PhaseStatusPending {
				f.Phases[i].Status = models.PhaseStatusSkipped
			}
		}
		now := time.Now().UTC()
		f.Archived = true
		f.ArchivedAt = &now
		m.debugLog("[phase] feature %s archived", slug)
	}

	if _, err := m.store.PutFeature(f, version); err != nil {
		return nil, err
	}
	return f.PhaseByName(f.CurrentPhase), nil
}

// Skip marks a phase skipped ahead of time. Usable only for phases the
// deployment model declares unreachable, never as a generic override;
// Advance skips any remaining unreachable tail itself when it archives.
func (m *Machine) Skip(slug string, name models.PhaseName) error {
	f, version, err := m.store.GetFeature(slug)
	if err != nil {
		return fmt.Errorf("read feature %s: %w", slug, err)
	}
	if f.Archived {
		return ErrFeatureArchived
	}

	p := f.PhaseByName(name)
	if p == nil {
		return fmt.Errorf("feature %s has no phase %s", slug, name)
	}
	if f.Model.Reachable(name) {
		return fmt.Errorf("phase %s is reachable under model %s and cannot be skipped", name, f.Model)
	}
	if p.Status != models.PhaseStatusPending {
		return fmt.Errorf("phase %s is %s, only pending phases can be skipped", name, p.Status)
	}

	p.Status = models.PhaseStatusSkipped
	m.debugLog("[phase] feature %s skipped %s", slug, name)
	if _, err := m.store.PutFeature(f, version); err != nil {
		return err
	}
	return nil
}

// Rollback moves the feature back to an earlier phase. The only path by
// which current_phase ever regresses, and it is ledgered like any other
// transition.
func (m *Machine) Rollback(slug string, to models.PhaseName) error {
	f, version, err := m.store.GetFeature(slug)
	if err != nil {
		return fmt.Errorf("read feature %s: %w", slug, err)
	}
	if f.Archived {
		return ErrFeatureArchived
	}

	target := f.PhaseByName(to)
	cur := f.PhaseByName(f.CurrentPhase)
	if target == nil || cur == nil {
		return fmt.Errorf("feature %s has no phase %s", slug, to)
	}
	if target.Order >= cur.Order {
		return fmt.Errorf("rollback target %s is not before current phase %s", to, f.CurrentPhase)
	}

	target.Status = models.PhaseStatusRunning
	for i := target.Order + 1; i < len(f.Phases); i++ {
		if f.Phases[i].Status != models.PhaseStatusSkipped {
			f.Phases[i].Status = models.PhaseStatusPending
		}
	}
	f.CurrentPhase = to
	if _, err := m.store.PutFeature(f, version); err != nil {
		return err
	}
	m.debugLog("[phase] feature %s rolled back to %s", slug, to)
	return nil
}

// activeEpics returns the IDs of epics that can still make progress.
func (m *Machine) activeEpics(slug string) ([]string, error) {
	epics, err := m.store.ListEpics(slug)
	if err != nil {
		return nil, fmt.Errorf("list epics: %w", err)
	}

	var active []string
	for _, ve := range epics {
		switch ve.Status {
		case models.EpicStatusDone, models.EpicStatusFailed:
		case models.EpicStatusBlocked:
			// Only a dependency_failed block is settled. A contract
			// violation is remediable, so the epic is still open work
			// and must hold the phase.
			if !ve.PermanentlyBlocked() {
				active = append(active, ve.ID)
			}
		default:
			active = append(active, ve.ID)
		}
	}
	return active, nil
}
