package models

import "time"

// Feature is one end-to-end unit of software work tracked by the
// orchestrator. The feature entity also carries its phase list, so a
// phase transition is a feature transition and inherits the feature's
// single-writer version check.
type Feature struct {
	// Slug is the unique identifier for this feature.
	Slug string `json:"slug"`
	// Model determines which phases are reachable.
	Model DeploymentModel `json:"deployment_model"`
	// CurrentPhase is the phase the feature is in. It only advances
	// forward; a rollback is an explicit, ledgered event.
	CurrentPhase PhaseName `json:"current_phase"`
	// Phases is the feature's full ordered phase path.
	Phases []Phase `json:"phases"`
	// Archived is set when the terminal phase completes. Archived
	// features accept no further transitions.
	Archived bool `json:"archived"`
	// CreatedAt is when the feature entered its first phase.
	CreatedAt time.Time `json:"created_at"`
	// ArchivedAt is when the feature was archived, if it was.
	ArchivedAt *time.Time `json:"archived_at,omitempty"`
}

// PhaseStatus returns the status of the feature's current phase.
func (f *Feature) PhaseStatus() PhaseStatus {
	if p := f.PhaseByName(f.CurrentPhase); p != nil {
		return p.Status
	}
	return PhaseStatusPending
}

// PhaseByName returns a pointer into f.Phases for the named phase, or nil.
func (f *Feature) PhaseByName(name PhaseName) *Phase {
	for i := range f.Phases {
		if f.Phases[i].Name == name {
			return &f.Phases[i]
		}
	}
	return nil
}

// NextPhase returns the phase after the current one, or nil at the end
// of the path.
func (f *Feature) NextPhase() *Phase {
	cur := f.PhaseByName(f.CurrentPhase)
	if cur == nil || cur.Order+1 >= len(f.Phases) {
		return nil
	}
	return &f.Phases[cur.Order+1]
}

// NewFeature creates a feature entering the first phase of its path.
func NewFeature(slug string, model DeploymentModel, now time.Time) *Feature {
	phases := PhasePath(model)
	phases[0].Status = PhaseStatusRunning
	return &Feature{
		Slug:         slug,
		Model:        model,
		CurrentPhase: phases[0].Name,
		Phases:       phases,
		CreatedAt:    now,
	}
}
