package models

// PhaseName identifies a stage in a feature's lifecycle.
type PhaseName string

const (
	PhasePlanning          PhaseName = "planning"
	PhaseDesign            PhaseName = "design"
	PhaseImplementation    PhaseName = "implementation"
	PhaseIntegration       PhaseName = "integration"
	PhaseStagingRollout    PhaseName = "staging_rollout"
	PhaseProductionRollout PhaseName = "production_rollout"
)

// PhaseStatus represents the gate state of a phase.
type PhaseStatus string

const (
	// PhaseStatusPending indicates the phase has not been entered.
	PhaseStatusPending PhaseStatus = "pending"
	// PhaseStatusRunning indicates the phase's work is underway.
	PhaseStatusRunning PhaseStatus = "running"
	// PhaseStatusBlocked indicates the gate verdict failed.
	PhaseStatusBlocked PhaseStatus = "blocked"
	// PhaseStatusPassed indicates the gate verdict passed.
	PhaseStatusPassed PhaseStatus = "passed"
	// PhaseStatusSkipped is terminal and non-advancing, used only for
	// phases the deployment model declares unreachable.
	PhaseStatusSkipped PhaseStatus = "skipped"
)

// Valid returns true if the status is a known value.
func (s PhaseStatus) Valid() bool {
	switch s {
	case PhaseStatusPending, PhaseStatusRunning, PhaseStatusBlocked,
		PhaseStatusPassed, PhaseStatusSkipped:
		return true
	default:
		return false
	}
}

// GateKind identifies the external pipeline that gates a phase.
type GateKind string

const (
	// GateReview is a human or automated plan review.
	GateReview GateKind = "review"
	// GateCI is the continuous-integration pipeline.
	GateCI GateKind = "ci"
	// GateContract is the contract verification pipeline.
	GateContract GateKind = "contract"
	// GateRelease is the deployment/rollout pipeline.
	GateRelease GateKind = "release"
)

// Phase is one ordered stage attached to a feature. Order is the phase's
// index in the feature's path; phase i+1 may run only once phase i passed.
type Phase struct {
	Name   PhaseName   `json:"name"`
	Order  int         `json:"order"`
	Gate   GateKind    `json:"gate"`
	Status PhaseStatus `json:"status"`
}

// DeploymentModel determines which phases of the standard path are
// reachable for a feature.
type DeploymentModel string

const (
	// DeployLocal develops and integrates locally; no rollout phases.
	DeployLocal DeploymentModel = "local"
	// DeployStaging rolls out to staging but not production.
	DeployStaging DeploymentModel = "staging"
	// DeployProduction follows the full path through production rollout.
	DeployProduction DeploymentModel = "production"
)

// Valid returns true if the model is a known value.
func (m DeploymentModel) Valid() bool {
	switch m {
	case DeployLocal, DeployStaging, DeployProduction:
		return true
	default:
		return false
	}
}

// phasePath is the full ordered phase path. Every feature carries all
// phases; the deployment model marks the unreachable tail as skippable.
var phasePath = []struct {
	name PhaseName
	gate GateKind
}{
	{PhasePlanning, GateReview},
	{PhaseDesign, GateReview},
	{PhaseImplementation, GateCI},
	{PhaseIntegration, GateContract},
	{PhaseStagingRollout, GateRelease},
	{PhaseProductionRollout, GateRelease},
}

// reachable maps each deployment model to the number of leading phases
// in phasePath that the model can actually enter.
var reachable = map[DeploymentModel]int{
	DeployLocal:      4,
	DeployStaging:    5,
	DeployProduction: 6,
}

// PhasePath returns the ordered phases for a deployment model. Unreachable
// phases are present but may only ever be skipped, never entered.
func PhasePath(model DeploymentModel) []Phase {
	phases := make([]Phase, len(phasePath))
	for i, p := range phasePath {
		phases[i] = Phase{Name: p.name, Order: i, Gate: p.gate, Status: PhaseStatusPending}
	}
	return phases
}

// Reachable returns true if the deployment model can enter the phase.
func (m DeploymentModel) Reachable(name PhaseName) bool {
	limit, ok := reachable[m]
	if !ok {
		return false
	}
	for i, p := range phasePath {
		if p.name == name {
			return i < limit
		}
	}
	return false
}
