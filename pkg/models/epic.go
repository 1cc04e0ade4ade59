package models

import (
	"strings"
	"time"
)

// BlockedReason prefixes. A dependency_failed block is permanent: the
// failed dependency never recovers, so neither does the epic. Every
// other reason (contract_violation) is remediable and the epic still
// counts as active work.
const (
	BlockedDependencyFailed  = "dependency_failed:"
	BlockedContractViolation = "contract_violation:"
)

// EpicStatus represents the current state of an epic.
type EpicStatus string

const (
	// EpicStatusBlocked indicates at least one dependency is not done.
	EpicStatusBlocked EpicStatus = "blocked"
	// EpicStatusReady indicates every dependency is done and tasks may start.
	EpicStatusReady EpicStatus = "ready"
	// EpicStatusInProgress indicates at least one task has started.
	EpicStatusInProgress EpicStatus = "in_progress"
	// EpicStatusContractsVerified indicates all tasks are done and every
	// referenced contract passed verification.
	EpicStatusContractsVerified EpicStatus = "contracts_verified"
	// EpicStatusDone indicates the epic is complete.
	EpicStatusDone EpicStatus = "done"
	// EpicStatusFailed indicates a task exhausted its retries. Dependent
	// epics never become ready once this is set.
	EpicStatusFailed EpicStatus = "failed"
)

// Valid returns true if the status is a known value.
func (s EpicStatus) Valid() bool {
	switch s {
	case EpicStatusBlocked, EpicStatusReady, EpicStatusInProgress,
		EpicStatusContractsVerified, EpicStatusDone, EpicStatusFailed:
		return true
	default:
		return false
	}
}

// Epic is a dependency-aware vertical slice of work within a phase.
type Epic struct {
	// ID is the unique identifier for this epic within its feature.
	ID string `json:"id"`
	// FeatureSlug is the feature this epic belongs to.
	FeatureSlug string `json:"feature_slug"`
	// Phase is the phase this epic was declared under.
	Phase PhaseName `json:"phase"`
	// Slice describes the vertical slice kind (api, ui, data, ...).
	Slice string `json:"slice"`
	// DependsOn lists epic IDs that must be done before this epic is ready.
	DependsOn []string `json:"depends_on,omitempty"`
	// Contracts lists contract IDs this epic's tasks touch. Each must pass
	// verification before the epic reaches contracts_verified.
	Contracts []string `json:"contracts,omitempty"`
	// Status is the current state of the epic.
	Status EpicStatus `json:"status"`
	// BlockedReason explains why the epic is blocked, when it is.
	BlockedReason string `json:"blocked_reason,omitempty"`
	// DeclOrder is the epic's position in the declaration file.
	DeclOrder int `json:"decl_order"`
	// CreatedAt is when the epic was declared.
	CreatedAt time.Time `json:"created_at"`
	// CompletedAt is when the epic finished, if done.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// PermanentlyBlocked reports whether the epic is blocked behind a failed
// dependency and can never make progress again.
func (e *Epic) PermanentlyBlocked() bool {
	return e.Status == EpicStatusBlocked && strings.HasPrefix(e.BlockedReason, BlockedDependencyFailed)
}
