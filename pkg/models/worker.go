package models

// WorkerKind identifies the specialist worker type a task requires.
// The set is closed: scheduling and WIP accounting dispatch through
// WorkerKinds rather than comparing free-form strings.
type WorkerKind string

const (
	// WorkerBackend implements server-side code and storage.
	WorkerBackend WorkerKind = "backend"
	// WorkerFrontend implements client-facing code.
	WorkerFrontend WorkerKind = "frontend"
	// WorkerInfra handles deployment, pipelines, and environments.
	WorkerInfra WorkerKind = "infra"
	// WorkerQA writes and runs verification suites.
	WorkerQA WorkerKind = "qa"
)

// workerKindOrder fixes the iteration order for deterministic scheduling.
var workerKindOrder = []WorkerKind{WorkerBackend, WorkerFrontend, WorkerInfra, WorkerQA}

// WorkerKinds returns all known worker kinds in a stable order.
func WorkerKinds() []WorkerKind {
	kinds := make([]WorkerKind, len(workerKindOrder))
	copy(kinds, workerKindOrder)
	return kinds
}

// Valid returns true if the kind is a known value.
func (k WorkerKind) Valid() bool {
	for _, known := range workerKindOrder {
		if k == known {
			return true
		}
	}
	return false
}
