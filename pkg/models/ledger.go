package models

import (
	"encoding/json"
	"time"
)

// EntityKind identifies which materialized view a ledger entry belongs to.
type EntityKind string

const (
	EntityFeature  EntityKind = "feature"
	EntityEpic     EntityKind = "epic"
	EntityTask     EntityKind = "task"
	EntityContract EntityKind = "contract"
)

// Valid returns true if the kind is a known value.
func (k EntityKind) Valid() bool {
	switch k {
	case EntityFeature, EntityEpic, EntityTask, EntityContract:
		return true
	default:
		return false
	}
}

// LedgerEntry is one durable state transition. The ledger is append-only
// with a monotonic per-feature sequence; every entity table is a
// materialized view computed by replaying entries in order.
type LedgerEntry struct {
	// Seq is the entry's position in the feature's ledger, assigned on append.
	Seq int64 `json:"seq"`
	// Timestamp is when the entry was appended.
	Timestamp time.Time `json:"timestamp"`
	// FeatureSlug scopes the sequence.
	FeatureSlug string `json:"feature_slug"`
	// EntityKind and EntityID identify the entity transitioned.
	EntityKind EntityKind `json:"entity_kind"`
	EntityID   string     `json:"entity_id"`
	// PrevVersion is the version the writer observed; NewVersion is
	// always PrevVersion+1. A mismatch against the last recorded version
	// rejects the append.
	PrevVersion int64 `json:"prev_version"`
	NewVersion  int64 `json:"new_version"`
	// Payload is the full entity state after the transition.
	Payload json.RawMessage `json:"payload"`
}
