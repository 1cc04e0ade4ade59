package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ContractVersion is a semantic version for a shared interface contract.
type ContractVersion struct {
	Major int `json:"major"`
	Minor int `json:"minor"`
	Patch int `json:"patch"`
}

// String renders the version as "major.minor.patch".
func (v ContractVersion) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// ParseContractVersion parses a "major.minor.patch" string.
func ParseContractVersion(s string) (ContractVersion, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 3 {
		return ContractVersion{}, fmt.Errorf("invalid contract version %q", s)
	}
	nums := make([]int, 3)
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return ContractVersion{}, fmt.Errorf("invalid contract version %q", s)
		}
		nums[i] = n
	}
	return ContractVersion{Major: nums[0], Minor: nums[1], Patch: nums[2]}, nil
}

// BumpKind identifies the kind of contract version bump.
type BumpKind string

const (
	BumpMajor BumpKind = "major"
	BumpMinor BumpKind = "minor"
	BumpPatch BumpKind = "patch"
)

// Valid returns true if the bump kind is a known value.
func (k BumpKind) Valid() bool {
	switch k {
	case BumpMajor, BumpMinor, BumpPatch:
		return true
	default:
		return false
	}
}

// Bump returns the version after a bump of the given kind.
func (v ContractVersion) Bump(kind BumpKind) ContractVersion {
	switch kind {
	case BumpMajor:
		return ContractVersion{Major: v.Major + 1}
	case BumpMinor:
		return ContractVersion{Major: v.Major, Minor: v.Minor + 1}
	default:
		return ContractVersion{Major: v.Major, Minor: v.Minor, Patch: v.Patch + 1}
	}
}

// Contract is a versioned, lockable shared interface description consumed
// by multiple epics. Contracts are created on first reference and never
// deleted, only superseded by new versions.
type Contract struct {
	// ID is the contract namespace, unique across the feature.
	ID string `json:"id"`
	// FeatureSlug scopes the contract's ledger entries.
	FeatureSlug string `json:"feature_slug"`
	// Version is the current declared version.
	Version ContractVersion `json:"version"`
	// LockHolder is the epic holding the major-change lock, if any.
	LockHolder string `json:"lock_holder,omitempty"`
	// LockedAt is when the current lock was acquired.
	LockedAt *time.Time `json:"locked_at,omitempty"`
	// SchemaHash is the content hash of the current declared schema.
	SchemaHash string `json:"schema_hash"`
	// Schema is the declared schema text the hash is derived from.
	Schema string `json:"schema,omitempty"`
	// Expectations records each consumer epic's expected schema hash.
	Expectations map[string]string `json:"expectations,omitempty"`
}

// Locked returns true while an epic holds the major-change lock.
func (c *Contract) Locked() bool {
	return c.LockHolder != ""
}
