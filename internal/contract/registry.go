// Package contract implements the registry for shared interface
// contracts: versioning, the major-change lock, and consumer
// verification. The lock is the system's only true mutual-exclusion
// primitive; everything else is optimistic.
package contract

import (
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/zeebo/blake3"

	"github.com/loomworks/loom/internal/ledger"
	"github.com/loomworks/loom/pkg/models"
)

// AlreadyLockedError rejects a lock attempt while another epic holds the
// major-change lock.
type AlreadyLockedError struct {
	ContractID string
	Holder     string
}

func (e *AlreadyLockedError) Error() string {
	return fmt.Sprintf("contract %s already locked by epic %s", e.ContractID, e.Holder)
}

// DivergedError rejects a minor/patch bump computed against a schema that
// an in-flight major bump has already changed.
type DivergedError struct {
	ContractID   string
	ObservedHash string
	CurrentHash  string
}

func (e *DivergedError) Error() string {
	return fmt.Sprintf("contract %s diverged: bump based on %.12s but schema is at %.12s",
		e.ContractID, e.ObservedHash, e.CurrentHash)
}

// Violation records one consumer whose expectation no longer matches the
// declared contract schema.
type Violation struct {
	ContractID string `json:"contract_id"`
	EpicID     string `json:"epic_id"`
	Expected   string `json:"expected_hash"`
	Actual     string `json:"actual_hash"`
}

func (v Violation) String() string {
	return fmt.Sprintf("contract %s: epic %s expects %.12s, declared schema is %.12s",
		v.ContractID, v.EpicID, v.Expected, v.Actual)
}

// SchemaHash returns the content hash of a declared schema.
func SchemaHash(schema string) string {
	sum := blake3.Sum256([]byte(schema))
	return hex.EncodeToString(sum[:])
}

// Registry drives contract state against the ledger.
type Registry struct {
	store    *ledger.Store
	debugLog func(format string, args ...interface{})
}

// New creates a Registry over the given ledger store.
func New(store *ledger.Store) *Registry {
	return &Registry{
		store:    store,
		debugLog: func(format string, args ...interface{}) {},
	}
}

// SetDebugLog sets the debug logging function.
func (r *Registry) SetDebugLog(fn func(format string, args ...interface{})) {
	if fn != nil {
		r.debugLog = fn
	}
}

// Declare creates a contract on first reference, or returns the existing
// one. New contracts start at version 0.1.0.
func (r *Registry) Declare(feature, id, schema string) (*models.Contract, error) {
	c, _, err := r.store.GetContract(feature, id)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, ledger.ErrNotFound) {
		return nil, err
	}

	c = &models.Contract{
		ID:           id,
		FeatureSlug:  feature,
		Version:      models.ContractVersion{Minor: 1},
		Schema:       schema,
		SchemaHash:   SchemaHash(schema),
		Expectations: make(map[string]string),
	}
	if _, err := r.store.PutContract(c, 0); err != nil {
		return nil, err
	}
	r.debugLog("[contract] declared %s at %s", id, c.Version)
	return c, nil
}

// Lock acquires the major-change lock for an epic. Re-locking by the
// current holder is a no-op; any other holder yields AlreadyLockedError.
func (r *Registry) Lock(feature, contractID, epicID string) error {
	c, version, err := r.store.GetContract(feature, contractID)
	if err != nil {
		return fmt.Errorf("read contract %s: %w", contractID, err)
	}
	if c.LockHolder == epicID {
		return nil
	}
	if c.Locked() {
		return &AlreadyLockedError{ContractID: contractID, Holder: c.LockHolder}
	}

	now := time.Now().UTC()
	c.LockHolder = epicID
	c.LockedAt = &now
	if _, err := r.store.PutContract(c, version); err != nil {
		return err
	}
	r.debugLog("[contract] %s locked by epic %s", contractID, epicID)
	return nil
}

// Unlock releases the lock if the epic holds it. Releasing a lock the
// epic does not hold is an error; an unlocked contract is a no-op.
func (r *Registry) Unlock(feature, contractID, epicID string) error {
	c, version, err := r.store.GetContract(feature, contractID)
	if err != nil {
		return fmt.Errorf("read contract %s: %w", contractID, err)
	}
	if !c.Locked() {
		return nil
	}
	if c.LockHolder != epicID {
		return fmt.Errorf("epic %s cannot release lock held by %s on %s", epicID, c.LockHolder, contractID)
	}

	c.LockHolder = ""
	c.LockedAt = nil
	if _, err := r.store.PutContract(c, version); err != nil {
		return err
	}
	r.debugLog("[contract] %s unlocked by epic %s", contractID, epicID)
	return nil
}

// ReleaseHeldBy releases every lock the epic holds within a feature.
// Called from the epic's completion and failure paths so a lock never
// dangles. Returns the IDs of contracts released.
func (r *Registry) ReleaseHeldBy(feature, epicID string) ([]string, error) {
	contracts, err := r.store.ListContracts(feature)
	if err != nil {
		return nil, fmt.Errorf("list contracts: %w", err)
	}

	var released []string
	for _, vc := range contracts {
		if vc.LockHolder != epicID {
			continue
		}
		c := vc.Contract
		c.LockHolder = ""
		c.LockedAt = nil
		if _, err := r.store.PutContract(&c, vc.Version); err != nil {
			return released, fmt.Errorf("release %s: %w", vc.ID, err)
		}
		released = append(released, vc.ID)
	}
	sort.Strings(released)
	return released, nil
}

// Bump advances the contract version. A major bump requires the caller
// to hold the lock. Minor and patch bumps need no lock, but are rejected
// with DivergedError when the caller's observed schema hash no longer
// matches the declared schema while another epic holds the lock: that is
// the signature of an in-flight major bump.
func (r *Registry) Bump(feature, contractID string, kind models.BumpKind, epicID, newSchema, observedHash string) (models.ContractVersion, error) {
	if !kind.Valid() {
		return models.ContractVersion{}, fmt.Errorf("bump: unknown kind %q", kind)
	}

	c, version, err := r.store.GetContract(feature, contractID)
	if err != nil {
		return models.ContractVersion{}, fmt.Errorf("read contract %s: %w", contractID, err)
	}

	if kind == models.BumpMajor {
		if c.LockHolder != epicID {
			return models.ContractVersion{}, &AlreadyLockedError{ContractID: contractID, Holder: c.LockHolder}
		}
	} else if c.Locked() && c.LockHolder != epicID && observedHash != c.SchemaHash {
		return models.ContractVersion{}, &DivergedError{
			ContractID:   contractID,
			ObservedHash: observedHash,
			CurrentHash:  c.SchemaHash,
		}
	}

	c.Version = c.Version.Bump(kind)
	c.Schema = newSchema
	c.SchemaHash = SchemaHash(newSchema)
	if _, err := r.store.PutContract(c, version); err != nil {
		return models.ContractVersion{}, err
	}
	r.debugLog("[contract] %s bumped %s to %s by epic %s", contractID, kind, c.Version, epicID)
	return c.Version, nil
}

// RecordExpectation pins the consumer epic to the contract's current
// schema hash. Verify later reports the consumer if the schema moves.
func (r *Registry) RecordExpectation(feature, contractID, epicID string) error {
	c, version, err := r.store.GetContract(feature, contractID)
	if err != nil {
		return fmt.Errorf("read contract %s: %w", contractID, err)
	}
	if c.Expectations == nil {
		c.Expectations = make(map[string]string)
	}
	c.Expectations[epicID] = c.SchemaHash
	if _, err := r.store.PutContract(c, version); err != nil {
		return err
	}
	return nil
}

// Verify re-derives the schema hash from the declared contract and diffs
// it against each consumer's recorded expectation, reporting every
// mismatch. An empty result means the contract verifies clean.
func (r *Registry) Verify(feature, contractID string) ([]Violation, error) {
	c, _, err := r.store.GetContract(feature, contractID)
	if err != nil {
		return nil, fmt.Errorf("read contract %s: %w", contractID, err)
	}

	actual := SchemaHash(c.Schema)
	var violations []Violation
	epicIDs := make([]string, 0, len(c.Expectations))
	for epicID := range c.Expectations {
		epicIDs = append(epicIDs, epicID)
	}
	sort.Strings(epicIDs)
	for _, epicID := range epicIDs {
		expected := c.Expectations[epicID]
		if expected != actual {
			violations = append(violations, Violation{
				ContractID: contractID,
				EpicID:     epicID,
				Expected:   expected,
				Actual:     actual,
			})
		}
	}
	return violations, nil
}

// VerifyAll verifies every listed contract and returns the combined
// violations. Used to gate an epic's contracts_verified transition.
func (r *Registry) VerifyAll(feature string, contractIDs []string) ([]Violation, error) {
	var all []Violation
	for _, id := range contractIDs {
		violations, err := r.Verify(feature, id)
		if err != nil {
			return nil, err
		}
		all = append(all, violations...)
	}
	return all, nil
}
