package contract

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/loomworks/loom/internal/ledger"
	"github.com/loomworks/loom/pkg/models"
)

func setupRegistry(t *testing.T) *Registry {
	t.Helper()
	store, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	if err := store.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return New(store)
}

func TestDeclareCreatesOnFirstReference(t *testing.T) {
	r := setupRegistry(t)

	c, err := r.Declare("f1", "orders.api", "GetOrder(id) Order")
	if err != nil {
		t.Fatalf("declare: %v", err)
	}
	if c.Version.String() != "0.1.0" {
		t.Errorf("version = %s, want 0.1.0", c.Version)
	}
	if c.SchemaHash != SchemaHash("GetOrder(id) Order") {
		t.Error("schema hash mismatch")
	}

	// Second declare returns the existing contract unchanged.
	again, err := r.Declare("f1", "orders.api", "something else")
	if err != nil {
		t.Fatalf("second declare: %v", err)
	}
	if again.Schema != "GetOrder(id) Order" {
		t.Error("declare overwrote an existing contract")
	}
}

func TestLockExclusive(t *testing.T) {
	r := setupRegistry(t)
	if _, err := r.Declare("f1", "c", "v1"); err != nil {
		t.Fatal(err)
	}

	if err := r.Lock("f1", "c", "e1"); err != nil {
		t.Fatalf("first lock: %v", err)
	}
	// Re-lock by the holder is a no-op.
	if err := r.Lock("f1", "c", "e1"); err != nil {
		t.Fatalf("re-lock by holder: %v", err)
	}

	err := r.Lock("f1", "c", "e2")
	var locked *AlreadyLockedError
	if !errors.As(err, &locked) {
		t.Fatalf("expected AlreadyLockedError, got %v", err)
	}
	if locked.Holder != "e1" {
		t.Errorf("holder = %s, want e1", locked.Holder)
	}

	if err := r.Unlock("f1", "c", "e1"); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if err := r.Lock("f1", "c", "e2"); err != nil {
		t.Fatalf("lock after release: %v", err)
	}
}

func TestUnlockWrongHolder(t *testing.T) {
	r := setupRegistry(t)
	if _, err := r.Declare("f1", "c", "v1"); err != nil {
		t.Fatal(err)
	}
	if err := r.Lock("f1", "c", "e1"); err != nil {
		t.Fatal(err)
	}
	if err := r.Unlock("f1", "c", "e2"); err == nil {
		t.Error("expected error releasing a lock held by another epic")
	}
}

func TestMajorBumpRequiresLock(t *testing.T) {
	r := setupRegistry(t)
	if _, err := r.Declare("f1", "c", "v1"); err != nil {
		t.Fatal(err)
	}

	_, err := r.Bump("f1", "c", models.BumpMajor, "e1", "v2", SchemaHash("v1"))
	var locked *AlreadyLockedError
	if !errors.As(err, &locked) {
		t.Fatalf("expected AlreadyLockedError without lock, got %v", err)
	}

	if err := r.Lock("f1", "c", "e1"); err != nil {
		t.Fatal(err)
	}
	v, err := r.Bump("f1", "c", models.BumpMajor, "e1", "v2", SchemaHash("v1"))
	if err != nil {
		t.Fatalf("major bump with lock: %v", err)
	}
	if v.String() != "1.0.0" {
		t.Errorf("version = %s, want 1.0.0", v)
	}
}

func TestMinorBumpRejectedWhileDiverged(t *testing.T) {
	r := setupRegistry(t)
	if _, err := r.Declare("f1", "c", "v1"); err != nil {
		t.Fatal(err)
	}
	baseHash := SchemaHash("v1")

	// e1 locks and lands a major bump; the schema moves under e2.
	if err := r.Lock("f1", "c", "e1"); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Bump("f1", "c", models.BumpMajor, "e1", "v2-breaking", baseHash); err != nil {
		t.Fatal(err)
	}

	// e2's minor bump was computed against the old schema.
	_, err := r.Bump("f1", "c", models.BumpMinor, "e2", "v1-plus-field", baseHash)
	var diverged *DivergedError
	if !errors.As(err, &diverged) {
		t.Fatalf("expected DivergedError, got %v", err)
	}

	// After e1 releases, e2 re-reads and its bump succeeds.
	if err := r.Unlock("f1", "c", "e1"); err != nil {
		t.Fatal(err)
	}
	v, err := r.Bump("f1", "c", models.BumpMinor, "e2", "v2-plus-field", SchemaHash("v2-breaking"))
	if err != nil {
		t.Fatalf("bump after release: %v", err)
	}
	if v.String() != "1.1.0" {
		t.Errorf("version = %s, want 1.1.0", v)
	}
}

func TestVerifyReportsEveryMismatch(t *testing.T) {
	r := setupRegistry(t)
	if _, err := r.Declare("f1", "c", "v1"); err != nil {
		t.Fatal(err)
	}

	// Two consumers pin the current schema.
	if err := r.RecordExpectation("f1", "c", "e1"); err != nil {
		t.Fatal(err)
	}
	if err := r.RecordExpectation("f1", "c", "e2"); err != nil {
		t.Fatal(err)
	}

	violations, err := r.Verify("f1", "c")
	if err != nil {
		t.Fatal(err)
	}
	if len(violations) != 0 {
		t.Fatalf("expected clean verify, got %v", violations)
	}

	// The schema moves; both consumers are now stale, e3 pins the new one.
	if err := r.Lock("f1", "c", "e3"); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Bump("f1", "c", models.BumpMajor, "e3", "v2", SchemaHash("v1")); err != nil {
		t.Fatal(err)
	}
	if err := r.RecordExpectation("f1", "c", "e3"); err != nil {
		t.Fatal(err)
	}

	violations, err = r.Verify("f1", "c")
	if err != nil {
		t.Fatal(err)
	}
	if len(violations) != 2 {
		t.Fatalf("expected 2 violations, got %v", violations)
	}
	if violations[0].EpicID != "e1" || violations[1].EpicID != "e2" {
		t.Errorf("violations name %s, %s, want e1, e2", violations[0].EpicID, violations[1].EpicID)
	}
}

func TestReleaseHeldBy(t *testing.T) {
	r := setupRegistry(t)
	for _, id := range []string{"a", "b", "c"} {
		if _, err := r.Declare("f1", id, "schema "+id); err != nil {
			t.Fatal(err)
		}
	}
	if err := r.Lock("f1", "a", "e1"); err != nil {
		t.Fatal(err)
	}
	if err := r.Lock("f1", "b", "e1"); err != nil {
		t.Fatal(err)
	}
	if err := r.Lock("f1", "c", "e2"); err != nil {
		t.Fatal(err)
	}

	released, err := r.ReleaseHeldBy("f1", "e1")
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if len(released) != 2 || released[0] != "a" || released[1] != "b" {
		t.Errorf("released = %v, want [a b]", released)
	}

	// e2's lock is untouched.
	err = r.Lock("f1", "c", "e1")
	var locked *AlreadyLockedError
	if !errors.As(err, &locked) || locked.Holder != "e2" {
		t.Errorf("expected c still locked by e2, got %v", err)
	}
}
