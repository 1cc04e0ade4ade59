package ledger

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/loomworks/loom/pkg/models"
)

// setupTestStore creates a migrated temporary ledger for testing.
func setupTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("failed to open test ledger: %v", err)
	}
	if err := s.Migrate(); err != nil {
		t.Fatalf("failed to migrate test ledger: %v", err)
	}
	t.Cleanup(func() {
		s.Close()
	})
	return s
}

func entry(feature, id string, prev int64, payload string) *models.LedgerEntry {
	return &models.LedgerEntry{
		FeatureSlug: feature,
		EntityKind:  models.EntityTask,
		EntityID:    id,
		PrevVersion: prev,
		Payload:     json.RawMessage(payload),
	}
}

func TestOpenCreatesParentDirectories(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a", "b", "ledger.db")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Errorf("database file does not exist at %s", path)
	}
	if s.Path() != path {
		t.Errorf("Path() = %q, want %q", s.Path(), path)
	}
}

func TestAppendConflictAcrossStores(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	a, err := Open(path)
	if err != nil {
		t.Fatalf("open first store: %v", err)
	}
	defer a.Close()
	if err := a.Migrate(); err != nil {
		t.Fatal(err)
	}

	// A second connection to the same file, as a worker process would hold.
	b, err := Open(path)
	if err != nil {
		t.Fatalf("open second store: %v", err)
	}
	defer b.Close()

	if _, err := a.Append(entry("f1", "t1", 0, `{"id":"t1"}`)); err != nil {
		t.Fatalf("append via first store: %v", err)
	}

	// The loser of the race sees the committed version and gets a clean
	// conflict, not a busy or snapshot error.
	_, err = b.Append(entry("f1", "t1", 0, `{"id":"t1"}`))
	var conflict *VersionConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected VersionConflictError across stores, got %v", err)
	}
	if conflict.Actual != 1 {
		t.Errorf("conflict actual = %d, want 1", conflict.Actual)
	}

	// With the right prev_version the second store appends fine.
	if _, err := b.Append(entry("f1", "t1", 1, `{"status":"done"}`)); err != nil {
		t.Errorf("append with correct version: %v", err)
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	s := setupTestStore(t)
	if err := s.Migrate(); err != nil {
		t.Fatalf("second Migrate failed: %v", err)
	}
}

func TestAppendAssignsMonotonicSeq(t *testing.T) {
	s := setupTestStore(t)

	seq1, err := s.Append(entry("f1", "t1", 0, `{"id":"t1"}`))
	if err != nil {
		t.Fatalf("first append: %v", err)
	}
	seq2, err := s.Append(entry("f1", "t2", 0, `{"id":"t2"}`))
	if err != nil {
		t.Fatalf("second append: %v", err)
	}
	seq3, err := s.Append(entry("f1", "t1", 1, `{"id":"t1","status":"done"}`))
	if err != nil {
		t.Fatalf("third append: %v", err)
	}

	if seq1 != 1 || seq2 != 2 || seq3 != 3 {
		t.Errorf("sequence = %d, %d, %d, want 1, 2, 3", seq1, seq2, seq3)
	}

	// A different feature gets its own sequence.
	seq, err := s.Append(entry("f2", "t1", 0, `{"id":"t1"}`))
	if err != nil {
		t.Fatalf("append other feature: %v", err)
	}
	if seq != 1 {
		t.Errorf("other feature seq = %d, want 1", seq)
	}
}

func TestAppendVersionConflict(t *testing.T) {
	s := setupTestStore(t)

	if _, err := s.Append(entry("f1", "t1", 0, `{}`)); err != nil {
		t.Fatalf("create: %v", err)
	}

	// Stale prev_version is rejected and not written.
	_, err := s.Append(entry("f1", "t1", 0, `{}`))
	var conflict *VersionConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected VersionConflictError, got %v", err)
	}
	if conflict.Expected != 0 || conflict.Actual != 1 {
		t.Errorf("conflict = expected %d actual %d, want 0 and 1", conflict.Expected, conflict.Actual)
	}

	entries, err := s.Replay("f1", 1)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("ledger has %d entries after rejected append, want 1", len(entries))
	}
}

func TestAppendConcurrentSameVersionExactlyOneWins(t *testing.T) {
	s := setupTestStore(t)

	if _, err := s.Append(entry("f1", "t1", 0, `{}`)); err != nil {
		t.Fatalf("create: %v", err)
	}

	const writers = 8
	var wg sync.WaitGroup
	results := make(chan error, writers)

	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Append(entry("f1", "t1", 1, `{"racing":true}`))
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var wins, conflicts int
	for err := range results {
		if err == nil {
			wins++
			continue
		}
		var conflict *VersionConflictError
		if errors.As(err, &conflict) {
			conflicts++
		} else {
			t.Errorf("unexpected error: %v", err)
		}
	}

	if wins != 1 {
		t.Errorf("%d writers succeeded for the same prev_version, want exactly 1", wins)
	}
	if conflicts != writers-1 {
		t.Errorf("%d conflicts, want %d", conflicts, writers-1)
	}
}

func TestSnapshotReturnsLatest(t *testing.T) {
	s := setupTestStore(t)

	if _, err := s.Append(entry("f1", "t1", 0, `{"status":"pending"}`)); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Append(entry("f1", "t1", 1, `{"status":"in_progress"}`)); err != nil {
		t.Fatal(err)
	}

	payload, version, err := s.Snapshot("f1", models.EntityTask, "t1")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if version != 2 {
		t.Errorf("version = %d, want 2", version)
	}
	var state struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(payload, &state); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if state.Status != "in_progress" {
		t.Errorf("status = %q, want in_progress", state.Status)
	}
}

func TestSnapshotNotFound(t *testing.T) {
	s := setupTestStore(t)
	_, _, err := s.Snapshot("f1", models.EntityTask, "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestReplayOrderAndFromSeq(t *testing.T) {
	s := setupTestStore(t)

	for i, id := range []string{"a", "b", "c"} {
		if _, err := s.Append(entry("f1", id, 0, `{}`)); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	entries, err := s.Replay("f1", 2)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[0].Seq != 2 || entries[1].Seq != 3 {
		t.Errorf("seqs = %d, %d, want 2, 3", entries[0].Seq, entries[1].Seq)
	}
	if entries[0].EntityID != "b" || entries[1].EntityID != "c" {
		t.Errorf("ids = %s, %s, want b, c", entries[0].EntityID, entries[1].EntityID)
	}
}

func TestPutGetTaskRoundTrip(t *testing.T) {
	s := setupTestStore(t)

	task := &models.Task{
		ID:          "t1",
		EpicID:      "e1",
		FeatureSlug: "f1",
		Description: "wire the handler",
		Status:      models.TaskStatusPending,
		Worker:      models.WorkerBackend,
		CreatedAt:   time.Now().UTC(),
	}

	v1, err := s.PutTask(task, 0)
	if err != nil {
		t.Fatalf("put task: %v", err)
	}
	if v1 != 1 {
		t.Errorf("new version = %d, want 1", v1)
	}

	got, version, err := s.GetTask("f1", "t1")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if version != 1 {
		t.Errorf("version = %d, want 1", version)
	}
	if got.Description != task.Description || got.Worker != task.Worker {
		t.Errorf("round trip mismatch: %+v", got)
	}
}

func TestListTasksReturnsLatestPerTask(t *testing.T) {
	s := setupTestStore(t)

	t1 := &models.Task{ID: "t1", FeatureSlug: "f1", Status: models.TaskStatusPending}
	t2 := &models.Task{ID: "t2", FeatureSlug: "f1", Status: models.TaskStatusPending}
	if _, err := s.PutTask(t1, 0); err != nil {
		t.Fatal(err)
	}
	if _, err := s.PutTask(t2, 0); err != nil {
		t.Fatal(err)
	}
	t1.Status = models.TaskStatusDone
	if _, err := s.PutTask(t1, 1); err != nil {
		t.Fatal(err)
	}

	tasks, err := s.ListTasks("f1")
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("got %d tasks, want 2", len(tasks))
	}
	for _, vt := range tasks {
		switch vt.ID {
		case "t1":
			if vt.Status != models.TaskStatusDone || vt.Version != 2 {
				t.Errorf("t1 = %s v%d, want done v2", vt.Status, vt.Version)
			}
		case "t2":
			if vt.Status != models.TaskStatusPending || vt.Version != 1 {
				t.Errorf("t2 = %s v%d, want pending v1", vt.Status, vt.Version)
			}
		}
	}
}

func TestPurgeFeature(t *testing.T) {
	s := setupTestStore(t)

	if _, err := s.Append(entry("f1", "t1", 0, `{}`)); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Append(entry("f2", "t1", 0, `{}`)); err != nil {
		t.Fatal(err)
	}

	count, err := s.PurgeFeature("f1")
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if count != 1 {
		t.Errorf("purged %d entries, want 1", count)
	}

	slugs, err := s.Features()
	if err != nil {
		t.Fatal(err)
	}
	if len(slugs) != 1 || slugs[0] != "f2" {
		t.Errorf("features = %v, want [f2]", slugs)
	}
}
