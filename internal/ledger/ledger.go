// Package ledger provides the durable, append-only record of every state
// transition. It is the sole persistence primitive: entity tables are
// materialized views computed by replaying entries in order. Appends are
// version-checked so that no two successful writes for the same entity
// can share a prev_version.
package ledger

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/loomworks/loom/pkg/models"
)

// ErrNotFound indicates no ledger entry exists for the requested entity.
var ErrNotFound = errors.New("entity not found in ledger")

// VersionConflictError rejects an append whose prev_version does not match
// the last recorded version for the entity. Recoverable: the caller
// re-reads and either retries or abandons.
type VersionConflictError struct {
	EntityKind models.EntityKind
	EntityID   string
	Expected   int64 // version the writer observed
	Actual     int64 // last recorded version
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("version conflict on %s %s: observed %d, ledger at %d",
		e.EntityKind, e.EntityID, e.Expected, e.Actual)
}

// Store wraps an SQLite database holding the ledger.
type Store struct {
	conn *sql.DB
	path string
	mu   sync.Mutex
}

// ProjectPath returns the path to the project-local ledger database.
func ProjectPath(projectRoot string) string {
	return filepath.Join(projectRoot, ".loom", "ledger.db")
}

// Open opens the ledger database at the given path, creating parent
// directories if needed. WAL mode is enabled for concurrent reads and
// synchronous=FULL so an acknowledged append survives a crash.
// Transactions take the write lock immediately so the version check in
// Append reads the latest committed state even when another process
// writes concurrently; a losing writer gets a clean version conflict
// instead of a snapshot-upgrade error.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create ledger directory: %w", err)
	}

	conn, err := sql.Open("sqlite", "file:"+path+"?_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("open ledger database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=FULL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := conn.Exec(p); err != nil {
			conn.Close()
			return nil, fmt.Errorf("apply %s: %w", p, err)
		}
	}

	return &Store{conn: conn, path: path}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.Close()
}

// Path returns the path to the database file.
func (s *Store) Path() string {
	return s.path
}

// Migrate applies all pending schema migrations.
func (s *Store) Migrate() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.conn.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var currentVersion int
	row := s.conn.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version")
	if err := row.Scan(&currentVersion); err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	migrations := []struct {
		version int
		sql     string
	}{
		{1, migrationV1Ledger},
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}

		tx, err := s.conn.Begin()
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}

		if _, err := tx.Exec(m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration v%d: %w", m.version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", m.version); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration v%d: %w", m.version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration v%d: %w", m.version, err)
		}
	}

	return nil
}

const migrationV1Ledger = `
CREATE TABLE IF NOT EXISTS ledger (
	feature_slug TEXT NOT NULL,
	seq INTEGER NOT NULL,
	ts TEXT NOT NULL,
	entity_kind TEXT NOT NULL,
	entity_id TEXT NOT NULL,
	prev_version INTEGER NOT NULL,
	new_version INTEGER NOT NULL,
	payload TEXT NOT NULL,
	PRIMARY KEY (feature_slug, seq)
);

CREATE INDEX IF NOT EXISTS idx_ledger_entity
	ON ledger(feature_slug, entity_kind, entity_id, new_version);
`

// Append durably records a state transition. The entry's PrevVersion must
// match the last recorded version for (entity_kind, entity_id) within the
// feature, or a *VersionConflictError is returned and nothing is written.
// A new entity starts at PrevVersion 0. On success the assigned sequence
// number is returned after the write is committed.
func (s *Store) Append(e *models.LedgerEntry) (int64, error) {
	if !e.EntityKind.Valid() {
		return 0, fmt.Errorf("append: unknown entity kind %q", e.EntityKind)
	}
	if e.FeatureSlug == "" || e.EntityID == "" {
		return 0, fmt.Errorf("append: feature slug and entity id are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.conn.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	var last int64
	row := tx.QueryRow(`
		SELECT COALESCE(MAX(new_version), 0) FROM ledger
		WHERE feature_slug = ? AND entity_kind = ? AND entity_id = ?
	`, e.FeatureSlug, string(e.EntityKind), e.EntityID)
	if err := row.Scan(&last); err != nil {
		return 0, fmt.Errorf("read last version: %w", err)
	}

	if e.PrevVersion != last {
		return 0, &VersionConflictError{
			EntityKind: e.EntityKind,
			EntityID:   e.EntityID,
			Expected:   e.PrevVersion,
			Actual:     last,
		}
	}

	var seq int64
	row = tx.QueryRow("SELECT COALESCE(MAX(seq), 0) FROM ledger WHERE feature_slug = ?", e.FeatureSlug)
	if err := row.Scan(&seq); err != nil {
		return 0, fmt.Errorf("read last seq: %w", err)
	}
	seq++

	e.Seq = seq
	e.NewVersion = e.PrevVersion + 1
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	_, err = tx.Exec(`
		INSERT INTO ledger (feature_slug, seq, ts, entity_kind, entity_id, prev_version, new_version, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, e.FeatureSlug, seq, formatTime(e.Timestamp), string(e.EntityKind), e.EntityID,
		e.PrevVersion, e.NewVersion, string(e.Payload))
	if err != nil {
		return 0, fmt.Errorf("append entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit append: %w", err)
	}
	return seq, nil
}

// Snapshot returns the entity's latest payload and version by replaying
// its entries. Because every payload carries the full post-transition
// state, the latest entry is the materialized view.
func (s *Store) Snapshot(feature string, kind models.EntityKind, id string) (json.RawMessage, int64, error) {
	row := s.conn.QueryRow(`
		SELECT payload, new_version FROM ledger
		WHERE feature_slug = ? AND entity_kind = ? AND entity_id = ?
		ORDER BY new_version DESC LIMIT 1
	`, feature, string(kind), id)

	var payload string
	var version int64
	err := row.Scan(&payload, &version)
	if err == sql.ErrNoRows {
		return nil, 0, ErrNotFound
	}
	if err != nil {
		return nil, 0, fmt.Errorf("snapshot %s %s: %w", kind, id, err)
	}
	return json.RawMessage(payload), version, nil
}

// EntitySnapshot pairs an entity's latest state with its version.
type EntitySnapshot struct {
	EntityID string
	Version  int64
	Payload  json.RawMessage
}

// SnapshotAll returns the latest snapshot for every entity of a kind
// within a feature, ordered by entity id for determinism.
func (s *Store) SnapshotAll(feature string, kind models.EntityKind) ([]EntitySnapshot, error) {
	rows, err := s.conn.Query(`
		SELECT entity_id, payload, new_version FROM ledger l
		WHERE feature_slug = ? AND entity_kind = ?
		  AND new_version = (
			SELECT MAX(new_version) FROM ledger
			WHERE feature_slug = l.feature_slug AND entity_kind = l.entity_kind AND entity_id = l.entity_id
		  )
		ORDER BY entity_id
	`, feature, string(kind))
	if err != nil {
		return nil, fmt.Errorf("snapshot all %s: %w", kind, err)
	}
	defer rows.Close()

	var snaps []EntitySnapshot
	for rows.Next() {
		var snap EntitySnapshot
		var payload string
		if err := rows.Scan(&snap.EntityID, &payload, &snap.Version); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		snap.Payload = json.RawMessage(payload)
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}

// Replay returns all entries for a feature with seq >= fromSeq in order.
// Used for crash recovery and for computing derived views.
func (s *Store) Replay(feature string, fromSeq int64) ([]models.LedgerEntry, error) {
	rows, err := s.conn.Query(`
		SELECT seq, ts, entity_kind, entity_id, prev_version, new_version, payload
		FROM ledger WHERE feature_slug = ? AND seq >= ? ORDER BY seq
	`, feature, fromSeq)
	if err != nil {
		return nil, fmt.Errorf("replay from %d: %w", fromSeq, err)
	}
	defer rows.Close()

	var entries []models.LedgerEntry
	for rows.Next() {
		var e models.LedgerEntry
		var ts, kind, payload string
		if err := rows.Scan(&e.Seq, &ts, &kind, &e.EntityID, &e.PrevVersion, &e.NewVersion, &payload); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		e.FeatureSlug = feature
		e.EntityKind = models.EntityKind(kind)
		e.Payload = json.RawMessage(payload)
		e.Timestamp, _ = parseTime(ts)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Features returns the slugs of all features present in the ledger.
func (s *Store) Features() ([]string, error) {
	rows, err := s.conn.Query("SELECT DISTINCT feature_slug FROM ledger ORDER BY feature_slug")
	if err != nil {
		return nil, fmt.Errorf("list features: %w", err)
	}
	defer rows.Close()

	var slugs []string
	for rows.Next() {
		var slug string
		if err := rows.Scan(&slug); err != nil {
			return nil, fmt.Errorf("scan feature slug: %w", err)
		}
		slugs = append(slugs, slug)
	}
	return slugs, rows.Err()
}

// PurgeFeature deletes every ledger entry for a feature. Intended only
// for archived features past the retention cutoff; the caller checks the
// archive state first. Returns the number of entries deleted.
func (s *Store) PurgeFeature(slug string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.conn.Exec("DELETE FROM ledger WHERE feature_slug = ?", slug)
	if err != nil {
		return 0, fmt.Errorf("purge feature %s: %w", slug, err)
	}
	count, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("get rows affected: %w", err)
	}
	return count, nil
}

// formatTime formats a time.Time for SQLite storage.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// parseTime parses a time string from SQLite.
func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
