package ledger

import (
	"encoding/json"
	"fmt"

	"github.com/loomworks/loom/pkg/models"
)

// Typed accessors over the raw ledger. Each Get decodes the latest
// snapshot; each Put marshals the full post-transition state and appends
// it with the caller's observed version. Components never cache these
// results as authoritative state.

// VersionedTask pairs a task snapshot with its ledger version.
type VersionedTask struct {
	models.Task
	Version int64
}

// VersionedEpic pairs an epic snapshot with its ledger version.
type VersionedEpic struct {
	models.Epic
	Version int64
}

// VersionedContract pairs a contract snapshot with its ledger version.
type VersionedContract struct {
	models.Contract
	Version int64
}

// GetFeature returns the feature's latest state and version.
func (s *Store) GetFeature(slug string) (*models.Feature, int64, error) {
	payload, version, err := s.Snapshot(slug, models.EntityFeature, slug)
	if err != nil {
		return nil, 0, err
	}
	var f models.Feature
	if err := json.Unmarshal(payload, &f); err != nil {
		return nil, 0, fmt.Errorf("decode feature %s: %w", slug, err)
	}
	return &f, version, nil
}

// PutFeature appends the feature's new state. prevVersion 0 creates it.
func (s *Store) PutFeature(f *models.Feature, prevVersion int64) (int64, error) {
	return s.putEntity(f.Slug, models.EntityFeature, f.Slug, f, prevVersion)
}

// GetTask returns a task's latest state and version.
func (s *Store) GetTask(feature, id string) (*models.Task, int64, error) {
	payload, version, err := s.Snapshot(feature, models.EntityTask, id)
	if err != nil {
		return nil, 0, err
	}
	var t models.Task
	if err := json.Unmarshal(payload, &t); err != nil {
		return nil, 0, fmt.Errorf("decode task %s: %w", id, err)
	}
	return &t, version, nil
}

// PutTask appends the task's new state. prevVersion 0 creates it.
func (s *Store) PutTask(t *models.Task, prevVersion int64) (int64, error) {
	return s.putEntity(t.FeatureSlug, models.EntityTask, t.ID, t, prevVersion)
}

// GetEpic returns an epic's latest state and version.
func (s *Store) GetEpic(feature, id string) (*models.Epic, int64, error) {
	payload, version, err := s.Snapshot(feature, models.EntityEpic, id)
	if err != nil {
		return nil, 0, err
	}
	var e models.Epic
	if err := json.Unmarshal(payload, &e); err != nil {
		return nil, 0, fmt.Errorf("decode epic %s: %w", id, err)
	}
	return &e, version, nil
}

// PutEpic appends the epic's new state. prevVersion 0 creates it.
func (s *Store) PutEpic(e *models.Epic, prevVersion int64) (int64, error) {
	return s.putEntity(e.FeatureSlug, models.EntityEpic, e.ID, e, prevVersion)
}

// GetContract returns a contract's latest state and version.
func (s *Store) GetContract(feature, id string) (*models.Contract, int64, error) {
	payload, version, err := s.Snapshot(feature, models.EntityContract, id)
	if err != nil {
		return nil, 0, err
	}
	var c models.Contract
	if err := json.Unmarshal(payload, &c); err != nil {
		return nil, 0, fmt.Errorf("decode contract %s: %w", id, err)
	}
	return &c, version, nil
}

// PutContract appends the contract's new state. prevVersion 0 creates it.
func (s *Store) PutContract(c *models.Contract, prevVersion int64) (int64, error) {
	return s.putEntity(c.FeatureSlug, models.EntityContract, c.ID, c, prevVersion)
}

// ListTasks returns the latest snapshot of every task in a feature,
// ordered by task id.
func (s *Store) ListTasks(feature string) ([]VersionedTask, error) {
	snaps, err := s.SnapshotAll(feature, models.EntityTask)
	if err != nil {
		return nil, err
	}
	tasks := make([]VersionedTask, 0, len(snaps))
	for _, snap := range snaps {
		var vt VersionedTask
		if err := json.Unmarshal(snap.Payload, &vt.Task); err != nil {
			return nil, fmt.Errorf("decode task %s: %w", snap.EntityID, err)
		}
		vt.Version = snap.Version
		tasks = append(tasks, vt)
	}
	return tasks, nil
}

// ListEpics returns the latest snapshot of every epic in a feature,
// ordered by epic id.
func (s *Store) ListEpics(feature string) ([]VersionedEpic, error) {
	snaps, err := s.SnapshotAll(feature, models.EntityEpic)
	if err != nil {
		return nil, err
	}
	epics := make([]VersionedEpic, 0, len(snaps))
	for _, snap := range snaps {
		var ve VersionedEpic
		if err := json.Unmarshal(snap.Payload, &ve.Epic); err != nil {
			return nil, fmt.Errorf("decode epic %s: %w", snap.EntityID, err)
		}
		ve.Version = snap.Version
		epics = append(epics, ve)
	}
	return epics, nil
}

// ListContracts returns the latest snapshot of every contract in a
// feature, ordered by contract id.
func (s *Store) ListContracts(feature string) ([]VersionedContract, error) {
	snaps, err := s.SnapshotAll(feature, models.EntityContract)
	if err != nil {
		return nil, err
	}
	contracts := make([]VersionedContract, 0, len(snaps))
	for _, snap := range snaps {
		var vc VersionedContract
		if err := json.Unmarshal(snap.Payload, &vc.Contract); err != nil {
			return nil, fmt.Errorf("decode contract %s: %w", snap.EntityID, err)
		}
		vc.Version = snap.Version
		contracts = append(contracts, vc)
	}
	return contracts, nil
}

// putEntity marshals state and appends it with the observed version.
func (s *Store) putEntity(feature string, kind models.EntityKind, id string, state any, prevVersion int64) (int64, error) {
	payload, err := json.Marshal(state)
	if err != nil {
		return 0, fmt.Errorf("encode %s %s: %w", kind, id, err)
	}
	entry := &models.LedgerEntry{
		FeatureSlug: feature,
		EntityKind:  kind,
		EntityID:    id,
		PrevVersion: prevVersion,
		Payload:     payload,
	}
	if _, err := s.Append(entry); err != nil {
		return 0, err
	}
	return entry.NewVersion, nil
}
