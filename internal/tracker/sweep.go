package tracker

import (
	"errors"
	"fmt"
	"time"

	"github.com/loomworks/loom/internal/ledger"
	"github.com/loomworks/loom/pkg/models"
)

// SweepStale fails tasks that have sat in_progress past the cutoff,
// using the last known version for each. A version conflict means the
// worker just finished after all; the sweep's transition is dropped,
// never forced. Returns the IDs of tasks the sweep failed.
func (t *Tracker) SweepStale(feature string, olderThan time.Duration, now time.Time) ([]string, error) {
	tasks, err := t.store.ListTasks(feature)
	if err != nil {
		return nil, fmt.Errorf("sweep %s: %w", feature, err)
	}

	cutoff := now.Add(-olderThan)
	var swept []string
	for _, vt := range tasks {
		if vt.Status != models.TaskStatusInProgress {
			continue
		}
		if vt.StartedAt == nil || !vt.StartedAt.Before(cutoff) {
			continue
		}

		_, err := t.Transition(feature, vt.ID, vt.Version, models.TaskStatusFailed, Payload{
			Error: fmt.Sprintf("stale: in progress since %s", vt.StartedAt.Format(time.RFC3339)),
		})
		if err != nil {
			var conflict *ledger.VersionConflictError
			if errors.As(err, &conflict) {
				t.debugLog("[tracker] sweep dropped for task %s: worker finished first", vt.ID)
				continue
			}
			return swept, fmt.Errorf("sweep task %s: %w", vt.ID, err)
		}
		swept = append(swept, vt.ID)
	}
	return swept, nil
}
