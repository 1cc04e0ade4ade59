package orchestrator

import (
	"fmt"
	"sort"
	"time"

	"github.com/loomworks/loom/pkg/models"
)

// Progress is a point-in-time summary of a feature's work, derived
// entirely from the ledger.
type Progress struct {
	FeatureSlug  string
	CurrentPhase models.PhaseName
	PhaseStatus  models.PhaseStatus
	Archived     bool

	EpicsTotal   int
	EpicsDone    int
	EpicsFailed  int
	EpicsBlocked int

	TasksTotal      int
	TasksDone       int
	TasksInProgress int
	TasksFailed     int

	// Velocity is completed tasks per hour over the recent window, zero
	// when fewer than two tasks have completed.
	Velocity float64
	// ETA estimates when the remaining tasks finish at the current
	// velocity. Nil when velocity is zero or nothing remains.
	ETA *time.Time
}

// velocityWindow bounds how far back completions count toward velocity,
// so an old burst does not inflate the estimate forever.
const velocityWindow = 24 * time.Hour

// Progress summarizes a feature's epics and tasks.
func (o *Orchestrator) Progress(feature string) (*Progress, error) {
	f, _, err := o.store.GetFeature(feature)
	if err != nil {
		return nil, fmt.Errorf("read feature %s: %w", feature, err)
	}
	epics, err := o.store.ListEpics(feature)
	if err != nil {
		return nil, err
	}
	tasks, err := o.store.ListTasks(feature)
	if err != nil {
		return nil, err
	}

	p := &Progress{
		FeatureSlug:  feature,
		CurrentPhase: f.CurrentPhase,
		PhaseStatus:  f.PhaseStatus(),
		Archived:     f.Archived,
		EpicsTotal:   len(epics),
		TasksTotal:   len(tasks),
	}

	for _, ve := range epics {
		switch ve.Status {
		case models.EpicStatusDone:
			p.EpicsDone++
		case models.EpicStatusFailed:
			p.EpicsFailed++
		case models.EpicStatusBlocked:
			p.EpicsBlocked++
		}
	}

	now := time.Now().UTC()
	var completions []time.Time
	for _, vt := range tasks {
		switch vt.Status {
		case models.TaskStatusDone:
			p.TasksDone++
			if vt.CompletedAt != nil && now.Sub(*vt.CompletedAt) <= velocityWindow {
				completions = append(completions, *vt.CompletedAt)
			}
		case models.TaskStatusInProgress:
			p.TasksInProgress++
		case models.TaskStatusFailed:
			p.TasksFailed++
		}
	}

	p.Velocity = velocity(completions)
	if remaining := p.TasksTotal - p.TasksDone - p.TasksFailed; remaining > 0 && p.Velocity > 0 {
		eta := now.Add(time.Duration(float64(remaining) / p.Velocity * float64(time.Hour)))
		p.ETA = &eta
	}
	return p, nil
}

// velocity computes tasks per hour from the span between the first and
// last completion in the window.
func velocity(completions []time.Time) float64 {
	if len(completions) < 2 {
		return 0
	}
	sort.Slice(completions, func(i, j int) bool {
		return completions[i].Before(completions[j])
	})
	span := completions[len(completions)-1].Sub(completions[0])
	if span <= 0 {
		return 0
	}
	return float64(len(completions)-1) / span.Hours()
}
