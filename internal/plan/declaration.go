// Package plan parses and validates feature declaration files. A
// declaration names the feature, its deployment model, and its epics
// with their dependencies, contracts, and task lists. Declarations are
// the system's only write interface for structure; all runtime state
// flows through the ledger.
package plan

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/loomworks/loom/internal/graph"
	"github.com/loomworks/loom/pkg/models"
)

// TaskDecl is one task in a declaration file.
type TaskDecl struct {
	ID          string            `yaml:"id"`
	Description string            `yaml:"description"`
	Worker      models.WorkerKind `yaml:"worker"`
	Priority    int               `yaml:"priority"`
}

// EpicDecl is one epic in a declaration file.
type EpicDecl struct {
	ID        string     `yaml:"id"`
	Slice     string     `yaml:"slice"`
	DependsOn []string   `yaml:"depends_on"`
	Contracts []string   `yaml:"contracts"`
	Tasks     []TaskDecl `yaml:"tasks"`
}

// Declaration is a parsed feature declaration file.
type Declaration struct {
	Feature string                 `yaml:"feature"`
	Model   models.DeploymentModel `yaml:"deployment_model"`
	Epics   []EpicDecl             `yaml:"epics"`
}

// ValidationError collects every problem found in a declaration so the
// author can fix them in one pass.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("declaration invalid: %d problem(s), first: %s", len(e.Problems), e.Problems[0])
}

// Parse decodes a declaration and fills in generated ids where the
// author omitted them. Strict decoding: unknown YAML keys are errors.
func Parse(data []byte) (*Declaration, error) {
	var d Declaration
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&d); err != nil {
		return nil, fmt.Errorf("parse declaration: %w", err)
	}

	for i := range d.Epics {
		if d.Epics[i].ID == "" {
			d.Epics[i].ID = uuid.NewString()
		}
		for j := range d.Epics[i].Tasks {
			if d.Epics[i].Tasks[j].ID == "" {
				d.Epics[i].Tasks[j].ID = uuid.NewString()
			}
		}
	}
	return &d, nil
}

// ParseFile reads and parses a declaration file.
func ParseFile(path string) (*Declaration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read declaration: %w", err)
	}
	return Parse(data)
}

// Validate checks the declaration's internal consistency: required
// fields, known enum values, unique ids, and an acyclic dependency
// graph over known epics.
func (d *Declaration) Validate() error {
	var problems []string

	if d.Feature == "" {
		problems = append(problems, "feature slug is required")
	}
	if !d.Model.Valid() {
		problems = append(problems, fmt.Sprintf("unknown deployment model %q", d.Model))
	}
	if len(d.Epics) == 0 {
		problems = append(problems, "declaration has no epics")
	}

	epicIDs := make(map[string]bool, len(d.Epics))
	taskIDs := make(map[string]bool)
	for _, e := range d.Epics {
		if epicIDs[e.ID] {
			problems = append(problems, fmt.Sprintf("duplicate epic id %q", e.ID))
		}
		epicIDs[e.ID] = true

		for _, t := range e.Tasks {
			if taskIDs[t.ID] {
				problems = append(problems, fmt.Sprintf("duplicate task id %q", t.ID))
			}
			taskIDs[t.ID] = true
			if !t.Worker.Valid() {
				problems = append(problems, fmt.Sprintf("task %q: unknown worker kind %q", t.ID, t.Worker))
			}
			if t.Description == "" {
				problems = append(problems, fmt.Sprintf("task %q: description is required", t.ID))
			}
		}
	}

	// The graph rejects unknown dependencies and cycles. Skip it when ids
	// already collided; Build would just report the collision again.
	if len(problems) == 0 {
		if _, err := graph.Build(d.materializeEpics(time.Now().UTC())); err != nil {
			problems = append(problems, err.Error())
		}
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// Materialize converts the declaration into ledger-ready entities.
// Declaration order is preserved on every epic and task; the scheduler
// uses it to break priority ties deterministically.
func (d *Declaration) Materialize(now time.Time) ([]*models.Epic, []*models.Task) {
	epics := d.materializeEpics(now)

	var tasks []*models.Task
	declOrder := 0
	for _, e := range d.Epics {
		for _, t := range e.Tasks {
			tasks = append(tasks, &models.Task{
				ID:          t.ID,
				EpicID:      e.ID,
				FeatureSlug: d.Feature,
				Description: t.Description,
				Status:      models.TaskStatusPending,
				Worker:      t.Worker,
				Priority:    t.Priority,
				DeclOrder:   declOrder,
				CreatedAt:   now,
			})
			declOrder++
		}
	}
	return epics, tasks
}

func (d *Declaration) materializeEpics(now time.Time) []*models.Epic {
	epics := make([]*models.Epic, 0, len(d.Epics))
	for i, e := range d.Epics {
		epics = append(epics, &models.Epic{
			ID:          e.ID,
			FeatureSlug: d.Feature,
			Slice:       e.Slice,
			DependsOn:   append([]string(nil), e.DependsOn...),
			Contracts:   append([]string(nil), e.Contracts...),
			Status:      models.EpicStatusBlocked,
			DeclOrder:   i,
			CreatedAt:   now,
		})
	}
	return epics
}
