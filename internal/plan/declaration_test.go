package plan

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loomworks/loom/pkg/models"
)

const sampleDecl = `
feature: checkout
deployment_model: production
epics:
  - id: cart-api
    slice: cart
    contracts: [cart.v1]
    tasks:
      - id: cart-endpoints
        description: Implement cart CRUD endpoints
        worker: backend
      - id: cart-tests
        description: Integration tests for cart endpoints
        worker: qa
        priority: 1
  - id: cart-ui
    slice: cart
    depends_on: [cart-api]
    tasks:
      - id: cart-page
        description: Cart page consuming cart.v1
        worker: frontend
`

func TestParseAndMaterialize(t *testing.T) {
	d, err := Parse([]byte(sampleDecl))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if err := d.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if d.Feature != "checkout" || d.Model != models.DeployProduction {
		t.Errorf("header = %s/%s", d.Feature, d.Model)
	}

	now := time.Now().UTC()
	epics, tasks := d.Materialize(now)
	if len(epics) != 2 || len(tasks) != 3 {
		t.Fatalf("materialized %d epics, %d tasks", len(epics), len(tasks))
	}

	// Every materialized epic starts blocked; readiness is the
	// scheduler's call, never the declaration's.
	for _, e := range epics {
		if e.Status != models.EpicStatusBlocked {
			t.Errorf("epic %s status = %s, want blocked", e.ID, e.Status)
		}
		if e.FeatureSlug != "checkout" {
			t.Errorf("epic %s feature = %s", e.ID, e.FeatureSlug)
		}
	}

	// Declaration order is assigned across the whole file.
	for i, want := range []string{"cart-endpoints", "cart-tests", "cart-page"} {
		if tasks[i].ID != want || tasks[i].DeclOrder != i {
			t.Errorf("task[%d] = %s declOrder=%d, want %s declOrder=%d",
				i, tasks[i].ID, tasks[i].DeclOrder, want, i)
		}
	}
	if tasks[1].Priority != 1 || tasks[1].Worker != models.WorkerQA {
		t.Errorf("cart-tests = priority %d worker %s", tasks[1].Priority, tasks[1].Worker)
	}
}

func TestParseGeneratesMissingIDs(t *testing.T) {
	d, err := Parse([]byte(`
feature: f
deployment_model: local
epics:
  - slice: s
    tasks:
      - description: anonymous work
        worker: infra
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if d.Epics[0].ID == "" || d.Epics[0].Tasks[0].ID == "" {
		t.Error("expected generated ids for epic and task")
	}
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	if _, err := Parse([]byte("feature: f\nsprint: 12\n")); err == nil {
		t.Error("expected error for unknown key")
	}
}

func TestValidateCollectsAllProblems(t *testing.T) {
	d, err := Parse([]byte(`
feature: ""
deployment_model: orbital
epics:
  - id: dup
    tasks:
      - id: t1
        description: ok
        worker: backend
  - id: dup
    tasks:
      - id: t1
        description: ""
        worker: plumber
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	err = d.Validate()
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	joined := strings.Join(verr.Problems, "\n")
	for _, want := range []string{
		"feature slug is required",
		`unknown deployment model "orbital"`,
		`duplicate epic id "dup"`,
		`duplicate task id "t1"`,
		`unknown worker kind "plumber"`,
		"description is required",
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("problems missing %q:\n%s", want, joined)
		}
	}
}

func TestValidateRejectsDependencyCycle(t *testing.T) {
	d, err := Parse([]byte(`
feature: f
deployment_model: local
epics:
  - id: a
    depends_on: [b]
  - id: b
    depends_on: [a]
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	err = d.Validate()
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError for cycle, got %v", err)
	}
	if !strings.Contains(verr.Problems[0], "circular dependency") {
		t.Errorf("problem does not name the cycle: %s", verr.Problems[0])
	}
}

func TestWatcherReparsesOnRewrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "plan.yaml")
	if err := os.WriteFile(path, []byte(sampleDecl), 0644); err != nil {
		t.Fatal(err)
	}

	results := make(chan error, 4)
	w, err := Watch(path, func(d *Declaration, err error) {
		results <- err
	})
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer w.Close()

	// A valid rewrite parses clean.
	if err := os.WriteFile(path, []byte(sampleDecl), 0644); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-results:
		if err != nil {
			t.Fatalf("valid rewrite reported error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("watcher never fired for valid rewrite")
	}

	// An invalid rewrite is reported, not swallowed.
	if err := os.WriteFile(path, []byte("feature: ''\ndeployment_model: x\nepics: []\n"), 0644); err != nil {
		t.Fatal(err)
	}
	deadline := time.After(5 * time.Second)
	for {
		select {
		case err := <-results:
			var verr *ValidationError
			if errors.As(err, &verr) {
				return
			}
		case <-deadline:
			t.Fatal("watcher never reported the invalid rewrite")
		}
	}
}
