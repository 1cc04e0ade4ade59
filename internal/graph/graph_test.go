package graph

import (
	"errors"
	"testing"

	"github.com/loomworks/loom/pkg/models"
)

func epic(id string, deps ...string) *models.Epic {
	return &models.Epic{ID: id, DependsOn: deps, Status: models.EpicStatusBlocked}
}

func TestBuildSimple(t *testing.T) {
	g, err := Build([]*models.Epic{epic("a"), epic("b"), epic("c")})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if g.Size() != 3 {
		t.Errorf("size = %d, want 3", g.Size())
	}
}

func TestBuildUnknownDependency(t *testing.T) {
	_, err := Build([]*models.Epic{epic("a", "ghost")})
	var unknown *UnknownDependencyError
	if !errors.As(err, &unknown) {
		t.Fatalf("expected UnknownDependencyError, got %v", err)
	}
	if unknown.EpicID != "a" || unknown.DepID != "ghost" {
		t.Errorf("error names %s -> %s, want a -> ghost", unknown.EpicID, unknown.DepID)
	}
}

func TestBuildDuplicateID(t *testing.T) {
	_, err := Build([]*models.Epic{epic("a"), epic("a")})
	if err == nil {
		t.Fatal("expected error for duplicate id")
	}
}

func TestBuildCycleNamesFullPath(t *testing.T) {
	tests := []struct {
		name  string
		epics []*models.Epic
	}{
		{"two node cycle", []*models.Epic{epic("a", "b"), epic("b", "a")}},
		{"three node cycle", []*models.Epic{epic("a", "b"), epic("b", "c"), epic("c", "a")}},
		{"self cycle", []*models.Epic{epic("a", "a")}},
		{"cycle behind valid prefix", []*models.Epic{epic("root"), epic("x", "root", "y"), epic("y", "x")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, err := Build(tt.epics)
			if g != nil {
				t.Error("expected no partial graph on cycle")
			}
			var cycle *CycleError
			if !errors.As(err, &cycle) {
				t.Fatalf("expected CycleError, got %v", err)
			}
			if len(cycle.Path) < 2 {
				t.Fatalf("cycle path too short: %v", cycle.Path)
			}
			if cycle.Path[0] != cycle.Path[len(cycle.Path)-1] {
				t.Errorf("cycle path %v should start and end on the same node", cycle.Path)
			}
		})
	}
}

func TestLevelsPartition(t *testing.T) {
	// a -> b -> d, a -> c, with e independent.
	g, err := Build([]*models.Epic{
		epic("a"),
		epic("b", "a"),
		epic("c", "a"),
		epic("d", "b"),
		epic("e"),
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	levels := g.Levels()
	want := [][]string{{"a", "e"}, {"b", "c"}, {"d"}}
	if len(levels) != len(want) {
		t.Fatalf("got %d levels %v, want %d", len(levels), levels, len(want))
	}
	for i := range want {
		if len(levels[i]) != len(want[i]) {
			t.Fatalf("level %d = %v, want %v", i, levels[i], want[i])
		}
		for j := range want[i] {
			if levels[i][j] != want[i][j] {
				t.Errorf("level %d = %v, want %v", i, levels[i], want[i])
			}
		}
	}
}

func TestLevelsEveryDependencyEarlier(t *testing.T) {
	g, err := Build([]*models.Epic{
		epic("auth"),
		epic("api", "auth"),
		epic("ui", "api", "auth"),
		epic("docs", "ui"),
		epic("metrics", "api"),
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	levelOf := make(map[string]int)
	for i, level := range g.Levels() {
		for _, id := range level {
			levelOf[id] = i
		}
	}

	for _, id := range []string{"auth", "api", "ui", "docs", "metrics"} {
		for _, dep := range g.Dependencies(id) {
			if levelOf[dep] >= levelOf[id] {
				t.Errorf("dependency %s (level %d) not strictly before %s (level %d)",
					dep, levelOf[dep], id, levelOf[id])
			}
		}
	}
}

func TestLevelsTwoEpicScenario(t *testing.T) {
	g, err := Build([]*models.Epic{epic("A"), epic("B", "A")})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	levels := g.Levels()
	if len(levels) != 2 || levels[0][0] != "A" || levels[1][0] != "B" {
		t.Errorf("levels = %v, want [[A] [B]]", levels)
	}
	if g.LevelOf("B") != 1 {
		t.Errorf("LevelOf(B) = %d, want 1", g.LevelOf("B"))
	}
}

func TestDependents(t *testing.T) {
	g, err := Build([]*models.Epic{
		epic("a"),
		epic("b", "a"),
		epic("c", "a"),
		epic("d", "c"),
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	deps := g.Dependents("a")
	if len(deps) != 2 || deps[0] != "b" || deps[1] != "c" {
		t.Errorf("Dependents(a) = %v, want [b c]", deps)
	}

	all := g.TransitiveDependents("a")
	if len(all) != 3 {
		t.Errorf("TransitiveDependents(a) = %v, want [b c d]", all)
	}
}

func TestLevelOfMissingEpic(t *testing.T) {
	g, err := Build([]*models.Epic{epic("a")})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if g.LevelOf("missing") != -1 {
		t.Error("expected -1 for missing epic")
	}
}
