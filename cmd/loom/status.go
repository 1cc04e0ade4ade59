package main

import (
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/loomworks/loom/internal/orchestrator"
	"github.com/loomworks/loom/pkg/models"
)

var statusCmd = &cobra.Command{
	Use:   "status [feature]",
	Short: "Show feature progress",
	Long: `Display progress for one feature, or for every ledgered feature.

Shows:
  - Current phase and gate state
  - Epic and task counts by status
  - Velocity and estimated completion`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	o, store, err := openOrchestrator()
	if err != nil {
		return err
	}
	defer store.Close()
	defer o.Close()

	var features []string
	if len(args) == 1 {
		features = args
	} else {
		features, err = store.Features()
		if err != nil {
			return fmt.Errorf("list features: %w", err)
		}
	}
	if len(features) == 0 {
		fmt.Println("No features declared. Run 'loom init <declaration.yaml>' to start.")
		return nil
	}

	for i, feature := range features {
		if i > 0 {
			fmt.Println()
		}
		p, err := o.Progress(feature)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", feature, err)
			continue
		}
		displayProgress(p)
	}
	return nil
}

func displayProgress(p *orchestrator.Progress) {
	header := color.New(color.Bold)
	header.Printf("Feature: %s\n", p.FeatureSlug)

	if p.Archived {
		color.Green("  Archived")
	} else {
		fmt.Printf("  Phase: %s %s\n", p.CurrentPhase, colorPhase(p.PhaseStatus))
	}

	fmt.Printf("  Epics: %d done / %d total", p.EpicsDone, p.EpicsTotal)
	if p.EpicsFailed > 0 {
		fmt.Printf(", %s", color.RedString("%d failed", p.EpicsFailed))
	}
	if p.EpicsBlocked > 0 {
		fmt.Printf(", %s", color.YellowString("%d blocked", p.EpicsBlocked))
	}
	fmt.Println()

	fmt.Printf("  Tasks: %d done / %d total", p.TasksDone, p.TasksTotal)
	if p.TasksInProgress > 0 {
		fmt.Printf(", %d in progress", p.TasksInProgress)
	}
	if p.TasksFailed > 0 {
		fmt.Printf(", %s", color.RedString("%d failed", p.TasksFailed))
	}
	fmt.Println()

	if p.Velocity > 0 {
		fmt.Printf("  Velocity: %.1f tasks/hour\n", p.Velocity)
	}
	if p.ETA != nil {
		fmt.Printf("  ETA: %s\n", p.ETA.Local().Format(time.RFC1123))
	}
}

func colorPhase(s models.PhaseStatus) string {
	switch s {
	case models.PhaseStatusRunning:
		return color.CyanString("(%s)", s)
	case models.PhaseStatusBlocked:
		return color.RedString("(%s)", s)
	case models.PhaseStatusPassed:
		return color.GreenString("(%s)", s)
	default:
		return fmt.Sprintf("(%s)", s)
	}
}
