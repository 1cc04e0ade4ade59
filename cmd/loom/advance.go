package main

import (
	"errors"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/loomworks/loom/internal/phase"
)

var (
	advanceFail        bool
	advanceDiagnostics []string
)

var advanceCmd = &cobra.Command{
	Use:   "advance <feature>",
	Short: "Apply a gate verdict to the feature's current phase",
	Long: `Record the external gate verdict for the feature's current phase.

A passing verdict moves the feature to its next phase, or archives it
when the reachable path is complete. A failing verdict blocks the phase
until a corrected verdict arrives; pass diagnostics with --diag.`,
	Args: cobra.ExactArgs(1),
	RunE: runAdvance,
}

func init() {
	advanceCmd.Flags().BoolVar(&advanceFail, "fail", false, "Record a failing verdict")
	advanceCmd.Flags().StringArrayVar(&advanceDiagnostics, "diag", nil, "Diagnostic message for a failing verdict (repeatable)")
}

func runAdvance(cmd *cobra.Command, args []string) error {
	feature := args[0]

	o, store, err := openOrchestrator()
	if err != nil {
		return err
	}
	defer store.Close()
	defer o.Close()

	verdict := phase.GateVerdict{Passed: !advanceFail, Diagnostics: advanceDiagnostics}
	p, err := o.AdvancePhase(feature, verdict)
	if err != nil {
		var gate *phase.GateFailureError
		if errors.As(err, &gate) {
			color.Red("Phase %s blocked:", gate.Phase)
			for _, d := range gate.Diagnostics {
				fmt.Printf("  - %s\n", d)
			}
			return nil
		}
		var incomplete *phase.IncompletePhaseError
		if errors.As(err, &incomplete) {
			color.Yellow("Phase %s cannot advance yet:", incomplete.Phase)
			for _, id := range incomplete.Remaining {
				fmt.Printf("  - epic %s still active\n", id)
			}
			return nil
		}
		return err
	}

	f, _, err := store.GetFeature(feature)
	if err != nil {
		return err
	}
	if f.Archived {
		color.Green("Feature %s archived.", feature)
		return nil
	}
	fmt.Printf("Feature %s advanced to %s\n", feature, p.Name)
	return nil
}
