package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/loomworks/loom/pkg/models"
)

var skipCmd = &cobra.Command{
	Use:   "skip <feature> <phase>",
	Short: "Mark an unreachable phase as skipped",
	Long: `Mark a phase skipped ahead of time. Only phases the feature's
deployment model cannot reach may be skipped; a local-only feature may
skip staging_rollout and production_rollout, nothing else.`,
	Args: cobra.ExactArgs(2),
	RunE: runSkip,
}

func runSkip(cmd *cobra.Command, args []string) error {
	feature, phaseName := args[0], models.PhaseName(args[1])

	o, store, err := openOrchestrator()
	if err != nil {
		return err
	}
	defer store.Close()
	defer o.Close()

	if err := o.Phases().Skip(feature, phaseName); err != nil {
		return err
	}
	fmt.Printf("Feature %s: phase %s skipped\n", feature, phaseName)
	return nil
}
