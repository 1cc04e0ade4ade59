package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep [feature]",
	Short: "Run recovery sweeps",
	Long: `Fail tasks whose workers made no progress before the stale cutoff
and release contract locks held by epics that can no longer make
progress. Safe to run at any time: a sweep never overrides a live
worker, it loses the version race instead.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSweep,
}

func runSweep(cmd *cobra.Command, args []string) error {
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

	for _, feature := range features {
		if err := o.Recover(feature); err != nil {
			return fmt.Errorf("sweep %s: %w", feature, err)
		}
		fmt.Printf("Swept %s\n", feature)
	}
	return nil
}
