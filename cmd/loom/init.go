package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/loomworks/loom/internal/plan"
)

var initCmd = &cobra.Command{
	Use:   "init <declaration.yaml>",
	Short: "Declare a feature from a declaration file",
	Long: `Parse and validate a feature declaration, then ledger its feature,
epics, and tasks. Re-running init on the same declaration is additive:
new epics and tasks are added, existing ones keep their state.`,
	Args: cobra.ExactArgs(1),
	RunE: runInit,
}

func runInit(cmd *cobra.Command, args []string) error {
	d, err := plan.ParseFile(args[0])
	if err != nil {
		return err
	}

	o, store, err := openOrchestrator()
	if err != nil {
		return err
	}
	defer store.Close()
	defer o.Close()

	if err := o.DeclareFeature(d); err != nil {
		var verr *plan.ValidationError
		if errors.As(err, &verr) {
			fmt.Println("Declaration is invalid:")
			for _, p := range verr.Problems {
				fmt.Printf("  - %s\n", p)
			}
		}
		return err
	}

	taskCount := 0
	for _, e := range d.Epics {
		taskCount += len(e.Tasks)
	}
	fmt.Printf("Declared feature %s: %d epics, %d tasks\n", d.Feature, len(d.Epics), taskCount)
	return nil
}
