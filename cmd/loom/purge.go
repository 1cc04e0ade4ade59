package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/loomworks/loom/internal/ledger"
)

var purgeOlderThan time.Duration

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete ledger history of archived features",
	Long: `Remove every ledger entry of features that have been archived for
longer than --older-than. Active features are never touched; the ledger
stays append-only for anything still in flight.`,
	RunE: runPurge,
}

func init() {
	purgeCmd.Flags().DurationVar(&purgeOlderThan, "older-than", 30*24*time.Hour, "Minimum time since archival")
}

func runPurge(cmd *cobra.Command, args []string) error {
	o, store, err := openOrchestrator()
	if err != nil {
		return err
	}
	defer store.Close()
	defer o.Close()

	features, err := store.Features()
	if err != nil {
		return fmt.Errorf("list features: %w", err)
	}

	cutoff := time.Now().UTC().Add(-purgeOlderThan)
	purged := 0
	for _, feature := range features {
		f, _, err := store.GetFeature(feature)
		if err != nil {
			if errors.Is(err, ledger.ErrNotFound) {
				continue
			}
			return err
		}
		if !f.Archived || f.ArchivedAt == nil || f.ArchivedAt.After(cutoff) {
			continue
		}
		removed, err := store.PurgeFeature(feature)
		if err != nil {
			return err
		}
		fmt.Printf("Purged %s (%d ledger entries)\n", feature, removed)
		purged++
	}
	if purged == 0 {
		fmt.Println("Nothing to purge.")
	}
	return nil
}
