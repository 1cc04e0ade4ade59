package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/loomworks/loom/internal/config"
	"github.com/loomworks/loom/internal/ledger"
	"github.com/loomworks/loom/internal/orchestrator"
)

var rootCmd = &cobra.Command{
	Use:   "loom",
	Short: "Feature development orchestrator",
	Long: `Loom coordinates feature development across specialized workers.

A feature is declared as epics with dependencies, contracts, and task
lists. Loom schedules tasks to polling workers in dependency order,
records every state transition in an append-only ledger, verifies
shared contracts before epics complete, and gates phase progression
on external verdicts.

State lives in .loom/ledger.db; configuration in .loom.yaml or
~/.config/loom/config.yaml.`,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(advanceCmd)
	rootCmd.AddCommand(skipCmd)
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(purgeCmd)
	rootCmd.AddCommand(versionCmd)
}

// openOrchestrator loads config, opens the project ledger, and builds
// the orchestrator. The caller must Close both returned values.
func openOrchestrator() (*orchestrator.Orchestrator, *ledger.Store, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	// Relative paths anchor at the project root, matching
	// ledger.ProjectPath for the default config.
	path := cfg.Ledger.Path
	if !filepath.IsAbs(path) {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, nil, fmt.Errorf("get working directory: %w", err)
		}
		path = filepath.Join(cwd, path)
	}

	store, err := ledger.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open ledger: %w", err)
	}
	if err := store.Migrate(); err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("migrate ledger: %w", err)
	}

	o, err := orchestrator.New(store, cfg)
	if err != nil {
		store.Close()
		return nil, nil, err
	}

	if os.Getenv("LOOM_DEBUG") != "" {
		cwd, err := os.Getwd()
		if err == nil {
			o.AttachDebugLogger(orchestrator.NewDebugLoggerForProject(cwd))
		}
	}
	return o, store, nil
}
