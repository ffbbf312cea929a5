package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tetherlab/tether/internal/codex"
	"github.com/tetherlab/tether/internal/threadstore"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check that the agent and local state are usable",
	Long: `Probe the configured agent executable, verify the config and thread
registry locations, and report what a chat session would use.`,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}

func runDoctor(_ *cobra.Command, _ []string) error {
	cleanup := initLogging()
	defer cleanup()

	failed := false

	dir, err := workDir()
	if err != nil {
		return fmt.Errorf("resolving working directory: %w", err)
	}
	fmt.Printf("working directory: %s\n", dir)
	fmt.Printf("config file:       %s\n", configFilePath())

	resolver := codex.NewResolver(cfg.Agent.Command)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	path, err := resolver.Resolve(ctx, 0, codex.SpawnEnv(cfg.Agent.ExtraPaths))
	if err != nil {
		failed = true
		fmt.Printf("agent executable:  FAIL\n  %v\n", err)
	} else {
		fmt.Printf("agent executable:  %s\n", path)
	}

	// Thread registry
	if cfg.Store.Path == "" {
		fmt.Println("thread registry:   (in-memory only)")
	} else if store, err := threadstore.Open(cfg.Store.Path); err != nil {
		failed = true
		fmt.Printf("thread registry:   FAIL\n  %v\n", err)
	} else {
		entries, _ := store.List()
		fmt.Printf("thread registry:   %s (%d threads)\n", cfg.Store.Path, len(entries))
		_ = store.Close()
	}

	// Tracing
	if cfg.Tracing.Enabled {
		fmt.Printf("tracing:           %s", cfg.Tracing.Exporter)
		if cfg.Tracing.Exporter == "file" {
			fmt.Printf(" (%s)", cfg.Tracing.FilePath)
		}
		fmt.Println()
	} else {
		fmt.Println("tracing:           disabled")
	}

	if failed {
		return fmt.Errorf("doctor found problems")
	}
	fmt.Println("all checks passed")
	return nil
}
