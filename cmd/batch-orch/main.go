package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	rootCmd    = &cobra.Command{
		Use:   "batch-orch",
		Short: "Batch Orchestrator - Continuation-driven batch runner",
		Long: `Batch Orchestrator works an ordered queue of units through an opaque
executor, one unit per continuation event. It persists progress across
process restarts, integrates worker branches into the trunk, and garbage
collects abandoned worktrees.`,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
