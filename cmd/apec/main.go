package main

import (
	"fmt"
	"os"

	"github.com/KFP-SEAN/nerdx-apec-mvp-sub002/pkg/config"
	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:     "apec",
		Short:   "apec - budget-aware orchestration for LLM agent workloads",
		Version: version,
	}

	root.AddCommand(
		newServeCmd(),
		newStatusCmd(),
		newPlanCmd(),
		newCacheCmd(),
		newDecisionsCmd(),
		newExplainCmd(),
		newMCPCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig returns defaults when no path is given, so every command
// works against a fresh checkout.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}
