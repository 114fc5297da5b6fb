package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/quarryhq/quarry/pkg/version"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "quarry",
	Short: "Quarry - reliable batch indexing and conversation auto-save",
	Long: `Quarry indexes source repositories in recoverable batches over a durable
stream substrate and persists conversation turns queued for auto-save.

The server runs the HTTP API, the consumer loops, the completion watchdog,
and the metrics aggregator in one process. Workers are short-lived
subprocesses spawned per batch.`,
	Version: version.Version,
}

func init() {
	// Set version template
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Quarry version %s\nCommit: %s\nBuilt: %s\n",
		version.Version, version.Commit, version.BuildTime,
	))

	rootCmd.PersistentFlags().String("config", "", "path to YAML config file")

	// Add subcommands
	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(indexCmd)
}
