package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/quarryhq/quarry/pkg/chunker"
	"github.com/quarryhq/quarry/pkg/embedder"
	"github.com/quarryhq/quarry/pkg/log"
	"github.com/quarryhq/quarry/pkg/scanner"
	"github.com/quarryhq/quarry/pkg/storage"
	"github.com/quarryhq/quarry/pkg/types"
	"github.com/quarryhq/quarry/pkg/worker"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run one batch as an isolated worker",
	Long: `Process one batch of files: chunk, embed, and upsert into the store.

The result is written as a single JSON object on the last line of standard
output. The exit code is 0 on normal termination even when individual files
failed; a non-zero exit means a process-level failure.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		repository, _ := cmd.Flags().GetString("repository")
		dbURL, _ := cmd.Flags().GetString("db-url")
		filesCSV, _ := cmd.Flags().GetString("files")
		if repository == "" || dbURL == "" || filesCSV == "" {
			return fmt.Errorf("--repository, --db-url and --files are required")
		}

		// Logs go to stderr; stdout is reserved for the result line
		log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true, Output: os.Stderr})

		return runWorker(cmd.Context(), repository, dbURL, filesCSV)
	},
}

func init() {
	workerCmd.Flags().String("repository", "", "repository label")
	workerCmd.Flags().String("db-url", "", "store connection string")
	workerCmd.Flags().String("files", "", "comma-separated file paths")
}

func runWorker(ctx context.Context, repository, dbURL, filesCSV string) error {
	store, err := storage.OpenSQLite(dbURL)
	if err != nil {
		return err
	}
	defer store.Close()

	var files []types.FileEntry
	for _, path := range strings.Split(filesCSV, ",") {
		path = strings.TrimSpace(path)
		if path == "" {
			continue
		}
		files = append(files, types.FileEntry{Path: path, Class: scanner.Classify(path)})
	}

	w := worker.New(repository, store, chunker.NewLineWindow(chunker.DefaultWindow), embedder.NewFeatureHash())
	result := w.Run(ctx, files)

	out, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	fmt.Println(string(out))
	return nil
}
