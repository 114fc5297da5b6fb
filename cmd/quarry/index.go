package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/quarryhq/quarry/pkg/config"
	"github.com/quarryhq/quarry/pkg/log"
	"github.com/quarryhq/quarry/pkg/producer"
	"github.com/quarryhq/quarry/pkg/scanner"
	"github.com/quarryhq/quarry/pkg/status"
	"github.com/quarryhq/quarry/pkg/stream"
)

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Enqueue an indexing job for a directory",
	Long: `Scan a directory, initialize the job's status record, and append its
batches to the repository's stream. A running server's consumer loop picks
the batches up; this command does not wait for processing.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfgPath, _ := cmd.Flags().GetString("config")
		dir, _ := cmd.Flags().GetString("dir")
		repository, _ := cmd.Flags().GetString("repository")
		if dir == "" || repository == "" {
			return fmt.Errorf("--dir and --repository are required")
		}

		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}
		log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})

		streams, err := stream.NewClient(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("failed to connect to stream substrate: %w", err)
		}
		defer streams.Close()

		scanOpts := scanner.DefaultOptions()
		if len(cfg.IncludeExts) > 0 {
			scanOpts.IncludeExts = cfg.IncludeExts
		}
		prod := producer.New(streams, status.New(streams.Redis(), cfg.StatusTTL), nil, producer.Config{
			BatchSize:    cfg.BatchSize,
			StreamMaxLen: cfg.StreamMaxLen,
			ScanOptions:  scanOpts,
		})

		summary, err := prod.Start(cmd.Context(), dir, repository)
		if err != nil {
			return err
		}
		out, err := json.MarshalIndent(summary, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}

func init() {
	indexCmd.Flags().String("dir", "", "directory to index")
	indexCmd.Flags().String("repository", "", "repository label")
}
