package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/quarryhq/quarry/pkg/api"
	"github.com/quarryhq/quarry/pkg/autosave"
	"github.com/quarryhq/quarry/pkg/completion"
	"github.com/quarryhq/quarry/pkg/config"
	"github.com/quarryhq/quarry/pkg/consumer"
	"github.com/quarryhq/quarry/pkg/events"
	"github.com/quarryhq/quarry/pkg/log"
	"github.com/quarryhq/quarry/pkg/metrics"
	"github.com/quarryhq/quarry/pkg/producer"
	"github.com/quarryhq/quarry/pkg/scanner"
	"github.com/quarryhq/quarry/pkg/status"
	"github.com/quarryhq/quarry/pkg/storage"
	"github.com/quarryhq/quarry/pkg/stream"
	"github.com/quarryhq/quarry/pkg/supervisor"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the Quarry server",
	Long: `Run the HTTP API, the batch and auto-save consumer loops, the completion
watchdog, and the metrics aggregator.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfgPath, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}
		log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})
		return runServer(cfg)
	},
}

func runServer(cfg *config.Config) error {
	logger := log.WithComponent("server")

	streams, err := stream.NewClient(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("failed to connect to stream substrate: %w", err)
	}
	defer streams.Close()

	store, err := storage.OpenSQLite(cfg.DBURL)
	if err != nil {
		return err
	}
	defer store.Close()

	st := status.New(streams.Redis(), cfg.StatusTTL)

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()
	go logEvents(broker)

	scanOpts := scanner.DefaultOptions()
	if len(cfg.IncludeExts) > 0 {
		scanOpts.IncludeExts = cfg.IncludeExts
	}
	prod := producer.New(streams, st, broker, producer.Config{
		BatchSize:    cfg.BatchSize,
		StreamMaxLen: cfg.StreamMaxLen,
		ScanOptions:  scanOpts,
	})

	trigger := completion.NewTrigger(st, broker, nil)
	sup := supervisor.New(st, supervisor.Config{
		WorkerBin:   cfg.WorkerBin,
		DBURL:       cfg.DBURL,
		BaseTimeout: cfg.MaxProcessingTime,
		BatchSize:   cfg.BatchSize,
		MaxRetries:  int64(cfg.MaxRetryAttempts),
	}, func(ctx context.Context, repo string) {
		if err := trigger.CheckAndComplete(ctx, repo); err != nil {
			logger.Error().Str("repository", repo).Err(err).Msg("completion check failed")
		}
	})

	cons := consumer.New(streams, sup, autosave.New(store), broker, consumer.Config{
		Block:                cfg.BlockTimeout,
		PendingCheckInterval: cfg.PendingCheckInterval,
		ClaimMinIdle:         cfg.ClaimMinIdle,
		AutoSaveWorkers:      cfg.AutoSaveWorkers,
	})

	agg := metrics.NewAggregator(streams, st, store, cfg.MetricsInterval)
	watchdog := completion.NewWatchdog(st, broker, cfg.WatchdogInterval, cfg.StallThreshold)
	server := api.NewServer(prod, st, streams, store, agg, cfg.StreamMaxLen)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	agg.Start(ctx)
	defer agg.Stop()
	watchdog.Start(ctx)
	defer watchdog.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return cons.RunBatchLoop(gctx) })
	g.Go(func() error { return cons.RunAutoSaveLoop(gctx) })
	g.Go(func() error { return server.Start(cfg.ListenAddr) })
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	logger.Info().Str("consumer", cons.Name()).Msg("quarry server started")
	err = g.Wait()
	logger.Info().Msg("quarry server stopped")
	return err
}

// logEvents is the default broker subscriber: every lifecycle event lands in
// the server log.
func logEvents(broker *events.Broker) {
	logger := log.WithComponent("events")
	sub := broker.Subscribe()
	for event := range sub {
		entry := logger.Info()
		if event.Type == events.EventJobFailed || event.Type == events.EventConsumerHalted {
			entry = logger.Warn()
		}
		for k, v := range event.Metadata {
			entry = entry.Str(k, v)
		}
		entry.Str("event", string(event.Type)).Msg(event.Message)
	}
}
