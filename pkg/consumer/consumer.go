package consumer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/quarryhq/quarry/pkg/autosave"
	"github.com/quarryhq/quarry/pkg/events"
	"github.com/quarryhq/quarry/pkg/faults"
	"github.com/quarryhq/quarry/pkg/log"
	"github.com/quarryhq/quarry/pkg/metrics"
	"github.com/quarryhq/quarry/pkg/stream"
	"github.com/quarryhq/quarry/pkg/supervisor"
)

// ErrHalted is returned when a loop stops itself on a system error. Messages
// in flight stay pending for another replica.
var ErrHalted = errors.New("consumer loop halted")

// Config holds consumer loop tuning
type Config struct {
	// Block is the blocking-read window
	Block time.Duration
	// PendingCheckInterval is how often the claim-stale pass runs
	PendingCheckInterval time.Duration
	// ClaimMinIdle is the idle threshold for reclaiming pending messages
	ClaimMinIdle time.Duration
	// AutoSaveWorkers bounds parallel auto-save handling
	AutoSaveWorkers int
}

// Consumer runs the batch and auto-save loops under one consumer name
type Consumer struct {
	streams    *stream.Client
	supervisor *supervisor.Supervisor
	autosave   *autosave.Handler
	broker     *events.Broker
	cfg        Config
	name       string
	logger     zerolog.Logger
}

// New creates a Consumer with a stable name: host identifier plus a random
// suffix, so replicas on the same host stay distinct within the group.
func New(streams *stream.Client, sup *supervisor.Supervisor, as *autosave.Handler, broker *events.Broker, cfg Config) *Consumer {
	host, err := os.Hostname()
	if err != nil {
		host = "quarry"
	}
	name := fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
	return &Consumer{
		streams:    streams,
		supervisor: sup,
		autosave:   as,
		broker:     broker,
		cfg:        cfg,
		name:       name,
		logger:     log.WithConsumer(name),
	}
}

// Name returns the consumer's group member name
func (c *Consumer) Name() string {
	return c.name
}

// RunBatchLoop consumes batch streams until ctx is done or a system error
// halts it. One message at a time: each batch spawns a heavyweight
// subprocess, so there is nothing to gain from parallel dispatch here.
func (c *Consumer) RunBatchLoop(ctx context.Context) error {
	c.logger.Info().Msg("batch consumer loop started")
	lastClaim := time.Now()

	for {
		if ctx.Err() != nil {
			c.logger.Info().Msg("batch consumer loop stopped")
			return nil
		}

		keys, err := c.discoverBatchStreams(ctx)
		if err != nil {
			return c.halt(ctx, err)
		}
		if len(keys) == 0 {
			// Nothing to index yet; wait out one block window
			select {
			case <-time.After(c.cfg.Block):
			case <-ctx.Done():
			}
			continue
		}

		results, err := c.streams.ReadGroup(ctx, stream.IndexingGroup, c.name, keys, 1, c.cfg.Block)
		if err != nil && ctx.Err() == nil {
			return c.halt(ctx, err)
		}
		for _, res := range results {
			for _, msg := range res.Messages {
				if halted := c.dispatchBatch(ctx, res.Stream, msg.ID, msg.Fields, 1); halted {
					return c.halt(ctx, nil)
				}
			}
		}

		if time.Since(lastClaim) >= c.cfg.PendingCheckInterval {
			lastClaim = time.Now()
			if halted := c.claimStaleBatches(ctx, keys); halted {
				return c.halt(ctx, nil)
			}
		}
	}
}

func (c *Consumer) discoverBatchStreams(ctx context.Context) ([]string, error) {
	keys, err := c.streams.ScanStreams(ctx, stream.BatchStreamPrefix+"*")
	if err != nil {
		return nil, err
	}
	for _, key := range keys {
		if err := c.streams.EnsureGroup(ctx, key, stream.IndexingGroup, stream.StartHead); err != nil {
			return nil, err
		}
	}
	return keys, nil
}

// dispatchBatch hands one message to the supervisor and applies its
// disposition. Returns true when the loop must halt.
func (c *Consumer) dispatchBatch(ctx context.Context, key, id string, fields map[string]string, deliveryCount int64) bool {
	switch c.supervisor.Handle(ctx, fields, deliveryCount) {
	case supervisor.DispositionAck:
		if err := c.streams.Ack(ctx, key, stream.IndexingGroup, id); err != nil {
			c.logger.Error().Str("stream", key).Str("id", id).Err(err).Msg("ack failed")
		}
		metrics.BatchesProcessed.WithLabelValues("ack").Inc()
		return false
	case supervisor.DispositionRetry:
		// Left pending; a claim-stale pass redelivers it
		metrics.BatchesProcessed.WithLabelValues("retry").Inc()
		return false
	default:
		metrics.BatchesProcessed.WithLabelValues("halt").Inc()
		return true
	}
}

func (c *Consumer) claimStaleBatches(ctx context.Context, keys []string) bool {
	for _, key := range keys {
		claimed, err := c.streams.ClaimStale(ctx, key, stream.IndexingGroup, c.name, c.cfg.ClaimMinIdle, 10)
		if err != nil {
			c.logger.Warn().Str("stream", key).Err(err).Msg("claim-stale pass failed")
			continue
		}
		for _, msg := range claimed {
			c.logger.Info().
				Str("stream", key).
				Str("id", msg.ID).
				Int64("delivery", msg.DeliveryCount).
				Msg("reclaimed stale batch")
			if halted := c.dispatchBatch(ctx, key, msg.ID, msg.Fields, msg.DeliveryCount); halted {
				return true
			}
		}
	}
	return false
}

// RunAutoSaveLoop consumes the auto-save stream with a bounded worker pool.
// Each message is one idempotent upsert, so small parallel pipelines are safe.
func (c *Consumer) RunAutoSaveLoop(ctx context.Context) error {
	if err := c.streams.EnsureGroup(ctx, stream.AutoSaveStream, stream.ConversationGroup, stream.StartTail); err != nil {
		return c.halt(ctx, err)
	}
	c.logger.Info().Int("workers", c.cfg.AutoSaveWorkers).Msg("auto-save consumer loop started")
	lastClaim := time.Now()

	for {
		if ctx.Err() != nil {
			c.logger.Info().Msg("auto-save consumer loop stopped")
			return nil
		}

		results, err := c.streams.ReadGroup(ctx, stream.ConversationGroup, c.name,
			[]string{stream.AutoSaveStream}, int64(c.cfg.AutoSaveWorkers), c.cfg.Block)
		if err != nil && ctx.Err() == nil {
			return c.halt(ctx, err)
		}
		for _, res := range results {
			c.saveParallel(ctx, res.Messages)
		}

		if time.Since(lastClaim) >= c.cfg.PendingCheckInterval {
			lastClaim = time.Now()
			claimed, err := c.streams.ClaimStale(ctx, stream.AutoSaveStream, stream.ConversationGroup, c.name, c.cfg.ClaimMinIdle, 50)
			if err != nil {
				c.logger.Warn().Err(err).Msg("auto-save claim-stale pass failed")
				continue
			}
			msgs := make([]stream.Message, len(claimed))
			for i, m := range claimed {
				msgs[i] = stream.Message{ID: m.ID, Fields: m.Fields}
			}
			c.saveParallel(ctx, msgs)
		}
	}
}

func (c *Consumer) saveParallel(ctx context.Context, msgs []stream.Message) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.AutoSaveWorkers)
	for _, msg := range msgs {
		g.Go(func() error {
			c.saveOne(gctx, msg)
			return nil
		})
	}
	_ = g.Wait()
}

func (c *Consumer) saveOne(ctx context.Context, msg stream.Message) {
	err := c.autosave.Handle(ctx, msg.Fields)
	if err == nil {
		if err := c.streams.Ack(ctx, stream.AutoSaveStream, stream.ConversationGroup, msg.ID); err != nil {
			c.logger.Error().Str("id", msg.ID).Err(err).Msg("auto-save ack failed")
			return
		}
		metrics.ConversationsSaved.Inc()
		return
	}

	var ferr *faults.Error
	if errors.As(err, &ferr) && ferr.Class.Severity() == faults.SeverityDrop {
		// Invalid forever; acknowledge so it never redelivers
		if err := c.streams.Ack(ctx, stream.AutoSaveStream, stream.ConversationGroup, msg.ID); err != nil {
			c.logger.Error().Str("id", msg.ID).Err(err).Msg("auto-save drop ack failed")
		}
		metrics.ConversationsDropped.Inc()
		return
	}
	// Retryable: leave pending for claim-stale
	c.logger.Warn().Str("id", msg.ID).Err(err).Msg("auto-save left pending for retry")
}

// halt stops the loop on a system error, leaving pending messages for the
// next replica, and tells the operator why.
func (c *Consumer) halt(ctx context.Context, err error) error {
	metrics.ConsumerHalts.Inc()
	c.logger.Error().Err(err).Msg("consumer loop halting")
	if c.broker != nil {
		meta := map[string]string{"consumer": c.name}
		if err != nil {
			meta["error"] = err.Error()
		}
		c.broker.Publish(&events.Event{
			ID:       uuid.NewString(),
			Type:     events.EventConsumerHalted,
			Message:  fmt.Sprintf("consumer %s halted", c.name),
			Metadata: meta,
		})
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHalted, err)
	}
	return ErrHalted
}
