package producer

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/quarryhq/quarry/pkg/events"
	"github.com/quarryhq/quarry/pkg/log"
	"github.com/quarryhq/quarry/pkg/scanner"
	"github.com/quarryhq/quarry/pkg/status"
	"github.com/quarryhq/quarry/pkg/stream"
	"github.com/quarryhq/quarry/pkg/types"
)

// ErrJobInFlight is returned when the repository already has a non-terminal job
var ErrJobInFlight = errors.New("indexing job already in flight for repository")

// Config holds producer tuning
type Config struct {
	BatchSize    int
	StreamMaxLen int64
	ScanOptions  scanner.Options
}

// Summary is what a job start returns to the caller
type Summary struct {
	JobID        string `json:"job_id,omitempty"`
	Repository   string `json:"repository"`
	TotalFiles   int    `json:"total_files"`
	TotalBatches int    `json:"total_batches"`
}

// Producer starts indexing jobs
type Producer struct {
	streams *stream.Client
	status  *status.Store
	broker  *events.Broker
	cfg     Config
	logger  zerolog.Logger
}

// New creates a Producer. The broker may be nil.
func New(streams *stream.Client, st *status.Store, broker *events.Broker, cfg Config) *Producer {
	return &Producer{
		streams: streams,
		status:  st,
		broker:  broker,
		cfg:     cfg,
		logger:  log.WithComponent("producer"),
	}
}

// Start scans dir, initializes the Status Record for repository, and appends
// one message per batch. Returns ErrJobInFlight when the repository's job lock
// is held. A zero-file scan still initializes the record and immediately
// completes it, with no appends.
//
// A crash between record init and the final append leaves a partial enqueue;
// there is no rollback. The watchdog fails the stalled record and a rerun with
// the same repository label converges because downstream writes are idempotent.
func (p *Producer) Start(ctx context.Context, dir, repository string) (*Summary, error) {
	files, err := scanner.Scan(dir, p.cfg.ScanOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", dir, err)
	}

	batches := scanner.Shard(files, p.cfg.BatchSize)
	jobID := uuid.NewString()

	locked, err := p.status.AcquireLock(ctx, repository, jobID)
	if err != nil {
		return nil, err
	}
	if !locked {
		return nil, ErrJobInFlight
	}

	now := time.Now()

	// Zero matching files is a complete job, not an error: the record exists
	// so the status endpoint has something to show, but nothing is appended.
	if len(files) == 0 {
		if err := p.completeEmpty(ctx, jobID, repository, now); err != nil {
			return nil, err
		}
		p.logger.Info().Str("repository", repository).Str("dir", dir).Msg("no files to index")
		return &Summary{JobID: jobID, Repository: repository}, nil
	}
	err = p.status.Init(ctx, &types.JobStatus{
		JobID:        jobID,
		Repository:   repository,
		TotalFiles:   len(files),
		TotalBatches: len(batches),
		State:        types.JobStatePending,
		StartedAt:    now,
	})
	if err != nil {
		_ = p.status.ReleaseLock(ctx, repository)
		return nil, err
	}

	key := stream.BatchStream(repository)
	for i, batch := range batches {
		msg := &types.BatchMessage{
			JobID:        jobID,
			Repository:   repository,
			BatchNumber:  i + 1,
			TotalBatches: len(batches),
			Files:        batch,
			CreatedAt:    now,
		}
		fields, err := msg.Fields()
		if err != nil {
			return nil, err
		}
		if _, err := p.streams.Append(ctx, key, fields, p.cfg.StreamMaxLen); err != nil {
			// Partial enqueue; the record stays for the watchdog to fail
			return nil, fmt.Errorf("failed to append batch %d/%d: %w", i+1, len(batches), err)
		}
	}

	if p.broker != nil {
		p.broker.Publish(&events.Event{
			ID:      uuid.NewString(),
			Type:    events.EventJobStarted,
			Message: fmt.Sprintf("indexing job started for %s", repository),
			Metadata: map[string]string{
				"job_id":        jobID,
				"repository":    repository,
				"total_files":   strconv.Itoa(len(files)),
				"total_batches": strconv.Itoa(len(batches)),
			},
		})
	}

	p.logger.Info().
		Str("job_id", jobID).
		Str("repository", repository).
		Int("total_files", len(files)).
		Int("total_batches", len(batches)).
		Msg("indexing job enqueued")

	return &Summary{
		JobID:        jobID,
		Repository:   repository,
		TotalFiles:   len(files),
		TotalBatches: len(batches),
	}, nil
}

func (p *Producer) completeEmpty(ctx context.Context, jobID, repository string, now time.Time) error {
	err := p.status.Init(ctx, &types.JobStatus{
		JobID:      jobID,
		Repository: repository,
		State:      types.JobStatePending,
		StartedAt:  now,
	})
	if err != nil {
		_ = p.status.ReleaseLock(ctx, repository)
		return err
	}
	if _, err := p.status.TryComplete(ctx, repository, types.JobStateCompleted, now); err != nil {
		return err
	}
	return p.status.ReleaseLock(ctx, repository)
}
