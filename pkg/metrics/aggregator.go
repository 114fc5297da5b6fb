package metrics

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/quarryhq/quarry/pkg/log"
	"github.com/quarryhq/quarry/pkg/status"
	"github.com/quarryhq/quarry/pkg/storage"
	"github.com/quarryhq/quarry/pkg/stream"
	"github.com/quarryhq/quarry/pkg/types"
)

// Auto-save backlog thresholds for the health snapshot
const (
	pendingWarning = 10
	pendingError   = 50
)

// AutoSaveHealth is the snapshot served by the conversations metrics endpoint
type AutoSaveHealth struct {
	Status       string    `json:"status"`
	QueueSize    int64     `json:"queue_size"`
	Pending      int64     `json:"pending"`
	SavesPerHour int64     `json:"saves_per_hour"`
	LastSave     time.Time `json:"last_save"`
}

// Aggregator samples the substrate and the store into the gauges
type Aggregator struct {
	streams  *stream.Client
	status   *status.Store
	store    storage.Store
	interval time.Duration
	stopCh   chan struct{}
	logger   zerolog.Logger
}

// NewAggregator creates an Aggregator
func NewAggregator(streams *stream.Client, st *status.Store, store storage.Store, interval time.Duration) *Aggregator {
	return &Aggregator{
		streams:  streams,
		status:   st,
		store:    store,
		interval: interval,
		stopCh:   make(chan struct{}),
		logger:   log.WithComponent("metrics"),
	}
}

// Start begins periodic sampling
func (a *Aggregator) Start(ctx context.Context) {
	ticker := time.NewTicker(a.interval)
	go func() {
		// Sample immediately on start
		a.Sample(ctx)

		for {
			select {
			case <-ticker.C:
				a.Sample(ctx)
			case <-a.stopCh:
				ticker.Stop()
				return
			case <-ctx.Done():
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the aggregator
func (a *Aggregator) Stop() {
	close(a.stopCh)
}

// Sample refreshes every gauge from the substrate and the store
func (a *Aggregator) Sample(ctx context.Context) {
	a.sampleStreams(ctx)
	a.sampleJobs(ctx)
	a.sampleStore(ctx)
}

func (a *Aggregator) sampleStreams(ctx context.Context) {
	keys, err := a.streams.ScanStreams(ctx, stream.BatchStreamPrefix+"*")
	if err != nil {
		a.logger.Warn().Err(err).Msg("stream scan failed")
		return
	}
	keys = append(keys, stream.AutoSaveStream)

	for _, key := range keys {
		if n, err := a.streams.Len(ctx, key); err == nil {
			StreamLength.WithLabelValues(key).Set(float64(n))
		}
		group := stream.IndexingGroup
		if key == stream.AutoSaveStream {
			group = stream.ConversationGroup
		}
		if summary, err := a.streams.Pending(ctx, key, group); err == nil {
			StreamPending.WithLabelValues(key).Set(float64(summary.Total))
			StreamPendingMaxIdle.WithLabelValues(key).Set(summary.MaxIdle.Seconds())
		}
	}
}

func (a *Aggregator) sampleJobs(ctx context.Context) {
	counts, err := a.status.CountByState(ctx)
	if err != nil {
		a.logger.Warn().Err(err).Msg("job state count failed")
		return
	}
	for _, state := range []types.JobState{
		types.JobStatePending, types.JobStateProcessing, types.JobStateCompleted,
		types.JobStateCompletedWithErrors, types.JobStateFailed,
	} {
		JobsByState.WithLabelValues(string(state)).Set(float64(counts[state]))
	}
}

func (a *Aggregator) sampleStore(ctx context.Context) {
	if n, err := a.store.ConversationsSince(ctx, time.Now().Add(-time.Hour)); err == nil {
		ConversationsLastHour.Set(float64(n))
	}
	if last, err := a.store.LastConversationSave(ctx); err == nil && !last.IsZero() {
		LastSaveAge.Set(time.Since(last).Seconds())
	}
}

// AutoSaveHealthSnapshot builds the health view of the auto-save pipeline.
// Backlog depth drives the status: past pendingError the pipeline is failing
// to keep up, past pendingWarning it is falling behind.
func (a *Aggregator) AutoSaveHealthSnapshot(ctx context.Context) (*AutoSaveHealth, error) {
	queued, err := a.streams.Len(ctx, stream.AutoSaveStream)
	if err != nil {
		return nil, err
	}
	summary, err := a.streams.Pending(ctx, stream.AutoSaveStream, stream.ConversationGroup)
	if err != nil {
		return nil, err
	}
	saved, err := a.store.ConversationsSince(ctx, time.Now().Add(-time.Hour))
	if err != nil {
		return nil, err
	}
	last, err := a.store.LastConversationSave(ctx)
	if err != nil {
		return nil, err
	}

	health := &AutoSaveHealth{
		QueueSize:    queued,
		Pending:      summary.Total,
		SavesPerHour: saved,
		LastSave:     last,
	}
	switch {
	case summary.Total > pendingError:
		health.Status = "error"
	case summary.Total > pendingWarning:
		health.Status = "warning"
	default:
		health.Status = "healthy"
	}
	return health, nil
}
