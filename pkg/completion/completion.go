package completion

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/quarryhq/quarry/pkg/events"
	"github.com/quarryhq/quarry/pkg/log"
	"github.com/quarryhq/quarry/pkg/status"
	"github.com/quarryhq/quarry/pkg/types"
)

// Hook is the idempotent post-processing operation fired once per completed
// job. Running it twice is harmless downstream, but the trigger still
// guarantees a single invocation per job under normal operation.
type Hook func(ctx context.Context, js *types.JobStatus) error

// Trigger performs the terminal transition when a job's counters add up
type Trigger struct {
	status *status.Store
	broker *events.Broker
	hook   Hook
	logger zerolog.Logger
}

// NewTrigger creates a Trigger. Both broker and hook may be nil.
func NewTrigger(st *status.Store, broker *events.Broker, hook Hook) *Trigger {
	return &Trigger{
		status: st,
		broker: broker,
		hook:   hook,
		logger: log.WithComponent("completion"),
	}
}

// CheckAndComplete inspects the repository's record and, when
// processed + failed has reached total, performs the exactly-once terminal
// transition. Concurrent callers race on the transition; only the winner
// releases the lock and fires the hook.
func (t *Trigger) CheckAndComplete(ctx context.Context, repository string) error {
	js, err := t.status.Get(ctx, repository)
	if err != nil {
		return err
	}
	if js == nil || js.State.Terminal() || !js.Done() {
		return nil
	}

	state := types.JobStateCompleted
	if js.FailedFiles > 0 {
		state = types.JobStateCompletedWithErrors
	}
	won, err := t.status.TryComplete(ctx, repository, state, time.Now())
	if err != nil {
		return err
	}
	if !won {
		return nil
	}

	if err := t.status.ReleaseLock(ctx, repository); err != nil {
		t.logger.Error().Str("repository", repository).Err(err).Msg("failed to release job lock")
	}

	js.State = state
	t.logger.Info().
		Str("job_id", js.JobID).
		Str("repository", repository).
		Str("state", string(state)).
		Int("processed", js.ProcessedFiles).
		Int("failed", js.FailedFiles).
		Msg("indexing job finished")

	if t.broker != nil {
		t.broker.Publish(&events.Event{
			ID:      uuid.NewString(),
			Type:    events.EventJobCompleted,
			Message: fmt.Sprintf("indexing job for %s finished as %s", repository, state),
			Metadata: map[string]string{
				"job_id":     js.JobID,
				"repository": repository,
				"state":      string(state),
			},
		})
	}
	if t.hook != nil {
		if err := t.hook(ctx, js); err != nil {
			t.logger.Error().Str("repository", repository).Err(err).Msg("post-processing hook failed")
		}
	}
	return nil
}

// Watchdog force-fails jobs stuck in processing. A stalled job holds its lock
// and blocks new runs for the repository until the watchdog clears it.
type Watchdog struct {
	status         *status.Store
	broker         *events.Broker
	interval       time.Duration
	stallThreshold time.Duration
	stopCh         chan struct{}
	logger         zerolog.Logger
}

// NewWatchdog creates a Watchdog. broker may be nil.
func NewWatchdog(st *status.Store, broker *events.Broker, interval, stallThreshold time.Duration) *Watchdog {
	return &Watchdog{
		status:         st,
		broker:         broker,
		interval:       interval,
		stallThreshold: stallThreshold,
		stopCh:         make(chan struct{}),
		logger:         log.WithComponent("watchdog"),
	}
}

// Start begins the periodic sweep
func (w *Watchdog) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				w.Sweep(ctx)
			case <-w.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the watchdog
func (w *Watchdog) Stop() {
	close(w.stopCh)
}

// Sweep fails every processing record whose counters have not advanced within
// the stall threshold. No downstream hook fires for a stalled job.
func (w *Watchdog) Sweep(ctx context.Context) {
	repos, err := w.status.ListRepositories(ctx)
	if err != nil {
		w.logger.Error().Err(err).Msg("failed to list status records")
		return
	}

	for _, repo := range repos {
		js, err := w.status.Get(ctx, repo)
		if err != nil {
			w.logger.Error().Str("repository", repo).Err(err).Msg("failed to read status record")
			continue
		}
		if js == nil || js.State != types.JobStateProcessing {
			continue
		}
		idle := time.Since(js.UpdatedAt)
		if js.UpdatedAt.IsZero() {
			idle = time.Since(js.StartedAt)
		}
		if idle < w.stallThreshold {
			continue
		}

		entry := fmt.Sprintf("stalled: no progress for %s (job %s)", idle.Round(time.Minute), js.JobID)
		if err := w.status.MarkFailed(ctx, repo, entry); err != nil {
			w.logger.Error().Str("repository", repo).Err(err).Msg("failed to fail stalled job")
			continue
		}
		if err := w.status.ReleaseLock(ctx, repo); err != nil {
			w.logger.Error().Str("repository", repo).Err(err).Msg("failed to release job lock")
		}
		w.logger.Warn().
			Str("job_id", js.JobID).
			Str("repository", repo).
			Dur("idle", idle).
			Msg("stalled job marked failed")

		if w.broker != nil {
			w.broker.Publish(&events.Event{
				ID:      uuid.NewString(),
				Type:    events.EventJobFailed,
				Message: fmt.Sprintf("indexing job for %s stalled", repo),
				Metadata: map[string]string{
					"job_id":     js.JobID,
					"repository": repo,
				},
			})
		}
	}
}
