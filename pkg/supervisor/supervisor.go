package supervisor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/quarryhq/quarry/pkg/faults"
	"github.com/quarryhq/quarry/pkg/log"
	"github.com/quarryhq/quarry/pkg/status"
	"github.com/quarryhq/quarry/pkg/types"
)

// Disposition is what the consumer loop does with the message after dispatch
type Disposition int

const (
	// DispositionAck acknowledges the message; it is done (or permanently failed)
	DispositionAck Disposition = iota
	// DispositionRetry leaves the message pending for the next claim-stale pass
	DispositionRetry
	// DispositionHalt leaves the message pending and stops the consumer loop
	DispositionHalt
)

const (
	// terminateWaitDelay bounds how long a timed-out worker gets between
	// SIGTERM and SIGKILL
	terminateWaitDelay = 10 * time.Second

	maxErrorsPerBatch = 20
	maxErrorEntryLen  = 200
)

// Config holds supervisor tuning
type Config struct {
	// WorkerBin is the worker executable; empty means this binary re-invoked
	// with the worker subcommand
	WorkerBin string
	// DBURL is passed through to the worker as its store DSN
	DBURL string
	// BaseTimeout is the await budget for one full batch
	BaseTimeout time.Duration
	// BatchSize is the reference batch size the timeout scales against
	BatchSize int
	// MaxRetries caps redeliveries of one message
	MaxRetries int64
}

// Supervisor runs one Isolated Worker per batch message
type Supervisor struct {
	status   *status.Store
	cfg      Config
	onUpdate func(ctx context.Context, repository string)
	backoff  func(attempt int) time.Duration
	logger   zerolog.Logger
}

// New creates a Supervisor. onUpdate fires after every Status Record update
// and may be nil; the server wires the completion trigger here.
func New(st *status.Store, cfg Config, onUpdate func(context.Context, string)) *Supervisor {
	return &Supervisor{
		status:   st,
		cfg:      cfg,
		onUpdate: onUpdate,
		backoff:  faults.Backoff,
		logger:   log.WithComponent("supervisor"),
	}
}

// Handle runs the full per-message sequence: decode, dispatch, classify,
// update the Status Record, and decide the message's fate. deliveryCount is
// the substrate's count for this message, 1 on first delivery.
func (s *Supervisor) Handle(ctx context.Context, fields map[string]string, deliveryCount int64) Disposition {
	msg, err := types.DecodeBatchMessage(fields)
	if err != nil {
		// Without a repository there is no error log to write to
		s.logger.Error().Err(err).Msg("dropping undecodable batch message")
		return DispositionAck
	}
	logger := s.logger.With().
		Str("job_id", msg.JobID).
		Str("repository", msg.Repository).
		Int("batch", msg.BatchNumber).
		Int64("delivery", deliveryCount).
		Logger()

	// Redelivered messages wait out their backoff before redispatch
	if deliveryCount > 1 {
		delay := s.backoff(int(deliveryCount) - 1)
		logger.Info().Dur("backoff", delay).Msg("backing off before redispatch")
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return DispositionRetry
		}
	}

	if err := s.status.MarkProcessing(ctx, msg.Repository); err != nil {
		logger.Error().Err(err).Msg("failed to mark processing")
		return DispositionRetry
	}

	result, ferr := s.dispatch(ctx, msg)
	if ferr == nil {
		return s.recordSuccess(ctx, logger, msg, result)
	}
	return s.recordFailure(ctx, logger, msg, ferr, deliveryCount)
}

// dispatch spawns the worker and waits for it, classifying every failure mode
func (s *Supervisor) dispatch(ctx context.Context, msg *types.BatchMessage) (*types.WorkerResult, *faults.Error) {
	timeout := s.timeoutFor(len(msg.Files))
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	bin := s.cfg.WorkerBin
	if bin == "" {
		self, err := os.Executable()
		if err != nil {
			return nil, faults.New(faults.ClassCritical, fmt.Errorf("failed to locate worker binary: %w", err))
		}
		bin = self
	}

	cmd := exec.CommandContext(runCtx, bin, "worker",
		"--repository", msg.Repository,
		"--db-url", s.cfg.DBURL,
		"--files", strings.Join(msg.FilePaths(), ","),
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = terminateWaitDelay

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	if runCtx.Err() == context.DeadlineExceeded {
		return nil, faults.New(faults.ClassSubprocessTimeout,
			fmt.Errorf("worker exceeded %s (ran %s)", timeout, elapsed.Round(time.Second)))
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			class := faults.ClassifyStderr(stderr.String())
			if class == faults.ClassCritical {
				class = faults.ClassSubprocessCrash
			}
			return nil, faults.New(class,
				fmt.Errorf("worker exited %d: %s", exitErr.ExitCode(), lastLine(stderr.String())))
		}
		return nil, faults.New(faults.ClassSubprocessCrash, fmt.Errorf("worker failed to run: %w", err))
	}

	var result types.WorkerResult
	if err := json.Unmarshal([]byte(lastLine(stdout.String())), &result); err != nil {
		return nil, faults.New(faults.ClassCritical,
			fmt.Errorf("worker produced unparseable result: %w", err))
	}
	return &result, nil
}

func (s *Supervisor) recordSuccess(ctx context.Context, logger zerolog.Logger, msg *types.BatchMessage, result *types.WorkerResult) Disposition {
	repo := msg.Repository
	if result.SuccessCount > 0 {
		if _, err := s.status.IncrementField(ctx, repo, "processed_files", int64(result.SuccessCount)); err != nil {
			logger.Error().Err(err).Msg("failed to update processed_files")
			return DispositionRetry
		}
	}
	if result.ErrorCount > 0 {
		if _, err := s.status.IncrementField(ctx, repo, "failed_files", int64(result.ErrorCount)); err != nil {
			logger.Error().Err(err).Msg("failed to update failed_files")
			return DispositionRetry
		}
		if err := s.status.AppendErrors(ctx, repo, truncateErrors(result.PerFileErrors)...); err != nil {
			logger.Error().Err(err).Msg("failed to append per-file errors")
		}
	}
	if _, err := s.status.IncrementField(ctx, repo, "current_batch", 1); err != nil {
		logger.Error().Err(err).Msg("failed to update current_batch")
		return DispositionRetry
	}

	logger.Info().
		Int("success", result.SuccessCount).
		Int("errors", result.ErrorCount).
		Msg("batch processed")

	if s.onUpdate != nil {
		s.onUpdate(ctx, repo)
	}
	return DispositionAck
}

func (s *Supervisor) recordFailure(ctx context.Context, logger zerolog.Logger, msg *types.BatchMessage, ferr *faults.Error, deliveryCount int64) Disposition {
	logger.Warn().Str("class", string(ferr.Class)).Err(ferr.Err).Msg("batch dispatch failed")

	switch ferr.Class.Severity() {
	case faults.SeverityRetry:
		if deliveryCount >= s.cfg.MaxRetries {
			return s.failPermanently(ctx, logger, msg, ferr)
		}
		return DispositionRetry

	case faults.SeverityDrop:
		_ = s.status.AppendErrors(ctx, msg.Repository,
			fmt.Sprintf("batch %d dropped: %v", msg.BatchNumber, ferr))
		return DispositionAck

	default:
		_ = s.status.AppendErrors(ctx, msg.Repository,
			fmt.Sprintf("batch %d halted consumer: %v", msg.BatchNumber, ferr))
		return DispositionHalt
	}
}

// failPermanently retires a message past its retry budget. The batch's files
// count as failed so the job can still reach a terminal state.
func (s *Supervisor) failPermanently(ctx context.Context, logger zerolog.Logger, msg *types.BatchMessage, ferr *faults.Error) Disposition {
	repo := msg.Repository
	logger.Error().Str("class", string(ferr.Class)).Msg("retry budget exhausted, failing batch permanently")

	if _, err := s.status.IncrementField(ctx, repo, "failed_files", int64(len(msg.Files))); err != nil {
		logger.Error().Err(err).Msg("failed to update failed_files")
		return DispositionRetry
	}
	if _, err := s.status.IncrementField(ctx, repo, "current_batch", 1); err != nil {
		logger.Error().Err(err).Msg("failed to update current_batch")
	}
	_ = s.status.AppendErrors(ctx, repo,
		fmt.Sprintf("batch %d permanently failed after %d attempts: %v", msg.BatchNumber, s.cfg.MaxRetries, ferr))

	if s.onUpdate != nil {
		s.onUpdate(ctx, repo)
	}
	return DispositionAck
}

// timeoutFor scales the base timeout with batch size: an oversized batch gets
// a proportionally larger budget, a normal one gets the base.
func (s *Supervisor) timeoutFor(files int) time.Duration {
	if s.cfg.BatchSize <= 0 || files <= s.cfg.BatchSize {
		return s.cfg.BaseTimeout
	}
	factor := (files + s.cfg.BatchSize - 1) / s.cfg.BatchSize
	return s.cfg.BaseTimeout * time.Duration(factor)
}

func lastLine(out string) string {
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	return lines[len(lines)-1]
}

func truncateErrors(entries []string) []string {
	if len(entries) > maxErrorsPerBatch {
		entries = entries[:maxErrorsPerBatch]
	}
	out := make([]string, len(entries))
	for i, e := range entries {
		if len(e) > maxErrorEntryLen {
			e = e[:maxErrorEntryLen]
		}
		out[i] = e
	}
	return out
}
