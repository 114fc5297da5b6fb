package status

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/quarryhq/quarry/pkg/stream"
	"github.com/quarryhq/quarry/pkg/types"
)

const (
	// maxErrorEntries bounds the append-only error log per job
	maxErrorEntries = 100
)

// Store is the Status Record adapter: a {field -> string} map per repository
// with atomic integer increments, a bounded error log, and a retention TTL
// that is refreshed on every mutation.
type Store struct {
	rdb redis.UniversalClient
	ttl time.Duration
}

// New creates a Status Record store with the given retention window
func New(rdb redis.UniversalClient, ttl time.Duration) *Store {
	return &Store{rdb: rdb, ttl: ttl}
}

func statusKey(repository string) string {
	return stream.StatusKeyPrefix + repository
}

func errorsKey(repository string) string {
	return statusKey(repository) + ":errors"
}

func lockKey(repository string) string {
	return stream.LockKeyPrefix + repository
}

// Init creates the Status Record for a new job: all counters zero, state
// pending, start timestamp now. Overwrites any expired leftovers.
func (s *Store) Init(ctx context.Context, js *types.JobStatus) error {
	key := statusKey(js.Repository)
	now := js.StartedAt.UTC().Format(time.RFC3339Nano)

	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, key, errorsKey(js.Repository))
	pipe.HSet(ctx, key, map[string]interface{}{
		"job_id":          js.JobID,
		"repository":      js.Repository,
		"total_files":     js.TotalFiles,
		"total_batches":   js.TotalBatches,
		"processed_files": 0,
		"failed_files":    0,
		"current_batch":   0,
		"state":           string(js.State),
		"started_at":      now,
		"updated_at":      now,
		"completed_at":    "",
	})
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to init status record: %w", err)
	}
	return nil
}

// Get returns the parsed Status Record, or nil if no record exists
func (s *Store) Get(ctx context.Context, repository string) (*types.JobStatus, error) {
	fields, err := s.rdb.HGetAll(ctx, statusKey(repository)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read status record: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	js := types.ParseJobStatus(fields)
	js.Repository = repository

	entries, err := s.Errors(ctx, repository)
	if err != nil {
		return nil, err
	}
	js.Errors = entries
	return js, nil
}

// IncrementField atomically adds delta to an integer field and refreshes the
// retention TTL. Counters are monotone: callers only pass positive deltas.
func (s *Store) IncrementField(ctx context.Context, repository, field string, delta int64) (int64, error) {
	key := statusKey(repository)
	pipe := s.rdb.TxPipeline()
	incr := pipe.HIncrBy(ctx, key, field, delta)
	pipe.HSet(ctx, key, "updated_at", time.Now().UTC().Format(time.RFC3339Nano))
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to increment %s: %w", field, err)
	}
	return incr.Val(), nil
}

// MarkProcessing transitions pending -> processing. Terminal records are never
// transitioned back; the call is a no-op for them.
func (s *Store) MarkProcessing(ctx context.Context, repository string) error {
	state, err := s.rdb.HGet(ctx, statusKey(repository), "state").Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("failed to read state: %w", err)
	}
	if types.JobState(state).Terminal() || types.JobState(state) == types.JobStateProcessing {
		return nil
	}
	return s.setState(ctx, repository, types.JobStateProcessing)
}

// TryComplete performs the exactly-once terminal transition: the first caller
// to set completed_at wins and the record moves to the given terminal state.
// Returns true only for the winner.
func (s *Store) TryComplete(ctx context.Context, repository string, state types.JobState, completedAt time.Time) (bool, error) {
	key := statusKey(repository)
	won, err := s.rdb.HSetNX(ctx, key, "completed_once", "1").Result()
	if err != nil {
		return false, fmt.Errorf("failed terminal transition: %w", err)
	}
	if !won {
		return false, nil
	}

	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"state":        string(state),
		"completed_at": completedAt.UTC().Format(time.RFC3339Nano),
		"updated_at":   completedAt.UTC().Format(time.RFC3339Nano),
	})
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("failed terminal transition: %w", err)
	}
	return true, nil
}

// MarkFailed force-fails a stalled job. Used by the watchdog only; like
// TryComplete it refuses to touch a record that already reached terminal state.
func (s *Store) MarkFailed(ctx context.Context, repository string, entry string) error {
	won, err := s.TryComplete(ctx, repository, types.JobStateFailed, time.Now())
	if err != nil {
		return err
	}
	if !won {
		return nil
	}
	return s.AppendErrors(ctx, repository, entry)
}

// AppendErrors appends entries to the job's bounded error log. Entries are
// never lost until job expiry; only the oldest are trimmed past the bound.
func (s *Store) AppendErrors(ctx context.Context, repository string, entries ...string) error {
	if len(entries) == 0 {
		return nil
	}
	key := errorsKey(repository)
	args := make([]interface{}, len(entries))
	for i, e := range entries {
		args[i] = e
	}

	pipe := s.rdb.TxPipeline()
	pipe.RPush(ctx, key, args...)
	pipe.LTrim(ctx, key, -maxErrorEntries, -1)
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to append error log: %w", err)
	}
	return nil
}

// Errors returns the job's error log, oldest first
func (s *Store) Errors(ctx context.Context, repository string) ([]string, error) {
	entries, err := s.rdb.LRange(ctx, errorsKey(repository), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read error log: %w", err)
	}
	return entries, nil
}

// ListRepositories returns every repository with a live Status Record
func (s *Store) ListRepositories(ctx context.Context) ([]string, error) {
	var repos []string
	cursor := uint64(0)
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, stream.StatusKeyPrefix+"*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan status records: %w", err)
		}
		for _, key := range keys {
			if strings.HasSuffix(key, ":errors") {
				continue
			}
			repos = append(repos, strings.TrimPrefix(key, stream.StatusKeyPrefix))
		}
		cursor = next
		if cursor == 0 {
			return repos, nil
		}
	}
}

// AcquireLock takes the per-repository job lock. At most one non-terminal job
// may exist per repository label; the lock makes the producer's conflict
// check atomic.
func (s *Store) AcquireLock(ctx context.Context, repository, jobID string) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, lockKey(repository), jobID, s.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire job lock: %w", err)
	}
	return ok, nil
}

// ReleaseLock frees the per-repository job lock
func (s *Store) ReleaseLock(ctx context.Context, repository string) error {
	if err := s.rdb.Del(ctx, lockKey(repository)).Err(); err != nil {
		return fmt.Errorf("failed to release job lock: %w", err)
	}
	return nil
}

func (s *Store) setState(ctx context.Context, repository string, state types.JobState) error {
	key := statusKey(repository)
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"state":      string(state),
		"updated_at": time.Now().UTC().Format(time.RFC3339Nano),
	})
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to set state: %w", err)
	}
	return nil
}

// CountByState tallies live Status Records per lifecycle state. Used by the
// metrics aggregator.
func (s *Store) CountByState(ctx context.Context) (map[types.JobState]int, error) {
	repos, err := s.ListRepositories(ctx)
	if err != nil {
		return nil, err
	}
	counts := make(map[types.JobState]int)
	for _, repo := range repos {
		state, err := s.rdb.HGet(ctx, statusKey(repo), "state").Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read state for %s: %w", repo, err)
		}
		counts[types.JobState(state)]++
	}
	return counts, nil
}
