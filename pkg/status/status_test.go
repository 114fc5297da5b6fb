package status

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarryhq/quarry/pkg/types"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(rdb, 24*time.Hour), mr
}

func newJob(repo string, totalFiles, totalBatches int) *types.JobStatus {
	return &types.JobStatus{
		JobID:        "job-1",
		Repository:   repo,
		TotalFiles:   totalFiles,
		TotalBatches: totalBatches,
		State:        types.JobStatePending,
		StartedAt:    time.Now(),
	}
}

func TestInitAndGet(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Init(ctx, newJob("acme/web", 100, 3)))

	js, err := store.Get(ctx, "acme/web")
	require.NoError(t, err)
	require.NotNil(t, js)
	assert.Equal(t, "job-1", js.JobID)
	assert.Equal(t, 100, js.TotalFiles)
	assert.Equal(t, 3, js.TotalBatches)
	assert.Zero(t, js.ProcessedFiles)
	assert.Equal(t, types.JobStatePending, js.State)
	assert.Empty(t, js.Errors)
	assert.Equal(t, "0/100", js.Progress())
}

func TestGetMissing(t *testing.T) {
	store, _ := newTestStore(t)

	js, err := store.Get(context.Background(), "no/such")
	require.NoError(t, err)
	assert.Nil(t, js)
}

func TestConcurrentIncrements(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Init(ctx, newJob("acme/web", 1000, 25)))

	// Many writers, one per completed batch; the sum must be exact
	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.IncrementField(ctx, "acme/web", "processed_files", 40)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	js, err := store.Get(ctx, "acme/web")
	require.NoError(t, err)
	assert.Equal(t, 1000, js.ProcessedFiles)
}

func TestMarkProcessingNeverDowngradesTerminal(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Init(ctx, newJob("acme/web", 10, 1)))
	require.NoError(t, store.MarkProcessing(ctx, "acme/web"))

	js, err := store.Get(ctx, "acme/web")
	require.NoError(t, err)
	assert.Equal(t, types.JobStateProcessing, js.State)

	won, err := store.TryComplete(ctx, "acme/web", types.JobStateCompleted, time.Now())
	require.NoError(t, err)
	assert.True(t, won)

	require.NoError(t, store.MarkProcessing(ctx, "acme/web"))
	js, err = store.Get(ctx, "acme/web")
	require.NoError(t, err)
	assert.Equal(t, types.JobStateCompleted, js.State, "terminal state must never revert")
}

func TestTryCompleteExactlyOnce(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Init(ctx, newJob("acme/web", 10, 1)))

	won, err := store.TryComplete(ctx, "acme/web", types.JobStateCompletedWithErrors, time.Now())
	require.NoError(t, err)
	assert.True(t, won)

	won, err = store.TryComplete(ctx, "acme/web", types.JobStateCompleted, time.Now())
	require.NoError(t, err)
	assert.False(t, won, "only the first terminal transition wins")

	js, err := store.Get(ctx, "acme/web")
	require.NoError(t, err)
	assert.Equal(t, types.JobStateCompletedWithErrors, js.State)
	assert.False(t, js.CompletedAt.IsZero())
}

func TestErrorLogBounded(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Init(ctx, newJob("acme/web", 10, 1)))

	for i := 0; i < maxErrorEntries+20; i++ {
		require.NoError(t, store.AppendErrors(ctx, "acme/web", fmt.Sprintf("entry-%d", i)))
	}

	entries, err := store.Errors(ctx, "acme/web")
	require.NoError(t, err)
	assert.Len(t, entries, maxErrorEntries)
	// Oldest are trimmed, newest preserved
	assert.Equal(t, fmt.Sprintf("entry-%d", maxErrorEntries+19), entries[len(entries)-1])
}

func TestTTLRefreshedOnMutation(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Init(ctx, newJob("acme/web", 10, 1)))

	mr.FastForward(23 * time.Hour)
	_, err := store.IncrementField(ctx, "acme/web", "processed_files", 1)
	require.NoError(t, err)

	// Without the refresh the record would expire within the next hour
	mr.FastForward(2 * time.Hour)
	js, err := store.Get(ctx, "acme/web")
	require.NoError(t, err)
	assert.NotNil(t, js, "TTL must be refreshed on every mutation")
}

func TestListRepositoriesAndCountByState(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Init(ctx, newJob("acme/web", 10, 1)))
	require.NoError(t, store.Init(ctx, newJob("acme/api", 10, 1)))
	require.NoError(t, store.MarkProcessing(ctx, "acme/api"))
	require.NoError(t, store.AppendErrors(ctx, "acme/web", "an error"))

	repos, err := store.ListRepositories(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"acme/web", "acme/api"}, repos, "errors lists are not records")

	counts, err := store.CountByState(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[types.JobStatePending])
	assert.Equal(t, 1, counts[types.JobStateProcessing])
}

func TestJobLock(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	ok, err := store.AcquireLock(ctx, "acme/web", "job-1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.AcquireLock(ctx, "acme/web", "job-2")
	require.NoError(t, err)
	assert.False(t, ok, "one job in flight per repository")

	require.NoError(t, store.ReleaseLock(ctx, "acme/web"))

	ok, err = store.AcquireLock(ctx, "acme/web", "job-2")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMarkFailedAppendsStallEntry(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Init(ctx, newJob("acme/web", 10, 1)))
	require.NoError(t, store.MarkFailed(ctx, "acme/web", "stalled: no progress for 30m"))

	js, err := store.Get(ctx, "acme/web")
	require.NoError(t, err)
	assert.Equal(t, types.JobStateFailed, js.State)
	assert.Contains(t, js.Errors, "stalled: no progress for 30m")

	// A second MarkFailed must not duplicate the transition
	require.NoError(t, store.MarkFailed(ctx, "acme/web", "stalled again"))
	js, err = store.Get(ctx, "acme/web")
	require.NoError(t, err)
	assert.NotContains(t, js.Errors, "stalled again")
}
