package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarryhq/quarry/pkg/status"
	"github.com/quarryhq/quarry/pkg/types"
)

// stubWorker writes a shell script standing in for the worker binary
func stubWorker(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "worker.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script+"\n"), 0o755))
	return path
}

func newTestSupervisor(t *testing.T, workerBin string) (*Supervisor, *status.Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	st := status.New(rdb, 24*time.Hour)
	s := New(st, Config{
		WorkerBin:   workerBin,
		DBURL:       "test.db",
		BaseTimeout: 2 * time.Second,
		BatchSize:   40,
		MaxRetries:  3,
	}, nil)
	s.backoff = func(int) time.Duration { return 0 }
	return s, st
}

func batchFields(t *testing.T, repo string, batch, total, files int) map[string]string {
	t.Helper()
	entries := make([]types.FileEntry, files)
	for i := range entries {
		entries[i] = types.FileEntry{Path: "/src/file.ts", Class: types.FileClassRegular}
	}
	msg := &types.BatchMessage{
		JobID:        "job-1",
		Repository:   repo,
		BatchNumber:  batch,
		TotalBatches: total,
		Files:        entries,
		CreatedAt:    time.Now(),
	}
	raw, err := msg.Fields()
	require.NoError(t, err)
	fields := make(map[string]string, len(raw))
	for k, v := range raw {
		fields[k] = v.(string)
	}
	return fields
}

func initRecord(t *testing.T, st *status.Store, repo string, total int) {
	t.Helper()
	require.NoError(t, st.Init(context.Background(), &types.JobStatus{
		JobID: "job-1", Repository: repo,
		TotalFiles: total, TotalBatches: 1,
		State: types.JobStatePending, StartedAt: time.Now(),
	}))
}

func TestHandleSuccess(t *testing.T) {
	bin := stubWorker(t, `echo "some log noise"
echo '{"success_count":40,"error_count":0}'`)
	s, st := newTestSupervisor(t, bin)
	ctx := context.Background()
	initRecord(t, st, "acme/web", 40)

	d := s.Handle(ctx, batchFields(t, "acme/web", 1, 1, 40), 1)
	assert.Equal(t, DispositionAck, d)

	js, err := st.Get(ctx, "acme/web")
	require.NoError(t, err)
	assert.Equal(t, 40, js.ProcessedFiles)
	assert.Zero(t, js.FailedFiles)
	assert.Equal(t, 1, js.CurrentBatch)
	assert.Equal(t, types.JobStateProcessing, js.State)
}

func TestHandlePerFileErrors(t *testing.T) {
	bin := stubWorker(t, `echo '{"success_count":38,"error_count":2,"per_file_errors":["/src/a.ts: parse error","/src/b.ts: read error"]}'`)
	s, st := newTestSupervisor(t, bin)
	ctx := context.Background()
	initRecord(t, st, "acme/web", 40)

	d := s.Handle(ctx, batchFields(t, "acme/web", 1, 1, 40), 1)
	assert.Equal(t, DispositionAck, d, "per-file failures are a normal outcome")

	js, err := st.Get(ctx, "acme/web")
	require.NoError(t, err)
	assert.Equal(t, 38, js.ProcessedFiles)
	assert.Equal(t, 2, js.FailedFiles)
	assert.Contains(t, js.Errors, "/src/a.ts: parse error")
	assert.Contains(t, js.Errors, "/src/b.ts: read error")
}

func TestHandleTimeout(t *testing.T) {
	bin := stubWorker(t, `sleep 30`)
	s, st := newTestSupervisor(t, bin)
	s.cfg.BaseTimeout = 200 * time.Millisecond
	ctx := context.Background()
	initRecord(t, st, "acme/web", 40)

	d := s.Handle(ctx, batchFields(t, "acme/web", 1, 1, 40), 1)
	assert.Equal(t, DispositionRetry, d, "timeouts are retryable")

	js, err := st.Get(ctx, "acme/web")
	require.NoError(t, err)
	assert.Zero(t, js.ProcessedFiles)
	assert.Zero(t, js.CurrentBatch, "a retried batch is not counted")
}

func TestHandleCrashIsRetryable(t *testing.T) {
	bin := stubWorker(t, `echo "something broke" >&2
exit 1`)
	s, st := newTestSupervisor(t, bin)
	ctx := context.Background()
	initRecord(t, st, "acme/web", 40)

	d := s.Handle(ctx, batchFields(t, "acme/web", 1, 1, 40), 1)
	assert.Equal(t, DispositionRetry, d)
}

func TestHandleOutOfMemoryHalts(t *testing.T) {
	bin := stubWorker(t, `echo "fatal: out of memory" >&2
exit 137`)
	s, st := newTestSupervisor(t, bin)
	ctx := context.Background()
	initRecord(t, st, "acme/web", 40)

	d := s.Handle(ctx, batchFields(t, "acme/web", 1, 1, 40), 1)
	assert.Equal(t, DispositionHalt, d)

	js, err := st.Get(ctx, "acme/web")
	require.NoError(t, err)
	require.NotEmpty(t, js.Errors)
	assert.Contains(t, js.Errors[0], "halted consumer")
}

func TestHandleGarbageResultHalts(t *testing.T) {
	bin := stubWorker(t, `echo "this is not json"`)
	s, st := newTestSupervisor(t, bin)
	ctx := context.Background()
	initRecord(t, st, "acme/web", 40)

	d := s.Handle(ctx, batchFields(t, "acme/web", 1, 1, 40), 1)
	assert.Equal(t, DispositionHalt, d, "unparseable results are critical")
}

func TestHandleRetryBudgetExhausted(t *testing.T) {
	bin := stubWorker(t, `sleep 30`)
	s, st := newTestSupervisor(t, bin)
	s.cfg.BaseTimeout = 200 * time.Millisecond
	ctx := context.Background()
	initRecord(t, st, "acme/web", 40)

	var completed bool
	s.onUpdate = func(context.Context, string) { completed = true }

	d := s.Handle(ctx, batchFields(t, "acme/web", 1, 1, 40), 3)
	assert.Equal(t, DispositionAck, d, "past the cap the message is retired")
	assert.True(t, completed, "permanent failure still drives the completion check")

	js, err := st.Get(ctx, "acme/web")
	require.NoError(t, err)
	assert.Equal(t, 40, js.FailedFiles, "the whole batch counts as failed")
	assert.Equal(t, 1, js.CurrentBatch)
	require.NotEmpty(t, js.Errors)
	assert.Contains(t, js.Errors[0], "permanently failed after 3 attempts")
}

func TestHandleInvalidMessageDropped(t *testing.T) {
	s, _ := newTestSupervisor(t, stubWorker(t, `exit 0`))

	d := s.Handle(context.Background(), map[string]string{"garbage": "fields"}, 1)
	assert.Equal(t, DispositionAck, d, "undecodable messages are acknowledged and dropped")
}

func TestTimeoutScalesWithBatchSize(t *testing.T) {
	s, _ := newTestSupervisor(t, "worker")
	s.cfg.BaseTimeout = 300 * time.Second
	s.cfg.BatchSize = 40

	assert.Equal(t, 300*time.Second, s.timeoutFor(40))
	assert.Equal(t, 300*time.Second, s.timeoutFor(10))
	assert.Equal(t, 600*time.Second, s.timeoutFor(80))
	assert.Equal(t, 900*time.Second, s.timeoutFor(90))
}
