package worker

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarryhq/quarry/pkg/chunker"
	"github.com/quarryhq/quarry/pkg/embedder"
	"github.com/quarryhq/quarry/pkg/storage"
	"github.com/quarryhq/quarry/pkg/types"
)

func newTestWorker(t *testing.T) (*Worker, *storage.SQLiteStore) {
	t.Helper()
	store, err := storage.OpenSQLite(filepath.Join(t.TempDir(), "quarry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	w := New("acme/web", store, chunker.NewLineWindow(10), embedder.NewFeatureHash())
	return w, store
}

func writeFile(t *testing.T, dir, name, content string) types.FileEntry {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return types.FileEntry{Path: path, Class: types.FileClassRegular}
}

func TestRunUpsertsChunks(t *testing.T) {
	w, store := newTestWorker(t)
	dir := t.TempDir()

	files := []types.FileEntry{
		writeFile(t, dir, "a.ts", "const a = 1\nconst b = 2\n"),
		writeFile(t, dir, "b.ts", "const c = 3\n"),
	}

	result := w.Run(context.Background(), files)
	assert.Equal(t, 2, result.SuccessCount)
	assert.Zero(t, result.ErrorCount)
	assert.Empty(t, result.PerFileErrors)

	n, err := store.ChunkCount(context.Background(), "acme/web")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestRunContinuesPastFailedFile(t *testing.T) {
	w, store := newTestWorker(t)
	dir := t.TempDir()

	files := []types.FileEntry{
		writeFile(t, dir, "good.ts", "const a = 1\n"),
		{Path: filepath.Join(dir, "missing.ts"), Class: types.FileClassRegular},
		writeFile(t, dir, "also-good.ts", "const b = 2\n"),
	}

	result := w.Run(context.Background(), files)
	assert.Equal(t, 2, result.SuccessCount)
	assert.Equal(t, 1, result.ErrorCount)
	require.Len(t, result.PerFileErrors, 1)
	assert.Contains(t, result.PerFileErrors[0], "missing.ts")

	n, err := store.ChunkCount(context.Background(), "acme/web")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestRunIdempotentRerun(t *testing.T) {
	w, store := newTestWorker(t)
	dir := t.TempDir()

	files := []types.FileEntry{writeFile(t, dir, "a.ts", "const a = 1\nconst b = 2\n")}

	first := w.Run(context.Background(), files)
	second := w.Run(context.Background(), files)
	assert.Equal(t, first, second)

	n, err := store.ChunkCount(context.Background(), "acme/web")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "reprocessing must converge on the same rows")
}

func TestBarrelReexportsStripped(t *testing.T) {
	w, store := newTestWorker(t)
	dir := t.TempDir()

	path := filepath.Join(dir, "index.ts")
	require.NoError(t, os.WriteFile(path, []byte(
		"export * from './a'\nexport { b } from './b'\nexport const local = 1\n"), 0o644))

	result := w.Run(context.Background(), []types.FileEntry{
		{Path: path, Class: types.FileClassPotentialBarrel},
	})
	assert.Equal(t, 1, result.SuccessCount)

	n, err := store.ChunkCount(context.Background(), "acme/web")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestEmptyFileSucceedsWithNoChunks(t *testing.T) {
	w, store := newTestWorker(t)
	dir := t.TempDir()

	result := w.Run(context.Background(), []types.FileEntry{writeFile(t, dir, "empty.ts", "")})
	assert.Equal(t, 1, result.SuccessCount)

	n, err := store.ChunkCount(context.Background(), "acme/web")
	require.NoError(t, err)
	assert.Zero(t, n)
}
