package worker

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"

	"github.com/quarryhq/quarry/pkg/chunker"
	"github.com/quarryhq/quarry/pkg/embedder"
	"github.com/quarryhq/quarry/pkg/log"
	"github.com/quarryhq/quarry/pkg/storage"
	"github.com/quarryhq/quarry/pkg/types"
)

// Worker processes one batch of files for a repository
type Worker struct {
	repository string
	store      storage.Store
	chunker    chunker.Chunker
	embedder   embedder.Embedder
	logger     zerolog.Logger
}

// New creates a Worker for the given repository
func New(repository string, store storage.Store, c chunker.Chunker, e embedder.Embedder) *Worker {
	return &Worker{
		repository: repository,
		store:      store,
		chunker:    c,
		embedder:   e,
		logger:     log.WithComponent("worker").With().Str("repository", repository).Logger(),
	}
}

// Run processes every file in the batch. Per-file failures are counted and
// collected; they never abort the batch. The returned result is always
// non-nil, even when every file failed.
func (w *Worker) Run(ctx context.Context, files []types.FileEntry) *types.WorkerResult {
	result := &types.WorkerResult{}
	for _, file := range files {
		if err := w.processFile(ctx, file); err != nil {
			result.ErrorCount++
			result.PerFileErrors = append(result.PerFileErrors, fmt.Sprintf("%s: %v", file.Path, err))
			w.logger.Warn().Str("file", file.Path).Err(err).Msg("file failed")
			continue
		}
		result.SuccessCount++
	}
	return result
}

func (w *Worker) processFile(ctx context.Context, file types.FileEntry) error {
	content, err := os.ReadFile(file.Path)
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}
	if file.Class == types.FileClassPotentialBarrel {
		content = stripReexports(content)
	}

	lang := chunker.Language(file.Path)
	for _, slice := range w.chunker.Chunk(file.Path, content) {
		embedding, err := w.embedder.Embed(ctx, slice.Content)
		if err != nil {
			return fmt.Errorf("failed to embed chunk %d-%d: %w", slice.StartLine, slice.EndLine, err)
		}
		chunk := &types.Chunk{
			Repository: w.repository,
			FilePath:   file.Path,
			Language:   lang,
			ChunkType:  slice.ChunkType,
			Content:    slice.Content,
			StartLine:  slice.StartLine,
			EndLine:    slice.EndLine,
			Embedding:  embedding,
			Metadata:   map[string]string{"class": string(file.Class)},
		}
		if err := w.store.UpsertChunk(ctx, chunk); err != nil {
			return err
		}
	}
	return nil
}

// stripReexports drops pure re-export lines from barrel files so their noise
// is not embedded. Anything that isn't a bare re-export stays.
func stripReexports(content []byte) []byte {
	var kept []string
	for _, line := range strings.Split(string(content), "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "export *") {
			continue
		}
		if strings.HasPrefix(trimmed, "export {") && strings.Contains(trimmed, " from ") {
			continue
		}
		kept = append(kept, line)
	}
	return []byte(strings.Join(kept, "\n"))
}
