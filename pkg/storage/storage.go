package storage

import (
	"context"
	"time"

	"github.com/quarryhq/quarry/pkg/types"
)

// Store is the persistence boundary of the pipeline. Workers upsert chunks,
// the auto-save handler upserts conversations, and the metrics aggregator
// reads the aggregates.
type Store interface {
	// UpsertChunk writes a chunk row keyed on
	// (repository, file_path, start_line, end_line)
	UpsertChunk(ctx context.Context, chunk *types.Chunk) error

	// UpsertConversation writes a conversation row keyed on
	// (session, timestamp, content_hash)
	UpsertConversation(ctx context.Context, conv *types.Conversation) error

	// ChunkCount returns the number of chunk rows for a repository
	ChunkCount(ctx context.Context, repository string) (int64, error)

	// ConversationsSince counts conversation rows saved at or after the cutoff
	ConversationsSince(ctx context.Context, cutoff time.Time) (int64, error)

	// LastConversationSave returns the save time of the newest conversation
	// row, or the zero time when the table is empty
	LastConversationSave(ctx context.Context) (time.Time, error)

	// Ping verifies the store is reachable
	Ping(ctx context.Context) error

	Close() error
}
