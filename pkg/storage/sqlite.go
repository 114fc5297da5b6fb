package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/quarryhq/quarry/pkg/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS chunks (
	repository  TEXT NOT NULL,
	file_path   TEXT NOT NULL,
	start_line  INTEGER NOT NULL,
	end_line    INTEGER NOT NULL,
	language    TEXT NOT NULL DEFAULT '',
	chunk_type  TEXT NOT NULL DEFAULT '',
	content     TEXT NOT NULL,
	embedding   TEXT NOT NULL DEFAULT '[]',
	metadata    TEXT NOT NULL DEFAULT '{}',
	updated_at  TIMESTAMP NOT NULL,
	PRIMARY KEY (repository, file_path, start_line, end_line)
);

CREATE TABLE IF NOT EXISTS conversations (
	session           TEXT NOT NULL,
	timestamp         TIMESTAMP NOT NULL,
	content_hash      TEXT NOT NULL,
	project           TEXT NOT NULL DEFAULT '',
	user_message      TEXT NOT NULL,
	assistant_message TEXT NOT NULL,
	saved_at          TIMESTAMP NOT NULL,
	PRIMARY KEY (session, timestamp, content_hash)
);

CREATE INDEX IF NOT EXISTS idx_conversations_saved_at ON conversations (saved_at);
`

// SQLiteStore implements Store on a file-backed SQLite database. Workers run
// as separate OS processes against the same file; busy_timeout makes their
// concurrent upserts wait instead of failing.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (and migrates) the store at the given DSN
func OpenSQLite(dsn string) (*SQLiteStore, error) {
	if !strings.Contains(dsn, "?") {
		dsn += "?_busy_timeout=5000&_journal_mode=WAL"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate store: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) UpsertChunk(ctx context.Context, chunk *types.Chunk) error {
	embedding, err := json.Marshal(chunk.Embedding)
	if err != nil {
		return fmt.Errorf("failed to encode embedding: %w", err)
	}
	metadata, err := json.Marshal(chunk.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO chunks (repository, file_path, start_line, end_line, language, chunk_type, content, embedding, metadata, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (repository, file_path, start_line, end_line) DO UPDATE SET
			language   = excluded.language,
			chunk_type = excluded.chunk_type,
			content    = excluded.content,
			embedding  = excluded.embedding,
			metadata   = excluded.metadata,
			updated_at = excluded.updated_at`,
		chunk.Repository, chunk.FilePath, chunk.StartLine, chunk.EndLine,
		chunk.Language, chunk.ChunkType, chunk.Content,
		string(embedding), string(metadata), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to upsert chunk: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpsertConversation(ctx context.Context, conv *types.Conversation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (session, timestamp, content_hash, project, user_message, assistant_message, saved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (session, timestamp, content_hash) DO UPDATE SET
			project           = excluded.project,
			user_message      = excluded.user_message,
			assistant_message = excluded.assistant_message,
			saved_at          = excluded.saved_at`,
		conv.Session, conv.Timestamp.UTC(), conv.ContentHash,
		conv.Project, conv.UserMessage, conv.AssistantMessage, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to upsert conversation: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ChunkCount(ctx context.Context, repository string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM chunks WHERE repository = ?`, repository).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count chunks: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) ConversationsSince(ctx context.Context, cutoff time.Time) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM conversations WHERE saved_at >= ?`, cutoff.UTC()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count conversations: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) LastConversationSave(ctx context.Context) (time.Time, error) {
	var ts sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(saved_at) FROM conversations`).Scan(&ts)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read last save time: %w", err)
	}
	if !ts.Valid {
		return time.Time{}, nil
	}
	return ts.Time, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("store unreachable: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
