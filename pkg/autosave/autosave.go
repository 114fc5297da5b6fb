// Package autosave persists queued conversation turns. Each message is a
// single idempotent upsert; redelivery converges on the same row, so the
// handler never needs deduplication state of its own.
package autosave

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	"github.com/rs/zerolog"

	"github.com/quarryhq/quarry/pkg/faults"
	"github.com/quarryhq/quarry/pkg/log"
	"github.com/quarryhq/quarry/pkg/storage"
	"github.com/quarryhq/quarry/pkg/types"
)

// hashPrefixLen truncates the content hash used in the row key
const hashPrefixLen = 16

// Handler processes auto-save stream messages
type Handler struct {
	store  storage.Store
	logger zerolog.Logger
}

// New creates a Handler
func New(store storage.Store) *Handler {
	return &Handler{
		store:  store,
		logger: log.WithComponent("autosave"),
	}
}

// ContentHash derives the truncated content hash that keys a conversation row
func ContentHash(userMessage, assistantMessage string) string {
	sum := sha256.Sum256([]byte(userMessage + "\x00" + assistantMessage))
	return hex.EncodeToString(sum[:])[:hashPrefixLen]
}

// Handle parses one message and upserts its conversation row. The returned
// error carries a fault class: invalid messages are ClassInvalidMessage (ack
// and drop), store failures are retryable (leave pending).
func (h *Handler) Handle(ctx context.Context, fields map[string]string) error {
	msg, err := types.DecodeConversationMessage(fields)
	if err != nil {
		h.logger.Warn().Err(err).Msg("dropping invalid conversation message")
		return faults.New(faults.ClassInvalidMessage, err)
	}

	conv := &types.Conversation{
		Session:          msg.Session,
		Timestamp:        msg.Timestamp,
		ContentHash:      ContentHash(msg.UserMessage, msg.AssistantMessage),
		Project:          msg.Project,
		UserMessage:      msg.UserMessage,
		AssistantMessage: msg.AssistantMessage,
	}
	if err := h.store.UpsertConversation(ctx, conv); err != nil {
		h.logger.Error().Str("session", msg.Session).Err(err).Msg("conversation upsert failed")
		return faults.New(faults.ClassDbConnection, err)
	}

	h.logger.Debug().Str("session", msg.Session).Msg("conversation saved")
	return nil
}
