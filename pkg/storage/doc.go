// Package storage is the durable store behind the pipeline: chunk rows written
// by isolated workers and conversation rows written by the auto-save handler.
// All writes are idempotent upserts keyed on natural identity, so redelivered
// messages and reissued jobs converge instead of duplicating.
package storage
