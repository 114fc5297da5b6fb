package stream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Key and group conventions shared by producers and consumers
const (
	BatchStreamPrefix = "indexing:jobs:"
	StatusKeyPrefix   = "indexing:status:"
	LockKeyPrefix     = "indexing:lock:"
	AutoSaveStream    = "conversations:autosave"

	IndexingGroup     = "indexing-workers"
	ConversationGroup = "conversation-workers"

	// StartTail makes a new group deliver only messages appended after its
	// creation; StartHead replays the stream from the beginning.
	StartTail = "$"
	StartHead = "0"
)

// ErrUnavailable is returned when the substrate cannot be reached. Handlers
// treat it as stop-consumer.
var ErrUnavailable = errors.New("stream substrate unavailable")

// BatchStream returns the batch stream key for a repository
func BatchStream(repository string) string {
	return BatchStreamPrefix + repository
}

// Message is one entry read from a stream
type Message struct {
	ID     string
	Fields map[string]string
}

// PendingMessage is a reclaimed entry together with its pending-entry record
type PendingMessage struct {
	Message
	Consumer      string
	DeliveryCount int64
	Idle          time.Duration
}

// ReadResult groups messages by the stream they were read from
type ReadResult struct {
	Stream   string
	Messages []Message
}

// PendingSummary describes a consumer group's pending set
type PendingSummary struct {
	Total   int64
	MinIdle time.Duration
	MaxIdle time.Duration
}

// Client is a thin adapter over Redis Streams providing append, grouped reads,
// acknowledgement, pending introspection, and stale-message reclamation.
type Client struct {
	rdb redis.UniversalClient
}

// NewClient connects to the substrate at the given URL
// (e.g. redis://localhost:6379)
func NewClient(url string) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse substrate URL: %w", err)
	}
	return &Client{rdb: redis.NewClient(opts)}, nil
}

// NewWithRedis wraps an existing client. Used by tests to run against an
// in-process substrate.
func NewWithRedis(rdb redis.UniversalClient) *Client {
	return &Client{rdb: rdb}
}

// Close releases the underlying connection pool
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping verifies the substrate is reachable
func (c *Client) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return wrapErr(err)
	}
	return nil
}

// Append atomically appends fields to the stream, loosely capped at maxLen
// entries for memory bounding, and returns the assigned message ID.
func (c *Client) Append(ctx context.Context, stream string, fields map[string]interface{}, maxLen int64) (string, error) {
	id, err := c.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: maxLen,
		Approx: true,
		Values: fields,
	}).Result()
	if err != nil {
		return "", wrapErr(err)
	}
	return id, nil
}

// EnsureGroup creates the consumer group if absent. start is StartTail for
// new-only delivery or StartHead for replay.
func (c *Client) EnsureGroup(ctx context.Context, stream, group, start string) error {
	err := c.rdb.XGroupCreateMkStream(ctx, stream, group, start).Err()
	if err != nil && !isBusyGroup(err) {
		return wrapErr(err)
	}
	return nil
}

// ReadGroup performs a blocking grouped read with the ">" cursor across the
// given streams: only messages never delivered to this group are returned.
// Reclaiming previously delivered messages is ClaimStale's job. A nil result
// with nil error means the block timeout elapsed with nothing to read.
func (c *Client) ReadGroup(ctx context.Context, group, consumer string, streams []string, count int64, block time.Duration) ([]ReadResult, error) {
	args := make([]string, 0, len(streams)*2)
	args = append(args, streams...)
	for range streams {
		args = append(args, ">")
	}

	res, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  args,
		Count:    count,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, wrapErr(err)
	}

	results := make([]ReadResult, 0, len(res))
	for _, s := range res {
		r := ReadResult{Stream: s.Stream, Messages: make([]Message, 0, len(s.Messages))}
		for _, m := range s.Messages {
			r.Messages = append(r.Messages, Message{ID: m.ID, Fields: stringFields(m.Values)})
		}
		results = append(results, r)
	}
	return results, nil
}

// Ack removes messages from the group's pending set. Acknowledging an
// already-acknowledged message is a no-op.
func (c *Client) Ack(ctx context.Context, stream, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := c.rdb.XAck(ctx, stream, group, ids...).Err(); err != nil {
		return wrapErr(err)
	}
	return nil
}

// Pending summarizes the group's pending set, including idle-time bounds
func (c *Client) Pending(ctx context.Context, stream, group string) (*PendingSummary, error) {
	entries, err := c.pendingEntries(ctx, stream, group)
	if err != nil {
		return nil, err
	}

	summary := &PendingSummary{Total: int64(len(entries))}
	for i, e := range entries {
		if i == 0 || e.Idle < summary.MinIdle {
			summary.MinIdle = e.Idle
		}
		if e.Idle > summary.MaxIdle {
			summary.MaxIdle = e.Idle
		}
	}
	return summary, nil
}

// DeliveryCount returns the delivery counter of a single pending message, or
// zero if the message is no longer pending.
func (c *Client) DeliveryCount(ctx context.Context, stream, group, id string) (int64, error) {
	entries, err := c.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  group,
		Start:  id,
		End:    id,
		Count:  1,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, wrapErr(err)
	}
	if len(entries) == 0 {
		return 0, nil
	}
	return entries[0].RetryCount, nil
}

// ClaimStale reassigns up to count messages idle longer than minIdle from any
// consumer to the caller, returning them with their delivery counts. A message
// below the idle threshold is never reassigned.
func (c *Client) ClaimStale(ctx context.Context, stream, group, consumer string, minIdle time.Duration, count int64) ([]PendingMessage, error) {
	msgs, _, err := c.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    count,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, wrapErr(err)
	}
	if len(msgs) == 0 {
		return nil, nil
	}

	// Join against the pending set for delivery counts; the claim itself
	// bumped each counter by one.
	counts := make(map[string]redis.XPendingExt)
	entries, err := c.pendingEntries(ctx, stream, group)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		counts[e.ID] = e
	}

	claimed := make([]PendingMessage, 0, len(msgs))
	for _, m := range msgs {
		pm := PendingMessage{
			Message:  Message{ID: m.ID, Fields: stringFields(m.Values)},
			Consumer: consumer,
		}
		if e, ok := counts[m.ID]; ok {
			pm.DeliveryCount = e.RetryCount
			pm.Idle = e.Idle
		}
		claimed = append(claimed, pm)
	}
	return claimed, nil
}

// Len returns the current stream length
func (c *Client) Len(ctx context.Context, stream string) (int64, error) {
	n, err := c.rdb.XLen(ctx, stream).Result()
	if err != nil {
		return 0, wrapErr(err)
	}
	return n, nil
}

// ScanStreams lists keys matching pattern. The batch consumer uses it to
// discover per-repository job streams without blocking the substrate.
func (c *Client) ScanStreams(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	cursor := uint64(0)
	for {
		page, next, err := c.rdb.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, wrapErr(err)
		}
		keys = append(keys, page...)
		cursor = next
		if cursor == 0 {
			return keys, nil
		}
	}
}

// Redis returns the underlying client for sibling adapters (status records,
// lock keys) that share the same substrate connection.
func (c *Client) Redis() redis.UniversalClient {
	return c.rdb
}

func (c *Client) pendingEntries(ctx context.Context, stream, group string) ([]redis.XPendingExt, error) {
	entries, err := c.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  group,
		Start:  "-",
		End:    "+",
		Count:  10000,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, wrapErr(err)
	}
	return entries, nil
}

func stringFields(values map[string]interface{}) map[string]string {
	fields := make(map[string]string, len(values))
	for k, v := range values {
		if s, ok := v.(string); ok {
			fields[k] = s
		} else {
			fields[k] = fmt.Sprint(v)
		}
	}
	return fields
}

func isBusyGroup(err error) bool {
	return err != nil && strings.Contains(err.Error(), "BUSYGROUP")
}

func wrapErr(err error) error {
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
