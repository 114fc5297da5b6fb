package stream

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewWithRedis(rdb), mr
}

func TestAppendReadAckRoundTrip(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()
	key := BatchStream("acme/web")

	require.NoError(t, client.EnsureGroup(ctx, key, IndexingGroup, StartHead))

	id, err := client.Append(ctx, key, map[string]interface{}{"job_id": "j1", "batch_number": "1"}, 1000)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	results, err := client.ReadGroup(ctx, IndexingGroup, "consumer-a", []string{key}, 10, 10*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Len(t, results[0].Messages, 1)
	assert.Equal(t, id, results[0].Messages[0].ID)
	assert.Equal(t, "j1", results[0].Messages[0].Fields["job_id"])

	require.NoError(t, client.Ack(ctx, key, IndexingGroup, id))

	// An acknowledged message never comes back through the ">" cursor
	results, err = client.ReadGroup(ctx, IndexingGroup, "consumer-a", []string{key}, 10, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, results)

	summary, err := client.Pending(ctx, key, IndexingGroup)
	require.NoError(t, err)
	assert.Zero(t, summary.Total, "message must not be both acknowledged and pending")
}

func TestEnsureGroupIdempotent(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, client.EnsureGroup(ctx, AutoSaveStream, ConversationGroup, StartTail))
	require.NoError(t, client.EnsureGroup(ctx, AutoSaveStream, ConversationGroup, StartTail))
}

func TestAckIdempotent(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()
	key := BatchStream("acme/web")

	require.NoError(t, client.EnsureGroup(ctx, key, IndexingGroup, StartHead))
	id, err := client.Append(ctx, key, map[string]interface{}{"job_id": "j1"}, 1000)
	require.NoError(t, err)

	_, err = client.ReadGroup(ctx, IndexingGroup, "consumer-a", []string{key}, 1, 10*time.Millisecond)
	require.NoError(t, err)

	require.NoError(t, client.Ack(ctx, key, IndexingGroup, id))
	require.NoError(t, client.Ack(ctx, key, IndexingGroup, id), "double ack is a no-op")
}

func TestPendingSummary(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()
	key := BatchStream("acme/web")

	require.NoError(t, client.EnsureGroup(ctx, key, IndexingGroup, StartHead))
	for i := 0; i < 3; i++ {
		_, err := client.Append(ctx, key, map[string]interface{}{"batch_number": "1"}, 1000)
		require.NoError(t, err)
	}

	_, err := client.ReadGroup(ctx, IndexingGroup, "consumer-a", []string{key}, 10, 10*time.Millisecond)
	require.NoError(t, err)

	summary, err := client.Pending(ctx, key, IndexingGroup)
	require.NoError(t, err)
	assert.Equal(t, int64(3), summary.Total)
}

func TestClaimStaleRespectsIdleThreshold(t *testing.T) {
	client, mr := newTestClient(t)
	ctx := context.Background()
	key := BatchStream("acme/web")

	require.NoError(t, client.EnsureGroup(ctx, key, IndexingGroup, StartHead))
	id, err := client.Append(ctx, key, map[string]interface{}{"job_id": "j1"}, 1000)
	require.NoError(t, err)

	// consumer-a takes delivery but never acknowledges (simulated crash)
	_, err = client.ReadGroup(ctx, IndexingGroup, "consumer-a", []string{key}, 1, 10*time.Millisecond)
	require.NoError(t, err)

	// Below the idle threshold nothing may be reassigned
	claimed, err := client.ClaimStale(ctx, key, IndexingGroup, "consumer-b", time.Minute, 10)
	require.NoError(t, err)
	assert.Empty(t, claimed)

	mr.FastForward(2 * time.Minute)

	claimed, err = client.ClaimStale(ctx, key, IndexingGroup, "consumer-b", time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, id, claimed[0].ID)
	assert.Equal(t, "consumer-b", claimed[0].Consumer)
	assert.GreaterOrEqual(t, claimed[0].DeliveryCount, int64(1))
	assert.Equal(t, "j1", claimed[0].Fields["job_id"])
}

func TestDeliveryCount(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()
	key := BatchStream("acme/web")

	require.NoError(t, client.EnsureGroup(ctx, key, IndexingGroup, StartHead))
	id, err := client.Append(ctx, key, map[string]interface{}{"job_id": "j1"}, 1000)
	require.NoError(t, err)

	_, err = client.ReadGroup(ctx, IndexingGroup, "consumer-a", []string{key}, 1, 10*time.Millisecond)
	require.NoError(t, err)

	count, err := client.DeliveryCount(ctx, key, IndexingGroup, id)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	// After ack the message is no longer pending
	require.NoError(t, client.Ack(ctx, key, IndexingGroup, id))
	count, err = client.DeliveryCount(ctx, key, IndexingGroup, id)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestApproximateCapTrimsOldest(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()
	key := BatchStream("acme/web")

	for i := 0; i < 10; i++ {
		_, err := client.Append(ctx, key, map[string]interface{}{"batch_number": "1"}, 5)
		require.NoError(t, err)
	}

	n, err := client.Len(ctx, key)
	require.NoError(t, err)
	assert.LessOrEqual(t, n, int64(10))
	assert.GreaterOrEqual(t, n, int64(5), "cap is approximate, never below the target")
}

func TestScanStreams(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	for _, repo := range []string{"acme/web", "acme/api", "other/repo"} {
		_, err := client.Append(ctx, BatchStream(repo), map[string]interface{}{"job_id": "j"}, 1000)
		require.NoError(t, err)
	}
	_, err := client.Append(ctx, AutoSaveStream, map[string]interface{}{"session": "s"}, 1000)
	require.NoError(t, err)

	keys, err := client.ScanStreams(ctx, BatchStreamPrefix+"*")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{
		BatchStream("acme/web"), BatchStream("acme/api"), BatchStream("other/repo"),
	}, keys)
}

func TestUnavailableSubstrate(t *testing.T) {
	client, mr := newTestClient(t)
	ctx := context.Background()

	mr.Close()

	_, err := client.Append(ctx, AutoSaveStream, map[string]interface{}{"session": "s"}, 1000)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)

	assert.ErrorIs(t, client.Ping(ctx), ErrUnavailable)
}
