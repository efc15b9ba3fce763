package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skyscan/skyscan/config"
	"github.com/skyscan/skyscan/model"
	"github.com/skyscan/skyscan/router"
)

func testQueue(t *testing.T, visibility time.Duration) (*RedisQueue, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	q := NewRedisQueueWithClient(client, config.RedisConfig{
		QueueGroup:             "skyscan_workers",
		QueueStreamPrefix:      "skyscan",
		QueueBlockTimeout:      50 * time.Millisecond,
		QueueVisibilityTimeout: visibility,
	})
	return q, client
}

func refreshPayload() RefreshPayload {
	return RefreshPayload{
		Query: model.Query{
			Origin:        "ICN",
			Destination:   "NRT",
			DepartureDate: time.Date(2026, 9, 10, 0, 0, 0, 0, time.UTC),
			Cabin:         model.Economy,
			Travelers:     model.Travelers{Adults: 1},
			Currency:      "KRW",
			TripType:      model.OneWay,
		},
		Tier:   router.TierTop,
		Reason: "scheduled",
	}
}

func TestEnqueueDequeueAck(t *testing.T) {
	q, _ := testQueue(t, time.Minute)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, StreamRefresh, refreshPayload())
	require.NoError(t, err)
	require.NotEmpty(t, id)

	stats, err := q.Stats(ctx, StreamRefresh)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats["pending"])

	job, err := q.Dequeue(ctx, StreamRefresh)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, id, job.ID)
	assert.Equal(t, 1, job.Attempts)
	assert.Equal(t, "processing", job.Status)

	p, err := job.Refresh()
	require.NoError(t, err)
	assert.Equal(t, "ICN", p.Query.Origin)
	assert.Equal(t, router.TierTop, p.Tier)
	assert.Equal(t, "scheduled", p.Reason)

	require.NoError(t, q.Ack(ctx, StreamRefresh, job.ID))
	stats, err = q.Stats(ctx, StreamRefresh)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats["pending"])
	assert.Equal(t, int64(0), stats["processing"])
	assert.Equal(t, int64(1), stats["completed"])
}

func TestDequeueEmptyReturnsNil(t *testing.T) {
	q, _ := testQueue(t, time.Minute)

	job, err := q.Dequeue(context.Background(), StreamRefresh)
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestNackRequeuesUntilAttemptsExhausted(t *testing.T) {
	q, _ := testQueue(t, time.Minute)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, StreamRefresh, refreshPayload())
	require.NoError(t, err)

	for attempt := 1; attempt <= 3; attempt++ {
		job, err := q.Dequeue(ctx, StreamRefresh)
		require.NoError(t, err)
		require.NotNil(t, job, "attempt %d should still be deliverable", attempt)
		assert.Equal(t, attempt, job.Attempts)
		require.NoError(t, q.Nack(ctx, StreamRefresh, job.ID))
	}

	// Attempts are exhausted; the job must not come back.
	job, err := q.Dequeue(ctx, StreamRefresh)
	require.NoError(t, err)
	assert.Nil(t, job)

	stats, err := q.Stats(ctx, StreamRefresh)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats["failed"])

	stored, err := q.getStoredJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "failed", stored.Status)
}

func TestStaleDeliveryReclaimedByOtherConsumer(t *testing.T) {
	// Zero visibility timeout makes an unacked delivery immediately stale.
	q1, client := testQueue(t, 0)
	ctx := context.Background()

	_, err := q1.Enqueue(ctx, StreamRefresh, refreshPayload())
	require.NoError(t, err)

	job, err := q1.Dequeue(ctx, StreamRefresh)
	require.NoError(t, err)
	require.NotNil(t, job)
	// q1 crashes without acking.

	q2 := NewRedisQueueWithClient(client, q1.cfg)
	reclaimed, err := q2.Dequeue(ctx, StreamRefresh)
	require.NoError(t, err)
	require.NotNil(t, reclaimed, "unacked delivery must be reclaimable")
	assert.Equal(t, job.ID, reclaimed.ID)
	assert.Equal(t, 2, reclaimed.Attempts)
}

func TestEnqueueMultipleOrdering(t *testing.T) {
	q, _ := testQueue(t, time.Minute)
	ctx := context.Background()

	first, err := q.Enqueue(ctx, StreamRefresh, refreshPayload())
	require.NoError(t, err)
	second, err := q.Enqueue(ctx, StreamRefresh, refreshPayload())
	require.NoError(t, err)

	j1, err := q.Dequeue(ctx, StreamRefresh)
	require.NoError(t, err)
	require.NotNil(t, j1)
	j2, err := q.Dequeue(ctx, StreamRefresh)
	require.NoError(t, err)
	require.NotNil(t, j2)

	assert.Equal(t, first, j1.ID)
	assert.Equal(t, second, j2.ID)
}
