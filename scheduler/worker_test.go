package scheduler

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
	"github.com/skyscan/skyscan/queue"
	"github.com/skyscan/skyscan/router"
)

func workerQueue(t *testing.T) *queue.RedisQueue {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return queue.NewRedisQueueWithClient(client, config.RedisConfig{
		QueueGroup:             "skyscan_workers",
		QueueStreamPrefix:      "skyscan",
		QueueBlockTimeout:      20 * time.Millisecond,
		QueueVisibilityTimeout: time.Minute,
	})
}

func waitForStat(t *testing.T, q *queue.RedisQueue, state string, want int64) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		stats, err := q.Stats(context.Background(), queue.StreamRefresh)
		require.NoError(t, err)
		if stats[state] == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	stats, _ := q.Stats(context.Background(), queue.StreamRefresh)
	t.Fatalf("queue never reached %s=%d, stats: %v", state, want, stats)
}

func TestWorkerPoolProcessesJobs(t *testing.T) {
	q := workerQueue(t)
	ctx := context.Background()

	seen := make(chan queue.RefreshPayload, 8)
	pool := NewWorkerPool(q, func(ctx context.Context, p queue.RefreshPayload) error {
		seen <- p
		return nil
	}, 2, testLogger())

	for i := 0; i < 3; i++ {
		_, err := q.Enqueue(ctx, queue.StreamRefresh, refreshPayloadFor("ICN", "NRT"))
		require.NoError(t, err)
	}
	pool.Start()
	defer pool.Stop()

	for i := 0; i < 3; i++ {
		select {
		case p := <-seen:
			assert.Equal(t, "ICN", p.Query.Origin)
		case <-time.After(3 * time.Second):
			t.Fatal("worker pool never processed the job")
		}
	}
	waitForStat(t, q, "completed", 3)
}

func TestWorkerPoolNacksFailedRefresh(t *testing.T) {
	q := workerQueue(t)
	ctx := context.Background()

	pool := NewWorkerPool(q, func(ctx context.Context, p queue.RefreshPayload) error {
		return assert.AnError
	}, 1, testLogger())

	_, err := q.Enqueue(ctx, queue.StreamRefresh, refreshPayloadFor("GMP", "CJU"))
	require.NoError(t, err)

	pool.Start()
	defer pool.Stop()

	// Three failed attempts exhaust the job.
	waitForStat(t, q, "failed", 1)
}

func TestWorkerPoolDropsUndecodablePayload(t *testing.T) {
	q := workerQueue(t)
	ctx := context.Background()

	pool := NewWorkerPool(q, func(ctx context.Context, p queue.RefreshPayload) error {
		t.Error("refresh must not run for an unreadable payload")
		return nil
	}, 1, testLogger())

	_, err := q.Enqueue(ctx, queue.StreamRefresh, "not a refresh payload")
	require.NoError(t, err)

	pool.Start()
	defer pool.Stop()

	waitForStat(t, q, "completed", 1)
}

func refreshPayloadFor(origin, dest string) queue.RefreshPayload {
	return queue.RefreshPayload{
		Query: model.Query{
			Origin:        origin,
			Destination:   dest,
			DepartureDate: time.Date(2026, 9, 10, 0, 0, 0, 0, time.UTC),
			Cabin:         model.Economy,
			Travelers:     model.Travelers{Adults: 1},
			Currency:      "KRW",
			TripType:      model.OneWay,
		},
		Tier: router.TierTop,
	}
}
