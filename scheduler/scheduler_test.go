package scheduler

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skyscan/skyscan/config"
	"github.com/skyscan/skyscan/pkg/logger"
	"github.com/skyscan/skyscan/queue"
	"github.com/skyscan/skyscan/router"
)

// captureQueue records enqueued payloads without a backend.
type captureQueue struct {
	mu       sync.Mutex
	payloads []queue.RefreshPayload
}

func (c *captureQueue) Enqueue(ctx context.Context, jobType string, payload interface{}) (string, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	var p queue.RefreshPayload
	if err := json.Unmarshal(b, &p); err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.payloads = append(c.payloads, p)
	return "job", nil
}

func (c *captureQueue) Dequeue(ctx context.Context, jobType string) (*queue.Job, error) {
	return nil, nil
}
func (c *captureQueue) Ack(ctx context.Context, jobType, jobID string) error  { return nil }
func (c *captureQueue) Nack(ctx context.Context, jobType, jobID string) error { return nil }
func (c *captureQueue) Stats(ctx context.Context, jobType string) (map[string]int64, error) {
	return nil, nil
}
func (c *captureQueue) Close() error { return nil }

func testLogger() *logger.Logger {
	return logger.New(logger.Config{Level: "error", Format: "text"})
}

func schedulerConfig() config.SchedulerConfig {
	return config.SchedulerConfig{
		Tier1Cron: "@every 10m",
		Tier2Cron: "@every 2h",
		DaysAhead: 3,
		LockKey:   "scheduler:leader",
		LockTTL:   30 * time.Second,
		Currency:  "KRW",
	}
}

func TestSeedEnqueuesRouteDayGrid(t *testing.T) {
	cq := &captureQueue{}
	s := New(schedulerConfig(), cq, nil, "test", testLogger())
	s.now = func() time.Time { return time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC) }

	n, err := s.Seed(context.Background(), router.TierTop)
	require.NoError(t, err)

	routes := len(router.RoutesInTier(router.TierTop))
	assert.Equal(t, routes*3, n)
	require.Len(t, cq.payloads, n)

	p := cq.payloads[0]
	assert.Equal(t, router.TierTop, p.Tier)
	assert.Equal(t, "scheduled", p.Reason)
	assert.Equal(t, 1, p.Query.Travelers.Adults)
	assert.Equal(t, time.Date(2026, 8, 27, 0, 0, 0, 0, time.UTC), p.Query.DepartureDate,
		"horizon starts tomorrow")
	require.NoError(t, p.Query.Validate(time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)))
}

func TestSeedUsesConfiguredCurrency(t *testing.T) {
	cq := &captureQueue{}
	cfg := schedulerConfig()
	cfg.Currency = "USD"
	s := New(cfg, cq, nil, "test", testLogger())

	_, err := s.Seed(context.Background(), router.TierTop)
	require.NoError(t, err)

	require.NotEmpty(t, cq.payloads)
	assert.Equal(t, "USD", cq.payloads[0].Query.Currency)
}

func TestSeedLongTailEmpty(t *testing.T) {
	cq := &captureQueue{}
	s := New(schedulerConfig(), cq, nil, "test", testLogger())

	n, err := s.Seed(context.Background(), router.TierLongTail)
	require.NoError(t, err)
	assert.Zero(t, n, "long-tail routes refresh on demand, never on schedule")
}

func TestLeaderLockExcludesSecondInstance(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	s1 := New(schedulerConfig(), &captureQueue{}, client, "node-1", testLogger())
	s2 := New(schedulerConfig(), &captureQueue{}, client, "node-2", testLogger())
	ctx := context.Background()

	ok, err := s1.acquireLeader(ctx, router.TierTop)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s2.acquireLeader(ctx, router.TierTop)
	require.NoError(t, err)
	assert.False(t, ok, "one seeder per tier per tick")

	// Separate tiers hold separate locks.
	ok, err = s2.acquireLeader(ctx, router.TierMedium)
	require.NoError(t, err)
	assert.True(t, ok)

	// The lock expires rather than wedging after a leader crash.
	mr.FastForward(time.Minute)
	ok, err = s2.acquireLeader(ctx, router.TierTop)
	require.NoError(t, err)
	assert.True(t, ok)
}
