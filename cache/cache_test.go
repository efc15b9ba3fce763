package cache

import (
	"context"
	"sync"
	"sync/atomic"
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

func testStore(t *testing.T) (*Store, *miniredis.Miniredis, *time.Time) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	s := New(client, config.CacheConfig{
		TopFreshTTL:      5 * time.Minute,
		TopStaleTTL:      15 * time.Minute,
		MediumFreshTTL:   30 * time.Minute,
		MediumStaleTTL:   6 * time.Hour,
		LongTailFreshTTL: 6 * time.Hour,
		LongTailStaleTTL: 24 * time.Hour,
	}, "skyscan")

	now := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	return s, mr, &now
}

func cachedQuery() model.Query {
	return model.Query{
		Origin:        "ICN",
		Destination:   "NRT",
		DepartureDate: time.Date(2026, 9, 10, 0, 0, 0, 0, time.UTC),
		Cabin:         model.Economy,
		Travelers:     model.Travelers{Adults: 1},
		Currency:      "KRW",
		TripType:      model.OneWay,
	}
}

func testEntry() Entry {
	dep := time.Date(2026, 9, 10, 0, 30, 0, 0, time.UTC)
	return Entry{
		Offers: []model.Offer{{
			Segments: []model.Segment{{
				Carrier: "KE", OperatingCarrier: "KE", FlightNumber: "703",
				Origin: "ICN", Destination: "NRT",
				DepartUTC: dep, ArriveUTC: dep.Add(145 * time.Minute),
				Cabin: model.Economy, DurationMin: 145,
			}},
			Prices: []model.Price{{SourceID: "gds", Currency: "KRW", Amount: 290000, Converted: 290000}},
		}},
		SourceMix: map[string]int{"gds": 1},
		CrawledAt: time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC),
	}
}

func TestLookupMiss(t *testing.T) {
	s, _, _ := testStore(t)
	e, state, err := s.Lookup(context.Background(), cachedQuery())
	require.NoError(t, err)
	assert.Nil(t, e)
	assert.Equal(t, StateMiss, state)
}

func TestPutThenLookupStates(t *testing.T) {
	s, _, now := testStore(t)
	ctx := context.Background()
	q := cachedQuery()

	require.NoError(t, s.Put(ctx, q, testEntry(), router.TierTop))

	e, state, err := s.Lookup(ctx, q)
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, StateFresh, state)
	assert.Len(t, e.Offers, 1)

	*now = now.Add(6 * time.Minute)
	_, state, err = s.Lookup(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, StateStale, state, "past the fresh horizon an entry still serves")

	*now = now.Add(10 * time.Minute)
	e, state, err = s.Lookup(ctx, q)
	require.NoError(t, err)
	assert.Nil(t, e)
	assert.Equal(t, StateMiss, state, "past the stale horizon nothing serves")
}

func TestPutTierTTLs(t *testing.T) {
	s, mr, _ := testStore(t)
	ctx := context.Background()
	q := cachedQuery()

	require.NoError(t, s.Put(ctx, q, testEntry(), router.TierLongTail))
	ttl := mr.TTL("skyscan:offers:" + q.Key())
	assert.Equal(t, 24*time.Hour, ttl, "redis expiry is the stale horizon")

	require.NoError(t, s.Put(ctx, q, testEntry(), router.TierTop))
	assert.Equal(t, 15*time.Minute, mr.TTL("skyscan:offers:"+q.Key()))
}

func TestLookupCorruptEntryIsMiss(t *testing.T) {
	s, mr, _ := testStore(t)
	q := cachedQuery()
	require.NoError(t, mr.Set("skyscan:offers:"+q.Key(), "{not json"))

	e, state, err := s.Lookup(context.Background(), q)
	require.NoError(t, err)
	assert.Nil(t, e)
	assert.Equal(t, StateMiss, state)
}

func TestLookupRedisDownSurfacesError(t *testing.T) {
	s, mr, _ := testStore(t)
	mr.Close()

	_, state, err := s.Lookup(context.Background(), cachedQuery())
	assert.Error(t, err, "infrastructure failure is not a plain miss")
	assert.Equal(t, StateMiss, state)
}

func TestFillCoalescesConcurrentMisses(t *testing.T) {
	s, _, _ := testStore(t)
	q := cachedQuery()

	var calls atomic.Int32
	gate := make(chan struct{})
	fn := func() (*Entry, error) {
		calls.Add(1)
		<-gate
		e := testEntry()
		return &e, nil
	}

	const workers = 8
	var wg sync.WaitGroup
	results := make([]*Entry, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e, err := s.Fill(context.Background(), q, fn)
			assert.NoError(t, err)
			results[i] = e
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load(), "one crawl serves every coalesced caller")
	for _, e := range results {
		assert.Same(t, results[0], e)
	}
}

func TestRefreshLock(t *testing.T) {
	s, _, _ := testStore(t)
	ctx := context.Background()
	q := cachedQuery()

	ok, err := s.TryRefreshLock(ctx, q, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, s.Refreshing(ctx, q))

	ok, err = s.TryRefreshLock(ctx, q, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "second worker must not double-refresh")

	s.ReleaseRefreshLock(ctx, q)
	assert.False(t, s.Refreshing(ctx, q))

	ok, err = s.TryRefreshLock(ctx, q, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRefreshLockExpires(t *testing.T) {
	s, mr, _ := testStore(t)
	ctx := context.Background()
	q := cachedQuery()

	ok, err := s.TryRefreshLock(ctx, q, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	// A crashed worker's lock must not wedge the key forever.
	mr.FastForward(2 * time.Minute)
	ok, err = s.TryRefreshLock(ctx, q, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}
