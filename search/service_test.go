package search

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

	"github.com/skyscan/skyscan/adapter"
	"github.com/skyscan/skyscan/cache"
	"github.com/skyscan/skyscan/config"
	"github.com/skyscan/skyscan/executor"
	"github.com/skyscan/skyscan/model"
	"github.com/skyscan/skyscan/normalize"
	"github.com/skyscan/skyscan/pkg/logger"
	"github.com/skyscan/skyscan/queue"
	"github.com/skyscan/skyscan/router"
)

// stubAdapter emits a fixed offer, or fails.
type stubAdapter struct {
	id    string
	offer *model.Offer
	err   error
	delay time.Duration

	mu    sync.Mutex
	calls int
	last  model.Query
}

func (a *stubAdapter) ID() string { return a.id }

func (a *stubAdapter) Search(ctx context.Context, q model.Query, sink adapter.RawSink) error {
	a.mu.Lock()
	a.calls++
	a.last = q
	a.mu.Unlock()
	if a.delay > 0 {
		select {
		case <-time.After(a.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if a.err != nil {
		return a.err
	}
	payload, _ := json.Marshal(a.offer)
	return sink(model.RawOffer{SourceID: a.id, Payload: payload, FetchedAt: time.Now()})
}

func (a *stubAdapter) HealthCheck(ctx context.Context) error { return nil }
func (a *stubAdapter) ClassifyFailure(err error) model.FailureKind {
	return adapter.ClassifyDefault(err)
}

func (a *stubAdapter) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

func (a *stubAdapter) lastQuery() model.Query {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.last
}

type allowAll struct{}

func (allowAll) Available(string) bool     { return true }
func (allowAll) SuccessRate(string) float64 { return 1 }

// captureJobs records refresh enqueues.
type captureJobs struct {
	mu       sync.Mutex
	payloads []queue.RefreshPayload
}

func (c *captureJobs) Enqueue(ctx context.Context, jobType string, payload interface{}) (string, error) {
	b, _ := json.Marshal(payload)
	var p queue.RefreshPayload
	if err := json.Unmarshal(b, &p); err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.payloads = append(c.payloads, p)
	return "job", nil
}
func (c *captureJobs) Dequeue(ctx context.Context, jobType string) (*queue.Job, error) {
	return nil, nil
}
func (c *captureJobs) Ack(ctx context.Context, jobType, jobID string) error  { return nil }
func (c *captureJobs) Nack(ctx context.Context, jobType, jobID string) error { return nil }
func (c *captureJobs) Stats(ctx context.Context, jobType string) (map[string]int64, error) {
	return nil, nil
}
func (c *captureJobs) Close() error { return nil }

func (c *captureJobs) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.payloads)
}

func passthrough(raw model.RawOffer, nc normalize.Context) (model.Offer, error) {
	var o model.Offer
	if err := json.Unmarshal(raw.Payload, &o); err != nil {
		return model.Offer{}, err
	}
	o.Provenance.SourceID = raw.SourceID
	return o, nil
}

func searchOffer(amount float64) *model.Offer {
	dep := time.Date(2026, 9, 10, 0, 30, 0, 0, time.UTC)
	return &model.Offer{
		Segments: []model.Segment{{
			Carrier: "KE", OperatingCarrier: "KE", FlightNumber: "703",
			Origin: "ICN", Destination: "NRT",
			DepartUTC: dep, ArriveUTC: dep.Add(145 * time.Minute),
			Cabin: model.Economy, DurationMin: 145,
		}},
		Prices: []model.Price{{SourceID: "stub", Currency: "KRW", Amount: amount, Converted: amount}},
	}
}

type fixture struct {
	svc   *Service
	store *cache.Store
	jobs  *captureJobs
	mr    *miniredis.Miniredis
	stub  *stubAdapter
}

func newFixture(t *testing.T, stub *stubAdapter) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	cfg := config.TestConfig()
	cfg.ExecutorConfig.InteractiveDeadline = 250 * time.Millisecond
	log := logger.New(logger.Config{Level: "error", Format: "text"})
	store := cache.New(client, cfg.CacheConfig, "skyscan")
	jobs := &captureJobs{}

	adapters := map[string]adapter.Adapter{stub.id: stub}
	reg := normalize.NewRegistry()
	reg.Register(stub.id, passthrough)

	health := executor.NewHealth(nil)
	circuits := executor.NewCircuitSet(cfg.CircuitConfig, nil)
	exec := executor.New(cfg.ExecutorConfig, adapters, reg, health, circuits, log)
	route := router.New(adapters, allowAll{}, nil, log)

	svc := New(cfg, route, exec, store, nil, jobs, log)
	return &fixture{svc: svc, store: store, jobs: jobs, mr: mr, stub: stub}
}

func searchQuery() model.Query {
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

// seedEntry writes a cache entry with a hand-picked freshness envelope.
func seedEntry(t *testing.T, f *fixture, q model.Query, freshUntil, staleUntil time.Time) {
	t.Helper()
	e := cache.Entry{
		Offers:     []model.Offer{*searchOffer(100000)},
		SourceMix:  map[string]int{"stub": 1},
		CrawledAt:  time.Now().UTC().Add(-time.Hour),
		FreshUntil: freshUntil,
		StaleUntil: staleUntil,
	}
	data, err := json.Marshal(e)
	require.NoError(t, err)
	require.NoError(t, f.mr.Set("skyscan:offers:"+q.Key(), string(data)))
}

func TestSearchMissGoesLive(t *testing.T) {
	stub := &stubAdapter{id: "stub", offer: searchOffer(150000)}
	f := newFixture(t, stub)

	resp, err := f.svc.Search(context.Background(), searchQuery())
	require.NoError(t, err)

	assert.Equal(t, "live", resp.CacheState)
	require.Len(t, resp.Offers, 1)
	assert.Equal(t, 150000.0, resp.Offers[0].Prices[0].Converted)

	// The continuation writes the authoritative entry off the request path.
	deadline := time.Now().Add(3 * time.Second)
	for !f.mr.Exists("skyscan:offers:" + searchQuery().Key()) {
		if time.Now().After(deadline) {
			t.Fatal("continuation never wrote the cache entry")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSearchMissCrawlsOneAdult(t *testing.T) {
	stub := &stubAdapter{id: "stub", offer: searchOffer(150000)}
	f := newFixture(t, stub)
	q := searchQuery()
	q.Travelers = model.Travelers{Adults: 2}

	resp, err := f.svc.Search(context.Background(), q)
	require.NoError(t, err)

	assert.Equal(t, model.Travelers{Adults: 1}, f.stub.lastQuery().Travelers,
		"upstream always sees the one-adult shape the cache key covers")
	require.Len(t, resp.Offers, 1)
	assert.Equal(t, 300000.0, resp.Offers[0].Prices[0].Converted,
		"the live response is scaled for the caller's party")

	// The entry the continuation writes stays priced for one adult.
	key := "skyscan:offers:" + q.Key()
	deadline := time.Now().Add(3 * time.Second)
	for !f.mr.Exists(key) {
		if time.Now().After(deadline) {
			t.Fatal("continuation never wrote the cache entry")
		}
		time.Sleep(10 * time.Millisecond)
	}
	data, err := f.mr.Get(key)
	require.NoError(t, err)
	var entry cache.Entry
	require.NoError(t, json.Unmarshal([]byte(data), &entry))
	require.Len(t, entry.Offers, 1)
	assert.Equal(t, 150000.0, entry.Offers[0].Prices[0].Converted)
}

func TestSearchTimeoutWhenNothingUsableAtDeadline(t *testing.T) {
	stub := &stubAdapter{id: "stub", offer: searchOffer(150000), delay: time.Second}
	f := newFixture(t, stub)

	_, err := f.svc.Search(context.Background(), searchQuery())
	assert.ErrorIs(t, err, model.ErrTimeout)
}

func TestSearchFreshHitSkipsCrawl(t *testing.T) {
	stub := &stubAdapter{id: "stub", offer: searchOffer(150000)}
	f := newFixture(t, stub)
	q := searchQuery()
	seedEntry(t, f, q, time.Now().Add(5*time.Minute), time.Now().Add(15*time.Minute))

	resp, err := f.svc.Search(context.Background(), q)
	require.NoError(t, err)

	assert.Equal(t, "fresh", resp.CacheState)
	assert.Zero(t, f.stub.callCount(), "fresh hits never touch upstream")
	assert.Zero(t, f.jobs.count())
}

func TestSearchStaleHitServesAndSchedulesRefresh(t *testing.T) {
	stub := &stubAdapter{id: "stub", offer: searchOffer(150000)}
	f := newFixture(t, stub)
	q := searchQuery()
	seedEntry(t, f, q, time.Now().Add(-time.Minute), time.Now().Add(10*time.Minute))

	resp, err := f.svc.Search(context.Background(), q)
	require.NoError(t, err)

	assert.Equal(t, "stale", resp.CacheState)
	require.Len(t, resp.Offers, 1)
	assert.Zero(t, f.stub.callCount(), "stale serves immediately, refresh is async")
	require.Equal(t, 1, f.jobs.count())
	assert.Equal(t, "stale_hit", f.jobs.payloads[0].Reason)
}

func TestSearchStaleHitSkipsRefreshWhenAlreadyRefreshing(t *testing.T) {
	stub := &stubAdapter{id: "stub", offer: searchOffer(150000)}
	f := newFixture(t, stub)
	q := searchQuery()
	seedEntry(t, f, q, time.Now().Add(-time.Minute), time.Now().Add(10*time.Minute))

	ok, err := f.store.TryRefreshLock(context.Background(), q, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = f.svc.Search(context.Background(), q)
	require.NoError(t, err)
	assert.Zero(t, f.jobs.count(), "an in-flight refresh suppresses re-enqueueing")
}

func TestSearchScalesPricesForParty(t *testing.T) {
	stub := &stubAdapter{id: "stub", offer: searchOffer(150000)}
	f := newFixture(t, stub)
	q := searchQuery()
	q.Travelers = model.Travelers{Adults: 2, Children: 1, InfantOnLap: 1}
	seedEntry(t, f, q, time.Now().Add(5*time.Minute), time.Now().Add(15*time.Minute))

	resp, err := f.svc.Search(context.Background(), q)
	require.NoError(t, err)

	require.Len(t, resp.Offers, 1)
	assert.Equal(t, 300000.0, resp.Offers[0].Prices[0].Converted,
		"three seats, lap infant rides free")
}

func TestSearchInvalidQuery(t *testing.T) {
	stub := &stubAdapter{id: "stub", offer: searchOffer(150000)}
	f := newFixture(t, stub)
	q := searchQuery()
	q.Origin = "XX"

	_, err := f.svc.Search(context.Background(), q)
	assert.ErrorIs(t, err, model.ErrInvalidQuery)
}

func TestSearchAllSourcesFailed(t *testing.T) {
	stub := &stubAdapter{id: "stub", err: assert.AnError}
	f := newFixture(t, stub)

	_, err := f.svc.Search(context.Background(), searchQuery())
	assert.ErrorIs(t, err, model.ErrAllSourcesFailed)
}

func TestRefreshWritesEntryAndReleasesLock(t *testing.T) {
	stub := &stubAdapter{id: "stub", offer: searchOffer(140000)}
	f := newFixture(t, stub)
	q := searchQuery()

	err := f.svc.Refresh(context.Background(), queue.RefreshPayload{
		Query: q, Tier: router.TierTop, Reason: "scheduled",
	})
	require.NoError(t, err)

	entry, state, err := f.store.Lookup(context.Background(), q)
	require.NoError(t, err)
	assert.Equal(t, cache.StateFresh, state)
	require.NotNil(t, entry)
	assert.Equal(t, 140000.0, entry.Offers[0].Prices[0].Converted)
	assert.False(t, f.store.Refreshing(context.Background(), q), "lock released on completion")
}

func TestRefreshNoOpWhenLockHeld(t *testing.T) {
	stub := &stubAdapter{id: "stub", offer: searchOffer(140000)}
	f := newFixture(t, stub)
	q := searchQuery()

	ok, err := f.store.TryRefreshLock(context.Background(), q, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	err = f.svc.Refresh(context.Background(), queue.RefreshPayload{Query: q, Tier: router.TierTop})
	require.NoError(t, err)
	assert.Zero(t, f.stub.callCount(), "a held lock means someone else is crawling")
}

func TestRefreshEmptyResultKeepsStaleEntry(t *testing.T) {
	stub := &stubAdapter{id: "stub", err: adapter.ErrUpstreamEmpty}
	f := newFixture(t, stub)
	q := searchQuery()
	seedEntry(t, f, q, time.Now().Add(-time.Minute), time.Now().Add(10*time.Minute))

	err := f.svc.Refresh(context.Background(), queue.RefreshPayload{Query: q, Tier: router.TierTop})
	require.NoError(t, err)

	entry, state, err := f.store.Lookup(context.Background(), q)
	require.NoError(t, err)
	assert.Equal(t, cache.StateStale, state, "an empty crawl must not clobber a servable entry")
	require.NotNil(t, entry)
	assert.Len(t, entry.Offers, 1)
}
