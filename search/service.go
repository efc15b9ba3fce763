// Package search is the orchestration layer: it answers interactive
// queries from the cache when possible, drives live fan-outs on misses,
// schedules refreshes on stale hits, and owns the post-crawl pipeline of
// merge, cache write and price history.
package search

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/skyscan/skyscan/cache"
	"github.com/skyscan/skyscan/config"
	"github.com/skyscan/skyscan/executor"
	"github.com/skyscan/skyscan/history"
	"github.com/skyscan/skyscan/merge"
	"github.com/skyscan/skyscan/model"
	"github.com/skyscan/skyscan/normalize"
	"github.com/skyscan/skyscan/pkg/logger"
	"github.com/skyscan/skyscan/queue"
	"github.com/skyscan/skyscan/router"
)

// Response is the assembled answer to one search.
type Response struct {
	Offers     []model.Offer  `json:"offers"`
	CacheState string         `json:"cache_state"` // fresh | stale | live
	Partial    bool           `json:"partial"`
	SourceMix  map[string]int `json:"source_mix"` // surviving quotes per source
	Stats      merge.Stats    `json:"stats"`
	CrawledAt  time.Time      `json:"crawled_at"`
}

// Historian is the slice of the history store the service needs; nil-able
// for cache-only deployments and fakeable in tests.
type Historian interface {
	RecordPrices(ctx context.Context, q model.Query, offers []model.Offer, crawledAt time.Time) error
	RecordSearch(ctx context.Context, e history.SearchLog)
	DailyRates(ctx context.Context, base string, day time.Time) (normalize.Rates, error)
}

// Service wires the search path together.
type Service struct {
	cfg   *config.Config
	route *router.Router
	exec  *executor.Executor
	store *cache.Store
	hist  Historian
	jobs  queue.Queue
	log   *logger.Logger
	now   func() time.Time

	ratesMu  sync.Mutex
	ratesDay string
	rates    normalize.Rates
}

// New constructs the service. hist and jobs may be nil; the service then
// skips history writes and stale-hit refresh scheduling respectively.
func New(cfg *config.Config, route *router.Router, exec *executor.Executor,
	store *cache.Store, hist Historian, jobs queue.Queue, log *logger.Logger) *Service {
	return &Service{
		cfg:   cfg,
		route: route,
		exec:  exec,
		store: store,
		hist:  hist,
		jobs:  jobs,
		log:   log,
		now:   time.Now,
	}
}

// Search answers one interactive query.
//
// Cache fresh: served directly. Cache stale: served directly and a
// background refresh is scheduled, at most one per key. Miss: concurrent
// misses for the same key coalesce onto one live fan-out; the caller gets
// the first-response snapshot while the continuation finishes the crawl
// and writes the full result to the cache.
func (s *Service) Search(ctx context.Context, q model.Query) (*Response, error) {
	start := s.now()
	if err := q.Validate(start); err != nil {
		return nil, err
	}

	entry, state, err := s.store.Lookup(ctx, q)
	if err != nil {
		// Redis being down degrades to live crawling, not to failure.
		s.log.Warn("cache lookup failed, going live", "error", err.Error())
	}

	var resp *Response
	switch state {
	case cache.StateFresh:
		resp = s.fromEntry(q, entry, "fresh")
	case cache.StateStale:
		resp = s.fromEntry(q, entry, "stale")
		s.scheduleRefresh(ctx, q, "stale_hit")
	default:
		resp, err = s.live(ctx, q)
		if err != nil {
			return nil, err
		}
	}

	s.logSearch(ctx, q, resp, start)
	return resp, nil
}

func (s *Service) live(ctx context.Context, q model.Query) (*Response, error) {
	entry, err := s.store.Fill(ctx, q, func() (*cache.Entry, error) {
		return s.crawlInteractive(ctx, q)
	})
	if err != nil {
		return nil, err
	}
	resp := s.fromEntry(q, entry, "live")
	resp.Partial = entry.Partial
	return resp, nil
}

// crawlInteractive runs the fan-out, serves the snapshot, and finishes
// the cache write off the request path once the continuation completes.
// The crawl itself always prices a single adult: the cache key ignores
// passenger counts, so entries must stay party-agnostic.
func (s *Service) crawlInteractive(ctx context.Context, q model.Query) (*cache.Entry, error) {
	cq := oneAdult(q)
	plan := s.route.Plan(cq)
	nc, err := s.normContext(ctx, cq)
	if err != nil {
		return nil, err
	}

	snap, finalCh, err := s.exec.Search(ctx, cq, plan, nc)
	if err != nil {
		return nil, err
	}
	go s.finish(cq, plan, finalCh)

	if len(snap.Offers) == 0 {
		if snap.Partial {
			// Sources were still in flight at the deadline with nothing
			// usable yet; the continuation still feeds the cache.
			return nil, model.ErrTimeout
		}
		// Everything reported and nobody had inventory.
		return nil, model.ErrAllSourcesFailed
	}
	return s.buildEntry(snap), nil
}

// oneAdult is the query actually crawled. Cached entries are priced for
// one adult and scaled per party at read.
func oneAdult(q model.Query) model.Query {
	q.Travelers = model.Travelers{Adults: 1}
	return q
}

// finish consumes the continuation result and writes the authoritative
// cache entry and price history.
func (s *Service) finish(q model.Query, plan router.Plan, finalCh <-chan *executor.Result) {
	final, ok := <-finalCh
	if !ok || final == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	entry := s.buildEntry(final)
	if len(entry.Offers) == 0 {
		s.log.Debug("continuation produced no offers, skipping cache write", "query", q.Key())
		return
	}
	if err := s.store.Put(ctx, q, *entry, plan.RouteTier); err != nil {
		s.log.Error(err, "cache write failed", "query", q.Key())
	}
	if s.hist != nil {
		if err := s.hist.RecordPrices(ctx, q, entry.Offers, entry.CrawledAt); err != nil {
			s.log.Warn("price history write failed", "query", q.Key(), "error", err.Error())
		}
	}
}

// Refresh runs one background refresh crawl; it is the worker pool's
// RefreshFunc. Refreshing a key that is already refreshing is a no-op.
func (s *Service) Refresh(ctx context.Context, p queue.RefreshPayload) error {
	q := oneAdult(p.Query)
	lockTTL := s.cfg.ExecutorConfig.BackgroundDeadline + s.cfg.ExecutorConfig.CancelGrace
	ok, err := s.store.TryRefreshLock(ctx, q, lockTTL)
	if err != nil {
		return err
	}
	if !ok {
		s.log.Debug("refresh already in flight, skipping", "query", q.Key())
		return nil
	}
	defer s.store.ReleaseRefreshLock(context.WithoutCancel(ctx), q)

	plan := s.route.Plan(q)
	nc, err := s.normContext(ctx, q)
	if err != nil {
		return err
	}
	res, err := s.exec.Crawl(ctx, q, plan, nc)
	if err != nil {
		return err
	}
	entry := s.buildEntry(res)
	if len(entry.Offers) == 0 {
		// Keep serving the previous entry rather than overwrite it with
		// nothing; the stale horizon still bounds how long.
		s.log.Warn("refresh crawl came back empty, keeping stale entry", "query", q.Key())
		return nil
	}
	if err := s.store.Put(ctx, q, *entry, plan.RouteTier); err != nil {
		return err
	}
	if s.hist != nil {
		if err := s.hist.RecordPrices(ctx, q, entry.Offers, entry.CrawledAt); err != nil {
			s.log.Warn("price history write failed", "query", q.Key(), "error", err.Error())
		}
	}
	return nil
}

func (s *Service) scheduleRefresh(ctx context.Context, q model.Query, reason string) {
	if s.jobs == nil {
		return
	}
	if s.store.Refreshing(ctx, q) {
		return
	}
	payload := queue.RefreshPayload{Query: oneAdult(q), Tier: router.TierFor(q.Origin, q.Destination), Reason: reason}
	if _, err := s.jobs.Enqueue(ctx, queue.StreamRefresh, payload); err != nil {
		s.log.Warn("refresh enqueue failed", "query", q.Key(), "error", err.Error())
	}
}

func (s *Service) buildEntry(res *executor.Result) *cache.Entry {
	merged, stats := merge.MergeWithStats(res.Offers)
	return &cache.Entry{
		Offers:    merged,
		SourceMix: sourceMix(stats),
		Partial:   res.Partial,
		CrawledAt: s.now().UTC(),
	}
}

func (s *Service) fromEntry(q model.Query, e *cache.Entry, state string) *Response {
	offers := scaleForParty(e.Offers, q.Travelers)
	return &Response{
		Offers:     offers,
		CacheState: state,
		Partial:    e.Partial && state == "live",
		SourceMix:  e.SourceMix,
		Stats:      merge.Stats{In: len(offers), Out: len(offers)},
		CrawledAt:  e.CrawledAt,
	}
}

// normContext loads the day's FX table, memoized per day.
func (s *Service) normContext(ctx context.Context, q model.Query) (normalize.Context, error) {
	day := s.now().UTC().Format(time.DateOnly)
	s.ratesMu.Lock()
	defer s.ratesMu.Unlock()
	if s.ratesDay != day {
		if s.hist == nil {
			s.rates = normalize.Rates{Base: s.cfg.StoreCurrency, Date: day, ToBase: map[string]float64{}}
		} else {
			rates, err := s.hist.DailyRates(ctx, s.cfg.StoreCurrency, s.now())
			if err != nil {
				return normalize.Context{}, err
			}
			s.rates = rates
		}
		s.ratesDay = day
	}
	return normalize.Context{Query: q, Rates: s.rates}, nil
}

// scaleForParty multiplies quotes by the seat count. Cached entries are
// priced for one adult; lap infants do not occupy a seat and are charged
// at booking time by the carrier, not estimated here.
func scaleForParty(offers []model.Offer, t model.Travelers) []model.Offer {
	seats := t.Adults + t.Children + t.InfantInSeat
	if seats <= 1 {
		return offers
	}
	out := make([]model.Offer, len(offers))
	for i, o := range offers {
		c := o
		c.Prices = append([]model.Price{}, o.Prices...)
		for j := range c.Prices {
			c.Prices[j].Amount *= float64(seats)
			c.Prices[j].Converted *= float64(seats)
		}
		out[i] = c
	}
	return out
}

func (s *Service) logSearch(ctx context.Context, q model.Query, resp *Response, start time.Time) {
	took := s.now().Sub(start)
	s.log.Info("search served",
		"query", q.Key(), "cache_state", resp.CacheState,
		"offers", len(resp.Offers), "partial", resp.Partial,
		"took", took.String())
	if s.hist == nil {
		return
	}
	s.hist.RecordSearch(ctx, history.SearchLog{
		QueryKey:    q.Key(),
		Origin:      q.Origin,
		Destination: q.Destination,
		CacheState:  resp.CacheState,
		Partial:     resp.Partial,
		OfferCount:  len(resp.Offers),
		SourceMix:   mixSources(resp.SourceMix),
		TookMS:      took.Milliseconds(),
		At:          start.UTC(),
	})
}

func sourceMix(stats merge.Stats) map[string]int {
	mix := make(map[string]int, len(stats.BySource))
	for src, n := range stats.BySource {
		mix[src] = n
	}
	return mix
}

// mixSources flattens a source mix to a sorted list for the search log.
func mixSources(mix map[string]int) []string {
	out := make([]string, 0, len(mix))
	for src := range mix {
		out = append(out, src)
	}
	sort.Strings(out)
	return out
}
