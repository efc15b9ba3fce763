// Package cache is the Redis-backed result cache with stale-while-
// revalidate semantics. Entries carry their own freshness envelope; the
// Redis TTL only garbage-collects entries past their stale horizon.
// Writes replace the whole value in one SET, so readers always observe a
// complete result set.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/skyscan/skyscan/config"
	"github.com/skyscan/skyscan/model"
	"github.com/skyscan/skyscan/router"
)

// State classifies a lookup result.
type State string

const (
	StateFresh State = "fresh"
	StateStale State = "stale"
	StateMiss  State = "miss"
)

// ErrCacheMiss is returned by Lookup when no entry exists.
var ErrCacheMiss = fmt.Errorf("cache miss")

// Entry is the cached value for one query key.
type Entry struct {
	Offers     []model.Offer  `json:"offers"`
	SourceMix  map[string]int `json:"source_mix"`
	Partial    bool           `json:"partial"`
	CrawledAt  time.Time      `json:"crawled_at"`
	FreshUntil time.Time      `json:"fresh_until"`
	StaleUntil time.Time      `json:"stale_until"`
}

// Store wraps Redis with the SWR envelope, per-tier TTLs, an in-process
// miss coalescer and the cross-process refresh lock.
type Store struct {
	client *redis.Client
	cfg    config.CacheConfig
	prefix string
	now    func() time.Time
	group  singleflight.Group
}

// New builds a store. prefix namespaces every key.
func New(client *redis.Client, cfg config.CacheConfig, prefix string) *Store {
	return &Store{client: client, cfg: cfg, prefix: prefix, now: time.Now}
}

func (s *Store) offerKey(q model.Query) string {
	return fmt.Sprintf("%s:offers:%s", s.prefix, q.Key())
}

func (s *Store) refreshKey(q model.Query) string {
	return fmt.Sprintf("%s:refreshing:%s", s.prefix, q.Key())
}

// TTLs returns the fresh/stale horizons for a route tier.
func (s *Store) TTLs(tier router.RouteTier) (fresh, stale time.Duration) {
	switch tier {
	case router.TierTop:
		return s.cfg.TopFreshTTL, s.cfg.TopStaleTTL
	case router.TierMedium:
		return s.cfg.MediumFreshTTL, s.cfg.MediumStaleTTL
	default:
		return s.cfg.LongTailFreshTTL, s.cfg.LongTailStaleTTL
	}
}

// Lookup fetches the entry for a query and classifies its freshness.
// A miss returns (nil, StateMiss, nil); infrastructure failures return a
// non-nil error so callers can distinguish "no data" from "Redis down".
func (s *Store) Lookup(ctx context.Context, q model.Query) (*Entry, State, error) {
	val, err := s.client.Get(ctx, s.offerKey(q)).Result()
	if err == redis.Nil {
		return nil, StateMiss, nil
	}
	if err != nil {
		return nil, StateMiss, fmt.Errorf("redis get error: %w", err)
	}
	var e Entry
	if err := json.Unmarshal([]byte(val), &e); err != nil {
		// A corrupt entry is treated as a miss; the next write replaces it.
		return nil, StateMiss, nil
	}
	now := s.now()
	switch {
	case now.Before(e.FreshUntil):
		return &e, StateFresh, nil
	case now.Before(e.StaleUntil):
		return &e, StateStale, nil
	default:
		return nil, StateMiss, nil
	}
}

// Put writes the entry for a query, stamping its freshness envelope from
// the route tier. The Redis expiry is the stale horizon; after that the
// entry is useless even for SWR serving.
func (s *Store) Put(ctx context.Context, q model.Query, e Entry, tier router.RouteTier) error {
	fresh, stale := s.TTLs(tier)
	now := s.now()
	e.FreshUntil = now.Add(fresh)
	e.StaleUntil = now.Add(stale)
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("json marshal error: %w", err)
	}
	if err := s.client.Set(ctx, s.offerKey(q), data, stale).Err(); err != nil {
		return fmt.Errorf("redis set error: %w", err)
	}
	return nil
}

// Fill coalesces concurrent misses for the same key in-process: only one
// caller runs fn, the rest share its result.
func (s *Store) Fill(ctx context.Context, q model.Query, fn func() (*Entry, error)) (*Entry, error) {
	v, err, _ := s.group.Do(q.Key(), func() (interface{}, error) {
		return fn()
	})
	if err != nil {
		return nil, err
	}
	return v.(*Entry), nil
}

// TryRefreshLock takes the cross-process refresh lock for a key. It
// returns false when another worker already holds it, in which case the
// caller skips the refresh.
func (s *Store) TryRefreshLock(ctx context.Context, q model.Query, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.refreshKey(q), "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx error: %w", err)
	}
	return ok, nil
}

// ReleaseRefreshLock drops the refresh lock early on completion.
func (s *Store) ReleaseRefreshLock(ctx context.Context, q model.Query) {
	_ = s.client.Del(ctx, s.refreshKey(q)).Err()
}

// Refreshing reports whether a refresh is currently in flight for a key.
func (s *Store) Refreshing(ctx context.Context, q model.Query) bool {
	n, err := s.client.Exists(ctx, s.refreshKey(q)).Result()
	return err == nil && n > 0
}
