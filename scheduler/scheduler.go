// Package scheduler seeds background refresh jobs on a cron cadence and
// runs the worker pool that executes them. Seeding is guarded by a Redis
// leader lock so only one instance enqueues per tick, while every
// instance runs workers.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/skyscan/skyscan/config"
	"github.com/skyscan/skyscan/model"
	"github.com/skyscan/skyscan/pkg/logger"
	"github.com/skyscan/skyscan/queue"
	"github.com/skyscan/skyscan/router"
)

// Scheduler owns the cron entries for tiered cache refresh.
type Scheduler struct {
	cfg      config.SchedulerConfig
	q        queue.Queue
	redis    *redis.Client
	log      *logger.Logger
	cron     *cron.Cron
	instance string
	now      func() time.Time
}

// New constructs a scheduler. instance identifies this process in the
// leader lock value for debugging.
func New(cfg config.SchedulerConfig, q queue.Queue, rc *redis.Client, instance string, log *logger.Logger) *Scheduler {
	return &Scheduler{
		cfg:      cfg,
		q:        q,
		redis:    rc,
		log:      log,
		cron:     cron.New(),
		instance: instance,
		now:      time.Now,
	}
}

// Start registers the tier entries and starts the cron loop.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.cfg.Tier1Cron, func() { s.tick(router.TierTop) }); err != nil {
		return fmt.Errorf("tier1 cron spec: %w", err)
	}
	if _, err := s.cron.AddFunc(s.cfg.Tier2Cron, func() { s.tick(router.TierMedium) }); err != nil {
		return fmt.Errorf("tier2 cron spec: %w", err)
	}
	s.cron.Start()
	s.log.Info("scheduler started",
		"tier1_cron", s.cfg.Tier1Cron, "tier2_cron", s.cfg.Tier2Cron, "days_ahead", s.cfg.DaysAhead)
	return nil
}

// Stop halts the cron loop and waits for a running tick to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Scheduler) tick(tier router.RouteTier) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	ok, err := s.acquireLeader(ctx, tier)
	if err != nil {
		s.log.Error(err, "leader lock check failed", "tier", string(tier))
		return
	}
	if !ok {
		s.log.Debug("not the leader this tick, skipping seed", "tier", string(tier))
		return
	}

	n, err := s.Seed(ctx, tier)
	if err != nil {
		s.log.Error(err, "seeding refresh jobs failed", "tier", string(tier))
		return
	}
	s.log.Info("seeded refresh jobs", "tier", string(tier), "jobs", n)
}

func (s *Scheduler) acquireLeader(ctx context.Context, tier router.RouteTier) (bool, error) {
	key := fmt.Sprintf("%s:%s", s.cfg.LockKey, tier)
	ok, err := s.redis.SetNX(ctx, key, s.instance, s.cfg.LockTTL).Result()
	if err != nil {
		return false, fmt.Errorf("leader setnx: %w", err)
	}
	return ok, nil
}

// Seed enqueues one refresh job per route and departure day in the tier's
// horizon. One-way economy queries stand in for the whole key family; the
// cache key ignores passenger counts so a single crawl serves them all.
func (s *Scheduler) Seed(ctx context.Context, tier router.RouteTier) (int, error) {
	routes := router.RoutesInTier(tier)
	today := s.now().UTC().Truncate(24 * time.Hour)
	enqueued := 0
	for _, rt := range routes {
		for day := 1; day <= s.cfg.DaysAhead; day++ {
			q := model.Query{
				Origin:        rt.Origin,
				Destination:   rt.Destination,
				DepartureDate: today.AddDate(0, 0, day),
				Cabin:         model.Economy,
				Travelers:     model.Travelers{Adults: 1},
				Currency:      s.cfg.Currency,
				TripType:      model.OneWay,
			}
			payload := queue.RefreshPayload{Query: q, Tier: tier, Reason: "scheduled"}
			if _, err := s.q.Enqueue(ctx, queue.StreamRefresh, payload); err != nil {
				return enqueued, fmt.Errorf("enqueue %s: %w", q.Key(), err)
			}
			enqueued++
		}
	}
	return enqueued, nil
}
