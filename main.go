package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/skyscan/skyscan/adapter"
	"github.com/skyscan/skyscan/adapter/aggregator"
	"github.com/skyscan/skyscan/adapter/airline"
	"github.com/skyscan/skyscan/adapter/browser"
	"github.com/skyscan/skyscan/adapter/gds"
	"github.com/skyscan/skyscan/adapter/metasearch"
	"github.com/skyscan/skyscan/adapter/official"
	"github.com/skyscan/skyscan/adapter/tenant"
	"github.com/skyscan/skyscan/api"
	"github.com/skyscan/skyscan/cache"
	"github.com/skyscan/skyscan/config"
	"github.com/skyscan/skyscan/db"
	"github.com/skyscan/skyscan/executor"
	"github.com/skyscan/skyscan/history"
	"github.com/skyscan/skyscan/normalize"
	"github.com/skyscan/skyscan/pkg/health"
	"github.com/skyscan/skyscan/pkg/logger"
	"github.com/skyscan/skyscan/queue"
	"github.com/skyscan/skyscan/router"
	"github.com/skyscan/skyscan/scheduler"
	"github.com/skyscan/skyscan/search"
)

const workerCount = 4

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	log := logger.New(logger.Config{
		Level:  cfg.LoggingConfig.Level,
		Format: cfg.LoggingConfig.Format,
	})
	log.Info("starting", "environment", cfg.Environment, "port", cfg.Port)

	ctx := context.Background()

	// Schema management goes through database/sql; day-to-day history
	// reads and writes go through the pgx pool below.
	if cfg.InitSchema {
		pg, err := db.NewPostgresDB(cfg.PostgresConfig)
		if err != nil {
			log.Error(err, "postgres connect failed")
			os.Exit(1)
		}
		if err := pg.InitSchema(); err != nil {
			pg.Close()
			log.Error(err, "schema init failed")
			os.Exit(1)
		}
		pg.Close()
	}

	// The history store is optional: without it the service still crawls
	// and caches, it just skips price history and uses static FX rates.
	var hist *history.Store
	if h, err := history.New(ctx, cfg.PostgresConfig, log); err != nil {
		log.Warn("history store unavailable, continuing without it", "error", err.Error())
	} else {
		hist = h
	}

	jobs, err := queue.NewRedisQueue(cfg.RedisConfig)
	if err != nil {
		log.Error(err, "redis connect failed")
		os.Exit(1)
	}
	defer jobs.Close()

	store := cache.New(jobs.Client(), cfg.CacheConfig, cfg.RedisConfig.QueueStreamPrefix)

	proxies := adapter.NewProxyPool(cfg.ProxyPool.URLs, cfg.ProxyPool.MaxConcurrent)
	actx := adapter.NewContext(proxies, log)

	var pool *browser.Pool
	if a, ok := cfg.Adapters["browser"]; ok && a.Enabled {
		pool = browser.NewPool(cfg.BrowserPool, log)
		defer pool.Close()
	}
	adapters := buildAdapters(cfg, actx, pool)
	log.Info("adapters enabled", "count", len(adapters))

	norm := normalize.NewRegistry()
	tracker := executor.NewHealth(time.Now)
	circuits := executor.NewCircuitSet(cfg.CircuitConfig, time.Now)
	exec := executor.New(cfg.ExecutorConfig, adapters, norm, tracker, circuits, log)
	exec.SetBackgroundLimit(cfg.Scheduler.PerSourceInFlight)

	overrides := make(map[string]string)
	for id, a := range cfg.Adapters {
		if a.TierOverride != "" && a.TierOverride != "auto" {
			overrides[id] = a.TierOverride
		}
	}
	route := router.New(adapters, executor.View{Health: tracker, Circuits: circuits}, overrides, log)

	var historian search.Historian
	if hist != nil {
		historian = hist
		defer hist.Close()
	}
	svc := search.New(cfg, route, exec, store, historian, jobs, log)

	if cfg.WorkerEnabled {
		hostname, _ := os.Hostname()
		sched := scheduler.New(cfg.Scheduler, jobs, jobs.Client(), hostname, log)
		if err := sched.Start(); err != nil {
			log.Error(err, "scheduler start failed")
			os.Exit(1)
		}
		defer sched.Stop()

		workers := scheduler.NewWorkerPool(jobs, svc.Refresh, workerCount, log)
		workers.Start()
		defer workers.Stop()
	}

	checks := health.NewRegistry(5 * time.Second)
	checks.Register(health.CheckerFunc{ID: "redis", Fn: func(ctx context.Context) error {
		return jobs.Client().Ping(ctx).Err()
	}})
	if hist != nil {
		checks.Register(health.CheckerFunc{ID: "postgres", Fn: hist.Ping})
	}

	server := api.New(cfg, svc, hist, jobs, circuits, tracker, checks, log)
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: server.Router(),
	}
	go func() {
		log.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error(err, "http server failed")
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error(err, "http shutdown failed")
	}
}

// buildAdapters constructs every enabled adapter. The browser adapter is
// skipped when no pool was provisioned.
func buildAdapters(cfg *config.Config, actx *adapter.Context, pool *browser.Pool) map[string]adapter.Adapter {
	out := make(map[string]adapter.Adapter)
	for id, a := range cfg.Adapters {
		if !a.Enabled {
			continue
		}
		switch id {
		case metasearch.SourceID:
			out[id] = metasearch.New(a, actx)
		case aggregator.SourceID:
			out[id] = aggregator.New(a, actx)
		case tenant.SourceID:
			out[id] = tenant.New(a, actx)
		case airline.JejuAirSourceID:
			out[id] = airline.NewJejuAir(a, actx)
		case airline.AirPremiaSourceID:
			out[id] = airline.NewAirPremia(a, actx)
		case gds.SourceID:
			out[id] = gds.New(a, actx)
		case official.SourceID:
			out[id] = official.New(a, actx)
		case browser.SourceID:
			if pool != nil {
				out[id] = browser.New(a, actx, pool)
			}
		}
	}
	return out
}
