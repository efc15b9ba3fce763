// Package history persists price observations and search logs to
// Postgres, and serves the daily FX table the normalizer stamps onto
// converted prices. Reads and writes go through a pgx pool; schema
// management lives in the db package.
package history

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/skyscan/skyscan/config"
	"github.com/skyscan/skyscan/model"
	"github.com/skyscan/skyscan/normalize"
	"github.com/skyscan/skyscan/pkg/logger"
)

// Store wraps the Postgres pool.
type Store struct {
	pool *pgxpool.Pool
	log  *logger.Logger
}

// New connects a pool from config.
func New(ctx context.Context, cfg config.PostgresConfig, log *logger.Logger) (*Store, error) {
	dsn := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.DBName, cfg.SSLMode)
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	return &Store{pool: pool, log: log}, nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping verifies connectivity, for health checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// RecordPrices writes the lowest observed price of each merged offer.
// One batch per crawl keeps the hot path to a single round trip.
func (s *Store) RecordPrices(ctx context.Context, q model.Query, offers []model.Offer, crawledAt time.Time) error {
	if len(offers) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, o := range offers {
		p, ok := o.LowestPrice()
		if !ok {
			continue
		}
		batch.Queue(`
			INSERT INTO price_history
				(fingerprint, origin, destination, departure_date, cabin,
				 carrier, source_id, currency, amount, converted, rate_stamp, observed_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
			o.Fingerprint(), q.Origin, q.Destination,
			q.DepartureDate.Format(time.DateOnly), string(q.Cabin),
			o.MarketingCarrier(), p.SourceID, p.Currency,
			p.Amount, p.Converted, p.RateStamp, crawledAt,
		)
	}
	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("price history insert: %w", err)
		}
	}
	return nil
}

// SearchLog is one recorded interactive search.
type SearchLog struct {
	QueryKey    string
	Origin      string
	Destination string
	CacheState  string
	Partial     bool
	OfferCount  int
	SourceMix   []string
	TookMS      int64
	At          time.Time
}

// RecordSearch appends one search log row, best-effort: logging failures
// must never fail a search.
func (s *Store) RecordSearch(ctx context.Context, e SearchLog) {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO search_log
			(query_key, origin, destination, cache_state, partial, offer_count, source_mix, took_ms, searched_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		e.QueryKey, e.Origin, e.Destination, e.CacheState, e.Partial,
		e.OfferCount, e.SourceMix, e.TookMS, e.At,
	)
	if err != nil {
		s.log.Warn("search log insert failed", "error", err.Error())
	}
}

// PricePoint is one aggregated day of price history for a route.
type PricePoint struct {
	Day       time.Time `json:"day"`
	MinPrice  float64   `json:"min_price"`
	AvgPrice  float64   `json:"avg_price"`
	Samples   int       `json:"samples"`
}

// PriceSeries aggregates observed prices per day for a route since the
// given time, in the store currency.
func (s *Store) PriceSeries(ctx context.Context, origin, dest string, since time.Time) ([]PricePoint, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT date_trunc('day', observed_at) AS day,
		       MIN(converted), AVG(converted), COUNT(*)
		FROM price_history
		WHERE origin = $1 AND destination = $2 AND observed_at >= $3
		GROUP BY day
		ORDER BY day`,
		origin, dest, since,
	)
	if err != nil {
		return nil, fmt.Errorf("price series query: %w", err)
	}
	defer rows.Close()

	var out []PricePoint
	for rows.Next() {
		var p PricePoint
		if err := rows.Scan(&p.Day, &p.MinPrice, &p.AvgPrice, &p.Samples); err != nil {
			return nil, fmt.Errorf("price series scan: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// staticRates is the bootstrap FX table used until the daily load lands,
// quoted in KRW per unit.
var staticRates = map[string]float64{
	"KRW": 1, "USD": 1390, "JPY": 9.2, "EUR": 1510,
	"THB": 39.5, "VND": 0.055, "TWD": 43.5, "HKD": 178,
	"SGD": 1030, "PHP": 24.5, "MYR": 295, "IDR": 0.085,
	"CNY": 192, "AUD": 905, "MNT": 0.41,
}

// DailyRates loads the FX table for the current day. Missing rows fall
// back to the static bootstrap table so normalization keeps working when
// the daily load has not run.
func (s *Store) DailyRates(ctx context.Context, base string, day time.Time) (normalize.Rates, error) {
	rates := normalize.Rates{
		Base:   base,
		Date:   day.UTC().Format(time.DateOnly),
		ToBase: make(map[string]float64, len(staticRates)),
	}
	for c, v := range staticRates {
		rates.ToBase[c] = v
	}

	rows, err := s.pool.Query(ctx,
		`SELECT currency, to_base FROM fx_rates WHERE base = $1 AND rate_date = $2`,
		base, day.UTC().Format(time.DateOnly),
	)
	if err != nil {
		s.log.Warn("fx rate load failed, using static table", "error", err.Error())
		return rates, nil
	}
	defer rows.Close()
	loaded := 0
	for rows.Next() {
		var currency string
		var toBase float64
		if err := rows.Scan(&currency, &toBase); err != nil {
			return rates, fmt.Errorf("fx rate scan: %w", err)
		}
		rates.ToBase[currency] = toBase
		loaded++
	}
	if err := rows.Err(); err != nil {
		return rates, err
	}
	if loaded == 0 {
		s.log.Debug("no fx rates for day, using static table", "day", rates.Date)
	}
	return rates, nil
}

// UpsertRate writes one day's rate for a currency.
func (s *Store) UpsertRate(ctx context.Context, base, currency string, toBase float64, day time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO fx_rates (base, currency, to_base, rate_date)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (base, currency, rate_date) DO UPDATE SET to_base = EXCLUDED.to_base`,
		base, currency, toBase, day.UTC().Format(time.DateOnly),
	)
	if err != nil {
		return fmt.Errorf("fx rate upsert: %w", err)
	}
	return nil
}
