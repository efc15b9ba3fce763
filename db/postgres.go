// Package db owns the Postgres schema. Startup runs the idempotent DDL
// through database/sql; the history package does day-to-day reads and
// writes through its own pool.
package db

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/skyscan/skyscan/config"
)

// PostgresDB wraps the schema-management connection.
type PostgresDB struct {
	db *sql.DB
}

// NewPostgresDB connects and verifies the database.
func NewPostgresDB(cfg config.PostgresConfig) (*PostgresDB, error) {
	dsn := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, cfg.SSLMode)
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &PostgresDB{db: db}, nil
}

// Close closes the connection.
func (p *PostgresDB) Close() error {
	return p.db.Close()
}

// InitSchema creates all tables and indexes if they do not exist.
func (p *PostgresDB) InitSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS price_history (
			id BIGSERIAL PRIMARY KEY,
			fingerprint TEXT NOT NULL,
			origin CHAR(3) NOT NULL,
			destination CHAR(3) NOT NULL,
			departure_date DATE NOT NULL,
			cabin TEXT NOT NULL,
			carrier TEXT NOT NULL,
			source_id TEXT NOT NULL,
			currency CHAR(3) NOT NULL,
			amount NUMERIC(14,2) NOT NULL,
			converted NUMERIC(14,2) NOT NULL,
			rate_stamp TEXT,
			observed_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_price_history_route_time
			ON price_history (origin, destination, observed_at)`,
		`CREATE INDEX IF NOT EXISTS idx_price_history_fingerprint
			ON price_history (fingerprint, observed_at)`,

		`CREATE TABLE IF NOT EXISTS search_log (
			id BIGSERIAL PRIMARY KEY,
			query_key TEXT NOT NULL,
			origin CHAR(3) NOT NULL,
			destination CHAR(3) NOT NULL,
			cache_state TEXT NOT NULL,
			partial BOOLEAN NOT NULL DEFAULT FALSE,
			offer_count INT NOT NULL,
			source_mix TEXT[] NOT NULL DEFAULT '{}',
			took_ms BIGINT NOT NULL,
			searched_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_search_log_route_time
			ON search_log (origin, destination, searched_at)`,

		`CREATE TABLE IF NOT EXISTS fx_rates (
			base CHAR(3) NOT NULL,
			currency CHAR(3) NOT NULL,
			to_base NUMERIC(18,6) NOT NULL,
			rate_date DATE NOT NULL,
			PRIMARY KEY (base, currency, rate_date)
		)`,
	}
	for _, stmt := range statements {
		if _, err := p.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}
