package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Port           string
	Environment    string
	LoggingConfig  LoggingConfig
	PostgresConfig PostgresConfig
	RedisConfig    RedisConfig
	ExecutorConfig ExecutorConfig
	CircuitConfig  CircuitConfig
	CacheConfig    CacheConfig
	BrowserPool    BrowserPoolConfig
	ProxyPool      ProxyPoolConfig
	Scheduler      SchedulerConfig
	Adapters       map[string]AdapterConfig
	StoreCurrency  string
	APIEnabled     bool
	WorkerEnabled  bool
	InitSchema     bool
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// PostgresConfig holds PostgreSQL connection configuration
type PostgresConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Host                   string
	Port                   string
	Password               string
	DB                     int
	QueueGroup             string
	QueueStreamPrefix      string
	QueueBlockTimeout      time.Duration
	QueueVisibilityTimeout time.Duration
}

// ExecutorConfig holds fan-out executor deadlines and the first-response
// grace window for interactive queries.
type ExecutorConfig struct {
	InteractiveDeadline time.Duration
	BackgroundDeadline  time.Duration
	FirstResponseGrace  time.Duration
	FallbackSubDeadline time.Duration
	MinAdapterFloor     time.Duration
	CancelGrace         time.Duration
	// AdapterTimeouts caps a single upstream request per source, from the
	// per-adapter timeout settings.
	AdapterTimeouts map[string]time.Duration
}

// CircuitConfig holds per-adapter circuit breaker defaults.
type CircuitConfig struct {
	FailureThreshold int
	Window           time.Duration
	Cooldown         time.Duration
}

// CacheConfig holds tier-derived TTLs for the offer cache.
type CacheConfig struct {
	TopFreshTTL      time.Duration
	TopStaleTTL      time.Duration
	MediumFreshTTL   time.Duration
	MediumStaleTTL   time.Duration
	LongTailFreshTTL time.Duration
	LongTailStaleTTL time.Duration
}

// BrowserPoolConfig sizes the shared headless browser pool.
type BrowserPoolConfig struct {
	Size        int
	ExecPath    string
	LeaseBuffer time.Duration
}

// ProxyPoolConfig holds the residential proxy rotation settings.
type ProxyPoolConfig struct {
	URLs          []string
	MaxConcurrent int
}

// SchedulerConfig controls background refresh seeding.
type SchedulerConfig struct {
	Tier1Cron         string
	Tier2Cron         string
	DaysAhead         int
	PerSourceInFlight int
	LockKey           string
	LockTTL           time.Duration
	Currency          string // store currency seeded queries are keyed in
}

// RateLimitConfig is a token bucket description for one adapter.
type RateLimitConfig struct {
	Capacity     int
	RefillPerSec float64
}

// AdapterCredentials carries whichever credential shape the adapter needs.
type AdapterCredentials struct {
	APIKey       string
	ClientID     string
	ClientSecret string
	TokenURL     string
	TenantKey    string
}

// AdapterConfig is the typed per-adapter configuration record.
type AdapterConfig struct {
	Enabled      bool
	RateLimit    RateLimitConfig
	Timeout      time.Duration
	TierOverride string // primary|complementary|fallback|auto
	Credentials  AdapterCredentials
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load(".env")

	apiEnabled, _ := strconv.ParseBool(getEnv("API_ENABLED", "true"))
	workerEnabled, _ := strconv.ParseBool(getEnv("WORKER_ENABLED", "true"))
	initSchema, _ := strconv.ParseBool(getEnv("INIT_SCHEMA", "true"))

	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		Environment: getEnv("ENVIRONMENT", "development"),
		LoggingConfig: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		PostgresConfig: PostgresConfig{
			Host:     getEnv("DB_HOST", "postgres"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "skyscan"),
			Password: getEnv("DB_PASSWORD", ""),
			DBName:   getEnv("DB_NAME", "skyscan"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		RedisConfig: RedisConfig{
			Host:                   getEnv("REDIS_HOST", "redis"),
			Port:                   getEnv("REDIS_PORT", "6379"),
			Password:               getEnv("REDIS_PASSWORD", ""),
			DB:                     0,
			QueueGroup:             getEnv("REDIS_QUEUE_GROUP", "skyscan_workers"),
			QueueStreamPrefix:      getEnv("REDIS_QUEUE_STREAM_PREFIX", "skyscan"),
			QueueBlockTimeout:      getDuration("REDIS_QUEUE_BLOCK_TIMEOUT", 5*time.Second),
			QueueVisibilityTimeout: getDuration("REDIS_QUEUE_VISIBILITY_TIMEOUT", 2*time.Minute),
		},
		ExecutorConfig: ExecutorConfig{
			InteractiveDeadline: getDuration("EXECUTOR_INTERACTIVE_DEADLINE", 4*time.Second),
			BackgroundDeadline:  getDuration("EXECUTOR_BACKGROUND_DEADLINE", 60*time.Second),
			FirstResponseGrace:  getDuration("EXECUTOR_FIRST_RESPONSE_GRACE", 200*time.Millisecond),
			FallbackSubDeadline: getDuration("EXECUTOR_FALLBACK_SUB_DEADLINE", 1500*time.Millisecond),
			MinAdapterFloor:     getDuration("EXECUTOR_MIN_ADAPTER_FLOOR", 250*time.Millisecond),
			CancelGrace:         getDuration("EXECUTOR_CANCEL_GRACE", 2*time.Second),
		},
		CircuitConfig: CircuitConfig{
			FailureThreshold: getInt("CIRCUIT_FAILURE_THRESHOLD", 3),
			Window:           getDuration("CIRCUIT_WINDOW", time.Minute),
			Cooldown:         getDuration("CIRCUIT_COOLDOWN", 5*time.Minute),
		},
		CacheConfig: CacheConfig{
			TopFreshTTL:      getDuration("CACHE_TOP_FRESH_TTL", 5*time.Minute),
			TopStaleTTL:      getDuration("CACHE_TOP_STALE_TTL", 15*time.Minute),
			MediumFreshTTL:   getDuration("CACHE_MEDIUM_FRESH_TTL", 30*time.Minute),
			MediumStaleTTL:   getDuration("CACHE_MEDIUM_STALE_TTL", 6*time.Hour),
			LongTailFreshTTL: getDuration("CACHE_LONG_TAIL_FRESH_TTL", 6*time.Hour),
			LongTailStaleTTL: getDuration("CACHE_LONG_TAIL_STALE_TTL", 24*time.Hour),
		},
		BrowserPool: BrowserPoolConfig{
			Size:        getInt("BROWSER_POOL_SIZE", 2),
			ExecPath:    getEnv("BROWSER_EXEC_PATH", ""),
			LeaseBuffer: getDuration("BROWSER_LEASE_BUFFER", 5*time.Second),
		},
		ProxyPool: ProxyPoolConfig{
			URLs:          getList("PROXY_POOL_URLS"),
			MaxConcurrent: getInt("PROXY_POOL_MAX_CONCURRENT", 4),
		},
		Scheduler: SchedulerConfig{
			Tier1Cron:         getEnv("SCHEDULER_TIER1_CRON", "@every 10m"),
			Tier2Cron:         getEnv("SCHEDULER_TIER2_CRON", "@every 2h"),
			DaysAhead:         getInt("SCHEDULER_DAYS_AHEAD", 28),
			PerSourceInFlight: getInt("SCHEDULER_PER_SOURCE_IN_FLIGHT", 2),
			LockKey:           getEnv("SCHEDULER_LOCK_KEY", "scheduler:leader"),
			LockTTL:           getDuration("SCHEDULER_LOCK_TTL", 30*time.Second),
		},
		StoreCurrency: getEnv("STORE_CURRENCY", "KRW"),
		APIEnabled:    apiEnabled,
		WorkerEnabled: workerEnabled,
		InitSchema:    initSchema,
	}

	cfg.Adapters = loadAdapters()
	cfg.Scheduler.Currency = cfg.StoreCurrency
	cfg.ExecutorConfig.AdapterTimeouts = make(map[string]time.Duration, len(cfg.Adapters))
	for id, a := range cfg.Adapters {
		cfg.ExecutorConfig.AdapterTimeouts[id] = a.Timeout
	}
	return cfg, nil
}

// adapterIDs enumerates every adapter the binary knows how to construct.
var adapterIDs = []string{
	"metasearch",
	"aggregator",
	"tenant_fares",
	"jejuair",
	"airpremia",
	"gds",
	"official",
	"browser",
}

func loadAdapters() map[string]AdapterConfig {
	out := make(map[string]AdapterConfig, len(adapterIDs))
	for _, id := range adapterIDs {
		prefix := "ADAPTER_" + strings.ToUpper(id) + "_"
		enabled, _ := strconv.ParseBool(getEnv(prefix+"ENABLED", "true"))
		out[id] = AdapterConfig{
			Enabled: enabled,
			RateLimit: RateLimitConfig{
				Capacity:     getInt(prefix+"RATE_CAPACITY", defaultCapacity(id)),
				RefillPerSec: getFloat(prefix+"RATE_REFILL", defaultRefill(id)),
			},
			Timeout:      getDuration(prefix+"TIMEOUT", defaultTimeout(id)),
			TierOverride: getEnv(prefix+"TIER_OVERRIDE", "auto"),
			Credentials: AdapterCredentials{
				APIKey:       getEnv(prefix+"API_KEY", ""),
				ClientID:     getEnv(prefix+"CLIENT_ID", ""),
				ClientSecret: getEnv(prefix+"CLIENT_SECRET", ""),
				TokenURL:     getEnv(prefix+"TOKEN_URL", ""),
				TenantKey:    getEnv(prefix+"TENANT_KEY", ""),
			},
		}
	}
	return out
}

func defaultCapacity(id string) int {
	switch id {
	case "aggregator", "gds":
		return 5
	case "browser":
		return 1
	default:
		return 3
	}
}

func defaultRefill(id string) float64 {
	switch id {
	case "aggregator", "gds":
		return 5
	case "browser":
		// A browser search holds an instance for 60-90s; refill accordingly.
		return 0.02
	default:
		return 1
	}
}

func defaultTimeout(id string) time.Duration {
	if id == "browser" {
		return 90 * time.Second
	}
	return 15 * time.Second
}

// TestConfig returns a configuration suitable for unit tests: workers off,
// localhost backends, every adapter disabled unless a test enables it.
func TestConfig() *Config {
	cfg, _ := Load()
	cfg.Environment = "test"
	cfg.WorkerEnabled = false
	cfg.PostgresConfig.Host = getEnv("DB_HOST", "localhost")
	cfg.RedisConfig.Host = getEnv("REDIS_HOST", "localhost")
	for id, a := range cfg.Adapters {
		a.Enabled = false
		cfg.Adapters[id] = a
	}
	return cfg
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if len(strings.TrimSpace(value)) == 0 {
		return defaultValue
	}
	return strings.TrimSpace(value)
}

func getInt(key string, def int) int {
	v, err := strconv.Atoi(getEnv(key, ""))
	if err != nil {
		return def
	}
	return v
}

func getFloat(key string, def float64) float64 {
	v, err := strconv.ParseFloat(getEnv(key, ""), 64)
	if err != nil {
		return def
	}
	return v
}

func getDuration(key string, def time.Duration) time.Duration {
	v, err := time.ParseDuration(getEnv(key, ""))
	if err != nil {
		return def
	}
	return v
}

func getList(key string) []string {
	raw := getEnv(key, "")
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
