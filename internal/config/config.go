package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultAppName        = "settlement"
	defaultAppEnv         = "development"
	defaultPort           = "8080"
	defaultLogLevel       = "info"
	defaultShutdownDelay  = 10 * time.Second
	defaultIdempotencyTTL = 24 * time.Hour
	defaultInFlightTTL    = time.Minute
	defaultBitcoinNetwork = "regtest"
	defaultHotWallet      = "hot"
	defaultOracleURL      = "https://api.coingecko.com/api/v3"
	defaultOracleCacheTTL = 15 * time.Second
	defaultQuoteMaxAge    = time.Minute
	defaultMoverTimeout   = 30 * time.Second
	defaultSweepInterval  = 30 * time.Second
	defaultSweepGrace     = time.Minute
	defaultSweepBatch     = 100
	defaultSweepWorkers   = 8
	defaultMaxAttempts    = 10
	defaultWireExpiry     = 14 * 24 * time.Hour
	defaultRateLimit      = 60
)

// Config captures application runtime configuration loaded from environment variables.
type Config struct {
	AppName        string
	AppEnv         string
	Port           string
	LogLevel       string
	DatabaseURL    string
	RedisURL       string
	NATSURL        string
	ShutdownPeriod time.Duration
	// IdempotencyTTL is how long settled records stay in the Redis registry.
	IdempotencyTTL time.Duration
	// InFlightTTL bounds the HTTP guard against concurrent submissions of one key.
	InFlightTTL time.Duration
	// RateLimitPerMin caps settlement submissions per owner.
	RateLimitPerMin int
	// OperatorToken guards manual review and wire matching endpoints.
	OperatorToken string

	Bitcoin  BitcoinConfig
	Exchange ExchangeConfig

	OracleURL      string
	OracleCacheTTL time.Duration

	QuoteMaxAge          time.Duration
	MoverTimeout         time.Duration
	SweepInterval        time.Duration
	SweepGrace           time.Duration
	SweepBatch           int
	SweepConcurrency     int
	MaxReconcileAttempts int
	WireExpiry           time.Duration
}

// BitcoinConfig points at the bitcoind JSON-RPC endpoint. An empty Host disables on-chain kinds.
type BitcoinConfig struct {
	Host      string
	User      string
	Password  string
	Network   string
	HotWallet string
}

// ExchangeConfig holds the exchange API credentials. An empty URL disables exchange kinds.
type ExchangeConfig struct {
	URL    string
	Key    string
	Secret string
}

// Load reads configuration values from the environment and populates a Config instance.
func Load() (Config, error) {
	cfg := Config{
		AppName:       getEnv("APP_NAME", defaultAppName),
		AppEnv:        getEnv("APP_ENV", defaultAppEnv),
		Port:          getEnv("PORT", defaultPort),
		LogLevel:      strings.ToLower(getEnv("LOG_LEVEL", defaultLogLevel)),
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		RedisURL:      os.Getenv("REDIS_URL"),
		NATSURL:       os.Getenv("NATS_URL"),
		OperatorToken: os.Getenv("OPERATOR_TOKEN"),
		Bitcoin: BitcoinConfig{
			Host:      os.Getenv("BITCOIN_RPC_HOST"),
			User:      os.Getenv("BITCOIN_RPC_USER"),
			Password:  os.Getenv("BITCOIN_RPC_PASSWORD"),
			Network:   strings.ToLower(getEnv("BITCOIN_NETWORK", defaultBitcoinNetwork)),
			HotWallet: getEnv("BITCOIN_HOT_WALLET", defaultHotWallet),
		},
		Exchange: ExchangeConfig{
			URL:    os.Getenv("EXCHANGE_API_URL"),
			Key:    os.Getenv("EXCHANGE_API_KEY"),
			Secret: os.Getenv("EXCHANGE_API_SECRET"),
		},
		OracleURL: getEnv("PRICE_ORACLE_URL", defaultOracleURL),
	}

	var err error
	durations := []struct {
		dst      *time.Duration
		name     string
		fallback time.Duration
	}{
		{&cfg.ShutdownPeriod, "SHUTDOWN_TIMEOUT", defaultShutdownDelay},
		{&cfg.IdempotencyTTL, "IDEMPOTENCY_TTL", defaultIdempotencyTTL},
		{&cfg.InFlightTTL, "INFLIGHT_TTL", defaultInFlightTTL},
		{&cfg.OracleCacheTTL, "PRICE_CACHE_TTL", defaultOracleCacheTTL},
		{&cfg.QuoteMaxAge, "QUOTE_MAX_AGE", defaultQuoteMaxAge},
		{&cfg.MoverTimeout, "MOVER_TIMEOUT", defaultMoverTimeout},
		{&cfg.SweepInterval, "SWEEP_INTERVAL", defaultSweepInterval},
		{&cfg.SweepGrace, "SWEEP_GRACE", defaultSweepGrace},
		{&cfg.WireExpiry, "WIRE_EXPIRY", defaultWireExpiry},
	}
	for _, d := range durations {
		if *d.dst, err = getDuration(d.name, d.fallback); err != nil {
			return Config{}, err
		}
	}

	ints := []struct {
		dst      *int
		name     string
		fallback int
	}{
		{&cfg.SweepBatch, "SWEEP_BATCH", defaultSweepBatch},
		{&cfg.SweepConcurrency, "SWEEP_CONCURRENCY", defaultSweepWorkers},
		{&cfg.MaxReconcileAttempts, "MAX_RECONCILE_ATTEMPTS", defaultMaxAttempts},
		{&cfg.RateLimitPerMin, "RATE_LIMIT_PER_MIN", defaultRateLimit},
	}
	for _, i := range ints {
		if *i.dst, err = getInt(i.name, i.fallback); err != nil {
			return Config{}, err
		}
	}

	if !cfg.IsDev() {
		if cfg.DatabaseURL == "" {
			return Config{}, fmt.Errorf("DATABASE_URL must be set when APP_ENV=%s", cfg.AppEnv)
		}
		if cfg.RedisURL == "" {
			return Config{}, fmt.Errorf("REDIS_URL must be set when APP_ENV=%s", cfg.AppEnv)
		}
		if cfg.OperatorToken == "" {
			return Config{}, fmt.Errorf("OPERATOR_TOKEN must be set when APP_ENV=%s", cfg.AppEnv)
		}
	}
	// The sweeper must not look at a record whose mover call can still be running.
	if cfg.SweepGrace <= cfg.MoverTimeout {
		return Config{}, fmt.Errorf("SWEEP_GRACE (%s) must exceed MOVER_TIMEOUT (%s)", cfg.SweepGrace, cfg.MoverTimeout)
	}
	if cfg.Exchange.URL != "" && (cfg.Exchange.Key == "" || cfg.Exchange.Secret == "") {
		return Config{}, fmt.Errorf("EXCHANGE_API_KEY and EXCHANGE_API_SECRET must be set with EXCHANGE_API_URL")
	}

	return cfg, nil
}

// IsDev reports whether in-memory fallbacks are allowed.
func (c Config) IsDev() bool {
	switch strings.ToLower(c.AppEnv) {
	case "dev", "development", "local", "test":
		return true
	default:
		return false
	}
}

// Address returns the listen address in the format Fiber expects.
func (c Config) Address() string {
	if strings.HasPrefix(c.Port, ":") {
		return c.Port
	}
	return fmt.Sprintf(":%s", c.Port)
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

// getDuration accepts NAME_SECONDS as a plain integer or NAME as a Go duration, in that order.
func getDuration(name string, fallback time.Duration) (time.Duration, error) {
	if v := os.Getenv(name + "_SECONDS"); v != "" {
		seconds, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("invalid %s_SECONDS: %w", name, err)
		}
		return time.Duration(seconds) * time.Second, nil
	}
	if v := os.Getenv(name); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("invalid %s: %w", name, err)
		}
		return d, nil
	}
	return fallback, nil
}

func getInt(name string, fallback int) (int, error) {
	v := os.Getenv(name)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("invalid %s: must be positive", name)
	}
	return n, nil
}
