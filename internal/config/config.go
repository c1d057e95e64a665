// Package config builds the Harrier configuration from tier defaults and
// HARRIER_* environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/opensource-finance/harrier/internal/domain"
)

// EnvPrefix prefixes every variable read by Load.
const EnvPrefix = "HARRIER_"

// Load reads a .env file if present, picks the tier defaults and applies
// environment overrides.
func Load() (*domain.Config, error) {
	_ = godotenv.Load()
	return FromEnv()
}

// FromEnv builds the configuration from the current environment only.
func FromEnv() (*domain.Config, error) {
	cfg := domain.DefaultConfig()
	if strings.EqualFold(getEnv("TIER", ""), string(domain.TierPro)) {
		cfg = domain.ProConfig()
	}

	var errs []string
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err.Error())
		}
	}

	// Server
	cfg.Server.Host = getEnv("HOST", cfg.Server.Host)
	cfg.Server.Port, _ = getInt("PORT", cfg.Server.Port, collect)

	// Pipeline
	cfg.Pipeline.ReviewThreshold = getFloat("REVIEW_THRESHOLD", cfg.Pipeline.ReviewThreshold, collect)
	cfg.Pipeline.RejectThreshold = getFloat("REJECT_THRESHOLD", cfg.Pipeline.RejectThreshold, collect)
	cfg.Pipeline.CacheTTL = getDuration("CACHE_TTL", cfg.Pipeline.CacheTTL, collect)
	cfg.Pipeline.StrictDedup = getBool("STRICT_DEDUP", cfg.Pipeline.StrictDedup, collect)
	cfg.Pipeline.Workers, _ = getInt("WORKERS", cfg.Pipeline.Workers, collect)
	cfg.Pipeline.AsyncWorker = getBool("ASYNC_WORKER", cfg.Pipeline.AsyncWorker, collect)
	if v := getEnv("WEIGHT_SEED", ""); v != "" {
		seed, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			collect(fmt.Errorf("%sWEIGHT_SEED: %w", EnvPrefix, err))
		} else {
			cfg.Pipeline.WeightSeed = &seed
		}
	}

	// Scoring
	cfg.Scoring.ScorerURL = getEnv("SCORER_URL", cfg.Scoring.ScorerURL)
	cfg.Scoring.ExplainerURL = getEnv("EXPLAINER_URL", cfg.Scoring.ExplainerURL)
	cfg.Scoring.ConnectTimeout = getDuration("CONNECT_TIMEOUT", cfg.Scoring.ConnectTimeout, collect)
	cfg.Scoring.ResponseTimeout = getDuration("RESPONSE_TIMEOUT", cfg.Scoring.ResponseTimeout, collect)

	// Repository
	cfg.Repository.Driver = getEnv("DB_DRIVER", cfg.Repository.Driver)
	cfg.Repository.SQLitePath = getEnv("SQLITE_PATH", cfg.Repository.SQLitePath)
	cfg.Repository.PostgresHost = getEnv("POSTGRES_HOST", cfg.Repository.PostgresHost)
	cfg.Repository.PostgresPort, _ = getInt("POSTGRES_PORT", cfg.Repository.PostgresPort, collect)
	cfg.Repository.PostgresUser = getEnv("POSTGRES_USER", cfg.Repository.PostgresUser)
	cfg.Repository.PostgresPassword = getEnv("POSTGRES_PASSWORD", cfg.Repository.PostgresPassword)
	cfg.Repository.PostgresDB = getEnv("POSTGRES_DB", cfg.Repository.PostgresDB)
	cfg.Repository.PostgresSSLMode = getEnv("POSTGRES_SSLMODE", cfg.Repository.PostgresSSLMode)

	// Cache
	cfg.Cache.Type = getEnv("CACHE_TYPE", cfg.Cache.Type)
	cfg.Cache.RedisAddr = getEnv("REDIS_ADDR", cfg.Cache.RedisAddr)
	cfg.Cache.RedisPassword = getEnv("REDIS_PASSWORD", cfg.Cache.RedisPassword)
	cfg.Cache.EnableTwoPhase = getBool("CACHE_TWO_PHASE", cfg.Cache.EnableTwoPhase, collect)

	// Event bus
	cfg.EventBus.Type = getEnv("BUS_TYPE", cfg.EventBus.Type)
	cfg.EventBus.NATSUrl = getEnv("NATS_URL", cfg.EventBus.NATSUrl)
	cfg.EventBus.NATSToken = getEnv("NATS_TOKEN", cfg.EventBus.NATSToken)
	cfg.EventBus.RedisAddr = getEnv("BUS_REDIS_ADDR", cfg.Cache.RedisAddr)
	cfg.EventBus.RedisPassword = getEnv("BUS_REDIS_PASSWORD", cfg.Cache.RedisPassword)

	// Observability
	cfg.Logging.Level = strings.ToLower(getEnv("LOG_LEVEL", cfg.Logging.Level))
	cfg.Logging.Format = strings.ToLower(getEnv("LOG_FORMAT", cfg.Logging.Format))
	cfg.Tracing.Enabled = getBool("TRACING", cfg.Tracing.Enabled, collect)
	cfg.Tracing.Endpoint = getEnv("OTLP_ENDPOINT", cfg.Tracing.Endpoint)

	if len(errs) > 0 {
		return nil, fmt.Errorf("%w: %s", domain.ErrInvalidInput, strings.Join(errs, "; "))
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func Validate(cfg *domain.Config) error {
	p := cfg.Pipeline
	if p.ReviewThreshold < 0 || p.RejectThreshold > 1 || p.ReviewThreshold > p.RejectThreshold {
		return fmt.Errorf("%w: thresholds must satisfy 0 <= review (%v) <= reject (%v) <= 1",
			domain.ErrInvalidInput, p.ReviewThreshold, p.RejectThreshold)
	}
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", domain.ErrInvalidInput, cfg.Server.Port)
	}
	if p.CacheTTL <= 0 {
		return fmt.Errorf("%w: cache ttl must be positive", domain.ErrInvalidInput)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(EnvPrefix + key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int, collect func(error)) (int, bool) {
	v := getEnv(key, "")
	if v == "" {
		return defaultValue, false
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		collect(fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
		return defaultValue, false
	}
	return i, true
}

func getFloat(key string, defaultValue float64, collect func(error)) float64 {
	v := getEnv(key, "")
	if v == "" {
		return defaultValue
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		collect(fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
		return defaultValue
	}
	return f
}

func getBool(key string, defaultValue bool, collect func(error)) bool {
	v := getEnv(key, "")
	if v == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		collect(fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
		return defaultValue
	}
	return b
}

// getDuration accepts Go durations ("90s") or bare seconds ("90").
func getDuration(key string, defaultValue time.Duration, collect func(error)) time.Duration {
	v := getEnv(key, "")
	if v == "" {
		return defaultValue
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		collect(fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
		return defaultValue
	}
	return d
}
