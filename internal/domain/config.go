package domain

import "time"

// Config holds the complete Harrier configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server"`

	// Tier determines which adapters are wired
	Tier Tier `json:"tier"`

	// Pipeline settings
	Pipeline PipelineConfig `json:"pipeline"`
	Scoring  ScoringConfig  `json:"scoring"`

	// Component configurations
	Repository RepositoryConfig `json:"repository"`
	Cache      CacheConfig      `json:"cache"`
	EventBus   EventBusConfig   `json:"eventBus"`

	// Observability
	Logging LoggingConfig `json:"logging"`
	Tracing TracingConfig `json:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ReadTimeout  int    `json:"readTimeout"`  // seconds
	WriteTimeout int    `json:"writeTimeout"` // seconds
}

// PipelineConfig tunes the evaluation pipeline.
type PipelineConfig struct {
	// ReviewThreshold and RejectThreshold map the model score to a decision.
	ReviewThreshold float64 `json:"reviewThreshold"`
	RejectThreshold float64 `json:"rejectThreshold"`

	// CacheTTL is how long a finished evaluation is served from cache.
	CacheTTL time.Duration `json:"cacheTtl"`

	// StrictDedup serializes evaluations per applicant so that concurrent
	// duplicates are scored once.
	StrictDedup bool `json:"strictDedup"`

	// WeightSeed fixes the feature weight matrix. Nil means random.
	WeightSeed *uint64 `json:"weightSeed,omitempty"`

	// AsyncWorker runs the bus-fed evaluation worker.
	AsyncWorker bool `json:"asyncWorker"`

	// Workers is the number of async evaluation workers.
	Workers int `json:"workers"`
}

// ScoringConfig locates the external model and explanation services.
type ScoringConfig struct {
	ScorerURL       string        `json:"scorerUrl"`
	ExplainerURL    string        `json:"explainerUrl"`
	ConnectTimeout  time.Duration `json:"connectTimeout"`
	ResponseTimeout time.Duration `json:"responseTimeout"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `json:"enabled"`
	ServiceName string `json:"serviceName"`

	// Endpoint is the OTLP gRPC collector address (host:port).
	Endpoint string `json:"endpoint"`
}

// Tier represents the deployment tier.
type Tier string

const (
	// TierCommunity runs on SQLite + channels + in-memory cache
	TierCommunity Tier = "community"

	// TierPro runs on PostgreSQL + NATS + Redis
	TierPro Tier = "pro"
)

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Tier: TierCommunity,
		Pipeline: PipelineConfig{
			ReviewThreshold: 0.5,
			RejectThreshold: 0.8,
			CacheTTL:        3600 * time.Second,
			Workers:         4,
		},
		Scoring: ScoringConfig{
			ScorerURL:       "http://localhost:8000",
			ExplainerURL:    "http://localhost:8001",
			ConnectTimeout:  2 * time.Second,
			ResponseTimeout: 3 * time.Second,
		},
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./harrier.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     time.Hour,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "harrier",
		},
	}
}

// ProConfig returns a configuration for Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "harrier",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
		LocalTTL:       5 * time.Minute,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Pipeline.AsyncWorker = true
	cfg.Tracing.Enabled = true
	cfg.Tracing.Endpoint = "localhost:4317"
	return cfg
}
