package domain

import (
	"time"
)

// Config holds the complete Heron configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server"`

	// Tier determines feature availability
	Tier Tier `json:"tier"`

	// Component configurations
	Repository RepositoryConfig `json:"repository"`
	Cache      CacheConfig      `json:"cache"`
	EventBus   EventBusConfig   `json:"eventBus"`

	// Segmentation settings
	Audience AudienceConfig `json:"audience"`
	Bridge   BridgeConfig   `json:"bridge"`
	Worker   WorkerConfig   `json:"worker"`

	// Observability
	Logging LoggingConfig `json:"logging"`
	Tracing TracingConfig `json:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string   `json:"host"`
	Port         int      `json:"port"`
	ReadTimeout  int      `json:"readTimeout"`  // seconds
	WriteTimeout int      `json:"writeTimeout"` // seconds
	CORSOrigins  []string `json:"corsOrigins"`
}

// AudienceConfig tunes audience evaluation.
type AudienceConfig struct {
	// SampleSize bounds the customers returned with a preview.
	SampleSize int `json:"sampleSize"`
	// PreviewTTL is how long identical previews are served from cache. Zero disables caching.
	PreviewTTL time.Duration `json:"previewTtl"`
}

// BridgeConfig configures the natural-language rule suggester.
type BridgeConfig struct {
	// Endpoint is an OpenAI-compatible chat completions URL. Empty disables
	// the model and every suggestion takes the fallback path.
	Endpoint string        `json:"endpoint"`
	Model    string        `json:"model"`
	Timeout  time.Duration `json:"timeout"`
	// APIKey is read from the environment only.
	APIKey string `json:"-"`
	// FallbackVersion selects the keyword table.
	FallbackVersion string `json:"fallbackVersion"`
}

// WorkerConfig sizes the recalculation worker.
type WorkerConfig struct {
	Enabled     bool `json:"enabled"`
	Concurrency int  `json:"concurrency"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled      bool    `json:"enabled"`
	ServiceName  string  `json:"serviceName"`
	ExporterType string  `json:"exporterType"` // jaeger
	Endpoint     string  `json:"endpoint"`
	SampleRatio  float64 `json:"sampleRatio"`
}

// Tier represents the product tier.
type Tier string

const (
	// TierCommunity is the free tier with SQLite + channels
	TierCommunity Tier = "community"

	// TierPro is the paid tier with PostgreSQL + NATS + Redis
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
			CORSOrigins:  []string{"*"},
		},
		Tier: TierCommunity,
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./heron.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Audience: AudienceConfig{
			SampleSize: 10,
			PreviewTTL: 30 * time.Second,
		},
		Bridge: BridgeConfig{
			Model:           "gpt-4o-mini",
			Timeout:         8 * time.Second,
			FallbackVersion: "v1",
		},
		Worker: WorkerConfig{
			Enabled:     true,
			Concurrency: 4,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "heron",
			SampleRatio: 1,
		},
	}
}

// ProConfig returns a configuration for Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:         "postgres",
		PostgresHost:   "localhost",
		PostgresPort:   5432,
		PostgresDB:     "heron",
		PostgresDriver: "pq",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
		LocalTTL:       time.Minute,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Worker.Concurrency = 16
	cfg.Tracing.Enabled = true
	cfg.Tracing.ExporterType = "jaeger"
	cfg.Tracing.Endpoint = "http://localhost:14268/api/traces"
	return cfg
}
