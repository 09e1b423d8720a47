// Package config loads domain.Config from defaults, an optional file and
// HERON_* environment variables.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/opensource-finance/heron/internal/domain"
)

// EnvPrefix is prepended to every environment variable, so "server.port"
// is read from HERON_SERVER_PORT.
const EnvPrefix = "HERON"

// secretKeys may only come from the environment.
var secretKeys = []string{
	"bridge.api_key",
	"repository.postgres_password",
	"repository.mongo_uri",
	"cache.redis_password",
	"event_bus.nats_token",
}

// Load builds the configuration. Precedence is environment > config file >
// tier defaults. An empty path skips the file.
func Load(path string) (*domain.Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := validateNoSecretsInConfig(v); err != nil {
		return nil, err
	}

	v.SetDefault("tier", string(domain.TierCommunity))
	var base *domain.Config
	switch tier := domain.Tier(v.GetString("tier")); tier {
	case domain.TierCommunity:
		base = domain.DefaultConfig()
	case domain.TierPro:
		base = domain.ProConfig()
	default:
		return nil, fmt.Errorf("unknown tier %q (use community or pro)", tier)
	}
	setDefaults(v, base)

	cfg := &domain.Config{
		Tier: base.Tier,
		Server: domain.ServerConfig{
			Host:         v.GetString("server.host"),
			Port:         v.GetInt("server.port"),
			ReadTimeout:  v.GetInt("server.read_timeout"),
			WriteTimeout: v.GetInt("server.write_timeout"),
			CORSOrigins:  v.GetStringSlice("server.cors_origins"),
		},
		Repository: domain.RepositoryConfig{
			Driver:           v.GetString("repository.driver"),
			SQLitePath:       v.GetString("repository.sqlite_path"),
			PostgresHost:     v.GetString("repository.postgres_host"),
			PostgresPort:     v.GetInt("repository.postgres_port"),
			PostgresUser:     v.GetString("repository.postgres_user"),
			PostgresPassword: v.GetString("repository.postgres_password"),
			PostgresDB:       v.GetString("repository.postgres_db"),
			PostgresSSLMode:  v.GetString("repository.postgres_ssl_mode"),
			PostgresDriver:   v.GetString("repository.postgres_driver"),
			MongoURI:         v.GetString("repository.mongo_uri"),
			MongoDatabase:    v.GetString("repository.mongo_database"),
			MaxOpenConns:     v.GetInt("repository.max_open_conns"),
			MaxIdleConns:     v.GetInt("repository.max_idle_conns"),
			ConnMaxLifetime:  v.GetDuration("repository.conn_max_lifetime"),
		},
		Cache: domain.CacheConfig{
			Type:           v.GetString("cache.type"),
			LocalMaxSize:   v.GetInt("cache.local_max_size"),
			LocalTTL:       v.GetDuration("cache.local_ttl"),
			RedisAddr:      v.GetString("cache.redis_addr"),
			RedisPassword:  v.GetString("cache.redis_password"),
			RedisDB:        v.GetInt("cache.redis_db"),
			EnableTwoPhase: v.GetBool("cache.enable_two_phase"),
		},
		EventBus: domain.EventBusConfig{
			Type:              v.GetString("event_bus.type"),
			ChannelBufferSize: v.GetInt("event_bus.channel_buffer_size"),
			NATSUrl:           v.GetString("event_bus.nats_url"),
			NATSToken:         v.GetString("event_bus.nats_token"),
			NATSMaxReconnects: v.GetInt("event_bus.nats_max_reconnects"),
			NATSReconnectWait: v.GetInt("event_bus.nats_reconnect_wait"),
		},
		Audience: domain.AudienceConfig{
			SampleSize: v.GetInt("audience.sample_size"),
			PreviewTTL: v.GetDuration("audience.preview_ttl"),
		},
		Bridge: domain.BridgeConfig{
			Endpoint:        v.GetString("bridge.endpoint"),
			Model:           v.GetString("bridge.model"),
			Timeout:         v.GetDuration("bridge.timeout"),
			APIKey:          v.GetString("bridge.api_key"),
			FallbackVersion: v.GetString("bridge.fallback_version"),
		},
		Worker: domain.WorkerConfig{
			Enabled:     v.GetBool("worker.enabled"),
			Concurrency: v.GetInt("worker.concurrency"),
		},
		Logging: domain.LoggingConfig{
			Level:  strings.ToLower(v.GetString("logging.level")),
			Format: strings.ToLower(v.GetString("logging.format")),
		},
		Tracing: domain.TracingConfig{
			Enabled:      v.GetBool("tracing.enabled"),
			ServiceName:  v.GetString("tracing.service_name"),
			ExporterType: v.GetString("tracing.exporter_type"),
			Endpoint:     v.GetString("tracing.endpoint"),
			SampleRatio:  v.GetFloat64("tracing.sample_ratio"),
		},
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, c *domain.Config) {
	v.SetDefault("server.host", c.Server.Host)
	v.SetDefault("server.port", c.Server.Port)
	v.SetDefault("server.read_timeout", c.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", c.Server.WriteTimeout)
	v.SetDefault("server.cors_origins", c.Server.CORSOrigins)

	v.SetDefault("repository.driver", c.Repository.Driver)
	v.SetDefault("repository.sqlite_path", c.Repository.SQLitePath)
	v.SetDefault("repository.postgres_host", c.Repository.PostgresHost)
	v.SetDefault("repository.postgres_port", c.Repository.PostgresPort)
	v.SetDefault("repository.postgres_user", c.Repository.PostgresUser)
	v.SetDefault("repository.postgres_db", c.Repository.PostgresDB)
	v.SetDefault("repository.postgres_ssl_mode", c.Repository.PostgresSSLMode)
	v.SetDefault("repository.postgres_driver", c.Repository.PostgresDriver)
	v.SetDefault("repository.mongo_database", c.Repository.MongoDatabase)
	v.SetDefault("repository.max_open_conns", c.Repository.MaxOpenConns)
	v.SetDefault("repository.max_idle_conns", c.Repository.MaxIdleConns)
	v.SetDefault("repository.conn_max_lifetime", c.Repository.ConnMaxLifetime)

	v.SetDefault("cache.type", c.Cache.Type)
	v.SetDefault("cache.local_max_size", c.Cache.LocalMaxSize)
	v.SetDefault("cache.local_ttl", c.Cache.LocalTTL)
	v.SetDefault("cache.redis_addr", c.Cache.RedisAddr)
	v.SetDefault("cache.redis_db", c.Cache.RedisDB)
	v.SetDefault("cache.enable_two_phase", c.Cache.EnableTwoPhase)

	v.SetDefault("event_bus.type", c.EventBus.Type)
	v.SetDefault("event_bus.channel_buffer_size", c.EventBus.ChannelBufferSize)
	v.SetDefault("event_bus.nats_url", c.EventBus.NATSUrl)
	v.SetDefault("event_bus.nats_max_reconnects", c.EventBus.NATSMaxReconnects)
	v.SetDefault("event_bus.nats_reconnect_wait", c.EventBus.NATSReconnectWait)

	v.SetDefault("audience.sample_size", c.Audience.SampleSize)
	v.SetDefault("audience.preview_ttl", c.Audience.PreviewTTL)

	v.SetDefault("bridge.endpoint", c.Bridge.Endpoint)
	v.SetDefault("bridge.model", c.Bridge.Model)
	v.SetDefault("bridge.timeout", c.Bridge.Timeout)
	v.SetDefault("bridge.fallback_version", c.Bridge.FallbackVersion)

	v.SetDefault("worker.enabled", c.Worker.Enabled)
	v.SetDefault("worker.concurrency", c.Worker.Concurrency)

	v.SetDefault("logging.level", c.Logging.Level)
	v.SetDefault("logging.format", c.Logging.Format)

	v.SetDefault("tracing.enabled", c.Tracing.Enabled)
	v.SetDefault("tracing.service_name", c.Tracing.ServiceName)
	v.SetDefault("tracing.exporter_type", c.Tracing.ExporterType)
	v.SetDefault("tracing.endpoint", c.Tracing.Endpoint)
	v.SetDefault("tracing.sample_ratio", c.Tracing.SampleRatio)
}

// validateNoSecretsInConfig enforces environment-only secrets.
func validateNoSecretsInConfig(v *viper.Viper) error {
	for _, key := range secretKeys {
		if v.InConfig(key) {
			env := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
			return fmt.Errorf("%s is not allowed in config files (use the %s environment variable)", key, env)
		}
	}
	return nil
}

// Validate checks ranges and enumerations.
func Validate(cfg *domain.Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout <= 0 || cfg.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server timeouts must be positive")
	}

	switch cfg.Repository.Driver {
	case "sqlite", "postgres", "mongo", "memory":
	default:
		return fmt.Errorf("unsupported repository driver: %s", cfg.Repository.Driver)
	}
	switch cfg.Cache.Type {
	case "memory", "redis", "none":
	default:
		return fmt.Errorf("unsupported cache type: %s", cfg.Cache.Type)
	}
	switch cfg.EventBus.Type {
	case "channel", "nats", "none":
	default:
		return fmt.Errorf("unsupported event bus type: %s", cfg.EventBus.Type)
	}

	if cfg.Audience.SampleSize <= 0 {
		return fmt.Errorf("audience.sample_size must be positive, got %d", cfg.Audience.SampleSize)
	}
	if cfg.Audience.PreviewTTL < 0 {
		return fmt.Errorf("audience.preview_ttl must not be negative")
	}
	if cfg.Bridge.Timeout <= 0 {
		return fmt.Errorf("bridge.timeout must be positive, got %v", cfg.Bridge.Timeout)
	}
	if cfg.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker.concurrency must be positive, got %d", cfg.Worker.Concurrency)
	}

	switch cfg.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unsupported log level: %s", cfg.Logging.Level)
	}
	switch cfg.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("unsupported log format: %s", cfg.Logging.Format)
	}
	return nil
}
