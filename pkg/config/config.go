// Package config loads boardsync configuration from defaults, an optional
// YAML file and BOARDSYNC_-prefixed environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/developer-mesh/boardsync/pkg/collaboration/connection"
	"github.com/developer-mesh/boardsync/pkg/collaboration/presence"
	"github.com/developer-mesh/boardsync/pkg/database"
	"github.com/developer-mesh/boardsync/pkg/observability"
	"github.com/developer-mesh/boardsync/pkg/persistence"
	"github.com/developer-mesh/boardsync/pkg/redis"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "BOARDSYNC"

// DefaultConfigFile is read when BOARDSYNC_CONFIG_FILE is unset
const DefaultConfigFile = "configs/boardsync.yaml"

// Config is the complete boardsync configuration
type Config struct {
	Environment string `mapstructure:"environment" validate:"oneof=dev staging prod test"`

	Engine      EngineConfig                `mapstructure:"engine"`
	Reconnect   ReconnectConfig             `mapstructure:"reconnect"`
	Presence    presence.Config             `mapstructure:"presence"`
	Persistence PersistenceConfig           `mapstructure:"persistence"`
	Database    database.Config             `mapstructure:"database"`
	Redis       RedisConfig                 `mapstructure:"redis"`
	Relay       RelayConfig                 `mapstructure:"relay"`
	Logging     observability.LoggingConfig `mapstructure:"logging"`
	Metrics     observability.MetricsConfig `mapstructure:"metrics"`
	Tracing     observability.TracingConfig `mapstructure:"tracing"`
}

// EngineConfig tunes one board session
type EngineConfig struct {
	UndoDepth     int           `mapstructure:"undo_depth" validate:"min=1"`
	FlushInterval time.Duration `mapstructure:"flush_interval" validate:"gt=0"`
}

// ReconnectConfig is the connection manager backoff schedule
type ReconnectConfig struct {
	BaseDelay        time.Duration `mapstructure:"base_delay" validate:"gt=0"`
	MaxDelay         time.Duration `mapstructure:"max_delay" validate:"gtefield=BaseDelay"`
	MaxAttempts      int           `mapstructure:"max_attempts" validate:"min=1"`
	SubscribeTimeout time.Duration `mapstructure:"subscribe_timeout" validate:"gt=0"`
}

// PersistenceConfig configures durable writes and the relay snapshot cache
type PersistenceConfig struct {
	Writer persistence.WriterConfig `mapstructure:"writer"`
	Cache  persistence.CacheConfig  `mapstructure:"cache"`
	// TombstoneRetention is how long tombstones are kept for late merges
	TombstoneRetention time.Duration `mapstructure:"tombstone_retention"`
	// PurgeInterval is how often the relay purges old tombstones; zero disables
	PurgeInterval time.Duration `mapstructure:"purge_interval"`
}

// RedisConfig enables cross-relay fan-out
type RedisConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Addresses      []string      `mapstructure:"addresses" validate:"required_if=Enabled true"`
	Password       string        `mapstructure:"password"`
	DB             int           `mapstructure:"db" validate:"min=0"`
	ChannelPrefix  string        `mapstructure:"channel_prefix"`
	DialTimeout    time.Duration `mapstructure:"dial_timeout"`
	HealthInterval time.Duration `mapstructure:"health_interval"`
}

// RelayConfig configures the relay HTTP server
type RelayConfig struct {
	ListenAddress  string        `mapstructure:"listen_address" validate:"required"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
	MaxMessageSize int64         `mapstructure:"max_message_size" validate:"gt=0"`
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	JWTSecret      string        `mapstructure:"jwt_secret"`
	// AllowedOrigins are host patterns accepted on the WebSocket upgrade
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// Load loads configuration from file and environment variables
func Load() (*Config, error) {
	configFile := os.Getenv(EnvPrefix + "_CONFIG_FILE")
	if configFile == "" {
		configFile = DefaultConfigFile
	}
	return LoadFile(configFile)
}

// LoadFile loads configuration from path, which may not exist, and the environment
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.AllowEmptyEnv(true)

	// The file is optional; defaults and environment variables suffice.
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("error reading config file: %w", err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	// ${VAR} and ${VAR:-default} references in file values
	processEnvExpansion(v)

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate checks the struct constraints
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.Presence.MinInterval > c.Presence.MaxInterval {
		return fmt.Errorf("invalid configuration: presence.min_interval exceeds presence.max_interval")
	}
	return nil
}

// IsProduction returns true if the environment is production
func (c *Config) IsProduction() bool {
	return c.Environment == "prod"
}

// ConnectionConfig returns the connection manager configuration for a board topic
func (c *Config) ConnectionConfig(topic string) connection.Config {
	return connection.Config{
		Topic:            topic,
		BaseDelay:        c.Reconnect.BaseDelay,
		MaxDelay:         c.Reconnect.MaxDelay,
		MaxAttempts:      c.Reconnect.MaxAttempts,
		SubscribeTimeout: c.Reconnect.SubscribeTimeout,
	}
}

// RedisClientConfig returns the Redis client configuration
func (c *Config) RedisClientConfig() *redis.Config {
	cfg := redis.DefaultConfig()
	if len(c.Redis.Addresses) > 0 {
		cfg.Addresses = c.Redis.Addresses
	}
	cfg.Password = c.Redis.Password
	cfg.DB = c.Redis.DB
	if c.Redis.DialTimeout > 0 {
		cfg.DialTimeout = c.Redis.DialTimeout
	}
	if c.Redis.HealthInterval > 0 {
		cfg.HealthInterval = c.Redis.HealthInterval
	}
	return cfg
}

// processEnvExpansion processes environment variable expansions in config values
func processEnvExpansion(v *viper.Viper) {
	for _, key := range v.AllKeys() {
		value, ok := v.Get(key).(string)
		if !ok || value == "" {
			continue
		}
		if strings.Contains(value, "${") && strings.Contains(value, "}") {
			if expanded := expandEnvVars(value); expanded != value {
				v.Set(key, expanded)
			}
		}
	}
}

// expandEnvVars expands ${VAR} and ${VAR:-default} references
func expandEnvVars(value string) string {
	result := value

	for {
		start := strings.Index(result, "${")
		if start == -1 {
			break
		}
		length := strings.Index(result[start:], "}")
		if length == -1 {
			break
		}
		end := start + length

		varRef := result[start+2 : end]
		var envVar, defaultVal string
		if strings.Contains(varRef, ":-") {
			parts := strings.SplitN(varRef, ":-", 2)
			envVar = parts[0]
			defaultVal = parts[1]
		} else {
			envVar = varRef
		}

		envVal := os.Getenv(envVar)
		if envVal == "" {
			envVal = defaultVal
		}

		result = result[:start] + envVal + result[end+1:]
	}

	return result
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "dev")

	// Engine
	v.SetDefault("engine.undo_depth", 50)
	v.SetDefault("engine.flush_interval", 16*time.Millisecond)

	// Reconnect backoff: 1s, 2s, 4s, 8s, 16s
	v.SetDefault("reconnect.base_delay", time.Second)
	v.SetDefault("reconnect.max_delay", 16*time.Second)
	v.SetDefault("reconnect.max_attempts", 5)
	v.SetDefault("reconnect.subscribe_timeout", 10*time.Second)

	// Presence
	p := presence.DefaultConfig()
	v.SetDefault("presence.transport_rate_limit", p.TransportRateLimit)
	v.SetDefault("presence.safety_margin", p.SafetyMargin)
	v.SetDefault("presence.drag_reserve", p.DragReserve)
	v.SetDefault("presence.min_interval", p.MinInterval)
	v.SetDefault("presence.max_interval", p.MaxInterval)
	v.SetDefault("presence.min_interpolation", p.MinInterpolation)
	v.SetDefault("presence.max_interpolation", p.MaxInterpolation)
	v.SetDefault("presence.stale_timeout", p.StaleTimeout)

	// Persistence
	w := persistence.DefaultWriterConfig()
	v.SetDefault("persistence.writer.workers", w.Workers)
	v.SetDefault("persistence.writer.queue_size", w.QueueSize)
	v.SetDefault("persistence.writer.max_retries", w.MaxRetries)
	v.SetDefault("persistence.writer.initial_interval", w.InitialInterval)
	v.SetDefault("persistence.writer.max_interval", w.MaxInterval)
	v.SetDefault("persistence.writer.attempt_timeout", w.AttemptTimeout)
	v.SetDefault("persistence.writer.breaker_failures", w.BreakerFailures)
	v.SetDefault("persistence.writer.breaker_max_requests", w.BreakerMaxRequests)
	v.SetDefault("persistence.writer.breaker_interval", w.BreakerInterval)
	v.SetDefault("persistence.writer.breaker_timeout", w.BreakerTimeout)
	cache := persistence.DefaultCacheConfig()
	v.SetDefault("persistence.cache.size", cache.Size)
	v.SetDefault("persistence.cache.ttl", cache.TTL)
	v.SetDefault("persistence.tombstone_retention", 30*24*time.Hour)
	v.SetDefault("persistence.purge_interval", time.Hour)

	// Database
	db := database.NewConfig()
	v.SetDefault("database.driver", database.DriverSQLite)
	v.SetDefault("database.dsn", "file:boardsync.db?_busy_timeout=5000")
	v.SetDefault("database.max_open_conns", db.MaxOpenConns)
	v.SetDefault("database.max_idle_conns", db.MaxIdleConns)
	v.SetDefault("database.conn_max_lifetime", db.ConnMaxLifetime)
	v.SetDefault("database.query_timeout", db.QueryTimeout)
	v.SetDefault("database.connect_timeout", db.ConnectTimeout)
	v.SetDefault("database.auto_migrate", db.AutoMigrate)
	v.SetDefault("database.migration_timeout", db.MigrationTimeout)

	// Redis
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addresses", []string{"localhost:6379"})
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.channel_prefix", "boardsync:")
	v.SetDefault("redis.dial_timeout", 5*time.Second)
	v.SetDefault("redis.health_interval", 10*time.Second)

	// Relay
	v.SetDefault("relay.listen_address", ":8080")
	v.SetDefault("relay.read_timeout", 30*time.Second)
	v.SetDefault("relay.write_timeout", 30*time.Second)
	v.SetDefault("relay.idle_timeout", 90*time.Second)
	v.SetDefault("relay.max_message_size", 1<<20)
	v.SetDefault("relay.ping_interval", 30*time.Second)
	v.SetDefault("relay.allowed_origins", []string{})
	v.SetDefault("relay.jwt_secret", "")

	// Observability
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.prefix", "boardsync")
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.namespace", "boardsync")
	v.SetDefault("metrics.subsystem", "")
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "boardsync-relay")
	v.SetDefault("tracing.endpoint", "localhost:4317")
	v.SetDefault("tracing.sample_ratio", 1.0)
}
