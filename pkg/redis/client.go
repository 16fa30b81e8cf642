package redis

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/developer-mesh/boardsync/pkg/observability"
)

// Config represents the configuration for the Redis connection used for
// cross-instance board fan-out
type Config struct {
	// Connection settings
	Addresses  []string `mapstructure:"addresses" yaml:"addresses" json:"addresses"`
	Username   string   `mapstructure:"username" yaml:"username" json:"username"`
	Password   string   `mapstructure:"password" yaml:"password" json:"password"`
	DB         int      `mapstructure:"db" yaml:"db" json:"db"`
	MaxRetries int      `mapstructure:"max_retries" yaml:"max_retries" json:"max_retries"`

	// Timeout settings for network operations
	DialTimeout  time.Duration `mapstructure:"dial_timeout" yaml:"dial_timeout" json:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout" json:"write_timeout"`
	PoolSize     int           `mapstructure:"pool_size" yaml:"pool_size" json:"pool_size"`

	TLSEnabled bool        `mapstructure:"tls_enabled" yaml:"tls_enabled" json:"tls_enabled"`
	TLSConfig  *tls.Config `mapstructure:"-" yaml:"-" json:"-"`

	// Cluster settings
	ClusterEnabled bool `mapstructure:"cluster_enabled" yaml:"cluster_enabled" json:"cluster_enabled"`

	// HealthInterval is how often the connection is pinged; zero disables the loop
	HealthInterval time.Duration `mapstructure:"health_interval" yaml:"health_interval" json:"health_interval"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		Addresses:      []string{"localhost:6379"},
		MaxRetries:     3,
		DialTimeout:    5 * time.Second,
		ReadTimeout:    3 * time.Second,
		WriteTimeout:   3 * time.Second,
		PoolSize:       10,
		HealthInterval: 10 * time.Second,
	}
}

// Client wraps a go-redis universal client with a periodic health check
type Client struct {
	client redis.UniversalClient
	config *Config
	logger observability.Logger

	healthy         bool
	healthMu        sync.RWMutex
	lastHealthCheck time.Time

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewClient connects to Redis and verifies the connection with a ping
func NewClient(config *Config, logger observability.Logger) (*Client, error) {
	if config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if len(config.Addresses) == 0 {
		return nil, fmt.Errorf("no Redis addresses configured")
	}

	c := &Client{
		config:  config,
		logger:  observability.OrNoop(logger),
		healthy: true,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	if err := c.connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	if config.HealthInterval > 0 {
		go c.healthCheckLoop()
	} else {
		close(c.done)
	}
	return c, nil
}

func (c *Client) connect() error {
	tlsConfig := c.config.TLSConfig
	if c.config.TLSEnabled && tlsConfig == nil {
		tlsConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	var client redis.UniversalClient
	if c.config.ClusterEnabled {
		client = redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:        c.config.Addresses,
			Username:     c.config.Username,
			Password:     c.config.Password,
			MaxRetries:   c.config.MaxRetries,
			DialTimeout:  c.config.DialTimeout,
			ReadTimeout:  c.config.ReadTimeout,
			WriteTimeout: c.config.WriteTimeout,
			PoolSize:     c.config.PoolSize,
			TLSConfig:    tlsConfig,
		})
	} else {
		client = redis.NewClient(&redis.Options{
			Addr:         c.config.Addresses[0],
			Username:     c.config.Username,
			Password:     c.config.Password,
			DB:           c.config.DB,
			MaxRetries:   c.config.MaxRetries,
			DialTimeout:  c.config.DialTimeout,
			ReadTimeout:  c.config.ReadTimeout,
			WriteTimeout: c.config.WriteTimeout,
			PoolSize:     c.config.PoolSize,
			TLSConfig:    tlsConfig,
		})
	}

	timeout := c.config.DialTimeout + c.config.ReadTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return fmt.Errorf("failed to ping Redis: %w", err)
	}

	c.client = client
	c.logger.Info("Connected to Redis", map[string]interface{}{
		"cluster":   c.config.ClusterEnabled,
		"addresses": c.config.Addresses,
	})
	return nil
}

func (c *Client) healthCheckLoop() {
	defer close(c.done)
	ticker := time.NewTicker(c.config.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.checkHealth()
		}
	}
}

func (c *Client) checkHealth() {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	err := c.client.Ping(ctx).Err()

	c.healthMu.Lock()
	c.healthy = err == nil
	c.lastHealthCheck = time.Now()
	c.healthMu.Unlock()

	if err != nil {
		c.logger.Error("Redis health check failed", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

// IsHealthy returns the result of the last health check
func (c *Client) IsHealthy() bool {
	c.healthMu.RLock()
	defer c.healthMu.RUnlock()
	return c.healthy
}

// Ping checks the connection now and records the result
func (c *Client) Ping(ctx context.Context) error {
	err := c.client.Ping(ctx).Err()
	c.healthMu.Lock()
	c.healthy = err == nil
	c.lastHealthCheck = time.Now()
	c.healthMu.Unlock()
	return err
}

// Universal returns the underlying go-redis client
func (c *Client) Universal() redis.UniversalClient {
	return c.client
}

// Close stops the health check and closes the connection
func (c *Client) Close() error {
	c.stopOnce.Do(func() { close(c.stop) })
	<-c.done
	return c.client.Close()
}
