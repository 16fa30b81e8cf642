// Package database opens the SQL connection behind the board object store.
package database

import (
	"fmt"
	"time"
)

// Supported drivers
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite3"
)

// Config defines what the database package needs
type Config struct {
	Driver          string        `mapstructure:"driver" yaml:"driver" json:"driver" validate:"required,oneof=postgres sqlite3"`
	DSN             string        `mapstructure:"dsn" yaml:"dsn" json:"dsn" validate:"required"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" yaml:"max_open_conns" json:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" yaml:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" yaml:"conn_max_lifetime" json:"conn_max_lifetime"`

	// Timeout configurations
	QueryTimeout   time.Duration `mapstructure:"query_timeout" yaml:"query_timeout" json:"query_timeout"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout" json:"connect_timeout"`

	// Migration settings
	AutoMigrate      bool          `mapstructure:"auto_migrate" yaml:"auto_migrate" json:"auto_migrate"`
	MigrationTimeout time.Duration `mapstructure:"migration_timeout" yaml:"migration_timeout" json:"migration_timeout"`
}

// NewConfig creates config with sensible defaults
func NewConfig() *Config {
	return &Config{
		Driver:           DriverPostgres,
		MaxOpenConns:     25,
		MaxIdleConns:     5,
		ConnMaxLifetime:  5 * time.Minute,
		QueryTimeout:     30 * time.Second,
		ConnectTimeout:   10 * time.Second,
		AutoMigrate:      true,
		MigrationTimeout: time.Minute,
	}
}

// Validate checks the fields Open depends on
func (c *Config) Validate() error {
	switch c.Driver {
	case DriverPostgres, DriverSQLite:
	default:
		return fmt.Errorf("unsupported database driver %q", c.Driver)
	}
	if c.DSN == "" {
		return fmt.Errorf("database dsn is required")
	}
	return nil
}

// GetQueryTimeout returns the query timeout with default
func (c *Config) GetQueryTimeout() time.Duration {
	if c.QueryTimeout == 0 {
		return 30 * time.Second
	}
	return c.QueryTimeout
}

// GetConnectTimeout returns the connect timeout with default
func (c *Config) GetConnectTimeout() time.Duration {
	if c.ConnectTimeout == 0 {
		return 10 * time.Second
	}
	return c.ConnectTimeout
}
