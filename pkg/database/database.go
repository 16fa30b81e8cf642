package database

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/developer-mesh/boardsync/pkg/database/migration"
	"github.com/developer-mesh/boardsync/pkg/observability"
	"github.com/developer-mesh/boardsync/pkg/retry"
	"github.com/jmoiron/sqlx"

	// Database drivers
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// sanitizeDSN removes sensitive information from a DSN for safe logging
func sanitizeDSN(dsn string) string {
	// key=value format
	if strings.Contains(dsn, "password=") {
		parts := strings.Split(dsn, " ")
		var sanitized []string
		for _, part := range parts {
			if strings.HasPrefix(part, "password=") {
				sanitized = append(sanitized, "password=***")
			} else {
				sanitized = append(sanitized, part)
			}
		}
		return strings.Join(sanitized, " ")
	}
	// URL format
	if strings.Contains(dsn, "@") {
		if idx := strings.Index(dsn, "://"); idx != -1 {
			if atIdx := strings.Index(dsn[idx:], "@"); atIdx != -1 {
				prefix := dsn[:idx+3]
				suffix := dsn[idx+atIdx:]
				return prefix + "***:***" + suffix
			}
		}
	}
	return dsn
}

// Open connects to the configured database, retrying while it comes up, and
// applies the embedded migrations when AutoMigrate is set.
func Open(ctx context.Context, cfg Config, logger observability.Logger) (*sqlx.DB, error) {
	logger = observability.OrNoop(logger).WithPrefix("database")
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	policy := retry.NewExponentialBackoff(retry.Config{
		InitialInterval: 250 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		MaxElapsedTime:  cfg.GetConnectTimeout() * 3,
		MaxRetries:      5,
	})

	var db *sqlx.DB
	err := policy.Execute(ctx, func(ctx context.Context) error {
		connectCtx, cancel := context.WithTimeout(ctx, cfg.GetConnectTimeout())
		defer cancel()

		conn, err := sqlx.ConnectContext(connectCtx, cfg.Driver, cfg.DSN)
		if err != nil {
			logger.Warn("Database connection attempt failed", map[string]interface{}{
				"driver": cfg.Driver,
				"dsn":    sanitizeDSN(cfg.DSN),
				"error":  err.Error(),
			})
			return err
		}
		db = conn
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", cfg.Driver, err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	// Every connection to an in-memory SQLite database is a separate database.
	if cfg.Driver == DriverSQLite && (strings.Contains(cfg.DSN, ":memory:") || strings.Contains(cfg.DSN, "mode=memory")) {
		db.SetMaxOpenConns(1)
	}

	logger.Info("Connected to database", map[string]interface{}{
		"driver": cfg.Driver,
		"dsn":    sanitizeDSN(cfg.DSN),
	})

	if cfg.AutoMigrate {
		manager, err := migration.NewManager(db, migration.Config{MigrationTimeout: cfg.MigrationTimeout}, cfg.Driver)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		if err := manager.RunMigrations(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("database migration failed: %w", err)
		}
		version, _, _ := manager.GetVersion()
		logger.Info("Database migrations applied", map[string]interface{}{
			"version": version,
		})
	}

	return db, nil
}

// Transaction runs fn inside a transaction, committing when it returns nil
func Transaction(ctx context.Context, db *sqlx.DB, fn func(*sqlx.Tx) error) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
		}
		return err
	}

	return tx.Commit()
}
