package migration

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
)

//go:embed sql/*.sql
var migrations embed.FS

// Config holds the migration configuration
type Config struct {
	// Timeout for migration operations
	MigrationTimeout time.Duration `json:"migration_timeout" yaml:"migration_timeout"`

	// Use a specific number of steps for migration (0 means all)
	Steps int `json:"steps" yaml:"steps"`
}

// Manager applies the embedded schema migrations
type Manager struct {
	db         *sqlx.DB
	config     Config
	migrator   *migrate.Migrate
	driverName string
}

// NewManager creates a new migration manager
func NewManager(db *sqlx.DB, config Config, driverName string) (*Manager, error) {
	if db == nil {
		return nil, errors.New("db connection cannot be nil")
	}
	switch driverName {
	case "postgres", "sqlite3":
	default:
		return nil, fmt.Errorf("no migration driver for %q", driverName)
	}

	if config.MigrationTimeout == 0 {
		config.MigrationTimeout = 1 * time.Minute
	}

	return &Manager{
		db:         db,
		config:     config,
		driverName: driverName,
	}, nil
}

// Init initializes the migration manager
func (m *Manager) Init(ctx context.Context) error {
	var (
		driver database.Driver
		err    error
	)
	switch m.driverName {
	case "postgres":
		driver, err = postgres.WithInstance(m.db.DB, &postgres.Config{})
	case "sqlite3":
		driver, err = sqlite3.WithInstance(m.db.DB, &sqlite3.Config{})
	}
	if err != nil {
		return fmt.Errorf("failed to create %s driver: %w", m.driverName, err)
	}

	source, err := iofs.New(migrations, "sql")
	if err != nil {
		return fmt.Errorf("failed to open embedded migrations: %w", err)
	}

	migrator, err := migrate.NewWithInstance("iofs", source, m.driverName, driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	m.migrator = migrator
	return nil
}

// RunMigrations applies all pending migrations
func (m *Manager) RunMigrations(ctx context.Context) error {
	if m.migrator == nil {
		if err := m.Init(ctx); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithTimeout(ctx, m.config.MigrationTimeout)
	defer cancel()

	done := make(chan error, 1)

	go func() {
		var err error
		if m.config.Steps > 0 {
			err = m.migrator.Steps(m.config.Steps)
		} else {
			err = m.migrator.Up()
		}

		// no migrations to run is not an error
		if errors.Is(err, migrate.ErrNoChange) {
			err = nil
		}
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("migration error: %w", err)
		}
		return nil
	case <-ctx.Done():
		m.migrator.GracefulStop <- true
		return fmt.Errorf("migration timeout after %s", m.config.MigrationTimeout)
	}
}

// Rollback rolls back the last applied migration
func (m *Manager) Rollback(ctx context.Context) error {
	if m.migrator == nil {
		if err := m.Init(ctx); err != nil {
			return err
		}
	}
	return m.migrator.Steps(-1)
}

// GetVersion returns the current migration version
func (m *Manager) GetVersion() (uint, bool, error) {
	if m.migrator == nil {
		if err := m.Init(context.Background()); err != nil {
			return 0, false, err
		}
	}
	version, dirty, err := m.migrator.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}
