package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"
	"github.com/songzhibin97/relaygate/internal/config"
	"github.com/songzhibin97/relaygate/pkg/discovery"
	"github.com/songzhibin97/relaygate/pkg/log"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Driver implements the discovery.Driver interface for PostgreSQL
type Driver struct{}

// NewDriver creates a new PostgreSQL service discovery driver
func NewDriver() discovery.Driver {
	return &Driver{}
}

// Name returns the driver name
func (d *Driver) Name() string {
	return "postgres"
}

// Open connects to the database and applies the schema migrations
func (d *Driver) Open(cfg *config.DiscoveryConfig, logger log.Logger) (discovery.Source, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if cfg.Postgres.DSN == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}

	db, err := sql.Open("postgres", cfg.Postgres.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := Migrate(db, cfg.Postgres.MigrationPath); err != nil {
		db.Close()
		return nil, err
	}
	return New(db, cfg.Postgres, logger), nil
}

// Migrate brings the schema up to date. An empty path uses the migrations
// compiled into the binary.
func Migrate(db *sql.DB, path string) error {
	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	var m *migrate.Migrate
	if path == "" {
		src, err := iofs.New(migrations, "migrations")
		if err != nil {
			return fmt.Errorf("failed to load embedded migrations: %w", err)
		}
		m, err = migrate.NewWithInstance("iofs", src, "postgres", driver)
		if err != nil {
			return fmt.Errorf("failed to create migration instance: %w", err)
		}
	} else {
		m, err = migrate.NewWithDatabaseInstance(path, "postgres", driver)
		if err != nil {
			return fmt.Errorf("failed to create migration instance: %w", err)
		}
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}
