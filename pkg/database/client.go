// Package database provides the SQL client, schema migrations, and health
// checks for the build master's persistence layer. PostgreSQL is the
// production backend; SQLite serves single-node deployments and tests.
package database

import (
	"context"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"

	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx driver for database/sql
	_ "modernc.org/sqlite"             // Register sqlite driver for database/sql
)

// Client wraps the sqlx handle and remembers which backend it talks to.
type Client struct {
	*sqlx.DB
	cfg Config
}

// Backend returns the configured backend type ("postgres" or "sqlite").
func (c *Client) Backend() string {
	return c.cfg.Type
}

// IsPostgres reports whether the client talks to PostgreSQL.
func (c *Client) IsPostgres() bool {
	return c.cfg.IsPostgres()
}

// NewClientFromDB wraps an existing sqlx handle (useful for testing).
func NewClientFromDB(db *sqlx.DB, cfg Config) *Client {
	return &Client{DB: db, cfg: cfg}
}

// NewClient opens a database connection, configures pooling, and applies
// all pending migrations for the selected backend.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	db, err := sqlx.Open(cfg.DriverName(), cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.IsPostgres() {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
		db.SetMaxIdleConns(cfg.MaxIdleConns)
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	} else {
		// A single connection serializes all writers and keeps in-memory
		// databases from vanishing between pool checkouts.
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := runMigrations(cfg, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Client{DB: db, cfg: cfg}, nil
}

// NewPostgresClientFromURL opens a PostgreSQL client from a connection
// URL and applies migrations. The integration test harness uses this to
// point multiple clients at one container.
func NewPostgresClientFromURL(ctx context.Context, url string) (*Client, error) {
	cfg := Config{Type: TypePostgres, Database: "steward"}

	db, err := sqlx.Open("pgx", url)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := runMigrations(cfg, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Client{DB: db, cfg: cfg}, nil
}

// runMigrations applies pending migrations using golang-migrate with the
// embedded migration files for the configured backend.
//
// Migration files are embedded into the binary using go:embed, ensuring
// they're available in production deployments without requiring external
// files. Each backend has its own directory because the DDL differs
// (JSONB vs TEXT, TIMESTAMPTZ vs TIMESTAMP).
func runMigrations(cfg Config, db *sqlx.DB) error {
	dir := "migrations/" + cfg.Type

	hasMigrations, err := hasEmbeddedMigrations(dir)
	if err != nil {
		return fmt.Errorf("failed to check embedded migrations: %w", err)
	}
	if !hasMigrations {
		return fmt.Errorf("no embedded migration files found for %s backend", cfg.Type)
	}

	var driver database.Driver
	if cfg.IsPostgres() {
		driver, err = migratepg.WithInstance(db.DB, &migratepg.Config{})
	} else {
		driver, err = migratesqlite.WithInstance(db.DB, &migratesqlite.Config{})
	}
	if err != nil {
		return fmt.Errorf("failed to create %s migration driver: %w", cfg.Type, err)
	}

	sourceDriver, err := iofs.New(migrationsFS, dir)
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, cfg.Database, driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}

	err = m.Up()
	if err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	// Close only the migration source driver. We must NOT call m.Close()
	// because that also closes the database driver, which calls db.Close()
	// on the shared *sql.DB passed via WithInstance() - breaking the client.
	if err := sourceDriver.Close(); err != nil {
		return fmt.Errorf("failed to close migration source: %w", err)
	}

	return nil
}
