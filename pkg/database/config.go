package database

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Supported database backends.
const (
	TypePostgres = "postgres"
	TypeSQLite   = "sqlite"
)

// Config holds database configuration for either backend.
type Config struct {
	Type string

	// PostgreSQL settings
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string

	// SQLite settings
	Path string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// IsPostgres reports whether the configured backend is PostgreSQL.
func (c Config) IsPostgres() bool {
	return c.Type == TypePostgres
}

// DriverName returns the database/sql driver name for the backend.
func (c Config) DriverName() string {
	if c.IsPostgres() {
		return "pgx"
	}
	return "sqlite"
}

// DSN builds the connection string for the configured backend.
func (c Config) DSN() string {
	if c.IsPostgres() {
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
		)
	}
	// busy_timeout keeps concurrent writers from failing immediately with
	// SQLITE_BUSY; WAL allows readers during writes.
	return fmt.Sprintf(
		"file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)",
		c.Path,
	)
}

// LoadConfigFromEnv loads database configuration from environment variables.
// DB_TYPE selects the backend ("postgres" or "sqlite", default "postgres").
func LoadConfigFromEnv() (Config, error) {
	dbType := strings.ToLower(getEnvOrDefault("DB_TYPE", TypePostgres))
	if dbType != TypePostgres && dbType != TypeSQLite {
		return Config{}, fmt.Errorf("invalid DB_TYPE %q: must be %q or %q", dbType, TypePostgres, TypeSQLite)
	}

	port, err := strconv.Atoi(getEnvOrDefault("DB_PORT", "5432"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid DB_PORT: %w", err)
	}

	maxOpen, _ := strconv.Atoi(getEnvOrDefault("DB_MAX_OPEN_CONNS", "10"))
	maxIdle, _ := strconv.Atoi(getEnvOrDefault("DB_MAX_IDLE_CONNS", "5"))

	return Config{
		Type:            dbType,
		Host:            getEnvOrDefault("DB_HOST", "localhost"),
		Port:            port,
		User:            getEnvOrDefault("DB_USER", "steward"),
		Password:        os.Getenv("DB_PASSWORD"),
		Database:        getEnvOrDefault("DB_NAME", "steward"),
		SSLMode:         getEnvOrDefault("DB_SSLMODE", "disable"),
		Path:            getEnvOrDefault("DB_PATH", "steward.db"),
		MaxOpenConns:    maxOpen,
		MaxIdleConns:    maxIdle,
		ConnMaxLifetime: 30 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
	}, nil
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
