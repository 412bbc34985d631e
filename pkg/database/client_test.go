package database

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newSQLiteClient opens an in-memory SQLite client with migrations applied.
// SQLite keeps these tests hermetic; PostgreSQL behavior is covered by the
// integration tests under test/.
func newSQLiteClient(t *testing.T) *Client {
	t.Helper()

	cfg := Config{
		Type: TypeSQLite,
		Path: ":memory:",
	}
	client, err := NewClient(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = client.Close()
	})
	return client
}

func TestNewClientSQLiteMigrations(t *testing.T) {
	client := newSQLiteClient(t)

	// Both tables exist after migrations.
	for _, table := range []string{"agents", "build_queue"} {
		var name string
		err := client.Get(&name,
			`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table)
		require.NoError(t, err, "table %s should exist", table)
		assert.Equal(t, table, name)
	}
}

func TestNewClientSQLiteRoundTrip(t *testing.T) {
	client := newSQLiteClient(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	_, err := client.ExecContext(ctx,
		`INSERT INTO agents (id, name, url, labels, max_builds, current_builds, status, registered_at, last_heartbeat)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		"agent-1", "builder", "http://localhost:9000", `["linux"]`, 2, 0, "online", now, now)
	require.NoError(t, err)

	var got struct {
		ID            string    `db:"id"`
		Name          string    `db:"name"`
		LastHeartbeat time.Time `db:"last_heartbeat"`
	}
	err = client.GetContext(ctx, &got,
		`SELECT id, name, last_heartbeat FROM agents WHERE id = ?`, "agent-1")
	require.NoError(t, err)

	assert.Equal(t, "agent-1", got.ID)
	assert.Equal(t, "builder", got.Name)
	assert.WithinDuration(t, now, got.LastHeartbeat, time.Second)
}

func TestNewClientMigrationsIdempotent(t *testing.T) {
	// Running migrations twice against the same file must be a no-op.
	path := t.TempDir() + "/steward.db"
	cfg := Config{Type: TypeSQLite, Path: path}

	client1, err := NewClient(context.Background(), cfg)
	require.NoError(t, err)
	require.NoError(t, client1.Close())

	client2, err := NewClient(context.Background(), cfg)
	require.NoError(t, err)
	defer client2.Close()

	var count int
	err = client2.Get(&count, `SELECT COUNT(*) FROM agents`)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Run("defaults to postgres", func(t *testing.T) {
		cfg, err := LoadConfigFromEnv()
		require.NoError(t, err)
		assert.Equal(t, TypePostgres, cfg.Type)
		assert.Equal(t, "localhost", cfg.Host)
		assert.Equal(t, 5432, cfg.Port)
		assert.True(t, cfg.IsPostgres())
		assert.Equal(t, "pgx", cfg.DriverName())
	})

	t.Run("sqlite backend", func(t *testing.T) {
		t.Setenv("DB_TYPE", "sqlite")
		t.Setenv("DB_PATH", "/var/lib/steward/steward.db")

		cfg, err := LoadConfigFromEnv()
		require.NoError(t, err)
		assert.Equal(t, TypeSQLite, cfg.Type)
		assert.False(t, cfg.IsPostgres())
		assert.Equal(t, "sqlite", cfg.DriverName())
		assert.Contains(t, cfg.DSN(), "/var/lib/steward/steward.db")
		assert.Contains(t, cfg.DSN(), "busy_timeout")
	})

	t.Run("rejects unknown type", func(t *testing.T) {
		t.Setenv("DB_TYPE", "oracle")

		_, err := LoadConfigFromEnv()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid DB_TYPE")
	})

	t.Run("invalid port", func(t *testing.T) {
		t.Setenv("DB_PORT", "not-a-port")

		_, err := LoadConfigFromEnv()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid DB_PORT")
	})
}

func TestConfigDSNPostgres(t *testing.T) {
	cfg := Config{
		Type:     TypePostgres,
		Host:     "db.internal",
		Port:     5433,
		User:     "steward",
		Password: "pw",
		Database: "steward",
		SSLMode:  "require",
	}
	dsn := cfg.DSN()
	assert.Contains(t, dsn, "host=db.internal")
	assert.Contains(t, dsn, "port=5433")
	assert.Contains(t, dsn, "sslmode=require")
}
