// Package database provides the shared PostgreSQL harness for integration
// tests. Most packages test against in-memory SQLite; the tests that need
// real PostgreSQL semantics (guarded claims under contention, session
// advisory locks) use this harness instead.
package database

import (
	"context"
	"crypto/rand"
	stdsql "database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/steward-ci/steward/pkg/database"
)

var (
	// Shared connection string for all tests in local dev
	sharedConnStr string
	containerOnce sync.Once
	containerErr  error
)

// SetupTestDB creates an isolated PostgreSQL schema for one test, runs
// migrations in it, and returns a connected client. Both CI and local dev
// use per-test schemas:
//   - CI: connects to the external PostgreSQL behind CI_DATABASE_URL
//   - Local: starts one shared testcontainer per test binary
func SetupTestDB(t *testing.T) *database.Client {
	t.Helper()
	ctx := context.Background()

	connStr := BaseConnectionString(t)
	schemaName := generateSchemaName(t)

	// Create the test schema on a throwaway connection.
	db, err := stdsql.Open("pgx", connStr)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, fmt.Sprintf("CREATE SCHEMA %s", schemaName))
	require.NoError(t, err)
	_ = db.Close()

	// Reconnect with search_path pinned so every pooled connection, and
	// the migrations, land in the test schema.
	client, err := database.NewPostgresClientFromURL(ctx, addSearchPath(connStr, schemaName))
	require.NoError(t, err)

	t.Cleanup(func() {
		_, err := client.ExecContext(context.Background(),
			fmt.Sprintf("DROP SCHEMA IF EXISTS %s CASCADE", schemaName))
		if err != nil {
			t.Logf("Warning: failed to drop schema %s: %v", schemaName, err)
		}
		_ = client.Close()
	})

	return client
}

// SecondClient opens another client into the same schema as primary, for
// tests that simulate a second master replica against one database.
func SecondClient(t *testing.T, connStrWithSchema string) *database.Client {
	t.Helper()
	client, err := database.NewPostgresClientFromURL(context.Background(), connStrWithSchema)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

// SetupSharedSchema creates one schema and returns its connection string,
// for tests that need several independent clients (replica simulations).
// Migrations run once; callers open clients with SecondClient.
func SetupSharedSchema(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	connStr := BaseConnectionString(t)
	schemaName := generateSchemaName(t)

	db, err := stdsql.Open("pgx", connStr)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, fmt.Sprintf("CREATE SCHEMA %s", schemaName))
	require.NoError(t, err)

	t.Cleanup(func() {
		_, err := db.ExecContext(context.Background(),
			fmt.Sprintf("DROP SCHEMA IF EXISTS %s CASCADE", schemaName))
		if err != nil {
			t.Logf("Warning: failed to drop schema %s: %v", schemaName, err)
		}
		_ = db.Close()
	})

	connStrWithSchema := addSearchPath(connStr, schemaName)

	// Run migrations once; replica clients find the schema ready.
	client, err := database.NewPostgresClientFromURL(ctx, connStrWithSchema)
	require.NoError(t, err)
	_ = client.Close()

	return connStrWithSchema
}

// BaseConnectionString returns the PostgreSQL connection string without a
// schema search_path. In CI it comes from CI_DATABASE_URL; locally a
// shared testcontainer is started once per test binary.
func BaseConnectionString(t *testing.T) string {
	if ciDatabaseURL := os.Getenv("CI_DATABASE_URL"); ciDatabaseURL != "" {
		t.Log("Using external PostgreSQL from CI_DATABASE_URL")
		return ciDatabaseURL
	}

	containerOnce.Do(func() {
		ctx := context.Background()
		t.Log("Starting shared PostgreSQL testcontainer")

		pgContainer, err := postgres.Run(ctx,
			"postgres:17-alpine",
			postgres.WithDatabase("steward_test"),
			postgres.WithUsername("steward"),
			postgres.WithPassword("steward"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second)),
		)
		if err != nil {
			containerErr = fmt.Errorf("failed to start postgres container: %w", err)
			return
		}

		connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
		if err != nil {
			containerErr = fmt.Errorf("failed to get connection string: %w", err)
			return
		}

		sharedConnStr = connStr
	})

	require.NoError(t, containerErr, "Failed to setup shared test container")
	return sharedConnStr
}

// generateSchemaName creates a unique, PostgreSQL-safe schema name.
// Format: test_<sanitized_test_name>_<random_hex>
func generateSchemaName(t *testing.T) string {
	testName := strings.ToLower(t.Name())
	testName = strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			return r
		}
		return '_'
	}, testName)

	// PostgreSQL identifiers cap at 63 characters.
	if len(testName) > 40 {
		testName = testName[:40]
	}

	randomBytes := make([]byte, 4)
	if _, err := rand.Read(randomBytes); err != nil {
		t.Fatalf("failed to generate random bytes for schema name: %v", err)
	}
	return fmt.Sprintf("test_%s_%s", testName, hex.EncodeToString(randomBytes))
}

// addSearchPath appends a search_path parameter so every pooled
// connection uses the given schema.
func addSearchPath(connStr, schemaName string) string {
	separator := "?"
	if strings.Contains(connStr, "?") {
		separator = "&"
	}
	return fmt.Sprintf("%s%ssearch_path=%s", connStr, separator, schemaName)
}
