package migrations

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrationNamesAreUniqueAndOrdered(t *testing.T) {
	names := Names()
	require.NotEmpty(t, names)
	seen := map[string]bool{}
	for i, name := range names {
		assert.False(t, seen[name], "duplicate migration %s", name)
		seen[name] = true
		if i > 0 {
			assert.Less(t, names[i-1], name)
		}
	}
}

// TestRunMigrationsIdempotent needs a PostgreSQL instance reachable via
// QUEUE_DATABASE_URL.
func TestRunMigrationsIdempotent(t *testing.T) {
	dbURL := os.Getenv("QUEUE_DATABASE_URL")
	if dbURL == "" {
		t.Skip("QUEUE_DATABASE_URL not set; skipping DB integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dbURL)
	require.NoError(t, err)
	defer pool.Close()

	require.NoError(t, RunMigrations(ctx, pool))
	require.NoError(t, RunMigrations(ctx, pool))

	var count int
	require.NoError(t, pool.QueryRow(ctx, "SELECT COUNT(*) FROM schema_migrations").Scan(&count))
	assert.GreaterOrEqual(t, count, len(migrations))
}
