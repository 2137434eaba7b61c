package postgres_test

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loadforge/platform/internal/postgres"
)

// migrationLockID mirrors the unexported constant in migrate.go so the
// tests can probe and contend for the same advisory lock.
const migrationLockID = 852041173

// testPoolForMigration creates a pool without running migrations first,
// so Migrate itself is what's under test. Skips unless DATABASE_URL
// points at a disposable database.
func testPoolForMigration(t *testing.T) *pgxpool.Pool {
	t.Helper()

	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set, skipping integration test")
	}

	pool, err := postgres.NewPool(context.Background(), url)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

func TestMigrateReleasesAdvisoryLock(t *testing.T) {
	pool := testPoolForMigration(t)
	ctx := context.Background()

	require.NoError(t, postgres.Migrate(ctx, pool))

	// pg_try_advisory_lock succeeds only if no session still holds the
	// migration lock.
	var acquired bool
	err := pool.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", migrationLockID).Scan(&acquired)
	require.NoError(t, err)
	assert.True(t, acquired, "advisory lock should be released after Migrate completes")

	_, err = pool.Exec(ctx, "SELECT pg_advisory_unlock($1)", migrationLockID)
	require.NoError(t, err)
}

func TestMigrateConcurrentCallsAreSerialized(t *testing.T) {
	pool := testPoolForMigration(t)
	ctx := context.Background()

	require.NoError(t, postgres.Migrate(ctx, pool))

	const concurrency = 3
	var wg sync.WaitGroup
	errs := make([]error, concurrency)

	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func(idx int) {
			defer wg.Done()
			errs[idx] = postgres.Migrate(ctx, pool)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		assert.NoError(t, err, "concurrent migration %d should succeed", i)
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	pool := testPoolForMigration(t)
	ctx := context.Background()

	require.NoError(t, postgres.Migrate(ctx, pool))
	require.NoError(t, postgres.Migrate(ctx, pool))

	var count int
	err := pool.QueryRow(ctx, "SELECT count(*) FROM schema_migrations").Scan(&count)
	require.NoError(t, err)
	assert.Greater(t, count, 0, "should have at least one recorded migration")
}

func TestMigrateFailsWhileLockHeldElsewhere(t *testing.T) {
	pool := testPoolForMigration(t)
	ctx := context.Background()

	// Hold the lock on a separate connection, standing in for another
	// instance mid-migration.
	lockConn, err := pool.Acquire(ctx)
	require.NoError(t, err)
	defer lockConn.Release()

	_, err = lockConn.Exec(ctx, "SELECT pg_advisory_lock($1)", migrationLockID)
	require.NoError(t, err)

	shortCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	err = postgres.Migrate(shortCtx, pool)
	assert.Error(t, err, "Migrate should fail while the lock is held and the context expires")

	_, err = lockConn.Exec(ctx, "SELECT pg_advisory_unlock($1)", migrationLockID)
	require.NoError(t, err)
}
