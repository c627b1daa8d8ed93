package catalog

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// openTestCatalog connects to WINERY_TEST_DATABASE_URL and applies
// migrations. The catalog is inherently a real-Postgres dependency;
// there is no in-memory fake for its ENUMs, BRIN indexes, and
// conditional UPDATEs, so this suite is skipped unless a database is
// configured.
func openTestCatalog(t *testing.T) *Catalog {
	t.Helper()
	dsn := os.Getenv("WINERY_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("WINERY_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	cat, err := Open(ctx, dsn, "winery-test")
	require.NoError(t, err)
	require.NoError(t, cat.Migrate(ctx))
	t.Cleanup(cat.Close)
	return cat
}

func TestShardLifecycle(t *testing.T) {
	cat := openTestCatalog(t)
	ctx := context.Background()

	writer := uuid.New()
	shard, err := cat.AcquireStandby(ctx, writer)
	require.NoError(t, err)
	require.Equal(t, ShardStandby, shard.State)
	require.Len(t, shard.Name, 32)

	require.NoError(t, cat.MarkWriting(ctx, shard.ID, writer))
	require.NoError(t, cat.MarkFull(ctx, shard.ID, writer))

	packer := uuid.New()
	acquired, err := cat.TryAcquirePacking(ctx, shard.ID, packer)
	require.NoError(t, err)
	require.True(t, acquired)

	otherPacker := uuid.New()
	acquiredAgain, err := cat.TryAcquirePacking(ctx, shard.ID, otherPacker)
	require.NoError(t, err)
	require.False(t, acquiredAgain, "a second packer must not win the same shard")

	require.NoError(t, cat.MarkPacked(ctx, shard.ID, packer))

	cleaner := uuid.New()
	cleanAcquired, err := cat.TryAcquireCleaning(ctx, shard.ID, cleaner)
	require.NoError(t, err)
	require.True(t, cleanAcquired)

	require.NoError(t, cat.MarkReadonly(ctx, shard.ID, cleaner))

	got, err := cat.GetShard(ctx, shard.ID)
	require.NoError(t, err)
	require.Equal(t, ShardReadonly, got.State)
	require.Nil(t, got.Locker)
}

func TestMarkWriting_ConflictOnWrongLocker(t *testing.T) {
	cat := openTestCatalog(t)
	ctx := context.Background()

	writer := uuid.New()
	shard, err := cat.AcquireStandby(ctx, writer)
	require.NoError(t, err)

	err = cat.MarkWriting(ctx, shard.ID, uuid.New())
	require.Error(t, err)
}

func TestAppendMappedHost_Idempotent(t *testing.T) {
	cat := openTestCatalog(t)
	ctx := context.Background()

	writer := uuid.New()
	shard, err := cat.AcquireStandby(ctx, writer)
	require.NoError(t, err)

	require.NoError(t, cat.AppendMappedHost(ctx, shard.ID, "host-a"))
	require.NoError(t, cat.AppendMappedHost(ctx, shard.ID, "host-a"))

	got, err := cat.GetShard(ctx, shard.ID)
	require.NoError(t, err)
	require.Equal(t, []string{"host-a"}, got.MappedOnHostsWhenPacked)
}

func TestReclaimStalePacking_ReturnsShardToFull(t *testing.T) {
	cat := openTestCatalog(t)
	ctx := context.Background()

	writer := uuid.New()
	shard, err := cat.AcquireStandby(ctx, writer)
	require.NoError(t, err)
	require.NoError(t, cat.MarkWriting(ctx, shard.ID, writer))
	require.NoError(t, cat.MarkFull(ctx, shard.ID, writer))

	packer := uuid.New()
	acquired, err := cat.TryAcquirePacking(ctx, shard.ID, packer)
	require.NoError(t, err)
	require.True(t, acquired)

	// Simulate a packer that crashed mid-pack: back-date locker_ts past
	// the reclaim window instead of waiting for it to actually elapse.
	_, err = cat.Pool().Exec(ctx, `UPDATE shards SET locker_ts = now() - interval '1 hour' WHERE id = $1`, shard.ID)
	require.NoError(t, err)

	reclaimed, err := cat.ReclaimStalePacking(ctx, time.Minute)
	require.NoError(t, err)
	require.Contains(t, reclaimed, shard.ID)

	got, err := cat.GetShard(ctx, shard.ID)
	require.NoError(t, err)
	require.Equal(t, ShardFull, got.State)
	require.Nil(t, got.Locker)

	// A subsequent packer must be able to re-acquire it.
	acquired, err = cat.TryAcquirePacking(ctx, shard.ID, uuid.New())
	require.NoError(t, err)
	require.True(t, acquired)
}
