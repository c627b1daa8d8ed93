package poolmanager

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/wineryhq/winery/catalog"
	"github.com/wineryhq/winery/pool/directory"
)

func openTestCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	dsn := os.Getenv("WINERY_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("WINERY_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	cat, err := catalog.Open(ctx, dsn, "winery-poolmanager-test")
	require.NoError(t, err)
	require.NoError(t, cat.Migrate(ctx))
	t.Cleanup(cat.Close)
	return cat
}

func TestTick_MapsPackedShardAndRecordsHost(t *testing.T) {
	cat := openTestCatalog(t)
	ctx := context.Background()

	writer := uuid.New()
	shard, err := cat.AcquireStandby(ctx, writer)
	require.NoError(t, err)
	require.NoError(t, cat.MarkWriting(ctx, shard.ID, writer))
	require.NoError(t, cat.MarkFull(ctx, shard.ID, writer))

	packer := uuid.New()
	ok, err := cat.TryAcquirePacking(ctx, shard.ID, packer)
	require.NoError(t, err)
	require.True(t, ok)

	storage, err := directory.Open(t.TempDir(), "test-pool")
	require.NoError(t, err)
	w, err := storage.Create(ctx, shard.Name, 0)
	require.NoError(t, err)
	_, err = w.WriteAt([]byte("fake-ro-shard-bytes"), 0)
	require.NoError(t, err)
	require.NoError(t, w.Finalize(ctx))
	require.NoError(t, cat.MarkPacked(ctx, shard.ID, packer))

	mgr, err := New(cat, storage, Config{Hostname: "test-host-1"})
	require.NoError(t, err)
	require.NoError(t, mgr.Tick(ctx))

	got, err := cat.GetShard(ctx, shard.ID)
	require.NoError(t, err)
	require.Equal(t, []string{"test-host-1"}, got.MappedOnHostsWhenPacked)

	// Rerunning Tick must stay idempotent.
	require.NoError(t, mgr.Tick(ctx))
	got, err = cat.GetShard(ctx, shard.ID)
	require.NoError(t, err)
	require.Equal(t, []string{"test-host-1"}, got.MappedOnHostsWhenPacked)

	mgr.closeAll()
}
