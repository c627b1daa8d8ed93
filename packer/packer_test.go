package packer

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/wineryhq/winery/catalog"
	"github.com/wineryhq/winery/pool/directory"
	"github.com/wineryhq/winery/roshard"
	"github.com/wineryhq/winery/rwshard"
)

// openTestCatalog mirrors catalog_test.go's gate: the packer's state
// transitions are only meaningful against a real Postgres instance.
func openTestCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	dsn := os.Getenv("WINERY_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("WINERY_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	cat, err := catalog.Open(ctx, dsn, "winery-packer-test")
	require.NoError(t, err)
	require.NoError(t, cat.Migrate(ctx))
	t.Cleanup(cat.Close)
	return cat
}

func TestPackOne_FullShardBecomesPacked(t *testing.T) {
	cat := openTestCatalog(t)
	ctx := context.Background()

	writer := uuid.New()
	shard, err := cat.AcquireStandby(ctx, writer)
	require.NoError(t, err)
	require.NoError(t, cat.MarkWriting(ctx, shard.ID, writer))

	rw, err := rwshard.Open(cat.Pool(), shard.Name)
	require.NoError(t, err)
	require.NoError(t, rw.Create(ctx))

	keys := make([]string, 0, 20)
	for i := 0; i < 20; i++ {
		key := make([]byte, 32)
		key[0] = byte(i)
		content := []byte{byte(i), byte(i), byte(i)}
		_, err := rw.Add(ctx, key, content)
		require.NoError(t, err)
		keys = append(keys, string(key))
	}
	require.NoError(t, cat.MarkFull(ctx, shard.ID, writer))

	dir := t.TempDir()
	storage, err := directory.Open(dir, "test-pool")
	require.NoError(t, err)

	pk := New(cat, storage, 32, Config{BuildDir: t.TempDir()})
	require.NoError(t, pk.Tick(ctx))

	got, err := cat.GetShard(ctx, shard.ID)
	require.NoError(t, err)
	require.Equal(t, catalog.ShardPacked, got.State)
	require.Nil(t, got.Locker)

	r, err := storage.OpenRO(ctx, shard.Name)
	require.NoError(t, err)
	defer r.Close()

	roReader, err := roshard.OpenAt(r, r, r.Size(), shard.Name)
	require.NoError(t, err)
	defer roReader.Close()

	require.Equal(t, int64(20), roReader.ObjectCount())
	for i, key := range keys {
		content, err := roReader.Get([]byte(key))
		require.NoError(t, err)
		require.Equal(t, []byte{byte(i), byte(i), byte(i)}, content)
	}
}

func TestTick_NoFullShards_NoOp(t *testing.T) {
	cat := openTestCatalog(t)
	ctx := context.Background()

	dir := t.TempDir()
	storage, err := directory.Open(dir, "test-pool")
	require.NoError(t, err)

	pk := New(cat, storage, 32, Config{})
	require.NoError(t, pk.Tick(ctx))
}
