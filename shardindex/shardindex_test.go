package shardindex

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/wineryhq/winery/catalog"
	"github.com/wineryhq/winery/internal/objid"
	"github.com/wineryhq/winery/wineryerrors"
)

func openTestIndex(t *testing.T) (*Index, *catalog.Catalog) {
	t.Helper()
	dsn := os.Getenv("WINERY_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("WINERY_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	cat, err := catalog.Open(ctx, dsn, "winery-test")
	require.NoError(t, err)
	require.NoError(t, cat.Migrate(ctx))
	t.Cleanup(cat.Close)
	return New(cat), cat
}

func newShard(t *testing.T, cat *catalog.Catalog) int64 {
	t.Helper()
	ctx := context.Background()
	shard, err := cat.AcquireStandby(ctx, uuid.New())
	require.NoError(t, err)
	return shard.ID
}

func TestInsertInflight_ThenPresent(t *testing.T) {
	idx, cat := openTestIndex(t)
	ctx := context.Background()
	shardID := newShard(t, cat)
	id := objid.SHA256([]byte("hello"))

	created, existing, err := idx.InsertInflight(ctx, id, shardID)
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, shardID, existing.ShardID)
	require.Equal(t, catalog.SignatureInflight, existing.State)

	_, err = idx.LookupPresent(ctx, id)
	require.ErrorIs(t, err, wineryerrors.NotFound, "inflight is not visible to readers")

	require.NoError(t, idx.MarkPresent(ctx, id))

	e, err := idx.LookupPresent(ctx, id)
	require.NoError(t, err)
	require.Equal(t, shardID, e.ShardID)
}

func TestInsertInflight_ConcurrentWriterReturnsExisting(t *testing.T) {
	idx, cat := openTestIndex(t)
	ctx := context.Background()
	shardA := newShard(t, cat)
	shardB := newShard(t, cat)
	id := objid.SHA256([]byte("racing write"))

	created, _, err := idx.InsertInflight(ctx, id, shardA)
	require.NoError(t, err)
	require.True(t, created)

	created, existing, err := idx.InsertInflight(ctx, id, shardB)
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, shardA, existing.ShardID, "second writer must see the first writer's shard")
}

func TestDeleteAndUndelete(t *testing.T) {
	idx, cat := openTestIndex(t)
	ctx := context.Background()
	shardID := newShard(t, cat)
	id := objid.SHA256([]byte("deletable"))

	_, _, err := idx.InsertInflight(ctx, id, shardID)
	require.NoError(t, err)
	require.NoError(t, idx.MarkPresent(ctx, id))

	require.NoError(t, idx.MarkDeleted(ctx, id))
	_, err = idx.LookupPresent(ctx, id)
	require.ErrorIs(t, err, wineryerrors.NotFound)

	require.NoError(t, idx.Undelete(ctx, id))
	e, err := idx.LookupPresent(ctx, id)
	require.NoError(t, err)
	require.Equal(t, shardID, e.ShardID, "undelete must route back to the original shard")
}

func TestMarkPresent_NotFoundWhenNeverInserted(t *testing.T) {
	idx, _ := openTestIndex(t)
	ctx := context.Background()
	id := objid.SHA256([]byte("never written"))
	err := idx.MarkPresent(ctx, id)
	require.ErrorIs(t, err, wineryerrors.NotFound)
}
