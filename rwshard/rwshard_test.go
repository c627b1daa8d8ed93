package rwshard

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/wineryhq/winery/internal/objid"
	"github.com/wineryhq/winery/wineryerrors"
)

func openTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("WINERY_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("WINERY_TEST_DATABASE_URL not set")
	}
	pool, err := pgxpool.New(context.Background(), dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

func TestInvalidShardName(t *testing.T) {
	_, err := Open(nil, "not-hex")
	require.Error(t, err)
}

func TestAddGetContainsSizeDrop(t *testing.T) {
	pool := openTestPool(t)
	ctx := context.Background()

	shard, err := Open(pool, "0123456789abcdef0123456789abcdef")
	require.NoError(t, err)
	require.NoError(t, shard.Create(ctx))
	t.Cleanup(func() { _ = shard.Drop(context.Background()) })

	keyA := objid.SHA256([]byte("alpha"))
	keyB := objid.SHA256([]byte("beta"))

	res, err := shard.Add(ctx, keyA, []byte("alpha-bytes"))
	require.NoError(t, err)
	require.Equal(t, Written, res)

	res, err = shard.Add(ctx, keyA, []byte("alpha-bytes"))
	require.NoError(t, err)
	require.Equal(t, Existed, res, "re-adding the same key must be a no-op")

	_, err = shard.Add(ctx, keyB, []byte("beta!!"))
	require.NoError(t, err)

	got, err := shard.Get(ctx, keyA)
	require.NoError(t, err)
	require.Equal(t, []byte("alpha-bytes"), got)

	ok, err := shard.Contains(ctx, keyB)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = shard.Get(ctx, objid.SHA256([]byte("missing")))
	require.ErrorIs(t, err, wineryerrors.NotFound)

	size, err := shard.Size(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(len("alpha-bytes")+len("beta!!")), size)

	count, err := shard.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), count)

	var seen []Entry
	require.NoError(t, shard.Iter(ctx, func(e Entry) error {
		seen = append(seen, e)
		return nil
	}))
	require.Len(t, seen, 2)

	require.NoError(t, shard.Drop(ctx))
	_, err = shard.Get(ctx, keyA)
	require.Error(t, err)
}
