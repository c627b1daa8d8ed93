package winery

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wineryhq/winery/catalog"
	"github.com/wineryhq/winery/cleaner"
	"github.com/wineryhq/winery/internal/objid"
	"github.com/wineryhq/winery/packer"
	"github.com/wineryhq/winery/pool/directory"
	"github.com/wineryhq/winery/wineryerrors"
)

func openTestCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	dsn := os.Getenv("WINERY_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("WINERY_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	cat, err := catalog.Open(ctx, dsn, "winery-root-test")
	require.NoError(t, err)
	require.NoError(t, cat.Migrate(ctx))
	t.Cleanup(cat.Close)
	return cat
}

func TestAddGetContainsDelete_RWTier(t *testing.T) {
	cat := openTestCatalog(t)
	ctx := context.Background()
	storage, err := directory.Open(t.TempDir(), "test-pool")
	require.NoError(t, err)

	w := NewWriter(cat, storage, WriterConfig{MaxShardSize: 1 << 30})
	r := NewReader(cat, storage)
	defer r.Close()

	id := objid.SHA256([]byte("hello"))
	res, err := w.Add(ctx, id, []byte("hello"))
	require.NoError(t, err)
	require.Equal(t, Written, res)

	// idempotent re-add
	res, err = w.Add(ctx, id, []byte("hello"))
	require.NoError(t, err)
	require.Equal(t, Existed, res)

	got, err := r.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), got)

	present, err := r.Contains(ctx, id)
	require.NoError(t, err)
	require.True(t, present)

	require.NoError(t, w.Delete(ctx, id))
	_, err = r.Get(ctx, id)
	require.ErrorIs(t, err, wineryerrors.NotFound)

	require.NoError(t, w.Undelete(ctx, id))
	got, err = r.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), got)
}

func TestIter_EnumeratesPresentObjects(t *testing.T) {
	cat := openTestCatalog(t)
	ctx := context.Background()
	storage, err := directory.Open(t.TempDir(), "test-pool")
	require.NoError(t, err)

	w := NewWriter(cat, storage, WriterConfig{MaxShardSize: 1 << 30})
	r := NewReader(cat, storage)
	defer r.Close()

	want := map[string]bool{}
	for i := 0; i < 5; i++ {
		id := objid.SHA256([]byte{byte(i)})
		_, err := w.Add(ctx, id, []byte{byte(i)})
		require.NoError(t, err)
		want[id.String()] = true
	}

	got := map[string]bool{}
	require.NoError(t, r.Iter(ctx, func(id objid.ID) error {
		got[id.String()] = true
		return nil
	}))
	for k := range want {
		require.True(t, got[k], "missing id %s from iteration", k)
	}
}

func TestAdd_PackImmediately_MovesToRoTier(t *testing.T) {
	cat := openTestCatalog(t)
	ctx := context.Background()
	storage, err := directory.Open(t.TempDir(), "test-pool")
	require.NoError(t, err)

	w := NewWriter(cat, storage, WriterConfig{
		MaxShardSize:    10, // tiny, so the single object below fills it
		PackImmediately: true,
		PackerConfig:    packer.Config{BuildDir: t.TempDir()},
		IDWidth:         objid.Size,
	})
	r := NewReader(cat, storage)
	defer r.Close()

	id := objid.SHA256([]byte("this content is bigger than ten bytes"))
	_, err = w.Add(ctx, id, []byte("this content is bigger than ten bytes"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := r.Get(ctx, id)
		return err == nil && string(got) == "this content is bigger than ten bytes"
	}, 5*time.Second, 50*time.Millisecond)
}

// TestGet_FollowsShardAcrossTiersOnSameReader guards against a Reader
// caching a tier choice made at first open: a long-lived Reader must
// re-resolve the shard's current state on every call, because an
// RW-shard it once read from can be dropped out from under it once the
// shard is packed and cleaned.
func TestGet_FollowsShardAcrossTiersOnSameReader(t *testing.T) {
	cat := openTestCatalog(t)
	ctx := context.Background()
	storage, err := directory.Open(t.TempDir(), "test-pool")
	require.NoError(t, err)

	w := NewWriter(cat, storage, WriterConfig{MaxShardSize: 10, IDWidth: objid.Size})
	r := NewReader(cat, storage)
	defer r.Close()

	content := []byte("this content is bigger than ten bytes")
	id := objid.SHA256(content)
	_, err = w.Add(ctx, id, content)
	require.NoError(t, err)

	// Read once while the shard is still RW-tier (full, not yet packed).
	got, err := r.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, content, got)

	pk := packer.New(cat, storage, objid.Size, packer.Config{BuildDir: t.TempDir()})
	require.NoError(t, pk.Tick(ctx))

	cl := cleaner.New(cat, cleaner.Config{})
	require.NoError(t, cl.Tick(ctx))

	// The RW table is now dropped. The same Reader must resolve the
	// id through the RO tier instead of returning a stale-table error.
	got, err = r.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, content, got)
}
