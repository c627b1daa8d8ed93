package directory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/wineryhq/winery/wineryerrors"
)

func TestCreateFinalizeOpenRO(t *testing.T) {
	ctx := context.Background()
	p, err := Open(t.TempDir(), "objects")
	require.NoError(t, err)

	w, err := p.Create(ctx, "shard-a", 0)
	require.NoError(t, err)
	_, err = w.WriteAt([]byte("hello world"), 0)
	require.NoError(t, err)
	require.NoError(t, w.Finalize(ctx))

	r, err := p.OpenRO(ctx, "shard-a")
	require.NoError(t, err)
	defer r.Close()

	buf := make([]byte, r.Size())
	_, err = r.ReadAt(buf, 0)
	require.NoError(t, err)
	require.Equal(t, "hello world", string(buf))

	names, err := p.List(ctx)
	require.NoError(t, err)
	require.Contains(t, names, "shard-a")

	mapped, err := p.HostMapped(ctx, "shard-a")
	require.NoError(t, err)
	require.True(t, mapped)

	require.NoError(t, p.Delete(ctx, "shard-a"))
	_, err = p.OpenRO(ctx, "shard-a")
	require.ErrorIs(t, err, wineryerrors.NotFound)
}

func TestAbort_LeavesNoFinalFile(t *testing.T) {
	ctx := context.Background()
	p, err := Open(t.TempDir(), "objects")
	require.NoError(t, err)

	w, err := p.Create(ctx, "shard-b", 0)
	require.NoError(t, err)
	_, err = w.WriteAt([]byte("partial"), 0)
	require.NoError(t, err)
	require.NoError(t, w.Abort(ctx))

	_, err = p.OpenRO(ctx, "shard-b")
	require.ErrorIs(t, err, wineryerrors.NotFound)

	names, err := p.List(ctx)
	require.NoError(t, err)
	require.NotContains(t, names, "shard-b")
}
