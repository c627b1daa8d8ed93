package roshard

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/wineryhq/winery/internal/objid"
	"github.com/wineryhq/winery/wineryerrors"
)

func TestWriteAndRead_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "deadbeefdeadbeefdeadbeefdeadbeef")

	type kv struct {
		key     objid.ID
		content []byte
	}
	var want []kv
	for i := 0; i < 500; i++ {
		key := objid.SHA256([]byte{byte(i), byte(i >> 8)})
		want = append(want, kv{key: key, content: []byte("object-content-" + string(rune('a'+i%26)))})
	}

	src := func(yield func(objid.ID, []byte) error) error {
		for _, e := range want {
			if err := yield(e.key, e.content); err != nil {
				return err
			}
		}
		return nil
	}

	stats, err := Write(context.Background(), path, Meta{
		ShardName:   "deadbeefdeadbeefdeadbeefdeadbeef",
		CreatedAt:   1730000000,
		ObjectCount: int64(len(want)),
	}, objid.Size, src)
	require.NoError(t, err)
	require.Equal(t, int64(len(want)), stats.Objects)

	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()

	require.Equal(t, "deadbeefdeadbeefdeadbeefdeadbeef", r.ShardName())
	require.Equal(t, int64(len(want)), r.ObjectCount())
	require.Equal(t, int64(1730000000), r.CreatedAt())

	for _, e := range want {
		got, err := r.Get(e.key)
		require.NoError(t, err)
		require.Equal(t, e.content, got)

		ok, err := r.Contains(e.key)
		require.NoError(t, err)
		require.True(t, ok)
	}

	_, err = r.Get(objid.SHA256([]byte("never-inserted")))
	require.ErrorIs(t, err, wineryerrors.NotFound)

	seen := map[string][]byte{}
	require.NoError(t, r.Iter(func(e Entry) error {
		seen[e.Key.String()] = e.Content
		return nil
	}))
	require.Len(t, seen, len(want))
	for _, e := range want {
		require.Equal(t, e.content, seen[e.key.String()])
	}
}

func TestWrite_RejectsEmptyShard(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "empty")
	_, err := Write(context.Background(), path, Meta{ShardName: "empty"}, objid.Size, func(yield func(objid.ID, []byte) error) error {
		return nil
	})
	require.Error(t, err)
}

func TestWrite_RejectsWrongKeyWidth(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "badwidth")
	_, err := Write(context.Background(), path, Meta{ShardName: "badwidth"}, objid.Size, func(yield func(objid.ID, []byte) error) error {
		return yield(objid.ID([]byte("short")), []byte("x"))
	})
	require.Error(t, err)
}
