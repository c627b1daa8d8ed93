package phash

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"io/fs"
	"math/rand"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func itob(i uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, i)
	return b
}

func btoi(b []byte) uint64 {
	return binary.LittleEndian.Uint64(b)
}

func TestBuilder_RoundTrip(t *testing.T) {
	const numBuckets = 3
	const valueSize = 8

	builder, err := NewBuilder("", numBuckets*targetEntriesPerBucket, valueSize)
	require.NoError(t, err)
	require.NotNil(t, builder)
	assert.Len(t, builder.buckets, numBuckets)

	require.NoError(t, builder.Insert([]byte("hello"), itob(1)))
	require.NoError(t, builder.Insert([]byte("world"), itob(2)))
	require.NoError(t, builder.Insert([]byte("blub"), itob(3)))

	targetFile, err := os.CreateTemp("", "phash-final-")
	require.NoError(t, err)
	defer os.Remove(targetFile.Name())
	defer targetFile.Close()

	require.NoError(t, builder.SealAndClose(context.Background(), targetFile))

	_, statErr := os.Stat(builder.tmpDir)
	assert.Truef(t, errors.Is(statErr, fs.ErrNotExist), "temp dir was not cleaned up: %v", statErr)

	_, seekErr := targetFile.Seek(0, io.SeekStart)
	require.NoError(t, seekErr)

	db, err := Open(targetFile)
	require.NoError(t, err)
	require.NotNil(t, db)

	assert.Equal(t, uint64(valueSize), db.Header.ValueSize)
	assert.Equal(t, uint32(numBuckets), db.Header.NumBuckets)

	for _, tc := range []struct {
		key   string
		value []byte
	}{
		{"hello", itob(1)},
		{"world", itob(2)},
		{"blub", itob(3)},
	} {
		got, err := db.Lookup([]byte(tc.key))
		require.NoError(t, err, "lookup of %q", tc.key)
		assert.Equal(t, tc.value, got)
	}

	_, err = db.Lookup([]byte("missing"))
	assert.True(t, IsNotFound(err))

	_, wantErr := db.GetBucket(numBuckets)
	assert.Error(t, wantErr)
}

func TestBuilder_Random(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping long randomized test")
	}

	const numKeys = uint(200000)
	const keySize = uint(16)
	const valueSize = 8
	const queries = 5000

	builder, err := NewBuilder("", numKeys, valueSize)
	require.NoError(t, err)
	require.NotEmpty(t, builder.buckets)

	key := make([]byte, keySize)
	values := make(map[uint64]uint64, numKeys)
	for i := uint(0); i < numKeys; i++ {
		binary.LittleEndian.PutUint64(key, uint64(i))
		v := uint64(rand.Int63n(100000)) + 1
		require.NoError(t, builder.Insert(append([]byte(nil), key...), itob(v)))
		values[uint64(i)] = v
	}

	targetFile, err := os.CreateTemp("", "phash-final-")
	require.NoError(t, err)
	defer os.Remove(targetFile.Name())
	defer targetFile.Close()

	require.NoError(t, builder.SealAndClose(context.Background(), targetFile))

	_, seekErr := targetFile.Seek(0, io.SeekStart)
	require.NoError(t, seekErr)
	db, err := Open(targetFile)
	require.NoError(t, err)

	started := time.Now()
	for i := 0; i < queries; i++ {
		keyN := uint64(rand.Int63n(int64(numKeys)))
		binary.LittleEndian.PutUint64(key, keyN)
		value, err := db.Lookup(key)
		require.NoError(t, err)
		assert.Equal(t, values[keyN], btoi(value))
	}
	t.Logf("queried %d keys in %s", queries, time.Since(started))
}
