package winery

import (
	"context"
	"fmt"
	"sync"

	"github.com/wineryhq/winery/catalog"
	"github.com/wineryhq/winery/internal/objid"
	"github.com/wineryhq/winery/pool"
	"github.com/wineryhq/winery/roshard"
	"github.com/wineryhq/winery/rwshard"
	"github.com/wineryhq/winery/shardindex"
	"github.com/wineryhq/winery/wineryerrors"
)

// shardReader is the common shape that rwshard.Shard satisfies directly
// and roAdapter provides for roshard.Reader, letting Reader.Get/Contains
// be agnostic to which tier currently holds an object's bytes.
type shardReader interface {
	Get(ctx context.Context, key objid.ID) ([]byte, error)
	Contains(ctx context.Context, key objid.ID) (bool, error)
}

// *rwshard.Shard already satisfies shardReader as-is. roAdapter papers
// over roshard.Reader's slightly different signature (its Get/Contains
// take no ctx, since file reads aren't cancelable mid-syscall) so
// Reader can hold one shardReader interface value regardless of tier.
type roAdapter struct {
	*roshard.Reader
	poolReader pool.Reader
}

func (a roAdapter) Get(ctx context.Context, key objid.ID) ([]byte, error) { return a.Reader.Get(key) }
func (a roAdapter) Contains(ctx context.Context, key objid.ID) (bool, error) {
	return a.Reader.Contains(key)
}
func (a roAdapter) Close() error { return a.poolReader.Close() }

// Reader serves get/contains/iter against whichever tier currently
// holds each object, caching open RO-shard handles by shard id so a hot
// read path doesn't reopen an RO-shard file every call.
type Reader struct {
	cat     *catalog.Catalog
	idx     *shardindex.Index
	storage pool.Pool

	mu    sync.Mutex
	cache map[int64]shardReader
}

func NewReader(cat *catalog.Catalog, storage pool.Pool) *Reader {
	return &Reader{
		cat:     cat,
		idx:     shardindex.New(cat),
		storage: storage,
		cache:   map[int64]shardReader{},
	}
}

// Get returns the bytes stored under id, or wineryerrors.NotFound if
// absent, deleted, or still inflight.
func (r *Reader) Get(ctx context.Context, id objid.ID) ([]byte, error) {
	entry, err := r.idx.LookupPresent(ctx, id)
	if err != nil {
		return nil, err
	}
	shard, err := r.shardReaderFor(ctx, entry.ShardID)
	if err != nil {
		return nil, err
	}
	return shard.Get(ctx, id)
}

// Contains reports whether id has a present entry with recoverable
// bytes.
func (r *Reader) Contains(ctx context.Context, id objid.ID) (bool, error) {
	entry, err := r.idx.LookupPresent(ctx, id)
	if err != nil {
		if err == wineryerrors.NotFound {
			return false, nil
		}
		return false, err
	}
	shard, err := r.shardReaderFor(ctx, entry.ShardID)
	if err != nil {
		return false, err
	}
	return shard.Contains(ctx, id)
}

// shardReaderFor returns a reader for shardID, choosing the RW-shard
// or RO-shard driver based on the shard's current lifecycle state.
//
// Only RO-tier readers are cached: once a shard is packed its backing
// file never changes again, so a roAdapter stays valid for the rest of
// the shard's life and is worth holding onto (it owns a real open
// handle). An RW-tier shard's state can advance to packed out from
// under a long-lived Reader at any time (the cleaner then drops its
// table), so rwshard.Shard values are never cached; rwshard.Open is a
// cheap struct alloc, not a real open, so rebuilding one per call costs
// nothing and always reflects the shard's current, correct tier.
func (r *Reader) shardReaderFor(ctx context.Context, shardID int64) (shardReader, error) {
	r.mu.Lock()
	if sr, ok := r.cache[shardID]; ok {
		r.mu.Unlock()
		return sr, nil
	}
	r.mu.Unlock()

	shard, err := r.cat.GetShard(ctx, shardID)
	if err != nil {
		return nil, fmt.Errorf("winery: get shard %d: %w", shardID, err)
	}

	switch shard.State {
	case catalog.ShardStandby, catalog.ShardWriting, catalog.ShardFull, catalog.ShardPacking:
		// standby is included: a writer releases an idle (or closed)
		// shard back to standby with its rows still in the table.
		rw, err := rwshard.Open(r.cat.Pool(), shard.Name)
		if err != nil {
			return nil, err
		}
		return rw, nil
	case catalog.ShardPacked, catalog.ShardCleaning, catalog.ShardReadonly:
		pr, err := r.storage.OpenRO(ctx, shard.Name)
		if err != nil {
			return nil, fmt.Errorf("winery: open ro-shard %s: %w", shard.Name, err)
		}
		ro, err := roshard.OpenAt(pr, pr, pr.Size(), shard.Name)
		if err != nil {
			pr.Close()
			return nil, fmt.Errorf("winery: open roshard %s: %w", shard.Name, err)
		}
		sr := roAdapter{Reader: ro, poolReader: pr}
		r.mu.Lock()
		r.cache[shardID] = sr
		r.mu.Unlock()
		return sr, nil
	default:
		// every valid shard_state is handled above; anything else is
		// corrupt catalog state.
		return nil, wineryerrors.Corrupt
	}
}

// Iter enumerates every present object id, in no particular order and
// without a snapshot guarantee.
func (r *Reader) Iter(ctx context.Context, fn func(objid.ID) error) error {
	return r.idx.IterPresent(ctx, func(id objid.ID, _ int64) error {
		return fn(id)
	})
}

// Close releases every cached RO-shard handle this reader opened.
func (r *Reader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for id, sr := range r.cache {
		if ro, ok := sr.(roAdapter); ok {
			if err := ro.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		delete(r.cache, id)
	}
	return firstErr
}
