// Package packer implements the full→packing→packed state machine:
// for each full RW-shard, build an immutable RO-shard file on the
// pool, verify it, and advance the catalog, with an errgroup-per-tick
// fan-out across candidate shards bounded by a semaphore (generalized
// from fanning out over RPC calls to fanning out over candidate shards).
package packer

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math/rand"
	"os"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"github.com/wineryhq/winery/catalog"
	"github.com/wineryhq/winery/internal/objid"
	"github.com/wineryhq/winery/pool"
	"github.com/wineryhq/winery/roshard"
	"github.com/wineryhq/winery/rwshard"
)

// Config controls one packer's behavior.
type Config struct {
	// Concurrency bounds how many shards are packed in parallel within
	// one Tick.
	Concurrency int
	// ReclaimAfter bounds how long a packing shard may sit locked
	// before a subsequent packer reclaims it. Zero means catalog's own
	// default (10 minutes).
	ReclaimAfter time.Duration
	// CleanImmediately has the packer proceed straight to cleaning
	// instead of waiting for an external cleaner.
	CleanImmediately bool
	// VerifySampleSize bounds how many keys are sampled and re-read
	// from the freshly written RO-shard file before trusting it.
	VerifySampleSize int
	// PollInterval is how often Run calls Tick.
	PollInterval time.Duration
	// BuildDir is where RO-shard files are assembled locally before
	// being streamed to the pool. An empty value uses os.TempDir.
	BuildDir string
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.VerifySampleSize <= 0 {
		c.VerifySampleSize = 32
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	return c
}

// Packer drives the full→packing→packed edge against one catalog and
// pool, for as many shards as its tick finds.
type Packer struct {
	cat     *catalog.Catalog
	storage pool.Pool
	cfg     Config
	id      uuid.UUID
	idWidth int
}

func New(cat *catalog.Catalog, storage pool.Pool, idWidth int, cfg Config) *Packer {
	return &Packer{cat: cat, storage: storage, cfg: cfg.withDefaults(), id: uuid.New(), idWidth: idWidth}
}

// Run loops Tick until ctx is canceled.
func (pk *Packer) Run(ctx context.Context) error {
	ticker := time.NewTicker(pk.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if err := pk.Tick(ctx); err != nil && ctx.Err() == nil {
			klog.Errorf("packer: tick: %v", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick reclaims stale packing locks, then fans out over every full
// shard, bounded by Config.Concurrency.
func (pk *Packer) Tick(ctx context.Context) error {
	if reclaimed, err := pk.cat.ReclaimStalePacking(ctx, pk.cfg.ReclaimAfter); err != nil {
		return fmt.Errorf("packer: reclaim stale packing: %w", err)
	} else if len(reclaimed) > 0 {
		klog.Infof("packer: reclaimed %d stale packing shard(s)", len(reclaimed))
	}

	shards, err := pk.cat.ListByState(ctx, catalog.ShardFull)
	if err != nil {
		return fmt.Errorf("packer: list full shards: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(pk.cfg.Concurrency)
	for _, shard := range shards {
		shard := shard
		g.Go(func() error {
			if err := pk.packOne(gctx, shard); err != nil {
				klog.Errorf("packer: pack shard %d (%s): %v", shard.ID, shard.Name, err)
			}
			return nil // one shard's failure must not abort the whole tick
		})
	}
	return g.Wait()
}

// packOne drives one shard through acquire→build→publish→verify→mark packed.
func (pk *Packer) packOne(ctx context.Context, shard catalog.Shard) (err error) {
	acquired, err := pk.cat.TryAcquirePacking(ctx, shard.ID, pk.id)
	if err != nil {
		return fmt.Errorf("acquire packing: %w", err)
	}
	if !acquired {
		return nil // another packer won the race
	}
	defer func() {
		if err != nil {
			if unlockErr := pk.cat.UnlockToFull(ctx, shard.ID, pk.id); unlockErr != nil {
				klog.Errorf("packer: unlock shard %d after failure: %v (original: %v)", shard.ID, unlockErr, err)
			}
		}
	}()

	rw, err := rwshard.Open(pk.cat.Pool(), shard.Name)
	if err != nil {
		return fmt.Errorf("open rw-shard: %w", err)
	}

	count, err := rw.Count(ctx)
	if err != nil {
		return fmt.Errorf("count rw-shard: %w", err)
	}
	size, err := rw.Size(ctx)
	if err != nil {
		return fmt.Errorf("size rw-shard: %w", err)
	}

	localPath, cleanup, err := pk.buildLocal(ctx, shard, count, rw)
	if err != nil {
		return fmt.Errorf("build ro-shard: %w", err)
	}
	defer cleanup()

	if err := pk.publish(ctx, shard.Name, localPath, size); err != nil {
		return fmt.Errorf("publish to pool: %w", err)
	}

	if err := pk.verify(ctx, shard); err != nil {
		return fmt.Errorf("verify: %w", err)
	}

	if err := pk.cat.MarkPacked(ctx, shard.ID, pk.id); err != nil {
		return fmt.Errorf("mark packed: %w", err)
	}
	klog.Infof("packer: shard %d (%s) packed, %d objects", shard.ID, shard.Name, count)

	if pk.cfg.CleanImmediately {
		if cleanErr := pk.cleanNow(ctx, shard); cleanErr != nil {
			klog.Errorf("packer: clean_immediately shard %d: %v", shard.ID, cleanErr)
		}
	}
	return nil
}

// buildLocal assembles the RO-shard file on local disk, streaming
// (key, bytes) pairs from the RW-shard iterator.
func (pk *Packer) buildLocal(ctx context.Context, shard catalog.Shard, count int64, rw *rwshard.Shard) (path string, cleanup func(), err error) {
	dir := pk.cfg.BuildDir
	if dir == "" {
		dir = os.TempDir()
	}
	f, err := os.CreateTemp(dir, ".roshard-build-"+shard.Name+"-*")
	if err != nil {
		return "", nil, err
	}
	localPath := f.Name()
	f.Close()
	os.Remove(localPath)
	cleanup = func() { os.Remove(localPath) }

	src := func(yield func(objid.ID, []byte) error) error {
		return rw.Iter(ctx, func(e rwshard.Entry) error {
			return yield(e.Key, e.Content)
		})
	}

	_, err = roshard.Write(ctx, localPath, roshard.Meta{
		ShardName:   shard.Name,
		CreatedAt:   time.Now().Unix(),
		ObjectCount: count,
	}, pk.idWidth, src)
	if err != nil {
		cleanup()
		return "", nil, err
	}
	return localPath, cleanup, nil
}

// publish streams the locally built file into the pool under the
// shard's name, finalizing it on success and aborting on failure.
func (pk *Packer) publish(ctx context.Context, name, localPath string, sizeHint int64) error {
	local, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer local.Close()
	info, err := local.Stat()
	if err != nil {
		return err
	}

	w, err := pk.storage.Create(ctx, name, info.Size())
	if err != nil {
		return fmt.Errorf("create pool writer: %w", err)
	}

	const chunkSize = 4 << 20
	buf := make([]byte, chunkSize)
	var offset int64
	for {
		if err := ctx.Err(); err != nil {
			w.Abort(ctx)
			return err
		}
		n, readErr := local.ReadAt(buf, offset)
		if n > 0 {
			if _, writeErr := w.WriteAt(buf[:n], offset); writeErr != nil {
				w.Abort(ctx)
				return fmt.Errorf("write to pool: %w", writeErr)
			}
			offset += int64(n)
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			w.Abort(ctx)
			return fmt.Errorf("read local build file: %w", readErr)
		}
	}

	if err := w.Finalize(ctx); err != nil {
		return fmt.Errorf("finalize pool writer: %w", err)
	}
	return nil
}

func (pk *Packer) verify(ctx context.Context, shard catalog.Shard) error {
	r, err := pk.storage.OpenRO(ctx, shard.Name)
	if err != nil {
		return fmt.Errorf("open for verify: %w", err)
	}
	defer r.Close()

	roReader, err := roshard.OpenAt(r, r, r.Size(), shard.Name)
	if err != nil {
		return fmt.Errorf("open roshard for verify: %w", err)
	}
	defer roReader.Close()

	sample := pk.cfg.VerifySampleSize
	var checked int
	err = roReader.Iter(func(e roshard.Entry) error {
		if checked >= sample {
			return errStopIteration
		}
		if checked > 0 && rand.Intn(3) != 0 {
			return nil
		}
		got, getErr := roReader.Get(e.Key)
		if getErr != nil {
			return fmt.Errorf("sampled key %s: %w", e.Key.String(), getErr)
		}
		if !bytes.Equal(got, e.Content) {
			return fmt.Errorf("sampled key %s: content mismatch", e.Key.String())
		}
		checked++
		return nil
	})
	if err != nil && err != errStopIteration {
		return err
	}
	return nil
}

var errStopIteration = fmt.Errorf("packer: sampled enough keys")

func (pk *Packer) cleanNow(ctx context.Context, shard catalog.Shard) error {
	acquired, err := pk.cat.TryAcquireCleaning(ctx, shard.ID, pk.id)
	if err != nil {
		return fmt.Errorf("acquire cleaning: %w", err)
	}
	if !acquired {
		return nil
	}
	rw, err := rwshard.Open(pk.cat.Pool(), shard.Name)
	if err != nil {
		return err
	}
	if err := rw.Drop(ctx); err != nil {
		return fmt.Errorf("drop rw-shard: %w", err)
	}
	return pk.cat.MarkReadonly(ctx, shard.ID, pk.id)
}
