// Package winery composes the catalog, shard index, rwshard, pool,
// and roshard packages into the client-facing add/get/contains/delete/
// iter API. Writer owns one shard at a time (one per Writer instance,
// matching the "acquired by one writer" shard lifecycle rule); Reader
// needs no shard ownership at all.
package winery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"k8s.io/klog/v2"

	"github.com/wineryhq/winery/catalog"
	"github.com/wineryhq/winery/internal/objid"
	"github.com/wineryhq/winery/packer"
	"github.com/wineryhq/winery/pool"
	"github.com/wineryhq/winery/rwshard"
	"github.com/wineryhq/winery/shardindex"
	"github.com/wineryhq/winery/wineryerrors"
)

// AddResult reports whether Add actually wrote new bytes.
type AddResult int

const (
	Written AddResult = iota
	Existed
)

// WriterConfig mirrors config.ShardsConfig plus config.PackerConfig's
// inline-packing knobs.
type WriterConfig struct {
	// Readonly makes NewWriter's Add/Delete/Undelete refuse to start
	// (config.Config.Readonly).
	Readonly     bool
	MaxShardSize int64
	IdleTimeout  time.Duration
	// PackImmediately has Add spawn a one-shot packer tick against the
	// just-filled shard inline, instead of waiting for an external
	// packer process.
	PackImmediately bool
	PackerConfig    packer.Config
	IDWidth         int
}

func (c WriterConfig) withDefaults() WriterConfig {
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 5 * time.Minute
	}
	if c.IDWidth <= 0 {
		c.IDWidth = objid.Size
	}
	return c
}

// Writer adds objects to the store. It owns a single RW-shard at a
// time; Add and Close serialize on an internal mutex.
type Writer struct {
	cat     *catalog.Catalog
	idx     *shardindex.Index
	storage pool.Pool
	cfg     WriterConfig
	locker  uuid.UUID

	mu        sync.Mutex
	shard     *catalog.Shard
	rw        *rwshard.Shard
	lastWrite time.Time
}

func NewWriter(cat *catalog.Catalog, storage pool.Pool, cfg WriterConfig) *Writer {
	return &Writer{
		cat:     cat,
		idx:     shardindex.New(cat),
		storage: storage,
		cfg:     cfg.withDefaults(),
		locker:  uuid.New(),
	}
}

// Add writes content under id, idempotently: if id is already inflight
// on another shard or present anywhere, this is a no-op success.
func (w *Writer) Add(ctx context.Context, id objid.ID, content []byte) (AddResult, error) {
	if w.cfg.Readonly {
		return 0, wineryerrors.Readonly
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.ensureShard(ctx); err != nil {
		return 0, fmt.Errorf("winery: acquire shard: %w", err)
	}

	created, existing, err := w.idx.InsertInflight(ctx, id, w.shard.ID)
	if err != nil {
		return 0, fmt.Errorf("winery: insert_inflight: %w", err)
	}
	if !created {
		if existing.ShardID != w.shard.ID {
			// Another writer's shard owns this id; nothing to do here.
			return Existed, nil
		}
		if existing.State == catalog.SignaturePresent {
			return Existed, nil
		}
		// existing.State == inflight on our own shard: a prior crash left
		// this id half-written. Resume by writing the bytes and marking
		// present, same as the created path below.
	}

	if _, err := w.rw.Add(ctx, id, content); err != nil {
		return 0, fmt.Errorf("winery: rw add: %w", err)
	}
	if err := w.idx.MarkPresent(ctx, id); err != nil {
		return 0, fmt.Errorf("winery: mark_present: %w", err)
	}
	w.lastWrite = time.Now()

	if err := w.maybeFinalize(ctx); err != nil {
		return 0, err
	}
	return Written, nil
}

// ensureShard acquires a standby shard and promotes it to writing on
// first use. It also releases an idle shard back to standby before
// acquiring a new one, rather than relying solely on a background loop.
func (w *Writer) ensureShard(ctx context.Context) error {
	if w.shard != nil {
		if time.Since(w.lastWrite) > w.cfg.IdleTimeout && !w.lastWrite.IsZero() {
			if err := w.releaseIdle(ctx); err != nil {
				return err
			}
		} else {
			return nil
		}
	}

	shard, err := w.cat.AcquireStandby(ctx, w.locker)
	if err != nil {
		return err
	}
	rw, err := rwshard.Open(w.cat.Pool(), shard.Name)
	if err != nil {
		return err
	}
	if err := rw.Create(ctx); err != nil {
		return err
	}
	if err := w.cat.MarkWriting(ctx, shard.ID, w.locker); err != nil {
		return err
	}
	shard.State = catalog.ShardWriting

	w.shard = shard
	w.rw = rw
	w.lastWrite = time.Now()
	return nil
}

// releaseIdle gives up the current shard back to standby so another
// writer (or this one, later) can claim it.
func (w *Writer) releaseIdle(ctx context.Context) error {
	if err := w.cat.ReleaseToStandby(ctx, w.shard.ID, w.locker); err != nil {
		return err
	}
	klog.V(2).Infof("winery: released idle shard %d (%s) to standby", w.shard.ID, w.shard.Name)
	w.shard = nil
	w.rw = nil
	return nil
}

// maybeFinalize checks the fill threshold (size ≥ max) and transitions
// writing→full, optionally kicking an inline packer tick.
func (w *Writer) maybeFinalize(ctx context.Context) error {
	size, err := w.rw.Size(ctx)
	if err != nil {
		return fmt.Errorf("winery: size: %w", err)
	}
	if size < w.cfg.MaxShardSize {
		return nil
	}

	if err := w.cat.MarkFull(ctx, w.shard.ID, w.locker); err != nil {
		return fmt.Errorf("winery: mark_full: %w", err)
	}
	klog.Infof("winery: shard %d (%s) full at %d bytes", w.shard.ID, w.shard.Name, size)
	finishedShard := *w.shard
	w.shard = nil
	w.rw = nil

	if w.cfg.PackImmediately {
		pk := packer.New(w.cat, w.storage, w.cfg.IDWidth, w.cfg.PackerConfig)
		if err := pk.Tick(ctx); err != nil {
			klog.Errorf("winery: inline pack tick after shard %d full: %v", finishedShard.ID, err)
		}
	}
	return nil
}

// Delete performs the soft delete (present→deleted); it never
// rewrites shard bytes.
func (w *Writer) Delete(ctx context.Context, id objid.ID) error {
	if w.cfg.Readonly {
		return wineryerrors.Readonly
	}
	return w.idx.MarkDeleted(ctx, id)
}

// Undelete reverses Delete, always targeting the object's original
// shard.
func (w *Writer) Undelete(ctx context.Context, id objid.ID) error {
	if w.cfg.Readonly {
		return wineryerrors.Readonly
	}
	return w.idx.Undelete(ctx, id)
}

// Close releases any shard this writer currently holds back to
// standby, without waiting for the idle timeout.
func (w *Writer) Close(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.shard == nil {
		return nil
	}
	return w.releaseIdle(ctx)
}
