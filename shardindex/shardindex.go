// Package shardindex implements the global object id → shard index:
// the signature2shard table, with at-most-one-writer semantics per
// object id and its inflight/present/deleted lifecycle.
package shardindex

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/wineryhq/winery/catalog"
	"github.com/wineryhq/winery/internal/objid"
	"github.com/wineryhq/winery/wineryerrors"
)

// Index wraps the catalog pool with signature2shard operations. It
// holds no state of its own; every call is a single round trip (or
// transaction) against the shared database.
type Index struct {
	cat *catalog.Catalog
}

func New(cat *catalog.Catalog) *Index {
	return &Index{cat: cat}
}

// Entry is a row of signature2shard.
type Entry struct {
	State   catalog.SignatureState
	ShardID int64
}

// InsertInflight records that shardID intends to hold id's bytes. On a
// unique-key conflict (another writer already has an entry for id) it
// returns the existing entry instead of failing, so the caller can
// decide whether the write is its own responsibility.
//
// Semantics: a writer calls this before writing bytes.
// If the existing entry names a different shard, the write is treated
// as idempotent and becomes a no-op from this writer's perspective.
func (idx *Index) InsertInflight(ctx context.Context, id objid.ID, shardID int64) (created bool, existing *Entry, err error) {
	var state catalog.SignatureState
	var shard int64
	row := idx.cat.Pool().QueryRow(ctx, `
		INSERT INTO signature2shard (signature, state, shard)
		VALUES ($1, 'inflight', $2)
		ON CONFLICT (signature) DO NOTHING
		RETURNING state, shard`, []byte(id), shardID)
	if scanErr := row.Scan(&state, &shard); scanErr != nil {
		if !errors.Is(scanErr, pgx.ErrNoRows) {
			return false, nil, fmt.Errorf("shardindex: insert_inflight: %w", scanErr)
		}
		// Conflict: an entry already exists. Fetch it.
		existing, err = idx.Lookup(ctx, id)
		if err != nil {
			return false, nil, fmt.Errorf("shardindex: insert_inflight: read existing: %w", err)
		}
		return false, existing, nil
	}
	return true, &Entry{State: state, ShardID: shard}, nil
}

// MarkPresent transitions an entry from inflight to present. The
// caller must already have committed the object's bytes to the named
// shard; this call is the commit marker that makes the object visible
// to readers.
func (idx *Index) MarkPresent(ctx context.Context, id objid.ID) error {
	tag, err := idx.cat.Pool().Exec(ctx, `
		UPDATE signature2shard SET state = 'present'
		WHERE signature = $1 AND state = 'inflight'`, []byte(id))
	if err != nil {
		return fmt.Errorf("shardindex: mark_present: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return wineryerrors.NotFound
	}
	return nil
}

// Lookup returns the current entry for id, or wineryerrors.NotFound.
// Readers must treat this as the sole source of truth for visibility:
// inflight and deleted are both reported as missing by Contains/Get
// built atop this, but Lookup itself returns the real state so callers
// that need to distinguish (e.g. the writer's own resume path) can.
func (idx *Index) Lookup(ctx context.Context, id objid.ID) (*Entry, error) {
	var e Entry
	err := idx.cat.Pool().QueryRow(ctx, `
		SELECT state, shard FROM signature2shard WHERE signature = $1`, []byte(id),
	).Scan(&e.State, &e.ShardID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, wineryerrors.NotFound
		}
		return nil, fmt.Errorf("shardindex: lookup: %w", err)
	}
	return &e, nil
}

// LookupPresent is the reader's entry point: it returns
// wineryerrors.NotFound for any entry that isn't present, collapsing
// inflight and deleted into the same "missing" outcome.
func (idx *Index) LookupPresent(ctx context.Context, id objid.ID) (*Entry, error) {
	e, err := idx.Lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.State != catalog.SignaturePresent {
		return nil, wineryerrors.NotFound
	}
	return e, nil
}

// MarkDeleted performs the present→deleted soft delete. Deletes are
// recorded in the index only; shard bytes are never rewritten.
func (idx *Index) MarkDeleted(ctx context.Context, id objid.ID) error {
	tag, err := idx.cat.Pool().Exec(ctx, `
		UPDATE signature2shard SET state = 'deleted'
		WHERE signature = $1 AND state = 'present'`, []byte(id))
	if err != nil {
		return fmt.Errorf("shardindex: mark_deleted: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return wineryerrors.NotFound
	}
	return nil
}

// Undelete reverses MarkDeleted. It always targets the entry's
// original shard_id: signature2shard.shard is immutable and NOT NULL
// REFERENCES shards(id), so there is no other shard to route to. It
// does not check that the shard still holds the object's bytes; it
// returns wineryerrors.NotFound when id has no deleted entry.
func (idx *Index) Undelete(ctx context.Context, id objid.ID) error {
	var shardID int64
	err := idx.cat.Pool().QueryRow(ctx, `
		SELECT s2s.shard
		FROM signature2shard s2s JOIN shards sh ON sh.id = s2s.shard
		WHERE s2s.signature = $1 AND s2s.state = 'deleted'`, []byte(id),
	).Scan(&shardID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return wineryerrors.NotFound
		}
		return fmt.Errorf("shardindex: undelete: read entry: %w", err)
	}

	tag, err := idx.cat.Pool().Exec(ctx, `
		UPDATE signature2shard SET state = 'present'
		WHERE signature = $1 AND state = 'deleted'`, []byte(id))
	if err != nil {
		return fmt.Errorf("shardindex: undelete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return wineryerrors.NotFound
	}
	return nil
}

const iterBatchSize = 1000

// IterPresent streams every present (signature, shard) pair via a
// server-side cursor, mirroring rwshard.Iter's batching so a full
// enumeration never materializes the whole index in memory. No
// snapshot guarantee: concurrent writers may add or delete entries
// mid-iteration.
func (idx *Index) IterPresent(ctx context.Context, fn func(id objid.ID, shardID int64) error) error {
	tx, err := idx.cat.Pool().Begin(ctx)
	if err != nil {
		return fmt.Errorf("shardindex: iter_present: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		DECLARE shardindex_iter_present NO SCROLL CURSOR FOR
		SELECT signature, shard FROM signature2shard WHERE state = 'present'`); err != nil {
		return fmt.Errorf("shardindex: iter_present: declare cursor: %w", err)
	}

	for {
		rows, err := tx.Query(ctx, fmt.Sprintf(`FETCH %d FROM shardindex_iter_present`, iterBatchSize))
		if err != nil {
			return fmt.Errorf("shardindex: iter_present: fetch: %w", err)
		}
		n := 0
		for rows.Next() {
			var sig []byte
			var shardID int64
			if err := rows.Scan(&sig, &shardID); err != nil {
				rows.Close()
				return fmt.Errorf("shardindex: iter_present: scan: %w", err)
			}
			n++
			if err := fn(objid.ID(sig), shardID); err != nil {
				rows.Close()
				return err
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("shardindex: iter_present: %w", err)
		}
		if n < iterBatchSize {
			break
		}
	}
	return tx.Commit(ctx)
}
