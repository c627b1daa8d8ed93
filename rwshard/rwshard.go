// Package rwshard implements the mutable, database-backed tier of a
// shard: one Postgres table per shard, holding (key, content) rows
// while the shard is in state standby, writing, full, or packing.
package rwshard

import (
	"context"
	"fmt"
	"regexp"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/wineryhq/winery/internal/objid"
	"github.com/wineryhq/winery/wineryerrors"
)

// nameRE guards the shard name before it is interpolated into DDL and
// table identifiers: Postgres has no parameter placeholder for
// identifiers, so every name reaching a query string must first pass
// this check.
var nameRE = regexp.MustCompile(`^[0-9a-f]{32}$`)

// AddResult reports whether Add actually inserted a row.
type AddResult int

const (
	Written AddResult = iota
	Existed
)

// Shard is a handle to one RW-shard table. It is safe for concurrent
// use; all state lives in Postgres.
type Shard struct {
	pool      *pgxpool.Pool
	name      string
	tableName string
}

// Open returns a handle to the RW-shard table for the given shard
// name. It does not create the table; call Create for that.
func Open(pool *pgxpool.Pool, name string) (*Shard, error) {
	if !nameRE.MatchString(name) {
		return nil, fmt.Errorf("rwshard: invalid shard name %q", name)
	}
	return &Shard{pool: pool, name: name, tableName: "rw_" + name}, nil
}

// Create makes the backing table, idempotently. Called once by the
// writer that first claims the shard (standby→writing).
func (s *Shard) Create(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			key     BYTEA PRIMARY KEY,
			content BYTEA NOT NULL
		)`, s.tableName))
	if err != nil {
		return fmt.Errorf("rwshard: create %s: %w", s.tableName, err)
	}
	return nil
}

// Add inserts (key, content), returning Existed instead of erroring if
// the key is already present. The INSERT runs as its own statement on
// the pool: Add takes no transaction handle, so it does not share a
// transaction with the caller's shard index update.
func (s *Shard) Add(ctx context.Context, key objid.ID, content []byte) (AddResult, error) {
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (key, content) VALUES ($1, $2)
		ON CONFLICT (key) DO NOTHING`, s.tableName), []byte(key), content)
	if err != nil {
		return 0, fmt.Errorf("rwshard: add: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return Existed, nil
	}
	return Written, nil
}

// Get returns the bytes stored under key, or wineryerrors.NotFound.
func (s *Shard) Get(ctx context.Context, key objid.ID) ([]byte, error) {
	var content []byte
	err := s.pool.QueryRow(ctx, fmt.Sprintf(`
		SELECT content FROM %s WHERE key = $1`, s.tableName), []byte(key),
	).Scan(&content)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, wineryerrors.NotFound
		}
		return nil, fmt.Errorf("rwshard: get: %w", err)
	}
	return content, nil
}

// Contains reports whether key is present, without fetching the bytes.
func (s *Shard) Contains(ctx context.Context, key objid.ID) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, fmt.Sprintf(`
		SELECT EXISTS(SELECT 1 FROM %s WHERE key = $1)`, s.tableName), []byte(key),
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("rwshard: contains: %w", err)
	}
	return exists, nil
}

// Size returns the sum of content lengths across all rows, the
// shard's logical size for the fill decision.
func (s *Shard) Size(ctx context.Context) (int64, error) {
	var total *int64
	err := s.pool.QueryRow(ctx, fmt.Sprintf(`
		SELECT sum(octet_length(content)) FROM %s`, s.tableName),
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("rwshard: size: %w", err)
	}
	if total == nil {
		return 0, nil
	}
	return *total, nil
}

// Count returns the number of rows, used by the packer to size the
// perfect-hash bucket table before streaming entries.
func (s *Shard) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, fmt.Sprintf(`SELECT count(*) FROM %s`, s.tableName)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("rwshard: count: %w", err)
	}
	return n, nil
}

// Drop destroys the table. The caller is responsible for only calling
// this once the owning shard is in state cleaning; this package has no
// visibility into the catalog to enforce that itself.
func (s *Shard) Drop(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, s.tableName))
	if err != nil {
		return fmt.Errorf("rwshard: drop %s: %w", s.tableName, err)
	}
	return nil
}

// Entry is one (key, content) pair yielded by Iter.
type Entry struct {
	Key     objid.ID
	Content []byte
}

const iterBatchSize = 1000

// Iter streams every row via a server-side cursor, in fetch batches of
// iterBatchSize, so the packer never materializes a full shard's rows
// in memory at once. fn is called once per row; returning an error
// stops iteration and is propagated.
func (s *Shard) Iter(ctx context.Context, fn func(Entry) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("rwshard: iter: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	cursorName := "rwshard_iter_" + s.name
	if _, err := tx.Exec(ctx, fmt.Sprintf(
		`DECLARE %s NO SCROLL CURSOR FOR SELECT key, content FROM %s`, cursorName, s.tableName)); err != nil {
		return fmt.Errorf("rwshard: iter: declare cursor: %w", err)
	}

	for {
		rows, err := tx.Query(ctx, fmt.Sprintf(`FETCH %d FROM %s`, iterBatchSize, cursorName))
		if err != nil {
			return fmt.Errorf("rwshard: iter: fetch: %w", err)
		}
		n := 0
		for rows.Next() {
			var e Entry
			if err := rows.Scan(&e.Key, &e.Content); err != nil {
				rows.Close()
				return fmt.Errorf("rwshard: iter: scan: %w", err)
			}
			n++
			if err := fn(e); err != nil {
				rows.Close()
				return err
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("rwshard: iter: %w", err)
		}
		if n < iterBatchSize {
			break
		}
	}
	return tx.Commit(ctx)
}
