package catalog

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/wineryhq/winery/internal/stepseq"
	"github.com/wineryhq/winery/wineryerrors"
)

// defaultReclaimAfter is used by ReclaimStalePacking when the caller
// passes a non-positive duration.
const defaultReclaimAfter = 10 * time.Minute

// AcquireStandby atomically claims an unlocked standby shard for
// locker, creating one first if none exists. The shard stays in
// "standby" with a locker set; MarkWriting performs the actual
// standby→writing edge on the writer's first insert.
func (c *Catalog) AcquireStandby(ctx context.Context, locker uuid.UUID) (shard *Shard, err error) {
	seq := stepseq.New()

	seq.Then("claim_existing_standby", func() error {
		row := c.pool.QueryRow(ctx, `
			UPDATE shards SET locker = $1, locker_ts = now()
			WHERE id = (
				SELECT id FROM shards
				WHERE state = 'standby' AND locker IS NULL
				ORDER BY id LIMIT 1
				FOR UPDATE SKIP LOCKED
			)
			RETURNING `+shardColumns, locker)
		s, scanErr := scanShard(row)
		if scanErr != nil {
			return nil // no existing standby shard; fall through to create
		}
		shard = s
		return nil
	})

	if shard != nil {
		return shard, seq.Err()
	}

	seq.Then("create_standby", func() error {
		name, genErr := randomShardName()
		if genErr != nil {
			return genErr
		}
		row := c.pool.QueryRow(ctx, `
			INSERT INTO shards (state, locker, locker_ts, name)
			VALUES ('standby', $1, now(), $2)
			RETURNING `+shardColumns, locker, name)
		s, scanErr := scanShard(row)
		if scanErr != nil {
			return fmt.Errorf("insert standby shard: %w", scanErr)
		}
		shard = s
		return nil
	})

	return shard, seq.Err()
}

// transition runs one conditional UPDATE and reports whether it touched
// any row. Callers turn a false result into a wineryerrors.Conflict or
// treat it as "someone else moved first".
func (c *Catalog) transition(ctx context.Context, shardID int64, sql string, args ...any) (bool, error) {
	tag, err := c.pool.Exec(ctx, sql, args...)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// MarkWriting performs the standby→writing edge on a writer's first
// insert into an already-acquired shard.
func (c *Catalog) MarkWriting(ctx context.Context, shardID int64, locker uuid.UUID) error {
	ok, err := c.transition(ctx, shardID, `
		UPDATE shards SET state = 'writing'
		WHERE id = $1 AND state = 'standby' AND locker = $2`, shardID, locker)
	if err != nil {
		return fmt.Errorf("catalog: mark_writing: %w", err)
	}
	if !ok {
		return &wineryerrors.Conflict{ShardID: strconv.FormatInt(shardID, 10)}
	}
	return nil
}

// MarkFull performs the writing→full edge, either because the fill
// threshold was reached or because the writer voluntarily released
// the shard, and clears the locker.
func (c *Catalog) MarkFull(ctx context.Context, shardID int64, locker uuid.UUID) error {
	ok, err := c.transition(ctx, shardID, `
		UPDATE shards SET state = 'full', locker = NULL, locker_ts = NULL
		WHERE id = $1 AND state = 'writing' AND locker = $2`, shardID, locker)
	if err != nil {
		return fmt.Errorf("catalog: mark_full: %w", err)
	}
	if !ok {
		return &wineryerrors.Conflict{ShardID: strconv.FormatInt(shardID, 10)}
	}
	return nil
}

// ReleaseToStandby performs the writing→standby edge when a shard sits
// idle for longer than shards.rw_idle_timeout with no writes.
func (c *Catalog) ReleaseToStandby(ctx context.Context, shardID int64, locker uuid.UUID) error {
	ok, err := c.transition(ctx, shardID, `
		UPDATE shards SET state = 'standby', locker = NULL, locker_ts = NULL
		WHERE id = $1 AND state = 'writing' AND locker = $2`, shardID, locker)
	if err != nil {
		return fmt.Errorf("catalog: release_to_standby: %w", err)
	}
	if !ok {
		return &wineryerrors.Conflict{ShardID: strconv.FormatInt(shardID, 10)}
	}
	return nil
}

// TryAcquirePacking performs the full→packing edge. Competition
// between packers is resolved by the conditional UPDATE: a false
// return (with nil error) means another packer won the race, not a
// failure.
func (c *Catalog) TryAcquirePacking(ctx context.Context, shardID int64, locker uuid.UUID) (bool, error) {
	ok, err := c.transition(ctx, shardID, `
		UPDATE shards SET state = 'packing', locker = $2, locker_ts = now()
		WHERE id = $1 AND state = 'full' AND locker IS NULL`, shardID, locker)
	if err != nil {
		return false, fmt.Errorf("catalog: try_acquire_packing: %w", err)
	}
	return ok, nil
}

// MarkPacked performs the packing→packed edge once the RO-shard file
// is durably closed and verified, and clears the locker.
func (c *Catalog) MarkPacked(ctx context.Context, shardID int64, locker uuid.UUID) error {
	ok, err := c.transition(ctx, shardID, `
		UPDATE shards SET state = 'packed', locker = NULL, locker_ts = NULL
		WHERE id = $1 AND state = 'packing' AND locker = $2`, shardID, locker)
	if err != nil {
		return fmt.Errorf("catalog: mark_packed: %w", err)
	}
	if !ok {
		return &wineryerrors.Conflict{ShardID: strconv.FormatInt(shardID, 10)}
	}
	return nil
}

// UnlockToFull performs the packing→full edge on pack failure,
// returning the shard to the pool of packable shards.
func (c *Catalog) UnlockToFull(ctx context.Context, shardID int64, locker uuid.UUID) error {
	ok, err := c.transition(ctx, shardID, `
		UPDATE shards SET state = 'full', locker = NULL, locker_ts = NULL
		WHERE id = $1 AND state = 'packing' AND locker = $2`, shardID, locker)
	if err != nil {
		return fmt.Errorf("catalog: unlock_to_full: %w", err)
	}
	if !ok {
		return &wineryerrors.Conflict{ShardID: strconv.FormatInt(shardID, 10)}
	}
	return nil
}

// TryAcquireCleaning performs the packed→cleaning edge, gated by the
// cleaner's min_mapped_hosts check (done by the caller before this).
func (c *Catalog) TryAcquireCleaning(ctx context.Context, shardID int64, locker uuid.UUID) (bool, error) {
	ok, err := c.transition(ctx, shardID, `
		UPDATE shards SET state = 'cleaning', locker = $2, locker_ts = now()
		WHERE id = $1 AND state = 'packed' AND locker IS NULL`, shardID, locker)
	if err != nil {
		return false, fmt.Errorf("catalog: try_acquire_cleaning: %w", err)
	}
	return ok, nil
}

// MarkReadonly performs the cleaning→readonly edge once the RW-shard
// table has been dropped, and clears the locker. This is the terminal
// state; shard transitions are one-directional.
func (c *Catalog) MarkReadonly(ctx context.Context, shardID int64, locker uuid.UUID) error {
	ok, err := c.transition(ctx, shardID, `
		UPDATE shards SET state = 'readonly', locker = NULL, locker_ts = NULL
		WHERE id = $1 AND state = 'cleaning' AND locker = $2`, shardID, locker)
	if err != nil {
		return fmt.Errorf("catalog: mark_readonly: %w", err)
	}
	if !ok {
		return &wineryerrors.Conflict{ShardID: strconv.FormatInt(shardID, 10)}
	}
	return nil
}

// AppendMappedHost records that host has the shard's RO image mapped
// read-only, idempotently (pool manager reruns are safe).
func (c *Catalog) AppendMappedHost(ctx context.Context, shardID int64, host string) error {
	_, err := c.pool.Exec(ctx, `
		UPDATE shards SET mapped_on_hosts_when_packed =
			array_append(mapped_on_hosts_when_packed, $2)
		WHERE id = $1 AND NOT ($2 = ANY(mapped_on_hosts_when_packed))`, shardID, host)
	if err != nil {
		return fmt.Errorf("catalog: append_mapped_host: %w", err)
	}
	return nil
}

// ReclaimStalePacking returns every "packing" shard whose locker_ts is
// older than after back to "full" with its locker cleared, so a
// subsequent packer's Tick (which only lists full shards) picks it
// back up via TryAcquirePacking. If after <= 0, defaultReclaimAfter is
// used. Returns the ids reclaimed.
func (c *Catalog) ReclaimStalePacking(ctx context.Context, after time.Duration) ([]int64, error) {
	if after <= 0 {
		after = defaultReclaimAfter
	}
	rows, err := c.pool.Query(ctx, `
		UPDATE shards SET state = 'full', locker = NULL, locker_ts = NULL
		WHERE state = 'packing' AND locker_ts < now() - $1::interval
		RETURNING id`, after.String())
	if err != nil {
		return nil, fmt.Errorf("catalog: reclaim_stale_packing: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

