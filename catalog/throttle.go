package catalog

import (
	"context"
	"fmt"
	"time"
)

// ThrottleKind selects which of the two fixed telemetry tables a
// throttler call addresses. The table name is never taken from caller
// input, so there is no identifier-injection surface here the way
// there is for rwshard's per-shard tables.
type ThrottleKind string

const (
	ThrottleRead  ThrottleKind = "t_read"
	ThrottleWrite ThrottleKind = "t_write"
)

func (k ThrottleKind) table() string {
	return string(k)
}

// RegisterThrottleWorker inserts a fresh telemetry row for one
// throttler instance and returns its id, used for all subsequent
// ReportThrottleBytes calls from that instance.
func (c *Catalog) RegisterThrottleWorker(ctx context.Context, kind ThrottleKind) (int64, error) {
	var id int64
	err := c.pool.QueryRow(ctx, fmt.Sprintf(
		`INSERT INTO %s (updated, bytes) VALUES (now(), 0) RETURNING id`, kind.table()),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("catalog: register throttle worker %s: %w", kind, err)
	}
	return id, nil
}

// ReportThrottleBytes updates one worker's row with its most recent
// interval byte count and a fresh heartbeat timestamp.
func (c *Catalog) ReportThrottleBytes(ctx context.Context, kind ThrottleKind, id int64, bytes int64) error {
	_, err := c.pool.Exec(ctx, fmt.Sprintf(
		`UPDATE %s SET updated = now(), bytes = $2 WHERE id = $1`, kind.table()), id, bytes)
	if err != nil {
		return fmt.Errorf("catalog: report throttle bytes %s: %w", kind, err)
	}
	return nil
}

// LiveThrottleWorkers counts rows heartbeated within liveWindow, the N
// in the L/N per-worker bandwidth share.
func (c *Catalog) LiveThrottleWorkers(ctx context.Context, kind ThrottleKind, liveWindow time.Duration) (int, error) {
	var n int
	err := c.pool.QueryRow(ctx, fmt.Sprintf(
		`SELECT count(*) FROM %s WHERE updated > now() - $1::interval`, kind.table()), liveWindow.String(),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("catalog: live throttle workers %s: %w", kind, err)
	}
	return n, nil
}

// PruneStaleThrottleRows deletes rows older than liveWindow. Safe to
// call from every worker's ticker concurrently: there is no leader
// election, and a duplicate delete is a harmless no-op.
func (c *Catalog) PruneStaleThrottleRows(ctx context.Context, kind ThrottleKind, liveWindow time.Duration) error {
	_, err := c.pool.Exec(ctx, fmt.Sprintf(
		`DELETE FROM %s WHERE updated < now() - $1::interval`, kind.table()), liveWindow.String())
	if err != nil {
		return fmt.Errorf("catalog: prune stale throttle rows %s: %w", kind, err)
	}
	return nil
}
