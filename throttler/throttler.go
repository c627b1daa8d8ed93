// Package throttler implements the DB-mediated cluster bandwidth
// limiter: every process doing reads or writes reports its recent
// throughput into a shared catalog table, learns how many peers are
// currently live, and self-throttles to an even L/N share of the
// configured aggregate budget using golang.org/x/time/rate for the
// local token-bucket limiting.
package throttler

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
	"k8s.io/klog/v2"

	"github.com/wineryhq/winery/catalog"
	"github.com/wineryhq/winery/wineryerrors"
)

type Config struct {
	// MaxBPS is the aggregate, cluster-wide byte budget this kind of
	// traffic (read or write) is allowed to consume per second.
	MaxBPS int64
	// RefreshInterval is how often this worker heartbeats its recent
	// throughput and re-learns the live peer count. Typically 1s-60s.
	RefreshInterval time.Duration
	// LiveWindow bounds how stale another worker's heartbeat may be
	// before it's no longer counted as live, and how old a row may get
	// before PruneStaleThrottleRows removes it.
	LiveWindow time.Duration
	// StaleAfter bounds how long this worker may go without a
	// successful heartbeat before Wait fails closed
	// (wineryerrors.Throttled) instead of failing open. Zero uses
	// 3*RefreshInterval.
	StaleAfter time.Duration
}

func (c Config) withDefaults() Config {
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = time.Second
	}
	if c.LiveWindow <= 0 {
		c.LiveWindow = 60 * time.Second
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 3 * c.RefreshInterval
	}
	return c
}

// Throttler self-limits one process's read or write throughput to a
// fair share of a cluster-wide budget, coordinated entirely through
// the catalog (no gossip, no leader election).
type Throttler struct {
	cat  *catalog.Catalog
	kind catalog.ThrottleKind
	cfg  Config

	workerID int64
	limiter  *rate.Limiter

	intervalBytes atomic.Int64
	lastSuccess   atomic.Int64 // unix nanos
}

// New registers a fresh telemetry row and starts with a limiter armed
// to the full budget (it narrows once it learns the live peer count).
func New(ctx context.Context, cat *catalog.Catalog, kind catalog.ThrottleKind, cfg Config) (*Throttler, error) {
	cfg = cfg.withDefaults()
	id, err := cat.RegisterThrottleWorker(ctx, kind)
	if err != nil {
		return nil, err
	}
	t := &Throttler{
		cat:      cat,
		kind:     kind,
		cfg:      cfg,
		workerID: id,
		limiter:  rate.NewLimiter(rate.Limit(cfg.MaxBPS), int(max64(cfg.MaxBPS, 1))),
	}
	t.lastSuccess.Store(time.Now().UnixNano())
	return t, nil
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// Wait blocks until n bytes are permitted under the current share of
// the aggregate budget, or returns wineryerrors.Throttled immediately
// if this worker's catalog heartbeat has gone stale (fail-closed: an
// unreachable catalog must not let traffic through unthrottled).
func (t *Throttler) Wait(ctx context.Context, n int) error {
	lastOK := time.Unix(0, t.lastSuccess.Load())
	if time.Since(lastOK) > t.cfg.StaleAfter {
		return wineryerrors.Throttled
	}
	if err := t.limiter.WaitN(ctx, n); err != nil {
		return fmt.Errorf("throttler: wait: %w", err)
	}
	t.intervalBytes.Add(int64(n))
	return nil
}

// Run loops the heartbeat: report this worker's bytes since the last
// tick, learn the live peer count, re-arm the limiter to MaxBPS/N, and
// prune stale rows. Any worker's ticker may win the prune race; it's
// an idempotent DELETE.
func (t *Throttler) Run(ctx context.Context) error {
	ticker := time.NewTicker(t.cfg.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := t.refresh(ctx); err != nil {
				klog.Errorf("throttler(%s): refresh: %v", t.kind, err)
				continue
			}
			t.lastSuccess.Store(time.Now().UnixNano())
		}
	}
}

func (t *Throttler) refresh(ctx context.Context) error {
	bytes := t.intervalBytes.Swap(0)
	if err := t.cat.ReportThrottleBytes(ctx, t.kind, t.workerID, bytes); err != nil {
		t.intervalBytes.Add(bytes) // don't lose the count on a transient failure
		return err
	}

	live, err := t.cat.LiveThrottleWorkers(ctx, t.kind, t.cfg.LiveWindow)
	if err != nil {
		return err
	}
	if live < 1 {
		live = 1
	}
	share := t.cfg.MaxBPS / int64(live)
	if share < 1 {
		share = 1
	}
	t.limiter.SetLimit(rate.Limit(share))
	t.limiter.SetBurst(int(share))

	return t.cat.PruneStaleThrottleRows(ctx, t.kind, t.cfg.LiveWindow)
}
