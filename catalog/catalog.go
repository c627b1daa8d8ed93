// Package catalog owns the relational schema that coordinates every
// winery actor: the shards table (lifecycle + locker), the
// signature2shard index, and the t_read/t_write throttler telemetry
// tables. It is the only package that talks SQL; shardindex, rwshard,
// packer, cleaner, poolmanager and throttler all operate through the
// *Catalog handle rather than holding their own connections.
package catalog

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"k8s.io/klog/v2"
)

// Catalog wraps the shared Postgres connection pool. No package-level
// globals hold DB state; every actor threads this handle explicitly.
type Catalog struct {
	pool *pgxpool.Pool
}

// Open connects to dsn, labeling the connection with applicationName
// for operator-side observability (pg_stat_activity.application_name).
func Open(ctx context.Context, dsn, applicationName string) (*Catalog, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("catalog: parse dsn: %w", err)
	}
	if applicationName != "" {
		cfg.ConnConfig.RuntimeParams["application_name"] = applicationName
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("catalog: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("catalog: ping: %w", err)
	}
	klog.V(2).Infof("catalog: connected (application_name=%q)", applicationName)
	return &Catalog{pool: pool}, nil
}

// Pool exposes the underlying pgx pool to sibling packages
// (shardindex, rwshard, throttler) that issue their own SQL against
// tables this package owns the schema for.
func (c *Catalog) Pool() *pgxpool.Pool {
	return c.pool
}

func (c *Catalog) Close() {
	c.pool.Close()
}
