// Package cleaner implements the packed→cleaning→readonly state
// machine driver: once a packed shard's RO-shard file has been
// read-only mapped on at least min_mapped_hosts hosts, the RW-shard
// table is no longer needed and is dropped.
package cleaner

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"github.com/wineryhq/winery/catalog"
	"github.com/wineryhq/winery/rwshard"
)

type Config struct {
	// Concurrency bounds how many shards are cleaned in parallel within
	// one Tick.
	Concurrency int
	// MinMappedHosts gates cleaning: a packed shard is only cleaned
	// once at least this many hosts have recorded a read-only mapping.
	MinMappedHosts int
	// PollInterval is how often Run calls Tick.
	PollInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 10 * time.Second
	}
	return c
}

type Cleaner struct {
	cat *catalog.Catalog
	cfg Config
	id  uuid.UUID
}

func New(cat *catalog.Catalog, cfg Config) *Cleaner {
	return &Cleaner{cat: cat, cfg: cfg.withDefaults(), id: uuid.New()}
}

func (cl *Cleaner) Run(ctx context.Context) error {
	ticker := time.NewTicker(cl.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if err := cl.Tick(ctx); err != nil && ctx.Err() == nil {
			klog.Errorf("cleaner: tick: %v", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick fans out over every packed shard that has reached the
// replication gate and drops its RW-shard table.
func (cl *Cleaner) Tick(ctx context.Context) error {
	shards, err := cl.cat.ListByState(ctx, catalog.ShardPacked)
	if err != nil {
		return fmt.Errorf("cleaner: list packed shards: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cl.cfg.Concurrency)
	for _, shard := range shards {
		shard := shard
		if len(shard.MappedOnHostsWhenPacked) < cl.cfg.MinMappedHosts {
			continue
		}
		g.Go(func() error {
			if err := cl.cleanOne(gctx, shard); err != nil {
				klog.Errorf("cleaner: clean shard %d (%s): %v", shard.ID, shard.Name, err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (cl *Cleaner) cleanOne(ctx context.Context, shard catalog.Shard) error {
	acquired, err := cl.cat.TryAcquireCleaning(ctx, shard.ID, cl.id)
	if err != nil {
		return fmt.Errorf("acquire cleaning: %w", err)
	}
	if !acquired {
		return nil
	}

	rw, err := rwshard.Open(cl.cat.Pool(), shard.Name)
	if err != nil {
		return err
	}
	if err := rw.Drop(ctx); err != nil {
		return fmt.Errorf("drop rw-shard: %w", err)
	}

	if err := cl.cat.MarkReadonly(ctx, shard.ID, cl.id); err != nil {
		return fmt.Errorf("mark readonly: %w", err)
	}
	klog.Infof("cleaner: shard %d (%s) readonly", shard.ID, shard.Name)
	return nil
}
