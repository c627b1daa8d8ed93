// Package poolmanager implements the per-host daemon that maintains
// read-only pool mappings for every packed, cleaning, and readonly
// shard, and records each host's mapping in the
// catalog so the cleaner's min_mapped_hosts replication gate can be
// evaluated. Optionally it also reserves RW images ahead of time for
// pools that support it (pool.Reservable), same errgroup-per-tick
// fan-out idiom as packer.
package poolmanager

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"github.com/wineryhq/winery/catalog"
	"github.com/wineryhq/winery/pool"
)

type Config struct {
	// Concurrency bounds parallel mapping operations within one Tick.
	Concurrency int
	// ManageRWImages has the manager pre-reserve RW-shard images for
	// shards in standby/writing, when the pool supports pool.Reservable.
	ManageRWImages bool
	// ReserveSize is the image size to reserve for standby/writing
	// shards (typically shards.max_size).
	ReserveSize int64
	// PollInterval is how often Run calls Tick.
	PollInterval time.Duration
	// Hostname overrides os.Hostname(), mainly for tests.
	Hostname string
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 8
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 10 * time.Second
	}
	return c
}

// Manager holds open read-only mappings for shards this host has
// claimed, so the underlying pool driver (pool/rbd) doesn't unmap the
// device the moment a Tick finishes.
type Manager struct {
	cat     *catalog.Catalog
	storage pool.Pool
	cfg     Config
	host    string

	mu     sync.Mutex
	mapped map[string]pool.Reader
}

func New(cat *catalog.Catalog, storage pool.Pool, cfg Config) (*Manager, error) {
	cfg = cfg.withDefaults()
	host := cfg.Hostname
	if host == "" {
		h, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("poolmanager: hostname: %w", err)
		}
		host = h
	}
	return &Manager{cat: cat, storage: storage, cfg: cfg, host: host, mapped: map[string]pool.Reader{}}, nil
}

// Run loops Tick until ctx is canceled, then releases every mapping
// this manager is holding.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()
	defer m.closeAll()
	for {
		if err := m.Tick(ctx); err != nil && ctx.Err() == nil {
			klog.Errorf("poolmanager: tick: %v", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick ensures this host has a read-only mapping for every
// packed/cleaning/readonly shard, and reserves RW images for
// standby/writing shards when configured to.
func (m *Manager) Tick(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.Concurrency)

	roShards, err := m.cat.ListByState(ctx, catalog.ShardPacked, catalog.ShardCleaning, catalog.ShardReadonly)
	if err != nil {
		return fmt.Errorf("poolmanager: list ro-eligible shards: %w", err)
	}
	for _, shard := range roShards {
		shard := shard
		g.Go(func() error {
			if err := m.ensureMapped(gctx, shard); err != nil {
				klog.Errorf("poolmanager: map shard %d (%s): %v", shard.ID, shard.Name, err)
			}
			return nil
		})
	}

	if m.cfg.ManageRWImages {
		if _, ok := m.storage.(pool.Reservable); ok {
			rwShards, err := m.cat.ListByState(ctx, catalog.ShardStandby, catalog.ShardWriting)
			if err != nil {
				return fmt.Errorf("poolmanager: list rw shards: %w", err)
			}
			for _, shard := range rwShards {
				shard := shard
				g.Go(func() error {
					if err := m.reserveRW(gctx, shard); err != nil {
						klog.Errorf("poolmanager: reserve shard %d (%s): %v", shard.ID, shard.Name, err)
					}
					return nil
				})
			}
		}
	}

	return g.Wait()
}

func (m *Manager) ensureMapped(ctx context.Context, shard catalog.Shard) error {
	m.mu.Lock()
	_, already := m.mapped[shard.Name]
	m.mu.Unlock()
	if already {
		return m.cat.AppendMappedHost(ctx, shard.ID, m.host)
	}

	mapped, err := m.storage.HostMapped(ctx, shard.Name)
	if err != nil {
		return fmt.Errorf("host_mapped: %w", err)
	}
	if !mapped {
		r, err := m.storage.OpenRO(ctx, shard.Name)
		if err != nil {
			return fmt.Errorf("open_ro: %w", err)
		}
		m.mu.Lock()
		m.mapped[shard.Name] = r
		m.mu.Unlock()
	}

	return m.cat.AppendMappedHost(ctx, shard.ID, m.host)
}

func (m *Manager) reserveRW(ctx context.Context, shard catalog.Shard) error {
	reservable := m.storage.(pool.Reservable)
	return reservable.Reserve(ctx, shard.Name, m.cfg.ReserveSize)
}

func (m *Manager) closeAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, r := range m.mapped {
		if err := r.Close(); err != nil {
			klog.Errorf("poolmanager: close mapping %s: %v", name, err)
		}
	}
	m.mapped = map[string]pool.Reader{}
}
