// Package config loads and validates the on-disk winery configuration,
// in either JSON or YAML, selected by file extension.
package config

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the root winery configuration. Every option named in the
// configuration surface is represented here; there is no hidden
// default wired in code that isn't also reflected by a zero value.
type Config struct {
	// Readonly makes writers refuse to start.
	Readonly bool `json:"readonly" yaml:"readonly"`

	Shards      ShardsConfig      `json:"shards" yaml:"shards"`
	Database    DatabaseConfig    `json:"database" yaml:"database"`
	ShardsPool  ShardsPoolConfig  `json:"shards_pool" yaml:"shards_pool"`
	Packer      PackerConfig      `json:"packer" yaml:"packer"`
	Throttler   *ThrottlerConfig  `json:"throttler" yaml:"throttler"`
	PoolManager PoolManagerConfig `json:"pool_manager" yaml:"pool_manager"`
	Cleaner     CleanerConfig     `json:"cleaner" yaml:"cleaner"`

	originalFilepath string
	hashOfConfigFile string
}

type ShardsConfig struct {
	// MaxSize is the fill threshold in bytes. May be exceeded by at
	// most one oversized object.
	MaxSize int64 `json:"max_size" yaml:"max_size"`
	// RWIdleTimeoutSeconds is how long an idle writer waits before
	// releasing its shard back to standby.
	RWIdleTimeoutSeconds int64 `json:"rw_idle_timeout" yaml:"rw_idle_timeout"`
}

type DatabaseConfig struct {
	// DB is a Postgres connection string (pgx-accepted DSN or URL).
	DB string `json:"db" yaml:"db"`
	// ApplicationName is reported to Postgres as application_name, for
	// operator-side observability of which worker holds which connection.
	ApplicationName string `json:"application_name" yaml:"application_name"`
}

const (
	ShardsPoolTypeRBD       = "rbd"
	ShardsPoolTypeDirectory = "directory"
)

type ShardsPoolConfig struct {
	Type string `json:"type" yaml:"type"`

	// Block-device (rbd) specific.
	PoolName                 string   `json:"pool_name" yaml:"pool_name"`
	DataPoolName             string   `json:"data_pool_name" yaml:"data_pool_name"`
	UseSudo                  bool     `json:"use_sudo" yaml:"use_sudo"`
	MapOptions               string   `json:"map_options" yaml:"map_options"`
	ImageFeaturesUnsupported []string `json:"image_features_unsupported" yaml:"image_features_unsupported"`

	// Directory specific.
	BaseDirectory string `json:"base_directory" yaml:"base_directory"`
}

type PackerConfig struct {
	// PackImmediately spawns the packer inline with the writer instead
	// of relying on an external packer process.
	PackImmediately bool `json:"pack_immediately" yaml:"pack_immediately"`
	// CreateImages has the packer create pool artifacts itself rather
	// than waiting for an external pool manager.
	CreateImages bool `json:"create_images" yaml:"create_images"`
	// CleanImmediately has the packer proceed straight to cleaning
	// instead of waiting for an external cleaner.
	CleanImmediately bool `json:"clean_immediately" yaml:"clean_immediately"`
	// ReclaimAfterSeconds bounds how long a packing shard may sit with
	// a locker before a subsequent packer reclaims it. Zero means the
	// package default (10 minutes).
	ReclaimAfterSeconds int64 `json:"reclaim_after" yaml:"reclaim_after"`
}

type PoolManagerConfig struct {
	// ManageRWImages has the pool manager provision block images for
	// new standby/writing shards, rather than leaving that to the packer.
	ManageRWImages bool `json:"manage_rw_images" yaml:"manage_rw_images"`
}

type CleanerConfig struct {
	// MinMappedHosts is the replication gate: a packed shard is only
	// cleaned once at least this many hosts have it read-only mapped.
	MinMappedHosts int `json:"min_mapped_hosts" yaml:"min_mapped_hosts"`
}

// ThrottlerConfig is nil to disable throttling entirely.
type ThrottlerConfig struct {
	DB          string `json:"db" yaml:"db"`
	MaxReadBPS  int64  `json:"max_read_bps" yaml:"max_read_bps"`
	MaxWriteBPS int64  `json:"max_write_bps" yaml:"max_write_bps"`
}

// Load reads and parses the config file at path, selecting JSON or
// YAML by extension.
func Load(path string) (*Config, error) {
	var cfg Config
	switch {
	case isJSONFile(path):
		if err := loadFromJSON(path, &cfg); err != nil {
			return nil, err
		}
	case isYAMLFile(path):
		if err := loadFromYAML(path, &cfg); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("config file %q must be JSON or YAML", path)
	}
	cfg.originalFilepath = path
	sum, err := hashFileSHA256(path)
	if err != nil {
		return nil, fmt.Errorf("config file %q: %w", path, err)
	}
	cfg.hashOfConfigFile = sum
	return &cfg, nil
}

func (c *Config) ConfigFilepath() string   { return c.originalFilepath }
func (c *Config) HashOfConfigFile() string { return c.hashOfConfigFile }

// Validate checks the config for errors, following the same plain
// sequential-check style throughout: no validation-tag library, one
// explicit check per invariant.
func (c *Config) Validate() error {
	if c.Database.DB == "" {
		return fmt.Errorf("database.db must be set")
	}
	if c.Shards.MaxSize <= 0 {
		return fmt.Errorf("shards.max_size must be > 0")
	}
	if c.Shards.RWIdleTimeoutSeconds <= 0 {
		return fmt.Errorf("shards.rw_idle_timeout must be > 0")
	}

	switch c.ShardsPool.Type {
	case ShardsPoolTypeRBD:
		if c.ShardsPool.PoolName == "" {
			return fmt.Errorf("shards_pool.pool_name must be set for type %q", ShardsPoolTypeRBD)
		}
	case ShardsPoolTypeDirectory:
		if c.ShardsPool.BaseDirectory == "" {
			return fmt.Errorf("shards_pool.base_directory must be set for type %q", ShardsPoolTypeDirectory)
		}
	case "":
		return fmt.Errorf("shards_pool.type must be set")
	default:
		return fmt.Errorf("shards_pool.type must be %q or %q, got %q", ShardsPoolTypeRBD, ShardsPoolTypeDirectory, c.ShardsPool.Type)
	}

	if c.PoolManager.ManageRWImages && c.ShardsPool.Type != ShardsPoolTypeRBD {
		return fmt.Errorf("pool_manager.manage_rw_images only applies to shards_pool.type=%q", ShardsPoolTypeRBD)
	}

	if c.Cleaner.MinMappedHosts < 0 {
		return fmt.Errorf("cleaner.min_mapped_hosts must be >= 0")
	}

	if c.Throttler != nil {
		if c.Throttler.DB == "" {
			return fmt.Errorf("throttler.db must be set when the throttler section is present")
		}
		if c.Throttler.MaxReadBPS <= 0 {
			return fmt.Errorf("throttler.max_read_bps must be > 0")
		}
		if c.Throttler.MaxWriteBPS <= 0 {
			return fmt.Errorf("throttler.max_write_bps must be > 0")
		}
	}

	return nil
}

func isJSONFile(path string) bool {
	return strings.HasSuffix(path, ".json")
}

func isYAMLFile(path string) bool {
	return strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml")
}

func loadFromJSON(path string, dst any) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()
	return json.NewDecoder(f).Decode(dst)
}

func loadFromYAML(path string, dst any) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()
	return yaml.NewDecoder(f).Decode(dst)
}

func hashFileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}
