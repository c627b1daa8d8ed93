package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		Shards: ShardsConfig{MaxSize: 1 << 20, RWIdleTimeoutSeconds: 30},
		Database: DatabaseConfig{
			DB:              "postgres://localhost/winery",
			ApplicationName: "winery-writer",
		},
		ShardsPool: ShardsPoolConfig{
			Type:          ShardsPoolTypeDirectory,
			BaseDirectory: "/var/lib/winery",
		},
	}
}

func TestConfig_Validate(t *testing.T) {
	t.Run("valid config passes", func(t *testing.T) {
		require.NoError(t, validConfig().Validate())
	})

	t.Run("missing database.db", func(t *testing.T) {
		c := validConfig()
		c.Database.DB = ""
		assert.Error(t, c.Validate())
	})

	t.Run("rbd pool requires pool_name", func(t *testing.T) {
		c := validConfig()
		c.ShardsPool = ShardsPoolConfig{Type: ShardsPoolTypeRBD}
		assert.Error(t, c.Validate())
	})

	t.Run("unknown pool type rejected", func(t *testing.T) {
		c := validConfig()
		c.ShardsPool.Type = "s3"
		assert.Error(t, c.Validate())
	})

	t.Run("throttler section requires bps limits", func(t *testing.T) {
		c := validConfig()
		c.Throttler = &ThrottlerConfig{DB: "postgres://localhost/winery"}
		assert.Error(t, c.Validate())

		c.Throttler.MaxReadBPS = 1000
		c.Throttler.MaxWriteBPS = 1000
		assert.NoError(t, c.Validate())
	})
}

func TestLoad_YAMLAndJSON(t *testing.T) {
	dir := t.TempDir()

	yamlPath := filepath.Join(dir, "winery.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte(`
readonly: false
shards:
  max_size: 1048576
  rw_idle_timeout: 30
database:
  db: "postgres://localhost/winery"
shards_pool:
  type: directory
  base_directory: /var/lib/winery
`), 0o644))

	cfg, err := Load(yamlPath)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, int64(1048576), cfg.Shards.MaxSize)
	assert.Equal(t, yamlPath, cfg.ConfigFilepath())
	assert.NotEmpty(t, cfg.HashOfConfigFile())

	jsonPath := filepath.Join(dir, "winery.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte(`{
		"shards": {"max_size": 2097152, "rw_idle_timeout": 60},
		"database": {"db": "postgres://localhost/winery"},
		"shards_pool": {"type": "rbd", "pool_name": "winery"}
	}`), 0o644))

	cfg2, err := Load(jsonPath)
	require.NoError(t, err)
	require.NoError(t, cfg2.Validate())
	assert.Equal(t, int64(2097152), cfg2.Shards.MaxSize)

	_, err = Load(filepath.Join(dir, "winery.txt"))
	assert.Error(t, err)
}
