package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/energypool/pool-engine/internal/model"
)

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := `http:
  port: "9090"
database:
  url: "postgres://localhost/pools"
redis:
  url: "redis://localhost:6379/0"
  ttl: 1m
kafka:
  brokers: ["k1:9092", "k2:9092"]
  topic: "transfers"
sweeper:
  interval: 2s
orders:
  default_ttl: 10m
  max_quantity: "250.5"
  max_open_orders: 100
logging:
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.HTTP.Port)
	assert.Equal(t, 5*time.Second, cfg.HTTP.ShutdownTimeout)
	assert.Equal(t, "postgres://localhost/pools", cfg.Database.URL)
	assert.Equal(t, time.Minute, cfg.Redis.TTL)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "transfers", cfg.Kafka.Topic)
	assert.Equal(t, 2*time.Second, cfg.Sweeper.Interval)
	assert.Equal(t, 10*time.Minute, cfg.Orders.DefaultTTL)
	assert.Equal(t, 250*model.Megawatt+500*model.Kilowatt, cfg.Orders.MaxQuantityCapacity())
	assert.Equal(t, 100, cfg.Orders.MaxOpenOrders)

	lvl, err := cfg.Logging.SlogLevel()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, lvl)
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.HTTP.Port)
	assert.Equal(t, 30*time.Second, cfg.Redis.TTL)
	assert.Equal(t, 5*time.Second, cfg.Sweeper.Interval)
	assert.Equal(t, 24*time.Hour, cfg.Sweeper.Retention)
	assert.Equal(t, 15*time.Minute, cfg.Orders.DefaultTTL)
	assert.Equal(t, model.Capacity(0), cfg.Orders.MaxQuantityCapacity())
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("EPOOL_ORDERS__MAX_OPEN_ORDERS", "7")
	t.Setenv("EPOOL_SWEEPER__INTERVAL", "250ms")
	t.Setenv("PORT", "7000")
	t.Setenv("DATABASE_URL", "postgres://env/pools")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Orders.MaxOpenOrders)
	assert.Equal(t, 250*time.Millisecond, cfg.Sweeper.Interval)
	assert.Equal(t, "7000", cfg.HTTP.Port)
	assert.Equal(t, "postgres://env/pools", cfg.Database.URL)
}

func TestLoadRejectsInvalid(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	dir := t.TempDir()

	cases := map[string]string{
		"bad_level.json":    `{"logging":{"level":"loud"}}`,
		"bad_quantity.json": `{"orders":{"max_quantity":"0.0000000001"}}`,
		"redis_only.json":   `{"redis":{"url":"redis://localhost"}}`,
	}
	for name, body := range cases {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
		_, err := Load(path)
		assert.Error(t, err, name)
	}

	_, err := Load(filepath.Join(dir, "config.toml"))
	assert.Error(t, err)
}
