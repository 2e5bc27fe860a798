// Package config loads the pool engine configuration from an optional
// YAML or JSON file, then applies environment overrides.
//
// Overrides use the EPOOL_ prefix with "__" between levels, e.g.
// EPOOL_ORDERS__MAX_OPEN_ORDERS=500. DATABASE_URL, REDIS_URL and PORT are
// honoured last so existing deployments keep working.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/energypool/pool-engine/internal/model"
)

const envPrefix = "EPOOL_"

type Config struct {
	HTTP     HTTPConfig     `json:"http"`
	Database DatabaseConfig `json:"database"`
	Redis    RedisConfig    `json:"redis"`
	Kafka    KafkaConfig    `json:"kafka"`
	Sweeper  SweeperConfig  `json:"sweeper"`
	Orders   OrdersConfig   `json:"orders"`
	Logging  LoggingConfig  `json:"logging"`
}

// HTTPConfig configures the API listener.
type HTTPConfig struct {
	Port            string        `json:"port"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout"`
}

// DatabaseConfig selects PostgreSQL. An empty URL selects the in-memory store.
type DatabaseConfig struct {
	URL string `json:"url"`
}

// RedisConfig enables the read-through cache in front of PostgreSQL.
type RedisConfig struct {
	URL string        `json:"url"`
	TTL time.Duration `json:"ttl"`
}

// KafkaConfig enables the Kafka transfer feed when Brokers is set.
type KafkaConfig struct {
	Brokers []string `json:"brokers"`
	Topic   string   `json:"topic"`
}

// SweeperConfig controls background expiry. Retention is how long released
// and committed reservations stay in memory after they expire.
type SweeperConfig struct {
	Interval  time.Duration `json:"interval"`
	Retention time.Duration `json:"retention"`
}

// OrdersConfig bounds order admission. MaxQuantity is in MW; empty or zero
// disables the limit, as does a zero MaxOpenOrders.
type OrdersConfig struct {
	DefaultTTL    time.Duration `json:"default_ttl"`
	MaxQuantity   string        `json:"max_quantity"`
	MaxOpenOrders int           `json:"max_open_orders"`

	maxQuantity model.Capacity
}

// MaxQuantityCapacity returns the parsed MaxQuantity. Valid after Validate.
func (c OrdersConfig) MaxQuantityCapacity() model.Capacity { return c.maxQuantity }

type LoggingConfig struct {
	Level string `json:"level"`
}

// Load reads path (if non-empty) and the environment. A missing file is an
// error; an empty path means environment only.
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	if path != "" {
		var parser koanf.Parser
		switch ext := strings.ToLower(filepath.Ext(path)); ext {
		case ".yaml", ".yml":
			parser = yaml.Parser()
		case ".json":
			parser = json.Parser()
		default:
			return nil, fmt.Errorf("unsupported config format: %s", ext)
		}
		if err := k.Load(file.Provider(path), parser); err != nil {
			return nil, fmt.Errorf("config: load %s: %w", path, err)
		}
	}
	if err := k.Load(env.Provider(envPrefix, "__", func(s string) string {
		s = strings.TrimPrefix(strings.ToLower(s), strings.ToLower(envPrefix))
		return strings.ReplaceAll(s, "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("config: load env: %w", err)
	}

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	cfg.applyLegacyEnv()
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyLegacyEnv() {
	if v, ok := os.LookupEnv("DATABASE_URL"); ok && v != "" {
		c.Database.URL = v
	}
	if v, ok := os.LookupEnv("REDIS_URL"); ok && v != "" {
		c.Redis.URL = v
	}
	if v, ok := os.LookupEnv("PORT"); ok && v != "" {
		c.HTTP.Port = v
	}
}

// SetDefaults fills every unset field.
func (c *Config) SetDefaults() {
	if c.HTTP.Port == "" {
		c.HTTP.Port = "8080"
	}
	if c.HTTP.ShutdownTimeout <= 0 {
		c.HTTP.ShutdownTimeout = 5 * time.Second
	}
	if c.Redis.TTL <= 0 {
		c.Redis.TTL = 30 * time.Second
	}
	if c.Kafka.Topic == "" {
		c.Kafka.Topic = "pool-transfers"
	}
	if c.Sweeper.Interval <= 0 {
		c.Sweeper.Interval = 5 * time.Second
	}
	if c.Sweeper.Retention <= 0 {
		c.Sweeper.Retention = 24 * time.Hour
	}
	if c.Orders.DefaultTTL <= 0 {
		c.Orders.DefaultTTL = 15 * time.Minute
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Validate checks field values and parses derived settings.
func (c *Config) Validate() error {
	var errs []error
	if c.Orders.MaxOpenOrders < 0 {
		errs = append(errs, fmt.Errorf("orders.max_open_orders %d is negative", c.Orders.MaxOpenOrders))
	}
	if c.Orders.MaxQuantity != "" {
		q, err := model.ParseCapacity(c.Orders.MaxQuantity)
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("orders.max_quantity: %w", err))
		case q < 0:
			errs = append(errs, fmt.Errorf("orders.max_quantity %s is negative", q))
		default:
			c.Orders.maxQuantity = q
		}
	}
	if _, err := c.Logging.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	if c.Redis.URL != "" && c.Database.URL == "" {
		errs = append(errs, errors.New("redis.url requires database.url"))
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		errs = append(errs, errors.New("kafka.topic is required with kafka.brokers"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// SlogLevel parses Level ("debug", "info", "warn", "error").
func (c LoggingConfig) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.Level)); err != nil {
		return 0, fmt.Errorf("logging.level: %w", err)
	}
	return lvl, nil
}
