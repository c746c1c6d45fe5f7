// Package config provides configuration management using viper.
// It supports loading from YAML files and environment variable overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Coinflip CoinflipConfig `mapstructure:"coinflip"`
	Lock     LockConfig     `mapstructure:"lock"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig holds PostgreSQL connection configuration.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	PoolSize        int           `mapstructure:"pool_size"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
}

// RedisConfig holds the shared lock-store connection configuration.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// CoinflipConfig holds the settlement engine parameters. Tax rate and join
// tolerance are deliberately configuration, not constants.
type CoinflipConfig struct {
	TaxRate         float64 `mapstructure:"tax_rate"`
	JoinTolerance   float64 `mapstructure:"join_tolerance"`
	RewardPoolShare float64 `mapstructure:"reward_pool_share"`
	CollectorID     int64   `mapstructure:"collector_id"`
	MaxItemsPerSide int     `mapstructure:"max_items_per_side"`
}

// LockConfig holds distributed lock tuning.
type LockConfig struct {
	TTL        time.Duration `mapstructure:"ttl"`
	Retries    int           `mapstructure:"retries"`
	RetryDelay time.Duration `mapstructure:"retry_delay"`
	IntentTTL  time.Duration `mapstructure:"intent_ttl"`
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=disable",
		d.User, d.Password, d.Host, d.Port, d.Name,
	)
}

// Load reads configuration from file and environment variables.
// It looks for config.yaml in the config directory.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Configure viper
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configPath)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	// Enable environment variable override
	// Environment variables use underscore separator and uppercase
	// e.g., DATABASE_HOST, REDIS_ADDR, COINFLIP_TAX_RATE
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file (optional - env vars can provide all config)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found is OK - we can use env vars
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks that the coinflip parameters are sane.
func (c *Config) Validate() error {
	cf := c.Coinflip
	if cf.TaxRate < 0 || cf.TaxRate >= 1 {
		return fmt.Errorf("coinflip.tax_rate must be in [0,1), got %v", cf.TaxRate)
	}
	if cf.JoinTolerance < 0 || cf.JoinTolerance >= 1 {
		return fmt.Errorf("coinflip.join_tolerance must be in [0,1), got %v", cf.JoinTolerance)
	}
	if cf.RewardPoolShare < 0 || cf.RewardPoolShare > 1 {
		return fmt.Errorf("coinflip.reward_pool_share must be in [0,1], got %v", cf.RewardPoolShare)
	}
	if cf.CollectorID == 0 {
		return fmt.Errorf("coinflip.collector_id is required")
	}
	if c.Lock.TTL <= 0 {
		return fmt.Errorf("lock.ttl must be positive, got %v", c.Lock.TTL)
	}
	return nil
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.shutdown_timeout", "10s")

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "coinflip")
	v.SetDefault("database.name", "coinflip")
	v.SetDefault("database.pool_size", 20)
	v.SetDefault("database.connect_timeout", "10s")
	v.SetDefault("database.max_conn_lifetime", "1h")
	v.SetDefault("database.max_conn_idle_time", "30m")

	// Redis defaults
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)

	// Coinflip defaults
	v.SetDefault("coinflip.tax_rate", 0.12)
	v.SetDefault("coinflip.join_tolerance", 0.05)
	v.SetDefault("coinflip.reward_pool_share", 0.15)
	v.SetDefault("coinflip.collector_id", 1)
	v.SetDefault("coinflip.max_items_per_side", 20)

	// Lock defaults: TTL in seconds, not minutes, so a crashed holder
	// cannot wedge an item for long.
	v.SetDefault("lock.ttl", "10s")
	v.SetDefault("lock.retries", 3)
	v.SetDefault("lock.retry_delay", "150ms")
	v.SetDefault("lock.intent_ttl", "15s")
}
