// Package config loads datalayer settings from datalayer.yaml and
// DATALAYER_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/conduit-lang/datalayer/internal/orm/transform"
)

// EnvPrefix prefixes every environment override, e.g. DATALAYER_DATABASE_URL
const EnvPrefix = "DATALAYER"

// Config represents the datalayer configuration
type Config struct {
	Database      DatabaseConfig   `mapstructure:"database"`
	Timezone      TimezoneConfig   `mapstructure:"timezone"`
	DateLayouts   []string         `mapstructure:"date_layouts"`
	Pagination    PaginationConfig `mapstructure:"pagination"`
	OrderingField string           `mapstructure:"ordering_field"`
	PasswordMask  string           `mapstructure:"password_mask"`
	Audit         AuditConfig      `mapstructure:"audit"`
	Redis         RedisConfig      `mapstructure:"redis"`
	Security      SecurityConfig   `mapstructure:"security"`
	Async         AsyncConfig      `mapstructure:"async"`
	Log           LogConfig        `mapstructure:"log"`
}

// DatabaseConfig represents database configuration
type DatabaseConfig struct {
	Driver string `mapstructure:"driver"`
	URL    string `mapstructure:"url"`
}

// TimezoneConfig controls datetime shifting between UTC and the caller
type TimezoneConfig struct {
	Handling bool `mapstructure:"handling"`
}

// PaginationConfig holds page size defaults
type PaginationConfig struct {
	DefaultSize int `mapstructure:"default_size"`
	MaxSize     int `mapstructure:"max_size"`
}

// AuditConfig selects the audit sinks
type AuditConfig struct {
	// Backends is a comma-separated list of zap, sql and redis
	Backends string `mapstructure:"backends"`
	RedisKey string `mapstructure:"redis_key"`
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// SecurityConfig holds token settings
type SecurityConfig struct {
	JWTSecret string        `mapstructure:"jwt_secret"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
}

// AsyncConfig sizes the detached worker pool
type AsyncConfig struct {
	Workers int `mapstructure:"workers"`
	Buffer  int `mapstructure:"buffer"`
}

// LogConfig configures the zap logger
type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.driver", "pgx")
	v.SetDefault("database.url", "")
	v.SetDefault("timezone.handling", true)
	v.SetDefault("date_layouts", transform.DefaultDateLayouts)
	v.SetDefault("pagination.default_size", 20)
	v.SetDefault("pagination.max_size", 500)
	v.SetDefault("ordering_field", "ordering")
	v.SetDefault("password_mask", transform.DefaultPasswordMask)
	v.SetDefault("audit.backends", "zap")
	v.SetDefault("audit.redis_key", "datalayer:audit")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("security.jwt_secret", "")
	v.SetDefault("security.token_ttl", "24h")
	v.SetDefault("async.workers", 4)
	v.SetDefault("async.buffer", 100)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
}

// Load reads datalayer.yaml from the working directory, if present
func Load() (*Config, error) {
	return LoadFile("")
}

// LoadFile reads the configuration from path. An empty path searches the
// working directory for datalayer.yaml.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("datalayer")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
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

// Validate checks values viper cannot check by type
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "pgx", "postgres", "sqlite3":
	default:
		return fmt.Errorf("database.driver must be one of pgx, postgres, sqlite3, got: %s", c.Database.Driver)
	}
	if c.Pagination.DefaultSize <= 0 {
		return fmt.Errorf("pagination.default_size must be positive, got: %d", c.Pagination.DefaultSize)
	}
	if c.Pagination.MaxSize < c.Pagination.DefaultSize {
		return fmt.Errorf("pagination.max_size (%d) must not be below default_size (%d)",
			c.Pagination.MaxSize, c.Pagination.DefaultSize)
	}
	if _, err := zap.ParseAtomicLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	return nil
}

// Options is the immutable runtime configuration handed to the repository
// and the transformer at construction time
type Options struct {
	TimezoneHandling bool
	DateLayouts      []string
	DefaultPageSize  int
	MaxPageSize      int
	OrderingField    string
	PasswordMask     string
}

// Options returns a copy of the runtime options
func (c *Config) Options() Options {
	return Options{
		TimezoneHandling: c.Timezone.Handling,
		DateLayouts:      append([]string(nil), c.DateLayouts...),
		DefaultPageSize:  c.Pagination.DefaultSize,
		MaxPageSize:      c.Pagination.MaxSize,
		OrderingField:    c.OrderingField,
		PasswordMask:     c.PasswordMask,
	}
}

// DefaultOptions returns the options of an empty configuration
func DefaultOptions() Options {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return cfg.Options()
}

// Transform returns the transformer options derived from o
func (o Options) Transform(hasher transform.Hasher, logger *zap.Logger) transform.Options {
	return transform.Options{
		TimezoneHandling: o.TimezoneHandling,
		PasswordMask:     o.PasswordMask,
		DateLayouts:      append([]string(nil), o.DateLayouts...),
		Hasher:           hasher,
		Logger:           logger,
	}
}

// NewLogger builds the zap logger described by the log section
func (c *Config) NewLogger() (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(c.Log.Level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if c.Log.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = level
	return zc.Build()
}
