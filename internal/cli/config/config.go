// Package config loads fhirrouter.yaml, environment overrides and command
// line flags into one validated Config.
package config

import (
	"errors"
	"fmt"
	"mime"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/conduit-lang/fhirrouter/internal/store"
	"github.com/conduit-lang/fhirrouter/internal/web/cache"
	"github.com/conduit-lang/fhirrouter/internal/web/ratelimit"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ErrInvalid is returned when a loaded configuration fails validation
var ErrInvalid = errors.New("invalid configuration")

// Config represents the fhirrouter configuration
type Config struct {
	// Conformance is the path of the conformance statement (JSON or YAML)
	Conformance string `mapstructure:"conformance"`
	// Definitions is an optional directory of StructureDefinition JSON files
	Definitions string `mapstructure:"definitions"`
	ContentType string `mapstructure:"content_type"`

	Database DatabaseConfig `mapstructure:"database"`
	Server   ServerConfig   `mapstructure:"server"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Limit    LimitConfig    `mapstructure:"ratelimit"`
	Log      LogConfig      `mapstructure:"log"`
}

// DatabaseConfig represents database configuration
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	URL             string        `mapstructure:"url"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
}

// ServerConfig represents server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CertFile        string        `mapstructure:"cert_file"`
	KeyFile         string        `mapstructure:"key_file"`
	// DebugAddr enables the pprof listener when set, e.g. localhost:6060
	DebugAddr       string        `mapstructure:"debug_addr"`
}

// CacheConfig represents read cache configuration
type CacheConfig struct {
	Driver   string        `mapstructure:"driver"`
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// LimitConfig represents per-client rate limiting. The redis driver
// shares the cache connection settings.
type LimitConfig struct {
	Driver   string        `mapstructure:"driver"`
	Requests int           `mapstructure:"requests"`
	Window   time.Duration `mapstructure:"window"`
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// New returns a viper instance with defaults and environment binding set.
// Commands bind their flags to it before calling Load.
func New() *viper.Viper {
	v := viper.New()

	v.SetDefault("conformance", "")
	v.SetDefault("definitions", "")
	v.SetDefault("content_type", "application/json")
	v.SetDefault("database.driver", "memory")
	v.SetDefault("database.max_open_conns", 0)
	v.SetDefault("database.max_idle_conns", 0)
	v.SetDefault("database.conn_max_lifetime", time.Duration(0))
	v.SetDefault("database.conn_max_idle_time", time.Duration(0))
	v.SetDefault("server.host", "")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("server.cert_file", "")
	v.SetDefault("server.key_file", "")
	v.SetDefault("server.debug_addr", "")
	v.SetDefault("cache.driver", "none")
	v.SetDefault("cache.addr", "localhost:6379")
	v.SetDefault("cache.password", "")
	v.SetDefault("cache.db", 0)
	v.SetDefault("cache.ttl", 5*time.Minute)
	v.SetDefault("ratelimit.driver", "none")
	v.SetDefault("ratelimit.requests", 100)
	v.SetDefault("ratelimit.window", time.Minute)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetConfigName("fhirrouter")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("FHIRROUTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.BindEnv("database.url", "FHIRROUTER_DATABASE_URL", "DATABASE_URL")

	return v
}

// Load reads the configuration. file overrides the fhirrouter.yaml lookup
// in the working directory; a missing default file is not an error.
func Load(v *viper.Viper, file string) (*Config, error) {
	if file != "" {
		v.SetConfigFile(file)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
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

// Validate checks the configuration
func (c *Config) Validate() error {
	if c.Conformance == "" {
		return fmt.Errorf("%w: conformance statement path is required", ErrInvalid)
	}

	if mediaType, _, err := mime.ParseMediaType(c.ContentType); err != nil || mediaType != c.ContentType {
		return fmt.Errorf("%w: content_type must be a bare media type, got %q", ErrInvalid, c.ContentType)
	}

	switch c.Database.Driver {
	case "memory":
	case "sqlite", "postgres":
		if c.Database.URL == "" {
			return fmt.Errorf("%w: database.url is required for the %s driver", ErrInvalid, c.Database.Driver)
		}
	default:
		return fmt.Errorf("%w: database.driver must be memory, sqlite or postgres, got %q", ErrInvalid, c.Database.Driver)
	}

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("%w: server.port out of range: %d", ErrInvalid, c.Server.Port)
	}
	if (c.Server.CertFile == "") != (c.Server.KeyFile == "") {
		return fmt.Errorf("%w: server.cert_file and server.key_file must be set together", ErrInvalid)
	}

	if c.Server.DebugAddr != "" {
		if _, _, err := net.SplitHostPort(c.Server.DebugAddr); err != nil {
			return fmt.Errorf("%w: server.debug_addr: %w", ErrInvalid, err)
		}
	}

	switch c.Cache.Driver {
	case "none", "memory", "redis":
	default:
		return fmt.Errorf("%w: cache.driver must be none, memory or redis, got %q", ErrInvalid, c.Cache.Driver)
	}

	switch c.Limit.Driver {
	case "none":
	case "memory", "redis":
		if c.Limit.Requests <= 0 || c.Limit.Window <= 0 {
			return fmt.Errorf("%w: ratelimit.requests and ratelimit.window must be positive", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: ratelimit.driver must be none, memory or redis, got %q", ErrInvalid, c.Limit.Driver)
	}

	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("%w: log.level: %w", ErrInvalid, err)
	}
	if c.Log.Format != "json" && c.Log.Format != "console" {
		return fmt.Errorf("%w: log.format must be json or console, got %q", ErrInvalid, c.Log.Format)
	}

	return nil
}

// Address returns the server listen address
func (c *Config) Address() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port))
}

// Descriptor returns the store connection descriptor
func (c *Config) Descriptor() store.Descriptor {
	pool := store.DefaultPoolConfig()
	if c.Database.MaxOpenConns > 0 {
		pool.MaxOpenConns = c.Database.MaxOpenConns
	}
	if c.Database.MaxIdleConns > 0 {
		pool.MaxIdleConns = c.Database.MaxIdleConns
	}
	if c.Database.ConnMaxLifetime > 0 {
		pool.ConnMaxLifetime = c.Database.ConnMaxLifetime
	}
	if c.Database.ConnMaxIdleTime > 0 {
		pool.ConnMaxIdleTime = c.Database.ConnMaxIdleTime
	}
	return store.Descriptor{Driver: c.Database.Driver, URL: c.Database.URL, Pool: pool}
}

// CacheOptions returns the read cache configuration
func (c *Config) CacheOptions() cache.Config {
	return cache.Config{
		Driver:   c.Cache.Driver,
		Addr:     c.Cache.Addr,
		Password: c.Cache.Password,
		DB:       c.Cache.DB,
		TTL:      c.Cache.TTL,
	}
}

// LimitOptions returns the rate limiter configuration
func (c *Config) LimitOptions() ratelimit.Config {
	return ratelimit.Config{
		Driver:   c.Limit.Driver,
		Limit:    c.Limit.Requests,
		Window:   c.Limit.Window,
		Addr:     c.Cache.Addr,
		Password: c.Cache.Password,
		DB:       c.Cache.DB,
	}
}

// NewLogger builds the process logger
func (c *Config) NewLogger() (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(c.Log.Level)
	if err != nil {
		return nil, err
	}

	zc := zap.NewProductionConfig()
	if c.Log.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = level
	return zc.Build()
}
