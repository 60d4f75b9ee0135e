// Package config holds the connection settings of a transactional pool and the
// documented defaults they are merged over.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment variables overriding file values.
const EnvPrefix = "TXPOOL"

// Config describes how connections are created and how the pool is bounded.
type Config struct {
	// Name is the instance name, used as pool name and log field.
	Name string `mapstructure:"name" yaml:"name"`
	// Driver selects a registered dialect (pgx, postgres, mysql, sqlite3).
	Driver string `mapstructure:"driver" yaml:"driver"`
	// DSN, when set, is passed to the driver verbatim and the discrete fields are ignored.
	DSN string `mapstructure:"dsn" yaml:"dsn,omitempty"`

	User     string `mapstructure:"user" yaml:"user"`
	Password string `mapstructure:"password" yaml:"password"`
	Host     string `mapstructure:"host" yaml:"host"`
	Port     int    `mapstructure:"port" yaml:"port"`
	Database string `mapstructure:"database" yaml:"database"`
	SSLMode  string `mapstructure:"sslmode" yaml:"sslmode,omitempty"`

	ConnectionLimit      int `mapstructure:"connection_limit" yaml:"connection_limit"`
	MinConnections       int `mapstructure:"min_connections" yaml:"min_connections"`
	IdleTimeoutMillis    int `mapstructure:"idle_timeout_millis" yaml:"idle_timeout_millis"`
	ConnectTimeoutMillis int `mapstructure:"connect_timeout_millis" yaml:"connect_timeout_millis"`

	// BreakerThreshold is the number of consecutive connect failures after which
	// new connects fail fast for BreakerResetMillis. Zero disables the breaker.
	BreakerThreshold   int `mapstructure:"breaker_threshold" yaml:"breaker_threshold,omitempty"`
	BreakerResetMillis int `mapstructure:"breaker_reset_millis" yaml:"breaker_reset_millis,omitempty"`
}

// Defaults returns the documented default configuration.
func Defaults() Config {
	return Config{
		Name:                 "postgresql",
		Driver:               "pgx",
		User:                 "postgres",
		Password:             "",
		Host:                 "localhost",
		Port:                 5432,
		Database:             "postgres",
		ConnectionLimit:      10,
		MinConnections:       2,
		IdleTimeoutMillis:    30000,
		ConnectTimeoutMillis: 10000,
		BreakerResetMillis:   5000,
	}
}

// Merge overlays the non-zero fields of over onto base.
func Merge(base, over Config) Config {
	out := base
	setString(&out.Name, over.Name)
	setString(&out.Driver, over.Driver)
	setString(&out.DSN, over.DSN)
	setString(&out.User, over.User)
	setString(&out.Password, over.Password)
	setString(&out.Host, over.Host)
	setString(&out.Database, over.Database)
	setString(&out.SSLMode, over.SSLMode)
	setInt(&out.Port, over.Port)
	setInt(&out.ConnectionLimit, over.ConnectionLimit)
	setInt(&out.MinConnections, over.MinConnections)
	setInt(&out.IdleTimeoutMillis, over.IdleTimeoutMillis)
	setInt(&out.ConnectTimeoutMillis, over.ConnectTimeoutMillis)
	setInt(&out.BreakerThreshold, over.BreakerThreshold)
	setInt(&out.BreakerResetMillis, over.BreakerResetMillis)
	return out
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v > 0 {
		*dst = v
	}
}

// Normalize fills unspecified keys from Defaults and keeps the minimum pool
// size within the connection limit.
func (c Config) Normalize() Config {
	out := Merge(Defaults(), c)
	if out.MinConnections > out.ConnectionLimit {
		out.MinConnections = out.ConnectionLimit
	}
	return out
}

// Validate reports settings that cannot produce a working pool.
func (c Config) Validate() error {
	if c.Driver == "" {
		return errors.New("config: driver is required")
	}
	if c.ConnectionLimit < 1 {
		return fmt.Errorf("config: connection_limit must be positive, got %d", c.ConnectionLimit)
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("config: port out of range: %d", c.Port)
	}
	return nil
}

// IdleTimeout is the idle eviction threshold as a duration.
func (c Config) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutMillis) * time.Millisecond
}

// ConnectTimeout bounds a single connection attempt.
func (c Config) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutMillis) * time.Millisecond
}

// BreakerReset is how long an open connect breaker rejects attempts.
func (c Config) BreakerReset() time.Duration {
	return time.Duration(c.BreakerResetMillis) * time.Millisecond
}

// Redacted returns a copy safe to print.
func (c Config) Redacted() Config {
	if c.Password != "" {
		c.Password = "********"
	}
	if c.DSN != "" {
		c.DSN = redactDSN(c.DSN)
	}
	return c
}

func redactDSN(dsn string) string {
	fields := strings.Fields(dsn)
	for i, f := range fields {
		if strings.HasPrefix(f, "password=") {
			fields[i] = "password=********"
		}
	}
	return strings.Join(fields, " ")
}

// Load reads path (optional) and TXPOOL_* environment variables into a
// normalized Config.
func Load(path string) (Config, error) {
	return LoadWith(viper.New(), path)
}

// LoadWith is Load on a caller-supplied viper instance, so flags bound to it
// take precedence over file and environment values.
func LoadWith(v *viper.Viper, path string) (Config, error) {
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("error reading config file %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg = cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	d := Defaults()
	v.SetDefault("name", d.Name)
	v.SetDefault("driver", d.Driver)
	v.SetDefault("dsn", d.DSN)
	v.SetDefault("user", d.User)
	v.SetDefault("password", d.Password)
	v.SetDefault("host", d.Host)
	v.SetDefault("port", d.Port)
	v.SetDefault("database", d.Database)
	v.SetDefault("sslmode", d.SSLMode)
	v.SetDefault("connection_limit", d.ConnectionLimit)
	v.SetDefault("min_connections", d.MinConnections)
	v.SetDefault("idle_timeout_millis", d.IdleTimeoutMillis)
	v.SetDefault("connect_timeout_millis", d.ConnectTimeoutMillis)
	v.SetDefault("breaker_threshold", d.BreakerThreshold)
	v.SetDefault("breaker_reset_millis", d.BreakerResetMillis)
}
