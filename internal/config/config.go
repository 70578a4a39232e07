// Package config provides Viper-based configuration loading for the duel relay and client.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig holds top-level process settings.
type ServerConfig struct {
	// Mode is the process role: "relay" or "client".
	Mode string `mapstructure:"mode"`
	// Type is a free-form instance identifier used in logs.
	Type string `mapstructure:"type"`
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// DSN returns the PostgreSQL connection string.
//
// Precondition: Host, Port, User, and Name must be non-empty.
// Postcondition: Returns a valid PostgreSQL DSN string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode,
	)
}

// RelayConfig holds pub/sub relay settings shared by the relay server and its clients.
type RelayConfig struct {
	// Host is the bind address for the relay listener.
	Host string `mapstructure:"host"`
	// Port is the TCP port for the relay listener.
	Port int `mapstructure:"port"`
	// URL is the base websocket URL clients dial, e.g. "ws://127.0.0.1:8090".
	URL string `mapstructure:"url"`
	// WriteTimeout bounds a single frame write.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// PingInterval is how often the relay pings each connection.
	PingInterval time.Duration `mapstructure:"ping_interval"`
	// JoinTimeout is how long a client waits for the joined frame before reporting TIMED_OUT.
	JoinTimeout time.Duration `mapstructure:"join_timeout"`
	// SendBuffer is the per-member outbound queue length.
	SendBuffer int `mapstructure:"send_buffer"`
}

// Addr returns the "host:port" listen address.
//
// Postcondition: Returns a non-empty string in "host:port" format.
func (r RelayConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// SyncConfig holds the timing contract of the synchronization core.
type SyncConfig struct {
	// HeartbeatInterval is how often a connected client rewrites its last_heartbeat.
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	// StaleAfter is the heartbeat gap after which a peer is reported disconnected.
	StaleAfter time.Duration `mapstructure:"stale_after"`
	// SnapshotInterval is the full-state snapshot period.
	SnapshotInterval time.Duration `mapstructure:"snapshot_interval"`
	// ReconnectBase is the first reconnect delay; each later attempt doubles it.
	ReconnectBase time.Duration `mapstructure:"reconnect_base"`
	// ReconnectMax caps a single reconnect delay.
	ReconnectMax time.Duration `mapstructure:"reconnect_max"`
	// ReconnectAttempts is the number of reconnect attempts before giving up.
	ReconnectAttempts int `mapstructure:"reconnect_attempts"`
}

// DefaultSync returns the timing contract used when nothing is configured.
func DefaultSync() SyncConfig {
	return SyncConfig{
		HeartbeatInterval: 3 * time.Second,
		StaleAfter:        10 * time.Second,
		SnapshotInterval:  time.Second,
		ReconnectBase:     time.Second,
		ReconnectMax:      10 * time.Second,
		ReconnectAttempts: 5,
	}
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `mapstructure:"level"`
	// Format is the log output format: "json" or "console".
	Format string `mapstructure:"format"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Relay    RelayConfig    `mapstructure:"relay"`
	Sync     SyncConfig     `mapstructure:"sync"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// Validate checks all configuration invariants.
//
// Postcondition: Returns nil if configuration is valid, or an error describing all violations.
func (c Config) Validate() error {
	var errs []string

	if err := validateServer(c.Server); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateDatabase(c.Database); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateRelay(c.Relay); err != nil {
		errs = append(errs, err.Error())
	}
	if err := ValidateSync(c.Sync); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateLogging(c.Logging); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// RequireMode returns an error unless the configuration was written for the
// given process role.
func (c Config) RequireMode(mode string) error {
	if c.Server.Mode != mode {
		return fmt.Errorf("server.mode is %q; this binary runs as %q", c.Server.Mode, mode)
	}
	return nil
}

func validateServer(s ServerConfig) error {
	validModes := map[string]bool{"relay": true, "client": true}
	if !validModes[s.Mode] {
		return fmt.Errorf("server.mode must be one of [relay, client], got %q", s.Mode)
	}
	if s.Type == "" {
		return errors.New("server.type must not be empty")
	}
	return nil
}

func validateDatabase(d DatabaseConfig) error {
	var errs []string
	if d.Host == "" {
		errs = append(errs, "database.host must not be empty")
	}
	if d.Port < 1 || d.Port > 65535 {
		errs = append(errs, fmt.Sprintf("database.port must be 1-65535, got %d", d.Port))
	}
	if d.User == "" {
		errs = append(errs, "database.user must not be empty")
	}
	if d.Name == "" {
		errs = append(errs, "database.name must not be empty")
	}
	validSSL := map[string]bool{"disable": true, "require": true, "verify-ca": true, "verify-full": true}
	if !validSSL[d.SSLMode] {
		errs = append(errs, fmt.Sprintf("database.sslmode must be one of [disable, require, verify-ca, verify-full], got %q", d.SSLMode))
	}
	if d.MaxConns < 1 {
		errs = append(errs, fmt.Sprintf("database.max_conns must be >= 1, got %d", d.MaxConns))
	}
	if d.MinConns < 0 {
		errs = append(errs, fmt.Sprintf("database.min_conns must be >= 0, got %d", d.MinConns))
	}
	if d.MinConns > d.MaxConns {
		errs = append(errs, "database.min_conns must not exceed database.max_conns")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateRelay(r RelayConfig) error {
	var errs []string
	if r.Port < 1 || r.Port > 65535 {
		errs = append(errs, fmt.Sprintf("relay.port must be 1-65535, got %d", r.Port))
	}
	u, err := url.Parse(r.URL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		errs = append(errs, fmt.Sprintf("relay.url must be a ws:// or wss:// URL, got %q", r.URL))
	}
	if r.WriteTimeout <= 0 {
		errs = append(errs, "relay.write_timeout must be positive")
	}
	if r.PingInterval <= 0 {
		errs = append(errs, "relay.ping_interval must be positive")
	}
	if r.JoinTimeout <= 0 {
		errs = append(errs, "relay.join_timeout must be positive")
	}
	if r.SendBuffer < 1 {
		errs = append(errs, fmt.Sprintf("relay.send_buffer must be >= 1, got %d", r.SendBuffer))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// ValidateSync checks the synchronization timing contract.
//
// Postcondition: Returns nil if every interval is positive, attempts >= 1,
// and stale_after exceeds heartbeat_interval.
func ValidateSync(s SyncConfig) error {
	var errs []string
	durations := []struct {
		key string
		d   time.Duration
	}{
		{"sync.heartbeat_interval", s.HeartbeatInterval},
		{"sync.stale_after", s.StaleAfter},
		{"sync.snapshot_interval", s.SnapshotInterval},
		{"sync.reconnect_base", s.ReconnectBase},
		{"sync.reconnect_max", s.ReconnectMax},
	}
	for _, f := range durations {
		if f.d <= 0 {
			errs = append(errs, fmt.Sprintf("%s must be positive", f.key))
		}
	}
	if s.ReconnectMax < s.ReconnectBase {
		errs = append(errs, "sync.reconnect_max must not be below sync.reconnect_base")
	}
	if s.ReconnectAttempts < 1 {
		errs = append(errs, fmt.Sprintf("sync.reconnect_attempts must be >= 1, got %d", s.ReconnectAttempts))
	}
	if s.StaleAfter <= s.HeartbeatInterval {
		errs = append(errs, "sync.stale_after must exceed sync.heartbeat_interval")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateLogging(l LoggingConfig) error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[l.Level] {
		return fmt.Errorf("logging.level must be one of [debug, info, warn, error], got %q", l.Level)
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("logging.format must be one of [json, console], got %q", l.Format)
	}
	return nil
}

// Load reads configuration from the given file path, applies environment variable
// overrides, and validates the result.
//
// Precondition: path must be a valid file path to a YAML configuration file.
// Postcondition: Returns a valid Config or a non-nil error.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	// Environment variable overrides with DUEL_ prefix
	v.SetEnvPrefix("DUEL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}

	return LoadFromViper(v)
}

// LoadFromViper builds a Config from an already-configured Viper instance.
//
// Precondition: v must be non-nil and have configuration values set.
// Postcondition: Returns a valid Config or a non-nil error.
func LoadFromViper(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Defaults returns a Viper instance carrying only the default values.
// Binaries that run without a config file (offline client) load from it.
func Defaults() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("DUEL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.mode", "client")
	v.SetDefault("server.type", "duel")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "duel")
	v.SetDefault("database.password", "duel")
	v.SetDefault("database.name", "duel")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.max_conn_lifetime", "1h")

	v.SetDefault("relay.host", "0.0.0.0")
	v.SetDefault("relay.port", 8090)
	v.SetDefault("relay.url", "ws://127.0.0.1:8090")
	v.SetDefault("relay.write_timeout", "5s")
	v.SetDefault("relay.ping_interval", "15s")
	v.SetDefault("relay.join_timeout", "10s")
	v.SetDefault("relay.send_buffer", 64)

	d := DefaultSync()
	v.SetDefault("sync.heartbeat_interval", d.HeartbeatInterval)
	v.SetDefault("sync.stale_after", d.StaleAfter)
	v.SetDefault("sync.snapshot_interval", d.SnapshotInterval)
	v.SetDefault("sync.reconnect_base", d.ReconnectBase)
	v.SetDefault("sync.reconnect_max", d.ReconnectMax)
	v.SetDefault("sync.reconnect_attempts", d.ReconnectAttempts)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}
