// Package config provides Viper-based configuration loading for the chat relay.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig holds the WebSocket/HTTP listener settings.
type ServerConfig struct {
	// Host is the bind address for the HTTP listener.
	Host string `mapstructure:"host"`
	// Port is the TCP port for the HTTP listener.
	Port int `mapstructure:"port"`
	// WriteTimeout is the per-message write deadline for WebSocket frames.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// PongTimeout is how long a connection may go without a transport pong
	// before the read loop gives up.
	PongTimeout time.Duration `mapstructure:"pong_timeout"`
	// PingInterval is the transport-level keepalive ping cadence. Must be
	// shorter than PongTimeout.
	PingInterval time.Duration `mapstructure:"ping_interval"`
	// MaxMessageBytes bounds the size of a single inbound frame.
	MaxMessageBytes int64 `mapstructure:"max_message_bytes"`
}

// Addr returns the "host:port" listen address.
//
// Postcondition: Returns a non-empty string in "host:port" format.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
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

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `mapstructure:"level"`
	// Format is the log output format: "json" or "console".
	Format string `mapstructure:"format"`
}

// AuthConfig holds handshake token verification settings.
type AuthConfig struct {
	// Secret is the HMAC signing secret for handshake tokens.
	Secret string `mapstructure:"secret"`
	// Issuer, when non-empty, is required to match the token's "iss" claim.
	Issuer string `mapstructure:"issuer"`
}

// BroadcastConfig holds fan-out and acknowledgment tracking settings.
type BroadcastConfig struct {
	// AckTimeout is how long a tracked broadcast waits for all acknowledgments.
	AckTimeout time.Duration `mapstructure:"ack_timeout"`
	// SweepInterval is the cadence of the empty-room / stale-ack sweeper.
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	// OutboxBuffer is the per-connection outbound event queue depth.
	OutboxBuffer int `mapstructure:"outbox_buffer"`
}

// ClientConfig holds connection supervisor settings for the client library.
type ClientConfig struct {
	// HeartbeatInterval is the cadence of latency-sampling heartbeats.
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	// HeartbeatTimeout bounds how long a heartbeat round-trip may take before
	// it is recorded as a pessimistic latency sample.
	HeartbeatTimeout time.Duration `mapstructure:"heartbeat_timeout"`
	// ReconnectBase is the first reconnect delay in the backoff ladder.
	ReconnectBase time.Duration `mapstructure:"reconnect_base"`
	// ReconnectCap bounds the backoff ladder.
	ReconnectCap time.Duration `mapstructure:"reconnect_cap"`
	// MaxReconnectAttempts is the number of consecutive failures tolerated
	// before the supervisor gives up.
	MaxReconnectAttempts int `mapstructure:"max_reconnect_attempts"`
	// EmitTimeout is the default correlated request/response timeout.
	EmitTimeout time.Duration `mapstructure:"emit_timeout"`
}

// Config is the top-level application configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Broadcast BroadcastConfig `mapstructure:"broadcast"`
	Client    ClientConfig    `mapstructure:"client"`
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
	if err := validateLogging(c.Logging); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateAuth(c.Auth); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateBroadcast(c.Broadcast); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateClient(c.Client); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func validateServer(s ServerConfig) error {
	var errs []string
	if s.Port < 1 || s.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server.port must be 1-65535, got %d", s.Port))
	}
	if s.WriteTimeout <= 0 {
		errs = append(errs, "server.write_timeout must be > 0")
	}
	if s.PongTimeout <= 0 {
		errs = append(errs, "server.pong_timeout must be > 0")
	}
	if s.PingInterval <= 0 {
		errs = append(errs, "server.ping_interval must be > 0")
	}
	if s.PingInterval > 0 && s.PongTimeout > 0 && s.PingInterval >= s.PongTimeout {
		errs = append(errs, "server.ping_interval must be shorter than server.pong_timeout")
	}
	if s.MaxMessageBytes < 1 {
		errs = append(errs, fmt.Sprintf("server.max_message_bytes must be >= 1, got %d", s.MaxMessageBytes))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
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

func validateAuth(a AuthConfig) error {
	if a.Secret == "" {
		return errors.New("auth.secret must not be empty")
	}
	return nil
}

func validateBroadcast(b BroadcastConfig) error {
	var errs []string
	if b.AckTimeout <= 0 {
		errs = append(errs, "broadcast.ack_timeout must be > 0")
	}
	if b.SweepInterval <= 0 {
		errs = append(errs, "broadcast.sweep_interval must be > 0")
	}
	if b.OutboxBuffer < 1 {
		errs = append(errs, fmt.Sprintf("broadcast.outbox_buffer must be >= 1, got %d", b.OutboxBuffer))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateClient(c ClientConfig) error {
	var errs []string
	if c.HeartbeatInterval <= 0 {
		errs = append(errs, "client.heartbeat_interval must be > 0")
	}
	if c.HeartbeatTimeout <= 0 {
		errs = append(errs, "client.heartbeat_timeout must be > 0")
	}
	if c.ReconnectBase <= 0 {
		errs = append(errs, "client.reconnect_base must be > 0")
	}
	if c.ReconnectCap < c.ReconnectBase {
		errs = append(errs, "client.reconnect_cap must be >= client.reconnect_base")
	}
	if c.MaxReconnectAttempts < 1 {
		errs = append(errs, fmt.Sprintf("client.max_reconnect_attempts must be >= 1, got %d", c.MaxReconnectAttempts))
	}
	if c.EmitTimeout <= 0 {
		errs = append(errs, "client.emit_timeout must be > 0")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
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

	// Environment variable overrides with CHATRELAY_ prefix
	v.SetEnvPrefix("CHATRELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
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

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.write_timeout", "10s")
	v.SetDefault("server.pong_timeout", "60s")
	v.SetDefault("server.ping_interval", "54s")
	v.SetDefault("server.max_message_bytes", 65536)

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "chatrelay")
	v.SetDefault("database.password", "chatrelay")
	v.SetDefault("database.name", "chatrelay")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.max_conn_lifetime", "1h")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("auth.issuer", "chatrelay")

	v.SetDefault("broadcast.ack_timeout", "5s")
	v.SetDefault("broadcast.sweep_interval", "5m")
	v.SetDefault("broadcast.outbox_buffer", 64)

	v.SetDefault("client.heartbeat_interval", "25s")
	v.SetDefault("client.heartbeat_timeout", "5s")
	v.SetDefault("client.reconnect_base", "1s")
	v.SetDefault("client.reconnect_cap", "30s")
	v.SetDefault("client.max_reconnect_attempts", 10)
	v.SetDefault("client.emit_timeout", "10s")
}
