// Package config provides YAML-based configuration loading for hiredrive,
// with HD_* environment variables overriding file values.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Database drivers understood by db.Open.
const (
	DriverMySQL  = "mysql"
	DriverSQLite = "sqlite"
)

// Config is the top-level hiredrive configuration, loaded from hiredrive.yaml.
type Config struct {
	Listen   string         `yaml:"listen" env:"HD_LISTEN"`
	Database DatabaseConfig `yaml:"database"`
	Relay    RelayConfig    `yaml:"relay"`
	Auth     AuthConfig     `yaml:"auth"`
	Notify   NotifyConfig   `yaml:"notify"`
	Log      LogConfig      `yaml:"log"`
}

// DatabaseConfig selects and locates the message/booking database.
type DatabaseConfig struct {
	Driver   string `yaml:"driver" env:"HD_DB_DRIVER"`
	Host     string `yaml:"host" env:"HD_DB_HOST"`
	Port     int    `yaml:"port" env:"HD_DB_PORT"`
	Database string `yaml:"database" env:"HD_DB_NAME"`
	User     string `yaml:"user" env:"HD_DB_USER"`
	Password string `yaml:"password" env:"HD_DB_PASSWORD"`
	Path     string `yaml:"path" env:"HD_DB_PATH"` // sqlite only
}

// RelayConfig tunes the booking chat relay.
type RelayConfig struct {
	Path             string `yaml:"path"`
	SendBuffer       int    `yaml:"send_buffer"`
	WriteTimeoutSec  int    `yaml:"write_timeout_sec"`
	PongTimeoutSec   int    `yaml:"pong_timeout_sec"`
	MaxFrameBytes    int64  `yaml:"max_frame_bytes"`
	MaxMessageLength int    `yaml:"max_message_length"`
	Acknowledge      bool   `yaml:"acknowledge" env:"HD_RELAY_ACKNOWLEDGE"`
	AuthorizeJoin    bool   `yaml:"authorize_join" env:"HD_RELAY_AUTHORIZE_JOIN"`
	HistoryLimit     int    `yaml:"history_limit"`
	StatsSchedule    string `yaml:"stats_schedule"`
	// NotifyCooldownSec spaces offline notifications per booking. Zero
	// means the default; a negative value notifies on every message.
	NotifyCooldownSec int      `yaml:"notify_cooldown_sec" env:"HD_RELAY_NOTIFY_COOLDOWN_SEC"`
	AllowedOrigins    []string `yaml:"allowed_origins"`
}

// AuthConfig configures bearer token verification.
type AuthConfig struct {
	JWTSecret    string `yaml:"jwt_secret" env:"HD_JWT_SECRET"`
	Issuer       string `yaml:"issuer"`
	RequireToken bool   `yaml:"require_token" env:"HD_REQUIRE_TOKEN"`
}

// NotifyConfig configures offline-recipient notifications. Every adapter is
// optional.
type NotifyConfig struct {
	SlackWebhookURL  string `yaml:"slack_webhook_url" env:"HD_SLACK_WEBHOOK_URL"`
	DiscordToken     string `yaml:"discord_token" env:"HD_DISCORD_TOKEN"`
	DiscordChannelID string `yaml:"discord_channel_id" env:"HD_DISCORD_CHANNEL_ID"`
}

// LogConfig controls the slog handler.
type LogConfig struct {
	Level  string `yaml:"level" env:"HD_LOG_LEVEL"`
	Format string `yaml:"format" env:"HD_LOG_FORMAT"`
}

// Load reads a YAML config file from path and returns a validated Config.
// Environment variables from the current process override file values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return ParseWithEnv(data, env.ToMap(os.Environ()))
}

// Parse unmarshals YAML bytes into a validated Config without consulting the
// environment.
func Parse(data []byte) (*Config, error) {
	return ParseWithEnv(data, map[string]string{})
}

// ParseWithEnv unmarshals YAML bytes, applies overrides from environ, fills
// defaults and validates the result.
func ParseWithEnv(data []byte, environ map[string]string) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Environment: environ}); err != nil {
		return nil, fmt.Errorf("config: env: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Listen == "" {
		c.Listen = ":5000"
	}
	if c.Database.Driver == "" {
		c.Database.Driver = DriverSQLite
	}
	switch c.Database.Driver {
	case DriverMySQL:
		if c.Database.Host == "" {
			c.Database.Host = "127.0.0.1"
		}
		if c.Database.Port == 0 {
			c.Database.Port = 3306
		}
		if c.Database.Database == "" {
			c.Database.Database = "hiredrive"
		}
		if c.Database.User == "" {
			c.Database.User = "root"
		}
	case DriverSQLite:
		if c.Database.Path == "" {
			c.Database.Path = "hiredrive.db"
		}
	}

	r := &c.Relay
	if r.Path == "" {
		r.Path = "/ws"
	}
	if r.SendBuffer == 0 {
		r.SendBuffer = 256
	}
	if r.WriteTimeoutSec == 0 {
		r.WriteTimeoutSec = 10
	}
	if r.PongTimeoutSec == 0 {
		r.PongTimeoutSec = 60
	}
	if r.MaxFrameBytes == 0 {
		r.MaxFrameBytes = 64 << 10
	}
	if r.MaxMessageLength == 0 {
		r.MaxMessageLength = 2000
	}
	if r.StatsSchedule == "" {
		r.StatsSchedule = "*/5 * * * *"
	}
	if r.NotifyCooldownSec == 0 {
		r.NotifyCooldownSec = 300
	}

	if c.Auth.Issuer == "" {
		c.Auth.Issuer = "hiredrive"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	switch c.Database.Driver {
	case DriverMySQL, DriverSQLite:
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q is not supported (mysql, sqlite)", c.Database.Driver))
	}
	if !strings.HasPrefix(c.Relay.Path, "/") {
		errs = append(errs, "relay.path must start with /")
	}
	if c.Relay.SendBuffer < 0 {
		errs = append(errs, "relay.send_buffer must be positive")
	}
	if c.Relay.WriteTimeoutSec < 0 || c.Relay.PongTimeoutSec < 0 {
		errs = append(errs, "relay timeouts must be positive")
	}
	if c.Relay.MaxMessageLength < 0 {
		errs = append(errs, "relay.max_message_length must be positive")
	}
	if c.Relay.HistoryLimit < 0 || c.Relay.HistoryLimit > 500 {
		errs = append(errs, "relay.history_limit must be between 0 and 500")
	}
	if c.Auth.RequireToken && c.Auth.JWTSecret == "" {
		errs = append(errs, "auth.jwt_secret is required when auth.require_token is set")
	}
	if (c.Notify.DiscordToken == "") != (c.Notify.DiscordChannelID == "") {
		errs = append(errs, "notify.discord_token and notify.discord_channel_id must be set together")
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Sprintf("log.format %q is not supported (json, text)", c.Log.Format))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
