// Package config defines the top-level configuration for the trading bot and
// provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by STOCKBOT_* environment variables.
type Config struct {
	Broker      BrokerConfig      `toml:"broker"`
	Feed        FeedConfig        `toml:"feed"`
	Policy      PolicyConfig      `toml:"policy"`
	Engine      EngineConfig      `toml:"engine"`
	Persistence PersistenceConfig `toml:"persistence"`
	Postgres    PostgresConfig    `toml:"postgres"`
	Redis       RedisConfig       `toml:"redis"`
	S3          S3Config          `toml:"s3"`
	Journal     JournalConfig     `toml:"journal"`
	Server      ServerConfig      `toml:"server"`
	Notify      NotifyConfig      `toml:"notify"`
	Mode        string            `toml:"mode"`
	LogLevel    string            `toml:"log_level"`
}

// BrokerConfig holds the broker API endpoints and account credentials.
// APIHost is the websocket endpoint the order session connects to.
type BrokerConfig struct {
	APIHost   string `toml:"api_host"`
	AppKey    string `toml:"app_key"`
	AppSecret string `toml:"app_secret"`
	Account   string `toml:"account"`
	// AccountPassword is the plaintext order password; prefer the encrypted
	// file for anything beyond local development.
	AccountPassword   string   `toml:"account_password"`
	EncryptedPassPath string   `toml:"encrypted_pass_path"`
	PassKeyPassword   string   `toml:"pass_key_password"`
	OrderTimeout      duration `toml:"order_timeout"`
	QueryTimeout      duration `toml:"query_timeout"`
	QueryRetries      int      `toml:"query_retries"`
	RetryDelay        duration `toml:"retry_delay"`
	// ChannelMin/ChannelMax bound the correlation-id pool for broker calls.
	ChannelMin int `toml:"channel_min"`
	ChannelMax int `toml:"channel_max"`
}

// FeedConfig holds the real-time quote WebSocket parameters.
type FeedConfig struct {
	WsHost string `toml:"ws_host"`
}

// PolicyConfig holds the exit policy thresholds. Percent values follow pnl
// sign conventions: stop_loss_pct is negative.
type PolicyConfig struct {
	TakeProfitPct float64 `toml:"take_profit_pct"`
	TrailStopPct  float64 `toml:"trail_stop_pct"`
	StopLossPct   float64 `toml:"stop_loss_pct"`
	MaxHoldDays   int     `toml:"max_hold_days"`
	// CloseFrom/CloseUntil bound the daily forced liquidation window,
	// "HH:MM" exchange time.
	CloseFrom  string `toml:"close_from"`
	CloseUntil string `toml:"close_until"`
	LotSize    int64  `toml:"lot_size"`
}

// EngineConfig holds the coordinator loop timings.
type EngineConfig struct {
	MonitorInterval duration `toml:"monitor_interval"`
	PendingTTL      duration `toml:"pending_ttl"`
}

// PersistenceConfig selects the position repository backend.
type PersistenceConfig struct {
	// Backend is "file" or "postgres".
	Backend string `toml:"backend"`
	// FilePath is the JSON snapshot path for the file backend.
	FilePath string `toml:"file_path"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters. Redis is optional; without
// it the bot falls back to in-process price caching and skips the instance
// lock and distributed rate limiter.
type RedisConfig struct {
	Enabled    bool   `toml:"enabled"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters for journal
// archival. Archival is skipped when disabled.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// JournalConfig holds trade journal parameters.
type JournalConfig struct {
	Dir                  string `toml:"dir"`
	ArchiveRetentionDays int    `toml:"archive_retention_days"`
}

// ServerConfig holds the metrics/health HTTP server parameters.
type ServerConfig struct {
	Enabled bool `toml:"enabled"`
	Port    int  `toml:"port"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Broker: BrokerConfig{
			APIHost:      "wss://openapi.ls-sec.co.kr:9443/api",
			OrderTimeout: duration{30 * time.Second},
			QueryTimeout: duration{10 * time.Second},
			QueryRetries: 3,
			RetryDelay:   duration{time.Second},
			ChannelMin:   3400,
			ChannelMax:   9999,
		},
		Feed: FeedConfig{
			WsHost: "wss://openapi.ls-sec.co.kr:9443/websocket",
		},
		Policy: PolicyConfig{
			TakeProfitPct: 3.0,
			TrailStopPct:  2.0,
			StopLossPct:   -2.0,
			MaxHoldDays:   5,
			CloseFrom:     "15:10",
			CloseUntil:    "15:30",
			LotSize:       1,
		},
		Engine: EngineConfig{
			MonitorInterval: duration{10 * time.Second},
			PendingTTL:      duration{2 * time.Minute},
		},
		Persistence: PersistenceConfig{
			Backend:  "file",
			FilePath: "data/positions.json",
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "stockbot",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Enabled:    false,
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
			TLSEnabled: false,
		},
		S3: S3Config{
			Enabled:        false,
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "stockbot-data",
			UseSSL:         false,
			ForcePathStyle: true,
		},
		Journal: JournalConfig{
			Dir:                  "data/journal",
			ArchiveRetentionDays: 90,
		},
		Server: ServerConfig{
			Enabled: true,
			Port:    8000,
		},
		Notify: NotifyConfig{
			Events: []string{"exit_submitted", "position_opened", "position_closed", "error"},
		},
		Mode:     "trade",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"trade":   true,
	"monitor": true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// validBackends enumerates the accepted position repository backends.
var validBackends = map[string]bool{
	"file":     true,
	"postgres": true,
}

// ParseClockMinute converts "HH:MM" to minutes since midnight.
func ParseClockMinute(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("config: invalid clock time %q: %w", s, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// Validate checks Config for obviously invalid or missing values and returns
// a combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: trade, monitor)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Broker credentials are mandatory in trade mode.
	if strings.ToLower(c.Mode) == "trade" {
		if c.Broker.AppKey == "" || c.Broker.AppSecret == "" {
			errs = append(errs, "broker: app_key and app_secret must be set for mode trade")
		}
		if c.Broker.Account == "" {
			errs = append(errs, "broker: account must be set for mode trade")
		}
		if c.Broker.AccountPassword == "" && c.Broker.EncryptedPassPath == "" {
			errs = append(errs, "broker: either account_password or encrypted_pass_path must be set for mode trade")
		}
		if c.Broker.EncryptedPassPath != "" && c.Broker.PassKeyPassword == "" {
			errs = append(errs, "broker: pass_key_password is required when encrypted_pass_path is set")
		}
	}
	if c.Broker.APIHost == "" {
		errs = append(errs, "broker: api_host must not be empty")
	}
	if c.Broker.ChannelMin < 0 || c.Broker.ChannelMax <= c.Broker.ChannelMin {
		errs = append(errs, fmt.Sprintf("broker: channel range %d..%d is invalid", c.Broker.ChannelMin, c.Broker.ChannelMax))
	}

	if c.Feed.WsHost == "" {
		errs = append(errs, "feed: ws_host must not be empty")
	}

	// Policy
	if c.Policy.TakeProfitPct <= 0 {
		errs = append(errs, "policy: take_profit_pct must be > 0")
	}
	if c.Policy.TrailStopPct <= 0 {
		errs = append(errs, "policy: trail_stop_pct must be > 0")
	}
	if c.Policy.StopLossPct >= 0 {
		errs = append(errs, "policy: stop_loss_pct must be negative")
	}
	if c.Policy.LotSize < 1 {
		errs = append(errs, "policy: lot_size must be >= 1")
	}
	if _, err := ParseClockMinute(c.Policy.CloseFrom); err != nil {
		errs = append(errs, "policy: close_from must be HH:MM")
	}
	if _, err := ParseClockMinute(c.Policy.CloseUntil); err != nil {
		errs = append(errs, "policy: close_until must be HH:MM")
	}

	// Persistence
	if !validBackends[strings.ToLower(c.Persistence.Backend)] {
		errs = append(errs, fmt.Sprintf("persistence: unknown backend %q (valid: file, postgres)", c.Persistence.Backend))
	}
	if strings.ToLower(c.Persistence.Backend) == "file" && c.Persistence.FilePath == "" {
		errs = append(errs, "persistence: file_path must be set for the file backend")
	}
	if strings.ToLower(c.Persistence.Backend) == "postgres" {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 || c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must be 0..pool_max_conns")
		}
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty when enabled")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	// S3
	if c.S3.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty when enabled")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when enabled")
		}
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
