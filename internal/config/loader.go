package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies STOCKBOT_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known STOCKBOT_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Broker ──
	setStr(&cfg.Broker.APIHost, "STOCKBOT_BROKER_API_HOST")
	setStr(&cfg.Broker.AppKey, "STOCKBOT_BROKER_APP_KEY")
	setStr(&cfg.Broker.AppSecret, "STOCKBOT_BROKER_APP_SECRET")
	setStr(&cfg.Broker.Account, "STOCKBOT_BROKER_ACCOUNT")
	setStr(&cfg.Broker.AccountPassword, "STOCKBOT_BROKER_ACCOUNT_PASSWORD")
	setStr(&cfg.Broker.EncryptedPassPath, "STOCKBOT_BROKER_ENCRYPTED_PASS_PATH")
	setStr(&cfg.Broker.PassKeyPassword, "STOCKBOT_BROKER_PASS_KEY_PASSWORD")
	setDuration(&cfg.Broker.OrderTimeout, "STOCKBOT_BROKER_ORDER_TIMEOUT")
	setDuration(&cfg.Broker.QueryTimeout, "STOCKBOT_BROKER_QUERY_TIMEOUT")
	setInt(&cfg.Broker.QueryRetries, "STOCKBOT_BROKER_QUERY_RETRIES")
	setDuration(&cfg.Broker.RetryDelay, "STOCKBOT_BROKER_RETRY_DELAY")
	setInt(&cfg.Broker.ChannelMin, "STOCKBOT_BROKER_CHANNEL_MIN")
	setInt(&cfg.Broker.ChannelMax, "STOCKBOT_BROKER_CHANNEL_MAX")

	// ── Feed ──
	setStr(&cfg.Feed.WsHost, "STOCKBOT_FEED_WS_HOST")

	// ── Policy ──
	setFloat64(&cfg.Policy.TakeProfitPct, "STOCKBOT_POLICY_TAKE_PROFIT_PCT")
	setFloat64(&cfg.Policy.TrailStopPct, "STOCKBOT_POLICY_TRAIL_STOP_PCT")
	setFloat64(&cfg.Policy.StopLossPct, "STOCKBOT_POLICY_STOP_LOSS_PCT")
	setInt(&cfg.Policy.MaxHoldDays, "STOCKBOT_POLICY_MAX_HOLD_DAYS")
	setStr(&cfg.Policy.CloseFrom, "STOCKBOT_POLICY_CLOSE_FROM")
	setStr(&cfg.Policy.CloseUntil, "STOCKBOT_POLICY_CLOSE_UNTIL")
	setInt64(&cfg.Policy.LotSize, "STOCKBOT_POLICY_LOT_SIZE")

	// ── Engine ──
	setDuration(&cfg.Engine.MonitorInterval, "STOCKBOT_ENGINE_MONITOR_INTERVAL")
	setDuration(&cfg.Engine.PendingTTL, "STOCKBOT_ENGINE_PENDING_TTL")

	// ── Persistence ──
	setStr(&cfg.Persistence.Backend, "STOCKBOT_PERSISTENCE_BACKEND")
	setStr(&cfg.Persistence.FilePath, "STOCKBOT_PERSISTENCE_FILE_PATH")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "STOCKBOT_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "STOCKBOT_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "STOCKBOT_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "STOCKBOT_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "STOCKBOT_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "STOCKBOT_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "STOCKBOT_POSTGRES_SSLMODE")
	setInt(&cfg.Postgres.PoolMaxConns, "STOCKBOT_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "STOCKBOT_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "STOCKBOT_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "STOCKBOT_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "STOCKBOT_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "STOCKBOT_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "STOCKBOT_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "STOCKBOT_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "STOCKBOT_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "STOCKBOT_REDIS_TLS_ENABLED")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "STOCKBOT_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "STOCKBOT_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "STOCKBOT_S3_REGION")
	setStr(&cfg.S3.Bucket, "STOCKBOT_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "STOCKBOT_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "STOCKBOT_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "STOCKBOT_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "STOCKBOT_S3_FORCE_PATH_STYLE")

	// ── Journal ──
	setStr(&cfg.Journal.Dir, "STOCKBOT_JOURNAL_DIR")
	setInt(&cfg.Journal.ArchiveRetentionDays, "STOCKBOT_JOURNAL_ARCHIVE_RETENTION_DAYS")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "STOCKBOT_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "STOCKBOT_SERVER_PORT")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "STOCKBOT_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "STOCKBOT_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "STOCKBOT_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "STOCKBOT_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "STOCKBOT_MODE")
	setStr(&cfg.LogLevel, "STOCKBOT_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
