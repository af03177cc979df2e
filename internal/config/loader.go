package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies ECHELON_* environment variable overrides, and
// returns the final Config. Unknown TOML keys are rejected rather than
// silently ignored. The returned Config has NOT been validated; the caller
// should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("config: unrecognized option(s): %s", strings.Join(keys, ", "))
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known ECHELON_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e.
// not empty). The short documented knob names (MODE_CHECK_INTERVAL_S,
// BUILDER_CODE, AGENT_TICK_MS, ...) are honored as aliases so deployment
// manifests can use either form.
func applyEnvOverrides(cfg *Config) {
	// ── Wallet ──
	setStr(&cfg.Wallet.PrivateKey, "ECHELON_WALLET_PRIVATE_KEY")
	setStr(&cfg.Wallet.EncryptedKeyPath, "ECHELON_WALLET_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Wallet.KeyPassword, "ECHELON_WALLET_KEY_PASSWORD")

	// ── Polymarket ──
	setStr(&cfg.Polymarket.ClobHost, "ECHELON_POLYMARKET_CLOB_HOST")
	setStr(&cfg.Polymarket.GammaHost, "ECHELON_POLYMARKET_GAMMA_HOST")
	setStr(&cfg.Polymarket.DataHost, "ECHELON_POLYMARKET_DATA_HOST")
	setStr(&cfg.Polymarket.WsHost, "ECHELON_POLYMARKET_WS_HOST")
	setInt(&cfg.Polymarket.ChainID, "ECHELON_POLYMARKET_CHAIN_ID")
	setInt(&cfg.Polymarket.RateLimit, "ECHELON_POLYMARKET_RATE_LIMIT")
	setInt(&cfg.Polymarket.RateLimit, "RATE_LIMIT_POLY") // documented alias
	setInt(&cfg.Polymarket.RateWindowS, "ECHELON_POLYMARKET_RATE_WINDOW_S")

	// ── Builder ──
	setStr(&cfg.Builder.Code, "ECHELON_BUILDER_CODE")
	setStr(&cfg.Builder.Code, "BUILDER_CODE") // documented alias
	setStr(&cfg.Builder.ApiKey, "ECHELON_BUILDER_API_KEY")
	setStr(&cfg.Builder.ApiSecret, "ECHELON_BUILDER_API_SECRET")
	setStr(&cfg.Builder.ApiPassphrase, "ECHELON_BUILDER_API_PASSPHRASE")

	// ── Kalshi ──
	setStr(&cfg.Kalshi.ApiKey, "ECHELON_KALSHI_API_KEY")
	setStr(&cfg.Kalshi.RsaPrivateKeyPath, "ECHELON_KALSHI_RSA_PRIVATE_KEY_PATH")
	setStr(&cfg.Kalshi.BaseURL, "ECHELON_KALSHI_BASE_URL")
	setStr(&cfg.Kalshi.WsURL, "ECHELON_KALSHI_WS_URL")
	setInt(&cfg.Kalshi.RateLimit, "ECHELON_KALSHI_RATE_LIMIT")
	setInt(&cfg.Kalshi.RateLimit, "RATE_LIMIT_KALSHI") // documented alias
	setInt(&cfg.Kalshi.RateWindowS, "ECHELON_KALSHI_RATE_WINDOW_S")

	// ── Database ──
	setStr(&cfg.Database.DSN, "ECHELON_DATABASE_DSN")
	setStr(&cfg.Database.DSN, "ECHELON_DATABASE_URL") // compatibility alias
	setStr(&cfg.Database.Host, "ECHELON_DATABASE_HOST")
	setInt(&cfg.Database.Port, "ECHELON_DATABASE_PORT")
	setStr(&cfg.Database.Database, "ECHELON_DATABASE_NAME")
	setStr(&cfg.Database.User, "ECHELON_DATABASE_USER")
	setStr(&cfg.Database.Password, "ECHELON_DATABASE_PASSWORD")
	setStr(&cfg.Database.SSLMode, "ECHELON_DATABASE_SSL_MODE")
	setInt(&cfg.Database.PoolMaxConns, "ECHELON_DATABASE_POOL_MAX_CONNS")
	setInt(&cfg.Database.PoolMinConns, "ECHELON_DATABASE_POOL_MIN_CONNS")
	setBool(&cfg.Database.RunMigrations, "ECHELON_DATABASE_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "ECHELON_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "ECHELON_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "ECHELON_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "ECHELON_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "ECHELON_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "ECHELON_REDIS_TLS_ENABLED")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "ECHELON_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "ECHELON_S3_REGION")
	setStr(&cfg.S3.Bucket, "ECHELON_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "ECHELON_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "ECHELON_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "ECHELON_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "ECHELON_S3_FORCE_PATH_STYLE")

	// ── Engine ──
	setDuration(&cfg.Engine.IdemTTL, "ECHELON_ENGINE_IDEM_TTL")
	setBool(&cfg.Engine.MultiOutcomeEnabled, "ECHELON_ENGINE_MULTI_OUTCOME_ENABLED")

	// ── Orchestrator ──
	setInt(&cfg.Orchestrator.ModeCheckIntervalS, "ECHELON_ORCHESTRATOR_MODE_CHECK_INTERVAL_S")
	setInt(&cfg.Orchestrator.ModeCheckIntervalS, "MODE_CHECK_INTERVAL_S") // documented alias
	setInt(&cfg.Orchestrator.DisputeWindowS, "ECHELON_ORCHESTRATOR_DISPUTE_WINDOW_S")
	setInt(&cfg.Orchestrator.DisputeWindowS, "DISPUTE_WINDOW_S") // documented alias
	setFloat64(&cfg.Orchestrator.MaxPositionSizeUSD, "ECHELON_ORCHESTRATOR_MAX_POSITION_SIZE_USD")
	setFloat64(&cfg.Orchestrator.MaxPositionSizeUSD, "MAX_POSITION_SIZE_USD") // documented alias
	setFloat64(&cfg.Orchestrator.MinPositionSizeUSD, "ECHELON_ORCHESTRATOR_MIN_POSITION_SIZE_USD")
	setFloat64(&cfg.Orchestrator.MinPositionSizeUSD, "MIN_POSITION_SIZE_USD") // documented alias

	// ── Agents ──
	setBool(&cfg.Agents.Enabled, "ECHELON_AGENTS_ENABLED")
	setInt(&cfg.Agents.TickMS, "ECHELON_AGENTS_TICK_MS")
	setInt(&cfg.Agents.TickMS, "AGENT_TICK_MS") // documented alias
	setInt(&cfg.Agents.SabotageCapPerHour, "ECHELON_AGENTS_SABOTAGE_CAP_PER_HOUR")
	setInt(&cfg.Agents.SabotageCapPerHour, "SABOTAGE_CAP_PER_HOUR") // documented alias
	setFloat64(&cfg.Agents.PnLFloor, "ECHELON_AGENTS_PNL_FLOOR")

	// ── Pipeline ──
	setBool(&cfg.Pipeline.Enabled, "ECHELON_PIPELINE_ENABLED")
	setDuration(&cfg.Pipeline.PollInterval, "ECHELON_PIPELINE_POLL_INTERVAL")
	setStr(&cfg.Pipeline.SubgraphURL, "ECHELON_PIPELINE_SUBGRAPH_URL")
	setStr(&cfg.Pipeline.SubgraphAPIKey, "ECHELON_PIPELINE_SUBGRAPH_API_KEY")
	setStringSlice(&cfg.Pipeline.StreamSymbols, "ECHELON_PIPELINE_STREAM_SYMBOLS")
	setInt(&cfg.Pipeline.ArchiveRetentionDays, "ECHELON_PIPELINE_ARCHIVE_RETENTION_DAYS")
	setStr(&cfg.Pipeline.ArchiveCron, "ECHELON_PIPELINE_ARCHIVE_CRON")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "ECHELON_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "ECHELON_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "ECHELON_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "ECHELON_SERVER_API_KEY")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "ECHELON_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "ECHELON_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "ECHELON_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "ECHELON_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "ECHELON_MODE")
	setStr(&cfg.LogLevel, "ECHELON_LOG_LEVEL")
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
