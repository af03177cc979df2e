// Package config defines the top-level configuration for the orchestration
// core and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a
// TOML file and then optionally overridden by ECHELON_* environment
// variables (plus the short documented knob names, see loader.go).
type Config struct {
	Wallet       WalletConfig       `toml:"wallet"`
	Polymarket   PolymarketConfig   `toml:"polymarket"`
	Builder      BuilderConfig      `toml:"builder"`
	Kalshi       KalshiConfig       `toml:"kalshi"`
	Database     DatabaseConfig     `toml:"database"`
	Redis        RedisConfig        `toml:"redis"`
	S3           S3Config           `toml:"s3"`
	Engine       EngineConfig       `toml:"engine"`
	Orchestrator OrchestratorConfig `toml:"orchestrator"`
	Agents       AgentsConfig       `toml:"agents"`
	Pipeline     PipelineConfig     `toml:"pipeline"`
	Server       ServerConfig       `toml:"server"`
	Notify       NotifyConfig       `toml:"notify"`
	Mode         string             `toml:"mode"`
	LogLevel     string             `toml:"log_level"`
}

// WalletConfig holds Ethereum wallet credentials used to sign Polymarket
// orders.
type WalletConfig struct {
	PrivateKey       string `toml:"private_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
}

// PolymarketConfig holds Polymarket API endpoints and chain parameters.
type PolymarketConfig struct {
	ClobHost  string `toml:"clob_host"`
	GammaHost string `toml:"gamma_host"`
	DataHost  string `toml:"data_host"`
	WsHost    string `toml:"ws_host"`
	ChainID   int    `toml:"chain_id"`
	// RateLimit / RateWindowS define the venue request budget
	// (RATE_LIMIT_POLY), default 100 per 60s.
	RateLimit   int `toml:"rate_limit"`
	RateWindowS int `toml:"rate_window_s"`
}

// BuilderConfig holds the builder attribution tag and program credentials.
type BuilderConfig struct {
	Code          string `toml:"code"` // BUILDER_CODE
	ApiKey        string `toml:"api_key"`
	ApiSecret     string `toml:"api_secret"`
	ApiPassphrase string `toml:"api_passphrase"`
}

// KalshiConfig holds Kalshi exchange API credentials and its budget.
type KalshiConfig struct {
	ApiKey            string `toml:"api_key"`
	RsaPrivateKeyPath string `toml:"rsa_private_key_path"`
	BaseURL           string `toml:"base_url"`
	WsURL             string `toml:"ws_url"`
	RateLimit         int    `toml:"rate_limit"`
	RateWindowS       int    `toml:"rate_window_s"`
}

// DatabaseConfig holds PostgreSQL connection parameters.
type DatabaseConfig struct {
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

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters for cold-storage
// archival.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// EngineConfig holds Market State Engine parameters.
type EngineConfig struct {
	// IdemTTL is how long idempotency records are remembered; floor 15m.
	IdemTTL duration `toml:"idem_ttl"`
	// MultiOutcomeEnabled gates trading on markets with more than two
	// outcomes.
	MultiOutcomeEnabled bool `toml:"multi_outcome_enabled"`
}

// OrchestratorConfig holds mode-supervision and settlement parameters.
type OrchestratorConfig struct {
	// ModeCheckIntervalS is the confidence recomputation cadence
	// (MODE_CHECK_INTERVAL_S), default 10.
	ModeCheckIntervalS int `toml:"mode_check_interval_s"`
	// DisputeWindowS delays tier-1 settlement finality (DISPUTE_WINDOW_S),
	// default 86400.
	DisputeWindowS int `toml:"dispute_window_s"`
	// MaxPositionSizeUSD / MinPositionSizeUSD bound accepted trades.
	MaxPositionSizeUSD float64 `toml:"max_position_size_usd"`
	MinPositionSizeUSD float64 `toml:"min_position_size_usd"`
}

// AgentsConfig holds Agent Scheduler parameters.
type AgentsConfig struct {
	Enabled bool `toml:"enabled"`
	// TickMS is the global scheduler cadence (AGENT_TICK_MS), default 1000.
	TickMS int `toml:"tick_ms"`
	// SabotageCapPerHour bounds saboteur actions per agent
	// (SABOTAGE_CAP_PER_HOUR).
	SabotageCapPerHour int `toml:"sabotage_cap_per_hour"`
	// PnLFloor retires an agent whose lifetime realized P&L falls below it.
	PnLFloor float64 `toml:"pnl_floor"`
}

// PipelineConfig holds signal-pipeline parameters.
type PipelineConfig struct {
	Enabled              bool     `toml:"enabled"`
	PollInterval         duration `toml:"poll_interval"`
	SubgraphURL          string   `toml:"subgraph_url"`
	SubgraphAPIKey       string   `toml:"subgraph_api_key"`
	StreamSymbols        []string `toml:"stream_symbols"`
	ArchiveRetentionDays int      `toml:"archive_retention_days"`
	ArchiveCron          string   `toml:"archive_cron"`
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

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"api_key"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Polymarket: PolymarketConfig{
			ClobHost:    "https://clob.polymarket.com",
			GammaHost:   "https://gamma-api.polymarket.com",
			DataHost:    "https://data-api.polymarket.com",
			WsHost:      "wss://ws-subscriptions-clob.polymarket.com/ws/market",
			ChainID:     137,
			RateLimit:   100,
			RateWindowS: 60,
		},
		Kalshi: KalshiConfig{
			BaseURL:     "https://api.elections.kalshi.com/trade-api/v2",
			WsURL:       "wss://api.elections.kalshi.com/trade-api/ws/v2",
			RateLimit:   10,
			RateWindowS: 1,
		},
		Database: DatabaseConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "echelon",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
			TLSEnabled: false,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "echelon-data",
			UseSSL:         false,
			ForcePathStyle: true,
		},
		Engine: EngineConfig{
			IdemTTL:             duration{15 * time.Minute},
			MultiOutcomeEnabled: false,
		},
		Orchestrator: OrchestratorConfig{
			ModeCheckIntervalS: 10,
			DisputeWindowS:     86_400,
			MaxPositionSizeUSD: 10_000,
			MinPositionSizeUSD: 1,
		},
		Agents: AgentsConfig{
			Enabled:            true,
			TickMS:             1000,
			SabotageCapPerHour: 4,
			PnLFloor:           -50_000,
		},
		Pipeline: PipelineConfig{
			Enabled:              true,
			PollInterval:         duration{time.Minute},
			SubgraphURL:          "", // leave empty to skip on-chain fill ingestion
			ArchiveRetentionDays: 90,
			ArchiveCron:          "0 3 1 * *",
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
		},
		Notify: NotifyConfig{
			Events: []string{"ModeChanged", "FeedDegraded", "ParadoxOpened", "TimelineReaped"},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"simulate": true, // core + agents on simulated timelines only, no external venues
	"ingest":   true, // signal pipeline + mode supervision only
	"server":   true, // API edge over an existing database, no workers
	"full":     true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns
// a combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	// Mode
	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: simulate, ingest, server, full)", c.Mode))
	}

	// LogLevel
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Wallet — needed only when the full mode may route external orders.
	if strings.ToLower(c.Mode) == "full" && c.Builder.Code != "" {
		if c.Wallet.PrivateKey == "" && c.Wallet.EncryptedKeyPath == "" {
			errs = append(errs, "wallet: either private_key or encrypted_key_path must be set when external routing is configured")
		}
		if c.Wallet.EncryptedKeyPath != "" && c.Wallet.KeyPassword == "" {
			errs = append(errs, "wallet: key_password is required when encrypted_key_path is set")
		}
	}

	// Polymarket endpoints
	if c.Polymarket.ClobHost == "" {
		errs = append(errs, "polymarket: clob_host must not be empty")
	}
	if c.Polymarket.ChainID <= 0 {
		errs = append(errs, "polymarket: chain_id must be positive")
	}
	if c.Polymarket.RateLimit <= 0 || c.Polymarket.RateWindowS <= 0 {
		errs = append(errs, "polymarket: rate_limit and rate_window_s must be positive")
	}

	// Builder — all three credential fields must be set together, or all
	// empty.
	bk := c.Builder.ApiKey != ""
	bs := c.Builder.ApiSecret != ""
	bp := c.Builder.ApiPassphrase != ""
	if bk || bs || bp {
		if !(bk && bs && bp) {
			errs = append(errs, "builder: api_key, api_secret, and api_passphrase must all be set together")
		}
	}

	// Kalshi
	if c.Kalshi.BaseURL == "" {
		errs = append(errs, "kalshi: base_url must not be empty")
	}
	if c.Kalshi.RateLimit <= 0 || c.Kalshi.RateWindowS <= 0 {
		errs = append(errs, "kalshi: rate_limit and rate_window_s must be positive")
	}

	// Database
	if strings.TrimSpace(c.Database.DSN) == "" {
		if c.Database.Host == "" {
			errs = append(errs, "database: host must not be empty (or set database.dsn)")
		}
		if c.Database.Port <= 0 || c.Database.Port > 65535 {
			errs = append(errs, fmt.Sprintf("database: port must be 1-65535, got %d", c.Database.Port))
		}
		if c.Database.Database == "" {
			errs = append(errs, "database: database must not be empty")
		}
	}
	if c.Database.PoolMaxConns < 1 {
		errs = append(errs, "database: pool_max_conns must be >= 1")
	}
	if c.Database.PoolMinConns < 0 {
		errs = append(errs, "database: pool_min_conns must be >= 0")
	}
	if c.Database.PoolMinConns > c.Database.PoolMaxConns {
		errs = append(errs, "database: pool_min_conns must not exceed pool_max_conns")
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// S3
	if c.S3.Endpoint == "" {
		errs = append(errs, "s3: endpoint must not be empty")
	}
	if c.S3.Bucket == "" {
		errs = append(errs, "s3: bucket must not be empty")
	}

	// Engine
	if c.Engine.IdemTTL.Duration < 15*time.Minute {
		errs = append(errs, "engine: idem_ttl must be at least 15m")
	}

	// Orchestrator
	if c.Orchestrator.ModeCheckIntervalS <= 0 {
		errs = append(errs, "orchestrator: mode_check_interval_s must be positive")
	}
	if c.Orchestrator.DisputeWindowS < 0 {
		errs = append(errs, "orchestrator: dispute_window_s must not be negative")
	}
	if c.Orchestrator.MaxPositionSizeUSD <= 0 {
		errs = append(errs, "orchestrator: max_position_size_usd must be positive")
	}
	if c.Orchestrator.MinPositionSizeUSD < 0 || c.Orchestrator.MinPositionSizeUSD > c.Orchestrator.MaxPositionSizeUSD {
		errs = append(errs, "orchestrator: min_position_size_usd must be within [0, max_position_size_usd]")
	}

	// Agents
	if c.Agents.Enabled {
		if c.Agents.TickMS <= 0 {
			errs = append(errs, "agents: tick_ms must be positive")
		}
		if c.Agents.SabotageCapPerHour < 0 {
			errs = append(errs, "agents: sabotage_cap_per_hour must not be negative")
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
