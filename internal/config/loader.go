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
// built-in defaults, applies REBALANCER_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known REBALANCER_* environment variables and
// overwrites the corresponding Config fields when a variable is set. Secrets
// are expected to arrive this way rather than through the TOML file.
func applyEnvOverrides(cfg *Config) {
	setStr(&cfg.Mode, "REBALANCER_MODE")

	// ── Log ──
	setStr(&cfg.Log.Level, "REBALANCER_LOG_LEVEL")
	setStr(&cfg.Log.File, "REBALANCER_LOG_FILE")

	// ── Wallets ──
	setStringSlice(&cfg.Wallets.Addresses, "REBALANCER_WALLETS")
	setStr(&cfg.Wallets.Pool, "REBALANCER_WALLETS_POOL")

	// ── Keys ──
	// REBALANCER_PRIVATE_KEYS replaces raw keys; encrypted key files stay.
	var raw []string
	setStringSlice(&raw, "REBALANCER_PRIVATE_KEYS")
	if len(raw) > 0 {
		keys := make([]KeyConfig, 0, len(raw)+len(cfg.Keys))
		for _, k := range raw {
			keys = append(keys, KeyConfig{PrivateKey: k})
		}
		for _, k := range cfg.Keys {
			if k.PrivateKey == "" {
				keys = append(keys, k)
			}
		}
		cfg.Keys = keys
	}
	var password string
	setStr(&password, "REBALANCER_KEY_PASSWORD")
	if password != "" {
		for i := range cfg.Keys {
			if cfg.Keys[i].KeyPassword == "" {
				cfg.Keys[i].KeyPassword = password
			}
		}
	}

	// ── Chains: REBALANCER_RPC_<chainID> ──
	for i := range cfg.Chains {
		setStr(&cfg.Chains[i].RPCURL, fmt.Sprintf("REBALANCER_RPC_%d", cfg.Chains[i].ChainID))
	}

	// ── Liquidity ──
	setFloat64(&cfg.Liquidity.SurplusThreshold, "REBALANCER_LIQUIDITY_SURPLUS_THRESHOLD")
	setFloat64(&cfg.Liquidity.DeficitThreshold, "REBALANCER_LIQUIDITY_DEFICIT_THRESHOLD")
	setFloat64(&cfg.Liquidity.TargetSlippage, "REBALANCER_LIQUIDITY_TARGET_SLIPPAGE")
	setFloat64(&cfg.Liquidity.MaxQuoteSlippage, "REBALANCER_LIQUIDITY_MAX_QUOTE_SLIPPAGE")
	setFloat64(&cfg.Liquidity.MinTrade, "REBALANCER_LIQUIDITY_MIN_TRADE")
	setDuration(&cfg.Liquidity.Interval, "REBALANCER_LIQUIDITY_INTERVAL")

	// ── Providers ──
	setBool(&cfg.LiFi.Enabled, "REBALANCER_LIFI_ENABLED")
	setStr(&cfg.LiFi.BaseURL, "REBALANCER_LIFI_BASE_URL")
	setStr(&cfg.LiFi.APIKey, "REBALANCER_LIFI_API_KEY")
	setStr(&cfg.LiFi.Integrator, "REBALANCER_LIFI_INTEGRATOR")
	setBool(&cfg.CCIP.Enabled, "REBALANCER_CCIP_ENABLED")
	setBool(&cfg.CCTP.Enabled, "REBALANCER_CCTP_ENABLED")
	setStr(&cfg.CCTP.IrisURL, "REBALANCER_CCTP_IRIS_URL")
	setBool(&cfg.NegativeIntent.Enabled, "REBALANCER_NEGATIVE_INTENT_ENABLED")

	// ── Queue ──
	setStr(&cfg.Queue.Driver, "REBALANCER_QUEUE_DRIVER")
	setStr(&cfg.Queue.Name, "REBALANCER_QUEUE_NAME")
	setInt(&cfg.Queue.Concurrency, "REBALANCER_QUEUE_CONCURRENCY")
	setInt(&cfg.Queue.GroupLimit, "REBALANCER_QUEUE_GROUP_LIMIT")
	setDuration(&cfg.Queue.PollInterval, "REBALANCER_QUEUE_POLL_INTERVAL")

	// ── Store ──
	setStr(&cfg.Store.Driver, "REBALANCER_STORE_DRIVER")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "REBALANCER_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "REBALANCER_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "REBALANCER_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "REBALANCER_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "REBALANCER_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "REBALANCER_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "REBALANCER_POSTGRES_SSLMODE")
	setInt(&cfg.Postgres.PoolMaxConns, "REBALANCER_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "REBALANCER_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "REBALANCER_POSTGRES_RUN_MIGRATIONS")

	// ── SQLite ──
	setStr(&cfg.SQLite.Path, "REBALANCER_SQLITE_PATH")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "REBALANCER_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "REBALANCER_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "REBALANCER_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "REBALANCER_REDIS_POOL_SIZE")
	setBool(&cfg.Redis.TLSEnabled, "REBALANCER_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.KeyPrefix, "REBALANCER_REDIS_KEY_PREFIX")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "REBALANCER_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "REBALANCER_S3_REGION")
	setStr(&cfg.S3.Bucket, "REBALANCER_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "REBALANCER_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "REBALANCER_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "REBALANCER_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "REBALANCER_S3_FORCE_PATH_STYLE")

	// ── Analytics ──
	setBool(&cfg.Analytics.Enabled, "REBALANCER_ANALYTICS_ENABLED")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "REBALANCER_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "REBALANCER_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "REBALANCER_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "REBALANCER_NOTIFY_EVENTS")

	// ── Metrics ──
	setBool(&cfg.Metrics.Enabled, "REBALANCER_METRICS_ENABLED")
	setStr(&cfg.Metrics.Addr, "REBALANCER_METRICS_ADDR")
	setStr(&cfg.Metrics.APIKey, "REBALANCER_METRICS_API_KEY")
}

// ---------------------------------------------------------------------------
// Helpers: each reads an env var and, if non-empty, parses and assigns it.
// Parse errors are silently ignored so that a malformed env var does not crash
// the process; the TOML / default value is kept instead.
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

func setDuration(dst *Duration, key string) {
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
