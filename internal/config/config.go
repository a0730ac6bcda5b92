// Package config defines the top-level configuration for the rebalancer
// and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by REBALANCER_* environment variables.
type Config struct {
	Mode           string               `toml:"mode"`
	Log            LogConfig            `toml:"log"`
	Wallets        WalletsConfig        `toml:"wallets"`
	Keys           []KeyConfig          `toml:"keys"`
	Chains         []ChainConfig        `toml:"chains"`
	Tokens         []TokenConfig        `toml:"tokens"`
	Liquidity      LiquidityConfig      `toml:"liquidity"`
	LiFi           LiFiConfig           `toml:"lifi"`
	CCIP           CCIPConfig           `toml:"ccip"`
	CCTP           CCTPConfig           `toml:"cctp"`
	NegativeIntent NegativeIntentConfig `toml:"negative_intent"`
	Queue          QueueConfig          `toml:"queue"`
	Store          StoreConfig          `toml:"store"`
	Postgres       PostgresConfig       `toml:"postgres"`
	SQLite         SQLiteConfig         `toml:"sqlite"`
	Redis          RedisConfig          `toml:"redis"`
	S3             S3Config             `toml:"s3"`
	Analytics      AnalyticsConfig      `toml:"analytics"`
	Notify         NotifyConfig         `toml:"notify"`
	Metrics        MetricsConfig        `toml:"metrics"`
}

// LogConfig controls the process logger.
type LogConfig struct {
	Level string `toml:"level"`
	// File, when set, also writes JSON logs to a rotating file.
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
}

// WalletsConfig lists the wallets whose balances are kept in range.
type WalletsConfig struct {
	Addresses []string `toml:"addresses"`
	// Pool is the crowd-liquidity pool. Only it may publish negative intents.
	Pool string `toml:"pool"`
}

// KeyConfig is one signing key. A raw key wins over an encrypted key file.
type KeyConfig struct {
	PrivateKey       string `toml:"private_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
}

// ChainConfig holds the RPC endpoint and protocol deployments of one chain.
type ChainConfig struct {
	ChainID int64  `toml:"chain_id"`
	Name    string `toml:"name"`
	RPCURL  string `toml:"rpc_url"`

	CCIPSelector uint64 `toml:"ccip_selector"`
	CCIPRouter   string `toml:"ccip_router"`
	CCIPFeeToken string `toml:"ccip_fee_token"`

	CCTPDomain             *uint32 `toml:"cctp_domain"`
	CCTPUSDC               string  `toml:"cctp_usdc"`
	CCTPTokenMessenger     string  `toml:"cctp_token_messenger"`
	CCTPMessageTransmitter string  `toml:"cctp_message_transmitter"`

	IntentSource string `toml:"intent_source"`
	Inbox        string `toml:"inbox"`
	Prover       string `toml:"prover"`
}

// TokenConfig is one tracked token. MinBalance and TargetBalance are whole
// token amounts.
type TokenConfig struct {
	ChainID       int64   `toml:"chain_id"`
	Address       string  `toml:"address"`
	Symbol        string  `toml:"symbol"`
	Decimals      uint8   `toml:"decimals"`
	MinBalance    float64 `toml:"min_balance"`
	TargetBalance float64 `toml:"target_balance"`
	// Wallets restricts the token to some wallets. Empty means every wallet.
	Wallets []string `toml:"wallets"`
	// CCIP marks the token as bridgeable over CCIP.
	CCIP                   bool    `toml:"ccip"`
	CCIPDeniedDestinations []int64 `toml:"ccip_denied_destinations"`
}

// TokenRef points at a configured token.
type TokenRef struct {
	ChainID int64  `toml:"chain_id"`
	Address string `toml:"address"`
}

// LiquidityConfig holds the analysis thresholds and quoting limits.
type LiquidityConfig struct {
	SurplusThreshold float64    `toml:"surplus_threshold"`
	DeficitThreshold float64    `toml:"deficit_threshold"`
	TargetSlippage   float64    `toml:"target_slippage"`
	MaxQuoteSlippage float64    `toml:"max_quote_slippage"`
	MinTrade         float64    `toml:"min_trade"`
	CoreTokens       []TokenRef `toml:"core_tokens"`
	// WalletStrategies allowlists strategies per wallet address. A wallet
	// missing from the map may use every registered strategy.
	WalletStrategies map[string][]string `toml:"wallet_strategies"`
	Interval         Duration            `toml:"interval"`
	LockTTL          Duration            `toml:"lock_ttl"`
}

// DeliveryCheckConfig bounds the polling of one asynchronous pathway.
type DeliveryCheckConfig struct {
	MaxAttempts int      `toml:"max_attempts"`
	Backoff     Duration `toml:"backoff"`
	// BackoffType is "fixed" or "exponential".
	BackoffType string `toml:"backoff_type"`
	Lookback    uint64 `toml:"lookback"`
}

// LiFiConfig configures the LiFi aggregator.
type LiFiConfig struct {
	Enabled           bool                `toml:"enabled"`
	BaseURL           string              `toml:"base_url"`
	APIKey            string              `toml:"api_key"`
	Integrator        string              `toml:"integrator"`
	RequestsPerSecond float64             `toml:"requests_per_second"`
	Timeout           Duration            `toml:"timeout"`
	SwapSlippage      float64             `toml:"swap_slippage"`
	Check             DeliveryCheckConfig `toml:"check"`
}

// CCIPConfig configures the CCIP bridge.
type CCIPConfig struct {
	Enabled bool                `toml:"enabled"`
	Check   DeliveryCheckConfig `toml:"check"`
}

// CCTPConfig configures the CCTP bridge and the Iris attestation API.
type CCTPConfig struct {
	Enabled           bool                `toml:"enabled"`
	IrisURL           string              `toml:"iris_url"`
	RequestsPerSecond float64             `toml:"requests_per_second"`
	Timeout           Duration            `toml:"timeout"`
	Check             DeliveryCheckConfig `toml:"check"`
}

// NegativeIntentConfig configures intent publishing, fulfilment and the
// proven-intent monitor.
type NegativeIntentConfig struct {
	Enabled bool `toml:"enabled"`
	// Percentage is the share of the amount offered as reward surplus.
	Percentage   float64  `toml:"percentage"`
	Deadline     Duration `toml:"deadline"`
	PollInterval Duration `toml:"poll_interval"`
}

// QueueConfig configures the job queue backend and its workers.
type QueueConfig struct {
	// Driver is "memory" or "redis".
	Driver        string   `toml:"driver"`
	Name          string   `toml:"name"`
	Concurrency   int      `toml:"concurrency"`
	MaxActive     int      `toml:"max_active"`
	NonConcurrent []string `toml:"non_concurrent"`
	GroupLimit    int      `toml:"group_limit"`
	PollInterval  Duration `toml:"poll_interval"`
	DeferDelay    Duration `toml:"defer_delay"`
	Attempts      int      `toml:"attempts"`
	Backoff       Duration `toml:"backoff"`
	// Lease is how long a reserved redis job survives without a heartbeat
	// before it is handed to another worker.
	Lease         Duration `toml:"lease"`
}

// StoreConfig picks the rebalance repository.
type StoreConfig struct {
	// Driver is "postgres", "sqlite" or "memory".
	Driver string `toml:"driver"`
}

// PostgresConfig holds the PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"sslmode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// SQLiteConfig holds the SQLite database path. ":memory:" is allowed.
type SQLiteConfig struct {
	Path string `toml:"path"`
}

// RedisConfig holds Redis connection and limiter parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
	KeyPrefix  string `toml:"key_prefix"`
	// RateLimit and RateWindow bound shared external API calls across
	// processes.
	RateLimit  int      `toml:"rate_limit"`
	RateWindow Duration `toml:"rate_window"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
	Prefix         string `toml:"prefix"`
}

// AnalyticsConfig enables the analytics side channel.
type AnalyticsConfig struct {
	Enabled bool `toml:"enabled"`
	Buffer  int  `toml:"buffer"`
	// RedisStream appends events to the analytics stream.
	RedisStream bool `toml:"redis_stream"`
	// Archive batches events to S3 as JSON lines.
	Archive   bool `toml:"archive"`
	BatchSize int  `toml:"batch_size"`
}

// NotifyConfig holds alert channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
	PerMinute         int      `toml:"per_minute"`
}

// MetricsConfig controls the HTTP endpoint serving /metrics, /healthz and
// the read-only status API.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
	// APIKey guards /api routes. Empty disables authentication.
	APIKey string `toml:"api_key"`
	// RequestsPerMinute limits /api calls per client. Zero disables it.
	RequestsPerMinute int `toml:"requests_per_minute"`
}

// Duration is a time.Duration that decodes from TOML strings like "5m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with sensible defaults.
func Defaults() Config {
	check := DeliveryCheckConfig{
		MaxAttempts: 60,
		Backoff:     Duration{30 * time.Second},
		BackoffType: "fixed",
		Lookback:    100,
	}
	return Config{
		Mode: "all",
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 14,
		},
		Liquidity: LiquidityConfig{
			SurplusThreshold: 0.1,
			DeficitThreshold: 0.1,
			MaxQuoteSlippage: 0.01,
			Interval:         Duration{5 * time.Minute},
			LockTTL:          Duration{5 * time.Minute},
		},
		LiFi: LiFiConfig{
			BaseURL:           "https://li.quest/v1",
			Integrator:        "rebalancer",
			RequestsPerSecond: 2,
			Timeout:           Duration{15 * time.Second},
			SwapSlippage:      0.005,
			Check:             check,
		},
		CCIP: CCIPConfig{
			Check: DeliveryCheckConfig{
				MaxAttempts: 120,
				Backoff:     Duration{60 * time.Second},
				BackoffType: "fixed",
				Lookback:    1000,
			},
		},
		CCTP: CCTPConfig{
			IrisURL:           "https://iris-api.circle.com",
			RequestsPerSecond: 5,
			Timeout:           Duration{10 * time.Second},
			Check:             check,
		},
		NegativeIntent: NegativeIntentConfig{
			Percentage:   0.001,
			Deadline:     Duration{2 * time.Hour},
			PollInterval: Duration{5 * time.Second},
		},
		Queue: QueueConfig{
			Driver:        "redis",
			Name:          "rebalancer",
			Concurrency:   4,
			NonConcurrent: []string{"check_balances"},
			GroupLimit:    1,
			PollInterval:  Duration{500 * time.Millisecond},
			DeferDelay:    Duration{2 * time.Second},
			Attempts:      3,
			Backoff:       Duration{10 * time.Second},
			Lease:         Duration{30 * time.Second},
		},
		Store: StoreConfig{Driver: "postgres"},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "rebalancer",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  1,
			RunMigrations: true,
		},
		SQLite: SQLiteConfig{Path: "rebalancer.db"},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   10,
			MaxRetries: 3,
			KeyPrefix:  "rebalancer:",
			RateLimit:  5,
			RateWindow: Duration{time.Second},
		},
		S3: S3Config{
			Region:         "us-east-1",
			Bucket:         "rebalancer",
			UseSSL:         true,
			ForcePathStyle: true,
			Prefix:         "archive",
		},
		Analytics: AnalyticsConfig{
			Buffer:    1024,
			BatchSize: 500,
		},
		Notify: NotifyConfig{
			Events:    []string{"rebalance_failed", "stranded_funds"},
			PerMinute: 10,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    ":9090",
		},
	}
}

var validModes = map[string]bool{
	"all":       true,
	"worker":    true,
	"scheduler": true,
	"analyze":   true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validStrategies = map[string]bool{
	"LiFi":                 true,
	"CCIP":                 true,
	"CCTP":                 true,
	"NegativeIntent":       true,
	"PublicNegativeIntent": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: all, worker, scheduler, analyze)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.Log.Level)] {
		errs = append(errs, fmt.Sprintf("log: unknown level %q (valid: debug, info, warn, error)", c.Log.Level))
	}

	// Wallets
	if len(c.Wallets.Addresses) == 0 {
		errs = append(errs, "wallets: at least one address is required")
	}
	for _, a := range c.Wallets.Addresses {
		if !common.IsHexAddress(a) {
			errs = append(errs, fmt.Sprintf("wallets: invalid address %q", a))
		}
	}
	if c.Wallets.Pool != "" && !common.IsHexAddress(c.Wallets.Pool) {
		errs = append(errs, fmt.Sprintf("wallets: invalid pool address %q", c.Wallets.Pool))
	}

	// Keys are needed by every mode that executes.
	if c.Mode != "analyze" && len(c.Keys) == 0 {
		errs = append(errs, "keys: at least one key is required for mode "+c.Mode)
	}
	for i, k := range c.Keys {
		if k.PrivateKey == "" && k.EncryptedKeyPath == "" {
			errs = append(errs, fmt.Sprintf("keys[%d]: either private_key or encrypted_key_path must be set", i))
		}
		if k.PrivateKey == "" && k.EncryptedKeyPath != "" && k.KeyPassword == "" {
			errs = append(errs, fmt.Sprintf("keys[%d]: key_password is required when encrypted_key_path is set", i))
		}
	}

	// Chains
	chains := make(map[int64]bool, len(c.Chains))
	for i, ch := range c.Chains {
		if ch.ChainID <= 0 {
			errs = append(errs, fmt.Sprintf("chains[%d]: chain_id must be positive", i))
		}
		if chains[ch.ChainID] {
			errs = append(errs, fmt.Sprintf("chains[%d]: duplicate chain_id %d", i, ch.ChainID))
		}
		chains[ch.ChainID] = true
		if strings.TrimSpace(ch.RPCURL) == "" {
			errs = append(errs, fmt.Sprintf("chains[%d]: rpc_url must not be empty", i))
		}
		for name, addr := range map[string]string{
			"ccip_router":              ch.CCIPRouter,
			"ccip_fee_token":           ch.CCIPFeeToken,
			"cctp_usdc":                ch.CCTPUSDC,
			"cctp_token_messenger":     ch.CCTPTokenMessenger,
			"cctp_message_transmitter": ch.CCTPMessageTransmitter,
			"intent_source":            ch.IntentSource,
			"inbox":                    ch.Inbox,
			"prover":                   ch.Prover,
		} {
			if addr != "" && !common.IsHexAddress(addr) {
				errs = append(errs, fmt.Sprintf("chains[%d]: invalid %s %q", i, name, addr))
			}
		}
	}

	// Tokens
	if len(c.Tokens) == 0 {
		errs = append(errs, "tokens: at least one token is required")
	}
	for i, t := range c.Tokens {
		if !chains[t.ChainID] {
			errs = append(errs, fmt.Sprintf("tokens[%d]: chain %d is not configured", i, t.ChainID))
		}
		if !common.IsHexAddress(t.Address) {
			errs = append(errs, fmt.Sprintf("tokens[%d]: invalid address %q", i, t.Address))
		}
		if t.MinBalance < 0 || t.TargetBalance < 0 {
			errs = append(errs, fmt.Sprintf("tokens[%d]: balances must be >= 0", i))
		}
		if t.MinBalance > t.TargetBalance {
			errs = append(errs, fmt.Sprintf("tokens[%d]: min_balance must not exceed target_balance", i))
		}
	}

	// Liquidity
	l := c.Liquidity
	if l.SurplusThreshold < 0 || l.DeficitThreshold < 0 || l.DeficitThreshold > 1 {
		errs = append(errs, "liquidity: thresholds must be fractions >= 0 (deficit <= 1)")
	}
	if l.MaxQuoteSlippage < 0 || l.MaxQuoteSlippage >= 1 {
		errs = append(errs, "liquidity: max_quote_slippage must be in [0, 1)")
	}
	if l.Interval.Duration <= 0 {
		errs = append(errs, "liquidity: interval must be > 0")
	}
	for i, ref := range l.CoreTokens {
		if _, ok := c.FindToken(ref); !ok {
			errs = append(errs, fmt.Sprintf("liquidity: core_tokens[%d] %d:%s is not a configured token", i, ref.ChainID, ref.Address))
		}
	}
	for wallet, strategies := range l.WalletStrategies {
		if !common.IsHexAddress(wallet) {
			errs = append(errs, fmt.Sprintf("liquidity: wallet_strategies: invalid wallet %q", wallet))
		}
		for _, s := range strategies {
			if !validStrategies[s] {
				errs = append(errs, fmt.Sprintf("liquidity: wallet_strategies: unknown strategy %q", s))
			}
		}
	}

	// Providers
	if c.LiFi.Enabled {
		if c.LiFi.BaseURL == "" {
			errs = append(errs, "lifi: base_url must not be empty")
		}
		errs = append(errs, c.LiFi.Check.validate("lifi")...)
	}
	if c.CCIP.Enabled {
		errs = append(errs, c.CCIP.Check.validate("ccip")...)
	}
	if c.CCTP.Enabled {
		if c.CCTP.IrisURL == "" {
			errs = append(errs, "cctp: iris_url must not be empty")
		}
		errs = append(errs, c.CCTP.Check.validate("cctp")...)
	}
	if c.NegativeIntent.Enabled {
		if c.Wallets.Pool == "" {
			errs = append(errs, "negative_intent: wallets.pool is required when enabled")
		}
		if c.NegativeIntent.Percentage < 0 || c.NegativeIntent.Percentage >= 1 {
			errs = append(errs, "negative_intent: percentage must be in [0, 1)")
		}
	}

	// Queue
	switch c.Queue.Driver {
	case "memory", "redis":
	default:
		errs = append(errs, fmt.Sprintf("queue: unknown driver %q (valid: memory, redis)", c.Queue.Driver))
	}
	if c.Queue.Concurrency < 1 {
		errs = append(errs, "queue: concurrency must be >= 1")
	}
	if c.Queue.Attempts < 1 {
		errs = append(errs, "queue: attempts must be >= 1")
	}
	if c.Queue.Driver == "redis" && c.Queue.Lease.Duration <= 0 {
		errs = append(errs, "queue: lease must be positive")
	}

	// Store
	switch c.Store.Driver {
	case "postgres":
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
		if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
		}
	case "sqlite":
		if c.SQLite.Path == "" {
			errs = append(errs, "sqlite: path must not be empty")
		}
	case "memory":
	default:
		errs = append(errs, fmt.Sprintf("store: unknown driver %q (valid: postgres, sqlite, memory)", c.Store.Driver))
	}

	// Redis
	if c.NeedsRedis() {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	// S3
	if c.Analytics.Enabled && c.Analytics.Archive && c.S3.Bucket == "" {
		errs = append(errs, "s3: bucket must not be empty when analytics.archive is set")
	}

	// Metrics
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		errs = append(errs, "metrics: addr must not be empty when enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func (d DeliveryCheckConfig) validate(section string) []string {
	var errs []string
	if d.MaxAttempts < 1 {
		errs = append(errs, section+": check.max_attempts must be >= 1")
	}
	if d.Backoff.Duration <= 0 {
		errs = append(errs, section+": check.backoff must be > 0")
	}
	if d.BackoffType != "fixed" && d.BackoffType != "exponential" {
		errs = append(errs, fmt.Sprintf("%s: check.backoff_type must be fixed or exponential, got %q", section, d.BackoffType))
	}
	return errs
}

// NeedsRedis reports whether any enabled component talks to Redis.
func (c *Config) NeedsRedis() bool {
	return c.Queue.Driver == "redis" ||
		c.NegativeIntent.Enabled ||
		(c.Analytics.Enabled && c.Analytics.RedisStream)
}

// FindToken returns the configured token ref points at.
func (c *Config) FindToken(ref TokenRef) (TokenConfig, bool) {
	for _, t := range c.Tokens {
		if t.ChainID == ref.ChainID && strings.EqualFold(t.Address, ref.Address) {
			return t, true
		}
	}
	return TokenConfig{}, false
}

// TokensFor returns the tokens tracked for wallet.
func (c *Config) TokensFor(wallet string) []TokenConfig {
	var out []TokenConfig
	for _, t := range c.Tokens {
		if len(t.Wallets) == 0 {
			out = append(out, t)
			continue
		}
		for _, w := range t.Wallets {
			if strings.EqualFold(w, wallet) {
				out = append(out, t)
				break
			}
		}
	}
	return out
}
