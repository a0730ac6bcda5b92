package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleTOML = `
mode = "all"

[log]
level = "debug"

[wallets]
addresses = ["0x1111111111111111111111111111111111111111"]
pool = "0x2222222222222222222222222222222222222222"

[[keys]]
private_key = "0xabc"

[[chains]]
chain_id = 10
rpc_url = "https://optimism.example"
ccip_selector = 3734403246176062136
ccip_router = "0x3206695CaE29952f4b0c22a169725a865bc8Ce0f"

[[chains]]
chain_id = 8453
rpc_url = "https://base.example"
cctp_domain = 6

[[tokens]]
chain_id = 10
address = "0x0b2C639c533813f4Aa9D7837CAf62653d097Ff85"
symbol = "USDC"
decimals = 6
min_balance = 100
target_balance = 1000

[[tokens]]
chain_id = 8453
address = "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"
symbol = "USDC"
decimals = 6
min_balance = 100
target_balance = 1000
wallets = ["0x3333333333333333333333333333333333333333"]

[liquidity]
interval = "90s"
max_quote_slippage = 0.02
core_tokens = [{ chain_id = 10, address = "0x0b2c639c533813f4aa9d7837caf62653d097ff85" }]

[liquidity.wallet_strategies]
"0x1111111111111111111111111111111111111111" = ["LiFi", "CCTP"]

[lifi]
enabled = true

[lifi.check]
max_attempts = 10
backoff = "45s"
backoff_type = "exponential"

[queue]
driver = "memory"

[store]
driver = "sqlite"

[sqlite]
path = ":memory:"
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleTOML))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 90*time.Second, cfg.Liquidity.Interval.Duration)
	assert.Equal(t, 0.02, cfg.Liquidity.MaxQuoteSlippage)
	// Untouched sections keep their defaults.
	assert.Equal(t, 0.1, cfg.Liquidity.SurplusThreshold)
	assert.Equal(t, "https://li.quest/v1", cfg.LiFi.BaseURL)
	assert.Equal(t, 45*time.Second, cfg.LiFi.Check.Backoff.Duration)
	assert.Equal(t, "exponential", cfg.LiFi.Check.BackoffType)
	require.Len(t, cfg.Chains, 2)
	require.NotNil(t, cfg.Chains[1].CCTPDomain)
	assert.Equal(t, uint32(6), *cfg.Chains[1].CCTPDomain)
	assert.Nil(t, cfg.Chains[0].CCTPDomain)
	assert.Equal(t, []string{"LiFi", "CCTP"}, cfg.Liquidity.WalletStrategies["0x1111111111111111111111111111111111111111"])

	require.NoError(t, cfg.Validate())
}

func TestEnvOverridesWin(t *testing.T) {
	t.Setenv("REBALANCER_QUEUE_CONCURRENCY", "9")
	t.Setenv("REBALANCER_LIQUIDITY_INTERVAL", "2m")
	t.Setenv("REBALANCER_RPC_10", "https://secret.example/key")
	t.Setenv("REBALANCER_PRIVATE_KEYS", "0x01, 0x02")
	t.Setenv("REBALANCER_QUEUE_GROUP_LIMIT", "not-a-number")

	cfg, err := Load(writeConfig(t, sampleTOML))
	require.NoError(t, err)

	assert.Equal(t, 9, cfg.Queue.Concurrency)
	assert.Equal(t, 2*time.Minute, cfg.Liquidity.Interval.Duration)
	assert.Equal(t, "https://secret.example/key", cfg.Chains[0].RPCURL)
	assert.Equal(t, "https://base.example", cfg.Chains[1].RPCURL)
	require.Len(t, cfg.Keys, 2)
	assert.Equal(t, "0x02", cfg.Keys[1].PrivateKey)
	// Malformed values keep the previous setting.
	assert.Equal(t, 1, cfg.Queue.GroupLimit)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	require.Error(t, err)
}

func TestValidateCollectsEveryProblem(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "trade"
	cfg.Queue.Driver = "kafka"
	cfg.Tokens = []TokenConfig{{ChainID: 1, Address: "nope", MinBalance: 5, TargetBalance: 1}}
	cfg.Liquidity.CoreTokens = []TokenRef{{ChainID: 1, Address: "0x0000000000000000000000000000000000000001"}}

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{
		`unknown mode "trade"`,
		"wallets: at least one address is required",
		"tokens[0]: chain 1 is not configured",
		`tokens[0]: invalid address "nope"`,
		"tokens[0]: min_balance must not exceed target_balance",
		"core_tokens[0]",
		`queue: unknown driver "kafka"`,
	} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestValidateDeliveryCheckOnlyWhenEnabled(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleTOML))
	require.NoError(t, err)

	cfg.CCIP.Check.MaxAttempts = 0
	require.NoError(t, cfg.Validate())

	cfg.CCIP.Enabled = true
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ccip: check.max_attempts must be >= 1")
}

func TestRedactedMasksSecretsWithoutTouchingOriginal(t *testing.T) {
	cfg := Defaults()
	cfg.Keys = []KeyConfig{{PrivateKey: "0xdead", KeyPassword: "pw"}}
	cfg.Chains = []ChainConfig{{ChainID: 1, RPCURL: "https://rpc.example/key"}}
	cfg.Postgres.Password = "pg"
	cfg.Notify.TelegramToken = "tg"

	r := cfg.Redacted()

	assert.Equal(t, "***", r.Keys[0].PrivateKey)
	assert.Equal(t, "***", r.Keys[0].KeyPassword)
	assert.Equal(t, "***", r.Chains[0].RPCURL)
	assert.Equal(t, "***", r.Postgres.Password)
	assert.Equal(t, "***", r.Notify.TelegramToken)
	assert.Empty(t, r.S3.SecretKey)

	assert.Equal(t, "0xdead", cfg.Keys[0].PrivateKey)
	assert.Equal(t, "https://rpc.example/key", cfg.Chains[0].RPCURL)
}

func TestTokensForHonoursWalletRestriction(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleTOML))
	require.NoError(t, err)

	assert.Len(t, cfg.TokensFor("0x1111111111111111111111111111111111111111"), 1)
	assert.Len(t, cfg.TokensFor("0x3333333333333333333333333333333333333333"), 2)
}
