package config

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	MnemonicFile string `envconfig:"KASMIX_MNEMONIC_FILE"`
	DataDir      string `envconfig:"KASMIX_DATA_DIR" default:"./data"`
	AuditDBPath  string `envconfig:"KASMIX_AUDIT_DB_PATH" default:"./data/kasmix_audit.sqlite"`
	Port         int    `envconfig:"KASMIX_PORT" default:"8080"`
	LogLevel     string `envconfig:"KASMIX_LOG_LEVEL" default:"info"`
	LogDir       string `envconfig:"KASMIX_LOG_DIR" default:"./logs"`
	Network      string `envconfig:"KASMIX_NETWORK" default:"mainnet"`

	NodeRPCURL string `envconfig:"KASMIX_NODE_RPC_URL" default:"http://127.0.0.1:16110"`

	// Trusted-mode CoinJoin pool wallet (spec.md §9 Open Question 4: how the
	// pool key is held is out of scope; kasmix takes it as configuration).
	CoinJoinPoolAddress       string `envconfig:"KASMIX_COINJOIN_POOL_ADDRESS"`
	CoinJoinPoolPrivateKeyHex string `envconfig:"KASMIX_COINJOIN_POOL_PRIVATE_KEY"`

	// Mix session timing (milliseconds, spec.md §4.6).
	MixMinDelayMs   int `envconfig:"KASMIX_MIX_MIN_DELAY_MS" default:"60000"`
	MixMaxDelayMs   int `envconfig:"KASMIX_MIX_MAX_DELAY_MS" default:"120000"`
	MixMonitorEvery int `envconfig:"KASMIX_MIX_MONITOR_SECONDS" default:"10"`

	// CoinJoin pool parameters (spec.md §4.8-4.9).
	CoinJoinFixedEntry      string `envconfig:"KASMIX_COINJOIN_FIXED_ENTRY" default:"100000000"`
	CoinJoinEntryTolerance  string `envconfig:"KASMIX_COINJOIN_ENTRY_TOLERANCE" default:"10000"`
	CoinJoinMinTrusted      int    `envconfig:"KASMIX_COINJOIN_MIN_TRUSTED" default:"20"`
	CoinJoinMinZeroTrust    int    `envconfig:"KASMIX_COINJOIN_MIN_ZERO_TRUST" default:"10"`
	CoinJoinMaxOutputsPerTx int    `envconfig:"KASMIX_COINJOIN_MAX_OUTPUTS_PER_TX" default:"20"`
	CoinJoinFeeBps          int    `envconfig:"KASMIX_COINJOIN_FEE_BPS" default:"100"`
	CoinJoinCommitWindowSec int    `envconfig:"KASMIX_COINJOIN_COMMIT_WINDOW_SECONDS" default:"300"`
	CoinJoinMonitorEvery    int    `envconfig:"KASMIX_COINJOIN_MONITOR_SECONDS" default:"10"`
	CoinJoinMaxStandardMass int64  `envconfig:"KASMIX_COINJOIN_MAX_STANDARD_MASS" default:"100000"`
	LobbyCleanupEvery       int    `envconfig:"KASMIX_LOBBY_CLEANUP_MINUTES" default:"5"`

	// Fee / confirmation constants (spec.md §4.5, §4.7).
	MinConfirmations int    `envconfig:"KASMIX_MIN_CONFIRMATIONS" default:"20"`
	MinFee           string `envconfig:"KASMIX_MIN_FEE" default:"10000"`
	DustThreshold    string `envconfig:"KASMIX_DUST" default:"1000"`
	PriorityFeerate  int    `envconfig:"KASMIX_PRIORITY_FEERATE" default:"1"`
}

// Load reads configuration from .env file (if present) then from environment variables.
// Environment variables override .env values.
func Load() (*Config, error) {
	// Load .env file if it exists. godotenv does NOT override already-set env vars,
	// so real environment variables take precedence over .env values.
	envFiles := []string{".env"}
	for _, f := range envFiles {
		if _, err := os.Stat(f); err == nil {
			if err := godotenv.Load(f); err != nil {
				slog.Warn("failed to load .env file", "file", f, "error", err)
			} else {
				slog.Info("loaded .env file", "file", f)
			}
		}
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process env config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks configuration values for correctness.
func (c *Config) Validate() error {
	if c.Network != "mainnet" && c.Network != "testnet" {
		return fmt.Errorf("%w: network must be \"mainnet\" or \"testnet\", got %q", ErrInvalidConfig, c.Network)
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("%w: port must be 1-65535, got %d", ErrInvalidConfig, c.Port)
	}
	if c.MixMinDelayMs <= 0 || c.MixMaxDelayMs < c.MixMinDelayMs {
		return fmt.Errorf("%w: mix delay window invalid: min=%d max=%d", ErrInvalidConfig, c.MixMinDelayMs, c.MixMaxDelayMs)
	}
	if c.CoinJoinMinZeroTrust < 2 {
		return fmt.Errorf("%w: zero-trust CoinJoin requires at least 2 participants, got %d", ErrInvalidConfig, c.CoinJoinMinZeroTrust)
	}
	if c.CoinJoinMaxOutputsPerTx < 2 {
		return fmt.Errorf("%w: max outputs per tx must be >= 2, got %d", ErrInvalidConfig, c.CoinJoinMaxOutputsPerTx)
	}
	return nil
}
