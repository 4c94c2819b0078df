// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mbd888/escrowgate/internal/amount"
)

// Ledger modes.
const (
	LedgerLocal  = "local"  // in-process escrow service
	LedgerChain  = "chain"  // escrow contract over JSON-RPC
	LedgerRemote = "remote" // another gateway's signed ledger API
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Identity. PrivateKey signs every ledger call the gateway makes.
	PrivateKey string // Hex-encoded, with or without 0x

	// Ledger
	LedgerMode      string
	RemoteLedgerURL string
	RPCURL          string
	ChainID         int64
	EscrowContract  string

	// Local ledger settings
	FeeBPS        int
	FeeRecipient  string // defaults to the gateway address
	AllowedAssets []string
	Faucet        bool
	SweepInterval time.Duration
	SweepClaims   bool

	// Catalog
	CatalogFile   string // JSON listings file (optional, uses in-memory if not set)
	TokenContract string // additional ERC-20 settlement asset
	TokenSymbol   string
	TokenDecimals int

	// Mediation
	PriceFallback   bool
	CatalogTimeout  time.Duration
	LedgerTimeout   time.Duration
	UpstreamTimeout time.Duration
	EscrowTimeout   time.Duration

	// Security
	AdminSecret     string
	SignatureWindow time.Duration
	RateLimitRPM    int // per IP on the catalog, per principal on signed ledger writes; 0 disables
	RateLimitBurst  int

	// Observability
	OTELEndpoint string
}

// Defaults
const (
	DefaultPort            = "8080"
	DefaultEnv             = "development"
	DefaultLogLevel        = "info"
	DefaultLogFormat       = "json"
	DefaultLedgerMode      = LedgerLocal
	DefaultRPCURL          = "https://sepolia.base.org"
	DefaultChainID         = 84532 // Base Sepolia
	DefaultFeeBPS          = 100
	DefaultTokenDecimals   = 6
	DefaultCatalogTimeout  = 5 * time.Second
	DefaultLedgerTimeout   = 15 * time.Second
	DefaultUpstreamTimeout = 30 * time.Second
	DefaultEscrowTimeout   = 5 * time.Minute
	DefaultSweepInterval   = 30 * time.Second
	DefaultSignatureWindow = 5 * time.Minute
	DefaultRateLimitRPM    = 120
	DefaultRateLimitBurst  = 20
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:            getEnv("PORT", DefaultPort),
		Env:             getEnv("ENV", DefaultEnv),
		LogLevel:        getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:       getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		PrivateKey:      os.Getenv("PRIVATE_KEY"), // Required, no default
		LedgerMode:      strings.ToLower(getEnv("LEDGER_MODE", DefaultLedgerMode)),
		RemoteLedgerURL: os.Getenv("REMOTE_LEDGER_URL"),
		RPCURL:          getEnv("RPC_URL", DefaultRPCURL),
		ChainID:         getEnvInt64("CHAIN_ID", DefaultChainID),
		EscrowContract:  os.Getenv("ESCROW_CONTRACT"),
		FeeBPS:          int(getEnvInt64("FEE_BPS", DefaultFeeBPS)),
		FeeRecipient:    os.Getenv("FEE_RECIPIENT"),
		AllowedAssets:   getEnvList("ALLOWED_ASSETS"),
		Faucet:          getEnvBool("FAUCET", false),
		SweepInterval:   getEnvDuration("SWEEP_INTERVAL", DefaultSweepInterval),
		SweepClaims:     getEnvBool("SWEEP_CLAIMS", false),
		CatalogFile:     os.Getenv("CATALOG_FILE"),
		TokenContract:   os.Getenv("TOKEN_CONTRACT"),
		TokenSymbol:     getEnv("TOKEN_SYMBOL", "USDC"),
		TokenDecimals:   int(getEnvInt64("TOKEN_DECIMALS", DefaultTokenDecimals)),
		PriceFallback:   getEnvBool("PRICE_FALLBACK", false),
		CatalogTimeout:  getEnvDuration("CATALOG_TIMEOUT", DefaultCatalogTimeout),
		LedgerTimeout:   getEnvDuration("LEDGER_TIMEOUT", DefaultLedgerTimeout),
		UpstreamTimeout: getEnvDuration("UPSTREAM_TIMEOUT", DefaultUpstreamTimeout),
		EscrowTimeout:   getEnvDuration("ESCROW_TIMEOUT", DefaultEscrowTimeout),
		AdminSecret:     os.Getenv("ADMIN_SECRET"),
		SignatureWindow: getEnvDuration("SIGNATURE_WINDOW", DefaultSignatureWindow),
		RateLimitRPM:    int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
		RateLimitBurst:  int(getEnvInt64("RATE_LIMIT_BURST", DefaultRateLimitBurst)),
		OTELEndpoint:    os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.PrivateKey == "" {
		return fmt.Errorf("PRIVATE_KEY is required")
	}

	// Allow both with and without 0x prefix
	key := strings.TrimPrefix(c.PrivateKey, "0x")
	if len(key) != 64 {
		return fmt.Errorf("PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)")
	}

	switch c.LedgerMode {
	case LedgerLocal:
	case LedgerChain:
		if c.RPCURL == "" {
			return fmt.Errorf("RPC_URL is required when LEDGER_MODE=chain")
		}
		if c.EscrowContract == "" {
			return fmt.Errorf("ESCROW_CONTRACT is required when LEDGER_MODE=chain")
		}
	case LedgerRemote:
		if c.RemoteLedgerURL == "" {
			return fmt.Errorf("REMOTE_LEDGER_URL is required when LEDGER_MODE=remote")
		}
	default:
		return fmt.Errorf("LEDGER_MODE must be one of local, chain, remote (got %q)", c.LedgerMode)
	}

	if c.FeeBPS < 0 || c.FeeBPS > 1000 {
		return fmt.Errorf("FEE_BPS must be between 0 and 1000")
	}
	if c.RateLimitRPM < 0 || c.RateLimitBurst < 0 {
		return fmt.Errorf("RATE_LIMIT_RPM and RATE_LIMIT_BURST must not be negative")
	}
	if c.TokenDecimals < 0 || c.TokenDecimals > amount.MaxDecimals {
		return fmt.Errorf("TOKEN_DECIMALS must be between 0 and 36")
	}

	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("30s") or bare seconds ("30").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil && d > 0 {
		return d
	}
	if secs, err := strconv.ParseInt(value, 10, 64); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

func getEnvList(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
