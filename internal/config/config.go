// Package config handles application configuration from environment variables
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

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Storage
	StoreBackend string // memory, redis, leveldb, postgres
	DatabaseURL  string
	RedisURL     string
	LevelDBPath  string

	// Ledger gateway
	LedgerEndpoints      []string
	LedgerAPIKeys        []string
	LedgerKeyRotation    string // round_robin or random
	LedgerEndpointsFile  string
	LedgerContract       string
	LedgerSender         string
	ChainID              int64
	OperatorPrivateKey   string // Hex-encoded, 0x optional
	LedgerRetryCount     int
	LedgerRetryBaseDelay time.Duration
	LedgerCacheTTL       time.Duration
	LedgerRPS            float64

	// Fees
	FeeBase    uint64
	FeePerItem uint64
	FeeMax     uint64
	FeePadding uint64

	// Settlement
	SettleMinAge   time.Duration
	SettleMaxBatch int
	SettleInterval time.Duration

	// Reconciliation
	ReconcileChunkSize    int
	ReconcileChunkDelay   time.Duration
	ReconcileInterval     time.Duration
	ReconcileUnknownGrace time.Duration

	CustodyIDFormat string // hash or legacy
	OTLPEndpoint    string
}

// Defaults
const (
	DefaultPort           = "8080"
	DefaultEnv            = "development"
	DefaultLogLevel       = "info"
	DefaultStoreBackend   = "memory"
	DefaultLevelDBPath    = "data/custody"
	DefaultChainID        = 1
	DefaultRetryCount     = 3
	DefaultRetryBaseDelay = 500 * time.Millisecond
	DefaultCacheTTL       = 15 * time.Second
	DefaultFeeBase        = 60_000
	DefaultFeePerItem     = 45_000
	DefaultFeeMax         = DefaultFeeBase + 200*DefaultFeePerItem
	DefaultMinAgeMinutes  = 15
	DefaultMaxBatch       = 200
	DefaultSettleInterval = 5 * time.Minute
	DefaultChunkSize      = 10
	DefaultChunkDelay     = 250 * time.Millisecond
	DefaultReconcileEvery = 2 * time.Minute
	DefaultUnknownGrace   = 6 * time.Hour
)

// EndpointsFile is the TOML layout of LEDGER_ENDPOINTS_FILE.
//
//	Endpoints = ["https://node-a.example", "https://node-b.example"]
//	APIKeys   = ["k1", "k2"]
//	KeyRotation = "random"
type EndpointsFile struct {
	Endpoints   []string `toml:"Endpoints"`
	APIKeys     []string `toml:"APIKeys"`
	KeyRotation string   `toml:"KeyRotation"`
}

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                  getEnv("PORT", DefaultPort),
		Env:                   getEnv("ENV", DefaultEnv),
		LogLevel:              getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:             getEnv("LOG_FORMAT", "text"),
		StoreBackend:          getEnv("STORE_BACKEND", DefaultStoreBackend),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		RedisURL:              os.Getenv("REDIS_URL"),
		LevelDBPath:           getEnv("LEVELDB_PATH", DefaultLevelDBPath),
		LedgerEndpoints:       getEnvList("LEDGER_ENDPOINTS"),
		LedgerAPIKeys:         getEnvList("LEDGER_API_KEYS"),
		LedgerKeyRotation:     getEnv("LEDGER_KEY_ROTATION", "round_robin"),
		LedgerEndpointsFile:   os.Getenv("LEDGER_ENDPOINTS_FILE"),
		LedgerContract:        os.Getenv("LEDGER_CONTRACT"),
		LedgerSender:          os.Getenv("LEDGER_SENDER"),
		ChainID:               getEnvInt64("CHAIN_ID", DefaultChainID),
		OperatorPrivateKey:    os.Getenv("OPERATOR_PRIVATE_KEY"), // Required, no default
		LedgerRetryCount:      int(getEnvInt64("LEDGER_RETRY_COUNT", DefaultRetryCount)),
		LedgerRetryBaseDelay:  getEnvDuration("LEDGER_RETRY_BASE_DELAY", DefaultRetryBaseDelay),
		LedgerCacheTTL:        getEnvDuration("LEDGER_CACHE_TTL", DefaultCacheTTL),
		LedgerRPS:             getEnvFloat("LEDGER_RPS", 0),
		FeeBase:               getEnvUint64("FEE_BASE", DefaultFeeBase),
		FeePerItem:            getEnvUint64("FEE_PER_ITEM", DefaultFeePerItem),
		FeeMax:                getEnvUint64("FEE_MAX", DefaultFeeMax),
		FeePadding:            getEnvUint64("FEE_PADDING", 0),
		SettleMinAge:          time.Duration(getEnvInt64("SETTLE_MIN_AGE_MINUTES", DefaultMinAgeMinutes)) * time.Minute,
		SettleMaxBatch:        int(getEnvInt64("SETTLE_MAX_BATCH", DefaultMaxBatch)),
		SettleInterval:        getEnvDuration("SETTLE_INTERVAL", DefaultSettleInterval),
		ReconcileChunkSize:    int(getEnvInt64("RECONCILE_CHUNK_SIZE", DefaultChunkSize)),
		ReconcileChunkDelay:   getEnvDuration("RECONCILE_CHUNK_DELAY", DefaultChunkDelay),
		ReconcileInterval:     getEnvDuration("RECONCILE_INTERVAL", DefaultReconcileEvery),
		ReconcileUnknownGrace: getEnvDuration("RECONCILE_UNKNOWN_GRACE", DefaultUnknownGrace),
		CustodyIDFormat:       getEnv("CUSTODY_ID_FORMAT", "hash"),
		OTLPEndpoint:          os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if cfg.LedgerEndpointsFile != "" {
		if err := cfg.loadEndpointsFile(cfg.LedgerEndpointsFile); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadEndpointsFile merges endpoints and keys from a TOML file. Values
// already set from the environment win.
func (c *Config) loadEndpointsFile(path string) error {
	var f EndpointsFile
	if _, err := toml.DecodeFile(path, &f); err != nil {
		return fmt.Errorf("read LEDGER_ENDPOINTS_FILE: %w", err)
	}
	if len(c.LedgerEndpoints) == 0 {
		c.LedgerEndpoints = f.Endpoints
	}
	if len(c.LedgerAPIKeys) == 0 {
		c.LedgerAPIKeys = f.APIKeys
	}
	if f.KeyRotation != "" && os.Getenv("LEDGER_KEY_ROTATION") == "" {
		c.LedgerKeyRotation = f.KeyRotation
	}
	return nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.OperatorPrivateKey == "" {
		return fmt.Errorf("OPERATOR_PRIVATE_KEY is required")
	}
	key := strings.TrimPrefix(c.OperatorPrivateKey, "0x")
	if len(key) != 64 {
		return fmt.Errorf("OPERATOR_PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)")
	}

	if len(c.LedgerEndpoints) == 0 {
		return fmt.Errorf("LEDGER_ENDPOINTS (or LEDGER_ENDPOINTS_FILE) is required")
	}
	if c.LedgerContract == "" {
		return fmt.Errorf("LEDGER_CONTRACT is required")
	}

	switch c.LedgerKeyRotation {
	case "round_robin", "random":
	default:
		return fmt.Errorf("LEDGER_KEY_ROTATION must be round_robin or random, got %q", c.LedgerKeyRotation)
	}

	switch c.StoreBackend {
	case "memory":
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for STORE_BACKEND=postgres")
		}
	case "redis":
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required for STORE_BACKEND=redis")
		}
	case "leveldb":
		if c.LevelDBPath == "" {
			return fmt.Errorf("LEVELDB_PATH is required for STORE_BACKEND=leveldb")
		}
	default:
		return fmt.Errorf("STORE_BACKEND must be memory, redis, leveldb or postgres, got %q", c.StoreBackend)
	}

	if c.CustodyIDFormat != "hash" && c.CustodyIDFormat != "legacy" {
		return fmt.Errorf("CUSTODY_ID_FORMAT must be hash or legacy, got %q", c.CustodyIDFormat)
	}
	if c.SettleMaxBatch < 1 || c.SettleMaxBatch > DefaultMaxBatch {
		return fmt.Errorf("SETTLE_MAX_BATCH must be between 1 and %d", DefaultMaxBatch)
	}
	if c.SettleMinAge <= 0 {
		return fmt.Errorf("SETTLE_MIN_AGE_MINUTES must be positive")
	}
	if c.ReconcileChunkSize < 1 {
		return fmt.Errorf("RECONCILE_CHUNK_SIZE must be positive")
	}
	if c.LedgerRetryCount < 1 {
		return fmt.Errorf("LEDGER_RETRY_COUNT must be positive")
	}
	if c.FeeMax > 0 && c.FeeMax < c.FeeBase {
		return fmt.Errorf("FEE_MAX must not be below FEE_BASE")
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

func getEnvUint64(key string, defaultValue uint64) uint64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseUint(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvList splits a comma-separated value, dropping empty entries.
func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
