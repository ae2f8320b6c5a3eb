package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the execution core.
type Config struct {
	// Database
	DBPath string

	// Metrics
	MetricsAddr string

	// Risk/macro policy file (YAML). Empty means built-in defaults.
	PolicyPath string

	// Wallet
	Currency string

	// Paper simulation
	PaperFeeRate      float64 // decimal, e.g. 0.0004 = 4 bps
	PaperSlippageBps  float64 // directional slippage applied on fills (bps)
	PaperSpreadBps    float64 // synthetic order book spread width (bps)
	PaperFillOnCreate bool    // fill immediately vs rest the order

	// Live connector
	VenueBaseURL     string
	VenueTestnetURL  string
	APIKeyEnv        string // name of the env var holding the API key
	APISecretEnv     string // name of the env var holding the API secret
	VenueWSURL       string
	Testnet          bool
	ConnectorTimeout time.Duration
	EnableUserStream bool

	// Background open-order sync sweep
	SyncInterval time.Duration
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the process still starts when .env is missing.
	_ = godotenv.Load()

	return &Config{
		DBPath:            getEnv("DB_PATH", "./data/exec.db"),
		MetricsAddr:       getEnv("METRICS_ADDR", ":9115"),
		PolicyPath:        getEnv("RISK_POLICY_PATH", ""),
		Currency:          getEnv("WALLET_CURRENCY", "USD"),
		PaperFeeRate:      getEnvFloat("PAPER_FEE_RATE", 0.0004),
		PaperSlippageBps:  getEnvFloat("PAPER_SLIPPAGE_BPS", 2),
		PaperSpreadBps:    getEnvFloat("PAPER_SPREAD_BPS", 10),
		PaperFillOnCreate: getEnv("PAPER_FILL_ON_CREATE", "true") == "true",
		VenueBaseURL:      getEnv("VENUE_BASE_URL", "https://api.binance.com"),
		VenueTestnetURL:   getEnv("VENUE_TESTNET_URL", "https://testnet.binance.vision"),
		APIKeyEnv:         getEnv("VENUE_API_KEY_ENV", "VENUE_API_KEY"),
		APISecretEnv:      getEnv("VENUE_API_SECRET_ENV", "VENUE_API_SECRET"),
		VenueWSURL:        getEnv("VENUE_WS_URL", "wss://stream.binance.com:9443"),
		Testnet:           getEnv("VENUE_TESTNET", "false") == "true",
		ConnectorTimeout:  getEnvDuration("CONNECTOR_TIMEOUT", 10*time.Second),
		EnableUserStream:  getEnv("ENABLE_USER_STREAM", "false") == "true",
		SyncInterval:      getEnvDuration("ORDER_SYNC_INTERVAL", time.Minute),
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(strings.TrimSpace(v)); err == nil {
			return d
		}
	}
	return def
}
