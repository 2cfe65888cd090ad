package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the copy-trade core.
type Config struct {
	Port string

	// Database
	DBPath string

	// Admin auth
	JWTSecret string

	// Device protocol
	AuthWindow     time.Duration // accepted clock skew / replay TTL
	DefaultPollTTL int           // minutes an approval stays ackable after first poll

	// Broker gateway
	UseMockBroker  bool
	BrokerBaseURL  string
	BrokerAPIKey   string
	BrokerTimeout  time.Duration
	BrokerRetryMax int

	// Background cycles
	ReconcileInterval   time.Duration
	GuardInterval       time.Duration
	ReplayPurgeInterval time.Duration

	// Guard defaults (per-user overrides live in the DB / guards.yaml)
	GuardsConfigPath string

	// Reconciliation tolerances
	VolumeTolerancePct float64
	EntryTolerancePips float64
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	return &Config{
		Port:                getEnv("PORT", "8080"),
		DBPath:              getEnv("DB_PATH", "./data/copytrade.db"),
		JWTSecret:           getEnv("JWT_SECRET", "dev-secret"),
		AuthWindow:          getEnvDuration("AUTH_WINDOW", 5*time.Minute),
		DefaultPollTTL:      getEnvInt("POLL_TTL_MINUTES", 15),
		UseMockBroker:       getEnv("USE_MOCK_BROKER", "true") == "true",
		BrokerBaseURL:       getEnv("BROKER_BASE_URL", "http://localhost:9090"),
		BrokerAPIKey:        os.Getenv("BROKER_API_KEY"),
		BrokerTimeout:       getEnvDuration("BROKER_TIMEOUT", 10*time.Second),
		BrokerRetryMax:      getEnvInt("BROKER_RETRY_MAX", 3),
		ReconcileInterval:   getEnvDuration("RECONCILE_INTERVAL", 10*time.Second),
		GuardInterval:       getEnvDuration("GUARD_INTERVAL", 5*time.Second),
		ReplayPurgeInterval: getEnvDuration("REPLAY_PURGE_INTERVAL", time.Minute),
		GuardsConfigPath:    getEnv("GUARDS_CONFIG_PATH", ""),
		VolumeTolerancePct:  getEnvFloat("VOLUME_TOLERANCE_PCT", 5.0),
		EntryTolerancePips:  getEnvFloat("ENTRY_TOLERANCE_PIPS", 2.0),
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

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
