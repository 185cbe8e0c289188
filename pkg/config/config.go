package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the breakout service.
type Config struct {
	Port string

	// Delta Exchange defaults; strategy configs may carry their own credentials.
	DeltaBaseURL   string
	DeltaAPIKey    string
	DeltaAPISecret string
	DeltaRateLimit float64 // requests per second per credential set

	// Execution
	DryRun          bool
	PaperStartPrice float64
	PaperSymbols    []string

	// Database
	DBPath string

	// Strategies auto-started at boot
	StrategiesFile string

	// Timing
	GatewayTimeout     time.Duration // per exchange call
	StopTimeout        time.Duration // bounded wait for a stopping instance
	OrderCheckInterval time.Duration // poll interval for the stateless order endpoint

	// Auth
	AuthEnabled bool
	JWTSecret   string
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	return &Config{
		Port:               getEnv("PORT", "8080"),
		DeltaBaseURL:       getEnv("DELTA_BASE_URL", "https://api.india.delta.exchange"),
		DeltaAPIKey:        os.Getenv("DELTA_API_KEY"),
		DeltaAPISecret:     os.Getenv("DELTA_API_SECRET"),
		DeltaRateLimit:     getEnvFloat("DELTA_RATE_LIMIT", 10),
		DryRun:             getEnv("DRY_RUN", "false") == "true",
		PaperStartPrice:    getEnvFloat("PAPER_START_PRICE", 60000),
		PaperSymbols:       splitAndTrim(getEnv("PAPER_SYMBOLS", "BTCUSD")),
		DBPath:             getEnv("DB_PATH", "./data/breakout.db"),
		StrategiesFile:     getEnv("STRATEGIES_FILE", "strategies.yaml"),
		GatewayTimeout:     getEnvDuration("GATEWAY_TIMEOUT", 10*time.Second),
		StopTimeout:        getEnvDuration("STOP_TIMEOUT", 30*time.Second),
		OrderCheckInterval: getEnvDuration("ORDER_CHECK_INTERVAL", 2*time.Second),
		AuthEnabled:        getEnv("AUTH_ENABLED", "false") == "true",
		JWTSecret:          getEnv("JWT_SECRET", "dev-secret"),
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

// getEnvDuration accepts Go durations ("15s") or bare seconds ("15").
func getEnvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	return def
}
