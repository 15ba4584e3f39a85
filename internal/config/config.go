// Package config loads process configuration from the environment, with
// optional .env files for local development.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type (
	Postgres struct {
		User   string
		Pass   string
		Host   string
		Port   string
		DBName string
	}

	Redis struct {
		Addr string
		DB   int
		TTL  time.Duration
	}

	Server struct {
		Addr           string
		AllowedOrigins []string
	}

	Aggregation struct {
		// Window is the ticker aggregation bucket size.
		Window time.Duration
		// Grace is how long after a window's end late trades are still
		// accepted before a sweep flushes it.
		Grace time.Duration
		// SweepEvery is the period of the time-based flush job.
		SweepEvery time.Duration
	}

	Rates struct {
		// Bridges is the bridge-currency priority list for one-hop
		// cross conversion.
		Bridges []string
		// Exchanges is the exchange priority list for ALL-scope queries.
		Exchanges []string
	}

	Stream struct {
		// Mode selects the trade sources: "generate" runs synthetic
		// random-walk streams, "live" connects to the exchange feeds.
		Mode string
		// SinkBuffer bounds each subscriber's delivery channel.
		SinkBuffer int
		// BatchSize and BatchInterval pace the simulated trade sources.
		BatchSize     int
		BatchInterval time.Duration
		// Pairs lists the BASE-QUOTE markets to ingest.
		Pairs []string
	}

	Config struct {
		Postgres    Postgres
		Redis       Redis
		Server      Server
		Aggregation Aggregation
		Rates       Rates
		Stream      Stream
	}
)

// Load reads configuration, applying defaults for anything unset. A
// missing .env file is not an error.
func Load() *Config {
	_ = godotenv.Load()

	cfg := &Config{}

	cfg.Postgres.User = getEnv("DB_USER", "postgres")
	cfg.Postgres.Pass = getEnv("DB_PASS", "postgres")
	cfg.Postgres.Host = getEnv("DB_HOST", "localhost")
	cfg.Postgres.Port = getEnv("DB_PORT", "5432")
	cfg.Postgres.DBName = getEnv("DB_NAME", "markets")

	cfg.Redis.Addr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.Redis.DB = getEnvInt("REDIS_DB", 0)
	cfg.Redis.TTL = getEnvDuration("REDIS_TTL", 5*time.Minute)

	cfg.Server.Addr = getEnv("SERVER_ADDR", ":8082")
	cfg.Server.AllowedOrigins = getEnvList("CORS_ALLOWED_ORIGINS", []string{"*"})

	cfg.Aggregation.Window = getEnvDuration("TICKER_WINDOW", time.Minute)
	cfg.Aggregation.Grace = getEnvDuration("SWEEP_GRACE", 20*time.Second)
	cfg.Aggregation.SweepEvery = getEnvDuration("SWEEP_INTERVAL", 10*time.Second)

	cfg.Rates.Bridges = getEnvList("BRIDGE_ASSETS", []string{"BTC", "ETH", "USDT", "USD"})
	cfg.Rates.Exchanges = getEnvList("EXCHANGE_PRIORITY", []string{"BINANCE", "COINBASE", "OKX"})

	cfg.Stream.Mode = getEnv("SOURCE_MODE", "generate")
	cfg.Stream.SinkBuffer = getEnvInt("SINK_BUFFER", 256)
	cfg.Stream.BatchSize = getEnvInt("SOURCE_BATCH_SIZE", 32)
	cfg.Stream.BatchInterval = getEnvDuration("SOURCE_BATCH_INTERVAL", time.Second)
	cfg.Stream.Pairs = getEnvList("SOURCE_PAIRS", []string{"BTC-USDT", "ETH-USDT", "ETH-BTC"})

	return cfg
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value, err := strconv.Atoi(getEnv(key, "")); err == nil {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value, err := time.ParseDuration(getEnv(key, "")); err == nil && value > 0 {
		return value
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	raw := getEnv(key, "")
	if raw == "" {
		return defaultValue
	}

	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			values = append(values, p)
		}
	}
	if len(values) == 0 {
		return defaultValue
	}
	return values
}
