package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration derived from environment variables.
type Config struct {
	Env          string
	LogLevel     string
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	ServiceName  string
	DebugTrace   bool
	// Storage. An empty address disables the backend.
	RedisAddr     string
	PostgresDSN   string
	ClickHouseDSN string
	GeoIPDB       string
	ClientIP      string
	// Database connection pooling configuration
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration
	DBConnMaxIdleTime time.Duration
	// Event history
	HistoryRetention     time.Duration
	HistoryPruneInterval time.Duration
	EventLogTimeout      time.Duration
	EventLogExpiry       time.Duration
	PlacementTTL         time.Duration
	// Eligibility
	TransferredWindow     time.Duration
	PacingSeed            int64
	Timezone              string
	CatalogReloadInterval time.Duration
	ReactionsRefresh      time.Duration
	LogSampleRate         float64
	// Tracing configuration
	TracingEnabled    bool
	TempoEndpoint     string
	TracingSampleRate float64
}

// Load reads an optional .env file (or the file named by ENV_FILE) and then
// parses environment variables, applying defaults when variables are absent.
// Variables already set in the environment win over the file.
func Load() (Config, error) {
	if err := godotenv.Load(getenv("ENV_FILE", ".env")); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, err
	}
	return FromEnv(), nil
}

// FromEnv parses environment variables without reading any file.
func FromEnv() Config {
	cfg := Config{}

	cfg.Env = getenv("ENV", "development")
	cfg.LogLevel = getenv("LOG_LEVEL", "")
	cfg.Port = getenv("PORT", "8787")
	cfg.ReadTimeout = envDuration("READ_TIMEOUT", 5*time.Second)
	cfg.WriteTimeout = envDuration("WRITE_TIMEOUT", 10*time.Second)
	cfg.ServiceName = getenv("SERVICE_NAME", "adengine")
	cfg.DebugTrace = envBool("DEBUG_TRACE", false)

	cfg.RedisAddr = getenv("REDIS_ADDR", "localhost:6379")
	cfg.PostgresDSN = getenv("POSTGRES_DSN", "postgres://postgres@127.0.0.1:5432/postgres?sslmode=disable")
	cfg.ClickHouseDSN = getenv("CLICKHOUSE_DSN", "")
	cfg.GeoIPDB = getenv("GEOIP_DB", "")
	cfg.ClientIP = getenv("CLIENT_IP", "")

	cfg.DBMaxOpenConns = envInt("DB_MAX_OPEN_CONNS", 25)
	cfg.DBMaxIdleConns = envInt("DB_MAX_IDLE_CONNS", 5)
	cfg.DBConnMaxLifetime = envDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute)
	cfg.DBConnMaxIdleTime = envDuration("DB_CONN_MAX_IDLE_TIME", 1*time.Minute)

	cfg.HistoryRetention = envDuration("HISTORY_RETENTION", 24*time.Hour)
	cfg.HistoryPruneInterval = envDuration("HISTORY_PRUNE_INTERVAL", 5*time.Minute)
	cfg.EventLogTimeout = envDuration("EVENT_LOG_TIMEOUT", 250*time.Millisecond)
	// long enough for the per-month spacing rule
	cfg.EventLogExpiry = envDuration("EVENT_LOG_EXPIRY", 90*24*time.Hour)
	cfg.PlacementTTL = envDuration("PLACEMENT_TTL", 90*24*time.Hour)

	cfg.TransferredWindow = envDuration("TRANSFERRED_WINDOW", 48*time.Hour)
	cfg.PacingSeed = envInt64("PACING_SEED", 0)
	cfg.Timezone = getenv("TIMEZONE", "Local")
	cfg.CatalogReloadInterval = envDuration("CATALOG_RELOAD_INTERVAL", 30*time.Second)
	cfg.ReactionsRefresh = envDuration("REACTIONS_REFRESH_INTERVAL", 30*time.Second)
	cfg.LogSampleRate = envFloat("LOG_SAMPLE_RATE", 0)

	cfg.TracingEnabled = envBool("TRACING_ENABLED", false)
	cfg.TempoEndpoint = getenv("TEMPO_ENDPOINT", "tempo:4317")
	cfg.TracingSampleRate = envFloat("TRACING_SAMPLE_RATE", 1.0)

	return cfg
}

// Location resolves Timezone, falling back to the local zone when the name
// is unknown.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// getenv returns the value of the environment variable if set, otherwise def.
func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// envDuration parses an environment variable into a time.Duration.
// The value can be a duration string (e.g. "5s") or a number of seconds.
// If the variable is unset or invalid, def is returned.
func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	return def
}

// envBool parses a boolean environment variable. When unset or invalid, def is returned.
func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if b, err := strconv.ParseBool(v); err == nil {
		return b
	}
	return def
}

// envInt parses an integer environment variable. When unset or invalid, def is returned.
func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if i, err := strconv.Atoi(v); err == nil {
		return i
	}
	return def
}

func envInt64(key string, def int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if i, err := strconv.ParseInt(v, 10, 64); err == nil {
		return i
	}
	return def
}

// envFloat parses a float64 environment variable. When unset or invalid, def is returned.
func envFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return f
	}
	return def
}
