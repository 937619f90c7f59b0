package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds validated environment configuration
type Config struct {
	// Required variables
	Port       string
	ServiceKey string

	// Credential store
	DBDriver    string // "sqlite" or "postgres"
	DatabaseDSN string

	// Durable KV store
	RedisEnabled  bool
	RedisAddr     string
	RedisPassword string

	// Routing constants (env-overridable design constants)
	RequestTimeout     time.Duration
	IdleTimeout        time.Duration
	LogRetentionHours  int
	MaxLogsPerHour     int
	HistoryReplayLimit int
	FixturesEnabled    bool

	// Projects that skip API key validation
	BypassProjects []string

	// Optional variables with defaults
	GoEnv           string
	LogLevel        string
	DevelopmentMode bool

	// Rate Limits (ulule/limiter formatted, M = Minute, H = Hour)
	RateLimitWsIP   string
	RateLimitAPIKey string

	// Tracing
	TracingEnabled bool
	OTLPAddr       string
}

// ValidateEnv validates all required environment variables and returns a Config object
// Returns an error if any required variable is missing or invalid
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errors []string

	// Required: PORT (valid port number)
	cfg.Port = os.Getenv("PORT")
	if cfg.Port == "" {
		errors = append(errors, "PORT is required")
	} else {
		port, err := strconv.Atoi(cfg.Port)
		if err != nil || port < 1 || port > 65535 {
			errors = append(errors, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.Port))
		}
	}

	// Required: SERVICE_KEY (bearer secret for /api-keys, minimum 16 characters)
	cfg.ServiceKey = os.Getenv("SERVICE_KEY")
	if cfg.ServiceKey == "" {
		errors = append(errors, "SERVICE_KEY is required")
	} else if len(cfg.ServiceKey) < 16 {
		errors = append(errors, fmt.Sprintf("SERVICE_KEY must be at least 16 characters (got %d)", len(cfg.ServiceKey)))
	}

	// Credential store: driver defaults to sqlite with a local file DSN
	cfg.DBDriver = getEnvOrDefault("DB_DRIVER", "sqlite")
	if cfg.DBDriver != "sqlite" && cfg.DBDriver != "postgres" {
		errors = append(errors, fmt.Sprintf("DB_DRIVER must be 'sqlite' or 'postgres' (got '%s')", cfg.DBDriver))
	}
	cfg.DatabaseDSN = os.Getenv("DATABASE_DSN")
	if cfg.DatabaseDSN == "" {
		if cfg.DBDriver == "postgres" {
			errors = append(errors, "DATABASE_DSN is required when DB_DRIVER=postgres")
		} else {
			cfg.DatabaseDSN = "wirebus.db"
		}
	}

	// Conditional: REDIS_ADDR (required if REDIS_ENABLED=true)
	cfg.RedisEnabled = os.Getenv("REDIS_ENABLED") == "true"
	if cfg.RedisEnabled {
		cfg.RedisAddr = os.Getenv("REDIS_ADDR")
		if cfg.RedisAddr == "" {
			cfg.RedisAddr = "localhost:6379"
			slog.Warn("REDIS_ADDR not set, using default", "addr", cfg.RedisAddr)
		} else if !isValidHostPort(cfg.RedisAddr) {
			errors = append(errors, fmt.Sprintf("REDIS_ADDR must be in format 'host:port' (got '%s')", cfg.RedisAddr))
		}
		cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	}

	// Routing constants
	var err error
	cfg.RequestTimeout, err = durationFromMillisEnv("REQUEST_TIMEOUT_MS", 30_000)
	if err != nil {
		errors = append(errors, err.Error())
	}
	cfg.IdleTimeout, err = durationFromMillisEnv("IDLE_TIMEOUT_MS", 5*60*1000)
	if err != nil {
		errors = append(errors, err.Error())
	}
	cfg.LogRetentionHours, err = intFromEnv("LOG_RETENTION_HOURS", 24)
	if err != nil {
		errors = append(errors, err.Error())
	}
	cfg.MaxLogsPerHour, err = intFromEnv("MAX_LOGS_PER_HOUR", 1000)
	if err != nil {
		errors = append(errors, err.Error())
	}
	cfg.HistoryReplayLimit, err = intFromEnv("HISTORY_REPLAY_LIMIT", 500)
	if err != nil {
		errors = append(errors, err.Error())
	}
	cfg.FixturesEnabled = getEnvOrDefault("FIXTURES_ENABLED", "true") == "true"

	// Bypass set: projects whose clients connect without key validation
	bypass := getEnvOrDefault("KEY_BYPASS_PROJECTS", "demo,demo-prod")
	for _, p := range strings.Split(bypass, ",") {
		if p = strings.TrimSpace(p); p != "" {
			cfg.BypassProjects = append(cfg.BypassProjects, p)
		}
	}

	// Optional: GO_ENV (defaults to "production")
	cfg.GoEnv = getEnvOrDefault("GO_ENV", "production")

	// Optional: LOG_LEVEL (defaults to "info")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	cfg.DevelopmentMode = os.Getenv("DEVELOPMENT_MODE") == "true"

	// Rate limits
	cfg.RateLimitWsIP = getEnvOrDefault("RATE_LIMIT_WS_IP", "100-M")
	cfg.RateLimitAPIKey = getEnvOrDefault("RATE_LIMIT_API_KEYS", "60-M")

	// Tracing
	cfg.TracingEnabled = os.Getenv("TRACING_ENABLED") == "true"
	cfg.OTLPAddr = getEnvOrDefault("OTLP_COLLECTOR_ADDR", "localhost:4317")

	// If there are validation errors, return them
	if len(errors) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errors, "\n  - "))
	}

	// Log validated configuration (with secrets redacted)
	logValidatedConfig(cfg)

	return cfg, nil
}

// BypassesKeyCheck reports whether projectID is in the configured bypass set.
func (c *Config) BypassesKeyCheck(projectID string) bool {
	for _, p := range c.BypassProjects {
		if p == projectID {
			return true
		}
	}
	return false
}

// isValidHostPort checks if a string is in the format "host:port"
func isValidHostPort(addr string) bool {
	parts := strings.Split(addr, ":")
	if len(parts) != 2 {
		return false
	}

	// Validate port is a number
	port, err := strconv.Atoi(parts[1])
	if err != nil || port < 1 || port > 65535 {
		return false
	}

	// Validate host is not empty
	if parts[0] == "" {
		return false
	}

	return true
}

func durationFromMillisEnv(key string, defaultMillis int) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return time.Duration(defaultMillis) * time.Millisecond, nil
	}
	ms, err := strconv.Atoi(raw)
	if err != nil || ms <= 0 {
		return 0, fmt.Errorf("%s must be a positive integer of milliseconds (got '%s')", key, raw)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func intFromEnv(key string, defaultValue int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%s must be a positive integer (got '%s')", key, raw)
	}
	return n, nil
}

// logValidatedConfig logs the validated configuration with secrets redacted
func logValidatedConfig(cfg *Config) {
	slog.Info("Environment configuration validated successfully")
	slog.Info("Configuration",
		"port", cfg.Port,
		"service_key", redactSecret(cfg.ServiceKey),
		"db_driver", cfg.DBDriver,
		"redis_enabled", cfg.RedisEnabled,
		"redis_addr", cfg.RedisAddr,
		"request_timeout", cfg.RequestTimeout,
		"idle_timeout", cfg.IdleTimeout,
		"log_retention_hours", cfg.LogRetentionHours,
		"max_logs_per_hour", cfg.MaxLogsPerHour,
		"bypass_projects", strings.Join(cfg.BypassProjects, ","),
		"go_env", cfg.GoEnv,
		"development_mode", cfg.DevelopmentMode,
	)
}

// getEnvOrDefault returns the value of the environment variable or a default value if not set
func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// redactSecret redacts a secret by showing only the first 8 characters
func redactSecret(secret string) string {
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:8] + "***"
}
