package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// generateWorkerID creates a unique worker ID using hostname and PID
func generateWorkerID() string {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "calsync"
	}
	return fmt.Sprintf("%s-%d", hostname, os.Getpid())
}

type Config struct {
	Port        string
	Environment string

	// Database
	DatabaseURL string
	RedisURL    string

	// JWT (management API)
	JWTSecret string

	// OAuth clients, one per client type
	GoogleWebClientID         string
	GoogleWebClientSecret     string
	GoogleMobileClientID      string
	GoogleMobileClientSecret  string
	GoogleServiceClientID     string
	GoogleServiceClientSecret string

	// Watch channels
	WebhookAddress string        // public URL the provider pushes to
	WatchTTL       time.Duration // requested channel lifetime
	RenewInterval  time.Duration // scheduler sweep interval

	// Delta sync
	SyncMaxPages       int // pages applied per sync invocation
	SyncPageSize       int
	ProviderTimeoutSec int

	// Worker (stream consumer)
	WorkerID           string
	ConsumerGroup      string
	ConsumerBlockMS    int
	ConsumerMaxRetries int

	// Scheduler
	SchedulerEnabled bool
}

func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		Environment: getEnv("ENV", "development"),

		DatabaseURL: getEnv("DATABASE_URL", ""),
		RedisURL:    getEnv("REDIS_URL", ""),

		JWTSecret: getEnv("JWT_SECRET", ""),

		GoogleWebClientID:         getEnv("GOOGLE_WEB_CLIENT_ID", ""),
		GoogleWebClientSecret:     getEnv("GOOGLE_WEB_CLIENT_SECRET", ""),
		GoogleMobileClientID:      getEnv("GOOGLE_MOBILE_CLIENT_ID", ""),
		GoogleMobileClientSecret:  getEnv("GOOGLE_MOBILE_CLIENT_SECRET", ""),
		GoogleServiceClientID:     getEnv("GOOGLE_SERVICE_CLIENT_ID", ""),
		GoogleServiceClientSecret: getEnv("GOOGLE_SERVICE_CLIENT_SECRET", ""),

		WebhookAddress: getEnv("WEBHOOK_ADDRESS", ""),
		WatchTTL:       time.Duration(getEnvInt("WATCH_TTL_HOURS", 168)) * time.Hour,
		RenewInterval:  time.Duration(getEnvInt("RENEW_INTERVAL_MIN", 60)) * time.Minute,

		SyncMaxPages:       getEnvInt("SYNC_MAX_PAGES", 10),
		SyncPageSize:       getEnvInt("SYNC_PAGE_SIZE", 250),
		ProviderTimeoutSec: getEnvInt("PROVIDER_TIMEOUT_SEC", 30),

		WorkerID:           getEnv("WORKER_ID", generateWorkerID()),
		ConsumerGroup:      getEnv("CONSUMER_GROUP", "calsync-workers"),
		ConsumerBlockMS:    getEnvInt("CONSUMER_BLOCK_MS", 5000),
		ConsumerMaxRetries: getEnvInt("CONSUMER_MAX_RETRIES", 3),

		SchedulerEnabled: getEnvBool("SCHEDULER_ENABLED", true),
	}

	if cfg.WebhookAddress == "" && cfg.IsProduction() {
		return nil, fmt.Errorf("WEBHOOK_ADDRESS is required in production")
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
