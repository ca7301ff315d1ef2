package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Tesseract-Nexus/go-shared/secrets"
)

// Config holds all configuration for the catalog sync service
type Config struct {
	// Server
	Port               string
	Environment        string
	CORSAllowedOrigins []string

	// Database (optional, the staging journal falls back to memory)
	DatabaseURL string

	// Shared infrastructure (optional)
	RedisURL     string
	NATSURL      string
	GCPProjectID string

	// Source system
	SourceBaseURL          string
	SourceAccountID        string
	SourceDomainPrefix     string
	SourceTokenURL         string
	SourceClientID         string
	SourceClientSecret     string
	SourceRefreshToken     string
	SourceMinInterval      time.Duration
	SourceMaxAttempts      int
	SourcePageSize         int
	SourceFallbackPageSize int
	SourceFetchConcurrency int
	AuthTimeout            time.Duration
	ListTimeout            time.Duration

	// Caching
	LookupCacheTTL   time.Duration
	SnapshotCacheTTL time.Duration

	// Destination system
	DestinationStore       string
	DestinationAccessToken string
	DestinationLocationMap map[string]string
	DestinationTimeout     time.Duration
	PushBatchSize          int
	PushRecordUndo         bool

	// Journal and query
	UndoRetention int
	ExportRowCap  int
}

// Load loads configuration from environment variables
func Load() *Config {
	// Build DATABASE_URL from components using GCP Secret Manager for password
	databaseURL := getEnv("DATABASE_URL", "")
	if databaseURL == "" && getEnv("DB_HOST", "") != "" {
		dbHost := getEnv("DB_HOST", "localhost")
		dbPort := getEnv("DB_PORT", "5432")
		dbUser := getEnv("DB_USER", "postgres")
		dbPassword := secrets.GetDBPassword()
		dbName := getEnv("DB_NAME", "tesseract_hub")
		dbSSLMode := getEnv("DB_SSLMODE", "disable")

		databaseURL = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
			dbUser, dbPassword, dbHost, dbPort, dbName, dbSSLMode)
	}

	config := &Config{
		Port:               getEnv("PORT", "8099"),
		Environment:        getEnv("ENVIRONMENT", "development"),
		CORSAllowedOrigins: getEnvAsList("CORS_ALLOWED_ORIGINS", []string{"*"}),
		DatabaseURL:        databaseURL,

		RedisURL:     getEnv("REDIS_URL", ""),
		NATSURL:      getEnv("NATS_URL", ""),
		GCPProjectID: getEnv("GCP_PROJECT_ID", ""),

		// Source system
		SourceBaseURL:          getEnv("SOURCE_API_BASE_URL", "https://api.lightspeedapp.com"),
		SourceAccountID:        getEnv("SOURCE_ACCOUNT_ID", ""),
		SourceDomainPrefix:     getEnv("SOURCE_DOMAIN_PREFIX", ""),
		SourceTokenURL:         getEnv("SOURCE_TOKEN_URL", ""),
		SourceClientID:         getEnv("SOURCE_CLIENT_ID", ""),
		SourceClientSecret:     getEnv("SOURCE_CLIENT_SECRET", ""),
		SourceRefreshToken:     getEnv("SOURCE_REFRESH_TOKEN", ""),
		SourceMinInterval:      getEnvAsDuration("SOURCE_MIN_INTERVAL", 1100*time.Millisecond),
		SourceMaxAttempts:      getEnvAsInt("SOURCE_MAX_ATTEMPTS", 3),
		SourcePageSize:         getEnvAsInt("SOURCE_PAGE_SIZE", 500),
		SourceFallbackPageSize: getEnvAsInt("SOURCE_FALLBACK_PAGE_SIZE", 100),
		SourceFetchConcurrency: getEnvAsInt("SOURCE_FETCH_CONCURRENCY", 6),
		AuthTimeout:            getEnvAsDuration("AUTH_TIMEOUT", 12*time.Second),
		ListTimeout:            getEnvAsDuration("LIST_TIMEOUT", 20*time.Second),

		// Caching
		LookupCacheTTL:   getEnvAsDuration("LOOKUP_CACHE_TTL", 15*time.Minute),
		SnapshotCacheTTL: getEnvAsDuration("SNAPSHOT_CACHE_TTL", 2*time.Minute),

		// Destination system
		DestinationStore:       getEnv("DESTINATION_STORE", ""),
		DestinationAccessToken: getEnv("DESTINATION_ACCESS_TOKEN", ""),
		DestinationLocationMap: ParseLocationMap(getEnv("DESTINATION_LOCATION_MAP", "")),
		DestinationTimeout:     getEnvAsDuration("DESTINATION_TIMEOUT", 30*time.Second),
		PushBatchSize:          getEnvAsInt("PUSH_BATCH_SIZE", 50),
		PushRecordUndo:         getEnvAsBool("PUSH_RECORD_UNDO", false),

		UndoRetention: getEnvAsInt("UNDO_RETENTION", 25),
		ExportRowCap:  getEnvAsInt("EXPORT_ROW_CAP", 20000),
	}

	if config.SourceAccountID == "" {
		log.Println("Warning: SOURCE_ACCOUNT_ID not set, catalog requests will fail")
	}
	if config.DatabaseURL == "" {
		log.Println("Warning: DATABASE_URL not set, staging journal will be kept in memory")
	}
	if config.GCPProjectID == "" {
		log.Println("Warning: GCP_PROJECT_ID not set, rotated refresh tokens will not be persisted")
	}

	return config
}

// IsProduction reports whether the service runs in production
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// ParseLocationMap parses "Main Store=123,Warehouse=gid://shopify/Location/456".
// Entries without a name or id are skipped.
func ParseLocationMap(raw string) map[string]string {
	out := make(map[string]string)
	for _, entry := range strings.Split(raw, ",") {
		name, id, ok := strings.Cut(entry, "=")
		name, id = strings.TrimSpace(name), strings.TrimSpace(id)
		if !ok || name == "" || id == "" {
			continue
		}
		out[name] = id
	}
	return out
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvAsInt gets an environment variable as an integer with a default value
func getEnvAsInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	intValue, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return intValue
}

// getEnvAsBool gets an environment variable as a boolean with a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	boolValue, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return boolValue
}

// getEnvAsDuration gets an environment variable as a duration with a default value
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	duration, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}
	return duration
}

// getEnvAsList splits a comma separated environment variable
func getEnvAsList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
