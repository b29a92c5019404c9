// Package config handles loading and validating application configuration
// from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// S3Config configures the optional attachment object store. A zero-value
// S3Config (any required field empty) degrades attachments.Service to a
// no-op implementation rather than failing startup.
type S3Config struct {
	Endpoint string
	Region   string
	KeyID    string
	AppKey   string
	Bucket   string
}

func (c S3Config) Configured() bool {
	return c.Endpoint != "" && c.Region != "" && c.KeyID != "" && c.AppKey != "" && c.Bucket != ""
}

// ProviderConfig configures one upstream LLM provider.
type ProviderConfig struct {
	Kind         string // "openai", "anthropic"
	APIKey       string
	BaseURL      string
	DefaultModel string
	MaxTokens    int
	Timeout      time.Duration
	MaxRetries   int
	Organization string
}

// AppConfig holds all configuration settings for the application.
type AppConfig struct {
	// --- Core settings ---
	DatabaseURL      string
	ServerAddr       string
	APIEncryptionKey string

	// --- Authentication ---
	JWTSecret      string
	GoogleClientID string

	// --- External services ---
	S3        S3Config
	Providers []ProviderConfig

	// --- Application logic ---
	MigrationsPath     string
	CORSAllowedOrigins string

	// --- Hub tuning (components I/K/L/M) ---
	RateLimitMessages     int           // N: inbound message-producing frames allowed per window
	RateLimitWindow       time.Duration // W
	HeartbeatInterval     time.Duration
	TypingExpiry          time.Duration
	TypingSpamWindow      time.Duration
	ConnWriteWait         time.Duration
	MaxInboundMessageSize int64

	// --- Bridge tuning (component O) ---
	HistoryLimit int // K messages of context loaded per turn

	// --- Resilience tuning (components E/F) ---
	RetryMaxAttempts   int
	RetryBaseDelay     time.Duration
	RetryMaxDelay      time.Duration
	RetryJitterFactor  float64
	BreakerFailureThreshold int
	BreakerSuccessThreshold int
	BreakerTimeout          time.Duration
	BreakerMonitorWindow    time.Duration
	SendTimeout             time.Duration
	StreamTimeout           time.Duration

	// --- Timeouts ---
	HTTPClientTimeout time.Duration
	ShutdownTimeout   time.Duration

	OrphanCleanupInterval time.Duration
	OrphanCleanupAge      time.Duration

	TelegramBotToken string
	TelegramChatID   string
}

// Load reads environment variables (via an optional .env, loaded first) and
// populates AppConfig, applying sensible defaults for non-critical values.
func Load() (*AppConfig, error) {
	_ = godotenv.Load()

	normalizeEndpoint := func(raw string) string {
		if raw == "" || strings.HasPrefix(raw, "http://") || strings.HasPrefix(raw, "https://") {
			return raw
		}
		return "https://" + raw
	}

	s3KeyID := getEnv("S3_ACCESS_KEY", getEnv("S3_ACCESS_KEY_ID", ""))
	s3Secret := getEnv("S3_SECRET_KEY", getEnv("S3_SECRET_ACCESS_KEY", ""))

	cfg := &AppConfig{
		DatabaseURL:      getEnv("DATABASE_URL", ""),
		ServerAddr:       getEnv("SERVER_ADDR", ":8080"),
		APIEncryptionKey: getEnv("API_ENCRYPTION_KEY", ""),

		JWTSecret:      getEnv("JWT_SECRET", ""),
		GoogleClientID: getEnv("GOOGLE_CLIENT_ID", ""),

		S3: S3Config{
			Endpoint: normalizeEndpoint(getEnv("S3_ENDPOINT", "")),
			Region:   getEnv("S3_REGION", ""),
			KeyID:    s3KeyID,
			AppKey:   s3Secret,
			Bucket:   getEnv("S3_BUCKET_NAME", ""),
		},

		MigrationsPath:     getEnv("MIGRATIONS_PATH", "migrations"),
		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:5173,http://localhost:4173"),

		RateLimitMessages:     getEnvAsInt("RATE_LIMIT_MESSAGES", 10),
		RateLimitWindow:       getEnvAsDuration("RATE_LIMIT_WINDOW", 60*time.Second),
		HeartbeatInterval:     getEnvAsDuration("HEARTBEAT_INTERVAL", 30*time.Second),
		TypingExpiry:          getEnvAsDuration("TYPING_EXPIRY", 5*time.Second),
		TypingSpamWindow:      getEnvAsDuration("TYPING_SPAM_WINDOW", 1*time.Second),
		ConnWriteWait:         getEnvAsDuration("CONN_WRITE_WAIT", 10*time.Second),
		MaxInboundMessageSize: int64(getEnvAsInt("MAX_INBOUND_MESSAGE_SIZE", 64*1024)),

		HistoryLimit: getEnvAsInt("HISTORY_LIMIT", 50),

		RetryMaxAttempts:        getEnvAsInt("RETRY_MAX_ATTEMPTS", 3),
		RetryBaseDelay:          getEnvAsDuration("RETRY_BASE_DELAY", 1000*time.Millisecond),
		RetryMaxDelay:           getEnvAsDuration("RETRY_MAX_DELAY", 32000*time.Millisecond),
		RetryJitterFactor:       getEnvAsFloat("RETRY_JITTER_FACTOR", 0.1),
		BreakerFailureThreshold: getEnvAsInt("BREAKER_FAILURE_THRESHOLD", 5),
		BreakerSuccessThreshold: getEnvAsInt("BREAKER_SUCCESS_THRESHOLD", 2),
		BreakerTimeout:          getEnvAsDuration("BREAKER_TIMEOUT", 60*time.Second),
		BreakerMonitorWindow:    getEnvAsDuration("BREAKER_MONITOR_WINDOW", 120*time.Second),
		SendTimeout:             getEnvAsDuration("SEND_TIMEOUT", 60*time.Second),
		StreamTimeout:           getEnvAsDuration("STREAM_TIMEOUT", 600*time.Second),

		HTTPClientTimeout: getEnvAsDuration("HTTP_CLIENT_TIMEOUT", 2*time.Minute),
		ShutdownTimeout:   getEnvAsDuration("SHUTDOWN_TIMEOUT", 10*time.Second),

		OrphanCleanupInterval: getEnvAsDuration("ORPHAN_CLEANUP_INTERVAL", 6*time.Hour),
		OrphanCleanupAge:      getEnvAsDuration("ORPHAN_CLEANUP_AGE", 1*time.Hour),

		TelegramBotToken: getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID:   getEnv("TELEGRAM_CHAT_ID", ""),
	}

	cfg.Providers = loadProviderConfigs()

	if err := validateCriticalConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadProviderConfigs() []ProviderConfig {
	var out []ProviderConfig
	if key := getEnv("OPENAI_API_KEY", ""); key != "" {
		out = append(out, ProviderConfig{
			Kind:         "openai",
			APIKey:       key,
			BaseURL:      getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
			DefaultModel: getEnv("OPENAI_DEFAULT_MODEL", "gpt-4o-mini"),
			MaxTokens:    getEnvAsInt("OPENAI_MAX_TOKENS", 4096),
			Timeout:      getEnvAsDuration("OPENAI_TIMEOUT", 60*time.Second),
			MaxRetries:   getEnvAsInt("OPENAI_MAX_RETRIES", 3),
			Organization: getEnv("OPENAI_ORGANIZATION", ""),
		})
	}
	if key := getEnv("ANTHROPIC_API_KEY", ""); key != "" {
		out = append(out, ProviderConfig{
			Kind:         "anthropic",
			APIKey:       key,
			BaseURL:      getEnv("ANTHROPIC_BASE_URL", "https://api.anthropic.com/v1"),
			DefaultModel: getEnv("ANTHROPIC_DEFAULT_MODEL", "claude-3-5-sonnet-20241022"),
			MaxTokens:    getEnvAsInt("ANTHROPIC_MAX_TOKENS", 4096),
			Timeout:      getEnvAsDuration("ANTHROPIC_TIMEOUT", 60*time.Second),
			MaxRetries:   getEnvAsInt("ANTHROPIC_MAX_RETRIES", 3),
		})
	}
	return out
}

// validateCriticalConfig checks that essential configuration values are set.
func validateCriticalConfig(cfg *AppConfig) error {
	criticalVars := map[string]string{
		"DATABASE_URL":       cfg.DatabaseURL,
		"JWT_SECRET":         cfg.JWTSecret,
		"API_ENCRYPTION_KEY": cfg.APIEncryptionKey,
	}
	var missing []string
	for name, value := range criticalVars {
		if value == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing critical environment variables: %s", strings.Join(missing, ", "))
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if duration, err := time.ParseDuration(valueStr); err == nil {
		return duration
	}
	return defaultValue
}
