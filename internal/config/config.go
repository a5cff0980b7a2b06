package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	ServerPort string
	ServerHost string

	// Database. DBDriver is "postgres" or "sqlite".
	DBDriver   string
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string
	SQLitePath string

	// Authentication
	JWTSecret string
	JWTIssuer string

	// Response generation
	OpenAIAPIKey      string
	OpenAIBaseURL     string
	OpenAIModel       string
	GenerationTimeout time.Duration
	HistoryLimit      int
	MaxQueuedPerChat  int

	// Real-time layer
	AllowedOrigins    []string
	MaxMessageLength  int
	IdleTimeout       time.Duration
	SweepInterval     time.Duration
	TypingQuietPeriod time.Duration
	MetricsInterval   time.Duration
	ShutdownGrace     time.Duration
	SendBufferSize    int
	EventRateLimit    float64
	EventRateBurst    int
	StoreTimeout      time.Duration

	// Observability
	JaegerEndpoint   string
	TraceSampleRatio float64
}

func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := &Config{
		ServerPort: getEnv("SERVER_PORT", "8080"),
		ServerHost: getEnv("SERVER_HOST", "localhost"),

		DBDriver:   getEnv("DB_DRIVER", "postgres"),
		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnv("DB_PORT", "5432"),
		DBUser:     getEnv("DB_USER", "postgres"),
		DBPassword: getEnv("DB_PASSWORD", "postgres"),
		DBName:     getEnv("DB_NAME", "chat_gateway"),
		DBSSLMode:  getEnv("DB_SSLMODE", "disable"),
		SQLitePath: getEnv("SQLITE_PATH", "chat-gateway.db"),

		JWTSecret: getEnv("JWT_SECRET", ""),
		JWTIssuer: getEnv("JWT_ISSUER", "user-service"),

		OpenAIAPIKey:      getEnv("OPENAI_API_KEY", ""),
		OpenAIBaseURL:     getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		OpenAIModel:       getEnv("OPENAI_MODEL", "gpt-4o-mini"),
		GenerationTimeout: getEnvDuration("AI_GENERATION_TIMEOUT", 60*time.Second),
		HistoryLimit:      getEnvInt("HISTORY_LIMIT", 10),
		MaxQueuedPerChat:  getEnvInt("MAX_QUEUED_GENERATIONS", 16),

		AllowedOrigins:    getEnvList("ALLOWED_ORIGINS", []string{"http://localhost:3000", "http://127.0.0.1:3000"}),
		MaxMessageLength:  getEnvInt("MAX_MESSAGE_LENGTH", 10000),
		IdleTimeout:       getEnvDuration("IDLE_TIMEOUT", 30*time.Minute),
		SweepInterval:     getEnvDuration("IDLE_SWEEP_INTERVAL", 5*time.Minute),
		TypingQuietPeriod: getEnvDuration("TYPING_QUIET_PERIOD", 2*time.Minute),
		MetricsInterval:   getEnvDuration("METRICS_INTERVAL", 5*time.Minute),
		ShutdownGrace:     getEnvDuration("SHUTDOWN_GRACE", 2*time.Second),
		SendBufferSize:    getEnvInt("SEND_BUFFER_SIZE", 256),
		EventRateLimit:    getEnvFloat("EVENT_RATE_LIMIT", 20),
		EventRateBurst:    getEnvInt("EVENT_RATE_BURST", 40),
		StoreTimeout:      getEnvDuration("STORE_TIMEOUT", 10*time.Second),

		JaegerEndpoint:   getEnv("JAEGER_ENDPOINT", "http://localhost:14268/api/traces"),
		TraceSampleRatio: getEnvFloat("TRACE_SAMPLE_RATIO", 1),
	}

	if cfg.OpenAIAPIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY is required")
	}
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}
	if cfg.DBDriver != "postgres" && cfg.DBDriver != "sqlite" {
		return nil, fmt.Errorf("DB_DRIVER must be postgres or sqlite, got %q", cfg.DBDriver)
	}

	return cfg, nil
}

func (c *Config) DatabaseURL() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName, c.DBSSLMode)
}

func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%s", c.ServerHost, c.ServerPort)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil && n > 0 {
			return n
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil && f > 0 {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go duration strings ("45s", "30m").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
