// Package config loads server settings from the environment (and .env).
package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

const (
	StoreMemory   = "memory"
	StoreRedis    = "redis"
	StorePostgres = "postgres"

	SuggestOverpass = "overpass"
	SuggestOpenAI   = "openai"
)

type Config struct {
	Port        string
	CORSOrigins []string
	LogLevel    string
	AdminSecret string

	// Web Push
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	VAPIDSubject    string
	PushTTL         time.Duration

	// Scheduler
	TickInterval    time.Duration
	DeliveryTimeout time.Duration

	// Subscription storage
	StoreBackend  string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	DatabaseURL   string

	// Restroom suggestions
	SuggestBackend       string
	SuggestFailurePolicy string
	OverpassURL          string
	OverpassUserAgent    string
	OverpassRPM          int
	OpenAIAPIKey         string
	OpenAIBaseURL        string
	OpenAIModel          string
	OpenAIMaxTokens      int

	RateLimitRequests int
	RateLimitWindow   time.Duration
}

// Load reads a .env file if present, then the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file found, using environment")
	}

	cfg := &Config{
		Port:        getEnv("PORT", "4000"),
		CORSOrigins: getEnvList("CORS_ORIGIN", []string{"*"}),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		AdminSecret: getEnv("ADMIN_SECRET", ""),

		VAPIDPublicKey:  getEnv("VAPID_PUBLIC_KEY", ""),
		VAPIDPrivateKey: getEnv("VAPID_PRIVATE_KEY", ""),
		VAPIDSubject:    getEnv("VAPID_SUBJECT", "mailto:you@example.com"),
		PushTTL:         time.Duration(getEnvInt("PUSH_TTL", 60)) * time.Second,

		TickInterval:    getEnvDuration("TICK_INTERVAL", 30*time.Second),
		DeliveryTimeout: getEnvDuration("DELIVERY_TIMEOUT", 10*time.Second),

		StoreBackend:  strings.ToLower(getEnv("STORE_BACKEND", StoreMemory)),
		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),
		DatabaseURL:   getEnv("DATABASE_URL", ""),

		SuggestBackend:       strings.ToLower(getEnv("SUGGEST_BACKEND", SuggestOverpass)),
		SuggestFailurePolicy: strings.ToLower(getEnv("SUGGEST_FAILURE_POLICY", "")),
		OverpassURL:          getEnv("OVERPASS_URL", "https://overpass-api.de/api/interpreter"),
		OverpassUserAgent:    getEnv("OVERPASS_USER_AGENT", "peepal/1.0 (contact@example.com)"),
		OverpassRPM:          getEnvInt("OVERPASS_REQUESTS_PER_MINUTE", 30),
		OpenAIAPIKey:         getEnv("OPENAI_API_KEY", ""),
		OpenAIBaseURL:        getEnv("OPENAI_BASE_URL", ""),
		OpenAIModel:          getEnv("OPENAI_MODEL", "gpt-4o-mini"),
		OpenAIMaxTokens:      getEnvInt("OPENAI_MAX_TOKENS", 800),

		RateLimitRequests: getEnvInt("RATE_LIMIT_REQUESTS", 60),
		RateLimitWindow:   getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.StoreBackend {
	case StoreMemory, StoreRedis:
	case StorePostgres:
		if c.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required when STORE_BACKEND=postgres")
		}
	default:
		return errors.Errorf("unknown STORE_BACKEND %q", c.StoreBackend)
	}

	switch c.SuggestBackend {
	case SuggestOverpass:
	case SuggestOpenAI:
		if c.OpenAIAPIKey == "" {
			return errors.New("OPENAI_API_KEY is required when SUGGEST_BACKEND=openai")
		}
	default:
		return errors.Errorf("unknown SUGGEST_BACKEND %q", c.SuggestBackend)
	}

	switch c.SuggestFailurePolicy {
	case "", "open", "closed":
	default:
		return errors.Errorf("SUGGEST_FAILURE_POLICY must be open or closed, got %q", c.SuggestFailurePolicy)
	}

	if c.TickInterval <= 0 {
		return errors.New("TICK_INTERVAL must be positive")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
		slog.Warn("invalid integer in environment, using default", "key", key, "default", defaultValue)
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		slog.Warn("invalid duration in environment, using default", "key", key, "default", defaultValue)
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := getEnv(key, "")
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
