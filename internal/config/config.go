package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata" // slim images ship without zoneinfo

	"github.com/joho/godotenv"
)

type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Mongo    MongoConfig
	Redis    RedisConfig
	Telegram TelegramConfig
	Engine   EngineConfig
	Checkout CheckoutConfig
	Auth     AuthConfig
	Log      LogConfig
}

type ServerConfig struct {
	Port     string
	Location *time.Location // anchors the day buckets of predictions
}

type DatabaseConfig struct {
	Driver    string // "libsql" (Turso) or "postgres"
	URL       string
	AuthToken string
}

type MongoConfig struct {
	URI      string
	Database string
}

type RedisConfig struct {
	Addr       string
	Password   string
	DB         int
	SessionTTL time.Duration
}

type TelegramConfig struct {
	Token    string
	AdminIDs []int64
}

type EngineConfig struct {
	PredictionURL string
	StrategyURL   string
	APIKey        string
	Timeout       time.Duration
}

type CheckoutConfig struct {
	WhatsAppNumber string
	ReferralRate   float64 // share of the final price credited to the referrer
}

type AuthConfig struct {
	JWTSecret     string
	TokenTTL      time.Duration
	AdminPassword string
}

type LogConfig struct {
	Development bool
	Level       string
}

// Load reads the .env file when present, then the environment
func Load() (*Config, error) {
	_ = godotenv.Load()

	loc, err := time.LoadLocation(getEnv("TIMEZONE", "Africa/Abidjan"))
	if err != nil {
		return nil, fmt.Errorf("invalid TIMEZONE: %w", err)
	}

	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))
	referralRate, err := strconv.ParseFloat(getEnv("REFERRAL_RATE", "0.10"), 64)
	if err != nil {
		return nil, fmt.Errorf("invalid REFERRAL_RATE: %w", err)
	}
	development, _ := strconv.ParseBool(getEnv("LOG_DEVELOPMENT", "false"))

	cfg := &Config{
		Server: ServerConfig{
			Port:     getEnv("PORT", "8080"),
			Location: loc,
		},
		Database: DatabaseConfig{
			Driver:    getEnv("DATABASE_DRIVER", "libsql"),
			URL:       getEnv("TURSO_DATABASE_URL", ""),
			AuthToken: getEnv("TURSO_AUTH_TOKEN", ""),
		},
		Mongo: MongoConfig{
			URI:      getEnv("MONGO_URI", ""),
			Database: getEnv("MONGO_DATABASE", "jetpredict"),
		},
		Redis: RedisConfig{
			Addr:       getEnv("REDIS_ADDR", ""),
			Password:   getEnv("REDIS_PASSWORD", ""),
			DB:         redisDB,
			SessionTTL: getDuration("SESSION_TTL", 30*time.Minute),
		},
		Telegram: TelegramConfig{
			Token:    getEnv("TELEGRAM_TOKEN", ""),
			AdminIDs: parseIDs(getEnv("ADMIN_TELEGRAM_IDS", "")),
		},
		Engine: EngineConfig{
			PredictionURL: getEnv("PREDICTION_ENGINE_URL", ""),
			StrategyURL:   getEnv("STRATEGY_ENGINE_URL", ""),
			APIKey:        getEnv("ENGINE_API_KEY", ""),
			Timeout:       getDuration("ENGINE_TIMEOUT", 60*time.Second),
		},
		Checkout: CheckoutConfig{
			WhatsAppNumber: getEnv("WHATSAPP_NUMBER", ""),
			ReferralRate:   referralRate,
		},
		Auth: AuthConfig{
			JWTSecret:     getEnv("JWT_SECRET", ""),
			TokenTTL:      getDuration("TOKEN_TTL", 7*24*time.Hour),
			AdminPassword: getEnv("ADMIN_PASSWORD", ""),
		},
		Log: LogConfig{
			Development: development,
			Level:       getEnv("LOG_LEVEL", "info"),
		},
	}

	if cfg.Database.URL == "" {
		return nil, fmt.Errorf("TURSO_DATABASE_URL must be set")
	}
	if cfg.Database.Driver == "libsql" && cfg.Database.AuthToken == "" && !strings.HasPrefix(cfg.Database.URL, "http://") {
		return nil, fmt.Errorf("TURSO_AUTH_TOKEN must be set for remote libsql databases")
	}
	if cfg.Auth.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET must be set")
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if d, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return d
	}
	return defaultValue
}

// parseIDs reads a comma separated list of Telegram ids, skipping garbage
func parseIDs(raw string) []int64 {
	var ids []int64
	for _, part := range strings.Split(raw, ",") {
		if id, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64); err == nil {
			ids = append(ids, id)
		}
	}
	return ids
}

// Subscription sweep interval
const SubscriptionCheckInterval = 1 * time.Hour
