package config

import (
	"log"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

type Config struct {
	AppPort       string
	AppMode       string
	DBHost        string
	DBUser        string
	DBPassword    string
	DBName        string
	DBPort        string
	JWTSecret     string
	RedisHost     string
	RedisPort     string
	RedisPassword string

	E2EEEnabled bool

	PrekeyPoolSize        int
	OTPKLowWatermark      int
	OTPKCriticalWatermark int
	SignedPrekeyMaxAge    int // days before a signed prekey counts as stale

	IdentityChangeAlertThreshold int
	IdentityChangeBlockThreshold int
	IdentityChangeWindowHours    int

	MaxMessageBytes    int
	MessagesPerMinute  int
	BurstWindowSeconds int
	MessagesPerBurst   int

	GroupMaxParticipants int
	InviteExpiryHours    int

	MetricsCacheSeconds int
}

func LoadConfig() *Config {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	return &Config{
		AppPort:       getEnv("APP_PORT", "8080"),
		AppMode:       getEnv("APP_MODE", "debug"),
		DBHost:        getEnv("DB_HOST", "localhost"),
		DBUser:        getEnv("DB_USER", "postgres"),
		DBPassword:    getEnv("DB_PASSWORD", "postgres"),
		DBName:        getEnv("DB_NAME", "keyrelay"),
		DBPort:        getEnv("DB_PORT", "5432"),
		JWTSecret:     getEnv("JWT_SECRET", "change-me"),
		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),

		E2EEEnabled: getEnvAsBool("E2EE_ENABLED", true),

		PrekeyPoolSize:        getEnvAsInt("PREKEY_POOL_SIZE", 100),
		OTPKLowWatermark:      getEnvAsInt("OTPK_LOW_WATERMARK", 5),
		OTPKCriticalWatermark: getEnvAsInt("OTPK_CRITICAL_WATERMARK", 2),
		SignedPrekeyMaxAge:    getEnvAsInt("SIGNED_PREKEY_MAX_AGE_DAYS", 30),

		IdentityChangeAlertThreshold: getEnvAsInt("IDENTITY_CHANGE_ALERT_THRESHOLD", 3),
		IdentityChangeBlockThreshold: getEnvAsInt("IDENTITY_CHANGE_BLOCK_THRESHOLD", 5),
		IdentityChangeWindowHours:    getEnvAsInt("IDENTITY_CHANGE_WINDOW_HOURS", 24),

		MaxMessageBytes:    getEnvAsInt("MAX_MESSAGE_BYTES", 65536),
		MessagesPerMinute:  getEnvAsInt("MESSAGES_PER_MINUTE", 30),
		BurstWindowSeconds: getEnvAsInt("BURST_WINDOW_SECONDS", 10),
		MessagesPerBurst:   getEnvAsInt("MESSAGES_PER_BURST", 5),

		GroupMaxParticipants: getEnvAsInt("GROUP_MAX_PARTICIPANTS", 100),
		InviteExpiryHours:    getEnvAsInt("INVITE_EXPIRY_HOURS", 48),

		MetricsCacheSeconds: getEnvAsInt("METRICS_CACHE_SECONDS", 30),
	}
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return fallback
}
