package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Throttle describes one fixed-window rate limit policy.
type Throttle struct {
	MaxAttempts int
	Decay       time.Duration
}

type Config struct {
	HTTPAddr    string
	DatabaseURL string
	JWTSecret   string
	CORSOrigins []string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	MetricsUser     string
	MetricsPassword string

	LogLevel  string
	LogFormat string

	SessionTTL         time.Duration
	SessionMaxAttempts int
	QuotaMaxRetries    int

	CouponLockThreshold int
	CouponLockDuration  time.Duration
	NewCustomerWindow   time.Duration

	LoginThrottle              Throttle
	RegisterThrottle           Throttle
	PasswordResetThrottle      Throttle
	CouponAttemptThrottle      Throttle
	ResendVerificationThrottle Throttle
	GlobalThrottle             Throttle
}

func Load() *Config {
	err := godotenv.Load()
	if err != nil {
		log.Warn().Msg(".env file not found, using process environment")
	}

	cfg := &Config{
		HTTPAddr:    getEnv("HTTP_ADDR", ":8080"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		JWTSecret:   os.Getenv("JWT_SECRET"),
		CORSOrigins: getEnvList("CORS_ORIGINS", []string{"http://localhost:3000", "http://localhost:5173"}),

		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		MetricsUser:     getEnv("METRICS_USER", "metrics"),
		MetricsPassword: os.Getenv("METRICS_PASSWORD"),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),

		SessionTTL:         getEnvDuration("SESSION_TTL", 24*time.Hour),
		SessionMaxAttempts: getEnvInt("SESSION_MAX_ATTEMPTS", 3),
		QuotaMaxRetries:    getEnvInt("QUOTA_MAX_RETRIES", 5),

		CouponLockThreshold: getEnvInt("COUPON_LOCK_THRESHOLD", 5),
		CouponLockDuration:  getEnvDuration("COUPON_LOCK_DURATION", time.Hour),
		NewCustomerWindow:   getEnvDuration("NEW_CUSTOMER_WINDOW", 30*24*time.Hour),

		LoginThrottle:              getThrottle("LOGIN", 5, time.Minute),
		RegisterThrottle:           getThrottle("REGISTER", 3, time.Hour),
		PasswordResetThrottle:      getThrottle("PASSWORD_RESET", 3, time.Hour),
		CouponAttemptThrottle:      getThrottle("COUPON_ATTEMPT", 5, 15*time.Minute),
		ResendVerificationThrottle: getThrottle("RESEND_VERIFICATION", 3, 10*time.Minute),
		GlobalThrottle:             getThrottle("GLOBAL", 300, time.Minute),
	}

	return cfg
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("invalid integer, using default")
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		log.Warn().Str("key", key).Str("value", v).Msg("invalid duration, using default")
		return fallback
	}
	return d
}

func getEnvList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}

func getThrottle(prefix string, maxAttempts int, decay time.Duration) Throttle {
	return Throttle{
		MaxAttempts: getEnvInt(prefix+"_MAX_ATTEMPTS", maxAttempts),
		Decay:       getEnvDuration(prefix+"_DECAY", decay),
	}
}
