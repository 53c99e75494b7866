package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime configuration read from the environment.
type Config struct {
	AppEnv         string
	LogLevel       string
	HTTPListenAddr string
	PublicBaseURL  string
	PublicBasePath string

	MetricsNamespace string

	DatabaseURL    string
	DatabaseSchema string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisTLS      bool

	TelegramAPIBaseURL string
	TelegramTimeout    time.Duration

	FastSoftBaseURL string
	DuttyFyBaseURL  string
	GatewayTimeout  time.Duration

	PlatformFeeCents int64

	RecoveryInterval time.Duration
	OrderExpiry      time.Duration

	VAPIDPublicKey  string
	VAPIDPrivateKey string
	VAPIDSubscriber string

	FacebookAPIVersion string
	TikTokAPIBaseURL   string
}

// Load reads configuration from environment variables and applies defaults.
func Load() (*Config, error) {
	cfg := &Config{
		AppEnv:             getEnv("APP_ENV", "development"),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		HTTPListenAddr:     getEnv("HTTP_LISTEN_ADDR", ":8080"),
		PublicBaseURL:      strings.TrimSpace(os.Getenv("PUBLIC_BASE_URL")),
		PublicBasePath:     strings.TrimSpace(os.Getenv("PUBLIC_BASE_PATH")),
		MetricsNamespace:   getEnv("METRICS_NAMESPACE", "conversy"),
		DatabaseURL:        strings.TrimSpace(os.Getenv("DATABASE_URL")),
		DatabaseSchema:     getEnv("DATABASE_SCHEMA", ""),
		RedisAddr:          getEnv("REDIS_ADDR", ""),
		RedisPassword:      os.Getenv("REDIS_PASSWORD"),
		TelegramAPIBaseURL: getEnv("TELEGRAM_API_BASE_URL", "https://api.telegram.org"),
		FastSoftBaseURL:    getEnv("FASTSOFT_BASE_URL", "https://api.fastsoftbrasil.com"),
		DuttyFyBaseURL:     getEnv("DUTTYFY_BASE_URL", "https://api.duttyfy.com.br"),
		VAPIDPublicKey:     os.Getenv("VAPID_PUBLIC_KEY"),
		VAPIDPrivateKey:    os.Getenv("VAPID_PRIVATE_KEY"),
		VAPIDSubscriber:    getEnv("VAPID_SUBSCRIBER", "mailto:suporte@conversy.app"),
		FacebookAPIVersion: getEnv("FACEBOOK_API_VERSION", "v18.0"),
		TikTokAPIBaseURL:   getEnv("TIKTOK_API_BASE_URL", "https://business-api.tiktok.com"),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	var err error
	if cfg.RedisDB, err = getEnvInt("REDIS_DB", 0); err != nil {
		return nil, err
	}
	if cfg.RedisTLS, err = getEnvBool("REDIS_TLS", false); err != nil {
		return nil, err
	}
	if cfg.TelegramTimeout, err = getEnvDuration("TELEGRAM_TIMEOUT", 15*time.Second); err != nil {
		return nil, err
	}
	if cfg.GatewayTimeout, err = getEnvDuration("GATEWAY_TIMEOUT", 15*time.Second); err != nil {
		return nil, err
	}
	if cfg.PlatformFeeCents, err = getEnvInt64("PLATFORM_FEE_CENTS", 100); err != nil {
		return nil, err
	}
	if cfg.RecoveryInterval, err = getEnvDuration("RECOVERY_INTERVAL", 5*time.Minute); err != nil {
		return nil, err
	}
	// Zero disables the pending-order expiry sweep.
	if cfg.OrderExpiry, err = getEnvDuration("ORDER_EXPIRY", 0); err != nil {
		return nil, err
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return parsed, nil
}

func getEnvInt64(key string, fallback int64) (int64, error) {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback, nil
	}
	parsed, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return parsed, nil
}

func getEnvBool(key string, fallback bool) (bool, error) {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback, nil
	}
	parsed, err := strconv.ParseBool(val)
	if err != nil {
		return false, fmt.Errorf("parse %s: %w", key, err)
	}
	return parsed, nil
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback, nil
	}
	parsed, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return parsed, nil
}
