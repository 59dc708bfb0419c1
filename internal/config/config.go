package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// HTTP
	Port int

	// Database
	DBPath string

	// M-Pesa (Daraja)
	MpesaBaseURL        string
	MpesaConsumerKey    string
	MpesaConsumerSecret string
	MpesaShortcode      string
	MpesaPasskey        string
	MpesaCallbackURL    string

	// MikroTik
	MikrotikAddr     string
	MikrotikUser     string
	MikrotikPassword string
	MikrotikTimeout  time.Duration

	// Operator alerts
	OperatorBotToken string
	OperatorChatID   int64

	// Expiry sweeper
	SweepInterval time.Duration
}

func Load() *Config {
	return &Config{
		// HTTP
		Port: getEnvInt("PORT", 3000),

		// Database
		DBPath: getEnv("DB_PATH", "./data/wifi_portal.db"),

		// M-Pesa
		MpesaBaseURL:        strings.TrimSuffix(getEnv("MPESA_BASE_URL", "https://sandbox.safaricom.co.ke"), "/"),
		MpesaConsumerKey:    getEnv("MPESA_CONSUMER_KEY", ""),
		MpesaConsumerSecret: getEnv("MPESA_CONSUMER_SECRET", ""),
		MpesaShortcode:      getEnv("MPESA_SHORTCODE", ""),
		MpesaPasskey:        getEnv("MPESA_PASSKEY", ""),
		MpesaCallbackURL:    getEnv("MPESA_CALLBACK_URL", ""),

		// MikroTik
		MikrotikAddr:     getEnv("MIKROTIK_HOST", "") + ":" + getEnv("MIKROTIK_PORT", "8728"),
		MikrotikUser:     getEnv("MIKROTIK_USER", "admin"),
		MikrotikPassword: getEnv("MIKROTIK_PASSWORD", ""),
		MikrotikTimeout:  getEnvDuration("MIKROTIK_TIMEOUT", 10*time.Second),

		// Operator alerts
		OperatorBotToken: getEnv("OPERATOR_BOT_TOKEN", ""),
		OperatorChatID:   getEnvInt64("OPERATOR_CHAT_ID", 0),

		// Expiry sweeper
		SweepInterval: getEnvDuration("SWEEP_INTERVAL", time.Minute),
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvInt64(key string, defaultVal int64) int64 {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.ParseInt(val, 10, 64); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}
