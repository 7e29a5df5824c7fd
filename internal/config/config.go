package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

type Config struct {
	Port                   string
	AllowedOrigin          string
	DatabaseURL            string
	RedisAddr              string
	RedisPassword          string
	RedisDB                int
	AuthSecret             string
	AccessTokenTTLMinutes  int
	ChargeGatewayURL       string
	ChargeGatewayToken     string
	PreferenceGatewayURL   string
	PreferenceGatewayToken string
	ReturnURLBase          string
	WebhookURL             string
	GatewayTimeoutSeconds  int
	ReaperIntervalMinutes  int
	AbandonedAfterMinutes  int
	VerificationTTLMinutes int
}

func Load() Config {
	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))
	tokenTTL := positiveInt(getEnv("ACCESS_TOKEN_TTL_MINUTES", "480"), 480)
	gatewayTimeout := positiveInt(getEnv("GATEWAY_TIMEOUT_SECONDS", "10"), 10)
	reaperInterval := positiveInt(getEnv("REAPER_INTERVAL_MINUTES", "15"), 15)
	abandonedAfter := positiveInt(getEnv("ABANDONED_AFTER_MINUTES", "60"), 60)
	verificationTTL := positiveInt(getEnv("VERIFICATION_TTL_MINUTES", "10"), 10)

	cfg := Config{
		Port:                   getEnv("PORT", "8080"),
		AllowedOrigin:          getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		DatabaseURL:            os.Getenv("DATABASE_URL"),
		RedisAddr:              os.Getenv("REDIS_ADDR"),
		RedisPassword:          os.Getenv("REDIS_PASSWORD"),
		RedisDB:                redisDB,
		AuthSecret:             strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes:  tokenTTL,
		ChargeGatewayURL:       strings.TrimSpace(os.Getenv("CHARGE_GATEWAY_URL")),
		ChargeGatewayToken:     strings.TrimSpace(os.Getenv("CHARGE_GATEWAY_TOKEN")),
		PreferenceGatewayURL:   strings.TrimSpace(os.Getenv("PREFERENCE_GATEWAY_URL")),
		PreferenceGatewayToken: strings.TrimSpace(os.Getenv("PREFERENCE_GATEWAY_TOKEN")),
		ReturnURLBase:          getEnv("RETURN_URL_BASE", "http://127.0.0.1:3000"),
		WebhookURL:             strings.TrimSpace(os.Getenv("WEBHOOK_URL")),
		GatewayTimeoutSeconds:  gatewayTimeout,
		ReaperIntervalMinutes:  reaperInterval,
		AbandonedAfterMinutes:  abandonedAfter,
		VerificationTTLMinutes: verificationTTL,
	}

	return cfg
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func positiveInt(raw string, fallback int) int {
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed < 1 {
		return fallback
	}
	return parsed
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}
