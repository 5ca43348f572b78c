package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the outbound call service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	AllowAnyOrigin   bool

	// PublicURL is the externally reachable base URL Twilio calls back on.
	PublicURL string

	TwilioAccountSID string
	TwilioAuthToken  string

	OpenAIAPIKey        string
	OpenAIRealtimeModel string
	AgentVoice          string

	DefaultCallTimeout  time.Duration
	DispatchMaxInFlight int

	DatabaseURL string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:            envOrDefault("APP_BIND_ADDR", ":8081"),
		MetricsNamespace:    envOrDefault("APP_METRICS_NAMESPACE", "outdial"),
		AllowAnyOrigin:      false,
		PublicURL:           trimmedEnv("PUBLIC_URL"),
		TwilioAccountSID:    trimmedEnv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:     trimmedEnv("TWILIO_AUTH_TOKEN"),
		OpenAIAPIKey:        trimmedEnv("OPENAI_API_KEY"),
		OpenAIRealtimeModel: envOrDefault("OPENAI_REALTIME_MODEL", "gpt-4o-realtime-preview-2024-12-17"),
		AgentVoice:          envOrDefault("AGENT_VOICE", "ash"),
		ShutdownTimeout:     15 * time.Second,
		DefaultCallTimeout:  3 * time.Minute,
		DispatchMaxInFlight: 4,
		DatabaseURL:         trimmedEnv("DATABASE_URL"),
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.DefaultCallTimeout, err = durationFromEnv("CALL_TIMEOUT_DEFAULT", cfg.DefaultCallTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.DispatchMaxInFlight, err = intFromEnv("DISPATCH_MAX_IN_FLIGHT", cfg.DispatchMaxInFlight)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	if cfg.DefaultCallTimeout < 10*time.Second {
		return Config{}, fmt.Errorf("CALL_TIMEOUT_DEFAULT must be at least 10s")
	}
	if cfg.DispatchMaxInFlight <= 0 {
		return Config{}, fmt.Errorf("DISPATCH_MAX_IN_FLIGHT must be positive")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func trimmedEnv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(trimmedEnv(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
