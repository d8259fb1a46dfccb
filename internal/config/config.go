package config

import (
	"os"
	"strconv"
)

type Config struct {
	Port              int
	DatabaseURL       string
	NatsURL           string
	LLMBaseURL        string
	LLMAPIKey         string
	LLMModel          string
	SlackBotToken     string
	SlackAlertChannel string
	SessionBufferSize int
	LogLevel          string
}

func Load() Config {
	return Config{
		Port:              envInt("PULSE_PORT", 8600),
		DatabaseURL:       envStr("DATABASE_URL", ""),
		NatsURL:           envStr("NATS_URL", ""),
		LLMBaseURL:        envStr("LLM_BASE_URL", "https://api.openai.com"),
		LLMAPIKey:         envStr("LLM_API_KEY", ""),
		LLMModel:          envStr("LLM_MODEL", "gpt-4o-mini"),
		SlackBotToken:     envStr("SLACK_BOT_TOKEN", ""),
		SlackAlertChannel: envStr("SLACK_ALERT_CHANNEL", ""),
		SessionBufferSize: envInt("SESSION_BUFFER_SIZE", 256),
		LogLevel:          envStr("LOG_LEVEL", "info"),
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
