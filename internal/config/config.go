package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Modes accepted by LEADRELAY_DEFAULT_MODE for plain (non-command) text.
const (
	ModeChat = "chat"
	ModeLead = "lead"
)

// RelayConfig holds configuration for the relay process.
type RelayConfig struct {
	TelegramAPIBase string
	PollTimeout     int
	SleepSeconds    int

	OpenAIAPIKey      string
	OpenAIChatCompURL string
	OpenAIModel       string

	HistoryPath               string
	AuditPath                 string
	HistoryWindow             int
	IncludeAssistantInHistory bool
	DefaultMode               string

	CompletionTimeout     time.Duration
	CompletionMaxRetries  int
	CompletionMaxWallTime time.Duration
	CircuitThreshold      int
	CircuitCooldown       time.Duration

	HealthAddr string
	DBPath     string
	LogLevel   string
	LogPretty  bool

	ModelProvider        string
	Commander            string
	DummyProviderScript  string
	DummyCommanderScript string
	DummySendScript      string
}

// LoadRelayConfig reads relay configuration from environment variables.
func LoadRelayConfig() (RelayConfig, error) {
	modelProvider := envOrDefault("LEADRELAY_MODEL_PROVIDER", "openai")
	commander := envOrDefault("LEADRELAY_COMMANDER", "telegram")

	telegramToken := os.Getenv("TELEGRAM_BOT_TOKEN")
	if commander == "telegram" && telegramToken == "" {
		return RelayConfig{}, fmt.Errorf("TELEGRAM_BOT_TOKEN is required in environment when LEADRELAY_COMMANDER=telegram")
	}
	openaiKey := os.Getenv("OPENAI_API_KEY")
	if modelProvider == "openai" && openaiKey == "" {
		return RelayConfig{}, fmt.Errorf("OPENAI_API_KEY is required in environment when LEADRELAY_MODEL_PROVIDER=openai")
	}

	defaultMode := strings.ToLower(envOrDefault("LEADRELAY_DEFAULT_MODE", ModeChat))
	if defaultMode != ModeChat && defaultMode != ModeLead {
		return RelayConfig{}, fmt.Errorf("LEADRELAY_DEFAULT_MODE must be %q or %q, got %q", ModeChat, ModeLead, defaultMode)
	}

	cfg := RelayConfig{
		TelegramAPIBase: envOrDefault("TELEGRAM_API_BASE", "https://api.telegram.org") + "/bot" + telegramToken,
		PollTimeout:     envIntOrDefault("TG_TIMEOUT", 30),
		SleepSeconds:    envIntOrDefault("TG_SLEEP_SECONDS", 1),

		OpenAIAPIKey:      openaiKey,
		OpenAIChatCompURL: envOrDefault("OPENAI_CHAT_COMPLETIONS_URL", "https://api.openai.com/v1/chat/completions"),
		OpenAIModel:       envOrDefault("OPENAI_MODEL", "gpt-4.1-mini"),

		HistoryPath:               envOrDefault("LEADRELAY_HISTORY_PATH", "logs/users_history.jsonl"),
		AuditPath:                 envOrDefault("LEADRELAY_AUDIT_PATH", "logs/chat_logs.jsonl"),
		HistoryWindow:             envIntOrDefault("LEADRELAY_HISTORY_WINDOW", 10),
		IncludeAssistantInHistory: envBoolOrDefault("LEADRELAY_INCLUDE_ASSISTANT_IN_HISTORY", false),
		DefaultMode:               defaultMode,

		CompletionTimeout:     envDurationOrDefault("LEADRELAY_COMPLETION_TIMEOUT", 60*time.Second),
		CompletionMaxRetries:  envIntOrDefault("LEADRELAY_COMPLETION_MAX_RETRIES", 2),
		CompletionMaxWallTime: envDurationOrDefault("LEADRELAY_COMPLETION_MAX_WALL_TIME", 120*time.Second),
		CircuitThreshold:      envIntOrDefault("LEADRELAY_CIRCUIT_THRESHOLD", 5),
		CircuitCooldown:       envDurationOrDefault("LEADRELAY_CIRCUIT_COOLDOWN", 30*time.Second),

		HealthAddr: envOrDefault("LEADRELAY_HEALTH_ADDR", ":8000"),
		DBPath:     os.Getenv("LEADRELAY_DB_PATH"),
		LogLevel:   envOrDefault("LEADRELAY_LOG_LEVEL", "info"),
		LogPretty:  envBoolOrDefault("LEADRELAY_LOG_PRETTY", false),

		ModelProvider:        modelProvider,
		Commander:            commander,
		DummyProviderScript:  envOrDefault("LEADRELAY_DUMMY_PROVIDER_SCRIPT", "ok"),
		DummyCommanderScript: envOrDefault("LEADRELAY_DUMMY_COMMANDER_SCRIPT", "ok"),
		DummySendScript:      envOrDefault("LEADRELAY_DUMMY_COMMANDER_SEND_SCRIPT", "ok"),
	}

	if cfg.HistoryWindow <= 0 {
		return RelayConfig{}, fmt.Errorf("LEADRELAY_HISTORY_WINDOW must be positive, got %d", cfg.HistoryWindow)
	}
	if cfg.CompletionMaxRetries < 0 {
		return RelayConfig{}, fmt.Errorf("LEADRELAY_COMPLETION_MAX_RETRIES must not be negative, got %d", cfg.CompletionMaxRetries)
	}
	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envBoolOrDefault(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v == "1" || strings.EqualFold(v, "true")
}

// envDurationOrDefault accepts Go durations ("90s") or a bare number of seconds.
func envDurationOrDefault(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
