// Package config loads AuraBot configuration from .env and the environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/dotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Telegram TelegramConfig
	LLM      LLMConfig
	Image    ImageConfig
	Limits   LimitsConfig
	Watchdog WatchdogConfig
	Store    StoreConfig
	Engage   EngageConfig
	Log      LogConfig
}

type TelegramConfig struct {
	BotToken    string
	AdminChatID int64
}

type LLMConfig struct {
	BaseURL     string
	APIKey      string
	Model       string
	MaxTokens   int
	Temperature float32
	Timeout     time.Duration
}

type ImageConfig struct {
	Endpoint string
	APIKey   string
	Timeout  time.Duration
}

type LimitsConfig struct {
	DailyMessages   int // free-tier messages per calendar day
	MonthlyImages   int // subscriber image generations per calendar month
	ContextEntries  int // conversation context cap, oldest evicted first
	MaxMessageChars int
	MaxPromptChars  int
}

type WatchdogConfig struct {
	ProbeInterval    time.Duration
	ProbeTimeout     time.Duration
	SilenceThreshold time.Duration // no inbound updates for this long counts against the stream
	ProbeFailures    int           // consecutive probe failures needed alongside silence
	HardFailures     int           // consecutive probe failures that alone force a restart
	RestartBudget    int           // stream restarts per process before going fatal
	StreamGrace      time.Duration // wait for the poller to stop before forcing
	MaxConnections   int           // open sockets above this means resource exhaustion
	MaxRSSBytes      uint64
}

type StoreConfig struct {
	Path string
}

type EngageConfig struct {
	Enabled       bool
	Schedule      string // cron spec for the idle-user sweep
	IdleThreshold time.Duration
	PurgeSchedule string // cron spec for stale counter purge
	CounterTTL    time.Duration
}

type LogConfig struct {
	Level string
}

// Load reads .env (if present) and the environment, environment winning.
func Load() (*Config, error) {
	k := koanf.New(".")

	_ = k.Load(file.Provider(".env"), dotenv.Parser())

	if err := k.Load(env.Provider("", ".", func(s string) string {
		return strings.ToLower(strings.ReplaceAll(s, "_", "."))
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env vars: %w", err)
	}

	cfg := &Config{
		Telegram: TelegramConfig{
			BotToken:    k.String("telegram.bot.token"),
			AdminChatID: k.Int64("telegram.admin.chat.id"),
		},
		LLM: LLMConfig{
			BaseURL:     k.String("llm.base.url"),
			APIKey:      k.String("llm.api.key"),
			Model:       stringOr(k, "llm.model", "gpt-4o-mini"),
			MaxTokens:   intOr(k, "llm.max.tokens", 1024),
			Temperature: float32(floatOr(k, "llm.temperature", 0.9)),
			Timeout:     durationOr(k, "llm.timeout", 30*time.Second),
		},
		Image: ImageConfig{
			Endpoint: k.String("image.endpoint"),
			APIKey:   k.String("image.api.key"),
			Timeout:  durationOr(k, "image.timeout", 30*time.Second),
		},
		Limits: LimitsConfig{
			DailyMessages:   intOr(k, "limits.daily.messages", 20),
			MonthlyImages:   intOr(k, "limits.monthly.images", 150),
			ContextEntries:  intOr(k, "limits.context.entries", 30),
			MaxMessageChars: intOr(k, "limits.max.message.chars", 4000),
			MaxPromptChars:  intOr(k, "limits.max.prompt.chars", 2000),
		},
		Watchdog: WatchdogConfig{
			ProbeInterval:    durationOr(k, "watchdog.probe.interval", 30*time.Second),
			ProbeTimeout:     durationOr(k, "watchdog.probe.timeout", 5*time.Second),
			SilenceThreshold: durationOr(k, "watchdog.silence.threshold", 10*time.Minute),
			ProbeFailures:    intOr(k, "watchdog.probe.failures", 3),
			HardFailures:     intOr(k, "watchdog.hard.failures", 5),
			RestartBudget:    intOr(k, "watchdog.restart.budget", 5),
			StreamGrace:      durationOr(k, "watchdog.stream.grace", 5*time.Second),
			MaxConnections:   intOr(k, "watchdog.max.connections", 100),
			MaxRSSBytes:      uint64(intOr(k, "watchdog.max.rss.bytes", 1<<31)),
		},
		Store: StoreConfig{
			Path: stringOr(k, "store.path", "aurabot.db"),
		},
		Engage: EngageConfig{
			Enabled:       boolOr(k, "engage.enabled", true),
			Schedule:      stringOr(k, "engage.schedule", "@hourly"),
			IdleThreshold: durationOr(k, "engage.idle.threshold", 24*time.Hour),
			PurgeSchedule: stringOr(k, "engage.purge.schedule", "@daily"),
			CounterTTL:    durationOr(k, "engage.counter.ttl", 90*24*time.Hour),
		},
		Log: LogConfig{
			Level: stringOr(k, "log.level", "info"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Telegram.BotToken == "" {
		return fmt.Errorf("telegram bot token not configured (TELEGRAM_BOT_TOKEN)")
	}
	if c.LLM.APIKey == "" && c.LLM.BaseURL == "" {
		return fmt.Errorf("llm not configured (LLM_API_KEY or LLM_BASE_URL)")
	}
	if c.Limits.DailyMessages <= 0 || c.Limits.MonthlyImages <= 0 {
		return fmt.Errorf("quota limits must be positive")
	}
	if c.Limits.ContextEntries <= 0 {
		return fmt.Errorf("context cap must be positive")
	}
	return nil
}

func stringOr(k *koanf.Koanf, key, def string) string {
	if v := k.String(key); v != "" {
		return v
	}
	return def
}

func intOr(k *koanf.Koanf, key string, def int) int {
	if k.Exists(key) {
		return k.Int(key)
	}
	return def
}

func floatOr(k *koanf.Koanf, key string, def float64) float64 {
	if k.Exists(key) {
		return k.Float64(key)
	}
	return def
}

func boolOr(k *koanf.Koanf, key string, def bool) bool {
	if k.Exists(key) {
		return k.Bool(key)
	}
	return def
}

func durationOr(k *koanf.Koanf, key string, def time.Duration) time.Duration {
	if k.Exists(key) {
		if d, err := time.ParseDuration(k.String(key)); err == nil {
			return d
		}
	}
	return def
}
