package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("TELEGRAM_BOT_TOKEN", "123:abc")
	t.Setenv("LLM_API_KEY", "sk-test")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Telegram.BotToken != "123:abc" {
		t.Errorf("token = %q", cfg.Telegram.BotToken)
	}
	if cfg.Limits.DailyMessages != 20 {
		t.Errorf("daily messages = %d, want 20", cfg.Limits.DailyMessages)
	}
	if cfg.Limits.MonthlyImages != 150 {
		t.Errorf("monthly images = %d, want 150", cfg.Limits.MonthlyImages)
	}
	if cfg.Limits.ContextEntries != 30 {
		t.Errorf("context entries = %d, want 30", cfg.Limits.ContextEntries)
	}
	if cfg.LLM.Timeout != 30*time.Second {
		t.Errorf("llm timeout = %v", cfg.LLM.Timeout)
	}
	if cfg.Watchdog.ProbeInterval != 30*time.Second {
		t.Errorf("probe interval = %v", cfg.Watchdog.ProbeInterval)
	}
	if cfg.Watchdog.SilenceThreshold != 10*time.Minute {
		t.Errorf("silence threshold = %v", cfg.Watchdog.SilenceThreshold)
	}
	if cfg.Engage.Schedule != "@hourly" {
		t.Errorf("engage schedule = %q", cfg.Engage.Schedule)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("TELEGRAM_BOT_TOKEN", "123:abc")
	t.Setenv("LLM_API_KEY", "sk-test")
	t.Setenv("LIMITS_DAILY_MESSAGES", "5")
	t.Setenv("LLM_MODEL", "llama-3.1-70b")
	t.Setenv("WATCHDOG_PROBE_INTERVAL", "10s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Limits.DailyMessages != 5 {
		t.Errorf("daily messages = %d, want 5", cfg.Limits.DailyMessages)
	}
	if cfg.LLM.Model != "llama-3.1-70b" {
		t.Errorf("model = %q", cfg.LLM.Model)
	}
	if cfg.Watchdog.ProbeInterval != 10*time.Second {
		t.Errorf("probe interval = %v", cfg.Watchdog.ProbeInterval)
	}
}

func TestLoadRequiresToken(t *testing.T) {
	t.Setenv("TELEGRAM_BOT_TOKEN", "")
	t.Setenv("LLM_API_KEY", "sk-test")

	if _, err := Load(); err == nil {
		t.Fatal("load should fail without a bot token")
	}
}
