package config

import (
	"os"
	"path/filepath"
	"testing"
)

func withConfigFile(t *testing.T, content string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if content != "" {
		if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	t.Setenv("AMOHUB_CONFIG", path)
}

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	withConfigFile(t, "")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.OpenAI.MaxToolRounds != 8 {
		t.Fatalf("MaxToolRounds = %d", cfg.OpenAI.MaxToolRounds)
	}
	if cfg.DBPath != "amohub.db" {
		t.Fatalf("DBPath = %q", cfg.DBPath)
	}
	if cfg.Kafka.TopicPrefix != "amohub" {
		t.Fatalf("TopicPrefix = %q", cfg.Kafka.TopicPrefix)
	}
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	withConfigFile(t, `{
		"dbPath": "/data/app.db",
		"channels": {"telegram": {"enabled": true, "token": "file-token"}},
		"amocrm": {"baseUrl": "example.amocrm.ru", "accessToken": "t"}
	}`)
	t.Setenv("AMOHUB_CHANNELS_TELEGRAM_TOKEN", "env-token")
	t.Setenv("AMOHUB_OPENAI_MAX_TOOL_ROUNDS", "3")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DBPath != "/data/app.db" {
		t.Fatalf("DBPath = %q", cfg.DBPath)
	}
	if !cfg.Channels.Telegram.Enabled {
		t.Fatal("telegram should be enabled from file")
	}
	if cfg.Channels.Telegram.Token != "env-token" {
		t.Fatalf("env override lost: %q", cfg.Channels.Telegram.Token)
	}
	if cfg.OpenAI.MaxToolRounds != 3 {
		t.Fatalf("MaxToolRounds = %d", cfg.OpenAI.MaxToolRounds)
	}
	if cfg.AmoCRM.BaseURL != "example.amocrm.ru" {
		t.Fatalf("BaseURL = %q", cfg.AmoCRM.BaseURL)
	}
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	withConfigFile(t, `{broken`)
	if _, err := Load(); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestSystemPromptFallback(t *testing.T) {
	cfg := Default()
	if cfg.SystemPrompt() == "" {
		t.Fatal("default prompt must not be empty")
	}

	promptPath := filepath.Join(t.TempDir(), "prompt.txt")
	if err := os.WriteFile(promptPath, []byte("Custom prompt.\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg.SystemPromptPath = promptPath
	if got := cfg.SystemPrompt(); got != "Custom prompt." {
		t.Fatalf("got %q", got)
	}

	cfg.SystemPromptPath = filepath.Join(t.TempDir(), "missing.txt")
	if cfg.SystemPrompt() == "" {
		t.Fatal("missing file must fall back to default")
	}
}
