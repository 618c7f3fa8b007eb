// Package config provides configuration types and loading for amohub.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kelseyhightower/envconfig"
)

const (
	// ConfigDir is the default config directory name.
	ConfigDir = ".amohub"
	// ConfigFile is the default config file name.
	ConfigFile = "config.json"
)

// Config is the root configuration struct.
type Config struct {
	DBPath           string         `json:"dbPath" envconfig:"DB_PATH"`
	SystemPromptPath string         `json:"systemPromptPath" envconfig:"SYSTEM_PROMPT_PATH"`
	Channels         ChannelsConfig `json:"channels"`
	OpenAI           OpenAIConfig   `json:"openai"`
	AmoCRM           AmoCRMConfig   `json:"amocrm"`
	Kafka            KafkaConfig    `json:"kafka"`
}

// ChannelsConfig contains all channel configurations.
type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
	VK       VKConfig       `json:"vk"`
	Slack    SlackConfig    `json:"slack"`
	WhatsApp WhatsAppConfig `json:"whatsapp"`
}

// TelegramConfig configures the Telegram channel.
type TelegramConfig struct {
	Enabled bool   `json:"enabled" envconfig:"ENABLED"`
	Token   string `json:"token" envconfig:"TOKEN"`
}

// VKConfig configures the VK community channel. Multiple tokens run
// one connector each.
type VKConfig struct {
	Enabled bool     `json:"enabled" envconfig:"ENABLED"`
	Tokens  []string `json:"tokens" envconfig:"TOKENS"`
}

// SlackConfig configures the Slack socket-mode channel.
type SlackConfig struct {
	Enabled  bool   `json:"enabled" envconfig:"ENABLED"`
	AppToken string `json:"appToken" envconfig:"APP_TOKEN"`
	BotToken string `json:"botToken" envconfig:"BOT_TOKEN"`
}

// WhatsAppConfig configures the WhatsApp channel.
type WhatsAppConfig struct {
	Enabled bool   `json:"enabled" envconfig:"ENABLED"`
	DBPath  string `json:"dbPath" envconfig:"DB_PATH"`
}

// OpenAIConfig contains LLM provider settings.
type OpenAIConfig struct {
	APIKey        string  `json:"apiKey" envconfig:"API_KEY"`
	APIBase       string  `json:"apiBase,omitempty" envconfig:"API_BASE"`
	Model         string  `json:"model" envconfig:"MODEL"`
	MaxTokens     int     `json:"maxTokens" envconfig:"MAX_TOKENS"`
	Temperature   float64 `json:"temperature" envconfig:"TEMPERATURE"`
	MaxToolRounds int     `json:"maxToolRounds" envconfig:"MAX_TOOL_ROUNDS"`
}

// AmoCRMConfig contains CRM connection and funnel settings.
type AmoCRMConfig struct {
	BaseURL     string `json:"baseUrl" envconfig:"BASE_URL"`
	AccessToken string `json:"accessToken" envconfig:"ACCESS_TOKEN"`
	FunnelDir   string `json:"funnelDir" envconfig:"FUNNEL_DIR"`
}

// KafkaConfig configures the optional audit publisher. Empty broker
// list disables publishing.
type KafkaConfig struct {
	Brokers     []string `json:"brokers" envconfig:"BROKERS"`
	TopicPrefix string   `json:"topicPrefix" envconfig:"TOPIC_PREFIX"`
}

// ConfigPath returns the path to the config file.
func ConfigPath() (string, error) {
	if explicit := strings.TrimSpace(os.Getenv("AMOHUB_CONFIG")); explicit != "" {
		if strings.HasPrefix(explicit, "~") {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", err
			}
			return filepath.Join(home, explicit[1:]), nil
		}
		return explicit, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ConfigDir, ConfigFile), nil
}

// Load reads the JSON config file (if present) and applies environment
// overrides on top. A missing file yields the defaults; the caller
// decides which absent credentials degrade which collaborator.
func Load() (*Config, error) {
	cfg := Default()

	path, err := ConfigPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	_ = envconfig.Process("AMOHUB", cfg)
	_ = envconfig.Process("AMOHUB_CHANNELS_TELEGRAM", &cfg.Channels.Telegram)
	_ = envconfig.Process("AMOHUB_CHANNELS_VK", &cfg.Channels.VK)
	_ = envconfig.Process("AMOHUB_CHANNELS_SLACK", &cfg.Channels.Slack)
	_ = envconfig.Process("AMOHUB_CHANNELS_WHATSAPP", &cfg.Channels.WhatsApp)
	_ = envconfig.Process("AMOHUB_OPENAI", &cfg.OpenAI)
	_ = envconfig.Process("AMOHUB_AMOCRM", &cfg.AmoCRM)
	_ = envconfig.Process("AMOHUB_KAFKA", &cfg.Kafka)
}

// Default returns a config with safe defaults filled in.
func Default() *Config {
	return &Config{
		DBPath: "amohub.db",
		OpenAI: OpenAIConfig{
			Model:         "gpt-4o",
			MaxTokens:     4096,
			Temperature:   0.7,
			MaxToolRounds: 8,
		},
		Kafka: KafkaConfig{
			TopicPrefix: "amohub",
		},
	}
}

// Save writes the config back to its file, creating the directory.
func Save(cfg *Config) error {
	path, err := ConfigPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// SystemPrompt reads the configured system prompt file; empty path or
// missing file returns the built-in default.
func (c *Config) SystemPrompt() string {
	if c.SystemPromptPath != "" {
		if data, err := os.ReadFile(c.SystemPromptPath); err == nil {
			if text := strings.TrimSpace(string(data)); text != "" {
				return text
			}
		}
	}
	return defaultSystemPrompt
}

const defaultSystemPrompt = `You are a sales assistant. Talk to the customer, collect answers to the current funnel stage questions, save confirmed answers with amocrm_update_lead_fields and advance the lead with amocrm_set_lead_stage once the stage is complete. Never invent answers the customer did not give.`
