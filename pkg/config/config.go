package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/caarlos0/env/v11"
)

// FlexibleStringSlice is a []string that also accepts JSON numbers,
// so allow_from can contain both "123" and 123.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	// Try []string first
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}

	// Try []interface{} to handle mixed types
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

type Config struct {
	Agent     AgentConfig     `json:"agent"`
	Platforms PlatformsConfig `json:"platforms"`
	Providers ProvidersConfig `json:"providers"`
	Store     StoreConfig     `json:"store"`
	mu        sync.RWMutex
}

type AgentConfig struct {
	CharacterFile string `json:"character_file" env:"MINGLE_AGENT_CHARACTER_FILE"`
	LogLevel      string `json:"log_level" env:"MINGLE_AGENT_LOG_LEVEL"`
}

type PlatformsConfig struct {
	Twitter TwitterConfig `json:"twitter"`
	Discord DiscordConfig `json:"discord"`
}

type TwitterConfig struct {
	Enabled     bool   `json:"enabled" env:"MINGLE_PLATFORMS_TWITTER_ENABLED"`
	APIBase     string `json:"api_base" env:"MINGLE_PLATFORMS_TWITTER_API_BASE"`
	BearerToken string `json:"bearer_token" env:"MINGLE_PLATFORMS_TWITTER_BEARER_TOKEN"`
}

type DiscordConfig struct {
	Enabled   bool                `json:"enabled" env:"MINGLE_PLATFORMS_DISCORD_ENABLED"`
	Token     string              `json:"token" env:"MINGLE_PLATFORMS_DISCORD_TOKEN"`
	AllowFrom FlexibleStringSlice `json:"allow_from" env:"MINGLE_PLATFORMS_DISCORD_ALLOW_FROM"`
}

type ProvidersConfig struct {
	OpenAI OpenAIConfig `json:"openai"`
}

type OpenAIConfig struct {
	APIKey          string `json:"api_key" env:"MINGLE_PROVIDERS_OPENAI_API_KEY"`
	APIBase         string `json:"api_base" env:"MINGLE_PROVIDERS_OPENAI_API_BASE"`
	Model           string `json:"model" env:"MINGLE_PROVIDERS_OPENAI_MODEL"`
	ModerationModel string `json:"moderation_model" env:"MINGLE_PROVIDERS_OPENAI_MODERATION_MODEL"`
}

type StoreConfig struct {
	Path string `json:"path" env:"MINGLE_STORE_PATH"`
}

func DefaultConfig() *Config {
	return &Config{
		Agent: AgentConfig{
			CharacterFile: "characters/default.json",
			LogLevel:      "info",
		},
		Platforms: PlatformsConfig{
			Twitter: TwitterConfig{
				Enabled: false,
				APIBase: "https://api.twitter.com/2",
			},
			Discord: DiscordConfig{
				Enabled:   false,
				AllowFrom: FlexibleStringSlice{},
			},
		},
		Providers: ProvidersConfig{
			OpenAI: OpenAIConfig{
				Model:           "gpt-4o",
				ModerationModel: "omni-moderation-latest",
			},
		},
		Store: StoreConfig{
			Path: "~/.mingle/mingle.db",
		},
	}
}

func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			if envErr := env.Parse(cfg); envErr != nil {
				return nil, envErr
			}
			return cfg, nil
		}
		return nil, err
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func SaveConfig(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

func (c *Config) StorePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return expandHome(c.Store.Path)
}

func (c *Config) CharacterPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return expandHome(c.Agent.CharacterFile)
}

func expandHome(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) > 1 && path[1] == '/' {
			return home + path[1:]
		}
		return home
	}
	return path
}
