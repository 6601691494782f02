package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

type Config struct {
	DataDir       string `json:"data_dir"`
	LogLevel      string `json:"log_level"`
	MaxConcurrent int    `json:"max_concurrent"`
	MaxSteps      int    `json:"max_steps"`
	LLM           struct {
		BaseURL          string  `json:"base_url"`
		APIKey           string  `json:"api_key"`
		Model            string  `json:"model"`
		MaxTokens        int     `json:"max_tokens"`
		Temperature      float32 `json:"temperature"`
		MaxContextTokens int     `json:"max_context_tokens"`
		OutputReserve    int     `json:"output_reserve"`
	} `json:"llm"`
	Device struct {
		ADB        string `json:"adb"`
		Serial     string `json:"serial"`
		ScriptsDir string `json:"scripts_dir"`
	} `json:"device"`
	Relay struct {
		Listen            string `json:"listen"`
		PublicURL         string `json:"public_url"`
		APIKey            string `json:"api_key"`
		DefaultTimeoutSec int    `json:"default_timeout_sec"`
		PollIntervalSec   int    `json:"poll_interval_sec"`
		SweepIntervalSec  int    `json:"sweep_interval_sec"`
	} `json:"relay"`
	Telegram struct {
		Token          string  `json:"token"`
		AllowedUserIDs []int64 `json:"allowed_user_ids"`
	} `json:"telegram"`
	Tunnel struct {
		Enabled bool   `json:"enabled"`
		Binary  string `json:"binary"`
	} `json:"tunnel"`
}

func Load(path string) (*Config, error) {
	cfg := &Config{
		DataDir:       filepath.Join(os.Getenv("HOME"), ".droidpilot"),
		MaxConcurrent: 2,
	}
	cfg.LogLevel = "info"
	cfg.MaxSteps = 40
	cfg.LLM.BaseURL = "https://api.openai.com/v1"
	cfg.LLM.Model = "gpt-4o"
	cfg.LLM.MaxTokens = 1000
	cfg.LLM.Temperature = 0.2
	cfg.LLM.MaxContextTokens = 128000
	cfg.LLM.OutputReserve = 4096
	cfg.Device.ADB = "adb"
	cfg.Relay.Listen = "127.0.0.1:8437"
	cfg.Relay.DefaultTimeoutSec = 300
	cfg.Relay.PollIntervalSec = 2
	cfg.Relay.SweepIntervalSec = 30
	cfg.Tunnel.Binary = "cloudflared"

	// Load from file if exists, otherwise write defaults
	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	} else if os.IsNotExist(err) {
		if err := writeDefaults(path, cfg); err != nil {
			return nil, err
		}
	}

	// Override from env (highest precedence)
	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
		cfg.LLM.APIKey = apiKey
	}
	if baseURL := os.Getenv("OPENAI_BASE_URL"); baseURL != "" {
		cfg.LLM.BaseURL = baseURL
	}
	if tgToken := os.Getenv("TELEGRAM_BOT_TOKEN"); tgToken != "" {
		cfg.Telegram.Token = tgToken
	}
	if relayKey := os.Getenv("DROIDPILOT_RELAY_KEY"); relayKey != "" {
		cfg.Relay.APIKey = relayKey
	}

	if cfg.Device.ScriptsDir == "" {
		cfg.Device.ScriptsDir = filepath.Join(cfg.DataDir, "scripts")
	}

	return cfg, nil
}

func writeDefaults(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal default config: %w", err)
	}
	data = append(data, '\n')
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("write default config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename default config: %w", err)
	}
	return nil
}
