package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"inboxpilot/internal/automation"
	"inboxpilot/internal/ingest"
	"inboxpilot/internal/llm"
)

// Config is the full config.json shape for the engine process.
type Config struct {
	Server   ServerConfig   `json:"server"`
	LLM      llm.Config     `json:"llm"`
	Store    StoreConfig    `json:"store"`
	Queue    QueueConfig    `json:"queue"`
	Selector SelectorConfig `json:"selector"`
	Executor ExecutorConfig `json:"executor"`

	IMAP ingest.Config `json:"imap"`

	// MCPServers are browser automation backends keyed by tool name.
	MCPServers []automation.ServerConfig `json:"mcp_servers,omitempty"`

	// CatalogPath points to an optional YAML file extending the builtin
	// function catalog.
	CatalogPath string `json:"catalog_path,omitempty"`

	RedisURL string `json:"redis_url,omitempty"`
}

type ServerConfig struct {
	Listen          string   `json:"listen"`
	AllowedOrigins  []string `json:"allowed_origins,omitempty"`
	AcceptOriginAny bool     `json:"accept_origin_any,omitempty"`
}

type StoreConfig struct {
	// Path is the SQLite database file. Empty keeps state in memory only.
	Path string `json:"path,omitempty"`
}

type QueueConfig struct {
	Workers              int `json:"workers,omitempty"`
	MaxDepth             int `json:"max_depth,omitempty"`
	SelectRetries        int `json:"select_retries,omitempty"`
	RetryBaseDelaySecond int `json:"retry_base_delay_seconds,omitempty"`
}

type SelectorConfig struct {
	// TimeoutSeconds bounds one inference call. Zero uses the built-in
	// default.
	TimeoutSeconds int `json:"timeout_seconds,omitempty"`
}

type ExecutorConfig struct {
	// TimeoutSeconds bounds one automation run. Zero uses the built-in
	// default.
	TimeoutSeconds int `json:"timeout_seconds,omitempty"`
}

func Load(path string) (Config, error) {
	if strings.TrimSpace(path) == "" {
		path = "config.json"
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.Server.Listen) == "" {
		c.Server.Listen = "127.0.0.1:8080"
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.LLM.APIKey) == "" {
		return errors.New("llm.api_key is required")
	}
	if c.IMAP.Enabled {
		if err := c.IMAP.Validate(); err != nil {
			return fmt.Errorf("imap: %w", err)
		}
	}
	return nil
}
