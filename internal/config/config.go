// Package config holds the server's configuration surface: listen address,
// completion endpoint, model, system prompt, storage paths and the limits
// applied to sessions.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/codefionn/sshllm/internal/consts"
	"gopkg.in/yaml.v3"
)

// DefaultSystemPrompt is used when neither a prompt nor a prompt file is configured.
const DefaultSystemPrompt = "You are a helpful AI assistant. Be concise and friendly."

// Context window modes for replaying persisted turns into a new session.
const (
	// ContextLatestDay replays today's log, or the most recent earlier log if today has none.
	ContextLatestDay = "latest-day"
	// ContextToday replays today's log only.
	ContextToday = "today"
)

// ContextConfig controls which persisted turns seed a new session.
type ContextConfig struct {
	Mode              string `json:"mode" yaml:"mode"`
	MaxTurns          int    `json:"max_turns" yaml:"max_turns"`
	IncludeIncomplete bool   `json:"include_incomplete" yaml:"include_incomplete"`
}

// HistoryConfig bounds the in-memory history sent with every request.
type HistoryConfig struct {
	MaxTurns  int `json:"max_turns" yaml:"max_turns"`
	MaxTokens int `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"` // 0 disables token budgeting
}

// Config represents application configuration
type Config struct {
	Host                     string        `json:"host" yaml:"host"`
	Port                     int           `json:"port" yaml:"port"`
	APIBaseURL               string        `json:"api_base_url" yaml:"api_base_url"`
	APIKey                   string        `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	Model                    string        `json:"model" yaml:"model"`
	SystemPrompt             string        `json:"system_prompt" yaml:"system_prompt"`
	SystemPromptFile         string        `json:"system_prompt_file,omitempty" yaml:"system_prompt_file,omitempty"`
	Temperature              float64       `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	LogsDir                  string        `json:"logs_dir" yaml:"logs_dir"`
	HostKeyPath              string        `json:"host_key_path" yaml:"host_key_path"`
	LogLevel                 string        `json:"log_level" yaml:"log_level"` // debug, info, warn, error, none
	LogPath                  string        `json:"log_path,omitempty" yaml:"log_path,omitempty"`
	StatusAddr               string        `json:"status_addr,omitempty" yaml:"status_addr,omitempty"`
	MaxConnections           int           `json:"max_connections" yaml:"max_connections"`
	FirstChunkTimeoutSeconds int           `json:"first_chunk_timeout_seconds" yaml:"first_chunk_timeout_seconds"`
	ChunkTimeoutSeconds      int           `json:"chunk_timeout_seconds" yaml:"chunk_timeout_seconds"`
	Context                  ContextConfig `json:"context" yaml:"context"`
	History                  HistoryConfig `json:"history" yaml:"history"`
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	return &Config{
		Host:                     "0.0.0.0",
		Port:                     consts.DefaultPort,
		APIBaseURL:               "http://127.0.0.1:8080/v1",
		Model:                    "default",
		SystemPrompt:             DefaultSystemPrompt,
		LogsDir:                  "logs",
		HostKeyPath:              filepath.Join("keys", "host_ed25519"),
		LogLevel:                 "info",
		MaxConnections:           consts.DefaultMaxConnections,
		FirstChunkTimeoutSeconds: int(consts.DefaultChunkTimeout / time.Second),
		ChunkTimeoutSeconds:      int(consts.DefaultChunkTimeout / time.Second),
		Context: ContextConfig{
			Mode:     ContextLatestDay,
			MaxTurns: consts.DefaultContextTurns,
		},
		History: HistoryConfig{
			MaxTurns: consts.DefaultHistoryTurns,
		},
	}
}

// Load loads configuration from file. A missing file yields the defaults.
// Files ending in .yaml or .yml are decoded as YAML, everything else as JSON.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}

	cfg.fillDefaults()
	return cfg, nil
}

// fillDefaults restores defaults for fields a config file explicitly blanked.
func (c *Config) fillDefaults() {
	def := DefaultConfig()
	if c.Host == "" {
		c.Host = def.Host
	}
	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}
	if c.MaxConnections <= 0 {
		c.MaxConnections = def.MaxConnections
	}
	if c.FirstChunkTimeoutSeconds <= 0 {
		c.FirstChunkTimeoutSeconds = def.FirstChunkTimeoutSeconds
	}
	if c.ChunkTimeoutSeconds <= 0 {
		c.ChunkTimeoutSeconds = def.ChunkTimeoutSeconds
	}
	if c.Context.Mode == "" {
		c.Context.Mode = def.Context.Mode
	}
	if c.Context.MaxTurns <= 0 {
		c.Context.MaxTurns = def.Context.MaxTurns
	}
	if c.History.MaxTurns <= 0 {
		c.History.MaxTurns = def.History.MaxTurns
	}
}

// ApplyEnv overrides fields from SSHLLM_* environment variables. lookup is
// os.LookupEnv in production.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}

	if v, ok := lookup("SSHLLM_PORT"); ok && strings.TrimSpace(v) != "" {
		port, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("invalid SSHLLM_PORT %q: %w", v, err)
		}
		c.Port = port
	}
	str("SSHLLM_HOST", &c.Host)
	str("SSHLLM_API_URL", &c.APIBaseURL)
	str("SSHLLM_MODEL", &c.Model)
	str("SSHLLM_LOGS_DIR", &c.LogsDir)
	str("SSHLLM_HOST_KEY", &c.HostKeyPath)
	str("SSHLLM_SYSTEM_PROMPT_FILE", &c.SystemPromptFile)
	str("SSHLLM_LOG_LEVEL", &c.LogLevel)
	str("SSHLLM_LOG_PATH", &c.LogPath)
	str("SSHLLM_STATUS_ADDR", &c.StatusAddr)

	// The prompt and key keep their inner whitespace.
	if v, ok := lookup("SSHLLM_SYSTEM_PROMPT"); ok && v != "" {
		c.SystemPrompt = v
	}
	if v, ok := lookup("SSHLLM_API_KEY"); ok {
		c.APIKey = v
	}
	return nil
}

// Validate reports configuration that cannot serve.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", c.Port)
	}
	if strings.TrimSpace(c.APIBaseURL) == "" {
		return fmt.Errorf("api endpoint is required")
	}
	if strings.TrimSpace(c.Model) == "" {
		return fmt.Errorf("model is required")
	}
	if strings.TrimSpace(c.LogsDir) == "" {
		return fmt.Errorf("logs directory is required")
	}
	if strings.TrimSpace(c.HostKeyPath) == "" {
		return fmt.Errorf("host key path is required")
	}
	switch c.Context.Mode {
	case ContextLatestDay, ContextToday:
	default:
		return fmt.Errorf("unknown context mode %q (want %q or %q)", c.Context.Mode, ContextLatestDay, ContextToday)
	}
	return nil
}

// ListenAddr returns host:port for the SSH listener.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// FirstChunkTimeout is how long to wait for the first streamed chunk.
func (c *Config) FirstChunkTimeout() time.Duration {
	return time.Duration(c.FirstChunkTimeoutSeconds) * time.Second
}

// ChunkTimeout is how long to wait between subsequent chunks.
func (c *Config) ChunkTimeout() time.Duration {
	return time.Duration(c.ChunkTimeoutSeconds) * time.Second
}

// Save writes the configuration as indented JSON, omitting the API key.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	copyCfg := *c
	copyCfg.APIKey = ""
	data, err := json.MarshalIndent(&copyCfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
