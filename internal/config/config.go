// Package config loads the daemon configuration: one JSON file with
// defaults for everything except secrets, which may come from the
// environment. The gateway's allow-list policy and the project registry
// live in their own files (policy.yaml, projects.toml) referenced from
// here; changing any of them is a deployment, not a runtime mutation.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Config holds all opsgate configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server"`

	// Gateway execution limits and policy file location
	Gateway GatewayConfig `json:"gateway"`

	// Project registry file location
	Projects ProjectsConfig `json:"projects"`

	// Audit trail backend
	Audit AuditConfig `json:"audit"`

	// Chat channel configurations
	Channels ChannelConfig `json:"channels"`

	// DigitalOcean droplet control
	Droplets DropletConfig `json:"droplets"`

	// LLM provider settings
	Models ModelsConfig `json:"models"`

	// Scheduled command envelopes
	Scheduler SchedulerConfig `json:"scheduler,omitempty"`

	// API authentication
	Auth AuthConfig `json:"auth"`
}

type ServerConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	DataDir  string `json:"dataDir"`
	LogLevel string `json:"logLevel"`
}

// GatewayConfig bounds subprocess execution. InstallRoot is the default
// working directory for commands that carry none of their own.
type GatewayConfig struct {
	PolicyPath      string `json:"policyPath"`
	InstallRoot     string `json:"installRoot"`
	ShortTimeoutSec int    `json:"shortTimeoutSec"`
	LongTimeoutSec  int    `json:"longTimeoutSec"`
	MaxOutputKB     int    `json:"maxOutputKb"`
}

type ProjectsConfig struct {
	Path string `json:"path"`
}

// AuditConfig selects the trail backend: "sqlite" (queryable over the
// API), "jsonl" (append-only file), or "none".
type AuditConfig struct {
	Backend string `json:"backend"`
	Path    string `json:"path"`
}

type ChannelConfig struct {
	Telegram *TelegramConfig `json:"telegram,omitempty"`
	MQTT     *MQTTConfig     `json:"mqtt,omitempty"`
	Console  *ConsoleConfig  `json:"console,omitempty"`
}

type TelegramConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"botToken"`
	// AllowedUserIDs is the Telegram user ids permitted to talk to the
	// bot. Empty means nobody: the bot ignores all senders.
	AllowedUserIDs []int64 `json:"allowedUserIds"`
}

type MQTTConfig struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

type ConsoleConfig struct {
	Enabled bool `json:"enabled"`
}

type DropletConfig struct {
	Enabled  bool   `json:"enabled"`
	APIToken string `json:"apiToken,omitempty"`
	BaseURL  string `json:"baseUrl,omitempty"`
}

type ModelsConfig struct {
	Providers map[string]ProviderConfig `json:"providers"`
	// Default is the "provider/model" id the assistant uses; Fallback is
	// tried in order when it fails.
	Default      string   `json:"default,omitempty"`
	Fallback     []string `json:"fallback,omitempty"`
	SystemPrompt string   `json:"systemPrompt,omitempty"`
}

type ProviderConfig struct {
	BaseURL string   `json:"baseUrl,omitempty"`
	APIKey  string   `json:"apiKey,omitempty"`
	Models  []string `json:"models"`
}

// SchedulerConfig holds scheduler configuration.
type SchedulerConfig struct {
	Enabled bool                 `json:"enabled"`
	Jobs    []SchedulerJobConfig `json:"jobs,omitempty"`
}

// SchedulerJobConfig defines a scheduled job: when it fires and the
// command envelope it submits.
type SchedulerJobConfig struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	Schedule ScheduleConfig `json:"schedule"`
	Command  JobCommand     `json:"command"`
	Enabled  bool           `json:"enabled"`
}

// ScheduleConfig defines when a job runs.
type ScheduleConfig struct {
	Kind       string `json:"kind"` // "interval", "cron", "at"
	IntervalMs int64  `json:"intervalMs,omitempty"`
	Expr       string `json:"expr,omitempty"` // cron expression
	Time       string `json:"time,omitempty"` // "HH:MM" for daily
	Timezone   string `json:"timezone,omitempty"`
}

// JobCommand is the envelope a job submits, minus the caller identity,
// which the scheduler derives from the job id.
type JobCommand struct {
	Type       string         `json:"command_type"`
	Action     string         `json:"action"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// AuthConfig configures API authentication. PasswordBcrypt pairs with
// Username for HTTP Basic; JWTSecret signs bearer tokens and falls back
// to the OPSGATE_JWT_SECRET environment variable. All empty means
// authentication is disabled (local development only).
type AuthConfig struct {
	Username       string `json:"username,omitempty"`
	PasswordBcrypt string `json:"passwordBcrypt,omitempty"`
	JWTSecret      string `json:"jwtSecret,omitempty"`
	TokenTTLHours  int    `json:"tokenTtlHours,omitempty"`
}

// JWTSecretBytes resolves the signing secret, preferring the config value
// over the environment. Nil means bearer auth is not configured.
func (a AuthConfig) JWTSecretBytes() []byte {
	if a.JWTSecret != "" {
		return []byte(a.JWTSecret)
	}
	if s := os.Getenv("OPSGATE_JWT_SECRET"); s != "" {
		return []byte(s)
	}
	return nil
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:     "0.0.0.0",
			Port:     8420,
			DataDir:  "./data",
			LogLevel: "info",
		},
		Gateway: GatewayConfig{
			PolicyPath:      "policy.yaml",
			InstallRoot:     "/var/www/opsgate",
			ShortTimeoutSec: 30,
			LongTimeoutSec:  300,
			MaxOutputKB:     256,
		},
		Projects: ProjectsConfig{
			Path: "projects.toml",
		},
		Audit: AuditConfig{
			Backend: "sqlite",
			Path:    "./data/audit.db",
		},
		Models: ModelsConfig{
			Providers: map[string]ProviderConfig{},
		},
		Auth: AuthConfig{
			TokenTTLHours: 24,
		},
	}
}

// Load reads config from a JSON file. Unset fields keep their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// Ensure data directory exists
	if err := os.MkdirAll(cfg.Server.DataDir, 0750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	return cfg, nil
}

// Save writes config to a JSON file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0640)
}

// Validate rejects configurations the daemon cannot start with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: server port %d out of range", c.Server.Port)
	}
	switch c.Audit.Backend {
	case "sqlite", "jsonl", "none":
	default:
		return fmt.Errorf("config: unknown audit backend %q (use sqlite, jsonl or none)", c.Audit.Backend)
	}
	if c.Gateway.ShortTimeoutSec < 0 || c.Gateway.LongTimeoutSec < 0 {
		return fmt.Errorf("config: gateway timeouts must not be negative")
	}
	if tg := c.Channels.Telegram; tg != nil && tg.Enabled && tg.BotToken == "" {
		return fmt.Errorf("config: telegram enabled but botToken is empty")
	}
	if mq := c.Channels.MQTT; mq != nil && mq.Enabled {
		if mq.Host == "" {
			return fmt.Errorf("config: mqtt enabled but host is empty")
		}
		if mq.Port <= 0 {
			return fmt.Errorf("config: mqtt enabled but port is %d", mq.Port)
		}
	}
	if c.Auth.Username != "" && c.Auth.PasswordBcrypt == "" {
		return fmt.Errorf("config: auth username set without passwordBcrypt (run `opsgate hash`)")
	}
	return nil
}
