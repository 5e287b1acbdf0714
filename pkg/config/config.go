package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// MinTokenLength is the minimum recommended length for auth tokens
const MinTokenLength = 32

// Default configuration values exported for documentation and validation
const (
	DefaultBind          = "127.0.0.1:8001"
	DefaultAgentBinary   = "claude"
	DefaultMaxTurns      = 200
	DefaultScannerBuffer = 32 * 1024 * 1024
	DefaultOutboundLimit = 1024 * 1024
	DefaultLockTimeout   = 5 * time.Second
	DefaultTitleTimeout  = 30 * time.Second
	DefaultPingInterval  = 15 * time.Second
)

// DefaultAllowedTools is the baseline tool allow-list handed to the agent
// when a conversation has no explicit permissions configured.
var DefaultAllowedTools = []string{
	"Read", "Write", "Edit", "Bash", "Glob", "Grep", "WebSearch", "WebFetch",
}

// Config represents the complete connd configuration
type Config struct {
	Server ServerConfig `yaml:"server"`
	Agent  AgentConfig  `yaml:"agent"`
	Bus    BusConfig    `yaml:"bus"`
	Logs   LogConfig    `yaml:"logs"`
}

// ServerConfig controls the HTTP/WebSocket listener
type ServerConfig struct {
	Bind           string        `yaml:"bind"`
	AuthToken      string        `yaml:"auth_token"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	PublicMetrics  bool          `yaml:"public_metrics"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	OutboundLimit  int           `yaml:"outbound_limit"` // bytes, per serialized event
}

// AgentConfig controls the agent subprocess
type AgentConfig struct {
	Binary           string        `yaml:"binary"`
	ProjectsRoot     string        `yaml:"projects_root"`
	MaxTurns         int           `yaml:"max_turns"`
	ScannerBuffer    int           `yaml:"scanner_buffer"` // bytes, max single output line
	LockTimeout      time.Duration `yaml:"lock_timeout"`
	TitleTimeout     time.Duration `yaml:"title_timeout"`
	SystemPrompt     string        `yaml:"system_prompt"`
	ExternalPatterns []string      `yaml:"external_patterns"` // wildcard tool patterns, e.g. mcp__playwright__*
	ExternalConfig   string        `yaml:"external_config"`   // path to external tool server config file
	ScreenshotTools  []string      `yaml:"screenshot_tools"`
	StaleMarkers     []string      `yaml:"stale_markers"` // substrings identifying an unresumable session
	DataDir          string        `yaml:"data_dir"`
}

// BusConfig selects the event fan-out backend
type BusConfig struct {
	NATSURL string `yaml:"nats_url"` // empty means in-memory
}

// LogConfig controls structured logging
type LogConfig struct {
	Dir    string `yaml:"dir"`
	Level  string `yaml:"level"`
	Stdout bool   `yaml:"stdout"`
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	dataDir := ".connd"
	if home != "" {
		dataDir = filepath.Join(home, ".connd")
	}
	return &Config{
		Server: ServerConfig{
			Bind:          DefaultBind,
			PingInterval:  DefaultPingInterval,
			OutboundLimit: DefaultOutboundLimit,
		},
		Agent: AgentConfig{
			Binary:        DefaultAgentBinary,
			ProjectsRoot:  ".",
			MaxTurns:      DefaultMaxTurns,
			ScannerBuffer: DefaultScannerBuffer,
			LockTimeout:   DefaultLockTimeout,
			TitleTimeout:  DefaultTitleTimeout,
			ScreenshotTools: []string{
				"mcp__playwright__browser_take_screenshot",
			},
			StaleMarkers: []string{
				"No conversation found",
				"session not found",
				"--resume",
			},
			DataDir: dataDir,
		},
		Logs: LogConfig{
			Dir:    filepath.Join(dataDir, "logs"),
			Level:  "info",
			Stdout: true,
		},
	}
}

// Load loads configuration from default locations with proper precedence
func Load() (*Config, error) {
	cfg := DefaultConfig()

	home, err := os.UserHomeDir()
	if err != nil {
		home = os.Getenv("HOME")
	}
	if home != "" {
		userConfigPath := filepath.Join(home, ".connd", "config.yaml")
		if err := loadAndMerge(cfg, userConfigPath); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("loading user config: %w", err)
		}
	}

	projectConfigPath := filepath.Join(".", ".connd", "config.yaml")
	if err := loadAndMerge(cfg, projectConfigPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("loading project config: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// LoadFromPath loads configuration from a specific file path
func LoadFromPath(path string) (*Config, error) {
	cfg := DefaultConfig()

	if err := loadAndMerge(cfg, path); err != nil {
		return nil, fmt.Errorf("loading config from %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CONND_BIND"); v != "" {
		cfg.Server.Bind = v
	}
	if v := os.Getenv("CONND_AUTH_TOKEN"); v != "" {
		cfg.Server.AuthToken = v
	}
	if v, ok := envBool("CONND_PUBLIC_METRICS"); ok {
		cfg.Server.PublicMetrics = v
	}
	if v := os.Getenv("CONND_AGENT_BINARY"); v != "" {
		cfg.Agent.Binary = v
	}
	if v := os.Getenv("CONND_PROJECTS_ROOT"); v != "" {
		cfg.Agent.ProjectsRoot = v
	}
	if v := strings.TrimSpace(os.Getenv("CONND_MAX_TURNS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Agent.MaxTurns = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("CONND_LOCK_TIMEOUT")); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Agent.LockTimeout = d
		}
	}
	if v := os.Getenv("CONND_DATA_DIR"); v != "" {
		cfg.Agent.DataDir = v
	}
	if v := os.Getenv("CONND_NATS_URL"); v != "" {
		cfg.Bus.NATSURL = v
	}
	if v := os.Getenv("CONND_LOG_DIR"); v != "" {
		cfg.Logs.Dir = v
	}
	if v := os.Getenv("CONND_LOG_LEVEL"); v != "" {
		cfg.Logs.Level = v
	}
}

func envBool(key string) (bool, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, false
	}
	return b, true
}

// Validate checks the configuration for consistency
func (c *Config) Validate() error {
	host, _, err := net.SplitHostPort(c.Server.Bind)
	if err != nil {
		return fmt.Errorf("invalid bind address %q: %w", c.Server.Bind, err)
	}

	if !isLoopback(host) && c.Server.AuthToken == "" {
		return fmt.Errorf("refusing non-loopback bind %q without an auth token", c.Server.Bind)
	}
	if c.Server.AuthToken != "" && len(c.Server.AuthToken) < MinTokenLength {
		return fmt.Errorf("auth token must be at least %d characters", MinTokenLength)
	}

	if c.Agent.Binary == "" {
		return fmt.Errorf("agent binary must be set")
	}
	if c.Agent.MaxTurns <= 0 {
		return fmt.Errorf("max_turns must be positive")
	}
	if c.Agent.ScannerBuffer <= 0 {
		return fmt.Errorf("scanner_buffer must be positive")
	}
	if c.Agent.LockTimeout <= 0 {
		return fmt.Errorf("lock_timeout must be positive")
	}
	if c.Server.OutboundLimit <= 0 {
		return fmt.Errorf("outbound_limit must be positive")
	}

	switch c.Logs.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.Logs.Level)
	}

	return nil
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
