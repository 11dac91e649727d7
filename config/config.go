package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the complete gateway configuration
type Config struct {
	Env      string         `json:"env" yaml:"env"`
	Server   ServerConfig   `json:"server" yaml:"server"`
	Store    StoreConfig    `json:"store" yaml:"store"`
	Terminal TerminalConfig `json:"terminal" yaml:"terminal"`
	Process  ProcessConfig  `json:"process" yaml:"process"`
	Session  SessionConfig  `json:"session" yaml:"session"`
	Log      LogConfig      `json:"log" yaml:"log"`
	Trace    TraceConfig    `json:"trace" yaml:"trace"`
}

// ServerConfig contains HTTP listener parameters
type ServerConfig struct {
	Listen          string        `json:"listen" yaml:"listen"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`

	// AdminToken enables the /api/v1/admin routes when set.
	AdminToken string `json:"admin_token,omitempty" yaml:"admin_token,omitempty"`
}

// StoreConfig selects the credential store backend
type StoreConfig struct {
	Driver           string        `json:"driver" yaml:"driver"` // "sqlite" or "bolt"
	Path             string        `json:"path" yaml:"path"`
	RevokeSuperseded bool          `json:"revoke_superseded" yaml:"revoke_superseded"`
	TokenTTL         time.Duration `json:"token_ttl,omitempty" yaml:"token_ttl,omitempty"`
}

// TerminalConfig selects the terminal connection
type TerminalConfig struct {
	Kind      string    `json:"kind" yaml:"kind"` // "sim" or "bridge"
	BridgeURL string    `json:"bridge_url,omitempty" yaml:"bridge_url,omitempty"`
	ExePath   string    `json:"exe_path,omitempty" yaml:"exe_path,omitempty"`
	Sim       SimConfig `json:"sim" yaml:"sim"`
}

// SimConfig seeds the in-memory terminal
type SimConfig struct {
	Server   string        `json:"server" yaml:"server"`
	Balance  float64       `json:"balance" yaml:"balance"`
	Accounts []SimAccount  `json:"accounts,omitempty" yaml:"accounts,omitempty"`
	Latency  time.Duration `json:"latency,omitempty" yaml:"latency,omitempty"`
}

// SimAccount is a login the simulator accepts
type SimAccount struct {
	Login    string `json:"login" yaml:"login"`
	Password string `json:"password" yaml:"password"`
}

// ProcessConfig contains terminal installation parameters
type ProcessConfig struct {
	BaseDir        string        `json:"base_dir" yaml:"base_dir"`
	TemplateDir    string        `json:"template_dir" yaml:"template_dir"`
	Exe            string        `json:"exe" yaml:"exe"`
	Args           []string      `json:"args,omitempty" yaml:"args,omitempty"`
	TerminateGrace time.Duration `json:"terminate_grace" yaml:"terminate_grace"`
	ReclaimRetries int           `json:"reclaim_retries" yaml:"reclaim_retries"`
	ReclaimBackoff time.Duration `json:"reclaim_backoff" yaml:"reclaim_backoff"`
}

// SessionConfig bounds how long a request may wait for and use the terminal
type SessionConfig struct {
	AcquireTimeout time.Duration `json:"acquire_timeout" yaml:"acquire_timeout"`
	CallTimeout    time.Duration `json:"call_timeout" yaml:"call_timeout"`
}

// LogConfig contains logging parameters
type LogConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"` // "console" or "json"
}

// TraceConfig contains tracing parameters
type TraceConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
	Pretty  bool `json:"pretty" yaml:"pretty"`
}

// LoadFromFile loads configuration from a file (YAML, falling back to JSON)
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := Default()

	// Try YAML first, fall back to JSON
	err = yaml.Unmarshal(data, cfg)
	if err != nil {
		cfg = Default()
		err = json.Unmarshal(data, cfg)
		if err != nil {
			return nil, fmt.Errorf("parse config (tried YAML and JSON): %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// Load reads the optional config file, applies .env and environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	// A missing .env file is fine.
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		var err error
		if cfg, err = LoadFromFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from MTGATE_* variables.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	set := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	set("APP_ENV", &c.Env)
	set("MTGATE_LISTEN", &c.Server.Listen)
	set("MTGATE_DB", &c.Store.Path)
	set("MTGATE_STORE_DRIVER", &c.Store.Driver)
	set("MTGATE_TERMINAL", &c.Terminal.Kind)
	set("MTGATE_BRIDGE_URL", &c.Terminal.BridgeURL)
	set("MTGATE_BASE_DIR", &c.Process.BaseDir)
	set("MTGATE_TEMPLATE_DIR", &c.Process.TemplateDir)
	set("MTGATE_LOG_LEVEL", &c.Log.Level)
	set("MTGATE_ADMIN_TOKEN", &c.Server.AdminToken)

	if v := strings.TrimSpace(getenv("MTGATE_TOKEN_TTL")); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("MTGATE_TOKEN_TTL: %w", err)
		}
		c.Store.TokenTTL = d
	}
	return nil
}

// SaveToFile saves configuration to a file (JSON or YAML based on extension)
func (c *Config) SaveToFile(path string) error {
	var data []byte
	var err error

	if strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml") {
		data, err = yaml.Marshal(c)
	} else {
		data, err = json.MarshalIndent(c, "", "  ")
	}

	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}

	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Listen == "" {
		return fmt.Errorf("server.listen is required")
	}
	switch c.Store.Driver {
	case "sqlite", "bolt":
	default:
		return fmt.Errorf("store.driver must be 'sqlite' or 'bolt'")
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}
	if c.Store.TokenTTL < 0 {
		return fmt.Errorf("store.token_ttl must not be negative")
	}
	switch c.Terminal.Kind {
	case "sim":
		if c.Terminal.Sim.Server == "" {
			return fmt.Errorf("terminal.sim.server is required for the sim terminal")
		}
	case "bridge":
		if c.Terminal.BridgeURL == "" {
			return fmt.Errorf("terminal.bridge_url is required for the bridge terminal")
		}
	default:
		return fmt.Errorf("terminal.kind must be 'sim' or 'bridge'")
	}
	if c.Process.BaseDir == "" || c.Process.TemplateDir == "" {
		return fmt.Errorf("process.base_dir and process.template_dir are required")
	}
	if c.Process.ReclaimRetries < 0 {
		return fmt.Errorf("process.reclaim_retries must not be negative")
	}
	if c.Session.AcquireTimeout < 0 || c.Session.CallTimeout < 0 {
		return fmt.Errorf("session timeouts must not be negative")
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("log.format must be 'console' or 'json'")
	}
	return nil
}

// Production reports whether APP_ENV selects production.
func (c *Config) Production() bool {
	return c.Env == "production"
}

// Default returns a configuration with sensible defaults
func Default() *Config {
	return &Config{
		Env: "development",
		Server: ServerConfig{
			Listen:          ":8080",
			ShutdownTimeout: 15 * time.Second,
		},
		Store: StoreConfig{
			Driver: "sqlite",
			Path:   "./mtgate.sqlite",
		},
		Terminal: TerminalConfig{
			Kind: "sim",
			Sim: SimConfig{
				Server:  "Sim-Demo",
				Balance: 10000,
			},
		},
		Process: ProcessConfig{
			BaseDir:        "./accounts",
			TemplateDir:    "./meta-trader",
			Exe:            "terminal64.exe",
			Args:           []string{"/portable"},
			TerminateGrace: 10 * time.Second,
			ReclaimRetries: 3,
			ReclaimBackoff: 500 * time.Millisecond,
		},
		Session: SessionConfig{
			AcquireTimeout: 30 * time.Second,
			CallTimeout:    60 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}
