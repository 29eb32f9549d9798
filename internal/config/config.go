package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Config represents the main shopassist configuration
type Config struct {
	// Provider selects the model backend.
	Provider ProviderConfig `json:"provider" mapstructure:"provider"`

	// Assistant tunes the conversation engine.
	Assistant AssistantConfig `json:"assistant" mapstructure:"assistant"`

	// Site describes the storefront the assistant speaks for.
	Site SiteConfig `json:"site" mapstructure:"site"`

	// Orders selects the order directory backing the order tools.
	Orders OrdersConfig `json:"orders" mapstructure:"orders"`

	// Transcripts configures where finished conversations are kept.
	Transcripts TranscriptsConfig `json:"transcripts" mapstructure:"transcripts"`

	// Gateway configuration
	Gateway GatewayConfig `json:"gateway" mapstructure:"gateway"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Tracing
	Tracing TracingConfig `json:"tracing" mapstructure:"tracing"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// ProviderConfig holds model provider settings
type ProviderConfig struct {
	Name        string  `json:"name" mapstructure:"name"` // gemini, openai, anthropic, scripted
	Model       string  `json:"model" mapstructure:"model"`
	APIKey      string  `json:"api_key" mapstructure:"api_key"` // literal or env://VAR
	BaseURL     string  `json:"base_url" mapstructure:"base_url"`
	Temperature float64 `json:"temperature" mapstructure:"temperature"`
	MaxTokens   int     `json:"max_tokens" mapstructure:"max_tokens"`
	ScriptPath  string  `json:"script_path" mapstructure:"script_path"`
}

// AssistantConfig holds conversation engine settings
type AssistantConfig struct {
	TurnPolicy        string `json:"turn_policy" mapstructure:"turn_policy"` // reject, queue
	MaxToolRounds     int    `json:"max_tool_rounds" mapstructure:"max_tool_rounds"`
	StreamIdleTimeout int    `json:"stream_idle_timeout" mapstructure:"stream_idle_timeout"` // seconds, 0 disables
	ToolTimeout       int    `json:"tool_timeout" mapstructure:"tool_timeout"`               // seconds
	SaveTimeout       int    `json:"save_timeout" mapstructure:"save_timeout"`               // seconds
	// SystemInstruction replaces the built-in behavioral policy.
	SystemInstruction string `json:"system_instruction" mapstructure:"system_instruction"`
}

// IdleTimeout converts the configured seconds; a disabled watchdog is negative.
func (a AssistantConfig) IdleTimeout() time.Duration {
	if a.StreamIdleTimeout <= 0 {
		return -1
	}
	return time.Duration(a.StreamIdleTimeout) * time.Second
}

// SiteConfig locates the site profile. Inline fields are used when no
// profile file is configured.
type SiteConfig struct {
	ProfilePath   string `json:"profile_path" mapstructure:"profile_path"`
	Watch         bool   `json:"watch" mapstructure:"watch"`
	CompanyName   string `json:"company_name" mapstructure:"company_name"`
	Phone         string `json:"phone" mapstructure:"phone"`
	Email         string `json:"email" mapstructure:"email"`
	Address       string `json:"address" mapstructure:"address"`
	Website       string `json:"website" mapstructure:"website"`
	BusinessHours string `json:"business_hours" mapstructure:"business_hours"`
	Tone          string `json:"tone" mapstructure:"tone"`
}

// OrdersConfig holds order directory settings
type OrdersConfig struct {
	Driver string `json:"driver" mapstructure:"driver"` // sqlite, memory
	Path   string `json:"path" mapstructure:"path"`     // sqlite database
	// SeedFile is a JSON order list loaded into the memory driver.
	SeedFile string `json:"seed_file" mapstructure:"seed_file"`
}

// TranscriptsConfig holds transcript storage settings
type TranscriptsConfig struct {
	Enabled    bool   `json:"enabled" mapstructure:"enabled"`
	Dir        string `json:"dir" mapstructure:"dir"`
	MaxAgeDays int    `json:"max_age_days" mapstructure:"max_age_days"`
	Schedule   string `json:"schedule" mapstructure:"schedule"` // cron expression
}

// GatewayConfig holds gateway server configuration
type GatewayConfig struct {
	Port              int      `json:"port" mapstructure:"port"`
	Host              string   `json:"host" mapstructure:"host"`
	SharedSecret      string   `json:"shared_secret" mapstructure:"shared_secret"`
	AllowedOrigins    []string `json:"allowed_origins" mapstructure:"allowed_origins"`
	TickInterval      int      `json:"tick_interval" mapstructure:"tick_interval"` // seconds
	RequestsPerMinute int      `json:"requests_per_minute" mapstructure:"requests_per_minute"`
	MaxConcurrent     int      `json:"max_concurrent" mapstructure:"max_concurrent"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Console   bool   `json:"console" mapstructure:"console"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// TracingConfig holds OpenTelemetry settings
type TracingConfig struct {
	Enabled     bool    `json:"enabled" mapstructure:"enabled"`
	SampleRatio float64 `json:"sample_ratio" mapstructure:"sample_ratio"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Provider: ProviderConfig{
			Name:        "gemini",
			Temperature: 0.7,
			MaxTokens:   2048,
		},
		Assistant: AssistantConfig{
			TurnPolicy:        "reject",
			MaxToolRounds:     5,
			StreamIdleTimeout: 60,
			ToolTimeout:       10,
			SaveTimeout:       10,
		},
		Orders: OrdersConfig{
			Driver: "sqlite",
		},
		Transcripts: TranscriptsConfig{
			Enabled:    true,
			MaxAgeDays: 30,
			Schedule:   "0 3 * * *",
		},
		Gateway: GatewayConfig{
			Port:              8765,
			Host:              "127.0.0.1",
			TickInterval:      30,
			RequestsPerMinute: 60,
			MaxConcurrent:     4,
		},
		Logging: LoggingConfig{
			Level:     "info",
			Console:   true,
			Pretty:    true,
			Redaction: true,
		},
		Tracing: TracingConfig{
			Enabled:     false,
			SampleRatio: 1.0,
		},
	}
}

// String returns a JSON representation of the config with secrets masked
func (c *Config) String() string {
	masked := *c
	if masked.Provider.APIKey != "" && !strings.HasPrefix(masked.Provider.APIKey, "env://") {
		masked.Provider.APIKey = "[REDACTED]"
	}
	if masked.Gateway.SharedSecret != "" {
		masked.Gateway.SharedSecret = "[REDACTED]"
	}
	data, _ := json.MarshalIndent(masked, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	switch c.Provider.Name {
	case "gemini", "openai", "anthropic":
	case "scripted":
		if c.Provider.ScriptPath == "" {
			return fmt.Errorf("provider script_path is required for the scripted provider")
		}
	default:
		return fmt.Errorf("invalid provider %q (must be: gemini, openai, anthropic, scripted)", c.Provider.Name)
	}

	if c.Assistant.TurnPolicy != "reject" && c.Assistant.TurnPolicy != "queue" {
		return fmt.Errorf("invalid assistant turn_policy %q (must be: reject, queue)", c.Assistant.TurnPolicy)
	}
	if c.Assistant.MaxToolRounds < 1 {
		return fmt.Errorf("assistant max_tool_rounds must be at least 1")
	}
	if c.Assistant.StreamIdleTimeout < 0 || c.Assistant.ToolTimeout < 0 || c.Assistant.SaveTimeout < 0 {
		return fmt.Errorf("assistant timeouts must be >= 0")
	}

	if c.Site.ProfilePath == "" && strings.TrimSpace(c.Site.CompanyName) == "" {
		return fmt.Errorf("site profile_path or site company_name is required")
	}

	switch c.Orders.Driver {
	case "sqlite":
		if c.Orders.Path == "" {
			return fmt.Errorf("orders path is required for the sqlite driver")
		}
	case "memory":
	default:
		return fmt.Errorf("invalid orders driver %q (must be: sqlite, memory)", c.Orders.Driver)
	}

	if c.Transcripts.Enabled && c.Transcripts.Dir == "" {
		return fmt.Errorf("transcripts dir is required when transcripts are enabled")
	}

	if c.Gateway.Port < 1 || c.Gateway.Port > 65535 {
		return fmt.Errorf("invalid gateway port: %d", c.Gateway.Port)
	}

	return nil
}
