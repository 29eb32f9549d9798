package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

const (
	appDirName     = ".shopassist"
	configFileName = "shopassist.json"
	envPrefix      = "SHOPASSIST"
)

// Loader handles configuration loading
type Loader struct {
	configPath string
}

// NewLoader creates a new config loader
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
	}
}

func newViper(configPath string) *viper.Viper {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("json")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// setDefaults registers every key so environment overrides apply even when
// the file does not mention them.
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("provider.name", cfg.Provider.Name)
	v.SetDefault("provider.model", cfg.Provider.Model)
	v.SetDefault("provider.api_key", cfg.Provider.APIKey)
	v.SetDefault("provider.base_url", cfg.Provider.BaseURL)
	v.SetDefault("provider.temperature", cfg.Provider.Temperature)
	v.SetDefault("provider.max_tokens", cfg.Provider.MaxTokens)
	v.SetDefault("provider.script_path", cfg.Provider.ScriptPath)

	v.SetDefault("assistant.turn_policy", cfg.Assistant.TurnPolicy)
	v.SetDefault("assistant.max_tool_rounds", cfg.Assistant.MaxToolRounds)
	v.SetDefault("assistant.stream_idle_timeout", cfg.Assistant.StreamIdleTimeout)
	v.SetDefault("assistant.tool_timeout", cfg.Assistant.ToolTimeout)
	v.SetDefault("assistant.save_timeout", cfg.Assistant.SaveTimeout)
	v.SetDefault("assistant.system_instruction", cfg.Assistant.SystemInstruction)

	v.SetDefault("site.profile_path", cfg.Site.ProfilePath)
	v.SetDefault("site.watch", cfg.Site.Watch)
	v.SetDefault("site.company_name", cfg.Site.CompanyName)
	v.SetDefault("site.phone", cfg.Site.Phone)
	v.SetDefault("site.email", cfg.Site.Email)
	v.SetDefault("site.address", cfg.Site.Address)
	v.SetDefault("site.website", cfg.Site.Website)
	v.SetDefault("site.business_hours", cfg.Site.BusinessHours)
	v.SetDefault("site.tone", cfg.Site.Tone)

	v.SetDefault("orders.driver", cfg.Orders.Driver)
	v.SetDefault("orders.path", cfg.Orders.Path)
	v.SetDefault("orders.seed_file", cfg.Orders.SeedFile)

	v.SetDefault("transcripts.enabled", cfg.Transcripts.Enabled)
	v.SetDefault("transcripts.dir", cfg.Transcripts.Dir)
	v.SetDefault("transcripts.max_age_days", cfg.Transcripts.MaxAgeDays)
	v.SetDefault("transcripts.schedule", cfg.Transcripts.Schedule)

	v.SetDefault("gateway.port", cfg.Gateway.Port)
	v.SetDefault("gateway.host", cfg.Gateway.Host)
	v.SetDefault("gateway.shared_secret", cfg.Gateway.SharedSecret)
	v.SetDefault("gateway.allowed_origins", cfg.Gateway.AllowedOrigins)
	v.SetDefault("gateway.tick_interval", cfg.Gateway.TickInterval)
	v.SetDefault("gateway.requests_per_minute", cfg.Gateway.RequestsPerMinute)
	v.SetDefault("gateway.max_concurrent", cfg.Gateway.MaxConcurrent)

	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.file", cfg.Logging.File)
	v.SetDefault("logging.console", cfg.Logging.Console)
	v.SetDefault("logging.pretty", cfg.Logging.Pretty)
	v.SetDefault("logging.redaction", cfg.Logging.Redaction)

	v.SetDefault("tracing.enabled", cfg.Tracing.Enabled)
	v.SetDefault("tracing.sample_ratio", cfg.Tracing.SampleRatio)

	v.SetDefault("data_dir", cfg.DataDir)
}

// Load loads the configuration from file and SHOPASSIST_* environment
// variables. A missing file yields defaults plus environment overrides.
func (l *Loader) Load() (*Config, error) {
	configPath := l.GetConfigPath()
	if configPath == "" {
		return nil, fmt.Errorf("failed to determine config path")
	}

	v := newViper(configPath)
	setDefaults(v, DefaultConfig())

	if _, err := os.Stat(configPath); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := applyDerivedDefaults(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyDerivedDefaults fills paths that live under the data directory.
func applyDerivedDefaults(cfg *Config) error {
	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		cfg.DataDir = filepath.Join(home, appDirName)
	}

	if cfg.Logging.File == "" {
		cfg.Logging.File = filepath.Join(cfg.DataDir, "shopassist.log")
	}
	if cfg.Orders.Driver == "sqlite" && cfg.Orders.Path == "" {
		cfg.Orders.Path = filepath.Join(cfg.DataDir, "orders.db")
	}
	if cfg.Transcripts.Dir == "" {
		cfg.Transcripts.Dir = filepath.Join(cfg.DataDir, "transcripts")
	}
	return nil
}

// Save saves the configuration to file
func (l *Loader) Save(cfg *Config) error {
	configPath := l.GetConfigPath()
	if configPath == "" {
		return fmt.Errorf("failed to determine config path")
	}

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("json")

	v.Set("provider", cfg.Provider)
	v.Set("assistant", cfg.Assistant)
	v.Set("site", cfg.Site)
	v.Set("orders", cfg.Orders)
	v.Set("transcripts", cfg.Transcripts)
	v.Set("gateway", cfg.Gateway)
	v.Set("logging", cfg.Logging)
	v.Set("tracing", cfg.Tracing)
	v.Set("data_dir", cfg.DataDir)

	if err := v.WriteConfig(); err != nil {
		if os.IsNotExist(err) {
			if err := v.SafeWriteConfig(); err != nil {
				return fmt.Errorf("failed to write config file: %w", err)
			}
		} else {
			return fmt.Errorf("failed to write config file: %w", err)
		}
	}

	return nil
}

// GetConfigPath returns the config file path
func (l *Loader) GetConfigPath() string {
	if l.configPath != "" {
		return l.configPath
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, appDirName, configFileName)
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string) (*Config, error) {
	loader := NewLoader(configPath)
	return loader.Load()
}
