package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/robfig/cron/v3"
)

// Validator performs advisory checks on configuration values. Unlike
// Config.Validate its findings do not stop the process.
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateAPIKey validates an API key format. env:// references and empty
// keys (resolved from the environment at startup) are accepted.
func (v *Validator) ValidateAPIKey(key string, provider string) error {
	if key == "" || strings.HasPrefix(key, "env://") {
		return nil
	}

	switch provider {
	case "anthropic":
		if !strings.HasPrefix(key, "sk-ant-") {
			return fmt.Errorf("invalid Anthropic API key format (should start with sk-ant-)")
		}
	case "openai":
		if !strings.HasPrefix(key, "sk-") {
			return fmt.Errorf("invalid OpenAI API key format (should start with sk-)")
		}
	case "gemini":
		if !strings.HasPrefix(key, "AIza") {
			return fmt.Errorf("invalid Gemini API key format (should start with AIza)")
		}
	}

	return nil
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	for _, valid := range validLevels {
		if level == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLevels, ", "))
}

// ValidateTemperature validates temperature value
func (v *Validator) ValidateTemperature(temp float64) error {
	if temp < 0 || temp > 2 {
		return fmt.Errorf("temperature must be between 0 and 2, got %f", temp)
	}
	return nil
}

// ValidateSchedule validates a five-field cron expression.
func (v *Validator) ValidateSchedule(expr string) error {
	if _, err := cron.ParseStandard(expr); err != nil {
		return fmt.Errorf("invalid cron schedule %q: %w", expr, err)
	}
	return nil
}

// ValidateOrigin validates an allowed browser origin.
func (v *Validator) ValidateOrigin(origin string) error {
	u, err := url.Parse(origin)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid origin %q (expected scheme://host)", origin)
	}
	if u.Path != "" && u.Path != "/" {
		return fmt.Errorf("invalid origin %q (must not contain a path)", origin)
	}
	return nil
}

// ValidateConfig performs comprehensive validation
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errors []error

	if err := v.ValidateAPIKey(cfg.Provider.APIKey, cfg.Provider.Name); err != nil {
		errors = append(errors, fmt.Errorf("provider: %w", err))
	}
	if err := v.ValidateTemperature(cfg.Provider.Temperature); err != nil {
		errors = append(errors, fmt.Errorf("provider: %w", err))
	}
	if cfg.Provider.MaxTokens < 0 {
		errors = append(errors, fmt.Errorf("provider max_tokens must be >= 0"))
	}

	if cfg.Transcripts.Enabled {
		if cfg.Transcripts.MaxAgeDays < 0 {
			errors = append(errors, fmt.Errorf("transcripts max_age_days must be >= 0"))
		}
		if cfg.Transcripts.Schedule != "" {
			if err := v.ValidateSchedule(cfg.Transcripts.Schedule); err != nil {
				errors = append(errors, fmt.Errorf("transcripts: %w", err))
			}
		}
	}

	for _, origin := range cfg.Gateway.AllowedOrigins {
		if err := v.ValidateOrigin(origin); err != nil {
			errors = append(errors, fmt.Errorf("gateway: %w", err))
		}
	}
	if cfg.Gateway.SharedSecret != "" && len(cfg.Gateway.SharedSecret) < 16 {
		errors = append(errors, fmt.Errorf("gateway shared_secret should be at least 16 characters"))
	}
	if cfg.Gateway.Host != "127.0.0.1" && cfg.Gateway.Host != "localhost" && cfg.Gateway.SharedSecret == "" && len(cfg.Gateway.AllowedOrigins) == 0 {
		errors = append(errors, fmt.Errorf("gateway listens on %s without shared_secret or allowed_origins", cfg.Gateway.Host))
	}

	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errors = append(errors, err)
	}

	return errors
}
