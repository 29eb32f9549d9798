package provider

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Provider names accepted by New.
const (
	NameGemini    = "gemini"
	NameOpenAI    = "openai"
	NameAnthropic = "anthropic"
	NameScripted  = "scripted"
)

// Config selects and configures a provider client.
type Config struct {
	Name        string
	Model       string
	APIKey      string // literal key or env://VAR
	BaseURL     string
	Temperature float64
	MaxTokens   int
	ScriptPath  string // scripted provider only
	Logger      *zerolog.Logger
}

var defaultModels = map[string]string{
	NameGemini:    "gemini-1.5-flash",
	NameOpenAI:    "gpt-4o-mini",
	NameAnthropic: "claude-3-5-haiku-latest",
}

var defaultKeyEnv = map[string][]string{
	NameGemini:    {"GEMINI_API_KEY", "GOOGLE_API_KEY"},
	NameOpenAI:    {"OPENAI_API_KEY"},
	NameAnthropic: {"ANTHROPIC_API_KEY"},
}

// ResolveAPIKey returns the credential for a provider. An env:// reference
// is looked up in the environment; an empty key falls back to the
// provider's conventional variables. A missing credential is
// ErrProviderUnavailable.
func ResolveAPIKey(name, key string) (string, error) {
	if strings.HasPrefix(key, "env://") {
		envVar := strings.TrimPrefix(key, "env://")
		key = os.Getenv(envVar)
		if key == "" {
			return "", fmt.Errorf("%w: %s API key not configured: environment variable %s is not set", ErrProviderUnavailable, name, envVar)
		}
		return key, nil
	}
	if key != "" {
		return key, nil
	}
	for _, envVar := range defaultKeyEnv[name] {
		if v := os.Getenv(envVar); v != "" {
			return v, nil
		}
	}
	return "", fmt.Errorf("%w: %s API key not configured (set %s)", ErrProviderUnavailable, name, strings.Join(defaultKeyEnv[name], " or "))
}

// New builds the configured provider client.
func New(ctx context.Context, cfg Config) (Client, error) {
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	name := strings.ToLower(strings.TrimSpace(cfg.Name))
	if name == "" {
		name = NameGemini
	}
	if cfg.Model == "" {
		cfg.Model = defaultModels[name]
	}

	if name == NameScripted {
		if cfg.ScriptPath == "" {
			return nil, fmt.Errorf("%w: scripted provider needs a script path", ErrProviderUnavailable)
		}
		sc, err := LoadScript(cfg.ScriptPath)
		if err != nil {
			return nil, err
		}
		return sc, nil
	}

	if _, ok := defaultKeyEnv[name]; !ok {
		return nil, fmt.Errorf("%w: unsupported provider %q", ErrProviderUnavailable, cfg.Name)
	}
	key, err := ResolveAPIKey(name, cfg.APIKey)
	if err != nil {
		return nil, err
	}
	cfg.APIKey = key

	logger.Debug().Str("provider", name).Str("model", cfg.Model).Msg("Creating provider client")

	switch name {
	case NameGemini:
		gc, err := NewGeminiClient(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		return gc, nil
	case NameOpenAI:
		return NewOpenAIClient(cfg, logger), nil
	default:
		return NewAnthropicClient(cfg, logger), nil
	}
}
