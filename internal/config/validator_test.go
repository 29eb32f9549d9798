package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateAPIKey(t *testing.T) {
	v := NewValidator()

	tests := []struct {
		name     string
		key      string
		provider string
		wantErr  bool
	}{
		{"valid anthropic key", "sk-ant-test123", "anthropic", false},
		{"invalid anthropic key", "invalid-key", "anthropic", true},
		{"valid openai key", "sk-test123", "openai", false},
		{"invalid openai key", "invalid-key", "openai", true},
		{"valid gemini key", "AIzaSyTest", "gemini", false},
		{"invalid gemini key", "sk-test", "gemini", true},
		{"env reference", "env://GEMINI_API_KEY", "gemini", false},
		{"empty key resolved later", "", "openai", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.ValidateAPIKey(tt.key, tt.provider)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateSchedule(t *testing.T) {
	v := NewValidator()

	assert.NoError(t, v.ValidateSchedule("0 3 * * *"))
	assert.NoError(t, v.ValidateSchedule("@daily"))
	assert.Error(t, v.ValidateSchedule("every night"))
}

func TestValidateOrigin(t *testing.T) {
	v := NewValidator()

	assert.NoError(t, v.ValidateOrigin("https://minhphat.vn"))
	assert.NoError(t, v.ValidateOrigin("http://localhost:3000"))
	assert.Error(t, v.ValidateOrigin("minhphat.vn"))
	assert.Error(t, v.ValidateOrigin("https://minhphat.vn/shop"))
}

func TestValidateLogLevel(t *testing.T) {
	v := NewValidator()

	for _, level := range []string{"debug", "info", "warn", "error"} {
		assert.NoError(t, v.ValidateLogLevel(level))
	}
	assert.Error(t, v.ValidateLogLevel("verbose"))
}

func TestValidateConfig(t *testing.T) {
	v := NewValidator()

	t.Run("default config has no findings", func(t *testing.T) {
		assert.Empty(t, v.ValidateConfig(validConfig()))
	})

	t.Run("collects every finding", func(t *testing.T) {
		cfg := validConfig()
		cfg.Provider.Name = "openai"
		cfg.Provider.APIKey = "bad"
		cfg.Provider.Temperature = 3
		cfg.Transcripts.Schedule = "nightly"
		cfg.Gateway.AllowedOrigins = []string{"minhphat.vn"}
		cfg.Gateway.SharedSecret = "short"
		cfg.Logging.Level = "verbose"

		assert.Len(t, v.ValidateConfig(cfg), 6)
	})

	t.Run("warns about an exposed gateway", func(t *testing.T) {
		cfg := validConfig()
		cfg.Gateway.Host = "0.0.0.0"

		findings := v.ValidateConfig(cfg)
		assert.Len(t, findings, 1)
		assert.ErrorContains(t, findings[0], "without shared_secret")
	})
}
