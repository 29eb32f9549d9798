package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoader(t *testing.T) {
	loader := NewLoader("/path/to/config.json")
	assert.Equal(t, "/path/to/config.json", loader.GetConfigPath())
}

func TestLoaderLoad(t *testing.T) {
	t.Run("load defaults when file doesn't exist", func(t *testing.T) {
		tmpDir := t.TempDir()
		t.Setenv("SHOPASSIST_DATA_DIR", tmpDir)

		cfg, err := NewLoader(filepath.Join(tmpDir, "missing.json")).Load()

		require.NoError(t, err)
		assert.Equal(t, "gemini", cfg.Provider.Name)
		assert.Equal(t, tmpDir, cfg.DataDir)
		assert.Equal(t, filepath.Join(tmpDir, "orders.db"), cfg.Orders.Path)
		assert.Equal(t, filepath.Join(tmpDir, "transcripts"), cfg.Transcripts.Dir)
		assert.Equal(t, filepath.Join(tmpDir, "shopassist.log"), cfg.Logging.File)
	})

	t.Run("load config from file", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "config.json")

		testConfig := `{
			"provider": {"name": "openai", "model": "gpt-4o-mini", "api_key": "env://OPENAI_API_KEY"},
			"assistant": {"turn_policy": "queue", "stream_idle_timeout": 0},
			"site": {"company_name": "Minh Phát Computer", "phone": "1900 1234"},
			"orders": {"driver": "memory", "seed_file": "orders.json"},
			"gateway": {"port": 9000, "allowed_origins": ["https://minhphat.vn"]},
			"data_dir": "` + filepath.ToSlash(tmpDir) + `"
		}`
		require.NoError(t, os.WriteFile(configPath, []byte(testConfig), 0644))

		cfg, err := NewLoader(configPath).Load()

		require.NoError(t, err)
		assert.Equal(t, "openai", cfg.Provider.Name)
		assert.Equal(t, "env://OPENAI_API_KEY", cfg.Provider.APIKey)
		assert.Equal(t, "queue", cfg.Assistant.TurnPolicy)
		assert.Equal(t, 0, cfg.Assistant.StreamIdleTimeout)
		assert.Equal(t, 5, cfg.Assistant.MaxToolRounds)
		assert.Equal(t, "Minh Phát Computer", cfg.Site.CompanyName)
		assert.Equal(t, "memory", cfg.Orders.Driver)
		assert.Empty(t, cfg.Orders.Path)
		assert.Equal(t, 9000, cfg.Gateway.Port)
		assert.Equal(t, []string{"https://minhphat.vn"}, cfg.Gateway.AllowedOrigins)
		assert.NoError(t, cfg.Validate())
	})

	t.Run("environment overrides file values", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "config.json")
		require.NoError(t, os.WriteFile(configPath, []byte(`{"gateway": {"port": 9000}, "data_dir": "`+filepath.ToSlash(tmpDir)+`"}`), 0644))

		t.Setenv("SHOPASSIST_GATEWAY_PORT", "9100")
		t.Setenv("SHOPASSIST_PROVIDER_NAME", "anthropic")

		cfg, err := NewLoader(configPath).Load()

		require.NoError(t, err)
		assert.Equal(t, 9100, cfg.Gateway.Port)
		assert.Equal(t, "anthropic", cfg.Provider.Name)
	})

	t.Run("reject malformed file", func(t *testing.T) {
		configPath := filepath.Join(t.TempDir(), "config.json")
		require.NoError(t, os.WriteFile(configPath, []byte(`{"provider": `), 0644))

		_, err := NewLoader(configPath).Load()
		assert.Error(t, err)
	})
}

func TestLoaderSave(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "nested", "config.json")

	cfg := DefaultConfig()
	cfg.DataDir = tmpDir
	cfg.Site.CompanyName = "Minh Phát Computer"
	cfg.Provider.Name = "anthropic"

	loader := NewLoader(configPath)
	require.NoError(t, loader.Save(cfg))

	loaded, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, "anthropic", loaded.Provider.Name)
	assert.Equal(t, "Minh Phát Computer", loaded.Site.CompanyName)
	assert.Equal(t, tmpDir, loaded.DataDir)
}
