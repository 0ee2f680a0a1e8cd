// internal/app/app_test.go
package app

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lorewright/DialogForge/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	base := t.TempDir()
	return &config.Config{
		Port:     "0",
		DataDir:  filepath.Join(base, "data"),
		LogDir:   filepath.Join(base, "logs"),
		LogLevel: "error",
	}
}

func TestInitServicesWiresFullPipeline(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, os.MkdirAll(cfg.DataDir, 0755))

	application, err := InitServices(cfg)
	require.NoError(t, err)
	t.Cleanup(application.Cleanup)

	c := application.Container
	require.NoError(t, c.Validate())
	assert.NotNil(t, c.Generation)
	assert.NotNil(t, c.Executor)
	assert.NotNil(t, c.Settings)
	assert.NotNil(t, c.History)
	assert.NotNil(t, c.Progress)
	assert.NotNil(t, c.TagLibrary)
	assert.NotNil(t, c.TokenGuard)

	// 默认设置生效
	current := c.Settings.Current()
	assert.Equal(t, "llama3.1", current.Model)
	assert.Equal(t, 3, current.MaxConcurrent)
}

func TestInitServicesAppliesEnvOverrides(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, os.MkdirAll(cfg.DataDir, 0755))
	cfg.OllamaBaseURL = "http://inference.internal:11434"
	cfg.OllamaModel = "qwen2.5"
	cfg.MaxConcurrent = 7

	application, err := InitServices(cfg)
	require.NoError(t, err)
	t.Cleanup(application.Cleanup)

	current := application.Container.Settings.Current()
	assert.Equal(t, "http://inference.internal:11434", current.BaseURL)
	assert.Equal(t, "qwen2.5", current.Model)
	assert.Equal(t, 7, current.MaxConcurrent)
}

func TestInitServicesReadsExistingSettingsFile(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, os.MkdirAll(cfg.DataDir, 0755))
	settingsJSON := `{"model": "qwen-writer", "max_tokens": 512}`
	require.NoError(t, os.WriteFile(filepath.Join(cfg.DataDir, "settings.json"), []byte(settingsJSON), 0644))

	application, err := InitServices(cfg)
	require.NoError(t, err)
	t.Cleanup(application.Cleanup)

	current := application.Container.Settings.Current()
	assert.Equal(t, "qwen-writer", current.Model)
	assert.Equal(t, 512, current.MaxTokens)
	// 未覆盖的字段保持默认值
	assert.Equal(t, 3, current.MaxConcurrent)
}

func TestInitServicesRejectsBrokenSettingsFile(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, os.MkdirAll(cfg.DataDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(cfg.DataDir, "settings.json"), []byte("{broken"), 0644))

	_, err := InitServices(cfg)
	require.Error(t, err)
}

func TestInitServicesRejectsNilConfig(t *testing.T) {
	_, err := InitServices(nil)
	require.Error(t, err)
}

func TestCleanupIsSafeOnNil(t *testing.T) {
	var application *App
	application.Cleanup()

	(&App{}).Cleanup()
}
