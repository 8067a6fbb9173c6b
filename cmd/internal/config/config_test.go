package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 1, cfg.Pipeline.MaxConcurrentTasks)
	assert.Equal(t, 2, cfg.Pipeline.PerSegmentParallelism)
	assert.Equal(t, 2.0, cfg.Merger.MaxStretch)
	assert.Equal(t, -6.0, cfg.Merger.AccompanimentGainDB)
	assert.Equal(t, 20, cfg.Translator.BatchSize)
	assert.Equal(t, 3, cfg.Translator.MaxRetries)
	assert.Equal(t, 1.5, cfg.Transcriber.SilenceSplitGapS)
	assert.Equal(t, 64, cfg.EventBus.QueueCapacity)
}

func TestLoadConfig_EnvOverride(t *testing.T) {
	t.Setenv("MAX_CONCURRENT_TASKS", "3")
	t.Setenv("MERGER_MAX_STRETCH", "1.5")
	t.Setenv("TRANSLATOR_BATCH_SIZE", "50")
	t.Setenv("ENGINE_CALL_TIMEOUT", "30s")
	t.Setenv("CONFIG_FILE", "")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Pipeline.MaxConcurrentTasks)
	assert.Equal(t, 1.5, cfg.Merger.MaxStretch)
	assert.Equal(t, 50, cfg.Translator.BatchSize)
	assert.Equal(t, 30*time.Second, cfg.Engines.CallTimeout)
}

func TestLoadConfig_YAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
pipeline:
  max_concurrent_tasks: 2
merger:
  max_stretch: 1.8
translator:
  batch_size: 10
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("MAX_CONCURRENT_TASKS", "")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.Pipeline.MaxConcurrentTasks)
	assert.Equal(t, 1.8, cfg.Merger.MaxStretch)
	assert.Equal(t, 10, cfg.Translator.BatchSize)
	// 文件未覆盖的键保持缺省值
	assert.Equal(t, 3, cfg.Translator.MaxRetries)
}

func TestApplyRuntimeDefaults(t *testing.T) {
	cfg := &Config{}
	cfg.ApplyRuntimeDefaults()

	assert.Equal(t, 1, cfg.Pipeline.MaxConcurrentTasks)
	assert.Equal(t, 1, cfg.Pipeline.PerSegmentParallelism)
	assert.Equal(t, 2.0, cfg.Merger.MaxStretch)
	assert.Equal(t, 64, cfg.EventBus.QueueCapacity)
	assert.Equal(t, 10*time.Minute, cfg.Engines.CallTimeout)
}

func TestValidateConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, ValidateConfig(cfg))

	cfg.Server.Port = "99999"
	cfg.Log.Level = "verbose"
	cfg.Engines.TranslatorURL = "localhost:9004"
	err := ValidateConfig(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid PORT value")
	assert.Contains(t, err.Error(), "invalid LOG_LEVEL")
	assert.Contains(t, err.Error(), "TRANSLATOR_URL")
}
