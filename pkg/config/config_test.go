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

	assert.Equal(t, "./jervis-data", cfg.DataDir)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.False(t, cfg.Log.JSON)
	assert.Equal(t, "127.0.0.1:9090", cfg.API.Addr)

	assert.Equal(t, 60_000, cfg.Polling.PollingIntervalMs)
	assert.Equal(t, 4, cfg.Polling.MaxConcurrentPolls)
	assert.Equal(t, 8, cfg.Background.MaxConcurrentQualifications)
	assert.Equal(t, 24, cfg.Background.StaleTaskThresholdHours)
	assert.Equal(t, "qwen2.5:3b", cfg.Qualifier.Model)

	assert.Equal(t, "localhost:8080", cfg.Weaviate.Host)
	assert.False(t, cfg.Weaviate.AutoMigrate.Enabled)
	assert.Equal(t, 768, cfg.Weaviate.VectorDimensions)

	assert.Equal(t, 3, cfg.Retry.HTTP.MaxAttempts)
	assert.Equal(t, float64(2), cfg.RateLimit.MaxRequestsPerSecond)

	assert.Equal(t, "http://localhost:11434", cfg.LLM.BaseURL)
	assert.Equal(t, "nomic-embed-text", cfg.LLM.EmbeddingTextModel)
	assert.Equal(t, 8192, cfg.LLM.ContextTokens)

	assert.Equal(t, "http://localhost:8765", cfg.Planner.BaseURL)
	assert.Equal(t, "jervis", cfg.Planner.UserID)
	assert.Equal(t, 200, cfg.Git.Depth)
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
dataDir: /var/lib/jervis
log:
  level: debug
  json: true
polling:
  pollingIntervalMs: 5000
  maxConcurrentPolls: 2
qualifier:
  model: llama3.2:1b
weaviate:
  autoMigrate:
    enabled: true
    countdownSeconds: 10
planner:
  userId: alice
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/jervis", cfg.DataDir)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.True(t, cfg.Log.JSON)
	assert.Equal(t, 5000, cfg.Polling.PollingIntervalMs)
	assert.Equal(t, 2, cfg.Polling.MaxConcurrentPolls)
	assert.Equal(t, "llama3.2:1b", cfg.Qualifier.Model)
	assert.True(t, cfg.Weaviate.AutoMigrate.Enabled)
	assert.Equal(t, 10, cfg.Weaviate.AutoMigrate.CountdownSeconds)
	assert.Equal(t, "alice", cfg.Planner.UserID)

	// Untouched sections keep their defaults
	assert.Equal(t, "127.0.0.1:9090", cfg.API.Addr)
	assert.Equal(t, 300_000, cfg.Polling.HTTPIntervalMs)
	assert.Equal(t, "nomic-embed-text", cfg.LLM.EmbeddingTextModel)
	assert.Equal(t, 3, cfg.Retry.HTTP.MaxAttempts)
}

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("dataDir: [unclosed"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config")
}

func TestDurationHelpers(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, time.Minute, cfg.Polling.BaseInterval())
	assert.Equal(t, 15*time.Second, cfg.Polling.StartupDelay())
	assert.Equal(t, 10*time.Second, cfg.Background.WaitOnStartup())
	assert.Equal(t, 30*time.Second, cfg.Background.WaitInterval())
	assert.Equal(t, time.Minute, cfg.Background.WaitOnError())
	assert.Equal(t, 5*time.Second, cfg.Qualifier.InitialBackoff())
	assert.Equal(t, 5*time.Minute, cfg.Qualifier.MaxBackoff())
	assert.Equal(t, 5*time.Second, cfg.Planner.PollInterval())
	assert.Equal(t, 30*time.Second, cfg.Indexer.EmptyQueueBackoff())
}
