package config

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lookup(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestDefaults(t *testing.T) {
	cfg, err := FromLookup(lookup(nil))
	require.NoError(t, err)

	assert.Equal(t, StoreSurrealDB, cfg.Store)
	assert.Equal(t, "ws://localhost:8000/rpc", cfg.SurrealDBURL)
	assert.Equal(t, ProviderVoyage, cfg.EmbedProvider)
	assert.Equal(t, 50, cfg.EpisodeWindow)
	assert.Equal(t, 30, cfg.FrameWindow)
	assert.Equal(t, 2, cfg.RerankMultiplier)
	assert.Equal(t, 20, cfg.RerankCap)
	assert.True(t, cfg.RerankEnabled)
	assert.True(t, cfg.KeywordFallback)
	assert.Equal(t, 10*time.Second, cfg.EmbedTimeout)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel)
	assert.Equal(t, time.Local, cfg.Location)
	assert.Equal(t, 5*time.Second, cfg.SurrealDBDialTimeout)
	assert.Equal(t, 10, cfg.SurrealDBMaxReconnects)
}

func TestOverrides(t *testing.T) {
	cfg, err := FromLookup(lookup(map[string]string{
		"RECALL_STORE":            "Memory",
		"RECALL_EMBED_PROVIDER":   "ollama",
		"RECALL_EPISODE_WINDOW":   "10",
		"RECALL_KEYWORD_FALLBACK": "false",
		"RECALL_RERANK_TIMEOUT":   "250ms",
		"RECALL_INDEX_RATE":       "0.5",
		"RECALL_LOG_LEVEL":        "debug",
		"RECALL_TIMEZONE":         "UTC",
		"SURREALDB_DIAL_TIMEOUT":  "2s",
	}))
	require.NoError(t, err)

	assert.Equal(t, StoreMemory, cfg.Store)
	assert.Equal(t, ProviderOllama, cfg.EmbedProvider)
	assert.Equal(t, 10, cfg.EpisodeWindow)
	assert.False(t, cfg.KeywordFallback)
	assert.Equal(t, 250*time.Millisecond, cfg.RerankTimeout)
	assert.InDelta(t, 0.5, cfg.IndexRate, 1e-9)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
	assert.Equal(t, time.UTC, cfg.Location)
	assert.Equal(t, 2*time.Second, cfg.SurrealDBDialTimeout)
}

func TestInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"bad int", map[string]string{"RECALL_FRAME_WINDOW": "many"}, "RECALL_FRAME_WINDOW"},
		{"bad duration", map[string]string{"RECALL_EMBED_TIMEOUT": "soon"}, "RECALL_EMBED_TIMEOUT"},
		{"bad bool", map[string]string{"RECALL_RERANK": "maybe"}, "RECALL_RERANK"},
		{"bad timezone", map[string]string{"RECALL_TIMEZONE": "Mars/Olympus"}, "RECALL_TIMEZONE"},
		{"unknown store", map[string]string{"RECALL_STORE": "postgres"}, "RECALL_STORE"},
		{"unknown provider", map[string]string{"RECALL_EMBED_PROVIDER": "magic"}, "RECALL_EMBED_PROVIDER"},
		{"no windows", map[string]string{"RECALL_EPISODE_WINDOW": "0", "RECALL_FRAME_WINDOW": "0"}, "window"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FromLookup(lookup(tt.env))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, slog.LevelWarn, parseLogLevel("warning"))
	assert.Equal(t, slog.LevelError, parseLogLevel("ERROR"))
	assert.Equal(t, slog.LevelInfo, parseLogLevel("chatty"))
}

func TestLoadYAMLOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "recall.yaml")
	require.NoError(t, os.WriteFile(path, []byte("recall_episode_window: 12\nRECALL_STORE: memory\nRECALL_FRAME_WINDOW: 7\n"), 0o644))

	t.Setenv("RECALL_CONFIG", path)
	t.Setenv("RECALL_FRAME_WINDOW", "9")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 12, cfg.EpisodeWindow, "file fills unset keys")
	assert.Equal(t, 9, cfg.FrameWindow, "environment wins over file")
	assert.Equal(t, StoreMemory, cfg.Store)
}

func TestLoadMissingYAML(t *testing.T) {
	t.Setenv("RECALL_CONFIG", filepath.Join(t.TempDir(), "absent.yaml"))
	_, err := Load()
	require.Error(t, err)
}

func TestSetupLoggerWithWriters(t *testing.T) {
	var stderr, file bytes.Buffer
	logger := SetupLoggerWithWriters(&stderr, &file, slog.LevelInfo)

	logger.Debug("hidden")
	logger.Info("episode closed", "episode_id", "e1")

	assert.Contains(t, stderr.String(), "episode closed")
	assert.NotContains(t, stderr.String(), "hidden")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(file.Bytes(), &rec))
	assert.Equal(t, "episode closed", rec["msg"])
	assert.Equal(t, "e1", rec["episode_id"])
}

func TestSetupLoggerFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "recall.log")
	logger, cleanup := SetupLogger("recall-test", path, slog.LevelInfo)
	logger.Info("hello")
	require.NoError(t, cleanup())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"service":"recall-test"`)
}
