package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	require.Equal(t, 8000, cfg.Server.Port)
	require.Equal(t, "localhost", cfg.Virtuoso.Host)
	require.Equal(t, "cap-nl-sparql", cfg.Ollama.Model)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cap.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9000
virtuoso:
  host: graph.internal
redis:
  addr: redis.internal:6379
pipeline:
  stall_window: 60s
`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 9000, cfg.Server.Port)
	require.Equal(t, "graph.internal", cfg.Virtuoso.Host)
	require.Equal(t, "redis.internal:6379", cfg.Redis.Addr)
	require.Equal(t, "60s", cfg.Pipeline.StallWindow)
	// Untouched sections keep their defaults.
	require.Equal(t, "dba", cfg.Virtuoso.Username)
}

func TestLoadMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cap.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [not a map"), 0644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("VIRTUOSO_HOST", "env-graph")
	t.Setenv("CAP_PORT", "7777")
	t.Setenv("REDIS_DB", "3")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	require.Equal(t, "env-graph", cfg.Virtuoso.Host)
	require.Equal(t, 7777, cfg.Server.Port)
	require.Equal(t, 3, cfg.Redis.DB)
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "cap.yaml")

	cfg := DefaultConfig()
	cfg.Server.Port = 8123
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 8123, loaded.Server.Port)
}

func TestSystemPromptResolution(t *testing.T) {
	cfg := DefaultConfig()

	prompt, err := cfg.SystemPrompt()
	require.NoError(t, err)
	require.Empty(t, prompt)

	promptFile := filepath.Join(t.TempDir(), "prompt.txt")
	require.NoError(t, os.WriteFile(promptFile, []byte("translate questions to SPARQL"), 0644))
	cfg.Ollama.SystemPromptFile = promptFile

	prompt, err = cfg.SystemPrompt()
	require.NoError(t, err)
	require.Equal(t, "translate questions to SPARQL", prompt)

	cfg.Ollama.SystemPrompt = "inline wins"
	prompt, err = cfg.SystemPrompt()
	require.NoError(t, err)
	require.Equal(t, "inline wins", prompt)
}

func TestGetDuration(t *testing.T) {
	require.Equal(t, 300*time.Second, GetDuration("300s", time.Minute))
	require.Equal(t, time.Minute, GetDuration("", time.Minute))
	require.Equal(t, time.Minute, GetDuration("nonsense", time.Minute))
}
