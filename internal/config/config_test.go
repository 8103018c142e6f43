package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("FORGE_WORKSPACE", "")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "toolforge", cfg.Name)
	assert.Equal(t, "gemini-2.0-flash", cfg.LLM.Model)
	assert.Equal(t, 30*time.Second, cfg.SandboxTimeout())
}

func TestLoadLayersFileOverDefaults(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("FORGE_WORKSPACE", "")

	path := filepath.Join(t.TempDir(), "forge.yaml")
	data := []byte(`
workspace: /srv/forge
llm:
  model: gemini-2.5-pro
sandbox:
  timeout: 5s
`)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/srv/forge", cfg.Workspace)
	assert.Equal(t, "gemini-2.5-pro", cfg.LLM.Model)
	assert.Equal(t, 5*time.Second, cfg.SandboxTimeout())
	// Untouched settings keep their defaults.
	assert.Equal(t, "gemini-embedding-001", cfg.Embedding.Model)
}

func TestLoadMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte(":\n\t- not yaml"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "env-key")
	t.Setenv("FORGE_WORKSPACE", "/tmp/ws")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "env-key", cfg.LLM.APIKey)
	assert.Equal(t, "env-key", cfg.Embedding.APIKey)
	assert.Equal(t, "/tmp/ws", cfg.Workspace)
}

func TestFileAPIKeyWinsOverEnvironment(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "env-key")
	t.Setenv("FORGE_WORKSPACE", "")

	path := filepath.Join(t.TempDir(), "forge.yaml")
	require.NoError(t, os.WriteFile(path, []byte("llm:\n  api_key: file-key\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "file-key", cfg.LLM.APIKey)
	// The embedding key was not set in the file, so the env fills it.
	assert.Equal(t, "env-key", cfg.Embedding.APIKey)
}

func TestPathResolution(t *testing.T) {
	cfg := Default()
	cfg.Workspace = "/srv/forge"
	assert.Equal(t, filepath.Join("/srv/forge", ".forge", "forge.db"), cfg.DatabasePath())

	cfg.Store.ToolsDir = "/var/lib/tools"
	assert.Equal(t, "/var/lib/tools", cfg.ToolsDir())
}

func TestDurationFallbacks(t *testing.T) {
	cfg := Default()
	cfg.LLM.Timeout = "not a duration"
	assert.Equal(t, 60*time.Second, cfg.LLMTimeout())

	cfg.Sandbox.Timeout = ""
	assert.Equal(t, 30*time.Second, cfg.SandboxTimeout())
}
