package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func isolateHome(t *testing.T) string {
	t.Helper()
	tmpDir := t.TempDir()
	oldHome := os.Getenv("HOME")
	os.Setenv("HOME", tmpDir)
	t.Cleanup(func() { os.Setenv("HOME", oldHome) })
	return tmpDir
}

func TestLoadDefaults(t *testing.T) {
	isolateHome(t)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", cfg.Hostname)
	assert.Equal(t, 4096, cfg.Port)
}

func TestLoadProjectConfig(t *testing.T) {
	isolateHome(t)
	projectDir := t.TempDir()

	raw := `{
		"hostname": "0.0.0.0",
		"port": 9090,
		"openCodePort": 4097
	}`
	configPath := filepath.Join(projectDir, ".opencode-studio", "config.json")
	require.NoError(t, os.MkdirAll(filepath.Dir(configPath), 0755))
	require.NoError(t, os.WriteFile(configPath, []byte(raw), 0644))

	cfg, err := Load(projectDir)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0", cfg.Hostname)
	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, 4097, cfg.OpenCodePort)
}

func TestLoadJSONCComments(t *testing.T) {
	isolateHome(t)
	projectDir := t.TempDir()

	raw := `{
		// inline comment
		"hostname": "localhost",
		/* block
		   comment */
		"uiPassword": "hunter2", // trailing
	}`
	configPath := filepath.Join(projectDir, ".opencode-studio", "config.jsonc")
	require.NoError(t, os.MkdirAll(filepath.Dir(configPath), 0755))
	require.NoError(t, os.WriteFile(configPath, []byte(raw), 0644))

	cfg, err := Load(projectDir)
	require.NoError(t, err)
	assert.Equal(t, "localhost", cfg.Hostname)
	assert.Equal(t, "hunter2", cfg.UIPassword)
}

func TestGlobalThenProjectPrecedence(t *testing.T) {
	home := isolateHome(t)
	projectDir := t.TempDir()

	globalPath := filepath.Join(home, ".config", "opencode-studio", "opencode-studio.json")
	require.NoError(t, os.MkdirAll(filepath.Dir(globalPath), 0755))
	require.NoError(t, os.WriteFile(globalPath, []byte(`{"hostname":"global-host","port":1}`), 0644))

	projectPath := filepath.Join(projectDir, ".opencode-studio", "config.json")
	require.NoError(t, os.MkdirAll(filepath.Dir(projectPath), 0755))
	require.NoError(t, os.WriteFile(projectPath, []byte(`{"port":2}`), 0644))

	cfg, err := Load(projectDir)
	require.NoError(t, err)
	// project doesn't set hostname, so the global value survives
	assert.Equal(t, "global-host", cfg.Hostname)
	// project's port overrides global
	assert.Equal(t, 2, cfg.Port)
}

func TestEnvOverridesFile(t *testing.T) {
	isolateHome(t)
	projectDir := t.TempDir()

	configPath := filepath.Join(projectDir, ".opencode-studio", "config.json")
	require.NoError(t, os.MkdirAll(filepath.Dir(configPath), 0755))
	require.NoError(t, os.WriteFile(configPath, []byte(`{"hostname":"file-host"}`), 0644))

	os.Setenv("OPENCODE_STUDIO_HOSTNAME", "env-host")
	defer os.Unsetenv("OPENCODE_STUDIO_HOSTNAME")

	cfg, err := Load(projectDir)
	require.NoError(t, err)
	assert.Equal(t, "env-host", cfg.Hostname)
}

func TestSaveWritesAtomicallyAndRoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "saved.json")

	cfg := &Config{Hostname: "127.0.0.1", Port: 1234}
	require.NoError(t, Save(cfg, path))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp.")
	}

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var loaded Config
	require.NoError(t, json.Unmarshal(data, &loaded))
	assert.Equal(t, cfg.Hostname, loaded.Hostname)
	assert.Equal(t, cfg.Port, loaded.Port)
}
