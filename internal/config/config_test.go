package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestDefault_IsValid tests that the built-in defaults pass validation
func TestDefault_IsValid(t *testing.T) {
	cfg := Default()

	require.NoError(t, cfg.Validate())
	assert.Equal(t, 2*time.Second, cfg.HandshakeTimeout.Std())
	assert.Equal(t, 5*time.Second, cfg.PreviewTimeout.Std())
	assert.Equal(t, 3, cfg.MaxRespawns)
	assert.Equal(t, uint32(16<<20), cfg.MaxFrameBytes)
	assert.Equal(t, "info", cfg.LogLevel)
}

// TestLoad_MissingFile_UsesDefaults tests that an absent config file is fine
func TestLoad_MissingFile_UsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yml"))

	require.NoError(t, err)
	assert.Equal(t, Default().MaxRespawns, cfg.MaxRespawns)
}

// TestLoad_FileOverridesDefaults tests YAML parsing including durations
func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plugins.yml")
	body := `
plugin_dir: /opt/kiorg/plugins
disabled:
  - flaky
preview_timeout: 10s
respawn_backoff: 250ms
max_respawns: 1
cache_entries: 16
log_level: debug
watch: true
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/opt/kiorg/plugins", cfg.PluginDir)
	assert.Equal(t, 10*time.Second, cfg.PreviewTimeout.Std())
	assert.Equal(t, 250*time.Millisecond, cfg.RespawnBackoff.Std())
	assert.Equal(t, 1, cfg.MaxRespawns)
	assert.Equal(t, 16, cfg.CacheEntries)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.True(t, cfg.Watch)
	assert.Equal(t, []string{"flaky"}, cfg.Disabled)

	// Untouched keys keep their defaults.
	assert.Equal(t, 2*time.Second, cfg.HandshakeTimeout.Std())
}

// TestLoad_EnvOverridesFile tests the precedence chain
func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plugins.yml")
	require.NoError(t, os.WriteFile(path, []byte("plugin_dir: /from/file\nlog_level: warn\n"), 0o644))

	t.Setenv("KIORG_PLUGIN_DIR", "/from/env")
	t.Setenv("KIORG_LOG_LEVEL", "trace")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/from/env", cfg.PluginDir)
	assert.Equal(t, "trace", cfg.LogLevel)
}

// TestLoad_InvalidValues tests rejection of configs the engine cannot run with
func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		name        string
		body        string
		description string
	}{
		{
			name:        "BadDuration",
			body:        "preview_timeout: fast\n",
			description: "non-duration string should fail parsing",
		},
		{
			name:        "ZeroTimeout",
			body:        "preview_timeout: 0s\n",
			description: "zero timeout should fail validation",
		},
		{
			name:        "NegativeRespawns",
			body:        "max_respawns: -2\n",
			description: "negative respawn limit should fail validation",
		},
		{
			name:        "ZeroFrameLimit",
			body:        "max_frame_bytes: 0\n",
			description: "zero frame limit should fail validation",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "plugins.yml")
			require.NoError(t, os.WriteFile(path, []byte(tt.body), 0o644))

			_, err := Load(path)
			assert.Error(t, err, tt.description)
		})
	}
}
