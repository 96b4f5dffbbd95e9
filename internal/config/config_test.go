package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsApplyWithNoFileOrEnv(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "1.0.0", cfg.Protocol.Version)
	assert.Equal(t, []string{"1.0.0"}, cfg.Protocol.SupportedVersions)
	assert.Equal(t, 2, cfg.Degraded.FailureThreshold)
	assert.Equal(t, 6, cfg.Degraded.UnavailableThreshold)
	assert.Equal(t, 120, cfg.Room.MaxClients)
	assert.Equal(t, "dev", cfg.Auth.Mode)
}

func TestLoad_ConfigFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tilemud.yaml")
	contents := []byte("room:\n  maxClients: 42\nprotocol:\n  version: \"2.0.0\"\n")
	require.NoError(t, os.WriteFile(path, contents, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 42, cfg.Room.MaxClients)
	assert.Equal(t, "2.0.0", cfg.Protocol.Version)
}

func TestLoad_EnvVarOverridesDefaults(t *testing.T) {
	t.Setenv("TILEMUD_AUTH_JWT_SECRET", "shh")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "shh", cfg.Auth.JWTSecret)
}

func TestRateLimitConfig_ToRatelimitConfig(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	rl := cfg.RateLimit.ToRatelimitConfig()
	windows, ok := rl["tile_action"]
	require.True(t, ok)
	require.Len(t, windows, 2)
	assert.EqualValues(t, 1000, windows[0].DurationMs)
	assert.EqualValues(t, 5, windows[0].Limit)
}
