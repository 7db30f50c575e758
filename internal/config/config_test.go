package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noEnv(string) string { return "" }

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]string{"--allow-uid", "1000"}, noEnv)
	require.NoError(t, err)

	assert.Equal(t, DefaultSocketPath, cfg.SocketPath)
	assert.Equal(t, "-rw-------", cfg.SocketMode.Perm().String())
	assert.Equal(t, []uint32{1000}, cfg.AllowedUIDs)
	assert.Equal(t, 15*time.Minute, cfg.DefaultTTL)
	assert.Equal(t, 24*time.Hour, cfg.MaxTTL)
	assert.Equal(t, DefaultMaxValueBytes, cfg.MaxValueBytes)
}

func TestParseSocketEnvFallback(t *testing.T) {
	getenv := func(k string) string {
		if k == EnvSocket {
			return "/run/secmem/custom.sock"
		}
		return ""
	}

	cfg, err := Parse([]string{"--allow-uid", "1000"}, getenv)
	require.NoError(t, err)
	assert.Equal(t, "/run/secmem/custom.sock", cfg.SocketPath)
}

func TestParseExplicitSocketFlagOverridesEnv(t *testing.T) {
	getenv := func(k string) string { return "/should/not/be/used" }

	cfg, err := Parse([]string{"--socket", "/tmp/explicit.sock", "--allow-uid", "1000"}, getenv)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/explicit.sock", cfg.SocketPath)
}

func TestParseUnionsRepeatedAllowUID(t *testing.T) {
	cfg, err := Parse([]string{"--allow-uid", "1000", "--allow-uid", "1001", "--allow-uid", "1000"}, noEnv)
	require.NoError(t, err)
	assert.Equal(t, []uint32{1000, 1001}, cfg.AllowedUIDs)
}

func TestParseRequiresAtLeastOneAllowUID(t *testing.T) {
	_, err := Parse([]string{}, noEnv)
	assert.Error(t, err)
}

func TestParseRejectsTTLOutOfRange(t *testing.T) {
	_, err := Parse([]string{"--allow-uid", "1000", "--default-ttl", "500ms"}, noEnv)
	assert.Error(t, err)

	_, err = Parse([]string{"--allow-uid", "1000", "--default-ttl", "30d"}, noEnv)
	assert.Error(t, err)
}

func TestParseRejectsMaxTTLBelowDefault(t *testing.T) {
	_, err := Parse([]string{"--allow-uid", "1000", "--default-ttl", "2h", "--max-ttl", "1h"}, noEnv)
	assert.Error(t, err)
}

func TestParseAcceptsCompactAndGoDurationSyntax(t *testing.T) {
	cfg, err := Parse([]string{"--allow-uid", "1000", "--sweep-interval", "500ms", "--idle-timeout", "2m"}, noEnv)
	require.NoError(t, err)
	assert.Equal(t, 500*time.Millisecond, cfg.SweepInterval)
	assert.Equal(t, 2*time.Minute, cfg.IdleTimeout)
}
