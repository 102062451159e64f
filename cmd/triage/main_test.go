package main

import (
	"testing"

	"github.com/sgerhart/aegisflux/backend/triage/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCmd_FlagsOverrideConfig(t *testing.T) {
	v := config.NewViper()
	cmd := newRootCmd(v)

	require.NoError(t, cmd.Flags().Set("nats-url", "nats://nats:4222"))
	require.NoError(t, cmd.Flags().Set("hot-reload", "true"))
	require.NoError(t, cmd.Flags().Set("log-level", "debug"))

	cfg, err := config.Load(v)
	require.NoError(t, err)
	assert.Equal(t, "nats://nats:4222", cfg.NATS.URL)
	assert.True(t, cfg.Rules.HotReload)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, ":8086", cfg.HTTP.Addr)
}

func TestRootCmd_Version(t *testing.T) {
	cmd := newRootCmd(config.NewViper())

	sub, _, err := cmd.Find([]string{"version"})
	require.NoError(t, err)
	assert.Equal(t, "version", sub.Name())
}
