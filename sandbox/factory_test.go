package sandbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/execbox/config"
)

func TestNewProvider(t *testing.T) {
	cfg, err := config.New()
	require.NoError(t, err)
	logger := zaptest.NewLogger(t)

	cfg.Sandbox.Backend = "docker"
	p, err := NewProvider(logger, cfg)
	require.NoError(t, err)
	assert.Equal(t, "docker", p.Backend())

	cfg.Sandbox.Backend = "podman"
	p, err = NewProvider(logger, cfg)
	require.NoError(t, err)
	assert.Equal(t, "podman", p.Backend())

	cfg.Sandbox.Backend = "process"
	cfg.Sandbox.EnableProcessBackend = true
	p, err = NewProvider(logger, cfg)
	require.NoError(t, err)
	assert.Equal(t, "process", p.Backend())
}

func TestNewProviderProcessDisabled(t *testing.T) {
	cfg, err := config.New()
	require.NoError(t, err)

	cfg.Sandbox.Backend = "process"
	cfg.Sandbox.EnableProcessBackend = false

	_, err = NewProvider(zaptest.NewLogger(t), cfg)
	assert.Error(t, err)
}

func TestNewProviderUnknownBackend(t *testing.T) {
	cfg, err := config.New()
	require.NoError(t, err)

	cfg.Sandbox.Backend = "chroot"
	_, err = NewProvider(zaptest.NewLogger(t), cfg)
	assert.Error(t, err)
}
