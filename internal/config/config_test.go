package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_AllFieldsPopulated(t *testing.T) {
	cfg := DefaultConfig()
	require.NotNil(t, cfg)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "10MiB", cfg.Server.ReadBufferSize)
	assert.False(t, cfg.Server.ReadOnly)
	assert.Empty(t, cfg.Server.AuthUser)

	assert.Equal(t, "/", cfg.Drive.Root)
	assert.Equal(t, "10MiB", cfg.Drive.UploadPartSize)
	assert.False(t, cfg.Drive.NoTrash)
	assert.Empty(t, cfg.Drive.Workdir)

	assert.Equal(t, 1000, cfg.Cache.Size)
	assert.Equal(t, "600s", cfg.Cache.TTL)

	assert.Equal(t, 5, cfg.Retry.MaxRetries)
	assert.Equal(t, "1s", cfg.Retry.BaseBackoff)
	assert.Equal(t, "60s", cfg.Retry.MaxBackoff)

	assert.Equal(t, "3s", cfg.Login.PollInterval)
	assert.Equal(t, 10, cfg.Login.MaxPolls)

	assert.Equal(t, "info", cfg.Logging.LogLevel)
	assert.Equal(t, "auto", cfg.Logging.LogFormat)
	assert.Empty(t, cfg.Metrics.Listen)
}

func TestDefaultConfig_PassesValidation(t *testing.T) {
	assert.NoError(t, Validate(DefaultConfig()))
}
