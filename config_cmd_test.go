package main

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/drivedav/internal/backoff"
	"github.com/tonimelisma/drivedav/internal/config"
)

func TestNewConfigJSON_RedactsSecrets(t *testing.T) {
	t.Parallel()

	r := &config.Resolved{
		ConfigPath:     "/etc/drivedav.toml",
		Addr:           "127.0.0.1:8080",
		AuthUser:       "admin",
		AuthPassword:   "hunter2",
		TLSCert:        "/c.pem",
		TLSKey:         "/k.pem",
		RefreshToken:   "super-secret-token",
		Root:           "/media",
		BandwidthLimit: 5_000_000,
		CacheTTL:       10 * time.Minute,
		Retry:          backoff.Policy{MaxRetries: 3},
	}

	data, err := json.Marshal(newConfigJSON(r))
	require.NoError(t, err)

	out := string(data)
	assert.NotContains(t, out, "hunter2")
	assert.NotContains(t, out, "super-secret-token")

	var got map[string]any
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, true, got["auth_enabled"])
	assert.Equal(t, true, got["refresh_token_set"])
	assert.Equal(t, true, got["tls"])
	assert.Equal(t, "10m0s", got["cache_ttl"])
	assert.InDelta(t, 5_000_000, got["bandwidth_limit"], 0)
	assert.InDelta(t, 3, got["max_retries"], 0)
}

func TestNewConfigJSON_OmitsUnset(t *testing.T) {
	t.Parallel()

	data, err := json.Marshal(newConfigJSON(&config.Resolved{}))
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(data, &got))
	assert.NotContains(t, got, "auth_user")
	assert.NotContains(t, got, "domain_id")
	assert.NotContains(t, got, "metrics_listen")
	assert.Equal(t, false, got["refresh_token_set"])
}
