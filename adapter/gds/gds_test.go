package gds

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skyscan/skyscan/adapter"
	"github.com/skyscan/skyscan/config"
	"github.com/skyscan/skyscan/pkg/logger"
)

func testAdapter() *Adapter {
	cfg := config.AdapterConfig{
		RateLimit: config.RateLimitConfig{Capacity: 5, RefillPerSec: 5},
		Credentials: config.AdapterCredentials{
			ClientID:     "id",
			ClientSecret: "secret",
			TokenURL:     "https://auth.gds-distribution.example/token",
		},
	}
	actx := adapter.NewContext(nil, logger.New(logger.Config{Level: "error"}))
	return New(cfg, actx)
}

func TestInvalidateTokenRebuildsSource(t *testing.T) {
	a := testAdapter()

	a.mu.Lock()
	before, beforeClient := a.token, a.client
	a.mu.Unlock()
	require.NotNil(t, before)
	require.NotNil(t, beforeClient)

	a.InvalidateToken()

	a.mu.Lock()
	after, afterClient := a.token, a.client
	a.mu.Unlock()
	assert.NotSame(t, before, after, "stale token source must be replaced")
	assert.NotSame(t, beforeClient, afterClient)
}
