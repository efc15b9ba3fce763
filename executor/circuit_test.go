package executor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skyscan/skyscan/config"
	"github.com/skyscan/skyscan/model"
)

func testCircuitSet() (*CircuitSet, *time.Time) {
	now := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	s := NewCircuitSet(config.CircuitConfig{
		FailureThreshold: 3,
		Window:           time.Minute,
		Cooldown:         5 * time.Minute,
	}, func() time.Time { return now })
	return s, &now
}

func TestCircuitTripsAtThreshold(t *testing.T) {
	s, _ := testCircuitSet()

	s.Record("gds", model.FailureTransientNetwork)
	s.Record("gds", model.FailureTransientNetwork)
	assert.True(t, s.Allow("gds"), "two failures stay under the threshold")

	s.Record("gds", model.FailureRateLimited)
	assert.Equal(t, CircuitOpen, s.State("gds"))
	assert.False(t, s.Allow("gds"))
}

func TestCircuitWindowExpiresFailures(t *testing.T) {
	s, now := testCircuitSet()

	s.Record("gds", model.FailureTransientNetwork)
	s.Record("gds", model.FailureTransientNetwork)
	*now = now.Add(2 * time.Minute)
	s.Record("gds", model.FailureTransientNetwork)

	assert.Equal(t, CircuitClosed, s.State("gds"), "stale failures fall out of the window")
}

func TestCircuitSuccessResetsCount(t *testing.T) {
	s, _ := testCircuitSet()

	s.Record("gds", model.FailureTransientNetwork)
	s.Record("gds", model.FailureTransientNetwork)
	s.Record("gds", model.FailureNone)
	s.Record("gds", model.FailureTransientNetwork)
	s.Record("gds", model.FailureTransientNetwork)

	assert.Equal(t, CircuitClosed, s.State("gds"))
}

func TestCircuitIgnoresNonCountingKinds(t *testing.T) {
	s, _ := testCircuitSet()

	for i := 0; i < 5; i++ {
		s.Record("gds", model.FailureUpstreamEmpty)
		s.Record("gds", model.FailureCancelled)
		s.Record("gds", model.FailureParseRecoverable)
	}
	assert.Equal(t, CircuitClosed, s.State("gds"))

	// And they must not reset an accumulated failure count either.
	s.Record("gds", model.FailureTransientNetwork)
	s.Record("gds", model.FailureTransientNetwork)
	s.Record("gds", model.FailureUpstreamEmpty)
	s.Record("gds", model.FailureTransientNetwork)
	assert.Equal(t, CircuitOpen, s.State("gds"))
}

func TestCircuitHalfOpenSingleProbe(t *testing.T) {
	s, now := testCircuitSet()

	for i := 0; i < 3; i++ {
		s.Record("browser", model.FailureBotChallenge)
	}
	require.False(t, s.Allow("browser"))

	*now = now.Add(5 * time.Minute)
	assert.Equal(t, CircuitHalfOpen, s.State("browser"))
	assert.True(t, s.Allow("browser"), "first caller after cooldown probes")
	assert.False(t, s.Allow("browser"), "only one probe at a time")

	s.Record("browser", model.FailureNone)
	assert.Equal(t, CircuitClosed, s.State("browser"))
	assert.True(t, s.Allow("browser"))
}

func TestCircuitHalfOpenProbeFailureReopens(t *testing.T) {
	s, now := testCircuitSet()

	for i := 0; i < 3; i++ {
		s.Record("browser", model.FailureBotChallenge)
	}
	*now = now.Add(5 * time.Minute)
	require.True(t, s.Allow("browser"))

	s.Record("browser", model.FailureBotChallenge)
	assert.Equal(t, CircuitOpen, s.State("browser"))
	assert.False(t, s.Allow("browser"), "cooldown restarts from the failed probe")
}
