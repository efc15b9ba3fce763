package executor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/skyscan/skyscan/model"
)

func TestHealthSuccessRate(t *testing.T) {
	now := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	h := NewHealth(func() time.Time { return now })

	assert.Equal(t, 1.0, h.SuccessRate("gds"), "no samples means benefit of the doubt")

	h.Record("gds", model.FailureNone, "")
	h.Record("gds", model.FailureNone, "")
	h.Record("gds", model.FailureTransientNetwork, "dial tcp: timeout")
	h.Record("gds", model.FailureRateLimited, "429")

	assert.Equal(t, 0.5, h.SuccessRate("gds"))
	assert.Equal(t, "429", h.LastError("gds"))
}

func TestHealthSkipsNonCountingKinds(t *testing.T) {
	now := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	h := NewHealth(func() time.Time { return now })

	h.Record("jejuair", model.FailureNone, "")
	h.Record("jejuair", model.FailureUpstreamEmpty, "")
	h.Record("jejuair", model.FailureCancelled, "context canceled")
	h.Record("jejuair", model.FailureParseRecoverable, "odd row")

	assert.Equal(t, 1.0, h.SuccessRate("jejuair"), "empty and cancelled results are not failures")
	assert.Empty(t, h.LastError("jejuair"))
}

func TestHealthWindowExpiry(t *testing.T) {
	now := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	h := NewHealth(func() time.Time { return now })

	h.Record("browser", model.FailureBotChallenge, "challenge page")
	now = now.Add(11 * time.Minute)
	assert.Equal(t, 1.0, h.SuccessRate("browser"), "old samples age out")

	h.Record("browser", model.FailureNone, "")
	assert.Equal(t, 1.0, h.SuccessRate("browser"))
}

func TestViewAvailability(t *testing.T) {
	now := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	h := NewHealth(clock)
	s, _ := testCircuitSet()
	v := View{Health: h, Circuits: s}

	assert.True(t, v.Available("gds"))
	for i := 0; i < 3; i++ {
		s.Record("gds", model.FailureTransientNetwork)
	}
	assert.False(t, v.Available("gds"))
	assert.Equal(t, 1.0, v.SuccessRate("gds"))
}
