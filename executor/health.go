package executor

import (
	"sync"
	"time"

	"github.com/skyscan/skyscan/model"
)

// healthWindow bounds how far back success-rate samples count.
const healthWindow = 10 * time.Minute

// maxSamples caps the per-source sample ring.
const maxSamples = 200

type sample struct {
	at time.Time
	ok bool
}

// Health tracks per-source request outcomes over a sliding window. It
// backs the router's demotion decisions and the health endpoint. Outcomes
// that do not count against health are not sampled at all, so an adapter
// that legitimately has no inventory on a thin route is not punished.
type Health struct {
	mu      sync.Mutex
	now     func() time.Time
	samples map[string][]sample
	lastErr map[string]string
}

// NewHealth builds an empty health tracker.
func NewHealth(now func() time.Time) *Health {
	if now == nil {
		now = time.Now
	}
	return &Health{
		now:     now,
		samples: make(map[string][]sample),
		lastErr: make(map[string]string),
	}
}

// Record feeds one request outcome.
func (h *Health) Record(sourceID string, kind model.FailureKind, errText string) {
	ok := kind == model.FailureNone
	if !ok && !kind.CountsAgainstHealth() {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	s := append(h.samples[sourceID], sample{at: h.now(), ok: ok})
	if len(s) > maxSamples {
		s = s[len(s)-maxSamples:]
	}
	h.samples[sourceID] = s
	if !ok {
		h.lastErr[sourceID] = errText
	}
}

// SuccessRate returns the success fraction over the window; sources with
// no recent samples report 1 so new or idle sources are not demoted.
func (h *Health) SuccessRate(sourceID string) float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	cutoff := h.now().Add(-healthWindow)
	total, okCount := 0, 0
	for _, s := range h.samples[sourceID] {
		if s.at.Before(cutoff) {
			continue
		}
		total++
		if s.ok {
			okCount++
		}
	}
	if total == 0 {
		return 1
	}
	return float64(okCount) / float64(total)
}

// LastError returns the most recent counted failure text, if any.
func (h *Health) LastError(sourceID string) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastErr[sourceID]
}

// View joins health with a circuit set into the router's HealthView.
type View struct {
	Health   *Health
	Circuits *CircuitSet
}

// Available reports whether the source's circuit admits requests.
func (v View) Available(sourceID string) bool {
	return v.Circuits.State(sourceID) != CircuitOpen
}

// SuccessRate proxies the sliding-window success fraction.
func (v View) SuccessRate(sourceID string) float64 {
	return v.Health.SuccessRate(sourceID)
}
