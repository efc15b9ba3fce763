package executor

import (
	"sync"
	"time"

	"github.com/skyscan/skyscan/config"
	"github.com/skyscan/skyscan/model"
)

// CircuitState is the breaker position for one source.
type CircuitState string

const (
	CircuitClosed   CircuitState = "CLOSED"
	CircuitOpen     CircuitState = "OPEN"
	CircuitHalfOpen CircuitState = "HALF_OPEN"
)

// circuit is the breaker for a single source. Consecutive-failure counting
// runs over a sliding window: failures older than the window no longer
// count toward the trip threshold.
type circuit struct {
	mu       sync.Mutex
	cfg      config.CircuitConfig
	now      func() time.Time
	state    CircuitState
	failures []time.Time
	openedAt time.Time
	probing  bool
}

func newCircuit(cfg config.CircuitConfig, now func() time.Time) *circuit {
	return &circuit{cfg: cfg, now: now, state: CircuitClosed}
}

// allow reports whether a request may proceed. In half-open, exactly one
// probe is admitted at a time; further callers are refused until the
// probe reports.
func (c *circuit) allow() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case CircuitClosed:
		return true
	case CircuitOpen:
		if c.now().Sub(c.openedAt) < c.cfg.Cooldown {
			return false
		}
		c.state = CircuitHalfOpen
		c.probing = true
		return true
	default: // half-open
		if c.probing {
			return false
		}
		c.probing = true
		return true
	}
}

// record feeds one request outcome into the breaker. Outcomes that do not
// count against health (empty results, cancellations, recoverable parses)
// neither trip nor reset the breaker, except that a half-open probe
// returning clean closes it.
func (c *circuit) record(kind model.FailureKind) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()

	if c.state == CircuitHalfOpen {
		c.probing = false
		switch {
		case kind == model.FailureNone:
			c.state = CircuitClosed
			c.failures = nil
		case kind.CountsAgainstHealth():
			c.state = CircuitOpen
			c.openedAt = now
		}
		return
	}

	if kind == model.FailureNone {
		c.failures = nil
		return
	}
	if !kind.CountsAgainstHealth() {
		return
	}

	c.failures = append(c.failures, now)
	cutoff := now.Add(-c.cfg.Window)
	kept := c.failures[:0]
	for _, t := range c.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	c.failures = kept
	if c.state == CircuitClosed && len(c.failures) >= c.cfg.FailureThreshold {
		c.state = CircuitOpen
		c.openedAt = now
	}
}

func (c *circuit) currentState() CircuitState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == CircuitOpen && c.now().Sub(c.openedAt) >= c.cfg.Cooldown {
		return CircuitHalfOpen
	}
	return c.state
}

// CircuitSet holds one breaker per source.
type CircuitSet struct {
	mu       sync.Mutex
	cfg      config.CircuitConfig
	now      func() time.Time
	circuits map[string]*circuit
}

// NewCircuitSet builds an empty set; breakers are created on first use.
func NewCircuitSet(cfg config.CircuitConfig, now func() time.Time) *CircuitSet {
	if now == nil {
		now = time.Now
	}
	return &CircuitSet{cfg: cfg, now: now, circuits: make(map[string]*circuit)}
}

func (s *CircuitSet) get(sourceID string) *circuit {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.circuits[sourceID]
	if !ok {
		c = newCircuit(s.cfg, s.now)
		s.circuits[sourceID] = c
	}
	return c
}

// Allow reports whether the source's breaker admits a request now.
func (s *CircuitSet) Allow(sourceID string) bool { return s.get(sourceID).allow() }

// Record feeds a request outcome into the source's breaker.
func (s *CircuitSet) Record(sourceID string, kind model.FailureKind) {
	s.get(sourceID).record(kind)
}

// State returns the source's current breaker position.
func (s *CircuitSet) State(sourceID string) CircuitState {
	return s.get(sourceID).currentState()
}
