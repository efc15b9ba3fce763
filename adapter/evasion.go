package adapter

import "sync"

// Strategy names one anti-bot posture an adapter can operate under.
// Adapters declare an ordered ladder from cheapest to most expensive.
type Strategy string

const (
	StrategyDirect        Strategy = "direct"          // plain request, no extra work
	StrategyMaskedTLS     Strategy = "masked_tls"      // browser-profile TLS fingerprint class
	StrategyCookiePrime   Strategy = "cookie_prime"    // warm-up GET to collect session cookies
	StrategyCookieHarvest Strategy = "cookie_harvest"  // overlay cookies from a local browser profile
	StrategyProxyRotate   Strategy = "proxy_rotate"    // lease a residential proxy for the call
	StrategyBrowser       Strategy = "browser"         // full browser automation
)

// Ladder tracks which strategy an adapter should use next. On a classified
// BOT_CHALLENGE the executor advances it; the elevated strategy is held for
// holdFor subsequent requests, then decays one level at a time. Strategies
// are never tried in parallel on the same request.
type Ladder struct {
	mu         sync.Mutex
	strategies []Strategy
	idx        int
	remaining  int // requests left before decay
	holdFor    int
}

// NewLadder builds a ladder over the given strategies. holdFor is the
// number of requests an escalated strategy stays active before decaying.
func NewLadder(holdFor int, strategies ...Strategy) *Ladder {
	if len(strategies) == 0 {
		strategies = []Strategy{StrategyDirect}
	}
	if holdFor < 1 {
		holdFor = 10
	}
	return &Ladder{strategies: strategies, holdFor: holdFor}
}

// Current returns the strategy for the next request and counts the request
// toward the decay window.
func (l *Ladder) Current() Strategy {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.strategies[l.idx]
	if l.idx > 0 {
		l.remaining--
		if l.remaining <= 0 {
			l.idx--
			l.remaining = l.holdFor
		}
	}
	return s
}

// Peek returns the active strategy without consuming a request.
func (l *Ladder) Peek() Strategy {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.strategies[l.idx]
}

// Advance escalates to the next strategy after a bot challenge. It reports
// false when the ladder is already at its most expensive strategy.
func (l *Ladder) Advance() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.idx >= len(l.strategies)-1 {
		l.remaining = l.holdFor
		return false
	}
	l.idx++
	l.remaining = l.holdFor
	return true
}
