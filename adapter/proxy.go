package adapter

import (
	"context"
	"errors"
	"sync"
)

// ProxyPool leases residential proxy URLs for browser automation and
// classified-challenge retries. Leases rotate across the configured URLs
// and the pool caps concurrent leases; Release must run on every exit path.
type ProxyPool struct {
	mu   sync.Mutex
	urls []string
	next int
	sem  chan struct{}
}

// ErrNoProxies is returned when the pool was configured empty.
var ErrNoProxies = errors.New("proxy pool is empty")

// NewProxyPool builds a pool over urls with at most maxConcurrent
// outstanding leases.
func NewProxyPool(urls []string, maxConcurrent int) *ProxyPool {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &ProxyPool{
		urls: append([]string{}, urls...),
		sem:  make(chan struct{}, maxConcurrent),
	}
}

// Lease acquires the next proxy in rotation, blocking while the pool is at
// its concurrency cap. The returned release function is idempotent.
func (p *ProxyPool) Lease(ctx context.Context) (url string, release func(), err error) {
	p.mu.Lock()
	empty := len(p.urls) == 0
	p.mu.Unlock()
	if empty {
		return "", nil, ErrNoProxies
	}

	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return "", nil, ctx.Err()
	}

	p.mu.Lock()
	url = p.urls[p.next%len(p.urls)]
	p.next++
	p.mu.Unlock()

	var once sync.Once
	release = func() {
		once.Do(func() { <-p.sem })
	}
	return url, release, nil
}

// InUse reports the number of outstanding leases.
func (p *ProxyPool) InUse() int {
	return len(p.sem)
}
