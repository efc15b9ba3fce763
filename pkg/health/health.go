// Package health aggregates component liveness for the health endpoint.
package health

import (
	"context"
	"sync"
	"time"
)

// Checker probes one dependency.
type Checker interface {
	Name() string
	Check(ctx context.Context) error
}

// CheckerFunc adapts a function to the Checker interface.
type CheckerFunc struct {
	ID string
	Fn func(ctx context.Context) error
}

func (c CheckerFunc) Name() string                    { return c.ID }
func (c CheckerFunc) Check(ctx context.Context) error { return c.Fn(ctx) }

// Status is one component's probe result.
type Status struct {
	Healthy bool   `json:"healthy"`
	Error   string `json:"error,omitempty"`
	TookMS  int64  `json:"took_ms"`
}

// Report is the whole system's probe result.
type Report struct {
	Healthy    bool              `json:"healthy"`
	Components map[string]Status `json:"components"`
	CheckedAt  time.Time         `json:"checked_at"`
}

// Registry runs the registered checkers in parallel.
type Registry struct {
	mu       sync.Mutex
	checkers []Checker
	timeout  time.Duration
}

// NewRegistry builds a registry with a per-probe timeout.
func NewRegistry(timeout time.Duration) *Registry {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Registry{timeout: timeout}
}

// Register adds a checker.
func (r *Registry) Register(c Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkers = append(r.checkers, c)
}

// Run probes every component concurrently and aggregates the report.
func (r *Registry) Run(ctx context.Context) Report {
	r.mu.Lock()
	checkers := append([]Checker{}, r.checkers...)
	r.mu.Unlock()

	report := Report{
		Healthy:    true,
		Components: make(map[string]Status, len(checkers)),
		CheckedAt:  time.Now().UTC(),
	}
	var wg sync.WaitGroup
	var mu sync.Mutex
	for _, c := range checkers {
		wg.Add(1)
		go func(c Checker) {
			defer wg.Done()
			probeCtx, cancel := context.WithTimeout(ctx, r.timeout)
			defer cancel()
			start := time.Now()
			err := c.Check(probeCtx)
			st := Status{Healthy: err == nil, TookMS: time.Since(start).Milliseconds()}
			if err != nil {
				st.Error = err.Error()
			}
			mu.Lock()
			report.Components[c.Name()] = st
			if err != nil {
				report.Healthy = false
			}
			mu.Unlock()
		}(c)
	}
	wg.Wait()
	return report
}
