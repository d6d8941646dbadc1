// Package health aggregates readiness checks for the paymcp server: the
// state backend and the payment provider circuit.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/mbd888/paymcp/internal/circuitbreaker"
)

// DefaultTimeout bounds a single check.
const DefaultTimeout = 2 * time.Second

// Status represents the health of a single subsystem.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Checker is a function that checks the health of a subsystem. The registry
// fills in Name.
type Checker func(ctx context.Context) Status

// Registry holds named health checkers and runs them on demand.
type Registry struct {
	mu       sync.RWMutex
	checkers []namedChecker
	timeout  time.Duration
}

type namedChecker struct {
	name  string
	check Checker
}

// NewRegistry creates a new health check registry.
func NewRegistry() *Registry {
	return &Registry{timeout: DefaultTimeout}
}

// Register adds a named health checker.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	r.checkers = append(r.checkers, namedChecker{name: name, check: check})
	r.mu.Unlock()
}

// CheckAll runs all registered checkers in parallel and returns the
// aggregate status plus per-subsystem results in registration order.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	checkers := make([]namedChecker, len(r.checkers))
	copy(checkers, r.checkers)
	timeout := r.timeout
	r.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	statuses = make([]Status, len(checkers))
	var wg sync.WaitGroup
	for i, nc := range checkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			st := nc.check(ctx)
			st.Name = nc.name
			statuses[i] = st
		}()
	}
	wg.Wait()

	healthy = true
	for _, st := range statuses {
		if !st.Healthy {
			healthy = false
		}
	}
	return healthy, statuses
}

// Pinger is satisfied by every state backend.
type Pinger interface {
	Ping(ctx context.Context) error
}

// StoreChecker reports whether the state backend answers a ping.
func StoreChecker(backend string, p Pinger) Checker {
	return func(ctx context.Context) Status {
		if err := p.Ping(ctx); err != nil {
			return Status{Healthy: false, Detail: backend + ": " + err.Error()}
		}
		return Status{Healthy: true, Detail: backend}
	}
}

// CircuitChecker reports unhealthy while the provider circuit is open.
// Half-open counts as healthy since the next call probes the provider.
func CircuitChecker(state func() circuitbreaker.State) Checker {
	return func(_ context.Context) Status {
		s := state()
		return Status{Healthy: s != circuitbreaker.StateOpen, Detail: s.String()}
	}
}
