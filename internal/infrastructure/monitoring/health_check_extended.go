package monitoring

import (
	"context"
	"fmt"

	"livecast/pkg/circuitbreaker"
)

// AddStoreCheck probes the session store backend.
func (h *HealthChecker) AddStoreCheck(backend string, ping func(ctx context.Context) error) {
	h.AddCheck(HealthCheck{
		Name:     "store:" + backend,
		Check:    ping,
		Critical: true,
	})
}

// AddBreakerCheck degrades the status while any breaker of the registry is open.
func (h *HealthChecker) AddBreakerCheck(registry *circuitbreaker.Registry) {
	h.AddCheck(HealthCheck{
		Name: "circuit_breakers",
		Check: func(ctx context.Context) error {
			for name, stats := range registry.Stats() {
				if stats.State == circuitbreaker.StateOpen {
					return fmt.Errorf("breaker %s is open", name)
				}
			}
			return nil
		},
	})
}
