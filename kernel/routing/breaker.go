package routing

import (
	"time"

	"github.com/sony/gobreaker"
)

// GobreakerAdapter satisfies Breaker by wrapping a *gobreaker.CircuitBreaker,
// the concrete circuit breaker the Tier 3 Navigator call runs through so a
// flapping backend opens the circuit and degrades to Tier 4 immediately
// instead of paying a timeout on every remaining step.
type GobreakerAdapter struct {
	cb *gobreaker.CircuitBreaker
}

// NewGobreaker builds a Breaker named name that opens after consecutiveFailures
// in a row and stays open for resetAfter before probing again.
func NewGobreaker(name string, consecutiveFailures uint32, resetAfter time.Duration) *GobreakerAdapter {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    name,
		Timeout: resetAfter,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= consecutiveFailures
		},
	})
	return &GobreakerAdapter{cb: cb}
}

// Execute runs fn through the underlying circuit breaker.
func (g *GobreakerAdapter) Execute(fn func() (any, error)) (any, error) {
	return g.cb.Execute(fn)
}
