package generate

import (
	"context"
	"errors"
	"log/slog"
	"time"

	derrors "github.com/Aman-CERP/docindex/internal/errors"
)

// GuardedGenerator fails fast while the wrapped generator keeps failing.
type GuardedGenerator struct {
	inner   Generator
	breaker *derrors.CircuitBreaker
}

// NewGuardedGenerator wraps inner with a circuit breaker that opens after
// three consecutive failures and probes again after thirty seconds.
func NewGuardedGenerator(inner Generator, opts ...derrors.CircuitBreakerOption) *GuardedGenerator {
	defaults := []derrors.CircuitBreakerOption{
		derrors.WithMaxFailures(3),
		derrors.WithResetTimeout(30 * time.Second),
		derrors.WithStateChange(func(name string, from, to derrors.State) {
			slog.Info("fallback_circuit_state",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		}),
	}
	return &GuardedGenerator{
		inner:   inner,
		breaker: derrors.NewCircuitBreaker("fallback", append(defaults, opts...)...),
	}
}

// Generate implements Generator.
func (g *GuardedGenerator) Generate(ctx context.Context, query string) (string, error) {
	answer, err := derrors.CircuitExecute(g.breaker, func() (string, error) {
		return g.inner.Generate(ctx, query)
	})
	if errors.Is(err, derrors.ErrCircuitOpen) {
		slog.Debug("fallback_circuit_open", slog.String("breaker", g.breaker.Name()))
		return "", derrors.New(derrors.ErrCodeProviderCircuitOpen,
			"fallback temporarily disabled after repeated failures", err)
	}
	return answer, err
}

// State reports the breaker state.
func (g *GuardedGenerator) State() derrors.State {
	return g.breaker.State()
}
