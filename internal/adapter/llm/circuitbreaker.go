package llm

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"kanban-ai/internal/domain"
	"kanban-ai/internal/infra/config"
)

const (
	defaultCBMaxFailures uint32 = 5
	defaultCBTimeout            = 30 * time.Second
	defaultCBInterval           = 60 * time.Second
)

var _ domain.Generator = (*CircuitBreakerGenerator)(nil)

// CircuitBreakerGenerator fails fast once the wrapped generator keeps
// failing, until a half-open probe succeeds.
type CircuitBreakerGenerator struct {
	inner   domain.Generator
	breaker *gobreaker.CircuitBreaker[any]
}

// NewCircuitBreakerGenerator wraps inner. Zero settings take defaults.
func NewCircuitBreakerGenerator(inner domain.Generator, cfg config.CircuitBreakerConfig, logger *slog.Logger) *CircuitBreakerGenerator {
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultCBMaxFailures
	}
	timeout := orDefault(cfg.Timeout, defaultCBTimeout)
	interval := orDefault(cfg.Interval, defaultCBInterval)

	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        "generator:" + inner.Name(),
		MaxRequests: 1,
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		IsSuccessful: countsAsSuccess,
	})
	return &CircuitBreakerGenerator{inner: inner, breaker: cb}
}

// countsAsSuccess keeps caller cancellations and unusable model output from
// tripping the breaker: neither says the provider is down.
func countsAsSuccess(err error) bool {
	return err == nil ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, domain.ErrAborted) ||
		errors.Is(err, domain.ErrGeneratorOutput)
}

func (g *CircuitBreakerGenerator) Name() string { return g.inner.Name() }

func (g *CircuitBreakerGenerator) Generate(ctx context.Context, req domain.GenerateRequest) ([]domain.GeneratedCard, error) {
	return guarded(g, func() ([]domain.GeneratedCard, error) { return g.inner.Generate(ctx, req) })
}

func (g *CircuitBreakerGenerator) Modify(ctx context.Context, req domain.ModifyRequest) (*domain.CardPatch, error) {
	return guarded(g, func() (*domain.CardPatch, error) { return g.inner.Modify(ctx, req) })
}

func (g *CircuitBreakerGenerator) Move(ctx context.Context, req domain.MoveRequest) ([]domain.MoveDecision, error) {
	return guarded(g, func() ([]domain.MoveDecision, error) { return g.inner.Move(ctx, req) })
}

// State returns the breaker state for monitoring.
func (g *CircuitBreakerGenerator) State() gobreaker.State {
	return g.breaker.State()
}

func guarded[T any](g *CircuitBreakerGenerator, fn func() (T, error)) (T, error) {
	var zero T
	v, err := g.breaker.Execute(func() (any, error) {
		out, err := fn()
		return out, err
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return zero, domain.NewDomainError("CircuitBreakerGenerator", domain.ErrCircuitOpen, g.inner.Name())
		}
		return zero, err
	}
	out, _ := v.(T)
	return out, nil
}
