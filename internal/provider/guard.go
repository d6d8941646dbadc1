package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/codes"

	"github.com/mbd888/paymcp/internal/circuitbreaker"
	"github.com/mbd888/paymcp/internal/metrics"
	"github.com/mbd888/paymcp/internal/retry"
	"github.com/mbd888/paymcp/internal/traces"
)

// Guard wraps a Provider with a per-provider circuit breaker and a bounded
// retry on status lookups. Payment creation is never retried: a timed-out
// create may have opened a payment and a retry would open a second one.
type Guard struct {
	inner          Provider
	breaker        *circuitbreaker.Breaker
	statusAttempts int
	backoff        time.Duration
	logger         *slog.Logger
}

// GuardOption configures a Guard.
type GuardOption func(*Guard)

// WithStatusAttempts sets the total number of status lookup attempts.
func WithStatusAttempts(n int) GuardOption {
	return func(g *Guard) { g.statusAttempts = n }
}

// WithBackoff sets the base delay between status lookup attempts.
func WithBackoff(d time.Duration) GuardOption {
	return func(g *Guard) { g.backoff = d }
}

// WithLogger logs breaker state changes.
func WithLogger(logger *slog.Logger) GuardOption {
	return func(g *Guard) { g.logger = logger }
}

// WithBreaker replaces the default circuit breaker.
func WithBreaker(b *circuitbreaker.Breaker) GuardOption {
	return func(g *Guard) { g.breaker = b }
}

// NewGuard wraps p. By default a status lookup is retried once after 200ms and
// the breaker opens after 5 consecutive failures for 30s.
func NewGuard(p Provider, opts ...GuardOption) *Guard {
	g := &Guard{
		inner:          p,
		breaker:        circuitbreaker.New(5, 30*time.Second),
		statusAttempts: 2,
		backoff:        200 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.logger != nil {
		logger := g.logger
		g.breaker.OnTransition(func(key string, from, to circuitbreaker.State) {
			logger.Warn("provider circuit changed state", "provider", key, "from", from.String(), "to", to.String())
		})
	}
	return g
}

// CircuitState reports the breaker state for the wrapped provider.
func (g *Guard) CircuitState() circuitbreaker.State {
	return g.breaker.State(g.Name())
}

func (g *Guard) Name() string { return g.inner.Name() }

func (g *Guard) CreatePayment(ctx context.Context, amount decimal.Decimal, currency, description string) (string, string, error) {
	ctx, span := traces.StartSpan(ctx, "provider.CreatePayment",
		traces.Provider(g.Name()), traces.Amount(amount.String()+" "+currency))
	defer span.End()

	if !g.breaker.Allow(g.Name()) {
		metrics.ProviderRequestsTotal.WithLabelValues(g.Name(), "create", "circuit_open").Inc()
		span.SetStatus(codes.Error, "circuit open")
		return "", "", fmt.Errorf("%w: circuit open for %s", ErrProviderUnavailable, g.Name())
	}

	start := time.Now()
	id, url, err := g.inner.CreatePayment(ctx, amount, currency, description)
	metrics.ProviderRequestDuration.WithLabelValues(g.Name(), "create").Observe(time.Since(start).Seconds())
	metrics.ProviderRequestsTotal.WithLabelValues(g.Name(), "create", metrics.Result(err)).Inc()

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if isPermanent(err) {
			g.breaker.RecordSuccess(g.Name())
			return "", "", err
		}
		g.breaker.RecordFailure(g.Name())
		return "", "", fmt.Errorf("%w: create payment: %w", ErrProviderUnavailable, err)
	}
	g.breaker.RecordSuccess(g.Name())
	span.SetAttributes(traces.PaymentID(id))
	return id, url, nil
}

func (g *Guard) GetPaymentStatus(ctx context.Context, id string) (Status, error) {
	ctx, span := traces.StartSpan(ctx, "provider.GetPaymentStatus",
		traces.Provider(g.Name()), traces.PaymentID(id))
	defer span.End()

	var status Status
	err := retry.Do(ctx, g.statusAttempts, g.backoff, func() error {
		if !g.breaker.Allow(g.Name()) {
			metrics.ProviderRequestsTotal.WithLabelValues(g.Name(), "status", "circuit_open").Inc()
			return retry.Permanent(fmt.Errorf("%w: circuit open for %s", ErrProviderUnavailable, g.Name()))
		}

		start := time.Now()
		s, err := g.inner.GetPaymentStatus(ctx, id)
		metrics.ProviderRequestDuration.WithLabelValues(g.Name(), "status").Observe(time.Since(start).Seconds())
		metrics.ProviderRequestsTotal.WithLabelValues(g.Name(), "status", metrics.Result(err)).Inc()

		if err != nil {
			if isPermanent(err) {
				g.breaker.RecordSuccess(g.Name())
				return retry.Permanent(err)
			}
			if ctx.Err() != nil {
				return retry.Permanent(ctx.Err())
			}
			g.breaker.RecordFailure(g.Name())
			return err
		}
		g.breaker.RecordSuccess(g.Name())
		status = s
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if isPermanent(err) || errors.Is(err, ErrProviderUnavailable) ||
			errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return "", err
		}
		return "", fmt.Errorf("%w: payment status: %w", ErrProviderUnavailable, err)
	}
	return status, nil
}

func isPermanent(err error) bool {
	return errors.Is(err, ErrUnknownPayment) || errors.Is(err, ErrRejected)
}
