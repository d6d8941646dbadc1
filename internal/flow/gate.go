package flow

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/mbd888/paymcp/internal/logging"
	"github.com/mbd888/paymcp/internal/metrics"
	"github.com/mbd888/paymcp/internal/payments"
	"github.com/mbd888/paymcp/internal/provider"
	"github.com/mbd888/paymcp/internal/state"
	"github.com/mbd888/paymcp/internal/syncutil"
	"github.com/mbd888/paymcp/internal/traces"
	"github.com/mbd888/paymcp/internal/visibility"
)

// Config configures a Gate. Zero values take the package defaults.
type Config struct {
	Mode                Mode
	Repository          *payments.Repository
	Visibility          *visibility.Manager
	TTL                 time.Duration
	ElicitationAttempts int
	PollInterval        time.Duration
	MaxWait             time.Duration
}

// Gate sits between the host's tool dispatch and the underlying tool. Every
// priced call and every confirmation goes through it.
type Gate struct {
	selector *Selector
	tools    *visibility.Manager
	repo     *payments.Repository
}

// NewGate builds the strategies and the selector for cfg.
func NewGate(cfg Config) (*Gate, error) {
	if cfg.Repository == nil {
		return nil, errors.New("flow: repository is required")
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeAuto
	}
	if cfg.Visibility == nil {
		cfg.Visibility = visibility.NewManager(nil, nil)
	}
	if cfg.ElicitationAttempts <= 0 {
		cfg.ElicitationAttempts = DefaultElicitationAttempts
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = DefaultMaxWait
	}

	c := core{repo: cfg.Repository, ttl: cfg.TTL}
	recovery := &Recovery{core: &c, locks: syncutil.NewStriped(0)}
	elicitation := &Elicitation{core: c, recovery: recovery, attempts: cfg.ElicitationAttempts}
	resubmit := &Resubmit{core: c}
	auto := &Auto{elicitation: elicitation, resubmit: resubmit}

	sel, err := newSelector(cfg.Mode, auto,
		&TwoStep{core: c},
		resubmit,
		elicitation,
		&Progress{core: c, recovery: recovery, interval: cfg.PollInterval, maxWait: cfg.MaxWait},
		&ListChange{core: c, tools: cfg.Visibility},
	)
	if err != nil {
		return nil, err
	}
	return &Gate{selector: sel, tools: cfg.Visibility, repo: cfg.Repository}, nil
}

// Mode is the configured flow mode.
func (g *Gate) Mode() Mode { return g.selector.Mode() }

// Repository returns the payment records behind the gate.
func (g *Gate) Repository() *payments.Repository { return g.repo }

// Visibility returns the per-session tool visibility state.
func (g *Gate) Visibility() *visibility.Manager { return g.tools }

// Invoke handles a call to a priced tool.
func (g *Gate) Invoke(ctx context.Context, call *Call) (*Outcome, error) {
	strategy := g.selector.Resolve(call)
	mode := strategy.Mode()

	ctx = logging.WithSession(ctx, call.Session.ID)
	ctx, span := traces.StartSpan(ctx, "flow.Invoke",
		traces.Tool(call.Tool),
		traces.Flow(string(mode)),
		traces.SessionID(call.Session.ID),
		traces.Amount(call.Price.String()),
	)
	defer span.End()

	out, err := strategy.Execute(ctx, call)
	label := outcomeLabel(out, err)
	metrics.FlowCallsTotal.WithLabelValues(string(mode), label).Inc()
	span.SetAttributes(traces.Outcome(label))
	if out != nil && out.PaymentID != "" {
		span.SetAttributes(traces.PaymentID(out.PaymentID))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, label)
		logging.L(ctx).Info("priced call not executed", "tool", call.Tool, "flow", string(mode), "result", label, "error", err)
	}
	return out, err
}

// Confirm handles a call to a confirmation tool.
func (g *Gate) Confirm(ctx context.Context, c *Confirmation) (*Outcome, error) {
	strategy := g.selector.Confirmer()
	mode := strategy.Mode()

	ctx = logging.WithSession(ctx, c.Session.ID)
	ctx, span := traces.StartSpan(ctx, "flow.Confirm",
		traces.Tool(c.Tool),
		traces.Flow(string(mode)),
		traces.PaymentID(c.PaymentID),
		traces.SessionID(c.Session.ID),
	)
	defer span.End()

	out, err := strategy.Confirm(ctx, c)
	label := outcomeLabel(out, err)
	metrics.ConfirmationsTotal.WithLabelValues(string(mode), label).Inc()
	span.SetAttributes(traces.Outcome(label))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, label)
		logging.L(ctx).Info("confirmation refused", "tool", c.Tool, "payment_id", c.PaymentID, "result", label, "error", err)
	}
	return out, err
}

// SweepHook prunes confirmation tools whose payments expired.
func (g *Gate) SweepHook() state.SweepHook {
	return state.SweepHook{
		Name: "visibility",
		Run: func(ctx context.Context) (int, error) {
			return g.tools.Prune(ctx, g.repo.Exists)
		},
	}
}

func outcomeLabel(out *Outcome, err error) string {
	if err == nil && out != nil {
		return string(out.Status)
	}
	return ErrorCode(err)
}

// ErrorCode names the kind of a flow error for metrics and client payloads.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrMissingPaymentID):
		return "missing_payment_id"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "aborted"
	case errors.Is(err, payments.ErrPaymentNotFound):
		return "not_found"
	case errors.Is(err, payments.ErrPaymentAlreadyUsed):
		return "already_used"
	case errors.Is(err, payments.ErrPaymentNotYetPaid):
		return "not_yet_paid"
	case errors.Is(err, payments.ErrPaymentFailed):
		return "payment_failed"
	case errors.Is(err, provider.ErrProviderUnavailable):
		return "provider_unavailable"
	}
	return "error"
}
