package flow

import (
	"context"
	"fmt"

	"github.com/mbd888/paymcp/internal/logging"
	"github.com/mbd888/paymcp/internal/payments"
	"github.com/mbd888/paymcp/internal/provider"
)

// DefaultElicitationAttempts bounds how often one call prompts the client.
const DefaultElicitationAttempts = 5

// Elicitation settles the payment inside a single call by prompting the
// client until it accepts with the payment done, declines, or runs out of
// attempts.
type Elicitation struct {
	core
	recovery *Recovery
	attempts int
}

func (s *Elicitation) Mode() Mode { return ModeElicitation }

func (s *Elicitation) Execute(ctx context.Context, call *Call) (*Outcome, error) {
	rec, err := s.recovery.Acquire(ctx, call, ModeElicitation)
	if err != nil {
		return nil, err
	}

	// A resumed payment may already be settled.
	if out, done, err := s.check(ctx, rec, call.Handler); done {
		return out, err
	}

	if call.Elicitor == nil {
		return pending(rec, ModeElicitation, OutcomePaymentRequired,
			fmt.Sprintf("Payment of %s required to run %s.", rec.Price(), rec.ToolName)), nil
	}

	message := fmt.Sprintf("Please complete the payment of %s to run %s, then accept.", rec.Price(), rec.ToolName)
	log := logging.L(ctx).With("tool", rec.ToolName, "payment_id", rec.PaymentID)

	for attempt := 1; attempt <= s.attempts; attempt++ {
		action, err := call.Elicitor.Elicit(ctx, message, rec.PaymentURL)
		if ctx.Err() != nil {
			s.recovery.Aborted(ctx, rec, ctx.Err())
			return nil, ctx.Err()
		}
		if err != nil {
			log.Warn("elicitation failed", "attempt", attempt, "error", err)
			return pending(rec, ModeElicitation, OutcomePending,
				"The client did not answer the payment request."), nil
		}

		switch action {
		case ElicitDecline, ElicitCancel:
			log.Info("payment declined by client", "action", string(action))
			s.discard(ctx, rec)
			return &Outcome{
				Status:    OutcomeCancelled,
				Flow:      ModeElicitation,
				PaymentID: rec.PaymentID,
				Message:   "Payment cancelled; the tool was not run.",
			}, nil
		}

		if out, done, err := s.check(ctx, rec, call.Handler); done {
			return out, err
		}
		log.Debug("payment still pending after accept", "attempt", attempt)
	}

	return pending(rec, ModeElicitation, OutcomePending,
		fmt.Sprintf("Payment not received after %d attempts.", s.attempts)), nil
}

// check settles rec when paid. done is false while the payment is still open
// or the provider could not be reached.
func (s *Elicitation) check(ctx context.Context, rec *payments.Record, handler Handler) (*Outcome, bool, error) {
	st, err := s.status(ctx, rec)
	if err != nil {
		logging.L(ctx).Warn("payment status check failed", "payment_id", rec.PaymentID, "error", err)
		return nil, false, nil
	}
	switch st {
	case provider.StatusPaid:
		out, err := s.settle(ctx, rec, handler, ModeElicitation)
		if err != nil && err == ctx.Err() {
			s.recovery.Aborted(ctx, rec, ctx.Err())
			return nil, true, ctx.Err()
		}
		return out, true, err
	case provider.StatusFailed:
		s.discard(ctx, rec)
		return &Outcome{
			Status:    OutcomeFailed,
			Flow:      ModeElicitation,
			PaymentID: rec.PaymentID,
			Message:   "The payment failed; the tool was not run.",
		}, true, nil
	}
	return nil, false, nil
}

func (s *Elicitation) Confirm(ctx context.Context, c *Confirmation) (*Outcome, error) {
	return confirmByID(ctx, &s.core, c, ModeElicitation)
}
