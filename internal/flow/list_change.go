package flow

import (
	"context"
	"errors"
	"fmt"

	"github.com/mbd888/paymcp/internal/logging"
	"github.com/mbd888/paymcp/internal/payments"
	"github.com/mbd888/paymcp/internal/provider"
	"github.com/mbd888/paymcp/internal/visibility"
)

// ListChange hides the priced tool from the calling session and offers a
// per-payment confirmation tool in its place until the payment settles.
type ListChange struct {
	core
	tools *visibility.Manager
}

func (s *ListChange) Mode() Mode { return ModeListChange }

func (s *ListChange) Execute(ctx context.Context, call *Call) (*Outcome, error) {
	rec, err := s.open(ctx, call, ModeListChange, func(id string) string { return ListChangeToolName(call.Tool, id) })
	if err != nil {
		return nil, err
	}

	sid := call.Session.ID
	s.tools.Hide(sid, call.Tool)
	err = s.tools.RegisterConfirmation(ctx, sid, visibility.Confirmation{
		Name:        rec.ConfirmationTool,
		Tool:        call.Tool,
		PaymentID:   rec.PaymentID,
		Description: fmt.Sprintf("Confirm payment %s of %s and run %s.", rec.PaymentID, rec.Price(), call.Tool),
	})
	if err != nil {
		if !s.tools.Awaiting(sid, call.Tool) {
			s.tools.Restore(sid, call.Tool)
		}
		s.discard(ctx, rec)
		return nil, fmt.Errorf("flow: register confirmation tool: %w", err)
	}
	s.tools.NotifyChanged(ctx, sid)

	return pending(rec, ModeListChange, OutcomePaymentRequired,
		fmt.Sprintf("Payment of %s required to run %s.", call.Price, call.Tool)), nil
}

// Confirm only succeeds for the session that opened the payment.
func (s *ListChange) Confirm(ctx context.Context, c *Confirmation) (*Outcome, error) {
	sid := c.Session.ID
	rec, err := s.lookup(ctx, c.PaymentID, c.Tool)
	if err != nil {
		var pe *PaymentError
		if errors.As(err, &pe) {
			// Gone for good: take the confirmation tool away too.
			s.cleanup(ctx, sid, c.Tool, c.Name)
		}
		return nil, err
	}
	if rec.SessionID != sid {
		return nil, &PaymentError{Err: payments.ErrPaymentNotFound, PaymentID: c.PaymentID}
	}

	st, err := s.status(ctx, rec)
	if err != nil {
		return nil, s.unavailable(rec, err)
	}
	switch st {
	case provider.StatusPaid:
		out, err := s.settle(ctx, rec, c.Handler, ModeListChange)
		if err != nil && err == ctx.Err() {
			// Not consumed; the confirmation tool stays for the next attempt.
			return nil, err
		}
		s.cleanup(ctx, sid, c.Tool, rec.ConfirmationTool)
		return out, err
	case provider.StatusFailed:
		s.discard(ctx, rec)
		s.cleanup(ctx, sid, c.Tool, rec.ConfirmationTool)
		return nil, &PaymentError{
			Err:       payments.ErrPaymentFailed,
			PaymentID: rec.PaymentID,
			NextStep:  fmt.Sprintf("Call %s again to start a new payment.", rec.ToolName),
		}
	default:
		return nil, s.notYetPaid(rec)
	}
}

func (s *ListChange) cleanup(ctx context.Context, sessionID, tool, confirmName string) {
	if err := s.tools.UnregisterConfirmation(ctx, sessionID, confirmName); err != nil {
		logging.L(ctx).Warn("failed to remove confirmation tool", "tool", confirmName, "error", err)
	}
	// Another payment for the same tool may still be open in this session.
	if !s.tools.Awaiting(sessionID, tool) {
		s.tools.Restore(sessionID, tool)
	}
	s.tools.NotifyChanged(ctx, sessionID)
}
