package flow

import (
	"context"
	"errors"
	"fmt"

	"github.com/mbd888/paymcp/internal/payments"
)

// Resubmit asks the client to call the same tool again with the payment id.
// Each resubmission replaces the stored arguments, so the tool always runs
// with the latest ones.
type Resubmit struct {
	core
}

func (s *Resubmit) Mode() Mode { return ModeResubmit }

func (s *Resubmit) Execute(ctx context.Context, call *Call) (*Outcome, error) {
	if call.PaymentID == "" {
		rec, err := s.open(ctx, call, ModeResubmit, func(string) string { return ConfirmToolName(call.Tool) })
		if err != nil {
			return nil, err
		}
		return pending(rec, ModeResubmit, OutcomePaymentRequired,
			fmt.Sprintf("Payment of %s required to run %s.", call.Price, call.Tool)), nil
	}

	rec, err := s.lookup(ctx, call.PaymentID, call.Tool)
	if err != nil {
		return nil, err
	}
	if rec.SessionID != call.Session.ID {
		return nil, &PaymentError{Err: payments.ErrPaymentNotFound, PaymentID: call.PaymentID}
	}

	if err := s.repo.UpdateArguments(ctx, rec.PaymentID, call.Arguments); err != nil {
		if errors.Is(err, payments.ErrPaymentAlreadyUsed) || errors.Is(err, payments.ErrPaymentNotFound) {
			return nil, &PaymentError{Err: err, PaymentID: rec.PaymentID}
		}
		return nil, s.unavailable(rec, err)
	}
	rec.Arguments = call.Arguments
	return s.confirm(ctx, rec, call.Handler, ModeResubmit)
}

func (s *Resubmit) Confirm(ctx context.Context, c *Confirmation) (*Outcome, error) {
	return confirmByID(ctx, &s.core, c, ModeResubmit)
}
