package flow

import (
	"context"
	"fmt"
)

// TwoStep returns a payment link on the first call and runs the tool when the
// client calls the confirmation tool with the payment id.
type TwoStep struct {
	core
}

func (s *TwoStep) Mode() Mode { return ModeTwoStep }

func (s *TwoStep) Execute(ctx context.Context, call *Call) (*Outcome, error) {
	rec, err := s.open(ctx, call, ModeTwoStep, func(string) string { return ConfirmToolName(call.Tool) })
	if err != nil {
		return nil, err
	}
	return pending(rec, ModeTwoStep, OutcomePaymentRequired,
		fmt.Sprintf("Payment of %s required to run %s.", call.Price, call.Tool)), nil
}

func (s *TwoStep) Confirm(ctx context.Context, c *Confirmation) (*Outcome, error) {
	return confirmByID(ctx, &s.core, c, ModeTwoStep)
}

// confirmByID is the shared-confirmation-tool path used by every flow except
// LIST_CHANGE. The payment id is a bearer reference, so the calling session
// does not need to match the one that opened it.
func confirmByID(ctx context.Context, c *core, conf *Confirmation, mode Mode) (*Outcome, error) {
	if conf.PaymentID == "" {
		return nil, &PaymentError{
			Err:      ErrMissingPaymentID,
			NextStep: fmt.Sprintf("Call %s with the payment_id returned by %s.", conf.Name, conf.Tool),
		}
	}
	rec, err := c.lookup(ctx, conf.PaymentID, conf.Tool)
	if err != nil {
		return nil, err
	}
	return c.confirm(ctx, rec, conf.Handler, mode)
}
