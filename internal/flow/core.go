package flow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/paymcp/internal/logging"
	"github.com/mbd888/paymcp/internal/payments"
	"github.com/mbd888/paymcp/internal/provider"
)

// core holds what every strategy shares: the repository and the steps of
// opening, checking and settling a payment.
type core struct {
	repo *payments.Repository
	ttl  time.Duration
}

func (c *core) open(ctx context.Context, call *Call, mode Mode, confirmName func(string) string) (*payments.Record, error) {
	desc := call.Description
	if desc == "" {
		desc = call.Tool
	}
	rec, err := c.repo.Create(ctx, payments.CreateInput{
		ToolName:         call.Tool,
		Arguments:        call.Arguments,
		SessionID:        call.Session.ID,
		Price:            call.Price,
		Description:      desc,
		TTL:              c.ttl,
		Flow:             string(mode),
		ConfirmationTool: confirmName,
	})
	if err != nil {
		if errors.Is(err, provider.ErrProviderUnavailable) {
			return nil, &PaymentError{
				Err:       err,
				NextStep:  "The payment provider is unavailable. Try the call again shortly.",
				Retryable: true,
			}
		}
		return nil, fmt.Errorf("flow: open payment for %s: %w", call.Tool, err)
	}
	logging.L(ctx).Info("payment opened",
		"tool", call.Tool, "payment_id", rec.PaymentID, "flow", string(mode), "price", call.Price.String())
	return rec, nil
}

// lookup finds a pending record for paymentID that confirms tool. A record
// consumed earlier reports ErrPaymentAlreadyUsed even after deletion.
func (c *core) lookup(ctx context.Context, paymentID, tool string) (*payments.Record, error) {
	rec, err := c.repo.Find(ctx, paymentID)
	if errors.Is(err, payments.ErrPaymentNotFound) {
		used, uerr := c.repo.WasUsed(ctx, paymentID)
		if uerr == nil && used {
			return nil, &PaymentError{Err: payments.ErrPaymentAlreadyUsed, PaymentID: paymentID}
		}
		return nil, &PaymentError{
			Err:       payments.ErrPaymentNotFound,
			PaymentID: paymentID,
			NextStep:  fmt.Sprintf("The payment is unknown or expired. Call %s again to start a new payment.", tool),
		}
	}
	if err != nil {
		return nil, fmt.Errorf("flow: find payment %s: %w", paymentID, err)
	}
	if rec.ToolName != tool {
		return nil, &PaymentError{Err: payments.ErrPaymentNotFound, PaymentID: paymentID}
	}
	if rec.Status != payments.StatusPending {
		return nil, &PaymentError{Err: payments.ErrPaymentAlreadyUsed, PaymentID: paymentID}
	}
	return rec, nil
}

func (c *core) status(ctx context.Context, rec *payments.Record) (provider.Status, error) {
	st, err := c.repo.Provider().GetPaymentStatus(ctx, rec.PaymentID)
	if err != nil {
		if errors.Is(err, provider.ErrUnknownPayment) {
			// The provider no longer knows the payment; nothing can settle it.
			return provider.StatusFailed, nil
		}
		return "", err
	}
	return st, nil
}

// confirm checks the provider and settles rec when it is paid. The returned
// error is a *PaymentError for every payment-level refusal.
func (c *core) confirm(ctx context.Context, rec *payments.Record, handler Handler, mode Mode) (*Outcome, error) {
	st, err := c.status(ctx, rec)
	if err != nil {
		return nil, c.unavailable(rec, err)
	}
	switch st {
	case provider.StatusPaid:
		return c.settle(ctx, rec, handler, mode)
	case provider.StatusFailed:
		c.discard(ctx, rec)
		return nil, &PaymentError{
			Err:        payments.ErrPaymentFailed,
			PaymentID:  rec.PaymentID,
			PaymentURL: rec.PaymentURL,
			NextStep:   fmt.Sprintf("Call %s again to start a new payment.", rec.ToolName),
		}
	default:
		return nil, c.notYetPaid(rec)
	}
}

// settle consumes rec and runs the tool. Only the caller that wins MarkUsed
// executes; everyone else gets ErrPaymentAlreadyUsed. The tool runs with the
// arguments stored at the moment of the transition.
func (c *core) settle(ctx context.Context, rec *payments.Record, handler Handler, mode Mode) (*Outcome, error) {
	// A caller that has gone away must not consume the payment.
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ok, err := c.repo.MarkUsed(ctx, rec.PaymentID)
	if err != nil {
		return nil, c.unavailable(rec, err)
	}
	if !ok {
		return nil, &PaymentError{Err: payments.ErrPaymentAlreadyUsed, PaymentID: rec.PaymentID}
	}

	args := rec.CloneArguments()
	if latest, err := c.repo.Find(ctx, rec.PaymentID); err == nil {
		args = latest.CloneArguments()
	}

	result, execErr := handler(ctx, args)
	c.discard(ctx, rec)
	if execErr != nil {
		logging.L(ctx).Error("paid tool failed",
			"tool", rec.ToolName, "payment_id", rec.PaymentID, "error", execErr)
		return nil, fmt.Errorf("flow: execute %s: %w", rec.ToolName, execErr)
	}

	logging.L(ctx).Info("paid tool executed", "tool", rec.ToolName, "payment_id", rec.PaymentID, "flow", string(mode))
	return &Outcome{
		Status:    OutcomeExecuted,
		Flow:      mode,
		Result:    result,
		PaymentID: rec.PaymentID,
	}, nil
}

func (c *core) discard(ctx context.Context, rec *payments.Record) {
	if err := c.repo.Delete(ctx, rec.PaymentID); err != nil {
		logging.L(ctx).Warn("failed to delete payment record", "payment_id", rec.PaymentID, "error", err)
	}
}

func (c *core) notYetPaid(rec *payments.Record) *PaymentError {
	return &PaymentError{
		Err:        payments.ErrPaymentNotYetPaid,
		PaymentID:  rec.PaymentID,
		PaymentURL: rec.PaymentURL,
		NextStep:   confirmInstruction(rec),
		Retryable:  true,
	}
}

func (c *core) unavailable(rec *payments.Record, err error) *PaymentError {
	if !errors.Is(err, provider.ErrProviderUnavailable) {
		err = fmt.Errorf("%w: %w", provider.ErrProviderUnavailable, err)
	}
	return &PaymentError{
		Err:        err,
		PaymentID:  rec.PaymentID,
		PaymentURL: rec.PaymentURL,
		NextStep:   "The payment is kept. " + confirmInstruction(rec),
		Retryable:  true,
	}
}

// pending is the outcome for a payment that is still open after the flow
// stopped waiting for it.
func pending(rec *payments.Record, mode Mode, status OutcomeStatus, message string) *Outcome {
	return &Outcome{
		Status:     status,
		Flow:       mode,
		PaymentID:  rec.PaymentID,
		PaymentURL: rec.PaymentURL,
		NextStep:   confirmInstruction(rec),
		Message:    message,
	}
}

func confirmInstruction(rec *payments.Record) string {
	switch {
	case rec.ConfirmationTool == "" || rec.Flow == string(ModeResubmit):
		return fmt.Sprintf("Complete the payment at %s, then call %s again with payment_id=%q.",
			rec.PaymentURL, rec.ToolName, rec.PaymentID)
	case rec.Flow == string(ModeListChange):
		return fmt.Sprintf("Complete the payment at %s, then call %s.", rec.PaymentURL, rec.ConfirmationTool)
	default:
		return fmt.Sprintf("Complete the payment at %s, then call %s with payment_id=%q.",
			rec.PaymentURL, rec.ConfirmationTool, rec.PaymentID)
	}
}
