package flow

import (
	"context"
	"errors"
	"fmt"

	"github.com/mbd888/paymcp/internal/logging"
	"github.com/mbd888/paymcp/internal/metrics"
	"github.com/mbd888/paymcp/internal/payments"
	"github.com/mbd888/paymcp/internal/provider"
	"github.com/mbd888/paymcp/internal/syncutil"
)

// Recovery tracks calls interrupted while waiting for payment and lets a later
// call pick the pending payment up again instead of opening a new one.
type Recovery struct {
	core  *core
	locks *syncutil.Striped
}

// Acquire resumes the pending payment for the call or opens a new one.
// Calls from one session to one tool are serialized here, so concurrent
// retries within a process share a payment instead of opening several.
func (r *Recovery) Acquire(ctx context.Context, call *Call, mode Mode) (*payments.Record, error) {
	unlock, err := r.locks.Lock(ctx, call.Session.ID+"\x00"+call.Tool)
	if err != nil {
		return nil, err
	}
	defer unlock()

	rec, err := r.Resume(ctx, call)
	if err != nil || rec != nil {
		return rec, err
	}
	return r.core.open(ctx, call, mode, func(string) string { return ConfirmToolName(call.Tool) })
}

// Aborted records that the call waiting on rec went away. The record stays
// pending so a later call can resume it.
func (r *Recovery) Aborted(ctx context.Context, rec *payments.Record, cause error) {
	metrics.RecoveriesTotal.WithLabelValues("aborted").Inc()
	logging.L(ctx).Warn("payment wait interrupted, record kept for recovery",
		"tool", rec.ToolName, "payment_id", rec.PaymentID, "session", rec.SessionID, "cause", cause)
}

// Resume returns the pending record the call should continue with, or nil
// when there is none. An explicit payment id must belong to the calling
// session and tool. Records the provider reports as failed are discarded.
func (r *Recovery) Resume(ctx context.Context, call *Call) (*payments.Record, error) {
	var rec *payments.Record
	if call.PaymentID != "" {
		found, err := r.core.lookup(ctx, call.PaymentID, call.Tool)
		if err != nil {
			return nil, err
		}
		if found.SessionID != call.Session.ID {
			return nil, &PaymentError{Err: payments.ErrPaymentNotFound, PaymentID: call.PaymentID}
		}
		rec = found
	} else {
		found, err := r.core.repo.FindForSession(ctx, call.Session.ID, call.Tool)
		if errors.Is(err, payments.ErrPaymentNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("flow: resume lookup: %w", err)
		}
		rec = found
	}

	st, err := r.core.status(ctx, rec)
	if err != nil {
		// Keep it; the flow re-checks the status and reports the outage.
		metrics.RecoveriesTotal.WithLabelValues("resumed").Inc()
		return rec, nil
	}
	if st == provider.StatusFailed {
		metrics.RecoveriesTotal.WithLabelValues("discarded").Inc()
		logging.L(ctx).Info("discarding failed payment instead of resuming",
			"tool", rec.ToolName, "payment_id", rec.PaymentID)
		r.core.discard(ctx, rec)
		return nil, nil
	}

	metrics.RecoveriesTotal.WithLabelValues("resumed").Inc()
	logging.L(ctx).Info("resuming pending payment",
		"tool", rec.ToolName, "payment_id", rec.PaymentID, "status", string(st))
	return rec, nil
}
