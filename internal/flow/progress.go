package flow

import (
	"context"
	"fmt"
	"time"

	"github.com/mbd888/paymcp/internal/logging"
	"github.com/mbd888/paymcp/internal/payments"
	"github.com/mbd888/paymcp/internal/provider"
)

const (
	DefaultPollInterval = 3 * time.Second
	DefaultMaxWait      = 15 * time.Minute
)

// Progress keeps the call open and polls the provider, streaming progress to
// the client until the payment settles or MaxWait passes.
type Progress struct {
	core
	recovery *Recovery
	interval time.Duration
	maxWait  time.Duration
}

func (s *Progress) Mode() Mode { return ModeProgress }

func (s *Progress) Execute(ctx context.Context, call *Call) (*Outcome, error) {
	rec, err := s.recovery.Acquire(ctx, call, ModeProgress)
	if err != nil {
		return nil, err
	}

	report := func(progress float64, msg string) {
		if call.Progress == nil {
			return
		}
		if err := call.Progress.Report(ctx, progress, 100, msg); err != nil {
			logging.L(ctx).Debug("progress report failed", "payment_id", rec.PaymentID, "error", err)
		}
	}

	report(0, fmt.Sprintf("Waiting for payment of %s at %s", rec.Price(), rec.PaymentURL))

	start := time.Now()
	deadline := time.NewTimer(s.maxWait)
	defer deadline.Stop()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			s.recovery.Aborted(ctx, rec, ctx.Err())
			return nil, ctx.Err()
		}

		st, err := s.status(ctx, rec)
		switch {
		case err != nil:
			logging.L(ctx).Warn("payment status poll failed", "payment_id", rec.PaymentID, "error", err)
		case st == provider.StatusPaid:
			report(100, "Payment received")
			out, err := s.settle(ctx, rec, call.Handler, ModeProgress)
			if err != nil && err == ctx.Err() {
				s.recovery.Aborted(ctx, rec, ctx.Err())
				return nil, ctx.Err()
			}
			return out, err
		case st == provider.StatusFailed:
			s.discard(ctx, rec)
			return &Outcome{
				Status:    OutcomeFailed,
				Flow:      ModeProgress,
				PaymentID: rec.PaymentID,
				Message:   "The payment failed; the tool was not run.",
			}, nil
		default:
			report(waitProgress(time.Since(start), s.maxWait), "Waiting for payment")
		}

		select {
		case <-ctx.Done():
			s.recovery.Aborted(ctx, rec, ctx.Err())
			return nil, ctx.Err()
		case <-deadline.C:
			return s.timedOut(rec), nil
		case <-ticker.C:
		}
	}
}

func (s *Progress) timedOut(rec *payments.Record) *Outcome {
	return pending(rec, ModeProgress, OutcomeTimeout,
		fmt.Sprintf("Payment not received within %s.", s.maxWait))
}

func (s *Progress) Confirm(ctx context.Context, c *Confirmation) (*Outcome, error) {
	return confirmByID(ctx, &s.core, c, ModeProgress)
}

// waitProgress maps elapsed waiting time to 0..99; 100 is reserved for paid.
func waitProgress(elapsed, maxWait time.Duration) float64 {
	if maxWait <= 0 {
		return 0
	}
	p := float64(elapsed) / float64(maxWait) * 100
	if p > 99 {
		p = 99
	}
	return float64(int(p))
}
