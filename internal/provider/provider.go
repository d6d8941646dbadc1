// Package provider defines the payment provider collaborator and its
// implementations. Providers open a hosted payment and report its status;
// everything else about checkout UX stays on the provider side.
package provider

import (
	"context"
	"errors"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	ErrProviderUnavailable = errors.New("provider: unavailable")
	ErrUnknownPayment      = errors.New("provider: unknown payment")
	ErrRejected            = errors.New("provider: request rejected")
)

// Status is the normalized provider payment status.
type Status string

const (
	StatusPaid    Status = "paid"
	StatusPending Status = "pending"
	StatusFailed  Status = "failed"
)

// Provider is the external payment collaborator.
type Provider interface {
	Name() string
	CreatePayment(ctx context.Context, amount decimal.Decimal, currency, description string) (id, url string, err error)
	GetPaymentStatus(ctx context.Context, id string) (Status, error)
}

var (
	paidWords = map[string]bool{
		"paid": true, "succeeded": true, "success": true, "complete": true,
		"completed": true, "captured": true, "confirmed": true, "approved": true,
		"no_payment_required": true,
	}
	failedWords = map[string]bool{
		"failed": true, "canceled": true, "cancelled": true, "void": true,
		"voided": true, "declined": true, "error": true, "expired": true,
		"refused": true, "rejected": true,
	}
)

// NormalizeStatus maps a provider-specific status word onto paid, pending or
// failed. Unknown words are treated as pending.
func NormalizeStatus(raw string) Status {
	s := strings.ToLower(strings.TrimSpace(raw))
	switch {
	case paidWords[s]:
		return StatusPaid
	case failedWords[s]:
		return StatusFailed
	default:
		return StatusPending
	}
}
