// Package payments holds pending-payment records: the argument snapshot of a
// priced tool call, bound to the provider payment that must settle before the
// call may run.
package payments

import (
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrPaymentNotFound    = errors.New("payments: payment not found")
	ErrPaymentAlreadyUsed = errors.New("payments: payment already used")
	ErrPaymentNotYetPaid  = errors.New("payments: payment not yet paid")
	ErrPaymentFailed      = errors.New("payments: payment failed")
	ErrInvalidRecord      = errors.New("payments: invalid record")
)

// RecordStatus is the persisted status of a record. Expiry is implicit: an
// expired record is simply gone.
type RecordStatus string

const (
	StatusPending RecordStatus = "pending"
	StatusUsed    RecordStatus = "used"
)

// Price is the quoted price of a tool call.
type Price struct {
	Amount   decimal.Decimal
	Currency string
}

// ParsePrice parses a decimal amount and an ISO currency code.
func ParsePrice(amount, currency string) (Price, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(amount))
	if err != nil {
		return Price{}, fmt.Errorf("payments: invalid amount %q: %w", amount, err)
	}
	p := Price{Amount: d, Currency: strings.ToUpper(strings.TrimSpace(currency))}
	if err := p.Validate(); err != nil {
		return Price{}, err
	}
	return p, nil
}

// MustPrice is ParsePrice for static tool definitions.
func MustPrice(amount, currency string) Price {
	p, err := ParsePrice(amount, currency)
	if err != nil {
		panic(err)
	}
	return p
}

// Validate checks the amount is positive and the currency looks like a code.
func (p Price) Validate() error {
	if !p.Amount.IsPositive() {
		return fmt.Errorf("payments: price must be positive, got %s", p.Amount)
	}
	if len(p.Currency) != 3 {
		return fmt.Errorf("payments: invalid currency %q", p.Currency)
	}
	return nil
}

func (p Price) String() string {
	return p.Amount.StringFixed(2) + " " + p.Currency
}

// Record is a pending payment for one priced tool call.
type Record struct {
	PaymentID        string          `json:"payment_id"`
	ToolName         string          `json:"tool_name"`
	Arguments        map[string]any  `json:"arguments"`
	SessionID        string          `json:"session_id"`
	Status           RecordStatus    `json:"status"`
	CreatedAt        time.Time       `json:"created_at"`
	TTLSeconds       int64           `json:"ttl_seconds"`
	ConfirmationTool string          `json:"confirmation_tool,omitempty"`
	PaymentURL       string          `json:"payment_url,omitempty"`
	Amount           decimal.Decimal `json:"amount"`
	Currency         string          `json:"currency"`
	Provider         string          `json:"provider"`
	Flow             string          `json:"flow,omitempty"`
}

// ExpiresAt returns when the record stops being reachable.
func (r *Record) ExpiresAt() time.Time {
	return r.CreatedAt.Add(time.Duration(r.TTLSeconds) * time.Second)
}

// Price returns the quoted price.
func (r *Record) Price() Price {
	return Price{Amount: r.Amount, Currency: r.Currency}
}

// BelongsTo reports whether the record was opened by session for tool.
func (r *Record) BelongsTo(sessionID, toolName string) bool {
	return r.SessionID == sessionID && r.ToolName == toolName
}

// CloneArguments returns a shallow copy of the stored arguments.
func (r *Record) CloneArguments() map[string]any {
	if r.Arguments == nil {
		return map[string]any{}
	}
	return maps.Clone(r.Arguments)
}
