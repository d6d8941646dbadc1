// Package flow orchestrates priced tool calls: it picks a payment flow per
// call, opens and tracks provider payments, and runs the underlying tool
// exactly once after the payment is confirmed.
package flow

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mbd888/paymcp/internal/payments"
	"github.com/mbd888/paymcp/internal/session"
)

// Mode names a payment flow.
type Mode string

const (
	ModeTwoStep     Mode = "two_step"
	ModeElicitation Mode = "elicitation"
	ModeProgress    Mode = "progress"
	ModeResubmit    Mode = "resubmit"
	ModeListChange  Mode = "list_change"
	ModeAuto        Mode = "auto"
)

var (
	ErrUnknownMode      = errors.New("flow: unknown mode")
	ErrMissingPaymentID = errors.New("flow: payment_id is required")
)

// ParseMode accepts mode names in any case, with '-' or '_' separators.
// An empty string selects ModeAuto.
func ParseMode(s string) (Mode, error) {
	norm := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_")
	switch Mode(norm) {
	case "":
		return ModeAuto, nil
	case ModeTwoStep, ModeElicitation, ModeProgress, ModeResubmit, ModeListChange, ModeAuto:
		return Mode(norm), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownMode, s)
}

// Handler runs the underlying priced tool. The result is opaque to this
// package and handed back to the host unchanged.
type Handler func(ctx context.Context, args map[string]any) (any, error)

// ElicitAction is the client's answer to an elicitation request.
type ElicitAction string

const (
	ElicitAccept  ElicitAction = "accept"
	ElicitDecline ElicitAction = "decline"
	ElicitCancel  ElicitAction = "cancel"
)

// Elicitor asks the client, mid-call, to complete a payment.
type Elicitor interface {
	Elicit(ctx context.Context, message, paymentURL string) (ElicitAction, error)
}

// ProgressReporter streams progress for the current call.
type ProgressReporter interface {
	Report(ctx context.Context, progress, total float64, message string) error
}

// PaymentIDArgument is the argument a client uses to refer to an existing payment.
const PaymentIDArgument = "payment_id"

// Call is one invocation of a priced tool.
type Call struct {
	Tool        string
	Arguments   map[string]any // without control arguments
	PaymentID   string         // explicit payment reference, if any
	Session     session.Identity
	Price       payments.Price
	Description string
	Handler     Handler

	ElicitationSupported bool
	Elicitor             Elicitor         // nil when the client cannot elicit
	Progress             ProgressReporter // nil when the client sent no progress token
}

// Confirmation is one invocation of a confirmation tool.
type Confirmation struct {
	Name      string // the confirmation tool that was called
	Tool      string // the priced tool it confirms
	PaymentID string
	Session   session.Identity
	Handler   Handler
}

// OutcomeStatus summarizes what a flow did with a call.
type OutcomeStatus string

const (
	OutcomeExecuted        OutcomeStatus = "executed"
	OutcomePaymentRequired OutcomeStatus = "payment_required"
	OutcomePending         OutcomeStatus = "pending"
	OutcomeCancelled       OutcomeStatus = "cancelled"
	OutcomeFailed          OutcomeStatus = "failed"
	OutcomeTimeout         OutcomeStatus = "timeout"
)

// Outcome is the result of a flow step. Result is set only when the tool ran.
type Outcome struct {
	Status     OutcomeStatus
	Flow       Mode
	Result     any
	PaymentID  string
	PaymentURL string
	NextStep   string
	Message    string
}

// Strategy is one payment flow.
type Strategy interface {
	Mode() Mode
	// Execute handles a call to the priced tool itself.
	Execute(ctx context.Context, call *Call) (*Outcome, error)
	// Confirm handles a call to a confirmation tool.
	Confirm(ctx context.Context, c *Confirmation) (*Outcome, error)
}

// PaymentError is a payment failure with the next action for the caller.
type PaymentError struct {
	Err        error
	PaymentID  string
	PaymentURL string
	NextStep   string
	Retryable  bool
}

func (e *PaymentError) Error() string {
	if e.PaymentID == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s (payment %s)", e.Err.Error(), e.PaymentID)
}

func (e *PaymentError) Unwrap() error { return e.Err }

// ConfirmToolName is the shared confirmation tool of a priced tool.
func ConfirmToolName(tool string) string {
	return "confirm_" + tool + "_payment"
}

// ListChangeToolName is the per-payment confirmation tool used by LIST_CHANGE.
func ListChangeToolName(tool, paymentID string) string {
	return "confirm_" + tool + "_" + paymentID
}

// SplitArguments separates the payment reference from the tool arguments.
func SplitArguments(args map[string]any) (map[string]any, string) {
	out := session.StripArguments(args)
	pid, _ := out[PaymentIDArgument].(string)
	delete(out, PaymentIDArgument)
	return out, strings.TrimSpace(pid)
}
