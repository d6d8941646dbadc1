package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v81"
	checkoutsession "github.com/stripe/stripe-go/v81/checkout/session"
)

// StripeConfig configures the Stripe Checkout provider.
type StripeConfig struct {
	SecretKey  string
	SuccessURL string
	CancelURL  string
	// BackendURL overrides the Stripe API endpoint (tests, stripe-mock).
	BackendURL string
}

// StripeProvider opens Stripe Checkout Sessions in payment mode.
type StripeProvider struct {
	sessions   *checkoutsession.Client
	successURL string
	cancelURL  string
}

// zeroDecimalCurrencies are charged in whole units by Stripe.
var zeroDecimalCurrencies = map[string]bool{
	"bif": true, "clp": true, "djf": true, "gnf": true, "jpy": true,
	"kmf": true, "krw": true, "mga": true, "pyg": true, "rwf": true,
	"ugx": true, "vnd": true, "vuv": true, "xaf": true, "xof": true, "xpf": true,
}

// NewStripeProvider creates a Stripe provider.
func NewStripeProvider(cfg StripeConfig) (*StripeProvider, error) {
	if cfg.SecretKey == "" {
		return nil, errors.New("provider: stripe secret key is required")
	}

	backend := stripe.GetBackend(stripe.APIBackend)
	if cfg.BackendURL != "" {
		backend = stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
			URL:               stripe.String(cfg.BackendURL),
			MaxNetworkRetries: stripe.Int64(0),
			LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelError},
		})
	}

	return &StripeProvider{
		sessions:   &checkoutsession.Client{B: backend, Key: cfg.SecretKey},
		successURL: cfg.SuccessURL,
		cancelURL:  cfg.CancelURL,
	}, nil
}

func (s *StripeProvider) Name() string { return "stripe" }

func (s *StripeProvider) CreatePayment(ctx context.Context, amount decimal.Decimal, currency, description string) (string, string, error) {
	currency = strings.ToLower(currency)
	unitAmount, err := MinorUnits(amount, currency)
	if err != nil {
		return "", "", err
	}

	params := &stripe.CheckoutSessionParams{
		Mode:       stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL: stripe.String(s.successURL),
		CancelURL:  stripe.String(s.cancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency: stripe.String(currency),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String(description),
				},
				UnitAmount: stripe.Int64(unitAmount),
			},
			Quantity: stripe.Int64(1),
		}},
	}
	params.Context = ctx

	sess, err := s.sessions.New(params)
	if err != nil {
		return "", "", classifyStripeError(err)
	}
	return sess.ID, sess.URL, nil
}

func (s *StripeProvider) GetPaymentStatus(ctx context.Context, id string) (Status, error) {
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx

	sess, err := s.sessions.Get(id, params)
	if err != nil {
		return "", classifyStripeError(err)
	}
	return checkoutStatus(sess), nil
}

func checkoutStatus(sess *stripe.CheckoutSession) Status {
	switch {
	case sess.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid,
		sess.PaymentStatus == stripe.CheckoutSessionPaymentStatusNoPaymentRequired:
		return StatusPaid
	case sess.Status == stripe.CheckoutSessionStatusExpired:
		return StatusFailed
	default:
		// Complete but unpaid means an asynchronous payment method is still settling.
		return StatusPending
	}
}

// MinorUnits converts amount into the currency's smallest unit.
func MinorUnits(amount decimal.Decimal, currency string) (int64, error) {
	if !amount.IsPositive() {
		return 0, fmt.Errorf("%w: amount must be positive", ErrRejected)
	}
	exp := int32(2)
	if zeroDecimalCurrencies[strings.ToLower(currency)] {
		exp = 0
	}
	minor := amount.Shift(exp)
	if !minor.Equal(minor.Truncate(0)) {
		return 0, fmt.Errorf("%w: %s has more precision than %s allows", ErrRejected, amount, strings.ToUpper(currency))
	}
	return minor.IntPart(), nil
}

func classifyStripeError(err error) error {
	var se *stripe.Error
	if errors.As(err, &se) {
		switch {
		case se.HTTPStatusCode == http.StatusNotFound:
			return fmt.Errorf("%w: %s", ErrUnknownPayment, se.Msg)
		case se.HTTPStatusCode >= 400 && se.HTTPStatusCode < 500 &&
			se.HTTPStatusCode != http.StatusTooManyRequests:
			return fmt.Errorf("%w: %s", ErrRejected, se.Msg)
		}
	}
	return err
}
