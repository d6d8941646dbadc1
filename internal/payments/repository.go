package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/mbd888/paymcp/internal/logging"
	"github.com/mbd888/paymcp/internal/metrics"
	"github.com/mbd888/paymcp/internal/provider"
	"github.com/mbd888/paymcp/internal/state"
	"github.com/mbd888/paymcp/internal/validation"
)

// DefaultTTL is how long a pending record lives when no TTL is configured.
const DefaultTTL = time.Hour

// MaxDescriptionLength bounds the payment description shown on checkout pages.
const MaxDescriptionLength = 500

// maxSwapAttempts bounds the read/compare-and-swap loop. Losing a swap means
// another writer changed the record in between, which is rare.
const maxSwapAttempts = 32

// CreateInput describes a record to open.
type CreateInput struct {
	ToolName    string
	Arguments   map[string]any
	SessionID   string
	Price       Price
	Description string
	TTL         time.Duration
	Flow        string
	// ConfirmationTool names the confirmation tool once the payment id is known.
	ConfirmationTool func(paymentID string) string
}

// Repository stores payment records in a state.Store. It is safe for
// concurrent use, and across processes when the store is shared.
type Repository struct {
	store    state.Store
	provider provider.Provider
	ttl      time.Duration
	now      func() time.Time
}

// Option configures a Repository.
type Option func(*Repository)

// WithTTL sets the default record TTL.
func WithTTL(ttl time.Duration) Option {
	return func(r *Repository) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

// WithClock replaces the time source used for CreatedAt.
func WithClock(now func() time.Time) Option {
	return func(r *Repository) { r.now = now }
}

// NewRepository creates a repository over store, opening payments with p.
func NewRepository(store state.Store, p provider.Provider, opts ...Option) (*Repository, error) {
	store, err := state.NewStore(store)
	if err != nil {
		return nil, fmt.Errorf("payments: %w", err)
	}
	if p == nil {
		return nil, errors.New("payments: nil provider")
	}
	r := &Repository{store: store, provider: p, ttl: DefaultTTL, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Provider returns the provider payments are opened with.
func (r *Repository) Provider() provider.Provider { return r.provider }

// TTL returns the default record TTL.
func (r *Repository) TTL() time.Duration { return r.ttl }

func recordKey(paymentID string) string { return state.Key("pending", paymentID) }
func usedKey(paymentID string) string   { return state.Key("used", paymentID) }
func sessionKey(sessionID, toolName string) string {
	return state.Key("session", sessionID, toolName)
}

// Create opens a provider payment and persists its pending record together
// with the (session, tool) recovery index.
func (r *Repository) Create(ctx context.Context, in CreateInput) (*Record, error) {
	if in.ToolName == "" || in.SessionID == "" {
		return nil, fmt.Errorf("%w: tool name and session id are required", ErrInvalidRecord)
	}
	if err := in.Price.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	ttl := in.TTL
	if ttl <= 0 {
		ttl = r.ttl
	}
	description := validation.SanitizeString(in.Description, MaxDescriptionLength)
	if description == "" {
		description = in.ToolName
	}

	id, url, err := r.provider.CreatePayment(ctx, in.Price.Amount, in.Price.Currency, description)
	if err != nil {
		return nil, err
	}
	metrics.PaymentsCreatedTotal.WithLabelValues(r.provider.Name(), in.Flow).Inc()

	rec := &Record{
		PaymentID:  id,
		ToolName:   in.ToolName,
		Arguments:  maps.Clone(in.Arguments),
		SessionID:  in.SessionID,
		Status:     StatusPending,
		CreatedAt:  r.now().UTC(),
		TTLSeconds: int64(ttl / time.Second),
		PaymentURL: url,
		Amount:     in.Price.Amount,
		Currency:   in.Price.Currency,
		Provider:   r.provider.Name(),
		Flow:       in.Flow,
	}
	if rec.Arguments == nil {
		rec.Arguments = map[string]any{}
	}
	if in.ConfirmationTool != nil {
		rec.ConfirmationTool = in.ConfirmationTool(id)
	}

	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("payments: encode record: %w", err)
	}
	err = r.store.Set(ctx, recordKey(id), raw, ttl)
	r.observe("create", err)
	if err != nil {
		return nil, err
	}

	if err := r.store.Set(ctx, sessionKey(in.SessionID, in.ToolName), []byte(id), ttl); err != nil {
		// The record is usable without the index; only session-based recovery is lost.
		logging.L(ctx).Warn("failed to index pending payment by session",
			"payment_id", id, "session", in.SessionID, "tool", in.ToolName, "error", err)
	}
	return rec, nil
}

// Find returns the live record for paymentID.
func (r *Repository) Find(ctx context.Context, paymentID string) (*Record, error) {
	rec, _, err := r.load(ctx, paymentID)
	r.observe("find", ignoreNotFound(err))
	return rec, err
}

// FindForSession returns the most recent pending record opened by sessionID
// for toolName.
func (r *Repository) FindForSession(ctx context.Context, sessionID, toolName string) (*Record, error) {
	raw, err := r.store.Get(ctx, sessionKey(sessionID, toolName))
	if errors.Is(err, state.ErrNotFound) {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, err
	}
	rec, err := r.Find(ctx, string(raw))
	if err != nil {
		return nil, err
	}
	if !rec.BelongsTo(sessionID, toolName) || rec.Status != StatusPending {
		return nil, ErrPaymentNotFound
	}
	return rec, nil
}

// MarkUsed atomically moves a pending record to used. Exactly one caller
// observes true for a given payment; every other caller, and any call on an
// absent or expired record, gets false.
func (r *Repository) MarkUsed(ctx context.Context, paymentID string) (bool, error) {
	for attempt := 0; attempt < maxSwapAttempts; attempt++ {
		rec, raw, err := r.load(ctx, paymentID)
		if errors.Is(err, ErrPaymentNotFound) {
			return false, nil
		}
		if err != nil {
			r.observe("mark_used", err)
			return false, err
		}
		if rec.Status != StatusPending {
			r.observe("mark_used", nil)
			return false, nil
		}

		rec.Status = StatusUsed
		next, err := json.Marshal(rec)
		if err != nil {
			return false, fmt.Errorf("payments: encode record: %w", err)
		}
		swapped, err := r.store.CompareAndSwap(ctx, recordKey(paymentID), raw, next)
		if err != nil {
			r.observe("mark_used", err)
			return false, err
		}
		if !swapped {
			continue
		}
		r.observe("mark_used", nil)

		if err := r.store.Set(ctx, usedKey(paymentID), []byte(rec.ToolName), r.markerTTL(rec)); err != nil {
			logging.L(ctx).Warn("failed to write used marker", "payment_id", paymentID, "error", err)
		}
		return true, nil
	}
	return false, fmt.Errorf("payments: mark used %s: too many concurrent writers", paymentID)
}

// markerTTL keeps the used marker at least as long as rec could still be
// presented for confirmation.
func (r *Repository) markerTTL(rec *Record) time.Duration {
	remaining := rec.ExpiresAt().Sub(r.now())
	if remaining < r.ttl {
		return r.ttl
	}
	return remaining
}

// WasUsed reports whether paymentID has already been consumed, even if its
// record has since been deleted.
func (r *Repository) WasUsed(ctx context.Context, paymentID string) (bool, error) {
	return r.store.Has(ctx, usedKey(paymentID))
}

// UpdateArguments replaces the stored argument snapshot of a pending record.
// Status and expiry are left untouched.
func (r *Repository) UpdateArguments(ctx context.Context, paymentID string, args map[string]any) error {
	for attempt := 0; attempt < maxSwapAttempts; attempt++ {
		rec, raw, err := r.load(ctx, paymentID)
		if err != nil {
			r.observe("update_arguments", ignoreNotFound(err))
			return err
		}
		if rec.Status != StatusPending {
			return ErrPaymentAlreadyUsed
		}

		rec.Arguments = maps.Clone(args)
		if rec.Arguments == nil {
			rec.Arguments = map[string]any{}
		}
		next, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("payments: encode record: %w", err)
		}
		swapped, err := r.store.CompareAndSwap(ctx, recordKey(paymentID), raw, next)
		if err != nil {
			r.observe("update_arguments", err)
			return err
		}
		if swapped {
			r.observe("update_arguments", nil)
			return nil
		}
	}
	return fmt.Errorf("payments: update arguments %s: too many concurrent writers", paymentID)
}

// Delete removes the record and, if it still points at this payment, the
// session index entry. Deleting an absent record is not an error.
func (r *Repository) Delete(ctx context.Context, paymentID string) error {
	rec, _, err := r.load(ctx, paymentID)
	if err != nil && !errors.Is(err, ErrPaymentNotFound) {
		return err
	}

	err = r.store.Delete(ctx, recordKey(paymentID))
	r.observe("delete", err)
	if err != nil {
		return err
	}

	if rec != nil {
		idx := sessionKey(rec.SessionID, rec.ToolName)
		if cur, err := r.store.Get(ctx, idx); err == nil && string(cur) == paymentID {
			if err := r.store.Delete(ctx, idx); err != nil {
				logging.L(ctx).Warn("failed to drop session index", "payment_id", paymentID, "error", err)
			}
		}
	}
	return nil
}

// Exists reports whether a live record exists for paymentID.
func (r *Repository) Exists(ctx context.Context, paymentID string) (bool, error) {
	return r.store.Has(ctx, recordKey(paymentID))
}

func (r *Repository) load(ctx context.Context, paymentID string) (*Record, []byte, error) {
	if paymentID == "" {
		return nil, nil, ErrPaymentNotFound
	}
	raw, err := r.store.Get(ctx, recordKey(paymentID))
	if errors.Is(err, state.ErrNotFound) {
		return nil, nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, nil, err
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, nil, fmt.Errorf("payments: decode record %s: %w", paymentID, err)
	}
	return &rec, raw, nil
}

func (r *Repository) observe(op string, err error) {
	metrics.StateOperationsTotal.WithLabelValues(r.store.Backend(), op, metrics.Result(err)).Inc()
}

func ignoreNotFound(err error) error {
	if errors.Is(err, ErrPaymentNotFound) {
		return nil
	}
	return err
}
