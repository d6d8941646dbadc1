package provider

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/mbd888/paymcp/internal/idgen"
)

// MemoryPayment is a payment held by MemoryProvider.
type MemoryPayment struct {
	ID          string
	URL         string
	Amount      decimal.Decimal
	Currency    string
	Description string
	Status      Status
}

// MemoryProvider is an in-process provider for demos and tests. Payments stay
// pending until SetStatus is called, typically from the demo checkout page.
type MemoryProvider struct {
	mu          sync.Mutex
	baseURL     string
	payments    map[string]*MemoryPayment
	failures    map[string]int // op -> remaining injected failures
	statusCalls int
}

// NewMemoryProvider creates a provider whose payment links live under baseURL.
func NewMemoryProvider(baseURL string) *MemoryProvider {
	return &MemoryProvider{
		baseURL:  strings.TrimRight(baseURL, "/"),
		payments: make(map[string]*MemoryPayment),
		failures: make(map[string]int),
	}
}

func (m *MemoryProvider) Name() string { return "memory" }

func (m *MemoryProvider) CreatePayment(_ context.Context, amount decimal.Decimal, currency, description string) (string, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.injected("create"); err != nil {
		return "", "", err
	}
	id := idgen.WithPrefix("pay_")
	p := &MemoryPayment{
		ID:          id,
		URL:         m.baseURL + "/" + id,
		Amount:      amount,
		Currency:    strings.ToUpper(currency),
		Description: description,
		Status:      StatusPending,
	}
	m.payments[id] = p
	return p.ID, p.URL, nil
}

func (m *MemoryProvider) GetPaymentStatus(_ context.Context, id string) (Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.statusCalls++
	if err := m.injected("status"); err != nil {
		return "", err
	}
	p, ok := m.payments[id]
	if !ok {
		return "", ErrUnknownPayment
	}
	return p.Status, nil
}

// SetStatus moves a payment to the given status.
func (m *MemoryProvider) SetStatus(id string, status Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.payments[id]
	if !ok {
		return ErrUnknownPayment
	}
	p.Status = status
	return nil
}

// Payment returns a copy of a stored payment.
func (m *MemoryProvider) Payment(id string) (MemoryPayment, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.payments[id]
	if !ok {
		return MemoryPayment{}, false
	}
	return *p, true
}

// Count returns the number of payments opened so far.
func (m *MemoryProvider) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.payments)
}

// StatusCalls returns how many status lookups have been served.
func (m *MemoryProvider) StatusCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statusCalls
}

// FailNext makes the next n calls of op ("create" or "status") fail with a
// transient error.
func (m *MemoryProvider) FailNext(op string, n int) {
	m.mu.Lock()
	m.failures[op] = n
	m.mu.Unlock()
}

// Caller must hold m.mu.
func (m *MemoryProvider) injected(op string) error {
	if m.failures[op] > 0 {
		m.failures[op]--
		return fmt.Errorf("memory provider: injected %s failure", op)
	}
	return nil
}
