// Package visibility tracks, per session, which priced tools are hidden while
// a payment is outstanding and which confirmation tools stand in for them.
package visibility

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/mbd888/paymcp/internal/logging"
	"github.com/mbd888/paymcp/internal/metrics"
)

var ErrNotifyFailed = errors.New("visibility: tool list notification failed")

// Confirmation is a session-scoped confirmation tool bound to one payment.
type Confirmation struct {
	Name        string
	Tool        string // the priced tool it confirms
	PaymentID   string
	Description string
}

// Registry adds and removes tools that only one session can see.
type Registry interface {
	AddSessionTool(ctx context.Context, sessionID string, c Confirmation) error
	RemoveSessionTool(ctx context.Context, sessionID, name string) error
}

// Notifier tells one session that its tool list changed.
type Notifier interface {
	NotifyToolsChanged(ctx context.Context, sessionID string) error
}

type sessionState struct {
	hidden        map[string]struct{}
	confirmations map[string]Confirmation
}

func (s *sessionState) empty() bool {
	return len(s.hidden) == 0 && len(s.confirmations) == 0
}

// Manager owns the visibility state of every session. State for one session
// is never visible to another.
type Manager struct {
	registry Registry
	notifier Notifier

	mu       sync.Mutex
	sessions map[string]*sessionState
	hidden   int
}

// NewManager creates a manager. A nil notifier disables notifications.
func NewManager(registry Registry, notifier Notifier) *Manager {
	return &Manager{
		registry: registry,
		notifier: notifier,
		sessions: make(map[string]*sessionState),
	}
}

// Hide removes tool from sessionID's tool list.
func (m *Manager) Hide(sessionID, tool string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.stateLocked(sessionID)
	if _, ok := st.hidden[tool]; ok {
		return
	}
	st.hidden[tool] = struct{}{}
	m.hidden++
	metrics.HiddenTools.Set(float64(m.hidden))
}

// Restore makes tool visible to sessionID again.
func (m *Manager) Restore(sessionID, tool string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.sessions[sessionID]
	if !ok {
		return
	}
	if _, ok := st.hidden[tool]; ok {
		delete(st.hidden, tool)
		m.hidden--
		metrics.HiddenTools.Set(float64(m.hidden))
	}
	m.dropIfEmptyLocked(sessionID, st)
}

// IsHidden reports whether tool is hidden for sessionID.
func (m *Manager) IsHidden(sessionID, tool string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.sessions[sessionID]
	if !ok {
		return false
	}
	_, hidden := st.hidden[tool]
	return hidden
}

// Filter returns names minus the tools hidden for sessionID, preserving order.
func (m *Manager) Filter(sessionID string, names []string) []string {
	m.mu.Lock()
	st, ok := m.sessions[sessionID]
	var hidden map[string]struct{}
	if ok {
		hidden = make(map[string]struct{}, len(st.hidden))
		for k := range st.hidden {
			hidden[k] = struct{}{}
		}
	}
	m.mu.Unlock()

	out := make([]string, 0, len(names))
	for _, n := range names {
		if _, skip := hidden[n]; !skip {
			out = append(out, n)
		}
	}
	return out
}

// RegisterConfirmation records c for sessionID and registers it with the
// host. On registry failure the state is rolled back.
func (m *Manager) RegisterConfirmation(ctx context.Context, sessionID string, c Confirmation) error {
	m.mu.Lock()
	m.stateLocked(sessionID).confirmations[c.Name] = c
	m.mu.Unlock()

	if m.registry == nil {
		return nil
	}
	if err := m.registry.AddSessionTool(ctx, sessionID, c); err != nil {
		m.mu.Lock()
		if st, ok := m.sessions[sessionID]; ok {
			delete(st.confirmations, c.Name)
			m.dropIfEmptyLocked(sessionID, st)
		}
		m.mu.Unlock()
		return fmt.Errorf("visibility: register %s: %w", c.Name, err)
	}
	return nil
}

// UnregisterConfirmation removes a confirmation tool from sessionID.
// Removing an unknown confirmation is a no-op.
func (m *Manager) UnregisterConfirmation(ctx context.Context, sessionID, name string) error {
	m.mu.Lock()
	st, ok := m.sessions[sessionID]
	if ok {
		_, ok = st.confirmations[name]
		delete(st.confirmations, name)
		m.dropIfEmptyLocked(sessionID, st)
	}
	m.mu.Unlock()

	if !ok || m.registry == nil {
		return nil
	}
	if err := m.registry.RemoveSessionTool(ctx, sessionID, name); err != nil {
		return fmt.Errorf("visibility: unregister %s: %w", name, err)
	}
	return nil
}

// Confirmation looks up a registered confirmation for sessionID.
func (m *Manager) Confirmation(sessionID, name string) (Confirmation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.sessions[sessionID]
	if !ok {
		return Confirmation{}, false
	}
	c, ok := st.confirmations[name]
	return c, ok
}

// Confirmations lists sessionID's confirmation tools sorted by name.
func (m *Manager) Confirmations(sessionID string) []Confirmation {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.sessions[sessionID]
	if !ok {
		return nil
	}
	out := make([]Confirmation, 0, len(st.confirmations))
	for _, c := range st.confirmations {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// NotifyChanged tells the session its tool list changed. Failures are logged
// and counted, never returned: the visibility state is already consistent.
func (m *Manager) NotifyChanged(ctx context.Context, sessionID string) {
	if m.notifier == nil {
		return
	}
	if err := m.notifier.NotifyToolsChanged(ctx, sessionID); err != nil {
		metrics.VisibilityNotifyFailuresTotal.Inc()
		logging.L(ctx).Warn("tool list change notification failed",
			"session", sessionID, "error", fmt.Errorf("%w: %w", ErrNotifyFailed, err))
	}
}

// Sessions returns the number of sessions with visibility state.
func (m *Manager) Sessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Prune drops confirmations whose payments are gone, restores the tools they
// hid and notifies the affected sessions. It returns how many confirmations
// were removed.
func (m *Manager) Prune(ctx context.Context, alive func(ctx context.Context, paymentID string) (bool, error)) (int, error) {
	type stale struct {
		session string
		c       Confirmation
	}

	m.mu.Lock()
	var candidates []stale
	for sid, st := range m.sessions {
		for _, c := range st.confirmations {
			candidates = append(candidates, stale{session: sid, c: c})
		}
	}
	m.mu.Unlock()

	removed := 0
	touched := make(map[string]bool)
	var errs []error
	for _, s := range candidates {
		ok, err := alive(ctx, s.c.PaymentID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			continue
		}
		if err := m.UnregisterConfirmation(ctx, s.session, s.c.Name); err != nil {
			errs = append(errs, err)
		}
		if !m.Awaiting(s.session, s.c.Tool) {
			m.Restore(s.session, s.c.Tool)
		}
		touched[s.session] = true
		removed++
	}

	for sid := range touched {
		m.NotifyChanged(ctx, sid)
	}
	return removed, errors.Join(errs...)
}

// Awaiting reports whether the session still has a confirmation tool
// registered for tool.
func (m *Manager) Awaiting(sessionID, tool string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.sessions[sessionID]
	if !ok {
		return false
	}
	for _, c := range st.confirmations {
		if c.Tool == tool {
			return true
		}
	}
	return false
}

// Caller must hold m.mu.
func (m *Manager) stateLocked(sessionID string) *sessionState {
	st, ok := m.sessions[sessionID]
	if !ok {
		st = &sessionState{
			hidden:        make(map[string]struct{}),
			confirmations: make(map[string]Confirmation),
		}
		m.sessions[sessionID] = st
	}
	return st
}

// Caller must hold m.mu.
func (m *Manager) dropIfEmptyLocked(sessionID string, st *sessionState) {
	if st.empty() {
		delete(m.sessions, sessionID)
	}
}
