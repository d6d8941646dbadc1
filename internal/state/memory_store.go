package state

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"time"
)

type memoryEntry struct {
	value     []byte
	expiresAt time.Time // zero = no expiry
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// MemoryStore is an in-process store for single-replica deployments and tests.
type MemoryStore struct {
	namespace string
	entries   map[string]memoryEntry
	mu        sync.Mutex
	now       func() time.Time
}

// NewMemoryStore creates a memory store for the given namespace.
func NewMemoryStore(namespace string) (*MemoryStore, error) {
	ns, err := validateNamespace(namespace)
	if err != nil {
		return nil, err
	}
	return &MemoryStore{
		namespace: ns,
		entries:   make(map[string]memoryEntry),
		now:       time.Now,
	}, nil
}

// WithClock replaces the time source. Used by tests to drive expiry.
func (m *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
	return m
}

func (m *MemoryStore) Backend() string { return "memory" }
func (m *MemoryStore) Namespace() string { return m.namespace }

func (m *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := memoryEntry{value: bytes.Clone(value)}
	if ttl > 0 {
		e.expiresAt = m.now().Add(ttl)
	}
	m.entries[namespaced(m.namespace, key)] = e
	return nil
}

func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.lookup(namespaced(m.namespace, key))
	if !ok {
		return nil, ErrNotFound
	}
	return bytes.Clone(e.value), nil
}

func (m *MemoryStore) Has(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.lookup(namespaced(m.namespace, key))
	return ok, nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, namespaced(m.namespace, key))
	return nil
}

func (m *MemoryStore) CompareAndSwap(_ context.Context, key string, old, new []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	full := namespaced(m.namespace, key)
	e, ok := m.lookup(full)
	if !ok || !bytes.Equal(e.value, old) {
		return false, nil
	}
	e.value = bytes.Clone(new)
	m.entries[full] = e
	return true, nil
}

func (m *MemoryStore) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	prefix := m.namespace + ":"
	for k := range m.entries {
		if strings.HasPrefix(k, prefix) {
			delete(m.entries, k)
		}
	}
	return nil
}

func (m *MemoryStore) Cleanup(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	removed := 0
	for k, e := range m.entries {
		if e.expired(now) {
			delete(m.entries, k)
			removed++
		}
	}
	return removed, nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

// Len returns the number of stored entries, including expired ones not yet purged.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// lookup returns a live entry, dropping it if it has expired.
// Caller must hold m.mu.
func (m *MemoryStore) lookup(full string) (memoryEntry, bool) {
	e, ok := m.entries[full]
	if !ok {
		return memoryEntry{}, false
	}
	if e.expired(m.now()) {
		delete(m.entries, full)
		return memoryEntry{}, false
	}
	return e, true
}
