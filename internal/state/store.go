// Package state provides the key/value store that backs pending payment
// records. Every entry carries its own TTL and an expired entry is never
// returned, whether or not it has been purged yet.
package state

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNotFound           = errors.New("state: key not found")
	ErrBackendUnavailable = errors.New("state: backend unavailable")
	ErrInvalidStore       = errors.New("state: invalid store configuration")
)

// DefaultNamespace prefixes every key written by a store.
const DefaultNamespace = "paymcp"

// Store is a namespaced key/value store with per-entry expiry.
//
// Implementations must give read-after-write consistency to the caller that
// wrote. Connectivity failures are reported wrapped in ErrBackendUnavailable
// and never as ErrNotFound.
type Store interface {
	// Set writes value under key. A ttl <= 0 stores the entry without expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Get returns ErrNotFound when the key is absent or expired.
	Get(ctx context.Context, key string) ([]byte, error)
	Has(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
	// CompareAndSwap replaces the value only if it currently equals old,
	// keeping the remaining TTL. Returns false when the key is absent,
	// expired or holds a different value.
	CompareAndSwap(ctx context.Context, key string, old, new []byte) (bool, error)
	// Clear drops every entry in the store's namespace.
	Clear(ctx context.Context) error
	// Cleanup purges expired entries and reports how many were removed.
	Cleanup(ctx context.Context) (int, error)
	Ping(ctx context.Context) error
	Backend() string
	Namespace() string
}

// Validate rejects a store that cannot back payment records: a nil store, or
// one without a backend name or namespace.
func Validate(s Store) error {
	if s == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidStore)
	}
	if s.Backend() == "" {
		return fmt.Errorf("%w: store reports no backend", ErrInvalidStore)
	}
	if s.Namespace() == "" {
		return fmt.Errorf("%w: store has no namespace", ErrInvalidStore)
	}
	return nil
}

// NewStore returns s once it passes Validate.
func NewStore(s Store) (Store, error) {
	if err := Validate(s); err != nil {
		return nil, err
	}
	return s, nil
}

// Key joins parts with ':' to build a key relative to the store namespace.
func Key(parts ...string) string {
	return strings.Join(parts, ":")
}

func namespaced(namespace, key string) string {
	return namespace + ":" + key
}

func validateNamespace(namespace string) (string, error) {
	namespace = strings.TrimSpace(namespace)
	if namespace == "" {
		return DefaultNamespace, nil
	}
	if strings.ContainsAny(namespace, " *?[]") {
		return "", errors.Join(ErrInvalidStore, errors.New("namespace contains glob characters"))
	}
	return namespace, nil
}
