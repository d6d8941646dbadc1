// Package session resolves the identity that pending payments and per-session
// tool visibility are keyed by.
package session

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/mbd888/paymcp/internal/logging"
)

var ErrSessionContextUnavailable = errors.New("session: no session context available")

// Source says where an identity came from.
type Source string

const (
	SourceHost     Source = "host"
	SourceArgument Source = "argument"
	SourceFallback Source = "fallback"
)

// Identity is a resolved session.
type Identity struct {
	ID     string
	Source Source
}

// Extractor pulls a session id from the per-call host context.
type Extractor func(ctx context.Context) (string, bool)

// ConnectionKey identifies the physical connection behind a call when the
// host has no session id. It must be comparable.
type ConnectionKey func(ctx context.Context) (any, bool)

// ArgumentKeys are the explicit argument names checked after the host context.
var ArgumentKeys = []string{"session_id", "_session_id"}

type processKey struct{}

// Resolver resolves session identities. The zero value is not usable; use New.
type Resolver struct {
	extractors []Extractor
	connKey    ConnectionKey

	mu        sync.Mutex
	fallbacks map[any]string
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithExtractor adds a host extractor. Extractors are tried in order.
func WithExtractor(e Extractor) Option {
	return func(r *Resolver) { r.extractors = append(r.extractors, e) }
}

// WithConnectionKey scopes generated fallbacks to a connection.
func WithConnectionKey(k ConnectionKey) Option {
	return func(r *Resolver) { r.connKey = k }
}

// New creates a Resolver.
func New(opts ...Option) *Resolver {
	r := &Resolver{fallbacks: make(map[any]string)}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the session for a call: the host context first, then an
// explicit argument, then a generated id cached for the connection (or for
// the process when the connection cannot be identified). It never fails.
func (r *Resolver) Resolve(ctx context.Context, args map[string]any) Identity {
	for _, extract := range r.extractors {
		if id, ok := extract(ctx); ok && strings.TrimSpace(id) != "" {
			return Identity{ID: id, Source: SourceHost}
		}
	}

	for _, k := range ArgumentKeys {
		if v, ok := args[k].(string); ok && strings.TrimSpace(v) != "" {
			return Identity{ID: v, Source: SourceArgument}
		}
	}

	var key any = processKey{}
	if r.connKey != nil {
		if k, ok := r.connKey(ctx); ok && k != nil {
			key = k
		}
	}

	r.mu.Lock()
	id, ok := r.fallbacks[key]
	if !ok {
		id = "local-" + uuid.NewString()
		r.fallbacks[key] = id
	}
	r.mu.Unlock()

	if !ok {
		logging.L(ctx).Debug("using generated session id", "session", id, "reason", ErrSessionContextUnavailable)
	}
	return Identity{ID: id, Source: SourceFallback}
}

// Forget drops the cached fallback for a connection, e.g. when it closes.
func (r *Resolver) Forget(key any) {
	r.mu.Lock()
	delete(r.fallbacks, key)
	r.mu.Unlock()
}

// StripArguments returns args without the session argument keys, so they are
// not passed on to the tool.
func StripArguments(args map[string]any) map[string]any {
	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = v
	}
	for _, k := range ArgumentKeys {
		delete(out, k)
	}
	return out
}
