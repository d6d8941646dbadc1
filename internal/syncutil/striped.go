// Package syncutil holds small concurrency helpers.
package syncutil

import (
	"context"
	"hash/fnv"
)

// DefaultStripes is the stripe count used by NewStriped when n <= 0.
const DefaultStripes = 256

// Striped is a fixed pool of context-aware locks addressed by key. Memory
// stays bounded however many keys are seen; keys hashing to the same stripe
// share a lock.
type Striped struct {
	stripes []chan struct{}
}

// NewStriped creates a pool of n locks.
func NewStriped(n int) *Striped {
	if n <= 0 {
		n = DefaultStripes
	}
	s := &Striped{stripes: make([]chan struct{}, n)}
	for i := range s.stripes {
		s.stripes[i] = make(chan struct{}, 1)
	}
	return s
}

// Lock blocks until the lock for key is held or ctx is done. On success the
// caller must call the returned unlock function exactly once.
func (s *Striped) Lock(ctx context.Context, key string) (unlock func(), err error) {
	ch := s.stripes[s.index(key)]
	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Striped) index(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(s.stripes)))
}
