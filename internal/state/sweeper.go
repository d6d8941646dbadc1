package state

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mbd888/paymcp/internal/metrics"
)

// SweepHook runs on every sweeper tick after expired entries are purged.
// It returns the number of items it removed.
type SweepHook struct {
	Name string
	Run  func(ctx context.Context) (int, error)
}

// Sweeper periodically purges expired entries from a store that has no
// native expiry and runs the registered hooks.
type Sweeper struct {
	store    Store
	hooks    []SweepHook
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewSweeper creates a sweeper. A non-positive interval defaults to one minute.
func NewSweeper(store Store, interval time.Duration, logger *slog.Logger, hooks ...SweepHook) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		store:    store,
		hooks:    hooks,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the sweep loop is actively running.
func (s *Sweeper) Running() bool {
	return s.running.Load()
}

// Start runs the sweep loop until ctx is done or Stop is called. Call in a goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	s.running.Store(true)
	defer s.running.Store(false)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.safeSweep(ctx)
		}
	}
}

// Stop signals the loop to stop.
func (s *Sweeper) Stop() {
	select {
	case s.stop <- struct{}{}:
	default:
	}
}

// SweepOnce runs a single pass synchronously.
func (s *Sweeper) SweepOnce(ctx context.Context) {
	s.safeSweep(ctx)
}

func (s *Sweeper) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in state sweeper", "panic", fmt.Sprint(r))
		}
	}()
	s.sweep(ctx)
}

func (s *Sweeper) sweep(ctx context.Context) {
	removed, err := s.store.Cleanup(ctx)
	if err != nil {
		s.logger.Warn("state cleanup failed", "backend", s.store.Backend(), "error", err)
	} else if removed > 0 {
		metrics.StateSweptTotal.WithLabelValues("expired").Add(float64(removed))
		s.logger.Info("purged expired state entries", "backend", s.store.Backend(), "removed", removed)
	}
	if counted, ok := s.store.(interface{ Len() int }); ok {
		metrics.StateEntries.WithLabelValues(s.store.Backend()).Set(float64(counted.Len()))
	}

	for _, h := range s.hooks {
		n, err := h.Run(ctx)
		if err != nil {
			s.logger.Warn("sweep hook failed", "hook", h.Name, "error", err)
			continue
		}
		if n > 0 {
			metrics.StateSweptTotal.WithLabelValues(h.Name).Add(float64(n))
			s.logger.Info("sweep hook removed entries", "hook", h.Name, "removed", n)
		}
	}
}
