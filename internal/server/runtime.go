package server

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/paymcp/internal/config"
	"github.com/mbd888/paymcp/internal/flow"
	"github.com/mbd888/paymcp/internal/mcpserver"
	"github.com/mbd888/paymcp/internal/payments"
	"github.com/mbd888/paymcp/internal/provider"
	"github.com/mbd888/paymcp/internal/state"
)

// Runtime is the transport-independent part of paymcp: state, provider,
// payment repository and the MCP server with its tools registered. Both the
// HTTP and the stdio binaries build one.
type Runtime struct {
	Store    state.Store
	Provider *provider.Guard
	Memory   *provider.MemoryProvider // nil unless PAYMCP_PROVIDER=memory
	Repo     *payments.Repository
	MCP      *mcpserver.Server
	Sweeper  *state.Sweeper

	db         *sql.DB
	closeStore func() error
}

// Build assembles a Runtime from configuration.
func Build(ctx context.Context, cfg *config.Config, version string, logger *slog.Logger) (*Runtime, error) {
	if logger == nil {
		logger = slog.Default()
	}

	store, closeStore, err := state.Open(ctx, state.Options{
		Backend:     cfg.StateBackend,
		RedisURL:    cfg.RedisURL,
		DatabaseURL: cfg.DatabaseURL,
		Namespace:   cfg.Namespace,
		AutoMigrate: cfg.IsDevelopment(),
	})
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}
	switch store.Backend() {
	case "postgres":
		logger.Info("state store ready", "backend", "postgres", "dsn", maskDSN(cfg.DatabaseURL))
	case "redis":
		logger.Info("state store ready", "backend", "redis", "dsn", maskDSN(cfg.RedisURL))
	default:
		logger.Info("state store ready", "backend", store.Backend())
	}

	rt := &Runtime{Store: store, closeStore: closeStore}
	if pg, ok := store.(*state.PostgresStore); ok {
		rt.db = pg.DB()
	}

	var inner provider.Provider
	switch cfg.Provider {
	case "stripe":
		inner, err = provider.NewStripeProvider(provider.StripeConfig{
			SecretKey:  cfg.StripeSecretKey,
			SuccessURL: cfg.StripeSuccessURL,
			CancelURL:  cfg.StripeCancelURL,
		})
		if err != nil {
			_ = closeStore()
			return nil, err
		}
	default:
		rt.Memory = provider.NewMemoryProvider(cfg.PaymentBaseURL)
		inner = rt.Memory
		logger.Warn("using in-memory payment provider; payments are confirmed on the demo page", "base_url", cfg.PaymentBaseURL)
	}
	rt.Provider = provider.NewGuard(inner, provider.WithLogger(logger))

	rt.Repo, err = payments.NewRepository(store, rt.Provider, payments.WithTTL(cfg.StateTTL))
	if err != nil {
		_ = closeStore()
		return nil, err
	}

	rt.MCP, err = mcpserver.New(mcpserver.Options{
		Name:    "paymcp",
		Version: version,
		Flow: flow.Config{
			Mode:                cfg.Flow,
			Repository:          rt.Repo,
			TTL:                 cfg.StateTTL,
			ElicitationAttempts: cfg.ElicitationAttempts,
			PollInterval:        cfg.PollInterval,
			MaxWait:             cfg.MaxWait,
		},
		Signal: cfg.ElicitationSignal,
		Logger: logger,
	})
	if err != nil {
		_ = closeStore()
		return nil, err
	}

	handlers := mcpserver.NewHandlers(mcpserver.NewPageClient(30*time.Second), rt.Repo)
	if err := handlers.Register(rt.MCP); err != nil {
		_ = closeStore()
		return nil, err
	}

	rt.Sweeper = state.NewSweeper(store, cfg.SweepInterval, logger, rt.MCP.Gate().SweepHook())
	return rt, nil
}

// DB returns the PostgreSQL pool, or nil for other backends.
func (r *Runtime) DB() *sql.DB { return r.db }

// Close stops the sweeper and releases the state backend.
func (r *Runtime) Close() error {
	if r.Sweeper != nil {
		r.Sweeper.Stop()
	}
	if r.closeStore == nil {
		return nil
	}
	return r.closeStore()
}
