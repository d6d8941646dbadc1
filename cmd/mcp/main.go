// paymcp over stdio, for MCP hosts that launch the server as a subprocess.
// stdout carries the protocol, so logs go to stderr.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	mcp "github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/paymcp/internal/config"
	"github.com/mbd888/paymcp/internal/logging"
	"github.com/mbd888/paymcp/internal/server"
)

var Version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.NewWithWriter(os.Stderr, "info", "text").Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger := logging.NewWithWriter(os.Stderr, cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := server.Build(ctx, cfg, Version, logger)
	if err != nil {
		logger.Error("failed to build runtime", "error", err)
		os.Exit(1)
	}
	defer func() { _ = rt.Close() }()

	if rt.Memory != nil {
		logger.Warn("memory provider over stdio has no checkout page; run cmd/server or set PAYMCP_PROVIDER=stripe")
	}

	stdio := mcp.NewStdioServer(rt.MCP.MCP())
	stdio.SetErrorLogger(log.New(os.Stderr, "mcp: ", log.LstdFlags))
	stdio.SetContextFunc(func(ctx context.Context) context.Context {
		return logging.WithLogger(ctx, logger)
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		rt.Sweeper.Start(gctx)
		return nil
	})
	g.Go(func() error {
		defer stop()
		return stdio.Listen(gctx, os.Stdin, os.Stdout)
	})

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		logger.Error("MCP server error", "error", err)
		os.Exit(1)
	}
}
