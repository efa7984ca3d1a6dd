package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/walterra/eddoapp-sub009/internal/scheduler"
	"github.com/walterra/eddoapp-sub009/pkg/mcp"
)

// runMCP serves the eddo tools over stdio. Logs go to stderr since stdout carries
// the protocol.
func runMCP(args []string) error {
	fs := flag.NewFlagSet("mcp", flag.ExitOnError)
	configPath := fs.String("config", settingsPath(), "settings file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	var level slog.LevelVar
	if err := setLevel(&level, cfg.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	logger := newLogger(os.Stderr, &level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	srv := mcp.NewEddoServer(mcp.ServerDeps{
		Engine:       a.engine,
		Approvals:    a.approvals,
		Capabilities: a.registry,
		Events:       a.store,
		Logger:       logger,
		Version:      version,
	})
	a.router.Register(mcp.NewMCPNotifier(srv.MCPServer()))

	janitor := scheduler.NewJanitor(a.store, a.engine, cfg.Janitor, logger)
	if err := janitor.Start(ctx); err != nil {
		return err
	}
	defer janitor.Stop()

	if err := srv.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
