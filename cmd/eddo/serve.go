package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/walterra/eddoapp-sub009/internal/conversation"
	"github.com/walterra/eddoapp-sub009/internal/gateway"
	"github.com/walterra/eddoapp-sub009/internal/httpapi"
	"github.com/walterra/eddoapp-sub009/internal/scheduler"
)

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", settingsPath(), "settings file")
	listenAddr := fs.String("listen-addr", "", "TCP listen address (overrides settings)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
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

	outbox := conversation.NewBuffer(httpapi.ChannelName, 50)
	a.router.Register(outbox)

	var wg sync.WaitGroup
	if cfg.TelegramToken != "" {
		bot, err := conversation.NewTelegramBot(cfg.TelegramToken)
		if err != nil {
			return err
		}
		tg := conversation.NewTelegram(bot, cfg.TelegramRate, logger)
		a.router.Register(tg)
		gw := gateway.New(a.engine, a.approvals, a.router, cfg.Gateway, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := tg.Listen(ctx, gw.Handle); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("telegram listener stopped", slog.String("error", err.Error()))
			}
		}()
		logger.Info("telegram channel enabled")
	}

	janitor := scheduler.NewJanitor(a.store, a.engine, cfg.Janitor, logger)
	if err := janitor.Start(ctx); err != nil {
		return err
	}
	defer janitor.Stop()

	api := httpapi.NewServer(httpapi.Deps{
		Engine:       a.engine,
		Approvals:    a.approvals,
		Capabilities: a.registry,
		Store:        a.store,
		Outbox:       outbox,
		Hub:          a.hub,
		Plugins:      a.plugins,
		Logger:       logger,
	})
	swapper := newHandlerSwapper(requireToken(api.Handler(), cfg.APIToken))
	srv := &http.Server{Addr: cfg.ListenAddr, Handler: swapper, ReadHeaderTimeout: 10 * time.Second}

	current := cfg
	var mu sync.Mutex
	if err := watchSettings(ctx, *configPath, logger, func(next Config) {
		mu.Lock()
		defer mu.Unlock()
		d := diffConfigs(current, next)
		if d.empty() {
			return
		}
		if d.LogLevelChanged {
			if err := setLevel(&level, next.LogLevel); err != nil {
				logger.Warn("invalid log_level ignored", slog.String("log_level", next.LogLevel))
			} else {
				logger.Info("log level changed", slog.String("log_level", next.LogLevel))
			}
		}
		if d.TokenChanged {
			swapper.Swap(requireToken(api.Handler(), next.APIToken))
			logger.Info("api token reloaded")
		}
		if len(d.RestartNeeded) > 0 {
			logger.Warn("settings changed that need a restart", slog.Any("fields", d.RestartNeeded))
		}
		current = next
	}); err != nil {
		logger.Warn("settings watcher disabled", slog.String("error", err.Error()))
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", slog.String("addr", cfg.ListenAddr), slog.String("version", version))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", slog.String("error", err.Error()))
	}
	stop()
	wg.Wait()
	return nil
}
