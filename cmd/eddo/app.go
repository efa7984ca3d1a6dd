package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/walterra/eddoapp-sub009/internal/approval"
	"github.com/walterra/eddoapp-sub009/internal/capability"
	"github.com/walterra/eddoapp-sub009/internal/classifier"
	"github.com/walterra/eddoapp-sub009/internal/conversation"
	"github.com/walterra/eddoapp-sub009/internal/engine"
	"github.com/walterra/eddoapp-sub009/internal/plugins"
	"github.com/walterra/eddoapp-sub009/internal/policy"
	"github.com/walterra/eddoapp-sub009/internal/store"
	"github.com/walterra/eddoapp-sub009/internal/streaming"
)

// app is the core shared by every subcommand: persistence, capabilities, the engine
// and the conversation plumbing it notifies through.
type app struct {
	cfg    Config
	logger *slog.Logger

	store     *store.LibSQLStore
	events    *store.EventLog
	registry  *capability.Registry
	plugins   *plugins.Manager
	approvals *approval.Coordinator
	contexts  *conversation.ContextStore
	router    *conversation.Router
	hub       *streaming.MemoryHub
	engine    engine.Engine
}

func newApp(ctx context.Context, cfg Config, logger *slog.Logger) (*app, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	st, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	a := &app{
		cfg:       cfg,
		logger:    logger,
		store:     st,
		events:    store.NewEventLog(st),
		registry:  capability.NewRegistry(),
		approvals: approval.NewCoordinator(st, logger),
		contexts:  conversation.NewContextStore(),
		router:    conversation.NewRouter(),
		hub:       streaming.NewMemoryHub(0),
	}
	a.plugins = plugins.NewManager(a.registry, plugins.DefaultOptions(), logger)
	for _, pc := range cfg.Plugins {
		if err := a.plugins.LoadPlugin(ctx, pc); err != nil {
			// A broken plugin only removes its capabilities; the rest keep working.
			logger.Error("plugin not loaded", slog.String("plugin", pc.ID), slog.String("error", err.Error()))
		}
	}

	cls, err := newClassifier(cfg.LLM, logger)
	if err != nil {
		a.close(ctx)
		return nil, err
	}
	pol, err := policy.New(cfg.Policy.Config, logger)
	if err != nil {
		a.close(ctx)
		return nil, err
	}

	a.engine, err = engine.New(engine.Deps{
		Store:        st,
		Events:       a.events,
		Capabilities: a.registry,
		Classifier:   cls,
		Policy:       pol,
		Approvals:    a.approvals,
		Notifier:     conversation.NewNotifier(a.contexts, a.router, logger),
		Contexts:     a.contexts,
		Hub:          a.hub,
		Logger:       logger,
	}, cfg.engineConfig())
	if err != nil {
		a.close(ctx)
		return nil, err
	}
	logger.Info("core ready",
		slog.Int("capabilities", a.registry.Count()),
		slog.Int("plugins", len(cfg.Plugins)),
		slog.String("db_path", cfg.DBPath))
	return a, nil
}

// newClassifier uses the LLM when a model is configured and the keyword heuristic otherwise.
func newClassifier(cfg classifier.Config, logger *slog.Logger) (classifier.Classifier, error) {
	if cfg.Model == "" {
		logger.Info("no llm configured, using heuristic classifier")
		return classifier.Heuristic{}, nil
	}
	model, err := classifier.NewModel(cfg)
	if err != nil {
		return nil, err
	}
	return classifier.NewLLM(model, nil, cfg, logger)
}

// close releases everything newApp acquired. Safe on a partially built app.
func (a *app) close(ctx context.Context) {
	if a.engine != nil {
		a.engine.Shutdown()
	}
	if a.plugins != nil {
		if err := a.plugins.StopAll(ctx); err != nil {
			a.logger.Warn("plugin shutdown", slog.String("error", err.Error()))
		}
	}
	a.hub.Close()
	if err := a.store.Close(); err != nil {
		a.logger.Warn("store close", slog.String("error", err.Error()))
	}
}
