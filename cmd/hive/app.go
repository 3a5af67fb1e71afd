package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"hive/internal/config"
	ctxengine "hive/internal/context"
	"hive/internal/embedding"
	"hive/internal/eventbus"
	"hive/internal/logging"
	"hive/internal/memory"
	"hive/internal/modelrouter"
	"hive/internal/quota"
	"hive/internal/store"
	"hive/internal/watch"
)

// app bundles every long-lived component cmd/hive's subcommands share,
// wired the way the teacher's cmd/nerd commands share a package-level
// workspace/apiKey/timeout rather than a DI container.
type app struct {
	cfg          *config.Config
	store        *store.Store
	embed        embedding.Engine
	memory       *memory.Engine
	orchestrator *ctxengine.Orchestrator
	router       *modelrouter.Client
	bus          *eventbus.Bus
	quota        *quota.Authority
	watcher      *watch.Watcher
	workspace    string

	unsubConfig func()
	stopPricing context.CancelFunc
}

func resolveWorkspace() (string, error) {
	ws := workspace
	if ws == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("resolve workspace: %w", err)
		}
		return cwd, nil
	}
	abs, err := filepath.Abs(ws)
	if err != nil {
		return "", fmt.Errorf("resolve workspace %q: %w", ws, err)
	}
	return abs, nil
}

// buildApp loads configuration and constructs every component needed to run
// a query end to end. Callers must call (*app).Close when done.
func buildApp() (*app, error) {
	ws, err := resolveWorkspace()
	if err != nil {
		return nil, err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("open knowledge store: %w", err)
	}

	embedEngine, err := embedding.NewEngine(embedding.Config{
		Provider:       cfg.Embedding.Provider,
		OllamaEndpoint: cfg.Embedding.OllamaEndpoint,
		OllamaModel:    cfg.Embedding.OllamaModel,
		GenAIModel:     cfg.Embedding.GenAIModel,
		GenAIAPIKey:    cfg.Embedding.GenAIAPIKey,
		Dimensions:     cfg.Embedding.Dimensions,
	})
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("construct embedding engine: %w", err)
	}

	memEngine := memory.NewEngine(st, embedEngine, cfg.Memory)
	orchestrator := ctxengine.New(memEngine, st, cfg.Routing, cfg.Memory.ContextTokenBudget)

	router := modelrouter.New(modelrouter.Config{
		BaseURL:        cfg.ModelRouter.BaseURL,
		APIKey:         cfg.ModelRouter.APIKey,
		SoftTimeout:    cfg.ModelRouter.GetSoftTimeout(),
		HardTimeout:    cfg.ModelRouter.GetHardTimeout(),
		PricingURL:     cfg.ModelRouter.PricingURL,
		PricingRefresh: cfg.ModelRouter.GetPricingRefresh(),
	})

	bus := eventbus.New(256)

	quotaAuthority, err := quota.New(quota.Config{
		BaseURL:   cfg.Quota.BaseURL,
		License:   cfg.Quota.License,
		Timeout:   cfg.Quota.GetTimeout(),
		CachePath: filepath.Join(filepath.Dir(cfg.Store.Path), ".hive-quota-cache.db"),
	})
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("construct quota authority: %w", err)
	}

	watcher, err := watch.New(ws, configPath, bus)
	if err != nil {
		st.Close()
		quotaAuthority.Close()
		return nil, fmt.Errorf("construct workspace watcher: %w", err)
	}

	a := &app{
		cfg:          cfg,
		store:        st,
		embed:        embedEngine,
		memory:       memEngine,
		orchestrator: orchestrator,
		router:       router,
		bus:          bus,
		quota:        quotaAuthority,
		watcher:      watcher,
		workspace:    ws,
	}

	// RoutingConfig is hot-reloadable: this subscriber re-reads it on every
	// ConfigurationChanged event the watcher publishes, so the orchestrator's
	// next route() call uses the edited config.yaml values.
	a.unsubConfig = bus.Subscribe(func(ev eventbus.Event) {
		a.reloadRoutingConfig()
	}, eventbus.KindConfigurationChanged)

	if err := watcher.Start(context.Background()); err != nil {
		a.Close()
		return nil, fmt.Errorf("start workspace watcher: %w", err)
	}

	pricingCtx, stopPricing := context.WithCancel(context.Background())
	a.stopPricing = stopPricing
	go router.StartPricingRefreshLoop(pricingCtx, cfg.ModelRouter.GetPricingRefresh())

	return a, nil
}

// reloadRoutingConfig re-reads configPath and swaps in its RoutingConfig,
// so edits to simple_operation_patterns/complex_indicator_tokens take effect
// without restarting the process.
func (a *app) reloadRoutingConfig() {
	cfg, err := config.Load(configPath)
	if err != nil {
		logging.Get(logging.CategoryContext).Warn("config hot-reload failed: %v", err)
		return
	}
	a.cfg.Routing = cfg.Routing
	a.orchestrator.UpdateRoutingConfig(cfg.Routing)
}

// Close releases every component opened by buildApp.
func (a *app) Close() {
	if a.unsubConfig != nil {
		a.unsubConfig()
	}
	if a.stopPricing != nil {
		a.stopPricing()
	}
	if a.watcher != nil {
		a.watcher.Stop()
	}
	a.quota.Close()
	a.store.Close()
}

// profile resolves the ConsensusProfile this invocation should use, from
// --profile or cfg.DefaultProfile.
func (a *app) profile() config.Profile {
	id := profileID
	if id == "" {
		id = a.cfg.DefaultProfile
	}
	return a.cfg.GetProfile(id)
}
