package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/rendis/cadence/internal/actions"
	"github.com/rendis/cadence/internal/catalog"
	"github.com/rendis/cadence/internal/crm"
	"github.com/rendis/cadence/internal/engine"
	"github.com/rendis/cadence/internal/signals"
	"github.com/rendis/cadence/internal/store"
	"github.com/rendis/cadence/internal/streaming"
	"github.com/rendis/cadence/internal/subjects"
	"github.com/rendis/cadence/internal/telemetry"
)

// runtime is everything a command needs to call the engine.
type runtime struct {
	store      store.Store
	catalog    *catalog.Catalog
	dispatcher *actions.Dispatcher
	resolver   *subjects.CachedResolver
	engine     *engine.Engine
	tel        *telemetry.Instruments
}

func (r *runtime) Close() error {
	return r.store.Close()
}

// openStore opens and migrates the configured run store.
func openStore(ctx context.Context, cfg Config) (store.Store, error) {
	var (
		s   store.Store
		err error
	)
	switch cfg.DB.Driver {
	case "postgres":
		s, err = store.NewPostgresStore(ctx, cfg.DB.DSN)
	case "memory":
		s = store.NewMemoryStore()
	default:
		path := cfg.DB.Path
		if !strings.Contains(path, ":") {
			if mkErr := os.MkdirAll(filepath.Dir(path), 0o700); mkErr != nil {
				return nil, fmt.Errorf("create db dir: %w", mkErr)
			}
			path = "file:" + path
		}
		s, err = store.NewLibSQLStore(path)
	}
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// loadCatalog loads and validates the catalog file. Warnings are logged.
func loadCatalog(cfg Config, logger *slog.Logger) (*catalog.Catalog, error) {
	loader, err := catalog.NewLoader()
	if err != nil {
		return nil, err
	}
	cat, err := loader.Load(cfg.Catalog.Path)
	if err != nil {
		return nil, err
	}
	for _, w := range cat.Warnings {
		logger.Warn("catalog warning", slog.String("path", w.Path), slog.String("message", w.Message))
	}
	return cat, nil
}

// collaborators picks the CRM client or the dry-run logger.
func collaborators(cfg Config, cat *catalog.Catalog, logger *slog.Logger) (actions.Collaborators, *subjects.CachedResolver, signals.Feeds, error) {
	if cfg.CRM.DryRun || cfg.CRM.BaseURL == "" {
		if !cfg.CRM.DryRun {
			logger.Warn("crm.base_url is not set, running in dry-run mode")
		}
		d := crm.NewDryRun(logger)
		resolver := subjects.NewCachedResolver(d, cfg.Subjects.CacheTTL)
		return d.Collaborators(cat, resolver), resolver, signals.NewMemory().Feeds(), nil
	}
	client, err := crm.NewClient(crm.Config{
		BaseURL: cfg.CRM.BaseURL,
		Token:   cfg.CRM.Token,
		Timeout: cfg.CRM.Timeout,
		Logger:  logger,
	})
	if err != nil {
		return actions.Collaborators{}, nil, signals.Feeds{}, err
	}
	resolver := subjects.NewCachedResolver(client, cfg.Subjects.CacheTTL)
	return client.Collaborators(cat, resolver), resolver, client.Feeds(), nil
}

// runtimeOptions holds what only long-running commands need.
type runtimeOptions struct {
	// wrapSink may replace the notification sink (serve uses it to push
	// notifications to MCP sessions).
	wrapSink func(actions.NotificationSink) actions.NotificationSink
	// hub receives run events for live streaming.
	hub streaming.EventHub
}

// buildRuntime wires store, catalog, collaborators and engine.
func buildRuntime(ctx context.Context, cfg Config, logger *slog.Logger, opts runtimeOptions) (*runtime, error) {
	cat, err := loadCatalog(cfg, logger)
	if err != nil {
		return nil, err
	}
	tel, err := telemetry.New()
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	col, resolver, feeds, err := collaborators(cfg, cat, logger)
	if err != nil {
		return nil, err
	}
	if opts.wrapSink != nil {
		col.Notifications = opts.wrapSink(col.Notifications)
	}

	s, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	dispatcher := actions.NewDispatcher(col, actions.Config{
		Timeout:   cfg.Dispatch.Timeout,
		Breaker:   actions.DefaultBreakerConfig(),
		Logger:    logger,
		Telemetry: tel,
	})
	eng, err := engine.New(engine.Config{
		Store:       s,
		Catalog:     cat,
		Dispatcher:  dispatcher,
		Feeds:       feeds,
		Subjects:    resolver,
		Hub:         opts.hub,
		Logger:      logger,
		Telemetry:   tel,
		Concurrency: cfg.Poll.Concurrency,
		Lease:       cfg.Poll.Lease,
		Window:      cfg.Signals.Window,
	})
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	return &runtime{
		store:      s,
		catalog:    cat,
		dispatcher: dispatcher,
		resolver:   resolver,
		engine:     eng,
		tel:        tel,
	}, nil
}
