package main

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/LuminPulse-AI/parentsync"
)

// app bundles the components one command invocation needs.
type app struct {
	cfg     *Config
	log     *zap.Logger
	store   *parentsync.Store
	client  *parentsync.Client
	monitor *parentsync.Monitor
	engine  *parentsync.Engine
	dir     *parentsync.Directory
	metrics *parentsync.Metrics
}

// openApp loads the config, opens the store and restores the saved session.
// reg may be nil.
func openApp(ctx context.Context, reg prometheus.Registerer) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Default.BaseURL == "" {
		return nil, fmt.Errorf("no base URL configured. Run 'parentsync init <base-url>' first")
	}
	dir, err := configDir()
	if err != nil {
		return nil, err
	}

	eff := cfg.resolve(dir)
	logger, err := parentsync.NewLogger(eff.Log, devLogs)
	if err != nil {
		return nil, err
	}

	store, err := parentsync.OpenStore(eff.Default.DBPath, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	metrics := parentsync.NewMetrics(reg)
	client := parentsync.NewClient(cfg.Default.BaseURL,
		parentsync.WithTokenStore(store),
		parentsync.WithLogger(logger),
		parentsync.WithMetrics(metrics),
		parentsync.WithTimeout(cfg.Default.timeout()),
		parentsync.WithUserAgent("parentsync-cli"),
	)
	if _, err := client.Session().Restore(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to restore session: %w", err)
	}

	monitor := parentsync.NewMonitor(logger)

	return &app{
		cfg:     cfg,
		log:     logger,
		store:   store,
		client:  client,
		monitor: monitor,
		engine:  parentsync.NewEngine(client, store, monitor, parentsync.WithPageSize(eff.Default.PageSize)),
		dir:     parentsync.NewDirectory(client, store, monitor),
		metrics: metrics,
	}, nil
}

// probe records one reachability observation.
func (a *app) probe(ctx context.Context) bool {
	online := (&parentsync.HTTPProber{BaseURL: a.client.BaseURL()}).Probe(ctx)
	a.monitor.Set(online)
	return online
}

func (a *app) Close() {
	a.engine.Stop()
	if err := a.store.Close(); err != nil {
		a.log.Warn("failed to close store", zap.Error(err))
	}
	_ = a.log.Sync()
}

func outcomeNote(o parentsync.Outcome) string {
	switch o {
	case parentsync.OutcomeStaleCache:
		return "offline: showing cached data"
	case parentsync.OutcomeSignOutRequired:
		return "signed out: run 'parentsync login <email> <password>'"
	case parentsync.OutcomeRetryableError:
		return "server error: showing cached data, try again later"
	default:
		return ""
	}
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
