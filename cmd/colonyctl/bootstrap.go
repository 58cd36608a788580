package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nevindra/colony"
	"github.com/nevindra/colony/config"
	"github.com/nevindra/colony/provider/ollama"
	"github.com/nevindra/colony/store/postgres"
	"github.com/nevindra/colony/store/sqlite"
	"github.com/nevindra/colony/telemetry"
)

// store is the union of the interfaces every command needs from the
// configured durable backend.
type store interface {
	colony.MessageLog
	colony.SessionStore
}

// runtime bundles every long-lived collaborator a command needs, assembled
// once from config in newRuntime and torn down by close.
type runtime struct {
	cfg      config.Config
	logger   *slog.Logger
	store    store
	bus      *colony.DispatchBus
	manager  *colony.AgentManager
	provider colony.Provider
	inst     *telemetry.Instruments

	closers []func(context.Context) error
}

func loadConfig() config.Config {
	return config.Load(cfgFile)
}

func newRuntime(ctx context.Context, cfg config.Config) (*runtime, error) {
	logger := newLogger(cfg.LogLevel)
	rt := &runtime{cfg: cfg, logger: logger}

	if cfg.Telemetry.Enabled {
		inst, shutdown, err := telemetry.Init(ctx, cfg.Telemetry.ServiceName, cfg.Telemetry.Insecure, telemetry.DefaultPricing)
		if err != nil {
			return nil, fail(exitInternal, fmt.Errorf("telemetry init: %w", err))
		}
		rt.inst = inst
		rt.closers = append(rt.closers, shutdown)
	}

	st, closeStore, err := openStore(ctx, cfg.Database, logger)
	if err != nil {
		return nil, fail(exitInternal, fmt.Errorf("open store: %w", err))
	}
	rt.store = st
	if closeStore != nil {
		rt.closers = append(rt.closers, closeStore)
	}

	busOpts := []colony.BusOption{
		colony.WithInboxCapacity(cfg.Fleet.InboxCapacity),
		colony.WithBusLogger(logger),
	}
	if rt.inst != nil {
		busOpts = append(busOpts, colony.WithDeadLetterObserver(rt.inst))
	}
	rt.bus = colony.NewDispatchBus(st, busOpts...)

	var prov colony.Provider = colony.WithRetry(ollama.NewProvider(cfg.Backend.BaseURL, cfg.Backend.Model), colony.RetryLogger(logger))
	if rt.inst != nil {
		prov = telemetry.WrapProvider(prov, cfg.Backend.Model, rt.inst)
	}
	rt.provider = prov

	rt.manager = colony.NewAgentManager(rt.bus, rt.provider, colony.WorkerConfig{
		ProjectFolder:  cfg.Fleet.ProjectFolder,
		MessageTimeout: cfg.Backend.Timeout,
	}, logger)

	return rt, nil
}

func (rt *runtime) close(ctx context.Context) {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](ctx); err != nil {
			rt.logger.Warn("colonyctl: shutdown step failed", "error", err)
		}
	}
}

func openStore(ctx context.Context, cfg config.DatabaseConfig, logger *slog.Logger) (store, func(context.Context) error, error) {
	switch cfg.Driver {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres connect: %w", err)
		}
		s := postgres.New(pool, postgres.WithLogger(logger))
		return s, func(context.Context) error { pool.Close(); return nil }, nil
	default:
		path := cfg.Path
		if path == "" {
			path = "colony.db"
		}
		s := sqlite.New(path, sqlite.WithLogger(logger))
		return s, func(context.Context) error { return s.Close() }, nil
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// checkBackend confirms the LLM backend is reachable before any work is
// scheduled against it, so a cold/unreachable daemon fails fast with
// exitBackendUnavailable instead of surfacing as every subtask erroring out.
func checkBackend(ctx context.Context, prov colony.Provider) error {
	if _, err := prov.Models(ctx); err != nil {
		return fail(exitBackendUnavailable, fmt.Errorf("backend %s unreachable: %w", prov.Name(), err))
	}
	return nil
}
