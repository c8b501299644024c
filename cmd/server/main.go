// Package main is the entry point for the TheatreOS server.
//
// TheatreOS drives a persistent fictional world over real-world time:
// players discover geo-located stages, follow scheduled scene content,
// decide story outcomes at gates, trade evidence, spread rumors, leave
// traces, and run crews — with world state owned by a single versioned
// kernel and pushed out over long-lived realtime streams.
//
// The server initializes components in dependency order:
//
//  1. Configuration: environment variables and optional YAML (koanf v2)
//  2. Logging: process-wide zerolog
//  3. Storage: embedded DuckDB with schema migrations
//  4. Theme-Pack Registry: content packs loaded from the content dir
//  5. Realtime bus: embedded NATS server + fanout hub
//  6. World Kernel: with its BadgerDB write-ahead buffer and recovery
//  7. Engines: gates, evidence, rumors, traces, crews, scheduler
//  8. Supervisor tree: background drivers, messaging, HTTP server
//
// Shutdown is graceful on SIGINT/SIGTERM: the supervisor tree unwinds,
// streams close, and the bus drains.
package main

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/theatreos/engine/internal/api"
	"github.com/theatreos/engine/internal/authz"
	"github.com/theatreos/engine/internal/config"
	"github.com/theatreos/engine/internal/crew"
	"github.com/theatreos/engine/internal/events"
	"github.com/theatreos/engine/internal/evidence"
	"github.com/theatreos/engine/internal/gate"
	"github.com/theatreos/engine/internal/kernel"
	"github.com/theatreos/engine/internal/kernel/wal"
	"github.com/theatreos/engine/internal/logging"
	"github.com/theatreos/engine/internal/realtime"
	"github.com/theatreos/engine/internal/rumor"
	"github.com/theatreos/engine/internal/scheduler"
	"github.com/theatreos/engine/internal/storage"
	"github.com/theatreos/engine/internal/supervisor"
	"github.com/theatreos/engine/internal/supervisor/services"
	"github.com/theatreos/engine/internal/themepack"
	"github.com/theatreos/engine/internal/trace"
)

const (
	defaultContentDir = "content"
	defaultPackID     = "hp_shanghai_200"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("configuration invalid")
	}

	logFormat := cfg.Logging.Format
	if cfg.Debug {
		logFormat = "console"
	}
	logging.Init(logging.Config{Level: cfg.Logging.Level, Format: logFormat})
	logging.Info().Str("addr", cfg.Server.Host).Int("port", cfg.Server.Port).Msg("theatreos starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(ctx, cfg.Database.URL)
	if err != nil {
		logging.Fatal().Err(err).Msg("storage open failed")
	}
	defer store.Close()

	registry := themepack.New(defaultContentDir, defaultPackID, store)

	bus, err := realtime.NewBus()
	if err != nil {
		logging.Fatal().Err(err).Msg("realtime bus start failed")
	}
	hub := realtime.NewHub(bus)
	rec := events.NewRecorder(store, bus)

	walDir := filepath.Join(filepath.Dir(cfg.Database.URL), "wal")
	kernelWAL, err := wal.Open(walDir, false)
	if err != nil {
		logging.Fatal().Err(err).Msg("kernel wal open failed")
	}
	defer kernelWAL.Close()

	kern := kernel.New(store, registry, bus, kernelWAL)
	if err := kern.RecoverWAL(ctx); err != nil {
		logging.Fatal().Err(err).Msg("kernel wal recovery failed")
	}

	gates := gate.New(store, registry, kern, rec)
	evidenceEngine := evidence.New(store, registry, rec)
	rumors := rumor.New(store, registry, rec, rand.Float64)
	traces := trace.New(store, store, rec, rand.Float64)
	crews := crew.New(store, rec)

	planner := scheduler.New(store, kern, registry, rec, scheduler.Config{
		SlotDuration:      cfg.Scheduler.SlotDuration(),
		BeatBudget:        cfg.Scheduler.DefaultParallelScenes,
		GateResolveMargin: cfg.Scheduler.GateResolveMargin(),
	})
	schedDriver, err := scheduler.NewDriver(planner, store,
		cfg.Scheduler.SlotDuration(),
		time.Duration(cfg.Scheduler.LookaheadHours)*time.Hour)
	if err != nil {
		logging.Fatal().Err(err).Msg("scheduler driver init failed")
	}

	authzService, err := authz.NewService()
	if err != nil {
		logging.Fatal().Err(err).Msg("authz init failed")
	}

	router := api.NewRouter(api.Deps{
		Store:    store,
		Registry: registry,
		Kernel:   kern,
		Planner:  planner,
		Gates:    gates,
		Evidence: evidenceEngine,
		Rumors:   rumors,
		Traces:   traces,
		Crews:    crews,
		Hub:      hub,
		Authz:    authzService,
	})

	tree := supervisor.NewTree(slog.New(slog.NewJSONHandler(os.Stderr, nil)), supervisor.DefaultTreeConfig())
	tree.AddMessaging(hub)
	tree.AddDriver(schedDriver)
	tree.AddDriver(services.NewGateDriver(gates, 5*time.Second))
	tree.AddDriver(services.NewSnapshotTimer(kern, store, time.Hour))
	tree.AddDriver(services.NewSweeper(store, rec, time.Minute))
	tree.AddAPI(api.NewServer(cfg.Server.Host, cfg.Server.Port, router))

	err = tree.Serve(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		logging.Error().Err(err).Msg("supervisor tree exited")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := bus.Shutdown(shutdownCtx); err != nil {
		logging.Warn().Err(err).Msg("bus shutdown failed")
	}
	logging.Info().Msg("theatreos stopped")
}
