// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command optalmxd is the inference control plane's server entrypoint: it
// wires config -> engine -> httpapi and serves the admin/generation/agents
// HTTP surface.
//
// Usage:
//
//	go run ./cmd/optalmxd
//	go run ./cmd/optalmxd -config /etc/opta-lmx/config.yaml -port 8911
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
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/opta-lmx/opta-lmx/internal/agent"
	"github.com/opta-lmx/opta-lmx/internal/autotune"
	"github.com/opta-lmx/opta-lmx/internal/backend"
	"github.com/opta-lmx/opta-lmx/internal/compat"
	"github.com/opta-lmx/opta-lmx/internal/concurrency"
	"github.com/opta-lmx/opta-lmx/internal/config"
	"github.com/opta-lmx/opta-lmx/internal/download"
	"github.com/opta-lmx/opta-lmx/internal/engine"
	"github.com/opta-lmx/opta-lmx/internal/events"
	"github.com/opta-lmx/opta-lmx/internal/generation"
	"github.com/opta-lmx/opta-lmx/internal/httpapi"
	"github.com/opta-lmx/opta-lmx/internal/lifecycle"
	"github.com/opta-lmx/opta-lmx/internal/memmonitor"
	"github.com/opta-lmx/opta-lmx/internal/readiness"
	"github.com/opta-lmx/opta-lmx/internal/secretstore"
	"github.com/opta-lmx/opta-lmx/internal/store"
	"github.com/opta-lmx/opta-lmx/internal/telemetry"
)

// crashLoopWindow is how far apart two startups must be before they no
// longer count toward the three-fast-restarts crash loop heuristic.
const crashLoopWindow = 2 * time.Minute

// snapshotInterval is how often the runtime state snapshot is rewritten
// while the daemon is healthy.
const snapshotInterval = 10 * time.Second

// runtimeStateSnapshot is persisted every snapshotInterval and on clean
// shutdown; consulted at startup for crash-loop detection and
// unclean-shutdown restore.
type runtimeStateSnapshot struct {
	LoadedModels      []string  `json:"loaded_models"`
	LastCleanShutdown bool      `json:"last_clean_shutdown"`
	SavedAt           time.Time `json:"saved_at"`
}

const runtimeStateDomain = "runtime_state"

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (defaults to the built-in defaults)")
	port := flag.Int("port", 8911, "port to listen on")
	debug := flag.Bool("debug", false, "enable gin debug mode and verbose request logging")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		ReplaceAttr: httpapi.RedactAttr,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
		logger.Error("failed to create state dir", "path", cfg.StateDir, "error", err)
		os.Exit(1)
	}

	db, err := store.Open(filepath.Join(cfg.StateDir, "state.badger"), logger)
	if err != nil {
		logger.Error("failed to open state store", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	defer secretstore.Purge()

	crashLooping := detectCrashLoop(db, logger)

	bus := events.New(logger)
	monitor := memmonitor.New()
	readinessTracker := readiness.New(bus)
	compatRegistry := compat.New(bus)
	autotuneRegistry := autotune.New(db)

	telemetryRecorder := telemetry.New(
		telemetry.WithInfluxDB(cfg.Telemetry.InfluxURL, cfg.Telemetry.InfluxToken, cfg.Telemetry.InfluxOrg, cfg.Telemetry.InfluxBucket),
		telemetry.WithLogger(logger),
	)
	defer telemetryRecorder.Close()

	concurrencyCtrl := concurrency.New(concurrency.Config{
		Max:                    cfg.Concurrency.Max,
		Min:                    cfg.Concurrency.Min,
		SemaphoreTimeout:       time.Duration(cfg.Concurrency.SemaphoreTimeoutSec) * time.Second,
		PerModelCaps:           toInt64Map(cfg.Concurrency.PerModelCaps),
		DefaultClientCap:       int64(cfg.Concurrency.DefaultClientCap),
		MemoryThresholdPercent: cfg.MemoryThresholdPercent,
		LatencyOverlayEnabled:  cfg.Concurrency.LatencyOverlayEnabled,
		Monitor:                monitor,
		Telemetry:              telemetryRecorder,
		Logger:                 logger,
	})

	var hfToken *secretstore.Token
	if cfg.Download.HFToken != "" {
		hfToken = secretstore.Seal(cfg.Download.HFToken)
	}
	cacheDir := filepath.Join(cfg.StateDir, "models")
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		logger.Error("failed to create model cache dir", "path", cacheDir, "error", err)
		os.Exit(1)
	}
	hfClient := download.NewHFClient(cacheDir, hfToken)
	downloadCoordinator := download.New(download.Config{
		CacheDir:         cacheDir,
		MinFreeDiskBytes: cfg.Download.MinFreeDiskBytes,
		RepoInfo:         hfClient,
		Downloader:       hfClient,
		DiskFree:         download.StatfsFree,
		Bus:              bus,
		Logger:           logger,
	})
	defer downloadCoordinator.Close()

	lifecycleMgr := lifecycle.New(lifecycle.Config{
		ThresholdPercent:                  cfg.MemoryThresholdPercent,
		BackendPreferenceOrder:            cfg.BackendPreferenceOrder,
		GGUFFallbackEnabled:               cfg.GGUFFallbackEnabled,
		AutoEvictLRU:                      cfg.AutoEvictLRU,
		DefaultKeepAliveSec:               cfg.DefaultKeepAliveSec,
		RuntimeFailureQuarantineThreshold: cfg.RuntimeFailureQuarantineThreshold,
		LoaderIsolationEnabled:            cfg.LoaderIsolationEnabled,
		LoaderTimeoutSec:                  cfg.LoaderTimeoutSec,
		WarmupOnLoad:                      cfg.WarmupOnLoad && !crashLooping,
		Monitor:                           monitor,
		Readiness:                         readinessTracker,
		Compat:                            compatRegistry,
		Autotune:                          autotuneRegistry,
		Bus:                               bus,
		ConcurrencyCtrl:                   concurrencyCtrl,
		ModelStore:                        downloadCoordinator,
		ConstructBackend: func(ctx context.Context, modelID, backendKind string, overrides map[string]any, opts lifecycle.LoadOptions) (backend.Backend, error) {
			// vllm serves an OpenAI-compatible HTTP API, so the control plane
			// drives it the same way it would drive any OpenAI-compatible
			// endpoint. A local config.json-equivalent map (when the download
			// coordinator resolved one) is threaded through for runtime
			// incompatibility checks.
			if backendKind == "vllm" {
				baseURL := cfg.VLLMBaseURL
				if override, ok := overrides["base_url"].(string); ok && override != "" {
					baseURL = override
				}
				if baseURL != "" {
					localConfig, _ := downloadCoordinator.LocalConfig(modelID)
					return backend.NewOpenAICompat(backend.OpenAICompatOptions{
						BaseURL: baseURL,
						Model:   modelID,
						Config:  localConfig,
					}), nil
				}
			}
			// mlx-lm and gguf are in-process runtimes this module does not
			// implement; NewEcho keeps the control plane runnable end-to-end
			// against a deterministic fake until a real adapter exists.
			return backend.NewEcho(), nil
		},
		Logger: logger,
	})

	genExecutor := &generation.Executor{
		Lifecycle:                         lifecycleMgr,
		Readiness:                         readinessTracker,
		Concurrency:                       concurrencyCtrl,
		Telemetry:                         telemetryRecorder,
		InferenceTimeout:                  time.Duration(cfg.InferenceTimeoutSec) * time.Second,
		RuntimeFailureQuarantineThreshold: cfg.RuntimeFailureQuarantineThreshold,
	}

	eng := engine.New(lifecycleMgr, genExecutor, concurrencyCtrl, readinessTracker, compatRegistry, autotuneRegistry, downloadCoordinator)

	agentScheduler := agent.New(agent.Config{
		MaxQueueDepth:       cfg.Agents.QueueCapacity,
		MaxStepsPerRun:      cfg.Agents.MaxStepsPerRun,
		DefaultTimeoutSec:   cfg.Agents.DefaultTimeoutSec,
		StepRetryAttempts:   cfg.Agents.StepRetryAttempts,
		StepRetryBackoffSec: float64(cfg.Agents.StepRetryBackoffSec),
		RetainCompletedRuns: cfg.Agents.RetainCompletedRuns,
		Store:               db,
		Telemetry:           telemetryRecorder,
		Logger:              logger,
		Generate:            eng.Generate,
		ModelReadiness:      eng.ModelReadiness,
	})

	if *debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	router := httpapi.NewRouter(&httpapi.Server{
		Engine:    eng,
		Agents:    agentScheduler,
		Logger:    logger,
		ServiceID: "opta-lmxd",
	})

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", *port),
		Handler: router,
	}

	stopSnapshots := make(chan struct{})
	go runSnapshotLoop(db, eng, stopSnapshots, logger)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		logger.Info("shutting down")
		close(stopSnapshots)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		eng.Drain(ctx, 10*time.Second)
		saveSnapshot(db, eng, true, logger)
		downloadCoordinator.Close()
		secretstore.Purge()

		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("graceful shutdown failed", "error", err)
		}
	}()

	logger.Info("starting opta-lmxd", "address", srv.Addr, "crash_looping", crashLooping)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server exited with error", "error", err)
		os.Exit(1)
	}
}

// detectCrashLoop consults the previous runtime state snapshot: three
// restarts landing inside crashLoopWindow of each other means the process is
// crash-looping, in which case warmup-on-load is skipped for this start so a
// bad model doesn't keep taking the daemon down before it can serve /admin.
func detectCrashLoop(db *store.DB, logger *slog.Logger) bool {
	prev, err := store.GetSnapshot[runtimeStateSnapshot](context.Background(), db, runtimeStateDomain)
	if err != nil {
		logger.Warn("could not read runtime state snapshot", "error", err)
		return false
	}
	if prev == nil {
		return false
	}
	if prev.LastCleanShutdown {
		return false
	}
	looping := time.Since(prev.SavedAt) < crashLoopWindow
	if looping {
		logger.Warn("unclean shutdown within crash loop window, skipping warmup-on-load", "last_saved_at", prev.SavedAt)
	}
	return looping
}

func runSnapshotLoop(db *store.DB, eng *engine.Facade, stop <-chan struct{}, logger *slog.Logger) {
	ticker := time.NewTicker(snapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			saveSnapshot(db, eng, false, logger)
		}
	}
}

func saveSnapshot(db *store.DB, eng *engine.Facade, cleanShutdown bool, logger *slog.Logger) {
	loaded := eng.GetLoadedModels()
	ids := make([]string, 0, len(loaded))
	for _, lm := range loaded {
		ids = append(ids, lm.ModelID)
	}
	snap := runtimeStateSnapshot{
		LoadedModels:      ids,
		LastCleanShutdown: cleanShutdown,
		SavedAt:           time.Now(),
	}
	if err := store.PutSnapshot(context.Background(), db, runtimeStateDomain, snap); err != nil {
		logger.Warn("failed to persist runtime state snapshot", "error", err)
	}
}

func toInt64Map(m map[string]int) map[string]int64 {
	if m == nil {
		return nil
	}
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[k] = int64(v)
	}
	return out
}
