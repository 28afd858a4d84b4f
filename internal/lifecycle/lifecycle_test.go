// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/opta-lmx/opta-lmx/internal/apierrors"
	"github.com/opta-lmx/opta-lmx/internal/autotune"
	"github.com/opta-lmx/opta-lmx/internal/backend"
	"github.com/opta-lmx/opta-lmx/internal/compat"
	"github.com/opta-lmx/opta-lmx/internal/events"
	"github.com/opta-lmx/opta-lmx/internal/memmonitor"
	"github.com/opta-lmx/opta-lmx/internal/readiness"
)

func writeMeminfo(t *testing.T, totalGB, availableGB float64) *memmonitor.Monitor {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "meminfo")
	content := fmt.Sprintf("MemTotal: %d kB\nMemAvailable: %d kB\n", int64(totalGB*1024*1024), int64(availableGB*1024*1024))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return memmonitor.NewWithPath(path)
}

func newTestManager(t *testing.T, monitor *memmonitor.Monitor, construct ConstructBackendFunc) *Manager {
	t.Helper()
	bus := events.New(nil)
	return New(Config{
		ThresholdPercent:                  90,
		BackendPreferenceOrder:            []string{"mlx-lm", "vllm"},
		GGUFFallbackEnabled:               true,
		AutoEvictLRU:                      true,
		DefaultKeepAliveSec:               600,
		RuntimeFailureQuarantineThreshold: 3,
		WarmupOnLoad:                      false,
		Monitor:                           monitor,
		Readiness:                         readiness.New(bus),
		Compat:                            compat.New(bus),
		Autotune:                          autotune.New(nil),
		Bus:                               bus,
		ConstructBackend:                  construct,
	})
}

func echoConstructor(echo *backend.EchoBackend) ConstructBackendFunc {
	return func(_ context.Context, _ string, _ string, _ map[string]any, _ LoadOptions) (backend.Backend, error) {
		return echo, nil
	}
}

func TestLoadModel_SucceedsAndBecomesRoutable(t *testing.T) {
	mon := writeMeminfo(t, 16, 14)
	echo := backend.NewEcho()
	m := newTestManager(t, mon, echoConstructor(echo))

	lm, err := m.LoadModel(context.Background(), "qwen2.5-7b", LoadOptions{})
	require.NoError(t, err)
	require.Equal(t, "qwen2.5-7b", lm.ModelID)

	rec, ok := m.ModelReadiness("qwen2.5-7b")
	require.True(t, ok)
	require.Equal(t, readiness.StateRoutable, rec.State)

	_, loaded := m.GetLoadedModel("qwen2.5-7b")
	require.True(t, loaded)
}

func TestLoadModel_AlreadyLoadedBumpsLastUsed(t *testing.T) {
	mon := writeMeminfo(t, 16, 14)
	echo := backend.NewEcho()
	m := newTestManager(t, mon, echoConstructor(echo))

	_, err := m.LoadModel(context.Background(), "qwen2.5-7b", LoadOptions{})
	require.NoError(t, err)
	first, _ := m.GetLoadedModel("qwen2.5-7b")
	firstUsed := first.LastUsedAt

	time.Sleep(2 * time.Millisecond)
	_, err = m.LoadModel(context.Background(), "qwen2.5-7b", LoadOptions{})
	require.NoError(t, err)
	require.Equal(t, 1, echo.CallCount()) // second call short-circuits before any canary generate
	second, _ := m.GetLoadedModel("qwen2.5-7b")
	require.True(t, second.LastUsedAt.After(firstUsed))
}

func TestLoadModel_RejectsPathTraversal(t *testing.T) {
	mon := writeMeminfo(t, 16, 14)
	m := newTestManager(t, mon, echoConstructor(backend.NewEcho()))

	_, err := m.LoadModel(context.Background(), "../../etc/passwd", LoadOptions{})
	require.Error(t, err)
	var apiErr *apierrors.Error
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, apierrors.CodeInvalidRequest, apiErr.Code)
}

func TestLoadModel_CanaryFailureQuarantinesAndUnloads(t *testing.T) {
	mon := writeMeminfo(t, 16, 14)
	echo := backend.NewEcho()
	echo.Response = "   " // trims to empty -> canary failure
	m := newTestManager(t, mon, echoConstructor(echo))

	_, err := m.LoadModel(context.Background(), "broken-model", LoadOptions{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "failed canary")

	rec, ok := m.ModelReadiness("broken-model")
	require.True(t, ok)
	require.Equal(t, readiness.StateQuarantined, rec.State)

	_, loaded := m.GetLoadedModel("broken-model")
	require.False(t, loaded)
	require.True(t, echo.Closed())

	summary := m.cfg.Compat.SummaryByModel()["broken-model"]
	require.Equal(t, 1, summary.Fail)
}

func TestLoadModel_InsufficientMemoryWithoutEviction(t *testing.T) {
	mon := writeMeminfo(t, 16, 0.5) // almost no headroom
	m := newTestManager(t, mon, echoConstructor(backend.NewEcho()))
	m.cfg.AutoEvictLRU = false

	_, err := m.LoadModel(context.Background(), "big-model", LoadOptions{})
	require.Error(t, err)
	var apiErr *apierrors.Error
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, apierrors.CodeInsufficientMemory, apiErr.Code)
}

// evictableBackend wraps EchoBackend and runs onClose when Close is called,
// used to simulate a model's real memory footprint being released on unload.
type evictableBackend struct {
	*backend.EchoBackend
	onClose func()
}

func (b *evictableBackend) Close() error {
	if b.onClose != nil {
		b.onClose()
	}
	return b.EchoBackend.Close()
}

func TestLoadModel_EvictsLRUWhenMemoryTight(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "meminfo")
	writeStats := func(totalGB, availableGB float64) {
		content := fmt.Sprintf("MemTotal: %d kB\nMemAvailable: %d kB\n", int64(totalGB*1024*1024), int64(availableGB*1024*1024))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	writeStats(16, 14)
	mon := memmonitor.NewWithPath(path)

	construct := func(_ context.Context, modelID string, _ string, _ map[string]any, _ LoadOptions) (backend.Backend, error) {
		if modelID == "model-a" {
			// model-a's construction consumes almost all headroom, simulating
			// the backend process actually resident in memory.
			writeStats(16, 1)
			return &evictableBackend{EchoBackend: backend.NewEcho(), onClose: func() { writeStats(16, 14) }}, nil
		}
		return backend.NewEcho(), nil
	}
	m := newTestManager(t, mon, construct)

	estimateA := 1.0
	_, err := m.LoadModel(context.Background(), "model-a", LoadOptions{MemoryEstimateGB: &estimateA})
	require.NoError(t, err)

	m.mu.Lock()
	m.models["model-a"].LastUsedAt = time.Now().Add(-time.Hour)
	m.mu.Unlock()

	estimateB := 1.0
	_, err = m.LoadModel(context.Background(), "model-b", LoadOptions{MemoryEstimateGB: &estimateB})
	require.NoError(t, err)

	_, aStillLoaded := m.GetLoadedModel("model-a")
	require.False(t, aStillLoaded)
	_, bLoaded := m.GetLoadedModel("model-b")
	require.True(t, bLoaded)
}

func TestLoadModel_AlreadyLoadingReturnsConflict(t *testing.T) {
	mon := writeMeminfo(t, 16, 14)
	started := make(chan struct{})
	release := make(chan struct{})
	construct := func(_ context.Context, _ string, _ string, _ map[string]any, _ LoadOptions) (backend.Backend, error) {
		close(started)
		<-release
		return backend.NewEcho(), nil
	}
	m := newTestManager(t, mon, construct)

	errCh := make(chan error, 1)
	go func() {
		_, err := m.LoadModel(context.Background(), "slow-model", LoadOptions{})
		errCh <- err
	}()

	<-started
	_, err := m.LoadModel(context.Background(), "slow-model", LoadOptions{})
	require.Error(t, err)
	var apiErr *apierrors.Error
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, apierrors.CodeModelLoading, apiErr.Code)

	close(release)
	require.NoError(t, <-errCh)
}

func TestUnloadModel_NotFoundReturnsError(t *testing.T) {
	mon := writeMeminfo(t, 16, 14)
	m := newTestManager(t, mon, echoConstructor(backend.NewEcho()))

	err := m.UnloadModel(context.Background(), "never-loaded", UnloadManual)
	require.Error(t, err)
	var apiErr *apierrors.Error
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, apierrors.CodeModelNotFound, apiErr.Code)
}

func TestEvictIdleModels_RespectsKeepAliveOverride(t *testing.T) {
	mon := writeMeminfo(t, 16, 14)
	m := newTestManager(t, mon, echoConstructor(backend.NewEcho()))

	pinned := 0
	_, err := m.LoadModel(context.Background(), "pinned-model", LoadOptions{KeepAliveSec: &pinned})
	require.NoError(t, err)
	_, err = m.LoadModel(context.Background(), "expiring-model", LoadOptions{})
	require.NoError(t, err)

	m.mu.Lock()
	m.models["pinned-model"].LastUsedAt = time.Now().Add(-time.Hour)
	m.models["expiring-model"].LastUsedAt = time.Now().Add(-time.Hour)
	m.mu.Unlock()

	victims := m.EvictIdleModels(context.Background(), time.Second)
	require.ElementsMatch(t, []string{"expiring-model"}, victims)

	_, pinnedStillLoaded := m.GetLoadedModel("pinned-model")
	require.True(t, pinnedStillLoaded)
}

func TestProbeModelBackends_RecommendsFirstNonFailure(t *testing.T) {
	mon := writeMeminfo(t, 16, 14)
	m := newTestManager(t, mon, echoConstructor(backend.NewEcho()))

	probe := func(_ context.Context, _ string, backendKind string, _ time.Duration) error {
		if backendKind == "mlx-lm" {
			return fmt.Errorf("mlx-lm unavailable")
		}
		return nil
	}

	result, err := m.ProbeModelBackends(context.Background(), "qwen2.5-7b", 5, probe)
	require.NoError(t, err)
	require.Equal(t, "vllm", result.RecommendedBackend)
	require.Len(t, result.Candidates, 3) // mlx-lm, vllm, gguf fallback
}

func TestDetectRuntimeIncompatibility(t *testing.T) {
	blocked := []BlockedSignature{
		{Backend: "mlx-lm", ModelTypes: []string{"qwen2_vl"}, Reason: "mlx-lm lacks vision tower support"},
	}

	blockedFound, reason := DetectRuntimeIncompatibility("mlx-lm", map[string]any{"model_type": "Qwen2_VL"}, blocked)
	require.True(t, blockedFound)
	require.Equal(t, "mlx-lm lacks vision tower support", reason)

	ok, _ := DetectRuntimeIncompatibility("vllm", map[string]any{"model_type": "Qwen2_VL"}, blocked)
	require.False(t, ok)
}

func TestResolveContextLength(t *testing.T) {
	length, ok := ResolveContextLength(map[string]any{"max_position_embeddings": float64(32768)})
	require.True(t, ok)
	require.Equal(t, 32768, length)

	_, ok = ResolveContextLength(map[string]any{})
	require.False(t, ok)
}
