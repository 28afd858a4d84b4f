// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package lifecycle implements the model lifecycle manager: admission with
// memory reservation bookkeeping, the load sequence (backend resolution,
// runtime-compatibility checks, construction, warmup, canary), unload, and
// LRU/TTL eviction.
//
// The admission check-and-mutate region is a sync.Mutex, matching the
// Python original's cooperative load_lock; eviction retries happen outside
// the lock (the same way unload needs to reacquire it) by unlocking before
// calling UnloadModel and looping back to re-check admission.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/opta-lmx/opta-lmx/internal/apierrors"
	"github.com/opta-lmx/opta-lmx/internal/autotune"
	"github.com/opta-lmx/opta-lmx/internal/backend"
	"github.com/opta-lmx/opta-lmx/internal/backendpolicy"
	"github.com/opta-lmx/opta-lmx/internal/compat"
	"github.com/opta-lmx/opta-lmx/internal/concurrency"
	"github.com/opta-lmx/opta-lmx/internal/events"
	"github.com/opta-lmx/opta-lmx/internal/lifecycle/loaderprobe"
	"github.com/opta-lmx/opta-lmx/internal/memmonitor"
	"github.com/opta-lmx/opta-lmx/internal/readiness"
	"github.com/tmc/langchaingo/llms"
)

// EventModelUnloaded is published by UnloadModel.
const EventModelUnloaded = "model_unloaded"

// UnloadedPayload is the events.Event.Data for EventModelUnloaded.
type UnloadedPayload struct {
	ModelID string
	Reason  string
}

// UnloadReason enumerates the documented unload reasons.
type UnloadReason string

const (
	UnloadManual       UnloadReason = "manual"
	UnloadLRU          UnloadReason = "lru"
	UnloadTTL          UnloadReason = "ttl"
	UnloadCanaryFailed UnloadReason = "canary_failed"
)

// SpeculativeInfo mirrors the spec's per-model speculative-decoding intent.
type SpeculativeInfo struct {
	Requested  bool
	Active     bool
	Reason     string
	DraftModel *string
	NumTokens  int
}

// LoadedModel is the exclusively-owned record for one loaded model.
type LoadedModel struct {
	ModelID              string
	Backend              backend.Backend
	BackendKind          string
	LoadedAt             time.Time
	LastUsedAt           time.Time
	RequestCount         int64
	EstimatedMemoryGB    float64
	ContextLength        int
	UseBatching          bool
	PerformanceOverrides map[string]any
	KeepAliveSec         *int
	Speculative          SpeculativeInfo
}

// LoadOptions carries the per-call admin overrides for a load request.
type LoadOptions struct {
	PreferredBackend        string
	PerformanceOverrides    map[string]any
	KeepAliveSec            *int
	AllowUnsupportedRuntime bool
	MemoryEstimateGB        *float64
	UseBatching             bool
	Speculative             SpeculativeInfo
}

// ModelStore resolves on-disk facts about a model id; internal/download
// satisfies this so the lifecycle manager never hardcodes HuggingFace cache
// paths.
type ModelStore interface {
	LocalConfig(modelID string) (map[string]any, bool)
}

// ConstructBackendFunc builds the backend object for modelID using the given
// resolved backend kind and effective performance overrides.
type ConstructBackendFunc func(ctx context.Context, modelID, backendKind string, overrides map[string]any, opts LoadOptions) (backend.Backend, error)

// BlockedSignature names a (backend, model_type/architecture) combination
// known to be incompatible at runtime.
type BlockedSignature struct {
	Backend       string
	ModelTypes    []string
	Architectures []string
	Reason        string
}

// Config configures a Manager at construction.
type Config struct {
	ThresholdPercent                 float64
	BackendPreferenceOrder           []string
	GGUFFallbackEnabled              bool
	AutoEvictLRU                     bool
	DefaultKeepAliveSec              int
	RuntimeFailureQuarantineThreshold int
	LoaderIsolationEnabled           bool
	LoaderTimeoutSec                 int
	WarmupOnLoad                     bool
	BlockedSignatures                []BlockedSignature
	Monitor                          *memmonitor.Monitor
	Readiness                        *readiness.Tracker
	Compat                           *compat.Registry
	Autotune                         *autotune.Registry
	Bus                              *events.Bus
	ConcurrencyCtrl                  *concurrency.Controller
	ModelStore                       ModelStore
	ConstructBackend                 ConstructBackendFunc
	LoaderProbe                      *loaderprobe.Supervisor
	Logger                           *slog.Logger
}

// Manager is the coordinator object owning the loaded-model map and the
// admission bookkeeping that guards it.
type Manager struct {
	cfg    Config
	logger *slog.Logger

	mu           sync.Mutex
	models       map[string]*LoadedModel
	loading      map[string]bool
	reservations map[string]float64
}

// New returns a ready Manager.
func New(cfg Config) *Manager {
	if cfg.ThresholdPercent <= 0 {
		cfg.ThresholdPercent = 90
	}
	if cfg.RuntimeFailureQuarantineThreshold <= 0 {
		cfg.RuntimeFailureQuarantineThreshold = 3
	}
	if cfg.LoaderTimeoutSec <= 0 {
		cfg.LoaderTimeoutSec = 120
	}
	if cfg.Monitor == nil {
		cfg.Monitor = memmonitor.New()
	}
	if cfg.Readiness == nil {
		cfg.Readiness = readiness.New(cfg.Bus)
	}
	if cfg.Compat == nil {
		cfg.Compat = compat.New(cfg.Bus)
	}
	if cfg.Autotune == nil {
		cfg.Autotune = autotune.New(nil)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:          cfg,
		logger:       logger,
		models:       make(map[string]*LoadedModel),
		loading:      make(map[string]bool),
		reservations: make(map[string]float64),
	}
}

// GetLoadedModel returns the loaded model record for modelID, if loaded.
func (m *Manager) GetLoadedModel(modelID string) (*LoadedModel, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lm, ok := m.models[modelID]
	return lm, ok
}

// GetLoadedModels returns every currently loaded model.
func (m *Manager) GetLoadedModels() []*LoadedModel {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*LoadedModel, 0, len(m.models))
	for _, lm := range m.models {
		out = append(out, lm)
	}
	return out
}

// ModelReadiness returns the readiness record for modelID.
func (m *Manager) ModelReadiness(modelID string) (readiness.Record, bool) {
	return m.cfg.Readiness.Get(modelID)
}

func (m *Manager) computeReservation(opts LoadOptions) (gb float64, explicit bool, err error) {
	if opts.MemoryEstimateGB != nil {
		return *opts.MemoryEstimateGB * 1.15, true, nil
	}
	stats, statErr := m.cfg.Monitor.Stat()
	if statErr != nil {
		return 0, false, apierrors.Internal(statErr)
	}
	thresholdGB := stats.TotalGB * m.cfg.ThresholdPercent / 100.0
	headroom := thresholdGB - stats.UsedGB
	if headroom < 0 {
		headroom = 0
	}
	return headroom, false, nil
}

// admissibleLocked must be called with m.mu held. It reports whether adding
// requestedGB keeps current%+reserved%+requested% within threshold.
func (m *Manager) admissibleLocked(requestedGB float64) (ok bool, currentPct, reservedPct, requestedPct float64, err error) {
	stats, statErr := m.cfg.Monitor.Stat()
	if statErr != nil {
		return false, 0, 0, 0, apierrors.Internal(statErr)
	}
	var reservedGB float64
	for _, v := range m.reservations {
		reservedGB += v
	}
	currentPct = stats.UsagePercent
	reservedPct = memmonitor.GBToPercent(reservedGB, stats.TotalGB)
	requestedPct = memmonitor.GBToPercent(requestedGB, stats.TotalGB)
	ok = currentPct+reservedPct+requestedPct <= m.cfg.ThresholdPercent
	return ok, currentPct, reservedPct, requestedPct, nil
}

func (m *Manager) pickLRULocked() string {
	var victim string
	var oldest time.Time
	for id, lm := range m.models {
		if victim == "" || lm.LastUsedAt.Before(oldest) {
			victim = id
			oldest = lm.LastUsedAt
		}
	}
	return victim
}

// LoadModel admits, constructs, warms up, and canary-promotes modelID,
// returning the resulting LoadedModel. Already-loaded models short-circuit
// with a bumped last-used timestamp; already-loading models return a
// conflict error.
func (m *Manager) LoadModel(ctx context.Context, modelID string, opts LoadOptions) (*LoadedModel, error) {
	if strings.Contains(modelID, "..") {
		return nil, apierrors.InvalidRequest("model id %q contains path traversal", modelID)
	}

	for {
		m.mu.Lock()
		if lm, ok := m.models[modelID]; ok {
			lm.LastUsedAt = time.Now()
			m.mu.Unlock()
			return lm, nil
		}
		if m.loading[modelID] {
			m.mu.Unlock()
			return nil, apierrors.New(apierrors.CodeModelLoading, "model %q is already loading", modelID)
		}

		reservationGB, explicit, err := m.computeReservation(opts)
		if err != nil {
			m.mu.Unlock()
			return nil, err
		}

		ok, currentPct, reservedPct, requestedPct, err := m.admissibleLocked(reservationGB)
		if err != nil {
			m.mu.Unlock()
			return nil, err
		}

		if ok && (explicit || reservationGB > 0) {
			m.loading[modelID] = true
			m.reservations[modelID] = reservationGB
			m.mu.Unlock()
			break
		}

		if m.cfg.AutoEvictLRU && len(m.models) > 0 {
			victim := m.pickLRULocked()
			m.mu.Unlock()
			if victim == "" {
				return nil, apierrors.InsufficientMemory(requestedPct, 100-currentPct, m.cfg.ThresholdPercent)
			}
			_ = m.UnloadModel(ctx, victim, UnloadLRU)
			continue
		}

		m.mu.Unlock()
		return nil, apierrors.InsufficientMemory(currentPct+reservedPct+requestedPct, m.cfg.ThresholdPercent, m.cfg.ThresholdPercent)
	}

	defer func() {
		m.mu.Lock()
		delete(m.loading, modelID)
		delete(m.reservations, modelID)
		m.mu.Unlock()
	}()

	return m.doLoad(ctx, modelID, opts)
}

var warmupMessageText = "Say hello in one short sentence."
var canaryMessageText = "Reply with the single word: ready."

func (m *Manager) doLoad(ctx context.Context, modelID string, opts LoadOptions) (*LoadedModel, error) {
	m.cfg.Readiness.SetState(modelID, readiness.StateAdmitted, "")

	candidates, err := backendpolicy.Resolve(modelID, m.cfg.BackendPreferenceOrder, m.cfg.GGUFFallbackEnabled, m.cfg.Compat.MostRecentForModelBackend, opts.PreferredBackend, false)
	if err != nil {
		m.cfg.Readiness.Clear(modelID)
		return nil, err
	}
	if len(candidates) == 0 {
		m.cfg.Readiness.Clear(modelID)
		return nil, apierrors.New(apierrors.CodeModelNotFound, "no backend candidates resolved for %q", modelID)
	}
	selected := candidates[0]

	if selected == "gguf" && !isGGUFModel(modelID) && !m.cfg.GGUFFallbackEnabled {
		m.cfg.Readiness.Clear(modelID)
		return nil, apierrors.New(apierrors.CodeIncompatibleRuntime, "model %q has no local gguf equivalent and gguf fallback is disabled", modelID)
	}

	if m.cfg.ModelStore != nil {
		if localCfg, ok := m.cfg.ModelStore.LocalConfig(modelID); ok {
			if blocked, reason := DetectRuntimeIncompatibility(selected, localCfg, m.cfg.BlockedSignatures); blocked && !opts.AllowUnsupportedRuntime {
				m.cfg.Readiness.Quarantine(modelID, reason)
				m.cfg.Compat.Append(ctx, compat.Row{ModelID: modelID, Backend: selected, Outcome: compat.OutcomeFail, Reason: reason})
				return nil, apierrors.IncompatibleRuntime(modelID, reason)
			}
			if ctxLen, ok := ResolveContextLength(localCfg); ok {
				opts.PerformanceOverrides = withDefault(opts.PerformanceOverrides, "context_length", ctxLen)
			}
		}
	}

	tuned, _ := m.cfg.Autotune.Get(modelID, selected, "")
	effectiveOverrides := autotune.MergeProfiles(tuned.Profile, opts.PerformanceOverrides)

	m.cfg.Readiness.SetState(modelID, readiness.StateLoading, "")

	if selected == "vllm" && m.cfg.LoaderIsolationEnabled && m.cfg.LoaderProbe != nil {
		timeout := time.Duration(m.cfg.LoaderTimeoutSec) * time.Second
		if err := m.cfg.LoaderProbe.Run(ctx, modelID, selected, timeout); err != nil {
			m.cfg.Readiness.MarkFailure(modelID, err.Error(), m.cfg.RuntimeFailureQuarantineThreshold)
			m.cfg.Compat.Append(ctx, compat.Row{ModelID: modelID, Backend: selected, Outcome: compat.OutcomeFail, Reason: err.Error()})
			return nil, apierrors.Wrap(apierrors.CodeModelQuarantined, err, "loader probe failed for %q", modelID)
		}
	}

	if m.cfg.ConstructBackend == nil {
		m.cfg.Readiness.Clear(modelID)
		return nil, apierrors.Internal(fmt.Errorf("no backend constructor configured"))
	}

	beforeStats, _ := m.cfg.Monitor.Stat()
	be, err := m.cfg.ConstructBackend(ctx, modelID, selected, effectiveOverrides, opts)
	if err != nil {
		m.cfg.Readiness.MarkFailure(modelID, err.Error(), m.cfg.RuntimeFailureQuarantineThreshold)
		m.cfg.Compat.Append(ctx, compat.Row{ModelID: modelID, Backend: selected, Outcome: compat.OutcomeFail, Reason: err.Error()})
		return nil, apierrors.Wrap(apierrors.CodeBackendError, err, "backend construction failed for %q", modelID)
	}
	afterStats, _ := m.cfg.Monitor.Stat()
	modelMemoryGB := afterStats.UsedGB - beforeStats.UsedGB
	if modelMemoryGB < 0 {
		modelMemoryGB = 0
	}
	if afterStats.UsagePercent > m.cfg.ThresholdPercent {
		_ = be.Close()
		return nil, apierrors.InsufficientMemory(afterStats.UsedGB, afterStats.AvailableGB, m.cfg.ThresholdPercent)
	}

	keepAlive := opts.KeepAliveSec
	if keepAlive == nil {
		d := m.cfg.DefaultKeepAliveSec
		keepAlive = &d
	}

	lm := &LoadedModel{
		ModelID:              modelID,
		Backend:              be,
		BackendKind:          selected,
		LoadedAt:             time.Now(),
		LastUsedAt:           time.Now(),
		EstimatedMemoryGB:    modelMemoryGB,
		UseBatching:          opts.UseBatching,
		PerformanceOverrides: effectiveOverrides,
		KeepAliveSec:         keepAlive,
		Speculative:          opts.Speculative,
	}
	if ctxLen, ok := effectiveOverrides["context_length"].(int); ok {
		lm.ContextLength = ctxLen
	}

	m.mu.Lock()
	m.models[modelID] = lm
	m.mu.Unlock()
	m.cfg.Readiness.SetState(modelID, readiness.StateCanaryPending, "")

	if m.cfg.WarmupOnLoad {
		_, _ = be.Generate(ctx, warmupRequest())
	}

	canaryRes, canaryErr := be.Generate(ctx, canaryRequest())
	if canaryErr != nil || strings.TrimSpace(canaryRes.Text) == "" {
		reason := "failed canary: empty_canary_response"
		if canaryErr != nil {
			reason = "failed canary: " + canaryErr.Error()
		}
		m.cfg.Compat.Append(ctx, compat.Row{ModelID: modelID, Backend: selected, Outcome: compat.OutcomeFail, Reason: reason})
		_ = m.UnloadModel(ctx, modelID, UnloadCanaryFailed)
		m.cfg.Readiness.Quarantine(modelID, reason)
		return nil, fmt.Errorf("model %q failed canary: %s", modelID, reason)
	}

	m.cfg.Readiness.SetState(modelID, readiness.StateRoutable, "")
	m.cfg.Compat.Append(ctx, compat.Row{ModelID: modelID, Backend: selected, Outcome: compat.OutcomePass})

	if m.cfg.ConcurrencyCtrl != nil {
		m.cfg.ConcurrencyCtrl.AdaptConcurrency(ctx, 0)
	}
	return lm, nil
}

// UnloadModel removes modelID from the loaded set, closes its backend
// best-effort, clears readiness, and publishes EventModelUnloaded.
func (m *Manager) UnloadModel(ctx context.Context, modelID string, reason UnloadReason) error {
	m.mu.Lock()
	lm, ok := m.models[modelID]
	if !ok {
		m.mu.Unlock()
		return apierrors.ModelNotFound(modelID)
	}
	delete(m.models, modelID)
	m.mu.Unlock()

	m.cfg.Readiness.Clear(modelID)
	if lm.Backend != nil {
		if err := lm.Backend.Close(); err != nil {
			m.logger.Warn("lifecycle: backend close failed", "model_id", modelID, "err", err)
		}
	}

	if m.cfg.Bus != nil {
		m.cfg.Bus.Publish(events.Event{Name: EventModelUnloaded, Data: UnloadedPayload{ModelID: modelID, Reason: string(reason)}})
	}
	if m.cfg.ConcurrencyCtrl != nil {
		m.cfg.ConcurrencyCtrl.AdaptConcurrency(ctx, 0)
	}
	return nil
}

// EvictIdleModels unloads every model whose keep-alive window has elapsed.
// A per-model KeepAliveSec of 0 pins the model so it is never evicted here.
func (m *Manager) EvictIdleModels(ctx context.Context, defaultTTL time.Duration) []string {
	m.mu.Lock()
	now := time.Now()
	var victims []string
	for id, lm := range m.models {
		ttl := defaultTTL
		if lm.KeepAliveSec != nil {
			if *lm.KeepAliveSec == 0 {
				continue
			}
			ttl = time.Duration(*lm.KeepAliveSec) * time.Second
		}
		if now.Sub(lm.LastUsedAt) >= ttl {
			victims = append(victims, id)
		}
	}
	m.mu.Unlock()

	for _, id := range victims {
		_ = m.UnloadModel(ctx, id, UnloadTTL)
	}
	return victims
}

// ProbeCandidate is one backend's probe outcome.
type ProbeCandidate struct {
	Backend string
	Outcome compat.Outcome
	Reason  string
}

// ProbeResult is the non-mutating result of ProbeModelBackends.
type ProbeResult struct {
	RecommendedBackend string
	Candidates         []ProbeCandidate
}

// ProbeFunc performs a backend-appropriate readiness probe without mutating
// loaded state: child-process for vllm, synchronous construct-and-close for
// mlx-lm, local-snapshot existence check for gguf.
type ProbeFunc func(ctx context.Context, modelID, backendKind string, timeout time.Duration) error

// ProbeModelBackends iterates the candidate list for modelID and reports an
// outcome per backend without mutating the loaded-model map.
func (m *Manager) ProbeModelBackends(ctx context.Context, modelID string, timeoutSec int, probe ProbeFunc) (ProbeResult, error) {
	candidates, err := backendpolicy.Resolve(modelID, m.cfg.BackendPreferenceOrder, m.cfg.GGUFFallbackEnabled, m.cfg.Compat.MostRecentForModelBackend, "", true)
	if err != nil {
		return ProbeResult{}, err
	}

	timeout := time.Duration(timeoutSec) * time.Second
	if timeout <= 0 {
		timeout = time.Duration(m.cfg.LoaderTimeoutSec) * time.Second
	}

	result := ProbeResult{}
	for _, c := range candidates {
		outcome := compat.OutcomeUnknown
		reason := ""
		if probe != nil {
			if perr := probe(ctx, modelID, c, timeout); perr != nil {
				outcome = compat.OutcomeFail
				reason = perr.Error()
			} else {
				outcome = compat.OutcomePass
			}
		}
		result.Candidates = append(result.Candidates, ProbeCandidate{Backend: c, Outcome: outcome, Reason: reason})
		if result.RecommendedBackend == "" && outcome != compat.OutcomeFail {
			result.RecommendedBackend = c
		}
	}
	if result.RecommendedBackend == "" && len(candidates) > 0 {
		result.RecommendedBackend = candidates[0]
	}
	return result, nil
}

func isGGUFModel(modelID string) bool {
	lower := strings.ToLower(modelID)
	return strings.HasSuffix(lower, ".gguf") || strings.Contains(lower, "gguf")
}

func warmupRequest() backend.Request {
	return backend.Request{
		Messages:  []llms.MessageContent{llms.TextParts(llms.ChatMessageTypeHuman, warmupMessageText)},
		MaxTokens: 32,
	}
}

func canaryRequest() backend.Request {
	return backend.Request{
		Messages:  []llms.MessageContent{llms.TextParts(llms.ChatMessageTypeHuman, canaryMessageText)},
		MaxTokens: 16,
	}
}

func withDefault(m map[string]any, key string, value any) map[string]any {
	if m == nil {
		m = make(map[string]any)
	}
	if _, ok := m[key]; !ok {
		m[key] = value
	}
	return m
}
