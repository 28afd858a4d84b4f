// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package engine composes the lifecycle manager, generation executor, and
// the readiness/compat/autotune/concurrency registries into the single
// coordinator object HTTP handlers and the agent runtime are handed at
// process startup. It owns nothing the composed packages don't already own;
// it only sequences calls across them and tracks in-flight requests for
// drain.
package engine

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/opta-lmx/opta-lmx/internal/autotune"
	"github.com/opta-lmx/opta-lmx/internal/backendpolicy"
	"github.com/opta-lmx/opta-lmx/internal/compat"
	"github.com/opta-lmx/opta-lmx/internal/concurrency"
	"github.com/opta-lmx/opta-lmx/internal/download"
	"github.com/opta-lmx/opta-lmx/internal/generation"
	"github.com/opta-lmx/opta-lmx/internal/lifecycle"
	"github.com/opta-lmx/opta-lmx/internal/readiness"
)

// Facade is the coordinator object this repo hands to request handlers. It
// is safe for concurrent use.
type Facade struct {
	Lifecycle   *lifecycle.Manager
	Generation  *generation.Executor
	Concurrency *concurrency.Controller
	Readiness   *readiness.Tracker
	Compat      *compat.Registry
	Autotune    *autotune.Registry
	Download    *download.Coordinator

	mu       sync.Mutex
	cond     *sync.Cond
	inFlight int
}

// New wires a Facade from already-constructed components. Callers build the
// components in dependency order (memmonitor → readiness/compat/autotune →
// concurrency → lifecycle → generation) and pass the finished set here.
// dl may be nil when the deployment never auto-downloads models.
func New(lifecycleMgr *lifecycle.Manager, gen *generation.Executor, ctrl *concurrency.Controller, r *readiness.Tracker, c *compat.Registry, at *autotune.Registry, dl *download.Coordinator) *Facade {
	f := &Facade{
		Lifecycle:   lifecycleMgr,
		Generation:  gen,
		Concurrency: ctrl,
		Readiness:   r,
		Compat:      c,
		Autotune:    at,
		Download:    dl,
	}
	f.cond = sync.NewCond(&f.mu)
	return f
}

func (f *Facade) beginRequest() {
	f.mu.Lock()
	f.inFlight++
	f.mu.Unlock()
}

func (f *Facade) endRequest() {
	f.mu.Lock()
	f.inFlight--
	if f.inFlight == 0 {
		f.cond.Broadcast()
	}
	f.mu.Unlock()
}

// LoadModel admits and loads a model, per lifecycle.Manager.LoadModel.
func (f *Facade) LoadModel(ctx context.Context, modelID string, opts lifecycle.LoadOptions) (*lifecycle.LoadedModel, error) {
	return f.Lifecycle.LoadModel(ctx, modelID, opts)
}

// UnloadModel unloads a model, per lifecycle.Manager.UnloadModel.
func (f *Facade) UnloadModel(ctx context.Context, modelID string, reason lifecycle.UnloadReason) error {
	return f.Lifecycle.UnloadModel(ctx, modelID, reason)
}

// Generate runs one non-streaming completion, tracked for Drain.
func (f *Facade) Generate(ctx context.Context, req generation.Request) (*generation.Result, error) {
	f.beginRequest()
	defer f.endRequest()
	return f.Generation.Generate(ctx, req)
}

// StreamGenerate runs one streaming completion. The returned channels are
// tracked for Drain until both close.
func (f *Facade) StreamGenerate(ctx context.Context, req generation.Request) (<-chan generation.Chunk, <-chan error) {
	f.beginRequest()
	chunks, errs := f.Generation.Stream(ctx, req)

	outChunks := make(chan generation.Chunk, 8)
	outErrs := make(chan error, 1)
	go func() {
		defer f.endRequest()
		defer close(outChunks)
		defer close(outErrs)
		for chunks != nil || errs != nil {
			select {
			case c, ok := <-chunks:
				if !ok {
					chunks = nil
					continue
				}
				outChunks <- c
			case e, ok := <-errs:
				if !ok {
					errs = nil
					continue
				}
				if e != nil {
					outErrs <- e
				}
			}
		}
	}()
	return outChunks, outErrs
}

// ProbeModelBackends probes candidate backends for a model without loading
// it into the routable set, per lifecycle.Manager.ProbeModelBackends.
func (f *Facade) ProbeModelBackends(ctx context.Context, modelID string, timeoutSec int, probe lifecycle.ProbeFunc) (lifecycle.ProbeResult, error) {
	return f.Lifecycle.ProbeModelBackends(ctx, modelID, timeoutSec, probe)
}

// EvictIdleModels unloads every model past its keep-alive TTL.
func (f *Facade) EvictIdleModels(ctx context.Context, defaultTTL time.Duration) []string {
	return f.Lifecycle.EvictIdleModels(ctx, defaultTTL)
}

// GetLoadedModels returns every currently loaded model.
func (f *Facade) GetLoadedModels() []*lifecycle.LoadedModel {
	return f.Lifecycle.GetLoadedModels()
}

// ModelReadiness returns the readiness record for modelID, if any.
func (f *Facade) ModelReadiness(modelID string) (readiness.Record, bool) {
	return f.Lifecycle.ModelReadiness(modelID)
}

// GetTunedProfile returns the best-known autotune profile for a
// (model, backend, backend_version) triple.
func (f *Facade) GetTunedProfile(modelID, backendKind, backendVersion string) (autotune.Record, bool) {
	return f.Autotune.Get(modelID, backendKind, backendVersion)
}

// SaveTunedProfile records a fresh autotune observation, keeping it only if
// it scores at least as well as the prior best.
func (f *Facade) SaveTunedProfile(ctx context.Context, modelID, backendKind, backendVersion string, rec autotune.Record) (bool, error) {
	return f.Autotune.Save(ctx, modelID, backendKind, backendVersion, rec)
}

// AdaptConcurrency recomputes the concurrency target from current memory
// pressure and (if enabled) the latency overlay.
func (f *Facade) AdaptConcurrency(ctx context.Context, targetLatencyMs float64) int {
	return f.Concurrency.AdaptConcurrency(ctx, targetLatencyMs)
}

// Drain blocks until no request is in flight or timeout elapses, returning
// true if it observed a fully-drained state first.
func (f *Facade) Drain(ctx context.Context, timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		f.mu.Lock()
		for f.inFlight > 0 {
			f.cond.Wait()
		}
		f.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	case <-ctx.Done():
		return false
	}
}

// SuggestPrefetchModels ranks compatibility-passing models that are not
// currently loaded, most-recently-proven-compatible first, as candidates a
// caller may choose to warm ahead of traffic.
func (f *Facade) SuggestPrefetchModels(limit int) []string {
	loaded := map[string]bool{}
	for _, lm := range f.Lifecycle.GetLoadedModels() {
		loaded[lm.ModelID] = true
	}

	summaries := f.Compat.SummaryByModel()
	candidates := make([]string, 0, len(summaries))
	for modelID, s := range summaries {
		if loaded[modelID] || s.Pass == 0 {
			continue
		}
		candidates = append(candidates, modelID)
	}
	sort.Slice(candidates, func(i, j int) bool {
		si, sj := summaries[candidates[i]], summaries[candidates[j]]
		if si.Pass != sj.Pass {
			return si.Pass > sj.Pass
		}
		return candidates[i] < candidates[j]
	})
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}
	return candidates
}

// StartDownload begins (or joins) a model download, for the admin load
// handler's "download_required"/"downloading" response path. Returns nil,
// false if no download coordinator is configured.
func (f *Facade) StartDownload(ctx context.Context, req download.Request) (*download.Task, bool, error) {
	if f.Download == nil {
		return nil, false, nil
	}
	task, err := f.Download.StartDownload(ctx, req)
	return task, true, err
}

// ResolveBackendCandidates exposes the pure backend-ordering function for
// callers (admin diagnostics, CLI) that want to see the resolution without
// triggering a probe or load.
func (f *Facade) ResolveBackendCandidates(modelID string, prefs []string, ggufFallback bool, preferredBackend string) ([]string, error) {
	return backendpolicy.Resolve(modelID, prefs, ggufFallback, f.Compat.MostRecentForModelBackend, preferredBackend, false)
}
