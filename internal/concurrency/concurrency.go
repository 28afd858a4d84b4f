// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package concurrency implements the three-tier (global/per-model/per-client)
// admission semaphore and the adaptive target-sizing loop that reacts to
// memory pressure and request latency.
//
// The three families are golang.org/x/sync/semaphore.Weighted instances
// rather than hand-rolled buffered channels: the corpus reaches for
// golang.org/x/sync for exactly this kind of weighted-slot bookkeeping, and
// semaphore.Weighted gives a context-aware Acquire for free, which is what
// the semaphore-timeout rule in the acquisition protocol needs.
package concurrency

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/opta-lmx/opta-lmx/internal/apierrors"
	"github.com/opta-lmx/opta-lmx/internal/memmonitor"
	"github.com/opta-lmx/opta-lmx/internal/telemetry"
)

// Priority is the request priority used by the acquisition protocol.
type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Config configures a Controller at construction time.
type Config struct {
	Max                      int
	Min                      int
	SemaphoreTimeout         time.Duration
	PerModelCaps             map[string]int64
	DefaultClientCap         int64 // 0 = unlimited
	PerClientCaps            map[string]int64
	MemoryThresholdPercent   float64
	LatencyOverlayEnabled    bool
	Monitor                  *memmonitor.Monitor
	Telemetry                *telemetry.Recorder
	Logger                   *slog.Logger
}

const latencyWindow = 32
const minSamplesForOverlay = 8

// Controller owns the three semaphore families and the adaptive sizing state.
type Controller struct {
	mu     sync.Mutex
	cfg    Config
	logger *slog.Logger

	target  int
	current *semaphore.Weighted

	perModelCap map[string]int64
	perModel    map[string]*semaphore.Weighted

	perClientCap     map[string]int64
	defaultClientCap int64
	perClient        map[string]*semaphore.Weighted

	inFlight int64
	waiting  map[string]*int64
	waitMu   sync.Mutex

	latencies       []time.Duration
	lastAdaptReason string
	lastTargetMs    float64
}

// New returns a Controller with the global semaphore sized at cfg.Max.
func New(cfg Config) *Controller {
	if cfg.Max <= 0 {
		cfg.Max = 1
	}
	if cfg.Min <= 0 {
		cfg.Min = 1
	}
	if cfg.SemaphoreTimeout <= 0 {
		cfg.SemaphoreTimeout = 30 * time.Second
	}
	if cfg.MemoryThresholdPercent <= 0 {
		cfg.MemoryThresholdPercent = 90
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &Controller{
		cfg:              cfg,
		logger:           logger,
		target:           cfg.Max,
		current:          semaphore.NewWeighted(int64(cfg.Max)),
		perModelCap:      cfg.PerModelCaps,
		perModel:         make(map[string]*semaphore.Weighted),
		perClientCap:     cfg.PerClientCaps,
		defaultClientCap: cfg.DefaultClientCap,
		perClient:        make(map[string]*semaphore.Weighted),
		waiting:          make(map[string]*int64),
	}
	return c
}

// Lease represents acquired slots for one in-flight request. Release must be
// called exactly once.
type Lease struct {
	ctrl       *Controller
	global     bool
	modelSem   *semaphore.Weighted
	clientSem  *semaphore.Weighted
	modelID    string
	released   bool
	QueueWait  time.Duration
}

// Release gives back every acquired slot in reverse acquisition order and
// decrements the in-flight counter.
func (l *Lease) Release() {
	if l == nil || l.released {
		return
	}
	l.released = true
	if l.clientSem != nil {
		l.clientSem.Release(1)
	}
	if l.modelSem != nil {
		l.modelSem.Release(1)
	}
	if l.global {
		l.ctrl.current.Release(1)
	}
	atomic.AddInt64(&l.ctrl.inFlight, -1)
}

// Acquire runs the five-step acquisition protocol. priority=PriorityHigh
// bypasses every semaphore family and returns a no-op Lease.
func (c *Controller) Acquire(ctx context.Context, modelID, clientID string, priority Priority) (*Lease, error) {
	if priority == PriorityHigh {
		atomic.AddInt64(&c.inFlight, 1)
		return &Lease{ctrl: c}, nil
	}

	c.bumpWaiting(modelID, 1)
	defer c.bumpWaiting(modelID, -1)
	waitStart := time.Now()

	c.mu.Lock()
	global := c.current
	c.mu.Unlock()

	acqCtx, cancel := context.WithTimeout(ctx, c.cfg.SemaphoreTimeout)
	defer cancel()
	if err := global.Acquire(acqCtx, 1); err != nil {
		return nil, apierrors.RateLimited(5)
	}

	lease := &Lease{ctrl: c, global: true, modelID: modelID}

	if sem := c.modelSemaphore(modelID); sem != nil {
		if err := sem.Acquire(acqCtx, 1); err != nil {
			lease.Release()
			return nil, apierrors.RateLimited(5)
		}
		lease.modelSem = sem
	}

	if sem := c.clientSemaphore(clientID); sem != nil {
		if err := sem.Acquire(acqCtx, 1); err != nil {
			lease.Release()
			return nil, apierrors.RateLimited(5)
		}
		lease.clientSem = sem
	}

	atomic.AddInt64(&c.inFlight, 1)
	lease.QueueWait = time.Since(waitStart)
	return lease, nil
}

func (c *Controller) bumpWaiting(modelID string, delta int64) {
	c.waitMu.Lock()
	defer c.waitMu.Unlock()
	ptr, ok := c.waiting[modelID]
	if !ok {
		var v int64
		ptr = &v
		c.waiting[modelID] = ptr
	}
	atomic.AddInt64(ptr, delta)
}

// WaitingCount returns the current waiting counter for modelID.
func (c *Controller) WaitingCount(modelID string) int64 {
	c.waitMu.Lock()
	defer c.waitMu.Unlock()
	if ptr, ok := c.waiting[modelID]; ok {
		return atomic.LoadInt64(ptr)
	}
	return 0
}

func (c *Controller) modelSemaphore(modelID string) *semaphore.Weighted {
	c.mu.Lock()
	defer c.mu.Unlock()
	cap, ok := c.perModelCap[modelID]
	if !ok || cap <= 0 {
		return nil
	}
	sem, ok := c.perModel[modelID]
	if !ok {
		sem = semaphore.NewWeighted(cap)
		c.perModel[modelID] = sem
	}
	return sem
}

func (c *Controller) clientSemaphore(clientID string) *semaphore.Weighted {
	if clientID == "" {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	cap, explicit := c.perClientCap[clientID]
	if !explicit {
		cap = c.defaultClientCap
	}
	if cap <= 0 {
		return nil
	}
	sem, ok := c.perClient[clientID]
	if !ok {
		sem = semaphore.NewWeighted(cap)
		c.perClient[clientID] = sem
	}
	return sem
}

// InFlight returns the number of requests currently holding slots.
func (c *Controller) InFlight() int64 {
	return atomic.LoadInt64(&c.inFlight)
}

// RecordLatency appends a latency sample to the rolling window used by the
// adaptive-sizing latency overlay.
func (c *Controller) RecordLatency(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.latencies = append(c.latencies, d)
	if len(c.latencies) > latencyWindow {
		c.latencies = c.latencies[len(c.latencies)-latencyWindow:]
	}
}

func p95(samples []time.Duration) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	sorted := make([]time.Duration, len(samples))
	copy(sorted, samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(float64(len(sorted)-1) * 0.95)
	return sorted[idx]
}

// LastAdaptReason returns the reason recorded by the most recent
// AdaptConcurrency call ("memory_pressure", "latency_high",
// "latency_low", or "").
func (c *Controller) LastAdaptReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastAdaptReason
}

// Target returns the current adaptive target slot count.
func (c *Controller) Target() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.target
}

// AdaptConcurrency recomputes the target slot count from memory pressure and
// (if enabled, with enough samples) the latency p95 overlay, then swaps the
// live semaphore to match — unless a request currently holds the global
// slot, in which case the swap is deferred until the next call observes
// InFlight()==0.
func (c *Controller) AdaptConcurrency(ctx context.Context, targetLatencyMs float64) int {
	base := c.target
	reason := ""

	if c.cfg.Monitor != nil {
		if stats, err := c.cfg.Monitor.Stat(); err == nil {
			ratio := stats.UsagePercent / c.cfg.MemoryThresholdPercent
			switch {
			case ratio < 0.70:
				base = c.cfg.Max
			case ratio < 0.85:
				base = maxInt(c.cfg.Min, (c.cfg.Max*3)/4)
			case ratio < 0.95:
				base = maxInt(c.cfg.Min, c.cfg.Max/2)
			default:
				base = c.cfg.Min
			}
			if base != c.target {
				reason = "memory_pressure"
			}
		} else {
			c.logger.Warn("concurrency: memory stat failed during adapt", "err", err)
		}
	}

	c.mu.Lock()
	samples := append([]time.Duration(nil), c.latencies...)
	queueDepth := int64(0)
	for _, v := range c.waiting {
		queueDepth += atomic.LoadInt64(v)
	}
	c.mu.Unlock()

	if c.cfg.LatencyOverlayEnabled && len(samples) >= minSamplesForOverlay && targetLatencyMs > 0 {
		p95ms := float64(p95(samples).Milliseconds())
		switch {
		case p95ms > 1.25*targetLatencyMs:
			base = maxInt(c.cfg.Min, base-1)
			reason = "latency_high"
		case p95ms < 0.70*targetLatencyMs && queueDepth > 0:
			base = minInt(c.cfg.Max, base+1)
			reason = "latency_low"
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.target = base
	c.lastAdaptReason = reason

	if atomic.LoadInt64(&c.inFlight) > 0 {
		return c.target
	}
	// semaphore.Weighted exposes no capacity accessor, so the swap is
	// unconditional here; it is only reached once in-flight has drained.
	c.current = semaphore.NewWeighted(int64(c.target))
	return c.target
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// String renders a human-readable summary, used by cmd/optalmx-top.
func (c *Controller) String() string {
	return fmt.Sprintf("target=%d in_flight=%d last_adapt=%q", c.Target(), c.InFlight(), c.LastAdaptReason())
}
