// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package agent

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opta-lmx/opta-lmx/internal/apierrors"
	"github.com/opta-lmx/opta-lmx/internal/generation"
	"github.com/opta-lmx/opta-lmx/internal/readiness"
	"github.com/opta-lmx/opta-lmx/internal/store"
	"github.com/opta-lmx/opta-lmx/internal/telemetry"
)

const runDomain = "agent_runs"

// GenerateFunc is the subset of engine.Facade the scheduler calls per step.
type GenerateFunc func(ctx context.Context, req generation.Request) (*generation.Result, error)

// ReadinessFunc reports whether a model is currently routable.
type ReadinessFunc func(modelID string) (readiness.Record, bool)

// Config configures a Scheduler at construction time.
type Config struct {
	MaxQueueDepth       int
	MaxStepsPerRun      int
	DefaultTimeoutSec   int
	StepRetryAttempts   int
	StepRetryBackoffSec float64
	RetainCompletedRuns int
	Store               *store.DB
	Telemetry           *telemetry.Recorder
	Logger              *slog.Logger
	Generate            GenerateFunc
	ModelReadiness      ReadinessFunc
}

func (c *Config) applyDefaults() {
	if c.MaxQueueDepth <= 0 {
		c.MaxQueueDepth = 100
	}
	if c.MaxStepsPerRun <= 0 {
		c.MaxStepsPerRun = 16
	}
	if c.DefaultTimeoutSec <= 0 {
		c.DefaultTimeoutSec = 300
	}
	if c.StepRetryAttempts <= 0 {
		c.StepRetryAttempts = 2
	}
	if c.StepRetryBackoffSec <= 0 {
		c.StepRetryBackoffSec = 1
	}
	if c.RetainCompletedRuns <= 0 {
		c.RetainCompletedRuns = 200
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Scheduler owns every AgentRun's lifecycle: submission, execution,
// persistence, and cancellation.
type Scheduler struct {
	cfg Config

	mu          sync.Mutex
	runs        map[string]*Run
	completed   []string // run IDs in completion order, for retention trimming
	idempotency map[string]string
	cancels     map[string]context.CancelFunc
}

// New constructs a Scheduler and runs startup recovery: any run left
// queued/running from a prior process is marked failed with "interrupted".
func New(cfg Config) *Scheduler {
	cfg.applyDefaults()
	s := &Scheduler{
		cfg:         cfg,
		runs:        make(map[string]*Run),
		idempotency: make(map[string]string),
		cancels:     make(map[string]context.CancelFunc),
	}
	s.recover()
	return s
}

func (s *Scheduler) recover() {
	if s.cfg.Store == nil {
		return
	}
	runs, err := store.ListKeyed[Run](context.Background(), s.cfg.Store, runDomain)
	if err != nil {
		s.cfg.Logger.Warn("agent: failed to load persisted runs", "err", err)
		return
	}
	for i := range runs {
		r := runs[i]
		if r.Status == RunQueued || r.Status == RunRunning {
			r.Status = RunFailed
			r.Error = "interrupted"
			r.UpdatedAt = time.Now()
			for j := range r.Steps {
				if r.Steps[j].Status == StepRunning || r.Steps[j].Status == StepPending {
					r.Steps[j].Status = StepFailed
					r.Steps[j].Error = "interrupted"
				}
			}
			_ = store.PutKeyed(context.Background(), s.cfg.Store, runDomain, r.ID, r)
		}
		s.runs[r.ID] = &r
		if r.terminal() {
			s.completed = append(s.completed, r.ID)
		}
		if r.IdempotencyKey != "" {
			s.idempotency[r.IdempotencyKey] = r.ID
		}
	}
	sort.Slice(s.completed, func(i, j int) bool {
		return s.runs[s.completed[i]].UpdatedAt.Before(s.runs[s.completed[j]].UpdatedAt)
	})
}

func fingerprint(req Request) string {
	normalized, _ := json.Marshal(req)
	sum := sha256.Sum256(normalized)
	return fmt.Sprintf("%x", sum)
}

// Submit validates and enqueues req, or (given an idempotency key) returns
// the prior matching run. A full queue yields a run already in failed
// state rather than an error, per the original HTTP-to-429 contract.
func (s *Scheduler) Submit(ctx context.Context, req Request, idempotencyKey string) (*Run, error) {
	if len(req.Roles) > s.cfg.MaxStepsPerRun {
		return nil, apierrors.InvalidRequest("roles count %d exceeds max_steps_per_run %d", len(req.Roles), s.cfg.MaxStepsPerRun)
	}
	if req.TimeoutSec <= 0 {
		req.TimeoutSec = s.cfg.DefaultTimeoutSec
	}
	fp := fingerprint(req)

	s.mu.Lock()
	if idempotencyKey != "" {
		if existingID, ok := s.idempotency[idempotencyKey]; ok {
			existing := s.runs[existingID]
			if existing.Fingerprint == fp {
				s.mu.Unlock()
				return existing, nil
			}
			s.mu.Unlock()
			return nil, apierrors.New(apierrors.CodeIdempotencyConflict, "idempotency key %q already used with a different request", idempotencyKey)
		}
	}

	active := 0
	for _, r := range s.runs {
		if !r.terminal() {
			active++
		}
	}

	now := time.Now()
	run := &Run{
		ID:             "run-" + uuid.NewString(),
		Request:        req,
		Steps:          make([]Step, len(req.Roles)),
		CreatedAt:      now,
		UpdatedAt:      now,
		IdempotencyKey: idempotencyKey,
		Fingerprint:    fp,
	}
	for i, role := range req.Roles {
		run.Steps[i] = Step{ID: fmt.Sprintf("%s-step-%d", run.ID, i), Role: role, Status: StepPending}
	}

	if active >= s.cfg.MaxQueueDepth {
		run.Status = RunFailed
		run.Error = "queue is full"
		s.runs[run.ID] = run
		s.completed = append(s.completed, run.ID)
		if idempotencyKey != "" {
			s.idempotency[idempotencyKey] = run.ID
		}
		s.mu.Unlock()
		s.persist(run)
		return run, nil
	}

	run.Status = RunQueued
	s.runs[run.ID] = run
	if idempotencyKey != "" {
		s.idempotency[idempotencyKey] = run.ID
	}
	runCtx, cancel := context.WithCancel(context.Background())
	if req.Traceparent != "" && s.cfg.Telemetry != nil {
		runCtx = s.cfg.Telemetry.ContextFromTraceparent(runCtx, req.Traceparent)
	}
	s.cancels[run.ID] = cancel
	s.mu.Unlock()

	s.persist(run)
	go s.execute(runCtx, run)

	return run, nil
}

// Cancel flips run to cancelled and signals its executing goroutine. A step
// already inside a backend call is allowed to finish; no further steps
// start.
func (s *Scheduler) Cancel(runID string) error {
	s.mu.Lock()
	run, ok := s.runs[runID]
	if !ok {
		s.mu.Unlock()
		return apierrors.RunNotFound(runID)
	}
	if run.terminal() {
		s.mu.Unlock()
		return nil
	}
	cancel := s.cancels[runID]
	run.Status = RunCancelled
	run.UpdatedAt = time.Now()
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.persist(run)
	return nil
}

// GetRun returns a copy of the run identified by runID.
func (s *Scheduler) GetRun(runID string) (Run, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return Run{}, false
	}
	return *run, true
}

// ListRuns returns every retained run, most recently updated first.
func (s *Scheduler) ListRuns() []Run {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Run, 0, len(s.runs))
	for _, r := range s.runs {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out
}

func (s *Scheduler) persist(run *Run) {
	s.trimRetained()
	if s.cfg.Store == nil {
		return
	}
	if err := store.PutKeyed(context.Background(), s.cfg.Store, runDomain, run.ID, *run); err != nil {
		s.cfg.Logger.Warn("agent: failed to persist run", "run_id", run.ID, "err", err)
	}
}

// trimRetained drops the oldest completed runs beyond RetainCompletedRuns,
// from both the in-memory map and the store.
func (s *Scheduler) trimRetained() {
	s.mu.Lock()
	var overflow []string
	for _, r := range s.runs {
		if r.terminal() {
			found := false
			for _, id := range s.completed {
				if id == r.ID {
					found = true
					break
				}
			}
			if !found {
				s.completed = append(s.completed, r.ID)
			}
		}
	}
	sort.Slice(s.completed, func(i, j int) bool {
		ri, oki := s.runs[s.completed[i]]
		rj, okj := s.runs[s.completed[j]]
		if !oki || !okj {
			return false
		}
		return ri.UpdatedAt.Before(rj.UpdatedAt)
	})
	for len(s.completed) > s.cfg.RetainCompletedRuns {
		victim := s.completed[0]
		s.completed = s.completed[1:]
		delete(s.runs, victim)
		delete(s.idempotency, victim)
		overflow = append(overflow, victim)
	}
	s.mu.Unlock()

	if s.cfg.Store == nil {
		return
	}
	for _, id := range overflow {
		if err := store.DeleteKeyed(context.Background(), s.cfg.Store, runDomain, id); err != nil {
			s.cfg.Logger.Warn("agent: failed to delete retired run", "run_id", id, "err", err)
		}
	}
}

func transientError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "Server is busy")
}
