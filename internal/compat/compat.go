// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package compat implements the append-only backend compatibility registry:
// an outcome history per (model, backend) pair that the backend policy uses
// to skip recently-failed candidates.
//
// Rows are mirrored into an in-memory ring so Filter and SummaryByModel never
// touch disk on the hot admission path; a *store.DB, if supplied, receives
// every row so the log survives a restart, following the same
// write-through-then-serve-from-memory shape as the teacher's router cache.
package compat

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/opta-lmx/opta-lmx/internal/events"
	"github.com/opta-lmx/opta-lmx/internal/store"
)

// Outcome is the result recorded for one (model, backend) load/probe attempt.
type Outcome string

const (
	OutcomePass    Outcome = "pass"
	OutcomeFail    Outcome = "fail"
	OutcomeUnknown Outcome = "unknown"
)

// EventCompatibilityRecorded is published on every append.
const EventCompatibilityRecorded = "model_compatibility_recorded"

// Row is one append-only compatibility history entry.
type Row struct {
	ModelID        string         `json:"model_id"`
	Backend        string         `json:"backend"`
	BackendVersion string         `json:"backend_version"`
	Outcome        Outcome        `json:"outcome"`
	Reason         string         `json:"reason"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	Ts             time.Time      `json:"ts"`
}

const domain = "compat"

// Summary is the {pass, fail, unknown} count triple for one model.
type Summary struct {
	Pass    int
	Fail    int
	Unknown int
}

// Registry is the in-memory, optionally-persisted compatibility log.
type Registry struct {
	mu        sync.RWMutex
	rows      []Row
	maxRows   int
	db        *store.DB
	bus       *events.Bus
	logger    *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithStore persists every appended row to db in addition to the in-memory
// ring. A nil db disables persistence.
func WithStore(db *store.DB) Option {
	return func(r *Registry) { r.db = db }
}

// WithMaxRows bounds in-memory retention; zero means unbounded.
func WithMaxRows(n int) Option {
	return func(r *Registry) { r.maxRows = n }
}

// WithLogger sets the logger used for persistence-failure warnings.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// New returns an empty Registry, optionally hydrated from db.
func New(bus *events.Bus, opts ...Option) *Registry {
	r := &Registry{maxRows: 10000, bus: bus, logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	if r.db != nil {
		if rows, err := store.ScanRows[Row](context.Background(), r.db, domain, 0); err == nil {
			r.rows = rows
		} else {
			r.logger.Warn("compat: failed to hydrate from store", "err", err)
		}
	}
	return r
}

// Append records row, trimming the in-memory ring to maxRows and persisting
// to the backing store (best-effort; persistence failure is logged, not
// fatal — the in-memory copy of the log is always authoritative for reads).
func (r *Registry) Append(ctx context.Context, row Row) {
	if row.Ts.IsZero() {
		row.Ts = time.Now()
	}

	r.mu.Lock()
	r.rows = append(r.rows, row)
	if r.maxRows > 0 && len(r.rows) > r.maxRows {
		r.rows = r.rows[len(r.rows)-r.maxRows:]
	}
	r.mu.Unlock()

	if r.db != nil {
		if err := store.AppendRow(ctx, r.db, domain, row, 0); err != nil {
			r.logger.Warn("compat: failed to persist row", "model_id", row.ModelID, "err", err)
		}
	}

	if r.bus != nil {
		r.bus.Publish(events.Event{Name: EventCompatibilityRecorded, Data: row})
	}
}

// Filter returns rows matching the given (optional) predicates. An empty
// string/zero value for a field means "don't filter on this field".
type FilterOpts struct {
	ModelID   string
	Backend   string
	Outcome   Outcome
	SinceTs   time.Time
}

// Filter returns matching rows in append order.
func (r *Registry) Filter(opts FilterOpts) []Row {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Row, 0, len(r.rows))
	for _, row := range r.rows {
		if opts.ModelID != "" && row.ModelID != opts.ModelID {
			continue
		}
		if opts.Backend != "" && row.Backend != opts.Backend {
			continue
		}
		if opts.Outcome != "" && row.Outcome != opts.Outcome {
			continue
		}
		if !opts.SinceTs.IsZero() && row.Ts.Before(opts.SinceTs) {
			continue
		}
		out = append(out, row)
	}
	return out
}

// MostRecentForModelBackend returns the most recently appended row for the
// given (model, backend) pair, or false if there is none.
func (r *Registry) MostRecentForModelBackend(modelID, backend string) (Row, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var found Row
	ok := false
	for _, row := range r.rows {
		if row.ModelID == modelID && row.Backend == backend {
			found = row
			ok = true
		}
	}
	return found, ok
}

// SummaryByModel returns a {pass, fail, unknown} count triple per model.
func (r *Registry) SummaryByModel() map[string]Summary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]Summary)
	for _, row := range r.rows {
		s := out[row.ModelID]
		switch row.Outcome {
		case OutcomePass:
			s.Pass++
		case OutcomeFail:
			s.Fail++
		default:
			s.Unknown++
		}
		out[row.ModelID] = s
	}
	return out
}
