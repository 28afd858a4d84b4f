// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package autotune holds the best-known tuned performance profile per
// (model, backend, backend_version) key, consulted by the lifecycle manager
// before applying a caller's explicit overrides.
package autotune

import (
	"context"
	"fmt"
	"sync"

	"github.com/opta-lmx/opta-lmx/internal/store"
)

const domain = "autotune"

// Metrics are the measured outcomes of one tuning run, used to compute Score.
type Metrics struct {
	TokensPerSec float64 `json:"tokens_per_sec"`
	TTFTSec      float64 `json:"ttft_sec"`
	ErrorRate    float64 `json:"error_rate"`
	TotalLatency float64 `json:"total_latency_sec"`
	QueueWait    float64 `json:"queue_wait_sec"`
}

// Record is the stored entry for one (model, backend, version) key.
type Record struct {
	Profile map[string]any `json:"profile"`
	Metrics Metrics        `json:"metrics"`
	Score   float64        `json:"score"`
}

// Score computes a deterministic sort key from m: higher throughput and
// lower latency/error-rate/queue-wait yield a higher score. Lower raw cost
// terms are inverted so "higher score is better" holds uniformly.
func Score(m Metrics) float64 {
	cost := m.TTFTSec + m.TotalLatency + m.QueueWait + (m.ErrorRate * 10.0)
	throughput := m.TokensPerSec
	if cost <= 0 {
		return throughput
	}
	return throughput / (1.0 + cost)
}

func key(modelID, backend, backendVersion string) string {
	return fmt.Sprintf("%s/%s/%s", modelID, backend, backendVersion)
}

// Registry holds tuned profiles, optionally backed by persistent storage.
type Registry struct {
	mu      sync.RWMutex
	records map[string]Record
	db      *store.DB
}

// New returns a Registry, hydrating from db if non-nil.
func New(db *store.DB) *Registry {
	r := &Registry{records: make(map[string]Record), db: db}
	if db != nil {
		if recs, err := store.ListKeyed[keyedRecord](context.Background(), db, domain); err == nil {
			for _, kr := range recs {
				r.records[kr.Key] = kr.Record
			}
		}
	}
	return r
}

type keyedRecord struct {
	Key    string `json:"key"`
	Record Record `json:"record"`
}

// Save stores rec for (modelID, backend, backendVersion) if it beats (or
// there is no) existing record by Score, returning whether it replaced it.
func (r *Registry) Save(ctx context.Context, modelID, backend, backendVersion string, rec Record) (bool, error) {
	k := key(modelID, backend, backendVersion)

	r.mu.Lock()
	existing, ok := r.records[k]
	if ok && existing.Score >= rec.Score {
		r.mu.Unlock()
		return false, nil
	}
	r.records[k] = rec
	r.mu.Unlock()

	if r.db != nil {
		if err := store.PutKeyed(ctx, r.db, domain, k, keyedRecord{Key: k, Record: rec}); err != nil {
			return true, fmt.Errorf("autotune: persist record: %w", err)
		}
	}
	return true, nil
}

// Get returns the tuned profile for (modelID, backend, backendVersion), if any.
func (r *Registry) Get(modelID, backend, backendVersion string) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[key(modelID, backend, backendVersion)]
	return rec, ok
}

// MergeProfiles computes the effective performance overrides: tuned ⊕
// explicit, with explicit winning per key.
func MergeProfiles(tuned, explicit map[string]any) map[string]any {
	out := make(map[string]any, len(tuned)+len(explicit))
	for k, v := range tuned {
		out[k] = v
	}
	for k, v := range explicit {
		out[k] = v
	}
	return out
}
