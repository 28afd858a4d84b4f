// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package readiness implements the per-model readiness state machine that
// gates which loaded models may accept inference traffic.
package readiness

import (
	"sync"
	"time"

	"github.com/opta-lmx/opta-lmx/internal/events"
)

// State is one point in a model's readiness lifecycle.
type State string

const (
	StateAdmitted      State = "admitted"
	StateLoading       State = "loading"
	StateCanaryPending State = "canary_pending"
	StateRoutable      State = "routable"
	StateQuarantined   State = "quarantined"
)

// telemetryStates is the set of states whose transitions are worth
// publishing; every state the machine can be in currently belongs to it, but
// the set is kept explicit so future internal-only states don't leak events.
var telemetryStates = map[State]bool{
	StateAdmitted:      true,
	StateLoading:       true,
	StateCanaryPending: true,
	StateRoutable:      true,
	StateQuarantined:   true,
}

// EventReadinessChanged is published whenever a model's state actually
// changes value.
const EventReadinessChanged = "model_readiness_changed"

// ReadinessChangedPayload is the events.Event.Data for EventReadinessChanged.
type ReadinessChangedPayload struct {
	ModelID string
	Record  Record
}

// Record is the readiness state of one model.
type Record struct {
	State      State
	Reason     string
	CrashCount int
	UpdatedAt  time.Time
}

// Tracker holds readiness records for every known model id.
type Tracker struct {
	mu      sync.RWMutex
	records map[string]Record
	bus     *events.Bus
}

// New returns an empty Tracker. A nil bus disables event publishing.
func New(bus *events.Bus) *Tracker {
	return &Tracker{records: make(map[string]Record), bus: bus}
}

// SetState writes state unconditionally, updating UpdatedAt and publishing a
// readiness-change event if the state value actually changed.
func (t *Tracker) SetState(modelID string, state State, reason string) {
	t.mu.Lock()
	prev, existed := t.records[modelID]
	changed := !existed || prev.State != state
	rec := Record{State: state, Reason: reason, CrashCount: prev.CrashCount, UpdatedAt: time.Now()}
	t.records[modelID] = rec
	t.mu.Unlock()

	if changed {
		t.publish(modelID, rec)
	}
}

// MarkFailure increments the crash counter for modelID and promotes it to
// quarantined once crashCount reaches quarantineThreshold.
func (t *Tracker) MarkFailure(modelID, reason string, quarantineThreshold int) Record {
	t.mu.Lock()
	prev := t.records[modelID]
	prev.CrashCount++
	prev.Reason = reason
	prev.UpdatedAt = time.Now()
	changedState := false
	if prev.CrashCount >= quarantineThreshold && prev.State != StateQuarantined {
		prev.State = StateQuarantined
		changedState = true
	}
	t.records[modelID] = prev
	t.mu.Unlock()

	if changedState {
		t.publish(modelID, prev)
	}
	return prev
}

// Quarantine immediately promotes modelID to quarantined regardless of the
// usual crash-count threshold, used by the canary-failure path where a
// single bad canary is sufficient to quarantine on its own.
func (t *Tracker) Quarantine(modelID, reason string) Record {
	t.mu.Lock()
	prev := t.records[modelID]
	prev.CrashCount++
	prev.State = StateQuarantined
	prev.Reason = reason
	prev.UpdatedAt = time.Now()
	t.records[modelID] = prev
	t.mu.Unlock()

	t.publish(modelID, prev)
	return prev
}

func (t *Tracker) publish(modelID string, rec Record) {
	if t.bus == nil || !telemetryStates[rec.State] {
		return
	}
	t.bus.Publish(events.Event{Name: EventReadinessChanged, Data: ReadinessChangedPayload{ModelID: modelID, Record: rec}})
}

// IsRoutable reports whether modelID is currently routable.
func (t *Tracker) IsRoutable(modelID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.records[modelID].State == StateRoutable
}

// Get returns the record for modelID and whether one exists.
func (t *Tracker) Get(modelID string) (Record, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rec, ok := t.records[modelID]
	return rec, ok
}

// Clear removes all readiness state for modelID, used on unload.
func (t *Tracker) Clear(modelID string) {
	t.mu.Lock()
	delete(t.records, modelID)
	t.mu.Unlock()
}

// Snapshot returns a copy of every tracked record.
func (t *Tracker) Snapshot() map[string]Record {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]Record, len(t.records))
	for k, v := range t.records {
		out[k] = v
	}
	return out
}
