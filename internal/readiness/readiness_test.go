// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package readiness

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/opta-lmx/opta-lmx/internal/events"
)

func TestSetStatePublishesOnlyOnChange(t *testing.T) {
	bus := events.New(nil)
	var mu sync.Mutex
	count := 0
	unsub := bus.Subscribe(EventReadinessChanged, func(events.Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	defer unsub()

	tr := New(bus)
	tr.SetState("m1", StateAdmitted, "")
	tr.SetState("m1", StateAdmitted, "") // no-op, same state
	tr.SetState("m1", StateLoading, "")

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 2
	}, time.Second, time.Millisecond)
}

func TestMarkFailureQuarantinesAtThreshold(t *testing.T) {
	tr := New(nil)
	tr.SetState("m1", StateRoutable, "")

	tr.MarkFailure("m1", "boom", 3)
	tr.MarkFailure("m1", "boom", 3)
	rec, ok := tr.Get("m1")
	require.True(t, ok)
	require.Equal(t, StateRoutable, rec.State)
	require.Equal(t, 2, rec.CrashCount)

	rec = tr.MarkFailure("m1", "boom again", 3)
	require.Equal(t, StateQuarantined, rec.State)
	require.False(t, tr.IsRoutable("m1"))
}

func TestClearRemovesRecord(t *testing.T) {
	tr := New(nil)
	tr.SetState("m1", StateRoutable, "")
	tr.Clear("m1")
	_, ok := tr.Get("m1")
	require.False(t, ok)
}

func TestSnapshotIsACopy(t *testing.T) {
	tr := New(nil)
	tr.SetState("m1", StateRoutable, "")
	snap := tr.Snapshot()
	snap["m1"] = Record{State: StateQuarantined}
	rec, _ := tr.Get("m1")
	require.Equal(t, StateRoutable, rec.State)
}
