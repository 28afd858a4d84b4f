// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package compat

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/opta-lmx/opta-lmx/internal/store"
)

func TestAppendAndFilter(t *testing.T) {
	reg := New(nil)
	ctx := context.Background()
	reg.Append(ctx, Row{ModelID: "m1", Backend: "mlx-lm", Outcome: OutcomePass})
	reg.Append(ctx, Row{ModelID: "m1", Backend: "gguf", Outcome: OutcomeFail})
	reg.Append(ctx, Row{ModelID: "m2", Backend: "mlx-lm", Outcome: OutcomePass})

	rows := reg.Filter(FilterOpts{ModelID: "m1"})
	require.Len(t, rows, 2)

	rows = reg.Filter(FilterOpts{Outcome: OutcomeFail})
	require.Len(t, rows, 1)
	require.Equal(t, "gguf", rows[0].Backend)
}

func TestSummaryByModel(t *testing.T) {
	reg := New(nil)
	ctx := context.Background()
	reg.Append(ctx, Row{ModelID: "m1", Outcome: OutcomePass})
	reg.Append(ctx, Row{ModelID: "m1", Outcome: OutcomeFail})
	reg.Append(ctx, Row{ModelID: "m1", Outcome: OutcomePass})

	summary := reg.SummaryByModel()
	require.Equal(t, Summary{Pass: 2, Fail: 1}, summary["m1"])
}

func TestMostRecentForModelBackend(t *testing.T) {
	reg := New(nil)
	ctx := context.Background()
	reg.Append(ctx, Row{ModelID: "m1", Backend: "gguf", Outcome: OutcomePass})
	reg.Append(ctx, Row{ModelID: "m1", Backend: "gguf", Outcome: OutcomeFail, Reason: "second"})

	row, ok := reg.MostRecentForModelBackend("m1", "gguf")
	require.True(t, ok)
	require.Equal(t, OutcomeFail, row.Outcome)
	require.Equal(t, "second", row.Reason)
}

func TestPersistsAndHydratesFromStore(t *testing.T) {
	db, err := store.Open(t.TempDir(), nil)
	require.NoError(t, err)
	defer db.Close()

	reg := New(nil, WithStore(db))
	reg.Append(context.Background(), Row{ModelID: "m1", Outcome: OutcomePass})

	reloaded := New(nil, WithStore(db))
	rows := reloaded.Filter(FilterOpts{ModelID: "m1"})
	require.Len(t, rows, 1)
}

func TestMaxRowsTrimsInMemoryRing(t *testing.T) {
	reg := New(nil, WithMaxRows(2))
	ctx := context.Background()
	reg.Append(ctx, Row{ModelID: "m1", Reason: "1"})
	reg.Append(ctx, Row{ModelID: "m1", Reason: "2"})
	reg.Append(ctx, Row{ModelID: "m1", Reason: "3"})

	rows := reg.Filter(FilterOpts{})
	require.Len(t, rows, 2)
	require.Equal(t, "2", rows[0].Reason)
	require.Equal(t, "3", rows[1].Reason)
}
