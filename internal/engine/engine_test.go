// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/opta-lmx/opta-lmx/internal/autotune"
	"github.com/opta-lmx/opta-lmx/internal/backend"
	"github.com/opta-lmx/opta-lmx/internal/compat"
	"github.com/opta-lmx/opta-lmx/internal/concurrency"
	"github.com/opta-lmx/opta-lmx/internal/events"
	"github.com/opta-lmx/opta-lmx/internal/generation"
	"github.com/opta-lmx/opta-lmx/internal/lifecycle"
	"github.com/opta-lmx/opta-lmx/internal/readiness"
	"github.com/tmc/langchaingo/llms"
)

func newTestFacade(t *testing.T) *Facade {
	t.Helper()
	bus := events.New(nil)
	r := readiness.New(bus)
	c := compat.New(bus)
	at := autotune.New(nil)
	ctrl := concurrency.New(concurrency.Config{Max: 4, Min: 1})

	mgr := lifecycle.New(lifecycle.Config{
		Readiness: r,
		Compat:    c,
		Autotune:  at,
		Bus:       bus,
		ConstructBackend: func(ctx context.Context, modelID, backendKind string, overrides map[string]any, opts lifecycle.LoadOptions) (backend.Backend, error) {
			return backend.NewEcho(), nil
		},
	})
	gen := &generation.Executor{
		Lifecycle:   mgr,
		Readiness:   r,
		Concurrency: ctrl,
	}
	return New(mgr, gen, ctrl, r, c, at, nil)
}

func TestFacade_LoadThenGenerateRoundTrips(t *testing.T) {
	f := newTestFacade(t)
	ctx := context.Background()

	_, err := f.LoadModel(ctx, "model-a", lifecycle.LoadOptions{})
	require.NoError(t, err)

	res, err := f.Generate(ctx, generation.Request{
		ModelID:  "model-a",
		Messages: []llms.MessageContent{llms.TextParts(llms.ChatMessageTypeHuman, "hi")},
	})
	require.NoError(t, err)
	require.Contains(t, res.Message.Content, "hi")
}

func TestFacade_DrainReturnsTrueWhenIdle(t *testing.T) {
	f := newTestFacade(t)
	require.True(t, f.Drain(context.Background(), 50*time.Millisecond))
}

func TestFacade_DrainWaitsForInFlightRequest(t *testing.T) {
	f := newTestFacade(t)
	ctx := context.Background()
	_, err := f.LoadModel(ctx, "model-a", lifecycle.LoadOptions{})
	require.NoError(t, err)

	f.beginRequest()
	done := make(chan bool, 1)
	go func() {
		done <- f.Drain(ctx, 200*time.Millisecond)
	}()

	time.Sleep(20 * time.Millisecond)
	f.endRequest()

	require.True(t, <-done)
}

func TestFacade_SuggestPrefetchModelsExcludesLoadedAndFailed(t *testing.T) {
	f := newTestFacade(t)
	ctx := context.Background()

	require.NoError(t, f.Compat.Append(ctx, compat.Row{ModelID: "model-b", Backend: "mlx-lm", Outcome: compat.OutcomePass}))
	require.NoError(t, f.Compat.Append(ctx, compat.Row{ModelID: "model-c", Backend: "mlx-lm", Outcome: compat.OutcomeFail}))
	_, err := f.LoadModel(ctx, "model-a", lifecycle.LoadOptions{})
	require.NoError(t, err)
	require.NoError(t, f.Compat.Append(ctx, compat.Row{ModelID: "model-a", Backend: "mlx-lm", Outcome: compat.OutcomePass}))

	suggestions := f.SuggestPrefetchModels(5)
	require.Equal(t, []string{"model-b"}, suggestions)
}
