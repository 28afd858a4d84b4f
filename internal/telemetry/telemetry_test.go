// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStartSpanWithoutExporterDoesNotPanic(t *testing.T) {
	r := New()
	_, finish := r.StartSpan(context.Background(), "generate")
	require.NotPanics(t, func() { finish(nil) })
	require.NotPanics(t, func() { finish(errors.New("boom")) })
}

func TestNilRecorderIsSafe(t *testing.T) {
	var r *Recorder
	ctx, finish := r.StartSpan(context.Background(), "x")
	require.NotNil(t, ctx)
	require.NotPanics(t, func() { finish(nil) })
	require.NotPanics(t, func() { r.RecordLatency(ctx, "m1", "gguf", 0, 0) })
	require.NotPanics(t, func() { r.Close() })
}

func TestContextFromTraceparentNoopWithoutHeader(t *testing.T) {
	r := New()
	ctx := context.Background()
	out := r.ContextFromTraceparent(ctx, "")
	require.Equal(t, ctx, out)
}
