// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package backendpolicy

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/opta-lmx/opta-lmx/internal/compat"
)

func TestGGUFModelOnlyCandidatesGGUF(t *testing.T) {
	out, err := Resolve("TheBloke/foo.gguf", []string{"mlx-lm", "vllm"}, false, nil, "", false)
	require.NoError(t, err)
	require.Equal(t, []string{"gguf"}, out)
}

func TestGGUFModelRejectsNonGGUFPreferred(t *testing.T) {
	_, err := Resolve("repo/model-gguf", nil, false, nil, "vllm", false)
	require.Error(t, err)
}

func TestGGUFFallbackAppended(t *testing.T) {
	out, err := Resolve("org/model", []string{"mlx-lm"}, true, nil, "", false)
	require.NoError(t, err)
	require.Equal(t, []string{"mlx-lm", "gguf"}, out)
}

func TestPreferredBackendPromoted(t *testing.T) {
	out, err := Resolve("org/model", []string{"mlx-lm", "vllm"}, false, nil, "vllm", false)
	require.NoError(t, err)
	require.Equal(t, []string{"vllm", "mlx-lm"}, out)
}

func TestFailedBackendDroppedUnlessAllowFailed(t *testing.T) {
	recent := func(modelID, backend string) (compat.Row, bool) {
		if backend == "vllm" {
			return compat.Row{Outcome: compat.OutcomeFail}, true
		}
		return compat.Row{}, false
	}
	out, err := Resolve("org/model", []string{"vllm", "mlx-lm"}, false, recent, "", false)
	require.NoError(t, err)
	require.Equal(t, []string{"mlx-lm"}, out)

	out, err = Resolve("org/model", []string{"vllm", "mlx-lm"}, false, recent, "", true)
	require.NoError(t, err)
	require.Equal(t, []string{"vllm", "mlx-lm"}, out)
}

func TestEmptyAfterFilterFallsBackToFullList(t *testing.T) {
	recent := func(modelID, backend string) (compat.Row, bool) {
		return compat.Row{Outcome: compat.OutcomeFail}, true
	}
	out, err := Resolve("org/model", []string{"vllm", "mlx-lm"}, false, recent, "", false)
	require.NoError(t, err)
	require.Equal(t, []string{"vllm", "mlx-lm"}, out)
}

func TestResolveIsIdempotent(t *testing.T) {
	out1, _ := Resolve("org/model", []string{"vllm", "mlx-lm"}, true, nil, "mlx-lm", false)
	out2, _ := Resolve("org/model", []string{"vllm", "mlx-lm"}, true, nil, "mlx-lm", false)
	require.Equal(t, out1, out2)
}
