// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package backendpolicy implements the pure function that orders backend
// candidates for a model id. It takes a snapshot of compatibility history
// rather than a live registry reference, breaking the lifecycle/registry
// reference cycle the corpus' router/compatibility components are prone to.
package backendpolicy

import (
	"strings"

	"github.com/opta-lmx/opta-lmx/internal/apierrors"
	"github.com/opta-lmx/opta-lmx/internal/compat"
)

const gguf = "gguf"

// RecentOutcome looks up the most recent compatibility outcome recorded for
// (modelID, backend). Implementations return (compat.Outcome(""), false) if
// there is no row. compat.Registry.MostRecentForModelBackend satisfies this
// after being adapted, but the pure function only needs the lookup shape.
type RecentOutcome func(modelID, backend string) (compat.Row, bool)

// Resolve returns the ordered backend candidate list for modelID.
//
// Rules are applied in the exact order:
//  1. A gguf-named model id (".gguf" suffix or "gguf" substring) only ever
//     candidates [gguf]; a non-gguf preferredBackend is an error.
//  2. Otherwise start from prefs, append gguf iff ggufFallback.
//  3. Promote preferredBackend to the head, if given and present in the list.
//  4. Unless allowFailed, drop backends whose most recent row is a fail.
//  5. If filtering emptied the list, fall back to the unfiltered ordering.
func Resolve(modelID string, prefs []string, ggufFallback bool, recent RecentOutcome, preferredBackend string, allowFailed bool) ([]string, error) {
	lower := strings.ToLower(modelID)
	if strings.HasSuffix(lower, ".gguf") || strings.Contains(lower, gguf) {
		if preferredBackend != "" && preferredBackend != gguf {
			return nil, apierrors.InvalidRequest("preferred_backend %q is invalid for gguf model %q", preferredBackend, modelID)
		}
		return []string{gguf}, nil
	}

	candidates := make([]string, len(prefs))
	copy(candidates, prefs)
	if ggufFallback {
		candidates = append(candidates, gguf)
	}

	if preferredBackend != "" {
		candidates = promote(candidates, preferredBackend)
	}

	if allowFailed || recent == nil {
		return candidates, nil
	}

	filtered := make([]string, 0, len(candidates))
	for _, b := range candidates {
		if row, ok := recent(modelID, b); ok && row.Outcome == compat.OutcomeFail {
			continue
		}
		filtered = append(filtered, b)
	}

	if len(filtered) == 0 {
		return candidates, nil
	}
	return filtered, nil
}

// promote moves target to the front of list if present, inserting it at the
// front if it was absent.
func promote(list []string, target string) []string {
	out := make([]string, 0, len(list)+1)
	out = append(out, target)
	for _, b := range list {
		if b != target {
			out = append(out, b)
		}
	}
	return out
}
