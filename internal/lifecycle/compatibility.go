// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lifecycle

import "strings"

// normalizeSignature lowercases and strips underscores so "Gemma3ForCausalLM"
// and "gemma_3_for_causal_lm" compare equal.
func normalizeSignature(s string) string {
	s = strings.ToLower(s)
	return strings.ReplaceAll(s, "_", "")
}

func containsNormalized(list []string, needle string) bool {
	n := normalizeSignature(needle)
	for _, v := range list {
		if normalizeSignature(v) == n {
			return true
		}
	}
	return false
}

// DetectRuntimeIncompatibility reports whether localConfig's model_type or
// architectures hints match a known-incompatible signature for backendKind.
func DetectRuntimeIncompatibility(backendKind string, localConfig map[string]any, blocked []BlockedSignature) (bool, string) {
	if localConfig == nil {
		return false, ""
	}

	modelType, _ := localConfig["model_type"].(string)

	var architectures []string
	switch v := localConfig["architectures"].(type) {
	case []string:
		architectures = v
	case []any:
		for _, a := range v {
			if s, ok := a.(string); ok {
				architectures = append(architectures, s)
			}
		}
	}

	for _, sig := range blocked {
		if sig.Backend != backendKind {
			continue
		}
		if modelType != "" && containsNormalized(sig.ModelTypes, modelType) {
			return true, sig.Reason
		}
		for _, arch := range architectures {
			if containsNormalized(sig.Architectures, arch) {
				return true, sig.Reason
			}
		}
	}
	return false, ""
}

var contextLengthKeys = []string{"max_position_embeddings", "max_sequence_length", "n_positions", "seq_length"}

// ResolveContextLength reads the first present context-length hint from
// localConfig, checked in the order the original loader used.
func ResolveContextLength(localConfig map[string]any) (int, bool) {
	for _, key := range contextLengthKeys {
		raw, ok := localConfig[key]
		if !ok {
			continue
		}
		switch v := raw.(type) {
		case int:
			return v, true
		case int64:
			return int(v), true
		case float64:
			return int(v), true
		}
	}
	return 0, false
}
