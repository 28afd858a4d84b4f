// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package generation

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
)

// estimateTokens approximates token count from message text length when the
// backend does not report real counts, per spec's character heuristic.
func estimateTokens(messages []llms.MessageContent) int {
	total := 0
	for _, m := range messages {
		for _, part := range m.Parts {
			if tp, ok := part.(llms.TextContent); ok {
				total += len(tp.Text) / 4
			}
		}
	}
	return total
}

// FitToContext trims the oldest non-system messages until the estimated
// prompt token count plus reserveForOutput fits within maxContextTokens. The
// system preamble and the most recent message are never dropped.
func FitToContext(messages []llms.MessageContent, maxContextTokens, reserveForOutput int) []llms.MessageContent {
	if maxContextTokens <= 0 || len(messages) <= 1 {
		return messages
	}

	trimmed := append([]llms.MessageContent(nil), messages...)
	for estimateTokens(trimmed)+reserveForOutput > maxContextTokens && len(trimmed) > 1 {
		dropIdx := -1
		for i, m := range trimmed {
			if m.Role != llms.ChatMessageTypeSystem {
				dropIdx = i
				break
			}
		}
		if dropIdx == -1 || dropIdx == len(trimmed)-1 {
			break
		}
		trimmed = append(trimmed[:dropIdx], trimmed[dropIdx+1:]...)
	}
	return trimmed
}

// BuildJSONSystemPrompt returns a system instruction enforcing responseFormat,
// or "" if responseFormat carries no schema worth injecting.
func BuildJSONSystemPrompt(responseFormat map[string]any) string {
	if responseFormat == nil {
		return ""
	}
	kind, _ := responseFormat["type"].(string)
	if kind == "" {
		return ""
	}
	if schema, ok := responseFormat["json_schema"]; ok {
		if raw, err := json.Marshal(schema); err == nil {
			return fmt.Sprintf("Respond with JSON that strictly matches this schema: %s", raw)
		}
	}
	return "Respond with a single valid JSON object and nothing else."
}

// InjectJSONInstruction appends instruction as a trailing system message, the
// same way the server layer compensates for backends with no native
// response_format support.
func InjectJSONInstruction(messages []llms.MessageContent, instruction string) []llms.MessageContent {
	out := append([]llms.MessageContent(nil), messages...)
	return append(out, llms.TextParts(llms.ChatMessageTypeSystem, instruction))
}

// ExtractJSON best-effort parses content as JSON and re-serializes it in
// canonical form. ok is false when content is not valid JSON; callers should
// still return the original content in that case (the caller only warns).
func ExtractJSON(content string, _ map[string]any) (string, bool) {
	trimmed := strings.TrimSpace(content)
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(trimmed, "```")
	trimmed = strings.TrimSpace(trimmed)

	var parsed any
	if err := json.Unmarshal([]byte(trimmed), &parsed); err != nil {
		return content, false
	}
	canonical, err := json.Marshal(parsed)
	if err != nil {
		return content, false
	}
	return string(canonical), true
}
