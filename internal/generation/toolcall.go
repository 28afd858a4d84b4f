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
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// ToolCallOpenMarker is the opening tag backends emit when they choose to
// call a tool instead of replying in plain text.
const ToolCallOpenMarker = "<minimax:tool_call>"

const toolCallCloseMarker = "</minimax:tool_call>"

var (
	invokeRe    = regexp.MustCompile(`(?s)<invoke name="([^"]+)">(.*?)</invoke>`)
	parameterRe = regexp.MustCompile(`(?s)<parameter name="([^"]+)">(.*?)</parameter>`)
)

// ParseToolCalls extracts MiniMax-style <minimax:tool_call> blocks from
// content. It returns the parsed calls, any text outside tool-call blocks,
// and whether at least one well-formed call was found. Malformed blocks are
// dropped rather than surfaced as partial calls.
func ParseToolCalls(content string) ([]ToolCall, string, bool) {
	if !strings.Contains(content, ToolCallOpenMarker) {
		return nil, content, false
	}

	var calls []ToolCall
	var remainder strings.Builder

	rest := content
	for {
		start := strings.Index(rest, ToolCallOpenMarker)
		if start == -1 {
			remainder.WriteString(rest)
			break
		}
		remainder.WriteString(rest[:start])

		end := strings.Index(rest[start:], toolCallCloseMarker)
		if end == -1 {
			remainder.WriteString(rest[start:])
			break
		}
		block := rest[start+len(ToolCallOpenMarker) : start+end]
		rest = rest[start+end+len(toolCallCloseMarker):]

		for _, invokeMatch := range invokeRe.FindAllStringSubmatch(block, -1) {
			name := invokeMatch[1]
			body := invokeMatch[2]

			args := map[string]string{}
			for _, paramMatch := range parameterRe.FindAllStringSubmatch(body, -1) {
				args[paramMatch[1]] = strings.TrimSpace(paramMatch[2])
			}
			argsJSON, err := json.Marshal(convertParamValues(args))
			if err != nil {
				continue
			}
			calls = append(calls, ToolCall{
				ID:        "call_" + uuid.NewString(),
				Name:      name,
				Arguments: string(argsJSON),
			})
		}
	}

	if len(calls) == 0 {
		return nil, content, false
	}
	return calls, strings.TrimSpace(remainder.String()), true
}

// convertParamValues coerces raw string parameter text into bool/number/
// string JSON values the way the original XML tool-call format expects,
// since every parameter arrives as text regardless of its declared type.
func convertParamValues(raw map[string]string) map[string]any {
	out := make(map[string]any, len(raw))
	for k, v := range raw {
		out[k] = convertParamValue(v)
	}
	return out
}

func convertParamValue(v string) any {
	switch v {
	case "true":
		return true
	case "false":
		return false
	}
	var num json.Number
	if err := json.Unmarshal([]byte(v), &num); err == nil {
		if i, err := num.Int64(); err == nil {
			return i
		}
		if f, err := num.Float64(); err == nil {
			return f
		}
	}
	var obj any
	if strings.HasPrefix(v, "{") || strings.HasPrefix(v, "[") {
		if err := json.Unmarshal([]byte(v), &obj); err == nil {
			return obj
		}
	}
	return v
}
