// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package backend defines the opaque backend contract every model runtime
// (vllm, mlx-lm, gguf) must satisfy, plus two in-memory fakes used by tests
// and local development in place of a real inference engine.
package backend

import (
	"context"

	"github.com/tmc/langchaingo/llms"
)

// Request is the normalized generation request passed to a Backend. It
// mirrors the OpenAI chat-completion parameter surface the generation
// executor resolves from an inbound request.
type Request struct {
	Messages         []llms.MessageContent
	Temperature      float64
	MaxTokens        int
	TopP             float64
	Stop             []string
	Tools            []llms.Tool
	ResponseFormat   map[string]any
	FrequencyPenalty float64
	PresencePenalty  float64
}

// Result is the raw (text, prompt_tokens, completion_tokens) tuple the
// generation executor post-processes. Payload carries backend-specific
// fields probed for speculative-decoding telemetry.
type Result struct {
	Text             string
	PromptTokens     int
	CompletionTokens int
	Payload          map[string]any
}

// Chunk is one streamed text delta.
type Chunk struct {
	Text    string
	Payload map[string]any
}

// Backend is the opaque capability set the lifecycle manager constructs and
// the generation executor calls. Close must be idempotent and must not
// return an error on a second call.
type Backend interface {
	Generate(ctx context.Context, req Request) (Result, error)
	Stream(ctx context.Context, req Request) (<-chan Chunk, <-chan error)
	Close() error
}

// LocalConfigProvider is an optional capability: backends that were
// constructed from a local on-disk snapshot can expose the snapshot's
// config.json-equivalent map for runtime-incompatibility detection and
// context-length resolution.
type LocalConfigProvider interface {
	LocalConfig() (map[string]any, error)
}
