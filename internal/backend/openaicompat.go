// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package backend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/tmc/langchaingo/llms"
)

// OpenAICompatBackend talks to any server exposing an OpenAI-compatible chat
// completions endpoint. vLLM and llama.cpp's server both speak this wire
// format, so this is the backend kind used for model runtimes that run as a
// separate OpenAI-compatible process rather than in-process.
//
// Thread Safety: OpenAICompatBackend is safe for concurrent use.
type OpenAICompatBackend struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	model      string

	mu     sync.Mutex
	closed bool
	config map[string]any
}

// OpenAICompatOptions configures an OpenAICompatBackend.
type OpenAICompatOptions struct {
	// BaseURL is the full chat-completions endpoint, e.g.
	// "http://127.0.0.1:8000/v1/chat/completions" for a local vLLM server.
	BaseURL string
	// APIKey is sent as a Bearer token. Local servers usually ignore it.
	APIKey string
	// Model is the upstream model name to put in the request body.
	Model string
	// Config is the local config.json-equivalent map, if one is known,
	// exposed through LocalConfig for runtime-compatibility checks.
	Config map[string]any
	Client *http.Client
}

// NewOpenAICompat returns a ready-to-use OpenAICompatBackend.
func NewOpenAICompat(opts OpenAICompatOptions) *OpenAICompatBackend {
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: 120 * time.Second}
	}
	return &OpenAICompatBackend{
		httpClient: client,
		baseURL:    opts.BaseURL,
		apiKey:     opts.APIKey,
		model:      opts.Model,
		config:     opts.Config,
	}
}

// =============================================================================
// Wire types
// =============================================================================

type openaiCompatMessage struct {
	Role       string                 `json:"role"`
	Content    string                 `json:"content,omitempty"`
	ToolCalls  []openaiCompatToolCall `json:"tool_calls,omitempty"`
	ToolCallID string                 `json:"tool_call_id,omitempty"`
}

type openaiCompatToolCall struct {
	ID       string                    `json:"id"`
	Type     string                    `json:"type"`
	Function openaiCompatCallFunction  `json:"function"`
}

type openaiCompatCallFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type openaiCompatTool struct {
	Type     string               `json:"type"`
	Function openaiCompatFunction `json:"function"`
}

type openaiCompatFunction struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Parameters  any    `json:"parameters,omitempty"`
}

type openaiCompatRequest struct {
	Model            string                 `json:"model"`
	Messages         []openaiCompatMessage  `json:"messages"`
	Temperature      *float64               `json:"temperature,omitempty"`
	MaxTokens        *int                   `json:"max_tokens,omitempty"`
	TopP             *float64               `json:"top_p,omitempty"`
	Stop             []string               `json:"stop,omitempty"`
	Tools            []openaiCompatTool     `json:"tools,omitempty"`
	ResponseFormat   map[string]any         `json:"response_format,omitempty"`
	FrequencyPenalty float64                `json:"frequency_penalty,omitempty"`
	PresencePenalty  float64                `json:"presence_penalty,omitempty"`
	Stream           bool                   `json:"stream,omitempty"`
}

type openaiCompatChoice struct {
	Index        int                  `json:"index"`
	Message      openaiCompatMessage  `json:"message"`
	Delta        openaiCompatMessage  `json:"delta"`
	FinishReason string               `json:"finish_reason"`
}

type openaiCompatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

type openaiCompatResponse struct {
	ID      string                `json:"id"`
	Choices []openaiCompatChoice  `json:"choices"`
	Usage   openaiCompatUsage     `json:"usage"`
	Error   *openaiCompatError    `json:"error,omitempty"`
}

type openaiCompatError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// =============================================================================
// Backend implementation
// =============================================================================

func (b *OpenAICompatBackend) toWireRequest(req Request, stream bool) openaiCompatRequest {
	messages := make([]openaiCompatMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, openaiCompatMessage{Role: messageTypeToRole(m.Role), Content: concatText(m.Parts)})
	}

	tools := make([]openaiCompatTool, 0, len(req.Tools))
	for _, t := range req.Tools {
		if t.Function == nil {
			continue
		}
		tools = append(tools, openaiCompatTool{
			Type: "function",
			Function: openaiCompatFunction{
				Name:        t.Function.Name,
				Description: t.Function.Description,
				Parameters:  t.Function.Parameters,
			},
		})
	}

	wire := openaiCompatRequest{
		Model:            b.model,
		Messages:         messages,
		Stop:             req.Stop,
		Tools:            tools,
		ResponseFormat:   req.ResponseFormat,
		FrequencyPenalty: req.FrequencyPenalty,
		PresencePenalty:  req.PresencePenalty,
		Stream:           stream,
	}
	if req.Temperature != 0 {
		wire.Temperature = &req.Temperature
	}
	if req.MaxTokens != 0 {
		wire.MaxTokens = &req.MaxTokens
	}
	if req.TopP != 0 {
		wire.TopP = &req.TopP
	}
	return wire
}

func (b *OpenAICompatBackend) newHTTPRequest(ctx context.Context, wire openaiCompatRequest) (*http.Request, error) {
	raw, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("openaicompat: marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL, bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("openaicompat: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if b.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+b.apiKey)
	}
	return httpReq, nil
}

func (b *OpenAICompatBackend) Generate(ctx context.Context, req Request) (Result, error) {
	wire := b.toWireRequest(req, false)
	httpReq, err := b.newHTTPRequest(ctx, wire)
	if err != nil {
		return Result{}, err
	}

	resp, err := b.httpClient.Do(httpReq)
	if err != nil {
		return Result{}, fmt.Errorf("openaicompat: request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, fmt.Errorf("openaicompat: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("openaicompat: upstream returned %d: %s", resp.StatusCode, SafeLogString(string(body)))
	}

	var parsed openaiCompatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return Result{}, fmt.Errorf("openaicompat: decode response: %w", err)
	}
	if parsed.Error != nil {
		return Result{}, fmt.Errorf("openaicompat: upstream error %s: %s", parsed.Error.Type, SafeLogString(parsed.Error.Message))
	}
	if len(parsed.Choices) == 0 {
		return Result{}, fmt.Errorf("openaicompat: upstream returned no choices")
	}

	return Result{
		Text:             parsed.Choices[0].Message.Content,
		PromptTokens:     parsed.Usage.PromptTokens,
		CompletionTokens: parsed.Usage.CompletionTokens,
		Payload:          map[string]any{"finish_reason": parsed.Choices[0].FinishReason},
	}, nil
}

// Stream issues the request with stream=true and parses the upstream's SSE
// "data: {...}" lines, forwarding each delta as a Chunk until "data: [DONE]".
func (b *OpenAICompatBackend) Stream(ctx context.Context, req Request) (<-chan Chunk, <-chan error) {
	out := make(chan Chunk, 8)
	errCh := make(chan error, 1)

	wire := b.toWireRequest(req, true)
	httpReq, err := b.newHTTPRequest(ctx, wire)
	if err != nil {
		go func() { errCh <- err; close(out); close(errCh) }()
		return out, errCh
	}

	go func() {
		defer close(out)
		defer close(errCh)

		resp, err := b.httpClient.Do(httpReq)
		if err != nil {
			errCh <- fmt.Errorf("openaicompat: request failed: %w", err)
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			errCh <- fmt.Errorf("openaicompat: upstream returned %d: %s", resp.StatusCode, SafeLogString(string(body)))
			return
		}

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || !strings.HasPrefix(line, "data:") {
				continue
			}
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if payload == "[DONE]" {
				return
			}

			var chunk openaiCompatResponse
			if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
				errCh <- fmt.Errorf("openaicompat: decode stream chunk: %w", err)
				return
			}
			if len(chunk.Choices) == 0 {
				continue
			}
			delta := chunk.Choices[0].Delta.Content
			if delta == "" {
				continue
			}
			select {
			case out <- Chunk{Text: delta}:
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			}
		}
		if err := scanner.Err(); err != nil {
			errCh <- fmt.Errorf("openaicompat: read stream: %w", err)
		}
	}()

	return out, errCh
}

func (b *OpenAICompatBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// LocalConfig satisfies LocalConfigProvider when a config.json-equivalent
// map was supplied at construction time.
func (b *OpenAICompatBackend) LocalConfig() (map[string]any, error) {
	return b.config, nil
}

func messageTypeToRole(t llms.ChatMessageType) string {
	switch t {
	case llms.ChatMessageTypeSystem:
		return "system"
	case llms.ChatMessageTypeAI:
		return "assistant"
	case llms.ChatMessageTypeTool:
		return "tool"
	default:
		return "user"
	}
}

func concatText(parts []llms.ContentPart) string {
	var sb strings.Builder
	for _, part := range parts {
		if tp, ok := part.(llms.TextContent); ok {
			sb.WriteString(tp.Text)
		}
	}
	return sb.String()
}
