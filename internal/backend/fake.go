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
	"context"
	"fmt"
	"regexp"
	"sync"

	"github.com/tmc/langchaingo/llms"
)

// EchoBackend is a deterministic fake used by lifecycle/generation tests: it
// always succeeds and returns a short, non-empty response so canary checks
// pass by default.
type EchoBackend struct {
	mu     sync.Mutex
	closed bool
	calls  int

	// Response overrides the default echo text when non-empty.
	Response string
	Config   map[string]any
}

// NewEcho returns a ready-to-use EchoBackend.
func NewEcho() *EchoBackend {
	return &EchoBackend{}
}

func (b *EchoBackend) Generate(_ context.Context, req Request) (Result, error) {
	b.mu.Lock()
	b.calls++
	b.mu.Unlock()

	text := b.Response
	if text == "" {
		text = "ok: " + lastUserText(req.Messages)
	}
	return Result{Text: text, PromptTokens: estimateTokens(req.Messages), CompletionTokens: estimateTokens(nil) + len(text)/4}, nil
}

func (b *EchoBackend) Stream(ctx context.Context, req Request) (<-chan Chunk, <-chan error) {
	out := make(chan Chunk, 4)
	errCh := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errCh)
		res, err := b.Generate(ctx, req)
		if err != nil {
			errCh <- err
			return
		}
		for _, r := range splitRunes(res.Text, 8) {
			select {
			case out <- Chunk{Text: r}:
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			}
		}
	}()
	return out, errCh
}

func (b *EchoBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// LocalConfig satisfies LocalConfigProvider for runtime-incompatibility tests.
func (b *EchoBackend) LocalConfig() (map[string]any, error) {
	return b.Config, nil
}

// CallCount returns how many times Generate has been invoked.
func (b *EchoBackend) CallCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

// Closed reports whether Close has been called.
func (b *EchoBackend) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// ScriptedBackend is a programmable fake grounded on the original Python
// test suite's FakeEngine: it extracts the agent "role" from a system
// message formatted as "You are acting as the {role} agent." and returns a
// scripted response or error for that role.
type ScriptedBackend struct {
	mu        sync.Mutex
	closed    bool
	calls     []Request
	Responses map[string]Result
	Errors    map[string]error
	Default   Result
}

var roleSystemPrompt = regexp.MustCompile(`You are acting as the (\S+) agent\.`)

// NewScripted returns a ScriptedBackend with no scripted roles configured;
// callers populate Responses/Errors before use.
func NewScripted() *ScriptedBackend {
	return &ScriptedBackend{
		Responses: make(map[string]Result),
		Errors:    make(map[string]error),
		Default:   Result{Text: "ok"},
	}
}

func extractRole(messages []llms.MessageContent) string {
	for _, m := range messages {
		if m.Role != llms.ChatMessageTypeSystem {
			continue
		}
		for _, part := range m.Parts {
			if tp, ok := part.(llms.TextContent); ok {
				if match := roleSystemPrompt.FindStringSubmatch(tp.Text); match != nil {
					return match[1]
				}
			}
		}
	}
	return ""
}

func (b *ScriptedBackend) Generate(_ context.Context, req Request) (Result, error) {
	b.mu.Lock()
	b.calls = append(b.calls, req)
	b.mu.Unlock()

	role := extractRole(req.Messages)
	if err, ok := b.Errors[role]; ok {
		return Result{}, err
	}
	if res, ok := b.Responses[role]; ok {
		return res, nil
	}
	if role != "" {
		return Result{Text: fmt.Sprintf("output:%s", role)}, nil
	}
	return b.Default, nil
}

func (b *ScriptedBackend) Stream(ctx context.Context, req Request) (<-chan Chunk, <-chan error) {
	out := make(chan Chunk, 1)
	errCh := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errCh)
		res, err := b.Generate(ctx, req)
		if err != nil {
			errCh <- err
			return
		}
		out <- Chunk{Text: res.Text}
	}()
	return out, errCh
}

func (b *ScriptedBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// Calls returns every request seen by Generate, in order.
func (b *ScriptedBackend) Calls() []Request {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Request(nil), b.calls...)
}

func lastUserText(messages []llms.MessageContent) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role != llms.ChatMessageTypeHuman {
			continue
		}
		for _, part := range messages[i].Parts {
			if tp, ok := part.(llms.TextContent); ok {
				return tp.Text
			}
		}
	}
	return ""
}

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

func splitRunes(s string, chunkSize int) []string {
	runes := []rune(s)
	var out []string
	for i := 0; i < len(runes); i += chunkSize {
		end := i + chunkSize
		if end > len(runes) {
			end = len(runes)
		}
		out = append(out, string(runes[i:end]))
	}
	if len(out) == 0 {
		out = append(out, "")
	}
	return out
}
