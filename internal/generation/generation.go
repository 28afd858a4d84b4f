// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package generation implements the request execution path shared by
// non-streaming and streaming chat completion: context fitting, message
// resolution, the timeout/quarantine-on-failure wrapper around the backend
// call, tool-call and JSON post-processing, and speculative-decoding
// telemetry.
package generation

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tmc/langchaingo/llms"
	"go.opentelemetry.io/otel/attribute"

	"github.com/opta-lmx/opta-lmx/internal/apierrors"
	"github.com/opta-lmx/opta-lmx/internal/backend"
	"github.com/opta-lmx/opta-lmx/internal/concurrency"
	"github.com/opta-lmx/opta-lmx/internal/lifecycle"
	"github.com/opta-lmx/opta-lmx/internal/readiness"
	"github.com/opta-lmx/opta-lmx/internal/telemetry"
)

// SpeculativeMode is the telemetry confidence mode reported per request.
type SpeculativeMode string

const (
	ModeNotRequested     SpeculativeMode = "not_requested"
	ModeDisabled         SpeculativeMode = "disabled"
	ModeUnavailable      SpeculativeMode = "unavailable"
	ModeNative           SpeculativeMode = "native"
	ModeInferredFromFlag SpeculativeMode = "inferred_from_flag"
)

// SpeculativeTelemetry is the per-request speculative-decoding record
// attached to every generate/stream_generate response.
type SpeculativeTelemetry struct {
	Requested       bool            `json:"requested"`
	Active          bool            `json:"active"`
	Reason          string          `json:"reason,omitempty"`
	DraftModel      *string         `json:"draft_model,omitempty"`
	NumTokens       int             `json:"num_tokens,omitempty"`
	AcceptedTokens  int             `json:"accepted_tokens"`
	RejectedTokens  int             `json:"rejected_tokens"`
	IgnoredTokens   int             `json:"ignored_tokens"`
	AcceptanceRatio *float64        `json:"acceptance_ratio"`
	Telemetry       SpeculativeMode `json:"telemetry"`
}

// nativeAcceptedKeys, nativeRejectedKeys, nativeIgnoredKeys are the exact
// field-name candidates probed on a backend payload for native speculative
// counters, preserved verbatim rather than consolidated into one generic key.
var (
	nativeAcceptedKeys = []string{"accepted_tokens", "draft_accepted_tokens", "accepted_draft_tokens", "num_accepted_draft_tokens", "speculative_accepted_tokens"}
	nativeRejectedKeys = []string{"rejected_tokens", "draft_rejected_tokens", "rejected_draft_tokens", "num_rejected_draft_tokens", "speculative_rejected_tokens"}
	nativeIgnoredKeys  = []string{"ignored_tokens", "draft_ignored_tokens", "speculative_ignored_tokens"}
	fromDraftKeys      = []string{"from_draft", "draft_accepted", "accepted_from_draft", "is_draft_token"}
)

func readIntField(m map[string]any, keys []string) (int, bool) {
	for _, k := range keys {
		v, ok := m[k]
		if !ok || v == nil {
			continue
		}
		switch n := v.(type) {
		case int:
			return n, true
		case int64:
			return int(n), true
		case float64:
			return int(n), true
		}
	}
	return 0, false
}

func readBoolField(m map[string]any, keys []string) (bool, bool) {
	for _, k := range keys {
		if v, ok := m[k].(bool); ok {
			return v, true
		}
	}
	return false, false
}

// baseSpeculativeTelemetry builds the zero-state record from a loaded model's
// speculative intent, before any backend payload is inspected.
func baseSpeculativeTelemetry(spec lifecycle.SpeculativeInfo) SpeculativeTelemetry {
	mode := ModeNotRequested
	if spec.Requested {
		if spec.Active {
			mode = ModeUnavailable
		} else {
			mode = ModeDisabled
		}
	}
	return SpeculativeTelemetry{
		Requested:  spec.Requested,
		Active:     spec.Active,
		Reason:     spec.Reason,
		DraftModel: spec.DraftModel,
		NumTokens:  spec.NumTokens,
		Telemetry:  mode,
	}
}

// updateSpeculativeFromPayload accumulates native counters or infers a
// single-token update from a boolean flag, mutating t in place.
func updateSpeculativeFromPayload(t *SpeculativeTelemetry, payload map[string]any) {
	if !t.Active || payload == nil {
		return
	}
	combined := payload
	if nested, ok := payload["speculative"].(map[string]any); ok {
		combined = make(map[string]any, len(payload)+len(nested))
		for k, v := range payload {
			combined[k] = v
		}
		for k, v := range nested {
			combined[k] = v
		}
	}

	nativeSeen := false
	if v, ok := readIntField(combined, nativeAcceptedKeys); ok {
		t.AcceptedTokens += maxInt(0, v)
		nativeSeen = true
	}
	if v, ok := readIntField(combined, nativeRejectedKeys); ok {
		t.RejectedTokens += maxInt(0, v)
		nativeSeen = true
	}
	if v, ok := readIntField(combined, nativeIgnoredKeys); ok {
		t.IgnoredTokens += maxInt(0, v)
		nativeSeen = true
	}
	if nativeSeen {
		t.Telemetry = ModeNative
		return
	}

	if fromDraft, ok := readBoolField(combined, fromDraftKeys); ok {
		if fromDraft {
			t.AcceptedTokens++
		} else {
			t.RejectedTokens++
		}
		t.Telemetry = ModeInferredFromFlag
	}
}

// finalizeSpeculativeTelemetry derives acceptance_ratio and falls back to
// "unavailable" when every counter is still zero after an active request.
func finalizeSpeculativeTelemetry(t *SpeculativeTelemetry, completionUnits int) {
	if !t.Active {
		t.AcceptanceRatio = nil
		return
	}
	if t.AcceptedTokens == 0 && t.RejectedTokens == 0 && t.IgnoredTokens == 0 {
		t.IgnoredTokens = maxInt(0, completionUnits)
		t.Telemetry = ModeUnavailable
	}
	denom := t.AcceptedTokens + t.RejectedTokens
	if denom > 0 {
		ratio := float64(t.AcceptedTokens) / float64(denom)
		t.AcceptanceRatio = &ratio
	} else {
		t.AcceptanceRatio = nil
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// Request is the normalized generation request accepted by Executor.
type Request struct {
	ModelID          string
	Messages         []llms.MessageContent
	Temperature      float64
	MaxTokens        int
	TopP             float64
	Stop             []string
	Tools            []llms.Tool
	ResponseFormat   map[string]any
	FrequencyPenalty float64
	PresencePenalty  float64
	NumCtx           int
	ClientID         string
	Priority         concurrency.Priority
}

// ToolCall is a parsed assistant tool invocation.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ResponseMessage is the assistant message returned in a Result.
type ResponseMessage struct {
	Role      string     `json:"role"`
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// Usage is the OpenAI-compatible token usage triple.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Result is the non-streaming response from Executor.Generate.
type Result struct {
	ID           string
	Model        string
	CreatedAt    time.Time
	Message      ResponseMessage
	FinishReason string
	Usage        Usage
	Speculative  SpeculativeTelemetry
}

// Chunk is one streamed text delta from Executor.Stream.
type Chunk struct {
	Text string
}

// LoadedModelView is the subset of lifecycle.LoadedModel the executor reads
// and mutates. lifecycle.Manager provides access to the live record; tests
// can use a plain struct pointer.
type LoadedModelView = *lifecycle.LoadedModel

// Manager is the subset of lifecycle.Manager the executor depends on.
type Manager interface {
	GetLoadedModel(modelID string) (*lifecycle.LoadedModel, bool)
	ModelReadiness(modelID string) (readiness.Record, bool)
}

// ReadinessMarker is the subset of readiness.Tracker the executor calls on
// backend failure.
type ReadinessMarker interface {
	MarkFailure(modelID, reason string, quarantineThreshold int) readiness.Record
}

// Executor runs the shared preamble, backend call, and post-processing for
// both generate and stream_generate.
type Executor struct {
	Lifecycle                         Manager
	Readiness                         ReadinessMarker
	Concurrency                       *concurrency.Controller
	Telemetry                         *telemetry.Recorder
	InferenceTimeout                  time.Duration
	RuntimeFailureQuarantineThreshold int
}

func (e *Executor) quarantineThreshold() int {
	if e.RuntimeFailureQuarantineThreshold > 0 {
		return e.RuntimeFailureQuarantineThreshold
	}
	return 3
}

func (e *Executor) timeout() time.Duration {
	if e.InferenceTimeout > 0 {
		return e.InferenceTimeout
	}
	return 120 * time.Second
}

// Generate runs the non-streaming completion path.
func (e *Executor) Generate(ctx context.Context, req Request) (*Result, error) {
	lm, ok := e.Lifecycle.GetLoadedModel(req.ModelID)
	if !ok {
		return nil, apierrors.ModelNotFound(req.ModelID)
	}
	if !e.isRoutable(req.ModelID) {
		return nil, apierrors.ModelUnstable(req.ModelID)
	}

	lm.RequestCount++
	lm.LastUsedAt = time.Now()

	effectiveMessages := e.prepareMessages(req, lm)

	lease, err := e.Concurrency.Acquire(ctx, req.ModelID, req.ClientID, req.Priority)
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	start := time.Now()
	spanCtx, end := e.Telemetry.StartSpan(ctx, "generation.generate", attribute.String("model_id", req.ModelID))
	backendReq := backend.Request{
		Messages:         effectiveMessages,
		Temperature:      req.Temperature,
		MaxTokens:        req.MaxTokens,
		TopP:             req.TopP,
		Stop:             req.Stop,
		Tools:            req.Tools,
		ResponseFormat:   req.ResponseFormat,
		FrequencyPenalty: req.FrequencyPenalty,
		PresencePenalty:  req.PresencePenalty,
	}

	runCtx, cancel := context.WithTimeout(spanCtx, e.timeout())
	defer cancel()

	type outcome struct {
		res backend.Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := lm.Backend.Generate(runCtx, backendReq)
		done <- outcome{res, err}
	}()

	var backendRes backend.Result
	select {
	case <-runCtx.Done():
		end(apierrors.InferenceTimeout())
		e.Concurrency.RecordLatency(time.Since(start))
		e.Concurrency.AdaptConcurrency(ctx, 0)
		return nil, apierrors.InferenceTimeout()
	case o := <-done:
		if o.err != nil {
			end(o.err)
			e.Concurrency.RecordLatency(time.Since(start))
			e.Concurrency.AdaptConcurrency(ctx, 0)
			return nil, e.handleBackendFailure(req.ModelID, lm, o.err)
		}
		backendRes = o.res
	}
	end(nil)
	e.Concurrency.RecordLatency(time.Since(start))
	e.Concurrency.AdaptConcurrency(ctx, 0)
	if e.Telemetry != nil {
		e.Telemetry.RecordLatency(ctx, req.ModelID, lm.BackendKind, time.Since(start), lease.QueueWait)
	}

	spec := baseSpeculativeTelemetry(lm.Speculative)
	updateSpeculativeFromPayload(&spec, backendRes.Payload)
	finalizeSpeculativeTelemetry(&spec, backendRes.CompletionTokens)

	content := backendRes.Text
	if req.ResponseFormat != nil && len(req.Tools) == 0 {
		if cleaned, ok := ExtractJSON(content, req.ResponseFormat); ok {
			content = cleaned
		}
	}

	message := ResponseMessage{Role: "assistant", Content: content}
	finishReason := "stop"
	if len(req.Tools) > 0 && strings.Contains(content, ToolCallOpenMarker) {
		calls, cleanContent, ok := ParseToolCalls(content)
		if ok && len(calls) > 0 {
			message = ResponseMessage{Role: "assistant", Content: cleanContent, ToolCalls: calls}
			finishReason = "tool_calls"
		}
	}
	if finishReason != "tool_calls" && req.MaxTokens > 0 && backendRes.CompletionTokens >= req.MaxTokens {
		finishReason = "length"
	}

	return &Result{
		ID:           "chatcmpl-" + uuid.NewString(),
		Model:        req.ModelID,
		CreatedAt:    time.Now(),
		Message:      message,
		FinishReason: finishReason,
		Usage: Usage{
			PromptTokens:     backendRes.PromptTokens,
			CompletionTokens: backendRes.CompletionTokens,
			TotalTokens:      backendRes.PromptTokens + backendRes.CompletionTokens,
		},
		Speculative: spec,
	}, nil
}

// Stream runs the streaming completion path, yielding text deltas on the
// returned channel and closing it when the backend finishes or errors.
func (e *Executor) Stream(ctx context.Context, req Request) (<-chan Chunk, <-chan error) {
	out := make(chan Chunk, 8)
	errCh := make(chan error, 1)

	lm, ok := e.Lifecycle.GetLoadedModel(req.ModelID)
	if !ok {
		close(out)
		errCh <- apierrors.ModelNotFound(req.ModelID)
		close(errCh)
		return out, errCh
	}
	if !e.isRoutable(req.ModelID) {
		close(out)
		errCh <- apierrors.ModelUnstable(req.ModelID)
		close(errCh)
		return out, errCh
	}

	lease, err := e.Concurrency.Acquire(ctx, req.ModelID, req.ClientID, req.Priority)
	if err != nil {
		close(out)
		errCh <- err
		close(errCh)
		return out, errCh
	}

	go func() {
		defer close(out)
		defer close(errCh)
		defer lease.Release()

		lm.RequestCount++
		lm.LastUsedAt = time.Now()
		start := time.Now()

		effectiveMessages := e.prepareMessages(req, lm)

		runCtx, cancel := context.WithTimeout(ctx, e.timeout())
		defer cancel()

		backendReq := backend.Request{
			Messages:         effectiveMessages,
			Temperature:      req.Temperature,
			MaxTokens:        req.MaxTokens,
			TopP:             req.TopP,
			Stop:             req.Stop,
			Tools:            req.Tools,
			ResponseFormat:   req.ResponseFormat,
			FrequencyPenalty: req.FrequencyPenalty,
			PresencePenalty:  req.PresencePenalty,
		}
		chunks, backendErrCh := lm.Backend.Stream(runCtx, backendReq)

		for {
			select {
			case <-runCtx.Done():
				errCh <- apierrors.InferenceTimeout()
				e.Concurrency.RecordLatency(time.Since(start))
				e.Concurrency.AdaptConcurrency(ctx, 0)
				return
			case c, ok := <-chunks:
				if !ok {
					chunks = nil
					continue
				}
				out <- Chunk{Text: c.Text}
			case berr, ok := <-backendErrCh:
				if !ok {
					e.Concurrency.RecordLatency(time.Since(start))
					e.Concurrency.AdaptConcurrency(ctx, 0)
					return
				}
				if berr != nil {
					errCh <- e.handleBackendFailure(req.ModelID, lm, berr)
					e.Concurrency.RecordLatency(time.Since(start))
					e.Concurrency.AdaptConcurrency(ctx, 0)
					return
				}
			}
		}
	}()

	return out, errCh
}

func (e *Executor) isRoutable(modelID string) bool {
	rec, ok := e.Lifecycle.ModelReadiness(modelID)
	return ok && rec.State == readiness.StateRoutable
}

// prepareMessages applies the shared preamble both Generate and Stream need
// before handing messages to the backend: trimming to the model's effective
// context window, then injecting a JSON-mode system instruction when the
// caller requested structured output without tools.
func (e *Executor) prepareMessages(req Request, lm *lifecycle.LoadedModel) []llms.MessageContent {
	effectiveCtx := req.NumCtx
	if effectiveCtx == 0 {
		effectiveCtx = lm.ContextLength
	}
	messages := req.Messages
	if effectiveCtx > 0 {
		reserve := req.MaxTokens
		if reserve == 0 {
			reserve = 1024
		}
		messages = FitToContext(messages, effectiveCtx, reserve)
	}

	if req.ResponseFormat != nil && len(req.Tools) == 0 {
		if instruction := BuildJSONSystemPrompt(req.ResponseFormat); instruction != "" {
			return InjectJSONInstruction(messages, instruction)
		}
	}
	return messages
}

func (e *Executor) handleBackendFailure(modelID string, lm *lifecycle.LoadedModel, cause error) error {
	rec := e.Readiness.MarkFailure(modelID, cause.Error(), e.quarantineThreshold())
	if rec.State == readiness.StateQuarantined {
		return apierrors.Wrap(apierrors.CodeModelUnstable, cause, "model %q quarantined after repeated runtime failures", modelID)
	}
	return apierrors.BackendError(cause)
}
