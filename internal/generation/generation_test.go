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
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"

	"github.com/opta-lmx/opta-lmx/internal/apierrors"
	"github.com/opta-lmx/opta-lmx/internal/backend"
	"github.com/opta-lmx/opta-lmx/internal/concurrency"
	"github.com/opta-lmx/opta-lmx/internal/lifecycle"
	"github.com/opta-lmx/opta-lmx/internal/readiness"
)

// fakeManager is a minimal stand-in for lifecycle.Manager, exposing one
// mutable LoadedModel and readiness state per model ID.
type fakeManager struct {
	mu        sync.Mutex
	models    map[string]*lifecycle.LoadedModel
	readiness map[string]readiness.Record
}

func newFakeManager() *fakeManager {
	return &fakeManager{
		models:    make(map[string]*lifecycle.LoadedModel),
		readiness: make(map[string]readiness.Record),
	}
}

func (f *fakeManager) load(modelID string, be backend.Backend, ctxLen int) *lifecycle.LoadedModel {
	f.mu.Lock()
	defer f.mu.Unlock()
	lm := &lifecycle.LoadedModel{ModelID: modelID, Backend: be, BackendKind: "echo", ContextLength: ctxLen}
	f.models[modelID] = lm
	f.readiness[modelID] = readiness.Record{State: readiness.StateRoutable}
	return lm
}

func (f *fakeManager) quarantine(modelID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readiness[modelID] = readiness.Record{State: readiness.StateQuarantined}
}

func (f *fakeManager) GetLoadedModel(modelID string) (*lifecycle.LoadedModel, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	lm, ok := f.models[modelID]
	return lm, ok
}

func (f *fakeManager) ModelReadiness(modelID string) (readiness.Record, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.readiness[modelID]
	return rec, ok
}

// fakeReadinessMarker records MarkFailure calls and quarantines after a
// configurable number of failures, mirroring readiness.Tracker's threshold
// behavior without pulling in the real tracker's event bus plumbing.
type fakeReadinessMarker struct {
	mu        sync.Mutex
	failures  map[string]int
	threshold int
	manager   *fakeManager
}

func (f *fakeReadinessMarker) MarkFailure(modelID, reason string, quarantineThreshold int) readiness.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[modelID]++
	if f.failures[modelID] >= quarantineThreshold {
		f.manager.quarantine(modelID)
		return readiness.Record{State: readiness.StateQuarantined, Reason: reason}
	}
	return readiness.Record{State: readiness.StateAdmitted, Reason: reason}
}

func newExecutor(mgr *fakeManager) (*Executor, *fakeReadinessMarker) {
	marker := &fakeReadinessMarker{failures: make(map[string]int), manager: mgr}
	ctrl := concurrency.New(concurrency.Config{Max: 4, Min: 1})
	return &Executor{
		Lifecycle:                         mgr,
		Readiness:                         marker,
		Concurrency:                       ctrl,
		InferenceTimeout:                  time.Second,
		RuntimeFailureQuarantineThreshold: 3,
	}, marker
}

func chatRequest(modelID, text string) Request {
	return Request{
		ModelID:  modelID,
		Messages: []llms.MessageContent{llms.TextParts(llms.ChatMessageTypeHuman, text)},
	}
}

func TestGenerate_ReturnsEchoedContent(t *testing.T) {
	mgr := newFakeManager()
	echo := backend.NewEcho()
	mgr.load("model-a", echo, 4096)
	exec, _ := newExecutor(mgr)

	res, err := exec.Generate(context.Background(), chatRequest("model-a", "hello"))
	require.NoError(t, err)
	require.Equal(t, "assistant", res.Message.Role)
	require.Contains(t, res.Message.Content, "hello")
	require.Equal(t, "stop", res.FinishReason)
}

func TestGenerate_NotLoadedReturnsModelNotFound(t *testing.T) {
	mgr := newFakeManager()
	exec, _ := newExecutor(mgr)

	_, err := exec.Generate(context.Background(), chatRequest("missing", "hi"))
	require.Error(t, err)
	var apiErr *apierrors.Error
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, apierrors.CodeModelNotFound, apiErr.Code)
	require.Equal(t, 404, apiErr.HTTPStatus())
}

func TestGenerate_QuarantinedModelRejected(t *testing.T) {
	mgr := newFakeManager()
	echo := backend.NewEcho()
	mgr.load("model-a", echo, 4096)
	mgr.quarantine("model-a")
	exec, _ := newExecutor(mgr)

	_, err := exec.Generate(context.Background(), chatRequest("model-a", "hi"))
	require.Error(t, err)
	var apiErr *apierrors.Error
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, apierrors.CodeModelUnstable, apiErr.Code)
}

// recordingBackend wraps EchoBackend and captures the messages actually
// handed to the backend, so tests can verify the caller-facing request was
// transformed before reaching Generate/Stream.
type recordingBackend struct {
	*backend.EchoBackend
	mu       sync.Mutex
	received []llms.MessageContent
}

func (b *recordingBackend) Generate(ctx context.Context, req backend.Request) (backend.Result, error) {
	b.mu.Lock()
	b.received = req.Messages
	b.mu.Unlock()
	return b.EchoBackend.Generate(ctx, req)
}

func (b *recordingBackend) Stream(ctx context.Context, req backend.Request) (<-chan backend.Chunk, <-chan error) {
	b.mu.Lock()
	b.received = req.Messages
	b.mu.Unlock()
	return b.EchoBackend.Stream(ctx, req)
}

func TestStream_TrimsMessagesToContextLikeGenerate(t *testing.T) {
	mgr := newFakeManager()
	be := &recordingBackend{EchoBackend: backend.NewEcho()}
	mgr.load("model-a", be, 100)
	exec, _ := newExecutor(mgr)

	req := chatRequest("model-a", "hi")
	req.Messages = nil
	for i := 0; i < 50; i++ {
		req.Messages = append(req.Messages, llms.TextParts(llms.ChatMessageTypeHuman, "filler message number to pad out the context window"))
	}

	chunks, errCh := exec.Stream(context.Background(), req)
	for range chunks {
	}
	require.NoError(t, <-errCh)

	require.Less(t, len(be.received), len(req.Messages))
}

func TestStream_InjectsJSONInstructionLikeGenerate(t *testing.T) {
	mgr := newFakeManager()
	be := &recordingBackend{EchoBackend: backend.NewEcho()}
	mgr.load("model-a", be, 4096)
	exec, _ := newExecutor(mgr)

	req := chatRequest("model-a", "give me json")
	req.ResponseFormat = map[string]any{"type": "json_object"}

	chunks, errCh := exec.Stream(context.Background(), req)
	for range chunks {
	}
	require.NoError(t, <-errCh)

	require.Greater(t, len(be.received), len(req.Messages))
}

type erroringBackend struct {
	*backend.EchoBackend
	err error
}

func (b *erroringBackend) Generate(ctx context.Context, req backend.Request) (backend.Result, error) {
	return backend.Result{}, b.err
}

func TestGenerate_BackendFailureQuarantinesAfterThreshold(t *testing.T) {
	mgr := newFakeManager()
	be := &erroringBackend{EchoBackend: backend.NewEcho(), err: errors.New("boom")}
	mgr.load("model-a", be, 4096)
	exec, _ := newExecutor(mgr)

	var lastErr error
	for i := 0; i < 3; i++ {
		_, lastErr = exec.Generate(context.Background(), chatRequest("model-a", "hi"))
		require.Error(t, lastErr)
	}
	rec, _ := mgr.ModelReadiness("model-a")
	require.Equal(t, readiness.StateQuarantined, rec.State)
}

type slowBackend struct {
	*backend.EchoBackend
	delay time.Duration
}

func (b *slowBackend) Generate(ctx context.Context, req backend.Request) (backend.Result, error) {
	select {
	case <-time.After(b.delay):
		return backend.Result{Text: "late"}, nil
	case <-ctx.Done():
		return backend.Result{}, ctx.Err()
	}
}

func TestGenerate_TimesOutWhenBackendIsSlow(t *testing.T) {
	mgr := newFakeManager()
	be := &slowBackend{EchoBackend: backend.NewEcho(), delay: 500 * time.Millisecond}
	mgr.load("model-a", be, 4096)
	exec, _ := newExecutor(mgr)
	exec.InferenceTimeout = 20 * time.Millisecond

	_, err := exec.Generate(context.Background(), chatRequest("model-a", "hi"))
	require.Error(t, err)
}

func TestGenerate_ToolCallsSetFinishReason(t *testing.T) {
	mgr := newFakeManager()
	echo := backend.NewEcho()
	echo.Response = "preamble text " + ToolCallOpenMarker + "\n" +
		`<invoke name="get_weather">` + "\n" +
		`<parameter name="location">Boston</parameter>` + "\n" +
		`</invoke>` + "\n</minimax:tool_call>"
	mgr.load("model-a", echo, 4096)
	exec, _ := newExecutor(mgr)

	req := chatRequest("model-a", "what's the weather")
	req.Tools = []llms.Tool{{Type: "function"}}

	res, err := exec.Generate(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, "tool_calls", res.FinishReason)
	require.Len(t, res.Message.ToolCalls, 1)
	require.Equal(t, "get_weather", res.Message.ToolCalls[0].Name)
	require.JSONEq(t, `{"location":"Boston"}`, res.Message.ToolCalls[0].Arguments)
}

func TestGenerate_JSONResponseFormatExtractsCanonicalJSON(t *testing.T) {
	mgr := newFakeManager()
	echo := backend.NewEcho()
	echo.Response = "```json\n{\"answer\": 42}\n```"
	mgr.load("model-a", echo, 4096)
	exec, _ := newExecutor(mgr)

	req := chatRequest("model-a", "give me json")
	req.ResponseFormat = map[string]any{"type": "json_object"}

	res, err := exec.Generate(context.Background(), req)
	require.NoError(t, err)
	require.JSONEq(t, `{"answer": 42}`, res.Message.Content)
}

func TestGenerate_SpeculativeTelemetryFinalizesUnavailable(t *testing.T) {
	mgr := newFakeManager()
	echo := backend.NewEcho()
	lm := mgr.load("model-a", echo, 4096)
	lm.Speculative = lifecycle.SpeculativeInfo{Requested: true, Active: true, NumTokens: 4}
	exec, _ := newExecutor(mgr)

	res, err := exec.Generate(context.Background(), chatRequest("model-a", "hi"))
	require.NoError(t, err)
	require.Equal(t, ModeUnavailable, res.Speculative.Telemetry)
	require.Nil(t, res.Speculative.AcceptanceRatio)
}

func TestGenerate_SpeculativeTelemetryNativeCounters(t *testing.T) {
	mgr := newFakeManager()
	echo := backend.NewEcho()
	echo.Response = "hi"
	lm := mgr.load("model-a", echo, 4096)
	lm.Speculative = lifecycle.SpeculativeInfo{Requested: true, Active: true, NumTokens: 4}
	exec, _ := newExecutor(mgr)

	_ = echo
	res, err := exec.Generate(context.Background(), chatRequest("model-a", "hi"))
	require.NoError(t, err)
	// EchoBackend reports no payload, so telemetry falls back to unavailable
	// rather than native -- this documents that contract for callers wiring
	// a real speculative-capable backend.
	require.Equal(t, ModeUnavailable, res.Speculative.Telemetry)
}

func TestFitToContext_TrimsOldestMessagesToFit(t *testing.T) {
	system := llms.TextParts(llms.ChatMessageTypeSystem, "be helpful")
	old := llms.TextParts(llms.ChatMessageTypeHuman, stringsRepeat("x", 4000))
	recent := llms.TextParts(llms.ChatMessageTypeHuman, "short")
	messages := []llms.MessageContent{system, old, recent}

	trimmed := FitToContext(messages, 100, 10)
	require.Len(t, trimmed, 2)
	require.Equal(t, llms.ChatMessageTypeSystem, trimmed[0].Role)
	require.Equal(t, recent, trimmed[1])
}

func TestFitToContext_NoopWhenWithinBudget(t *testing.T) {
	messages := []llms.MessageContent{llms.TextParts(llms.ChatMessageTypeHuman, "hi")}
	trimmed := FitToContext(messages, 4096, 1024)
	require.Equal(t, messages, trimmed)
}

func TestParseToolCalls_ParsesSingleInvoke(t *testing.T) {
	content := "sure, one sec " + ToolCallOpenMarker + "\n" +
		`<invoke name="search">` + "\n" +
		`<parameter name="query">weather in nyc</parameter>` + "\n" +
		`<parameter name="limit">5</parameter>` + "\n" +
		`</invoke>` + "\n</minimax:tool_call>"

	calls, remainder, ok := ParseToolCalls(content)
	require.True(t, ok)
	require.Len(t, calls, 1)
	require.Equal(t, "search", calls[0].Name)
	require.JSONEq(t, `{"query":"weather in nyc","limit":5}`, calls[0].Arguments)
	require.Equal(t, "sure, one sec", remainder)
}

func TestParseToolCalls_NoMarkerReturnsFalse(t *testing.T) {
	calls, remainder, ok := ParseToolCalls("just plain text")
	require.False(t, ok)
	require.Nil(t, calls)
	require.Equal(t, "just plain text", remainder)
}

func stringsRepeat(s string, n int) string {
	out := make([]byte, 0, len(s)*n)
	for i := 0; i < n; i++ {
		out = append(out, s...)
	}
	return string(out)
}
