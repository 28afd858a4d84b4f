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
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"
)

func systemMessage(role string) llms.MessageContent {
	return llms.MessageContent{
		Role:  llms.ChatMessageTypeSystem,
		Parts: []llms.ContentPart{llms.TextContent{Text: "You are acting as the " + role + " agent."}},
	}
}

func TestEchoBackendGeneratesNonEmptyText(t *testing.T) {
	b := NewEcho()
	res, err := b.Generate(context.Background(), Request{})
	require.NoError(t, err)
	require.NotEmpty(t, res.Text)
	require.Equal(t, 1, b.CallCount())
}

func TestEchoBackendCloseIsIdempotent(t *testing.T) {
	b := NewEcho()
	require.NoError(t, b.Close())
	require.NoError(t, b.Close())
	require.True(t, b.Closed())
}

func TestEchoBackendStreamPreservesOrder(t *testing.T) {
	b := NewEcho()
	b.Response = "abcdefghij"
	out, errCh := b.Stream(context.Background(), Request{})

	var got string
	for chunk := range out {
		got += chunk.Text
	}
	require.NoError(t, <-errCh)
	require.Equal(t, "abcdefghij", got)
}

func TestScriptedBackendExtractsRoleFromSystemPrompt(t *testing.T) {
	b := NewScripted()
	req := Request{Messages: []llms.MessageContent{systemMessage("researcher")}}
	res, err := b.Generate(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, "output:researcher", res.Text)
}

func TestScriptedBackendReturnsScriptedError(t *testing.T) {
	b := NewScripted()
	b.Errors["b"] = errors.New("injected failure")
	req := Request{Messages: []llms.MessageContent{systemMessage("b")}}
	_, err := b.Generate(context.Background(), req)
	require.ErrorContains(t, err, "injected failure")
}

func TestScriptedBackendRecordsCalls(t *testing.T) {
	b := NewScripted()
	req := Request{Messages: []llms.MessageContent{systemMessage("a")}}
	_, _ = b.Generate(context.Background(), req)
	_, _ = b.Generate(context.Background(), req)
	require.Len(t, b.Calls(), 2)
}
