// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package httpapi

import (
	"time"

	"github.com/tmc/langchaingo/llms"

	"github.com/opta-lmx/opta-lmx/internal/concurrency"
	"github.com/opta-lmx/opta-lmx/internal/generation"
)

// chatMessage is one OpenAI-shaped chat message.
type chatMessage struct {
	Role    string `json:"role" binding:"required"`
	Content string `json:"content"`
}

// chatCompletionRequest is the POST /v1/chat/completions body.
type chatCompletionRequest struct {
	Model            string                   `json:"model" binding:"required"`
	Messages         []chatMessage            `json:"messages" binding:"required,min=1"`
	Temperature      *float64                 `json:"temperature"`
	MaxTokens        int                      `json:"max_tokens"`
	TopP             *float64                 `json:"top_p"`
	Stop             []string                 `json:"stop"`
	Tools            []map[string]any         `json:"tools"`
	ResponseFormat   map[string]any           `json:"response_format"`
	FrequencyPenalty float64                  `json:"frequency_penalty"`
	PresencePenalty  float64                  `json:"presence_penalty"`
	N                int                      `json:"n"`
	Stream           bool                     `json:"stream"`
	Seed             *int                     `json:"seed"`
	Logprobs         bool                     `json:"logprobs"`
	TopLogprobs      int                      `json:"top_logprobs"`
	NumCtx           int                      `json:"num_ctx"`
	ClientID         string                   `json:"-"`
}

func roleToMessageType(role string) llms.ChatMessageType {
	switch role {
	case "system":
		return llms.ChatMessageTypeSystem
	case "assistant":
		return llms.ChatMessageTypeAI
	case "tool":
		return llms.ChatMessageTypeTool
	default:
		return llms.ChatMessageTypeHuman
	}
}

func toGenerationTools(raw []map[string]any) []llms.Tool {
	if len(raw) == 0 {
		return nil
	}
	tools := make([]llms.Tool, 0, len(raw))
	for _, t := range raw {
		fn, _ := t["function"].(map[string]any)
		name, _ := fn["name"].(string)
		description, _ := fn["description"].(string)
		tools = append(tools, llms.Tool{
			Type: "function",
			Function: &llms.FunctionDefinition{
				Name:        name,
				Description: description,
				Parameters:  fn["parameters"],
			},
		})
	}
	return tools
}

func (req chatCompletionRequest) toGenerationRequest() generation.Request {
	messages := make([]llms.MessageContent, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, llms.TextParts(roleToMessageType(m.Role), m.Content))
	}

	temperature := 0.0
	if req.Temperature != nil {
		temperature = *req.Temperature
	}
	topP := 0.0
	if req.TopP != nil {
		topP = *req.TopP
	}

	priority := concurrency.PriorityNormal

	return generation.Request{
		ModelID:          req.Model,
		Messages:         messages,
		Temperature:      temperature,
		MaxTokens:        req.MaxTokens,
		TopP:             topP,
		Stop:             req.Stop,
		Tools:            toGenerationTools(req.Tools),
		ResponseFormat:   req.ResponseFormat,
		FrequencyPenalty: req.FrequencyPenalty,
		PresencePenalty:  req.PresencePenalty,
		NumCtx:           req.NumCtx,
		ClientID:         req.ClientID,
		Priority:         priority,
	}
}

// chatCompletionChoice is one entry of a non-streaming response's choices.
type chatCompletionChoice struct {
	Index        int                        `json:"index"`
	Message      generation.ResponseMessage `json:"message"`
	FinishReason string                     `json:"finish_reason"`
}

// chatCompletionResponse is the POST /v1/chat/completions non-streaming body.
type chatCompletionResponse struct {
	ID      string                  `json:"id"`
	Object  string                  `json:"object"`
	Created int64                   `json:"created"`
	Model   string                  `json:"model"`
	Choices []chatCompletionChoice  `json:"choices"`
	Usage   generation.Usage        `json:"usage"`
}

func toChatCompletionResponse(result *generation.Result) chatCompletionResponse {
	return chatCompletionResponse{
		ID:      result.ID,
		Object:  "chat.completion",
		Created: result.CreatedAt.Unix(),
		Model:   result.Model,
		Choices: []chatCompletionChoice{
			{Index: 0, Message: result.Message, FinishReason: result.FinishReason},
		},
		Usage: result.Usage,
	}
}

// chatCompletionChunk is one SSE data line for a streaming response.
type chatCompletionChunk struct {
	ID      string                    `json:"id"`
	Object  string                    `json:"object"`
	Created int64                     `json:"created"`
	Model   string                    `json:"model"`
	Choices []chatCompletionChunkItem `json:"choices"`
}

type chatCompletionChunkItem struct {
	Index        int             `json:"index"`
	Delta        chunkDelta      `json:"delta"`
	FinishReason *string         `json:"finish_reason"`
}

type chunkDelta struct {
	Content string `json:"content,omitempty"`
}

func newChunk(id, model string, index int, text string) chatCompletionChunk {
	return chatCompletionChunk{
		ID:      id,
		Object:  "chat.completion.chunk",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []chatCompletionChunkItem{{Index: index, Delta: chunkDelta{Content: text}}},
	}
}

// legacyCompletionRequest is the POST /v1/completions body.
type legacyCompletionRequest struct {
	Model       string   `json:"model" binding:"required"`
	Prompt      string   `json:"prompt" binding:"required"`
	Temperature *float64 `json:"temperature"`
	MaxTokens   int      `json:"max_tokens"`
	TopP        *float64 `json:"top_p"`
	Stop        []string `json:"stop"`
	Stream      bool     `json:"stream"`
}

func (req legacyCompletionRequest) toChatCompletionRequest() chatCompletionRequest {
	return chatCompletionRequest{
		Model:       req.Model,
		Messages:    []chatMessage{{Role: "user", Content: req.Prompt}},
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		TopP:        req.TopP,
		Stop:        req.Stop,
		Stream:      req.Stream,
	}
}

// responsesInputPart is one entry of the /v1/responses `input` array.
type responsesInputPart struct {
	Role    string `json:"role"`
	Type    string `json:"type"`
	Text    string `json:"text"`
	Content string `json:"content"`
}

// responsesRequest is the POST /v1/responses body, mapping
// max_output_tokens -> max_tokens and input_text parts -> chat messages.
type responsesRequest struct {
	Model           string               `json:"model" binding:"required"`
	Input           []responsesInputPart `json:"input" binding:"required,min=1"`
	MaxOutputTokens int                  `json:"max_output_tokens"`
	Temperature     *float64             `json:"temperature"`
	Stream          bool                 `json:"stream"`
}

func (req responsesRequest) toChatCompletionRequest() chatCompletionRequest {
	messages := make([]chatMessage, 0, len(req.Input))
	for _, part := range req.Input {
		text := part.Text
		if text == "" {
			text = part.Content
		}
		role := part.Role
		if role == "" {
			role = "user"
		}
		messages = append(messages, chatMessage{Role: role, Content: text})
	}
	return chatCompletionRequest{
		Model:       req.Model,
		Messages:    messages,
		MaxTokens:   req.MaxOutputTokens,
		Temperature: req.Temperature,
		Stream:      req.Stream,
	}
}
