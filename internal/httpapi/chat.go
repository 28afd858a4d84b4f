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
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/opta-lmx/opta-lmx/internal/apierrors"
	"github.com/opta-lmx/opta-lmx/internal/generation"
)

func (s *Server) handleChatCompletions(c *gin.Context) {
	var req chatCompletionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apierrors.InvalidRequest("%v", err))
		return
	}
	req.ClientID = c.GetHeader("X-Client-ID")

	genReq := req.toGenerationRequest()

	if !req.Stream {
		result, err := s.Engine.Generate(c.Request.Context(), genReq)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, toChatCompletionResponse(result))
		return
	}

	s.streamChatCompletion(c, genReq, req.Model)
}

func (s *Server) handleLegacyCompletions(c *gin.Context) {
	var legacy legacyCompletionRequest
	if err := c.ShouldBindJSON(&legacy); err != nil {
		writeError(c, apierrors.InvalidRequest("%v", err))
		return
	}
	req := legacy.toChatCompletionRequest()
	req.ClientID = c.GetHeader("X-Client-ID")
	genReq := req.toGenerationRequest()

	if !req.Stream {
		result, err := s.Engine.Generate(c.Request.Context(), genReq)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, toChatCompletionResponse(result))
		return
	}
	s.streamChatCompletion(c, genReq, req.Model)
}

func (s *Server) handleResponses(c *gin.Context) {
	var resReq responsesRequest
	if err := c.ShouldBindJSON(&resReq); err != nil {
		writeError(c, apierrors.InvalidRequest("%v", err))
		return
	}
	req := resReq.toChatCompletionRequest()
	req.ClientID = c.GetHeader("X-Client-ID")
	genReq := req.toGenerationRequest()

	if !req.Stream {
		result, err := s.Engine.Generate(c.Request.Context(), genReq)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, toChatCompletionResponse(result))
		return
	}
	s.streamChatCompletion(c, genReq, req.Model)
}

// streamChatCompletion drives an SSE stream of chat.completion.chunk
// frames, terminated by a single "data: [DONE]" line. A busy error
// surfaces before any frame is written, so it still maps to a clean 429.
func (s *Server) streamChatCompletion(c *gin.Context, genReq generation.Request, model string) {
	chunks, errs := s.Engine.StreamGenerate(c.Request.Context(), genReq)

	id := "chatcmpl-" + uuid.NewString()
	var sw *sseWriter
	stop := "stop"

	for chunks != nil || errs != nil {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			if sw == nil {
				sw = newSSEWriter(c)
			}
			if err := sw.writeJSON(newChunk(id, model, 0, chunk.Text)); err != nil {
				return
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err == nil {
				continue
			}
			if sw == nil {
				writeError(c, err)
				return
			}
			// Stream already started: nothing left to do but stop cleanly:
			// the OpenAI SSE contract has no mid-stream error frame.
			chunks = nil
			errs = nil
		}
	}

	if sw == nil {
		sw = newSSEWriter(c)
	}
	final := newChunk(id, model, 0, "")
	final.Choices[0].FinishReason = &stop
	_ = sw.writeJSON(final)
	sw.writeDone()
}
