// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package httpapi is a thin gin-gonic router over internal/engine and
// internal/agent: OpenAI-compatible chat/completions/responses endpoints,
// admin model-management endpoints, and the agent run endpoints. It holds
// no business logic of its own — every handler validates its input shape
// and calls straight through to the façade.
package httpapi

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/opta-lmx/opta-lmx/internal/agent"
	"github.com/opta-lmx/opta-lmx/internal/apierrors"
	"github.com/opta-lmx/opta-lmx/internal/engine"
)

// Server bundles the façade and scheduler the handlers dispatch to.
type Server struct {
	Engine    *engine.Facade
	Agents    *agent.Scheduler
	Logger    *slog.Logger
	ServiceID string
}

// NewRouter builds the full gin.Engine, with otelgin tracing middleware and
// every route this module owns registered.
func NewRouter(s *Server) *gin.Engine {
	if s.Logger == nil {
		s.Logger = slog.Default()
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(otelgin.Middleware(s.ServiceID))
	r.Use(requestLoggingMiddleware(s.Logger))

	r.GET("/admin/status", s.handleStatus)
	r.GET("/admin/downloads/:id", s.handleGetDownload)

	v1 := r.Group("/v1")
	{
		v1.POST("/chat/completions", s.handleChatCompletions)
		v1.POST("/completions", s.handleLegacyCompletions)
		v1.POST("/responses", s.handleResponses)

		v1.POST("/agents/runs", s.handleSubmitRun)
		v1.GET("/agents/runs/:id", s.handleGetRun)
		v1.POST("/agents/runs/:id/cancel", s.handleCancelRun)
		v1.GET("/agents/runs/:id/events", s.handleRunEvents)
	}

	admin := r.Group("/admin/models")
	{
		admin.POST("/load", s.handleLoadModel)
		admin.POST("/unload", s.handleUnloadModel)
		admin.POST("/probe", s.handleProbeModel)
		admin.GET("/compatibility", s.handleCompatibility)
		admin.POST("/autotune", s.handleAutotune)
	}

	return r
}

func (s *Server) handleStatus(c *gin.Context) {
	loaded := s.Engine.GetLoadedModels()
	ids := make([]string, 0, len(loaded))
	for _, lm := range loaded {
		ids = append(ids, lm.ModelID)
	}
	c.JSON(http.StatusOK, gin.H{"loaded_models": ids})
}

// writeError serializes err as the OpenAI-compatible error envelope,
// including Retry-After when the error carries one.
func writeError(c *gin.Context, err error) {
	apiErr, ok := err.(*apierrors.Error)
	if !ok {
		apiErr = apierrors.Internal(err)
	}
	if apiErr.RetryAfter > 0 {
		c.Header("Retry-After", strconv.Itoa(apiErr.RetryAfter))
	}
	c.JSON(apiErr.HTTPStatus(), apierrors.Envelope{Error: apiErr})
}
