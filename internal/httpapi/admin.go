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

	"github.com/opta-lmx/opta-lmx/internal/apierrors"
	"github.com/opta-lmx/opta-lmx/internal/autotune"
	"github.com/opta-lmx/opta-lmx/internal/download"
	"github.com/opta-lmx/opta-lmx/internal/lifecycle"
)

type loadModelRequest struct {
	ModelID                 string         `json:"model_id" binding:"required"`
	AutoDownload            bool           `json:"auto_download"`
	AllowUnsupportedRuntime bool           `json:"allow_unsupported_runtime"`
	Backend                 string         `json:"backend"`
	PerformanceOverrides    map[string]any `json:"performance_overrides"`
	KeepAliveSec            *int           `json:"keep_alive_sec"`
	MaxContextLength        *int           `json:"max_context_length"`
}

func (s *Server) handleLoadModel(c *gin.Context) {
	var req loadModelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apierrors.InvalidRequest("%v", err))
		return
	}
	if req.MaxContextLength != nil {
		writeError(c, apierrors.New(apierrors.CodeNotSupported, "max_context_length is not supported"))
		return
	}

	opts := lifecycle.LoadOptions{
		PreferredBackend:        req.Backend,
		PerformanceOverrides:    req.PerformanceOverrides,
		KeepAliveSec:            req.KeepAliveSec,
		AllowUnsupportedRuntime: req.AllowUnsupportedRuntime,
	}

	lm, err := s.Engine.LoadModel(c.Request.Context(), req.ModelID, opts)
	if err == nil {
		c.JSON(http.StatusOK, gin.H{"model_id": lm.ModelID, "backend": lm.BackendKind})
		return
	}

	if !req.AutoDownload {
		writeError(c, err)
		return
	}

	task, hasCoordinator, downloadErr := s.Engine.StartDownload(c.Request.Context(), download.Request{RepoID: req.ModelID})
	if !hasCoordinator || downloadErr != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"status":       "downloading",
		"download_id":  task.DownloadID,
		"progress_url": "/admin/downloads/" + task.DownloadID,
	})
}

type unloadModelRequest struct {
	ModelID string `json:"model_id" binding:"required"`
}

func (s *Server) handleUnloadModel(c *gin.Context) {
	var req unloadModelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apierrors.InvalidRequest("%v", err))
		return
	}
	if err := s.Engine.UnloadModel(c.Request.Context(), req.ModelID, lifecycle.UnloadManual); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"model_id": req.ModelID, "status": "unloaded"})
}

type probeModelRequest struct {
	ModelID    string `json:"model_id" binding:"required"`
	TimeoutSec int    `json:"timeout_sec"`
}

func (s *Server) handleProbeModel(c *gin.Context) {
	var req probeModelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apierrors.InvalidRequest("%v", err))
		return
	}
	result, err := s.Engine.ProbeModelBackends(c.Request.Context(), req.ModelID, req.TimeoutSec, nil)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleGetDownload(c *gin.Context) {
	if s.Engine.Download == nil {
		writeError(c, apierrors.New(apierrors.CodeInvalidRequest, "no download coordinator is configured"))
		return
	}
	task, ok := s.Engine.Download.GetTask(c.Param("id"))
	if !ok {
		err := apierrors.New(apierrors.CodeModelNotFound, "download %q not found", c.Param("id"))
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (s *Server) handleCompatibility(c *gin.Context) {
	c.JSON(http.StatusOK, s.Engine.Compat.SummaryByModel())
}

type autotuneRequest struct {
	ModelID        string                  `json:"model_id" binding:"required"`
	Backend        string                  `json:"backend" binding:"required"`
	BackendVersion string                  `json:"backend_version"`
	Profile        map[string]any          `json:"profile"`
	Metrics        autotuneMetricsRequest  `json:"metrics"`
}

type autotuneMetricsRequest struct {
	TokensPerSec float64 `json:"tokens_per_sec"`
	TTFTSec      float64 `json:"ttft_sec"`
	ErrorRate    float64 `json:"error_rate"`
	TotalLatency float64 `json:"total_latency_sec"`
	QueueWait    float64 `json:"queue_wait_sec"`
}

func autotuneRecordFrom(req autotuneRequest) autotune.Record {
	metrics := autotune.Metrics{
		TokensPerSec: req.Metrics.TokensPerSec,
		TTFTSec:      req.Metrics.TTFTSec,
		ErrorRate:    req.Metrics.ErrorRate,
		TotalLatency: req.Metrics.TotalLatency,
		QueueWait:    req.Metrics.QueueWait,
	}
	return autotune.Record{
		Profile: req.Profile,
		Metrics: metrics,
		Score:   autotune.Score(metrics),
	}
}

func (s *Server) handleAutotune(c *gin.Context) {
	var req autotuneRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apierrors.InvalidRequest("%v", err))
		return
	}

	saved, err := s.Engine.SaveTunedProfile(c.Request.Context(), req.ModelID, req.Backend, req.BackendVersion, autotuneRecordFrom(req))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"saved": saved})
}
