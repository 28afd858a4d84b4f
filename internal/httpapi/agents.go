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
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/opta-lmx/opta-lmx/internal/agent"
	"github.com/opta-lmx/opta-lmx/internal/apierrors"
)

// runPollInterval is how often handleRunEvents checks for a status change
// between heartbeats.
const runPollInterval = 250 * time.Millisecond

// heartbeatInterval matches spec.md's 10s SSE keep-alive comment cadence.
const heartbeatInterval = 10 * time.Second

// submitRunBody accepts both the native roles/strategy shape and the
// legacy single-agent {agent, input} envelope in the same request body.
type submitRunBody struct {
	agent.Request
	Agent string `json:"agent"`
	Input string `json:"input"`
}

func (s *Server) handleSubmitRun(c *gin.Context) {
	var body submitRunBody
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, apierrors.InvalidRequest("%v", err))
		return
	}
	req := body.Request
	if body.Agent != "" && len(req.Roles) == 0 {
		req = agent.CoerceLegacyRequest(agent.LegacyRequest{Agent: body.Agent, Input: body.Input, Model: body.Model})
	}
	idempotencyKey := c.GetHeader("Idempotency-Key")

	run, err := s.Agents.Submit(c.Request.Context(), req, idempotencyKey)
	if err != nil {
		writeError(c, err)
		return
	}
	if run.Status == agent.RunFailed && run.Error == "queue is full" {
		writeError(c, apierrors.RateLimited(5))
		return
	}
	c.JSON(http.StatusAccepted, *run)
}

func (s *Server) handleGetRun(c *gin.Context) {
	run, ok := s.Agents.GetRun(c.Param("id"))
	if !ok {
		writeError(c, apierrors.RunNotFound(c.Param("id")))
		return
	}
	c.JSON(http.StatusOK, run)
}

func (s *Server) handleCancelRun(c *gin.Context) {
	if err := s.Agents.Cancel(c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	run, _ := s.Agents.GetRun(c.Param("id"))
	c.JSON(http.StatusOK, run)
}

// handleRunEvents streams run.update frames on every observed status/step
// change, a final run.completed frame plus "data: [DONE]" once the run
// reaches a terminal state, and a heartbeat comment every 10s of silence.
func (s *Server) handleRunEvents(c *gin.Context) {
	runID := c.Param("id")
	run, ok := s.Agents.GetRun(runID)
	if !ok {
		writeError(c, apierrors.RunNotFound(runID))
		return
	}

	sw := newSSEWriter(c)
	lastSnapshot := ""

	writeUpdate := func(event string, run agent.Run) bool {
		raw, _ := json.Marshal(run)
		if _, err := c.Writer.Write([]byte("event: " + event + "\ndata: " + string(raw) + "\n\n")); err != nil {
			return false
		}
		c.Writer.Flush()
		return true
	}

	if !writeUpdate("run.update", run) {
		return
	}
	lastSnapshot = snapshotKey(run)
	if isTerminal(run.Status) {
		writeUpdate("run.completed", run)
		sw.writeDone()
		return
	}

	ticker := time.NewTicker(runPollInterval)
	defer ticker.Stop()
	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case <-heartbeat.C:
			sw.writeHeartbeat()
		case <-ticker.C:
			run, ok = s.Agents.GetRun(runID)
			if !ok {
				return
			}
			key := snapshotKey(run)
			if key == lastSnapshot {
				continue
			}
			lastSnapshot = key
			if !writeUpdate("run.update", run) {
				return
			}
			if isTerminal(run.Status) {
				writeUpdate("run.completed", run)
				sw.writeDone()
				return
			}
		}
	}
}

func isTerminal(status agent.RunStatus) bool {
	switch status {
	case agent.RunCompleted, agent.RunFailed, agent.RunCancelled:
		return true
	}
	return false
}

func snapshotKey(run agent.Run) string {
	raw, _ := json.Marshal(run)
	return string(raw)
}
