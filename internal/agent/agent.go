// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package agent implements the multi-agent run scheduler: queueing,
// handoff/parallel_map execution strategies, retry, token budgeting,
// idempotent submission, cooperative cancellation, and startup recovery of
// interrupted runs.
package agent

import (
	"time"

	"github.com/opta-lmx/opta-lmx/internal/concurrency"
)

// Strategy selects how a run's roles are executed.
type Strategy string

const (
	StrategyHandoff     Strategy = "handoff"
	StrategyParallelMap Strategy = "parallel_map"
)

// RunStatus is the lifecycle state of an AgentRun.
type RunStatus string

const (
	RunQueued    RunStatus = "queued"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// StepStatus is the lifecycle state of an AgentStep.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepCancelled StepStatus = "cancelled"
)

// Request is the normalized submission accepted by Scheduler.Submit.
type Request struct {
	Strategy         Strategy             `json:"strategy"`
	Prompt           string               `json:"prompt"`
	Roles            []string             `json:"roles"`
	Model            string               `json:"model,omitempty"`
	RoleModels       map[string]string    `json:"role_models,omitempty"`
	MaxParallelism   int                  `json:"max_parallelism,omitempty"`
	TimeoutSec       int                  `json:"timeout_sec,omitempty"`
	Priority         concurrency.Priority `json:"priority,omitempty"`
	TokenBudget      int                  `json:"token_budget,omitempty"`
	Traceparent      string               `json:"traceparent,omitempty"`
	SubmittedBy      string               `json:"submitted_by,omitempty"`
	Metadata         map[string]any       `json:"metadata,omitempty"`
	ApprovalRequired bool                 `json:"approval_required,omitempty"`
}

// Step is one role's execution record within a Run.
type Step struct {
	ID          string     `json:"id"`
	Role        string     `json:"role"`
	Status      StepStatus `json:"status"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Output      string     `json:"output,omitempty"`
	TokensUsed  int        `json:"tokens_used,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// Run is the persisted record of one agent submission.
type Run struct {
	ID            string    `json:"id"`
	Request       Request   `json:"request"`
	Status        RunStatus `json:"status"`
	Steps         []Step    `json:"steps"`
	Result        string    `json:"result,omitempty"`
	Error         string    `json:"error,omitempty"`
	ResolvedModel string    `json:"resolved_model,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`

	// IdempotencyKey/Fingerprint survive persistence so startup recovery can
	// rebuild the idempotency index without a separate table.
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	Fingerprint    string `json:"fingerprint,omitempty"`
}

func (r *Run) terminal() bool {
	switch r.Status {
	case RunCompleted, RunFailed, RunCancelled:
		return true
	}
	return false
}

// LegacyRequest is the single-agent `{agent, input}` envelope the original
// HTTP surface accepted before the roles/strategy shape existed.
type LegacyRequest struct {
	Agent string `json:"agent"`
	Input string `json:"input"`
	Model string `json:"model,omitempty"`
}

// CoerceLegacyRequest turns a single-agent legacy envelope into a native
// one-role handoff Request, mirroring the original _coerce_legacy_request.
func CoerceLegacyRequest(legacy LegacyRequest) Request {
	return Request{
		Strategy: StrategyHandoff,
		Prompt:   legacy.Input,
		Roles:    []string{legacy.Agent},
		Model:    legacy.Model,
	}
}
