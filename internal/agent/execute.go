// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package agent

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/tmc/langchaingo/llms"
	"go.opentelemetry.io/otel/attribute"

	"github.com/opta-lmx/opta-lmx/internal/generation"
	"github.com/opta-lmx/opta-lmx/internal/readiness"
)

// execute runs run to completion (or failure/cancellation) and persists
// every status transition along the way.
func (s *Scheduler) execute(ctx context.Context, run *Run) {
	s.setStatus(run, RunRunning, "")

	timeout := time.Duration(run.Request.TimeoutSec) * time.Second
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan struct{})
	var runErr error
	go func() {
		defer close(done)
		switch run.Request.Strategy {
		case StrategyParallelMap:
			runErr = s.executeParallelMap(runCtx, run)
		default:
			runErr = s.executeHandoff(runCtx, run)
		}
	}()

	select {
	case <-done:
	case <-runCtx.Done():
		if runCtx.Err() == context.DeadlineExceeded {
			runErr = fmt.Errorf("run timeout exceeded")
		} else {
			runErr = ctx.Err()
		}
		<-done
	}

	s.mu.Lock()
	cancelled := run.Status == RunCancelled
	s.mu.Unlock()
	if cancelled {
		s.persist(run)
		return
	}

	if runErr != nil {
		s.setStatus(run, RunFailed, runErr.Error())
		return
	}
	s.setStatus(run, RunCompleted, "")
}

func (s *Scheduler) setStatus(run *Run, status RunStatus, errMsg string) {
	s.mu.Lock()
	run.Status = status
	run.Error = errMsg
	run.UpdatedAt = time.Now()
	s.mu.Unlock()
	s.persist(run)
}

// resolveModel picks the model for a role: role_models[role] if present,
// else the run's default model.
func resolveModel(req Request, role string) string {
	if m, ok := req.RoleModels[role]; ok && m != "" {
		return m
	}
	return req.Model
}

// executeHandoff runs roles sequentially; each step's system prompt is
// prefixed with the accumulated transcript of prior steps' output.
func (s *Scheduler) executeHandoff(ctx context.Context, run *Run) error {
	var transcript strings.Builder
	accumulatedTokens := 0

	for i := range run.Steps {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		step := &run.Steps[i]
		output, _, err := s.runStep(ctx, run, step, transcript.String(), &accumulatedTokens)
		if err != nil {
			return err
		}
		transcript.WriteString(fmt.Sprintf("[%s]: %s\n", step.Role, output))
	}
	run.Result = transcript.String()
	return nil
}

// executeParallelMap dispatches every role concurrently, bounded by
// max_parallelism. Any step error cancels siblings and fails the run while
// preserving the original failing step's error; siblings are marked
// cancelled rather than failed.
func (s *Scheduler) executeParallelMap(ctx context.Context, run *Run) error {
	parallelism := run.Request.MaxParallelism
	if parallelism <= 0 || parallelism > len(run.Steps) {
		parallelism = len(run.Steps)
	}
	if parallelism <= 0 {
		return nil
	}

	groupCtx, cancelGroup := context.WithCancel(ctx)
	defer cancelGroup()

	sem := make(chan struct{}, parallelism)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error
	accumulatedTokens := 0

	for i := range run.Steps {
		i := i
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			step := &run.Steps[i]
			if groupCtx.Err() != nil {
				s.mu.Lock()
				step.Status = StepCancelled
				s.mu.Unlock()
				return
			}
			_, _, err := s.runStep(groupCtx, run, step, "", &accumulatedTokens)
			if err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
					cancelGroup()
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if firstErr != nil {
		for i := range run.Steps {
			step := &run.Steps[i]
			if step.Status == StepPending || step.Status == StepRunning {
				step.Status = StepCancelled
			}
		}
		return firstErr
	}

	var outputs []string
	for _, step := range run.Steps {
		outputs = append(outputs, fmt.Sprintf("[%s]: %s", step.Role, step.Output))
	}
	run.Result = strings.Join(outputs, "\n")
	return nil
}

// runStep resolves the model, checks the token budget, calls generate with
// retry on transient errors, and records the step's outcome on run.Steps.
func (s *Scheduler) runStep(ctx context.Context, run *Run, step *Step, precedingTranscript string, accumulatedTokens *int) (string, int, error) {
	req := run.Request
	modelID := resolveModel(req, step.Role)
	if modelID == "" {
		return s.failStep(step, fmt.Errorf("no model resolved for role %q", step.Role))
	}
	if s.cfg.ModelReadiness != nil {
		rec, ok := s.cfg.ModelReadiness(modelID)
		if !ok || rec.State != readiness.StateRoutable {
			return s.failStep(step, fmt.Errorf("no routable model for role %q (model %q)", step.Role, modelID))
		}
	}

	if req.TokenBudget > 0 {
		estimate := len(req.Prompt) / 4
		if *accumulatedTokens+estimate > req.TokenBudget {
			return s.failStep(step, fmt.Errorf("token budget exhausted before role %q", step.Role))
		}
	}

	now := time.Now()
	s.mu.Lock()
	step.Status = StepRunning
	step.StartedAt = &now
	s.mu.Unlock()
	s.persist(run)

	systemPrompt := fmt.Sprintf("You are acting as the %s agent.", step.Role)
	if precedingTranscript != "" {
		systemPrompt += "\nPrior steps:\n" + precedingTranscript
	}
	messages := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, systemPrompt),
		llms.TextParts(llms.ChatMessageTypeHuman, req.Prompt),
	}

	spanCtx := ctx
	var endSpan func(error)
	if s.cfg.Telemetry != nil {
		spanCtx, endSpan = s.cfg.Telemetry.StartSpan(ctx, "agent.step", attribute.String("role", step.Role), attribute.String("model_id", modelID))
	}

	attempts := s.cfg.StepRetryAttempts
	var result *generation.Result
	var err error
	for attempt := 0; attempt <= attempts; attempt++ {
		result, err = s.cfg.Generate(spanCtx, generation.Request{
			ModelID:  modelID,
			Messages: messages,
			ClientID: req.SubmittedBy,
			Priority: req.Priority,
		})
		if err == nil || !transientError(err) || attempt == attempts {
			break
		}
		backoffSec := s.cfg.StepRetryBackoffSec * float64(attempt+1)
		backoff := time.Duration(backoffSec * float64(time.Second))
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			err = ctx.Err()
			attempt = attempts
		}
	}
	if endSpan != nil {
		endSpan(err)
	}
	if err != nil {
		return s.failStep(step, err)
	}

	completedAt := time.Now()
	s.mu.Lock()
	step.Status = StepCompleted
	step.Output = result.Message.Content
	step.TokensUsed = result.Usage.TotalTokens
	step.CompletedAt = &completedAt
	*accumulatedTokens += result.Usage.TotalTokens
	s.mu.Unlock()
	s.persist(run)

	return result.Message.Content, result.Usage.TotalTokens, nil
}

func (s *Scheduler) failStep(step *Step, err error) (string, int, error) {
	now := time.Now()
	s.mu.Lock()
	step.Status = StepFailed
	step.Error = err.Error()
	step.CompletedAt = &now
	s.mu.Unlock()
	return "", 0, err
}
