// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package apierrors implements the OpenAI-compatible error envelope and the
// error-code taxonomy used across the HTTP surface and logged at every
// layer that wraps it.
package apierrors

import (
	"fmt"
	"net/http"
)

// Code is one entry in the control plane's error taxonomy.
type Code string

const (
	CodeModelNotFound       Code = "model_not_found"
	CodeModelLoading        Code = "model_loading"
	CodeModelUnstable       Code = "model_unstable"
	CodeModelQuarantined    Code = "model_quarantined"
	CodeInsufficientMemory  Code = "insufficient_memory"
	CodeIncompatibleRuntime Code = "incompatible_runtime"
	CodeRateLimitExceeded   Code = "rate_limit_exceeded"
	CodeQueueTimeout        Code = "queue_timeout"
	CodeInferenceTimeout    Code = "inference_timeout"
	CodeBackendError        Code = "backend_error"
	CodeInvalidRequest      Code = "invalid_request_error"
	CodeNotSupported        Code = "not_supported"
	CodeRunNotFound         Code = "run_not_found"
	CodeIdempotencyConflict Code = "idempotency_conflict"
	CodeBudgetExceeded      Code = "budget_exceeded"
	CodeDownloadFailed      Code = "download_failed"
	CodeInsufficientDisk    Code = "insufficient_disk"
	CodeInternal            Code = "internal_error"
)

var statusByCode = map[Code]int{
	CodeModelNotFound:       http.StatusNotFound,
	CodeModelLoading:        http.StatusConflict,
	CodeModelUnstable:       http.StatusConflict,
	CodeModelQuarantined:    http.StatusConflict,
	CodeInsufficientMemory:  http.StatusInsufficientStorage,
	CodeIncompatibleRuntime: http.StatusUnprocessableEntity,
	CodeRateLimitExceeded:   http.StatusTooManyRequests,
	CodeQueueTimeout:        http.StatusGatewayTimeout,
	CodeInferenceTimeout:    http.StatusGatewayTimeout,
	CodeBackendError:        http.StatusBadGateway,
	CodeInvalidRequest:      http.StatusBadRequest,
	CodeNotSupported:        http.StatusBadRequest,
	CodeRunNotFound:         http.StatusNotFound,
	CodeIdempotencyConflict: http.StatusConflict,
	CodeBudgetExceeded:      http.StatusPaymentRequired,
	CodeDownloadFailed:      http.StatusBadGateway,
	CodeInsufficientDisk:    http.StatusInsufficientStorage,
	CodeInternal:            http.StatusInternalServerError,
}

// typeByCode maps each code to the OpenAI-style error category surfaced in
// the envelope's "type" field.
var typeByCode = map[Code]string{
	CodeModelNotFound:       "not_found_error",
	CodeModelLoading:        "conflict_error",
	CodeModelUnstable:       "conflict_error",
	CodeModelQuarantined:    "conflict_error",
	CodeInsufficientMemory:  "insufficient_capacity_error",
	CodeIncompatibleRuntime: "invalid_request_error",
	CodeRateLimitExceeded:   "rate_limit_error",
	CodeQueueTimeout:        "timeout_error",
	CodeInferenceTimeout:    "timeout_error",
	CodeBackendError:        "api_error",
	CodeInvalidRequest:      "invalid_request_error",
	CodeNotSupported:        "invalid_request_error",
	CodeRunNotFound:         "not_found_error",
	CodeIdempotencyConflict: "conflict_error",
	CodeBudgetExceeded:      "invalid_request_error",
	CodeDownloadFailed:      "api_error",
	CodeInsufficientDisk:    "insufficient_capacity_error",
	CodeInternal:            "api_error",
}

func typeForCode(code Code) string {
	if t, ok := typeByCode[code]; ok {
		return t
	}
	return "api_error"
}

// Error is the structured error carried through every layer of the control
// plane and serialized verbatim at the HTTP boundary.
type Error struct {
	Message    string `json:"message"`
	Type       string `json:"type"`
	Code       Code   `json:"code"`
	Param      string `json:"param,omitempty"`
	RetryAfter int    `json:"retry_after,omitempty"`
	cause      error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the wrapped cause, if any, to errors.Is/errors.As.
func (e *Error) Unwrap() error { return e.cause }

// HTTPStatus returns the status code the httpapi layer should respond with.
func (e *Error) HTTPStatus() int {
	if s, ok := statusByCode[e.Code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// Envelope is the wire shape: {"error": {...}}.
type Envelope struct {
	Error *Error `json:"error"`
}

func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Type: typeForCode(code), Message: fmt.Sprintf(format, args...)}
}

func Wrap(code Code, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Type: typeForCode(code), Message: fmt.Sprintf(format, args...), cause: cause}
}

func ModelNotFound(modelID string) *Error {
	return New(CodeModelNotFound, "model %q is not known", modelID)
}

// ModelUnstable reports that generation was refused because the model is
// quarantined after repeated runtime failures.
func ModelUnstable(modelID string) *Error {
	return New(CodeModelUnstable, "model %q is quarantined after repeated runtime failures", modelID)
}

// ModelQuarantined reports that a loader probe failed and the model was
// placed into quarantine before ever becoming routable.
func ModelQuarantined(modelID string) *Error {
	return New(CodeModelQuarantined, "model %q is quarantined after repeated runtime failures", modelID)
}

func InsufficientMemory(required, available, thresholdPct float64) *Error {
	return New(CodeInsufficientMemory,
		"required %.2fGB exceeds available %.2fGB under threshold %.1f%%", required, available, thresholdPct)
}

func IncompatibleRuntime(modelID, reason string) *Error {
	return New(CodeIncompatibleRuntime, "model %q is incompatible with the requested runtime: %s", modelID, reason)
}

func RateLimited(retryAfterSec int) *Error {
	return &Error{
		Code:       CodeRateLimitExceeded,
		Type:       typeForCode(CodeRateLimitExceeded),
		Message:    "too many concurrent requests",
		RetryAfter: retryAfterSec,
	}
}

func QueueTimeout() *Error {
	return New(CodeQueueTimeout, "timed out waiting for a concurrency slot")
}

func InferenceTimeout() *Error {
	return New(CodeInferenceTimeout, "inference did not complete before the configured timeout")
}

func BackendError(cause error) *Error {
	return Wrap(CodeBackendError, cause, "backend returned an error")
}

func InvalidRequest(format string, args ...any) *Error {
	return New(CodeInvalidRequest, format, args...)
}

func RunNotFound(runID string) *Error {
	return New(CodeRunNotFound, "run %q not found", runID)
}

func IdempotencyConflict(runID string) *Error {
	return New(CodeIdempotencyConflict, "run with fingerprint matching %q already exists with different parameters", runID)
}

func BudgetExceeded(runID string) *Error {
	return New(CodeBudgetExceeded, "run %q exceeded its configured step or token budget", runID)
}

func DownloadFailed(cause error) *Error {
	return Wrap(CodeDownloadFailed, cause, "download failed")
}

func InsufficientDisk(requiredBytes, freeBytes int64) *Error {
	return New(CodeInsufficientDisk, "required %d bytes exceeds free %d bytes", requiredBytes, freeBytes)
}

func Internal(cause error) *Error {
	return Wrap(CodeInternal, cause, "internal error")
}
