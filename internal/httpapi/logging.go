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
	"log/slog"
	"regexp"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// redactedAttrKeys are slog attribute keys whose values are replaced
// outright, never partially matched: unlike a prompt body, these are
// single-purpose secret fields with no legitimate non-secret content.
var redactedAttrKeys = map[string]bool{
	"api_key":       true,
	"token":         true,
	"authorization": true,
	"hf_token":      true,
}

// bearerPattern catches a bearer token embedded inside a larger log value
// (an error message that happened to include the header), generalizing the
// LLM-response secret patterns to arbitrary log-attribute values.
var bearerPattern = regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9._-]{10,}`)

// RedactAttr is an slog.HandlerOptions.ReplaceAttr hook: any attribute
// named like a credential is fully redacted, and any string value
// containing a bearer token has that token scrubbed.
func RedactAttr(groups []string, a slog.Attr) slog.Attr {
	if redactedAttrKeys[a.Key] {
		a.Value = slog.StringValue("[REDACTED]")
		return a
	}
	if a.Value.Kind() == slog.KindString {
		if s := a.Value.String(); bearerPattern.MatchString(s) {
			a.Value = slog.StringValue(bearerPattern.ReplaceAllString(s, "[REDACTED:bearer_token]"))
		}
	}
	return a
}

// NewLogger builds the process-wide *slog.Logger with RedactAttr wired in,
// for use by cmd/optalmxd at startup.
func NewLogger(handler slog.Handler) *slog.Logger {
	return slog.New(handler)
}

func requestLoggingMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set("request_id", requestID)
		c.Header("X-Request-ID", requestID)

		start := time.Now()
		c.Next()

		logger.Info("http_request",
			"request_id", requestID,
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
}
