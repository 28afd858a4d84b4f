// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package telemetry wraps the OpenTelemetry tracer used for request/step
// spans and an optional InfluxDB sink for latency and queue-wait samples.
// Both are nil-safe: a zero-value Recorder silently no-ops, matching the
// nil-safety contract the rest of this codebase's persistence and eventing
// layers follow.
package telemetry

import (
	"context"
	"log/slog"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	influxapi "github.com/influxdata/influxdb-client-go/v2/api"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// tracerName identifies this module's spans in any configured exporter.
const tracerName = "github.com/opta-lmx/opta-lmx"

// Recorder emits spans for request/step execution and, if configured,
// mirrors latency/queue-wait samples to InfluxDB.
type Recorder struct {
	tracer   trace.Tracer
	writer   influxapi.WriteAPIBlocking
	client   influxdb2.Client
	bucket   string
	org      string
	logger   *slog.Logger
	propagator propagation.TextMapPropagator
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithInfluxDB points the Recorder at an InfluxDB v2 instance for latency
// point writes. A nil/empty url leaves InfluxDB writes disabled.
func WithInfluxDB(url, token, org, bucket string) Option {
	return func(r *Recorder) {
		if url == "" {
			return
		}
		r.client = influxdb2.NewClient(url, token)
		r.writer = r.client.WriteAPIBlocking(org, bucket)
		r.org = org
		r.bucket = bucket
	}
}

// WithLogger sets the logger used for Influx write failures.
func WithLogger(l *slog.Logger) Option {
	return func(r *Recorder) { r.logger = l }
}

// New returns a Recorder using the global OpenTelemetry tracer provider.
func New(opts ...Option) *Recorder {
	r := &Recorder{
		tracer:     otel.Tracer(tracerName),
		logger:     slog.Default(),
		propagator: propagation.TraceContext{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Close releases the InfluxDB client, if one was configured.
func (r *Recorder) Close() {
	if r == nil || r.client == nil {
		return
	}
	r.client.Close()
}

// StartSpan starts a span named name as a child of ctx's span, returning the
// updated context and a finish function that records err (if non-nil) before
// ending the span.
func (r *Recorder) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(err error)) {
	if r == nil || r.tracer == nil {
		return ctx, func(error) {}
	}
	ctx, span := r.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}

// ContextFromTraceparent returns a context carrying the remote span context
// described by a W3C traceparent header value, used to parent agent-run
// steps under the caller's trace.
func (r *Recorder) ContextFromTraceparent(ctx context.Context, traceparent string) context.Context {
	if r == nil || traceparent == "" {
		return ctx
	}
	carrier := propagation.MapCarrier{"traceparent": traceparent}
	return r.propagator.Extract(ctx, carrier)
}

// RecordLatency mirrors a completed request's latency to InfluxDB, if
// configured. Failures are logged and otherwise ignored.
func (r *Recorder) RecordLatency(ctx context.Context, modelID, backend string, latency time.Duration, queueWait time.Duration) {
	if r == nil || r.writer == nil {
		return
	}
	point := influxdb2.NewPoint(
		"inference_latency",
		map[string]string{"model_id": modelID, "backend": backend},
		map[string]any{
			"latency_ms":    float64(latency.Milliseconds()),
			"queue_wait_ms": float64(queueWait.Milliseconds()),
		},
		time.Now(),
	)
	if err := r.writer.WritePoint(ctx, point); err != nil {
		r.logger.Warn("telemetry: influxdb write failed", "err", err)
	}
}
