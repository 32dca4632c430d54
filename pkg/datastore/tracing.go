// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datastore

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

var storeTracer = otel.Tracer("datastore")

// loggerWithTrace returns a logger with trace_id and span_id attached when
// ctx carries a valid span.
func loggerWithTrace(ctx context.Context, logger *slog.Logger) *slog.Logger {
	spanCtx := trace.SpanContextFromContext(ctx)
	if !spanCtx.IsValid() {
		return logger
	}
	return logger.With(
		slog.String("trace_id", spanCtx.TraceID().String()),
		slog.String("span_id", spanCtx.SpanID().String()),
	)
}

// startSpan opens "datastore.<op>" when tracing is enabled, otherwise a
// no-op span.
func (s *Store[T]) startSpan(ctx context.Context, op opKind, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if !s.opts.TracingEnabled {
		return ctx, noop.Span{}
	}
	attrs = append(attrs,
		attribute.String("datastore.name", s.opts.Name),
		attribute.String("datastore.path", s.path),
	)
	return storeTracer.Start(ctx, "datastore."+string(op), trace.WithAttributes(attrs...))
}

// endSpan records err on span and ends it.
func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
