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
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Package-level meter for batch transaction metrics.
var meter = otel.Meter("datastore.batch")

var (
	batchBeginTotal    metric.Int64Counter
	batchCommitTotal   metric.Int64Counter
	batchRollbackTotal metric.Int64Counter
	batchDuration      metric.Float64Histogram
	batchOperations    metric.Int64Histogram
	batchActive        metric.Int64UpDownCounter

	batchMetricsOnce sync.Once
	batchMetricsErr  error
)

// initBatchMetrics creates the instruments once. Instruments that fail to
// register stay nil and are skipped when recording.
func initBatchMetrics() error {
	batchMetricsOnce.Do(func() {
		var err error
		if batchBeginTotal, err = meter.Int64Counter(
			"datastore_batch_begin_total",
			metric.WithDescription("Total number of batch transactions opened"),
		); err != nil {
			batchMetricsErr = err
			return
		}
		if batchCommitTotal, err = meter.Int64Counter(
			"datastore_batch_commit_total",
			metric.WithDescription("Total number of batch commits by status"),
		); err != nil {
			batchMetricsErr = err
			return
		}
		if batchRollbackTotal, err = meter.Int64Counter(
			"datastore_batch_rollback_total",
			metric.WithDescription("Total number of batch rollbacks by reason"),
		); err != nil {
			batchMetricsErr = err
			return
		}
		if batchDuration, err = meter.Float64Histogram(
			"datastore_batch_duration_seconds",
			metric.WithDescription("Time from batch open to commit or rollback"),
			metric.WithUnit("s"),
		); err != nil {
			batchMetricsErr = err
			return
		}
		if batchOperations, err = meter.Int64Histogram(
			"datastore_batch_operations",
			metric.WithDescription("Number of operations per committed batch"),
		); err != nil {
			batchMetricsErr = err
			return
		}
		if batchActive, err = meter.Int64UpDownCounter(
			"datastore_batch_active",
			metric.WithDescription("Number of currently open batches"),
		); err != nil {
			batchMetricsErr = err
			return
		}
	})
	return batchMetricsErr
}

func recordBatchBegin(ctx context.Context, store string) {
	if initBatchMetrics() != nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("store", store))
	batchBeginTotal.Add(ctx, 1, attrs)
	batchActive.Add(ctx, 1, attrs)
}

func recordBatchCommit(ctx context.Context, store string, ops int, elapsed time.Duration, success bool) {
	if initBatchMetrics() != nil {
		return
	}
	status := "success"
	if !success {
		status = "failure"
	}
	batchCommitTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("store", store),
		attribute.String("status", status),
	))
	batchDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attribute.String("store", store)))
	if success {
		batchOperations.Record(ctx, int64(ops), metric.WithAttributes(attribute.String("store", store)))
	}
	batchActive.Add(ctx, -1, metric.WithAttributes(attribute.String("store", store)))
}

func recordBatchRollback(ctx context.Context, store, reason string, elapsed time.Duration, wasOpen bool) {
	if initBatchMetrics() != nil {
		return
	}
	batchRollbackTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("store", store),
		attribute.String("reason", reason),
	))
	batchDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attribute.String("store", store)))
	if wasOpen {
		batchActive.Add(ctx, -1, metric.WithAttributes(attribute.String("store", store)))
	}
}
