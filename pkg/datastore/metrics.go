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
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// -----------------------------------------------------------------------------
// Prometheus Metrics
// -----------------------------------------------------------------------------

var (
	operationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "datastore_operations_total",
		Help: "Total store operations by store, operation and status",
	}, []string{"store", "operation", "status"})

	operationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "datastore_operation_duration_seconds",
		Help:    "Store operation latency",
		Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"store", "operation"})

	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "datastore_retries_total",
		Help: "Total filesystem retry attempts",
	}, []string{"store", "operation"})

	bytesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "datastore_bytes_total",
		Help: "Bytes moved to and from disk",
	}, []string{"store", "direction"})

	backupCountGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "datastore_backups",
		Help: "Snapshots present after the last rotation",
	}, []string{"store"})
)

// -----------------------------------------------------------------------------
// Per-instance Metrics
// -----------------------------------------------------------------------------

// Metrics is a point-in-time snapshot of a store's operational counters.
type Metrics struct {
	SaveCount         int64     `json:"save_count"`
	LoadCount         int64     `json:"load_count"`
	ErrorCount        int64     `json:"error_count"`
	RetryCount        int64     `json:"retry_count"`
	TotalBytesWritten int64     `json:"total_bytes_written"`
	TotalBytesRead    int64     `json:"total_bytes_read"`
	AvgSaveLatencyMs  float64   `json:"avg_save_latency_ms"`
	AvgLoadLatencyMs  float64   `json:"avg_load_latency_ms"`
	LastOperationTime time.Time `json:"last_operation_time"`
}

// LastOperationTimeMillis returns the last operation time as Unix milliseconds,
// or 0 if no operation has completed.
func (m Metrics) LastOperationTimeMillis() int64 {
	if m.LastOperationTime.IsZero() {
		return 0
	}
	return m.LastOperationTime.UnixMilli()
}

type opKind string

const (
	opSave    opKind = "save"
	opLoad    opKind = "load"
	opBackup  opKind = "backup"
	opRestore opKind = "restore"
	opMigrate opKind = "migrate"
	opDelete  opKind = "delete"
	opCommit  opKind = "commit"
	opExists  opKind = "exists"
	opStats   opKind = "stats"
	opHealth  opKind = "health"
	opBackups opKind = "list_backups"
)

// metricsCollector holds the running counters of one store. All updates
// happen under mu so the running means stay consistent with their counts.
type metricsCollector struct {
	store string
	now   func() time.Time

	mu sync.Mutex
	m  Metrics
}

func newMetricsCollector(store string) *metricsCollector {
	return &metricsCollector{store: store, now: time.Now}
}

// record folds one completed public operation into the counters.
func (c *metricsCollector) record(op opKind, elapsed time.Duration, err error) {
	ms := float64(elapsed) / float64(time.Millisecond)

	c.mu.Lock()
	switch op {
	case opSave, opRestore, opMigrate:
		c.m.SaveCount++
		c.m.AvgSaveLatencyMs += (ms - c.m.AvgSaveLatencyMs) / float64(c.m.SaveCount)
	case opLoad:
		c.m.LoadCount++
		c.m.AvgLoadLatencyMs += (ms - c.m.AvgLoadLatencyMs) / float64(c.m.LoadCount)
	}
	if err != nil {
		c.m.ErrorCount++
	}
	c.m.LastOperationTime = c.now()
	c.mu.Unlock()

	status := "success"
	if err != nil {
		status = "error"
	}
	operationsTotal.WithLabelValues(c.store, string(op), status).Inc()
	operationDuration.WithLabelValues(c.store, string(op)).Observe(elapsed.Seconds())
}

// recordSaves folds n payload writes of one batch commit into the save
// counters, spreading the commit latency evenly.
func (c *metricsCollector) recordSaves(n int, elapsed time.Duration) {
	if n <= 0 {
		return
	}
	per := float64(elapsed) / float64(time.Millisecond) / float64(n)
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := 0; i < n; i++ {
		c.m.SaveCount++
		c.m.AvgSaveLatencyMs += (per - c.m.AvgSaveLatencyMs) / float64(c.m.SaveCount)
	}
}

// recordError counts a failure that happened outside record, e.g. a
// recovered corrupt file during an otherwise successful load.
func (c *metricsCollector) recordError() {
	c.mu.Lock()
	c.m.ErrorCount++
	c.mu.Unlock()
}

func (c *metricsCollector) recordRetry(op string) {
	c.mu.Lock()
	c.m.RetryCount++
	c.mu.Unlock()
	retriesTotal.WithLabelValues(c.store, op).Inc()
}

func (c *metricsCollector) addBytesWritten(n int) {
	if n <= 0 {
		return
	}
	c.mu.Lock()
	c.m.TotalBytesWritten += int64(n)
	c.mu.Unlock()
	bytesTotal.WithLabelValues(c.store, "write").Add(float64(n))
}

func (c *metricsCollector) addBytesRead(n int) {
	if n <= 0 {
		return
	}
	c.mu.Lock()
	c.m.TotalBytesRead += int64(n)
	c.mu.Unlock()
	bytesTotal.WithLabelValues(c.store, "read").Add(float64(n))
}

func (c *metricsCollector) setBackupCount(n int) {
	backupCountGauge.WithLabelValues(c.store).Set(float64(n))
}

func (c *metricsCollector) snapshot() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.m
}

// reset zeroes the counters. On-disk state is not touched.
func (c *metricsCollector) reset() {
	c.mu.Lock()
	c.m = Metrics{}
	c.mu.Unlock()
}
