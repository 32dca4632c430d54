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
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
)

// Store persists one payload of type T in one file.
//
// All operations on a Store are serialized by an instance mutex. Separate
// Store instances pointing at the same path do not coordinate; the last
// rename wins.
//
// # Thread Safety
//
// Safe for concurrent use.
type Store[T any] struct {
	path string
	opts Options[T]

	ser        Serializer
	writer     *atomicWriter
	fs         fileSystem
	metrics    *metricsCollector
	validators validatorChain[T]
	logger     *slog.Logger
	now        func() time.Time

	mu               sync.Mutex
	closed           atomic.Bool
	lastBackupMillis int64

	// txMu guards activeTx only, so Batch() fails fast while a commit
	// holds mu.
	txMu     sync.Mutex
	activeTx *Batch[T]
}

// New creates a Store bound to path. No I/O happens until the first
// operation.
//
// # Inputs
//
//   - path: The live file. Made absolute.
//   - opts: Usually DefaultOptions with overrides.
//
// # Outputs
//
//   - *Store[T]: Ready store.
//   - error: ErrInvalidOptions if opts fail validation.
func New[T any](path string, opts Options[T]) (*Store[T], error) {
	return newStore(path, opts, osFS{})
}

func newStore[T any](path string, opts Options[T], fsys fileSystem) (*Store[T], error) {
	if path == "" {
		return nil, fmt.Errorf("%w: empty path", ErrInvalidOptions)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve path: %v", ErrInvalidOptions, err)
	}
	opts, err = opts.normalize(abs)
	if err != nil {
		return nil, err
	}
	if abs, err := filepath.Abs(opts.BackupDir); err == nil {
		opts.BackupDir = abs
	}

	logger := opts.Logger.With(
		slog.String("component", "datastore"),
		slog.String("store", opts.Name),
	)
	metrics := newMetricsCollector(opts.Name)

	s := &Store[T]{
		path:    abs,
		opts:    opts,
		ser:     opts.Serializer,
		fs:      fsys,
		metrics: metrics,
		logger:  logger,
		now:     time.Now,
		writer: &atomicWriter{
			fs:          fsys,
			policy:      retryPolicy{MaxRetries: opts.MaxRetries, BaseDelay: opts.RetryDelay},
			mode:        opts.FileMode,
			mkdirs:      opts.CreateDirectories,
			compress:    opts.CompressionEnabled,
			threshold:   opts.CompressionThreshold,
			compression: opts.Compression,
			metrics:     metrics,
			logger:      logger,
			debug:       opts.EnableDebugLogging,
		},
	}
	s.validators.add("options", opts.Validator)
	return s, nil
}

// Path returns the absolute path of the live file.
func (s *Store[T]) Path() string { return s.path }

// BackupDir returns the absolute path of the snapshot directory.
func (s *Store[T]) BackupDir() string { return s.opts.BackupDir }

// Name returns the store's metrics label.
func (s *Store[T]) Name() string { return s.opts.Name }

func (s *Store[T]) debug(ctx context.Context, msg string, args ...any) {
	if !s.opts.EnableDebugLogging {
		return
	}
	loggerWithTrace(ctx, s.logger).Debug(msg, args...)
}

// detached keeps trace values but drops cancellation: an atomic write or a
// commit runs to completion once started.
func detached(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}

// -----------------------------------------------------------------------------
// Save / Load
// -----------------------------------------------------------------------------

// Save validates v, serializes it and atomically replaces the live file.
// A payload rejected by the validator chain is never written.
func (s *Store[T]) Save(ctx context.Context, v T) (err error) {
	start := time.Now()
	ctx, span := s.startSpan(ctx, opSave)
	defer func() {
		s.metrics.record(opSave, time.Since(start), err)
		endSpan(span, err)
	}()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return ErrClosed
	}
	return s.saveLocked(ctx, v)
}

func (s *Store[T]) saveLocked(ctx context.Context, v T) error {
	raw, err := s.encode(v)
	if err != nil {
		return err
	}
	if err := s.writer.writePayload(detached(ctx), s.path, raw); err != nil {
		loggerWithTrace(ctx, s.logger).Error("save failed", slog.String("path", s.path), slog.String("error", err.Error()))
		return fmt.Errorf("save %s: %w", s.opts.Name, err)
	}
	s.debug(ctx, "payload saved", slog.String("path", s.path), slog.Int("bytes", len(raw)))

	if err := s.rotateLocked(ctx); err != nil {
		loggerWithTrace(ctx, s.logger).Warn("backup rotation failed", slog.String("error", err.Error()))
	}
	return nil
}

// encode validates and serializes v.
func (s *Store[T]) encode(v T) ([]byte, error) {
	if err := s.validators.check(v); err != nil {
		return nil, err
	}
	raw, err := s.ser.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("serialize payload: %w", err)
	}
	return raw, nil
}

// decode deserializes raw and runs the validator chain.
func (s *Store[T]) decode(raw []byte) (T, error) {
	var v T
	if err := s.ser.Unmarshal(raw, &v); err != nil {
		var zero T
		return zero, err
	}
	if err := s.validators.check(v); err != nil {
		var zero T
		return zero, err
	}
	return v, nil
}

// Load reads the live file.
//
// # Outputs
//
//   - T: The payload, or the zero value.
//   - bool: False when no valid payload exists.
//   - error: Only for I/O failures that survived the retry loop.
//
// A live file that cannot be parsed or fails validation is replaced with
// the newest snapshot that passes both, and that snapshot's payload is
// returned. If no snapshot qualifies, Load returns (zero, false, nil) and
// logs a warning.
func (s *Store[T]) Load(ctx context.Context) (v T, found bool, err error) {
	start := time.Now()
	ctx, span := s.startSpan(ctx, opLoad)
	defer func() {
		span.SetAttributes(attribute.Bool("datastore.found", found))
		s.metrics.record(opLoad, time.Since(start), err)
		endSpan(span, err)
	}()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return v, false, ErrClosed
	}
	return s.loadLocked(ctx)
}

func (s *Store[T]) loadLocked(ctx context.Context) (T, bool, error) {
	var zero T
	raw, ok, err := s.writer.readPayload(detached(ctx), s.path)
	if err != nil {
		var pe *ParseError
		if !errors.As(err, &pe) {
			return zero, false, fmt.Errorf("load %s: %w", s.opts.Name, err)
		}
	} else if !ok {
		s.debug(ctx, "live file absent", slog.String("path", s.path))
		return zero, false, nil
	} else {
		v, derr := s.decode(raw)
		if derr == nil {
			s.debug(ctx, "payload loaded", slog.String("path", s.path), slog.Int("bytes", len(raw)))
			return v, true, nil
		}
		err = derr
	}

	s.metrics.recordError()
	logger := loggerWithTrace(ctx, s.logger)
	logger.Warn("live file unusable, attempting recovery from backups",
		slog.String("path", s.path),
		slog.String("error", err.Error()),
	)
	v, desc, rerr := s.recoverLocked(ctx)
	if rerr != nil {
		logger.Warn("recovery failed, no valid payload available",
			slog.String("path", s.path),
			slog.String("error", rerr.Error()),
		)
		return zero, false, nil
	}
	logger.Warn("recovered payload from backup",
		slog.String("path", s.path),
		slog.String("backup", desc.Path),
		slog.Int64("backup_timestamp_ms", desc.TimestampMillis),
	)
	return v, true, nil
}

// recoverLocked rewrites the live file from the newest valid snapshot.
func (s *Store[T]) recoverLocked(ctx context.Context) (T, BackupDescriptor, error) {
	var zero T
	backups, err := s.listBackups()
	if err != nil {
		return zero, BackupDescriptor{}, err
	}
	for _, b := range backups {
		data, ok, err := s.writer.readRaw(detached(ctx), b.Path)
		if err != nil || !ok {
			continue
		}
		raw, err := decompress(data)
		if err != nil {
			continue
		}
		v, err := s.decode(raw)
		if err != nil {
			s.debug(ctx, "skipping invalid backup", slog.String("backup", b.Path), slog.String("error", err.Error()))
			continue
		}
		if err := s.writer.writeRaw(detached(ctx), s.path, data); err != nil {
			return zero, b, fmt.Errorf("rewrite live file from %s: %w", b.Path, err)
		}
		return v, b, nil
	}
	return zero, BackupDescriptor{}, ErrBackupNotFound
}

// -----------------------------------------------------------------------------
// Validation
// -----------------------------------------------------------------------------

// Validate reports whether v passes the validator chain.
func (s *Store[T]) Validate(v T) bool {
	return s.validators.check(v) == nil
}

// Check runs the validator chain and returns the first rejection as a
// *ValidationError.
func (s *Store[T]) Check(v T) error {
	return s.validators.check(v)
}

// AddValidationHook appends fn to the validator chain. A nil fn is ignored.
func (s *Store[T]) AddValidationHook(name string, fn Validator[T]) {
	if name == "" {
		name = fmt.Sprintf("hook-%d", s.validators.len())
	}
	s.validators.add(name, fn)
}

// -----------------------------------------------------------------------------
// Inspection
// -----------------------------------------------------------------------------

// FileStats describes the live file.
type FileStats struct {
	Size         int64     `json:"size"`
	LastModified time.Time `json:"last_modified"`
	// Created is the birth time where the platform reports one, otherwise
	// the modification time.
	Created time.Time `json:"created"`
}

// Exists reports whether the live file is present.
func (s *Store[T]) Exists(ctx context.Context) (exists bool, err error) {
	start := time.Now()
	_, span := s.startSpan(ctx, opExists)
	defer func() {
		s.metrics.record(opExists, time.Since(start), err)
		endSpan(span, err)
	}()

	_, err = s.fs.Stat(s.path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("stat %s: %w", s.path, err)
}

// Stats returns size and timestamps of the live file, or nil when absent.
func (s *Store[T]) Stats(ctx context.Context) (stats *FileStats, err error) {
	start := time.Now()
	_, span := s.startSpan(ctx, opStats)
	defer func() {
		s.metrics.record(opStats, time.Since(start), err)
		endSpan(span, err)
	}()

	info, err := s.fs.Stat(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("stat %s: %w", s.path, err)
	}
	created, ok := birthTime(s.path)
	if !ok {
		created = info.ModTime()
	}
	return &FileStats{
		Size:         info.Size(),
		LastModified: info.ModTime(),
		Created:      created,
	}, nil
}

// GetMetrics returns a snapshot of the store's counters.
func (s *Store[T]) GetMetrics() Metrics { return s.metrics.snapshot() }

// ResetMetrics zeroes the counters. Files are not touched.
func (s *Store[T]) ResetMetrics() { s.metrics.reset() }

// -----------------------------------------------------------------------------
// Delete / Close
// -----------------------------------------------------------------------------

// Delete removes the live file, and this store's snapshots with it when
// includeBackups is set. Snapshots owned by other stores sharing the
// backup directory are kept. Deleting an absent file is not an error.
func (s *Store[T]) Delete(ctx context.Context, includeBackups bool) (err error) {
	start := time.Now()
	ctx, span := s.startSpan(ctx, opDelete, attribute.Bool("datastore.include_backups", includeBackups))
	defer func() {
		s.metrics.record(opDelete, time.Since(start), err)
		endSpan(span, err)
	}()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return ErrClosed
	}

	removed, err := s.writer.remove(detached(ctx), s.path)
	if err != nil {
		return fmt.Errorf("delete %s: %w", s.opts.Name, err)
	}
	s.debug(ctx, "live file deleted", slog.String("path", s.path), slog.Bool("existed", removed))
	if !includeBackups {
		return nil
	}

	backups, err := s.listBackups()
	if err != nil {
		return fmt.Errorf("list backups: %w", err)
	}
	var errs []error
	for _, b := range backups {
		if err := s.removeSnapshot(ctx, b.Path); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("delete backups of %s: %w", s.opts.Name, errors.Join(errs...))
	}
	s.metrics.setBackupCount(0)
	// Only succeeds when no other store shares the directory.
	_ = s.fs.Remove(s.opts.BackupDir)
	return nil
}

// Close marks the store closed and rolls back any open batch. Later calls
// return ErrClosed.
func (s *Store[T]) Close() error {
	s.txMu.Lock()
	tx := s.activeTx
	s.txMu.Unlock()
	if tx != nil {
		_ = tx.Rollback()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed.Store(true)
	return nil
}
