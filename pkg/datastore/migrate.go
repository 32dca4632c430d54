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
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
)

// MigrateFunc transforms the current payload into the new one. old is nil
// when no valid payload exists.
type MigrateFunc[T any] func(old *T) (T, error)

// Migrate runs one transformation step: load, snapshot tagged
// ReasonBeforeMigration, transform, validate, save. The snapshot is taken
// whenever a live file exists, even one that could not be decoded.
//
// If fn fails or its result is rejected by the validator chain the live
// file is not written. The snapshot taken before the transformation is
// kept either way.
func (s *Store[T]) Migrate(ctx context.Context, fn MigrateFunc[T]) (err error) {
	start := time.Now()
	ctx, span := s.startSpan(ctx, opMigrate)
	defer func() {
		s.metrics.record(opMigrate, time.Since(start), err)
		endSpan(span, err)
	}()

	if fn == nil {
		return fmt.Errorf("migrate %s: nil transform", s.opts.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return ErrClosed
	}

	current, found, err := s.loadLocked(ctx)
	if err != nil {
		return fmt.Errorf("migrate %s: %w", s.opts.Name, err)
	}
	span.SetAttributes(attribute.Bool("datastore.found", found))

	var old *T
	if found {
		old = &current
	}
	// A live file that did not decode is still snapshotted before it is
	// overwritten.
	desc, err := s.backupLocked(ctx, ReasonBeforeMigration)
	switch {
	case err == nil:
		s.debug(ctx, "pre-migration backup created", slog.String("backup", desc.Path))
	case !errors.Is(err, ErrNoLiveFile):
		return fmt.Errorf("migrate %s: pre-migration backup: %w", s.opts.Name, err)
	}

	next, err := fn(old)
	if err != nil {
		return fmt.Errorf("migrate %s: transform: %w", s.opts.Name, err)
	}
	if err := s.saveLocked(ctx, next); err != nil {
		return fmt.Errorf("migrate %s: %w", s.opts.Name, err)
	}

	loggerWithTrace(ctx, s.logger).Info("migration applied", slog.Bool("had_payload", found))
	return nil
}
