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
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
)

// DefaultBackupReason is used when Backup is called with an empty reason.
const DefaultBackupReason = "manual"

// ReasonBeforeMigration tags the snapshot taken by Migrate.
const ReasonBeforeMigration = "before_migration"

// BackupDescriptor describes one snapshot on disk.
type BackupDescriptor struct {
	Path            string    `json:"path"`
	TimestampMillis int64     `json:"timestamp_ms"`
	Timestamp       time.Time `json:"timestamp"`
	SizeBytes       int64     `json:"size_bytes"`
	Reason          string    `json:"reason"`
}

// Backup copies the current live file into the backup directory as
// "<timestampMillis>_<reason><ext>" and rotates old snapshots.
//
// # Inputs
//
//   - ctx: Used for tracing only.
//   - reason: Free text; characters outside [A-Za-z0-9_-] become '-'.
//     Empty means DefaultBackupReason.
//
// # Outputs
//
//   - BackupDescriptor: The new snapshot.
//   - error: ErrNoLiveFile when there is nothing to back up.
func (s *Store[T]) Backup(ctx context.Context, reason string) (desc BackupDescriptor, err error) {
	start := time.Now()
	ctx, span := s.startSpan(ctx, opBackup, attribute.String("datastore.reason", reason))
	defer func() {
		s.metrics.record(opBackup, time.Since(start), err)
		endSpan(span, err)
	}()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return desc, ErrClosed
	}
	return s.backupLocked(ctx, reason)
}

func (s *Store[T]) backupLocked(ctx context.Context, reason string) (BackupDescriptor, error) {
	data, ok, err := s.writer.readRaw(detached(ctx), s.path)
	if err != nil {
		return BackupDescriptor{}, fmt.Errorf("backup %s: %w", s.opts.Name, err)
	}
	if !ok {
		return BackupDescriptor{}, fmt.Errorf("backup %s: %w", s.opts.Name, ErrNoLiveFile)
	}

	reason = sanitizeReason(reason)

	// Backups always need their directory, regardless of CreateDirectories.
	if err := s.fs.MkdirAll(s.opts.BackupDir, dirMode); err != nil {
		return BackupDescriptor{}, fmt.Errorf("create backup directory: %w", err)
	}

	// Another store sharing the directory may hold the same name.
	ts := s.nextBackupMillis()
	path := filepath.Join(s.opts.BackupDir, backupFileName(ts, reason, s.ser.Extension()))
	for s.snapshotTaken(path) {
		ts = s.nextBackupMillis()
		path = filepath.Join(s.opts.BackupDir, backupFileName(ts, reason, s.ser.Extension()))
	}

	// The owner marker goes first so the snapshot is never visible unclaimed.
	marker := ownerMarkerPath(path)
	if err := s.writer.writeRaw(detached(ctx), marker, []byte(s.ownerID())); err != nil {
		return BackupDescriptor{}, fmt.Errorf("backup %s: owner marker: %w", s.opts.Name, err)
	}
	if err := s.writer.writeRaw(detached(ctx), path, data); err != nil {
		_ = s.fs.Remove(marker)
		return BackupDescriptor{}, fmt.Errorf("backup %s: %w", s.opts.Name, err)
	}

	desc := BackupDescriptor{
		Path:            path,
		TimestampMillis: ts,
		Timestamp:       time.UnixMilli(ts),
		SizeBytes:       int64(len(data)),
		Reason:          reason,
	}
	loggerWithTrace(ctx, s.logger).Info("backup created",
		slog.String("backup", path),
		slog.String("reason", reason),
		slog.Int("bytes", len(data)),
	)

	if err := s.rotateLocked(ctx); err != nil {
		loggerWithTrace(ctx, s.logger).Warn("backup rotation failed", slog.String("error", err.Error()))
	}
	return desc, nil
}

// nextBackupMillis returns a timestamp strictly greater than any previous
// one issued by this instance, so two backups in the same millisecond
// never collide.
func (s *Store[T]) nextBackupMillis() int64 {
	ts := s.now().UnixMilli()
	if ts <= s.lastBackupMillis {
		ts = s.lastBackupMillis + 1
	}
	s.lastBackupMillis = ts
	return ts
}

// snapshotTaken reports whether path or its owner marker already exists.
func (s *Store[T]) snapshotTaken(path string) bool {
	for _, p := range []string{path, ownerMarkerPath(path)} {
		if _, err := s.fs.Stat(p); !errors.Is(err, fs.ErrNotExist) {
			return true
		}
	}
	return false
}

// Backups lists this store's snapshots newest first. Files whose names do
// not parse, and snapshots owned by another store sharing the directory,
// are skipped.
func (s *Store[T]) Backups(ctx context.Context) (backups []BackupDescriptor, err error) {
	start := time.Now()
	_, span := s.startSpan(ctx, opBackups)
	defer func() {
		s.metrics.record(opBackups, time.Since(start), err)
		endSpan(span, err)
	}()

	return s.listBackups()
}

func (s *Store[T]) listBackups() ([]BackupDescriptor, error) {
	entries, err := os.ReadDir(s.opts.BackupDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read backup directory: %w", err)
	}

	ext := s.ser.Extension()
	backups := make([]BackupDescriptor, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ts, reason, ok := parseBackupFileName(entry.Name(), ext)
		if !ok {
			continue
		}
		if !s.ownsSnapshot(filepath.Join(s.opts.BackupDir, entry.Name())) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		backups = append(backups, BackupDescriptor{
			Path:            filepath.Join(s.opts.BackupDir, entry.Name()),
			TimestampMillis: ts,
			Timestamp:       time.UnixMilli(ts),
			SizeBytes:       info.Size(),
			Reason:          reason,
		})
	}

	// Sort by timestamp, newest first
	sort.Slice(backups, func(i, j int) bool {
		if backups[i].TimestampMillis != backups[j].TimestampMillis {
			return backups[i].TimestampMillis > backups[j].TimestampMillis
		}
		return backups[i].Path > backups[j].Path
	})
	return backups, nil
}

// rotateLocked removes snapshots beyond MaxBackups, oldest first.
func (s *Store[T]) rotateLocked(ctx context.Context) error {
	backups, err := s.listBackups()
	if err != nil {
		return err
	}
	if s.opts.MaxBackups <= 0 || len(backups) <= s.opts.MaxBackups {
		s.metrics.setBackupCount(len(backups))
		return nil
	}

	var errs []error
	kept := len(backups)
	for _, b := range backups[s.opts.MaxBackups:] {
		if err := s.removeSnapshot(ctx, b.Path); err != nil {
			errs = append(errs, err)
			continue
		}
		kept--
		s.debug(ctx, "rotated backup", slog.String("backup", b.Path))
	}
	s.metrics.setBackupCount(kept)
	return errors.Join(errs...)
}

// Restore replaces the live file with the payload of a snapshot.
//
// backupPath may be absolute or a file name inside BackupDir. The snapshot
// is decoded and validated first; on any failure the live file is left
// untouched.
func (s *Store[T]) Restore(ctx context.Context, backupPath string) (err error) {
	start := time.Now()
	ctx, span := s.startSpan(ctx, opRestore, attribute.String("datastore.backup", backupPath))
	defer func() {
		s.metrics.record(opRestore, time.Since(start), err)
		endSpan(span, err)
	}()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return ErrClosed
	}

	path, err := s.resolveBackupPath(backupPath)
	if err != nil {
		return err
	}
	if !s.ownsSnapshot(path) {
		return fmt.Errorf("%w: %s belongs to another store", ErrInvalidBackupPath, filepath.Base(path))
	}
	raw, ok, err := s.writer.readPayload(detached(ctx), path)
	if err != nil {
		return fmt.Errorf("restore %s: %w", s.opts.Name, err)
	}
	if !ok {
		return fmt.Errorf("restore %s: %w: %s", s.opts.Name, ErrBackupNotFound, path)
	}
	if _, err := s.decode(raw); err != nil {
		return fmt.Errorf("restore %s from %s: %w", s.opts.Name, filepath.Base(path), err)
	}
	if err := s.writer.writePayload(detached(ctx), s.path, raw); err != nil {
		return fmt.Errorf("restore %s: %w", s.opts.Name, err)
	}

	loggerWithTrace(ctx, s.logger).Info("restored from backup", slog.String("backup", path))
	return nil
}

func (s *Store[T]) resolveBackupPath(p string) (string, error) {
	if p == "" {
		return "", fmt.Errorf("%w: empty path", ErrInvalidBackupPath)
	}
	if !filepath.IsAbs(p) && filepath.Base(p) == p {
		p = filepath.Join(s.opts.BackupDir, p)
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidBackupPath, err)
	}
	rel, err := filepath.Rel(s.opts.BackupDir, abs)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") || strings.ContainsRune(rel, filepath.Separator) {
		return "", fmt.Errorf("%w: %s", ErrInvalidBackupPath, p)
	}
	return abs, nil
}

// -----------------------------------------------------------------------------
// Ownership
// -----------------------------------------------------------------------------

// ownerMarkerSuffix ends the hidden file that names the live file a
// snapshot was taken from: ".<snapshot>.owner". Stores sharing a backup
// directory only see, recover from, rotate and purge their own snapshots.
// A snapshot without a marker is visible to every store.
const ownerMarkerSuffix = ".owner"

func ownerMarkerPath(snapshot string) string {
	return filepath.Join(filepath.Dir(snapshot), "."+filepath.Base(snapshot)+ownerMarkerSuffix)
}

// ownerID identifies this store inside its backup directory.
func (s *Store[T]) ownerID() string { return filepath.Base(s.path) }

func (s *Store[T]) ownsSnapshot(snapshot string) bool {
	owner, err := os.ReadFile(ownerMarkerPath(snapshot))
	if err != nil {
		return true
	}
	return strings.TrimSpace(string(owner)) == s.ownerID()
}

// removeSnapshot deletes a snapshot and then its owner marker.
func (s *Store[T]) removeSnapshot(ctx context.Context, path string) error {
	if _, err := s.writer.remove(detached(ctx), path); err != nil {
		return err
	}
	_, err := s.writer.remove(detached(ctx), ownerMarkerPath(path))
	return err
}

// -----------------------------------------------------------------------------
// Naming
// -----------------------------------------------------------------------------

func backupFileName(ts int64, reason, ext string) string {
	return strconv.FormatInt(ts, 10) + "_" + reason + ext
}

// parseBackupFileName splits "<ts>_<reason><ext>" at the first underscore.
func parseBackupFileName(name, ext string) (int64, string, bool) {
	if ext != "" {
		if !strings.HasSuffix(name, ext) {
			return 0, "", false
		}
		name = strings.TrimSuffix(name, ext)
	}
	tsPart, reason, ok := strings.Cut(name, "_")
	if !ok || tsPart == "" || reason == "" {
		return 0, "", false
	}
	ts, err := strconv.ParseInt(tsPart, 10, 64)
	if err != nil || ts < 0 {
		return 0, "", false
	}
	return ts, reason, true
}

// sanitizeReason keeps [A-Za-z0-9_-] and maps everything else to '-'.
func sanitizeReason(reason string) string {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return DefaultBackupReason
	}
	var sb strings.Builder
	for _, r := range reason {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			sb.WriteRune(r)
		default:
			sb.WriteByte('-')
		}
	}
	out := sb.String()
	if len(out) > 64 {
		out = out[:64]
	}
	return out
}
