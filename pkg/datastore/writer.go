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
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"syscall"
)

// -----------------------------------------------------------------------------
// Filesystem seam
// -----------------------------------------------------------------------------

// tempFile is the subset of *os.File the writer needs.
type tempFile interface {
	io.Writer
	Name() string
	Sync() error
	Chmod(mode os.FileMode) error
	Close() error
}

// fileSystem abstracts the calls made by the atomic writer so tests can
// inject faults at any step.
type fileSystem interface {
	CreateTemp(dir, pattern string) (tempFile, error)
	Rename(oldpath, newpath string) error
	Remove(name string) error
	ReadFile(name string) ([]byte, error)
	MkdirAll(path string, perm os.FileMode) error
	Stat(name string) (os.FileInfo, error)
}

type osFS struct{}

func (osFS) CreateTemp(dir, pattern string) (tempFile, error) { return os.CreateTemp(dir, pattern) }
func (osFS) Rename(oldpath, newpath string) error             { return os.Rename(oldpath, newpath) }
func (osFS) Remove(name string) error                         { return os.Remove(name) }
func (osFS) ReadFile(name string) ([]byte, error)             { return os.ReadFile(name) }
func (osFS) MkdirAll(path string, perm os.FileMode) error     { return os.MkdirAll(path, perm) }
func (osFS) Stat(name string) (os.FileInfo, error)            { return os.Stat(name) }

// -----------------------------------------------------------------------------
// Atomic writer
// -----------------------------------------------------------------------------

// dirMode is used for directories created on demand.
const dirMode os.FileMode = 0o750

// atomicWriter performs crash-safe writes (temp file + rename) and retried
// reads. It is shared by the live file, backups and batch targets.
type atomicWriter struct {
	fs     fileSystem
	policy retryPolicy
	mode   os.FileMode
	mkdirs bool

	compress    bool
	threshold   int
	compression Compression

	metrics *metricsCollector
	logger  *slog.Logger
	debug   bool
}

// encode applies the compression policy to serialized bytes.
func (w *atomicWriter) encode(raw []byte) ([]byte, error) {
	if !w.compress || len(raw) <= w.threshold {
		return raw, nil
	}
	return compress(raw, w.compression)
}

// writePayload encodes and atomically writes serialized bytes.
func (w *atomicWriter) writePayload(ctx context.Context, path string, raw []byte) error {
	data, err := w.encode(raw)
	if err != nil {
		return err
	}
	return w.writeRaw(ctx, path, data)
}

// writeRaw atomically replaces path with data, retrying transient failures.
func (w *atomicWriter) writeRaw(ctx context.Context, path string, data []byte) error {
	attempts, err := withRetry(ctx, w.policy, w.retryHook("write", path), func(int) error {
		return w.writeOnce(path, data)
	})
	if err != nil {
		return &OperationError{Op: "write", Path: path, Attempts: attempts, Err: err}
	}
	w.metrics.addBytesWritten(len(data))
	if w.debug {
		w.logger.Debug("file written", slog.String("path", path), slog.Int("bytes", len(data)), slog.Int("attempts", attempts))
	}
	return nil
}

func (w *atomicWriter) writeOnce(path string, data []byte) error {
	dir := filepath.Dir(path)
	if w.mkdirs {
		if err := w.fs.MkdirAll(dir, dirMode); err != nil {
			return fmt.Errorf("create directory: %w", err)
		}
	} else if _, err := w.fs.Stat(dir); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return permanent(fmt.Errorf("%w: %s", ErrDirectoryMissing, dir))
		}
		return fmt.Errorf("stat directory: %w", err)
	}

	tmp, err := w.fs.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	closed := false
	renamed := false
	defer func() {
		if !closed {
			_ = tmp.Close()
		}
		if !renamed {
			_ = w.fs.Remove(tmpPath)
		}
	}()

	n, err := tmp.Write(data)
	if err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if n != len(data) {
		return fmt.Errorf("write temp file: %w", io.ErrShortWrite)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Chmod(w.mode); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	closed = true
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := w.fs.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	renamed = true

	// Rename durability; a failure here does not undo the write.
	if err := syncDir(dir); err != nil && w.debug {
		w.logger.Debug("directory sync failed", slog.String("dir", dir), slog.String("error", err.Error()))
	}
	return nil
}

// readPayload reads path and strips any compression envelope.
// A missing file yields (nil, false, nil).
func (w *atomicWriter) readPayload(ctx context.Context, path string) ([]byte, bool, error) {
	data, ok, err := w.readRaw(ctx, path)
	if err != nil || !ok {
		return nil, ok, err
	}
	raw, err := decompress(data)
	if err != nil {
		return nil, true, &ParseError{Format: "envelope", Err: err}
	}
	return raw, true, nil
}

// readRaw returns the bytes of path as stored on disk.
func (w *atomicWriter) readRaw(ctx context.Context, path string) ([]byte, bool, error) {
	var data []byte
	attempts, err := withRetry(ctx, w.policy, w.retryHook("read", path), func(int) error {
		b, err := w.fs.ReadFile(path)
		if err != nil {
			return err
		}
		data = b
		return nil
	})
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, &OperationError{Op: "read", Path: path, Attempts: attempts, Err: err}
	}
	w.metrics.addBytesRead(len(data))
	return data, true, nil
}

// remove deletes path. It reports whether a file was removed; a missing file
// is not an error.
func (w *atomicWriter) remove(ctx context.Context, path string) (bool, error) {
	attempts, err := withRetry(ctx, w.policy, w.retryHook("remove", path), func(int) error {
		return w.fs.Remove(path)
	})
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ENOTDIR) {
			return false, nil
		}
		return false, &OperationError{Op: "remove", Path: path, Attempts: attempts, Err: err}
	}
	return true, nil
}

func (w *atomicWriter) retryHook(op, path string) func(int, error) {
	return func(attempt int, err error) {
		w.metrics.recordRetry(op)
		w.logger.Warn("filesystem operation failed, retrying",
			slog.String("operation", op),
			slog.String("path", path),
			slog.Int("attempt", attempt+1),
			slog.Duration("backoff", w.policy.backoff(attempt)),
			slog.String("error", err.Error()),
		)
	}
}

// syncDir fsyncs a directory so a completed rename survives power loss.
func syncDir(dirPath string) error {
	dir, err := os.Open(dirPath)
	if err != nil {
		return fmt.Errorf("open dir for sync: %w", err)
	}
	defer dir.Close()

	if err := dir.Sync(); err != nil {
		return fmt.Errorf("sync dir: %w", err)
	}
	return nil
}
