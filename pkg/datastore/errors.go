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
	"errors"
	"fmt"
	"strings"
)

// -----------------------------------------------------------------------------
// Sentinel Errors
// -----------------------------------------------------------------------------

var (
	// ErrValidation indicates a payload was rejected by the validator chain.
	ErrValidation = errors.New("payload failed validation")

	// ErrNoLiveFile indicates an operation needed the live file and it is absent.
	ErrNoLiveFile = errors.New("live file does not exist")

	// ErrBackupNotFound indicates the requested snapshot does not exist.
	ErrBackupNotFound = errors.New("backup not found")

	// ErrInvalidBackupPath indicates a restore target outside the backup directory.
	ErrInvalidBackupPath = errors.New("backup path is outside the backup directory")

	// ErrTransactionInProgress indicates a batch is already open on this store.
	// Nested batches are NOT supported.
	ErrTransactionInProgress = errors.New("a batch transaction is already in progress")

	// ErrTransactionClosed indicates use of a batch after commit or rollback.
	ErrTransactionClosed = errors.New("batch transaction is closed")

	// ErrDirectoryMissing indicates the parent directory is absent and
	// CreateDirectories is disabled.
	ErrDirectoryMissing = errors.New("parent directory does not exist")

	// ErrChecksumMismatch indicates a compressed payload failed its integrity check.
	ErrChecksumMismatch = errors.New("payload checksum mismatch")

	// ErrUnknownCompression indicates an unsupported compression algorithm.
	ErrUnknownCompression = errors.New("unknown compression algorithm")

	// ErrClosed indicates the store has been closed.
	ErrClosed = errors.New("store is closed")

	// ErrInvalidOptions indicates the store options failed validation.
	ErrInvalidOptions = errors.New("invalid store options")
)

// -----------------------------------------------------------------------------
// Typed Errors
// -----------------------------------------------------------------------------

// ValidationError reports the first hook in the chain that rejected a payload.
type ValidationError struct {
	// Hook is the registered name of the rejecting hook.
	Hook string
	// Index is the hook's position in the chain.
	Index int
	// Err is the reason returned by the hook.
	Err error
}

func (e *ValidationError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("validation hook %q (#%d) rejected payload", e.Hook, e.Index)
	}
	return fmt.Sprintf("validation hook %q (#%d) rejected payload: %v", e.Hook, e.Index, e.Err)
}

// Unwrap exposes the hook's reason.
func (e *ValidationError) Unwrap() error { return e.Err }

// Is makes every ValidationError match ErrValidation.
func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// ParseError indicates stored bytes could not be decoded into a payload.
type ParseError struct {
	Format string
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s payload: %v", e.Format, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// OperationError wraps the last error of a filesystem operation together with
// the number of attempts it took.
type OperationError struct {
	Op       string
	Path     string
	Attempts int
	Err      error
}

func (e *OperationError) Error() string {
	if e.Attempts > 1 {
		return fmt.Sprintf("%s %s failed after %d attempts: %v", e.Op, e.Path, e.Attempts, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *OperationError) Unwrap() error { return e.Err }

// BatchError reports a failed batch commit.
//
// Index is the position of the failing operation in submission order and
// RollbackErrs lists any paths that could not be returned to their pre-image.
type BatchError struct {
	TxID         string
	Op           OpKind
	Path         string
	Index        int
	Err          error
	RollbackErrs []error
}

func (e *BatchError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "batch %s: %s %s (op %d) failed: %v", e.TxID, e.Op, e.Path, e.Index, e.Err)
	if len(e.RollbackErrs) > 0 {
		fmt.Fprintf(&sb, "; %d rollback errors: %v", len(e.RollbackErrs), errors.Join(e.RollbackErrs...))
	}
	return sb.String()
}

func (e *BatchError) Unwrap() error { return e.Err }

// RolledBack reports whether every touched path was restored.
func (e *BatchError) RolledBack() bool { return len(e.RollbackErrs) == 0 }
