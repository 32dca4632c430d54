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
	"slices"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

// TxState is the lifecycle state of a batch.
type TxState int

const (
	TxIdle TxState = iota
	TxOpen
	TxCommitting
	TxCommitted
	TxRolledBack
)

func (s TxState) String() string {
	switch s {
	case TxIdle:
		return "idle"
	case TxOpen:
		return "open"
	case TxCommitting:
		return "committing"
	case TxCommitted:
		return "committed"
	case TxRolledBack:
		return "rolled_back"
	default:
		return fmt.Sprintf("TxState(%d)", int(s))
	}
}

// OpKind distinguishes batch operations.
type OpKind int

const (
	OpUpdate OpKind = iota + 1
	OpDelete
)

func (k OpKind) String() string {
	switch k {
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	default:
		return fmt.Sprintf("OpKind(%d)", int(k))
	}
}

// BatchOperation is one queued write. Payload is set for OpUpdate only.
type BatchOperation[T any] struct {
	Kind    OpKind
	Path    string
	Payload T

	raw []byte
}

// preImage is the state of a path before the batch first touched it.
type preImage struct {
	data   []byte
	exists bool
}

// Batch stages updates and deletes across several files and applies them
// all or none.
//
// Operations run in submission order at Commit. If one fails, every path
// whose operation already completed is returned to the bytes it held when
// first staged (or removed if it did not exist), directories the commit
// created are removed again, and a *BatchError is returned. Paths whose
// operations never ran are left as they are.
//
// # Thread Safety
//
// A Batch may be used from several goroutines but is normally owned by the
// one that opened it.
type Batch[T any] struct {
	store   *Store[T]
	id      string
	started time.Time

	mu    sync.Mutex
	state TxState
	ops   []BatchOperation[T]
	pre   map[string]preImage
	err   error

	// Filled during Commit: paths whose operation completed, in order of
	// first completion, and directories created for update targets.
	applied     []string
	createdDirs []string
}

// Batch opens a transaction. Only one batch may be open per store; a second
// call returns ErrTransactionInProgress until the first is committed or
// rolled back.
func (s *Store[T]) Batch(ctx context.Context) (*Batch[T], error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	s.txMu.Lock()
	defer s.txMu.Unlock()
	if s.activeTx != nil {
		return nil, fmt.Errorf("%w: %s", ErrTransactionInProgress, s.activeTx.id)
	}

	b := &Batch[T]{
		store:   s,
		id:      uuid.New().String(),
		started: time.Now(),
		state:   TxOpen,
		pre:     make(map[string]preImage),
	}
	s.activeTx = b

	recordBatchBegin(ctx, s.opts.Name)
	s.debug(ctx, "batch opened", slog.String("tx_id", b.id))
	return b, nil
}

// ActiveBatch returns the open batch, or nil.
func (s *Store[T]) ActiveBatch() *Batch[T] {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	return s.activeTx
}

func (s *Store[T]) releaseBatch(b *Batch[T]) {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	if s.activeTx == b {
		s.activeTx = nil
	}
}

// ID returns the transaction ID.
func (b *Batch[T]) ID() string { return b.id }

// State returns the current state.
func (b *Batch[T]) State() TxState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Len returns the number of staged operations.
func (b *Batch[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.ops)
}

// Operations returns a copy of the staged operations in submission order.
func (b *Batch[T]) Operations() []BatchOperation[T] {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]BatchOperation[T], len(b.ops))
	copy(out, b.ops)
	return out
}

// Err returns the first staging error, if any.
func (b *Batch[T]) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

// Put stages an update of the store's own live file.
func (b *Batch[T]) Put(payload T) *Batch[T] {
	return b.Update(b.store.path, payload)
}

// Update stages writing payload to path. Relative paths resolve against the
// store's directory. The payload is validated and serialized now; the first
// staging error sticks and is returned by Commit.
func (b *Batch[T]) Update(path string, payload T) *Batch[T] {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.stageable() {
		return b
	}

	abs := b.resolve(path)
	raw, err := b.store.encode(payload)
	if err != nil {
		b.err = fmt.Errorf("stage update %s: %w", abs, err)
		return b
	}
	if err := b.capture(abs); err != nil {
		b.err = err
		return b
	}
	b.ops = append(b.ops, BatchOperation[T]{Kind: OpUpdate, Path: abs, Payload: payload, raw: raw})
	return b
}

// Delete stages removal of path. Removing an absent file succeeds.
func (b *Batch[T]) Delete(path string) *Batch[T] {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.stageable() {
		return b
	}

	abs := b.resolve(path)
	if err := b.capture(abs); err != nil {
		b.err = err
		return b
	}
	b.ops = append(b.ops, BatchOperation[T]{Kind: OpDelete, Path: abs})
	return b
}

func (b *Batch[T]) stageable() bool {
	if b.err != nil {
		return false
	}
	if b.state != TxOpen {
		b.err = ErrTransactionClosed
		return false
	}
	return true
}

func (b *Batch[T]) resolve(path string) string {
	if path == "" {
		return b.store.path
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(filepath.Dir(b.store.path), path)
	}
	return filepath.Clean(path)
}

// capture records the pre-image of path on first touch.
func (b *Batch[T]) capture(path string) error {
	if _, ok := b.pre[path]; ok {
		return nil
	}
	data, exists, err := b.store.writer.readRaw(context.Background(), path)
	if errors.Is(err, syscall.ENOTDIR) {
		// A path component is a regular file: the target cannot exist.
		data, exists, err = nil, false, nil
	}
	if err != nil {
		return fmt.Errorf("capture pre-image of %s: %w", path, err)
	}
	b.pre[path] = preImage{data: data, exists: exists}
	return nil
}

// Commit applies the staged operations in order while holding the store
// lock. On failure every applied path is restored and a *BatchError is
// returned. Either way the batch is closed and the store can open another.
func (b *Batch[T]) Commit(ctx context.Context) (err error) {
	s := b.store
	start := time.Now()
	ctx, span := s.startSpan(ctx, opCommit, attribute.String("datastore.tx_id", b.id))
	defer func() {
		s.metrics.record(opCommit, time.Since(start), err)
		endSpan(span, err)
	}()

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != TxOpen {
		return ErrTransactionClosed
	}
	if b.err != nil {
		stageErr := b.err
		b.state = TxRolledBack
		s.releaseBatch(b)
		recordBatchRollback(ctx, s.opts.Name, "staging_error", time.Since(b.started), true)
		return fmt.Errorf("batch %s: %w", b.id, stageErr)
	}
	b.state = TxCommitting
	span.SetAttributes(attribute.Int("datastore.operations", len(b.ops)))

	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.releaseBatch(b)

	wctx := detached(ctx)
	updates := 0
	done := make(map[string]bool, len(b.pre))
	for i, op := range b.ops {
		var opErr error
		switch op.Kind {
		case OpUpdate:
			if s.writer.mkdirs {
				b.createdDirs = append(b.createdDirs, missingDirs(s.fs, filepath.Dir(op.Path))...)
			}
			opErr = s.writer.writePayload(wctx, op.Path, op.raw)
			if opErr == nil {
				updates++
			}
		case OpDelete:
			_, opErr = s.writer.remove(wctx, op.Path)
		}
		if opErr == nil {
			if !done[op.Path] {
				done[op.Path] = true
				b.applied = append(b.applied, op.Path)
			}
			continue
		}

		rollbackErrs := b.restorePreImages(wctx)
		b.removeCreatedDirs()
		b.state = TxRolledBack
		recordBatchCommit(ctx, s.opts.Name, len(b.ops), time.Since(b.started), false)
		recordBatchRollback(ctx, s.opts.Name, "commit_failure", time.Since(b.started), false)

		logger := loggerWithTrace(ctx, s.logger)
		logger.Error("batch commit failed, rolled back",
			slog.String("tx_id", b.id),
			slog.Int("op_index", i),
			slog.String("op", op.Kind.String()),
			slog.String("path", op.Path),
			slog.String("error", opErr.Error()),
			slog.Int("rollback_errors", len(rollbackErrs)),
		)
		return &BatchError{
			TxID:         b.id,
			Op:           op.Kind,
			Path:         op.Path,
			Index:        i,
			Err:          opErr,
			RollbackErrs: rollbackErrs,
		}
	}

	b.state = TxCommitted
	s.metrics.recordSaves(updates, time.Since(start))
	recordBatchCommit(ctx, s.opts.Name, len(b.ops), time.Since(b.started), true)
	if updates > 0 {
		if err := s.rotateLocked(ctx); err != nil {
			loggerWithTrace(ctx, s.logger).Warn("backup rotation failed", slog.String("error", err.Error()))
		}
	}
	s.debug(ctx, "batch committed", slog.String("tx_id", b.id), slog.Int("operations", len(b.ops)))
	return nil
}

// restorePreImages returns every applied path to its pre-image, in reverse
// order of application.
func (b *Batch[T]) restorePreImages(ctx context.Context) []error {
	var errs []error
	for i := len(b.applied) - 1; i >= 0; i-- {
		path := b.applied[i]
		pre := b.pre[path]
		var err error
		if pre.exists {
			err = b.store.writer.writeRaw(ctx, path, pre.data)
		} else {
			_, err = b.store.writer.remove(ctx, path)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("restore %s: %w", path, err))
		}
	}
	return errs
}

// removeCreatedDirs removes directories created during Commit, deepest
// first. Directories that are not empty stay.
func (b *Batch[T]) removeCreatedDirs() {
	for i := len(b.createdDirs) - 1; i >= 0; i-- {
		_ = b.store.fs.Remove(b.createdDirs[i])
	}
	b.createdDirs = nil
}

// missingDirs returns the ancestors of dir (dir included) that do not exist
// yet, outermost first.
func missingDirs(fsys fileSystem, dir string) []string {
	var missing []string
	for {
		_, err := fsys.Stat(dir)
		if !errors.Is(err, fs.ErrNotExist) {
			break
		}
		missing = append(missing, dir)
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	slices.Reverse(missing)
	return missing
}

// Rollback discards the staged operations. Nothing has been written before
// Commit, so no file is touched.
func (b *Batch[T]) Rollback() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != TxOpen {
		return ErrTransactionClosed
	}
	b.state = TxRolledBack
	b.ops = nil
	b.store.releaseBatch(b)
	recordBatchRollback(context.Background(), b.store.opts.Name, "explicit", time.Since(b.started), true)
	return nil
}
