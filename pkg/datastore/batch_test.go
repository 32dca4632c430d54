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
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type batchFixture struct {
	dir   string
	store *Store[counter]
	a     string
	b     string
	c     string
}

func newBatchFixture(t *testing.T) batchFixture {
	t.Helper()
	dir := t.TempDir()
	f := batchFixture{
		dir:   dir,
		store: newTestStore[counter](t, filepath.Join(dir, "main.json")),
		a:     filepath.Join(dir, "a.json"),
		b:     filepath.Join(dir, "b.json"),
		c:     filepath.Join(dir, "c.json"),
	}
	writeFile(t, f.b, `{"value":2}`)
	return f
}

func readCounter(t *testing.T, path string) counter {
	t.Helper()
	var c counter
	require.NoError(t, json.Unmarshal(readFile(t, path), &c))
	return c
}

func assertAbsent(t *testing.T, path string) {
	t.Helper()
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err), "expected %s to be absent", path)
}

func TestBatch_CommitAppliesAll(t *testing.T) {
	ctx := context.Background()
	f := newBatchFixture(t)

	tx, err := f.store.Batch(ctx)
	require.NoError(t, err)
	assert.Equal(t, TxOpen, tx.State())
	assert.NotEmpty(t, tx.ID())

	err = tx.Update(f.a, counter{Value: 1}).Delete(f.b).Update("c.json", counter{Value: 3}).Commit(ctx)
	require.NoError(t, err)

	assert.Equal(t, TxCommitted, tx.State())
	assert.Equal(t, counter{Value: 1}, readCounter(t, f.a))
	assert.Equal(t, counter{Value: 3}, readCounter(t, f.c))
	assertAbsent(t, f.b)
	assert.Nil(t, f.store.ActiveBatch())
	assert.Equal(t, int64(2), f.store.GetMetrics().SaveCount)
}

func TestBatch_UnwritableTargetRollsBack(t *testing.T) {
	ctx := context.Background()
	f := newBatchFixture(t)

	// c's parent is a regular file, so the write cannot succeed
	blocker := filepath.Join(f.dir, "blocker")
	writeFile(t, blocker, "not a directory")
	unwritable := filepath.Join(blocker, "c.json")

	tx, err := f.store.Batch(ctx)
	require.NoError(t, err)
	err = tx.Update(f.a, counter{Value: 1}).Delete(f.b).Update(unwritable, counter{Value: 3}).Commit(ctx)
	require.Error(t, err)

	var be *BatchError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, 2, be.Index)
	assert.Equal(t, OpUpdate, be.Op)
	assert.Equal(t, unwritable, be.Path)
	assert.True(t, be.RolledBack(), "rollback errors: %v", be.RollbackErrs)

	assertAbsent(t, f.a)
	assert.Equal(t, counter{Value: 2}, readCounter(t, f.b))
	assert.Equal(t, TxRolledBack, tx.State())
	assert.Nil(t, f.store.ActiveBatch())
	assert.Empty(t, tempFiles(t, f.dir))
}

func TestBatch_InjectedFailureRestoresExistingContent(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	fsys := &faultFS{renameFails: map[string]int{"c.json": -1}}
	s := newFaultStore[counter](t, filepath.Join(dir, "main.json"), fsys, func(o *Options[counter]) {
		o.MaxRetries = 1
	})
	a := filepath.Join(dir, "a.json")
	b := filepath.Join(dir, "b.json")
	writeFile(t, a, `{"value":10}`)
	writeFile(t, b, `{"value":2}`)
	aBefore := readFile(t, a)

	tx, err := s.Batch(ctx)
	require.NoError(t, err)
	err = tx.Update(a, counter{Value: 1}).Delete(b).Update("c.json", counter{Value: 3}).Commit(ctx)

	var be *BatchError
	require.ErrorAs(t, err, &be)
	assert.ErrorIs(t, err, errInjectedRename(t, be))
	assert.Equal(t, aBefore, readFile(t, a))
	assert.Equal(t, counter{Value: 2}, readCounter(t, b))
	assertAbsent(t, filepath.Join(dir, "c.json"))
	assert.Equal(t, int64(1), s.GetMetrics().RetryCount)
}

// errInjectedRename returns the underlying error of a failed rename so the
// test does not depend on its concrete errno.
func errInjectedRename(t *testing.T, be *BatchError) error {
	t.Helper()
	var le *os.LinkError
	require.ErrorAs(t, be.Err, &le)
	return le.Err
}

func TestBatch_FailedCommitKeepsWritesToPathsItNeverReached(t *testing.T) {
	ctx := context.Background()
	f := newBatchFixture(t)
	blocker := filepath.Join(f.dir, "blocker")
	writeFile(t, blocker, "not a directory")

	tx, err := f.store.Batch(ctx)
	require.NoError(t, err)
	tx.Update(f.a, counter{Value: 1}).Update(filepath.Join(blocker, "c.json"), counter{Value: 3}).Put(counter{Value: 2})

	// Lands between staging and commit; the live file's pre-image is stale
	require.NoError(t, f.store.Save(ctx, counter{Value: 42}))

	err = tx.Commit(ctx)
	var be *BatchError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, 1, be.Index)
	assert.True(t, be.RolledBack(), "rollback errors: %v", be.RollbackErrs)

	assertAbsent(t, f.a)
	got, found, err := f.store.Load(ctx)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, counter{Value: 42}, got)
}

func TestBatch_FailedFirstOpTouchesNothing(t *testing.T) {
	ctx := context.Background()
	f := newBatchFixture(t)
	blocker := filepath.Join(f.dir, "blocker")
	writeFile(t, blocker, "not a directory")

	tx, err := f.store.Batch(ctx)
	require.NoError(t, err)
	tx.Update(filepath.Join(blocker, "c.json"), counter{Value: 3}).Put(counter{Value: 2})
	require.NoError(t, f.store.Save(ctx, counter{Value: 42}))

	require.Error(t, tx.Commit(ctx))
	assert.Equal(t, counter{Value: 42}, readCounter(t, f.store.Path()))
}

func TestBatch_RollbackRemovesCreatedDirectories(t *testing.T) {
	ctx := context.Background()
	f := newBatchFixture(t)
	blocker := filepath.Join(f.dir, "blocker")
	writeFile(t, blocker, "not a directory")
	nested := filepath.Join(f.dir, "new", "deep", "x.json")

	tx, err := f.store.Batch(ctx)
	require.NoError(t, err)
	err = tx.Update(nested, counter{Value: 1}).Update(filepath.Join(blocker, "c.json"), counter{Value: 3}).Commit(ctx)
	require.Error(t, err)

	assertAbsent(t, nested)
	assertAbsent(t, filepath.Join(f.dir, "new"))
}

func TestBatch_RollbackKeepsPreexistingDirectories(t *testing.T) {
	ctx := context.Background()
	f := newBatchFixture(t)
	blocker := filepath.Join(f.dir, "blocker")
	writeFile(t, blocker, "not a directory")
	existing := filepath.Join(f.dir, "existing")
	require.NoError(t, os.MkdirAll(existing, 0o755))

	tx, err := f.store.Batch(ctx)
	require.NoError(t, err)
	err = tx.Update(filepath.Join(existing, "sub", "x.json"), counter{Value: 1}).
		Update(filepath.Join(blocker, "c.json"), counter{Value: 3}).
		Commit(ctx)
	require.Error(t, err)

	assertAbsent(t, filepath.Join(existing, "sub"))
	info, err := os.Stat(existing)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestBatch_SecondBatchRejected(t *testing.T) {
	ctx := context.Background()
	f := newBatchFixture(t)

	first, err := f.store.Batch(ctx)
	require.NoError(t, err)

	second, err := f.store.Batch(ctx)
	assert.Nil(t, second)
	assert.ErrorIs(t, err, ErrTransactionInProgress)
	assert.Same(t, first, f.store.ActiveBatch())

	require.NoError(t, first.Rollback())
	third, err := f.store.Batch(ctx)
	require.NoError(t, err)
	require.NoError(t, third.Rollback())
}

func TestBatch_RollbackDiscards(t *testing.T) {
	ctx := context.Background()
	f := newBatchFixture(t)

	tx, err := f.store.Batch(ctx)
	require.NoError(t, err)
	tx.Update(f.a, counter{Value: 1}).Delete(f.b)
	assert.Equal(t, 2, tx.Len())

	require.NoError(t, tx.Rollback())
	assert.Equal(t, TxRolledBack, tx.State())
	assertAbsent(t, f.a)
	assert.Equal(t, counter{Value: 2}, readCounter(t, f.b))

	assert.ErrorIs(t, tx.Rollback(), ErrTransactionClosed)
	assert.ErrorIs(t, tx.Commit(ctx), ErrTransactionClosed)
	assert.ErrorIs(t, tx.Update(f.a, counter{}).Err(), ErrTransactionClosed)
}

func TestBatch_StagingValidationErrorIsSticky(t *testing.T) {
	ctx := context.Background()
	f := newBatchFixture(t)
	f.store.AddValidationHook("positive", func(c counter) error {
		if c.Value <= 0 {
			return assert.AnError
		}
		return nil
	})

	tx, err := f.store.Batch(ctx)
	require.NoError(t, err)
	err = tx.Update(f.a, counter{Value: 1}).Update(f.c, counter{Value: 0}).Delete(f.b).Commit(ctx)
	assert.ErrorIs(t, err, ErrValidation)
	assert.Equal(t, 1, tx.Len())

	// Nothing was written
	assertAbsent(t, f.a)
	assert.Equal(t, counter{Value: 2}, readCounter(t, f.b))
	assert.Equal(t, TxRolledBack, tx.State())
	assert.Nil(t, f.store.ActiveBatch())
}

func TestBatch_PreImageCapturedOnce(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	fsys := &faultFS{renameFails: map[string]int{"z.json": -1}}
	s := newFaultStore[counter](t, filepath.Join(dir, "main.json"), fsys, func(o *Options[counter]) {
		o.MaxRetries = 0
	})
	a := filepath.Join(dir, "a.json")
	writeFile(t, a, `{"value":7}`)
	original := readFile(t, a)

	tx, err := s.Batch(ctx)
	require.NoError(t, err)
	err = tx.Update(a, counter{Value: 1}).Update(a, counter{Value: 2}).Update("z.json", counter{Value: 3}).Commit(ctx)
	require.Error(t, err)

	assert.Equal(t, original, readFile(t, a))
	ops := tx.Operations()
	require.Len(t, ops, 3)
	assert.Equal(t, OpUpdate, ops[0].Kind)
}

func TestBatch_PutTargetsLiveFile(t *testing.T) {
	ctx := context.Background()
	f := newBatchFixture(t)

	tx, err := f.store.Batch(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Put(counter{Value: 9}).Commit(ctx))

	got, found, err := f.store.Load(ctx)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 9, got.Value)
}

func TestTxState_String(t *testing.T) {
	assert.Equal(t, "idle", TxIdle.String())
	assert.Equal(t, "open", TxOpen.String())
	assert.Equal(t, "committing", TxCommitting.String())
	assert.Equal(t, "committed", TxCommitted.String())
	assert.Equal(t, "rolled_back", TxRolledBack.String())
	assert.Equal(t, "update", OpUpdate.String())
	assert.Equal(t, "delete", OpDelete.String())
}
