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
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type user struct {
	ID   string `json:"id" yaml:"id" validate:"required"`
	Name string `json:"name" yaml:"name" validate:"required"`
}

type counter struct {
	Value int `json:"value"`
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testOptions[T any]() Options[T] {
	opts := DefaultOptions[T]()
	opts.RetryDelay = time.Millisecond
	opts.Logger = quietLogger()
	opts.TracingEnabled = false
	return opts
}

func newTestStore[T any](t *testing.T, path string, mutate ...func(*Options[T])) *Store[T] {
	t.Helper()
	opts := testOptions[T]()
	for _, m := range mutate {
		m(&opts)
	}
	s, err := New(path, opts)
	require.NoError(t, err)
	return s
}

func newFaultStore[T any](t *testing.T, path string, fsys *faultFS, mutate ...func(*Options[T])) *Store[T] {
	t.Helper()
	opts := testOptions[T]()
	for _, m := range mutate {
		m(&opts)
	}
	s, err := newStore(path, opts, fsys)
	require.NoError(t, err)
	return s
}

func readFile(t *testing.T, path string) []byte {
	t.Helper()
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	return b
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

// tempFiles returns leftover temp files in dir.
func tempFiles(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var out []string
	for _, e := range entries {
		if strings.Contains(e.Name(), ".tmp-") {
			out = append(out, e.Name())
		}
	}
	return out
}

// -----------------------------------------------------------------------------
// Fault injection
// -----------------------------------------------------------------------------

// faultFS wraps the real filesystem and fails selected calls.
type faultFS struct {
	osFS

	mu sync.Mutex
	// writeErrs are returned by successive temp-file writes, then writes succeed.
	writeErrs []error
	// renameFails maps a target base name to the number of failing renames.
	renameFails map[string]int
	renameErr   error
	// readErrs are returned by successive reads, then reads succeed.
	readErrs []error

	writes  int
	renames int
	reads   int
}

func (f *faultFS) CreateTemp(dir, pattern string) (tempFile, error) {
	tmp, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return nil, err
	}
	return &faultTemp{File: tmp, fs: f}, nil
}

func (f *faultFS) Rename(oldpath, newpath string) error {
	f.mu.Lock()
	f.renames++
	base := filepath.Base(newpath)
	if n := f.renameFails[base]; n != 0 {
		if n > 0 {
			f.renameFails[base] = n - 1
		}
		f.mu.Unlock()
		err := f.renameErr
		if err == nil {
			err = syscall.EIO
		}
		return &os.LinkError{Op: "rename", Old: oldpath, New: newpath, Err: err}
	}
	f.mu.Unlock()
	return os.Rename(oldpath, newpath)
}

func (f *faultFS) ReadFile(name string) ([]byte, error) {
	f.mu.Lock()
	f.reads++
	if len(f.readErrs) > 0 {
		err := f.readErrs[0]
		f.readErrs = f.readErrs[1:]
		f.mu.Unlock()
		return nil, err
	}
	f.mu.Unlock()
	return os.ReadFile(name)
}

func (f *faultFS) nextWriteErr() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes++
	if len(f.writeErrs) == 0 {
		return nil
	}
	err := f.writeErrs[0]
	f.writeErrs = f.writeErrs[1:]
	return err
}

type faultTemp struct {
	*os.File
	fs *faultFS
}

func (t *faultTemp) Write(p []byte) (int, error) {
	if err := t.fs.nextWriteErr(); err != nil {
		// Leave a partial write behind to prove the live file is never touched.
		n, _ := t.File.Write(p[:len(p)/2])
		return n, err
	}
	return t.File.Write(p)
}

var errInjected = errors.New("injected fault")
