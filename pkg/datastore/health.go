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
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel/attribute"
)

// HealthCheckResult is the verdict of HealthCheck.
type HealthCheckResult struct {
	// Healthy is true when the store can persist: the live file (or, if
	// absent, its nearest existing directory) is writable, and an existing
	// live file is readable.
	Healthy    bool    `json:"healthy"`
	FileExists bool    `json:"file_exists"`
	Readable   bool    `json:"readable"`
	Writable   bool    `json:"writable"`
	Metrics    Metrics `json:"metrics"`
	// Error describes the first failing probe.
	Error string `json:"error,omitempty"`
}

// HealthCheck probes the live path without modifying anything.
func (s *Store[T]) HealthCheck(ctx context.Context) HealthCheckResult {
	start := time.Now()
	_, span := s.startSpan(ctx, opHealth)

	var res HealthCheckResult
	var probeErr error

	info, err := s.fs.Stat(s.path)
	switch {
	case err == nil && info.IsDir():
		probeErr = errors.New("live path is a directory")
	case err == nil:
		res.FileExists = true
		if f, err := os.Open(s.path); err == nil {
			res.Readable = true
			_ = f.Close()
		} else {
			probeErr = err
		}
		if err := probeWritable(s.path); err == nil {
			res.Writable = true
		} else if probeErr == nil {
			probeErr = err
		}
	case errors.Is(err, fs.ErrNotExist):
		dir, derr := nearestExistingDir(filepath.Dir(s.path))
		if derr != nil {
			probeErr = derr
			break
		}
		if !s.opts.CreateDirectories && dir != filepath.Dir(s.path) {
			probeErr = ErrDirectoryMissing
			break
		}
		if err := probeWritable(dir); err == nil {
			res.Writable = true
		} else {
			probeErr = err
		}
	default:
		probeErr = err
	}

	res.Healthy = res.Writable && (!res.FileExists || res.Readable) && probeErr == nil
	if probeErr != nil {
		res.Error = probeErr.Error()
	}

	s.metrics.record(opHealth, time.Since(start), nil)
	res.Metrics = s.metrics.snapshot()

	span.SetAttributes(
		attribute.Bool("datastore.healthy", res.Healthy),
		attribute.Bool("datastore.file_exists", res.FileExists),
	)
	endSpan(span, probeErr)
	return res
}

// nearestExistingDir walks up from dir to the first path that exists. It
// fails if that path is not a directory.
func nearestExistingDir(dir string) (string, error) {
	for {
		info, err := os.Stat(dir)
		if err == nil {
			if !info.IsDir() {
				return "", &fs.PathError{Op: "stat", Path: dir, Err: errors.New("not a directory")}
			}
			return dir, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", err
		}
		dir = parent
	}
}
