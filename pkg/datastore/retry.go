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
	"syscall"
	"time"
)

// retryPolicy configures the filesystem retry loop.
type retryPolicy struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int

	// BaseDelay is the wait before the first retry. Attempt n (0-based)
	// waits BaseDelay * 2^n.
	BaseDelay time.Duration
}

// backoff returns the wait before retry number attempt (0-based).
func (p retryPolicy) backoff(attempt int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	if attempt > 30 {
		attempt = 30
	}
	return p.BaseDelay << attempt
}

// retryFunc is one attempt of a retried operation.
type retryFunc func(attempt int) error

// withRetry runs fn until it succeeds, returns a permanent error, or the
// policy is exhausted. onRetry is invoked before each wait.
//
// # Outputs
//
//   - int: Number of attempts made (at least 1).
//   - error: Last error, nil on success.
//
// The caller's context only bounds the waits. Callers that must finish
// the operation pass a context detached from cancellation.
func withRetry(ctx context.Context, p retryPolicy, onRetry func(attempt int, err error), fn retryFunc) (int, error) {
	var lastErr error
	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		err := fn(attempt)
		if err == nil {
			return attempt + 1, nil
		}
		lastErr = err

		if !isTransient(err) {
			return attempt + 1, err
		}
		// Don't wait after the last attempt
		if attempt == p.MaxRetries {
			return attempt + 1, err
		}

		if onRetry != nil {
			onRetry(attempt, err)
		}

		wait := p.backoff(attempt)
		if wait <= 0 {
			continue
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempt + 1, errors.Join(lastErr, ctx.Err())
		case <-timer.C:
		}
	}
	return p.MaxRetries + 1, lastErr
}

// permanentError marks an error that retrying cannot fix.
type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// permanent wraps err so withRetry returns it immediately.
func permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// isTransient reports whether a filesystem error may succeed on retry.
//
// Missing files, permission problems, structural path errors and errors
// wrapped with permanent are not retried. Everything else (EAGAIN, EBUSY,
// EIO, ENOSPC, short writes) is retried.
func isTransient(err error) bool {
	var pe permanentError
	if errors.As(err, &pe) {
		return false
	}
	switch {
	case errors.Is(err, fs.ErrNotExist),
		errors.Is(err, fs.ErrPermission),
		errors.Is(err, syscall.ENOTDIR),
		errors.Is(err, syscall.EISDIR),
		errors.Is(err, syscall.EROFS),
		errors.Is(err, syscall.ENAMETOOLONG),
		errors.Is(err, syscall.EINVAL):
		return false
	}
	return true
}
