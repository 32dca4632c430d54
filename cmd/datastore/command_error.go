// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import "fmt"

// exitUnhealthy is returned by health and verify when a store fails.
const exitUnhealthy = 2

// CommandError carries the exit status a failed command should produce.
//
// # Example
//
//	return &CommandError{Command: "health", ExitCode: exitUnhealthy,
//	    Wrapped: fmt.Errorf("%d of %d stores unhealthy", bad, total)}
type CommandError struct {
	// Command is the subcommand that failed.
	Command string

	// ExitCode is the process exit status.
	ExitCode int

	// Wrapped is the underlying error.
	Wrapped error
}

func (e *CommandError) Error() string {
	if e.Wrapped != nil {
		return fmt.Sprintf("%s (exit %d): %v", e.Command, e.ExitCode, e.Wrapped)
	}
	return fmt.Sprintf("%s (exit %d)", e.Command, e.ExitCode)
}

// Unwrap returns the underlying error.
func (e *CommandError) Unwrap() error { return e.Wrapped }
