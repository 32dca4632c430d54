// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datastore persists a single typed record per file with
// crash-safe writes, validation, backups, migrations and multi-file batches.
//
// # Overview
//
// A Store[T] is bound to one live file. Save validates the payload,
// serializes it and writes it to a temporary sibling before renaming it over
// the live file, so readers only ever see a complete old or new version.
// Every filesystem call is retried with exponential backoff
// (RetryDelay * 2^attempt) on transient errors.
//
// Payloads above CompressionThreshold are optionally wrapped in a small
// envelope (magic, algorithm, xxhash64, body). Reads detect the envelope by
// its magic, so files written with any compression setting load under any
// other.
//
// # Backups
//
// Snapshots live in "<dir>/backups/<timestampMillis>_<reason><ext>" and
// are rotated down to MaxBackups after each backup and each save. Load
// falls back to the newest valid snapshot when the live file is corrupt
// or rejected by the validator chain. Each snapshot carries a hidden owner
// marker, so stores sharing a directory never see each other's history.
//
// # Batches
//
//	b, err := store.Batch(ctx)
//	if err != nil {
//	    return err
//	}
//	err = b.Update("a.json", a).Delete("b.json").Update("c.json", c).Commit(ctx)
//
// Commit applies operations in order. On failure every path whose
// operation already ran is put back the way it was, directories the commit
// created are removed, and a *BatchError is returned.
//
// # Observability
//
// Each store records per-instance counters (GetMetrics), Prometheus series
// labelled by store name, OpenTelemetry spans named "datastore.<op>", and
// slog lines with trace_id/span_id when a span is active.
package datastore
