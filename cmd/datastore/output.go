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

import (
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/gdadkins/discord-llm-bot-sub008/pkg/datastore"
)

// print writes v as JSON: indented on a terminal, one line otherwise.
func (a *app) print(v any) error {
	enc := json.NewEncoder(a.out)
	if a.pretty {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(v)
}

// printBackups renders a table on a terminal and JSON otherwise.
func (a *app) printBackups(backups []datastore.BackupDescriptor) error {
	if !a.pretty {
		return a.print(backups)
	}
	if len(backups) == 0 {
		_, err := fmt.Fprintln(a.out, "no backups")
		return err
	}
	return writeBackupTable(a.out, backups)
}

func writeBackupTable(w io.Writer, backups []datastore.BackupDescriptor) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tTIME\tSIZE\tREASON")
	for _, b := range backups {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
			filepath.Base(b.Path),
			b.Timestamp.Local().Format(time.DateTime),
			humanBytes(b.SizeBytes),
			b.Reason,
		)
	}
	return tw.Flush()
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
