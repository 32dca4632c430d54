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
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/gdadkins/discord-llm-bot-sub008/pkg/datastore"
)

func (a *app) backupCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "backup FILE",
		Short: "Snapshot the live file into the backup directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.openStore(args[0])
			if err != nil {
				return err
			}
			defer st.Close()
			desc, err := st.Backup(cmd.Context(), reason)
			if err != nil {
				return err
			}
			return a.print(desc)
		},
	}
	cmd.Flags().StringVar(&reason, "reason", datastore.DefaultBackupReason, "reason recorded in the backup file name")
	return cmd
}

func (a *app) backupsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backups FILE",
		Short: "List backups of a store, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.openStore(args[0])
			if err != nil {
				return err
			}
			defer st.Close()
			backups, err := st.Backups(cmd.Context())
			if err != nil {
				return err
			}
			return a.printBackups(backups)
		},
	}
}

func (a *app) restoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restore FILE BACKUP",
		Short: `Replace the live file with a backup ("latest", a file name, or a path)`,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.openStore(args[0])
			if err != nil {
				return err
			}
			defer st.Close()

			ctx := cmd.Context()
			target := args[1]
			if target == "latest" {
				backups, err := st.Backups(ctx)
				if err != nil {
					return err
				}
				if len(backups) == 0 {
					return datastore.ErrBackupNotFound
				}
				target = backups[0].Path
			}
			if err := st.Restore(ctx, target); err != nil {
				return err
			}
			a.logger.Info("backup restored", slog.String("path", st.Path()), slog.String("backup", target))
			return nil
		},
	}
}

// errNotObject is returned when a migration targets a non-object payload.
var errNotObject = errors.New("payload is not a JSON object")

// fieldMigration is the migration applied by the migrate command.
type fieldMigration struct {
	set    map[string]any
	unset  []string
	rename [][2]string
}

// parseFieldMigration parses --set key=json, --unset key and --rename old=new.
func parseFieldMigration(sets, unsets, renames []string) (fieldMigration, error) {
	m := fieldMigration{set: make(map[string]any, len(sets)), unset: unsets}
	for _, s := range sets {
		k, raw, ok := strings.Cut(s, "=")
		if !ok || k == "" {
			return m, fmt.Errorf("--set %q: want key=json", s)
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			// Bare words are taken as strings.
			v = raw
		}
		m.set[k] = v
	}
	for _, r := range renames {
		from, to, ok := strings.Cut(r, "=")
		if !ok || from == "" || to == "" {
			return m, fmt.Errorf("--rename %q: want old=new", r)
		}
		m.rename = append(m.rename, [2]string{from, to})
	}
	if len(m.set) == 0 && len(m.unset) == 0 && len(m.rename) == 0 {
		return m, errors.New("nothing to migrate: pass --set, --unset or --rename")
	}
	return m, nil
}

// apply renames, then unsets, then sets. A missing payload starts empty.
func (m fieldMigration) apply(old *any) (any, error) {
	obj := map[string]any{}
	if old != nil && *old != nil {
		existing, ok := (*old).(map[string]any)
		if !ok {
			return nil, errNotObject
		}
		for k, v := range existing {
			obj[k] = v
		}
	}
	for _, r := range m.rename {
		if v, ok := obj[r[0]]; ok {
			delete(obj, r[0])
			obj[r[1]] = v
		}
	}
	for _, k := range m.unset {
		delete(obj, k)
	}
	for k, v := range m.set {
		obj[k] = v
	}
	return obj, nil
}

func (a *app) migrateCmd() *cobra.Command {
	var sets, unsets, renames []string
	cmd := &cobra.Command{
		Use:   "migrate FILE",
		Short: "Back up, transform and save a store's top-level fields",
		Long: `migrate loads the payload, snapshots it with reason "before_migration",
applies the field edits and saves the result through the validator chain.
If the transformed payload is rejected the live file is left unchanged.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := parseFieldMigration(sets, unsets, renames)
			if err != nil {
				return err
			}
			st, err := a.openStore(args[0])
			if err != nil {
				return err
			}
			defer st.Close()
			if err := st.Migrate(cmd.Context(), m.apply); err != nil {
				return err
			}
			a.logger.Info("migration applied", slog.String("path", st.Path()))
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&sets, "set", nil, "set a field: key=json (repeatable)")
	cmd.Flags().StringArrayVar(&unsets, "unset", nil, "remove a field (repeatable)")
	cmd.Flags().StringArrayVar(&renames, "rename", nil, "rename a field: old=new (repeatable)")
	return cmd
}
