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
	"io"
	"log/slog"

	"github.com/spf13/cobra"
)

// errNoData is returned by get when the store has no live file and no
// usable backup.
var errNoData = errors.New("no data")

func (a *app) getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get FILE",
		Short: "Print the payload of a store file, recovering from backups if it is corrupt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.openStore(args[0])
			if err != nil {
				return err
			}
			defer st.Close()

			v, found, err := st.Load(cmd.Context())
			if err != nil {
				return err
			}
			if !found {
				return fmt.Errorf("%s: %w", st.Path(), errNoData)
			}
			return a.print(v)
		},
	}
}

func (a *app) putCmd() *cobra.Command {
	var data string
	cmd := &cobra.Command{
		Use:   "put FILE",
		Short: "Validate and atomically write a JSON payload (from --data or stdin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw := []byte(data)
			if data == "" {
				b, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("read stdin: %w", err)
				}
				raw = b
			}
			var v any
			if err := json.Unmarshal(raw, &v); err != nil {
				return fmt.Errorf("payload is not valid JSON: %w", err)
			}

			st, err := a.openStore(args[0])
			if err != nil {
				return err
			}
			defer st.Close()

			if err := st.Save(cmd.Context(), v); err != nil {
				return err
			}
			a.logger.Info("payload saved", slog.String("path", st.Path()), slog.Int("bytes", len(raw)))
			return nil
		},
	}
	cmd.Flags().StringVarP(&data, "data", "d", "", "JSON payload (default: read stdin)")
	return cmd
}

func (a *app) deleteCmd() *cobra.Command {
	var withBackups bool
	cmd := &cobra.Command{
		Use:   "delete FILE",
		Short: "Remove a store file, optionally with its backups",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.openStore(args[0])
			if err != nil {
				return err
			}
			defer st.Close()
			if err := st.Delete(cmd.Context(), withBackups); err != nil {
				return err
			}
			a.logger.Info("store deleted", slog.String("path", st.Path()), slog.Bool("backups", withBackups))
			return nil
		},
	}
	cmd.Flags().BoolVar(&withBackups, "backups", false, "also delete this store's backups")
	return cmd
}

// statsOutput is printed by the stats command.
type statsOutput struct {
	Path      string `json:"path"`
	Exists    bool   `json:"exists"`
	BackupDir string `json:"backup_dir"`
	Backups   int    `json:"backups"`
	Size      int64  `json:"size,omitempty"`
	Modified  string `json:"last_modified,omitempty"`
	Created   string `json:"created,omitempty"`
}

func (a *app) statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats FILE",
		Short: "Show size, timestamps and backup count of a store file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.openStore(args[0])
			if err != nil {
				return err
			}
			defer st.Close()

			ctx := cmd.Context()
			fs, err := st.Stats(ctx)
			if err != nil {
				return err
			}
			backups, err := st.Backups(ctx)
			if err != nil {
				return err
			}
			out := statsOutput{
				Path:      st.Path(),
				Exists:    fs != nil,
				BackupDir: st.BackupDir(),
				Backups:   len(backups),
			}
			if fs != nil {
				out.Size = fs.Size
				out.Modified = fs.LastModified.Format(timeLayout)
				out.Created = fs.Created.Format(timeLayout)
			}
			return a.print(out)
		},
	}
}

const timeLayout = "2006-01-02T15:04:05.000Z07:00"
