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
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/gdadkins/discord-llm-bot-sub008/cmd/datastore/config"
	"github.com/gdadkins/discord-llm-bot-sub008/pkg/datastore"
	"github.com/gdadkins/discord-llm-bot-sub008/pkg/logging"
)

// app is the state shared by every subcommand of one invocation.
type app struct {
	// flags
	configPath string
	debug      bool
	logDir     string
	jsonLogs   bool
	quiet      bool
	compact    bool

	cfg    config.DatastoreConfig
	logger *logging.Logger
	out    io.Writer
	pretty bool
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:   "datastore",
		Short: "Inspect, repair, back up and restore datastore files",
		Long: `datastore operates on files written by the datastore library:
it reads and writes payloads atomically, manages timestamped backups,
applies migrations and reports health for one or more store files.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.logger != nil {
				_ = a.logger.Close()
			}
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.configPath, "config", "", "config file (default ~/.datastore/datastore.yaml)")
	pf.BoolVar(&a.debug, "debug", false, "enable debug logging")
	pf.StringVar(&a.logDir, "log-dir", "", "also write JSON logs to this directory")
	pf.BoolVar(&a.jsonLogs, "json-logs", false, "log to stderr as JSON")
	pf.BoolVarP(&a.quiet, "quiet", "q", false, "suppress console logging")
	pf.BoolVar(&a.compact, "compact", false, "print compact JSON even on a terminal")

	root.AddCommand(
		a.getCmd(),
		a.putCmd(),
		a.deleteCmd(),
		a.statsCmd(),
		a.backupCmd(),
		a.backupsCmd(),
		a.restoreCmd(),
		a.migrateCmd(),
		a.healthCmd(),
		a.verifyCmd(),
		a.watchCmd(),
		a.serveCmd(),
	)
	return root
}

// setup loads configuration, applies flag overrides and builds the logger.
func (a *app) setup(cmd *cobra.Command, args []string) error {
	var err error
	if a.configPath != "" {
		a.cfg, err = config.LoadFile(a.configPath)
	} else {
		err = config.Load("")
		a.cfg = config.Global
	}
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if a.debug {
		a.cfg.Logging.Level = "debug"
		a.cfg.Store.Debug = true
	}
	if a.logDir != "" {
		a.cfg.Logging.Dir = a.logDir
	}
	if a.jsonLogs {
		a.cfg.Logging.JSON = true
	}
	if a.quiet {
		a.cfg.Logging.Quiet = true
	}

	level, err := logging.ParseLevel(a.cfg.Logging.Level)
	if err != nil {
		return err
	}
	a.logger = logging.New(logging.Config{
		Level:   level,
		LogDir:  a.cfg.Logging.Dir,
		Service: "datastore",
		JSON:    a.cfg.Logging.JSON,
		Quiet:   a.cfg.Logging.Quiet,
		Output:  cmd.ErrOrStderr(),
	})

	a.out = cmd.OutOrStdout()
	a.pretty = !a.compact && isTerminal(a.out)
	return nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// errNilPayload rejects saving JSON null.
var errNilPayload = errors.New("payload must not be null")

// openStore opens path with the configured store defaults.
func (a *app) openStore(path string) (*datastore.Store[any], error) {
	opts, err := config.StoreOptions[any](a.cfg.Store)
	if err != nil {
		return nil, err
	}
	opts.Logger = a.logger.Slog().With(slog.String("component", "cli"))
	opts.Validator = func(v any) error {
		if v == nil {
			return errNilPayload
		}
		return nil
	}
	st, err := datastore.New(path, opts)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return st, nil
}
