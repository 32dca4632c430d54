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
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/gdadkins/discord-llm-bot-sub008/pkg/datastore"
)

// verifyConcurrency bounds parallel store checks.
const verifyConcurrency = 4

func (a *app) healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health FILE",
		Short: "Probe whether a store can be read and written (exit 2 if not)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.openStore(args[0])
			if err != nil {
				return err
			}
			defer st.Close()

			res := st.HealthCheck(cmd.Context())
			if err := a.print(res); err != nil {
				return err
			}
			if !res.Healthy {
				return &CommandError{Command: "health", ExitCode: exitUnhealthy, Wrapped: fmt.Errorf("%s: %s", st.Path(), res.Error)}
			}
			return nil
		},
	}
}

// verifyResult is one line of verify output.
type verifyResult struct {
	Path    string `json:"path"`
	Found   bool   `json:"found"`
	Healthy bool   `json:"healthy"`
	Error   string `json:"error,omitempty"`
}

func (a *app) verifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify FILE...",
		Short: "Load and health-check several stores in parallel, repairing corrupt files from backups",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			results, err := a.verify(cmd.Context(), args)
			if err != nil {
				return err
			}
			bad := 0
			for _, r := range results {
				if !r.Healthy {
					bad++
				}
			}
			if err := a.print(results); err != nil {
				return err
			}
			if bad > 0 {
				return &CommandError{Command: "verify", ExitCode: exitUnhealthy, Wrapped: fmt.Errorf("%d of %d stores unhealthy", bad, len(results))}
			}
			return nil
		},
	}
}

// verify checks every path. Per-store failures are reported in the result;
// only setup errors abort.
func (a *app) verify(ctx context.Context, paths []string) ([]verifyResult, error) {
	results := make([]verifyResult, len(paths))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(verifyConcurrency)

	for i, path := range paths {
		g.Go(func() error {
			st, err := a.openStore(path)
			if err != nil {
				return err
			}
			defer st.Close()
			results[i] = verifyStore(ctx, st)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func verifyStore(ctx context.Context, st *datastore.Store[any]) verifyResult {
	r := verifyResult{Path: st.Path()}
	_, found, err := st.Load(ctx)
	r.Found = found
	if err != nil {
		r.Error = err.Error()
		return r
	}
	h := st.HealthCheck(ctx)
	r.Healthy = h.Healthy
	if !h.Healthy {
		r.Error = h.Error
	}
	return r
}

func (a *app) watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch FILE",
		Short: "Print a JSON line for every change to a store file until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.openStore(args[0])
			if err != nil {
				return err
			}
			defer st.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a.logger.Info("watching", slog.String("path", st.Path()))
			return st.Watch(ctx, func(ev datastore.ChangeEvent) {
				if err := a.print(ev); err != nil {
					a.logger.Warn("write event", slog.String("error", err.Error()))
				}
			})
		},
	}
}
