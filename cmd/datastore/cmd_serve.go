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
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/gdadkins/discord-llm-bot-sub008/pkg/datastore"
	"github.com/gdadkins/discord-llm-bot-sub008/pkg/telemetry"
)

const shutdownTimeout = 5 * time.Second

func (a *app) serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve FILE...",
		Short: "Serve /healthz, /metrics, /stores, /backups and /watch for a set of store files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				addr = a.cfg.Server.Addr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx, addr, args)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config server.addr)")
	return cmd
}

func (a *app) serve(ctx context.Context, addr string, paths []string) error {
	shutdown, err := telemetry.Init(ctx, a.cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdown(sctx); err != nil {
			a.logger.Warn("telemetry shutdown", slog.String("error", err.Error()))
		}
	}()

	stores := make(map[string]*datastore.Store[any], len(paths))
	defer func() {
		for _, st := range stores {
			_ = st.Close()
		}
	}()
	for _, p := range paths {
		st, err := a.openStore(p)
		if err != nil {
			return err
		}
		if prev, dup := stores[st.Name()]; dup {
			_ = st.Close()
			return fmt.Errorf("stores %s and %s share the name %q", prev.Path(), st.Path(), st.Name())
		}
		stores[st.Name()] = st
	}

	httpMetrics, err := telemetry.NewHTTPMetrics(otel.Meter("datastore.http"))
	if err != nil {
		return err
	}
	var limiter *rate.Limiter
	if a.cfg.Server.RateLimit > 0 {
		burst := a.cfg.Server.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(a.cfg.Server.RateLimit), burst)
	}

	gin.SetMode(gin.ReleaseMode)
	srv := &http.Server{
		Addr: addr,
		Handler: newRouter(stores, routerDeps{
			metrics:     telemetry.MetricsHandler(),
			httpMetrics: httpMetrics,
			limiter:     limiter,
			logger:      a.logger.Slog(),
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("ops server listening", slog.String("addr", addr), slog.Int("stores", len(stores)))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	a.logger.Info("ops server stopped")
	return nil
}

// healthResponse is the /healthz body.
type healthResponse struct {
	Healthy bool                                   `json:"healthy"`
	Stores  map[string]datastore.HealthCheckResult `json:"stores"`
}

// storeSummary is one element of the /stores body.
type storeSummary struct {
	Name    string            `json:"name"`
	Path    string            `json:"path"`
	Metrics datastore.Metrics `json:"metrics"`
}

// routerDeps are the optional collaborators of the ops router.
type routerDeps struct {
	metrics     http.Handler
	httpMetrics *telemetry.HTTPMetrics
	limiter     *rate.Limiter
	logger      *slog.Logger
}

func newRouter(stores map[string]*datastore.Store[any], deps routerDeps) *gin.Engine {
	logger := deps.logger
	if logger == nil {
		logger = slog.Default()
	}
	metricsHandler := deps.metrics
	if metricsHandler == nil {
		metricsHandler = promhttp.Handler()
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(otelgin.Middleware("datastore"))
	if deps.httpMetrics != nil {
		r.Use(httpMetricsMiddleware(deps.httpMetrics))
	}
	if deps.limiter != nil {
		r.Use(rateLimitMiddleware(deps.limiter))
	}

	names := make([]string, 0, len(stores))
	for n := range stores {
		names = append(names, n)
	}
	sort.Strings(names)

	r.GET("/healthz", func(c *gin.Context) {
		resp := healthResponse{Healthy: true, Stores: make(map[string]datastore.HealthCheckResult, len(stores))}
		for _, n := range names {
			res := stores[n].HealthCheck(c.Request.Context())
			resp.Stores[n] = res
			if !res.Healthy {
				resp.Healthy = false
			}
		}
		status := http.StatusOK
		if !resp.Healthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, resp)
	})

	r.GET("/metrics", gin.WrapH(metricsHandler))

	r.GET("/stores", func(c *gin.Context) {
		out := make([]storeSummary, 0, len(names))
		for _, n := range names {
			st := stores[n]
			out = append(out, storeSummary{Name: n, Path: st.Path(), Metrics: st.GetMetrics()})
		}
		c.JSON(http.StatusOK, out)
	})

	r.GET("/backups", func(c *gin.Context) {
		selected := names
		if want := c.Query("store"); want != "" {
			if _, ok := stores[want]; !ok {
				c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("unknown store %q", want)})
				return
			}
			selected = []string{want}
		}
		out := make(map[string][]datastore.BackupDescriptor, len(selected))
		for _, n := range selected {
			backups, err := stores[n].Backups(c.Request.Context())
			if err != nil {
				logger.Error("list backups failed", slog.String("store", n), slog.String("error", err.Error()))
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			if backups == nil {
				backups = []datastore.BackupDescriptor{}
			}
			out[n] = backups
		}
		c.JSON(http.StatusOK, out)
	})

	r.GET("/watch", watchHandler(stores, logger))

	return r
}

// rateLimitMiddleware rejects requests beyond the limiter's rate with 429.
func rateLimitMiddleware(l *rate.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !l.Allow() {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

func httpMetricsMiddleware(m *telemetry.HTTPMetrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		start := time.Now()
		m.ActiveRequests.Add(ctx, 1)
		defer m.ActiveRequests.Add(ctx, -1)

		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		attrs := metric.WithAttributes(
			attribute.String("method", c.Request.Method),
			attribute.String("route", route),
			attribute.Int("status", c.Writer.Status()),
		)
		m.RequestsTotal.Add(ctx, 1, attrs)
		m.RequestDuration.Record(ctx, time.Since(start).Seconds(), attrs)
	}
}
