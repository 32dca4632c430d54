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
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/metric/noop"
	"golang.org/x/time/rate"

	"github.com/gdadkins/discord-llm-bot-sub008/cmd/datastore/config"
	"github.com/gdadkins/discord-llm-bot-sub008/pkg/datastore"
	"github.com/gdadkins/discord-llm-bot-sub008/pkg/logging"
	"github.com/gdadkins/discord-llm-bot-sub008/pkg/telemetry"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func testApp(t *testing.T) *app {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Store.RetryDelay = 0
	logger := logging.New(logging.Config{Quiet: true})
	t.Cleanup(func() { _ = logger.Close() })
	return &app{cfg: cfg, logger: logger}
}

func testRouter(t *testing.T, paths ...string) (*gin.Engine, map[string]*datastore.Store[any]) {
	t.Helper()
	a := testApp(t)
	stores := make(map[string]*datastore.Store[any])
	for _, p := range paths {
		st, err := a.openStore(p)
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { _ = st.Close() })
		stores[st.Name()] = st
	}
	hm, err := telemetry.NewHTTPMetrics(noop.NewMeterProvider().Meter("test"))
	if err != nil {
		t.Fatal(err)
	}
	reg := prometheus.NewRegistry()
	return newRouter(stores, routerDeps{
		metrics:     promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		httpMetrics: hm,
		logger:      a.logger.Slog(),
	}), stores
}

func get(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestServe_Healthz(t *testing.T) {
	dir := t.TempDir()
	r, stores := testRouter(t, filepath.Join(dir, "prefs.json"), filepath.Join(dir, "stats.json"))
	if err := stores["prefs"].Save(context.Background(), map[string]any{"a": 1}); err != nil {
		t.Fatal(err)
	}

	rec := get(t, r, "/healthz")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	var body healthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if !body.Healthy || len(body.Stores) != 2 {
		t.Errorf("body = %+v", body)
	}
	if !body.Stores["prefs"].FileExists || body.Stores["stats"].FileExists {
		t.Errorf("file_exists wrong: %+v", body.Stores)
	}
}

func TestServe_HealthzUnhealthy(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	if err := os.WriteFile(blocker, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	r, _ := testRouter(t, filepath.Join(blocker, "p.json"))

	rec := get(t, r, "/healthz")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

func TestServe_Backups(t *testing.T) {
	dir := t.TempDir()
	r, stores := testRouter(t, filepath.Join(dir, "prefs.json"))
	ctx := context.Background()
	st := stores["prefs"]
	if err := st.Save(ctx, map[string]any{"v": 1}); err != nil {
		t.Fatal(err)
	}
	if _, err := st.Backup(ctx, "nightly"); err != nil {
		t.Fatal(err)
	}

	rec := get(t, r, "/backups?store=prefs")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string][]datastore.BackupDescriptor
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if len(body["prefs"]) != 1 || body["prefs"][0].Reason != "nightly" {
		t.Errorf("body = %+v", body)
	}

	if rec := get(t, r, "/backups?store=nope"); rec.Code != http.StatusNotFound {
		t.Errorf("unknown store status = %d, want 404", rec.Code)
	}
}

func TestServe_StoresAndMetrics(t *testing.T) {
	dir := t.TempDir()
	r, stores := testRouter(t, filepath.Join(dir, "prefs.json"))
	if err := stores["prefs"].Save(context.Background(), map[string]any{"v": 1}); err != nil {
		t.Fatal(err)
	}

	rec := get(t, r, "/stores")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body []storeSummary
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if len(body) != 1 || body[0].Metrics.SaveCount != 1 {
		t.Errorf("body = %+v", body)
	}

	if rec := get(t, r, "/metrics"); rec.Code != http.StatusOK {
		t.Errorf("/metrics status = %d", rec.Code)
	}
}

func TestServe_RateLimit(t *testing.T) {
	dir := t.TempDir()
	a := testApp(t)
	st, err := a.openStore(filepath.Join(dir, "prefs.json"))
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	r := newRouter(map[string]*datastore.Store[any]{st.Name(): st}, routerDeps{
		limiter: rate.NewLimiter(rate.Every(time.Hour), 1),
		logger:  a.logger.Slog(),
	})

	if rec := get(t, r, "/stores"); rec.Code != http.StatusOK {
		t.Fatalf("first request status = %d", rec.Code)
	}
	rec := get(t, r, "/stores")
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("second request status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After")
	}
}

func TestServe_WatchStreamsEvents(t *testing.T) {
	dir := t.TempDir()
	r, stores := testRouter(t, filepath.Join(dir, "prefs.json"))
	srv := httptest.NewServer(r)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/watch?store=prefs"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	var hello watchHello
	if err := conn.ReadJSON(&hello); err != nil {
		t.Fatalf("read hello: %v", err)
	}
	if hello.Store != "prefs" {
		t.Errorf("hello = %+v", hello)
	}

	// The watcher registers after the hello; keep saving until an event arrives.
	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()
		for i := 0; ; i++ {
			select {
			case <-done:
				return
			case <-ticker.C:
				_ = stores["prefs"].Save(context.Background(), map[string]any{"i": i})
			}
		}
	}()

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var ev datastore.ChangeEvent
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if ev.Path != stores["prefs"].Path() {
		t.Errorf("event path = %q, want %q", ev.Path, stores["prefs"].Path())
	}
}

func TestServe_WatchUnknownStore(t *testing.T) {
	r, _ := testRouter(t, filepath.Join(t.TempDir(), "prefs.json"))
	if rec := get(t, r, "/watch?store=nope"); rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}
