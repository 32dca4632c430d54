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
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gdadkins/discord-llm-bot-sub008/cmd/datastore/config"
	"github.com/gdadkins/discord-llm-bot-sub008/pkg/datastore"
)

// testConfig writes a config with fast retries and returns its path.
func testConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "datastore.yaml")
	body := "store:\n  retry_delay: 1ms\ntelemetry:\n  trace_exporter: none\n  metric_exporter: none\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

// runCLI executes the root command and returns stdout.
func runCLI(t *testing.T, cfgPath, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(append([]string{"--config", cfgPath, "--quiet"}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestPutGet(t *testing.T) {
	cfg := testConfig(t)
	file := filepath.Join(t.TempDir(), "prefs.json")

	if _, err := runCLI(t, cfg, "", "put", file, "--data", `{"theme":"dark","size":3}`); err != nil {
		t.Fatalf("put: %v", err)
	}
	out, err := runCLI(t, cfg, "", "get", file)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("get output %q: %v", out, err)
	}
	if got["theme"] != "dark" || got["size"] != float64(3) {
		t.Errorf("got %v", got)
	}
}

func TestPutFromStdin(t *testing.T) {
	cfg := testConfig(t)
	file := filepath.Join(t.TempDir(), "p.json")

	if _, err := runCLI(t, cfg, `["a","b"]`, "put", file); err != nil {
		t.Fatalf("put: %v", err)
	}
	out, err := runCLI(t, cfg, "", "get", file)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if strings.TrimSpace(out) != `["a","b"]` {
		t.Errorf("get = %q", out)
	}
}

func TestPutRejections(t *testing.T) {
	cfg := testConfig(t)
	file := filepath.Join(t.TempDir(), "p.json")

	if _, err := runCLI(t, cfg, "", "put", file, "--data", "{not json"); err == nil {
		t.Error("expected error for invalid JSON")
	}
	_, err := runCLI(t, cfg, "", "put", file, "--data", "null")
	if !errors.Is(err, datastore.ErrValidation) {
		t.Errorf("null payload err = %v, want ErrValidation", err)
	}
	if _, err := os.Stat(file); !os.IsNotExist(err) {
		t.Error("rejected payload must not create the file")
	}
}

func TestGetMissing(t *testing.T) {
	cfg := testConfig(t)
	_, err := runCLI(t, cfg, "", "get", filepath.Join(t.TempDir(), "none.json"))
	if !errors.Is(err, errNoData) {
		t.Errorf("err = %v, want errNoData", err)
	}
}

func TestBackupListRestore(t *testing.T) {
	cfg := testConfig(t)
	file := filepath.Join(t.TempDir(), "p.json")

	mustRun(t, cfg, "put", file, "--data", `{"v":1}`)
	mustRun(t, cfg, "backup", file, "--reason", "pre deploy")
	mustRun(t, cfg, "put", file, "--data", `{"v":2}`)

	out := mustRun(t, cfg, "backups", file)
	var backups []datastore.BackupDescriptor
	if err := json.Unmarshal([]byte(out), &backups); err != nil {
		t.Fatalf("backups output %q: %v", out, err)
	}
	if len(backups) != 1 {
		t.Fatalf("backups = %d, want 1", len(backups))
	}
	if backups[0].Reason != "pre-deploy" {
		t.Errorf("reason = %q, want sanitized pre-deploy", backups[0].Reason)
	}

	mustRun(t, cfg, "restore", file, "latest")
	out = mustRun(t, cfg, "get", file)
	if !strings.Contains(out, `"v":1`) {
		t.Errorf("after restore get = %q", out)
	}
}

func TestRestoreRejectsOutsidePath(t *testing.T) {
	cfg := testConfig(t)
	dir := t.TempDir()
	file := filepath.Join(dir, "p.json")
	mustRun(t, cfg, "put", file, "--data", `{"v":1}`)

	outside := filepath.Join(dir, "elsewhere.json")
	if err := os.WriteFile(outside, []byte(`{"v":9}`), 0o600); err != nil {
		t.Fatal(err)
	}
	_, err := runCLI(t, cfg, "", "restore", file, outside)
	if !errors.Is(err, datastore.ErrInvalidBackupPath) {
		t.Errorf("err = %v, want ErrInvalidBackupPath", err)
	}
}

func TestMigrate(t *testing.T) {
	cfg := testConfig(t)
	file := filepath.Join(t.TempDir(), "p.json")
	mustRun(t, cfg, "put", file, "--data", `{"name":"x","old":true}`)

	mustRun(t, cfg, "migrate", file, "--rename", "name=title", "--unset", "old", "--set", "version=2")

	out := mustRun(t, cfg, "get", file)
	var got map[string]any
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatal(err)
	}
	if got["title"] != "x" || got["version"] != float64(2) {
		t.Errorf("migrated = %v", got)
	}
	if _, ok := got["old"]; ok {
		t.Error("old should be removed")
	}

	out = mustRun(t, cfg, "backups", file)
	if !strings.Contains(out, datastore.ReasonBeforeMigration) {
		t.Errorf("expected a before_migration backup, got %s", out)
	}
}

func TestMigrateNonObject(t *testing.T) {
	cfg := testConfig(t)
	file := filepath.Join(t.TempDir(), "p.json")
	mustRun(t, cfg, "put", file, "--data", `[1,2]`)

	_, err := runCLI(t, cfg, "", "migrate", file, "--set", "a=1")
	if !errors.Is(err, errNotObject) {
		t.Errorf("err = %v, want errNotObject", err)
	}
	out := mustRun(t, cfg, "get", file)
	if strings.TrimSpace(out) != "[1,2]" {
		t.Errorf("live file changed: %q", out)
	}
}

func TestDeleteWithBackups(t *testing.T) {
	cfg := testConfig(t)
	dir := t.TempDir()
	file := filepath.Join(dir, "p.json")
	mustRun(t, cfg, "put", file, "--data", `{"v":1}`)
	mustRun(t, cfg, "backup", file)

	mustRun(t, cfg, "delete", file, "--backups")
	if _, err := os.Stat(file); !os.IsNotExist(err) {
		t.Error("live file should be gone")
	}
	out := mustRun(t, cfg, "backups", file)
	if strings.TrimSpace(out) != "null" && strings.TrimSpace(out) != "[]" {
		t.Errorf("backups after delete = %q", out)
	}
}

func TestStats(t *testing.T) {
	cfg := testConfig(t)
	file := filepath.Join(t.TempDir(), "p.json")

	out := mustRun(t, cfg, "stats", file)
	var st statsOutput
	if err := json.Unmarshal([]byte(out), &st); err != nil {
		t.Fatal(err)
	}
	if st.Exists {
		t.Error("stats of a missing file should report exists=false")
	}

	mustRun(t, cfg, "put", file, "--data", `{"v":1}`)
	out = mustRun(t, cfg, "stats", file)
	if err := json.Unmarshal([]byte(out), &st); err != nil {
		t.Fatal(err)
	}
	if !st.Exists || st.Size == 0 {
		t.Errorf("stats = %+v", st)
	}
}

func TestHealthAndVerify(t *testing.T) {
	cfg := testConfig(t)
	dir := t.TempDir()
	good := filepath.Join(dir, "good.json")
	corrupt := filepath.Join(dir, "corrupt.json")

	mustRun(t, cfg, "put", good, "--data", `{"ok":true}`)
	mustRun(t, cfg, "health", good)

	mustRun(t, cfg, "put", corrupt, "--data", `{"v":1}`)
	mustRun(t, cfg, "backup", corrupt)
	if err := os.WriteFile(corrupt, []byte("{garbage"), 0o600); err != nil {
		t.Fatal(err)
	}

	out := mustRun(t, cfg, "verify", good, corrupt)
	var results []verifyResult
	if err := json.Unmarshal([]byte(out), &results); err != nil {
		t.Fatalf("verify output %q: %v", out, err)
	}
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}
	for _, r := range results {
		if !r.Healthy || !r.Found {
			t.Errorf("%s: %+v", r.Path, r)
		}
	}

	// The corrupt file was repaired from its backup.
	out = mustRun(t, cfg, "get", corrupt)
	if !strings.Contains(out, `"v":1`) {
		t.Errorf("repaired get = %q", out)
	}
}

func TestHealthUnhealthyExitCode(t *testing.T) {
	cfg := testConfig(t)
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	if err := os.WriteFile(blocker, nil, 0o600); err != nil {
		t.Fatal(err)
	}

	_, err := runCLI(t, cfg, "", "health", filepath.Join(blocker, "p.json"))
	if err == nil {
		t.Fatal("expected unhealthy error")
	}
	if code := exitCode(err); code != exitUnhealthy {
		t.Errorf("exit code = %d, want %d", code, exitUnhealthy)
	}
}

func TestExitCode(t *testing.T) {
	if got := exitCode(errors.New("x")); got != 1 {
		t.Errorf("plain error exit = %d, want 1", got)
	}
	if got := exitCode(&CommandError{Command: "verify", ExitCode: 2}); got != 2 {
		t.Errorf("CommandError exit = %d, want 2", got)
	}
}

func TestParseFieldMigration(t *testing.T) {
	tests := []struct {
		name    string
		sets    []string
		unsets  []string
		renames []string
		wantErr bool
	}{
		{name: "empty", wantErr: true},
		{name: "bad set", sets: []string{"novalue"}, wantErr: true},
		{name: "bad rename", renames: []string{"a="}, wantErr: true},
		{name: "json and bare", sets: []string{"n=3", "s=hello"}},
		{name: "unset only", unsets: []string{"x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := parseFieldMigration(tt.sets, tt.unsets, tt.renames)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.name == "json and bare" {
				if m.set["n"] != float64(3) || m.set["s"] != "hello" {
					t.Errorf("set = %v", m.set)
				}
			}
		})
	}
}

func TestHumanBytes(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{0, "0 B"},
		{1023, "1023 B"},
		{1024, "1.0 KiB"},
		{1536, "1.5 KiB"},
		{5 << 20, "5.0 MiB"},
	}
	for _, tt := range tests {
		if got := humanBytes(tt.in); got != tt.want {
			t.Errorf("humanBytes(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestWriteBackupTable(t *testing.T) {
	var buf bytes.Buffer
	err := writeBackupTable(&buf, []datastore.BackupDescriptor{
		{Path: "/tmp/backups/p_1_manual.json", SizeBytes: 2048, Reason: "manual"},
	})
	if err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{"NAME", "p_1_manual.json", "2.0 KiB", "manual"} {
		if !strings.Contains(out, want) {
			t.Errorf("table missing %q:\n%s", want, out)
		}
	}
}

func TestDefaultConfigLoads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "d.yaml")
	if err := config.WriteDefault(path); err != nil {
		t.Fatal(err)
	}
	file := filepath.Join(t.TempDir(), "p.json")
	if _, err := runCLI(t, path, "", "stats", file); err != nil {
		t.Fatalf("stats with default config: %v", err)
	}
}

func mustRun(t *testing.T, cfg string, args ...string) string {
	t.Helper()
	out, err := runCLI(t, cfg, "", args...)
	if err != nil {
		t.Fatalf("%v: %v", args, err)
	}
	return out
}
