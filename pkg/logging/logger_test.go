// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

// =============================================================================
// Level Tests
// =============================================================================

func TestLevel_String(t *testing.T) {
	tests := []struct {
		level Level
		want  string
	}{
		{LevelDebug, "DEBUG"},
		{LevelInfo, "INFO"},
		{LevelWarn, "WARN"},
		{LevelError, "ERROR"},
		{Level(99), "UNKNOWN"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.level.String())
		})
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"debug", LevelDebug, false},
		{"INFO", LevelInfo, false},
		{"", LevelInfo, false},
		{" warning ", LevelWarn, false},
		{"error", LevelError, false},
		{"loud", LevelInfo, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestConfig_YAMLLevel(t *testing.T) {
	var cfg Config
	require.NoError(t, yaml.Unmarshal([]byte("level: warn\nservice: prover\njson: true\n"), &cfg))
	assert.Equal(t, LevelWarn, cfg.Level)
	assert.Equal(t, "prover", cfg.Service)
	assert.True(t, cfg.JSON)

	assert.Error(t, yaml.Unmarshal([]byte("level: loud\n"), &cfg))
}

// =============================================================================
// Logger Tests
// =============================================================================

func TestNew_ConsoleText(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Service: "prover", Output: &buf})
	defer logger.Close()

	logger.Info("run completed", "request_id", 7)
	logger.Debug("hidden")

	out := buf.String()
	assert.Contains(t, out, "msg=\"run completed\"")
	assert.Contains(t, out, "request_id=7")
	assert.Contains(t, out, "service=prover")
	assert.NotContains(t, out, "hidden")
}

func TestNew_ConsoleJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: LevelDebug, JSON: true, Output: &buf})
	defer logger.Close()

	logger.Debug("probe", "threaded_usable", false)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "probe", rec["msg"])
	assert.Equal(t, false, rec["threaded_usable"])
}

func TestLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: LevelWarn, Output: &buf})

	logger.Info("info")
	logger.Warn("warn")
	logger.Error("error")

	out := buf.String()
	assert.NotContains(t, out, "msg=info")
	assert.Contains(t, out, "msg=warn")
	assert.Contains(t, out, "msg=error")
}

func TestNew_QuietFallsBackToConsole(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Quiet: true, Output: &buf})
	logger.Info("still here")
	assert.Contains(t, buf.String(), "still here")
}

func TestNew_FileLogging(t *testing.T) {
	dir := t.TempDir()
	var console bytes.Buffer
	logger := New(Config{LogDir: dir, Service: "prover", Output: &console})

	logger.Warn("downgrade", "cause", "thread_pool")
	require.NoError(t, logger.Close())

	path := filepath.Join(dir, "prover_"+time.Now().Format("2006-01-02")+".log")
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(data), &rec))
	assert.Equal(t, "downgrade", rec["msg"])
	assert.Equal(t, "thread_pool", rec["cause"])
	assert.Equal(t, "prover", rec["service"])
	assert.Contains(t, console.String(), "downgrade")
}

func TestNew_UnwritableLogDir(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0600))

	var buf bytes.Buffer
	logger := New(Config{LogDir: filepath.Join(blocker, "logs"), Output: &buf})
	defer logger.Close()

	logger.Info("console only")
	assert.Contains(t, buf.String(), "console only")
}

func TestLogger_With(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Output: &buf})

	child := logger.With("conn_id", "abc")
	child.Info("opened")
	logger.Info("parent")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "conn_id=abc")
	assert.NotContains(t, lines[1], "conn_id")
}

// =============================================================================
// Exporter Tests
// =============================================================================

func waitForEntries(t *testing.T, exp *BufferedExporter, n int) []LogEntry {
	t.Helper()
	require.Eventually(t, func() bool { return len(exp.Entries()) >= n }, time.Second, 5*time.Millisecond)
	return exp.Entries()
}

func TestExporter_ReceivesSlogRecords(t *testing.T) {
	exp := NewBufferedExporter()
	logger := New(Config{Service: "prover", Quiet: true, Exporter: exp})

	logger.Slog().With("component", "worker").WithGroup("run").Info("stage done", "name", "fold_prove", "ms", 12)

	entries := waitForEntries(t, exp, 1)
	e := entries[0]
	assert.Equal(t, "stage done", e.Message)
	assert.Equal(t, LevelInfo, e.Level)
	assert.Equal(t, "prover", e.Service)
	assert.Equal(t, "worker", e.Attrs["component"])
	assert.Equal(t, "fold_prove", e.Attrs["run.name"])
	assert.EqualValues(t, 12, e.Attrs["run.ms"])
	assert.NotContains(t, e.Attrs, "service")
}

func TestExporter_RespectsLevel(t *testing.T) {
	exp := NewBufferedExporter()
	logger := New(Config{Level: LevelWarn, Quiet: true, Exporter: exp})

	logger.Info("dropped")
	logger.Error("kept", "error", "boom")

	entries := waitForEntries(t, exp, 1)
	time.Sleep(20 * time.Millisecond)
	entries = exp.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, LevelError, entries[0].Level)
}

func TestExporter_ConsoleAndExport(t *testing.T) {
	var buf bytes.Buffer
	exp := NewBufferedExporter()
	logger := New(Config{Output: &buf, Exporter: exp})

	logger.Info("both")
	waitForEntries(t, exp, 1)
	assert.Contains(t, buf.String(), "both")
}

type failingExporter struct {
	flushErr, closeErr error
	mu                 sync.Mutex
	flushed, closed    int
}

func (f *failingExporter) Export(context.Context, LogEntry) error { return errors.New("drop") }

func (f *failingExporter) Flush(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushed++
	return f.flushErr
}

func (f *failingExporter) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return f.closeErr
}

func TestLogger_Close(t *testing.T) {
	exp := &failingExporter{flushErr: errors.New("flush"), closeErr: errors.New("close")}
	logger := New(Config{Quiet: true, Exporter: exp})
	logger.Info("export error is dropped")

	err := logger.Close()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "flush exporter")
	assert.Contains(t, err.Error(), "close exporter")

	assert.NoError(t, logger.Close())
	assert.Equal(t, 1, exp.flushed)
	assert.Equal(t, 1, exp.closed)
}

func TestLogger_ConcurrentUse(t *testing.T) {
	exp := NewBufferedExporter()
	logger := New(Config{Quiet: true, Exporter: exp})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				logger.With("goroutine", i).Info("tick", "j", j)
			}
		}(i)
	}
	wg.Wait()
	waitForEntries(t, exp, 80)
}

// =============================================================================
// Helper Tests
// =============================================================================

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(home, ".aleutian/logs"), expandPath("~/.aleutian/logs"))
	assert.Equal(t, "/var/log", expandPath("/var/log"))
	assert.Equal(t, "relative", expandPath("relative"))
	assert.Equal(t, "", expandPath(""))
}

func TestBufferedExporter_EntriesIsCopy(t *testing.T) {
	exp := NewBufferedExporter()
	require.NoError(t, exp.Export(context.Background(), LogEntry{Message: "a"}))

	entries := exp.Entries()
	entries[0].Message = "changed"
	assert.Equal(t, "a", exp.Entries()[0].Message)
}
