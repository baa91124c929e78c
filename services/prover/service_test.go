// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package prover

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianProver/services/prover/bundle"
	"github.com/AleutianAI/AleutianProver/services/prover/capability"
	"github.com/AleutianAI/AleutianProver/services/prover/engine"
	"github.com/AleutianAI/AleutianProver/services/prover/engine/refengine"
	"github.com/AleutianAI/AleutianProver/services/prover/transport"
	"github.com/AleutianAI/AleutianProver/services/prover/worker"
)

type testService struct {
	svc       Service
	bundleDir string
}

func newTestService(t *testing.T, mutate ...func(*Config)) *testService {
	t.Helper()

	root := t.TempDir()
	bundleDir := filepath.Join(root, "bundles")
	staticDir := filepath.Join(root, "web")
	require.NoError(t, os.MkdirAll(staticDir, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(staticDir, "index.html"), []byte("<html>prover</html>"), 0o600))
	require.NoError(t, bundle.WriteInfo(bundleDir, engine.BuildThreaded, bundle.Info{
		GitCommit: "3f2a9c1d0b7e55aa", GitDirty: true, BuildTimeUTC: "2025-01-02T03:04:05Z",
	}))
	require.NoError(t, os.MkdirAll(filepath.Join(bundleDir, "single"), 0o750))

	cfg := Config{
		Server: ServerConfig{GinMode: "test", StaticDir: staticDir},
		Worker: WorkerConfig{BundleDir: bundleDir, MaxThreads: 4, DefaultThreads: 2},
	}
	for _, m := range mutate {
		m(&cfg)
	}

	reg := prometheus.NewRegistry()
	svc, err := New(cfg, &Options{
		Loader:        refengine.NewLoader(refengine.Options{BundleDir: bundleDir}),
		Prober:        capability.Static(capability.State{Isolated: true, SharedMemoryOK: true, ThreadedUsable: true}),
		Registerer:    reg,
		Gatherer:      reg,
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		SkipTelemetry: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	return &testService{svc: svc, bundleDir: bundleDir}
}

func (ts *testService) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	ts.svc.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

// =============================================================================
// Route Tests
// =============================================================================

func TestService_HealthAndIsolationHeaders(t *testing.T) {
	ts := newTestService(t)

	w := ts.get(t, "/health")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
	assert.Equal(t, "same-origin", w.Header().Get("Cross-Origin-Opener-Policy"))
	assert.Equal(t, "require-corp", w.Header().Get("Cross-Origin-Embedder-Policy"))
}

func TestService_IsolationDisabled(t *testing.T) {
	ts := newTestService(t, func(c *Config) { c.Server.DisableIsolation = true })

	w := ts.get(t, "/health")
	assert.Empty(t, w.Header().Get("Cross-Origin-Opener-Policy"))
}

func TestService_Status(t *testing.T) {
	ts := newTestService(t)

	w := ts.get(t, "/v1/status")
	require.Equal(t, http.StatusOK, w.Code)

	var resp StatusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Capability.ThreadedUsable)
	assert.True(t, resp.Isolation)
	assert.Equal(t, 4, resp.MaxThreads)
	require.Contains(t, resp.Builds, "threaded")
	assert.Equal(t, "Build: threaded · 3f2a9c1d0b7e* · built 2025-01-02T03:04:05Z", resp.Builds["threaded"].Summary)
	assert.Equal(t, "Build: unavailable", resp.Builds["single"].Summary)
	assert.Nil(t, resp.Builds["single"].Info)
}

func TestService_BuildInfo(t *testing.T) {
	ts := newTestService(t)

	w := ts.get(t, "/v1/builds/threaded/info")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"git_commit":"3f2a9c1d0b7e55aa"`)

	w = ts.get(t, "/v1/builds/gpu/info")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestService_StaticFallback(t *testing.T) {
	ts := newTestService(t)

	w := ts.get(t, "/runs/42")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "prover")

	w = ts.get(t, "/missing.js")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestService_Metrics(t *testing.T) {
	ts := newTestService(t)

	w := ts.get(t, "/metrics")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "aleutian_prover_")
}

// =============================================================================
// End-to-end
// =============================================================================

func TestService_WorkerRunAndArtifactDownload(t *testing.T) {
	ts := newTestService(t)
	srv := httptest.NewServer(ts.svc.Router())
	defer srv.Close()

	ctx := context.Background()
	client, err := transport.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/v1/worker", nil)
	require.NoError(t, err)
	host := transport.NewHost(client)
	defer host.Close()

	var states []worker.Event
	done, err := host.Run(ctx, worker.RunRequest{
		Mode:    worker.ModeDefault,
		Payload: refengine.ToySquareExport(3),
		Options: worker.RunOptions{Compress: true},
	}, func(ev worker.Event) {
		if ev.Kind == worker.EventState {
			states = append(states, ev)
		}
	})
	require.NoError(t, err)
	assert.Empty(t, states, "threaded build loads cleanly")
	require.NotNil(t, done.Artifact)
	require.NotEmpty(t, done.Artifact.URL)

	resp, err := http.Get(srv.URL + done.Artifact.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, done.Artifact.Bytes, body)
}

func TestService_MissingThreadedBundleFallsBack(t *testing.T) {
	ts := newTestService(t)
	require.NoError(t, os.RemoveAll(filepath.Join(ts.bundleDir, "threaded")))

	srv := httptest.NewServer(ts.svc.Router())
	defer srv.Close()

	ctx := context.Background()
	client, err := transport.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/v1/worker", nil)
	require.NoError(t, err)
	host := transport.NewHost(client)
	defer host.Close()

	var warned bool
	_, err = host.Run(ctx, worker.RunRequest{
		Mode:    worker.ModeDefault,
		Payload: refengine.ToySquareExport(2),
	}, func(ev worker.Event) {
		if ev.Kind == worker.EventLog && ev.Level == worker.LevelWarn &&
			strings.Contains(ev.Line, "Failed to load threaded build") {
			warned = true
		}
	})
	require.NoError(t, err)
	assert.True(t, warned)
}

func TestService_CloseIsIdempotent(t *testing.T) {
	ts := newTestService(t)
	assert.NoError(t, ts.svc.Close())
	assert.NoError(t, ts.svc.Close())
}

func TestNew_InvalidConfig(t *testing.T) {
	_, err := New(Config{Server: ServerConfig{GinMode: "loud"}}, &Options{SkipTelemetry: true, Registerer: prometheus.NewRegistry()})
	assert.ErrorContains(t, err, "gin_mode")
}
