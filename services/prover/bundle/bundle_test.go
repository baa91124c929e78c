// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package bundle

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianProver/services/prover/engine"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var sampleInfo = Info{
	GitCommit:    "3f2a9c1d0b7e55aa0123456789abcdef01234567",
	GitDirty:     true,
	BuildTimeUTC: "2025-01-02T03:04:05Z",
}

func setupRouter(p *Provider) *gin.Engine {
	router := gin.New()
	router.GET("/v1/builds/:build/info", p.HandleBuildInfo())
	return router
}

// =============================================================================
// Info
// =============================================================================

func TestInfo_ShortCommitAndSummary(t *testing.T) {
	info := sampleInfo
	info.Available = true
	assert.Equal(t, "3f2a9c1d0b7e", info.ShortCommit())
	assert.Equal(t, "Build: threaded · 3f2a9c1d0b7e* · built 2025-01-02T03:04:05Z", info.Summary(engine.BuildThreaded))

	info.GitCommitShort = "3f2a9c1"
	info.GitDirty = false
	info.BuildTimeUTC = ""
	assert.Equal(t, "Build: single · 3f2a9c1", info.Summary(engine.BuildSingle))

	assert.Equal(t, "Build: unavailable", Info{}.Summary(engine.BuildSingle))
}

func TestReadWriteInfo(t *testing.T) {
	dir := t.TempDir()

	_, err := ReadInfo(dir, engine.BuildSingle)
	assert.Error(t, err)

	require.NoError(t, WriteInfo(dir, engine.BuildSingle, sampleInfo))
	got, err := ReadInfo(dir, engine.BuildSingle)
	require.NoError(t, err)
	assert.True(t, got.Available)
	assert.Equal(t, sampleInfo.GitCommit, got.GitCommit)

	_, err = ReadInfo(dir, engine.Build("gpu"))
	assert.ErrorIs(t, err, engine.ErrBuildUnavailable)

	require.NoError(t, os.MkdirAll(filepath.Join(dir, "threaded"), 0o750))
	require.NoError(t, os.WriteFile(InfoPath(dir, engine.BuildThreaded), []byte("{"), 0o644))
	_, err = ReadInfo(dir, engine.BuildThreaded)
	assert.Error(t, err)
}

// =============================================================================
// Provider
// =============================================================================

func TestHandleBuildInfo(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, WriteInfo(dir, engine.BuildSingle, sampleInfo))
	router := setupRouter(NewProvider(dir, nil))

	t.Run("available", func(t *testing.T) {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/builds/single/info", nil))

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
		var got map[string]any
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
		assert.Equal(t, sampleInfo.GitCommit, got["git_commit"])
		assert.Equal(t, true, got["git_dirty"])
		assert.NotContains(t, got, "status")
	})

	t.Run("missing descriptor", func(t *testing.T) {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/builds/threaded/info", nil))

		assert.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"status":"unavailable"}`, w.Body.String())
	})

	t.Run("unknown build", func(t *testing.T) {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/builds/gpu/info", nil))
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("reads uncached", func(t *testing.T) {
		updated := sampleInfo
		updated.GitCommit = "feedface"
		require.NoError(t, WriteInfo(dir, engine.BuildSingle, updated))

		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/builds/single/info", nil))
		assert.Contains(t, w.Body.String(), "feedface")
	})
}

// =============================================================================
// Fetcher
// =============================================================================

func TestFetcher(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, WriteInfo(dir, engine.BuildSingle, sampleInfo))

	var cacheHeader atomic.Value
	router := setupRouter(NewProvider(dir, nil))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cacheHeader.Store(r.Header.Get("Cache-Control"))
		router.ServeHTTP(w, r)
	}))
	defer srv.Close()

	f := NewFetcher(srv.URL+"/", nil, nil)
	ctx := context.Background()

	got := f.Fetch(ctx, engine.BuildSingle)
	assert.True(t, got.Available)
	assert.Equal(t, "3f2a9c1d0b7e", got.ShortCommit())
	assert.Equal(t, "no-cache", cacheHeader.Load())

	assert.False(t, f.Fetch(ctx, engine.BuildThreaded).Available)
	assert.False(t, f.Fetch(ctx, engine.Build("gpu")).Available)
}

func TestFetcher_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	f := NewFetcher(srv.URL, &http.Client{Timeout: time.Second}, nil)
	assert.Equal(t, Info{}, f.Fetch(context.Background(), engine.BuildSingle))
}

func TestFetcher_CoalescesConcurrentRequests(t *testing.T) {
	var hits atomic.Int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		<-release
		_, _ = w.Write([]byte(`{"git_commit":"abc"}`))
	}))
	defer srv.Close()

	f := NewFetcher(srv.URL, nil, nil)
	var wg sync.WaitGroup
	results := make([]Info, 5)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = f.Fetch(context.Background(), engine.BuildSingle)
		}()
	}
	require.Eventually(t, func() bool { return hits.Load() == 1 }, 5*time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), hits.Load())
	for _, r := range results {
		assert.True(t, r.Available)
		assert.Equal(t, "abc", r.GitCommit)
	}
}

// =============================================================================
// Watcher
// =============================================================================

func TestWatcher_HandleEvent(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWatcher(dir, nil)
	require.NoError(t, err)
	defer w.Stop()

	w.handleEvent(fsnotify.Event{Name: filepath.Join(dir, "single", "module.wasm"), Op: fsnotify.Write})
	w.handleEvent(fsnotify.Event{Name: filepath.Join(dir, "single", "module.wasm"), Op: fsnotify.Chmod})
	w.handleEvent(fsnotify.Event{Name: filepath.Join(dir, "notes.txt"), Op: fsnotify.Write})
	w.handleEvent(fsnotify.Event{Name: filepath.Join(dir, "threaded"), Op: fsnotify.Remove})

	assert.Equal(t, uint64(1), w.Generation(engine.BuildSingle))
	assert.Equal(t, uint64(1), w.Generation(engine.BuildThreaded))
}

func TestWatcher_DetectsChanges(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "single"), 0o750))

	w, err := NewWatcher(dir, nil)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Start(ctx)
	defer w.Stop()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "single", "module.wasm"), []byte{0}, 0o644))
	require.Eventually(t, func() bool {
		return w.Generation(engine.BuildSingle) > 0
	}, 5*time.Second, 10*time.Millisecond)
	assert.Zero(t, w.Generation(engine.BuildThreaded))
}
