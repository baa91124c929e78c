// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package edge

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func setupSite(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	files := map[string]string{
		"index.html":                   "<html>app</html>",
		"prover_worker.js":             "self.onmessage = null;",
		"single/neo_fold_demo_bg.wasm": "\x00asm",
		"docs/index.html":              "<html>docs</html>",
	}
	for name, body := range files {
		p := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o750))
		require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	}
	return root
}

func setupRouter(t *testing.T, opts Options) *gin.Engine {
	router := gin.New()
	router.Use(CrossOriginIsolation(opts))
	router.GET("/health", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	require.True(t, RegisterStatic(router, setupSite(t)))
	return router
}

func get(router http.Handler, target string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, target, nil))
	return w
}

func assertIsolated(t *testing.T, w *httptest.ResponseRecorder) {
	t.Helper()
	assert.Equal(t, "same-origin", w.Header().Get("Cross-Origin-Opener-Policy"))
	assert.Equal(t, "require-corp", w.Header().Get("Cross-Origin-Embedder-Policy"))
	assert.Equal(t, "same-origin", w.Header().Get("Cross-Origin-Resource-Policy"))
}

func TestCrossOriginIsolation_AllResponses(t *testing.T) {
	router := setupRouter(t, Options{})

	for _, target := range []string{"/health", "/", "/prover_worker.js", "/missing.js", "/some/route"} {
		w := get(router, target)
		assertIsolated(t, w)
		assert.Empty(t, w.Header().Get("Cache-Control"), target)
	}
}

func TestCrossOriginIsolation_NoStore(t *testing.T) {
	router := setupRouter(t, Options{NoStore: true})

	w := get(router, "/health")
	assertIsolated(t, w)
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
}

func TestStaticHandler(t *testing.T) {
	router := setupRouter(t, Options{})

	tests := []struct {
		name     string
		target   string
		wantCode int
		wantBody string
		wantType string
	}{
		{"root serves index", "/", http.StatusOK, "<html>app</html>", "text/html; charset=utf-8"},
		{"wasm mime", "/single/neo_fold_demo_bg.wasm", http.StatusOK, "\x00asm", "application/wasm"},
		{"script", "/prover_worker.js", http.StatusOK, "self.onmessage = null;", ""},
		{"directory index", "/docs/", http.StatusOK, "<html>docs</html>", ""},
		{"spa fallback", "/editor/session/42", http.StatusOK, "<html>app</html>", ""},
		{"asset miss is 404", "/single/missing.wasm", http.StatusNotFound, "", ""},
		{"traversal stays in root", "/../../etc/passwd", http.StatusOK, "<html>app</html>", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := get(router, tt.target)
			assert.Equal(t, tt.wantCode, w.Code)
			if tt.wantBody != "" {
				assert.Equal(t, tt.wantBody, w.Body.String())
			}
			if tt.wantType != "" {
				assert.Equal(t, tt.wantType, w.Header().Get("Content-Type"))
			}
		})
	}
}

func TestStaticHandler_RejectsWrites(t *testing.T) {
	router := setupRouter(t, Options{})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/index.html", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
	assertIsolated(t, w)
}

func TestRegisterStatic_MissingRoot(t *testing.T) {
	router := gin.New()
	assert.False(t, RegisterStatic(router, ""))
	assert.False(t, RegisterStatic(router, filepath.Join(t.TempDir(), "nope")))
}
