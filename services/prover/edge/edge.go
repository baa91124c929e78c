// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package edge provides the HTTP serving edge of the prover service.
//
// The threaded engine build needs shared memory in the browser, which is only
// granted to cross-origin isolated pages. Every response therefore carries
// the isolation headers:
//
//	Cross-Origin-Opener-Policy:   same-origin
//	Cross-Origin-Embedder-Policy: require-corp
//	Cross-Origin-Resource-Policy: same-origin
//
// Static assets are served with the application/wasm type for .wasm files,
// and extension-less paths that miss fall back to index.html so client side
// routes resolve.
package edge

import (
	"mime"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
)

const indexFile = "index.html"

func init() {
	_ = mime.AddExtensionType(".wasm", "application/wasm")
}

// IsolationHeaders are the cross-origin isolation response headers.
var IsolationHeaders = map[string]string{
	"Cross-Origin-Opener-Policy":   "same-origin",
	"Cross-Origin-Embedder-Policy": "require-corp",
	"Cross-Origin-Resource-Policy": "same-origin",
}

// Options configures the edge middleware.
type Options struct {
	// NoStore adds Cache-Control: no-store to every response. Useful in
	// development, where rebuilt engine bundles keep their names.
	NoStore bool
}

// CrossOriginIsolation returns middleware that sets the isolation headers on
// every response, including errors and fallbacks.
func CrossOriginIsolation(opts Options) gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		for k, v := range IsolationHeaders {
			h.Set(k, v)
		}
		if opts.NoStore {
			h.Set("Cache-Control", "no-store")
		}
		c.Next()
	}
}

// StaticHandler serves files under root.
//
// # Description
//
// GET and HEAD only. A path that resolves to a file is served as is. A
// directory is served through its index.html. A miss on a path without a
// file extension serves root/index.html; a miss on an asset path is a 404.
//
// # Inputs
//
//   - root: Directory holding the static site.
//
// # Outputs
//
//   - gin.HandlerFunc: Suitable for router.NoRoute.
func StaticHandler(root string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method != http.MethodGet && c.Request.Method != http.MethodHead {
			c.AbortWithStatus(http.StatusNotFound)
			return
		}

		clean := path.Clean("/" + c.Request.URL.Path)
		if serveFile(c, filepath.Join(root, filepath.FromSlash(clean))) {
			return
		}
		if path.Ext(clean) != "" {
			c.AbortWithStatus(http.StatusNotFound)
			return
		}
		if serveFile(c, filepath.Join(root, indexFile)) {
			return
		}
		c.AbortWithStatus(http.StatusNotFound)
	}
}

// serveFile writes name, or name/index.html for a directory. It reports
// false when there is nothing to serve.
func serveFile(c *gin.Context, name string) bool {
	f, err := os.Open(name)
	if err != nil {
		return false
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return false
	}
	if info.IsDir() {
		if strings.HasSuffix(name, string(filepath.Separator)+indexFile) {
			return false
		}
		return serveFile(c, filepath.Join(name, indexFile))
	}

	http.ServeContent(c.Writer, c.Request, info.Name(), info.ModTime(), f)
	return true
}

// RegisterStatic mounts StaticHandler as the fallback route when root
// exists. It reports whether anything was mounted.
func RegisterStatic(router *gin.Engine, root string) bool {
	if root == "" {
		return false
	}
	info, err := os.Stat(root)
	if err != nil || !info.IsDir() {
		return false
	}
	router.NoRoute(StaticHandler(root))
	return true
}
