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
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianProver/services/prover/engine"
)

// Provider serves build descriptors over HTTP.
type Provider struct {
	dir    string
	logger *slog.Logger
}

// NewProvider creates a Provider reading descriptors under bundleDir.
func NewProvider(bundleDir string, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{dir: bundleDir, logger: logger}
}

// Info reads the descriptor of build. Every call reads the file again.
func (p *Provider) Info(build engine.Build) (Info, error) {
	return ReadInfo(p.dir, build)
}

// HandleBuildInfo serves GET /v1/builds/:build/info.
//
// # Description
//
// Responds with the descriptor JSON. A missing or malformed descriptor is
// answered with 200 and {"status":"unavailable"} so hosts can show a
// placeholder without treating it as an error. An unknown build name is a
// 404. Responses are never cached.
func (p *Provider) HandleBuildInfo() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Cache-Control", "no-store")

		build := engine.Build(c.Param("build"))
		if !build.Valid() {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown build"})
			return
		}

		info, err := p.Info(build)
		if err != nil || !info.Available {
			p.logger.Debug("build info unavailable", "build", build, "error", err)
			c.JSON(http.StatusOK, gin.H{"status": "unavailable"})
			return
		}
		c.JSON(http.StatusOK, info)
	}
}
