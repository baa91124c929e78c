// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianProver/services/prover/artifacts"
	"github.com/AleutianAI/AleutianProver/services/prover/bundle"
	"github.com/AleutianAI/AleutianProver/services/prover/edge"
	"github.com/AleutianAI/AleutianProver/services/prover/transport"
)

// Deps are the handlers' collaborators. Nil optional fields leave their
// routes unregistered.
type Deps struct {
	Worker    transport.HandlerConfig
	Bundles   *bundle.Provider
	Artifacts *artifacts.Store
	Status    gin.HandlerFunc
	Metrics   http.Handler
	StaticDir string
}

// SetupRoutes registers every prover route on router.
//
// # Routes
//
//   - GET /health
//   - GET /metrics
//   - GET /v1/worker (WebSocket)
//   - GET /v1/status
//   - GET /v1/builds/:build/info
//   - GET /v1/artifacts, GET /v1/artifacts/:name
//   - Everything else: static files with SPA fallback, when StaticDir
//     exists.
func SetupRoutes(router *gin.Engine, deps Deps) {
	router.GET("/health", HealthCheck)
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics))
	}

	// API version 1 group
	v1 := router.Group("/v1")
	{
		v1.GET("/worker", transport.HandleWorker(deps.Worker))
		if deps.Status != nil {
			v1.GET("/status", deps.Status)
		}
		if deps.Bundles != nil {
			v1.GET("/builds/:build/info", deps.Bundles.HandleBuildInfo())
		}
		if deps.Artifacts != nil {
			store := v1.Group("/artifacts")
			{
				store.GET("", deps.Artifacts.HandleList())
				store.GET("/:name", deps.Artifacts.HandleDownload())
			}
		}
	}

	edge.RegisterStatic(router, deps.StaticDir)
}

// HealthCheck answers liveness probes.
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
