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
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianProver/services/prover/bundle"
	"github.com/AleutianAI/AleutianProver/services/prover/capability"
	"github.com/AleutianAI/AleutianProver/services/prover/engine"
)

// StatusResponse is the body of GET /v1/status.
type StatusResponse struct {
	Capability     capability.State       `json:"capability"`
	Isolation      bool                   `json:"isolation"`
	MaxThreads     int                    `json:"max_threads"`
	DefaultThreads int                    `json:"default_threads,omitempty"`
	Builds         map[string]BuildStatus `json:"builds"`
}

// BuildStatus describes one engine build as deployed.
type BuildStatus struct {
	Summary    string       `json:"summary"`
	Generation uint64       `json:"generation"`
	Info       *bundle.Info `json:"info,omitempty"`
}

// status serves GET /v1/status. The capability probe runs on the first
// request if no connection has triggered it yet.
func (s *service) status(c *gin.Context) {
	resp := StatusResponse{
		Capability:     s.opts.Prober.State(),
		Isolation:      !s.config.Server.DisableIsolation,
		MaxThreads:     s.config.Worker.MaxThreads,
		DefaultThreads: s.config.Worker.DefaultThreads,
		Builds:         make(map[string]BuildStatus, 2),
	}
	for _, b := range []engine.Build{engine.BuildSingle, engine.BuildThreaded} {
		st := BuildStatus{}
		if info, err := s.provider.Info(b); err == nil && info.Available {
			st.Info = &info
			st.Summary = info.Summary(b)
		} else {
			st.Summary = bundle.Info{}.Summary(b)
		}
		if s.watcher != nil {
			st.Generation = s.watcher.Generation(b)
		}
		resp.Builds[b.String()] = st
	}
	c.Header("Cache-Control", "no-store")
	c.JSON(http.StatusOK, resp)
}
