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
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/AleutianProver/services/prover/engine"
)

// maxInfoBytes bounds a descriptor response body.
const maxInfoBytes = 64 << 10

// Fetcher retrieves build descriptors from a prover service.
//
// # Description
//
// Requests bypass HTTP caches. Concurrent fetches of the same build share
// one request. Any failure yields Info{Available: false}.
//
// # Thread Safety
//
// Safe for concurrent use.
type Fetcher struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
	group   singleflight.Group
}

// NewFetcher creates a Fetcher for the service at baseURL. A nil client
// gets a 10 second timeout.
func NewFetcher(baseURL string, client *http.Client, logger *slog.Logger) *Fetcher {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		logger:  logger,
	}
}

// Fetch returns the descriptor of build. It never returns an error.
func (f *Fetcher) Fetch(ctx context.Context, build engine.Build) Info {
	v, err, shared := f.group.Do(build.String(), func() (any, error) {
		return f.fetch(ctx, build)
	})
	if err != nil {
		f.logger.Debug("build info fetch failed", "build", build, "error", err, "shared", shared)
		return Info{}
	}
	return v.(Info)
}

func (f *Fetcher) fetch(ctx context.Context, build engine.Build) (Info, error) {
	url := fmt.Sprintf("%s/v1/builds/%s/info", f.baseURL, build)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Info{}, err
	}
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return Info{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Info{}, fmt.Errorf("%s: HTTP %d", url, resp.StatusCode)
	}

	var body struct {
		Info
		Status string `json:"status"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxInfoBytes)).Decode(&body); err != nil {
		return Info{}, fmt.Errorf("decode %s: %w", url, err)
	}
	if body.Status == "unavailable" {
		return Info{}, nil
	}

	info := body.Info
	info.Available = info.GitCommit != "" || info.GitCommitShort != ""
	return info, nil
}
