// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package bundle serves and fetches per-build metadata and watches bundle
// directories for changes.
//
// Each engine build lives in <bundle_dir>/<build>/ next to a build_info.json
// descriptor written at build time. The descriptor is informational: a
// missing or unreadable descriptor is reported as unavailable and never
// fails a caller.
package bundle

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/AleutianAI/AleutianProver/services/prover/engine"
)

// InfoFile is the descriptor file name inside a build directory.
const InfoFile = "build_info.json"

// shortCommitLen is the length of a derived short commit hash.
const shortCommitLen = 12

// Info is the build descriptor of one engine build.
type Info struct {
	GitCommit      string `json:"git_commit"`
	GitCommitShort string `json:"git_commit_short,omitempty"`
	GitDirty       bool   `json:"git_dirty"`
	BuildTimeUTC   string `json:"build_time_utc,omitempty"`

	// Available is false when the descriptor could not be obtained.
	Available bool `json:"-"`
}

// ShortCommit returns GitCommitShort, or the first 12 characters of
// GitCommit when the short form is absent.
func (i Info) ShortCommit() string {
	if i.GitCommitShort != "" {
		return i.GitCommitShort
	}
	if len(i.GitCommit) > shortCommitLen {
		return i.GitCommit[:shortCommitLen]
	}
	return i.GitCommit
}

// Summary renders a one-line description, e.g.
// "Build: threaded · 3f2a9c1d0b7e* · built 2025-01-02T03:04:05Z".
func (i Info) Summary(build engine.Build) string {
	short := i.ShortCommit()
	if !i.Available || short == "" {
		return "Build: unavailable"
	}
	if i.GitDirty {
		short += "*"
	}
	parts := []string{"Build: " + build.String(), short}
	if i.BuildTimeUTC != "" {
		parts = append(parts, "built "+i.BuildTimeUTC)
	}
	return strings.Join(parts, " · ")
}

// InfoPath returns the descriptor path of build under bundleDir.
func InfoPath(bundleDir string, build engine.Build) string {
	return filepath.Join(bundleDir, build.String(), InfoFile)
}

// ReadInfo reads the descriptor of build from disk. It is not cached.
//
// # Outputs
//
//   - Info: The descriptor with Available set.
//   - error: Non-nil when the file is missing or malformed.
func ReadInfo(bundleDir string, build engine.Build) (Info, error) {
	if !build.Valid() {
		return Info{}, fmt.Errorf("%w: unknown build %q", engine.ErrBuildUnavailable, build)
	}
	data, err := os.ReadFile(InfoPath(bundleDir, build))
	if err != nil {
		return Info{}, fmt.Errorf("read %s info: %w", build, err)
	}
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return Info{}, fmt.Errorf("parse %s info: %w", build, err)
	}
	info.Available = info.GitCommit != "" || info.GitCommitShort != ""
	return info, nil
}

// WriteInfo writes info as the descriptor of build, creating the build
// directory when needed.
func WriteInfo(bundleDir string, build engine.Build, info Info) error {
	dir := filepath.Join(bundleDir, build.String())
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, InfoFile), append(data, '\n'), 0o644)
}
