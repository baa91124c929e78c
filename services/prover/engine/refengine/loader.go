// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package refengine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/AleutianAI/AleutianProver/services/prover/engine"
)

// Loader loads reference engine builds.
type Loader struct {
	Options Options
}

// NewLoader creates a Loader.
func NewLoader(opts Options) *Loader {
	return &Loader{Options: opts}
}

// Load implements engine.Loader.
func (l *Loader) Load(ctx context.Context, build engine.Build) (engine.Module, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !build.Valid() {
		return nil, fmt.Errorf("%w: unknown build %q", engine.ErrBuildUnavailable, build)
	}
	if l.Options.BundleDir != "" {
		dir := filepath.Join(l.Options.BundleDir, build.String())
		info, err := os.Stat(dir)
		if err != nil {
			return nil, fmt.Errorf("%w: %s bundle: %v", engine.ErrBuildUnavailable, build, err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("%w: %s bundle is not a directory", engine.ErrBuildUnavailable, build)
		}
	}
	return NewModule(build, l.Options), nil
}
