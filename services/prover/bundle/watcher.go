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
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/AleutianAI/AleutianProver/services/prover/engine"
)

// Watcher tracks a generation counter per build that advances whenever the
// build's bundle directory changes. Workers compare generations to decide
// when a resident module must be reloaded.
//
// # Thread Safety
//
// Generation is safe for concurrent use. Start runs on one goroutine.
type Watcher struct {
	dir     string
	watcher *fsnotify.Watcher
	logger  *slog.Logger

	mu   sync.RWMutex
	gens map[engine.Build]uint64
}

// NewWatcher creates a watcher over bundleDir and each existing build
// directory inside it.
func NewWatcher(bundleDir string, logger *slog.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	w := &Watcher{
		dir:     bundleDir,
		watcher: fw,
		logger:  logger.With("component", "bundle_watcher"),
		gens:    map[engine.Build]uint64{},
	}

	if err := fw.Add(bundleDir); err != nil {
		_ = fw.Close()
		return nil, err
	}
	for _, b := range []engine.Build{engine.BuildSingle, engine.BuildThreaded} {
		w.watchBuild(b)
	}
	return w, nil
}

// watchBuild adds the build directory when it exists.
func (w *Watcher) watchBuild(build engine.Build) {
	path := filepath.Join(w.dir, build.String())
	if info, err := os.Stat(path); err != nil || !info.IsDir() {
		return
	}
	if err := w.watcher.Add(path); err != nil {
		w.logger.Warn("Failed to watch bundle directory", "path", path, "error", err)
	}
}

// Generation returns the current generation of build. Zero until the first
// change is seen.
func (w *Watcher) Generation(build engine.Build) uint64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.gens[build]
}

// Start processes filesystem events until ctx is cancelled or Stop is
// called.
func (w *Watcher) Start(ctx context.Context) {
	w.logger.Debug("Started watching bundle directory", "dir", w.dir)
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Bundle watcher error", "error", err)

		case <-ctx.Done():
			w.logger.Debug("Bundle watcher stopping")
			return
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Op == fsnotify.Chmod {
		return
	}
	build, isDir := w.buildOf(event.Name)
	if !build.Valid() {
		return
	}
	if isDir && event.Has(fsnotify.Create) {
		w.watchBuild(build)
	}

	w.mu.Lock()
	w.gens[build]++
	gen := w.gens[build]
	w.mu.Unlock()

	w.logger.Info("Bundle changed", "build", build, "path", event.Name, "op", event.Op.String(), "generation", gen)
}

// buildOf maps a path to the build directory containing it. isDir is set
// when the path is the build directory itself.
func (w *Watcher) buildOf(path string) (engine.Build, bool) {
	rel, err := filepath.Rel(w.dir, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", false
	}
	first, rest, _ := strings.Cut(filepath.ToSlash(rel), "/")
	return engine.Build(first), rest == ""
}

// Stop closes the underlying watcher, which also ends Start.
func (w *Watcher) Stop() error {
	return w.watcher.Close()
}
