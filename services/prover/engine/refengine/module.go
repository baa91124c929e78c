// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package refengine is the reference proof engine.
//
// # Description
//
// refengine implements the engine contract with a compact folding scheme over
// the Goldilocks field: every witness step of an R1CS instance is checked,
// committed with SHA-256 and folded into a running accumulator through a
// challenge derived from the accumulator itself. Compression binds the
// accumulator, the folded witness and the verifier key into a fixed-layout
// blob.
//
// Two builds are provided. The single build commits steps sequentially. The
// threaded build exposes StartThreadPool and commits steps in parallel,
// bounded by the pool size.
//
// # Limitations
//
// The scheme is a deterministic stand-in for a succinct prover: proofs are
// linear in the number of steps and verification recomputes the fold.
package refengine

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/AleutianProver/services/prover/engine"
)

// Options tunes modules created by a Loader.
type Options struct {
	// BundleDir, when set, must contain a directory per build. Loading a
	// build whose directory is missing fails with engine.ErrBuildUnavailable.
	BundleDir string

	// PoolStartDelay delays StartThreadPool on threaded builds.
	PoolStartDelay time.Duration
}

// =============================================================================
// Module
// =============================================================================

// Module is the single-threaded build.
//
// # Thread Safety
//
// Not safe for concurrent use. OpenHandles and Workers may be read from any
// goroutine.
type Module struct {
	build       engine.Build
	opts        Options
	initialized bool
	hooked      bool
	closed      bool
	workers     atomic.Int32
	open        atomic.Int64
}

// ThreadedModule is the threaded build. It adds the thread pool entry point.
type ThreadedModule struct {
	*Module
}

// NewModule returns an uninitialized module for build.
func NewModule(build engine.Build, opts Options) engine.Module {
	m := &Module{build: build, opts: opts}
	m.workers.Store(1)
	if build == engine.BuildThreaded {
		return &ThreadedModule{Module: m}
	}
	return m
}

// Build implements engine.Module.
func (m *Module) Build() engine.Build {
	return m.build
}

// Init implements engine.Module.
func (m *Module) Init(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.closed {
		return fmt.Errorf("init %s: module closed", m.build)
	}
	m.initialized = true
	return nil
}

// InstallFailureHook implements engine.Module. Once installed, panics inside
// engine operations are returned as *engine.TrapError.
func (m *Module) InstallFailureHook() {
	m.hooked = true
}

// Close implements engine.Module.
func (m *Module) Close() error {
	m.closed = true
	return nil
}

// OpenHandles returns the number of live handles created by this module.
func (m *Module) OpenHandles() int64 {
	return m.open.Load()
}

// Workers returns the commit parallelism in effect.
func (m *Module) Workers() int {
	return int(m.workers.Load())
}

// StartThreadPool implements engine.PoolStarter.
func (t *ThreadedModule) StartThreadPool(ctx context.Context, n int) error {
	if n < 1 {
		return fmt.Errorf("thread pool size must be at least 1, got %d", n)
	}
	if !t.initialized {
		return engine.ErrNotInitialized
	}
	if t.opts.PoolStartDelay > 0 {
		timer := time.NewTimer(t.opts.PoolStartDelay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
	t.workers.Store(int32(n))
	return nil
}

// ready checks the module can serve an operation.
func (m *Module) ready() error {
	if m.closed {
		return fmt.Errorf("%s module closed", m.build)
	}
	if !m.initialized {
		return engine.ErrNotInitialized
	}
	return nil
}

// guard runs fn, converting a panic into a trap when the failure hook is
// installed. Without the hook the panic propagates.
func (m *Module) guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if !m.hooked {
				panic(r)
			}
			err = engine.TrapFromPanic(r)
		}
	}()
	return fn()
}

// =============================================================================
// Handles
// =============================================================================

// handle tracks release of one engine object.
type handle struct {
	owner    *Module
	released atomic.Bool
}

// track registers h as a live handle of m.
func (m *Module) track(h *handle) {
	h.owner = m
	m.open.Add(1)
}

// Release implements engine.Handle.
func (h *handle) Release() error {
	if !h.released.CompareAndSwap(false, true) {
		return engine.ErrReleased
	}
	h.owner.open.Add(-1)
	return nil
}

func (h *handle) live() error {
	if h.released.Load() {
		return engine.ErrReleased
	}
	return nil
}
