// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/AleutianAI/AleutianProver/services/prover/engine"
)

// GenerationSource reports the current generation of each build's bundle.
// A resident module loaded from an older generation is reloaded on the next
// run. bundle.Watcher implements it.
type GenerationSource interface {
	Generation(build engine.Build) uint64
}

// moduleState is the resident engine module.
type moduleState struct {
	mod        engine.Module
	build      engine.Build
	threads    int
	generation uint64
}

func (w *Worker) generation(build engine.Build) uint64 {
	if w.cfg.Generations == nil {
		return 0
	}
	return w.cfg.Generations.Generation(build)
}

// matches reports whether the resident module can serve (build, threads).
func (w *Worker) matches(build engine.Build, threads int) bool {
	m := w.module
	return m != nil && m.build == build && m.threads == threads && m.generation == w.generation(build)
}

// prepare selects a build for the run and makes sure it is resident.
func (w *Worker) prepare(ctx context.Context, r *run) (engine.Module, error) {
	caps := w.prober.State()
	sel := Select(r.req.Options.Bundle, r.req.Options.Threads, caps, &w.failure, w.cfg.Limits)
	if sel.Downgraded {
		r.warn("Threaded build requested, but threads are not available (%s).", caps.Reason)
		r.warn("Falling back to single-threaded build.")
		w.metrics.RecordDowngrade("capability")
	}

	if err := w.ensureLoaded(ctx, r, sel); err != nil {
		return nil, err
	}
	return w.module.mod, nil
}

// ensureLoaded makes the selected build resident.
//
// # Description
//
// No-op when the resident module already matches the selection and its
// bundle generation is current. A threaded build that fails to load or to
// start its thread pool falls back once to the single build. Only a failure
// of the single build is returned.
//
// # Outputs
//
//   - error: Wraps ErrModuleLoad when the single build cannot be loaded, or
//     is ctx.Err() when the run was cancelled.
//
// # Thread Safety
//
// Must only be called from the run loop goroutine.
func (w *Worker) ensureLoaded(ctx context.Context, r *run, sel Selection) error {
	if w.matches(sel.Build, sel.Threads) {
		return nil
	}

	if sel.Build == engine.BuildThreaded && w.poolEntryMissing() {
		r.info("Threaded build has no thread pool entry point; running single-threaded.")
		sel = Selection{Build: engine.BuildSingle}
		if w.matches(engine.BuildSingle, 0) {
			return nil
		}
	}

	if sel.Build == engine.BuildThreaded {
		ok, err := w.loadThreaded(ctx, r, sel.Threads)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if w.matches(engine.BuildSingle, 0) {
			return nil
		}
	}

	r.info("Loading %s build…", engine.BuildSingle)
	mod, err := w.load(ctx, engine.BuildSingle)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: %s build: %w", ErrModuleLoad, engine.BuildSingle, err)
	}
	w.install(moduleState{mod: mod, build: engine.BuildSingle, generation: w.generation(engine.BuildSingle)})
	return nil
}

// loadThreaded tries to make the threaded build resident.
//
// # Outputs
//
//   - bool: true when the threaded build is now resident.
//   - error: Only ctx.Err(). Every other failure is logged and reported as
//     false so the caller falls back.
func (w *Worker) loadThreaded(ctx context.Context, r *run, threads int) (bool, error) {
	r.info("Loading %s build…", engine.BuildThreaded)
	mod, err := w.load(ctx, engine.BuildThreaded)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return false, ctxErr
		}
		r.warn("Failed to load threaded build; falling back to single-threaded.")
		r.warn("Load error: %v", err)
		return false, nil
	}

	r.info("Initializing thread pool (%d threads)…", threads)
	if err := w.initThreadPool(ctx, mod, threads); err != nil {
		w.closeModule(mod)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return false, ctxErr
		}
		if errors.Is(err, ErrPoolEntryMissing) {
			r.warn("Threaded build has no thread pool entry point; running single-threaded.")
			w.noPoolEntry = true
			w.noPoolEntryGen = w.generation(engine.BuildThreaded)
			return false, nil
		}
		r.warn("Thread pool init failed; falling back to single-threaded. Error: %v", err)
		w.downgrade(r, fmt.Sprintf("thread pool init failed: %v", err), "thread_pool")
		return false, nil
	}
	r.info("Thread pool ready.")

	w.install(moduleState{
		mod:        mod,
		build:      engine.BuildThreaded,
		threads:    threads,
		generation: w.generation(engine.BuildThreaded),
	})
	return true, nil
}

// poolEntryMissing reports whether the current threaded bundle is known to
// lack a thread pool entry point. Unlike FailureMemory it never disables the
// threaded build, and a new bundle generation clears it.
func (w *Worker) poolEntryMissing() bool {
	if !w.noPoolEntry {
		return false
	}
	if w.noPoolEntryGen != w.generation(engine.BuildThreaded) {
		w.noPoolEntry = false
		return false
	}
	return true
}

// load performs one load attempt: Load, Init, then InstallFailureHook.
func (w *Worker) load(ctx context.Context, build engine.Build) (engine.Module, error) {
	w.loadCount.Add(1)

	mod, err := w.cfg.Loader.Load(ctx, build)
	if err == nil {
		if err = mod.Init(ctx); err != nil {
			w.closeModule(mod)
			err = fmt.Errorf("init: %w", err)
		} else {
			mod.InstallFailureHook()
		}
	}

	w.metrics.RecordModuleLoad(build.String(), err == nil)
	if err != nil {
		w.logger.Warn("module load failed", "build", build, "error", err)
		return nil, err
	}
	w.logger.Info("module loaded", "build", build)
	return mod, nil
}

// install makes st resident and closes the module it replaces.
func (w *Worker) install(st moduleState) {
	w.stateMu.Lock()
	old := w.module
	w.module = &st
	w.stateMu.Unlock()

	if old != nil && old.mod != st.mod {
		w.closeModule(old.mod)
	}
}

// downgrade disables the threaded build for the worker's lifetime. The host
// is notified with a state event the first time only.
func (w *Worker) downgrade(r *run, reason, cause string) {
	w.metrics.RecordDowngrade(cause)
	if !w.failure.Disable(reason) {
		return
	}
	w.logger.Warn("threaded build disabled", "reason", reason, "cause", cause)
	r.emit(Event{
		Kind: EventState,
		State: &StateInfo{
			Build:          engine.BuildSingle.String(),
			Threads:        0,
			Disabled:       true,
			Reason:         reason,
			RestartAdvised: true,
		},
	})
}

func (w *Worker) closeModule(mod engine.Module) {
	if err := mod.Close(); err != nil {
		w.logger.Warn("module close failed", "build", mod.Build(), "error", err)
	}
}
