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
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianProver/services/prover/capability"
	"github.com/AleutianAI/AleutianProver/services/prover/engine"
	"github.com/AleutianAI/AleutianProver/services/prover/engine/refengine"
	"github.com/AleutianAI/AleutianProver/services/prover/engine/rv32"
	"github.com/AleutianAI/AleutianProver/services/prover/observability"
)

var (
	threadsOK = capability.State{Isolated: true, SharedMemoryOK: true, ThreadedUsable: true}
	noThreads = capability.State{Reason: "not_isolated"}
)

const validPayload = `{"num_constraints":1}`

var fibParams = ProgramParams{N: 10, RAMBytes: rv32.DefaultRAMBytes, ChunkSize: 4}

func newTestWorker(t *testing.T, loader engine.Loader, caps capability.State, mutate ...func(*Config)) *Worker {
	t.Helper()
	cfg := Config{
		Loader:            loader,
		Prober:            capability.Static(caps),
		Logger:            slog.New(slog.NewTextHandler(io.Discard, nil)),
		Metrics:           observability.NewMetrics(prometheus.NewRegistry()),
		Limits:            Limits{MaxThreads: 8, DefaultThreads: 4},
		ThreadPoolTimeout: time.Second,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	w, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	return w
}

// collect reads events until the terminal event for id.
func collect(t *testing.T, w *Worker, id uint64) []Event {
	t.Helper()
	var events []Event
	timeout := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-w.Events():
			require.True(t, ok, "events closed before terminal event for %d", id)
			events = append(events, ev)
			if ev.ID == id && ev.Terminal() {
				return events
			}
		case <-timeout:
			t.Fatalf("no terminal event for id %d; got %d events", id, len(events))
		}
	}
}

func submitAndCollect(t *testing.T, w *Worker, req RunRequest) []Event {
	t.Helper()
	require.NoError(t, w.Submit(req))
	return collect(t, w, req.ID)
}

func defaultRun(id uint64) RunRequest {
	return RunRequest{ID: id, Mode: ModeDefault, Payload: []byte(validPayload)}
}

func ofKind(events []Event, kind EventKind) []Event {
	var out []Event
	for _, ev := range events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func hasLog(events []Event, fragment string) bool {
	for _, ev := range ofKind(events, EventLog) {
		if strings.Contains(ev.Line, fragment) {
			return true
		}
	}
	return false
}

// milestones keeps phases, the session-ready log and terminal events.
func milestones(events []Event) []string {
	var out []string
	for _, ev := range events {
		switch {
		case ev.Kind == EventPhase:
			out = append(out, "phase:"+ev.Label)
		case ev.Kind == EventLog && strings.HasPrefix(ev.Line, "Session ready"):
			out = append(out, "log:session_ready")
		case ev.Terminal():
			out = append(out, string(ev.Kind))
		}
	}
	return out
}

// =============================================================================
// Scenarios
// =============================================================================

func TestScenarioA_DefaultPipeline(t *testing.T) {
	loader := newFakeLoader()
	w := newTestWorker(t, loader, noThreads)

	events := submitAndCollect(t, w, defaultRun(1))

	assert.Equal(t, []string{
		"phase:" + PhaseLoading,
		"phase:" + PhasePreparing,
		"log:session_ready",
		"phase:" + PhaseProving,
		"phase:" + PhaseVerifying,
		"phase:" + PhaseDone,
		"done",
	}, milestones(events))
	assert.Empty(t, ofKind(events, EventError))
	assert.Len(t, ofKind(events, EventDone), 1)
	assert.Nil(t, ofKind(events, EventDone)[0].Artifact)
	for _, ev := range events {
		assert.Equal(t, uint64(1), ev.ID)
	}
	assert.Equal(t, loader.acquired.Load(), loader.released.Load())
	assert.True(t, hasLog(events, "Raw result:"))
}

func TestScenarioB_MalformedPayload(t *testing.T) {
	loader := newFakeLoader()
	w := newTestWorker(t, loader, threadsOK)

	submitAndCollect(t, w, defaultRun(1))
	before := w.Status()

	events := submitAndCollect(t, w, RunRequest{ID: 2, Mode: ModeDefault, Payload: []byte("not json")})

	errs := ofKind(events, EventError)
	require.Len(t, errs, 1)
	assert.Equal(t, CodeInvalidInput, errs[0].Code)
	assert.Empty(t, ofKind(events, EventDone))
	assert.Empty(t, ofKind(events, EventState))

	after := w.Status()
	assert.Equal(t, before.Build, after.Build)
	assert.Equal(t, before.Threads, after.Threads)
	assert.Equal(t, before.LoadCount, after.LoadCount)
	assert.False(t, after.Disabled)
}

func TestScenarioC_ThreadPoolTimeout(t *testing.T) {
	loader := newFakeLoader()
	loader.poolDelay = time.Second
	w := newTestWorker(t, loader, threadsOK, func(c *Config) {
		c.ThreadPoolTimeout = 20 * time.Millisecond
	})

	events := submitAndCollect(t, w, defaultRun(1))

	states := ofKind(events, EventState)
	require.Len(t, states, 1)
	assert.Equal(t, &StateInfo{
		Build:          "single",
		Threads:        0,
		Disabled:       true,
		Reason:         states[0].State.Reason,
		RestartAdvised: true,
	}, states[0].State)
	assert.Contains(t, states[0].State.Reason, "timed out after 20 ms")
	assert.Len(t, ofKind(events, EventDone), 1)
	assert.Equal(t, "single", w.Status().Build)

	events = submitAndCollect(t, w, RunRequest{ID: 2, Mode: ModeDefault, Payload: []byte(validPayload),
		Options: RunOptions{Bundle: BundleThreaded}})
	assert.Len(t, ofKind(events, EventDone), 1)
	assert.Empty(t, ofKind(events, EventState))
	assert.False(t, hasLog(events, "Initializing thread pool"))
	assert.Equal(t, 1, loader.callsOf("start_pool"))
	assert.Equal(t, 1, loader.loadsOf(engine.BuildThreaded))
}

func TestScenarioD_TrapRetry(t *testing.T) {
	loader := newFakeLoader()
	loader.trapThreaded = true
	w := newTestWorker(t, loader, threadsOK)

	events := submitAndCollect(t, w, RunRequest{
		ID:      1,
		Mode:    ModeAlternate,
		Payload: []byte(rv32.FibProgram),
		Program: fibParams,
	})

	assert.Len(t, ofKind(events, EventDone), 1)
	assert.Empty(t, ofKind(events, EventError))
	assert.Len(t, ofKind(events, EventState), 1)
	assert.Equal(t, 1, loader.callsOf("prove_program:threaded"))
	assert.Equal(t, 1, loader.callsOf("prove_program:single"))
	assert.True(t, hasLog(events, "Retrying on single-threaded build"))
	assert.True(t, w.Status().Disabled)
}

func TestAlternate_SecondFailureReturned(t *testing.T) {
	loader := newFakeLoader()
	loader.trapThreaded = true
	loader.trapSingle = true
	w := newTestWorker(t, loader, threadsOK)

	events := submitAndCollect(t, w, RunRequest{ID: 1, Mode: ModeAlternate, Payload: []byte("x"), Program: fibParams})

	errs := ofKind(events, EventError)
	require.Len(t, errs, 1)
	assert.Equal(t, CodeTrap, errs[0].Code)
	assert.Equal(t, "trap (unreachable): unreachable executed", errs[0].Message)
	assert.Equal(t, 1, loader.callsOf("prove_program:single"))
}

func TestAlternate_NoRetryWhenSingle(t *testing.T) {
	loader := newFakeLoader()
	loader.trapSingle = true
	w := newTestWorker(t, loader, noThreads)

	events := submitAndCollect(t, w, RunRequest{ID: 1, Mode: ModeAlternate, Payload: []byte("x"), Program: fibParams})

	assert.Len(t, ofKind(events, EventError), 1)
	assert.Empty(t, ofKind(events, EventState))
	assert.Equal(t, 1, loader.callsOf("prove_program:single"))
}

func TestAlternate_InvalidProgram(t *testing.T) {
	w := newTestWorker(t, newFakeLoader(), noThreads)

	events := submitAndCollect(t, w, RunRequest{ID: 1, Mode: ModeAlternate, Payload: []byte("bogus"), Program: fibParams})
	errs := ofKind(events, EventError)
	require.Len(t, errs, 1)
	assert.Equal(t, CodeInvalidInput, errs[0].Code)
}

func TestAlternate_Artifact(t *testing.T) {
	w := newTestWorker(t, newFakeLoader(), noThreads, func(c *Config) {
		c.Now = func() time.Time { return time.UnixMilli(1700000000000) }
	})

	events := submitAndCollect(t, w, RunRequest{ID: 1, Mode: ModeAlternate, Payload: []byte("x"), Program: fibParams,
		Options: RunOptions{Compress: true}})
	done := ofKind(events, EventDone)
	require.Len(t, done, 1)
	require.NotNil(t, done[0].Artifact)
	assert.Equal(t, "neo_fold_rv32_spartan_snark_1700000000000.bin", done[0].Artifact.Filename)
	assert.Equal(t, []byte{1, 2, 3}, done[0].Artifact.Bytes)
}

// =============================================================================
// Loader and thread pool
// =============================================================================

func TestEnsureLoaded_Idempotent(t *testing.T) {
	loader := newFakeLoader()
	w := newTestWorker(t, loader, threadsOK)

	submitAndCollect(t, w, defaultRun(1))
	submitAndCollect(t, w, defaultRun(2))

	assert.Equal(t, int64(1), w.LoadCount())
	assert.Equal(t, 1, loader.loadsOf(engine.BuildThreaded))
	assert.Equal(t, 1, loader.callsOf("start_pool"))
	st := w.Status()
	assert.Equal(t, "threaded", st.Build)
	assert.Equal(t, 4, st.Threads)
}

func TestEnsureLoaded_ReplacesAndClosesModule(t *testing.T) {
	loader := newFakeLoader()
	w := newTestWorker(t, loader, threadsOK)

	submitAndCollect(t, w, defaultRun(1))
	submitAndCollect(t, w, RunRequest{ID: 2, Mode: ModeDefault, Payload: []byte(validPayload),
		Options: RunOptions{Bundle: BundleSingle}})

	require.Len(t, loader.modules, 2)
	assert.True(t, loader.modules[0].closed.Load())
	assert.False(t, loader.modules[1].closed.Load())
	assert.True(t, loader.modules[1].inited)
	assert.True(t, loader.modules[1].hooked)
}

func TestEnsureLoaded_GenerationChangeReloads(t *testing.T) {
	loader := newFakeLoader()
	gens := &fakeGenerations{}
	w := newTestWorker(t, loader, noThreads, func(c *Config) { c.Generations = gens })

	submitAndCollect(t, w, defaultRun(1))
	submitAndCollect(t, w, defaultRun(2))
	assert.Equal(t, int64(1), w.LoadCount())

	gens.gen.Add(1)
	submitAndCollect(t, w, defaultRun(3))
	assert.Equal(t, int64(2), w.LoadCount())
}

func TestThreadedLoadFailure_FallsBack(t *testing.T) {
	loader := newFakeLoader()
	loader.threadedLoadErr = errors.New("threads bundle missing")
	w := newTestWorker(t, loader, threadsOK)

	events := submitAndCollect(t, w, defaultRun(1))

	assert.Len(t, ofKind(events, EventDone), 1)
	assert.Empty(t, ofKind(events, EventState))
	assert.True(t, hasLog(events, "Load error: threads bundle missing"))
	assert.False(t, w.Status().Disabled)
	assert.Equal(t, "single", w.Status().Build)
}

func TestSingleLoadFailure_IsFatal(t *testing.T) {
	loader := newFakeLoader()
	loader.singleLoadErr = errors.New("no bundle")
	w := newTestWorker(t, loader, noThreads)

	events := submitAndCollect(t, w, defaultRun(1))

	errs := ofKind(events, EventError)
	require.Len(t, errs, 1)
	assert.Equal(t, CodeModuleLoad, errs[0].Code)
	assert.Empty(t, w.Status().Build)
}

func TestPoolEntryMissing_DegradesRunOnly(t *testing.T) {
	loader := newFakeLoader()
	loader.noPoolEntry = true
	w := newTestWorker(t, loader, threadsOK)

	events := submitAndCollect(t, w, defaultRun(1))

	assert.Len(t, ofKind(events, EventDone), 1)
	assert.Empty(t, ofKind(events, EventState))
	assert.True(t, hasLog(events, "no thread pool entry point"))
	assert.False(t, w.Status().Disabled)
	assert.Equal(t, "single", w.Status().Build)
}

func TestPoolEntryMissing_RememberedAcrossRuns(t *testing.T) {
	loader := newFakeLoader()
	loader.noPoolEntry = true
	gens := &fakeGenerations{}
	w := newTestWorker(t, loader, threadsOK, func(c *Config) { c.Generations = gens })

	submitAndCollect(t, w, defaultRun(1))
	assert.Equal(t, int64(2), w.LoadCount())

	events := submitAndCollect(t, w, defaultRun(2))
	assert.Len(t, ofKind(events, EventDone), 1)
	assert.True(t, hasLog(events, "no thread pool entry point"))
	assert.Equal(t, int64(2), w.LoadCount())
	assert.Equal(t, 1, loader.loadsOf(engine.BuildThreaded))
	assert.Equal(t, 0, loader.callsOf("start_pool"))
	assert.False(t, w.Status().Disabled)

	gens.gen.Add(1)
	submitAndCollect(t, w, defaultRun(3))
	assert.Equal(t, 2, loader.loadsOf(engine.BuildThreaded))
	assert.False(t, w.Status().Disabled)
}

func TestThreadPoolFailures_OneStateEvent(t *testing.T) {
	loader := newFakeLoader()
	loader.poolErr = errors.New("pool start failed")
	w := newTestWorker(t, loader, threadsOK)

	r := &run{w: w, req: RunRequest{ID: 1}, ctx: context.Background(), logger: w.logger}
	for range 3 {
		require.NoError(t, w.ensureLoaded(context.Background(), r, Selection{Build: engine.BuildThreaded, Threads: 2}))
	}

	states := 0
	for {
		select {
		case ev := <-w.Events():
			if ev.Kind == EventState {
				states++
			}
			continue
		default:
		}
		break
	}
	assert.Equal(t, 1, states)
	assert.Equal(t, 3, loader.callsOf("start_pool"))
	assert.True(t, w.Status().Disabled)
	assert.Equal(t, "thread pool init failed: pool start failed", w.Status().Reason)
}

func TestCapabilityDowngrade_IsWarning(t *testing.T) {
	w := newTestWorker(t, newFakeLoader(), noThreads)

	events := submitAndCollect(t, w, RunRequest{ID: 1, Mode: ModeDefault, Payload: []byte(validPayload),
		Options: RunOptions{Bundle: BundleThreaded}})

	assert.Len(t, ofKind(events, EventDone), 1)
	warned := false
	for _, ev := range ofKind(events, EventLog) {
		if ev.Level == LevelWarn && strings.Contains(ev.Line, "not_isolated") {
			warned = true
		}
	}
	assert.True(t, warned)
	assert.False(t, w.Status().Disabled)
}

// =============================================================================
// Resource discipline
// =============================================================================

func TestHandles_ReleasedOnEveryPath(t *testing.T) {
	for _, failAt := range []string{"", "session", "add_steps", "prove", "verify", "compress", "verify_compressed"} {
		t.Run("fail_at_"+failAt, func(t *testing.T) {
			loader := newFakeLoader()
			loader.failAt = failAt
			w := newTestWorker(t, loader, noThreads)

			events := submitAndCollect(t, w, RunRequest{ID: 1, Mode: ModeDefault, Payload: []byte(validPayload),
				Options: RunOptions{Compress: true}})

			assert.Equal(t, loader.acquired.Load(), loader.released.Load())
			if failAt == "" {
				assert.Len(t, ofKind(events, EventDone), 1)
				assert.Equal(t, int64(3), loader.acquired.Load())
			} else {
				assert.Len(t, ofKind(events, EventError), 1)
				assert.Empty(t, ofKind(events, EventDone))
			}
		})
	}
}

func TestHandles_ReleasedOnPanic(t *testing.T) {
	loader := newFakeLoader()
	loader.panicAt = "verify"
	w := newTestWorker(t, loader, noThreads)

	events := submitAndCollect(t, w, defaultRun(1))

	errs := ofKind(events, EventError)
	require.Len(t, errs, 1)
	assert.Equal(t, CodeInternal, errs[0].Code)
	assert.Equal(t, int64(2), loader.acquired.Load())
	assert.Equal(t, loader.acquired.Load(), loader.released.Load())

	loader.panicAt = ""
	events = submitAndCollect(t, w, defaultRun(2))
	assert.Len(t, ofKind(events, EventDone), 1)
}

func TestReleaseFailure_DoesNotChangeOutcome(t *testing.T) {
	loader := newFakeLoader()
	loader.releaseFail = "fold_proof"
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	w := newTestWorker(t, loader, noThreads, func(c *Config) { c.Metrics = metrics })

	events := submitAndCollect(t, w, defaultRun(1))

	assert.Len(t, ofKind(events, EventDone), 1)
	assert.True(t, hasLog(events, "Failed to release fold_proof"))
	assert.Equal(t, loader.acquired.Load(), loader.released.Load())
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.ReleaseFailuresTotal.WithLabelValues("fold_proof")))
}

func TestCompress_Artifact(t *testing.T) {
	w := newTestWorker(t, newFakeLoader(), noThreads, func(c *Config) {
		c.Now = func() time.Time { return time.UnixMilli(42) }
	})

	events := submitAndCollect(t, w, RunRequest{ID: 1, Mode: ModeDefault, Payload: []byte(validPayload),
		Options: RunOptions{Compress: true}})

	done := ofKind(events, EventDone)
	require.Len(t, done, 1)
	require.NotNil(t, done[0].Artifact)
	assert.Equal(t, "neo_fold_spartan_snark_42.bin", done[0].Artifact.Filename)
	assert.Equal(t, []byte("snark-bytes"), done[0].Artifact.Bytes)
	assert.True(t, hasLog(events, "total(vk+snark)=43 B"))

	var phases []string
	for _, ev := range ofKind(events, EventPhase) {
		phases = append(phases, ev.Label)
	}
	assert.Equal(t, []string{PhaseLoading, PhasePreparing, PhaseProving, PhaseVerifying,
		PhaseCompressing, PhaseVerifying, PhaseDone}, phases)
}

// =============================================================================
// Submission policy
// =============================================================================

func TestSubmit_BusyRejectsNewRun(t *testing.T) {
	loader := newFakeLoader()
	loader.block = make(chan struct{})
	w := newTestWorker(t, loader, noThreads)

	require.NoError(t, w.Submit(defaultRun(1)))
	require.Eventually(t, func() bool { return loader.loadsOf(engine.BuildSingle) == 1 }, 5*time.Second, time.Millisecond)

	err := w.Submit(defaultRun(2))
	assert.ErrorIs(t, err, ErrBusy)

	events := collect(t, w, 2)
	last := events[len(events)-1]
	assert.Equal(t, EventError, last.Kind)
	assert.Equal(t, CodeBusy, last.Code)
	assert.Equal(t, "run already in progress", last.Message)

	close(loader.block)
	events = collect(t, w, 1)
	assert.Equal(t, EventDone, events[len(events)-1].Kind)

	events = submitAndCollect(t, w, defaultRun(3))
	assert.Equal(t, EventDone, events[len(events)-1].Kind)
}

func TestSubmit_StaleID(t *testing.T) {
	w := newTestWorker(t, newFakeLoader(), noThreads)

	submitAndCollect(t, w, defaultRun(5))

	for _, id := range []uint64{5, 3} {
		err := w.Submit(defaultRun(id))
		assert.ErrorIs(t, err, ErrStaleID)
		events := collect(t, w, id)
		require.Len(t, events, 1)
		assert.Equal(t, CodeStaleID, events[0].Code)
	}
}

func TestSubmit_InvalidRequest(t *testing.T) {
	w := newTestWorker(t, newFakeLoader(), noThreads)

	tests := []RunRequest{
		{ID: 1, Mode: "sideways", Payload: []byte(validPayload)},
		{ID: 2, Mode: ModeDefault, Payload: []byte(validPayload), Options: RunOptions{Bundle: "gpu"}},
		{ID: 3, Mode: ModeDefault, Payload: []byte("  ")},
		{ID: 4, Mode: ModeAlternate, Payload: []byte("x"), Program: ProgramParams{N: 10, RAMBytes: 512}},
		{ID: 5, Mode: ModeAlternate, Payload: []byte("x"), Program: ProgramParams{N: 10, ChunkSize: 4}},
		{ID: 6, Mode: ModeAlternate, Payload: []byte("x"), Program: ProgramParams{N: 10, RAMBytes: 512, ChunkSize: -3}},
		{ID: 7, Mode: ModeAlternate, Payload: []byte("x"), Program: ProgramParams{N: 10, RAMBytes: 512, ChunkSize: 4, MaxSteps: -1}},
	}
	for _, req := range tests {
		events := submitAndCollect(t, w, req)
		require.Len(t, events, 1)
		assert.Equal(t, CodeInvalidInput, events[0].Code)
	}
	assert.Equal(t, int64(0), w.LoadCount())
}

func TestClose(t *testing.T) {
	loader := newFakeLoader()
	w := newTestWorker(t, loader, noThreads)
	submitAndCollect(t, w, defaultRun(1))

	require.NoError(t, w.Close())
	require.NoError(t, w.Close())

	_, open := <-w.Events()
	assert.False(t, open)
	assert.ErrorIs(t, w.Submit(defaultRun(2)), ErrClosed)
	assert.True(t, loader.modules[0].closed.Load())
}

func TestClose_CancelsRunInFlight(t *testing.T) {
	loader := newFakeLoader()
	loader.block = make(chan struct{})
	w := newTestWorker(t, loader, noThreads)

	require.NoError(t, w.Submit(defaultRun(1)))
	require.Eventually(t, func() bool { return w.Status().Busy }, 5*time.Second, time.Millisecond)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for range w.Events() {
		}
	}()
	require.NoError(t, w.Close())
	<-done
}

func TestMetrics_RecordRuns(t *testing.T) {
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	loader := newFakeLoader()
	w := newTestWorker(t, loader, noThreads, func(c *Config) { c.Metrics = metrics })

	submitAndCollect(t, w, defaultRun(1))
	submitAndCollect(t, w, RunRequest{ID: 2, Mode: ModeDefault, Payload: []byte("not json")})

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.RunsTotal.WithLabelValues("default", "single", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.RunsTotal.WithLabelValues("default", "single", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.ModuleLoadsTotal.WithLabelValues("single", "success")))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.ActiveRuns))
}

// =============================================================================
// Reference engine
// =============================================================================

func TestReferenceEngine_EndToEnd(t *testing.T) {
	w := newTestWorker(t, refengine.NewLoader(refengine.Options{}), threadsOK)

	events := submitAndCollect(t, w, RunRequest{
		ID:      1,
		Mode:    ModeDefault,
		Payload: refengine.ToySquareExport(4),
		Options: RunOptions{Compress: true, Threads: 2},
	})
	done := ofKind(events, EventDone)
	require.Len(t, done, 1, "events: %+v", ofKind(events, EventError))
	require.NotNil(t, done[0].Artifact)
	assert.NotEmpty(t, done[0].Artifact.Bytes)
	assert.True(t, hasLog(events, "OK: verify_ok=true steps=4"))
	assert.Equal(t, "threaded", w.Status().Build)

	events = submitAndCollect(t, w, RunRequest{
		ID:      2,
		Mode:    ModeAlternate,
		Payload: []byte(rv32.FibProgram),
		Program: fibParams,
	})
	require.Len(t, ofKind(events, EventDone), 1, "events: %+v", ofKind(events, EventError))
	assert.True(t, hasLog(events, "OK: verify_ok=true n=10 expected=55"))
}

func TestReferenceEngine_OversizedInputThenRecovers(t *testing.T) {
	w := newTestWorker(t, refengine.NewLoader(refengine.Options{}), noThreads)

	events := submitAndCollect(t, w, RunRequest{
		ID:      1,
		Mode:    ModeDefault,
		Payload: []byte(`{"num_constraints":3000000000,"num_variables":1}`),
	})
	errs := ofKind(events, EventError)
	require.Len(t, errs, 1)
	assert.Equal(t, CodeInvalidInput, errs[0].Code)

	huge := fibParams
	huge.RAMBytes = 1 << 30
	events = submitAndCollect(t, w, RunRequest{ID: 2, Mode: ModeAlternate, Payload: []byte(rv32.FibProgram), Program: huge})
	errs = ofKind(events, EventError)
	require.Len(t, errs, 1)
	assert.Equal(t, CodeInvalidInput, errs[0].Code)

	wide := fibParams
	wide.ChunkSize = 1 << 30
	events = submitAndCollect(t, w, RunRequest{ID: 3, Mode: ModeAlternate, Payload: []byte(rv32.FibProgram), Program: wide})
	errs = ofKind(events, EventError)
	require.Len(t, errs, 1)
	assert.Equal(t, CodeInvalidInput, errs[0].Code)
	assert.False(t, w.Status().Disabled)

	events = submitAndCollect(t, w, RunRequest{ID: 4, Mode: ModeDefault, Payload: refengine.ToySquareExport(3)})
	require.Len(t, ofKind(events, EventDone), 1, "events: %+v", ofKind(events, EventError))

	events = submitAndCollect(t, w, RunRequest{ID: 5, Mode: ModeAlternate, Payload: []byte(rv32.FibProgram), Program: fibParams})
	require.Len(t, ofKind(events, EventDone), 1, "events: %+v", ofKind(events, EventError))
}
