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
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianProver/services/prover/capability"
	"github.com/AleutianAI/AleutianProver/services/prover/engine"
	"github.com/AleutianAI/AleutianProver/services/prover/observability"
	"github.com/AleutianAI/AleutianProver/services/prover/telemetry"
)

// DefaultMaxThreads is the default upper clamp on the thread count.
const DefaultMaxThreads = 8

// defaultEventBuffer is the capacity of the outbound event channel.
const defaultEventBuffer = 256

// =============================================================================
// Configuration
// =============================================================================

// Config holds the collaborators and tunables of a Worker.
//
// # Fields
//
//   - Loader: Loads engine builds. Required.
//   - Prober: Capability probe. Nil means threads are never usable.
//   - Logger: Structured logger. Nil means slog.Default().
//   - Metrics: Prometheus metrics. May be nil.
//   - Generations: Bundle generations for reload on change. May be nil.
//   - Limits: Thread count bounds. Zero values get defaults.
//   - ThreadPoolTimeout: Bound on StartThreadPool. Default 8s.
//   - EventBuffer: Capacity of Events(). Default 256.
//   - Now: Clock for artifact names and event times. Default time.Now.
type Config struct {
	Loader            engine.Loader
	Prober            *capability.Prober
	Logger            *slog.Logger
	Metrics           *observability.ProverMetrics
	Generations       GenerationSource
	Limits            Limits
	ThreadPoolTimeout time.Duration
	EventBuffer       int
	Now               func() time.Time
}

func applyConfigDefaults(cfg *Config) {
	if cfg.Prober == nil {
		cfg.Prober = capability.Static(capability.State{Reason: "no_probe"})
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Limits.MaxThreads <= 0 {
		cfg.Limits.MaxThreads = DefaultMaxThreads
	}
	if cfg.Limits.DefaultThreads <= 0 {
		cfg.Limits.DefaultThreads = runtime.NumCPU()
	}
	if cfg.ThreadPoolTimeout == 0 {
		cfg.ThreadPoolTimeout = DefaultThreadPoolTimeout
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = defaultEventBuffer
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
}

// =============================================================================
// Worker
// =============================================================================

// Worker executes runs one at a time on a background goroutine.
//
// # Description
//
// Submit hands a RunRequest to the run loop and returns immediately. All
// progress, including rejections, is delivered on Events(). Every accepted
// or rejected request produces exactly one terminal event (done or error)
// while the worker is open.
//
// A submission while a run is in flight is rejected with code "busy"; the
// running job is not preempted. A submission whose id is not greater than
// every earlier id is rejected with code "stale_id".
//
// # Thread Safety
//
// Submit, Status and Close are safe for concurrent use. Events must be
// drained by the host; the run loop blocks while the channel is full.
type Worker struct {
	cfg     Config
	logger  *slog.Logger
	metrics *observability.ProverMetrics
	prober  *capability.Prober

	failure   FailureMemory
	loadCount atomic.Int64

	// module is written by the run loop only, under stateMu.
	stateMu sync.RWMutex
	module  *moduleState

	// noPoolEntry remembers a threaded bundle without a thread pool entry
	// point. Run loop only. Cleared when the threaded bundle generation moves.
	noPoolEntry    bool
	noPoolEntryGen uint64

	inbox    chan RunRequest
	events   chan Event
	quit     chan struct{}
	loopDone chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc

	mu       sync.Mutex
	seen     bool
	lastID   uint64
	busy     bool
	closed   bool
	emitters sync.WaitGroup

	closeOnce sync.Once
	closeErr  error
}

// New creates a Worker and starts its run loop.
//
// # Outputs
//
//   - *Worker: The running worker. Call Close when done.
//   - error: Non-nil when cfg.Loader is nil.
func New(cfg Config) (*Worker, error) {
	if cfg.Loader == nil {
		return nil, errors.New("worker: loader is required")
	}
	applyConfigDefaults(&cfg)

	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{
		cfg:      cfg,
		logger:   cfg.Logger.With("component", "worker"),
		metrics:  cfg.Metrics,
		prober:   cfg.Prober,
		inbox:    make(chan RunRequest, 1),
		events:   make(chan Event, cfg.EventBuffer),
		quit:     make(chan struct{}),
		loopDone: make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
	go w.loop()
	return w, nil
}

// Events returns the outbound event channel. It is closed by Close.
func (w *Worker) Events() <-chan Event {
	return w.events
}

// Submit hands req to the run loop without waiting for it to run.
//
// # Outputs
//
//   - error: nil when accepted. ErrStaleID or ErrBusy when rejected; the
//     matching error event has already been queued. ErrClosed after Close,
//     in which case no event is produced.
func (w *Worker) Submit(req RunRequest) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrClosed
	}

	var rejection error
	switch {
	case w.seen && req.ID <= w.lastID:
		rejection = fmt.Errorf("%w: id %d after %d", ErrStaleID, req.ID, w.lastID)
	case w.busy:
		w.lastID = req.ID
		rejection = ErrBusy
	default:
		w.seen, w.lastID, w.busy = true, req.ID, true
		w.inbox <- req
		w.mu.Unlock()
		return nil
	}
	w.emitters.Add(1)
	w.mu.Unlock()
	defer w.emitters.Done()

	code := errorCode(rejection)
	w.metrics.RecordRejection(code)
	w.logger.Info("run rejected", "request_id", req.ID, "code", code)
	w.emit(Event{ID: req.ID, Kind: EventError, Message: rejection.Error(), Code: code})
	return rejection
}

// Status is a snapshot of the worker's module state.
type Status struct {
	Build      string           `json:"build,omitempty"`
	Threads    int              `json:"threads"`
	Disabled   bool             `json:"threaded_disabled"`
	Reason     string           `json:"reason,omitempty"`
	LoadCount  int64            `json:"load_count"`
	Busy       bool             `json:"busy"`
	Capability capability.State `json:"capability"`
}

// Status returns the current state snapshot.
func (w *Worker) Status() Status {
	st := Status{
		Disabled:   w.failure.Disabled(),
		Reason:     w.failure.Reason(),
		LoadCount:  w.loadCount.Load(),
		Capability: w.prober.State(),
	}
	w.stateMu.RLock()
	if w.module != nil {
		st.Build = w.module.build.String()
		st.Threads = w.module.threads
	}
	w.stateMu.RUnlock()
	w.mu.Lock()
	st.Busy = w.busy
	w.mu.Unlock()
	return st
}

// LoadCount returns the number of module load attempts so far.
func (w *Worker) LoadCount() int64 {
	return w.loadCount.Load()
}

// Close stops the run loop, cancels a run in flight, closes the resident
// module and closes Events(). Safe to call more than once.
func (w *Worker) Close() error {
	w.closeOnce.Do(func() {
		w.mu.Lock()
		w.closed = true
		w.mu.Unlock()

		w.cancel()
		close(w.quit)
		<-w.loopDone
		w.emitters.Wait()
		close(w.events)

		w.stateMu.Lock()
		if w.module != nil {
			w.closeErr = w.module.mod.Close()
			w.module = nil
		}
		w.stateMu.Unlock()
	})
	return w.closeErr
}

// emit queues ev for the host. Events queued after Close are dropped.
func (w *Worker) emit(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = w.cfg.Now()
	}
	select {
	case w.events <- ev:
	case <-w.quit:
	}
}

func (w *Worker) loop() {
	defer close(w.loopDone)
	for {
		select {
		case <-w.quit:
			return
		case req := <-w.inbox:
			terminal := w.execute(req)

			// The host may submit again as soon as it sees the terminal
			// event, so busy is cleared first.
			w.mu.Lock()
			w.busy = false
			w.mu.Unlock()
			w.emit(terminal)
		}
	}
}

// execute runs one request and returns its terminal event.
func (w *Worker) execute(req RunRequest) Event {
	ctx := telemetry.ExtractFromMap(w.ctx, req.Trace)
	ctx, span := telemetry.StartSpan(ctx, "worker.run", trace.WithAttributes(
		attribute.Int64("run.id", int64(req.ID)),
		attribute.String("run.mode", string(req.Mode)),
		attribute.Bool("run.compress", req.Options.Compress),
	))
	defer span.End()

	r := &run{
		w:      w,
		req:    req,
		ctx:    ctx,
		logger: telemetry.LoggerWithTrace(ctx, w.logger.With("request_id", req.ID)),
	}

	w.metrics.RunStarted()
	defer w.metrics.RunEnded()

	start := time.Now()
	artifact, err := r.execute()
	elapsed := time.Since(start)
	w.metrics.RecordRun(string(req.Mode), w.residentBuild(), elapsed.Seconds(), err == nil)

	if err != nil {
		telemetry.RecordError(span, err)
		r.logger.Warn("run failed", "error", err, "duration_ms", elapsed.Milliseconds())
		return Event{ID: req.ID, Kind: EventError, Message: err.Error(), Code: errorCode(err)}
	}
	telemetry.SetSpanOK(span)
	r.logger.Info("run completed", "duration_ms", elapsed.Milliseconds(), "artifact", artifact != nil)
	return Event{ID: req.ID, Kind: EventDone, Artifact: artifact}
}

func (w *Worker) residentBuild() string {
	w.stateMu.RLock()
	defer w.stateMu.RUnlock()
	if w.module == nil {
		return "none"
	}
	return w.module.build.String()
}
