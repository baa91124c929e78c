// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics for the prover service.
//
// # Description
//
// Metrics cover the worker lifecycle:
//   - Run counters and duration histograms (by mode, build, status)
//   - Stage duration histograms (load, prepare, prove, verify, compress)
//   - Module loads and sticky downgrades
//   - Handle release failures
//   - Rejected submissions (busy, stale id, rate limited, invalid)
//   - Active runs and open worker connections
//
// # Integration
//
// Metrics are exposed via /metrics. All recording methods are nil-safe so
// components can run without metrics in tests.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

// Namespace for all metrics
const metricsNamespace = "aleutian"

// Subsystem for prover metrics
const proverSubsystem = "prover"

// ProverMetrics holds all Prometheus metrics for the prover worker.
//
// # Fields
//
//   - RunsTotal: Counter of runs by mode, build and status
//   - RunDurationSeconds: Histogram of run wall time
//   - StageDurationSeconds: Histogram of pipeline stage wall time
//   - ModuleLoadsTotal: Counter of module load attempts by build and status
//   - DowngradesTotal: Counter of sticky downgrades by cause
//   - ReleaseFailuresTotal: Counter of failed handle releases by handle kind
//   - RejectionsTotal: Counter of rejected submissions by code
//   - ActiveRuns: Gauge of runs in flight
//   - Connections: Gauge of open worker connections
//   - ArtifactsStoredTotal: Counter of stored artifacts
//
// # Thread Safety
//
// All operations are thread-safe.
type ProverMetrics struct {
	// RunsTotal counts finished runs.
	// Labels: mode (default, alternate), build (single, threaded), status (success, error)
	RunsTotal *prometheus.CounterVec

	// RunDurationSeconds measures run wall time.
	// Labels: mode, status
	RunDurationSeconds *prometheus.HistogramVec

	// StageDurationSeconds measures pipeline stage wall time.
	// Labels: stage
	StageDurationSeconds *prometheus.HistogramVec

	// ModuleLoadsTotal counts module load attempts.
	// Labels: build, status
	ModuleLoadsTotal *prometheus.CounterVec

	// DowngradesTotal counts sticky downgrades to the single build.
	// Labels: cause (capability, thread_pool, trap)
	DowngradesTotal *prometheus.CounterVec

	// ReleaseFailuresTotal counts handle releases that returned an error.
	// Labels: handle (session, fold_proof, compressed_proof)
	ReleaseFailuresTotal *prometheus.CounterVec

	// RejectionsTotal counts submissions rejected before running.
	// Labels: code (busy, stale_id, rate_limited, invalid_request)
	RejectionsTotal *prometheus.CounterVec

	// ActiveRuns tracks runs in flight.
	ActiveRuns prometheus.Gauge

	// Connections tracks open worker connections.
	Connections prometheus.Gauge

	// ArtifactsStoredTotal counts artifacts persisted for download.
	ArtifactsStoredTotal prometheus.Counter
}

// NewMetrics creates and registers all metrics with reg.
//
// # Inputs
//
//   - reg: Registerer to use. Tests pass a fresh prometheus.NewRegistry().
//
// # Outputs
//
//   - *ProverMetrics: The registered metrics.
func NewMetrics(reg prometheus.Registerer) *ProverMetrics {
	factory := promauto.With(reg)
	return &ProverMetrics{
		RunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: proverSubsystem,
				Name:      "runs_total",
				Help:      "Total number of prover runs by mode, build and status",
			},
			[]string{"mode", "build", "status"},
		),

		RunDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: proverSubsystem,
				Name:      "run_duration_seconds",
				Help:      "Prover run duration in seconds",
				Buckets:   []float64{0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
			},
			[]string{"mode", "status"},
		),

		StageDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: proverSubsystem,
				Name:      "stage_duration_seconds",
				Help:      "Pipeline stage duration in seconds",
				Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
			},
			[]string{"stage"},
		),

		ModuleLoadsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: proverSubsystem,
				Name:      "module_loads_total",
				Help:      "Total engine module load attempts by build and status",
			},
			[]string{"build", "status"},
		),

		DowngradesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: proverSubsystem,
				Name:      "downgrades_total",
				Help:      "Total sticky downgrades to the single-threaded build",
			},
			[]string{"cause"},
		),

		ReleaseFailuresTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: proverSubsystem,
				Name:      "release_failures_total",
				Help:      "Total engine handle releases that failed",
			},
			[]string{"handle"},
		),

		RejectionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: proverSubsystem,
				Name:      "rejections_total",
				Help:      "Total run submissions rejected before running",
			},
			[]string{"code"},
		),

		ActiveRuns: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: proverSubsystem,
				Name:      "active_runs",
				Help:      "Number of prover runs in flight",
			},
		),

		Connections: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: proverSubsystem,
				Name:      "connections",
				Help:      "Number of open worker connections",
			},
		),

		ArtifactsStoredTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: proverSubsystem,
				Name:      "artifacts_stored_total",
				Help:      "Total proof artifacts stored for download",
			},
		),
	}
}

// =============================================================================
// Helper Methods
// =============================================================================

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// RecordRun records a finished run.
//
// # Inputs
//
//   - mode: Pipeline mode.
//   - build: Build the run finished on.
//   - seconds: Run duration.
//   - success: Whether the run ended with done.
func (m *ProverMetrics) RecordRun(mode, build string, seconds float64, success bool) {
	if m == nil {
		return
	}
	m.RunsTotal.WithLabelValues(mode, build, status(success)).Inc()
	m.RunDurationSeconds.WithLabelValues(mode, status(success)).Observe(seconds)
}

// RecordStage records one pipeline stage duration.
func (m *ProverMetrics) RecordStage(stage string, seconds float64) {
	if m == nil {
		return
	}
	m.StageDurationSeconds.WithLabelValues(stage).Observe(seconds)
}

// RecordModuleLoad records a module load attempt.
func (m *ProverMetrics) RecordModuleLoad(build string, success bool) {
	if m == nil {
		return
	}
	m.ModuleLoadsTotal.WithLabelValues(build, status(success)).Inc()
}

// RecordDowngrade records a sticky downgrade.
func (m *ProverMetrics) RecordDowngrade(cause string) {
	if m == nil {
		return
	}
	m.DowngradesTotal.WithLabelValues(cause).Inc()
}

// RecordReleaseFailure records a failed handle release.
func (m *ProverMetrics) RecordReleaseFailure(handle string) {
	if m == nil {
		return
	}
	m.ReleaseFailuresTotal.WithLabelValues(handle).Inc()
}

// RecordRejection records a rejected submission.
func (m *ProverMetrics) RecordRejection(code string) {
	if m == nil {
		return
	}
	m.RejectionsTotal.WithLabelValues(code).Inc()
}

// RunStarted increments the active runs gauge.
func (m *ProverMetrics) RunStarted() {
	if m == nil {
		return
	}
	m.ActiveRuns.Inc()
}

// RunEnded decrements the active runs gauge.
func (m *ProverMetrics) RunEnded() {
	if m == nil {
		return
	}
	m.ActiveRuns.Dec()
}

// ConnectionOpened increments the connections gauge.
func (m *ProverMetrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.Connections.Inc()
}

// ConnectionClosed decrements the connections gauge.
func (m *ProverMetrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.Connections.Dec()
}

// RecordArtifactStored increments the stored artifacts counter.
func (m *ProverMetrics) RecordArtifactStored() {
	if m == nil {
		return
	}
	m.ArtifactsStoredTotal.Inc()
}
