// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

// newTestMetrics creates metrics on an isolated registry so tests do not
// collide with the global Prometheus registry.
func newTestMetrics(t *testing.T) *ProverMetrics {
	t.Helper()
	return NewMetrics(prometheus.NewRegistry())
}

// =============================================================================
// RecordRun Tests
// =============================================================================

func TestRecordRun(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordRun("default", "threaded", 1.5, true)
	m.RecordRun("default", "threaded", 0.5, true)
	m.RecordRun("alternate", "single", 2, false)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.RunsTotal.WithLabelValues("default", "threaded", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RunsTotal.WithLabelValues("alternate", "single", "error")))
	assert.Equal(t, 2, testutil.CollectAndCount(m.RunDurationSeconds))
}

// =============================================================================
// Counter Helper Tests
// =============================================================================

func TestCounters(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordModuleLoad("threaded", false)
	m.RecordModuleLoad("single", true)
	m.RecordDowngrade("thread_pool")
	m.RecordReleaseFailure("session")
	m.RecordRejection("busy")
	m.RecordRejection("busy")
	m.RecordArtifactStored()
	m.RecordStage("prove", 0.2)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ModuleLoadsTotal.WithLabelValues("threaded", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ModuleLoadsTotal.WithLabelValues("single", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DowngradesTotal.WithLabelValues("thread_pool")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ReleaseFailuresTotal.WithLabelValues("session")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.RejectionsTotal.WithLabelValues("busy")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ArtifactsStoredTotal))
	assert.Equal(t, 1, testutil.CollectAndCount(m.StageDurationSeconds))
}

// =============================================================================
// Gauge Tests
// =============================================================================

func TestGauges(t *testing.T) {
	m := newTestMetrics(t)

	m.RunStarted()
	m.RunStarted()
	m.RunEnded()
	m.ConnectionOpened()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActiveRuns))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Connections))

	m.ConnectionClosed()
	assert.Equal(t, 0.0, testutil.ToFloat64(m.Connections))
}

func TestNilMetricsAreNoops(t *testing.T) {
	var m *ProverMetrics
	assert.NotPanics(t, func() {
		m.RecordRun("default", "single", 1, true)
		m.RecordStage("prove", 1)
		m.RecordModuleLoad("single", true)
		m.RecordDowngrade("trap")
		m.RecordReleaseFailure("session")
		m.RecordRejection("busy")
		m.RunStarted()
		m.RunEnded()
		m.ConnectionOpened()
		m.ConnectionClosed()
		m.RecordArtifactStored()
	})
}
