// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// TransportMetrics counts traffic on worker connections.
//
// Description:
//
//	OTel instruments for the WebSocket transport. They are exported through
//	whichever metric exporter Init configured.
//
// Thread Safety: Safe for concurrent use after creation.
type TransportMetrics struct {
	// MessagesTotal counts messages by direction (in, out) and type.
	MessagesTotal metric.Int64Counter

	// ArtifactBytes records the size of binary artifact frames.
	ArtifactBytes metric.Int64Histogram
}

// NewTransportMetrics registers the transport instruments with meter.
//
// Inputs:
//
//	meter - The OTel meter, typically otel.Meter(TracerName).
//
// Outputs:
//
//	*TransportMetrics - The instruments.
//	error - Non-nil if registration fails.
func NewTransportMetrics(meter metric.Meter) (*TransportMetrics, error) {
	m := &TransportMetrics{}
	var err error

	m.MessagesTotal, err = meter.Int64Counter(
		"prover_transport_messages_total",
		metric.WithDescription("Worker connection messages by direction and type"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create transport_messages_total: %w", err)
	}

	m.ArtifactBytes, err = meter.Int64Histogram(
		"prover_transport_artifact_bytes",
		metric.WithDescription("Size of artifact frames sent to hosts"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, fmt.Errorf("create transport_artifact_bytes: %w", err)
	}

	return m, nil
}

// RecordMessage counts one message. No-op on a nil receiver.
func (m *TransportMetrics) RecordMessage(ctx context.Context, direction, msgType string) {
	if m == nil {
		return
	}
	m.MessagesTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("direction", direction),
		attribute.String("type", msgType),
	))
}

// RecordArtifact records one artifact frame size. No-op on a nil receiver.
func (m *TransportMetrics) RecordArtifact(ctx context.Context, size int) {
	if m == nil {
		return
	}
	m.ArtifactBytes.Record(ctx, int64(size))
}
