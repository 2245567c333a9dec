// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package telemetry

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ServerMetrics holds the OTel instruments recorded by the HTTP server.
//
// Thread Safety: Safe for concurrent use after creation.
type ServerMetrics struct {
	// RequestsTotal counts requests by route, method and status.
	RequestsTotal metric.Int64Counter

	// RequestDuration records request latency in seconds.
	RequestDuration metric.Float64Histogram

	// ActiveRequests tracks in-flight requests.
	ActiveRequests metric.Int64UpDownCounter

	// OpenSockets tracks open websocket connections by channel (progress, stream).
	OpenSockets metric.Int64UpDownCounter
}

// NewServerMetrics registers the server instruments with meter.
//
// # Examples
//
//	m, err := telemetry.NewServerMetrics(otel.Meter("ondevice.server"))
func NewServerMetrics(meter metric.Meter) (*ServerMetrics, error) {
	m := &ServerMetrics{}
	var err error

	m.RequestsTotal, err = meter.Int64Counter(
		"ondevice_http_requests_total",
		metric.WithDescription("Total HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create http_requests_total: %w", err)
	}

	m.RequestDuration, err = meter.Float64Histogram(
		"ondevice_http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.025, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 120),
	)
	if err != nil {
		return nil, fmt.Errorf("create http_request_duration: %w", err)
	}

	m.ActiveRequests, err = meter.Int64UpDownCounter(
		"ondevice_http_active_requests",
		metric.WithDescription("Currently active HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create http_active_requests: %w", err)
	}

	m.OpenSockets, err = meter.Int64UpDownCounter(
		"ondevice_websocket_connections",
		metric.WithDescription("Open websocket connections"),
		metric.WithUnit("{connection}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create websocket_connections: %w", err)
	}

	return m, nil
}

// RecordRequest records one finished request.
func (m *ServerMetrics) RecordRequest(ctx context.Context, route, method string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("route", route),
		attribute.String("method", method),
		attribute.String("status", strconv.Itoa(status)),
	)
	m.RequestsTotal.Add(ctx, 1, attrs)
	m.RequestDuration.Record(ctx, elapsed.Seconds(), attrs)
}

// TrackActive increments the in-flight gauge and returns its decrement.
func (m *ServerMetrics) TrackActive(ctx context.Context) func() {
	if m == nil {
		return func() {}
	}
	m.ActiveRequests.Add(ctx, 1)
	return func() { m.ActiveRequests.Add(ctx, -1) }
}

// TrackSocket counts an open websocket on channel and returns its release.
func (m *ServerMetrics) TrackSocket(ctx context.Context, channel string) func() {
	if m == nil {
		return func() {}
	}
	attrs := metric.WithAttributes(attribute.String("channel", channel))
	m.OpenSockets.Add(ctx, 1, attrs)
	return func() { m.OpenSockets.Add(ctx, -1, attrs) }
}
