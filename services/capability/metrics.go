// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package capability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Prometheus Metrics for Capability Readiness
// =============================================================================

var (
	// probeTotal counts availability probes.
	// Labels: kind, state (unavailable, downloadable, downloading, available)
	probeTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ondevice",
		Subsystem: "capability",
		Name:      "probes_total",
		Help:      "Total availability probes by resulting state",
	}, []string{"kind", "state"})

	// sessionCreations counts session creation attempts.
	// Labels: kind, status (success, error)
	sessionCreations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ondevice",
		Subsystem: "capability",
		Name:      "session_creations_total",
		Help:      "Total session creation attempts",
	}, []string{"kind", "status"})

	// sessionCreateDuration measures how long creation took, download included.
	// Labels: kind
	sessionCreateDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "ondevice",
		Subsystem: "capability",
		Name:      "session_create_duration_seconds",
		Help:      "Session creation latency including model download",
		Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
	}, []string{"kind"})

	// invocations counts single-shot and streamed invocations.
	// Labels: kind, mode (run, stream), status (success, error, cancelled)
	invocations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ondevice",
		Subsystem: "capability",
		Name:      "invocations_total",
		Help:      "Total capability invocations",
	}, []string{"kind", "mode", "status"})

	// streamChunks counts chunks appended by stream consumers.
	streamChunks = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ondevice",
		Subsystem: "capability",
		Name:      "stream_chunks_total",
		Help:      "Total streamed chunks appended to output",
	})

	// batchItemDuration measures per-item batch latency.
	// Labels: status (success, error)
	batchItemDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "ondevice",
		Subsystem: "batch",
		Name:      "item_duration_seconds",
		Help:      "Per-item batch invocation latency",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	}, []string{"status"})

	// downloadPercent is the last displayed download percentage.
	downloadPercent = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "ondevice",
		Subsystem: "capability",
		Name:      "download_percent",
		Help:      "Last displayed model download percentage",
	})
)
