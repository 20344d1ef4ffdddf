// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cache

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Package-level tracer and meter for artifact operations.
var (
	tracer = otel.Tracer("aleutian.fabric.cache")
	meter  = otel.Meter("aleutian.fabric.cache")
)

// Prometheus counters.
var (
	cacheOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fabric_cache_operations_total",
		Help: "Artifact reads and writes by operation and status",
	}, []string{"operation", "status"})

	cacheBytesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fabric_cache_bytes_total",
		Help: "Compressed artifact bytes read and written",
	}, []string{"operation"})
)

// OTel instruments, created lazily.
var (
	cacheLatency metric.Float64Histogram

	metricsOnce sync.Once
	metricsErr  error
)

func initMetrics() error {
	metricsOnce.Do(func() {
		cacheLatency, metricsErr = meter.Float64Histogram(
			"fabric_cache_duration_seconds",
			metric.WithDescription("Duration of artifact reads and writes"),
			metric.WithUnit("s"),
		)
	})
	return metricsErr
}

// recordOperation updates both counter families and the latency histogram.
func recordOperation(ctx context.Context, operation string, bytes int64, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	cacheOperationsTotal.WithLabelValues(operation, status).Inc()
	if err == nil && bytes > 0 {
		cacheBytesTotal.WithLabelValues(operation).Add(float64(bytes))
	}
	if initMetrics() == nil {
		cacheLatency.Record(ctx, duration.Seconds(), metric.WithAttributes(
			attribute.String("operation", operation),
			attribute.String("status", status),
		))
	}
}

func startSpan(ctx context.Context, operation, name string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "Cache."+operation,
		trace.WithAttributes(
			attribute.String("cache.operation", operation),
			attribute.String("feature", name),
		),
	)
}
