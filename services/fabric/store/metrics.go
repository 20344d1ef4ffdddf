// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/AleutianAI/AleutianFabric/services/fabric/feature"
)

var (
	tracer = otel.Tracer("aleutian.fabric.store")
	meter  = otel.Meter("aleutian.fabric.store")
)

var (
	loadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fabric_store_loads_total",
		Help: "Feature loads by staleness action and status",
	}, []string{"action", "status"})

	formatErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fabric_format_errors_total",
		Help: "Malformed text lines by error kind",
	}, []string{"kind"})
)

var (
	loadLatency metric.Float64Histogram

	metricsOnce sync.Once
	metricsErr  error
)

func initMetrics() error {
	metricsOnce.Do(func() {
		loadLatency, metricsErr = meter.Float64Histogram(
			"fabric_store_load_duration_seconds",
			metric.WithDescription("Duration of feature loads"),
			metric.WithUnit("s"),
		)
	})
	return metricsErr
}

func recordLoad(ctx context.Context, name string, action Action, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	loadsTotal.WithLabelValues(action.String(), status).Inc()
	if initMetrics() == nil {
		loadLatency.Record(ctx, duration.Seconds(), metric.WithAttributes(
			attribute.String("feature", name),
			attribute.String("action", action.String()),
			attribute.String("status", status),
		))
	}
}

func recordFormatErrors(err error) {
	var fe *feature.FormatErrors
	if !errors.As(err, &fe) {
		return
	}
	for _, g := range fe.Groups {
		formatErrorsTotal.WithLabelValues(string(g.Kind)).Add(float64(len(g.Lines)))
	}
}
