/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package telemetry holds Prometheus metrics and OpenTelemetry tracing for
// the playout core.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Horizon builder.
	HorizonTicksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "grimnirtv_horizon_ticks_total",
		Help: "Horizon builder ticks executed.",
	})
	HorizonErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "grimnirtv_horizon_errors_total",
		Help: "Horizon builder errors by channel and stage.",
	}, []string{"channel", "stage"})
	HorizonTickDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "grimnirtv_horizon_tick_duration_seconds",
		Help:    "Duration of per-channel horizon extension.",
		Buckets: prometheus.DefBuckets,
	}, []string{"channel"})
	PlaylogEventsWrittenTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "grimnirtv_playlog_events_written_total",
		Help: "PlaylogEvents committed, by channel and event type.",
	}, []string{"channel", "event_type"})
	FallbackEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "grimnirtv_fallback_events_total",
		Help: "Fallback events emitted, by channel and cause.",
	}, []string{"channel", "cause"})
	ScheduleDaysGeneratedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "grimnirtv_schedule_days_generated_total",
		Help: "ScheduleDays generated and frozen, by channel.",
	}, []string{"channel"})

	// Channel runtime.
	EncoderLaunchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "grimnirtv_encoder_launches_total",
		Help: "Encoder process launches, by channel and outcome.",
	}, []string{"channel", "outcome"})
	EncoderRestartsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "grimnirtv_encoder_restarts_total",
		Help: "Encoder relaunches after mid-stream exits, by channel.",
	}, []string{"channel"})
	ViewersGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "grimnirtv_viewers",
		Help: "Currently attached viewers, by channel.",
	}, []string{"channel"})
	TuneInsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "grimnirtv_tune_ins_total",
		Help: "Viewer tune-in requests, by channel.",
	}, []string{"channel"})

	// As-run logging.
	AsRunRecordsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "grimnirtv_asrun_records_total",
		Help: "As-run records accepted for persistence, by channel.",
	}, []string{"channel"})
	AsRunDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "grimnirtv_asrun_dropped_total",
		Help: "As-run records dropped because the queue was full or the sink failed.",
	})

	// Database.
	DatabaseQueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "grimnirtv_db_query_duration_seconds",
		Help:    "Database operation duration by operation and table.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation", "table"})
	DatabaseErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "grimnirtv_db_errors_total",
		Help: "Database errors by operation and kind.",
	}, []string{"operation", "kind"})
	DatabaseConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "grimnirtv_db_connections_active",
		Help: "Open database connections.",
	})

	// HTTP API.
	APIRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "grimnirtv_api_requests_total",
		Help: "HTTP API requests by method, endpoint, and status.",
	}, []string{"method", "endpoint", "status"})
	APIRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "grimnirtv_api_request_duration_seconds",
		Help:    "HTTP API request duration by method, endpoint, and status.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "endpoint", "status"})
	APIActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "grimnirtv_api_active_connections",
		Help: "In-flight HTTP API requests.",
	})
)

// Handler exposes the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
