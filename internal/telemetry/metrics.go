/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package telemetry holds the Prometheus metrics and OpenTelemetry tracing
// plumbing shared by all CantinaOS services.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Bus metrics.
var (
	BusEventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cantina",
		Subsystem: "bus",
		Name:      "events_published_total",
		Help:      "Events published, per topic.",
	}, []string{"topic"})

	BusEventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cantina",
		Subsystem: "bus",
		Name:      "events_dropped_total",
		Help:      "Events dropped by mailbox overflow, per topic.",
	}, []string{"topic"})

	BusHandlerPanics = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "cantina",
		Subsystem: "bus",
		Name:      "handler_panics_total",
		Help:      "Handler panics caught by the mailbox pump.",
	})
)

// Service lifecycle metrics.
var (
	ServiceHandlerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cantina",
		Subsystem: "service",
		Name:      "handler_failures_total",
		Help:      "Event handler failures, per service.",
	}, []string{"service"})

	ServiceRestarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cantina",
		Subsystem: "service",
		Name:      "restarts_total",
		Help:      "Supervisor restart attempts, per service.",
	}, []string{"service"})
)

// Command and voice pipeline metrics.
var (
	CommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cantina",
		Subsystem: "dispatch",
		Name:      "commands_total",
		Help:      "Dispatched commands, per verb and outcome.",
	}, []string{"verb", "outcome"})

	VoiceStageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "cantina",
		Subsystem: "voice",
		Name:      "stage_duration_seconds",
		Help:      "Duration of voice pipeline stages (stt, llm, tts, speech).",
		Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 20},
	}, []string{"stage"})
)

// Hardware and bridge metrics.
var (
	SerialWriteLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "cantina",
		Subsystem: "eyelight",
		Name:      "write_latency_seconds",
		Help:      "Round-trip latency of eye-light serial commands.",
		Buckets:   []float64{.001, .005, .01, .03, .05, .1, .25, .5},
	})

	SerialReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "cantina",
		Subsystem: "eyelight",
		Name:      "reconnects_total",
		Help:      "Serial port reconnect attempts.",
	})

	WSClients = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "cantina",
		Subsystem: "bridge",
		Name:      "ws_clients",
		Help:      "Connected dashboard WebSocket clients.",
	})

	WSEventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "cantina",
		Subsystem: "bridge",
		Name:      "ws_events_dropped_total",
		Help:      "Outbound events dropped by per-client queues or rate caps.",
	})

	LogEntriesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "cantina",
		Subsystem: "logsink",
		Name:      "entries_dropped_total",
		Help:      "Log entries dropped because the writer queue was full.",
	})
)

// HTTP API metrics, labelled by chi route pattern.
var (
	APIActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "cantina",
		Subsystem: "api",
		Name:      "active_connections",
		Help:      "In-flight HTTP requests, including held-open WebSockets.",
	})

	APIRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "cantina",
		Subsystem: "api",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "endpoint", "status"})

	APIRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cantina",
		Subsystem: "api",
		Name:      "requests_total",
		Help:      "HTTP requests served.",
	}, []string{"method", "endpoint", "status"})
)

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.written {
		rw.statusCode = code
		rw.written = true
		rw.ResponseWriter.WriteHeader(code)
	}
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.written {
		rw.WriteHeader(http.StatusOK)
	}
	return rw.ResponseWriter.Write(b)
}

// MetricsMiddleware records request counts and latency per chi route pattern.
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		APIActiveConnections.Inc()
		defer APIActiveConnections.Dec()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		endpoint := r.URL.Path
		if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
			if p := routeCtx.RoutePattern(); p != "" {
				endpoint = p
			}
		}
		status := strconv.Itoa(wrapped.statusCode)

		APIRequestDuration.WithLabelValues(r.Method, endpoint, status).Observe(time.Since(start).Seconds())
		APIRequestsTotal.WithLabelValues(r.Method, endpoint, status).Inc()
	})
}
