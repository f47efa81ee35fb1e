// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package metrics exposes the gateway's Prometheus-compatible counters,
// gauges, and histograms on a private registry, served under /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder wraps a private prometheus.Registry so the gateway never
// pollutes (or is polluted by) the default global registry.
type Recorder struct {
	registry *prometheus.Registry

	PushTotal  *prometheus.CounterVec
	PullTotal  *prometheus.CounterVec
	FlushTotal *prometheus.CounterVec

	PushLatency   prometheus.Histogram
	FlushDuration prometheus.Histogram

	BufferBytes  prometheus.Gauge
	BufferDeltas prometheus.Gauge
	WSConns      prometheus.Gauge
	ActiveHTTP   prometheus.Gauge
}

func New() *Recorder {
	reg := prometheus.NewRegistry()

	r := &Recorder{
		registry: reg,
		PushTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "push_total", Help: "Total push requests by status.",
		}, []string{"status"}),
		PullTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pull_total", Help: "Total pull requests by status.",
		}, []string{"status"}),
		FlushTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flush_total", Help: "Total buffer flushes by status.",
		}, []string{"status"}),
		PushLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "push_latency_seconds", Help: "Push request handling latency.",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}),
		FlushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "flush_duration_seconds", Help: "Buffer flush duration.",
			Buckets: []float64{.01, .05, .1, .5, 1, 2, 5, 10, 30},
		}),
		BufferBytes:  prometheus.NewGauge(prometheus.GaugeOpts{Name: "buffer_bytes", Help: "Current buffered byte size."}),
		BufferDeltas: prometheus.NewGauge(prometheus.GaugeOpts{Name: "buffer_deltas", Help: "Current buffered delta count."}),
		WSConns:      prometheus.NewGauge(prometheus.GaugeOpts{Name: "websocket_connections", Help: "Open WebSocket connections."}),
		ActiveHTTP:   prometheus.NewGauge(prometheus.GaugeOpts{Name: "active_http_requests", Help: "In-flight HTTP requests."}),
	}

	reg.MustRegister(
		r.PushTotal, r.PullTotal, r.FlushTotal,
		r.PushLatency, r.FlushDuration,
		r.BufferBytes, r.BufferDeltas, r.WSConns, r.ActiveHTTP,
	)
	return r
}

// Handler returns the /metrics text-exposition HTTP handler.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
