// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/claudefleet/fleet/internal/worker"
)

// MetricsHandler serves GET /metrics, collecting Worker Manager stats on
// every scrape rather than pushing updates, the pull-based pattern
// client_golang itself expects.
type MetricsHandler struct {
	manager  *worker.Manager
	registry *prometheus.Registry

	workersTotal     *prometheus.GaugeVec
	restartsTotal    prometheus.Gauge
	restartsLastHour prometheus.Gauge
}

// NewMetricsHandler builds a MetricsHandler over manager.
func NewMetricsHandler(manager *worker.Manager) *MetricsHandler {
	h := &MetricsHandler{
		manager:  manager,
		registry: prometheus.NewRegistry(),
		workersTotal: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fleet_workers_total",
			Help: "Worker count by health state.",
		}, []string{"state"}),
		restartsTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fleet_worker_restarts_total",
			Help: "Total worker restarts since server start.",
		}),
		restartsLastHour: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fleet_worker_restarts_last_hour",
			Help: "Worker restarts in the trailing hour.",
		}),
	}
	h.registry.MustRegister(h.workersTotal, h.restartsTotal, h.restartsLastHour)
	return h
}

// Handler returns the http.Handler promhttp serves scrapes from.
func (h *MetricsHandler) Handler() http.Handler {
	return promhttp.HandlerFor(h.registry, promhttp.HandlerOpts{})
}

func (h *MetricsHandler) collect() {
	stats := h.manager.GetHealthStats()
	h.workersTotal.WithLabelValues("healthy").Set(float64(stats.Healthy))
	h.workersTotal.WithLabelValues("degraded").Set(float64(stats.Degraded))
	h.workersTotal.WithLabelValues("unhealthy").Set(float64(stats.Unhealthy))

	restarts := h.manager.GetRestartStats()
	h.restartsTotal.Set(float64(restarts.Total))
	h.restartsLastHour.Set(float64(restarts.LastHour))
}

// ServeHTTP refreshes the gauges from the Worker Manager then delegates to
// the registry's own handler.
func (h *MetricsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.collect()
	h.Handler().ServeHTTP(w, r)
}
