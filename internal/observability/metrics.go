// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Outcome labels for lifecycle operations.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// RouteRoot labels requests that fell through to the manager itself.
const RouteRoot = "root"

// Metrics contains custom Prometheus metrics for botmanager.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	RoutedPlugins       prometheus.Gauge
	PluginLoadFailures  *prometheus.CounterVec
	LifecycleOperations *prometheus.CounterVec
	DispatchRequests    *prometheus.CounterVec
	RebuildDuration     prometheus.Histogram
}

// NewMetrics creates and registers custom botmanager metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RoutedPlugins: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "botmanager_routed_plugins",
			Help: "Number of plugins in the current routing table",
		}),
		PluginLoadFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "botmanager_plugin_load_failures_total",
				Help: "Total number of plugins that failed to load by runtime",
			},
			[]string{"runtime"},
		),
		LifecycleOperations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "botmanager_lifecycle_operations_total",
				Help: "Total number of create/update/delete operations by outcome",
			},
			[]string{"operation", "outcome"},
		),
		DispatchRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "botmanager_dispatch_requests_total",
				Help: "Total number of requests routed by target",
			},
			[]string{"route"},
		),
		RebuildDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "botmanager_rebuild_duration_seconds",
			Help:    "Time taken to rebuild the routing table",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
	}

	reg.MustRegister(
		m.RoutedPlugins,
		m.PluginLoadFailures,
		m.LifecycleOperations,
		m.DispatchRequests,
		m.RebuildDuration,
	)
	return m
}

// ObserveRebuild records a finished routing table rebuild.
func (m *Metrics) ObserveRebuild(took time.Duration, routed int) {
	if m == nil {
		return
	}
	m.RebuildDuration.Observe(took.Seconds())
	m.RoutedPlugins.Set(float64(routed))
}

// RecordLoadFailure counts a plugin that could not be loaded.
func (m *Metrics) RecordLoadFailure(runtime string) {
	if m == nil {
		return
	}
	m.PluginLoadFailures.WithLabelValues(runtime).Inc()
}

// RecordOperation counts a lifecycle operation.
func (m *Metrics) RecordOperation(operation string, err error) {
	if m == nil {
		return
	}
	outcome := OutcomeSuccess
	if err != nil {
		outcome = OutcomeFailure
	}
	m.LifecycleOperations.WithLabelValues(operation, outcome).Inc()
}

// RecordDispatch counts a routed request.
func (m *Metrics) RecordDispatch(route string) {
	if m == nil {
		return
	}
	m.DispatchRequests.WithLabelValues(route).Inc()
}
