/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// RouterMetrics holds Prometheus metrics for the read/write routers.
type RouterMetrics struct {
	// ReadsTotal counts reads by the tier that served them.
	ReadsTotal *prometheus.CounterVec
	// WritesTotal counts accepted writes.
	WritesTotal prometheus.Counter
	// RepairsTotal counts index entries repaired on the read path.
	RepairsTotal *prometheus.CounterVec
	// ReadDurationSeconds tracks end-to-end read latency.
	ReadDurationSeconds prometheus.Histogram
	// ErrorsTotal counts failures by operation.
	ErrorsTotal *prometheus.CounterVec
}

// NewRouterMetrics creates and registers router metrics on the default
// registry.
func NewRouterMetrics() *RouterMetrics {
	return &RouterMetrics{
		ReadsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "tundra_router_reads_total",
			Help: "Total reads served, labelled by the tier that held the record",
		}, []string{"tier"}),
		WritesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "tundra_router_writes_total",
			Help: "Total writes accepted by the write router",
		}),
		RepairsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "tundra_router_index_repairs_total",
			Help: "Total location index entries repaired on the read path",
		}, []string{"kind"}),
		ReadDurationSeconds: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "tundra_router_read_duration_seconds",
			Help:    "End-to-end read latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~16s
		}),
		ErrorsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "tundra_router_errors_total",
			Help: "Total router failures by operation",
		}, []string{"operation"}),
	}
}

// NewRouterMetricsWithRegistry creates router metrics on an isolated
// registry (for tests).
func NewRouterMetricsWithRegistry(reg *prometheus.Registry) *RouterMetrics {
	m := &RouterMetrics{
		ReadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tundra_router_reads_total",
			Help: "Total reads served, labelled by the tier that held the record",
		}, []string{"tier"}),
		WritesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tundra_router_writes_total",
			Help: "Total writes accepted by the write router",
		}),
		RepairsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tundra_router_index_repairs_total",
			Help: "Total location index entries repaired on the read path",
		}, []string{"kind"}),
		ReadDurationSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tundra_router_read_duration_seconds",
			Help:    "End-to-end read latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
		ErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tundra_router_errors_total",
			Help: "Total router failures by operation",
		}, []string{"operation"}),
	}
	reg.MustRegister(m.ReadsTotal, m.WritesTotal, m.RepairsTotal,
		m.ReadDurationSeconds, m.ErrorsTotal)
	return m
}

// RecordRead counts a read served from the given tier.
func (m *RouterMetrics) RecordRead(tier string) {
	m.ReadsTotal.WithLabelValues(tier).Inc()
}

// RecordWrite counts an accepted write.
func (m *RouterMetrics) RecordWrite() {
	m.WritesTotal.Inc()
}

// RecordRepair counts an index repair of the given kind.
func (m *RouterMetrics) RecordRepair(kind string) {
	m.RepairsTotal.WithLabelValues(kind).Inc()
}

// RecordReadDuration observes a read latency.
func (m *RouterMetrics) RecordReadDuration(d time.Duration) {
	m.ReadDurationSeconds.Observe(d.Seconds())
}

// RecordError increments the error counter for the given operation.
func (m *RouterMetrics) RecordError(operation string) {
	m.ErrorsTotal.WithLabelValues(operation).Inc()
}
