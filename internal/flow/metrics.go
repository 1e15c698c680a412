// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package flow

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the Prometheus instrumentation for one Table.
type Metrics struct {
	EntriesAdded   prometheus.Counter
	EntriesRemoved prometheus.Counter
	CurrentEntries prometheus.Gauge

	GCSweeps    prometheus.Counter
	GCReclaimed prometheus.Counter

	HWOffloaded prometheus.Counter
	HWErrors    prometheus.Counter
}

// NewMetrics builds a fresh, unregistered Metrics. Each Table owns its
// own set rather than sharing package-level collectors, so more than one
// Table can exist in a process without a duplicate-registration panic;
// callers that want them exported call RegisterMetrics.
func NewMetrics() *Metrics {
	return &Metrics{
		EntriesAdded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flywall_flow_entries_added_total",
			Help: "Total number of flow table entries added",
		}),
		EntriesRemoved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flywall_flow_entries_removed_total",
			Help: "Total number of flow table entries removed",
		}),
		CurrentEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flywall_flow_entries_current",
			Help: "Current number of directional nodes held in the flow table",
		}),
		GCSweeps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flywall_flow_gc_sweeps_total",
			Help: "Total number of flow table garbage collection passes that removed at least one entry",
		}),
		GCReclaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flywall_flow_gc_reclaimed_total",
			Help: "Total number of entries reclaimed by garbage collection",
		}),
		HWOffloaded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flywall_flow_hw_offloaded_total",
			Help: "Total number of entries successfully mirrored to the hardware backend",
		}),
		HWErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flywall_flow_hw_errors_total",
			Help: "Total number of hardware backend mirroring errors",
		}),
	}
}

// Describe implements prometheus.Collector.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	m.EntriesAdded.Describe(ch)
	m.EntriesRemoved.Describe(ch)
	m.CurrentEntries.Describe(ch)
	m.GCSweeps.Describe(ch)
	m.GCReclaimed.Describe(ch)
	m.HWOffloaded.Describe(ch)
	m.HWErrors.Describe(ch)
}

// Collect implements prometheus.Collector.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.EntriesAdded.Collect(ch)
	m.EntriesRemoved.Collect(ch)
	m.CurrentEntries.Collect(ch)
	m.GCSweeps.Collect(ch)
	m.GCReclaimed.Collect(ch)
	m.HWOffloaded.Collect(ch)
	m.HWErrors.Collect(ch)
}

// RegisterMetrics registers m with the default Prometheus registry.
func (m *Metrics) RegisterMetrics() {
	prometheus.MustRegister(m)
}
