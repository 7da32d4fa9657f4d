// Package metrics holds the engine's Prometheus instrumentation. A single
// Metrics value is wired into the memtable list and the background flusher
// at Open time, and served over HTTP by the CLI's serve subcommand.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the counters, gauges, and histograms the flush path updates.
type Metrics struct {
	FlushesTotal        prometheus.Counter
	FlushRollbacksTotal prometheus.Counter
	ImmFlushNeeded      prometheus.Gauge
	MemtableHistorySize prometheus.Gauge
	UnflushedCount      prometheus.Gauge
	FlushInstallDuration prometheus.Histogram
}

// New registers a fresh set of metrics against reg. Pass
// prometheus.DefaultRegisterer to serve them from the default handler.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		FlushesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "arbor_memtable_flushes_total",
			Help: "Number of memtable flush-install commits that added at least one file.",
		}),
		FlushRollbacksTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "arbor_memtable_flush_rollbacks_total",
			Help: "Number of times a flush pick was rolled back after a failed write.",
		}),
		ImmFlushNeeded: factory.NewGauge(prometheus.GaugeOpts{
			Name: "arbor_memtable_imm_flush_needed",
			Help: "1 if the memtable list's advisory imm_flush_needed bit is set, 0 otherwise.",
		}),
		MemtableHistorySize: factory.NewGauge(prometheus.GaugeOpts{
			Name: "arbor_memtable_history_size",
			Help: "Number of already-flushed memtables retained for recent-read fallback.",
		}),
		UnflushedCount: factory.NewGauge(prometheus.GaugeOpts{
			Name: "arbor_memtable_unflushed_count",
			Help: "Number of memtables in the unflushed queue, picked or not.",
		}),
		FlushInstallDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "arbor_memtable_flush_install_duration_seconds",
			Help:    "Time spent in InstallMemtableFlushResults, including the manifest LogAndApply call.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// ObserveInstall records the duration of one InstallMemtableFlushResults
// call and, if committed is true, increments FlushesTotal.
func (m *Metrics) ObserveInstall(d time.Duration, committed bool) {
	if m == nil {
		return
	}
	m.FlushInstallDuration.Observe(d.Seconds())
	if committed {
		m.FlushesTotal.Inc()
	}
}

// ObserveRollback increments FlushRollbacksTotal.
func (m *Metrics) ObserveRollback() {
	if m == nil {
		return
	}
	m.FlushRollbacksTotal.Inc()
}

// SetGauges refreshes the three point-in-time gauges from the list's
// current state. Cheap enough to call on every Add/Install/Rollback.
func (m *Metrics) SetGauges(immFlushNeeded bool, unflushed, history int) {
	if m == nil {
		return
	}
	if immFlushNeeded {
		m.ImmFlushNeeded.Set(1)
	} else {
		m.ImmFlushNeeded.Set(0)
	}
	m.UnflushedCount.Set(float64(unflushed))
	m.MemtableHistorySize.Set(float64(history))
}
