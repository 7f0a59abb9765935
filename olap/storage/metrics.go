package storage

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	metricBrokenDisks = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "doris",
		Subsystem: "storage",
		Name:      "broken_disks",
		Help:      "Number of data dirs marked broken by the disk monitor.",
	})
	metricUnusedRowsets = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "doris",
		Subsystem: "storage",
		Name:      "unused_rowsets",
		Help:      "Rowsets waiting in the unused registry for delayed GC.",
	})
	metricTrashSweepSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "doris",
		Subsystem: "storage",
		Name:      "trash_sweep_seconds",
		Help:      "Duration of one full trash/snapshot sweep.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
	})
)

func init() {
	prometheus.MustRegister(metricBrokenDisks, metricUnusedRowsets, metricTrashSweepSeconds)
}
