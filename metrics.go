package jpipserve

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the Prometheus instruments a Server reports to. A nil
// *Metrics disables reporting.
type Metrics struct {
	batches         prometheus.Counter
	bytes           prometheus.Counter
	abandoned       prometheus.Counter
	resequences     prometheus.Counter
	activePrecincts prometheus.Gauge
	batchBytes      prometheus.Histogram
}

// NewMetrics registers the server instruments with reg. Servers sharing a
// registry must share one Metrics value.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		batches: f.NewCounter(prometheus.CounterOpts{
			Name: "jpipserve_batches_total",
			Help: "Number of increment batches generated",
		}),
		bytes: f.NewCounter(prometheus.CounterOpts{
			Name: "jpipserve_chunk_bytes_total",
			Help: "Chunk bytes produced, prefixes included",
		}),
		abandoned: f.NewCounter(prometheus.CounterOpts{
			Name: "jpipserve_chunks_abandoned_total",
			Help: "Chunks released as never delivered",
		}),
		resequences: f.NewCounter(prometheus.CounterOpts{
			Name: "jpipserve_resequences_total",
			Help: "Sequencing passes over window contexts",
		}),
		activePrecincts: f.NewGauge(prometheus.GaugeOpts{
			Name: "jpipserve_active_precincts",
			Help: "Precincts currently promoted for delivery",
		}),
		batchBytes: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "jpipserve_batch_bytes",
			Help:    "Size of generated batches",
			Buckets: prometheus.ExponentialBuckets(256, 4, 8),
		}),
	}
}
