package hvs

import "github.com/prometheus/client_golang/prometheus"

// driverMetrics are the per-attach Prometheus instruments, labeled by
// the attach's correlation id so that a process driving several
// adapters (as the test suite does) doesn't collapse their series
// together. Grounded on go-tcg-storage/cmd/tcgdiskstat/metric.go's use
// of prometheus.NewDesc/MustNewConstMetric, adapted here to live
// instruments updated as the driver runs rather than a one-shot dump.
type driverMetrics struct {
	ccbsInFlight prometheus.Gauge
	completions  *prometheus.CounterVec // label: outcome
	protoErrors  *prometheus.CounterVec // label: kind
	handshake    prometheus.Histogram
}

func newDriverMetrics(attachID string) *driverMetrics {
	constLabels := prometheus.Labels{"attach_id": attachID}
	return &driverMetrics{
		ccbsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "hvs",
			Name:        "ccbs_in_flight",
			Help:        "Number of command control blocks currently checked out of the pool.",
			ConstLabels: constLabels,
		}),
		completions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "hvs",
			Name:        "completions_total",
			Help:        "SCSI completions by outcome.",
			ConstLabels: constLabels,
		}, []string{"outcome"}),
		protoErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "hvs",
			Name:        "protocol_errors_total",
			Help:        "Protocol-level errors observed on the channel, by kind.",
			ConstLabels: constLabels,
		}, []string{"kind"}),
		handshake: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "hvs",
			Name:        "handshake_seconds",
			Help:        "Time spent in the init handshake state machine.",
			ConstLabels: constLabels,
			Buckets:     prometheus.DefBuckets,
		}),
	}
}

// Collectors returns every instrument so the embedding application can
// register them with its own registry; Attach itself never registers
// with prometheus.DefaultRegisterer, since a library should not reach
// into global state.
func (m *driverMetrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{m.ccbsInFlight, m.completions, m.protoErrors, m.handshake}
}
