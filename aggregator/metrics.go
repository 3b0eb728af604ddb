package aggregator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	ns = "reading_aggregator"

	// LabelOutcome labels readings by what AddReading did with them
	LabelOutcome = "outcome"
	// LabelSource labels batches by the transport they arrived on
	LabelSource = "source"

	SourceHTTP = "http"
	SourceAMQP = "amqp"
)

// Metrics are the Prometheus collectors of the aggregator
type Metrics struct {
	Readings        *prometheus.CounterVec
	Batches         *prometheus.CounterVec
	RejectedBatches *prometheus.CounterVec
	Devices         prometheus.Gauge
	PersistErrors   prometheus.Counter
	SinkErrors      prometheus.Counter
}

// NewMetrics registers the collectors with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		Readings: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "readings_total",
			Help: "Readings processed, by outcome (ignored, added, added_latest).",
		}, []string{LabelOutcome}),
		Batches: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "batches_total",
			Help: "Reading batches applied, by source.",
		}, []string{LabelSource}),
		RejectedBatches: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "rejected_batches_total",
			Help: "Reading batches rejected by validation, by source.",
		}, []string{LabelSource}),
		Devices: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Name: "devices",
			Help: "Devices currently held in the registry.",
		}),
		PersistErrors: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "persist_errors_total",
			Help: "Failed attempts to persist device state.",
		}),
		SinkErrors: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "sink_errors_total",
			Help: "Failed snapshot writes to sinks.",
		}),
	}
}
