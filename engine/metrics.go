package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "quorumberry"

// Metrics are the engine's prometheus collectors.
type Metrics struct {
	View          prometheus.Gauge
	Epoch         prometheus.Gauge
	CertsFormed   *prometheus.CounterVec
	VotesDropped  *prometheus.CounterVec
	InvalidCerts  *prometheus.CounterVec
	TimeoutsFired prometheus.Counter
	HighQCUpdates prometheus.Counter
}

// NewMetrics creates the collectors and registers them on reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		View: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "consensus",
			Name:      "view",
			Help:      "Current view.",
		}),
		Epoch: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "consensus",
			Name:      "epoch",
			Help:      "Current epoch.",
		}),
		CertsFormed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "consensus",
			Name:      "certificates_formed_total",
			Help:      "Certificates formed locally, by kind.",
		}, []string{"kind"}),
		VotesDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "consensus",
			Name:      "votes_dropped_total",
			Help:      "Votes dropped, by error class.",
		}, []string{"reason"}),
		InvalidCerts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "consensus",
			Name:      "invalid_certificates_total",
			Help:      "Received certificates that failed validation, by error class.",
		}, []string{"reason"}),
		TimeoutsFired: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "consensus",
			Name:      "timeouts_total",
			Help:      "View timeouts that fired.",
		}),
		HighQCUpdates: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "consensus",
			Name:      "high_qc_updates_total",
			Help:      "Times the high QC advanced.",
		}),
	}
}

// reason returns the metric label for err's class.
func reason(err error) string {
	switch Classify(err) {
	case ErrCryptoVerification:
		return "crypto"
	case ErrProtocolViolation:
		return "protocol"
	case ErrResourceUnavailable:
		return "unavailable"
	default:
		return "internal"
	}
}
