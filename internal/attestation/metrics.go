package attestation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains the attestation Prometheus metrics
type Metrics struct {
	VerificationsTotal   *prometheus.CounterVec
	VerificationDuration *prometheus.HistogramVec
	StructuralFailures   *prometheus.CounterVec
}

// NewMetrics creates and registers attestation metrics with the given registry
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	return &Metrics{
		VerificationsTotal: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "aegis_attestation_verifications_total",
			Help: "Device integrity verifications by platform and outcome",
		}, []string{"platform", "outcome"}),

		VerificationDuration: promauto.With(registry).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "aegis_attestation_verification_duration_seconds",
			Help:    "Latency of platform verification calls",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}, []string{"platform"}),

		StructuralFailures: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "aegis_attestation_structural_failures_total",
			Help: "Tokens rejected before any trust decision, by platform and check",
		}, []string{"platform", "check"}),
	}
}
