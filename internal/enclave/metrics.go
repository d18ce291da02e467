package enclave

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains the enclave Prometheus metrics
type Metrics struct {
	SealsTotal        *prometheus.CounterVec
	SealFailuresTotal *prometheus.CounterVec
}

// NewMetrics creates and registers enclave metrics with the given registry
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	return &Metrics{
		SealsTotal: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "aegis_enclave_seals_total",
			Help: "Objects sealed by attestation tier",
		}, []string{"tier"}),

		SealFailuresTotal: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "aegis_enclave_seal_failures_total",
			Help: "Seal requests rejected by reason",
		}, []string{"reason"}),
	}
}
