package hal

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains the sensor HAL Prometheus metrics
type Metrics struct {
	AcquisitionsTotal *prometheus.CounterVec
	SessionsActive    *prometheus.GaugeVec
	SessionReuseTotal *prometheus.CounterVec
	StreamsReleased   *prometheus.CounterVec
	LockoutsTotal     *prometheus.CounterVec
}

// NewMetrics creates and registers the HAL metrics with the given registry
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	return &Metrics{
		AcquisitionsTotal: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "aegis_hal_acquisitions_total",
			Help: "Sensor acquisition attempts by modality and resulting state",
		}, []string{"modality", "state"}),

		SessionsActive: promauto.With(registry).NewGaugeVec(prometheus.GaugeOpts{
			Name: "aegis_hal_sessions_active",
			Help: "Currently registered sensor sessions by modality",
		}, []string{"modality"}),

		SessionReuseTotal: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "aegis_hal_session_reuse_total",
			Help: "Sensor requests served by an already active session",
		}, []string{"modality"}),

		StreamsReleased: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "aegis_hal_streams_released_total",
			Help: "Underlying sensor streams released by modality and final state",
		}, []string{"modality", "state"}),

		LockoutsTotal: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "aegis_hal_lockouts_total",
			Help: "Sessions terminated by hardware lockout",
		}, []string{"modality"}),
	}
}
