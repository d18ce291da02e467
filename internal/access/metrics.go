package access

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains the access gate Prometheus metrics
type Metrics struct {
	UnlockAttemptsTotal *prometheus.CounterVec
	LockoutsTotal       *prometheus.CounterVec
	RelocksTotal        *prometheus.CounterVec
	ObjectsRegistered   prometheus.Counter
}

// NewMetrics creates and registers access metrics with the given registry
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	return &Metrics{
		UnlockAttemptsTotal: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "aegis_access_unlock_attempts_total",
			Help: "Unlock attempts by outcome and reason code",
		}, []string{"allowed", "reason"}),

		LockoutsTotal: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "aegis_access_lockouts_total",
			Help: "Lockouts triggered by exhausted attempts",
		}, []string{"policy"}),

		RelocksTotal: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "aegis_access_relocks_total",
			Help: "Objects returned to the locked state",
		}, []string{"trigger"}),

		ObjectsRegistered: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "aegis_access_objects_registered_total",
			Help: "Sealed objects accepted into the store",
		}),
	}
}
