package policy

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains the policy Prometheus metrics
type Metrics struct {
	EvaluationsTotal     *prometheus.CounterVec
	RoleDerivationsTotal *prometheus.CounterVec
	RoleEvalErrorsTotal  prometheus.Counter
}

// NewMetrics creates and registers policy metrics with the given registry
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	return &Metrics{
		EvaluationsTotal: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "aegis_policy_evaluations_total",
			Help: "Fusion policy evaluations by outcome and reason code",
		}, []string{"allowed", "reason"}),

		RoleDerivationsTotal: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "aegis_policy_role_derivations_total",
			Help: "Operator roles derived from attestation verdicts",
		}, []string{"role"}),

		RoleEvalErrorsTotal: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "aegis_policy_role_eval_errors_total",
			Help: "Role derivations that failed and fell back to USER",
		}),
	}
}
