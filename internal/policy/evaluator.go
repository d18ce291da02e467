// Package policy decides access to sealed objects and derives operator
// roles from attestation verdicts.
package policy

import (
	"crypto/subtle"
	"strconv"

	"github.com/enterprise/aegis-trust/internal/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// ReasonCode explains a denied evaluation
type ReasonCode string

const (
	ReasonAssuranceThreshold ReasonCode = "ASSURANCE_THRESHOLD_UNREACHED"
	ReasonBindingViolation   ReasonCode = "BIOMETRIC_BINDING_VIOLATION"
	ReasonAndPolicyFailure   ReasonCode = "MULTI_MODAL_AND_POLICY_FAILURE"
	ReasonOrPolicyFailure    ReasonCode = "MULTI_MODAL_OR_POLICY_FAILURE"
	ReasonInvalidInput       ReasonCode = "INVALID_EVALUATION_INPUT"
)

// FlagVacuousAnd marks an allow produced by an AND policy with nothing required
const FlagVacuousAnd = "VACUOUS_AND_POLICY"

// Decision is the outcome of one evaluation
type Decision struct {
	Allowed bool       `json:"success"`
	Reason  ReasonCode `json:"reason,omitempty"`
	Flags   []string   `json:"flags,omitempty"`
}

func allow(flags ...string) Decision {
	return Decision{Allowed: true, Flags: flags}
}

func deny(reason ReasonCode) Decision {
	return Decision{Reason: reason}
}

// Evaluator applies a sealed object's lock policy to an analysis report.
// It is stateless and safe for concurrent use; attempt counting belongs to
// the caller.
type Evaluator struct {
	logger  *logrus.Logger
	metrics *Metrics
}

// NewEvaluator creates an evaluator. metrics may be nil.
func NewEvaluator(logger *logrus.Logger, metrics *Metrics) *Evaluator {
	if metrics == nil {
		metrics = NewMetrics(prometheus.NewRegistry())
	}
	return &Evaluator{
		logger:  logger,
		metrics: metrics,
	}
}

// Evaluate runs the checks in a fixed order and stops at the first failure:
// overall confidence, feature binding, then multi-modal fusion.
func (e *Evaluator) Evaluate(file *types.SecureFile, report *types.AnalysisReport) Decision {
	decision := e.evaluate(file, report)

	e.metrics.EvaluationsTotal.WithLabelValues(strconv.FormatBool(decision.Allowed), string(decision.Reason)).Inc()

	fields := logrus.Fields{"allowed": decision.Allowed}
	if file != nil {
		fields["object_id"] = file.ID
	}
	if report != nil {
		fields["report_id"] = report.ID
	}
	if decision.Reason != "" {
		fields["reason"] = decision.Reason
	}
	e.logger.WithFields(fields).Debug("Policy evaluated")

	return decision
}

func (e *Evaluator) evaluate(file *types.SecureFile, report *types.AnalysisReport) Decision {
	if file == nil || report == nil {
		return deny(ReasonInvalidInput)
	}

	policy := file.Policy()

	// written as !(>=) so a NaN score fails closed
	if !(report.OverallConfidence >= policy.MinConfidence) {
		return deny(ReasonAssuranceThreshold)
	}

	if !bindingMatches(file.SecurityBinding.FeatureVectorHash, report.FeatureVectorHash) {
		return deny(ReasonBindingViolation)
	}

	satisfied := make(map[types.SignalType]bool, len(report.Signals))
	for _, s := range report.Signals {
		if s.Confidence >= policy.MinConfidence {
			satisfied[s.Type] = true
		}
	}

	if policy.Fusion == types.FusionAnd {
		for _, required := range policy.BiometricsRequired {
			if !satisfied[required] {
				return deny(ReasonAndPolicyFailure)
			}
		}
		if len(policy.BiometricsRequired) == 0 {
			e.logger.WithField("object_id", file.ID).Warn("AND policy requires no biometrics; allowing vacuously")
			return allow(FlagVacuousAnd)
		}
		return allow()
	}

	for _, required := range policy.BiometricsRequired {
		if satisfied[required] {
			return allow()
		}
	}
	return deny(ReasonOrPolicyFailure)
}

// bindingMatches compares feature-vector hashes in constant time. An object
// without a bound hash never matches.
func bindingMatches(bound, presented string) bool {
	if bound == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(bound), []byte(presented)) == 1
}
