package policy

import (
	"math"
	"sync"
	"testing"

	"github.com/enterprise/aegis-trust/internal/types"
	"github.com/enterprise/aegis-trust/pkg/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

const boundHash = "fvh-7f3a"

func sealed(fusion types.FusionMode, min float64, required ...types.SignalType) *types.SecureFile {
	return &types.SecureFile{
		ID: "f-test",
		SecurityBinding: types.SecurityBinding{
			FeatureVectorHash: boundHash,
		},
		Metadata: types.FileMetadata{
			LockPolicy: types.LockPolicy{
				BiometricsRequired: required,
				Fusion:             fusion,
				MinConfidence:      min,
				MaxAttempts:        3,
				LockoutPolicy:      types.LockoutTemporary,
			},
		},
	}
}

func report(overall float64, hash string, signals ...types.BiometricSignal) *types.AnalysisReport {
	return &types.AnalysisReport{
		ID:                "r-1",
		OverallConfidence: overall,
		FeatureVectorHash: hash,
		Signals:           signals,
		Decision:          types.DecisionVerified,
	}
}

func signal(t types.SignalType, confidence float64) types.BiometricSignal {
	return types.BiometricSignal{Type: t, Confidence: confidence, Status: types.SignalStatusValid}
}

func TestEvaluate(t *testing.T) {
	tests := []struct {
		name    string
		file    *types.SecureFile
		report  *types.AnalysisReport
		allowed bool
		reason  ReasonCode
		flags   []string
	}{
		{
			name:    "AND satisfied",
			file:    sealed(types.FusionAnd, 0.9, types.SignalFace, types.SignalVoice),
			report:  report(0.95, boundHash, signal(types.SignalFace, 0.96), signal(types.SignalVoice, 0.93)),
			allowed: true,
		},
		{
			name:   "AND missing one modality",
			file:   sealed(types.FusionAnd, 0.9, types.SignalFace, types.SignalVoice),
			report: report(0.95, boundHash, signal(types.SignalFace, 0.96), signal(types.SignalVoice, 0.5)),
			reason: ReasonAndPolicyFailure,
		},
		{
			name:    "OR one modality suffices",
			file:    sealed(types.FusionOr, 0.9, types.SignalIris, types.SignalFingerprint),
			report:  report(0.95, boundHash, signal(types.SignalFingerprint, 0.91)),
			allowed: true,
		},
		{
			name:   "OR none satisfied",
			file:   sealed(types.FusionOr, 0.9, types.SignalIris, types.SignalFingerprint),
			report: report(0.95, boundHash, signal(types.SignalFace, 0.99)),
			reason: ReasonOrPolicyFailure,
		},
		{
			name:   "OR with empty requirement never allows",
			file:   sealed(types.FusionOr, 0.9),
			report: report(0.95, boundHash, signal(types.SignalFace, 0.99)),
			reason: ReasonOrPolicyFailure,
		},
		{
			name:    "vacuous AND is allowed and flagged",
			file:    sealed(types.FusionAnd, 0.5),
			report:  report(0.6, boundHash),
			allowed: true,
			flags:   []string{FlagVacuousAnd},
		},
		{
			name:   "overall confidence below minimum",
			file:   sealed(types.FusionAnd, 0.9, types.SignalFace),
			report: report(0.89, boundHash, signal(types.SignalFace, 0.99)),
			reason: ReasonAssuranceThreshold,
		},
		{
			name:    "confidence exactly at minimum passes",
			file:    sealed(types.FusionAnd, 0.9, types.SignalFace),
			report:  report(0.9, boundHash, signal(types.SignalFace, 0.9)),
			allowed: true,
		},
		{
			name:   "assurance checked before binding",
			file:   sealed(types.FusionAnd, 0.9, types.SignalFace),
			report: report(0.1, "someone-else", signal(types.SignalFace, 0.99)),
			reason: ReasonAssuranceThreshold,
		},
		{
			name:   "binding mismatch",
			file:   sealed(types.FusionOr, 0.9, types.SignalFace),
			report: report(0.99, "someone-else", signal(types.SignalFace, 0.99)),
			reason: ReasonBindingViolation,
		},
		{
			name:   "binding checked before fusion",
			file:   sealed(types.FusionAnd, 0.9, types.SignalIris),
			report: report(0.99, "", signal(types.SignalFace, 0.99)),
			reason: ReasonBindingViolation,
		},
		{
			name:   "NaN overall confidence",
			file:   sealed(types.FusionOr, 0.9, types.SignalFace),
			report: report(math.NaN(), boundHash, signal(types.SignalFace, 0.95)),
			reason: ReasonAssuranceThreshold,
		},
		{
			name:   "NaN signal confidence never satisfies a modality",
			file:   sealed(types.FusionOr, 0.9, types.SignalFace),
			report: report(0.95, boundHash, signal(types.SignalFace, math.NaN())),
			reason: ReasonOrPolicyFailure,
		},
		{
			name:   "nil report",
			file:   sealed(types.FusionAnd, 0.9),
			reason: ReasonInvalidInput,
		},
	}

	ev := NewEvaluator(logger.Discard(), nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := ev.Evaluate(tt.file, tt.report)
			assert.Equal(t, tt.allowed, d.Allowed)
			assert.Equal(t, tt.reason, d.Reason)
			assert.Equal(t, tt.flags, d.Flags)
		})
	}
}

func TestEvaluate_UnboundObjectNeverMatches(t *testing.T) {
	file := sealed(types.FusionAnd, 0.5)
	file.SecurityBinding.FeatureVectorHash = ""

	d := NewEvaluator(logger.Discard(), nil).Evaluate(file, report(0.9, ""))
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonBindingViolation, d.Reason)
}

func TestEvaluate_DoesNotMutateInputs(t *testing.T) {
	file := sealed(types.FusionAnd, 0.9, types.SignalFace)
	r := report(0.95, boundHash, signal(types.SignalFace, 0.96))

	ev := NewEvaluator(logger.Discard(), nil)
	first := ev.Evaluate(file, r)
	second := ev.Evaluate(file, r)

	assert.Equal(t, first, second)
	assert.Equal(t, []types.SignalType{types.SignalFace}, file.Metadata.LockPolicy.BiometricsRequired)
	assert.Len(t, r.Signals, 1)
}

func TestEvaluate_ConcurrentAndMetrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)
	ev := NewEvaluator(logger.Discard(), metrics)

	file := sealed(types.FusionAnd, 0.9, types.SignalFace)
	good := report(0.95, boundHash, signal(types.SignalFace, 0.96))
	bad := report(0.95, "other", signal(types.SignalFace, 0.96))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() { defer wg.Done(); ev.Evaluate(file, good) }()
		go func() { defer wg.Done(); ev.Evaluate(file, bad) }()
	}
	wg.Wait()

	assert.Equal(t, float64(50), testutil.ToFloat64(metrics.EvaluationsTotal.WithLabelValues("true", "")))
	assert.Equal(t, float64(50), testutil.ToFloat64(metrics.EvaluationsTotal.WithLabelValues("false", string(ReasonBindingViolation))))
}
