// Package analysis is the boundary to the external analysis provider that
// turns a capture into an AnalysisReport. The core never computes
// confidence values itself; it only validates what the provider returns.
package analysis

import (
	"context"
	"errors"
	"fmt"

	"github.com/enterprise/aegis-trust/internal/types"
)

var (
	// ErrInvalidReport indicates a report failed structural validation
	ErrInvalidReport = errors.New("invalid analysis report")

	// ErrProviderUnavailable indicates the provider could not be reached or answered with an error
	ErrProviderUnavailable = errors.New("analysis provider unavailable")
)

// Request is one capture submitted for analysis
type Request struct {
	Domain           types.SignalType  `json:"domain"`
	IngressPath      types.IngressPath `json:"ingressPath"`
	CaptureMode      types.CaptureMode `json:"captureMode"`
	MimeType         string            `json:"mimeType"`
	Payload          []byte            `json:"payload"`
	AttestationToken string            `json:"attestationToken,omitempty"`
}

// Provider analyzes a capture
type Provider interface {
	Analyze(ctx context.Context, req *Request) (*types.AnalysisReport, error)
}

// Validate rejects reports whose scores fall outside [0,1] or whose
// decision, tier or signal types are unknown.
func Validate(report *types.AnalysisReport) error {
	if report == nil {
		return fmt.Errorf("%w: report is required", ErrInvalidReport)
	}
	if !unit(report.OverallConfidence) {
		return fmt.Errorf("%w: overallConfidence %v outside [0,1]", ErrInvalidReport, report.OverallConfidence)
	}
	if !unit(report.LivenessScore) {
		return fmt.Errorf("%w: livenessScore %v outside [0,1]", ErrInvalidReport, report.LivenessScore)
	}

	switch report.Decision {
	case types.DecisionVerified, types.DecisionDenied, types.DecisionInconclusive:
	default:
		return fmt.Errorf("%w: unknown decision %q", ErrInvalidReport, report.Decision)
	}

	if !report.TrustTier.Valid() {
		return fmt.Errorf("%w: unknown trust tier %q", ErrInvalidReport, report.TrustTier)
	}

	for i, s := range report.Signals {
		if !s.Type.Valid() {
			return fmt.Errorf("%w: signal %d has unknown type %q", ErrInvalidReport, i, s.Type)
		}
		if !unit(s.Confidence) {
			return fmt.Errorf("%w: signal %d confidence %v outside [0,1]", ErrInvalidReport, i, s.Confidence)
		}
	}
	return nil
}

// unit is false for NaN as well as out-of-range values
func unit(v float64) bool {
	return v >= 0 && v <= 1
}
