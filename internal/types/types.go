package types

import (
	"fmt"
	"time"
)

// TrustTier classifies how a biometric signal was obtained.
// Wire values are stable and must not be renumbered.
type TrustTier string

const (
	TierHeuristic  TrustTier = "T0_HEURISTIC"   // sandboxed web / artifact analysis
	TierNativeOS   TrustTier = "T1_NATIVE_OS"   // OS-mediated sensor permission
	TierTEEBacked  TrustTier = "T2_TEE_BACKED"  // secure enclave / TEE backed
	TierDeviceAuth TrustTier = "T3_DEVICE_AUTH" // full device attestation
)

var tierRank = map[TrustTier]int{
	TierHeuristic:  0,
	TierNativeOS:   1,
	TierTEEBacked:  2,
	TierDeviceAuth: 3,
}

// Rank returns the ordinal of the tier, or -1 for unknown values.
func (t TrustTier) Rank() int {
	r, ok := tierRank[t]
	if !ok {
		return -1
	}
	return r
}

// Valid reports whether t is one of the four known tiers.
func (t TrustTier) Valid() bool {
	return t.Rank() >= 0
}

// AtLeast reports whether t provides at least the assurance of other.
// Unknown tiers never satisfy anything.
func (t TrustTier) AtLeast(other TrustTier) bool {
	return t.Valid() && other.Valid() && t.Rank() >= other.Rank()
}

// IsHardwareBacked reports whether the tier is TEE backed or stronger.
func (t TrustTier) IsHardwareBacked() bool {
	return t.AtLeast(TierTEEBacked)
}

// Cap returns the weaker of t and limit. Unknown tiers collapse to
// T0_HEURISTIC.
func (t TrustTier) Cap(limit TrustTier) TrustTier {
	if !t.Valid() || !limit.Valid() {
		return TierHeuristic
	}
	if t.Rank() > limit.Rank() {
		return limit
	}
	return t
}

func (t TrustTier) String() string {
	return string(t)
}

// SensorModality is the closed set of sensors the HAL can gate.
type SensorModality string

const (
	ModalityCamera      SensorModality = "CAMERA"
	ModalityMicrophone  SensorModality = "MICROPHONE"
	ModalityFingerprint SensorModality = "FINGERPRINT"
	ModalityIrisScanner SensorModality = "IRIS_SCANNER"
)

// Modalities lists every sensor modality in a fixed order.
var Modalities = []SensorModality{
	ModalityCamera,
	ModalityMicrophone,
	ModalityFingerprint,
	ModalityIrisScanner,
}

// Valid reports whether m belongs to the closed modality set.
func (m SensorModality) Valid() bool {
	switch m {
	case ModalityCamera, ModalityMicrophone, ModalityFingerprint, ModalityIrisScanner:
		return true
	}
	return false
}

// ParseModality converts a wire string into a SensorModality.
func ParseModality(s string) (SensorModality, error) {
	m := SensorModality(s)
	if !m.Valid() {
		return "", fmt.Errorf("unknown sensor modality %q", s)
	}
	return m, nil
}

// SignalType identifies the biometric domain of a signal.
type SignalType string

const (
	SignalFace          SignalType = "FACE"
	SignalVoice         SignalType = "VOICE"
	SignalIris          SignalType = "IRIS"
	SignalFingerprint   SignalType = "FINGERPRINT"
	SignalPhysiological SignalType = "PHYSIOLOGICAL"
	SignalBehavioral    SignalType = "BEHAVIORAL"
	SignalEnvironmental SignalType = "ENVIRONMENTAL"
	SignalLiveness      SignalType = "LIVENESS"
)

// Valid reports whether s is a known biometric domain.
func (s SignalType) Valid() bool {
	switch s {
	case SignalFace, SignalVoice, SignalIris, SignalFingerprint,
		SignalPhysiological, SignalBehavioral, SignalEnvironmental, SignalLiveness:
		return true
	}
	return false
}

// Modality maps a biometric domain onto the sensor that captures it.
// Domains without a dedicated sensor fall back to the camera.
func (s SignalType) Modality() SensorModality {
	switch s {
	case SignalVoice:
		return ModalityMicrophone
	case SignalIris:
		return ModalityIrisScanner
	case SignalFingerprint:
		return ModalityFingerprint
	default:
		return ModalityCamera
	}
}

// SignalStatus is the per-signal verdict of the analysis provider.
type SignalStatus string

const (
	SignalStatusValid         SignalStatus = "valid"
	SignalStatusWarning       SignalStatus = "warning"
	SignalStatusSpoofDetected SignalStatus = "spoof_detected"
)

// BiometricSignal is one completed observation. Immutable once produced.
type BiometricSignal struct {
	Type           SignalType             `json:"type" yaml:"type"`
	Confidence     float64                `json:"confidence" yaml:"confidence"`
	Timestamp      int64                  `json:"timestamp" yaml:"timestamp"`
	Status         SignalStatus           `json:"status" yaml:"status"`
	DataPoints     map[string]interface{} `json:"dataPoints,omitempty" yaml:"dataPoints,omitempty"`
	Heuristics     []string               `json:"heuristics,omitempty" yaml:"heuristics,omitempty"`
	TrackID        string                 `json:"trackId,omitempty" yaml:"trackId,omitempty"`
	AttainmentTier TrustTier              `json:"attainmentTier,omitempty" yaml:"attainmentTier,omitempty"`
}

// Decision is the analysis provider's overall verdict.
type Decision string

const (
	DecisionVerified     Decision = "VERIFIED"
	DecisionDenied       Decision = "DENIED"
	DecisionInconclusive Decision = "INCONCLUSIVE"
)

// IngressPath names the acquisition pipeline a report came through.
type IngressPath string

const (
	IngressOptical  IngressPath = "OPTICAL_PATH"
	IngressDactyl   IngressPath = "DACTYL_PATH"
	IngressVocal    IngressPath = "VOCAL_PATH"
	IngressArtifact IngressPath = "ARTIFACT_PATH"
)

// CaptureMode distinguishes live capture from file analysis.
type CaptureMode string

const (
	CaptureLive         CaptureMode = "LIVE"
	CaptureFile         CaptureMode = "FILE"
	CaptureSensorNative CaptureMode = "SENSOR_NATIVE"
)

// AnalysisReport aggregates the signals of one verification attempt.
// It is produced by the external analysis provider and consumed read-only.
type AnalysisReport struct {
	ID                string                 `json:"id"`
	Timestamp         int64                  `json:"timestamp"`
	Signals           []BiometricSignal      `json:"signals"`
	OverallConfidence float64                `json:"overallConfidence"`
	LivenessScore     float64                `json:"livenessScore"`
	Decision          Decision               `json:"decision"`
	Reasoning         string                 `json:"reasoning,omitempty"`
	OperatorRole      UserRole               `json:"operatorRole,omitempty"`
	IngressPath       IngressPath            `json:"ingressPath,omitempty"`
	CaptureMode       CaptureMode            `json:"captureMode,omitempty"`
	FeatureVectorHash string                 `json:"featureVectorHash,omitempty"`
	PathMetadata      map[string]interface{} `json:"pathMetadata,omitempty"`
	TrustTier         TrustTier              `json:"trustTier"`
	AttestationToken  string                 `json:"attestationToken,omitempty"`
}

// PrimaryDomain returns the type of the first signal, or FACE when the
// report carries none.
func (r *AnalysisReport) PrimaryDomain() SignalType {
	if r == nil || len(r.Signals) == 0 {
		return SignalFace
	}
	return r.Signals[0].Type
}

// FusionMode combines several required modalities into one decision.
type FusionMode string

const (
	FusionAnd FusionMode = "AND"
	FusionOr  FusionMode = "OR"
)

// LockoutPolicy describes what happens once maxAttempts is exhausted.
type LockoutPolicy string

const (
	LockoutTemporary LockoutPolicy = "temporary"
	LockoutPermanent LockoutPolicy = "permanent"
)

// LockPolicy is the access contract attached to a sealed object.
// It is set once at seal time and never mutated.
type LockPolicy struct {
	BiometricsRequired   []SignalType  `json:"biometricsRequired" yaml:"biometricsRequired"`
	Fusion               FusionMode    `json:"fusion" yaml:"fusion"`
	MinConfidence        float64       `json:"minConfidence" yaml:"minConfidence"`
	MinLiveness          *float64      `json:"minLiveness,omitempty" yaml:"minLiveness,omitempty"`
	MinGeometryStability *float64      `json:"minGeometryStability,omitempty" yaml:"minGeometryStability,omitempty"`
	MaxAttempts          int           `json:"maxAttempts" yaml:"maxAttempts"`
	LockoutPolicy        LockoutPolicy `json:"lockoutPolicy" yaml:"lockoutPolicy"`
}

// IsVacuous reports whether the policy is an AND fusion with nothing
// required, which every report satisfies.
func (p *LockPolicy) IsVacuous() bool {
	return p.Fusion == FusionAnd && len(p.BiometricsRequired) == 0
}

// AccessRules carry the caller-enforced unlock behaviour of an object.
type AccessRules struct {
	AutoRelock         bool `json:"autoRelock" yaml:"autoRelock"`
	RelockAfterSeconds int  `json:"relockAfterSeconds" yaml:"relockAfterSeconds"`
	ContinuousPresence bool `json:"continuousPresence" yaml:"continuousPresence"`
}

// RelockAfter returns the relock window as a duration.
func (r AccessRules) RelockAfter() time.Duration {
	return time.Duration(r.RelockAfterSeconds) * time.Second
}
