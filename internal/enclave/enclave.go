// Package enclave seals object descriptors to a biometric feature vector.
package enclave

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/enterprise/aegis-trust/internal/types"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/zeebo/blake3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	FormatVersion        = "2.5.1-NIST"
	CryptoSuite          = "AES-GCM-256-SHA512"
	KeyDerivation        = "biometric-bound"
	VerificationPolicyID = "POLICY-AEGIS-STRATOS-v2"
	DefaultMimeType      = "application/octet-stream"

	entropySize = 32
)

var (
	// ErrMissingFeatureVector is returned when a seal request has no
	// feature-vector hash to bind to.
	ErrMissingFeatureVector = errors.New("feature vector hash is required")

	// ErrInvalidPolicy is returned for structurally invalid lock policies
	ErrInvalidPolicy = errors.New("invalid lock policy")

	ErrInvalidRequest = errors.New("invalid seal request")
)

// TierResolver assigns a trust tier to a sensor modality
type TierResolver interface {
	GetAttestationTier(modality types.SensorModality) types.TrustTier
}

// BiometricContext describes the acquisition the object is bound to
type BiometricContext struct {
	Domain            types.SignalType       `json:"domain" yaml:"domain"`
	IngressPath       types.IngressPath      `json:"ingressPath" yaml:"ingressPath"`
	CaptureMode       types.CaptureMode      `json:"captureMode" yaml:"captureMode"`
	Liveness          float64                `json:"liveness" yaml:"liveness"`
	AntiSpoof         float64                `json:"antiSpoof" yaml:"antiSpoof"`
	FeatureVectorHash string                 `json:"featureVectorHash" yaml:"featureVectorHash"`
	PathSpecific      map[string]interface{} `json:"pathSpecific,omitempty" yaml:"pathSpecific,omitempty"`
}

// SealRequest carries everything needed to construct a SecureFile
type SealRequest struct {
	Filename        string                `json:"filename" yaml:"filename"`
	Size            string                `json:"size" yaml:"size"`
	MimeType        string                `json:"mimeType,omitempty" yaml:"mimeType,omitempty"`
	Policy          types.LockPolicy      `json:"policy" yaml:"policy"`
	Rules           types.AccessRules     `json:"rules" yaml:"rules"`
	CreatorRole     types.UserRole        `json:"creatorRole,omitempty" yaml:"creatorRole,omitempty"`
	StorageProvider types.StorageProvider `json:"storageProvider,omitempty" yaml:"storageProvider,omitempty"`
	Biometric       BiometricContext      `json:"biometric" yaml:"biometric"`
}

// Service derives binding hashes and seals descriptors. The entropy is
// generated once per process and never leaves the service, so binding
// hashes are stable only for the lifetime of one Service.
type Service struct {
	entropy [entropySize]byte
	tiers   TierResolver
	logger  *logrus.Logger
	tracer  trace.Tracer
	metrics *Metrics
	now     func() time.Time
}

// Option configures a Service
type Option func(*Service)

func WithMetrics(m *Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithClock sets the clock used for creation timestamps
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// NewService creates an enclave service backed by fresh process entropy
func NewService(tiers TierResolver, logger *logrus.Logger, opts ...Option) (*Service, error) {
	if tiers == nil {
		return nil, fmt.Errorf("tier resolver is required")
	}

	s := &Service{
		tiers:  tiers,
		logger: logger,
		tracer: otel.Tracer("enclave-service"),
		now:    time.Now,
	}
	if _, err := rand.Read(s.entropy[:]); err != nil {
		return nil, fmt.Errorf("failed to read entropy: %w", err)
	}

	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = NewMetrics(prometheus.NewRegistry())
	}

	return s, nil
}

// DeriveBindingHash returns hex SHA-256 over featureVectorHash, bindTo and
// the process entropy.
func (s *Service) DeriveBindingHash(featureVectorHash, bindTo string) string {
	h := sha256.New()
	h.Write([]byte(featureVectorHash))
	h.Write([]byte(bindTo))
	h.Write(s.entropy[:])
	return hex.EncodeToString(h.Sum(nil))
}

// auditHash is a keyed BLAKE3 digest identifying this seal event
func (s *Service) auditHash(filename, size string, created time.Time) (string, error) {
	h, err := blake3.NewKeyed(s.entropy[:])
	if err != nil {
		return "", err
	}
	for _, part := range []string{filename, size, created.Format(time.RFC3339Nano)} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ValidatePolicy checks the structural soundness of a lock policy
func ValidatePolicy(p *types.LockPolicy) error {
	switch p.Fusion {
	case types.FusionAnd, types.FusionOr:
	default:
		return fmt.Errorf("%w: unknown fusion mode %q", ErrInvalidPolicy, p.Fusion)
	}

	if p.MinConfidence < 0 || p.MinConfidence > 1 {
		return fmt.Errorf("%w: minConfidence %v outside [0,1]", ErrInvalidPolicy, p.MinConfidence)
	}
	if p.MinLiveness != nil && (*p.MinLiveness < 0 || *p.MinLiveness > 1) {
		return fmt.Errorf("%w: minLiveness %v outside [0,1]", ErrInvalidPolicy, *p.MinLiveness)
	}
	if p.MinGeometryStability != nil && (*p.MinGeometryStability < 0 || *p.MinGeometryStability > 1) {
		return fmt.Errorf("%w: minGeometryStability %v outside [0,1]", ErrInvalidPolicy, *p.MinGeometryStability)
	}
	if p.MaxAttempts < 0 {
		return fmt.Errorf("%w: maxAttempts must not be negative", ErrInvalidPolicy)
	}

	switch p.LockoutPolicy {
	case "", types.LockoutTemporary, types.LockoutPermanent:
	default:
		return fmt.Errorf("%w: unknown lockout policy %q", ErrInvalidPolicy, p.LockoutPolicy)
	}

	for _, req := range p.BiometricsRequired {
		if !req.Valid() {
			return fmt.Errorf("%w: unknown biometric %q", ErrInvalidPolicy, req)
		}
	}

	return nil
}

// Seal constructs an immutable SecureFile descriptor. It performs no I/O.
func (s *Service) Seal(ctx context.Context, req *SealRequest) (*types.SecureFile, error) {
	_, span := s.tracer.Start(ctx, "enclave.seal")
	defer span.End()

	if err := s.validate(req); err != nil {
		span.RecordError(err)
		return nil, err
	}

	domain := req.Biometric.Domain
	if domain == "" {
		domain = types.SignalFace
	}
	tier := s.tiers.GetAttestationTier(domain.Modality())
	created := s.now().UTC()

	auditHash, err := s.auditHash(req.Filename, req.Size, created)
	if err != nil {
		return nil, fmt.Errorf("failed to derive audit hash: %w", err)
	}

	creator := req.CreatorRole
	if creator == "" {
		creator = types.UserRoleAdmin
	}
	provider := req.StorageProvider
	if provider == "" {
		provider = types.StorageLocalEnclave
	}
	mime := req.MimeType
	if mime == "" {
		mime = DefaultMimeType
	}

	file := &types.SecureFile{
		ID: "f-" + strings.SplitN(uuid.NewString(), "-", 2)[0],
		Header: types.FileHeader{
			Version:           FormatVersion,
			UUID:              uuid.NewString(),
			CreationTimestamp: created.Format(time.RFC3339Nano),
			CreatorRole:       creator,
			EnrollmentMode:    types.EnrollmentFirst,
			CryptoSuite:       CryptoSuite,
			KeyDerivation:     KeyDerivation,
			StorageProvider:   provider,
		},
		BiometricMetadata: types.BiometricMetadata{
			Domain:       domain,
			IngressPath:  req.Biometric.IngressPath,
			CaptureMode:  req.Biometric.CaptureMode,
			PathSpecific: req.Biometric.PathSpecific,
		},
		SecurityBinding: types.SecurityBinding{
			BindingHash:            s.DeriveBindingHash(req.Biometric.FeatureVectorHash, req.Filename),
			FeatureVectorHash:      req.Biometric.FeatureVectorHash,
			AntiSpoofThresholdUsed: req.Biometric.AntiSpoof,
			VerificationPolicyID:   VerificationPolicyID,
			EnclaveAttested:        tier.IsHardwareBacked(),
			AttestationTier:        tier,
		},
		Metadata: types.FileMetadata{
			OriginalFilename: req.Filename,
			MimeType:         mime,
			FileSize:         req.Size,
			LockPolicy:       clonePolicy(req.Policy),
			AccessRules:      req.Rules,
			AuditHash:        auditHash,
		},
	}

	s.metrics.SealsTotal.WithLabelValues(string(tier)).Inc()
	span.SetAttributes(
		attribute.String("object.id", file.ID),
		attribute.String("tier", string(tier)),
	)

	s.logger.WithFields(logrus.Fields{
		"object_id": file.ID,
		"domain":    domain,
		"tier":      tier,
		"fusion":    file.Metadata.LockPolicy.Fusion,
	}).Info("Object sealed")

	return file, nil
}

func (s *Service) validate(req *SealRequest) error {
	if req == nil {
		s.metrics.SealFailuresTotal.WithLabelValues("invalid_request").Inc()
		return fmt.Errorf("%w: nil request", ErrInvalidRequest)
	}
	if req.Biometric.FeatureVectorHash == "" {
		s.metrics.SealFailuresTotal.WithLabelValues("missing_feature_vector").Inc()
		return ErrMissingFeatureVector
	}
	if req.Filename == "" {
		s.metrics.SealFailuresTotal.WithLabelValues("invalid_request").Inc()
		return fmt.Errorf("%w: filename is required", ErrInvalidRequest)
	}
	if req.Biometric.Domain != "" && !req.Biometric.Domain.Valid() {
		s.metrics.SealFailuresTotal.WithLabelValues("invalid_request").Inc()
		return fmt.Errorf("%w: unknown biometric domain %q", ErrInvalidRequest, req.Biometric.Domain)
	}
	if req.CreatorRole != "" && !req.CreatorRole.Valid() {
		s.metrics.SealFailuresTotal.WithLabelValues("invalid_request").Inc()
		return fmt.Errorf("%w: unknown creator role %q", ErrInvalidRequest, req.CreatorRole)
	}
	if req.StorageProvider != "" && !req.StorageProvider.Valid() {
		s.metrics.SealFailuresTotal.WithLabelValues("invalid_request").Inc()
		return fmt.Errorf("%w: unknown storage provider %q", ErrInvalidRequest, req.StorageProvider)
	}
	if err := ValidatePolicy(&req.Policy); err != nil {
		s.metrics.SealFailuresTotal.WithLabelValues("invalid_policy").Inc()
		return err
	}
	return nil
}

// clonePolicy detaches the sealed policy from the caller's slices and pointers
func clonePolicy(p types.LockPolicy) types.LockPolicy {
	out := p
	out.BiometricsRequired = append([]types.SignalType(nil), p.BiometricsRequired...)
	if p.MinLiveness != nil {
		v := *p.MinLiveness
		out.MinLiveness = &v
	}
	if p.MinGeometryStability != nil {
		v := *p.MinGeometryStability
		out.MinGeometryStability = &v
	}
	if out.LockoutPolicy == "" {
		out.LockoutPolicy = types.LockoutTemporary
	}
	return out
}
