// Package attestation verifies platform device-integrity tokens (Google Play
// Integrity and Apple App Attest) and reports a device/app trust verdict.
package attestation

import (
	"context"
	"fmt"
	"time"

	"github.com/enterprise/aegis-trust/internal/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const defaultTimeout = 10 * time.Second

// Service dispatches verification requests to the registered platform verifiers
type Service struct {
	logger  *logrus.Logger
	tracer  trace.Tracer
	metrics *Metrics
	timeout time.Duration

	verifiers map[Platform]Verifier
}

// NewService creates an attestation service with no verifiers registered
func NewService(timeout time.Duration, logger *logrus.Logger, metrics *Metrics) *Service {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if metrics == nil {
		metrics = NewMetrics(prometheus.NewRegistry())
	}

	return &Service{
		logger:    logger,
		tracer:    otel.Tracer("attestation-service"),
		metrics:   metrics,
		timeout:   timeout,
		verifiers: make(map[Platform]Verifier),
	}
}

// NewServiceFromConfig creates the service and registers the verifiers the
// configuration enables.
func NewServiceFromConfig(ctx context.Context, cfg config.AttestationConfig, logger *logrus.Logger, registry prometheus.Registerer) (*Service, error) {
	metrics := NewMetrics(registry)
	service := NewService(cfg.VerificationTimeout, logger, metrics)

	if cfg.Android.Enabled {
		android, err := NewAndroidVerifier(ctx, cfg.Android, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize android verifier: %w", err)
		}
		service.Register(PlatformAndroid, android)
	}

	if cfg.IOS.Enabled {
		ios, err := NewIOSVerifier(cfg.IOS, WithIOSLogger(logger), WithIOSMetrics(metrics))
		if err != nil {
			return nil, fmt.Errorf("failed to initialize ios verifier: %w", err)
		}
		service.Register(PlatformIOS, ios)
	}

	logger.WithFields(logrus.Fields{
		"android": cfg.Android.Enabled,
		"ios":     cfg.IOS.Enabled,
		"timeout": service.timeout,
	}).Info("Attestation service initialized")

	return service, nil
}

// Register installs the verifier for a platform, replacing any previous one
func (s *Service) Register(platform Platform, verifier Verifier) {
	s.verifiers[platform] = verifier
}

// Supports reports whether a verifier is registered for the platform
func (s *Service) Supports(platform Platform) bool {
	_, ok := s.verifiers[platform]
	return ok
}

// Verify obtains a verdict for the request. On every error path the
// returned verdict is untrusted on both axes; transport failures, timeouts
// and cancellation are reported as *VerificationError.
func (s *Service) Verify(ctx context.Context, req *Request) (*Verdict, error) {
	untrusted := &Verdict{}
	if req != nil {
		untrusted.Platform = req.Platform
	}

	if err := req.Validate(); err != nil {
		return untrusted, err
	}

	platform, _ := ParsePlatform(string(req.Platform))
	untrusted.Platform = platform

	ctx, span := s.tracer.Start(ctx, "attestation.verify",
		trace.WithAttributes(attribute.String("platform", string(platform))))
	defer span.End()

	verifier, ok := s.verifiers[platform]
	if !ok {
		span.SetStatus(codes.Error, "unsupported platform")
		return untrusted, fmt.Errorf("%w: %s", ErrUnsupportedPlatform, platform)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	verdict, err := verifier.Verify(ctx, &Request{Platform: platform, Token: req.Token, Nonce: req.Nonce})
	s.metrics.VerificationDuration.WithLabelValues(string(platform)).Observe(time.Since(start).Seconds())

	// a verdict that arrives after the deadline is not trusted either
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}

	if err != nil {
		s.metrics.VerificationsTotal.WithLabelValues(string(platform), "unknown").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "verdict unknown")
		s.logger.WithError(err).WithField("platform", platform).Warn("Attestation verdict unknown")
		return untrusted, &VerificationError{Platform: platform, Err: err}
	}

	if verdict == nil {
		verdict = untrusted
	}
	verdict.Platform = platform

	outcome := verdict.outcome()
	s.metrics.VerificationsTotal.WithLabelValues(string(platform), outcome).Inc()
	span.SetAttributes(
		attribute.Bool("device_trusted", verdict.DeviceTrusted),
		attribute.Bool("app_trusted", verdict.AppTrusted),
	)

	s.logger.WithFields(logrus.Fields{
		"platform":       platform,
		"device_trusted": verdict.DeviceTrusted,
		"app_trusted":    verdict.AppTrusted,
		"duration":       time.Since(start),
	}).Info("Attestation verified")

	return verdict, nil
}
