package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/enterprise/aegis-trust/internal/config"
	"github.com/enterprise/aegis-trust/internal/types"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const maxReportBytes = 1 << 20

// HTTPProvider posts captures as JSON to a remote analysis endpoint
type HTTPProvider struct {
	endpoint string
	client   *http.Client
	logger   *logrus.Logger
	tracer   trace.Tracer
}

// NewHTTPProvider creates a provider for cfg.Endpoint. client may be nil.
func NewHTTPProvider(cfg config.AnalysisConfig, client *http.Client, logger *logrus.Logger) (*HTTPProvider, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("analysis endpoint is required")
	}
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}

	return &HTTPProvider{
		endpoint: cfg.Endpoint,
		client:   client,
		logger:   logger,
		tracer:   otel.Tracer("analysis-provider"),
	}, nil
}

// Analyze submits the capture and validates the returned report
func (p *HTTPProvider) Analyze(ctx context.Context, req *Request) (*types.AnalysisReport, error) {
	if req == nil || len(req.Payload) == 0 {
		return nil, fmt.Errorf("analysis request requires a payload")
	}

	ctx, span := p.tracer.Start(ctx, "analysis.analyze",
		trace.WithAttributes(
			attribute.String("domain", string(req.Domain)),
			attribute.String("ingress_path", string(req.IngressPath)),
		))
	defer span.End()

	report, err := p.analyze(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.logger.WithError(err).WithField("domain", req.Domain).Warn("Analysis failed")
		return nil, err
	}

	span.SetAttributes(
		attribute.String("decision", string(report.Decision)),
		attribute.Float64("confidence", report.OverallConfidence),
	)
	p.logger.WithFields(logrus.Fields{
		"report_id":  report.ID,
		"decision":   report.Decision,
		"confidence": report.OverallConfidence,
		"tier":       report.TrustTier,
	}).Info("Analysis report received")

	return report, nil
}

func (p *HTTPProvider) analyze(ctx context.Context, req *Request) (*types.AnalysisReport, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode analysis request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build analysis request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(httpReq.Header))

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxReportBytes))
		return nil, fmt.Errorf("%w: status %d", ErrProviderUnavailable, resp.StatusCode)
	}

	var report types.AnalysisReport
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxReportBytes)).Decode(&report); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidReport, err)
	}
	if err := Validate(&report); err != nil {
		return nil, err
	}
	return &report, nil
}
