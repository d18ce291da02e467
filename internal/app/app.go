// Package app wires the attestation, binding, policy and access components
// into the HTTP service.
package app

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/enterprise/aegis-trust/internal/access"
	"github.com/enterprise/aegis-trust/internal/analysis"
	"github.com/enterprise/aegis-trust/internal/attestation"
	"github.com/enterprise/aegis-trust/internal/config"
	"github.com/enterprise/aegis-trust/internal/enclave"
	"github.com/enterprise/aegis-trust/internal/events"
	"github.com/enterprise/aegis-trust/internal/hal"
	"github.com/enterprise/aegis-trust/internal/policy"
	"github.com/enterprise/aegis-trust/internal/spiffe"
	"github.com/enterprise/aegis-trust/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/jaeger"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
)

// Version is reported by the health endpoint and the CLI
var Version = "dev"

// Application represents the main application
type Application struct {
	config   *config.Config
	logger   *logrus.Logger
	registry *prometheus.Registry
	metrics  *Metrics

	// Core services
	hal         *hal.HAL
	attestation *attestation.Service
	challenges  attestation.ChallengeStore
	enclave     *enclave.Service
	evaluator   *policy.Evaluator
	roles       *policy.RoleEngine
	gate        *access.Gate
	store       store.Store
	tracker     access.AttemptTracker
	publisher   events.Publisher
	analysis    analysis.Provider
	identity    *spiffe.Manager

	// HTTP server
	httpServer *http.Server

	// Observability
	tracerProvider *trace.TracerProvider
	meterProvider  *metric.MeterProvider

	// State management
	running atomic.Bool
	wg      sync.WaitGroup
}

// New creates a new application instance
func New(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*Application, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	a := &Application{
		config:   cfg,
		logger:   logger,
		registry: registry,
		metrics:  NewMetrics(registry),
	}

	if err := a.initializeObservability(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize observability: %w", err)
	}

	if err := a.initializeServices(ctx); err != nil {
		a.closeServices()
		return nil, err
	}

	if err := a.initializeHTTPServer(); err != nil {
		a.closeServices()
		return nil, fmt.Errorf("failed to initialize HTTP server: %w", err)
	}

	return a, nil
}

func (a *Application) initializeServices(ctx context.Context) error {
	cfg := a.config

	a.hal = hal.New(hal.EnvironmentFromConfig(cfg.HAL), hal.NoStreams{},
		hal.WithLogger(a.logger),
		hal.WithMetrics(a.registry),
		hal.WithFailureThresholds(cfg.HAL.DegradeAfterFailures, cfg.HAL.LockoutAfterFailures))

	attestationService, err := attestation.NewServiceFromConfig(ctx, cfg.Attestation, a.logger, a.registry)
	if err != nil {
		return fmt.Errorf("failed to initialize attestation service: %w", err)
	}
	a.attestation = attestationService

	challenges, err := attestation.NewChallengeStore(cfg, a.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize challenge store: %w", err)
	}
	a.challenges = challenges

	enclaveService, err := enclave.NewService(a.hal, a.logger, enclave.WithMetrics(enclave.NewMetrics(a.registry)))
	if err != nil {
		return fmt.Errorf("failed to initialize enclave service: %w", err)
	}
	a.enclave = enclaveService

	policyMetrics := policy.NewMetrics(a.registry)
	a.evaluator = policy.NewEvaluator(a.logger, policyMetrics)

	roles, err := policy.NewRoleEngine(ctx, a.logger, policy.WithRoleMetrics(policyMetrics))
	if err != nil {
		return fmt.Errorf("failed to initialize role engine: %w", err)
	}
	a.roles = roles

	publisher, err := events.NewPublisher(cfg, a.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize event publisher: %w", err)
	}
	a.publisher = publisher

	objects, err := store.New(cfg, a.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize object store: %w", err)
	}
	a.store = objects

	tracker, err := access.NewTracker(cfg, a.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize attempt tracker: %w", err)
	}
	a.tracker = tracker

	a.gate = access.NewGate(objects, tracker, a.evaluator, a.logger,
		access.WithPublisher(publisher, cfg.Events.Source),
		access.WithLockoutDuration(cfg.Lockout.TemporaryDuration),
		access.WithMetrics(access.NewMetrics(a.registry)))

	if cfg.Analysis.Endpoint != "" {
		provider, err := analysis.NewHTTPProvider(cfg.Analysis, nil, a.logger)
		if err != nil {
			return fmt.Errorf("failed to initialize analysis provider: %w", err)
		}
		a.analysis = provider
	}

	if cfg.Security.SPIFFEEnabled {
		identity, err := spiffe.NewManager(cfg.Security, a.logger)
		if err != nil {
			return fmt.Errorf("failed to initialize SPIFFE manager: %w", err)
		}
		a.identity = identity
	}

	a.logger.WithFields(logrus.Fields{
		"native":          a.hal.IsNative(),
		"storage_backend": cfg.Storage.Backend,
		"lockout_backend": cfg.Lockout.Backend,
		"events_backend":  cfg.Events.Backend,
		"challenge":       cfg.Attestation.Challenge.Required,
		"analysis":        a.analysis != nil,
		"spiffe":          a.identity != nil,
	}).Info("Services initialized")

	return nil
}

// Start starts the application
func (a *Application) Start(ctx context.Context) error {
	a.logger.Info("Starting application components")

	if a.identity != nil {
		if err := a.identity.Start(ctx); err != nil {
			return fmt.Errorf("failed to start SPIFFE identity: %w", err)
		}
		tlsConfig, err := a.identity.ServerTLSConfig()
		if err != nil {
			return fmt.Errorf("failed to build mTLS config: %w", err)
		}
		a.httpServer.TLSConfig = tlsConfig
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.startHTTPServer()
	}()

	a.running.Store(true)
	a.logger.Info("Application started successfully")

	return nil
}

// Stop stops the application
func (a *Application) Stop(ctx context.Context) error {
	if !a.running.Load() {
		a.closeServices()
		a.shutdownObservability(ctx)
		return nil
	}

	a.logger.Info("Stopping application")
	a.running.Store(false)

	if a.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
			a.logger.WithError(err).Error("Failed to shutdown HTTP server")
		}
	}

	a.wg.Wait()

	a.hal.ReleaseAll()
	a.closeServices()
	a.shutdownObservability(ctx)

	a.logger.Info("Application stopped")
	return nil
}

// Handler returns the root HTTP handler
func (a *Application) Handler() http.Handler {
	return a.httpServer.Handler
}

func (a *Application) closeServices() {
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.logger.WithError(err).Error("Failed to close event publisher")
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.WithError(err).Error("Failed to close object store")
		}
	}
	if a.challenges != nil {
		if err := a.challenges.Close(); err != nil {
			a.logger.WithError(err).Error("Failed to close challenge store")
		}
	}
	if a.tracker != nil {
		if err := a.tracker.Close(); err != nil {
			a.logger.WithError(err).Error("Failed to close attempt tracker")
		}
	}
	if a.identity != nil {
		if err := a.identity.Close(); err != nil {
			a.logger.WithError(err).Error("Failed to close SPIFFE source")
		}
	}
}

// initializeObservability sets up tracing and metrics
func (a *Application) initializeObservability(ctx context.Context) error {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(a.config.Tracing.ServiceName),
			semconv.ServiceVersion(Version),
		),
	)
	if err != nil {
		return fmt.Errorf("failed to create resource: %w", err)
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	if a.config.Tracing.Enabled {
		if err := a.initializeTracing(res); err != nil {
			return fmt.Errorf("failed to initialize tracing: %w", err)
		}
	}

	if a.config.Metrics.Enabled {
		if err := a.initializeMetrics(res); err != nil {
			return fmt.Errorf("failed to initialize metrics: %w", err)
		}
	}

	return nil
}

// initializeTracing sets up OpenTelemetry tracing
func (a *Application) initializeTracing(res *resource.Resource) error {
	exporter, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(a.config.Tracing.Endpoint)))
	if err != nil {
		return fmt.Errorf("failed to create Jaeger exporter: %w", err)
	}

	a.tracerProvider = trace.NewTracerProvider(
		trace.WithBatcher(exporter),
		trace.WithResource(res),
		trace.WithSampler(trace.ParentBased(trace.TraceIDRatioBased(a.config.Tracing.SampleRate))),
	)
	otel.SetTracerProvider(a.tracerProvider)

	a.logger.WithField("endpoint", a.config.Tracing.Endpoint).Info("Tracing initialized")
	return nil
}

// initializeMetrics bridges OpenTelemetry metrics into the Prometheus registry
func (a *Application) initializeMetrics(res *resource.Resource) error {
	exporter, err := otelprom.New(otelprom.WithRegisterer(a.registry))
	if err != nil {
		return fmt.Errorf("failed to create Prometheus exporter: %w", err)
	}

	a.meterProvider = metric.NewMeterProvider(
		metric.WithResource(res),
		metric.WithReader(exporter),
	)
	otel.SetMeterProvider(a.meterProvider)

	a.logger.Info("Metrics initialized")
	return nil
}

// initializeHTTPServer sets up the HTTP server with routes
func (a *Application) initializeHTTPServer() error {
	a.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", a.config.Server.Host, a.config.Server.Port),
		Handler:      a.newRouter(),
		ReadTimeout:  a.config.Server.ReadTimeout,
		WriteTimeout: a.config.Server.WriteTimeout,
		IdleTimeout:  a.config.Server.IdleTimeout,
	}
	return nil
}

// startHTTPServer starts the HTTP server. SPIFFE mTLS takes precedence over
// file-based TLS.
func (a *Application) startHTTPServer() {
	a.logger.WithField("address", a.httpServer.Addr).Info("Starting HTTP server")

	var err error
	switch {
	case a.httpServer.TLSConfig != nil:
		err = a.httpServer.ListenAndServeTLS("", "")
	case a.config.Server.TLS.Enabled:
		a.httpServer.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		err = a.httpServer.ListenAndServeTLS(a.config.Server.TLS.CertFile, a.config.Server.TLS.KeyFile)
	default:
		err = a.httpServer.ListenAndServe()
	}

	if err != nil && err != http.ErrServerClosed {
		a.logger.WithError(err).Error("HTTP server failed")
	}
}

// shutdownObservability shuts down observability components
func (a *Application) shutdownObservability(ctx context.Context) {
	if a.tracerProvider != nil {
		if err := a.tracerProvider.Shutdown(ctx); err != nil {
			a.logger.WithError(err).Error("Failed to shutdown tracer provider")
		}
		a.tracerProvider = nil
	}

	if a.meterProvider != nil {
		if err := a.meterProvider.Shutdown(ctx); err != nil {
			a.logger.WithError(err).Error("Failed to shutdown meter provider")
		}
		a.meterProvider = nil
	}
}
