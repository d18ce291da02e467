// Package hal gates sensor access and assigns a trust tier to every
// acquisition before any biometric signal is produced.
package hal

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/enterprise/aegis-trust/internal/config"
	"github.com/enterprise/aegis-trust/internal/types"
	"github.com/enterprise/aegis-trust/pkg/logger"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// SensorState is the lifecycle state of a modality.
type SensorState string

const (
	StateIdle                SensorState = "IDLE"
	StatePermissionRequested SensorState = "PERMISSION_REQUESTED"
	StatePermissionDenied    SensorState = "PERMISSION_DENIED_OS_LEVEL"
	StateHardwareReady       SensorState = "HARDWARE_READY"
	StateHardwareUnsupported SensorState = "HARDWARE_UNSUPPORTED"
	StateHALActive           SensorState = "HAL_ACTIVE"
	StateSignalDegraded      SensorState = "SIGNAL_DEGRADED"
	StateHardwareLockout     SensorState = "HARDWARE_LOCKOUT"
	StateError               SensorState = "ERROR"
)

// Terminal reports whether a session in this state can never recover.
func (s SensorState) Terminal() bool {
	return s == StateHardwareUnsupported || s == StateHardwareLockout
}

const (
	platformNative  = "NATIVE_BRIDGE"
	platformSandbox = "WEB_SANDBOX"
)

// Environment is the execution context the HAL runs in. It is fixed for the
// lifetime of a HAL and injected so tests can fake it.
type Environment struct {
	// Native is true only inside a verified native execution context.
	Native bool
	// HardwareBridge is true when a biometric hardware bridge is registered.
	HardwareBridge bool
	// MediaCapture is true when a media-capture primitive is available.
	MediaCapture bool
}

// EnvironmentFromConfig builds the execution context from configuration.
func EnvironmentFromConfig(cfg config.HALConfig) Environment {
	return Environment{
		Native:         cfg.Native,
		HardwareBridge: cfg.HardwareBridge,
		MediaCapture:   cfg.MediaCapture,
	}
}

// Stream is an exclusively owned handle on an underlying capture stream.
type Stream interface {
	Active() bool
	Close() error
}

// StreamSource acquires capture streams. Refusals by the user or OS must
// be reported as ErrPermissionDenied.
type StreamSource interface {
	Acquire(ctx context.Context, modality types.SensorModality) (Stream, error)
}

// NoStreams is the source for processes without capture hardware. Every
// acquisition is refused as unsupported.
type NoStreams struct{}

func (NoStreams) Acquire(context.Context, types.SensorModality) (Stream, error) {
	return nil, ErrHardwareUnsupported
}

// HAL owns the per-modality session table.
type HAL struct {
	env     Environment
	source  StreamSource
	logger  *logrus.Entry
	metrics *Metrics

	degradeAfter int
	lockoutAfter int
	nonce        func() string

	mu       sync.Mutex
	sessions map[types.SensorModality]*Session
	pending  map[types.SensorModality]*acquisition
	states   map[types.SensorModality]SensorState
}

// acquisition is an in-flight first request that later requests for the
// same modality wait on.
type acquisition struct {
	done chan struct{}
	err  error
}

// Option configures a HAL
type Option func(*HAL)

// WithLogger sets the logger
func WithLogger(log *logrus.Logger) Option {
	return func(h *HAL) {
		h.logger = logger.Component(log, "hal")
	}
}

// WithMetrics registers HAL metrics with the given registry
func WithMetrics(registry prometheus.Registerer) Option {
	return func(h *HAL) {
		h.metrics = NewMetrics(registry)
	}
}

// WithFailureThresholds sets how many consecutive signal failures degrade a
// session and how many lock it out.
func WithFailureThresholds(degradeAfter, lockoutAfter int) Option {
	return func(h *HAL) {
		if degradeAfter > 0 && lockoutAfter >= degradeAfter {
			h.degradeAfter = degradeAfter
			h.lockoutAfter = lockoutAfter
		}
	}
}

// WithNonceSource replaces the token nonce generator.
func WithNonceSource(nonce func() string) Option {
	return func(h *HAL) {
		h.nonce = nonce
	}
}

// New creates a HAL for the given execution context and stream source.
func New(env Environment, source StreamSource, opts ...Option) *HAL {
	h := &HAL{
		env:          env,
		source:       source,
		logger:       logger.Component(nil, "hal"),
		degradeAfter: 3,
		lockoutAfter: 5,
		nonce:        shortNonce,
		sessions:     make(map[types.SensorModality]*Session),
		pending:      make(map[types.SensorModality]*acquisition),
		states:       make(map[types.SensorModality]SensorState),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.metrics == nil {
		h.metrics = NewMetrics(prometheus.NewRegistry())
	}
	return h
}

// IsNative reports whether the HAL runs inside a verified native context.
func (h *HAL) IsNative() bool {
	return h.env.Native
}

// CheckHardwareSupport is a deterministic capability probe.
func (h *HAL) CheckHardwareSupport(modality types.SensorModality) bool {
	switch modality {
	case types.ModalityFingerprint, types.ModalityIrisScanner:
		return h.env.Native && h.env.HardwareBridge
	case types.ModalityCamera, types.ModalityMicrophone:
		return h.env.MediaCapture
	}
	return false
}

// GetAttestationTier is a pure policy table over (execution context, modality).
// Sandboxed code never claims more than T0.
func (h *HAL) GetAttestationTier(modality types.SensorModality) types.TrustTier {
	if !h.env.Native {
		return types.TierHeuristic
	}

	switch modality {
	case types.ModalityFingerprint:
		return types.TierTEEBacked
	case types.ModalityIrisScanner:
		return types.TierDeviceAuth
	default:
		return types.TierNativeOS
	}
}

// GenerateAttestationToken returns an audit artifact encoding the tier, the
// execution-context class and a random nonce. It is not a cryptographic binding.
func (h *HAL) GenerateAttestationToken(modality types.SensorModality) string {
	platform := platformSandbox
	if h.env.Native {
		platform = platformNative
	}
	return fmt.Sprintf("ATTEST_%s_%s_%s", h.GetAttestationTier(modality), platform, h.nonce())
}

func shortNonce() string {
	return strings.ToUpper(strings.SplitN(uuid.NewString(), "-", 2)[0])
}

// State returns the last known lifecycle state of a modality.
func (h *HAL) State(modality types.SensorModality) SensorState {
	h.mu.Lock()
	defer h.mu.Unlock()

	if st, ok := h.states[modality]; ok {
		return st
	}
	return StateIdle
}

// Session returns the active session for a modality without taking a reference.
func (h *HAL) Session(modality types.SensorModality) (*Session, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	s, ok := h.sessions[modality]
	return s, ok
}

// RequestSensor returns the active session for the modality, acquiring the
// underlying stream on first request. Concurrent requests for one modality
// share a single acquisition and observe the same session.
func (h *HAL) RequestSensor(ctx context.Context, modality types.SensorModality) (*Session, error) {
	tier := h.GetAttestationTier(modality)

	if !modality.Valid() {
		return nil, &SensorError{Modality: modality, State: StateError, Tier: tier,
			Err: fmt.Errorf("unknown modality %q", modality)}
	}

	if !h.CheckHardwareSupport(modality) {
		h.setState(modality, StateHardwareUnsupported)
		h.metrics.AcquisitionsTotal.WithLabelValues(string(modality), string(StateHardwareUnsupported)).Inc()
		return nil, &SensorError{Modality: modality, State: StateHardwareUnsupported, Tier: tier}
	}

	for {
		h.mu.Lock()

		if s, ok := h.sessions[modality]; ok {
			if s.retain() {
				h.mu.Unlock()
				h.metrics.SessionReuseTotal.WithLabelValues(string(modality)).Inc()
				return s, nil
			}
			// stream went away underneath us; drop it and acquire a fresh one
			delete(h.sessions, modality)
			stale := s.shutdown(StateIdle)
			h.mu.Unlock()
			if stale {
				h.closeStream(s, StateIdle)
			}
			continue
		}

		if p, ok := h.pending[modality]; ok {
			h.mu.Unlock()
			select {
			case <-p.done:
			case <-ctx.Done():
				return nil, &SensorError{Modality: modality, State: StateError, Tier: tier, Err: ctx.Err()}
			}
			if p.err != nil {
				// the acquirer gave up; a waiter whose own context is live takes over
				if ctx.Err() == nil && (errors.Is(p.err, context.Canceled) || errors.Is(p.err, context.DeadlineExceeded)) {
					continue
				}
				return nil, p.err
			}
			continue
		}

		p := &acquisition{done: make(chan struct{})}
		h.pending[modality] = p
		h.states[modality] = StatePermissionRequested
		h.mu.Unlock()

		session, err := h.acquire(ctx, modality, tier)

		h.mu.Lock()
		delete(h.pending, modality)
		if err != nil {
			var serr *SensorError
			if errors.As(err, &serr) {
				h.states[modality] = serr.State
			}
			p.err = err
		} else {
			h.sessions[modality] = session
			h.states[modality] = StateHALActive
		}
		close(p.done)
		h.mu.Unlock()

		if err != nil {
			return nil, err
		}
		h.metrics.SessionsActive.WithLabelValues(string(modality)).Inc()
		return session, nil
	}
}

func (h *HAL) acquire(ctx context.Context, modality types.SensorModality, tier types.TrustTier) (*Session, error) {
	log := h.logger.WithFields(logrus.Fields{"modality": modality, "tier": tier})

	stream, err := h.source.Acquire(ctx, modality)
	if err != nil {
		state := StateError
		if errors.Is(err, ErrPermissionDenied) {
			state = StatePermissionDenied
		}
		log.WithError(err).WithField("state", state).Warn("Sensor acquisition failed")
		h.metrics.AcquisitionsTotal.WithLabelValues(string(modality), string(state)).Inc()
		return nil, &SensorError{Modality: modality, State: state, Tier: tier, Err: err}
	}

	if stream == nil {
		h.metrics.AcquisitionsTotal.WithLabelValues(string(modality), string(StateError)).Inc()
		return nil, &SensorError{Modality: modality, State: StateError, Tier: tier,
			Err: errors.New("stream source returned no stream")}
	}

	// the caller gave up while the source was still acquiring
	if ctxErr := ctx.Err(); ctxErr != nil {
		if cerr := stream.Close(); cerr != nil {
			log.WithError(cerr).Warn("Failed to release stream after cancellation")
		}
		h.metrics.AcquisitionsTotal.WithLabelValues(string(modality), string(StateError)).Inc()
		return nil, &SensorError{Modality: modality, State: StateError, Tier: tier, Err: ctxErr}
	}

	h.metrics.AcquisitionsTotal.WithLabelValues(string(modality), string(StateHALActive)).Inc()
	log.Info("Sensor session acquired")

	return newSession(h, modality, tier, stream), nil
}

// ReleaseSensor stops capture for the modality and frees its session
// regardless of outstanding references. It is a no-op when nothing is active.
func (h *HAL) ReleaseSensor(modality types.SensorModality) {
	h.mu.Lock()
	s, ok := h.sessions[modality]
	if ok {
		delete(h.sessions, modality)
	}
	h.states[modality] = StateIdle
	h.mu.Unlock()

	if ok && s.shutdown(StateIdle) {
		h.closeStream(s, StateIdle)
	}
}

// ReleaseAll releases every active session.
func (h *HAL) ReleaseAll() {
	h.mu.Lock()
	active := make([]types.SensorModality, 0, len(h.sessions))
	for m := range h.sessions {
		active = append(active, m)
	}
	h.mu.Unlock()

	for _, m := range active {
		h.ReleaseSensor(m)
	}
}

// retire removes a session that ended on its own and releases its stream.
func (h *HAL) retire(s *Session, final SensorState) {
	h.mu.Lock()
	if cur, ok := h.sessions[s.modality]; ok && cur == s {
		delete(h.sessions, s.modality)
		h.states[s.modality] = final
	}
	h.mu.Unlock()

	h.closeStream(s, final)
}

func (h *HAL) closeStream(s *Session, final SensorState) {
	closed, err := s.closeStream()
	if !closed {
		return
	}
	h.metrics.SessionsActive.WithLabelValues(string(s.modality)).Dec()
	h.metrics.StreamsReleased.WithLabelValues(string(s.modality), string(final)).Inc()

	entry := h.logger.WithFields(logrus.Fields{"modality": s.modality, "state": final})
	if err != nil {
		entry.WithError(err).Warn("Sensor stream release reported an error")
		return
	}
	entry.Debug("Sensor stream released")
}

// recordState mirrors a session state change into the modality table.
func (h *HAL) recordState(s *Session, state SensorState) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if cur, ok := h.sessions[s.modality]; ok && cur == s {
		h.states[s.modality] = state
	}
}

func (h *HAL) setState(modality types.SensorModality, state SensorState) {
	h.mu.Lock()
	h.states[modality] = state
	h.mu.Unlock()
}
