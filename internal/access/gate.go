// Package access enforces the per-object side of a lock policy: failed
// attempt limits, lockout escalation and relock windows. The fusion decision
// itself comes from the policy evaluator.
package access

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/enterprise/aegis-trust/internal/events"
	"github.com/enterprise/aegis-trust/internal/policy"
	"github.com/enterprise/aegis-trust/internal/store"
	"github.com/enterprise/aegis-trust/internal/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	ReasonNotVerified       policy.ReasonCode = "ANALYSIS_NOT_VERIFIED"
	ReasonLiveness          policy.ReasonCode = "LIVENESS_THRESHOLD_UNREACHED"
	ReasonGeometryStability policy.ReasonCode = "GEOMETRY_STABILITY_UNREACHED"
	ReasonLockedOut         policy.ReasonCode = "ACCESS_LOCKED_OUT"
)

// GeometryStabilityKey is the report path metadata entry compared against
// minGeometryStability.
const GeometryStabilityKey = "geometryStability"

const defaultLockoutDuration = 5 * time.Minute

// ErrInvalidReport indicates an unlock was attempted without a report
var ErrInvalidReport = errors.New("analysis report is required")

// Result is the outcome of one unlock attempt
type Result struct {
	ObjectID    string          `json:"object_id"`
	Decision    policy.Decision `json:"decision"`
	Failures    int             `json:"failures"`
	Remaining   *int            `json:"remaining_attempts,omitempty"`
	LockedUntil *time.Time      `json:"locked_until,omitempty"`
	Permanent   bool            `json:"permanent_lockout,omitempty"`
	RelockAt    *time.Time      `json:"relock_at,omitempty"`
}

// Status is the current access state of an object
type Status struct {
	ObjectID    string     `json:"object_id"`
	Unlocked    bool       `json:"unlocked"`
	UnlockedAt  *time.Time `json:"unlocked_at,omitempty"`
	RelockAt    *time.Time `json:"relock_at,omitempty"`
	Failures    int        `json:"failures"`
	Remaining   *int       `json:"remaining_attempts,omitempty"`
	LockedUntil *time.Time `json:"locked_until,omitempty"`
	Permanent   bool       `json:"permanent_lockout,omitempty"`
}

type unlockState struct {
	at       time.Time
	relockAt time.Time // zero when the object stays unlocked until relocked
}

// Gate serializes unlock attempts per object and owns the unlocked set.
// Expired unlocks are dropped lazily when observed.
type Gate struct {
	store     store.Store
	tracker   AttemptTracker
	evaluator *policy.Evaluator
	publisher events.Publisher
	source    string
	lockFor   time.Duration
	now       func() time.Time
	logger    *logrus.Logger
	metrics   *Metrics
	tracer    trace.Tracer

	mu       sync.Mutex
	unlocked map[string]unlockState
	objects  map[string]*objectLock
}

// objectLock serializes unlock attempts on one object. It is dropped from
// the gate once no attempt holds or waits on it.
type objectLock struct {
	sync.Mutex
	refs int
}

// Option configures a Gate
type Option func(*Gate)

func WithPublisher(p events.Publisher, source string) Option {
	return func(g *Gate) {
		g.publisher = p
		if source != "" {
			g.source = source
		}
	}
}

// WithLockoutDuration sets how long a temporary lockout lasts
func WithLockoutDuration(d time.Duration) Option {
	return func(g *Gate) {
		if d > 0 {
			g.lockFor = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(g *Gate) {
		g.now = now
	}
}

func WithMetrics(m *Metrics) Option {
	return func(g *Gate) {
		g.metrics = m
	}
}

// NewGate creates an access gate over the given store and tracker
func NewGate(st store.Store, tracker AttemptTracker, evaluator *policy.Evaluator, logger *logrus.Logger, opts ...Option) *Gate {
	g := &Gate{
		store:     st,
		tracker:   tracker,
		evaluator: evaluator,
		publisher: events.NewNoOpPublisher(),
		source:    "aegis-trust",
		lockFor:   defaultLockoutDuration,
		now:       time.Now,
		logger:    logger,
		tracer:    otel.Tracer("access-gate"),
		unlocked:  make(map[string]unlockState),
		objects:   make(map[string]*objectLock),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.metrics == nil {
		g.metrics = NewMetrics(prometheus.NewRegistry())
	}
	return g
}

// Register stores a freshly sealed object and announces it
func (g *Gate) Register(ctx context.Context, file *types.SecureFile) error {
	if err := g.store.Put(ctx, file); err != nil {
		return err
	}
	g.metrics.ObjectsRegistered.Inc()

	lp := file.Policy()
	event := events.New(events.TypeObjectSealed, events.SeverityInfo, g.source, file.ID).
		With("tier", file.SecurityBinding.AttestationTier).
		With("fusion", lp.Fusion).
		With("biometrics_required", lp.BiometricsRequired).
		With("storage_provider", file.Header.StorageProvider)
	if lp.IsVacuous() {
		event.Severity = events.SeverityWarn
		event.With("flag", "VACUOUS_AND_POLICY")
	}
	g.publish(ctx, event)

	g.logger.WithFields(logrus.Fields{
		"object_id": file.ID,
		"tier":      file.SecurityBinding.AttestationTier,
	}).Info("Sealed object registered")
	return nil
}

func (g *Gate) Get(ctx context.Context, id string) (*types.SecureFile, error) {
	return g.store.Get(ctx, id)
}

func (g *Gate) List(ctx context.Context) ([]*types.SecureFile, error) {
	return g.store.List(ctx)
}

// Unlock runs one attempt against the object. Every denial except a lockout
// refusal counts as a failed attempt. Errors are reserved for a missing
// object or a backend failure; a denial is a Result with Allowed false.
func (g *Gate) Unlock(ctx context.Context, id string, report *types.AnalysisReport) (*Result, error) {
	ctx, span := g.tracer.Start(ctx, "access.unlock", trace.WithAttributes(attribute.String("object_id", id)))
	defer span.End()

	if report == nil {
		return nil, ErrInvalidReport
	}

	file, err := g.store.Get(ctx, id)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	lock := g.lockObject(id)
	defer g.unlockObject(id, lock)

	now := g.now()
	lp := file.Policy()

	state, err := g.tracker.State(ctx, id)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	result := &Result{ObjectID: id}

	if state.LockedAt(now) {
		result.Decision = denial(ReasonLockedOut)
		g.fill(result, lp, state)
		g.record(result)
		g.publish(ctx, events.New(events.TypeAccessDenied, events.SeverityWarn, g.source, id).
			With("reason", ReasonLockedOut).
			With("report_id", report.ID))
		span.SetAttributes(attribute.String("reason", string(ReasonLockedOut)))
		return result, nil
	}

	result.Decision = g.decide(file, report)
	span.SetAttributes(
		attribute.Bool("allowed", result.Decision.Allowed),
		attribute.String("reason", string(result.Decision.Reason)),
	)

	if result.Decision.Allowed {
		if err := g.tracker.Reset(ctx, id); err != nil {
			span.RecordError(err)
			return nil, err
		}
		unlocked := g.markUnlocked(id, file.Metadata.AccessRules, now)
		if !unlocked.relockAt.IsZero() {
			relockAt := unlocked.relockAt
			result.RelockAt = &relockAt
		}
		g.fill(result, lp, AttemptState{})
		g.record(result)

		event := events.New(events.TypeAccessGranted, events.SeverityInfo, g.source, id).
			With("report_id", report.ID).
			With("confidence", report.OverallConfidence)
		if len(result.Decision.Flags) > 0 {
			event.Severity = events.SeverityWarn
			event.With("flags", result.Decision.Flags)
		}
		g.publish(ctx, event)
		return result, nil
	}

	escalation := Escalation{
		MaxAttempts: lp.MaxAttempts,
		Policy:      lp.LockoutPolicy,
		Duration:    g.lockFor,
	}
	state, err = g.tracker.RecordFailure(ctx, id, escalation, now)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	g.fill(result, lp, state)
	g.record(result)

	g.publish(ctx, events.New(events.TypeAccessDenied, events.SeverityWarn, g.source, id).
		With("reason", result.Decision.Reason).
		With("report_id", report.ID).
		With("failures", state.Failures))

	if state.LockedAt(now) {
		lockout := string(types.LockoutTemporary)
		if state.Permanent {
			lockout = string(types.LockoutPermanent)
		}
		g.metrics.LockoutsTotal.WithLabelValues(lockout).Inc()

		event := events.New(events.TypeAccessLockout, events.SeverityCritical, g.source, id).
			With("policy", lockout)
		if !state.Permanent {
			event.With("locked_until", state.LockedUntil)
		}
		g.publish(ctx, event)

		g.logger.WithFields(logrus.Fields{
			"object_id": id,
			"policy":    lockout,
		}).Warn("Object locked out after exhausting attempts")
	}

	return result, nil
}

// decide applies the gate preconditions, then the fusion evaluator
func (g *Gate) decide(file *types.SecureFile, report *types.AnalysisReport) policy.Decision {
	lp := file.Policy()

	if report.Decision != types.DecisionVerified {
		return denial(ReasonNotVerified)
	}
	if lp.MinLiveness != nil && report.LivenessScore < *lp.MinLiveness {
		return denial(ReasonLiveness)
	}
	if lp.MinGeometryStability != nil {
		stability, ok := report.PathMetadata[GeometryStabilityKey].(float64)
		if !ok || stability < *lp.MinGeometryStability {
			return denial(ReasonGeometryStability)
		}
	}
	return g.evaluator.Evaluate(file, report)
}

// Relock returns the object to the locked state. It reports whether the
// object was unlocked.
func (g *Gate) Relock(ctx context.Context, id string) (bool, error) {
	if _, err := g.store.Get(ctx, id); err != nil {
		return false, err
	}

	g.mu.Lock()
	state, ok := g.unlocked[id]
	delete(g.unlocked, id)
	g.mu.Unlock()

	if !ok {
		return false, nil
	}

	trigger := "manual"
	if !state.relockAt.IsZero() && !g.now().Before(state.relockAt) {
		trigger = "expired"
	}
	g.relocked(ctx, id, trigger)
	return true, nil
}

// IsUnlocked reports whether the object is currently unlocked
func (g *Gate) IsUnlocked(ctx context.Context, id string) bool {
	_, ok := g.unlockedState(ctx, id)
	return ok
}

func (g *Gate) Status(ctx context.Context, id string) (*Status, error) {
	file, err := g.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	state, err := g.tracker.State(ctx, id)
	if err != nil {
		return nil, err
	}

	status := &Status{
		ObjectID:  id,
		Failures:  state.Failures,
		Permanent: state.Permanent,
		Remaining: remaining(file.Policy(), state, g.now()),
	}
	if !state.Permanent && g.now().Before(state.LockedUntil) {
		until := state.LockedUntil
		status.LockedUntil = &until
	}

	if unlocked, ok := g.unlockedState(ctx, id); ok {
		status.Unlocked = true
		at := unlocked.at
		status.UnlockedAt = &at
		if !unlocked.relockAt.IsZero() {
			relockAt := unlocked.relockAt
			status.RelockAt = &relockAt
		}
	}
	return status, nil
}

// unlockedState returns the unlock record, dropping it when expired
func (g *Gate) unlockedState(ctx context.Context, id string) (unlockState, bool) {
	g.mu.Lock()
	state, ok := g.unlocked[id]
	expired := ok && !state.relockAt.IsZero() && !g.now().Before(state.relockAt)
	if expired {
		delete(g.unlocked, id)
	}
	g.mu.Unlock()

	if expired {
		g.relocked(ctx, id, "expired")
		return unlockState{}, false
	}
	return state, ok
}

func (g *Gate) markUnlocked(id string, rules types.AccessRules, now time.Time) unlockState {
	state := unlockState{at: now}
	if rules.AutoRelock && rules.RelockAfterSeconds > 0 {
		state.relockAt = now.Add(rules.RelockAfter())
	}

	g.mu.Lock()
	g.unlocked[id] = state
	g.mu.Unlock()
	return state
}

func (g *Gate) relocked(ctx context.Context, id, trigger string) {
	g.metrics.RelocksTotal.WithLabelValues(trigger).Inc()
	g.publish(ctx, events.New(events.TypeAccessRelocked, events.SeverityInfo, g.source, id).
		With("trigger", trigger))
	g.logger.WithFields(logrus.Fields{
		"object_id": id,
		"trigger":   trigger,
	}).Info("Object relocked")
}

func (g *Gate) lockObject(id string) *objectLock {
	g.mu.Lock()
	lock, ok := g.objects[id]
	if !ok {
		lock = &objectLock{}
		g.objects[id] = lock
	}
	lock.refs++
	g.mu.Unlock()

	lock.Lock()
	return lock
}

func (g *Gate) unlockObject(id string, lock *objectLock) {
	lock.Unlock()

	g.mu.Lock()
	defer g.mu.Unlock()
	lock.refs--
	if lock.refs == 0 {
		delete(g.objects, id)
	}
}

func (g *Gate) fill(result *Result, lp *types.LockPolicy, state AttemptState) {
	now := g.now()
	result.Failures = state.Failures
	result.Permanent = state.Permanent
	result.Remaining = remaining(lp, state, now)
	if !state.Permanent && now.Before(state.LockedUntil) {
		until := state.LockedUntil
		result.LockedUntil = &until
	}
}

func (g *Gate) record(result *Result) {
	g.metrics.UnlockAttemptsTotal.WithLabelValues(
		strconv.FormatBool(result.Decision.Allowed),
		string(result.Decision.Reason),
	).Inc()
}

func (g *Gate) publish(ctx context.Context, event *events.Event) {
	if err := g.publisher.Publish(ctx, event); err != nil {
		g.logger.WithError(err).WithFields(logrus.Fields{
			"event_type": event.Type,
			"subject":    event.Subject,
		}).Warn("Failed to publish audit event")
	}
}

// remaining is nil when the policy places no limit on attempts
func remaining(lp *types.LockPolicy, state AttemptState, now time.Time) *int {
	if lp.MaxAttempts <= 0 {
		return nil
	}
	n := 0
	if !state.LockedAt(now) {
		n = lp.MaxAttempts - state.Failures
		if n < 0 {
			n = 0
		}
	}
	return &n
}

func denial(reason policy.ReasonCode) policy.Decision {
	return policy.Decision{Reason: reason}
}

// String renders a result for logs and the CLI
func (r *Result) String() string {
	if r.Decision.Allowed {
		return fmt.Sprintf("%s: granted", r.ObjectID)
	}
	return fmt.Sprintf("%s: denied (%s)", r.ObjectID, r.Decision.Reason)
}
