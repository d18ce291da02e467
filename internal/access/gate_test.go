package access

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/enterprise/aegis-trust/internal/events"
	"github.com/enterprise/aegis-trust/internal/policy"
	"github.com/enterprise/aegis-trust/internal/store"
	"github.com/enterprise/aegis-trust/internal/types"
	"github.com/enterprise/aegis-trust/pkg/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const objectHash = "fvh-7f3a"

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	gate      *Gate
	clock     *clock
	publisher *events.MemoryPublisher
	metrics   *Metrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		clock:     &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		publisher: events.NewMemoryPublisher(),
		metrics:   NewMetrics(prometheus.NewRegistry()),
	}
	f.gate = NewGate(store.NewMemoryStore(), NewMemoryTracker(), policy.NewEvaluator(logger.Discard(), nil), logger.Discard(),
		WithPublisher(f.publisher, "test"),
		WithLockoutDuration(time.Minute),
		WithClock(f.clock.Now),
		WithMetrics(f.metrics))
	return f
}

func floatPtr(v float64) *float64 { return &v }

func sealedFile(id string, mutate ...func(*types.SecureFile)) *types.SecureFile {
	file := &types.SecureFile{
		ID: id,
		SecurityBinding: types.SecurityBinding{
			FeatureVectorHash: objectHash,
			AttestationTier:   types.TierNativeOS,
		},
		Metadata: types.FileMetadata{
			OriginalFilename: id + ".pdf",
			LockPolicy: types.LockPolicy{
				BiometricsRequired: []types.SignalType{types.SignalFace},
				Fusion:             types.FusionAnd,
				MinConfidence:      0.9,
				MaxAttempts:        3,
				LockoutPolicy:      types.LockoutTemporary,
			},
			AccessRules: types.AccessRules{AutoRelock: true, RelockAfterSeconds: 30},
		},
	}
	for _, m := range mutate {
		m(file)
	}
	return file
}

func goodReport() *types.AnalysisReport {
	return &types.AnalysisReport{
		ID:                "r-good",
		Decision:          types.DecisionVerified,
		OverallConfidence: 0.95,
		LivenessScore:     0.97,
		FeatureVectorHash: objectHash,
		Signals: []types.BiometricSignal{
			{Type: types.SignalFace, Confidence: 0.96, Status: types.SignalStatusValid},
		},
	}
}

func badReport() *types.AnalysisReport {
	r := goodReport()
	r.ID = "r-bad"
	r.FeatureVectorHash = "someone-else"
	return r
}

func (f *fixture) register(t *testing.T, file *types.SecureFile) {
	t.Helper()
	require.NoError(t, f.gate.Register(context.Background(), file))
}

func TestGate_Register(t *testing.T) {
	f := newFixture(t)
	f.register(t, sealedFile("f-1"))

	assert.ErrorIs(t, f.gate.Register(context.Background(), sealedFile("f-1")), store.ErrObjectExists)

	sealedEvents := f.publisher.OfType(events.TypeObjectSealed)
	require.Len(t, sealedEvents, 1)
	assert.Equal(t, "f-1", sealedEvents[0].Subject)
	assert.Equal(t, events.SeverityInfo, sealedEvents[0].Severity)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.ObjectsRegistered))
}

func TestGate_RegisterVacuousPolicyWarns(t *testing.T) {
	f := newFixture(t)
	f.register(t, sealedFile("f-1", func(file *types.SecureFile) {
		file.Metadata.LockPolicy.BiometricsRequired = nil
	}))

	sealedEvents := f.publisher.OfType(events.TypeObjectSealed)
	require.Len(t, sealedEvents, 1)
	assert.Equal(t, events.SeverityWarn, sealedEvents[0].Severity)
}

func TestGate_UnlockGranted(t *testing.T) {
	f := newFixture(t)
	f.register(t, sealedFile("f-1"))

	result, err := f.gate.Unlock(context.Background(), "f-1", goodReport())
	require.NoError(t, err)
	assert.True(t, result.Decision.Allowed)
	require.NotNil(t, result.RelockAt)
	assert.Equal(t, f.clock.Now().Add(30*time.Second), *result.RelockAt)
	require.NotNil(t, result.Remaining)
	assert.Equal(t, 3, *result.Remaining)

	assert.True(t, f.gate.IsUnlocked(context.Background(), "f-1"))
	assert.Len(t, f.publisher.OfType(events.TypeAccessGranted), 1)
}

func TestGate_UnlockPreconditions(t *testing.T) {
	tests := []struct {
		name   string
		file   func(*types.SecureFile)
		report func(*types.AnalysisReport)
		reason policy.ReasonCode
	}{
		{
			name:   "analysis not verified",
			report: func(r *types.AnalysisReport) { r.Decision = types.DecisionInconclusive },
			reason: ReasonNotVerified,
		},
		{
			name:   "liveness below minimum",
			file:   func(f *types.SecureFile) { f.Metadata.LockPolicy.MinLiveness = floatPtr(0.99) },
			reason: ReasonLiveness,
		},
		{
			name:   "geometry stability missing",
			file:   func(f *types.SecureFile) { f.Metadata.LockPolicy.MinGeometryStability = floatPtr(0.5) },
			reason: ReasonGeometryStability,
		},
		{
			name: "geometry stability below minimum",
			file: func(f *types.SecureFile) { f.Metadata.LockPolicy.MinGeometryStability = floatPtr(0.5) },
			report: func(r *types.AnalysisReport) {
				r.PathMetadata = map[string]interface{}{GeometryStabilityKey: 0.3}
			},
			reason: ReasonGeometryStability,
		},
		{
			name:   "evaluator denial passes through",
			report: func(r *types.AnalysisReport) { r.OverallConfidence = 0.5 },
			reason: policy.ReasonAssuranceThreshold,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			file := sealedFile("f-1")
			if tt.file != nil {
				tt.file(file)
			}
			f.register(t, file)

			report := goodReport()
			if tt.report != nil {
				tt.report(report)
			}

			result, err := f.gate.Unlock(context.Background(), "f-1", report)
			require.NoError(t, err)
			assert.False(t, result.Decision.Allowed)
			assert.Equal(t, tt.reason, result.Decision.Reason)
			assert.Equal(t, 1, result.Failures)
			assert.False(t, f.gate.IsUnlocked(context.Background(), "f-1"))
		})
	}
}

func TestGate_GeometryStabilitySatisfied(t *testing.T) {
	f := newFixture(t)
	f.register(t, sealedFile("f-1", func(file *types.SecureFile) {
		file.Metadata.LockPolicy.MinGeometryStability = floatPtr(0.5)
	}))

	report := goodReport()
	report.PathMetadata = map[string]interface{}{GeometryStabilityKey: 0.8}

	result, err := f.gate.Unlock(context.Background(), "f-1", report)
	require.NoError(t, err)
	assert.True(t, result.Decision.Allowed)
}

func TestGate_TemporaryLockout(t *testing.T) {
	f := newFixture(t)
	f.register(t, sealedFile("f-1"))
	ctx := context.Background()

	for i := 1; i <= 2; i++ {
		result, err := f.gate.Unlock(ctx, "f-1", badReport())
		require.NoError(t, err)
		assert.Equal(t, policy.ReasonBindingViolation, result.Decision.Reason)
		assert.Equal(t, 3-i, *result.Remaining)
		assert.Nil(t, result.LockedUntil)
	}

	result, err := f.gate.Unlock(ctx, "f-1", badReport())
	require.NoError(t, err)
	assert.Equal(t, policy.ReasonBindingViolation, result.Decision.Reason)
	require.NotNil(t, result.LockedUntil)
	assert.Equal(t, f.clock.Now().Add(time.Minute), *result.LockedUntil)
	assert.Equal(t, 0, *result.Remaining)
	assert.Len(t, f.publisher.OfType(events.TypeAccessLockout), 1)

	// even a matching report is refused while locked out
	result, err = f.gate.Unlock(ctx, "f-1", goodReport())
	require.NoError(t, err)
	assert.False(t, result.Decision.Allowed)
	assert.Equal(t, ReasonLockedOut, result.Decision.Reason)

	f.clock.Advance(time.Minute)

	result, err = f.gate.Unlock(ctx, "f-1", goodReport())
	require.NoError(t, err)
	assert.True(t, result.Decision.Allowed)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.LockoutsTotal.WithLabelValues("temporary")))
}

func TestGate_PermanentLockout(t *testing.T) {
	f := newFixture(t)
	f.register(t, sealedFile("f-1", func(file *types.SecureFile) {
		file.Metadata.LockPolicy.MaxAttempts = 2
		file.Metadata.LockPolicy.LockoutPolicy = types.LockoutPermanent
	}))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := f.gate.Unlock(ctx, "f-1", badReport())
		require.NoError(t, err)
	}

	f.clock.Advance(24 * time.Hour)

	result, err := f.gate.Unlock(ctx, "f-1", goodReport())
	require.NoError(t, err)
	assert.Equal(t, ReasonLockedOut, result.Decision.Reason)
	assert.True(t, result.Permanent)

	lockouts := f.publisher.OfType(events.TypeAccessLockout)
	require.Len(t, lockouts, 1)
	assert.Equal(t, events.SeverityCritical, lockouts[0].Severity)
	assert.Equal(t, "permanent", lockouts[0].Data["policy"])
}

func TestGate_SuccessResetsFailures(t *testing.T) {
	f := newFixture(t)
	f.register(t, sealedFile("f-1"))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := f.gate.Unlock(ctx, "f-1", badReport())
		require.NoError(t, err)
	}
	_, err := f.gate.Unlock(ctx, "f-1", goodReport())
	require.NoError(t, err)

	status, err := f.gate.Status(ctx, "f-1")
	require.NoError(t, err)
	assert.Equal(t, 0, status.Failures)
	assert.Equal(t, 3, *status.Remaining)
}

func TestGate_UnlimitedAttempts(t *testing.T) {
	f := newFixture(t)
	f.register(t, sealedFile("f-1", func(file *types.SecureFile) {
		file.Metadata.LockPolicy.MaxAttempts = 0
	}))

	for i := 0; i < 10; i++ {
		result, err := f.gate.Unlock(context.Background(), "f-1", badReport())
		require.NoError(t, err)
		assert.Nil(t, result.Remaining)
		assert.Nil(t, result.LockedUntil)
	}
}

func TestGate_AutoRelock(t *testing.T) {
	f := newFixture(t)
	f.register(t, sealedFile("f-1"))
	ctx := context.Background()

	_, err := f.gate.Unlock(ctx, "f-1", goodReport())
	require.NoError(t, err)

	f.clock.Advance(29 * time.Second)
	assert.True(t, f.gate.IsUnlocked(ctx, "f-1"))

	f.clock.Advance(time.Second)
	assert.False(t, f.gate.IsUnlocked(ctx, "f-1"))

	relocks := f.publisher.OfType(events.TypeAccessRelocked)
	require.Len(t, relocks, 1)
	assert.Equal(t, "expired", relocks[0].Data["trigger"])
}

func TestGate_NoAutoRelockStaysUnlocked(t *testing.T) {
	f := newFixture(t)
	f.register(t, sealedFile("f-1", func(file *types.SecureFile) {
		file.Metadata.AccessRules = types.AccessRules{}
	}))
	ctx := context.Background()

	result, err := f.gate.Unlock(ctx, "f-1", goodReport())
	require.NoError(t, err)
	assert.Nil(t, result.RelockAt)

	f.clock.Advance(time.Hour)
	assert.True(t, f.gate.IsUnlocked(ctx, "f-1"))
}

func TestGate_Relock(t *testing.T) {
	f := newFixture(t)
	f.register(t, sealedFile("f-1"))
	ctx := context.Background()

	was, err := f.gate.Relock(ctx, "f-1")
	require.NoError(t, err)
	assert.False(t, was)

	_, err = f.gate.Unlock(ctx, "f-1", goodReport())
	require.NoError(t, err)

	was, err = f.gate.Relock(ctx, "f-1")
	require.NoError(t, err)
	assert.True(t, was)
	assert.False(t, f.gate.IsUnlocked(ctx, "f-1"))

	relocks := f.publisher.OfType(events.TypeAccessRelocked)
	require.Len(t, relocks, 1)
	assert.Equal(t, "manual", relocks[0].Data["trigger"])

	_, err = f.gate.Relock(ctx, "f-missing")
	assert.ErrorIs(t, err, store.ErrObjectNotFound)
}

func TestGate_Status(t *testing.T) {
	f := newFixture(t)
	f.register(t, sealedFile("f-1"))
	ctx := context.Background()

	status, err := f.gate.Status(ctx, "f-1")
	require.NoError(t, err)
	assert.False(t, status.Unlocked)
	assert.Equal(t, 3, *status.Remaining)

	_, err = f.gate.Unlock(ctx, "f-1", goodReport())
	require.NoError(t, err)

	status, err = f.gate.Status(ctx, "f-1")
	require.NoError(t, err)
	assert.True(t, status.Unlocked)
	require.NotNil(t, status.UnlockedAt)
	require.NotNil(t, status.RelockAt)
	assert.Equal(t, status.UnlockedAt.Add(30*time.Second), *status.RelockAt)

	_, err = f.gate.Status(ctx, "f-missing")
	assert.ErrorIs(t, err, store.ErrObjectNotFound)
}

func TestGate_UnlockErrors(t *testing.T) {
	f := newFixture(t)

	_, err := f.gate.Unlock(context.Background(), "f-missing", goodReport())
	assert.ErrorIs(t, err, store.ErrObjectNotFound)

	f.register(t, sealedFile("f-1"))
	_, err = f.gate.Unlock(context.Background(), "f-1", nil)
	assert.ErrorIs(t, err, ErrInvalidReport)
}

func TestGate_ConcurrentFailuresLockOnce(t *testing.T) {
	f := newFixture(t)
	f.register(t, sealedFile("f-1", func(file *types.SecureFile) {
		file.Metadata.LockPolicy.MaxAttempts = 5
		file.Metadata.LockPolicy.LockoutPolicy = types.LockoutPermanent
	}))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.gate.Unlock(context.Background(), "f-1", badReport())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Len(t, f.publisher.OfType(events.TypeAccessLockout), 1)
	assert.Len(t, f.publisher.OfType(events.TypeAccessDenied), 20)
	assert.Equal(t, float64(15), testutil.ToFloat64(f.metrics.UnlockAttemptsTotal.WithLabelValues("false", string(ReasonLockedOut))))
}

func TestGate_ObjectLocksAreReleased(t *testing.T) {
	f := newFixture(t)
	for _, id := range []string{"f-1", "f-2", "f-3"} {
		f.register(t, sealedFile(id))
	}

	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := []string{"f-1", "f-2", "f-3"}[i%3]
			_, err := f.gate.Unlock(context.Background(), id, badReport())
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	f.gate.mu.Lock()
	defer f.gate.mu.Unlock()
	assert.Empty(t, f.gate.objects)
}
