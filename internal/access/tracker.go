package access

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/enterprise/aegis-trust/internal/config"
	"github.com/enterprise/aegis-trust/internal/types"
	"github.com/sirupsen/logrus"
)

// AttemptState is the failed-attempt record of one sealed object
type AttemptState struct {
	Failures    int       `json:"failures"`
	LockedUntil time.Time `json:"locked_until,omitempty"`
	Permanent   bool      `json:"permanent"`
}

// LockedAt reports whether the object refuses attempts at now
func (s AttemptState) LockedAt(now time.Time) bool {
	return s.Permanent || now.Before(s.LockedUntil)
}

// Escalation describes how a failure is escalated once MaxAttempts failures
// have accumulated. A temporary lockout clears the failure count so the
// object gets a fresh set of attempts when it expires.
type Escalation struct {
	MaxAttempts int
	Policy      types.LockoutPolicy
	Duration    time.Duration
}

func (e Escalation) lockUntil(now time.Time) time.Time {
	return now.Add(e.Duration)
}

// AttemptTracker counts failed unlock attempts. RecordFailure must be atomic
// per object.
type AttemptTracker interface {
	State(ctx context.Context, id string) (AttemptState, error)
	RecordFailure(ctx context.Context, id string, esc Escalation, now time.Time) (AttemptState, error)
	Reset(ctx context.Context, id string) error
	Close() error
}

// NewTracker builds the tracker selected by cfg.Lockout.Backend
func NewTracker(cfg *config.Config, logger *logrus.Logger) (AttemptTracker, error) {
	switch cfg.Lockout.Backend {
	case "", "memory":
		return NewMemoryTracker(), nil
	case "redis":
		return NewRedisTracker(cfg.Redis, logger)
	default:
		return nil, fmt.Errorf("unknown lockout backend: %q", cfg.Lockout.Backend)
	}
}

// MemoryTracker keeps attempt state in process
type MemoryTracker struct {
	mu     sync.Mutex
	states map[string]AttemptState
}

func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{states: make(map[string]AttemptState)}
}

func (t *MemoryTracker) State(_ context.Context, id string) (AttemptState, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.states[id], nil
}

func (t *MemoryTracker) RecordFailure(_ context.Context, id string, esc Escalation, now time.Time) (AttemptState, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	state := t.states[id]
	state.Failures++
	if esc.MaxAttempts > 0 && state.Failures >= esc.MaxAttempts {
		if esc.Policy == types.LockoutPermanent {
			state.Permanent = true
		} else {
			state.LockedUntil = esc.lockUntil(now)
			state.Failures = 0
		}
	}
	t.states[id] = state
	return state, nil
}

// Reset clears the failure count. A permanent lockout survives a reset.
func (t *MemoryTracker) Reset(_ context.Context, id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	state, ok := t.states[id]
	if !ok {
		return nil
	}
	if state.Permanent {
		t.states[id] = AttemptState{Permanent: true}
		return nil
	}
	delete(t.states, id)
	return nil
}

func (t *MemoryTracker) Close() error {
	return nil
}
