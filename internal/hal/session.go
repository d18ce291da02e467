package hal

import (
	"sync"
	"time"

	"github.com/enterprise/aegis-trust/internal/types"
)

// Session is the shared, reference-counted owner of one modality's stream.
// The stream is released exactly once: when the last holder calls Release,
// when ReleaseSensor is called, or when the session locks out.
type Session struct {
	hal        *HAL
	modality   types.SensorModality
	tier       types.TrustTier
	token      string
	stream     Stream
	acquiredAt time.Time

	mu       sync.Mutex
	refs     int
	closed   bool
	state    SensorState
	failures int

	closeOnce sync.Once
	closeErr  error
}

func newSession(h *HAL, modality types.SensorModality, tier types.TrustTier, stream Stream) *Session {
	return &Session{
		hal:        h,
		modality:   modality,
		tier:       tier,
		token:      h.GenerateAttestationToken(modality),
		stream:     stream,
		acquiredAt: time.Now(),
		refs:       1,
		state:      StateHALActive,
	}
}

func (s *Session) Modality() types.SensorModality { return s.modality }

// Tier is fixed at acquisition.
func (s *Session) Tier() types.TrustTier { return s.tier }

// Token is the attestation token issued when the session was acquired.
func (s *Session) Token() string { return s.token }

func (s *Session) Stream() Stream { return s.stream }

func (s *Session) AcquiredAt() time.Time { return s.acquiredAt }

// State returns the session's current lifecycle state.
func (s *Session) State() SensorState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Closed reports whether the session no longer accepts holders.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Release drops one reference. The last reference releases the stream.
func (s *Session) Release() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.refs--
	if s.refs > 0 {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.state = StateIdle
	s.mu.Unlock()

	s.hal.retire(s, StateIdle)
}

// ReportSignal feeds the outcome of one signal read into the session.
// Consecutive failures degrade the session and eventually lock it out,
// which releases the stream. A success restores HAL_ACTIVE.
func (s *Session) ReportSignal(ok bool) SensorState {
	s.mu.Lock()
	if s.closed {
		state := s.state
		s.mu.Unlock()
		return state
	}

	if ok {
		s.failures = 0
		s.state = StateHALActive
	} else {
		s.failures++
		switch {
		case s.failures >= s.hal.lockoutAfter:
			s.state = StateHardwareLockout
			s.closed = true
		case s.failures >= s.hal.degradeAfter:
			s.state = StateSignalDegraded
		}
	}
	state := s.state
	s.mu.Unlock()

	if state == StateHardwareLockout {
		s.hal.metrics.LockoutsTotal.WithLabelValues(string(s.modality)).Inc()
		s.hal.logger.WithField("modality", s.modality).Warn("Sensor session locked out after repeated signal failures")
		s.hal.retire(s, StateHardwareLockout)
		return state
	}

	s.hal.recordState(s, state)
	return state
}

// retain adds a holder if the session is still usable. Called with hal.mu held.
func (s *Session) retain() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || !s.stream.Active() {
		return false
	}
	s.refs++
	return true
}

// shutdown closes the session to new holders. It reports whether this call
// did the closing.
func (s *Session) shutdown(state SensorState) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	s.closed = true
	s.state = state
	return true
}

// closeStream stops the underlying stream once. The first caller gets
// closed=true.
func (s *Session) closeStream() (closed bool, err error) {
	s.closeOnce.Do(func() {
		closed = true
		s.closeErr = s.stream.Close()
	})
	return closed, s.closeErr
}
