package hal

import (
	"errors"
	"fmt"

	"github.com/enterprise/aegis-trust/internal/types"
)

var (
	// ErrHardwareUnsupported indicates the capability probe failed for the modality
	ErrHardwareUnsupported = errors.New("hardware unsupported")

	// ErrPermissionDenied indicates the user or OS refused sensor access.
	// StreamSource implementations return it (wrapped or bare) for refusals.
	ErrPermissionDenied = errors.New("permission denied at OS level")

	// ErrSensorFailure covers every unclassified acquisition failure
	ErrSensorFailure = errors.New("sensor acquisition failed")

	// ErrHardwareLockout indicates the session was terminated after sustained failures
	ErrHardwareLockout = errors.New("hardware lockout")
)

// SensorError is a capability error reported verbatim to the caller.
type SensorError struct {
	Modality types.SensorModality
	State    SensorState
	Tier     types.TrustTier
	Err      error
}

func (e *SensorError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("sensor %s: %s: %v", e.Modality, e.State, e.Err)
	}
	return fmt.Sprintf("sensor %s: %s", e.Modality, e.State)
}

func (e *SensorError) Unwrap() error {
	return e.Err
}

// Is maps the failure state onto the package sentinels so callers can use
// errors.Is regardless of what the stream source returned.
func (e *SensorError) Is(target error) bool {
	switch target {
	case ErrHardwareUnsupported:
		return e.State == StateHardwareUnsupported
	case ErrPermissionDenied:
		return e.State == StatePermissionDenied
	case ErrSensorFailure:
		return e.State == StateError
	case ErrHardwareLockout:
		return e.State == StateHardwareLockout
	}
	return false
}

// Retryable reports whether user action can resolve the failure.
func (e *SensorError) Retryable() bool {
	return e.State == StatePermissionDenied
}
