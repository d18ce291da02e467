package attestation

import (
	"errors"
	"fmt"
)

var (
	// ErrVerdictUnknown indicates the platform could not be asked. The
	// request is retryable and must not be treated as trusted.
	ErrVerdictUnknown = errors.New("attestation verdict unknown")

	ErrUnsupportedPlatform = errors.New("unsupported platform")
	ErrInvalidRequest      = errors.New("invalid attestation request")
)

// VerificationError wraps a transport, timeout or cancellation failure
// talking to a platform verifier.
type VerificationError struct {
	Platform Platform
	Err      error
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("%s verification for %s: %v", ErrVerdictUnknown, e.Platform, e.Err)
}

func (e *VerificationError) Unwrap() error {
	return e.Err
}

func (e *VerificationError) Is(target error) bool {
	return target == ErrVerdictUnknown
}

// Retryable is always true: the caller may resubmit the same token.
func (e *VerificationError) Retryable() bool {
	return true
}
