package attestation

import (
	"context"
	"fmt"
	"strings"
)

// Platform identifies the device attestation scheme of a token
type Platform string

const (
	PlatformAndroid Platform = "ANDROID"
	PlatformIOS     Platform = "IOS"
)

// ParsePlatform converts a wire string into a Platform, ignoring case
func ParsePlatform(s string) (Platform, error) {
	p := Platform(strings.ToUpper(strings.TrimSpace(s)))
	switch p {
	case PlatformAndroid, PlatformIOS:
		return p, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedPlatform, s)
}

// Request carries an opaque platform integrity token. Nonce is the
// server-issued challenge bound into the token, when the client has one.
type Request struct {
	Platform Platform `json:"platform"`
	Token    string   `json:"integrity_token"`
	Nonce    string   `json:"nonce,omitempty"`
}

// Validate checks the request is structurally usable
func (r *Request) Validate() error {
	if r == nil {
		return fmt.Errorf("%w: nil request", ErrInvalidRequest)
	}
	if _, err := ParsePlatform(string(r.Platform)); err != nil {
		return err
	}
	if r.Token == "" {
		return fmt.Errorf("%w: integrity token is required", ErrInvalidRequest)
	}
	return nil
}

// Verdict is the outcome of a device integrity check. It is computed per
// request and never persisted.
type Verdict struct {
	Platform      Platform `json:"platform"`
	DeviceTrusted bool     `json:"device_trusted"`
	AppTrusted    bool     `json:"app_trusted"`
}

// Integrity reports whether both the device and the app are trusted
func (v *Verdict) Integrity() bool {
	return v != nil && v.DeviceTrusted && v.AppTrusted
}

func (v *Verdict) outcome() string {
	switch {
	case v.Integrity():
		return "trusted"
	case v.DeviceTrusted || v.AppTrusted:
		return "partial"
	default:
		return "untrusted"
	}
}

// Verifier checks one platform's integrity tokens. Implementations return
// an error only when no verdict could be obtained (transport failure,
// upstream rejection); a token that fails verification is an untrusted
// verdict with a nil error.
type Verifier interface {
	Verify(ctx context.Context, req *Request) (*Verdict, error)
}
