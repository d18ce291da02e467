package events

import (
	"time"

	"github.com/google/uuid"
)

// Type identifies an audit event
type Type string

const (
	TypeObjectSealed        Type = "object.sealed"
	TypeAccessGranted       Type = "access.granted"
	TypeAccessDenied        Type = "access.denied"
	TypeAccessLockout       Type = "access.lockout"
	TypeAccessRelocked      Type = "access.relocked"
	TypeAttestationVerified Type = "attestation.verified"
	TypeAttestationUnknown  Type = "attestation.unknown"
	TypeAttestationReplay   Type = "attestation.replay"
)

// Severity grades an audit event for downstream alerting
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarn     Severity = "WARN"
	SeverityCritical Severity = "CRITICAL"
)

// Event is a single audit record. Events never carry raw biometric data,
// only identifiers, decisions and reason codes.
type Event struct {
	ID        string                 `json:"id"`
	Type      Type                   `json:"type"`
	Severity  Severity               `json:"severity"`
	Source    string                 `json:"source"`
	Subject   string                 `json:"subject"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
	Metadata  Metadata               `json:"metadata"`
}

// Metadata contains transport metadata for events
type Metadata struct {
	Version string `json:"version"`
	TraceID string `json:"trace_id,omitempty"`
	SpanID  string `json:"span_id,omitempty"`
}

// New creates an event with a fresh id and timestamp
func New(eventType Type, severity Severity, source, subject string) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Severity:  severity,
		Source:    source,
		Subject:   subject,
		Timestamp: time.Now().UTC(),
		Data:      make(map[string]interface{}),
		Metadata: Metadata{
			Version: "1.0",
		},
	}
}

// With sets a data field and returns the event for chaining
func (e *Event) With(key string, value interface{}) *Event {
	e.Data[key] = value
	return e
}
