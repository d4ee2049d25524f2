package telemetry

import (
	"context"
	"time"
)

// Event is a security event exported for operational review (login outcomes, replay suspicion, passkey changes).
type Event struct {
	Type         string
	UserID       string
	CredentialID string
	// Source names the component that raised the event (e.g. "ceremony", "gateway").
	Source     string
	Attributes map[string]string
	CreatedAt  time.Time
}

// EventEmitter emits security events (e.g. to OTel Logs). Best-effort; callers log and ignore errors.
type EventEmitter interface {
	Emit(ctx context.Context, event *Event) error
}
