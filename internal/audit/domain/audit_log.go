package domain

import "time"

// Security event actions recorded by the auth flows.
const (
	ActionMagicLinkRequested = "magic_link_requested"
	ActionLoginSuccess       = "login_success"
	ActionLoginFailure       = "login_failure"
	ActionPasskeyRegistered  = "passkey_registered"
	ActionPasskeyRenamed     = "passkey_renamed"
	ActionPasskeyRemoved     = "passkey_removed"
	ActionReplaySuspected    = "replay_suspected"
	ActionLogout             = "logout"
)

// AuditLog represents an audit event.
type AuditLog struct {
	ID        string
	UserID    string
	Action    string
	Resource  string
	IP        string
	Metadata  string
	CreatedAt time.Time
}
