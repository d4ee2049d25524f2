package domain

import (
	"errors"
	"strings"
	"time"
)

// User is the identity anchor for both magic-link and passkey authentication.
type User struct {
	ID       string
	Email    string
	Username string
	// MagicLinkTokenHash is the SHA-256 hex of the outstanding magic-link token; empty when none.
	MagicLinkTokenHash string
	// MagicLinkExpiresAt is set together with MagicLinkTokenHash.
	MagicLinkExpiresAt *time.Time
	// CurrentChallenge is the serialized state of the single in-flight WebAuthn ceremony; empty when none.
	CurrentChallenge string
	// LastLogoutAt invalidates every access token issued before it.
	LastLogoutAt *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// DisplayName is the name shown to authenticators and returned in the principal.
func (u *User) DisplayName() string {
	if u.Username != "" {
		return u.Username
	}
	return u.Email
}

// HasLiveMagicLink reports whether a magic link is outstanding and not expired at now.
func (u *User) HasLiveMagicLink(now time.Time) bool {
	return u.MagicLinkTokenHash != "" && u.MagicLinkExpiresAt != nil && now.Before(*u.MagicLinkExpiresAt)
}

// Validate validates the user for persistence. Returns an error describing the first validation failure.
func (u *User) Validate() error {
	if u.ID == "" {
		return errors.New("id is required")
	}
	if u.Email == "" {
		return errors.New("email is required")
	}
	if u.Username == "" {
		u.Username = UsernameFromEmail(u.Email)
	}
	return nil
}

// UsernameFromEmail derives the default username from the local part of email.
func UsernameFromEmail(email string) string {
	if i := strings.IndexByte(email, '@'); i > 0 {
		return email[:i]
	}
	return email
}
