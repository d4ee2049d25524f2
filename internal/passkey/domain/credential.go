package domain

import (
	"errors"
	"time"
	"unicode/utf8"
)

// Credential is one registered WebAuthn authenticator (passkey) of a user.
type Credential struct {
	// ID is the server-side identifier used in management URLs.
	ID string
	// CredentialID is the authenticator-generated credential id; globally unique.
	CredentialID []byte
	UserID       string
	// PublicKey is the COSE-encoded credential public key.
	PublicKey       []byte
	AttestationType string
	Transports      []string
	AAGUID          []byte
	// SignCount only ever increases; updates are compare-and-set.
	SignCount      uint32
	UserPresent    bool
	UserVerified   bool
	BackupEligible bool
	BackupState    bool
	Name           string
	CreatedAt      time.Time
	LastUsedAt     *time.Time
}

// MaxNameLength bounds user-supplied passkey labels.
const MaxNameLength = 100

// Validate validates the credential for persistence.
func (c *Credential) Validate() error {
	if c.ID == "" {
		return errors.New("id is required")
	}
	if len(c.CredentialID) == 0 {
		return errors.New("credential id is required")
	}
	if c.UserID == "" {
		return errors.New("user id is required")
	}
	if len(c.PublicKey) == 0 {
		return errors.New("public key is required")
	}
	if utf8.RuneCountInString(c.Name) > MaxNameLength {
		return errors.New("name is too long")
	}
	return nil
}
