// Package challenge issues, stores and consumes single-use WebAuthn challenges.
//
// Two shapes exist. A user-scoped slot holds the serialized ceremony state on the user row
// (one live ceremony per user, last write wins). A correlation token carries the challenge
// of a discoverable login inside a short-lived signed JWT; a consumed-challenge marker makes
// it single use.
package challenge

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-webauthn/webauthn/webauthn"

	"livre-auth/backend/internal/security"
)

const (
	// CorrelationSubject is the sub claim of correlation tokens.
	CorrelationSubject = "challenge-token"
	// ChallengeClaim carries the raw challenge inside a correlation token.
	ChallengeClaim = "challenge"
)

var (
	// ErrNoChallenge is returned when a finish call finds no live ceremony state.
	ErrNoChallenge = errors.New("no challenge")
	// ErrChallengeConsumed is returned when another finish call already consumed the challenge.
	ErrChallengeConsumed = errors.New("challenge already consumed")
	// ErrChallengeMissing is returned when the correlation token is absent from the request.
	ErrChallengeMissing = errors.New("challenge token missing")
	// ErrCorrelationInvalid is returned when the correlation token fails validation.
	ErrCorrelationInvalid = errors.New("challenge token invalid")
)

// SlotStore persists the user-scoped ceremony state.
type SlotStore interface {
	SetChallenge(ctx context.Context, userID, state string) error
	ClearChallenge(ctx context.Context, userID, expected string) (bool, error)
}

// MarkerStore remembers consumed discoverable challenges until their token expires.
type MarkerStore interface {
	// Insert records hash as consumed. Returns false if it was already recorded.
	Insert(ctx context.Context, hash string, expiresAt time.Time) (bool, error)
	// PurgeExpired deletes markers that expired before the given time.
	PurgeExpired(ctx context.Context, before time.Time) (int64, error)
}

// Slot is a user's loaded ceremony state. Raw is the stored form used for compare-and-set.
type Slot struct {
	Session webauthn.SessionData
	Raw     string
}

// Correlation is a validated correlation token.
type Correlation struct {
	Challenge string
	ExpiresAt time.Time
}

// Ledger is the single owner of challenge lifecycle.
type Ledger struct {
	slots   SlotStore
	markers MarkerStore
	tokens  *security.TokenCodec
	ttl     time.Duration
	nowF    func() time.Time
}

// NewLedger returns a Ledger. ttl bounds correlation tokens (5 minutes in production).
func NewLedger(slots SlotStore, markers MarkerStore, tokens *security.TokenCodec, ttl time.Duration) *Ledger {
	return &Ledger{slots: slots, markers: markers, tokens: tokens, ttl: ttl, nowF: time.Now}
}

// TTL returns the correlation token lifetime.
func (l *Ledger) TTL() time.Duration {
	return l.ttl
}

// Put stores session as the user's live ceremony, replacing any earlier one.
func (l *Ledger) Put(ctx context.Context, userID string, session *webauthn.SessionData) error {
	if session == nil || session.Challenge == "" {
		return ErrNoChallenge
	}
	raw, err := json.Marshal(session)
	if err != nil {
		return err
	}
	return l.slots.SetChallenge(ctx, userID, string(raw))
}

// Open decodes a stored ceremony state. Empty, undecodable or expired state is ErrNoChallenge.
func (l *Ledger) Open(raw string) (*Slot, error) {
	if raw == "" {
		return nil, ErrNoChallenge
	}
	var session webauthn.SessionData
	if err := json.Unmarshal([]byte(raw), &session); err != nil || session.Challenge == "" {
		return nil, ErrNoChallenge
	}
	if !session.Expires.IsZero() && !l.nowF().Before(session.Expires) {
		return nil, ErrNoChallenge
	}
	return &Slot{Session: session, Raw: raw}, nil
}

// Consume clears the user's slot if it still holds slot. A lost race is ErrChallengeConsumed.
func (l *Ledger) Consume(ctx context.Context, userID string, slot *Slot) error {
	ok, err := l.slots.ClearChallenge(ctx, userID, slot.Raw)
	if err != nil {
		return err
	}
	if !ok {
		return ErrChallengeConsumed
	}
	return nil
}

// IssueCorrelation wraps challenge in a signed token valid for the ledger TTL.
func (l *Ledger) IssueCorrelation(challenge string) (string, time.Time, error) {
	if challenge == "" {
		return "", time.Time{}, ErrNoChallenge
	}
	return l.tokens.Issue(CorrelationSubject, map[string]any{ChallengeClaim: challenge}, l.ttl)
}

// OpenCorrelation validates a correlation token and extracts its challenge.
func (l *Ledger) OpenCorrelation(token string) (*Correlation, error) {
	if token == "" {
		return nil, ErrChallengeMissing
	}
	claims, err := l.tokens.Validate(token)
	if err != nil {
		return nil, errors.Join(ErrCorrelationInvalid, err)
	}
	if claims.Subject != CorrelationSubject {
		return nil, ErrCorrelationInvalid
	}
	challenge, _ := claims.Extra[ChallengeClaim].(string)
	if challenge == "" {
		return nil, ErrCorrelationInvalid
	}
	return &Correlation{Challenge: challenge, ExpiresAt: claims.ExpiresAt}, nil
}

// ConsumeCorrelation marks the correlation's challenge as used. A second call is ErrChallengeConsumed.
func (l *Ledger) ConsumeCorrelation(ctx context.Context, c *Correlation) error {
	ok, err := l.markers.Insert(ctx, security.HashToken(c.Challenge), c.ExpiresAt)
	if err != nil {
		return err
	}
	if !ok {
		return ErrChallengeConsumed
	}
	return nil
}

// PurgeExpired removes consumed markers whose tokens can no longer validate.
func (l *Ledger) PurgeExpired(ctx context.Context) (int64, error) {
	return l.markers.PurgeExpired(ctx, l.nowF().UTC())
}
