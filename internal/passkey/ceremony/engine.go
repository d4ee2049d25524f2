// Package ceremony drives WebAuthn registration and authentication ceremonies against the
// credential store and the challenge ledger.
//
// Every finish runs the same order: load the challenge, verify the response, check the sign
// counter, consume the challenge, then persist. A verification failure leaves the challenge
// untouched. The sign counter is updated with compare-and-set so two concurrent assertions
// with the same counter cannot both succeed.
package ceremony

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/protocol/webauthncose"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"livre-auth/backend/internal/audit"
	auditdomain "livre-auth/backend/internal/audit/domain"
	"livre-auth/backend/internal/challenge"
	passkeydomain "livre-auth/backend/internal/passkey/domain"
	passkeyrepo "livre-auth/backend/internal/passkey/repository"
	"livre-auth/backend/internal/telemetry"
	userdomain "livre-auth/backend/internal/user/domain"
)

var (
	// ErrCredentialNotFound is returned when the asserted credential id is unknown or not owned by the user.
	ErrCredentialNotFound = errors.New("credential not found")
	// ErrVerificationFailed is returned when attestation or assertion verification fails.
	ErrVerificationFailed = errors.New("webauthn verification failed")
	// ErrReplaySuspected is returned when the presented sign counter does not advance past the stored one.
	ErrReplaySuspected = errors.New("sign counter replay suspected")
	// ErrNoCredentials is returned when authentication starts for a user without passkeys.
	ErrNoCredentials = errors.New("user has no passkeys")
	// ErrCredentialExists is returned when an attested credential id is already registered.
	ErrCredentialExists = errors.New("credential already registered")
)

// Ceremony names used in metrics and logs.
const (
	kindRegistration   = "registration"
	kindAuthentication = "authentication"
	kindDiscoverable   = "discoverable"
)

// Config configures the relying party.
type Config struct {
	RPID          string
	RPDisplayName string
	RPOrigins     []string
	// Timeout bounds how long a started ceremony may be finished; it matches the challenge TTL.
	Timeout time.Duration
	// AllowZeroSignCount accepts counter 0 when the stored counter is also 0 (authenticators without counters).
	AllowZeroSignCount bool
}

// UserFinder resolves the owner of a discoverable credential.
type UserFinder interface {
	GetByID(ctx context.Context, id string) (*userdomain.User, error)
}

// Engine runs WebAuthn ceremonies. It holds no per-ceremony state; all state lives in the ledger and the stores.
type Engine struct {
	webAuthn           *webauthn.WebAuthn
	ledger             *challenge.Ledger
	users              UserFinder
	credentials        passkeyrepo.Repository
	audit              audit.AuditLogger
	events             telemetry.EventEmitter
	outcomes           metric.Int64Counter
	rpID               string
	userVerification   protocol.UserVerificationRequirement
	allowZeroSignCount bool
	nowF               func() time.Time
}

// New returns an Engine. auditLogger and events may be nil.
func New(cfg Config, ledger *challenge.Ledger, users UserFinder, credentials passkeyrepo.Repository, auditLogger audit.AuditLogger, events telemetry.EventEmitter) (*Engine, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	uv := protocol.VerificationPreferred
	wa, err := webauthn.New(&webauthn.Config{
		RPID:                  cfg.RPID,
		RPDisplayName:         cfg.RPDisplayName,
		RPOrigins:             cfg.RPOrigins,
		AttestationPreference: protocol.PreferNoAttestation,
		AuthenticatorSelection: protocol.AuthenticatorSelection{
			AuthenticatorAttachment: protocol.Platform,
			RequireResidentKey:      protocol.ResidentKeyRequired(),
			ResidentKey:             protocol.ResidentKeyRequirementRequired,
			UserVerification:        uv,
		},
		Timeouts: webauthn.TimeoutsConfig{
			Login:        webauthn.TimeoutConfig{Enforce: true, Timeout: timeout, TimeoutUVD: timeout},
			Registration: webauthn.TimeoutConfig{Enforce: true, Timeout: timeout, TimeoutUVD: timeout},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("ceremony: webauthn config: %w", err)
	}
	outcomes, err := otel.Meter("livre-auth/backend/internal/passkey/ceremony").Int64Counter(
		"auth.ceremony.outcomes",
		metric.WithDescription("WebAuthn ceremony finishes by ceremony and outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("ceremony: outcome counter: %w", err)
	}
	return &Engine{
		webAuthn:           wa,
		ledger:             ledger,
		users:              users,
		credentials:        credentials,
		audit:              auditLogger,
		events:             events,
		outcomes:           outcomes,
		rpID:               cfg.RPID,
		userVerification:   uv,
		allowZeroSignCount: cfg.AllowZeroSignCount,
		nowF:               time.Now,
	}, nil
}

// StartRegistration issues creation options for user and stores the ceremony in the user's slot.
// Existing passkeys are excluded so an authenticator cannot register twice.
func (e *Engine) StartRegistration(ctx context.Context, user *userdomain.User) (*protocol.CredentialCreation, error) {
	stored, err := e.credentials.ListByUser(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	pu := newPasskeyUser(user, stored)
	creation, session, err := e.webAuthn.BeginRegistration(pu,
		webauthn.WithExclusions(webauthn.Credentials(pu.credentials).CredentialDescriptors()),
		webauthn.WithCredentialParameters([]protocol.CredentialParameter{
			{Type: protocol.PublicKeyCredentialType, Algorithm: webauthncose.AlgES256},
			{Type: protocol.PublicKeyCredentialType, Algorithm: webauthncose.AlgRS256},
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("ceremony: begin registration: %w", err)
	}
	if err := e.ledger.Put(ctx, user.ID, session); err != nil {
		return nil, err
	}
	return creation, nil
}

// FinishRegistration verifies the attestation against the user's stored ceremony and persists the new passkey.
// The stored counter is the one reported in the attestation's authenticator data.
func (e *Engine) FinishRegistration(ctx context.Context, user *userdomain.User, label string, parsed *protocol.ParsedCredentialCreationData) (*passkeydomain.Credential, error) {
	slot, err := e.ledger.Open(user.CurrentChallenge)
	if err != nil {
		e.record(ctx, kindRegistration, "no_challenge")
		return nil, err
	}
	created, err := e.webAuthn.CreateCredential(newPasskeyUser(user, nil), slot.Session, parsed)
	if err != nil {
		e.record(ctx, kindRegistration, "verification_failed")
		return nil, fmt.Errorf("%w: %v", ErrVerificationFailed, err)
	}
	cred := fromWebAuthn(uuid.New().String(), user.ID, label, created)
	cred.CreatedAt = e.nowF().UTC()
	if err := cred.Validate(); err != nil {
		return nil, err
	}
	existing, err := e.credentials.GetByCredentialID(ctx, cred.CredentialID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		e.record(ctx, kindRegistration, "duplicate_credential")
		return nil, ErrCredentialExists
	}
	if err := e.ledger.Consume(ctx, user.ID, slot); err != nil {
		e.record(ctx, kindRegistration, "challenge_consumed")
		return nil, err
	}
	if err := e.credentials.Create(ctx, cred); err != nil {
		if errors.Is(err, passkeyrepo.ErrDuplicateCredential) {
			e.record(ctx, kindRegistration, "duplicate_credential")
			return nil, fmt.Errorf("%w: %w", ErrCredentialExists, err)
		}
		return nil, err
	}
	e.record(ctx, kindRegistration, "success")
	return cred, nil
}

// StartAuthentication issues request options for user's passkeys and stores the ceremony in the user's slot.
func (e *Engine) StartAuthentication(ctx context.Context, user *userdomain.User) (*protocol.CredentialAssertion, error) {
	stored, err := e.credentials.ListByUser(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	if len(stored) == 0 {
		return nil, ErrNoCredentials
	}
	assertion, session, err := e.webAuthn.BeginLogin(newPasskeyUser(user, stored), webauthn.WithUserVerification(e.userVerification))
	if err != nil {
		return nil, fmt.Errorf("ceremony: begin login: %w", err)
	}
	if err := e.ledger.Put(ctx, user.ID, session); err != nil {
		return nil, err
	}
	return assertion, nil
}

// FinishAuthentication verifies an assertion made with one of user's passkeys and advances its counter.
func (e *Engine) FinishAuthentication(ctx context.Context, user *userdomain.User, parsed *protocol.ParsedCredentialAssertionData) (*passkeydomain.Credential, error) {
	slot, err := e.ledger.Open(user.CurrentChallenge)
	if err != nil {
		e.record(ctx, kindAuthentication, "no_challenge")
		return nil, err
	}
	stored, err := e.credentials.ListByUser(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	var cred *passkeydomain.Credential
	for _, c := range stored {
		if string(c.CredentialID) == string(parsed.RawID) {
			cred = c
			break
		}
	}
	if cred == nil {
		e.record(ctx, kindAuthentication, "credential_not_found")
		return nil, ErrCredentialNotFound
	}
	if _, err := e.webAuthn.ValidateLogin(newPasskeyUser(user, stored), slot.Session, parsed); err != nil {
		e.record(ctx, kindAuthentication, "verification_failed")
		return nil, fmt.Errorf("%w: %v", ErrVerificationFailed, err)
	}
	return e.settle(ctx, kindAuthentication, cred, parsed, func(ctx context.Context) error {
		return e.ledger.Consume(ctx, user.ID, slot)
	})
}

// StartDiscoverable issues request options with an empty allow-list and returns the raw challenge,
// which the caller wraps in a correlation token.
func (e *Engine) StartDiscoverable(ctx context.Context) (*protocol.CredentialAssertion, string, error) {
	assertion, session, err := e.webAuthn.BeginDiscoverableLogin(webauthn.WithUserVerification(e.userVerification))
	if err != nil {
		return nil, "", fmt.Errorf("ceremony: begin discoverable login: %w", err)
	}
	return assertion, session.Challenge, nil
}

// FinishDiscoverable verifies a usernameless assertion against the correlation's challenge.
// The user is derived from the asserted credential, never from client input.
func (e *Engine) FinishDiscoverable(ctx context.Context, corr *challenge.Correlation, parsed *protocol.ParsedCredentialAssertionData) (*userdomain.User, *passkeydomain.Credential, error) {
	session := webauthn.SessionData{
		Challenge:        corr.Challenge,
		RelyingPartyID:   e.rpID,
		UserVerification: e.userVerification,
		Expires:          corr.ExpiresAt,
	}
	var (
		owner *userdomain.User
		cred  *passkeydomain.Credential
	)
	resolve := func(rawID, userHandle []byte) (webauthn.User, error) {
		c, err := e.credentials.GetByCredentialID(ctx, rawID)
		if err != nil {
			return nil, err
		}
		if c == nil || (len(userHandle) > 0 && string(userHandle) != c.UserID) {
			return nil, ErrCredentialNotFound
		}
		u, err := e.users.GetByID(ctx, c.UserID)
		if err != nil {
			return nil, err
		}
		if u == nil {
			return nil, ErrCredentialNotFound
		}
		stored, err := e.credentials.ListByUser(ctx, u.ID)
		if err != nil {
			return nil, err
		}
		owner, cred = u, c
		return newPasskeyUser(u, stored), nil
	}
	if _, err := e.webAuthn.ValidateDiscoverableLogin(resolve, session, parsed); err != nil {
		if cred == nil {
			e.record(ctx, kindDiscoverable, "credential_not_found")
			return nil, nil, fmt.Errorf("%w: %v", ErrCredentialNotFound, err)
		}
		e.record(ctx, kindDiscoverable, "verification_failed")
		return nil, nil, fmt.Errorf("%w: %v", ErrVerificationFailed, err)
	}
	settled, err := e.settle(ctx, kindDiscoverable, cred, parsed, func(ctx context.Context) error {
		return e.ledger.ConsumeCorrelation(ctx, corr)
	})
	if err != nil {
		return nil, nil, err
	}
	return owner, settled, nil
}

// settle applies the sign counter rule to a verified assertion, consumes the challenge and persists the counter.
func (e *Engine) settle(ctx context.Context, kind string, cred *passkeydomain.Credential, parsed *protocol.ParsedCredentialAssertionData, consume func(context.Context) error) (*passkeydomain.Credential, error) {
	presented := parsed.Response.AuthenticatorData.Counter
	zeroExempt := e.allowZeroSignCount && presented == 0 && cred.SignCount == 0
	if presented <= cred.SignCount && !zeroExempt {
		e.replaySuspected(ctx, kind, cred, presented)
		return nil, ErrReplaySuspected
	}
	if err := consume(ctx); err != nil {
		e.record(ctx, kind, "challenge_consumed")
		return nil, err
	}
	now := e.nowF().UTC()
	if !zeroExempt {
		ok, err := e.credentials.UpdateSignCount(ctx, cred.CredentialID, presented, now)
		if err != nil {
			return nil, err
		}
		if !ok {
			e.replaySuspected(ctx, kind, cred, presented)
			return nil, ErrReplaySuspected
		}
	}
	cred.SignCount = presented
	cred.LastUsedAt = &now
	e.record(ctx, kind, "success")
	return cred, nil
}

func (e *Engine) replaySuspected(ctx context.Context, kind string, cred *passkeydomain.Credential, presented uint32) {
	credID := base64.RawURLEncoding.EncodeToString(cred.CredentialID)
	log.Printf("ceremony: replay suspected (%s) user=%s credential=%s stored=%d presented=%d",
		kind, cred.UserID, credID, cred.SignCount, presented)
	stored := strconv.FormatUint(uint64(cred.SignCount), 10)
	got := strconv.FormatUint(uint64(presented), 10)
	if e.audit != nil {
		e.audit.LogEvent(ctx, cred.UserID, auditdomain.ActionReplaySuspected, "passkey",
			audit.Metadata("credential_id", credID, "stored_count", stored, "presented_count", got))
	}
	telemetry.EmitAsync(e.events, &telemetry.Event{
		Type:         auditdomain.ActionReplaySuspected,
		UserID:       cred.UserID,
		CredentialID: credID,
		Source:       "ceremony",
		Attributes:   map[string]string{"ceremony": kind, "stored_count": stored, "presented_count": got},
	})
	e.record(ctx, kind, "replay_suspected")
}

func (e *Engine) record(ctx context.Context, kind, outcome string) {
	e.outcomes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("ceremony", kind),
		attribute.String("outcome", outcome),
	))
}
