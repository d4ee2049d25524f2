package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/mail"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/google/uuid"

	"livre-auth/backend/internal/audit"
	auditdomain "livre-auth/backend/internal/audit/domain"
	"livre-auth/backend/internal/challenge"
	"livre-auth/backend/internal/passkey/ceremony"
	passkeydomain "livre-auth/backend/internal/passkey/domain"
	"livre-auth/backend/internal/security"
	"livre-auth/backend/internal/telemetry"
	userdomain "livre-auth/backend/internal/user/domain"
	userrepo "livre-auth/backend/internal/user/repository"
)

// Sentinel errors for the gateway; the HTTP handler maps them to error codes.
var (
	// ErrAuthenticationFailed covers every failed login or ceremony. The cause is logged, never returned to clients.
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrForbidden            = errors.New("access denied")
	ErrNotFound             = errors.New("not found")
	ErrInvalidEmail         = errors.New("invalid email")
	ErrInvalidPasskeyName   = errors.New("invalid passkey name")
)

// defaultPasskeyName labels a passkey registered without a name.
const defaultPasskeyName = "Passkey"

// AuthResponse is returned by every successful login.
type AuthResponse struct {
	UserID   string
	Username string
	Email    string
	Token    string
	// ExpiresIn is the access token lifetime in seconds.
	ExpiresIn int64
}

// UserRepo is the user repository subset needed by the gateway.
type UserRepo interface {
	GetByID(ctx context.Context, id string) (*userdomain.User, error)
	GetByEmail(ctx context.Context, email string) (*userdomain.User, error)
	GetByMagicLinkHash(ctx context.Context, hash string) (*userdomain.User, error)
	Create(ctx context.Context, u *userdomain.User) error
	SetMagicLink(ctx context.Context, userID, hash string, expiresAt time.Time) error
	ConsumeMagicLink(ctx context.Context, userID, hash string) (bool, error)
	SetLastLogout(ctx context.Context, userID string, at time.Time) error
}

// PasskeyRepo is the credential repository subset needed for passkey management.
type PasskeyRepo interface {
	GetByID(ctx context.Context, id string) (*passkeydomain.Credential, error)
	ListByUser(ctx context.Context, userID string) ([]*passkeydomain.Credential, error)
	Rename(ctx context.Context, id, userID, name string) (bool, error)
	Delete(ctx context.Context, id, userID string) (bool, error)
}

// Ceremonies runs WebAuthn ceremonies. Implemented by *ceremony.Engine.
type Ceremonies interface {
	StartRegistration(ctx context.Context, user *userdomain.User) (*protocol.CredentialCreation, error)
	FinishRegistration(ctx context.Context, user *userdomain.User, label string, parsed *protocol.ParsedCredentialCreationData) (*passkeydomain.Credential, error)
	StartAuthentication(ctx context.Context, user *userdomain.User) (*protocol.CredentialAssertion, error)
	FinishAuthentication(ctx context.Context, user *userdomain.User, parsed *protocol.ParsedCredentialAssertionData) (*passkeydomain.Credential, error)
	StartDiscoverable(ctx context.Context) (*protocol.CredentialAssertion, string, error)
	FinishDiscoverable(ctx context.Context, corr *challenge.Correlation, parsed *protocol.ParsedCredentialAssertionData) (*userdomain.User, *passkeydomain.Credential, error)
}

// Mailer sends the emails of the auth flows. Implementations should not block (see mail.Async).
type Mailer interface {
	SendMagicLink(ctx context.Context, to, link string, expiresAt time.Time) error
	SendPasskeyAdded(ctx context.Context, to, passkeyName string) error
	SendPasskeyRemoved(ctx context.Context, to, passkeyName string) error
}

// Config holds gateway settings.
type Config struct {
	// AppOrigin is the web origin magic links point to.
	AppOrigin    string
	MagicLinkTTL time.Duration
}

// AuthService is the authentication gateway: magic links, passkey logins and passkey management.
type AuthService struct {
	users        UserRepo
	passkeys     PasskeyRepo
	ceremonies   Ceremonies
	ledger       *challenge.Ledger
	tokens       *security.TokenCodec
	mailer       Mailer
	audit        audit.AuditLogger
	events       telemetry.EventEmitter
	appOrigin    string
	magicLinkTTL time.Duration
	nowF         func() time.Time
}

// NewAuthService returns an AuthService. auditLogger and events may be nil.
func NewAuthService(
	cfg Config,
	users UserRepo,
	passkeys PasskeyRepo,
	ceremonies Ceremonies,
	ledger *challenge.Ledger,
	tokens *security.TokenCodec,
	mailer Mailer,
	auditLogger audit.AuditLogger,
	events telemetry.EventEmitter,
) *AuthService {
	ttl := cfg.MagicLinkTTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &AuthService{
		users:        users,
		passkeys:     passkeys,
		ceremonies:   ceremonies,
		ledger:       ledger,
		tokens:       tokens,
		mailer:       mailer,
		audit:        auditLogger,
		events:       events,
		appOrigin:    strings.TrimRight(cfg.AppOrigin, "/"),
		magicLinkTTL: ttl,
		nowF:         time.Now,
	}
}

// RequestMagicLink finds or creates the user for email and mails a single-use sign-in link.
// Only the SHA-256 of the token is stored; the plaintext leaves the process in the email alone.
func (s *AuthService) RequestMagicLink(ctx context.Context, email string) error {
	email, err := NormalizeEmail(email)
	if err != nil {
		return err
	}
	user, err := s.findOrCreate(ctx, email)
	if err != nil {
		return err
	}
	token, err := security.NewOpaqueToken()
	if err != nil {
		return err
	}
	expiresAt := s.nowF().UTC().Add(s.magicLinkTTL)
	if err := s.users.SetMagicLink(ctx, user.ID, security.HashToken(token), expiresAt); err != nil {
		return err
	}
	link := s.appOrigin + "/auth/magic-link?token=" + url.QueryEscape(token)
	if err := s.mailer.SendMagicLink(ctx, user.Email, link, expiresAt); err != nil {
		log.Printf("auth: magic link mail for user %s: %v", user.ID, err)
	}
	s.logEvent(ctx, user.ID, auditdomain.ActionMagicLinkRequested, "magic_link", "")
	return nil
}

// VerifyMagicLink exchanges a magic-link token for an access token. Unknown, expired and already used
// tokens all fail with ErrAuthenticationFailed. An expired link is cleared on the way out.
func (s *AuthService) VerifyMagicLink(ctx context.Context, token string) (*AuthResponse, error) {
	if strings.TrimSpace(token) == "" {
		return nil, ErrAuthenticationFailed
	}
	hash := security.HashToken(token)
	user, err := s.users.GetByMagicLinkHash(ctx, hash)
	if err != nil {
		return nil, err
	}
	if user == nil {
		s.loginFailed(ctx, "", "magic_link", "unknown token")
		return nil, ErrAuthenticationFailed
	}
	live := user.HasLiveMagicLink(s.nowF())
	consumed, err := s.users.ConsumeMagicLink(ctx, user.ID, hash)
	if err != nil {
		return nil, err
	}
	if !live || !consumed {
		s.loginFailed(ctx, user.ID, "magic_link", "expired or already used")
		return nil, ErrAuthenticationFailed
	}
	return s.loginSucceeded(ctx, user, "magic_link")
}

// StartPasskeyRegistration issues creation options for the caller's own account.
// callerEmail is the authenticated principal's email; it must match email.
func (s *AuthService) StartPasskeyRegistration(ctx context.Context, callerEmail, email string) (*protocol.CredentialCreation, error) {
	user, err := s.ownAccount(ctx, callerEmail, email)
	if err != nil {
		return nil, err
	}
	creation, err := s.ceremonies.StartRegistration(ctx, user)
	if err != nil {
		return nil, s.ceremonyFailure(ctx, user.ID, "passkey_registration", err)
	}
	return creation, nil
}

// FinishPasskeyRegistration verifies the attestation and stores the passkey under name.
func (s *AuthService) FinishPasskeyRegistration(ctx context.Context, callerEmail, email, name string, parsed *protocol.ParsedCredentialCreationData) error {
	name, err := passkeyName(name)
	if err != nil {
		return err
	}
	user, err := s.ownAccount(ctx, callerEmail, email)
	if err != nil {
		return err
	}
	if parsed == nil {
		return s.ceremonyFailure(ctx, user.ID, "passkey_registration", ceremony.ErrVerificationFailed)
	}
	cred, err := s.ceremonies.FinishRegistration(ctx, user, name, parsed)
	if err != nil {
		return s.ceremonyFailure(ctx, user.ID, "passkey_registration", err)
	}
	s.logEvent(ctx, user.ID, auditdomain.ActionPasskeyRegistered, "passkey", audit.Metadata("passkey_id", cred.ID, "name", cred.Name))
	if err := s.mailer.SendPasskeyAdded(ctx, user.Email, cred.Name); err != nil {
		log.Printf("auth: passkey added mail for user %s: %v", user.ID, err)
	}
	return nil
}

// StartPasskeyLogin issues request options for the user's passkeys.
// An unknown email fails like any other authentication failure.
func (s *AuthService) StartPasskeyLogin(ctx context.Context, email string) (*protocol.CredentialAssertion, error) {
	user, err := s.userByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	assertion, err := s.ceremonies.StartAuthentication(ctx, user)
	if err != nil {
		return nil, s.ceremonyFailure(ctx, user.ID, "passkey", err)
	}
	return assertion, nil
}

// FinishPasskeyLogin verifies the assertion for the named user and issues an access token.
func (s *AuthService) FinishPasskeyLogin(ctx context.Context, email string, parsed *protocol.ParsedCredentialAssertionData) (*AuthResponse, error) {
	user, err := s.userByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if parsed == nil {
		return nil, s.ceremonyFailure(ctx, user.ID, "passkey", ceremony.ErrVerificationFailed)
	}
	if _, err := s.ceremonies.FinishAuthentication(ctx, user, parsed); err != nil {
		return nil, s.ceremonyFailure(ctx, user.ID, "passkey", err)
	}
	return s.loginSucceeded(ctx, user, "passkey")
}

// StartDiscoverableLogin issues usernameless request options and the correlation token carrying their challenge.
func (s *AuthService) StartDiscoverableLogin(ctx context.Context) (*protocol.CredentialAssertion, string, time.Time, error) {
	assertion, raw, err := s.ceremonies.StartDiscoverable(ctx)
	if err != nil {
		return nil, "", time.Time{}, err
	}
	token, expiresAt, err := s.ledger.IssueCorrelation(raw)
	if err != nil {
		return nil, "", time.Time{}, err
	}
	return assertion, token, expiresAt, nil
}

// FinishDiscoverableLogin verifies a usernameless assertion against the correlation token.
// An empty token fails with ErrAuthenticationFailed wrapping challenge.ErrChallengeMissing.
func (s *AuthService) FinishDiscoverableLogin(ctx context.Context, correlationToken string, parsed *protocol.ParsedCredentialAssertionData) (*AuthResponse, error) {
	corr, err := s.ledger.OpenCorrelation(correlationToken)
	if err != nil {
		return nil, s.ceremonyFailure(ctx, "", "passkey_discoverable", err)
	}
	if parsed == nil {
		return nil, s.ceremonyFailure(ctx, "", "passkey_discoverable", ceremony.ErrVerificationFailed)
	}
	user, _, err := s.ceremonies.FinishDiscoverable(ctx, corr, parsed)
	if err != nil {
		return nil, s.ceremonyFailure(ctx, "", "passkey_discoverable", err)
	}
	return s.loginSucceeded(ctx, user, "passkey_discoverable")
}

// ListPasskeys returns userID's passkeys. Only the owner may list them.
func (s *AuthService) ListPasskeys(ctx context.Context, callerID, userID string) ([]*passkeydomain.Credential, error) {
	if err := requireOwner(callerID, userID); err != nil {
		return nil, err
	}
	return s.passkeys.ListByUser(ctx, userID)
}

// RenamePasskey relabels one of userID's passkeys. Only the owner may rename; a blank name is ErrInvalidPasskeyName.
func (s *AuthService) RenamePasskey(ctx context.Context, callerID, userID, passkeyID, name string) error {
	if err := requireOwner(callerID, userID); err != nil {
		return err
	}
	name, err := renamedPasskey(name)
	if err != nil {
		return err
	}
	ok, err := s.passkeys.Rename(ctx, passkeyID, userID, name)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	s.logEvent(ctx, userID, auditdomain.ActionPasskeyRenamed, "passkey", audit.Metadata("passkey_id", passkeyID, "name", name))
	return nil
}

// DeletePasskey removes one of userID's passkeys and notifies the owner. Only the owner may delete.
func (s *AuthService) DeletePasskey(ctx context.Context, callerID, userID, passkeyID string) error {
	if err := requireOwner(callerID, userID); err != nil {
		return err
	}
	cred, err := s.passkeys.GetByID(ctx, passkeyID)
	if err != nil {
		return err
	}
	if cred == nil || cred.UserID != userID {
		return ErrNotFound
	}
	ok, err := s.passkeys.Delete(ctx, passkeyID, userID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	s.logEvent(ctx, userID, auditdomain.ActionPasskeyRemoved, "passkey", audit.Metadata("passkey_id", passkeyID, "name", cred.Name))
	user, err := s.users.GetByID(ctx, userID)
	if err == nil && user != nil {
		if err := s.mailer.SendPasskeyRemoved(ctx, user.Email, cred.Name); err != nil {
			log.Printf("auth: passkey removed mail for user %s: %v", user.ID, err)
		}
	}
	return nil
}

// Logout stamps last_logout_at so every token issued before now stops validating.
func (s *AuthService) Logout(ctx context.Context, userID string) error {
	if userID == "" {
		return ErrAuthenticationFailed
	}
	if err := s.users.SetLastLogout(ctx, userID, s.nowF().UTC()); err != nil {
		return err
	}
	s.logEvent(ctx, userID, auditdomain.ActionLogout, "session", "")
	return nil
}

// NormalizeEmail trims and lower-cases email and checks it is a bare address.
func NormalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return "", ErrInvalidEmail
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email || !strings.Contains(email[strings.IndexByte(email, '@')+1:], ".") {
		return "", ErrInvalidEmail
	}
	return email, nil
}

func (s *AuthService) findOrCreate(ctx context.Context, email string) (*userdomain.User, error) {
	existing, err := s.users.GetByEmail(ctx, email)
	if err != nil || existing != nil {
		return existing, err
	}
	now := s.nowF().UTC()
	user := &userdomain.User{
		ID:        uuid.New().String(),
		Email:     email,
		Username:  userdomain.UsernameFromEmail(email),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := user.Validate(); err != nil {
		return nil, err
	}
	if err := s.users.Create(ctx, user); err != nil {
		if errors.Is(err, userrepo.ErrEmailTaken) {
			// Lost a concurrent first request for the same email.
			return s.users.GetByEmail(ctx, email)
		}
		return nil, err
	}
	return user, nil
}

func (s *AuthService) userByEmail(ctx context.Context, email string) (*userdomain.User, error) {
	email, err := NormalizeEmail(email)
	if err != nil {
		return nil, ErrAuthenticationFailed
	}
	user, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if user == nil {
		s.loginFailed(ctx, "", "passkey", "unknown email")
		return nil, ErrAuthenticationFailed
	}
	return user, nil
}

func (s *AuthService) ownAccount(ctx context.Context, callerEmail, email string) (*userdomain.User, error) {
	user, err := s.userByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(strings.TrimSpace(callerEmail), user.Email) {
		return nil, ErrForbidden
	}
	return user, nil
}

func requireOwner(callerID, userID string) error {
	if callerID == "" || callerID != userID {
		return ErrForbidden
	}
	return nil
}

// passkeyName is the label stored at registration; a blank name gets the default.
func passkeyName(name string) (string, error) {
	if strings.TrimSpace(name) == "" {
		return defaultPasskeyName, nil
	}
	return renamedPasskey(name)
}

// renamedPasskey validates a new label. Blank names are rejected and length counts characters.
func renamedPasskey(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" || utf8.RuneCountInString(name) > passkeydomain.MaxNameLength {
		return "", ErrInvalidPasskeyName
	}
	return name, nil
}

// ceremonyFailure collapses known ceremony and challenge failures into ErrAuthenticationFailed.
// Anything else is a technical error and is returned as is.
func (s *AuthService) ceremonyFailure(ctx context.Context, userID, method string, err error) error {
	switch {
	case errors.Is(err, challenge.ErrNoChallenge),
		errors.Is(err, challenge.ErrChallengeConsumed),
		errors.Is(err, challenge.ErrChallengeMissing),
		errors.Is(err, challenge.ErrCorrelationInvalid),
		errors.Is(err, ceremony.ErrCredentialNotFound),
		errors.Is(err, ceremony.ErrVerificationFailed),
		errors.Is(err, ceremony.ErrReplaySuspected),
		errors.Is(err, ceremony.ErrNoCredentials),
		errors.Is(err, ceremony.ErrCredentialExists):
		s.loginFailed(ctx, userID, method, err.Error())
		return fmt.Errorf("%w: %w", ErrAuthenticationFailed, err)
	}
	return err
}

func (s *AuthService) loginSucceeded(ctx context.Context, user *userdomain.User, method string) (*AuthResponse, error) {
	token, _, err := s.tokens.IssueAccess(user.Email)
	if err != nil {
		return nil, err
	}
	s.logEvent(ctx, user.ID, auditdomain.ActionLoginSuccess, method, "")
	telemetry.EmitAsync(s.events, &telemetry.Event{
		Type:       auditdomain.ActionLoginSuccess,
		UserID:     user.ID,
		Source:     "gateway",
		Attributes: map[string]string{"method": method},
	})
	return &AuthResponse{
		UserID:    user.ID,
		Username:  user.Username,
		Email:     user.Email,
		Token:     token,
		ExpiresIn: int64(s.tokens.AccessTTL() / time.Second),
	}, nil
}

func (s *AuthService) loginFailed(ctx context.Context, userID, method, reason string) {
	log.Printf("auth: %s login failed user=%q: %s", method, userID, reason)
	s.logEvent(ctx, userID, auditdomain.ActionLoginFailure, method, audit.Metadata("reason", reason))
	telemetry.EmitAsync(s.events, &telemetry.Event{
		Type:       auditdomain.ActionLoginFailure,
		UserID:     userID,
		Source:     "gateway",
		Attributes: map[string]string{"method": method, "reason": reason},
	})
}

func (s *AuthService) logEvent(ctx context.Context, userID, action, resource, metadata string) {
	if s.audit != nil {
		s.audit.LogEvent(ctx, userID, action, resource, metadata)
	}
}
