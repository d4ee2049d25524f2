package service

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/descope/virtualwebauthn"
	"github.com/go-webauthn/webauthn/protocol"

	"livre-auth/backend/internal/audit"
	auditdomain "livre-auth/backend/internal/audit/domain"
	auditrepo "livre-auth/backend/internal/audit/repository"
	"livre-auth/backend/internal/challenge"
	markerrepo "livre-auth/backend/internal/challenge/repository"
	"livre-auth/backend/internal/mail"
	"livre-auth/backend/internal/passkey/ceremony"
	passkeydomain "livre-auth/backend/internal/passkey/domain"
	passkeyrepo "livre-auth/backend/internal/passkey/repository"
	"livre-auth/backend/internal/security"
	userdomain "livre-auth/backend/internal/user/domain"
	userrepo "livre-auth/backend/internal/user/repository"
)

const (
	testOrigin = "https://livre.example"
	testRPID   = "livre.example"
	aliceEmail = "alice@example.com"
)

type fixture struct {
	svc    *AuthService
	users  *userrepo.MemoryRepository
	creds  *passkeyrepo.MemoryRepository
	audits *auditrepo.MemoryRepository
	outbox *mail.Outbox
	codec  *security.TokenCodec
	ledger *challenge.Ledger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	codec, err := security.NewTestTokenCodec()
	if err != nil {
		t.Fatalf("NewTestTokenCodec: %v", err)
	}
	users := userrepo.NewMemoryRepository()
	creds := passkeyrepo.NewMemoryRepository()
	audits := auditrepo.NewMemoryRepository()
	auditLogger := audit.NewLogger(audits, nil)
	ledger := challenge.NewLedger(users, markerrepo.NewMemoryStore(), codec, 5*time.Minute)
	engine, err := ceremony.New(ceremony.Config{
		RPID:          testRPID,
		RPDisplayName: "Livre",
		RPOrigins:     []string{testOrigin},
		Timeout:       5 * time.Minute,
	}, ledger, users, creds, auditLogger, nil)
	if err != nil {
		t.Fatalf("ceremony.New: %v", err)
	}
	outbox := mail.NewOutbox()
	svc := NewAuthService(Config{AppOrigin: testOrigin + "/", MagicLinkTTL: 15 * time.Minute},
		users, creds, engine, ledger, codec, outbox, auditLogger, nil)
	return &fixture{svc: svc, users: users, creds: creds, audits: audits, outbox: outbox, codec: codec, ledger: ledger}
}

func (f *fixture) magicToken(t *testing.T, email string) string {
	t.Helper()
	link, ok := f.outbox.MagicLink(email)
	if !ok {
		t.Fatalf("no magic link mailed to %s", email)
	}
	if !strings.HasPrefix(link, testOrigin+"/auth/magic-link?token=") {
		t.Fatalf("link = %q", link)
	}
	u, err := url.Parse(link)
	if err != nil {
		t.Fatalf("parse link: %v", err)
	}
	return u.Query().Get("token")
}

func (f *fixture) login(t *testing.T, email string) *AuthResponse {
	t.Helper()
	ctx := context.Background()
	if err := f.svc.RequestMagicLink(ctx, email); err != nil {
		t.Fatalf("RequestMagicLink: %v", err)
	}
	resp, err := f.svc.VerifyMagicLink(ctx, f.magicToken(t, email))
	if err != nil {
		t.Fatalf("VerifyMagicLink: %v", err)
	}
	return resp
}

func hasAction(actions []string, want string) bool {
	for _, a := range actions {
		if a == want {
			return true
		}
	}
	return false
}

func TestMagicLink_RoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.svc.RequestMagicLink(ctx, "  Alice@Example.com "); err != nil {
		t.Fatalf("RequestMagicLink: %v", err)
	}
	u, err := f.users.GetByEmail(ctx, aliceEmail)
	if err != nil || u == nil {
		t.Fatalf("user not created: %v", err)
	}
	if u.Username != "alice" {
		t.Errorf("Username = %q, want alice", u.Username)
	}
	token := f.magicToken(t, aliceEmail)
	if u.MagicLinkTokenHash != security.HashToken(token) {
		t.Error("stored hash must be the SHA-256 of the mailed token")
	}
	if u.MagicLinkTokenHash == token {
		t.Error("plaintext token must not be stored")
	}

	resp, err := f.svc.VerifyMagicLink(ctx, token)
	if err != nil {
		t.Fatalf("VerifyMagicLink: %v", err)
	}
	if resp.Email != aliceEmail || resp.UserID != u.ID || resp.Username != "alice" {
		t.Errorf("response = %+v", resp)
	}
	if resp.ExpiresIn != 3600 {
		t.Errorf("ExpiresIn = %d, want 3600", resp.ExpiresIn)
	}
	claims, err := f.codec.Validate(resp.Token)
	if err != nil {
		t.Fatalf("Validate token: %v", err)
	}
	if claims.Subject != aliceEmail {
		t.Errorf("sub = %q, want %q", claims.Subject, aliceEmail)
	}

	if _, err := f.svc.VerifyMagicLink(ctx, token); !errors.Is(err, ErrAuthenticationFailed) {
		t.Errorf("second verify err = %v, want ErrAuthenticationFailed", err)
	}
	actions := f.audits.Actions()
	for _, want := range []string{auditdomain.ActionMagicLinkRequested, auditdomain.ActionLoginSuccess, auditdomain.ActionLoginFailure} {
		if !hasAction(actions, want) {
			t.Errorf("audit actions %v missing %s", actions, want)
		}
	}
}

func TestRequestMagicLink_ReusesExistingUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.svc.RequestMagicLink(ctx, aliceEmail); err != nil {
		t.Fatal(err)
	}
	first := f.magicToken(t, aliceEmail)
	u1, _ := f.users.GetByEmail(ctx, aliceEmail)
	if err := f.svc.RequestMagicLink(ctx, aliceEmail); err != nil {
		t.Fatal(err)
	}
	second := f.magicToken(t, aliceEmail)
	u2, _ := f.users.GetByEmail(ctx, aliceEmail)
	if u1.ID != u2.ID {
		t.Error("second request must reuse the user")
	}
	if first == second {
		t.Error("each request must mint a fresh token")
	}
	if _, err := f.svc.VerifyMagicLink(ctx, first); !errors.Is(err, ErrAuthenticationFailed) {
		t.Errorf("superseded token err = %v, want ErrAuthenticationFailed", err)
	}
	if _, err := f.svc.VerifyMagicLink(ctx, second); err != nil {
		t.Errorf("latest token: %v", err)
	}
}

func TestRequestMagicLink_InvalidEmail(t *testing.T) {
	f := newFixture(t)
	for _, email := range []string{"", "   ", "not-an-email", "Alice <alice@example.com>", "alice@localhost"} {
		if err := f.svc.RequestMagicLink(context.Background(), email); !errors.Is(err, ErrInvalidEmail) {
			t.Errorf("RequestMagicLink(%q) err = %v, want ErrInvalidEmail", email, err)
		}
	}
}

func TestVerifyMagicLink_Expired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.svc.RequestMagicLink(ctx, aliceEmail); err != nil {
		t.Fatal(err)
	}
	token := f.magicToken(t, aliceEmail)
	f.svc.nowF = func() time.Time { return time.Now().Add(16 * time.Minute) }

	if _, err := f.svc.VerifyMagicLink(ctx, token); !errors.Is(err, ErrAuthenticationFailed) {
		t.Fatalf("err = %v, want ErrAuthenticationFailed", err)
	}
	u, _ := f.users.GetByEmail(ctx, aliceEmail)
	if u.MagicLinkTokenHash != "" || u.MagicLinkExpiresAt != nil {
		t.Error("expired link must be cleared")
	}
}

func TestVerifyMagicLink_UnknownAndEmpty(t *testing.T) {
	f := newFixture(t)
	for _, token := range []string{"", "unknown-token"} {
		if _, err := f.svc.VerifyMagicLink(context.Background(), token); !errors.Is(err, ErrAuthenticationFailed) {
			t.Errorf("VerifyMagicLink(%q) err = %v, want ErrAuthenticationFailed", token, err)
		}
	}
}

func TestPasskeyLogin_UnknownEmailFailsUniformly(t *testing.T) {
	f := newFixture(t)
	if _, err := f.svc.StartPasskeyLogin(context.Background(), "nobody@example.com"); !errors.Is(err, ErrAuthenticationFailed) {
		t.Errorf("err = %v, want ErrAuthenticationFailed", err)
	}
}

func TestPasskeyLogin_NoCredentials(t *testing.T) {
	f := newFixture(t)
	f.login(t, aliceEmail)
	_, err := f.svc.StartPasskeyLogin(context.Background(), aliceEmail)
	if !errors.Is(err, ErrAuthenticationFailed) || !errors.Is(err, ceremony.ErrNoCredentials) {
		t.Errorf("err = %v, want ErrAuthenticationFailed wrapping ErrNoCredentials", err)
	}
}

func TestPasskeyRegistration_RequiresOwnEmail(t *testing.T) {
	f := newFixture(t)
	f.login(t, aliceEmail)
	f.login(t, "bob@example.com")
	ctx := context.Background()

	if _, err := f.svc.StartPasskeyRegistration(ctx, "bob@example.com", aliceEmail); !errors.Is(err, ErrForbidden) {
		t.Errorf("err = %v, want ErrForbidden", err)
	}
	if _, err := f.svc.StartPasskeyRegistration(ctx, aliceEmail, "ghost@example.com"); !errors.Is(err, ErrAuthenticationFailed) {
		t.Errorf("unknown email err = %v, want ErrAuthenticationFailed", err)
	}
	if err := f.svc.FinishPasskeyRegistration(ctx, aliceEmail, aliceEmail, strings.Repeat("x", 101), nil); !errors.Is(err, ErrInvalidPasskeyName) {
		t.Errorf("long name err = %v, want ErrInvalidPasskeyName", err)
	}
}

func TestDiscoverableLogin_MissingOrForgedToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.FinishDiscoverableLogin(ctx, "", nil)
	if !errors.Is(err, ErrAuthenticationFailed) || !errors.Is(err, challenge.ErrChallengeMissing) {
		t.Errorf("missing token err = %v", err)
	}
	// A valid access token is not a correlation token.
	resp := f.login(t, aliceEmail)
	_, err = f.svc.FinishDiscoverableLogin(ctx, resp.Token, nil)
	if !errors.Is(err, ErrAuthenticationFailed) || !errors.Is(err, challenge.ErrCorrelationInvalid) {
		t.Errorf("access token as correlation err = %v", err)
	}
}

// register runs a full registration through the gateway and returns the virtual credential.
func register(t *testing.T, f *fixture, rp virtualwebauthn.RelyingParty, authenticator *virtualwebauthn.Authenticator, name string) virtualwebauthn.Credential {
	t.Helper()
	ctx := context.Background()
	creation, err := f.svc.StartPasskeyRegistration(ctx, aliceEmail, aliceEmail)
	if err != nil {
		t.Fatalf("StartPasskeyRegistration: %v", err)
	}
	optionsJSON, _ := json.Marshal(creation.Response)
	options, err := virtualwebauthn.ParseAttestationOptions(string(optionsJSON))
	if err != nil {
		t.Fatalf("ParseAttestationOptions: %v", err)
	}
	credential := virtualwebauthn.NewCredential(virtualwebauthn.KeyTypeEC2)
	response := virtualwebauthn.CreateAttestationResponse(rp, *authenticator, credential, *options)
	parsed, err := protocol.ParseCredentialCreationResponseBytes([]byte(response))
	if err != nil {
		t.Fatalf("parse attestation: %v", err)
	}
	if err := f.svc.FinishPasskeyRegistration(ctx, aliceEmail, aliceEmail, name, parsed); err != nil {
		t.Fatalf("FinishPasskeyRegistration: %v", err)
	}
	authenticator.AddCredential(credential)
	return credential
}

func assertionFor(t *testing.T, rp virtualwebauthn.RelyingParty, authenticator virtualwebauthn.Authenticator, credential virtualwebauthn.Credential, assertion *protocol.CredentialAssertion) *protocol.ParsedCredentialAssertionData {
	t.Helper()
	optionsJSON, _ := json.Marshal(assertion.Response)
	options, err := virtualwebauthn.ParseAssertionOptions(string(optionsJSON))
	if err != nil {
		t.Fatalf("ParseAssertionOptions: %v", err)
	}
	response := virtualwebauthn.CreateAssertionResponse(rp, authenticator, credential, *options)
	parsed, err := protocol.ParseCredentialRequestResponseBytes([]byte(response))
	if err != nil {
		t.Fatalf("parse assertion: %v", err)
	}
	return parsed
}

func TestPasskey_RegisterLoginAndDiscoverable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.login(t, aliceEmail)
	rp := virtualwebauthn.RelyingParty{Name: "Livre", ID: testRPID, Origin: testOrigin}
	authenticator := virtualwebauthn.NewAuthenticatorWithOptions(virtualwebauthn.AuthenticatorOptions{
		UserHandle: []byte(alice.UserID),
	})
	credential := register(t, f, rp, &authenticator, "")

	list, err := f.svc.ListPasskeys(ctx, alice.UserID, alice.UserID)
	if err != nil || len(list) != 1 {
		t.Fatalf("ListPasskeys = %v, %v", list, err)
	}
	if list[0].Name != "Passkey" {
		t.Errorf("default name = %q, want Passkey", list[0].Name)
	}

	assertion, err := f.svc.StartPasskeyLogin(ctx, aliceEmail)
	if err != nil {
		t.Fatalf("StartPasskeyLogin: %v", err)
	}
	credential.Counter = 1
	resp, err := f.svc.FinishPasskeyLogin(ctx, aliceEmail, assertionFor(t, rp, authenticator, credential, assertion))
	if err != nil {
		t.Fatalf("FinishPasskeyLogin: %v", err)
	}
	if resp.UserID != alice.UserID || resp.Token == "" {
		t.Errorf("response = %+v", resp)
	}

	discoverable, token, expiresAt, err := f.svc.StartDiscoverableLogin(ctx)
	if err != nil {
		t.Fatalf("StartDiscoverableLogin: %v", err)
	}
	if token == "" || !expiresAt.After(time.Now()) {
		t.Fatalf("token = %q expiresAt = %v", token, expiresAt)
	}
	credential.Counter = 2
	parsed := assertionFor(t, rp, authenticator, credential, discoverable)
	resp, err = f.svc.FinishDiscoverableLogin(ctx, token, parsed)
	if err != nil {
		t.Fatalf("FinishDiscoverableLogin: %v", err)
	}
	if resp.Email != aliceEmail {
		t.Errorf("discoverable email = %q", resp.Email)
	}

	credential.Counter = 3
	_, err = f.svc.FinishDiscoverableLogin(ctx, token, assertionFor(t, rp, authenticator, credential, discoverable))
	if !errors.Is(err, ErrAuthenticationFailed) || !errors.Is(err, challenge.ErrChallengeConsumed) {
		t.Errorf("reused correlation err = %v", err)
	}
}

func seedCredential(t *testing.T, f *fixture, id, userID, name string) {
	t.Helper()
	err := f.creds.Create(context.Background(), &passkeydomain.Credential{
		ID:           id,
		CredentialID: []byte("cred-" + id),
		UserID:       userID,
		PublicKey:    []byte{1, 2, 3},
		Name:         name,
		CreatedAt:    time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("seed credential: %v", err)
	}
}

func TestPasskeyManagement_OwnerOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.login(t, aliceEmail)
	bob := f.login(t, "bob@example.com")
	seedCredential(t, f, "pk-1", alice.UserID, "Laptop")

	if _, err := f.svc.ListPasskeys(ctx, bob.UserID, alice.UserID); !errors.Is(err, ErrForbidden) {
		t.Errorf("list err = %v, want ErrForbidden", err)
	}
	if err := f.svc.RenamePasskey(ctx, bob.UserID, alice.UserID, "pk-1", "Mine"); !errors.Is(err, ErrForbidden) {
		t.Errorf("rename err = %v, want ErrForbidden", err)
	}
	if err := f.svc.DeletePasskey(ctx, bob.UserID, alice.UserID, "pk-1"); !errors.Is(err, ErrForbidden) {
		t.Errorf("delete err = %v, want ErrForbidden", err)
	}
	// Bob cannot reach Alice's passkey through his own user id either.
	if err := f.svc.DeletePasskey(ctx, bob.UserID, bob.UserID, "pk-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("cross-user delete err = %v, want ErrNotFound", err)
	}

	if err := f.svc.RenamePasskey(ctx, alice.UserID, alice.UserID, "pk-1", "  Phone  "); err != nil {
		t.Fatalf("RenamePasskey: %v", err)
	}
	c, _ := f.creds.GetByID(ctx, "pk-1")
	if c.Name != "Phone" {
		t.Errorf("Name = %q, want Phone", c.Name)
	}
	if err := f.svc.RenamePasskey(ctx, alice.UserID, alice.UserID, "pk-1", strings.Repeat("n", 101)); !errors.Is(err, ErrInvalidPasskeyName) {
		t.Errorf("long rename err = %v", err)
	}
	for _, blank := range []string{"", "   "} {
		if err := f.svc.RenamePasskey(ctx, alice.UserID, alice.UserID, "pk-1", blank); !errors.Is(err, ErrInvalidPasskeyName) {
			t.Errorf("blank rename %q err = %v, want ErrInvalidPasskeyName", blank, err)
		}
	}
	if c, _ := f.creds.GetByID(ctx, "pk-1"); c.Name != "Phone" {
		t.Errorf("Name after rejected renames = %q, want Phone", c.Name)
	}
	if err := f.svc.DeletePasskey(ctx, alice.UserID, alice.UserID, "pk-1"); err != nil {
		t.Fatalf("DeletePasskey: %v", err)
	}
	if err := f.svc.DeletePasskey(ctx, alice.UserID, alice.UserID, "pk-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete err = %v, want ErrNotFound", err)
	}
	actions := f.audits.Actions()
	if !hasAction(actions, auditdomain.ActionPasskeyRenamed) || !hasAction(actions, auditdomain.ActionPasskeyRemoved) {
		t.Errorf("audit actions = %v", actions)
	}
}

func TestLogout_StampsLastLogout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.login(t, aliceEmail)
	if err := f.svc.Logout(ctx, alice.UserID); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	u, _ := f.users.GetByID(ctx, alice.UserID)
	if u.LastLogoutAt == nil {
		t.Fatal("LastLogoutAt not set")
	}
	if err := f.svc.Logout(ctx, ""); !errors.Is(err, ErrAuthenticationFailed) {
		t.Errorf("anonymous logout err = %v", err)
	}
}

type failingCeremonies struct {
	Ceremonies
	err error
}

func (c failingCeremonies) StartAuthentication(ctx context.Context, user *userdomain.User) (*protocol.CredentialAssertion, error) {
	return nil, c.err
}

func TestCeremonyFailure_TechnicalErrorsPassThrough(t *testing.T) {
	f := newFixture(t)
	f.login(t, aliceEmail)
	boom := errors.New("database unavailable")
	f.svc.ceremonies = failingCeremonies{err: boom}

	_, err := f.svc.StartPasskeyLogin(context.Background(), aliceEmail)
	if !errors.Is(err, boom) || errors.Is(err, ErrAuthenticationFailed) {
		t.Errorf("err = %v, want the technical error unwrapped", err)
	}

	for _, known := range []error{ceremony.ErrReplaySuspected, ceremony.ErrCredentialExists} {
		f.svc.ceremonies = failingCeremonies{err: known}
		_, err = f.svc.StartPasskeyLogin(context.Background(), aliceEmail)
		if !errors.Is(err, ErrAuthenticationFailed) {
			t.Errorf("err = %v, want ErrAuthenticationFailed", err)
		}
	}
}

func TestPasskeyName_CountsCharacters(t *testing.T) {
	if got, err := passkeyName("  "); err != nil || got != defaultPasskeyName {
		t.Errorf("passkeyName(blank) = %q, %v; want default", got, err)
	}
	long := strings.Repeat("日", 100)
	if got, err := passkeyName(long); err != nil || got != long {
		t.Errorf("passkeyName(100 runes) = %v", err)
	}
	if _, err := renamedPasskey(strings.Repeat("日", 101)); !errors.Is(err, ErrInvalidPasskeyName) {
		t.Errorf("renamedPasskey(101 runes) err = %v", err)
	}
	if _, err := renamedPasskey(""); !errors.Is(err, ErrInvalidPasskeyName) {
		t.Errorf("renamedPasskey(blank) err = %v", err)
	}
}

func TestNormalizeEmail(t *testing.T) {
	got, err := NormalizeEmail("  Bob@Example.COM ")
	if err != nil || got != "bob@example.com" {
		t.Errorf("NormalizeEmail = %q, %v", got, err)
	}
}
