// Package handler serves the /auth HTTP surface: magic links, passkey ceremonies, passkey management and the session probe.
package handler

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log"
	"math"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-webauthn/webauthn/protocol"

	"livre-auth/backend/internal/challenge"
	"livre-auth/backend/internal/identity/service"
	passkeydomain "livre-auth/backend/internal/passkey/domain"
	"livre-auth/backend/internal/server/httperr"
	"livre-auth/backend/internal/server/middleware"
)

// ChallengeCookie carries the discoverable-login correlation token between login start and finish.
const ChallengeCookie = "challenge_token"

// maxBodyBytes bounds request bodies; WebAuthn responses are a few KB.
const maxBodyBytes = 64 << 10

// AuthHandler adapts service.AuthService to HTTP.
type AuthHandler struct {
	svc          *service.AuthService
	cookieSecure bool
}

// NewAuthHandler returns an AuthHandler. cookieSecure sets the Secure attribute on the challenge cookie.
func NewAuthHandler(svc *service.AuthService, cookieSecure bool) *AuthHandler {
	return &AuthHandler{svc: svc, cookieSecure: cookieSecure}
}

// Mount registers the public routes on r and the routes needing a principal behind middleware.RequireAuthenticated.
func (h *AuthHandler) Mount(r chi.Router) {
	r.Post("/auth/magic-link/request", h.RequestMagicLink)
	r.Post("/auth/magic-link/verify", h.VerifyMagicLink)
	r.Post("/auth/passkey/login/start", h.StartPasskeyLogin)
	r.Post("/auth/passkey/login/finish", h.FinishPasskeyLogin)

	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireAuthenticated)
		r.Post("/auth/passkey/register/start", h.StartPasskeyRegistration)
		r.Post("/auth/passkey/register/finish", h.FinishPasskeyRegistration)
		r.Get("/auth/passkeys/{userId}", h.ListPasskeys)
		r.Put("/auth/passkeys/{userId}/{passkeyId}", h.RenamePasskey)
		r.Delete("/auth/passkeys/{userId}/{passkeyId}", h.DeletePasskey)
		r.Post("/auth/logout", h.Logout)
		r.Get("/auth/me", h.Me)
	})
}

type emailRequest struct {
	Email string `json:"email"`
}

type tokenRequest struct {
	Token string `json:"token"`
}

type registerFinishRequest struct {
	Email              string          `json:"email"`
	PasskeyName        string          `json:"passkeyName"`
	CredentialResponse json.RawMessage `json:"credentialResponse"`
}

type loginFinishRequest struct {
	CredentialResponse json.RawMessage `json:"credentialResponse"`
}

// renameRequest accepts passkeyName; name is kept as an alias.
type renameRequest struct {
	PasskeyName string `json:"passkeyName"`
	Name        string `json:"name"`
}

func (r renameRequest) label() string {
	if r.PasskeyName != "" {
		return r.PasskeyName
	}
	return r.Name
}

// AuthResponse is the body of every successful login.
type AuthResponse struct {
	UserID    string `json:"userId"`
	Username  string `json:"username"`
	Email     string `json:"email"`
	Token     string `json:"token"`
	ExpiresIn int64  `json:"expiresIn"`
}

// PasskeyResponse is one entry of the passkey list.
type PasskeyResponse struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	CreatedAt  time.Time  `json:"createdAt"`
	LastUsedAt *time.Time `json:"lastUsedAt,omitempty"`
}

// RequestMagicLink handles POST /auth/magic-link/request {email}. Always 200 with no body on a valid email.
func (h *AuthHandler) RequestMagicLink(w http.ResponseWriter, r *http.Request) {
	var req emailRequest
	if !decode(w, r, &req) {
		return
	}
	if err := h.svc.RequestMagicLink(r.Context(), req.Email); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// VerifyMagicLink handles POST /auth/magic-link/verify {token}.
func (h *AuthHandler) VerifyMagicLink(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if !decode(w, r, &req) {
		return
	}
	resp, err := h.svc.VerifyMagicLink(r.Context(), req.Token)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httperr.WriteJSON(w, http.StatusOK, toAuthResponse(resp))
}

// StartPasskeyRegistration handles POST /auth/passkey/register/start {email} for the authenticated caller.
func (h *AuthHandler) StartPasskeyRegistration(w http.ResponseWriter, r *http.Request) {
	p, _ := middleware.PrincipalFrom(r.Context())
	var req emailRequest
	if !decode(w, r, &req) {
		return
	}
	creation, err := h.svc.StartPasskeyRegistration(r.Context(), p.Email, req.Email)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httperr.WriteJSON(w, http.StatusOK, creation)
}

// FinishPasskeyRegistration handles POST /auth/passkey/register/finish {email, passkeyName, credentialResponse}.
func (h *AuthHandler) FinishPasskeyRegistration(w http.ResponseWriter, r *http.Request) {
	p, _ := middleware.PrincipalFrom(r.Context())
	var req registerFinishRequest
	if !decode(w, r, &req) {
		return
	}
	parsed, err := protocol.ParseCredentialCreationResponseBytes(req.CredentialResponse)
	if err != nil {
		httperr.Write(w, r, httperr.Validation)
		return
	}
	if err := h.svc.FinishPasskeyRegistration(r.Context(), p.Email, req.Email, req.PasskeyName, parsed); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// StartPasskeyLogin handles POST /auth/passkey/login/start?email=.
// Without email it starts a discoverable login and sets the challenge_token cookie.
func (h *AuthHandler) StartPasskeyLogin(w http.ResponseWriter, r *http.Request) {
	if email := r.URL.Query().Get("email"); email != "" {
		assertion, err := h.svc.StartPasskeyLogin(r.Context(), email)
		if err != nil {
			writeError(w, r, err)
			return
		}
		httperr.WriteJSON(w, http.StatusOK, assertion)
		return
	}
	assertion, token, expiresAt, err := h.svc.StartDiscoverableLogin(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	http.SetCookie(w, h.challengeCookie(token, expiresAt))
	httperr.WriteJSON(w, http.StatusOK, assertion)
}

// FinishPasskeyLogin handles POST /auth/passkey/login/finish?email= {credentialResponse}.
// The body may also be the bare credential response. Without email the challenge_token cookie is read and cleared.
func (h *AuthHandler) FinishPasskeyLogin(w http.ResponseWriter, r *http.Request) {
	raw, ok := readBody(w, r)
	if !ok {
		return
	}
	credential := raw
	var req loginFinishRequest
	if err := json.Unmarshal(raw, &req); err == nil && len(req.CredentialResponse) > 0 {
		credential = req.CredentialResponse
	}
	email := r.URL.Query().Get("email")
	if email == "" {
		// Single use either way.
		http.SetCookie(w, h.clearedChallengeCookie())
	}
	parsed, err := protocol.ParseCredentialRequestResponseBytes(credential)
	if err != nil {
		httperr.Write(w, r, httperr.Validation)
		return
	}

	var resp *service.AuthResponse
	if email != "" {
		resp, err = h.svc.FinishPasskeyLogin(r.Context(), email, parsed)
	} else {
		var token string
		if c, cerr := r.Cookie(ChallengeCookie); cerr == nil {
			token = c.Value
		}
		resp, err = h.svc.FinishDiscoverableLogin(r.Context(), token, parsed)
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	httperr.WriteJSON(w, http.StatusOK, toAuthResponse(resp))
}

// ListPasskeys handles GET /auth/passkeys/{userId}.
func (h *AuthHandler) ListPasskeys(w http.ResponseWriter, r *http.Request) {
	creds, err := h.svc.ListPasskeys(r.Context(), middleware.GetUserID(r.Context()), chi.URLParam(r, "userId"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]PasskeyResponse, 0, len(creds))
	for _, c := range creds {
		out = append(out, toPasskeyResponse(c))
	}
	httperr.WriteJSON(w, http.StatusOK, out)
}

// RenamePasskey handles PUT /auth/passkeys/{userId}/{passkeyId} {passkeyName}.
func (h *AuthHandler) RenamePasskey(w http.ResponseWriter, r *http.Request) {
	var req renameRequest
	if !decode(w, r, &req) {
		return
	}
	err := h.svc.RenamePasskey(r.Context(), middleware.GetUserID(r.Context()), chi.URLParam(r, "userId"), chi.URLParam(r, "passkeyId"), req.label())
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// DeletePasskey handles DELETE /auth/passkeys/{userId}/{passkeyId}.
func (h *AuthHandler) DeletePasskey(w http.ResponseWriter, r *http.Request) {
	err := h.svc.DeletePasskey(r.Context(), middleware.GetUserID(r.Context()), chi.URLParam(r, "userId"), chi.URLParam(r, "passkeyId"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// Logout handles POST /auth/logout. Every token of the caller issued up to now stops validating.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Logout(r.Context(), middleware.GetUserID(r.Context())); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// Me handles GET /auth/me and returns the principal.
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	p, _ := middleware.PrincipalFrom(r.Context())
	httperr.WriteJSON(w, http.StatusOK, p)
}

func (h *AuthHandler) challengeCookie(token string, expiresAt time.Time) *http.Cookie {
	maxAge := int(math.Round(time.Until(expiresAt).Seconds()))
	if maxAge <= 0 {
		maxAge = 1
	}
	return &http.Cookie{
		Name:     ChallengeCookie,
		Value:    token,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   h.cookieSecure,
		SameSite: http.SameSiteLaxMode,
	}
}

func (h *AuthHandler) clearedChallengeCookie() *http.Cookie {
	return &http.Cookie{
		Name:     ChallengeCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.cookieSecure,
		SameSite: http.SameSiteLaxMode,
	}
}

// writeError maps service and ceremony errors to the error catalog. Unknown errors are logged and reported as SYST.001.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, service.ErrAuthenticationFailed), errors.Is(err, challenge.ErrChallengeMissing):
		httperr.Write(w, r, httperr.AuthenticationFailed)
	case errors.Is(err, service.ErrForbidden):
		httperr.Write(w, r, httperr.Forbidden)
	case errors.Is(err, service.ErrNotFound):
		httperr.Write(w, r, httperr.NotFound)
	case errors.Is(err, service.ErrInvalidEmail), errors.Is(err, service.ErrInvalidPasskeyName):
		httperr.Write(w, r, httperr.Validation)
	default:
		log.Printf("auth: %s %s: %v", r.Method, r.URL.Path, err)
		httperr.Write(w, r, httperr.Technical)
	}
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil || len(bytes.TrimSpace(raw)) == 0 {
		httperr.Write(w, r, httperr.Validation)
		return nil, false
	}
	return raw, true
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	raw, ok := readBody(w, r)
	if !ok {
		return false
	}
	if err := json.Unmarshal(raw, v); err != nil {
		httperr.Write(w, r, httperr.Validation)
		return false
	}
	return true
}

func toAuthResponse(resp *service.AuthResponse) AuthResponse {
	return AuthResponse{
		UserID:    resp.UserID,
		Username:  resp.Username,
		Email:     resp.Email,
		Token:     resp.Token,
		ExpiresIn: resp.ExpiresIn,
	}
}

func toPasskeyResponse(c *passkeydomain.Credential) PasskeyResponse {
	return PasskeyResponse{ID: c.ID, Name: c.Name, CreatedAt: c.CreatedAt, LastUsedAt: c.LastUsedAt}
}
