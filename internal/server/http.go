// Package server builds the HTTP router: middleware chain, auth routes, health probes and dev-only routes.
package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"livre-auth/backend/internal/audit"
	healthhandler "livre-auth/backend/internal/health/handler"
	identityhandler "livre-auth/backend/internal/identity/handler"
	identityservice "livre-auth/backend/internal/identity/service"
	mailhandler "livre-auth/backend/internal/mail/handler"
	"livre-auth/backend/internal/security"
	"livre-auth/backend/internal/server/middleware"
	"livre-auth/backend/internal/telemetry"
)

// Deps holds the dependencies of the HTTP surface.
type Deps struct {
	// Auth is the authentication gateway. Required.
	Auth *identityservice.AuthService
	// Tokens validates bearer tokens in the request authenticator. Required.
	Tokens *security.TokenCodec
	// Users resolves token subjects. Required.
	Users middleware.UserLookup
	// CookieSecure sets Secure on the challenge_token cookie.
	CookieSecure bool
	// AuditLogger records rejected authenticated calls. If nil, the audit middleware is a no-op.
	AuditLogger audit.AuditLogger
	// Events receives one http_request event per request. If nil, no events are emitted.
	Events telemetry.EventEmitter
	// HealthPinger is used by /readyz (e.g. *sql.DB). If nil, readiness skips the ping.
	HealthPinger healthhandler.Pinger
	// DevMagicLinks serves GET /dev/mail/magic-link. If nil, the route is not registered.
	// Set only when MAIL_DEV_OUTBOX is enabled and not production.
	DevMagicLinks mailhandler.LinkSource
}

// Routes never audited or emitted as request events.
var quietRoutes = map[string]bool{
	"/healthz":             true,
	"/readyz":              true,
	"/auth/me":             true,
	"/dev/mail/magic-link": true,
}

// NewRouter returns the HTTP handler wrapped in otelhttp.
//
// Route → handler mapping:
//   - /auth/*              → internal/identity/handler
//   - /healthz, /readyz    → internal/health/handler
//   - /dev/mail/magic-link → internal/mail/handler
func NewRouter(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(middleware.ClientIP)
	r.Use(middleware.Authenticate(deps.Tokens, deps.Users))
	r.Use(middleware.Audit(deps.AuditLogger, quietRoutes))
	r.Use(middleware.Telemetry(deps.Events, quietRoutes))

	health := healthhandler.NewServer(deps.HealthPinger)
	r.Get("/healthz", health.Healthz)
	r.Get("/readyz", health.Readyz)

	identityhandler.NewAuthHandler(deps.Auth, deps.CookieSecure).Mount(r)

	if deps.DevMagicLinks != nil {
		r.Get("/dev/mail/magic-link", mailhandler.NewHandler(deps.DevMagicLinks).GetMagicLink)
	}
	return otelhttp.NewHandler(r, "livre-auth",
		otelhttp.WithSpanNameFormatter(func(operation string, req *http.Request) string {
			return operation + " " + req.Method
		}),
	)
}
