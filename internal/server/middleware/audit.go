package middleware

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"livre-auth/backend/internal/audit"
)

// Audit records an audit row for authenticated requests the handler rejected (status >= 400), keyed by route.
// Successful calls are audited by the auth service with richer metadata. skipRoutes holds route patterns
// never audited (e.g. GET /auth/me). Best-effort: the logger logs its own failures.
func Audit(logger audit.AuditLogger, skipRoutes map[string]bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			if logger == nil || ww.Status() < http.StatusBadRequest {
				return
			}
			userID := GetUserID(r.Context())
			if userID == "" {
				return
			}
			pattern := routePattern(r)
			if pattern == "" || skipRoutes[pattern] {
				return
			}
			ar := audit.ParseRoute(r.Method, pattern)
			logger.LogEvent(r.Context(), userID, ar.Action, ar.Resource,
				audit.Metadata("status", strconv.Itoa(ww.Status()), "outcome", "rejected"))
		})
	}
}

func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return ""
	}
	return rctx.RoutePattern()
}
