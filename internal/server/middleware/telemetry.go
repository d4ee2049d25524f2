package middleware

import (
	"net/http"
	"strconv"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"

	"livre-auth/backend/internal/telemetry"
)

// Telemetry emits an http_request event after each request. Best-effort and asynchronous.
// If emitter is nil the middleware only passes through. skipRoutes holds route patterns not emitted (e.g. /healthz).
func Telemetry(emitter telemetry.EventEmitter, skipRoutes map[string]bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if emitter == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			pattern := routePattern(r)
			if skipRoutes[pattern] {
				return
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			telemetry.EmitAsync(emitter, &telemetry.Event{
				Type:   "http_request",
				UserID: GetUserID(r.Context()),
				Source: "http_middleware",
				Attributes: map[string]string{
					"method":      r.Method,
					"route":       pattern,
					"status_code": strconv.Itoa(status),
					"duration_ms": strconv.FormatInt(time.Since(start).Milliseconds(), 10),
					"client_ip":   ClientIPFromContext(r.Context()),
				},
			})
		})
	}
}
