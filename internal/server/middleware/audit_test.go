package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"livre-auth/backend/internal/audit"
	auditrepo "livre-auth/backend/internal/audit/repository"
)

func auditRouter(repo *auditrepo.MemoryRepository, status int, principal bool) http.Handler {
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if principal {
				req = req.WithContext(WithPrincipal(req.Context(), Principal{ID: "user-1"}))
			}
			next.ServeHTTP(w, req)
		})
	})
	r.Use(Audit(audit.NewLogger(repo, ClientIPFromContext), map[string]bool{"/auth/me": true}))
	h := func(w http.ResponseWriter, req *http.Request) { w.WriteHeader(status) }
	r.Put("/auth/passkeys/{userId}/{passkeyId}", h)
	r.Get("/auth/me", h)
	return r
}

func TestAudit_RejectedAuthenticatedCall(t *testing.T) {
	repo := auditrepo.NewMemoryRepository()
	rec := httptest.NewRecorder()
	auditRouter(repo, http.StatusForbidden, true).ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/auth/passkeys/user-2/pk-1", nil))

	logs, err := repo.ListByUser(t.Context(), "user-1", 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(logs) != 1 {
		t.Fatalf("audit entries = %d, want 1", len(logs))
	}
	if logs[0].Action != "passkey_renamed" || logs[0].Resource != "passkey" {
		t.Errorf("entry = %+v", logs[0])
	}
	if !strings.Contains(logs[0].Metadata, `"status":"403"`) {
		t.Errorf("metadata = %q", logs[0].Metadata)
	}
}

func TestAudit_SkipsSuccessAnonymousAndSkipped(t *testing.T) {
	testCases := []struct {
		name      string
		method    string
		path      string
		status    int
		principal bool
	}{
		{"success", http.MethodPut, "/auth/passkeys/user-1/pk-1", http.StatusOK, true},
		{"anonymous", http.MethodPut, "/auth/passkeys/user-1/pk-1", http.StatusForbidden, false},
		{"skipped route", http.MethodGet, "/auth/me", http.StatusInternalServerError, true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			repo := auditrepo.NewMemoryRepository()
			auditRouter(repo, tc.status, tc.principal).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(tc.method, tc.path, nil))
			if n := len(repo.Actions()); n != 0 {
				t.Errorf("audit entries = %d, want 0", n)
			}
		})
	}
}
