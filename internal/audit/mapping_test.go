package audit

import "testing"

func TestParseRoute_ListPasskeys(t *testing.T) {
	ar := ParseRoute("GET", "/auth/passkeys/{userId}")
	if ar.Action != "get" {
		t.Errorf("action = %q, want %q", ar.Action, "get")
	}
	if ar.Resource != "passkey" {
		t.Errorf("resource = %q, want %q", ar.Resource, "passkey")
	}
}

func TestParseRoute_Overrides(t *testing.T) {
	tests := []struct {
		method, pattern  string
		action, resource string
	}{
		{"PUT", "/auth/passkeys/{userId}/{passkeyId}", "passkey_renamed", "passkey"},
		{"delete", "/auth/passkeys/{userId}/{passkeyId}", "passkey_removed", "passkey"},
		{"POST", "/auth/logout", "logout", "session"},
	}
	for _, tt := range tests {
		ar := ParseRoute(tt.method, tt.pattern)
		if ar.Action != tt.action || ar.Resource != tt.resource {
			t.Errorf("ParseRoute(%q, %q) = %+v, want %s/%s", tt.method, tt.pattern, ar, tt.action, tt.resource)
		}
	}
}

func TestParseRoute_Fallbacks(t *testing.T) {
	ar := ParseRoute("GET", "/auth/me")
	if ar.Action != "get" || ar.Resource != "me" {
		t.Errorf("ParseRoute(/auth/me) = %+v", ar)
	}
	ar = ParseRoute("OPTIONS", "/{id}")
	if ar.Action != "options" || ar.Resource != "unknown" {
		t.Errorf("ParseRoute(OPTIONS /{id}) = %+v", ar)
	}
	ar = ParseRoute("", "")
	if ar.Action != "unknown" || ar.Resource != "unknown" {
		t.Errorf("ParseRoute(empty) = %+v", ar)
	}
}
