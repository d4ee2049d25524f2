package audit

import "strings"

// ActionResource holds action and resource derived from an HTTP method and route pattern.
type ActionResource struct {
	Action   string
	Resource string
}

// Route overrides for passkey management: audited as passkey_renamed and passkey_removed on resource "passkey".
var routeOverrides = map[string]ActionResource{
	"PUT /auth/passkeys/{userId}/{passkeyId}":    {Action: "passkey_renamed", Resource: "passkey"},
	"DELETE /auth/passkeys/{userId}/{passkeyId}": {Action: "passkey_removed", Resource: "passkey"},
	"POST /auth/logout":                          {Action: "logout", Resource: "session"},
}

// ParseRoute returns action and resource for an HTTP method and route pattern (e.g. GET /auth/passkeys/{userId}).
// Action is a verb derived from the method: get, create, update, delete, or the lowercase method for others.
// Resource is the last static path segment, singularized (passkeys -> passkey).
func ParseRoute(method, pattern string) ActionResource {
	method = strings.ToUpper(method)
	if ar, ok := routeOverrides[method+" "+pattern]; ok {
		return ar
	}
	return ActionResource{Action: methodToAction(method), Resource: patternToResource(pattern)}
}

func patternToResource(pattern string) string {
	segments := strings.Split(strings.Trim(pattern, "/"), "/")
	for i := len(segments) - 1; i >= 0; i-- {
		s := segments[i]
		if s == "" || strings.HasPrefix(s, "{") {
			continue
		}
		s = strings.ToLower(s)
		if len(s) > 1 && strings.HasSuffix(s, "s") {
			s = strings.TrimSuffix(s, "s")
		}
		return s
	}
	return "unknown"
}

func methodToAction(method string) string {
	switch method {
	case "GET", "HEAD":
		return "get"
	case "POST":
		return "create"
	case "PUT", "PATCH":
		return "update"
	case "DELETE":
		return "delete"
	case "":
		return "unknown"
	default:
		return strings.ToLower(method)
	}
}
