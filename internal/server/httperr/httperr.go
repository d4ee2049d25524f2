// Package httperr writes API errors as JSON {code, description} with a stable error code.
package httperr

import (
	"encoding/json"
	"log"
	"net/http"
)

// Error is one client-visible error. Description never carries internal detail.
type Error struct {
	Status      int    `json:"-"`
	Code        string `json:"code"`
	Description string `json:"description"`
}

func (e Error) Error() string {
	return e.Code + " " + e.Description
}

// Error catalog.
var (
	AuthenticationFailed = Error{Status: http.StatusForbidden, Code: "AUTH.001", Description: "Authentication failed"}
	Unauthorized         = Error{Status: http.StatusUnauthorized, Code: "AUTH.002", Description: "Unauthorized"}
	JWTInvalid           = Error{Status: http.StatusUnauthorized, Code: "AUTH.003", Description: "Invalid JWT token"}
	JWTExpired           = Error{Status: http.StatusUnauthorized, Code: "AUTH.004", Description: "JWT token expired"}
	NotFound             = Error{Status: http.StatusNotFound, Code: "USER.001", Description: "User not found"}
	Forbidden            = Error{Status: http.StatusForbidden, Code: "USER.004", Description: "Access denied"}
	Technical            = Error{Status: http.StatusInternalServerError, Code: "SYST.001", Description: "An unexpected exception occurred"}
	Validation           = Error{Status: http.StatusBadRequest, Code: "SYST.002", Description: "Validation failed"}
)

// Write writes e as JSON. The request Origin is echoed so browsers can read the body of a rejected
// cross-origin call.
func Write(w http.ResponseWriter, r *http.Request, e Error) {
	if r != nil {
		if origin := r.Header.Get("Origin"); origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
		}
	}
	WriteJSON(w, e.Status, e)
}

// WriteJSON writes v with status. A nil v writes an empty body.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	if v == nil {
		w.WriteHeader(status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("httperr: encode response: %v", err)
	}
}
