// Package handler serves the development-only mail outbox over HTTP.
package handler

import (
	"net/http"

	"livre-auth/backend/internal/server/httperr"
)

const devOutboxNote = "DEV MODE ONLY"

// LinkSource returns the latest magic link sent to an address.
type LinkSource interface {
	MagicLink(address string) (string, bool)
}

// Handler serves GET /dev/mail/magic-link. Only mounted when the dev outbox is enabled outside production.
type Handler struct {
	outbox LinkSource
}

// NewHandler returns a handler reading from outbox.
func NewHandler(outbox LinkSource) *Handler {
	return &Handler{outbox: outbox}
}

type magicLinkResponse struct {
	Link string `json:"link"`
	Note string `json:"note"`
}

// GetMagicLink returns the last magic link for ?email=. 400 without email, 404 when none is held.
func (h *Handler) GetMagicLink(w http.ResponseWriter, r *http.Request) {
	email := r.URL.Query().Get("email")
	if email == "" {
		httperr.Write(w, r, httperr.Validation)
		return
	}
	link, ok := h.outbox.MagicLink(email)
	if !ok {
		httperr.Write(w, r, httperr.NotFound)
		return
	}
	httperr.WriteJSON(w, http.StatusOK, magicLinkResponse{Link: link, Note: devOutboxNote})
}
