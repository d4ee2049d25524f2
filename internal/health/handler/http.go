package handler

import (
	"context"
	"log"
	"net/http"
	"time"

	"livre-auth/backend/internal/server/httperr"
)

// Pinger checks a backing dependency. *sql.DB satisfies it.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// pingTimeout bounds a readiness probe.
const pingTimeout = 2 * time.Second

// Server serves liveness and readiness for Kubernetes, load balancers and CI.
type Server struct {
	db Pinger
}

// NewServer returns a health Server. db may be nil (in-memory mode); readiness then skips the ping.
func NewServer(db Pinger) *Server {
	return &Server{db: db}
}

type status struct {
	Status string `json:"status"`
}

// Healthz reports that the process is serving.
func (s *Server) Healthz(w http.ResponseWriter, r *http.Request) {
	httperr.WriteJSON(w, http.StatusOK, status{Status: "ok"})
}

// Readyz reports whether the database answers a ping.
func (s *Server) Readyz(w http.ResponseWriter, r *http.Request) {
	if s.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), pingTimeout)
		defer cancel()
		if err := s.db.PingContext(ctx); err != nil {
			log.Printf("health: database ping: %v", err)
			httperr.WriteJSON(w, http.StatusServiceUnavailable, status{Status: "unavailable"})
			return
		}
	}
	httperr.WriteJSON(w, http.StatusOK, status{Status: "ok"})
}
