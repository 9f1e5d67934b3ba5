package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// handleRoot answers the bare root with a greeting
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"message": "Welcome to the Portfolio Optimization API",
	})
}

// handleHealth handles health check requests. The history database is
// reported when present; a failing ping marks the service unhealthy.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status":  "healthy",
		"version": s.version,
		"service": "allocator",
	}

	status := http.StatusOK
	if s.historyDB != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := s.historyDB.QuickCheck(ctx); err != nil {
			s.log.Error().Err(err).Msg("History database health check failed")
			response["status"] = "unhealthy"
			response["database"] = err.Error()
			status = http.StatusServiceUnavailable
		} else {
			response["database"] = "ok"
		}
	}

	s.writeJSON(w, status, response)
}

// writeJSON writes a JSON response
func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}
