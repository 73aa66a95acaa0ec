package api

import (
	"net/http"
	"time"

	"go.uber.org/zap"
)

// HealthHandler reports liveness and whether the catalog has loaded.
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	const endpoint = "health"
	const method = "GET"

	status := "ok"
	if s.Catalog != nil && !s.Catalog.Loaded() {
		status = "catalog_not_loaded"
	}
	s.observe(endpoint, method, http.StatusOK, start)
	_ = writeJSON(w, http.StatusOK, map[string]string{"status": status})
}

// ReloadHandler reloads the catalog from its source.
func (s *Server) ReloadHandler(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	const endpoint = "reload"
	const method = "POST"

	if err := s.Reload(r.Context()); err != nil {
		s.Logger.Error("reload failed", zap.Error(err))
		s.observe(endpoint, method, http.StatusInternalServerError, start)
		writeError(w, http.StatusInternalServerError, "reload failed")
		return
	}

	s.observe(endpoint, method, http.StatusNoContent, start)
	w.WriteHeader(http.StatusNoContent)
}
