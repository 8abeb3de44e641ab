package api

import (
	"net/http"
	"runtime"
	"time"

	"github.com/Sandeepjatav78/Raahi/internal/auth"
	"github.com/Sandeepjatav78/Raahi/internal/buildinfo"
)

// DebugHandler handles GET /v1/admin/debug: build, uptime, the effective
// non-secret settings, and the trips currently held in memory.
func (s *Server) DebugHandler(w http.ResponseWriter, r *http.Request) {
	if err := requireAdmin(r); err != nil {
		writeError(w, r, err)
		return
	}
	cache := s.Ingest.Cache()
	writeJSON(w, http.StatusOK, map[string]any{
		"build":       buildinfo.Info(),
		"time":        time.Now().UTC().Format(time.RFC3339),
		"uptime":      time.Since(s.started).Round(time.Second).String(),
		"goroutines":  runtime.NumGoroutine(),
		"authMode":    s.Auth.Mode(),
		"settings":    s.Settings,
		"activeTrips": cache.IDs(),
		"caller":      auth.FromContext(r.Context()),
	})
}
