package api

import (
	"net/http"
	"time"

	"fleetsync/internal/buildinfo"
)

// DebugJSON serves build information and the redacted configuration summary.
func (s *Server) DebugJSON(w http.ResponseWriter, r *http.Request) {
	info := map[string]any{
		"build":  buildinfo.Info(),
		"time":   time.Now().UTC().Format(time.RFC3339),
		"config": s.Settings,
	}
	writeJSON(w, http.StatusOK, info)
}
