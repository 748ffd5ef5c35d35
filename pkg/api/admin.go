package api

import (
	"encoding/json"
	"net/http"

	"github.com/shipyard-neo/bay/pkg/bayerr"
)

func (s *Server) handleGCRun(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Tasks []string `json:"tasks"`
	}
	if r.Body != nil {
		// Empty body means all tasks.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	result, err := s.gc.RunOnce(r.Context(), req.Tasks)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"cleaned": result.TotalCleaned(),
		"tasks":   result.Tasks,
	})
}

func (s *Server) handleGCStatus(w http.ResponseWriter, r *http.Request) {
	if s.gc == nil {
		writeError(w, r, bayerr.NotFound("gc scheduler"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"enabled":          s.cfg.GC.Enabled,
		"interval_seconds": int(s.cfg.GC.Interval().Seconds()),
		"instance_id":      s.cfg.GC.InstanceID,
		"last_run":         s.gc.LastRun(),
	})
}
