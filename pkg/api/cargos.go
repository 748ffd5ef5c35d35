package api

import (
	"encoding/json"
	"net/http"

	"github.com/shipyard-neo/bay/pkg/bayerr"
	"github.com/shipyard-neo/bay/pkg/cargo"
	"github.com/shipyard-neo/bay/pkg/types"
)

func (s *Server) handleCreateCargo(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	var req struct {
		SizeLimitMB int `json:"size_limit_mb"`
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, r, bayerr.Validation("malformed request body"))
			return
		}
	}
	if req.SizeLimitMB < 0 {
		writeError(w, r, bayerr.Validation("size_limit_mb must not be negative"))
		return
	}

	s.withIdempotency(w, r, body, func() (int, any, error) {
		c, err := s.cargos.Create(r.Context(), cargo.CreateOptions{
			Owner:       Owner(r.Context()),
			SizeLimitMB: req.SizeLimitMB,
		})
		if err != nil {
			return 0, nil, err
		}
		return http.StatusCreated, c, nil
	})
}

func (s *Server) handleListCargos(w http.ResponseWriter, r *http.Request) {
	list, err := s.cargos.List(r.Context(), Owner(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}

	page, next := paginate(r, list, func(c *types.Cargo) string { return c.ID })
	writeJSON(w, http.StatusOK, map[string]any{
		"cargos":      page,
		"next_cursor": next,
	})
}

func (s *Server) handleGetCargo(w http.ResponseWriter, r *http.Request) {
	c, err := s.cargos.Get(r.Context(), Owner(r.Context()), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleDeleteCargo(w http.ResponseWriter, r *http.Request) {
	err := s.cargos.Delete(r.Context(), Owner(r.Context()), r.PathValue("id"), false)
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
