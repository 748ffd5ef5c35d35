package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/shipyard-neo/bay/pkg/bayerr"
	"github.com/shipyard-neo/bay/pkg/idempotency"
	"github.com/shipyard-neo/bay/pkg/sandbox"
	"github.com/shipyard-neo/bay/pkg/types"
)

const (
	defaultPageLimit = 100
	maxPageLimit     = 500
	maxBodyBytes     = 10 << 20
)

// sandboxView is the wire representation of a sandbox with its computed
// status and, when running, a session summary.
type sandboxView struct {
	ID            string             `json:"id"`
	Status        string             `json:"status"`
	Profile       string             `json:"profile"`
	CargoID       string             `json:"cargo_id"`
	Capabilities  []types.Capability `json:"capabilities"`
	CreatedAt     time.Time          `json:"created_at"`
	ExpiresAt     *time.Time         `json:"expires_at,omitempty"`
	IdleExpiresAt *time.Time         `json:"idle_expires_at,omitempty"`
	Session       *sessionView       `json:"session,omitempty"`
}

type sessionView struct {
	ID         string          `json:"id"`
	Status     string          `json:"status"`
	CreatedAt  time.Time       `json:"created_at"`
	Containers []containerView `json:"containers"`
}

type containerView struct {
	Name         string             `json:"name"`
	RuntimeType  types.RuntimeType  `json:"runtime_type"`
	Capabilities []types.Capability `json:"capabilities"`
}

func (s *Server) sandboxToView(sb *types.Sandbox) sandboxView {
	sess := s.sandboxes.CurrentSession(sb)
	view := sandboxView{
		ID:            sb.ID,
		Status:        string(sb.Status(sess, time.Now())),
		Profile:       sb.Profile,
		CargoID:       sb.CargoID,
		CreatedAt:     sb.CreatedAt,
		ExpiresAt:     sb.ExpiresAt,
		IdleExpiresAt: sb.IdleExpiresAt,
	}
	if p := s.cfg.Profile(sb.Profile); p != nil {
		view.Capabilities = p.Capabilities()
	}
	if sess != nil {
		sv := &sessionView{
			ID:        sess.ID,
			Status:    string(sess.Status),
			CreatedAt: sess.CreatedAt,
		}
		for _, c := range sess.Containers {
			sv.Containers = append(sv.Containers, containerView{
				Name:         c.Name,
				RuntimeType:  c.RuntimeType,
				Capabilities: c.Capabilities,
			})
		}
		view.Session = sv
	}
	return view
}

// readBody consumes and returns the request body, bounded.
func readBody(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return nil, bayerr.Validation("unreadable request body")
	}
	return body, nil
}

// withIdempotency wraps a write handler: replay a cached response for a
// known key, refuse a reused key with a different request, otherwise run
// the handler and cache what it produced.
func (s *Server) withIdempotency(w http.ResponseWriter, r *http.Request, body []byte, fn func() (int, any, error)) {
	key := r.Header.Get("Idempotency-Key")
	owner := Owner(r.Context())

	if key != "" {
		res, err := s.idem.Check(owner, key, r.Method, r.URL.Path, body)
		if err != nil {
			writeError(w, r, err)
			return
		}
		switch res.Outcome {
		case idempotency.Hit:
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(res.StatusCode)
			_, _ = w.Write(res.Response)
			return
		case idempotency.Conflict:
			writeError(w, r, bayerr.IdempotencyConflict(key))
			return
		}
	}

	status, payload, err := fn()
	if err != nil {
		writeError(w, r, err)
		return
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		writeError(w, r, bayerr.Internal(err))
		return
	}
	if key != "" {
		if err := s.idem.Save(owner, key, r.Method, r.URL.Path, body, status, encoded); err != nil {
			s.logger.Warn().Err(err).Msg("failed to save idempotency record")
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(encoded)
}

// paginate applies cursor/limit query params to an ID-sorted list.
func paginate[T any](r *http.Request, items []T, idOf func(T) string) (page []T, nextCursor string) {
	cursor := r.URL.Query().Get("cursor")
	limit := defaultPageLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = min(n, maxPageLimit)
		}
	}

	start := 0
	if cursor != "" {
		for i, item := range items {
			if idOf(item) > cursor {
				start = i
				break
			}
			start = i + 1
		}
	}

	end := min(start+limit, len(items))
	page = items[start:end]
	if end < len(items) && len(page) > 0 {
		nextCursor = idOf(page[len(page)-1])
	}
	return page, nextCursor
}

func (s *Server) handleCreateSandbox(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	var req struct {
		Profile string `json:"profile"`
		CargoID string `json:"cargo_id"`
		TTL     *int   `json:"ttl"`
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, r, bayerr.Validation("malformed request body"))
			return
		}
	}
	if req.TTL != nil && *req.TTL < 0 {
		writeError(w, r, bayerr.Validation("ttl must not be negative"))
		return
	}

	s.withIdempotency(w, r, body, func() (int, any, error) {
		sb, err := s.sandboxes.Create(r.Context(), sandbox.CreateOptions{
			Owner:      Owner(r.Context()),
			Profile:    req.Profile,
			TTLSeconds: req.TTL,
			CargoID:    req.CargoID,
		})
		if err != nil {
			return 0, nil, err
		}
		return http.StatusCreated, s.sandboxToView(sb), nil
	})
}

func (s *Server) handleListSandboxes(w http.ResponseWriter, r *http.Request) {
	status := types.SandboxStatus(r.URL.Query().Get("status"))
	list, err := s.sandboxes.List(r.Context(), Owner(r.Context()), status)
	if err != nil {
		writeError(w, r, err)
		return
	}

	page, next := paginate(r, list, func(sb *types.Sandbox) string { return sb.ID })
	views := make([]sandboxView, 0, len(page))
	for _, sb := range page {
		views = append(views, s.sandboxToView(sb))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sandboxes":   views,
		"next_cursor": next,
	})
}

func (s *Server) handleGetSandbox(w http.ResponseWriter, r *http.Request) {
	sb, err := s.sandboxes.Get(r.Context(), Owner(r.Context()), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.sandboxToView(sb))
}

func (s *Server) handleExtendTTL(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	var req struct {
		ExtendBy int `json:"extend_by"`
	}
	if err := json.Unmarshal(body, &req); err != nil || req.ExtendBy <= 0 {
		writeError(w, r, bayerr.Validation("extend_by must be a positive number of seconds"))
		return
	}

	s.withIdempotency(w, r, body, func() (int, any, error) {
		sb, err := s.sandboxes.ExtendTTL(r.Context(), Owner(r.Context()), r.PathValue("id"),
			time.Duration(req.ExtendBy)*time.Second)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusOK, s.sandboxToView(sb), nil
	})
}

func (s *Server) handleKeepalive(w http.ResponseWriter, r *http.Request) {
	if err := s.sandboxes.Keepalive(r.Context(), Owner(r.Context()), r.PathValue("id")); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStopSandbox(w http.ResponseWriter, r *http.Request) {
	if err := s.sandboxes.Stop(r.Context(), Owner(r.Context()), r.PathValue("id")); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (s *Server) handleDeleteSandbox(w http.ResponseWriter, r *http.Request) {
	err := s.sandboxes.Delete(r.Context(), Owner(r.Context()), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	sb, err := s.sandboxes.Get(r.Context(), Owner(r.Context()), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}

	limit := defaultPageLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = min(n, maxPageLimit)
		}
	}
	records, err := s.store.ListExecutionsBySandbox(sb.ID, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": records})
}
