// Package api is the HTTP surface of the control plane: sandbox and cargo
// CRUD, capability invocation, admin, and health endpoints.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/shipyard-neo/bay/pkg/cargo"
	"github.com/shipyard-neo/bay/pkg/config"
	"github.com/shipyard-neo/bay/pkg/gc"
	"github.com/shipyard-neo/bay/pkg/idempotency"
	"github.com/shipyard-neo/bay/pkg/log"
	"github.com/shipyard-neo/bay/pkg/metrics"
	"github.com/shipyard-neo/bay/pkg/router"
	"github.com/shipyard-neo/bay/pkg/sandbox"
	"github.com/shipyard-neo/bay/pkg/storage"
)

// Server wires the HTTP routes to the managers.
type Server struct {
	cfg       *config.Config
	store     storage.Store
	sandboxes *sandbox.Manager
	cargos    *cargo.Manager
	router    *router.Router
	idem      *idempotency.Service
	gc        *gc.Scheduler
	logger    zerolog.Logger

	httpServer *http.Server
}

func NewServer(cfg *config.Config, store storage.Store, sandboxes *sandbox.Manager, cargos *cargo.Manager, rt *router.Router, idem *idempotency.Service, scheduler *gc.Scheduler) *Server {
	s := &Server{
		cfg:       cfg,
		store:     store,
		sandboxes: sandboxes,
		cargos:    cargos,
		router:    rt,
		idem:      idem,
		gc:        scheduler,
		logger:    log.WithComponent("api"),
	}
	s.httpServer = &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler builds the full route table with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Sandbox lifecycle
	mux.HandleFunc("POST /v1/sandboxes", s.handleCreateSandbox)
	mux.HandleFunc("GET /v1/sandboxes", s.handleListSandboxes)
	mux.HandleFunc("GET /v1/sandboxes/{id}", s.handleGetSandbox)
	mux.HandleFunc("POST /v1/sandboxes/{id}/extend_ttl", s.handleExtendTTL)
	mux.HandleFunc("POST /v1/sandboxes/{id}/keepalive", s.handleKeepalive)
	mux.HandleFunc("POST /v1/sandboxes/{id}/stop", s.handleStopSandbox)
	mux.HandleFunc("DELETE /v1/sandboxes/{id}", s.handleDeleteSandbox)
	mux.HandleFunc("GET /v1/sandboxes/{id}/executions", s.handleListExecutions)

	// Capability invocation
	mux.HandleFunc("POST /v1/sandboxes/{id}/python/exec", s.handlePythonExec)
	mux.HandleFunc("POST /v1/sandboxes/{id}/shell/exec", s.handleShellExec)
	mux.HandleFunc("POST /v1/sandboxes/{id}/browser/exec", s.handleBrowserExec)
	mux.HandleFunc("POST /v1/sandboxes/{id}/browser/exec_batch", s.handleBrowserExecBatch)
	mux.HandleFunc("GET /v1/sandboxes/{id}/filesystem/files", s.handleReadFile)
	mux.HandleFunc("PUT /v1/sandboxes/{id}/filesystem/files", s.handleWriteFile)
	mux.HandleFunc("DELETE /v1/sandboxes/{id}/filesystem/files", s.handleDeleteFile)
	mux.HandleFunc("GET /v1/sandboxes/{id}/filesystem/directories", s.handleListDir)
	mux.HandleFunc("POST /v1/sandboxes/{id}/filesystem/upload", s.handleUpload)
	mux.HandleFunc("GET /v1/sandboxes/{id}/filesystem/download", s.handleDownload)

	// Cargo
	mux.HandleFunc("POST /v1/cargos", s.handleCreateCargo)
	mux.HandleFunc("GET /v1/cargos", s.handleListCargos)
	mux.HandleFunc("GET /v1/cargos/{id}", s.handleGetCargo)
	mux.HandleFunc("DELETE /v1/cargos/{id}", s.handleDeleteCargo)

	// Admin
	mux.HandleFunc("POST /v1/admin/gc/run", s.handleGCRun)
	mux.HandleFunc("GET /v1/admin/gc/status", s.handleGCStatus)

	authed := withAuth(s.cfg.Security, mux)

	// Operational endpoints bypass auth.
	outer := http.NewServeMux()
	outer.HandleFunc("GET /health", s.handleHealth)
	outer.HandleFunc("GET /ready", s.handleReady)
	outer.Handle("GET /metrics", metrics.Handler())
	outer.Handle("/", authed)

	return withRequestID(withObservability(outer))
}

// Start begins serving. Blocks until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.httpServer.Addr).Msg("api listening")
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReady verifies the database is reachable.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if _, err := s.store.ListSessions(); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
