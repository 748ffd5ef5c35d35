package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/shipyard-neo/bay/pkg/adapter"
	"github.com/shipyard-neo/bay/pkg/bayerr"
	"github.com/shipyard-neo/bay/pkg/types"
)

const defaultExecTimeout = 60 * time.Second

// execResponse is the common envelope for code, shell, and browser calls.
type execResponse struct {
	Success         bool            `json:"success"`
	Output          string          `json:"output,omitempty"`
	Error           string          `json:"error,omitempty"`
	Data            json.RawMessage `json:"data,omitempty"`
	ExitCode        *int            `json:"exit_code,omitempty"`
	ExecutionID     string          `json:"execution_id"`
	ExecutionTimeMS int64           `json:"execution_time_ms"`
	SessionID       string          `json:"session_id"`
}

// gatedSandbox fetches the sandbox and statically checks its profile
// declares the capability, so a forbidden call never cold-starts a
// container.
func (s *Server) gatedSandbox(r *http.Request, capability types.Capability) (*types.Sandbox, error) {
	sb, err := s.sandboxes.Get(r.Context(), Owner(r.Context()), r.PathValue("id"))
	if err != nil {
		return nil, err
	}
	profile := s.cfg.Profile(sb.Profile)
	if profile == nil || !profile.Declares(capability) {
		return nil, bayerr.CapabilityNotSupported(string(capability))
	}
	return sb, nil
}

func parseTimeout(seconds float64) time.Duration {
	if seconds <= 0 {
		return defaultExecTimeout
	}
	return time.Duration(seconds * float64(time.Second))
}

// invokeExec routes an execution-style call and shapes the envelope.
func (s *Server) invokeExec(w http.ResponseWriter, r *http.Request, sb *types.Sandbox, capability types.Capability, execType string, fn func(context.Context, *adapter.Adapter) (any, error)) {
	res, err := s.router.Do(r.Context(), sb, capability, execType, fn)
	if err != nil {
		writeError(w, r, err)
		return
	}

	er, _ := res.Value.(*adapter.ExecResult)
	if er == nil {
		er = &adapter.ExecResult{Success: true}
	}
	writeJSON(w, http.StatusOK, execResponse{
		Success:         er.Success,
		Output:          er.Output,
		Error:           er.Error,
		Data:            er.Data,
		ExitCode:        er.ExitCode,
		ExecutionID:     res.ExecutionID,
		ExecutionTimeMS: res.DurationMS,
		SessionID:       res.SessionID,
	})
}

func (s *Server) handlePythonExec(w http.ResponseWriter, r *http.Request) {
	sb, err := s.gatedSandbox(r, types.CapabilityCode)
	if err != nil {
		writeError(w, r, err)
		return
	}

	var req struct {
		Code    string  `json:"code"`
		Timeout float64 `json:"timeout"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Code == "" {
		writeError(w, r, bayerr.Validation("code is required"))
		return
	}

	timeout := parseTimeout(req.Timeout)
	s.invokeExec(w, r, sb, types.CapabilityCode, "python", func(ctx context.Context, ad *adapter.Adapter) (any, error) {
		return ad.ExecCode(ctx, req.Code, timeout)
	})
}

func (s *Server) handleShellExec(w http.ResponseWriter, r *http.Request) {
	sb, err := s.gatedSandbox(r, types.CapabilityShell)
	if err != nil {
		writeError(w, r, err)
		return
	}

	var req struct {
		Command string  `json:"command"`
		Cwd     string  `json:"cwd"`
		Timeout float64 `json:"timeout"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Command == "" {
		writeError(w, r, bayerr.Validation("command is required"))
		return
	}

	cwd := ""
	if req.Cwd != "" {
		cwd, err = ValidatePath(req.Cwd)
		if err != nil {
			writeError(w, r, err)
			return
		}
	}

	timeout := parseTimeout(req.Timeout)
	s.invokeExec(w, r, sb, types.CapabilityShell, "shell", func(ctx context.Context, ad *adapter.Adapter) (any, error) {
		return ad.ExecShell(ctx, req.Command, cwd, timeout)
	})
}

func (s *Server) handleBrowserExec(w http.ResponseWriter, r *http.Request) {
	sb, err := s.gatedSandbox(r, types.CapabilityBrowser)
	if err != nil {
		writeError(w, r, err)
		return
	}

	var req struct {
		Cmd     json.RawMessage `json:"cmd"`
		Timeout float64         `json:"timeout"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Cmd) == 0 {
		writeError(w, r, bayerr.Validation("cmd is required"))
		return
	}

	timeout := parseTimeout(req.Timeout)
	s.invokeExec(w, r, sb, types.CapabilityBrowser, "browser", func(ctx context.Context, ad *adapter.Adapter) (any, error) {
		return ad.ExecBrowser(ctx, req.Cmd, timeout)
	})
}

func (s *Server) handleBrowserExecBatch(w http.ResponseWriter, r *http.Request) {
	sb, err := s.gatedSandbox(r, types.CapabilityBrowser)
	if err != nil {
		writeError(w, r, err)
		return
	}

	var req struct {
		Commands    []json.RawMessage `json:"commands"`
		Timeout     float64           `json:"timeout"`
		StopOnError bool              `json:"stop_on_error"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Commands) == 0 {
		writeError(w, r, bayerr.Validation("commands is required"))
		return
	}

	timeout := parseTimeout(req.Timeout)
	s.invokeExec(w, r, sb, types.CapabilityBrowser, "browser_batch", func(ctx context.Context, ad *adapter.Adapter) (any, error) {
		return ad.ExecBrowserBatch(ctx, req.Commands, timeout, req.StopOnError)
	})
}

// queryPath validates the path query parameter shared by filesystem
// endpoints.
func queryPath(r *http.Request) (string, error) {
	return ValidatePath(r.URL.Query().Get("path"))
}

func (s *Server) handleReadFile(w http.ResponseWriter, r *http.Request) {
	sb, err := s.gatedSandbox(r, types.CapabilityFilesystem)
	if err != nil {
		writeError(w, r, err)
		return
	}
	path, err := queryPath(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	res, err := s.router.Do(r.Context(), sb, types.CapabilityFilesystem, "fs_read", func(ctx context.Context, ad *adapter.Adapter) (any, error) {
		return ad.ReadFile(ctx, path)
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	content, _ := res.Value.(string)
	writeJSON(w, http.StatusOK, map[string]any{"path": path, "content": content})
}

func (s *Server) handleWriteFile(w http.ResponseWriter, r *http.Request) {
	sb, err := s.gatedSandbox(r, types.CapabilityFilesystem)
	if err != nil {
		writeError(w, r, err)
		return
	}
	path, err := queryPath(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	var req struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, bayerr.Validation("malformed request body"))
		return
	}

	_, err = s.router.Do(r.Context(), sb, types.CapabilityFilesystem, "fs_write", func(ctx context.Context, ad *adapter.Adapter) (any, error) {
		return nil, ad.WriteFile(ctx, path, req.Content)
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"path": path, "written": true})
}

func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	sb, err := s.gatedSandbox(r, types.CapabilityFilesystem)
	if err != nil {
		writeError(w, r, err)
		return
	}
	path, err := queryPath(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	_, err = s.router.Do(r.Context(), sb, types.CapabilityFilesystem, "fs_delete", func(ctx context.Context, ad *adapter.Adapter) (any, error) {
		return nil, ad.DeleteFile(ctx, path)
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListDir(w http.ResponseWriter, r *http.Request) {
	sb, err := s.gatedSandbox(r, types.CapabilityFilesystem)
	if err != nil {
		writeError(w, r, err)
		return
	}

	// Listing the workspace root is allowed; "." is the only place the
	// empty path is meaningful.
	raw := r.URL.Query().Get("path")
	path := "."
	if raw != "" && raw != "." {
		path, err = ValidatePath(raw)
		if err != nil {
			writeError(w, r, err)
			return
		}
	}

	res, err := s.router.Do(r.Context(), sb, types.CapabilityFilesystem, "fs_list", func(ctx context.Context, ad *adapter.Adapter) (any, error) {
		return ad.ListDir(ctx, path)
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	entries, _ := res.Value.([]adapter.FileInfo)
	if entries == nil {
		entries = []adapter.FileInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"path": path, "entries": entries})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	sb, err := s.gatedSandbox(r, types.CapabilityFilesystem)
	if err != nil {
		writeError(w, r, err)
		return
	}

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, r, bayerr.Validation("malformed multipart request"))
		return
	}
	path, err := ValidatePath(r.FormValue("path"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	file, _, err := r.FormFile("file")
	if err != nil {
		writeError(w, r, bayerr.Validation("file part is required"))
		return
	}
	defer func() { _ = file.Close() }()

	_, err = s.router.Do(r.Context(), sb, types.CapabilityFilesystem, "fs_upload", func(ctx context.Context, ad *adapter.Adapter) (any, error) {
		return nil, ad.Upload(ctx, path, file)
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"path": path, "uploaded": true})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	sb, err := s.gatedSandbox(r, types.CapabilityFilesystem)
	if err != nil {
		writeError(w, r, err)
		return
	}
	path, err := queryPath(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	res, err := s.router.Do(r.Context(), sb, types.CapabilityFilesystem, "fs_download", func(ctx context.Context, ad *adapter.Adapter) (any, error) {
		return ad.Download(ctx, path)
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	body, _ := res.Value.(io.ReadCloser)
	if body == nil {
		writeError(w, r, bayerr.Internal(nil))
		return
	}
	defer func() { _ = body.Close() }()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, body)
}
