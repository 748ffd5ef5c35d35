// Package adapter implements the HTTP wire contract every runtime container
// speaks. An Adapter is bound to one container endpoint; it knows the
// endpoint paths for its runtime type and nothing about sandboxes or
// sessions.
package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/shipyard-neo/bay/pkg/bayerr"
	"github.com/shipyard-neo/bay/pkg/types"
)

// transportBuffer is added on top of the caller's declared timeout so the
// runtime gets a chance to report its own timeout before we cut the
// connection.
const (
	transportBuffer      = 5 * time.Second
	batchTransportBuffer = 10 * time.Second
)

// Meta is the runtime's self-description, cached for the adapter's lifetime.
type Meta struct {
	Runtime struct {
		Name       string `json:"name"`
		Version    string `json:"version"`
		APIVersion string `json:"api_version"`
	} `json:"runtime"`
	Workspace struct {
		MountPath string `json:"mount_path"`
	} `json:"workspace"`
	// Capabilities maps capability name to runtime-specific detail we do
	// not interpret.
	Capabilities map[string]json.RawMessage `json:"capabilities"`
}

// CapabilitySet returns the declared capabilities restricted to the ones
// the platform routes on.
func (m *Meta) CapabilitySet() map[types.Capability]bool {
	out := make(map[types.Capability]bool)
	for name := range m.Capabilities {
		cap := types.Capability(name)
		if types.KnownCapabilities[cap] {
			out[cap] = true
		}
	}
	return out
}

// Health is the runtime health response. BrowserReady is only present on
// runtimes that warm up a heavyweight subsystem after the HTTP server is up.
type Health struct {
	Status       string `json:"status"`
	BrowserReady *bool  `json:"browser_ready,omitempty"`
}

// Ready reports whether the runtime can take traffic.
func (h *Health) Ready() bool {
	if h.Status != "ok" && h.Status != "healthy" {
		return false
	}
	if h.BrowserReady != nil && !*h.BrowserReady {
		return false
	}
	return true
}

// ExecResult is the common execution envelope returned by code, shell, and
// browser endpoints.
type ExecResult struct {
	Success         bool            `json:"success"`
	Output          string          `json:"output,omitempty"`
	Error           string          `json:"error,omitempty"`
	Data            json.RawMessage `json:"data,omitempty"`
	ExitCode        *int            `json:"exit_code,omitempty"`
	ExecutionTimeMS int64           `json:"execution_time_ms,omitempty"`
}

// FileInfo is one directory entry from a list call.
type FileInfo struct {
	Name    string    `json:"name"`
	Path    string    `json:"path"`
	IsDir   bool      `json:"is_dir"`
	SizeB   int64     `json:"size"`
	ModTime time.Time `json:"modified_at"`
}

// Adapter is a thin HTTP client bound to one container endpoint.
type Adapter struct {
	endpoint    string
	runtimeType types.RuntimeType
	client      *http.Client

	metaMu sync.Mutex
	meta   *Meta
}

// New builds an adapter for a container endpoint. The client has no global
// timeout; every call carries its own deadline.
func New(endpoint string, runtimeType types.RuntimeType) *Adapter {
	return &Adapter{
		endpoint:    endpoint,
		runtimeType: runtimeType,
		client:      &http.Client{},
	}
}

// Endpoint returns the base URL the adapter talks to.
func (a *Adapter) Endpoint() string { return a.endpoint }

// Health performs a cheap liveness probe.
func (a *Adapter) Health(ctx context.Context) (*Health, error) {
	ctx, cancel := context.WithTimeout(ctx, transportBuffer)
	defer cancel()

	var h Health
	if err := a.getJSON(ctx, "/health", &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// Meta fetches the runtime's self-description, cached after first success.
func (a *Adapter) Meta(ctx context.Context) (*Meta, error) {
	a.metaMu.Lock()
	defer a.metaMu.Unlock()
	if a.meta != nil {
		return a.meta, nil
	}

	ctx, cancel := context.WithTimeout(ctx, transportBuffer)
	defer cancel()

	var m Meta
	if err := a.getJSON(ctx, "/meta", &m); err != nil {
		return nil, err
	}
	a.meta = &m
	return a.meta, nil
}

// HasCapability reports whether the runtime advertises the capability in
// its meta.
func (a *Adapter) HasCapability(ctx context.Context, cap types.Capability) (bool, error) {
	m, err := a.Meta(ctx)
	if err != nil {
		return false, err
	}
	return m.CapabilitySet()[cap], nil
}

// ExecCode runs Python code in the runtime's persistent interpreter.
func (a *Adapter) ExecCode(ctx context.Context, code string, timeout time.Duration) (*ExecResult, error) {
	if a.runtimeType != types.RuntimeTypeCode {
		return nil, bayerr.CapabilityNotSupported(string(types.CapabilityCode))
	}
	req := map[string]any{
		"code":    code,
		"timeout": timeout.Seconds(),
	}
	return a.execJSON(ctx, "/ipython/exec", req, timeout+transportBuffer)
}

// ExecShell runs a shell command in the workspace.
func (a *Adapter) ExecShell(ctx context.Context, command, cwd string, timeout time.Duration) (*ExecResult, error) {
	if a.runtimeType != types.RuntimeTypeCode {
		return nil, bayerr.CapabilityNotSupported(string(types.CapabilityShell))
	}
	req := map[string]any{
		"command": command,
		"timeout": timeout.Seconds(),
	}
	if cwd != "" {
		req["cwd"] = cwd
	}
	return a.execJSON(ctx, "/shell/exec", req, timeout+transportBuffer)
}

// ReadFile returns the content of a workspace file.
func (a *Adapter) ReadFile(ctx context.Context, path string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	var resp struct {
		Content string `json:"content"`
	}
	q := url.Values{"path": {path}}
	if err := a.getJSON(ctx, "/fs/read?"+q.Encode(), &resp); err != nil {
		return "", remapNotFound(err, path)
	}
	return resp.Content, nil
}

// WriteFile writes content to a workspace file, creating parents as needed.
func (a *Adapter) WriteFile(ctx context.Context, path, content string) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	req := map[string]any{"path": path, "content": content}
	return a.postJSON(ctx, "/fs/write", req, nil)
}

// DeleteFile removes a workspace file or directory.
func (a *Adapter) DeleteFile(ctx context.Context, path string) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	req := map[string]any{"path": path}
	if err := a.postJSON(ctx, "/fs/delete", req, nil); err != nil {
		return remapNotFound(err, path)
	}
	return nil
}

// ListDir lists a workspace directory.
func (a *Adapter) ListDir(ctx context.Context, path string) ([]FileInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	var resp struct {
		Entries []FileInfo `json:"entries"`
	}
	q := url.Values{"path": {path}}
	if err := a.getJSON(ctx, "/fs/list?"+q.Encode(), &resp); err != nil {
		return nil, remapNotFound(err, path)
	}
	return resp.Entries, nil
}

// Upload streams a file into the workspace via multipart form.
func (a *Adapter) Upload(ctx context.Context, path string, content io.Reader) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		defer pw.Close()
		if err := mw.WriteField("path", path); err != nil {
			pw.CloseWithError(err)
			return
		}
		part, err := mw.CreateFormFile("file", "upload")
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(part, content); err != nil {
			pw.CloseWithError(err)
			return
		}
		pw.CloseWithError(mw.Close())
	}()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint+"/upload", pr)
	if err != nil {
		return bayerr.Internal(err)
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return transportError(err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		return statusError(resp)
	}
	return nil
}

// Download streams a workspace file. The caller closes the reader.
func (a *Adapter) Download(ctx context.Context, path string) (io.ReadCloser, error) {
	q := url.Values{"path": {path}}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, a.endpoint+"/download?"+q.Encode(), nil)
	if err != nil {
		return nil, bayerr.Internal(err)
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, transportError(err)
	}
	if resp.StatusCode >= 400 {
		defer func() { _ = resp.Body.Close() }()
		return nil, remapNotFound(statusError(resp), path)
	}
	return resp.Body, nil
}

// ExecBrowser passes one command through to the browser runtime.
func (a *Adapter) ExecBrowser(ctx context.Context, cmd json.RawMessage, timeout time.Duration) (*ExecResult, error) {
	if a.runtimeType != types.RuntimeTypeBrowser {
		return nil, bayerr.CapabilityNotSupported(string(types.CapabilityBrowser))
	}
	req := map[string]any{
		"cmd":     cmd,
		"timeout": timeout.Seconds(),
	}
	return a.execJSON(ctx, "/exec", req, timeout+transportBuffer)
}

// ExecBrowserBatch runs a command sequence in one round trip.
func (a *Adapter) ExecBrowserBatch(ctx context.Context, commands []json.RawMessage, timeout time.Duration, stopOnError bool) (*ExecResult, error) {
	if a.runtimeType != types.RuntimeTypeBrowser {
		return nil, bayerr.CapabilityNotSupported(string(types.CapabilityBrowser))
	}
	req := map[string]any{
		"commands":      commands,
		"timeout":       timeout.Seconds(),
		"stop_on_error": stopOnError,
	}
	return a.execJSON(ctx, "/exec_batch", req, timeout+batchTransportBuffer)
}

func (a *Adapter) execJSON(ctx context.Context, path string, req any, deadline time.Duration) (*ExecResult, error) {
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	var result ExecResult
	if err := a.postJSON(ctx, path, req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (a *Adapter) getJSON(ctx context.Context, path string, out any) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, a.endpoint+path, nil)
	if err != nil {
		return bayerr.Internal(err)
	}
	return a.do(httpReq, out)
}

func (a *Adapter) postJSON(ctx context.Context, path string, req, out any) error {
	body, err := json.Marshal(req)
	if err != nil {
		return bayerr.Internal(err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint+path, bytes.NewReader(body))
	if err != nil {
		return bayerr.Internal(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	return a.do(httpReq, out)
}

func (a *Adapter) do(req *http.Request, out any) error {
	resp, err := a.client.Do(req)
	if err != nil {
		return transportError(err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		return statusError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return bayerr.Ship("malformed runtime response").WithCause(err)
	}
	return nil
}

// transportError maps connection-level failures to the platform error
// shapes the router keys recovery decisions on.
func transportError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return bayerr.Timeout("runtime call deadline exceeded").WithCause(err)
	}
	var ue *url.Error
	if errors.As(err, &ue) && ue.Timeout() {
		return bayerr.Timeout("runtime call deadline exceeded").WithCause(err)
	}
	return bayerr.Ship("runtime unreachable").WithCause(err)
}

// statusError turns a non-2xx runtime response into a platform error,
// preserving a JSON error body when the runtime sends one.
func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode == http.StatusNotFound {
		e := bayerr.New(bayerr.CodeFileNotFound, "runtime returned 404")
		attachUpstream(e, body)
		return e
	}

	e := bayerr.Ship("runtime returned status %d", resp.StatusCode)
	attachUpstream(e, body)
	return e
}

func attachUpstream(e *bayerr.Error, body []byte) {
	var parsed struct {
		Error   string `json:"error"`
		Message string `json:"message"`
		Detail  string `json:"detail"`
	}
	if json.Unmarshal(body, &parsed) == nil {
		msg := parsed.Error
		if msg == "" {
			msg = parsed.Message
		}
		if msg == "" {
			msg = parsed.Detail
		}
		if msg != "" {
			e.WithDetail("upstream_message", msg)
		}
	}
}

// remapNotFound attaches the offending path to file-not-found errors so the
// client sees which argument failed.
func remapNotFound(err error, path string) error {
	var be *bayerr.Error
	if errors.As(err, &be) && be.Code == bayerr.CodeFileNotFound {
		return bayerr.FileNotFound(path).WithDetail("path", path)
	}
	return err
}
