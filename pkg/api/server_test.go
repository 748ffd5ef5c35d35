package api

import (
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shipyard-neo/bay/pkg/cargo"
	"github.com/shipyard-neo/bay/pkg/config"
	"github.com/shipyard-neo/bay/pkg/driver"
	"github.com/shipyard-neo/bay/pkg/gc"
	"github.com/shipyard-neo/bay/pkg/idempotency"
	"github.com/shipyard-neo/bay/pkg/lock"
	"github.com/shipyard-neo/bay/pkg/router"
	"github.com/shipyard-neo/bay/pkg/sandbox"
	"github.com/shipyard-neo/bay/pkg/session"
	"github.com/shipyard-neo/bay/pkg/storage"
)

// fakeRuntime implements the runtime HTTP contract the adapter talks to.
func fakeRuntime(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok"})
	})
	mux.HandleFunc("GET /meta", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"runtime": map[string]string{"name": "bay-runtime", "version": "1.0.0"},
			"capabilities": map[string]any{
				"code": map[string]any{}, "shell": map[string]any{}, "filesystem": map[string]any{},
			},
		})
	})
	mux.HandleFunc("POST /ipython/exec", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"success": true, "output": "42\n"})
	})
	mux.HandleFunc("POST /shell/exec", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"success": true, "output": "hi\n", "exit_code": 0})
	})
	mux.HandleFunc("GET /fs/read", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("path") == "missing.txt" {
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(map[string]any{"error": "no such file"})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"content": "hello world"})
	})
	mux.HandleFunc("POST /fs/write", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{})
	})
	mux.HandleFunc("GET /fs/list", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"entries": []map[string]any{
			{"name": "main.py", "path": "main.py", "is_dir": false, "size": 12},
		}})
	})

	// Uploaded files are held verbatim so downloads return the same bytes.
	var (
		filesMu sync.Mutex
		files   = map[string][]byte{}
	)
	mux.HandleFunc("POST /upload", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f, _, err := r.FormFile("file")
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		defer func() { _ = f.Close() }()
		data, err := io.ReadAll(f)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		filesMu.Lock()
		files[r.FormValue("path")] = data
		filesMu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]any{"uploaded": true})
	})
	mux.HandleFunc("GET /download", func(w http.ResponseWriter, r *http.Request) {
		filesMu.Lock()
		data, ok := files[r.URL.Query().Get("path")]
		filesMu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(map[string]any{"error": "no such file"})
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write(data)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestServer(t *testing.T, configYAML string) (*httptest.Server, *driver.Fake) {
	t.Helper()

	runtime := fakeRuntime(t)

	cfg, err := config.Parse([]byte(configYAML))
	require.NoError(t, err)

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	fake := driver.NewFake()
	fake.Endpoint = runtime.URL

	cargos := cargo.NewManager(store, fake, cfg)
	sessions := session.NewManager(store, fake, cfg)
	sandboxes := sandbox.NewManager(store, sessions, cargos, cfg, lock.NewTable())
	rt := router.New(sandboxes, store)
	idem := idempotency.NewService(store, cfg.Idempotency.TTL())

	tasks := []gc.Task{
		&gc.IdleSessionTask{Store: store, Sandboxes: sandboxes},
		&gc.ExpiredSandboxTask{Store: store, Sandboxes: sandboxes},
		&gc.OrphanCargoTask{Store: store, Cargos: cargos},
	}
	scheduler := gc.NewScheduler(tasks, cfg.GC.Interval(), gc.SingleReplica{})

	srv := NewServer(cfg, store, sandboxes, cargos, rt, idem, scheduler)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, fake
}

const anonConfig = `
security:
  allow_anonymous: true
  default_owner: dev
driver:
  start_timeout_seconds: 3
profiles:
  - id: python-default
    image: bay/python:latest
    runtime_type: code
    idle_timeout: 300
`

type apiResponse struct {
	status int
	body   map[string]any
	raw    []byte
}

func doReq(t *testing.T, ts *httptest.Server, method, path string, body any, headers map[string]string) apiResponse {
	t.Helper()

	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, ts.URL+path, rd)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	out := apiResponse{status: resp.StatusCode, raw: raw}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &out.body)
	}
	return out
}

func errCode(t *testing.T, res apiResponse) string {
	t.Helper()
	e, ok := res.body["error"].(map[string]any)
	require.True(t, ok, "expected an error envelope, got %s", res.raw)
	code, _ := e["code"].(string)
	return code
}

func TestAuthRequiresBearerToken(t *testing.T) {
	ts, _ := newTestServer(t, `
security:
  api_key: sekrit
profiles:
  - id: python-default
    image: bay/python:latest
    runtime_type: code
`)

	res := doReq(t, ts, "GET", "/v1/sandboxes", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, res.status)
	assert.Equal(t, "unauthorized", errCode(t, res))

	res = doReq(t, ts, "GET", "/v1/sandboxes", nil, map[string]string{"Authorization": "Bearer wrong"})
	assert.Equal(t, http.StatusUnauthorized, res.status)

	res = doReq(t, ts, "GET", "/v1/sandboxes", nil, map[string]string{"Authorization": "Bearer sekrit"})
	assert.Equal(t, http.StatusOK, res.status)

	// Operational endpoints bypass auth.
	res = doReq(t, ts, "GET", "/health", nil, nil)
	assert.Equal(t, http.StatusOK, res.status)
	res = doReq(t, ts, "GET", "/ready", nil, nil)
	assert.Equal(t, http.StatusOK, res.status)
	res = doReq(t, ts, "GET", "/metrics", nil, nil)
	assert.Equal(t, http.StatusOK, res.status)
}

func TestSandboxLifecycle(t *testing.T) {
	ts, fake := newTestServer(t, anonConfig)

	res := doReq(t, ts, "POST", "/v1/sandboxes", map[string]any{"ttl": 3600}, nil)
	require.Equal(t, http.StatusCreated, res.status, "body: %s", res.raw)
	id := res.body["id"].(string)
	assert.Equal(t, "idle", res.body["status"])
	assert.NotEmpty(t, res.body["cargo_id"])
	assert.NotEmpty(t, res.body["expires_at"])
	assert.Equal(t, 0, fake.ContainerCount(), "creation must not provision compute")

	res = doReq(t, ts, "GET", "/v1/sandboxes/"+id, nil, nil)
	require.Equal(t, http.StatusOK, res.status)
	assert.Equal(t, id, res.body["id"])

	res = doReq(t, ts, "GET", "/v1/sandboxes", nil, nil)
	require.Equal(t, http.StatusOK, res.status)
	assert.Len(t, res.body["sandboxes"], 1)

	res = doReq(t, ts, "DELETE", "/v1/sandboxes/"+id, nil, nil)
	assert.Equal(t, http.StatusNoContent, res.status)

	res = doReq(t, ts, "GET", "/v1/sandboxes/"+id, nil, nil)
	assert.Equal(t, http.StatusNotFound, res.status)
	assert.Equal(t, "not_found", errCode(t, res))
}

func TestOwnersAreIsolated(t *testing.T) {
	ts, _ := newTestServer(t, anonConfig)

	res := doReq(t, ts, "POST", "/v1/sandboxes", nil, map[string]string{"X-Bay-Owner": "alice"})
	require.Equal(t, http.StatusCreated, res.status)
	id := res.body["id"].(string)

	res = doReq(t, ts, "GET", "/v1/sandboxes/"+id, nil, map[string]string{"X-Bay-Owner": "bob"})
	assert.Equal(t, http.StatusNotFound, res.status)
}

func TestPythonExecProvisionsLazily(t *testing.T) {
	ts, fake := newTestServer(t, anonConfig)

	res := doReq(t, ts, "POST", "/v1/sandboxes", nil, nil)
	require.Equal(t, http.StatusCreated, res.status)
	id := res.body["id"].(string)

	res = doReq(t, ts, "POST", "/v1/sandboxes/"+id+"/python/exec",
		map[string]any{"code": "6*7"}, nil)
	require.Equal(t, http.StatusOK, res.status, "body: %s", res.raw)
	assert.Equal(t, true, res.body["success"])
	assert.Equal(t, "42\n", res.body["output"])
	assert.NotEmpty(t, res.body["execution_id"])
	assert.NotEmpty(t, res.body["session_id"])
	assert.Equal(t, 1, fake.ContainerCount())

	// The sandbox now reports ready with a session attached.
	res = doReq(t, ts, "GET", "/v1/sandboxes/"+id, nil, nil)
	require.Equal(t, http.StatusOK, res.status)
	assert.Equal(t, "ready", res.body["status"])
	assert.NotNil(t, res.body["session"])

	// A second call reuses the session.
	res = doReq(t, ts, "POST", "/v1/sandboxes/"+id+"/python/exec",
		map[string]any{"code": "6*7"}, nil)
	require.Equal(t, http.StatusOK, res.status)
	assert.Equal(t, 1, fake.ContainerCount())

	res = doReq(t, ts, "GET", "/v1/sandboxes/"+id+"/executions", nil, nil)
	require.Equal(t, http.StatusOK, res.status)
	assert.Len(t, res.body["executions"], 2)
}

func TestCapabilityGateBlocksBeforeProvisioning(t *testing.T) {
	ts, fake := newTestServer(t, anonConfig)

	res := doReq(t, ts, "POST", "/v1/sandboxes", nil, nil)
	require.Equal(t, http.StatusCreated, res.status)
	id := res.body["id"].(string)

	res = doReq(t, ts, "POST", "/v1/sandboxes/"+id+"/browser/exec",
		map[string]any{"cmd": map[string]any{"action": "goto"}}, nil)
	assert.Equal(t, http.StatusBadRequest, res.status)
	assert.Equal(t, "capability_not_supported", errCode(t, res))
	assert.Equal(t, 0, fake.ContainerCount(), "gated call must not cold-start a container")
}

func TestFilesystemEndpoints(t *testing.T) {
	ts, _ := newTestServer(t, anonConfig)

	res := doReq(t, ts, "POST", "/v1/sandboxes", nil, nil)
	require.Equal(t, http.StatusCreated, res.status)
	id := res.body["id"].(string)

	res = doReq(t, ts, "PUT", "/v1/sandboxes/"+id+"/filesystem/files?path=main.py",
		map[string]any{"content": "print(42)"}, nil)
	require.Equal(t, http.StatusOK, res.status, "body: %s", res.raw)
	assert.Equal(t, true, res.body["written"])

	res = doReq(t, ts, "GET", "/v1/sandboxes/"+id+"/filesystem/files?path=main.py", nil, nil)
	require.Equal(t, http.StatusOK, res.status)
	assert.Equal(t, "hello world", res.body["content"])

	res = doReq(t, ts, "GET", "/v1/sandboxes/"+id+"/filesystem/directories", nil, nil)
	require.Equal(t, http.StatusOK, res.status)
	assert.Equal(t, ".", res.body["path"])
	assert.Len(t, res.body["entries"], 1)

	res = doReq(t, ts, "GET", "/v1/sandboxes/"+id+"/filesystem/files?path=missing.txt", nil, nil)
	assert.Equal(t, http.StatusNotFound, res.status)
	assert.Equal(t, "file_not_found", errCode(t, res))
}

func TestUploadDownloadRoundTrip(t *testing.T) {
	ts, _ := newTestServer(t, anonConfig)

	res := doReq(t, ts, "POST", "/v1/sandboxes", nil, nil)
	require.Equal(t, http.StatusCreated, res.status)
	id := res.body["id"].(string)

	// Binary payload with NUL and high bytes; the multipart pipe and the
	// streaming download must not mangle it.
	payload := []byte{0x00, 0x01, 0xff, 0xfe, 'b', 'a', 'y', 0x00, 0x7f}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("path", "data/blob.bin"))
	part, err := mw.CreateFormFile("file", "blob.bin")
	require.NoError(t, err)
	_, err = part.Write(payload)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req, err := http.NewRequest("POST", ts.URL+"/v1/sandboxes/"+id+"/filesystem/upload", &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode, "body: %s", body)

	dl, err := http.Get(ts.URL + "/v1/sandboxes/" + id + "/filesystem/download?path=data/blob.bin")
	require.NoError(t, err)
	defer func() { _ = dl.Body.Close() }()
	require.Equal(t, http.StatusOK, dl.StatusCode)
	assert.Equal(t, "application/octet-stream", dl.Header.Get("Content-Type"))
	got, err := io.ReadAll(dl.Body)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	res = doReq(t, ts, "GET", "/v1/sandboxes/"+id+"/filesystem/download?path=data/nope.bin", nil, nil)
	assert.Equal(t, http.StatusNotFound, res.status)
	assert.Equal(t, "file_not_found", errCode(t, res))
}

func TestPathTraversalIsRejected(t *testing.T) {
	ts, _ := newTestServer(t, anonConfig)

	res := doReq(t, ts, "POST", "/v1/sandboxes", nil, nil)
	require.Equal(t, http.StatusCreated, res.status)
	id := res.body["id"].(string)

	for _, path := range []string{"../etc/passwd", "/etc/passwd", "a/../../b"} {
		res = doReq(t, ts, "GET", "/v1/sandboxes/"+id+"/filesystem/files?path="+path, nil, nil)
		assert.Equal(t, http.StatusBadRequest, res.status, "path %q must be rejected", path)
		assert.Equal(t, "invalid_path", errCode(t, res))
	}
}

func TestIdempotentCreate(t *testing.T) {
	ts, _ := newTestServer(t, anonConfig)
	key := map[string]string{"Idempotency-Key": "create-1"}
	body := map[string]any{"ttl": 600}

	first := doReq(t, ts, "POST", "/v1/sandboxes", body, key)
	require.Equal(t, http.StatusCreated, first.status)

	replay := doReq(t, ts, "POST", "/v1/sandboxes", body, key)
	require.Equal(t, http.StatusCreated, replay.status)
	assert.Equal(t, first.body["id"], replay.body["id"], "replay must return the original sandbox")

	// Only one sandbox exists.
	res := doReq(t, ts, "GET", "/v1/sandboxes", nil, nil)
	assert.Len(t, res.body["sandboxes"], 1)

	// Same key, different request: refused.
	res = doReq(t, ts, "POST", "/v1/sandboxes", map[string]any{"ttl": 900}, key)
	assert.Equal(t, http.StatusConflict, res.status)
	assert.Equal(t, "idempotency_conflict", errCode(t, res))
}

func TestExtendTTL(t *testing.T) {
	ts, _ := newTestServer(t, anonConfig)

	res := doReq(t, ts, "POST", "/v1/sandboxes", map[string]any{"ttl": 3600}, nil)
	require.Equal(t, http.StatusCreated, res.status)
	id := res.body["id"].(string)
	originalExpiry, err := time.Parse(time.RFC3339, res.body["expires_at"].(string))
	require.NoError(t, err)

	res = doReq(t, ts, "POST", "/v1/sandboxes/"+id+"/extend_ttl", map[string]any{"extend_by": 1800}, nil)
	require.Equal(t, http.StatusOK, res.status, "body: %s", res.raw)
	newExpiry, err := time.Parse(time.RFC3339, res.body["expires_at"].(string))
	require.NoError(t, err)
	assert.WithinDuration(t, originalExpiry.Add(30*time.Minute), newExpiry, time.Second)

	res = doReq(t, ts, "POST", "/v1/sandboxes/"+id+"/extend_ttl", map[string]any{"extend_by": -5}, nil)
	assert.Equal(t, http.StatusBadRequest, res.status)

	// A sandbox without a TTL has nothing to extend.
	res = doReq(t, ts, "POST", "/v1/sandboxes", nil, nil)
	require.Equal(t, http.StatusCreated, res.status)
	infinite := res.body["id"].(string)

	res = doReq(t, ts, "POST", "/v1/sandboxes/"+infinite+"/extend_ttl", map[string]any{"extend_by": 60}, nil)
	assert.Equal(t, http.StatusConflict, res.status)
	assert.Equal(t, "sandbox_ttl_infinite", errCode(t, res))
}

func TestIdempotentExtendTTLReplay(t *testing.T) {
	ts, _ := newTestServer(t, anonConfig)

	res := doReq(t, ts, "POST", "/v1/sandboxes", map[string]any{"ttl": 3600}, nil)
	require.Equal(t, http.StatusCreated, res.status)
	id := res.body["id"].(string)

	key := map[string]string{"Idempotency-Key": "extend-1"}
	body := map[string]any{"extend_by": 1800}

	first := doReq(t, ts, "POST", "/v1/sandboxes/"+id+"/extend_ttl", body, key)
	require.Equal(t, http.StatusOK, first.status, "body: %s", first.raw)
	firstExpiry, err := time.Parse(time.RFC3339, first.body["expires_at"].(string))
	require.NoError(t, err)

	// Replay returns the cached response without extending again.
	replay := doReq(t, ts, "POST", "/v1/sandboxes/"+id+"/extend_ttl", body, key)
	require.Equal(t, http.StatusOK, replay.status)
	assert.Equal(t, first.body["expires_at"], replay.body["expires_at"])

	res = doReq(t, ts, "GET", "/v1/sandboxes/"+id, nil, nil)
	require.Equal(t, http.StatusOK, res.status)
	stored, err := time.Parse(time.RFC3339, res.body["expires_at"].(string))
	require.NoError(t, err)
	assert.WithinDuration(t, firstExpiry, stored, time.Second, "deadline must have moved exactly once")
}

func TestStopReturnsSandboxToIdle(t *testing.T) {
	ts, fake := newTestServer(t, anonConfig)

	res := doReq(t, ts, "POST", "/v1/sandboxes", nil, nil)
	require.Equal(t, http.StatusCreated, res.status)
	id := res.body["id"].(string)

	res = doReq(t, ts, "POST", "/v1/sandboxes/"+id+"/python/exec", map[string]any{"code": "1"}, nil)
	require.Equal(t, http.StatusOK, res.status)
	require.Equal(t, 1, fake.ContainerCount())

	res = doReq(t, ts, "POST", "/v1/sandboxes/"+id+"/stop", nil, nil)
	require.Equal(t, http.StatusOK, res.status)
	assert.Equal(t, "stopped", res.body["status"])
	assert.Equal(t, 0, fake.ContainerCount())

	res = doReq(t, ts, "GET", "/v1/sandboxes/"+id, nil, nil)
	require.Equal(t, http.StatusOK, res.status)
	assert.Equal(t, "idle", res.body["status"])
}

func TestCargoEndpoints(t *testing.T) {
	ts, _ := newTestServer(t, anonConfig)

	res := doReq(t, ts, "POST", "/v1/cargos", map[string]any{"size_limit_mb": 512}, nil)
	require.Equal(t, http.StatusCreated, res.status, "body: %s", res.raw)
	id := res.body["id"].(string)
	assert.Equal(t, float64(512), res.body["size_limit_mb"])

	res = doReq(t, ts, "GET", "/v1/cargos/"+id, nil, nil)
	assert.Equal(t, http.StatusOK, res.status)

	res = doReq(t, ts, "GET", "/v1/cargos", nil, nil)
	require.Equal(t, http.StatusOK, res.status)
	assert.Len(t, res.body["cargos"], 1)

	// Attach it to a sandbox: deletion now conflicts.
	created := doReq(t, ts, "POST", "/v1/sandboxes", map[string]any{"cargo_id": id}, nil)
	require.Equal(t, http.StatusCreated, created.status)

	res = doReq(t, ts, "DELETE", "/v1/cargos/"+id, nil, nil)
	assert.Equal(t, http.StatusConflict, res.status)
	assert.Equal(t, "conflict", errCode(t, res))

	// After the sandbox goes away the cargo can be deleted.
	res = doReq(t, ts, "DELETE", "/v1/sandboxes/"+created.body["id"].(string), nil, nil)
	require.Equal(t, http.StatusNoContent, res.status)
	res = doReq(t, ts, "DELETE", "/v1/cargos/"+id, nil, nil)
	assert.Equal(t, http.StatusNoContent, res.status)
}

func TestAdminGC(t *testing.T) {
	ts, _ := newTestServer(t, anonConfig)

	res := doReq(t, ts, "POST", "/v1/admin/gc/run", nil, nil)
	require.Equal(t, http.StatusOK, res.status, "body: %s", res.raw)
	assert.Equal(t, float64(0), res.body["cleaned"])
	assert.Contains(t, res.body["tasks"], "idle_session")

	res = doReq(t, ts, "POST", "/v1/admin/gc/run", map[string]any{"tasks": []string{"orphan_cargo"}}, nil)
	require.Equal(t, http.StatusOK, res.status)
	tasks := res.body["tasks"].(map[string]any)
	assert.Len(t, tasks, 1)
	assert.Contains(t, tasks, "orphan_cargo")

	res = doReq(t, ts, "GET", "/v1/admin/gc/status", nil, nil)
	require.Equal(t, http.StatusOK, res.status)
	assert.NotNil(t, res.body["last_run"])
}
