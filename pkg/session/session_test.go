package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shipyard-neo/bay/pkg/bayerr"
	"github.com/shipyard-neo/bay/pkg/config"
	"github.com/shipyard-neo/bay/pkg/driver"
	"github.com/shipyard-neo/bay/pkg/metrics"
	"github.com/shipyard-neo/bay/pkg/storage"
	"github.com/shipyard-neo/bay/pkg/types"
)

// fakeRuntime serves the health/meta contract of a runtime container.
func fakeRuntime(t *testing.T, healthy bool, browserReady *bool) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		status := "ok"
		if !healthy {
			status = "starting"
		}
		resp := map[string]any{"status": status}
		if browserReady != nil {
			resp["browser_ready"] = *browserReady
		}
		_ = json.NewEncoder(w).Encode(resp)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func testProfile(containers int) *config.Profile {
	p := &config.Profile{ID: "test", Startup: config.StartupConfig{Order: "parallel"}}
	names := []string{"code", "browser", "extra"}
	for i := 0; i < containers; i++ {
		p.Containers = append(p.Containers, &config.ContainerSpec{
			Name:         names[i],
			Image:        "bay/test:latest",
			RuntimeType:  types.RuntimeTypeCode,
			RuntimePort:  8000,
			Capabilities: []types.Capability{types.CapabilityCode},
		})
	}
	return p
}

func newTestManager(t *testing.T, fake *driver.Fake, startTimeoutSeconds int) (*Manager, storage.Store) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	cfg := &config.Config{
		Driver: config.DriverConfig{Type: "docker", StartTimeoutSeconds: startTimeoutSeconds},
		GC:     config.GCConfig{InstanceID: "test-instance"},
	}
	return NewManager(store, fake, cfg), store
}

func TestStartBringsUpAllContainers(t *testing.T) {
	runtime := fakeRuntime(t, true, nil)
	fake := driver.NewFake()
	fake.Endpoint = runtime.URL

	mgr, store := newTestManager(t, fake, 5)

	sb := &types.Sandbox{ID: "sbx-1", Owner: "alice", CargoID: "crg-1"}
	sess, err := mgr.Start(context.Background(), sb, testProfile(2), "vol-ref")
	require.NoError(t, err)

	assert.Equal(t, types.SessionStatusReady, sess.Status)
	assert.Len(t, sess.Containers, 2)
	for _, inst := range sess.Containers {
		assert.Equal(t, runtime.URL, inst.Endpoint)
		assert.NotEmpty(t, inst.ContainerID)
	}
	assert.Equal(t, 2, fake.ContainerCount())

	stored, err := store.GetSession(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, types.SessionStatusReady, stored.Status)
}

func TestStartFailureLeavesNoContainers(t *testing.T) {
	fake := driver.NewFake()
	fake.FailStart = true

	mgr, store := newTestManager(t, fake, 5)

	sb := &types.Sandbox{ID: "sbx-1", Owner: "alice", CargoID: "crg-1"}
	_, err := mgr.Start(context.Background(), sb, testProfile(2), "vol-ref")
	require.Error(t, err)
	assert.True(t, bayerr.HasCode(err, bayerr.CodeSessionNotReady))

	assert.Equal(t, 0, fake.ContainerCount())
	sessions, err := store.ListSessions()
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestStartTimesOutOnUnhealthyRuntime(t *testing.T) {
	runtime := fakeRuntime(t, false, nil)
	fake := driver.NewFake()
	fake.Endpoint = runtime.URL

	mgr, _ := newTestManager(t, fake, 1)

	sb := &types.Sandbox{ID: "sbx-1", Owner: "alice", CargoID: "crg-1"}
	start := time.Now()
	_, err := mgr.Start(context.Background(), sb, testProfile(1), "vol-ref")
	require.Error(t, err)
	assert.True(t, bayerr.HasCode(err, bayerr.CodeSessionNotReady))
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, 0, fake.ContainerCount())
}

func TestBrowserReadyGatesHealth(t *testing.T) {
	notReady := false
	runtime := fakeRuntime(t, true, &notReady)
	fake := driver.NewFake()
	fake.Endpoint = runtime.URL

	mgr, _ := newTestManager(t, fake, 1)

	sb := &types.Sandbox{ID: "sbx-1", Owner: "alice", CargoID: "crg-1"}
	_, err := mgr.Start(context.Background(), sb, testProfile(1), "vol-ref")
	require.Error(t, err)
	assert.True(t, bayerr.HasCode(err, bayerr.CodeSessionNotReady))
}

func TestDestroyRemovesContainersAndRow(t *testing.T) {
	runtime := fakeRuntime(t, true, nil)
	fake := driver.NewFake()
	fake.Endpoint = runtime.URL

	mgr, store := newTestManager(t, fake, 5)

	sb := &types.Sandbox{ID: "sbx-1", Owner: "alice", CargoID: "crg-1"}
	sess, err := mgr.Start(context.Background(), sb, testProfile(2), "vol-ref")
	require.NoError(t, err)

	require.NoError(t, mgr.Destroy(context.Background(), sess))
	assert.Equal(t, 0, fake.ContainerCount())

	_, err = store.GetSession(sess.ID)
	assert.True(t, bayerr.HasCode(err, bayerr.CodeNotFound))
}

func TestDestroyReleasesGaugeDespiteContainerErrors(t *testing.T) {
	runtime := fakeRuntime(t, true, nil)
	fake := driver.NewFake()
	fake.Endpoint = runtime.URL

	mgr, store := newTestManager(t, fake, 5)

	sb := &types.Sandbox{ID: "sbx-1", Owner: "alice", CargoID: "crg-1"}
	sess, err := mgr.Start(context.Background(), sb, testProfile(1), "vol-ref")
	require.NoError(t, err)
	before := testutil.ToFloat64(metrics.SessionsActive)

	fake.FailDestroy = true
	err = mgr.Destroy(context.Background(), sess)
	require.Error(t, err)

	// The row is gone and the gauge released even though container
	// teardown failed; orphan GC owns the leftover container.
	_, err = store.GetSession(sess.ID)
	assert.True(t, bayerr.HasCode(err, bayerr.CodeNotFound))
	assert.Equal(t, before-1, testutil.ToFloat64(metrics.SessionsActive))
}

func TestSequentialStartupOrder(t *testing.T) {
	runtime := fakeRuntime(t, true, nil)
	fake := driver.NewFake()
	fake.Endpoint = runtime.URL

	mgr, _ := newTestManager(t, fake, 5)

	profile := testProfile(2)
	profile.Startup.Order = "sequential"

	sb := &types.Sandbox{ID: "sbx-1", Owner: "alice", CargoID: "crg-1"}
	sess, err := mgr.Start(context.Background(), sb, profile, "vol-ref")
	require.NoError(t, err)
	require.Len(t, sess.Containers, 2)
	assert.Equal(t, "code", sess.Containers[0].Name)
	assert.Equal(t, "browser", sess.Containers[1].Name)
}
