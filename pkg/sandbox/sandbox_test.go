package sandbox

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shipyard-neo/bay/pkg/bayerr"
	"github.com/shipyard-neo/bay/pkg/cargo"
	"github.com/shipyard-neo/bay/pkg/config"
	"github.com/shipyard-neo/bay/pkg/driver"
	"github.com/shipyard-neo/bay/pkg/lock"
	"github.com/shipyard-neo/bay/pkg/session"
	"github.com/shipyard-neo/bay/pkg/storage"
	"github.com/shipyard-neo/bay/pkg/types"
)

type testEnv struct {
	mgr     *Manager
	cargos  *cargo.Manager
	store   storage.Store
	fake    *driver.Fake
	runtime *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok"})
	})
	runtime := httptest.NewServer(mux)
	t.Cleanup(runtime.Close)

	cfg, err := config.Parse([]byte(`
driver:
  start_timeout_seconds: 5
profiles:
  - id: python-default
    image: bay/python:latest
    runtime_type: code
    idle_timeout: 300
  - id: no-idle
    image: bay/python:latest
    runtime_type: code
    idle_timeout: 0
`))
	require.NoError(t, err)

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	fake := driver.NewFake()
	fake.Endpoint = runtime.URL

	cargos := cargo.NewManager(store, fake, cfg)
	sessions := session.NewManager(store, fake, cfg)
	mgr := NewManager(store, sessions, cargos, cfg, lock.NewTable())

	return &testEnv{mgr: mgr, cargos: cargos, store: store, fake: fake, runtime: runtime}
}

func TestCreateProvisionsManagedCargoOnly(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	sb, err := env.mgr.Create(ctx, CreateOptions{Owner: "alice"})
	require.NoError(t, err)

	assert.Equal(t, "python-default", sb.Profile)
	assert.Empty(t, sb.CurrentSessionID)
	assert.Nil(t, sb.ExpiresAt)
	assert.Equal(t, 0, env.fake.ContainerCount(), "create must not start compute")

	c, err := env.store.GetCargo(sb.CargoID)
	require.NoError(t, err)
	assert.True(t, c.Managed)
	assert.Equal(t, sb.ID, c.ManagedBySandboxID)
}

func TestCreateRejectsUnknownProfile(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.mgr.Create(context.Background(), CreateOptions{Owner: "alice", Profile: "nope"})
	assert.True(t, bayerr.HasCode(err, bayerr.CodeValidation))
}

func TestCreateWithExternalCargo(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	ext, err := env.cargos.Create(ctx, cargo.CreateOptions{Owner: "alice"})
	require.NoError(t, err)

	sb, err := env.mgr.Create(ctx, CreateOptions{Owner: "alice", CargoID: ext.ID})
	require.NoError(t, err)
	assert.Equal(t, ext.ID, sb.CargoID)

	// Someone else's cargo is not attachable.
	_, err = env.mgr.Create(ctx, CreateOptions{Owner: "bob", CargoID: ext.ID})
	assert.True(t, bayerr.HasCode(err, bayerr.CodeNotFound))
}

func TestCreateRejectsManagedCargoAttachment(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first, err := env.mgr.Create(ctx, CreateOptions{Owner: "alice"})
	require.NoError(t, err)

	_, err = env.mgr.Create(ctx, CreateOptions{Owner: "alice", CargoID: first.CargoID})
	assert.True(t, bayerr.HasCode(err, bayerr.CodeValidation))
}

func TestEnsureRunningStartsAndReusesSession(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	sb, err := env.mgr.Create(ctx, CreateOptions{Owner: "alice"})
	require.NoError(t, err)

	sess, err := env.mgr.EnsureRunning(ctx, sb)
	require.NoError(t, err)
	assert.Equal(t, types.SessionStatusReady, sess.Status)
	assert.Equal(t, 1, env.fake.ContainerCount())

	again, err := env.mgr.EnsureRunning(ctx, sb)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, again.ID, "ready session must be reused")
	assert.Equal(t, 1, env.fake.ContainerCount())

	got, err := env.store.GetSandbox(sb.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, got.CurrentSessionID)
	require.NotNil(t, got.IdleExpiresAt)
	assert.True(t, got.IdleExpiresAt.After(time.Now()))
}

func TestEnsureRunningRefusesExpired(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	ttl := 1
	sb, err := env.mgr.Create(ctx, CreateOptions{Owner: "alice", TTLSeconds: &ttl})
	require.NoError(t, err)

	past := time.Now().UTC().Add(-time.Minute)
	sb.ExpiresAt = &past
	require.NoError(t, env.store.UpdateSandbox(sb))

	_, err = env.mgr.EnsureRunning(ctx, sb)
	assert.True(t, bayerr.HasCode(err, bayerr.CodeSandboxExpired))
	assert.Equal(t, 0, env.fake.ContainerCount())
}

func TestExtendTTL(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	t.Run("infinite ttl cannot be extended", func(t *testing.T) {
		sb, err := env.mgr.Create(ctx, CreateOptions{Owner: "alice"})
		require.NoError(t, err)

		_, err = env.mgr.ExtendTTL(ctx, "alice", sb.ID, time.Hour)
		assert.True(t, bayerr.HasCode(err, bayerr.CodeTTLInfinite))
	})

	t.Run("expired sandbox is refused", func(t *testing.T) {
		ttl := 3600
		sb, err := env.mgr.Create(ctx, CreateOptions{Owner: "alice", TTLSeconds: &ttl})
		require.NoError(t, err)

		past := time.Now().UTC().Add(-time.Minute)
		sb.ExpiresAt = &past
		require.NoError(t, env.store.UpdateSandbox(sb))

		_, err = env.mgr.ExtendTTL(ctx, "alice", sb.ID, time.Hour)
		assert.True(t, bayerr.HasCode(err, bayerr.CodeSandboxExpired))
	})

	t.Run("extends from the current deadline", func(t *testing.T) {
		ttl := 3600
		sb, err := env.mgr.Create(ctx, CreateOptions{Owner: "alice", TTLSeconds: &ttl})
		require.NoError(t, err)
		original := *sb.ExpiresAt

		got, err := env.mgr.ExtendTTL(ctx, "alice", sb.ID, 30*time.Minute)
		require.NoError(t, err)
		assert.WithinDuration(t, original.Add(30*time.Minute), *got.ExpiresAt, time.Second)
	})
}

func TestKeepalive(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	sb, err := env.mgr.Create(ctx, CreateOptions{Owner: "alice"})
	require.NoError(t, err)

	// Idle sandbox: nothing to reset, no deadline appears.
	require.NoError(t, env.mgr.Keepalive(ctx, "alice", sb.ID))
	got, err := env.store.GetSandbox(sb.ID)
	require.NoError(t, err)
	assert.Nil(t, got.IdleExpiresAt)

	// With a session the deadline moves forward from the session's start.
	_, err = env.mgr.EnsureRunning(ctx, sb)
	require.NoError(t, err)
	got, err = env.store.GetSandbox(sb.ID)
	require.NoError(t, err)
	require.NotNil(t, got.IdleExpiresAt)
	earlier := got.IdleExpiresAt.Add(-time.Minute)
	got.IdleExpiresAt = &earlier
	require.NoError(t, env.store.UpdateSandbox(got))

	require.NoError(t, env.mgr.Keepalive(ctx, "alice", sb.ID))
	got, err = env.store.GetSandbox(sb.ID)
	require.NoError(t, err)
	require.NotNil(t, got.IdleExpiresAt)
	assert.WithinDuration(t, time.Now().Add(300*time.Second), *got.IdleExpiresAt, 2*time.Second)
}

func TestStopIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	sb, err := env.mgr.Create(ctx, CreateOptions{Owner: "alice"})
	require.NoError(t, err)

	_, err = env.mgr.EnsureRunning(ctx, sb)
	require.NoError(t, err)
	require.Equal(t, 1, env.fake.ContainerCount())

	require.NoError(t, env.mgr.Stop(ctx, "alice", sb.ID))
	assert.Equal(t, 0, env.fake.ContainerCount())

	got, err := env.store.GetSandbox(sb.ID)
	require.NoError(t, err)
	assert.Empty(t, got.CurrentSessionID)
	assert.Nil(t, got.IdleExpiresAt)

	// Stopping an idle sandbox is a no-op, not an error.
	require.NoError(t, env.mgr.Stop(ctx, "alice", sb.ID))
}

func TestDeleteCascadesManagedCargo(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	sb, err := env.mgr.Create(ctx, CreateOptions{Owner: "alice"})
	require.NoError(t, err)
	_, err = env.mgr.EnsureRunning(ctx, sb)
	require.NoError(t, err)

	require.NoError(t, env.mgr.Delete(ctx, "alice", sb.ID))
	assert.Equal(t, 0, env.fake.ContainerCount())
	assert.Equal(t, 0, env.fake.VolumeCount())

	_, err = env.store.GetCargo(sb.CargoID)
	assert.True(t, bayerr.HasCode(err, bayerr.CodeNotFound))

	// The row survives soft-deleted but is invisible to the owner.
	_, err = env.mgr.Get(ctx, "alice", sb.ID)
	assert.True(t, bayerr.HasCode(err, bayerr.CodeNotFound))
	raw, err := env.store.GetSandbox(sb.ID)
	require.NoError(t, err)
	assert.NotNil(t, raw.DeletedAt)
}

func TestDeleteLeavesExternalCargo(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	ext, err := env.cargos.Create(ctx, cargo.CreateOptions{Owner: "alice"})
	require.NoError(t, err)

	sb, err := env.mgr.Create(ctx, CreateOptions{Owner: "alice", CargoID: ext.ID})
	require.NoError(t, err)

	require.NoError(t, env.mgr.Delete(ctx, "alice", sb.ID))

	_, err = env.store.GetCargo(ext.ID)
	require.NoError(t, err, "external cargo must survive sandbox deletion")
}

func TestReapIdleDoubleChecksDeadline(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	sb, err := env.mgr.Create(ctx, CreateOptions{Owner: "alice"})
	require.NoError(t, err)
	_, err = env.mgr.EnsureRunning(ctx, sb)
	require.NoError(t, err)

	// Deadline still in the future: nothing reclaimed.
	reaped, err := env.mgr.ReapIdle(ctx, sb.ID)
	require.NoError(t, err)
	assert.False(t, reaped)
	assert.Equal(t, 1, env.fake.ContainerCount())

	got, err := env.store.GetSandbox(sb.ID)
	require.NoError(t, err)
	past := time.Now().UTC().Add(-time.Minute)
	got.IdleExpiresAt = &past
	require.NoError(t, env.store.UpdateSandbox(got))

	reaped, err = env.mgr.ReapIdle(ctx, sb.ID)
	require.NoError(t, err)
	assert.True(t, reaped)
	assert.Equal(t, 0, env.fake.ContainerCount())

	// A vanished sandbox is not an error for GC.
	reaped, err = env.mgr.ReapIdle(ctx, "sbx-missing")
	require.NoError(t, err)
	assert.False(t, reaped)
}

func TestDeleteExpiredDoubleChecksExpiry(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	ttl := 3600
	sb, err := env.mgr.Create(ctx, CreateOptions{Owner: "alice", TTLSeconds: &ttl})
	require.NoError(t, err)

	// Still inside the TTL: a racing extend won, nothing deleted.
	deleted, err := env.mgr.DeleteExpired(ctx, sb.ID)
	require.NoError(t, err)
	assert.False(t, deleted)

	got, err := env.store.GetSandbox(sb.ID)
	require.NoError(t, err)
	past := time.Now().UTC().Add(-time.Minute)
	got.ExpiresAt = &past
	require.NoError(t, env.store.UpdateSandbox(got))

	deleted, err = env.mgr.DeleteExpired(ctx, sb.ID)
	require.NoError(t, err)
	assert.True(t, deleted)

	raw, err := env.store.GetSandbox(sb.ID)
	require.NoError(t, err)
	assert.NotNil(t, raw.DeletedAt)
}

func TestInvalidateSessionOnlyActsOnMatch(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	sb, err := env.mgr.Create(ctx, CreateOptions{Owner: "alice"})
	require.NoError(t, err)
	sess, err := env.mgr.EnsureRunning(ctx, sb)
	require.NoError(t, err)

	// A stale session ID does nothing.
	env.mgr.InvalidateSession(ctx, sb.ID, "ses-someone-else")
	assert.Equal(t, 1, env.fake.ContainerCount())

	env.mgr.InvalidateSession(ctx, sb.ID, sess.ID)
	assert.Equal(t, 0, env.fake.ContainerCount())

	got, err := env.store.GetSandbox(sb.ID)
	require.NoError(t, err)
	assert.Empty(t, got.CurrentSessionID)
}
