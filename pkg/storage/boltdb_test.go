package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shipyard-neo/bay/pkg/bayerr"
	"github.com/shipyard-neo/bay/pkg/types"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	store, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSandboxCRUD(t *testing.T) {
	store := newTestStore(t)

	sb := &types.Sandbox{
		ID:        "sbx-1",
		Owner:     "alice",
		Profile:   "python-default",
		CargoID:   "crg-1",
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, store.CreateSandbox(sb))

	got, err := store.GetSandbox("sbx-1")
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Owner)

	got.CurrentSessionID = "ses-1"
	require.NoError(t, store.UpdateSandbox(got))

	got, err = store.GetSandbox("sbx-1")
	require.NoError(t, err)
	assert.Equal(t, "ses-1", got.CurrentSessionID)

	_, err = store.GetSandbox("sbx-missing")
	assert.True(t, bayerr.HasCode(err, bayerr.CodeNotFound))
}

func TestListSandboxesScopesOwnerAndHidesDeleted(t *testing.T) {
	store := newTestStore(t)
	now := time.Now().UTC()

	require.NoError(t, store.CreateSandbox(&types.Sandbox{ID: "sbx-a", Owner: "alice"}))
	require.NoError(t, store.CreateSandbox(&types.Sandbox{ID: "sbx-b", Owner: "bob"}))
	require.NoError(t, store.CreateSandbox(&types.Sandbox{ID: "sbx-c", Owner: "alice", DeletedAt: &now}))

	list, err := store.ListSandboxes("alice")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "sbx-a", list[0].ID)
}

func TestIdleAndExpiryPredicates(t *testing.T) {
	store := newTestStore(t)
	now := time.Now().UTC()
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	// Idle-expired with session: selected.
	require.NoError(t, store.CreateSandbox(&types.Sandbox{
		ID: "sbx-idle", CurrentSessionID: "ses-1", IdleExpiresAt: &past,
	}))
	// Idle deadline in the future: not selected.
	require.NoError(t, store.CreateSandbox(&types.Sandbox{
		ID: "sbx-fresh", CurrentSessionID: "ses-2", IdleExpiresAt: &future,
	}))
	// Past idle deadline but no session: nothing to reap.
	require.NoError(t, store.CreateSandbox(&types.Sandbox{
		ID: "sbx-nosess", IdleExpiresAt: &past,
	}))
	// Hard-expired.
	require.NoError(t, store.CreateSandbox(&types.Sandbox{
		ID: "sbx-dead", ExpiresAt: &past,
	}))
	// Soft-deleted and expired: GC must not resurrect it.
	require.NoError(t, store.CreateSandbox(&types.Sandbox{
		ID: "sbx-gone", ExpiresAt: &past, DeletedAt: &past,
	}))

	idle, err := store.ListIdleExpiredSandboxes(now)
	require.NoError(t, err)
	require.Len(t, idle, 1)
	assert.Equal(t, "sbx-idle", idle[0].ID)

	expired, err := store.ListExpiredSandboxes(now)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "sbx-dead", expired[0].ID)
}

func TestListSandboxesByCargoIncludesDeleted(t *testing.T) {
	store := newTestStore(t)
	now := time.Now().UTC()

	require.NoError(t, store.CreateSandbox(&types.Sandbox{ID: "sbx-1", CargoID: "crg-1"}))
	require.NoError(t, store.CreateSandbox(&types.Sandbox{ID: "sbx-2", CargoID: "crg-1", DeletedAt: &now}))
	require.NoError(t, store.CreateSandbox(&types.Sandbox{ID: "sbx-3", CargoID: "crg-2"}))

	refs, err := store.ListSandboxesByCargo("crg-1")
	require.NoError(t, err)
	assert.Len(t, refs, 2)
}

func TestCargoCRUD(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.CreateCargo(&types.Cargo{ID: "crg-1", Owner: "alice", Managed: true, ManagedBySandboxID: "sbx-1"}))
	require.NoError(t, store.CreateCargo(&types.Cargo{ID: "crg-2", Owner: "alice"}))
	require.NoError(t, store.CreateCargo(&types.Cargo{ID: "crg-3", Owner: "bob"}))

	list, err := store.ListCargos("alice")
	require.NoError(t, err)
	assert.Len(t, list, 2)

	managed, err := store.ListManagedCargos()
	require.NoError(t, err)
	require.Len(t, managed, 1)
	assert.Equal(t, "crg-1", managed[0].ID)

	require.NoError(t, store.DeleteCargo("crg-1"))
	_, err = store.GetCargo("crg-1")
	assert.True(t, bayerr.HasCode(err, bayerr.CodeNotFound))
}

func TestIdempotencyKeyedByOwner(t *testing.T) {
	store := newTestStore(t)
	now := time.Now().UTC()

	require.NoError(t, store.PutIdempotency(&types.IdempotencyRecord{
		Key: "k1", Owner: "alice", StatusCode: 201, CreatedAt: now, ExpiresAt: now.Add(time.Hour),
	}))

	rec, err := store.GetIdempotency("alice", "k1")
	require.NoError(t, err)
	assert.Equal(t, 201, rec.StatusCode)

	// Same key, different owner: no leak.
	_, err = store.GetIdempotency("bob", "k1")
	assert.True(t, bayerr.HasCode(err, bayerr.CodeNotFound))

	require.NoError(t, store.DeleteIdempotency("alice", "k1"))
	_, err = store.GetIdempotency("alice", "k1")
	assert.True(t, bayerr.HasCode(err, bayerr.CodeNotFound))
}

func TestExecutionsScanByPrefixNewestFirst(t *testing.T) {
	store := newTestStore(t)
	base := time.Now().UTC()

	for i := 0; i < 3; i++ {
		require.NoError(t, store.CreateExecution(&types.ExecutionRecord{
			ID:        string(rune('a' + i)),
			SandboxID: "sbx-1",
			StartedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}
	require.NoError(t, store.CreateExecution(&types.ExecutionRecord{
		ID: "x", SandboxID: "sbx-2", StartedAt: base,
	}))

	recs, err := store.ListExecutionsBySandbox("sbx-1", 2)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "c", recs[0].ID)
	assert.Equal(t, "b", recs[1].ID)
}
