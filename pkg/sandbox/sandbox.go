// Package sandbox implements the durable sandbox lifecycle: creation with
// lazy compute, TTL and idle accounting, stop, soft delete, and the GC
// entry points. Every state transition runs under the sandbox's lock and
// re-reads the row after acquiring it.
package sandbox

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/shipyard-neo/bay/pkg/bayerr"
	"github.com/shipyard-neo/bay/pkg/cargo"
	"github.com/shipyard-neo/bay/pkg/config"
	"github.com/shipyard-neo/bay/pkg/lock"
	"github.com/shipyard-neo/bay/pkg/log"
	"github.com/shipyard-neo/bay/pkg/session"
	"github.com/shipyard-neo/bay/pkg/storage"
	"github.com/shipyard-neo/bay/pkg/types"
)

// Manager owns sandbox rows and drives their transitions.
type Manager struct {
	store    storage.Store
	sessions *session.Manager
	cargos   *cargo.Manager
	cfg      *config.Config
	locks    *lock.Table
	logger   zerolog.Logger
}

func NewManager(store storage.Store, sessions *session.Manager, cargos *cargo.Manager, cfg *config.Config, locks *lock.Table) *Manager {
	return &Manager{
		store:    store,
		sessions: sessions,
		cargos:   cargos,
		cfg:      cfg,
		locks:    locks,
		logger:   log.WithComponent("sandbox"),
	}
}

// CreateOptions are the caller-supplied knobs for a new sandbox.
type CreateOptions struct {
	Owner      string
	Profile    string
	TTLSeconds *int   // nil or 0 = never expires
	CargoID    string // attach an existing external cargo instead of creating a managed one
}

// Create makes the durable sandbox row. No compute is provisioned; the
// first capability call does that.
func (m *Manager) Create(ctx context.Context, opts CreateOptions) (*types.Sandbox, error) {
	profileID := opts.Profile
	if profileID == "" {
		if p := m.cfg.DefaultProfile(); p != nil {
			profileID = p.ID
		}
	}
	profile := m.cfg.Profile(profileID)
	if profile == nil {
		return nil, bayerr.Validation("unknown profile %q", profileID)
	}

	id := "sbx-" + uuid.New().String()
	now := time.Now().UTC()

	sb := &types.Sandbox{
		ID:        id,
		Owner:     opts.Owner,
		Profile:   profileID,
		CreatedAt: now,
	}
	if opts.TTLSeconds != nil && *opts.TTLSeconds > 0 {
		t := now.Add(time.Duration(*opts.TTLSeconds) * time.Second)
		sb.ExpiresAt = &t
	}

	if opts.CargoID != "" {
		c, err := m.cargos.Get(ctx, opts.Owner, opts.CargoID)
		if err != nil {
			return nil, err
		}
		if c.Managed {
			return nil, bayerr.Validation("cargo %s is managed and cannot be attached", c.ID)
		}
		sb.CargoID = c.ID
	} else {
		c, err := m.cargos.Create(ctx, cargo.CreateOptions{
			Owner:              opts.Owner,
			Managed:            true,
			ManagedBySandboxID: id,
		})
		if err != nil {
			return nil, err
		}
		sb.CargoID = c.ID
	}

	if err := m.store.CreateSandbox(sb); err != nil {
		// Creation of the managed cargo succeeded; reclaim it rather than
		// leaving an orphan for GC.
		if opts.CargoID == "" {
			_ = m.cargos.DeleteInternalByID(ctx, sb.CargoID)
		}
		return nil, bayerr.Internal(err)
	}

	m.logger.Info().Str("sandbox_id", id).Str("profile", profileID).Msg("sandbox created")
	return sb, nil
}

// Get returns an owner's live sandbox. Soft-deleted rows and other owners'
// rows both surface as not found.
func (m *Manager) Get(ctx context.Context, owner, id string) (*types.Sandbox, error) {
	sb, err := m.store.GetSandbox(id)
	if err != nil {
		return nil, err
	}
	if sb.Owner != owner || sb.DeletedAt != nil {
		return nil, bayerr.NotFound("sandbox")
	}
	return sb, nil
}

// CurrentSession returns the sandbox's session row, nil when idle.
func (m *Manager) CurrentSession(sb *types.Sandbox) *types.Session {
	if sb.CurrentSessionID == "" {
		return nil
	}
	sess, err := m.store.GetSession(sb.CurrentSessionID)
	if err != nil {
		return nil
	}
	return sess
}

// List returns an owner's sandboxes, optionally filtered to one computed
// status.
func (m *Manager) List(ctx context.Context, owner string, status types.SandboxStatus) ([]*types.Sandbox, error) {
	all, err := m.store.ListSandboxes(owner)
	if err != nil {
		return nil, err
	}
	if status == "" {
		return all, nil
	}
	now := time.Now()
	var out []*types.Sandbox
	for _, sb := range all {
		if sb.Status(m.CurrentSession(sb), now) == status {
			out = append(out, sb)
		}
	}
	return out, nil
}

// EnsureRunning returns a ready session for the sandbox, starting one when
// needed. Runs under the per-sandbox lock; the row is re-read after the
// lock is held so a concurrent stop or delete cannot be overwritten.
func (m *Manager) EnsureRunning(ctx context.Context, sb *types.Sandbox) (*types.Session, error) {
	release := m.locks.Acquire(sb.ID)
	defer release()

	sb, err := m.store.GetSandbox(sb.ID)
	if err != nil {
		return nil, err
	}
	if sb.DeletedAt != nil {
		return nil, bayerr.NotFound("sandbox")
	}
	now := time.Now()
	if sb.ExpiresAt != nil && sb.ExpiresAt.Before(now) {
		return nil, bayerr.SandboxExpired(sb.ID)
	}

	profile := m.cfg.Profile(sb.Profile)
	if profile == nil {
		return nil, bayerr.Internal(bayerr.New(bayerr.CodeInternal, "sandbox %s references unknown profile %q", sb.ID, sb.Profile))
	}

	if sb.CurrentSessionID != "" {
		sess, err := m.store.GetSession(sb.CurrentSessionID)
		if err == nil && sess.Status == types.SessionStatusReady {
			m.touchIdle(sb, profile)
			return sess, nil
		}
		// Stale reference: the session row is gone or unusable. Reclaim
		// whatever containers remain and start fresh.
		if err == nil {
			_ = m.sessions.Destroy(ctx, sess)
		}
		sb.CurrentSessionID = ""
	}

	c, err := m.store.GetCargo(sb.CargoID)
	if err != nil {
		return nil, err
	}

	sess, err := m.sessions.Start(ctx, sb, profile, c.DriverRef)
	if err != nil {
		return nil, err
	}

	sb.CurrentSessionID = sess.ID
	m.setIdle(sb, profile)
	if err := m.store.UpdateSandbox(sb); err != nil {
		_ = m.sessions.Destroy(ctx, sess)
		return nil, bayerr.Internal(err)
	}
	m.cargos.Touch(ctx, sb.CargoID)
	return sess, nil
}

func (m *Manager) setIdle(sb *types.Sandbox, profile *config.Profile) {
	if d := profile.IdleTimeoutDuration(); d > 0 {
		t := time.Now().UTC().Add(d)
		sb.IdleExpiresAt = &t
	} else {
		sb.IdleExpiresAt = nil
	}
}

// touchIdle pushes the idle deadline forward and persists it.
func (m *Manager) touchIdle(sb *types.Sandbox, profile *config.Profile) {
	if profile.IdleTimeoutDuration() <= 0 {
		return
	}
	m.setIdle(sb, profile)
	if err := m.store.UpdateSandbox(sb); err != nil {
		m.logger.Warn().Err(err).Str("sandbox_id", sb.ID).Msg("failed to persist idle deadline")
	}
}

// ExtendTTL pushes the hard expiry forward. Infinite-TTL sandboxes cannot
// be extended, and already-expired ones are refused so GC wins the race.
func (m *Manager) ExtendTTL(ctx context.Context, owner, id string, extendBy time.Duration) (*types.Sandbox, error) {
	release := m.locks.Acquire(id)
	defer release()

	sb, err := m.Get(ctx, owner, id)
	if err != nil {
		return nil, err
	}
	if sb.ExpiresAt == nil {
		return nil, bayerr.TTLInfinite(id)
	}
	now := time.Now().UTC()
	if sb.ExpiresAt.Before(now) {
		return nil, bayerr.SandboxExpired(id)
	}

	base := *sb.ExpiresAt
	if base.Before(now) {
		base = now
	}
	t := base.Add(extendBy)
	sb.ExpiresAt = &t
	if err := m.store.UpdateSandbox(sb); err != nil {
		return nil, bayerr.Internal(err)
	}
	return sb, nil
}

// Keepalive resets the idle deadline without touching the hard TTL and
// without starting a session. The idle deadline exists only while a session
// does, so keepalive on an idle sandbox has nothing to reset and succeeds
// as a no-op.
func (m *Manager) Keepalive(ctx context.Context, owner, id string) error {
	release := m.locks.Acquire(id)
	defer release()

	sb, err := m.Get(ctx, owner, id)
	if err != nil {
		return err
	}
	if sb.CurrentSessionID == "" {
		return nil
	}
	profile := m.cfg.Profile(sb.Profile)
	if profile == nil {
		return nil
	}
	m.setIdle(sb, profile)
	if err := m.store.UpdateSandbox(sb); err != nil {
		return bayerr.Internal(err)
	}
	return nil
}

// Stop destroys the current session and returns the sandbox to idle. Cargo
// is untouched. Stopping an idle sandbox is a no-op.
func (m *Manager) Stop(ctx context.Context, owner, id string) error {
	release := m.locks.Acquire(id)
	defer release()

	sb, err := m.Get(ctx, owner, id)
	if err != nil {
		return err
	}
	return m.stopLocked(ctx, sb)
}

func (m *Manager) stopLocked(ctx context.Context, sb *types.Sandbox) error {
	if sb.CurrentSessionID != "" {
		if sess, err := m.store.GetSession(sb.CurrentSessionID); err == nil {
			if err := m.sessions.Destroy(ctx, sess); err != nil {
				m.logger.Error().Err(err).Str("sandbox_id", sb.ID).Msg("session teardown incomplete")
			}
		}
	}
	sb.CurrentSessionID = ""
	sb.IdleExpiresAt = nil
	if err := m.store.UpdateSandbox(sb); err != nil {
		return bayerr.Internal(err)
	}
	return nil
}

// Delete soft-deletes a sandbox: session destroyed, managed cargo
// cascade-deleted, external cargo left alone. The row survives with
// deleted_at set so the ID cannot be reused.
func (m *Manager) Delete(ctx context.Context, owner, id string) error {
	release := m.locks.Acquire(id)
	defer release()

	sb, err := m.Get(ctx, owner, id)
	if err != nil {
		return err
	}
	return m.deleteLocked(ctx, sb)
}

func (m *Manager) deleteLocked(ctx context.Context, sb *types.Sandbox) error {
	if err := m.stopLocked(ctx, sb); err != nil {
		return err
	}

	now := time.Now().UTC()
	sb.DeletedAt = &now
	if err := m.store.UpdateSandbox(sb); err != nil {
		return bayerr.Internal(err)
	}

	if sb.CargoID != "" {
		c, err := m.store.GetCargo(sb.CargoID)
		if err == nil && c.Managed && c.ManagedBySandboxID == sb.ID {
			if err := m.cargos.DeleteInternalByID(ctx, c.ID); err != nil {
				m.logger.Error().Err(err).Str("cargo_id", c.ID).Msg("cascade cargo delete failed, orphan GC will retry")
			}
		}
	}

	m.logger.Info().Str("sandbox_id", sb.ID).Msg("sandbox deleted")
	return nil
}

// ReapIdle is the idle-GC entry point: under the lock, re-check that the
// idle deadline is still in the past (a racing keepalive moves it) and
// destroy the session if so. Reports whether anything was reclaimed.
func (m *Manager) ReapIdle(ctx context.Context, id string) (bool, error) {
	release := m.locks.Acquire(id)
	defer release()

	sb, err := m.store.GetSandbox(id)
	if err != nil {
		if bayerr.HasCode(err, bayerr.CodeNotFound) {
			return false, nil
		}
		return false, err
	}
	now := time.Now()
	if sb.DeletedAt != nil || sb.CurrentSessionID == "" ||
		sb.IdleExpiresAt == nil || !sb.IdleExpiresAt.Before(now) {
		return false, nil
	}

	if err := m.stopLocked(ctx, sb); err != nil {
		return false, err
	}
	m.logger.Info().Str("sandbox_id", id).Msg("idle session reclaimed")
	return true, nil
}

// DeleteExpired is the TTL-GC entry point: under the lock, re-check expiry
// (a racing extend_ttl moves it) and run the full delete if still past due.
func (m *Manager) DeleteExpired(ctx context.Context, id string) (bool, error) {
	release := m.locks.Acquire(id)
	defer release()

	sb, err := m.store.GetSandbox(id)
	if err != nil {
		if bayerr.HasCode(err, bayerr.CodeNotFound) {
			return false, nil
		}
		return false, err
	}
	now := time.Now()
	if sb.DeletedAt != nil || sb.ExpiresAt == nil || !sb.ExpiresAt.Before(now) {
		return false, nil
	}

	if err := m.deleteLocked(ctx, sb); err != nil {
		return false, err
	}
	return true, nil
}

// InvalidateSession tears down the current session after the router detects
// a dead container. The next capability call provisions a fresh session.
func (m *Manager) InvalidateSession(ctx context.Context, sandboxID, sessionID string) {
	release := m.locks.Acquire(sandboxID)
	defer release()

	sb, err := m.store.GetSandbox(sandboxID)
	if err != nil || sb.CurrentSessionID != sessionID {
		return
	}
	if err := m.stopLocked(ctx, sb); err != nil {
		m.logger.Error().Err(err).Str("sandbox_id", sandboxID).Msg("failed to invalidate dead session")
	}
}
