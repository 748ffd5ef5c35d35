// Package cargo manages persistent workspace volumes. A cargo row in the
// database owns exactly one driver volume; the two are created and deleted
// together.
package cargo

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/shipyard-neo/bay/pkg/bayerr"
	"github.com/shipyard-neo/bay/pkg/config"
	"github.com/shipyard-neo/bay/pkg/driver"
	"github.com/shipyard-neo/bay/pkg/log"
	"github.com/shipyard-neo/bay/pkg/storage"
	"github.com/shipyard-neo/bay/pkg/types"
)

// Manager creates and deletes cargos and enforces the managed/external
// lifetime rules.
type Manager struct {
	store  storage.Store
	driver driver.Driver
	cfg    *config.Config
	logger zerolog.Logger
}

func NewManager(store storage.Store, drv driver.Driver, cfg *config.Config) *Manager {
	return &Manager{
		store:  store,
		driver: drv,
		cfg:    cfg,
		logger: log.WithComponent("cargo"),
	}
}

// CreateOptions control cargo creation. Managed cargos are created only by
// the sandbox manager during sandbox creation.
type CreateOptions struct {
	Owner              string
	Managed            bool
	ManagedBySandboxID string
	SizeLimitMB        int
}

// Create provisions the driver volume first, then the row. If the row write
// fails the volume is rolled back so no unreferenced storage survives.
func (m *Manager) Create(ctx context.Context, opts CreateOptions) (*types.Cargo, error) {
	if opts.Owner == "" {
		return nil, bayerr.Validation("cargo owner is required")
	}
	sizeLimit := opts.SizeLimitMB
	if sizeLimit <= 0 {
		sizeLimit = m.cfg.Cargo.DefaultSizeLimitMB
	}

	id := "crg-" + uuid.New().String()
	labels := map[string]string{
		types.LabelManaged: "true",
		types.LabelOwner:   opts.Owner,
		types.LabelCargoID: id,
	}

	ref, err := m.driver.CreateVolume(ctx, id, sizeLimit, labels)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	c := &types.Cargo{
		ID:                 id,
		Owner:              opts.Owner,
		Managed:            opts.Managed,
		ManagedBySandboxID: opts.ManagedBySandboxID,
		Backend:            m.cfg.Driver.Type,
		DriverRef:          ref,
		SizeLimitMB:        sizeLimit,
		CreatedAt:          now,
		LastAccessedAt:     now,
	}

	if err := m.store.CreateCargo(c); err != nil {
		if delErr := m.driver.DeleteVolume(ctx, ref); delErr != nil {
			m.logger.Error().Err(delErr).Str("cargo_id", id).
				Msg("failed to roll back volume after row write failure")
		}
		return nil, bayerr.Internal(fmt.Errorf("failed to persist cargo: %w", err))
	}

	m.logger.Info().Str("cargo_id", id).Bool("managed", opts.Managed).Msg("cargo created")
	return c, nil
}

// Get returns an owner's cargo. Other owners' cargos are indistinguishable
// from absent ones.
func (m *Manager) Get(ctx context.Context, owner, id string) (*types.Cargo, error) {
	c, err := m.store.GetCargo(id)
	if err != nil {
		return nil, err
	}
	if c.Owner != owner {
		return nil, bayerr.NotFound("cargo")
	}
	return c, nil
}

// List returns an owner's cargos.
func (m *Manager) List(ctx context.Context, owner string) ([]*types.Cargo, error) {
	return m.store.ListCargos(owner)
}

// Delete removes an external cargo. It refuses while any live sandbox still
// references the cargo; soft-deleted sandboxes do not block deletion.
// Managed cargos can only be deleted with force, which the sandbox manager
// uses during cascade delete.
func (m *Manager) Delete(ctx context.Context, owner, id string, force bool) error {
	c, err := m.Get(ctx, owner, id)
	if err != nil {
		return err
	}

	if c.Managed && !force {
		return bayerr.Conflict("cargo %s is managed by sandbox %s", id, c.ManagedBySandboxID)
	}

	if !force {
		refs, err := m.store.ListSandboxesByCargo(id)
		if err != nil {
			return bayerr.Internal(err)
		}
		var active []string
		for _, sb := range refs {
			if sb.DeletedAt == nil {
				active = append(active, sb.ID)
			}
		}
		if len(active) > 0 {
			return bayerr.Conflict("cargo %s is attached to active sandboxes", id).
				WithDetail("active_sandbox_ids", active)
		}
	}

	return m.destroy(ctx, c)
}

// DeleteInternalByID removes a cargo row and volume without owner checks.
// Used by the sandbox manager's cascade delete and by orphan GC; absent
// rows are not an error.
func (m *Manager) DeleteInternalByID(ctx context.Context, id string) error {
	c, err := m.store.GetCargo(id)
	if err != nil {
		if bayerr.HasCode(err, bayerr.CodeNotFound) {
			return nil
		}
		return err
	}
	return m.destroy(ctx, c)
}

func (m *Manager) destroy(ctx context.Context, c *types.Cargo) error {
	// An already-gone volume means someone deleted it out from under us;
	// the row is still ours to clean up.
	if err := m.driver.DeleteVolume(ctx, c.DriverRef); err != nil {
		if bayerr.HasCode(err, bayerr.CodeConflict) {
			return err
		}
		m.logger.Warn().Err(err).Str("cargo_id", c.ID).Msg("volume deletion failed, removing row anyway")
	}
	if err := m.store.DeleteCargo(c.ID); err != nil {
		return bayerr.Internal(err)
	}
	m.logger.Info().Str("cargo_id", c.ID).Msg("cargo deleted")
	return nil
}

// Touch updates last_accessed_at; failures are logged, not surfaced.
func (m *Manager) Touch(ctx context.Context, id string) {
	c, err := m.store.GetCargo(id)
	if err != nil {
		return
	}
	c.LastAccessedAt = time.Now().UTC()
	if err := m.store.UpdateCargo(c); err != nil {
		m.logger.Warn().Err(err).Str("cargo_id", id).Msg("failed to update last access time")
	}
}
