package gc

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/shipyard-neo/bay/pkg/bayerr"
	"github.com/shipyard-neo/bay/pkg/cargo"
	"github.com/shipyard-neo/bay/pkg/driver"
	"github.com/shipyard-neo/bay/pkg/log"
	"github.com/shipyard-neo/bay/pkg/sandbox"
	"github.com/shipyard-neo/bay/pkg/storage"
	"github.com/shipyard-neo/bay/pkg/types"
)

// IdleSessionTask stops sessions whose sandbox passed its idle deadline.
// The actual stop re-checks the deadline under the sandbox lock, so a
// keepalive racing this task wins.
type IdleSessionTask struct {
	Store     storage.Store
	Sandboxes *sandbox.Manager
}

func (t *IdleSessionTask) Name() string { return "idle_session" }

func (t *IdleSessionTask) Run(ctx context.Context) (int, error) {
	candidates, err := t.Store.ListIdleExpiredSandboxes(time.Now())
	if err != nil {
		return 0, err
	}
	cleaned := 0
	var errs []error
	for _, sb := range candidates {
		ok, err := t.Sandboxes.ReapIdle(ctx, sb.ID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			cleaned++
		}
	}
	return cleaned, errors.Join(errs...)
}

// ExpiredSandboxTask fully deletes sandboxes past their hard TTL. The
// delete re-checks expiry under the lock, so a racing extend_ttl wins.
type ExpiredSandboxTask struct {
	Store     storage.Store
	Sandboxes *sandbox.Manager
}

func (t *ExpiredSandboxTask) Name() string { return "expired_sandbox" }

func (t *ExpiredSandboxTask) Run(ctx context.Context) (int, error) {
	candidates, err := t.Store.ListExpiredSandboxes(time.Now())
	if err != nil {
		return 0, err
	}
	cleaned := 0
	var errs []error
	for _, sb := range candidates {
		ok, err := t.Sandboxes.DeleteExpired(ctx, sb.ID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			cleaned++
		}
	}
	return cleaned, errors.Join(errs...)
}

// OrphanCargoTask deletes managed cargos whose owning sandbox is gone or
// soft-deleted, covering cascade deletes that failed halfway.
type OrphanCargoTask struct {
	Store  storage.Store
	Cargos *cargo.Manager
}

func (t *OrphanCargoTask) Name() string { return "orphan_cargo" }

func (t *OrphanCargoTask) Run(ctx context.Context) (int, error) {
	managed, err := t.Store.ListManagedCargos()
	if err != nil {
		return 0, err
	}
	cleaned := 0
	var errs []error
	for _, c := range managed {
		sb, err := t.Store.GetSandbox(c.ManagedBySandboxID)
		if err != nil && !bayerr.HasCode(err, bayerr.CodeNotFound) {
			errs = append(errs, err)
			continue
		}
		orphaned := err != nil || sb.DeletedAt != nil
		if !orphaned {
			continue
		}
		if err := t.Cargos.DeleteInternalByID(ctx, c.ID); err != nil {
			errs = append(errs, err)
			continue
		}
		cleaned++
	}
	return cleaned, errors.Join(errs...)
}

// OrphanContainerTask destroys containers the backend reports as managed
// by this instance but that no session row references. It runs in strict
// mode: a container missing any required label, or labeled with a
// different instance ID, is never touched. Shared hosts can run unrelated
// workloads next to ours.
type OrphanContainerTask struct {
	Driver     driver.Driver
	Store      storage.Store
	InstanceID string

	logger     zerolog.Logger
	loggerOnce bool
}

func (t *OrphanContainerTask) Name() string { return "orphan_container" }

func (t *OrphanContainerTask) Run(ctx context.Context) (int, error) {
	if !t.loggerOnce {
		t.logger = log.WithComponent("gc-orphan-container")
		t.loggerOnce = true
	}

	instances, err := t.Driver.ListRuntimeInstances(ctx)
	if err != nil {
		return 0, err
	}

	known := make(map[string]bool)
	sessions, err := t.Store.ListSessions()
	if err != nil {
		return 0, err
	}
	for _, sess := range sessions {
		known[sess.ID] = true
	}

	cleaned := 0
	var errs []error
	for _, inst := range instances {
		if !t.trusted(inst) {
			continue
		}
		if known[inst.Labels[types.LabelSessionID]] {
			continue
		}
		if err := t.Driver.DestroyRuntimeInstance(ctx, inst.ID); err != nil {
			errs = append(errs, err)
			continue
		}
		t.logger.Info().Str("instance_id", inst.ID).
			Str("session_id", inst.Labels[types.LabelSessionID]).
			Msg("orphaned container destroyed")
		cleaned++
	}
	return cleaned, errors.Join(errs...)
}

// trusted verifies the full label contract before a container is even
// considered for destruction.
func (t *OrphanContainerTask) trusted(inst *types.RuntimeInstance) bool {
	for _, label := range types.RequiredContainerLabels {
		if inst.Labels[label] == "" {
			t.logger.Debug().Str("instance_id", inst.ID).Str("missing_label", label).
				Msg("skipping untrusted container")
			return false
		}
	}
	if inst.Labels[types.LabelManaged] != "true" {
		return false
	}
	if inst.Labels[types.LabelInstanceID] != t.InstanceID {
		t.logger.Debug().Str("instance_id", inst.ID).
			Str("owner_instance", inst.Labels[types.LabelInstanceID]).
			Msg("skipping container owned by another instance")
		return false
	}
	return true
}
