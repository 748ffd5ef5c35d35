// Package session starts and tears down the container sets that embody a
// sandbox's compute. Sessions are ephemeral; all durable state lives on the
// sandbox and cargo rows.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/shipyard-neo/bay/pkg/adapter"
	"github.com/shipyard-neo/bay/pkg/bayerr"
	"github.com/shipyard-neo/bay/pkg/config"
	"github.com/shipyard-neo/bay/pkg/driver"
	"github.com/shipyard-neo/bay/pkg/log"
	"github.com/shipyard-neo/bay/pkg/metrics"
	"github.com/shipyard-neo/bay/pkg/storage"
	"github.com/shipyard-neo/bay/pkg/types"
)

const healthPollInterval = 500 * time.Millisecond

// Manager starts and destroys sessions.
type Manager struct {
	store      storage.Store
	driver     driver.Driver
	cfg        *config.Config
	instanceID string
	logger     zerolog.Logger
}

func NewManager(store storage.Store, drv driver.Driver, cfg *config.Config) *Manager {
	return &Manager{
		store:      store,
		driver:     drv,
		cfg:        cfg,
		instanceID: cfg.GC.InstanceID,
		logger:     log.WithComponent("session"),
	}
}

// Get returns a session row.
func (m *Manager) Get(id string) (*types.Session, error) {
	return m.store.GetSession(id)
}

// Start brings up all containers of a profile for a sandbox and waits until
// every one is healthy. On any failure it tears down everything it created
// and returns session_not_ready; a failed start leaves no containers behind.
func (m *Manager) Start(ctx context.Context, sb *types.Sandbox, profile *config.Profile, cargoRef string) (*types.Session, error) {
	started := time.Now()

	sess := &types.Session{
		ID:        "ses-" + uuid.New().String(),
		SandboxID: sb.ID,
		ProfileID: profile.ID,
		Status:    types.SessionStatusStarting,
		CreatedAt: started.UTC(),
	}
	if err := m.store.CreateSession(sess); err != nil {
		return nil, bayerr.Internal(err)
	}

	ctx, cancel := context.WithTimeout(ctx, m.cfg.Driver.StartTimeout())
	defer cancel()

	meta := driver.SessionMeta{
		Owner:      sb.Owner,
		SandboxID:  sb.ID,
		SessionID:  sess.ID,
		CargoID:    sb.CargoID,
		ProfileID:  profile.ID,
		InstanceID: m.instanceID,
		Env:        profile.Env,
	}

	instances, err := m.startContainers(ctx, meta, profile, cargoRef)
	if err != nil {
		m.teardown(instances)
		sess.Status = types.SessionStatusFailed
		_ = m.store.UpdateSession(sess)
		_ = m.store.DeleteSession(sess.ID)
		metrics.SessionsStarted.WithLabelValues("failed").Inc()
		m.logger.Error().Err(err).Str("sandbox_id", sb.ID).Msg("session start failed")
		return nil, bayerr.SessionNotReady("session failed to start: %v", err)
	}

	if err := m.waitHealthy(ctx, instances); err != nil {
		m.teardown(instances)
		_ = m.store.DeleteSession(sess.ID)
		metrics.SessionsStarted.WithLabelValues("failed").Inc()
		m.logger.Error().Err(err).Str("sandbox_id", sb.ID).Msg("session containers never became healthy")
		return nil, bayerr.SessionNotReady("session failed to become healthy: %v", err)
	}

	sess.Containers = instances
	sess.Status = types.SessionStatusReady
	if err := m.store.UpdateSession(sess); err != nil {
		m.teardown(instances)
		_ = m.store.DeleteSession(sess.ID)
		return nil, bayerr.Internal(err)
	}

	metrics.SessionsStarted.WithLabelValues("ready").Inc()
	metrics.SessionStartDuration.Observe(time.Since(started).Seconds())
	metrics.SessionsActive.Inc()
	m.logger.Info().
		Str("session_id", sess.ID).
		Str("sandbox_id", sb.ID).
		Int("containers", len(instances)).
		Dur("took", time.Since(started)).
		Msg("session ready")
	return sess, nil
}

// startContainers creates and starts every container of the profile,
// parallel or sequential per the profile's startup order. It returns all
// instances created so far even on error so the caller can tear them down.
func (m *Manager) startContainers(ctx context.Context, meta driver.SessionMeta, profile *config.Profile, cargoRef string) ([]*types.ContainerInstance, error) {
	if profile.Startup.Order == "sequential" {
		var out []*types.ContainerInstance
		for _, spec := range profile.Containers {
			inst, err := m.startOne(ctx, meta, spec, cargoRef)
			if inst != nil {
				out = append(out, inst)
			}
			if err != nil {
				return out, err
			}
		}
		return out, nil
	}

	type result struct {
		idx  int
		inst *types.ContainerInstance
		err  error
	}

	results := make([]result, len(profile.Containers))
	var wg sync.WaitGroup
	for i, spec := range profile.Containers {
		wg.Add(1)
		go func(i int, spec *config.ContainerSpec) {
			defer wg.Done()
			inst, err := m.startOne(ctx, meta, spec, cargoRef)
			results[i] = result{idx: i, inst: inst, err: err}
		}(i, spec)
	}
	wg.Wait()

	var out []*types.ContainerInstance
	var errs []error
	for _, r := range results {
		if r.inst != nil {
			out = append(out, r.inst)
		}
		if r.err != nil {
			errs = append(errs, r.err)
		}
	}
	return out, errors.Join(errs...)
}

// startOne creates and starts a single container. A created-but-unstarted
// container is still returned so teardown can reclaim it.
func (m *Manager) startOne(ctx context.Context, meta driver.SessionMeta, spec *config.ContainerSpec, cargoRef string) (*types.ContainerInstance, error) {
	id, err := m.driver.Create(ctx, meta, spec, cargoRef)
	if err != nil {
		return nil, fmt.Errorf("container %s: %w", spec.Name, err)
	}

	inst := &types.ContainerInstance{
		Name:         spec.Name,
		ContainerID:  id,
		RuntimeType:  spec.RuntimeType,
		Capabilities: spec.Capabilities,
		PrimaryFor:   spec.PrimaryFor,
	}

	endpoint, err := m.driver.Start(ctx, id, spec.RuntimePort)
	if err != nil {
		return inst, fmt.Errorf("container %s: %w", spec.Name, err)
	}
	inst.Endpoint = endpoint
	return inst, nil
}

// waitHealthy polls every container's health endpoint until all report
// ready or the start deadline passes.
func (m *Manager) waitHealthy(ctx context.Context, instances []*types.ContainerInstance) error {
	for _, inst := range instances {
		ad := adapter.New(inst.Endpoint, inst.RuntimeType)
		for {
			h, err := ad.Health(ctx)
			if err == nil && h.Ready() {
				break
			}
			select {
			case <-ctx.Done():
				if err != nil {
					return fmt.Errorf("container %s: %w", inst.Name, err)
				}
				return fmt.Errorf("container %s never reported ready", inst.Name)
			case <-time.After(healthPollInterval):
			}
		}
	}
	return nil
}

// Destroy removes a session's containers and its row. Destruction is
// best-effort per container; all failures are collected and returned
// together.
func (m *Manager) Destroy(ctx context.Context, sess *types.Session) error {
	var errs []error
	for _, inst := range sess.Containers {
		if err := m.driver.Destroy(ctx, inst.ContainerID); err != nil {
			errs = append(errs, fmt.Errorf("container %s: %w", inst.Name, err))
		}
	}
	if err := m.store.DeleteSession(sess.ID); err != nil {
		errs = append(errs, err)
	} else if sess.Status == types.SessionStatusReady {
		// The gauge follows the session row, not container teardown
		// success; only ready sessions were ever counted.
		metrics.SessionsActive.Dec()
	}
	if len(errs) == 0 {
		m.logger.Info().Str("session_id", sess.ID).Msg("session destroyed")
	}
	return errors.Join(errs...)
}

// teardown reclaims containers after a failed start, outside any session
// row bookkeeping.
func (m *Manager) teardown(instances []*types.ContainerInstance) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, inst := range instances {
		if err := m.driver.Destroy(ctx, inst.ContainerID); err != nil {
			m.logger.Error().Err(err).Str("container_id", inst.ContainerID).
				Msg("failed to reclaim container after aborted start")
		}
	}
}
