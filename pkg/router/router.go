// Package router resolves a capability call to a container of the
// sandbox's running session, hands the caller a bound adapter, and records
// the execution. It also notices dead containers and tears the session
// down so the next call starts fresh.
package router

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/shipyard-neo/bay/pkg/adapter"
	"github.com/shipyard-neo/bay/pkg/bayerr"
	"github.com/shipyard-neo/bay/pkg/log"
	"github.com/shipyard-neo/bay/pkg/metrics"
	"github.com/shipyard-neo/bay/pkg/sandbox"
	"github.com/shipyard-neo/bay/pkg/storage"
	"github.com/shipyard-neo/bay/pkg/types"
)

// Router routes capability invocations.
type Router struct {
	sandboxes *sandbox.Manager
	store     storage.Store
	logger    zerolog.Logger

	// Adapters are cached per (endpoint, container) so the meta fetch and
	// its capability verification happen once per container lifetime. A
	// recreated container gets a new ID and therefore a fresh adapter.
	mu       sync.Mutex
	adapters map[string]*cachedAdapter
}

type cachedAdapter struct {
	adapter  *adapter.Adapter
	verified map[types.Capability]bool
}

func New(sandboxes *sandbox.Manager, store storage.Store) *Router {
	return &Router{
		sandboxes: sandboxes,
		store:     store,
		logger:    log.WithComponent("router"),
		adapters:  make(map[string]*cachedAdapter),
	}
}

// Result wraps a capability call's return value with its execution record
// identifiers.
type Result struct {
	Value       any
	ExecutionID string
	SessionID   string
	DurationMS  int64
}

// Do ensures the sandbox has a running session, selects the container
// serving the capability, and runs fn against its adapter. Every call,
// successful or not, leaves an execution record.
func (r *Router) Do(ctx context.Context, sb *types.Sandbox, capability types.Capability, execType string, fn func(context.Context, *adapter.Adapter) (any, error)) (*Result, error) {
	sess, err := r.sandboxes.EnsureRunning(ctx, sb)
	if err != nil {
		return nil, err
	}

	inst := selectContainer(sess, capability)
	if inst == nil {
		return nil, bayerr.CapabilityNotSupported(string(capability))
	}

	// The meta verification inside adapterFor talks to the container too, so
	// its transport failures go through the same recovery as fn's.
	started := time.Now()
	ad, err := r.adapterFor(ctx, inst, capability)
	var value any
	if err == nil {
		value, err = fn(ctx, ad)
	}
	duration := time.Since(started)

	if err != nil && bayerr.HasCode(err, bayerr.CodeShip) {
		err = r.recover(ctx, sb, sess, inst, err)
	}

	rec := &types.ExecutionRecord{
		ID:         "exe-" + uuid.New().String(),
		SandboxID:  sb.ID,
		SessionID:  sess.ID,
		ExecType:   execType,
		StartedAt:  started.UTC(),
		DurationMS: duration.Milliseconds(),
		Success:    err == nil,
	}
	if storeErr := r.store.CreateExecution(rec); storeErr != nil {
		r.logger.Warn().Err(storeErr).Str("sandbox_id", sb.ID).Msg("failed to record execution")
	}

	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.ExecutionsTotal.WithLabelValues(execType, outcome).Inc()

	if err != nil {
		return nil, err
	}
	return &Result{
		Value:       value,
		ExecutionID: rec.ID,
		SessionID:   sess.ID,
		DurationMS:  duration.Milliseconds(),
	}, nil
}

// selectContainer picks the container serving a capability: an explicit
// primary wins, otherwise the first container declaring the capability, in
// declaration order.
func selectContainer(sess *types.Session, capability types.Capability) *types.ContainerInstance {
	for _, inst := range sess.Containers {
		for _, c := range inst.PrimaryFor {
			if c == capability {
				return inst
			}
		}
	}
	for _, inst := range sess.Containers {
		for _, c := range inst.Capabilities {
			if c == capability {
				return inst
			}
		}
	}
	return nil
}

// adapterFor returns the cached adapter for a container, verifying against
// the runtime's meta that it really serves the capability the profile
// claims. Verification happens once per adapter and capability.
func (r *Router) adapterFor(ctx context.Context, inst *types.ContainerInstance, capability types.Capability) (*adapter.Adapter, error) {
	key := inst.Endpoint + "|" + inst.ContainerID

	r.mu.Lock()
	ca, ok := r.adapters[key]
	if !ok {
		ca = &cachedAdapter{
			adapter:  adapter.New(inst.Endpoint, inst.RuntimeType),
			verified: make(map[types.Capability]bool),
		}
		r.adapters[key] = ca
	}
	verified := ca.verified[capability]
	r.mu.Unlock()

	if !verified {
		has, err := ca.adapter.HasCapability(ctx, capability)
		if err != nil {
			return nil, err
		}
		if !has {
			return nil, bayerr.CapabilityNotSupported(string(capability)).
				WithDetail("container", inst.Name)
		}
		r.mu.Lock()
		ca.verified[capability] = true
		r.mu.Unlock()
	}
	return ca.adapter, nil
}

// recover runs after a transport failure: if the container's health check
// also fails, the session is torn down and the caller gets a retry-friendly
// error instead of a bare transport one.
func (r *Router) recover(ctx context.Context, sb *types.Sandbox, sess *types.Session, inst *types.ContainerInstance, orig error) error {
	ad := adapter.New(inst.Endpoint, inst.RuntimeType)
	if h, err := ad.Health(ctx); err == nil && h.Ready() {
		// Container is alive; the failure was call-specific.
		return orig
	}

	r.logger.Warn().
		Str("sandbox_id", sb.ID).
		Str("session_id", sess.ID).
		Str("container", inst.Name).
		Msg("container unreachable, tearing down session")

	r.sandboxes.InvalidateSession(ctx, sb.ID, sess.ID)
	r.dropAdapters(sess)

	return bayerr.SessionNotReady("session lost its container %s, retry to start a new session", inst.Name).
		WithCause(orig)
}

// dropAdapters evicts all cached adapters belonging to a session's
// containers.
func (r *Router) dropAdapters(sess *types.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, inst := range sess.Containers {
		delete(r.adapters, inst.Endpoint+"|"+inst.ContainerID)
	}
}
