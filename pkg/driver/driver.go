// Package driver abstracts the compute backend. Drivers know how to run
// containers and manage volumes; they never touch the control-plane database
// and never interpret capability semantics.
package driver

import (
	"context"
	"fmt"

	"github.com/shipyard-neo/bay/pkg/config"
	"github.com/shipyard-neo/bay/pkg/types"
)

// SessionMeta carries the identity of the session a container belongs to.
// Drivers turn it into labels so externally-visible resources can always be
// traced back to their owner.
type SessionMeta struct {
	Owner      string
	SandboxID  string
	SessionID  string
	CargoID    string
	ProfileID  string
	InstanceID string
	Env        map[string]string
}

// Labels returns the full label set stamped on a container.
func (m SessionMeta) Labels(spec *config.ContainerSpec) map[string]string {
	return map[string]string{
		types.LabelManaged:     "true",
		types.LabelOwner:       m.Owner,
		types.LabelSandboxID:   m.SandboxID,
		types.LabelSessionID:   m.SessionID,
		types.LabelCargoID:     m.CargoID,
		types.LabelProfileID:   m.ProfileID,
		types.LabelInstanceID:  m.InstanceID,
		types.LabelRuntimePort: fmt.Sprintf("%d", spec.RuntimePort),
	}
}

// Driver is the compute backend contract. Create prepares a container
// without making it reachable; Start makes it run and returns the base URL
// the adapter can reach the runtime at.
type Driver interface {
	// Create prepares a container from the spec with the cargo volume
	// attached. The returned ID is driver-scoped.
	Create(ctx context.Context, meta SessionMeta, spec *config.ContainerSpec, cargoRef string) (string, error)

	// Start runs a created container and returns its runtime endpoint
	// (scheme://host:port).
	Start(ctx context.Context, id string, runtimePort int) (string, error)

	// Stop halts a container without removing backing state.
	Stop(ctx context.Context, id string) error

	// Destroy removes a container entirely. Destroying an absent container
	// is not an error.
	Destroy(ctx context.Context, id string) error

	// Status reports the driver-level state of a container: "running",
	// "stopped", "failed", or "unknown".
	Status(ctx context.Context, id string) (string, error)

	// Logs returns the last lines of a container's output.
	Logs(ctx context.Context, id string, tail int) (string, error)

	// CreateVolume provisions a persistent volume and returns the
	// driver-scoped reference.
	CreateVolume(ctx context.Context, name string, sizeLimitMB int, labels map[string]string) (string, error)

	// DeleteVolume removes a volume. Deleting an absent volume is not an
	// error; deleting an in-use volume is.
	DeleteVolume(ctx context.Context, ref string) error

	// VolumeExists reports whether the backend still has the volume.
	VolumeExists(ctx context.Context, ref string) (bool, error)

	// ListRuntimeInstances returns every container the backend reports as
	// platform-managed, for orphan detection.
	ListRuntimeInstances(ctx context.Context) ([]*types.RuntimeInstance, error)

	// DestroyRuntimeInstance force-removes a container found by listing.
	DestroyRuntimeInstance(ctx context.Context, id string) error

	Close() error
}

// New builds the configured driver.
func New(cfg *config.Config) (Driver, error) {
	switch cfg.Driver.Type {
	case "docker":
		return NewDockerDriver(cfg)
	case "kubernetes":
		return NewKubeDriver(cfg)
	default:
		return nil, fmt.Errorf("unknown driver type %q", cfg.Driver.Type)
	}
}
