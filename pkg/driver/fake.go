package driver

import (
	"context"
	"fmt"
	"sync"

	"github.com/shipyard-neo/bay/pkg/bayerr"
	"github.com/shipyard-neo/bay/pkg/config"
	"github.com/shipyard-neo/bay/pkg/types"
)

// Fake is an in-memory Driver used by tests. Endpoint decides what Start
// returns; point it at an httptest server to fake a runtime.
type Fake struct {
	mu         sync.Mutex
	containers map[string]*fakeContainer
	volumes    map[string]map[string]string
	seq        int

	// Endpoint overrides the URL returned by Start for every container.
	Endpoint string
	// FailCreate, when set, makes Create return an error.
	FailCreate bool
	// FailStart, when set, makes Start return an error.
	FailStart bool
	// FailDestroy, when set, makes Destroy return an error.
	FailDestroy bool
	// VolumeInUse marks volume refs whose deletion should conflict.
	VolumeInUse map[string]bool
}

type fakeContainer struct {
	meta    SessionMeta
	spec    *config.ContainerSpec
	labels  map[string]string
	state   string
	started bool
}

func NewFake() *Fake {
	return &Fake{
		containers:  make(map[string]*fakeContainer),
		volumes:     make(map[string]map[string]string),
		VolumeInUse: make(map[string]bool),
	}
}

func (f *Fake) Create(ctx context.Context, meta SessionMeta, spec *config.ContainerSpec, cargoRef string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailCreate {
		return "", bayerr.Ship("create failed")
	}
	f.seq++
	id := fmt.Sprintf("fake-%d", f.seq)
	f.containers[id] = &fakeContainer{
		meta:   meta,
		spec:   spec,
		labels: meta.Labels(spec),
		state:  "stopped",
	}
	return id, nil
}

func (f *Fake) Start(ctx context.Context, id string, runtimePort int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailStart {
		return "", bayerr.Ship("start failed")
	}
	c, ok := f.containers[id]
	if !ok {
		return "", bayerr.Ship("no such container %s", id)
	}
	c.state = "running"
	c.started = true
	if f.Endpoint != "" {
		return f.Endpoint, nil
	}
	return fmt.Sprintf("http://127.0.0.1:%d", runtimePort), nil
}

func (f *Fake) Stop(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.containers[id]; ok {
		c.state = "stopped"
	}
	return nil
}

func (f *Fake) Destroy(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailDestroy {
		return bayerr.Ship("destroy failed")
	}
	delete(f.containers, id)
	return nil
}

func (f *Fake) Status(ctx context.Context, id string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return "unknown", nil
	}
	return c.state, nil
}

// SetState forces a container state, for crash-recovery tests.
func (f *Fake) SetState(id, state string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.containers[id]; ok {
		c.state = state
	}
}

func (f *Fake) Logs(ctx context.Context, id string, tail int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.containers[id]; !ok {
		return "", bayerr.NotFound("container")
	}
	return "", nil
}

func (f *Fake) CreateVolume(ctx context.Context, name string, sizeLimitMB int, labels map[string]string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.volumes[name] = labels
	return name, nil
}

func (f *Fake) DeleteVolume(ctx context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.VolumeInUse[ref] {
		return bayerr.Conflict("volume %s is in use", ref)
	}
	delete(f.volumes, ref)
	return nil
}

func (f *Fake) VolumeExists(ctx context.Context, ref string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.volumes[ref]
	return ok, nil
}

func (f *Fake) ListRuntimeInstances(ctx context.Context) ([]*types.RuntimeInstance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*types.RuntimeInstance
	for id, c := range f.containers {
		out = append(out, &types.RuntimeInstance{
			ID:     id,
			Name:   id,
			Labels: c.labels,
			State:  c.state,
		})
	}
	return out, nil
}

func (f *Fake) DestroyRuntimeInstance(ctx context.Context, id string) error {
	return f.Destroy(ctx, id)
}

func (f *Fake) Close() error { return nil }

// ContainerCount reports how many containers exist, for assertions.
func (f *Fake) ContainerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.containers)
}

// VolumeCount reports how many volumes exist, for assertions.
func (f *Fake) VolumeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.volumes)
}

// InjectInstance registers a container that the control plane never
// created, for orphan-detection tests.
func (f *Fake) InjectInstance(id string, labels map[string]string, state string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.containers[id] = &fakeContainer{labels: labels, state: state}
}
