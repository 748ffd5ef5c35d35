package driver

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	containerTypes "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	imageTypes "github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	volumeTypes "github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"github.com/rs/zerolog"

	"github.com/shipyard-neo/bay/pkg/bayerr"
	"github.com/shipyard-neo/bay/pkg/config"
	"github.com/shipyard-neo/bay/pkg/log"
	"github.com/shipyard-neo/bay/pkg/types"
)

// DockerDriver runs sessions as containers against a single Docker daemon.
type DockerDriver struct {
	client    *client.Client
	network   string
	mountPath string
	logger    zerolog.Logger
}

// NewDockerDriver creates a driver connected to the configured daemon.
func NewDockerDriver(cfg *config.Config) (*DockerDriver, error) {
	opts := []client.Opt{
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	}
	if cfg.Driver.Docker.Host != "" {
		opts = append(opts, client.WithHost(cfg.Driver.Docker.Host))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := cli.Ping(ctx); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("failed to connect to docker daemon: %w", err)
	}

	return &DockerDriver{
		client:    cli,
		network:   cfg.Driver.Docker.Network,
		mountPath: cfg.Cargo.MountPath,
		logger:    log.WithComponent("docker-driver"),
	}, nil
}

func (d *DockerDriver) Close() error {
	return d.client.Close()
}

// ensureImage pulls the image when it is not available locally.
func (d *DockerDriver) ensureImage(ctx context.Context, image string) error {
	if _, err := d.client.ImageInspect(ctx, image); err == nil {
		return nil
	}

	d.logger.Info().Str("image", image).Msg("pulling image")
	reader, err := d.client.ImagePull(ctx, image, imageTypes.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", image, err)
	}
	defer func() { _ = reader.Close() }()

	// Drain the reader to complete the pull (progress is discarded)
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("failed to complete image pull for %s: %w", image, err)
	}
	return nil
}

func (d *DockerDriver) Create(ctx context.Context, meta SessionMeta, spec *config.ContainerSpec, cargoRef string) (string, error) {
	if err := d.ensureImage(ctx, spec.Image); err != nil {
		return "", bayerr.Ship("image unavailable: %s", spec.Image).WithCause(err)
	}

	env := []string{
		fmt.Sprintf("SANDBOX_ID=%s", meta.SandboxID),
		fmt.Sprintf("SESSION_ID=%s", meta.SessionID),
	}
	for k, v := range meta.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	for k, v := range spec.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	containerConfig := &containerTypes.Config{
		Image:  spec.Image,
		Env:    env,
		Labels: meta.Labels(spec),
	}

	hostConfig := &containerTypes.HostConfig{
		Mounts: []mount.Mount{
			{
				Type:   mount.TypeVolume,
				Source: cargoRef,
				Target: d.mountPath,
			},
		},
	}

	if spec.Resources.MemoryMB > 0 {
		hostConfig.Memory = int64(spec.Resources.MemoryMB) * 1024 * 1024
	}
	if spec.Resources.CPUCores > 0 {
		hostConfig.NanoCPUs = int64(spec.Resources.CPUCores * 1e9)
	}

	var netConfig *network.NetworkingConfig
	if d.network != "" {
		netConfig = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{
				d.network: {},
			},
		}
	} else {
		// No shared network: publish the runtime port on a random host port.
		port := nat.Port(fmt.Sprintf("%d/tcp", spec.RuntimePort))
		containerConfig.ExposedPorts = nat.PortSet{port: struct{}{}}
		hostConfig.PortBindings = nat.PortMap{
			port: []nat.PortBinding{{
				HostIP:   "127.0.0.1",
				HostPort: "", // Empty = Docker assigns random available port
			}},
		}
	}

	name := fmt.Sprintf("bay-%s-%s", meta.SessionID, spec.Name)
	resp, err := d.client.ContainerCreate(ctx, containerConfig, hostConfig, netConfig, nil, name)
	if err != nil {
		return "", bayerr.Ship("failed to create container %s", name).WithCause(err)
	}
	return resp.ID, nil
}

func (d *DockerDriver) Start(ctx context.Context, id string, runtimePort int) (string, error) {
	if err := d.client.ContainerStart(ctx, id, containerTypes.StartOptions{}); err != nil {
		return "", bayerr.Ship("failed to start container").WithCause(err)
	}

	info, err := d.client.ContainerInspect(ctx, id)
	if err != nil {
		return "", bayerr.Ship("failed to inspect container").WithCause(err)
	}

	if d.network != "" {
		ep, ok := info.NetworkSettings.Networks[d.network]
		if !ok || ep.IPAddress == "" {
			return "", bayerr.Ship("container has no address on network %s", d.network)
		}
		return fmt.Sprintf("http://%s:%d", ep.IPAddress, runtimePort), nil
	}

	port := nat.Port(fmt.Sprintf("%d/tcp", runtimePort))
	bindings := info.NetworkSettings.Ports[port]
	if len(bindings) == 0 {
		return "", bayerr.Ship("container port %d has no host binding", runtimePort)
	}
	hostPort, err := strconv.Atoi(bindings[0].HostPort)
	if err != nil {
		return "", bayerr.Ship("unparseable host port %q", bindings[0].HostPort)
	}
	return fmt.Sprintf("http://127.0.0.1:%d", hostPort), nil
}

func (d *DockerDriver) Stop(ctx context.Context, id string) error {
	timeout := 10
	err := d.client.ContainerStop(ctx, id, containerTypes.StopOptions{Timeout: &timeout})
	if err != nil && !cerrdefs.IsNotFound(err) {
		return bayerr.Ship("failed to stop container").WithCause(err)
	}
	return nil
}

func (d *DockerDriver) Destroy(ctx context.Context, id string) error {
	err := d.client.ContainerRemove(ctx, id, containerTypes.RemoveOptions{
		Force:         true,
		RemoveVolumes: true, // anonymous volumes only, named cargo volumes survive
	})
	if err != nil && !cerrdefs.IsNotFound(err) {
		return bayerr.Ship("failed to remove container").WithCause(err)
	}
	return nil
}

func (d *DockerDriver) Status(ctx context.Context, id string) (string, error) {
	info, err := d.client.ContainerInspect(ctx, id)
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return "unknown", nil
		}
		return "", bayerr.Ship("failed to inspect container").WithCause(err)
	}

	switch {
	case info.State.Running:
		return "running", nil
	case info.State.Dead || info.State.OOMKilled:
		return "failed", nil
	case info.State.ExitCode != 0:
		// 137 and 143 are the expected codes from docker stop.
		if info.State.ExitCode == 137 || info.State.ExitCode == 143 {
			return "stopped", nil
		}
		return "failed", nil
	default:
		return "stopped", nil
	}
}

func (d *DockerDriver) Logs(ctx context.Context, id string, tail int) (string, error) {
	reader, err := d.client.ContainerLogs(ctx, id, containerTypes.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       strconv.Itoa(tail),
	})
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return "", bayerr.NotFound("container")
		}
		return "", bayerr.Ship("failed to read container logs").WithCause(err)
	}
	defer func() { _ = reader.Close() }()

	// Interleave stdout and stderr in arrival order.
	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, reader); err != nil {
		return "", bayerr.Ship("failed to demultiplex container logs").WithCause(err)
	}
	return buf.String(), nil
}

func (d *DockerDriver) CreateVolume(ctx context.Context, name string, sizeLimitMB int, labels map[string]string) (string, error) {
	vol, err := d.client.VolumeCreate(ctx, volumeTypes.CreateOptions{
		Name:   name,
		Labels: labels,
	})
	if err != nil {
		return "", bayerr.Ship("failed to create volume %s", name).WithCause(err)
	}
	return vol.Name, nil
}

func (d *DockerDriver) DeleteVolume(ctx context.Context, ref string) error {
	err := d.client.VolumeRemove(ctx, ref, false)
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return nil
		}
		if cerrdefs.IsConflict(err) {
			return bayerr.Conflict("volume %s is in use", ref).WithCause(err)
		}
		return bayerr.Ship("failed to remove volume %s", ref).WithCause(err)
	}
	return nil
}

func (d *DockerDriver) VolumeExists(ctx context.Context, ref string) (bool, error) {
	_, err := d.client.VolumeInspect(ctx, ref)
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return false, nil
		}
		return false, bayerr.Ship("failed to inspect volume %s", ref).WithCause(err)
	}
	return true, nil
}

func (d *DockerDriver) ListRuntimeInstances(ctx context.Context) ([]*types.RuntimeInstance, error) {
	containers, err := d.client.ContainerList(ctx, containerTypes.ListOptions{
		All: true,
		Filters: filters.NewArgs(
			filters.Arg("label", types.LabelManaged+"=true"),
		),
	})
	if err != nil {
		return nil, bayerr.Ship("failed to list containers").WithCause(err)
	}

	out := make([]*types.RuntimeInstance, 0, len(containers))
	for _, c := range containers {
		name := ""
		if len(c.Names) > 0 {
			name = c.Names[0]
		}
		out = append(out, &types.RuntimeInstance{
			ID:     c.ID,
			Name:   name,
			Labels: c.Labels,
			State:  c.State,
		})
	}
	return out, nil
}

func (d *DockerDriver) DestroyRuntimeInstance(ctx context.Context, id string) error {
	return d.Destroy(ctx, id)
}

