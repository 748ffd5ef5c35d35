package driver

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/shipyard-neo/bay/pkg/bayerr"
	"github.com/shipyard-neo/bay/pkg/config"
	"github.com/shipyard-neo/bay/pkg/log"
	"github.com/shipyard-neo/bay/pkg/types"
)

// KubeDriver runs sessions as pods, one pod per container spec, with cargo
// volumes backed by PersistentVolumeClaims.
type KubeDriver struct {
	client       kubernetes.Interface
	namespace    string
	storageClass string
	mountPath    string
	logger       zerolog.Logger

	// Pods must not run before Start, but Kubernetes starts pods the
	// moment they are created. Create therefore only registers the
	// manifest; Start submits it.
	mu      sync.Mutex
	pending map[string]*corev1.Pod
}

// NewKubeDriver creates a driver from in-cluster config or a kubeconfig
// file.
func NewKubeDriver(cfg *config.Config) (*KubeDriver, error) {
	var restCfg *rest.Config
	var err error
	if cfg.Driver.Kubernetes.Kubeconfig != "" {
		restCfg, err = clientcmd.BuildConfigFromFlags("", cfg.Driver.Kubernetes.Kubeconfig)
	} else {
		restCfg, err = rest.InClusterConfig()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load kubernetes config: %w", err)
	}

	client, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes client: %w", err)
	}

	return &KubeDriver{
		client:       client,
		namespace:    cfg.Driver.Kubernetes.Namespace,
		storageClass: cfg.Driver.Kubernetes.StorageClass,
		mountPath:    cfg.Cargo.MountPath,
		logger:       log.WithComponent("kube-driver"),
		pending:      make(map[string]*corev1.Pod),
	}, nil
}

func (d *KubeDriver) Close() error { return nil }

func (d *KubeDriver) Create(ctx context.Context, meta SessionMeta, spec *config.ContainerSpec, cargoRef string) (string, error) {
	name := fmt.Sprintf("bay-%s-%s", meta.SessionID, spec.Name)

	env := []corev1.EnvVar{
		{Name: "SANDBOX_ID", Value: meta.SandboxID},
		{Name: "SESSION_ID", Value: meta.SessionID},
	}
	for k, v := range meta.Env {
		env = append(env, corev1.EnvVar{Name: k, Value: v})
	}
	for k, v := range spec.Env {
		env = append(env, corev1.EnvVar{Name: k, Value: v})
	}

	resources := corev1.ResourceRequirements{}
	if spec.Resources.CPUCores > 0 || spec.Resources.MemoryMB > 0 {
		resources.Limits = corev1.ResourceList{}
		if spec.Resources.CPUCores > 0 {
			resources.Limits[corev1.ResourceCPU] = *resource.NewMilliQuantity(
				int64(spec.Resources.CPUCores*1000), resource.DecimalSI)
		}
		if spec.Resources.MemoryMB > 0 {
			resources.Limits[corev1.ResourceMemory] = *resource.NewQuantity(
				int64(spec.Resources.MemoryMB)*1024*1024, resource.BinarySI)
		}
	}

	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: d.namespace,
			Labels:    meta.Labels(spec),
		},
		Spec: corev1.PodSpec{
			RestartPolicy: corev1.RestartPolicyNever,
			Containers: []corev1.Container{
				{
					Name:  "runtime",
					Image: spec.Image,
					Env:   env,
					Ports: []corev1.ContainerPort{
						{ContainerPort: int32(spec.RuntimePort)},
					},
					Resources: resources,
					VolumeMounts: []corev1.VolumeMount{
						{Name: "cargo", MountPath: d.mountPath},
					},
				},
			},
			Volumes: []corev1.Volume{
				{
					Name: "cargo",
					VolumeSource: corev1.VolumeSource{
						PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{
							ClaimName: cargoRef,
						},
					},
				},
			},
		},
	}

	d.mu.Lock()
	d.pending[name] = pod
	d.mu.Unlock()

	return name, nil
}

func (d *KubeDriver) Start(ctx context.Context, id string, runtimePort int) (string, error) {
	d.mu.Lock()
	pod, ok := d.pending[id]
	delete(d.pending, id)
	d.mu.Unlock()

	if !ok {
		return "", bayerr.Ship("no pending pod %s to start", id)
	}

	created, err := d.client.CoreV1().Pods(d.namespace).Create(ctx, pod, metav1.CreateOptions{})
	if err != nil {
		return "", bayerr.Ship("failed to create pod %s", id).WithCause(err)
	}
	d.logger.Debug().Str("pod", created.Name).Msg("pod submitted")

	ip, err := d.waitForRunning(ctx, created.Name)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("http://%s:%d", ip, runtimePort), nil
}

// waitForRunning polls until the pod is Running with an assigned IP.
func (d *KubeDriver) waitForRunning(ctx context.Context, name string) (string, error) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		pod, err := d.client.CoreV1().Pods(d.namespace).Get(ctx, name, metav1.GetOptions{})
		if err != nil {
			return "", bayerr.Ship("failed to get pod %s", name).WithCause(err)
		}

		switch pod.Status.Phase {
		case corev1.PodRunning:
			if pod.Status.PodIP != "" {
				return pod.Status.PodIP, nil
			}
		case corev1.PodFailed, corev1.PodSucceeded:
			return "", bayerr.Ship("pod %s terminated before becoming ready (%s)", name, pod.Status.Phase)
		}

		select {
		case <-ctx.Done():
			return "", bayerr.Timeout("pod %s did not reach running state", name).WithCause(ctx.Err())
		case <-ticker.C:
		}
	}
}

func (d *KubeDriver) Stop(ctx context.Context, id string) error {
	// Pods have no stopped state; a stop is a delete that keeps the PVC.
	return d.Destroy(ctx, id)
}

func (d *KubeDriver) Destroy(ctx context.Context, id string) error {
	d.mu.Lock()
	delete(d.pending, id)
	d.mu.Unlock()

	err := d.client.CoreV1().Pods(d.namespace).Delete(ctx, id, metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return bayerr.Ship("failed to delete pod %s", id).WithCause(err)
	}
	return nil
}

func (d *KubeDriver) Status(ctx context.Context, id string) (string, error) {
	d.mu.Lock()
	_, isPending := d.pending[id]
	d.mu.Unlock()
	if isPending {
		return "stopped", nil
	}

	pod, err := d.client.CoreV1().Pods(d.namespace).Get(ctx, id, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return "unknown", nil
		}
		return "", bayerr.Ship("failed to get pod %s", id).WithCause(err)
	}

	switch pod.Status.Phase {
	case corev1.PodRunning:
		return "running", nil
	case corev1.PodFailed:
		return "failed", nil
	case corev1.PodSucceeded:
		return "stopped", nil
	default:
		return "stopped", nil
	}
}

func (d *KubeDriver) Logs(ctx context.Context, id string, tail int) (string, error) {
	tailLines := int64(tail)
	req := d.client.CoreV1().Pods(d.namespace).GetLogs(id, &corev1.PodLogOptions{
		TailLines: &tailLines,
	})
	stream, err := req.Stream(ctx)
	if err != nil {
		if apierrors.IsNotFound(err) {
			return "", bayerr.NotFound("pod")
		}
		return "", bayerr.Ship("failed to stream pod logs").WithCause(err)
	}
	defer func() { _ = stream.Close() }()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, stream); err != nil {
		return "", bayerr.Ship("failed to read pod logs").WithCause(err)
	}
	return buf.String(), nil
}

func (d *KubeDriver) CreateVolume(ctx context.Context, name string, sizeLimitMB int, labels map[string]string) (string, error) {
	pvc := &corev1.PersistentVolumeClaim{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: d.namespace,
			Labels:    labels,
		},
		Spec: corev1.PersistentVolumeClaimSpec{
			AccessModes: []corev1.PersistentVolumeAccessMode{
				corev1.ReadWriteOnce,
			},
			Resources: corev1.VolumeResourceRequirements{
				Requests: corev1.ResourceList{
					corev1.ResourceStorage: *resource.NewQuantity(
						int64(sizeLimitMB)*1024*1024, resource.BinarySI),
				},
			},
		},
	}
	if d.storageClass != "" {
		pvc.Spec.StorageClassName = &d.storageClass
	}

	created, err := d.client.CoreV1().PersistentVolumeClaims(d.namespace).Create(ctx, pvc, metav1.CreateOptions{})
	if err != nil {
		return "", bayerr.Ship("failed to create volume claim %s", name).WithCause(err)
	}
	return created.Name, nil
}

func (d *KubeDriver) DeleteVolume(ctx context.Context, ref string) error {
	// Refuse to delete a claim a pod still mounts; Kubernetes would accept
	// the delete and leave the claim in Terminating limbo instead of
	// failing loudly.
	pods, err := d.client.CoreV1().Pods(d.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: types.LabelManaged + "=true",
	})
	if err != nil {
		return bayerr.Ship("failed to list pods").WithCause(err)
	}
	for i := range pods.Items {
		for _, vol := range pods.Items[i].Spec.Volumes {
			if vol.PersistentVolumeClaim != nil && vol.PersistentVolumeClaim.ClaimName == ref {
				return bayerr.Conflict("volume %s is in use by pod %s", ref, pods.Items[i].Name)
			}
		}
	}

	err = d.client.CoreV1().PersistentVolumeClaims(d.namespace).Delete(ctx, ref, metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return bayerr.Ship("failed to delete volume claim %s", ref).WithCause(err)
	}
	return nil
}

func (d *KubeDriver) VolumeExists(ctx context.Context, ref string) (bool, error) {
	_, err := d.client.CoreV1().PersistentVolumeClaims(d.namespace).Get(ctx, ref, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return false, nil
		}
		return false, bayerr.Ship("failed to get volume claim %s", ref).WithCause(err)
	}
	return true, nil
}

func (d *KubeDriver) ListRuntimeInstances(ctx context.Context) ([]*types.RuntimeInstance, error) {
	pods, err := d.client.CoreV1().Pods(d.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: types.LabelManaged + "=true",
	})
	if err != nil {
		return nil, bayerr.Ship("failed to list pods").WithCause(err)
	}

	out := make([]*types.RuntimeInstance, 0, len(pods.Items))
	for i := range pods.Items {
		pod := &pods.Items[i]
		out = append(out, &types.RuntimeInstance{
			ID:     pod.Name,
			Name:   pod.Name,
			Labels: pod.Labels,
			State:  string(pod.Status.Phase),
		})
	}
	return out, nil
}

func (d *KubeDriver) DestroyRuntimeInstance(ctx context.Context, id string) error {
	return d.Destroy(ctx, id)
}
