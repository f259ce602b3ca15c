// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package kubernetes runs bundles as pods on a Kubernetes cluster.
//
// The worker and the cluster nodes share one volume: the worker sees it
// at LocalRoot, the nodes at NodePath. Run directories and staged
// dependencies live under it, and each pod mounts exactly the run
// directory plus its dependencies from that volume through subPath
// mounts, never the volume as a whole.
//
// Pods cannot pin CPUs or GPUs or choose a network. Those settings are
// logged as capability gaps and skipped; CPU and GPU assignments become
// count limits instead.
package kubernetes

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/utils/ptr"

	"github.com/bureau-foundation/bundleworker/execution"
)

// BackendName is the Runtime.Name of this backend.
const BackendName = "kubernetes"

const (
	uuidLabel      = "org.bundleworker.uuid"
	workVolume     = "work"
	shmVolume      = "dshm"
	gpuResource    = corev1.ResourceName("nvidia.com/gpu")
	oomMessage     = "Memory limit exceeded."
	oomKilledState = "OOMKilled"
)

// unrecoverableWaitReasons are container waiting reasons that will not
// resolve by themselves. A pod stuck in one of them is reported as a
// failed run instead of being polled forever.
var unrecoverableWaitReasons = map[string]bool{
	"InvalidImageName":           true,
	"ErrImageNeverPull":          true,
	"CreateContainerConfigError": true,
}

// lostReasons are pod failure reasons that mean the node went away or
// evicted the pod, rather than the command failing.
var lostReasons = map[string]bool{
	"Evicted":  true,
	"NodeLost": true,
}

// Options configures a Runtime.
type Options struct {
	// Client is used as-is when set. Otherwise a client is built from
	// Host, TokenFile, CAFile and Insecure, or from the in-cluster
	// service account when Host is empty.
	Client kubernetes.Interface

	Host      string
	TokenFile string
	CAFile    string
	Insecure  bool

	// Namespace receives the pods. Defaults to "default".
	Namespace string

	// LocalRoot is the worker-side path of the shared volume. Every
	// working directory and dependency mount must live below it.
	LocalRoot string

	// NodePath is the path of the shared volume on cluster nodes.
	// Defaults to LocalRoot.
	NodePath string

	Logger *slog.Logger
}

// Runtime is the Cluster execution backend.
type Runtime struct {
	client    kubernetes.Interface
	namespace string
	localRoot string
	nodePath  string
	logger    *slog.Logger
}

var _ execution.Runtime = (*Runtime)(nil)

// New builds a Runtime. No API request is made until the first
// operation.
func New(options Options) (*Runtime, error) {
	if options.LocalRoot == "" {
		return nil, errors.New("kubernetes runtime: local root is required")
	}

	client := options.Client
	if client == nil {
		config, err := restConfig(options)
		if err != nil {
			return nil, err
		}
		client, err = kubernetes.NewForConfig(config)
		if err != nil {
			return nil, fmt.Errorf("creating kubernetes client: %w", err)
		}
	}

	namespace := options.Namespace
	if namespace == "" {
		namespace = "default"
	}
	nodePath := options.NodePath
	if nodePath == "" {
		nodePath = options.LocalRoot
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Runtime{
		client:    client,
		namespace: namespace,
		localRoot: filepath.Clean(options.LocalRoot),
		nodePath:  nodePath,
		logger:    logger,
	}, nil
}

func restConfig(options Options) (*rest.Config, error) {
	if options.Host == "" {
		config, err := rest.InClusterConfig()
		if err != nil {
			return nil, fmt.Errorf("loading in-cluster kubernetes config: %w", err)
		}
		return config, nil
	}
	return &rest.Config{
		Host:            options.Host,
		BearerTokenFile: options.TokenFile,
		TLSClientConfig: rest.TLSClientConfig{
			CAFile:   options.CAFile,
			Insecure: options.Insecure,
		},
	}, nil
}

func (r *Runtime) Name() string { return BackendName }

// Capabilities reports the limits a pod spec can express.
func (r *Runtime) Capabilities() execution.Capabilities {
	return execution.Capabilities{
		GPUCount:     true,
		MemoryLimit:  true,
		SharedMemory: true,
	}
}

// PodName is the pod (and container) name for a run. Pod names must be
// DNS labels, so the engine-style name is lowercased and underscores
// become dashes.
func PodName(uuid string) string {
	return strings.ToLower(strings.ReplaceAll(execution.ContainerName(uuid), "_", "-"))
}

// Start creates the run's pod. The API server's rejection of the pod is
// returned as a *execution.CreateError.
func (r *Runtime) Start(ctx context.Context, options execution.StartOptions) (execution.Handle, error) {
	name := PodName(options.UUID)
	createFailure := func(err error) error {
		return &execution.CreateError{Backend: BackendName, Name: name, Message: err.Error(), Err: err}
	}

	if err := options.Validate(); err != nil {
		return execution.Handle{}, createFailure(err)
	}
	if gaps := execution.CapabilityGaps(r.Capabilities(), options); len(gaps) > 0 {
		r.logger.Warn("settings not expressible on kubernetes, skipping",
			"pod", name, "gaps", strings.Join(gaps, ", "))
	}

	pod, err := r.podSpec(name, options)
	if err != nil {
		return execution.Handle{}, createFailure(err)
	}

	r.logger.Info("creating pod",
		"pod", name,
		"namespace", r.namespace,
		"image", options.Image,
		"dependencies", len(options.Dependencies),
	)
	created, err := r.client.CoreV1().Pods(r.namespace).Create(ctx, pod, metav1.CreateOptions{})
	if err != nil {
		return execution.Handle{}, createFailure(err)
	}
	return execution.Handle{Backend: BackendName, ID: created.Name, Name: created.Name}, nil
}

// subPath converts a worker-side path to a path relative to the shared
// volume.
func (r *Runtime) subPath(hostPath string) (string, error) {
	relative, err := filepath.Rel(r.localRoot, filepath.Clean(hostPath))
	if err != nil || relative == "." || relative == ".." || strings.HasPrefix(relative, "../") {
		return "", fmt.Errorf("%s is not inside the shared work volume %s", hostPath, r.localRoot)
	}
	return filepath.ToSlash(relative), nil
}

func (r *Runtime) podSpec(name string, options execution.StartOptions) (*corev1.Pod, error) {
	workingDir := execution.ContainerWorkDir(options.UUID)

	workSubPath, err := r.subPath(options.WorkingDir)
	if err != nil {
		return nil, fmt.Errorf("working directory: %w", err)
	}
	mounts := []corev1.VolumeMount{{
		Name:      workVolume,
		MountPath: workingDir,
		SubPath:   workSubPath,
	}}
	for _, dependency := range options.Dependencies {
		dependencySubPath, err := r.subPath(dependency.HostPath)
		if err != nil {
			return nil, fmt.Errorf("dependency %s: %w", dependency.ContainerPath, err)
		}
		mounts = append(mounts, corev1.VolumeMount{
			Name:      workVolume,
			MountPath: dependency.ContainerPath,
			SubPath:   dependencySubPath,
			ReadOnly:  dependency.ReadOnly,
		})
	}

	volumes := []corev1.Volume{{
		Name: workVolume,
		VolumeSource: corev1.VolumeSource{
			HostPath: &corev1.HostPathVolumeSource{Path: r.nodePath},
		},
	}}

	assignment := options.Resources
	limits := corev1.ResourceList{}
	if len(assignment.CPUs) > 0 {
		limits[corev1.ResourceCPU] = *resource.NewQuantity(int64(len(assignment.CPUs)), resource.DecimalSI)
	}
	if assignment.MemoryBytes > 0 {
		limits[corev1.ResourceMemory] = *resource.NewQuantity(assignment.MemoryBytes, resource.BinarySI)
	}
	if len(assignment.GPUs) > 0 {
		limits[gpuResource] = *resource.NewQuantity(int64(len(assignment.GPUs)), resource.DecimalSI)
	}

	if assignment.SharedMemoryGB > 0 {
		volumes = append(volumes, corev1.Volume{
			Name: shmVolume,
			VolumeSource: corev1.VolumeSource{
				EmptyDir: &corev1.EmptyDirVolumeSource{
					Medium:    corev1.StorageMediumMemory,
					SizeLimit: resource.NewQuantity(int64(assignment.SharedMemoryGB)<<30, resource.BinarySI),
				},
			},
		})
		mounts = append(mounts, corev1.VolumeMount{Name: shmVolume, MountPath: "/dev/shm"})
	}

	var env []corev1.EnvVar
	for _, entry := range execution.Environment(options.UUID) {
		key, value, _ := strings.Cut(entry, "=")
		env = append(env, corev1.EnvVar{Name: key, Value: value})
	}

	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: r.namespace,
			Labels:    map[string]string{uuidLabel: options.UUID},
		},
		Spec: corev1.PodSpec{
			RestartPolicy: corev1.RestartPolicyNever,
			Containers: []corev1.Container{{
				Name:         name,
				Image:        options.Image,
				Command:      execution.WrapCommand(options.Command),
				WorkingDir:   workingDir,
				Env:          env,
				TTY:          options.TTY,
				VolumeMounts: mounts,
				Resources:    corev1.ResourceRequirements{Limits: limits},
			}},
			Volumes: volumes,
		},
	}
	if options.RuntimeFlavor != "" {
		pod.Spec.RuntimeClassName = ptr.To(options.RuntimeFlavor)
	}
	return pod, nil
}

// getPod fetches the pod with the backend's error mapping.
func (r *Runtime) getPod(ctx context.Context, handle execution.Handle) (*corev1.Pod, error) {
	pod, err := r.client.CoreV1().Pods(r.namespace).Get(ctx, handle.ID, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return nil, fmt.Errorf("getting pod %s: %w", handle.ID, execution.ErrNotFound)
		}
		return nil, execution.Unreachable("getting pod "+handle.ID, err)
	}
	return pod, nil
}

// containerStatus returns the status of the run container, if the
// kubelet has reported one.
func containerStatus(pod *corev1.Pod) *corev1.ContainerStatus {
	for i := range pod.Status.ContainerStatuses {
		if pod.Status.ContainerStatuses[i].Name == pod.Name {
			return &pod.Status.ContainerStatuses[i]
		}
	}
	if len(pod.Status.ContainerStatuses) == 1 {
		return &pod.Status.ContainerStatuses[0]
	}
	return nil
}

// Inspect maps the pod phase onto the unit lifecycle.
func (r *Runtime) Inspect(ctx context.Context, handle execution.Handle) (execution.Inspection, error) {
	pod, err := r.getPod(ctx, handle)
	if err != nil {
		return execution.Inspection{}, err
	}

	var inspection execution.Inspection
	switch pod.Status.Phase {
	case corev1.PodPending, "":
		inspection.State = execution.StateCreated
	case corev1.PodSucceeded, corev1.PodFailed:
		inspection.State = execution.StateFinished
	default:
		inspection.State = execution.StateRunning
	}

	if status := containerStatus(pod); status != nil {
		if running := status.State.Running; running != nil {
			inspection.StartedAt = running.StartedAt.Time
		}
		if terminated := status.State.Terminated; terminated != nil {
			inspection.StartedAt = terminated.StartedAt.Time
			inspection.FinishedAt = terminated.FinishedAt.Time
			inspection.ExitCode = execution.ExitStatus(int(terminated.ExitCode))
		}
	}
	return inspection, nil
}

// CheckFinished reports a finished completion for pods in a terminal
// phase and for pods stuck on an unrecoverable container error. A
// deleted or evicted pod is Lost.
func (r *Runtime) CheckFinished(ctx context.Context, handle execution.Handle) (execution.Completion, error) {
	pod, err := r.getPod(ctx, handle)
	if err != nil {
		if errors.Is(err, execution.ErrNotFound) {
			return execution.Completion{Lost: true}, nil
		}
		return execution.Completion{}, err
	}

	status := containerStatus(pod)
	switch pod.Status.Phase {
	case corev1.PodSucceeded, corev1.PodFailed:
		if status != nil && status.State.Terminated != nil {
			terminated := status.State.Terminated
			completion := execution.Completion{
				Finished: true,
				ExitCode: execution.ExitStatus(int(terminated.ExitCode)),
			}
			if terminated.Reason == oomKilledState {
				completion.FailureMessage = oomMessage
			} else if terminated.ExitCode != 0 {
				completion.FailureMessage = terminated.Message
			}
			return completion, nil
		}
		if lostReasons[pod.Status.Reason] {
			r.logger.Warn("pod lost", "pod", pod.Name, "reason", pod.Status.Reason, "message", pod.Status.Message)
			return execution.Completion{Lost: true}, nil
		}
		if pod.Status.Phase == corev1.PodSucceeded {
			return execution.Completion{Finished: true, ExitCode: execution.ExitStatus(0)}, nil
		}
		return execution.Completion{Finished: true, FailureMessage: podFailureMessage(pod)}, nil

	case corev1.PodPending:
		if status != nil && status.State.Waiting != nil && unrecoverableWaitReasons[status.State.Waiting.Reason] {
			waiting := status.State.Waiting
			message := waiting.Reason
			if waiting.Message != "" {
				message += ": " + waiting.Message
			}
			return execution.Completion{Finished: true, FailureMessage: message}, nil
		}
	}
	return execution.Completion{}, nil
}

func podFailureMessage(pod *corev1.Pod) string {
	switch {
	case pod.Status.Message != "":
		return pod.Status.Message
	case pod.Status.Reason != "":
		return pod.Status.Reason
	default:
		return "pod failed"
	}
}

// Stats is not available: the pod API carries no usage samples and the
// worker does not depend on metrics-server.
func (r *Runtime) Stats(context.Context, execution.Handle) (execution.Stats, error) {
	return execution.Stats{}, execution.ErrUnsupported
}

// NvidiaDevices returns an empty mapping. GPUs are scheduled by count
// through the device plugin; the worker cannot address cluster GPUs
// individually.
func (r *Runtime) NvidiaDevices(context.Context) (map[int]string, error) {
	return map[int]string{}, nil
}

// Kill deletes the pod with no grace period.
func (r *Runtime) Kill(ctx context.Context, handle execution.Handle) error {
	return r.deletePod(ctx, handle, metav1.DeleteOptions{GracePeriodSeconds: ptr.To[int64](0)})
}

// Remove deletes the pod.
func (r *Runtime) Remove(ctx context.Context, handle execution.Handle) error {
	return r.deletePod(ctx, handle, metav1.DeleteOptions{})
}

func (r *Runtime) deletePod(ctx context.Context, handle execution.Handle, options metav1.DeleteOptions) error {
	err := r.client.CoreV1().Pods(r.namespace).Delete(ctx, handle.ID, options)
	if err == nil || apierrors.IsNotFound(err) {
		return nil
	}
	return fmt.Errorf("deleting pod %s: %w", handle.ID, err)
}
