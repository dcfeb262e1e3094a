package docker

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	containertypes "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	networktypes "github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/hangar-paas/hangar/apperr"
)

// Label keys attached to every project container.
const (
	LabelProjectID   = "hangar.project.id"
	LabelProjectName = "hangar.project.name"
)

// maxLogBytes caps a single log read.
const maxLogBytes = 10 * 1024 * 1024

// logTruncationNotice is appended when a log read hits maxLogBytes.
const logTruncationNotice = "\n[...] Logs truncated (exceeded 10MB)\n"

// healthWaitAttempts x healthWaitInterval bounds the post-start health wait.
const (
	healthWaitAttempts = 10
	healthWaitInterval = time.Second
)

// ContainerState is the lifecycle state surfaced to event subscribers.
type ContainerState string

const (
	StateCreated    ContainerState = "created"
	StateRestarting ContainerState = "restarting"
	StateRunning    ContainerState = "running"
	StateExited     ContainerState = "exited"
	StateDead       ContainerState = "dead"
	StatePaused     ContainerState = "paused"
	StateUnknown    ContainerState = "unknown"
)

// ContainerSpec describes a project container to create.
type ContainerSpec struct {
	ProjectID   string
	ProjectName string
	Image       string
	// Env holds plaintext values; decryption happens before this point.
	Env map[string]string
	// VolumePath is where the project volume is mounted.
	VolumePath string
	// Name overrides the default container name. Used by blue-green updates
	// to run a timestamped successor next to the active container.
	Name string
}

// ContainerName returns the canonical container name of a project.
func (r *Runtime) ContainerName(projectName string) string {
	return fmt.Sprintf("%s-%s", r.opts.Prefix, projectName)
}

// SuccessorName returns a timestamped container name for blue-green updates.
func (r *Runtime) SuccessorName(projectName string) string {
	return fmt.Sprintf("%s-%s-%d", r.opts.Prefix, projectName, time.Now().Unix())
}

// VolumeName returns the data volume name of a project.
func (r *Runtime) VolumeName(projectName string) string {
	return fmt.Sprintf("%s-data-%s", r.opts.Prefix, projectName)
}

// projectLabels builds the routing and bookkeeping labels of a project
// container. Traefik keys are derived from the project name, so the
// timestamped successor of a blue-green update inherits the same router and
// takes over the hostname once the old container stops.
func (r *Runtime) projectLabels(spec ContainerSpec) map[string]string {
	host := spec.ProjectName + r.opts.DomainSuffix
	router := spec.ProjectName
	return map[string]string{
		"app":            r.opts.Prefix,
		LabelProjectID:   spec.ProjectID,
		LabelProjectName: spec.ProjectName,

		"traefik.enable": "true",
		fmt.Sprintf("traefik.http.routers.%s.rule", router):             fmt.Sprintf("Host(`%s`)", host),
		fmt.Sprintf("traefik.http.routers.%s.entrypoints", router):      r.opts.TraefikEntrypoint,
		fmt.Sprintf("traefik.http.routers.%s.tls.certresolver", router): r.opts.TraefikCertResolver,
		fmt.Sprintf("traefik.http.services.%s.loadbalancer.server.port", router): "80",
	}
}

// containerConfig assembles the docker create payload for a project
// container, applying the platform hardening policy.
func (r *Runtime) containerConfig(spec ContainerSpec) (*containertypes.Config, *containertypes.HostConfig, *networktypes.NetworkingConfig) {
	env := make([]string, 0, len(spec.Env))
	for key, value := range spec.Env {
		env = append(env, key+"="+value)
	}

	config := &containertypes.Config{
		Image:  spec.Image,
		Env:    env,
		Labels: r.projectLabels(spec),
	}

	pidsLimit := int64(1024)
	oomKillDisable := false
	memorySwappiness := int64(0)

	hostConfig := &containertypes.HostConfig{
		RestartPolicy: containertypes.RestartPolicy{
			Name: containertypes.RestartPolicyUnlessStopped,
		},
		Resources: containertypes.Resources{
			Memory:           r.opts.MemoryMB * 1024 * 1024,
			CPUQuota:         r.opts.CPUQuota,
			PidsLimit:        &pidsLimit,
			OomKillDisable:   &oomKillDisable,
			MemorySwappiness: &memorySwappiness,
			Ulimits: []*containertypes.Ulimit{
				{Name: "nofile", Soft: 1024, Hard: 2048},
				{Name: "nproc", Soft: 512, Hard: 1024},
			},
		},
		SecurityOpt: []string{
			"no-new-privileges:true",
			"apparmor=docker-default",
		},
		Tmpfs: map[string]string{
			"/tmp": "rw,noexec,nosuid,size=100m",
		},
	}

	if spec.VolumePath != "" {
		hostConfig.Mounts = []mount.Mount{{
			Type:   mount.TypeVolume,
			Source: r.VolumeName(spec.ProjectName),
			Target: spec.VolumePath,
		}}
	}

	networking := &networktypes.NetworkingConfig{
		EndpointsConfig: map[string]*networktypes.EndpointSettings{
			r.opts.Network: {},
		},
	}

	return config, hostConfig, networking
}

// EnsureVolume creates the project data volume. Creating an existing volume
// is a no-op on the daemon side.
func (r *Runtime) EnsureVolume(ctx context.Context, projectName string) error {
	name := r.VolumeName(projectName)
	if _, err := r.client.VolumeCreate(ctx, volume.CreateOptions{
		Name:   name,
		Labels: map[string]string{"app": r.opts.Prefix},
	}); err != nil {
		return apperr.Wrap(apperr.CodeContainerCreateFailed, err,
			"failed to create volume %s", name)
	}
	return nil
}

// RemoveVolume deletes the project data volume. A missing volume is not an
// error.
func (r *Runtime) RemoveVolume(ctx context.Context, projectName string) error {
	name := r.VolumeName(projectName)
	if err := r.client.VolumeRemove(ctx, name, true); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to remove volume %s: %w", name, err)
	}
	return nil
}

// CreateContainer creates a project container and returns its id. The
// container is not started.
func (r *Runtime) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	name := spec.Name
	if name == "" {
		name = r.ContainerName(spec.ProjectName)
	}

	config, hostConfig, networking := r.containerConfig(spec)
	resp, err := r.client.ContainerCreate(ctx, config, hostConfig, networking, nil, name)
	if err != nil {
		return "", apperr.Wrap(apperr.CodeContainerCreateFailed, err,
			"failed to create container %s", name)
	}

	r.log.WithFields(map[string]interface{}{
		"project":      spec.ProjectName,
		"container_id": resp.ID,
		"name":         name,
	}).Info("container created")

	return resp.ID, nil
}

// CreateProjectContainer provisions the data volume when a mount path is
// set, creates the container and starts it. Failures roll back in reverse
// order so no half-created container or orphan volume stays behind. Returns
// the volume name, empty when the project mounts none.
func (r *Runtime) CreateProjectContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	volumeName := ""
	if spec.VolumePath != "" {
		if err := r.EnsureVolume(ctx, spec.ProjectName); err != nil {
			return "", err
		}
		volumeName = r.VolumeName(spec.ProjectName)
	}

	containerID, err := r.CreateContainer(ctx, spec)
	if err != nil {
		r.rollbackVolume(ctx, spec, volumeName)
		return "", err
	}

	if err := r.StartContainer(ctx, containerID); err != nil {
		if removeErr := r.RemoveContainer(ctx, containerID); removeErr != nil {
			r.log.WithField("container", containerID).WithError(removeErr).
				Warn("rollback of created container failed")
		}
		r.rollbackVolume(ctx, spec, volumeName)
		return "", err
	}

	return volumeName, nil
}

func (r *Runtime) rollbackVolume(ctx context.Context, spec ContainerSpec, volumeName string) {
	if volumeName == "" {
		return
	}
	if err := r.RemoveVolume(ctx, spec.ProjectName); err != nil {
		r.log.WithField("volume", volumeName).WithError(err).
			Warn("rollback of created volume failed")
	}
}

// StartContainer starts a container.
func (r *Runtime) StartContainer(ctx context.Context, containerID string) error {
	if err := r.client.ContainerStart(ctx, containerID, containertypes.StartOptions{}); err != nil {
		return apperr.Wrap(apperr.CodeContainerCreateFailed, err,
			"failed to start container %s", containerID)
	}
	return nil
}

// StopContainer stops a container. An already-stopped container is not an
// error.
func (r *Runtime) StopContainer(ctx context.Context, containerID string) error {
	if err := r.client.ContainerStop(ctx, containerID, containertypes.StopOptions{}); err != nil {
		if errdefs.IsNotFound(err) || errdefs.IsNotModified(err) {
			return nil
		}
		return fmt.Errorf("failed to stop container %s: %w", containerID, err)
	}
	return nil
}

// RestartContainer restarts a container.
func (r *Runtime) RestartContainer(ctx context.Context, containerID string) error {
	if err := r.client.ContainerRestart(ctx, containerID, containertypes.StopOptions{}); err != nil {
		if errdefs.IsNotFound(err) {
			return apperr.Wrap(apperr.CodeContainerNotFound, err,
				"container %s not found", containerID)
		}
		return fmt.Errorf("failed to restart container %s: %w", containerID, err)
	}
	return nil
}

// RemoveContainer force-removes a container. Missing containers and
// not-modified responses are tolerated so teardown stays idempotent.
func (r *Runtime) RemoveContainer(ctx context.Context, containerID string) error {
	err := r.client.ContainerRemove(ctx, containerID, containertypes.RemoveOptions{Force: true})
	if err != nil {
		if errdefs.IsNotFound(err) || errdefs.IsNotModified(err) {
			return nil
		}
		return fmt.Errorf("failed to remove container %s: %w", containerID, err)
	}
	return nil
}

// WaitHealthy polls the container until it reports running, for up to ten
// seconds. Deploys treat a container that never comes up as a failure while
// the old serving container, if any, keeps running.
func (r *Runtime) WaitHealthy(ctx context.Context, containerID string) error {
	for attempt := 0; attempt < healthWaitAttempts; attempt++ {
		inspect, err := r.client.ContainerInspect(ctx, containerID)
		if err == nil && inspect.State != nil && inspect.State.Running {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(healthWaitInterval):
		}
	}
	return apperr.New(apperr.CodeContainerCreateFailed,
		"container %s did not become healthy within %d seconds",
		containerID, healthWaitAttempts)
}

// StateOf inspects a container and maps its state string.
func (r *Runtime) StateOf(ctx context.Context, containerID string) (ContainerState, error) {
	inspect, err := r.client.ContainerInspect(ctx, containerID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return StateUnknown, apperr.Wrap(apperr.CodeContainerNotFound, err,
				"container %s not found", containerID)
		}
		return StateUnknown, fmt.Errorf("failed to inspect container %s: %w", containerID, err)
	}
	if inspect.State == nil {
		return StateUnknown, nil
	}
	switch inspect.State.Status {
	case "created":
		return StateCreated, nil
	case "restarting":
		return StateRestarting, nil
	case "running":
		return StateRunning, nil
	case "exited":
		return StateExited, nil
	case "dead":
		return StateDead, nil
	case "paused":
		return StatePaused, nil
	default:
		return StateUnknown, nil
	}
}

// Logs reads up to 10 MiB of a container's log, demultiplexing the stdout
// and stderr streams. Longer logs are cut and marked with a truncation
// notice.
func (r *Runtime) Logs(ctx context.Context, containerID string, tail int) (string, error) {
	opts := containertypes.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Timestamps: true,
	}
	if tail > 0 {
		opts.Tail = fmt.Sprintf("%d", tail)
	}

	reader, err := r.client.ContainerLogs(ctx, containerID, opts)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return "", apperr.Wrap(apperr.CodeContainerNotFound, err,
				"container %s not found", containerID)
		}
		return "", fmt.Errorf("failed to read logs of %s: %w", containerID, err)
	}
	defer reader.Close()

	var buf bytes.Buffer
	limited := &limitedWriter{w: &buf, remaining: maxLogBytes}
	_, copyErr := stdcopy.StdCopy(limited, limited, reader)

	logs := buf.String()
	if limited.truncated {
		logs += logTruncationNotice
	} else if copyErr != nil && !strings.Contains(copyErr.Error(), "EOF") {
		return "", fmt.Errorf("failed to copy logs of %s: %w", containerID, copyErr)
	}
	return logs, nil
}

// limitedWriter stops accepting bytes after its budget is spent, flagging
// the truncation instead of erroring the copy.
type limitedWriter struct {
	w         *bytes.Buffer
	remaining int
	truncated bool
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	if lw.remaining <= 0 {
		lw.truncated = true
		return len(p), nil
	}
	if len(p) > lw.remaining {
		lw.w.Write(p[:lw.remaining])
		lw.remaining = 0
		lw.truncated = true
		return len(p), nil
	}
	lw.w.Write(p)
	lw.remaining -= len(p)
	return len(p), nil
}

// ListProjectContainers lists every container this instance owns, keyed by
// the app label.
func (r *Runtime) ListProjectContainers(ctx context.Context) ([]containertypes.Summary, error) {
	containers, err := r.client.ContainerList(ctx, containertypes.ListOptions{
		All:     true,
		Filters: r.appFilter(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}
	return containers, nil
}
