// Package docker is the container runtime adapter of the hangar control
// plane. It wraps the Docker SDK behind a narrow interface so orchestration
// logic can be tested against a mock, and centralizes every policy the
// platform applies to tenant containers: resource limits, security options,
// traefik routing labels and naming.
package docker

import (
	"context"
	"fmt"
	"io"

	"github.com/docker/docker/api/types/build"
	containertypes "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/events"
	"github.com/docker/docker/api/types/image"
	networktypes "github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/sirupsen/logrus"
)

// DefaultSocket is the local daemon endpoint.
const DefaultSocket = "unix:///var/run/docker.sock"

// apiVersion pins the daemon API version the adapter is written against.
const apiVersion = "v1.49"

// Client defines the Docker SDK surface the control plane uses. The
// interface exists for dependency injection and testing with mock
// implementations; *client.Client satisfies it directly.
type Client interface {
	// Container operations
	ContainerList(ctx context.Context, options containertypes.ListOptions) ([]containertypes.Summary, error)
	ContainerCreate(
		ctx context.Context,
		config *containertypes.Config,
		hostConfig *containertypes.HostConfig,
		networkingConfig *networktypes.NetworkingConfig,
		platform *ocispec.Platform,
		containerName string,
	) (containertypes.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options containertypes.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options containertypes.StopOptions) error
	ContainerRestart(ctx context.Context, containerID string, options containertypes.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options containertypes.RemoveOptions) error
	ContainerInspect(ctx context.Context, containerID string) (containertypes.InspectResponse, error)
	ContainerLogs(ctx context.Context, containerID string, options containertypes.LogsOptions) (io.ReadCloser, error)
	ContainerStats(ctx context.Context, containerID string, stream bool) (containertypes.StatsResponseReader, error)

	// Image operations
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
	ImageBuild(ctx context.Context, buildContext io.Reader, options build.ImageBuildOptions) (build.ImageBuildResponse, error)
	ImageInspect(ctx context.Context, imageID string, options ...client.ImageInspectOption) (image.InspectResponse, error)
	ImageRemove(ctx context.Context, imageID string, options image.RemoveOptions) ([]image.DeleteResponse, error)

	// Volume operations
	VolumeCreate(ctx context.Context, options volume.CreateOptions) (volume.Volume, error)
	VolumeRemove(ctx context.Context, volumeID string, force bool) error

	// Event stream
	Events(ctx context.Context, options events.ListOptions) (<-chan events.Message, <-chan error)

	// Client lifecycle
	Close() error
}

// Options carries the platform policies applied to every tenant container.
type Options struct {
	// Prefix namespaces container names, volume names and the app label.
	Prefix string

	// Network is the docker network project containers attach to.
	Network string

	// DomainSuffix forms the public hostname of a project.
	DomainSuffix string

	// TraefikEntrypoint and TraefikCertResolver configure the project router.
	TraefikEntrypoint   string
	TraefikCertResolver string

	// MemoryMB and CPUQuota are the per-container resource limits.
	MemoryMB int64
	CPUQuota int64

	// GrypeEnabled and GrypeFailOnSeverity control the vulnerability scan.
	GrypeEnabled        bool
	GrypeFailOnSeverity string
}

// Runtime executes container operations against a Client while applying the
// platform policies from Options.
type Runtime struct {
	client Client
	opts   Options
	log    *logrus.Entry
}

// NewClient connects to the local Docker daemon.
func NewClient() (Client, error) {
	cli, err := client.NewClient(DefaultSocket, apiVersion, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return cli, nil
}

// NewRuntime creates a Runtime over the given client.
func NewRuntime(cli Client, opts Options, log *logrus.Entry) *Runtime {
	return &Runtime{client: cli, opts: opts, log: log}
}

// Client exposes the underlying docker client, for the event and stats
// background tasks.
func (r *Runtime) Client() Client {
	return r.client
}

// Options returns the platform policies of this runtime.
func (r *Runtime) Options() Options {
	return r.opts
}

// Close releases the underlying client.
func (r *Runtime) Close() error {
	return r.client.Close()
}
