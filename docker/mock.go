package docker

import (
	"bytes"
	"context"
	"io"

	"github.com/docker/docker/api/types/build"
	containertypes "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/events"
	"github.com/docker/docker/api/types/image"
	networktypes "github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// MockClient is a mock implementation of Client for testing.
type MockClient struct {
	// Containers to return from ContainerList
	Containers []containertypes.Summary
	// InspectResponse to return from ContainerInspect
	InspectResponse containertypes.InspectResponse
	// LogData streamed back from ContainerLogs (raw, already demultiplexed
	// payloads must be framed by the test)
	LogData []byte
	// StatsData decoded by ContainerStats callers
	StatsData []byte
	// EventsChan and EventsErrChan returned from Events
	EventsChan    chan events.Message
	EventsErrChan chan error

	// ImageInspectResponse to return from ImageInspect
	ImageInspectResponse image.InspectResponse

	// Err is returned from every operation when set
	Err error
	// InspectErr overrides Err for ContainerInspect
	InspectErr error
	// ImageInspectErr overrides Err for ImageInspect
	ImageInspectErr error

	// Track function calls
	ContainerListCalled    bool
	ContainerCreateCalled  bool
	ContainerStartCalled   bool
	ContainerStopCalled    bool
	ContainerRestartCalled bool
	ContainerRemoveCalled  bool
	ContainerInspectCalled bool
	ContainerLogsCalled    bool
	ContainerStatsCalled   bool
	ImagePullCalled        bool
	ImageBuildCalled       bool
	ImageInspectCalled     bool
	ImageRemoveCalled      bool
	VolumeCreateCalled     bool
	VolumeRemoveCalled     bool
	EventsCalled           bool

	// Store last call parameters
	LastContainerID   string
	LastContainerName string
	LastImageRef      string
	LastVolumeName    string
	LastConfig        *containertypes.Config
	LastHostConfig    *containertypes.HostConfig
	LastNetworking    *networktypes.NetworkingConfig
	LastBuildOptions  build.ImageBuildOptions

	// CreatedID is returned from ContainerCreate
	CreatedID string
}

// NewMockClient creates a new mock docker client.
func NewMockClient() *MockClient {
	return &MockClient{CreatedID: "mock-container-id"}
}

func (m *MockClient) ContainerList(ctx context.Context, options containertypes.ListOptions) ([]containertypes.Summary, error) {
	m.ContainerListCalled = true
	if m.Err != nil {
		return nil, m.Err
	}
	return m.Containers, nil
}

func (m *MockClient) ContainerCreate(
	ctx context.Context,
	config *containertypes.Config,
	hostConfig *containertypes.HostConfig,
	networkingConfig *networktypes.NetworkingConfig,
	platform *ocispec.Platform,
	containerName string,
) (containertypes.CreateResponse, error) {
	m.ContainerCreateCalled = true
	m.LastContainerName = containerName
	m.LastConfig = config
	m.LastHostConfig = hostConfig
	m.LastNetworking = networkingConfig
	if m.Err != nil {
		return containertypes.CreateResponse{}, m.Err
	}
	return containertypes.CreateResponse{ID: m.CreatedID}, nil
}

func (m *MockClient) ContainerStart(ctx context.Context, containerID string, options containertypes.StartOptions) error {
	m.ContainerStartCalled = true
	m.LastContainerID = containerID
	return m.Err
}

func (m *MockClient) ContainerStop(ctx context.Context, containerID string, options containertypes.StopOptions) error {
	m.ContainerStopCalled = true
	m.LastContainerID = containerID
	return m.Err
}

func (m *MockClient) ContainerRestart(ctx context.Context, containerID string, options containertypes.StopOptions) error {
	m.ContainerRestartCalled = true
	m.LastContainerID = containerID
	return m.Err
}

func (m *MockClient) ContainerRemove(ctx context.Context, containerID string, options containertypes.RemoveOptions) error {
	m.ContainerRemoveCalled = true
	m.LastContainerID = containerID
	return m.Err
}

func (m *MockClient) ContainerInspect(ctx context.Context, containerID string) (containertypes.InspectResponse, error) {
	m.ContainerInspectCalled = true
	m.LastContainerID = containerID
	if m.InspectErr != nil {
		return containertypes.InspectResponse{}, m.InspectErr
	}
	if m.Err != nil {
		return containertypes.InspectResponse{}, m.Err
	}
	return m.InspectResponse, nil
}

func (m *MockClient) ContainerLogs(ctx context.Context, containerID string, options containertypes.LogsOptions) (io.ReadCloser, error) {
	m.ContainerLogsCalled = true
	m.LastContainerID = containerID
	if m.Err != nil {
		return nil, m.Err
	}
	return io.NopCloser(bytes.NewReader(m.LogData)), nil
}

func (m *MockClient) ContainerStats(ctx context.Context, containerID string, stream bool) (containertypes.StatsResponseReader, error) {
	m.ContainerStatsCalled = true
	m.LastContainerID = containerID
	if m.Err != nil {
		return containertypes.StatsResponseReader{}, m.Err
	}
	return containertypes.StatsResponseReader{
		Body: io.NopCloser(bytes.NewReader(m.StatsData)),
	}, nil
}

func (m *MockClient) ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error) {
	m.ImagePullCalled = true
	m.LastImageRef = refStr
	if m.Err != nil {
		return nil, m.Err
	}
	return io.NopCloser(bytes.NewReader([]byte("{}"))), nil
}

func (m *MockClient) ImageBuild(ctx context.Context, buildContext io.Reader, options build.ImageBuildOptions) (build.ImageBuildResponse, error) {
	m.ImageBuildCalled = true
	m.LastBuildOptions = options
	if m.Err != nil {
		return build.ImageBuildResponse{}, m.Err
	}
	return build.ImageBuildResponse{
		Body: io.NopCloser(bytes.NewReader([]byte("{}"))),
	}, nil
}

func (m *MockClient) ImageInspect(ctx context.Context, imageID string, options ...client.ImageInspectOption) (image.InspectResponse, error) {
	m.ImageInspectCalled = true
	m.LastImageRef = imageID
	if m.ImageInspectErr != nil {
		return image.InspectResponse{}, m.ImageInspectErr
	}
	if m.Err != nil {
		return image.InspectResponse{}, m.Err
	}
	return m.ImageInspectResponse, nil
}

func (m *MockClient) ImageRemove(ctx context.Context, imageID string, options image.RemoveOptions) ([]image.DeleteResponse, error) {
	m.ImageRemoveCalled = true
	m.LastImageRef = imageID
	if m.Err != nil {
		return nil, m.Err
	}
	return []image.DeleteResponse{{Deleted: imageID}}, nil
}

func (m *MockClient) VolumeCreate(ctx context.Context, options volume.CreateOptions) (volume.Volume, error) {
	m.VolumeCreateCalled = true
	m.LastVolumeName = options.Name
	if m.Err != nil {
		return volume.Volume{}, m.Err
	}
	return volume.Volume{Name: options.Name}, nil
}

func (m *MockClient) VolumeRemove(ctx context.Context, volumeID string, force bool) error {
	m.VolumeRemoveCalled = true
	m.LastVolumeName = volumeID
	return m.Err
}

func (m *MockClient) Events(ctx context.Context, options events.ListOptions) (<-chan events.Message, <-chan error) {
	m.EventsCalled = true
	if m.EventsChan == nil {
		m.EventsChan = make(chan events.Message)
	}
	if m.EventsErrChan == nil {
		m.EventsErrChan = make(chan error, 1)
	}
	return m.EventsChan, m.EventsErrChan
}

func (m *MockClient) Close() error {
	return nil
}
