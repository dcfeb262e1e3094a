package sse

import (
	"context"
	"strings"
	"time"

	"github.com/docker/docker/api/types/events"
	"github.com/sirupsen/logrus"

	"github.com/hangar-paas/hangar/docker"
	"github.com/hangar-paas/hangar/store"
)

// Default cadences of the background tasks.
const (
	DefaultMetricsInterval = 5 * time.Second
	DefaultGCInterval      = 300 * time.Second
	defaultEventsBackoff   = 5 * time.Second
)

// ContainerRuntime is the docker surface the tasks need.
type ContainerRuntime interface {
	ProjectEvents(ctx context.Context) (<-chan events.Message, <-chan error)
	ContainerMetrics(ctx context.Context, containerID string) (*docker.Metrics, error)
}

// ProjectLookup resolves stored project rows for the background tasks.
type ProjectLookup interface {
	GetProjectByID(id string) (*store.Project, error)
	GetProjectByContainerName(name string) (*store.Project, error)
}

// Tasks are the long-running goroutines feeding the event plane: the docker
// event pump, the metrics collector and the channel garbage collector.
type Tasks struct {
	hub     *Hub
	runtime ContainerRuntime
	lookup  ProjectLookup
	log     *logrus.Entry

	MetricsInterval time.Duration
	GCInterval      time.Duration
	EventsBackoff   time.Duration
}

// NewTasks wires the background tasks. Start them with Run.
func NewTasks(hub *Hub, runtime ContainerRuntime, lookup ProjectLookup, log *logrus.Entry) *Tasks {
	return &Tasks{
		hub:             hub,
		runtime:         runtime,
		lookup:          lookup,
		log:             log,
		MetricsInterval: DefaultMetricsInterval,
		GCInterval:      DefaultGCInterval,
		EventsBackoff:   defaultEventsBackoff,
	}
}

// Run starts all tasks and blocks until ctx is cancelled.
func (t *Tasks) Run(ctx context.Context) {
	go t.RunEventsPump(ctx)
	go t.RunMetricsCollector(ctx)
	go t.RunChannelGC(ctx)
	<-ctx.Done()
}

// RunEventsPump streams docker container events into project channels,
// reconnecting with a fixed backoff whenever the daemon stream drops.
func (t *Tasks) RunEventsPump(ctx context.Context) {
	for {
		msgCh, errCh := t.runtime.ProjectEvents(ctx)
		t.log.Debug("docker event stream connected")

	stream:
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgCh:
				if !ok {
					break stream
				}
				t.handleEvent(msg)
			case err, ok := <-errCh:
				if !ok {
					break stream
				}
				if ctx.Err() != nil {
					return
				}
				t.log.WithError(err).Warn("docker event stream error, reconnecting")
				break stream
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(t.EventsBackoff):
		}
	}
}

// handleEvent maps a daemon container event onto a project channel. The
// container name from the event actor resolves the project; dead containers
// are additionally reported on the admin channel.
func (t *Tasks) handleEvent(msg events.Message) {
	status, ok := docker.MapEventAction(msg.Action)
	if !ok {
		return
	}
	name := strings.TrimPrefix(msg.Actor.Attributes["name"], "/")
	if name == "" {
		return
	}
	project, err := t.lookup.GetProjectByContainerName(name)
	if err != nil {
		return
	}

	event := NewContainerStatusEvent(project.ID, project.Name, name, string(status))
	t.hub.PublishProject(project.ID, event)

	if status == docker.StateDead {
		t.hub.PublishAdmin(NewContainerStatusEvent(
			project.ID, project.Name, name, string(docker.StateDead)))
	}
}

// RunMetricsCollector samples container metrics for every project channel
// that has at least one subscriber. Idle channels cost nothing.
func (t *Tasks) RunMetricsCollector(ctx context.Context) {
	ticker := time.NewTicker(t.MetricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.collectMetrics(ctx)
		}
	}
}

func (t *Tasks) collectMetrics(ctx context.Context) {
	for _, projectID := range t.hub.ActiveProjectChannels() {
		project, err := t.lookup.GetProjectByID(projectID)
		if err != nil || project.ContainerName == "" {
			continue
		}
		metrics, err := t.runtime.ContainerMetrics(ctx, project.ContainerName)
		if err != nil {
			t.log.WithField("project", projectID).WithError(err).
				Debug("metrics sample failed")
			continue
		}
		t.hub.PublishProject(projectID, NewMetricsEvent(
			project.ID, project.Name,
			metrics.CPUPercent,
			float64(metrics.MemoryUsage),
			float64(metrics.MemoryLimit),
		))
	}
}

// RunChannelGC periodically drops channels without subscribers.
func (t *Tasks) RunChannelGC(ctx context.Context) {
	ticker := time.NewTicker(t.GCInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := t.hub.GC(); removed > 0 {
				t.log.WithField("removed", removed).Debug("event channels collected")
			}
		}
	}
}
