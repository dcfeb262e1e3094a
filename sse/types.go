// Package sse is the event plane of the hangar control plane. Deployment
// progress, container status changes, metrics samples and system notices are
// fanned out to browser subscribers over server-sent events.
//
// Channels come in four classes: the admin channel and the all channel are
// broadcast to every subscriber of their class; creation channels, keyed by
// owner login, carry the events of projects that do not exist yet; project
// channels, keyed by project id, carry everything after creation.
package sse

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType discriminates event payloads.
type EventType string

const (
	EventDeployment      EventType = "deployment"
	EventContainerStatus EventType = "container_status"
	EventMetrics         EventType = "metrics"
	EventSystem          EventType = "system"
)

// Keep-alive parameters of the SSE transport.
const (
	KeepAliveInterval = 5 * time.Second
	KeepAliveText     = "keep-alive"
)

// Event is a single message on a channel. Data carries its own "type" field,
// so the SSE data frame is self-describing.
type Event struct {
	ID   string
	Type EventType
	Data interface{}
}

// newEvent stamps an event with its id. Ids combine the type with a
// millisecond timestamp, so clients can use them for Last-Event-ID style
// dedup.
func newEvent(eventType EventType, data interface{}) Event {
	return Event{
		ID:   fmt.Sprintf("%s_%d", eventType, time.Now().UnixMilli()),
		Type: eventType,
		Data: data,
	}
}

// DeploymentData reports deployment pipeline progress.
type DeploymentData struct {
	Type        EventType `json:"type"`
	ProjectID   string    `json:"project_id"`
	ProjectName string    `json:"project_name"`
	Stage       Stage     `json:"stage"`
	Timestamp   time.Time `json:"timestamp"`
}

// NewDeploymentEvent builds a deployment event. ProjectID is empty while the
// project row does not exist yet.
func NewDeploymentEvent(projectID, projectName string, stage Stage) Event {
	return newEvent(EventDeployment, DeploymentData{
		Type:        EventDeployment,
		ProjectID:   projectID,
		ProjectName: projectName,
		Stage:       stage,
		Timestamp:   time.Now().UTC(),
	})
}

// ContainerStatusData reports a runtime-observed container status change.
type ContainerStatusData struct {
	Type          EventType `json:"type"`
	ProjectID     string    `json:"project_id"`
	ProjectName   string    `json:"project_name"`
	ContainerName string    `json:"container_name"`
	Status        string    `json:"status"`
	Timestamp     time.Time `json:"timestamp"`
}

// NewContainerStatusEvent builds a container status event.
func NewContainerStatusEvent(projectID, projectName, containerName, status string) Event {
	return newEvent(EventContainerStatus, ContainerStatusData{
		Type:          EventContainerStatus,
		ProjectID:     projectID,
		ProjectName:   projectName,
		ContainerName: containerName,
		Status:        status,
		Timestamp:     time.Now().UTC(),
	})
}

// MetricsData is a resource usage sample of a running project.
type MetricsData struct {
	Type        EventType `json:"type"`
	ProjectID   string    `json:"project_id"`
	ProjectName string    `json:"project_name"`
	CPUUsage    float64   `json:"cpu_usage"`
	MemoryUsage float64   `json:"memory_usage"`
	MemoryLimit float64   `json:"memory_limit"`
	Timestamp   time.Time `json:"timestamp"`
}

// NewMetricsEvent builds a metrics event.
func NewMetricsEvent(projectID, projectName string, cpuUsage, memoryUsage, memoryLimit float64) Event {
	return newEvent(EventMetrics, MetricsData{
		Type:        EventMetrics,
		ProjectID:   projectID,
		ProjectName: projectName,
		CPUUsage:    cpuUsage,
		MemoryUsage: memoryUsage,
		MemoryLimit: memoryLimit,
		Timestamp:   time.Now().UTC(),
	})
}

// System event levels.
const (
	LevelInfo    = "info"
	LevelWarning = "warning"
	LevelError   = "error"
)

// SystemData carries operational notices, including the slow-consumer
// warning synthesized by the transport.
type SystemData struct {
	Type      EventType         `json:"type"`
	Level     string            `json:"level"`
	Message   string            `json:"message"`
	Context   map[string]string `json:"context,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// NewSystemEvent builds a system notice.
func NewSystemEvent(level, message string, context map[string]string) Event {
	return newEvent(EventSystem, SystemData{
		Type:      EventSystem,
		Level:     level,
		Message:   message,
		Context:   context,
		Timestamp: time.Now().UTC(),
	})
}

// Stage names of the deployment pipeline.
const (
	stageStarted              = "started"
	stageValidatingInput      = "validating_input"
	stagePullingImage         = "pulling_image"
	stageImagePulled          = "image_pulled"
	stageScanningImage        = "scanning_image"
	stageImageScanned         = "image_scanned"
	stageCloningRepository    = "cloning_repository"
	stageRepositoryCloned     = "repository_cloned"
	stageBuildingImage        = "building_image"
	stageImageBuilt           = "image_built"
	stageGettingImageDigest   = "getting_image_digest"
	stageCreatingContainer    = "creating_container"
	stageContainerCreated     = "container_created"
	stageWaitingHealthCheck   = "waiting_health_check"
	stageHealthCheckPassed    = "health_check_passed"
	stageProvisioningDatabase = "provisioning_database"
	stageDatabaseProvisioned  = "database_provisioned"
	stageLinkingDatabase      = "linking_database"
	stageDatabaseLinked       = "database_linked"
	stageCleaningUp           = "cleaning_up"
	stageCompleted            = "completed"
	stageFailed               = "failed"
)

// Stage is one step of the deployment pipeline. Plain stages serialize as a
// bare string; stages carrying data serialize as a one-key object, e.g.
// {"pulling_image":{"image_url":"..."}}.
type Stage struct {
	name          string
	imageURL      string
	repoURL       string
	containerName string
	errMsg        string
	failedAt      string
}

// Name returns the stage identifier.
func (s Stage) Name() string { return s.name }

// MarshalJSON implements the wire form of the stage union.
func (s Stage) MarshalJSON() ([]byte, error) {
	switch s.name {
	case stagePullingImage:
		return json.Marshal(map[string]map[string]string{
			s.name: {"image_url": s.imageURL},
		})
	case stageCloningRepository:
		return json.Marshal(map[string]map[string]string{
			s.name: {"repo_url": s.repoURL},
		})
	case stageCompleted:
		return json.Marshal(map[string]map[string]string{
			s.name: {"container_name": s.containerName},
		})
	case stageFailed:
		return json.Marshal(map[string]map[string]string{
			s.name: {"error": s.errMsg, "stage": s.failedAt},
		})
	default:
		return json.Marshal(s.name)
	}
}

func StageStarted() Stage            { return Stage{name: stageStarted} }
func StageValidatingInput() Stage    { return Stage{name: stageValidatingInput} }
func StageImagePulled() Stage        { return Stage{name: stageImagePulled} }
func StageScanningImage() Stage      { return Stage{name: stageScanningImage} }
func StageImageScanned() Stage       { return Stage{name: stageImageScanned} }
func StageRepositoryCloned() Stage   { return Stage{name: stageRepositoryCloned} }
func StageBuildingImage() Stage      { return Stage{name: stageBuildingImage} }
func StageImageBuilt() Stage         { return Stage{name: stageImageBuilt} }
func StageGettingImageDigest() Stage { return Stage{name: stageGettingImageDigest} }
func StageCreatingContainer() Stage  { return Stage{name: stageCreatingContainer} }
func StageContainerCreated() Stage   { return Stage{name: stageContainerCreated} }
func StageWaitingHealthCheck() Stage { return Stage{name: stageWaitingHealthCheck} }
func StageHealthCheckPassed() Stage  { return Stage{name: stageHealthCheckPassed} }
func StageProvisioningDatabase() Stage {
	return Stage{name: stageProvisioningDatabase}
}
func StageDatabaseProvisioned() Stage { return Stage{name: stageDatabaseProvisioned} }
func StageLinkingDatabase() Stage     { return Stage{name: stageLinkingDatabase} }
func StageDatabaseLinked() Stage      { return Stage{name: stageDatabaseLinked} }
func StageCleaningUp() Stage          { return Stage{name: stageCleaningUp} }

func StagePullingImage(imageURL string) Stage {
	return Stage{name: stagePullingImage, imageURL: imageURL}
}

func StageCloningRepository(repoURL string) Stage {
	return Stage{name: stageCloningRepository, repoURL: repoURL}
}

func StageCompleted(containerName string) Stage {
	return Stage{name: stageCompleted, containerName: containerName}
}

func StageFailed(errMsg, stage string) Stage {
	return Stage{name: stageFailed, errMsg: errMsg, failedAt: stage}
}
