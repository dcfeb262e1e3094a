package sse

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testHub() *Hub {
	logger := logrus.New()
	logger.SetOutput(bytes.NewBuffer(nil))
	return NewHub(logger.WithField("test", true))
}

func TestEventIDFormat(t *testing.T) {
	event := NewDeploymentEvent("p-1", "web", StageStarted())
	assert.Regexp(t, regexp.MustCompile(`^deployment_\d+$`), event.ID)
	assert.Equal(t, EventDeployment, event.Type)

	data := event.Data.(DeploymentData)
	assert.Equal(t, EventDeployment, data.Type)
	assert.False(t, data.Timestamp.IsZero())
}

func TestStageWireForms(t *testing.T) {
	tests := []struct {
		stage Stage
		want  string
	}{
		{StageStarted(), `"started"`},
		{StageValidatingInput(), `"validating_input"`},
		{StageGettingImageDigest(), `"getting_image_digest"`},
		{StagePullingImage("nginx:alpine"), `{"pulling_image":{"image_url":"nginx:alpine"}}`},
		{StageCloningRepository("https://github.com/a/b"), `{"cloning_repository":{"repo_url":"https://github.com/a/b"}}`},
		{StageCompleted("hangar-web"), `{"completed":{"container_name":"hangar-web"}}`},
		{StageFailed("pull denied", "Image pull"), `{"failed":{"error":"pull denied","stage":"Image pull"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.stage.Name(), func(t *testing.T) {
			raw, err := json.Marshal(tt.stage)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(raw))
		})
	}
}

func TestPublishReachesAllSubscribers(t *testing.T) {
	hub := testHub()
	a := hub.SubscribeProject("p-1")
	b := hub.SubscribeProject("p-1")
	other := hub.SubscribeProject("p-2")

	hub.PublishProject("p-1", NewContainerStatusEvent("p-1", "web", "hangar-web", "running"))

	assert.Len(t, a.Events(), 1)
	assert.Len(t, b.Events(), 1)
	assert.Len(t, other.Events(), 0)
}

func TestBroadcastChannelsAreSeparate(t *testing.T) {
	hub := testHub()
	admin := hub.SubscribeAdmin()
	all := hub.SubscribeAll()
	project := hub.SubscribeProject("p-1")

	hub.PublishAdmin(NewContainerStatusEvent("p-1", "web", "hangar-web", "dead"))
	assert.Len(t, admin.Events(), 1)
	assert.Len(t, all.Events(), 0)
	assert.Len(t, project.Events(), 0)

	hub.PublishAll(NewSystemEvent(LevelInfo, "maintenance window", nil))
	assert.Len(t, admin.Events(), 1)
	assert.Len(t, all.Events(), 1)

	hub.UnsubscribeAdmin(admin)
	hub.UnsubscribeAll(all)
	assert.Equal(t, 0, hub.AdminSubscriberCount())
	assert.Equal(t, 0, hub.AllSubscriberCount())
}

func TestCreationAndProjectChannelsAreSeparate(t *testing.T) {
	hub := testHub()
	creation := hub.SubscribeCreation("alice")
	project := hub.SubscribeProject("p-1")

	hub.PublishCreation("alice", NewDeploymentEvent("", "web", StageValidatingInput()))

	assert.Len(t, creation.Events(), 1)
	assert.Len(t, project.Events(), 0)
}

func TestSlowSubscriberDropsNewestAndCountsMisses(t *testing.T) {
	hub := testHub()
	sub := hub.SubscribeProject("p-1")

	for i := 0; i < SubscriberBuffer+7; i++ {
		hub.PublishProject("p-1", NewSystemEvent(LevelInfo, fmt.Sprintf("notice %d", i), nil))
	}

	assert.Len(t, sub.Events(), SubscriberBuffer)
	assert.EqualValues(t, 7, sub.TakeMissed())
	// Counter resets after the take.
	assert.EqualValues(t, 0, sub.TakeMissed())
}

func TestUnsubscribeClosesChannelAndIsIdempotent(t *testing.T) {
	hub := testHub()
	sub := hub.SubscribeProject("p-1")

	hub.UnsubscribeProject("p-1", sub)
	hub.UnsubscribeProject("p-1", sub)

	_, open := <-sub.Events()
	assert.False(t, open)
	assert.Equal(t, 0, hub.ProjectSubscriberCount("p-1"))

	// Publishing into the now-empty channel must not panic.
	hub.PublishProject("p-1", NewSystemEvent(LevelInfo, "x", nil))
}

func TestActiveProjectChannels(t *testing.T) {
	hub := testHub()
	sub := hub.SubscribeProject("p-1")
	hub.SubscribeProject("p-2")
	hub.UnsubscribeProject("p-1", sub)

	active := hub.ActiveProjectChannels()
	assert.Equal(t, []string{"p-2"}, active)
}

func TestGCRemovesEmptyChannels(t *testing.T) {
	hub := testHub()
	sub := hub.SubscribeProject("p-1")
	keep := hub.SubscribeProject("p-2")
	creationSub := hub.SubscribeCreation("alice")
	hub.UnsubscribeProject("p-1", sub)
	hub.UnsubscribeCreation("alice", creationSub)

	assert.Equal(t, 2, hub.GC())
	assert.Equal(t, 0, hub.GC())
	assert.Equal(t, 1, hub.ProjectSubscriberCount("p-2"))
	_ = keep
}

func TestSlowConsumerWarning(t *testing.T) {
	event := SlowConsumerWarning(12)
	require.Equal(t, EventSystem, event.Type)
	data := event.Data.(SystemData)
	assert.Equal(t, "Connection slow: 12 messages missed", data.Message)
	assert.Equal(t, "warning", data.Level)
}

func TestEmitterDualDestination(t *testing.T) {
	hub := testHub()
	creation := hub.SubscribeCreation("alice")
	project := hub.SubscribeProject("p-1")

	emitter := hub.CreationEmitter("alice", "web")
	emitter.Stage(StageStarted())

	assert.Len(t, creation.Events(), 1)
	assert.Len(t, project.Events(), 0)

	emitter.BindProject("p-1")
	emitter.Stage(StageCompleted("hangar-web"))

	assert.Len(t, creation.Events(), 2)
	assert.Len(t, project.Events(), 1)

	event := <-project.Events()
	data := event.Data.(DeploymentData)
	assert.Equal(t, "p-1", data.ProjectID)
	assert.Equal(t, "web", data.ProjectName)
	assert.Equal(t, "completed", data.Stage.Name())
}
