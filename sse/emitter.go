package sse

// Emitter publishes deployment events for one project. Before the project
// row exists only the owner's creation channel is addressed; BindProject
// adds the project channel so both audiences see the rest of the pipeline.
type Emitter struct {
	hub         *Hub
	login       string
	projectID   string
	projectName string
}

// CreationEmitter emits to the creation channel of a login.
func (h *Hub) CreationEmitter(login, projectName string) *Emitter {
	return &Emitter{hub: h, login: login, projectName: projectName}
}

// ProjectEmitter emits to a project channel.
func (h *Hub) ProjectEmitter(projectID, projectName string) *Emitter {
	return &Emitter{hub: h, projectID: projectID, projectName: projectName}
}

// BindProject switches a creation emitter to the project channel once the
// project row exists, keeping the creation channel as a second destination.
func (e *Emitter) BindProject(projectID string) {
	e.projectID = projectID
}

func (e *Emitter) publish(event Event) {
	if e == nil || e.hub == nil {
		return
	}
	if e.login != "" {
		e.hub.PublishCreation(e.login, event)
	}
	if e.projectID != "" {
		e.hub.PublishProject(e.projectID, event)
	}
}

// Stage reports one deployment pipeline stage.
func (e *Emitter) Stage(stage Stage) {
	e.publish(NewDeploymentEvent(e.projectID, e.projectName, stage))
}
