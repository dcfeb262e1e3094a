package docker

import (
	"context"

	"github.com/docker/docker/api/types/events"
	"github.com/docker/docker/api/types/filters"
)

// appFilter selects the containers owned by this instance.
func (r *Runtime) appFilter() filters.Args {
	return filters.NewArgs(filters.Arg("label", "app="+r.opts.Prefix))
}

// ProjectEvents subscribes to the daemon's container event stream, filtered
// to this instance's containers. The channels close when ctx is cancelled or
// the daemon connection drops; callers reconnect.
func (r *Runtime) ProjectEvents(ctx context.Context) (<-chan events.Message, <-chan error) {
	filter := r.appFilter()
	filter.Add("type", string(events.ContainerEventType))
	return r.client.Events(ctx, events.ListOptions{Filters: filter})
}

// MapEventAction translates a docker event action into the container state
// surfaced to subscribers. The second return is false for actions that do
// not change the visible state (exec, attach, prune and friends).
func MapEventAction(action events.Action) (ContainerState, bool) {
	switch action {
	case events.ActionCreate:
		return StateCreated, true
	case events.ActionRestart:
		return StateRestarting, true
	case events.ActionStart, events.ActionUnPause:
		return StateRunning, true
	case events.ActionStop, events.ActionDie:
		return StateExited, true
	case events.ActionKill, events.ActionOOM:
		return StateDead, true
	case events.ActionPause:
		return StatePaused, true
	default:
		return StateUnknown, false
	}
}
