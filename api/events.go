package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/hangar-paas/hangar/sse"
)

// streamCreationEvents attaches the caller to their creation channel, which
// carries the early stages of deployments before the project row exists.
func (s *Server) streamCreationEvents(c echo.Context) error {
	login := claimsFrom(c).Login
	sub := s.deps.Hub.SubscribeCreation(login)
	defer s.deps.Hub.UnsubscribeCreation(login, sub)
	return s.streamEvents(c, sub)
}

// streamProjectEvents attaches the caller to a project channel.
func (s *Server) streamProjectEvents(c echo.Context) error {
	projectID := projectFrom(c).ID
	sub := s.deps.Hub.SubscribeProject(projectID)
	defer s.deps.Hub.UnsubscribeProject(projectID, sub)
	return s.streamEvents(c, sub)
}

// streamAdminEvents attaches an admin to the broadcast channel that carries
// admin-scoped system notices and dead-container notifications.
func (s *Server) streamAdminEvents(c echo.Context) error {
	sub := s.deps.Hub.SubscribeAdmin()
	defer s.deps.Hub.UnsubscribeAdmin(sub)
	return s.streamEvents(c, sub)
}

// streamAllEvents attaches the caller to the global announcement channel.
func (s *Server) streamAllEvents(c echo.Context) error {
	sub := s.deps.Hub.SubscribeAll()
	defer s.deps.Hub.UnsubscribeAll(sub)
	return s.streamEvents(c, sub)
}

// streamEvents is the SSE write loop. It forwards hub events, emits a
// keep-alive comment on idle connections and warns the client when its
// channel overflowed.
func (s *Server) streamEvents(c echo.Context, sub *sse.Subscriber) error {
	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set(echo.HeaderCacheControl, "no-cache")
	w.Header().Set(echo.HeaderConnection, "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	w.Flush()

	keepAlive := time.NewTicker(sse.KeepAliveInterval)
	defer keepAlive.Stop()
	ctx := c.Request().Context()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-sub.Events():
			if !ok {
				return nil
			}
			if missed := sub.TakeMissed(); missed > 0 {
				if err := writeSSE(w, sse.SlowConsumerWarning(missed)); err != nil {
					return nil
				}
			}
			if err := writeSSE(w, event); err != nil {
				return nil
			}
			w.Flush()
		case <-keepAlive.C:
			if _, err := fmt.Fprintf(w, ": %s\n\n", sse.KeepAliveText); err != nil {
				return nil
			}
			w.Flush()
		}
	}
}

func writeSSE(w *echo.Response, event sse.Event) error {
	data, err := json.Marshal(event.Data)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", event.ID, event.Type, data)
	return err
}
