package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/hangar-paas/hangar/apperr"
	"github.com/hangar-paas/hangar/store"
)

// adminListProjects returns every project on the platform.
func (s *Server) adminListProjects(c echo.Context) error {
	projects, err := s.deps.Store.ListAllProjects()
	if err != nil {
		return err
	}
	out := make([]projectResponse, 0, len(projects))
	for i := range projects {
		out = append(out, s.projectJSON(&projects[i]))
	}
	return c.JSON(http.StatusOK, out)
}

// adminDownProjects returns projects that are not serving: failed or
// stopped.
func (s *Server) adminDownProjects(c echo.Context) error {
	var down []projectResponse
	for _, status := range []store.ProjectStatus{
		store.StatusFailed, store.StatusStopped,
	} {
		projects, err := s.deps.Store.ListProjectsByStatus(status)
		if err != nil {
			return err
		}
		for i := range projects {
			down = append(down, s.projectJSON(&projects[i]))
		}
	}
	if down == nil {
		down = []projectResponse{}
	}
	return c.JSON(http.StatusOK, down)
}

// adminHostMetrics returns the aggregated resource usage of every platform
// container.
func (s *Server) adminHostMetrics(c echo.Context) error {
	if s.deps.HostMetrics == nil {
		return apperr.New(apperr.CodeInternal, "host metrics unavailable")
	}
	summary, err := s.deps.HostMetrics(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, summary)
}
