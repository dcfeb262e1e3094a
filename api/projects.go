package api

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/hangar-paas/hangar/apperr"
	"github.com/hangar-paas/hangar/project"
	"github.com/hangar-paas/hangar/store"
)

// defaultLogTail bounds the log endpoint when no tail is requested.
const defaultLogTail = 200

type projectResponse struct {
	*store.Project
	Hostname string `json:"hostname"`
}

func (s *Server) projectJSON(p *store.Project) projectResponse {
	return projectResponse{Project: p, Hostname: p.Hostname(s.cfg.DomainSuffix)}
}

// listProjects returns every project the caller owns or participates in.
func (s *Server) listProjects(c echo.Context) error {
	projects, err := s.deps.Store.ListProjectsFor(claimsFrom(c).Login)
	if err != nil {
		return err
	}
	out := make([]projectResponse, 0, len(projects))
	for i := range projects {
		out = append(out, s.projectJSON(&projects[i]))
	}
	return c.JSON(http.StatusOK, out)
}

type deployedProjectResponse struct {
	projectResponse
	Participants []string `json:"participants"`
}

// createProject deploys a new project for the caller.
func (s *Server) createProject(c echo.Context) error {
	var req project.DeployRequest
	if err := c.Bind(&req); err != nil {
		return apperr.New(apperr.CodeInvalidProjectName, "malformed request body")
	}

	result, err := s.deps.Orchestrator.Deploy(c.Request().Context(), claimsFrom(c).Login, req)
	if err != nil {
		return err
	}
	participants := result.Participants
	if participants == nil {
		participants = []string{}
	}
	return c.JSON(http.StatusCreated, echo.Map{"project": deployedProjectResponse{
		projectResponse: s.projectJSON(result.Project),
		Participants:    participants,
	}})
}

func (s *Server) getProject(c echo.Context) error {
	return c.JSON(http.StatusOK, s.projectJSON(projectFrom(c)))
}

func (s *Server) purgeProject(c echo.Context) error {
	if err := s.deps.Orchestrator.Purge(c.Request().Context(), projectFrom(c).ID); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) startProject(c echo.Context) error {
	if err := s.deps.Orchestrator.Start(c.Request().Context(), projectFrom(c).ID); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) stopProject(c echo.Context) error {
	if err := s.deps.Orchestrator.Stop(c.Request().Context(), projectFrom(c).ID); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) restartProject(c echo.Context) error {
	if err := s.deps.Orchestrator.Restart(c.Request().Context(), projectFrom(c).ID); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) projectLogs(c echo.Context) error {
	tail := defaultLogTail
	if parsed, err := strconv.Atoi(c.QueryParam("tail")); err == nil && parsed > 0 {
		tail = parsed
	}
	logs, err := s.deps.Orchestrator.Logs(c.Request().Context(), projectFrom(c).ID, tail)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, echo.Map{"logs": logs})
}

func (s *Server) projectMetrics(c echo.Context) error {
	metrics, err := s.deps.Orchestrator.Metrics(c.Request().Context(), projectFrom(c).ID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, metrics)
}

func (s *Server) projectStatus(c echo.Context) error {
	state, err := s.deps.Orchestrator.Status(c.Request().Context(), projectFrom(c).ID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, echo.Map{"status": state})
}

type imageUpdateRequest struct {
	NewImageURL string `json:"new_image_url"`
}

// updateImage swaps a direct project onto a new registry image.
func (s *Server) updateImage(c echo.Context) error {
	var req imageUpdateRequest
	if err := c.Bind(&req); err != nil || req.NewImageURL == "" {
		return apperr.New(apperr.CodeInvalidImageURL, "a new_image_url is required")
	}
	result, err := s.deps.Orchestrator.UpdateImage(c.Request().Context(), projectFrom(c).ID, req.NewImageURL)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, result)
}

// rebuildProject rebuilds a source project from its latest commit.
func (s *Server) rebuildProject(c echo.Context) error {
	result, err := s.deps.Orchestrator.Rebuild(c.Request().Context(), projectFrom(c).ID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, result)
}

type envUpdateRequest struct {
	EnvVars map[string]string `json:"env_vars"`
}

func (s *Server) updateEnvVars(c echo.Context) error {
	var req envUpdateRequest
	if err := c.Bind(&req); err != nil {
		return apperr.New(apperr.CodeInvalidEnvVar, "malformed request body")
	}
	result, err := s.deps.Orchestrator.UpdateEnvVars(c.Request().Context(), projectFrom(c).ID, req.EnvVars)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, result)
}

func (s *Server) listParticipants(c echo.Context) error {
	participants, err := s.deps.Store.ListParticipants(projectFrom(c).ID)
	if err != nil {
		return err
	}
	if participants == nil {
		participants = []string{}
	}
	return c.JSON(http.StatusOK, echo.Map{"participants": participants})
}

type participantRequest struct {
	Login string `json:"login"`
}

func (s *Server) addParticipant(c echo.Context) error {
	var req participantRequest
	if err := c.Bind(&req); err != nil || req.Login == "" {
		return apperr.New(apperr.CodeForbidden, "a login is required")
	}
	p := projectFrom(c)
	if req.Login == p.OwnerLogin {
		return apperr.New(apperr.CodeOwnerCannotBeParticipant,
			"the owner cannot be added as a participant")
	}
	if err := s.deps.Store.AddParticipant(p.ID, req.Login); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) removeParticipant(c echo.Context) error {
	login := c.Param("login")
	if err := s.deps.Store.RemoveParticipant(projectFrom(c).ID, login); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}
