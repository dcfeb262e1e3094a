// Package api is the HTTP surface of the hangar control plane. Handlers
// stay thin: they authenticate, check project access, and delegate to the
// orchestrator, the store and the tenant database provisioner.
package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"

	"github.com/hangar-paas/hangar/apperr"
	"github.com/hangar-paas/hangar/config"
	"github.com/hangar-paas/hangar/docker"
	"github.com/hangar-paas/hangar/project"
	"github.com/hangar-paas/hangar/security"
	"github.com/hangar-paas/hangar/sse"
	"github.com/hangar-paas/hangar/store"
)

// Store is the persistence surface the handlers need.
type Store interface {
	GetProjectByID(id string) (*store.Project, error)
	ListProjectsFor(login string) ([]store.Project, error)
	ListAllProjects() ([]store.Project, error)
	ListProjectsByStatus(status store.ProjectStatus) ([]store.Project, error)
	ListParticipants(projectID string) ([]string, error)
	AddParticipant(projectID, login string) error
	RemoveParticipant(projectID, login string) error
	IsParticipant(projectID, login string) (bool, error)

	CreateTenantDatabase(db *store.TenantDatabase) error
	GetTenantDatabase(ownerLogin string) (*store.TenantDatabase, error)
	GetTenantDatabaseByID(id string) (*store.TenantDatabase, error)
	DeleteTenantDatabase(id string) error
	LinkDatabase(projectID, databaseID string) error
	UnlinkDatabase(projectID string) error
	CountProjectsUsingDatabase(databaseID string) (int64, error)
}

// Orchestrator drives project deployments and lifecycle operations.
type Orchestrator interface {
	Deploy(ctx context.Context, ownerLogin string, req project.DeployRequest) (*project.DeployResult, error)
	UpdateImage(ctx context.Context, projectID, newImageURL string) (*project.UpdateResult, error)
	Rebuild(ctx context.Context, projectID string) (*project.UpdateResult, error)
	UpdateEnvVars(ctx context.Context, projectID string, envVars map[string]string) (*project.UpdateResult, error)
	Start(ctx context.Context, projectID string) error
	Stop(ctx context.Context, projectID string) error
	Restart(ctx context.Context, projectID string) error
	Status(ctx context.Context, projectID string) (docker.ContainerState, error)
	Logs(ctx context.Context, projectID string, tail int) (string, error)
	Metrics(ctx context.Context, projectID string) (*docker.Metrics, error)
	Purge(ctx context.Context, projectID string) error
}

// DBProvisioner manages tenant MariaDB databases.
type DBProvisioner interface {
	Provision(ctx context.Context, dbName, username, password string) error
	Deprovision(ctx context.Context, dbName, username string) error
	Ping(ctx context.Context) error
	PublicHost() string
	PublicPort() int
}

// Deps bundles everything a Server needs.
type Deps struct {
	Store        Store
	Orchestrator Orchestrator
	Provisioner  DBProvisioner
	Hub          *sse.Hub
	JWT          *security.JWTService
	Secrets      *security.Secrets
	CAS          TicketValidator

	// HostMetrics serves the admin host summary; nil disables the endpoint.
	HostMetrics func(ctx context.Context) (*docker.HostMetrics, error)

	// PingDocker and PingStore are the health probe hooks.
	PingDocker func(ctx context.Context) error
	PingStore  func(ctx context.Context) error

	Log *logrus.Entry
}

// Server is the control-plane HTTP server.
type Server struct {
	cfg  *config.Config
	echo *echo.Echo
	deps Deps
	log  *logrus.Entry
}

// New builds the server and registers all routes.
func New(cfg *config.Config, deps Deps) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{cfg: cfg, echo: e, deps: deps, log: deps.Log}

	e.HTTPErrorHandler = s.errorHandler
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowCredentials: true,
		AllowOriginFunc: func(origin string) (bool, error) {
			return true, nil
		},
	}))
	e.Use(middleware.BodyLimit("1M"))

	s.routes()
	return s
}

func (s *Server) routes() {
	e := s.echo

	e.GET("/healthz", s.health)
	e.GET("/auth/login", s.casLogin)
	e.POST("/auth/logout", s.logout)

	api := e.Group("/api", s.requireAuth)
	api.GET("/me", s.me)

	// Ordinary requests get the short deadline; deploys and redeploys may
	// pull, build and health-check, so they run under the long one.
	normal := api.Group("", middleware.ContextTimeout(s.cfg.NormalTimeout()))
	long := api.Group("", middleware.ContextTimeout(s.cfg.LongTimeout()))

	normal.GET("/projects", s.listProjects)
	long.POST("/projects", s.createProject)
	normal.GET("/projects/:id", s.getProject, s.requireProjectAccess)
	long.DELETE("/projects/:id", s.purgeProject, s.requireProjectAccess)
	normal.POST("/projects/:id/start", s.startProject, s.requireProjectAccess)
	normal.POST("/projects/:id/stop", s.stopProject, s.requireProjectAccess)
	normal.POST("/projects/:id/restart", s.restartProject, s.requireProjectAccess)
	normal.GET("/projects/:id/status", s.projectStatus, s.requireProjectAccess)
	normal.GET("/projects/:id/logs", s.projectLogs, s.requireProjectAccess)
	normal.GET("/projects/:id/metrics", s.projectMetrics, s.requireProjectAccess)
	long.PUT("/projects/:id/image", s.updateImage, s.requireProjectAccess)
	long.POST("/projects/:id/rebuild", s.rebuildProject, s.requireProjectAccess)
	long.PUT("/projects/:id/env", s.updateEnvVars, s.requireProjectAccess)

	normal.GET("/projects/:id/participants", s.listParticipants, s.requireProjectAccess)
	normal.POST("/projects/:id/participants", s.addParticipant, s.requireProjectOwner)
	normal.DELETE("/projects/:id/participants/:login", s.removeParticipant, s.requireProjectOwner)

	normal.POST("/projects/:id/database/link", s.linkDatabase, s.requireProjectOwner)
	normal.POST("/projects/:id/database/unlink", s.unlinkDatabase, s.requireProjectOwner)

	normal.POST("/databases", s.provisionDatabase)
	normal.GET("/databases/mine", s.getDatabase)
	normal.DELETE("/databases/mine", s.deprovisionDatabase)

	admin := api.Group("/admin", s.requireAdmin)
	admin.GET("/projects", s.adminListProjects)
	admin.GET("/projects/down", s.adminDownProjects)
	admin.GET("/metrics", s.adminHostMetrics)

	// SSE streams are long-lived and run without a request deadline.
	events := api.Group("/events")
	events.GET("/creation", s.streamCreationEvents)
	events.GET("/projects/:id", s.streamProjectEvents, s.requireProjectAccess)
	events.GET("/all", s.streamAllEvents)
	events.GET("/admin", s.streamAdminEvents, s.requireAdmin)
}

// Start listens on the configured address and blocks until shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.log.WithField("addr", addr).Info("http server listening")
	if err := s.echo.Start(addr); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// Echo exposes the router for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

type errorBody struct {
	Code    apperr.Code `json:"code"`
	Message string      `json:"message"`
}

// errorHandler renders every failure as {"error":{"code","message"}}.
func (s *Server) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	status := http.StatusInternalServerError
	body := errorBody{Code: apperr.CodeInternal, Message: "internal error"}

	if appErr, ok := apperr.As(err); ok {
		status = apperr.HTTPStatus(appErr.Code)
		body = errorBody{Code: appErr.Code, Message: appErr.Message}
	} else if httpErr, ok := err.(*echo.HTTPError); ok {
		status = httpErr.Code
		body = errorBody{Code: httpCode(httpErr.Code), Message: fmt.Sprintf("%v", httpErr.Message)}
	}

	if status >= http.StatusInternalServerError {
		s.log.WithError(err).WithField("path", c.Path()).Error("request failed")
	}

	if jsonErr := c.JSON(status, echo.Map{"error": body}); jsonErr != nil {
		s.log.WithError(jsonErr).Error("failed to write error response")
	}
}

func httpCode(status int) apperr.Code {
	switch status {
	case http.StatusUnauthorized:
		return apperr.CodeUnauthorized
	case http.StatusForbidden:
		return apperr.CodeForbidden
	case http.StatusNotFound:
		return apperr.CodeProjectNotFound
	default:
		return apperr.CodeInternal
	}
}
