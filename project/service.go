// Package project implements deployment orchestration: the staged pipeline
// that takes a tenant project from request to running container, blue-green
// updates that replace a serving container without downtime, and teardown.
//
// Every pipeline reports progress through the event plane stage by stage, so
// a browser attached to the SSE stream watches the deployment unfold.
package project

import (
	"context"
	"fmt"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/hangar-paas/hangar/docker"
	"github.com/hangar-paas/hangar/security"
	"github.com/hangar-paas/hangar/sse"
	"github.com/hangar-paas/hangar/store"
)

// Operation names carried by failed stage events, so a subscriber knows
// which step of the pipeline broke.
const (
	opInputValidation   = "Input validation"
	opPreconditions     = "Preconditions check"
	opImagePull         = "Image pull"
	opImageScan         = "Image scan"
	opRepositoryClone   = "Repository clone"
	opImageBuild        = "Image build"
	opImageDigest       = "Image digest retrieval"
	opContainerCreation = "Container creation"
	opHealthCheck       = "Health check"
	opDatabaseProvision = "Database provisioning"
	opNewContainer      = "New container creation"
)

// Env var names injected into containers of projects with a linked database.
const (
	envDBHost     = "DB_HOST"
	envDBPort     = "DB_PORT"
	envDBName     = "DB_NAME"
	envDBUser     = "DB_USER"
	envDBPassword = "DB_PASSWORD"
)

// Store is the persistence surface the orchestrator needs.
type Store interface {
	CreateDeployment(project *store.Project, participants []string, db *store.TenantDatabase) error
	ProjectNameExists(name string) (bool, error)
	OwnerHasProject(ownerLogin string) (bool, error)
	GetProjectByID(id string) (*store.Project, error)
	UpdateProjectStatus(id string, status store.ProjectStatus) error
	UpdateProjectDeployment(id, containerName, imageTag, imageDigest string) error
	UpdateProjectSourceURL(id, sourceURL string) error
	UpdateProjectEnvVars(id string, envVars map[string]string) error
	DeleteProject(id string) error
	GetTenantDatabase(ownerLogin string) (*store.TenantDatabase, error)
	GetTenantDatabaseByID(id string) (*store.TenantDatabase, error)
	CountProjectsUsingDatabase(databaseID string) (int64, error)
	DeleteTenantDatabase(id string) error
}

// SourceFetcher obtains project sources from GitHub.
type SourceFetcher interface {
	InstallationIDByOwner(ctx context.Context, owner string) (int64, error)
	InstallationToken(ctx context.Context, installationID int64) (string, error)
	RepoAccessible(ctx context.Context, owner, repo, token string) error
	CloneTemp(ctx context.Context, repoURL, branch, token string) (string, error)
}

// DBProvisioner manages tenant databases for deploy-time provisioning and
// purge-time teardown.
type DBProvisioner interface {
	Provision(ctx context.Context, dbName, username, password string) error
	Deprovision(ctx context.Context, dbName, username string) error
	PublicHost() string
	PublicPort() int
}

// Service orchestrates project deployments.
type Service struct {
	store     Store
	runtime   *docker.Runtime
	source    SourceFetcher
	secrets   *security.Secrets
	hub       *sse.Hub
	tenantDB  DBProvisioner
	baseImage string
	log       *logrus.Entry
}

// NewService wires the orchestrator.
func NewService(
	st Store,
	runtime *docker.Runtime,
	source SourceFetcher,
	secrets *security.Secrets,
	hub *sse.Hub,
	tenantDB DBProvisioner,
	baseImage string,
	log *logrus.Entry,
) *Service {
	return &Service{
		store:     st,
		runtime:   runtime,
		source:    source,
		secrets:   secrets,
		hub:       hub,
		tenantDB:  tenantDB,
		baseImage: baseImage,
		log:       log,
	}
}

// withStage emits a single stage, runs fn and reports a failure with the
// operation name. Used for stages without a distinct completion marker.
func (s *Service) withStage(em *sse.Emitter, stage sse.Stage, op string, fn func() error) error {
	em.Stage(stage)
	if err := fn(); err != nil {
		em.Stage(sse.StageFailed(err.Error(), op))
		return err
	}
	return nil
}

// withStages brackets fn between a start and a completion stage.
func (s *Service) withStages(em *sse.Emitter, before, after sse.Stage, op string, fn func() error) error {
	em.Stage(before)
	if err := fn(); err != nil {
		em.Stage(sse.StageFailed(err.Error(), op))
		return err
	}
	em.Stage(after)
	return nil
}

// setStatus persists a status change for the admin listing.
func (s *Service) setStatus(project *store.Project, status store.ProjectStatus) {
	if err := s.store.UpdateProjectStatus(project.ID, status); err != nil {
		s.log.WithField("project", project.Name).WithError(err).
			Error("failed to persist status")
	}
	project.Status = status
}

// runtimeEnv decrypts the stored env vars and injects database connection
// parameters when the project has a linked tenant database.
func (s *Service) runtimeEnv(project *store.Project) (map[string]string, error) {
	env, err := s.secrets.DecryptEnvVars(project.EnvVars)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt env vars: %w", err)
	}
	if env == nil {
		env = map[string]string{}
	}

	if project.DatabaseID != nil {
		db, err := s.store.GetTenantDatabaseByID(*project.DatabaseID)
		if err != nil {
			return nil, err
		}
		password, err := s.secrets.DecryptString(db.PasswordEnc)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt database password: %w", err)
		}
		env[envDBHost] = db.Host
		env[envDBPort] = strconv.Itoa(db.Port)
		env[envDBName] = db.Name
		env[envDBUser] = db.Username
		env[envDBPassword] = password
	}

	return env, nil
}

// removeImageBestEffort drops an image during rollback, logging instead of
// surfacing cleanup errors.
func (s *Service) removeImageBestEffort(ctx context.Context, ref string) {
	if ref == "" {
		return
	}
	if err := s.runtime.RemoveImage(ctx, ref); err != nil {
		s.log.WithField("image", ref).WithError(err).
			Warn("failed to remove image during rollback")
	}
}

// removeContainerBestEffort drops a container during rollback.
func (s *Service) removeContainerBestEffort(ctx context.Context, name string) {
	if err := s.runtime.RemoveContainer(ctx, name); err != nil {
		s.log.WithField("container", name).WithError(err).
			Warn("failed to remove container during rollback")
	}
}
