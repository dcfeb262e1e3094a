package project

import (
	"context"

	"github.com/hangar-paas/hangar/apperr"
	"github.com/hangar-paas/hangar/docker"
	"github.com/hangar-paas/hangar/store"
)

// Start starts a stopped project container. A container the runtime no
// longer knows is reported as lost rather than silently recreated.
func (s *Service) Start(ctx context.Context, projectID string) error {
	project, err := s.store.GetProjectByID(projectID)
	if err != nil {
		return err
	}
	if err := s.requireContainer(ctx, project); err != nil {
		return err
	}
	if err := s.runtime.StartContainer(ctx, project.ContainerName); err != nil {
		return err
	}
	s.setStatus(project, store.StatusRunning)
	return nil
}

// Stop stops a running project container.
func (s *Service) Stop(ctx context.Context, projectID string) error {
	project, err := s.store.GetProjectByID(projectID)
	if err != nil {
		return err
	}
	if err := s.runtime.StopContainer(ctx, project.ContainerName); err != nil {
		return err
	}
	s.setStatus(project, store.StatusStopped)
	return nil
}

// Restart restarts a project container in place.
func (s *Service) Restart(ctx context.Context, projectID string) error {
	project, err := s.store.GetProjectByID(projectID)
	if err != nil {
		return err
	}
	if err := s.requireContainer(ctx, project); err != nil {
		return err
	}
	if err := s.runtime.RestartContainer(ctx, project.ContainerName); err != nil {
		return err
	}
	s.setStatus(project, store.StatusRunning)
	return nil
}

// requireContainer verifies the recorded container still exists in the
// runtime before an operation that needs it.
func (s *Service) requireContainer(ctx context.Context, project *store.Project) error {
	if _, err := s.runtime.StateOf(ctx, project.ContainerName); err != nil {
		if apperr.CodeOf(err) == apperr.CodeContainerNotFound {
			return apperr.New(apperr.CodeContainerNotFound,
				"container for project %s seems to be lost, try to redeploy", project.Name)
		}
		return err
	}
	return nil
}

// Status reports the runtime state of the project's container.
func (s *Service) Status(ctx context.Context, projectID string) (docker.ContainerState, error) {
	project, err := s.store.GetProjectByID(projectID)
	if err != nil {
		return docker.StateUnknown, err
	}
	return s.runtime.StateOf(ctx, project.ContainerName)
}

// Logs returns the tail of the project's container log.
func (s *Service) Logs(ctx context.Context, projectID string, tail int) (string, error) {
	project, err := s.store.GetProjectByID(projectID)
	if err != nil {
		return "", err
	}
	return s.runtime.Logs(ctx, project.ContainerName, tail)
}

// Metrics returns a one-shot resource sample of the project's container.
func (s *Service) Metrics(ctx context.Context, projectID string) (*docker.Metrics, error) {
	project, err := s.store.GetProjectByID(projectID)
	if err != nil {
		return nil, err
	}
	return s.runtime.ContainerMetrics(ctx, project.ContainerName)
}

// Purge tears a project down completely: the linked tenant database, the
// container, the volume, the deployed image, and finally the project row
// with its participant grants. The container removal must succeed before
// anything else is torn down; volume and image removal are best effort.
func (s *Service) Purge(ctx context.Context, projectID string) error {
	project, err := s.store.GetProjectByID(projectID)
	if err != nil {
		return err
	}

	if err := s.releaseDatabase(ctx, project); err != nil {
		return err
	}

	if err := s.runtime.RemoveContainer(ctx, project.ContainerName); err != nil {
		return apperr.Wrap(apperr.CodeDeleteFailed, err,
			"failed to remove container of project %s", project.Name)
	}

	if project.VolumePath != "" {
		if err := s.runtime.RemoveVolume(ctx, project.Name); err != nil {
			s.log.WithField("project", project.Name).WithError(err).
				Warn("volume removal during purge failed")
		}
	}
	s.removeImageBestEffort(ctx, project.DeployedImageTag)

	if err := s.store.DeleteProject(project.ID); err != nil {
		return err
	}

	s.log.WithFields(map[string]interface{}{
		"project": project.Name,
		"owner":   project.OwnerLogin,
	}).Info("project purged")
	return nil
}

// releaseDatabase deprovisions the linked tenant database when the purged
// project's owner also owns the database and no other project uses it. A
// shared or foreign database is left alone; the link dies with the project
// row.
func (s *Service) releaseDatabase(ctx context.Context, project *store.Project) error {
	if project.DatabaseID == nil {
		return nil
	}
	db, err := s.store.GetTenantDatabaseByID(*project.DatabaseID)
	if err != nil {
		if apperr.CodeOf(err) == apperr.CodeDatabaseNotFound {
			return nil
		}
		return err
	}
	if db.OwnerLogin != project.OwnerLogin {
		return nil
	}
	users, err := s.store.CountProjectsUsingDatabase(db.ID)
	if err != nil {
		return err
	}
	if users > 1 {
		return nil
	}

	if err := s.tenantDB.Deprovision(ctx, db.Name, db.Username); err != nil {
		return err
	}
	return s.store.DeleteTenantDatabase(db.ID)
}
