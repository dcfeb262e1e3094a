package project

import (
	"context"

	"github.com/hangar-paas/hangar/apperr"
	"github.com/hangar-paas/hangar/docker"
	"github.com/hangar-paas/hangar/sse"
	"github.com/hangar-paas/hangar/store"
	"github.com/hangar-paas/hangar/validation"
)

// Update outcome markers returned to the API layer.
const (
	UpdateNoChange = "no_change"
	UpdateSuccess  = "success"
)

// UpdateResult reports the outcome of a blue-green update.
type UpdateResult struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// blueGreen captures the moving parts of one blue-green swap.
type blueGreen struct {
	oldContainerName string
	newContainerName string
	newImageTag      string
	newImageDigest   string
	// oldImageTag is removed in the background after a successful swap.
	oldImageTag string
}

// UpdateImage swaps a direct project onto a new registry image without
// downtime. When the new image's digest equals the deployed one the project
// is already current and nothing changes.
func (s *Service) UpdateImage(ctx context.Context, projectID, newImageURL string) (*UpdateResult, error) {
	project, err := s.store.GetProjectByID(projectID)
	if err != nil {
		return nil, err
	}
	if project.SourceKind != store.SourceDirect {
		return nil, apperr.New(apperr.CodeBadRequest,
			"image update is only supported for direct source projects")
	}

	em := s.hub.ProjectEmitter(project.ID, project.Name)
	em.Stage(sse.StageStarted())

	if err := s.prepareDirectImage(ctx, em, newImageURL); err != nil {
		return nil, err
	}

	var digest string
	if err := s.withStage(em, sse.StageGettingImageDigest(), opImageDigest, func() error {
		digest, err = s.imageDigest(ctx, newImageURL)
		return err
	}); err != nil {
		return nil, err
	}

	if digest == project.DeployedImageDigest {
		return &UpdateResult{
			Status:  UpdateNoChange,
			Message: "The project is already running the latest version of the image.",
		}, nil
	}

	env, err := s.runtimeEnv(project)
	if err != nil {
		return nil, err
	}

	swap := blueGreen{
		oldContainerName: project.ContainerName,
		newContainerName: s.runtime.SuccessorName(project.Name),
		newImageTag:      newImageURL,
		newImageDigest:   digest,
		oldImageTag:      project.DeployedImageTag,
	}
	if err := s.runBlueGreen(ctx, em, project, swap, env); err != nil {
		return nil, err
	}
	if err := s.store.UpdateProjectSourceURL(project.ID, newImageURL); err != nil {
		return nil, err
	}

	em.Stage(sse.StageCompleted(swap.newContainerName))
	return &UpdateResult{
		Status:  UpdateSuccess,
		Message: "Project image updated successfully without downtime.",
	}, nil
}

// Rebuild rebuilds a source project from the latest commit of its branch and
// swaps onto the result. An unchanged source produces an identical digest,
// in which case the freshly built image is dropped again and nothing
// changes.
func (s *Service) Rebuild(ctx context.Context, projectID string) (*UpdateResult, error) {
	project, err := s.store.GetProjectByID(projectID)
	if err != nil {
		return nil, err
	}
	if project.SourceKind != store.SourceGitHub {
		return nil, apperr.New(apperr.CodeBadRequest,
			"source rebuild is only supported for github source projects")
	}

	em := s.hub.ProjectEmitter(project.ID, project.Name)
	em.Stage(sse.StageStarted())

	newTag, err := s.buildFromGitHub(ctx, em, project.Name,
		project.SourceURL, project.SourceBranch, project.SourceRootDir)
	if err != nil {
		return nil, err
	}

	var digest string
	if err := s.withStage(em, sse.StageGettingImageDigest(), opImageDigest, func() error {
		digest, err = s.imageDigest(ctx, newTag)
		return err
	}); err != nil {
		return nil, err
	}

	if digest == project.DeployedImageDigest {
		s.removeImageBestEffort(ctx, newTag)
		return &UpdateResult{
			Status:  UpdateNoChange,
			Message: "The project source is already up to date.",
		}, nil
	}

	env, err := s.runtimeEnv(project)
	if err != nil {
		return nil, err
	}

	swap := blueGreen{
		oldContainerName: project.ContainerName,
		newContainerName: s.runtime.SuccessorName(project.Name),
		newImageTag:      newTag,
		newImageDigest:   digest,
		oldImageTag:      project.DeployedImageTag,
	}
	if err := s.runBlueGreen(ctx, em, project, swap, env); err != nil {
		return nil, err
	}

	em.Stage(sse.StageCompleted(swap.newContainerName))
	return &UpdateResult{
		Status:  UpdateSuccess,
		Message: "Project rebuilt and updated successfully from the latest source.",
	}, nil
}

// runBlueGreen stands the new container up next to the old, waits for
// health, repoints the project row and tears the old deployment down. The
// old container keeps serving until the successor is healthy, so a failed
// swap never takes the project down.
func (s *Service) runBlueGreen(
	ctx context.Context,
	em *sse.Emitter,
	project *store.Project,
	swap blueGreen,
	env map[string]string,
) error {
	if err := s.withStages(em, sse.StageCreatingContainer(), sse.StageContainerCreated(),
		opNewContainer, func() error {
			_, err := s.runtime.CreateProjectContainer(ctx, docker.ContainerSpec{
				ProjectID:   project.ID,
				ProjectName: project.Name,
				Image:       swap.newImageDigest,
				Env:         env,
				VolumePath:  project.VolumePath,
				Name:        swap.newContainerName,
			})
			if err != nil {
				s.removeImageBestEffort(ctx, swap.newImageTag)
				return err
			}
			return nil
		}); err != nil {
		return err
	}

	if err := s.withStages(em, sse.StageWaitingHealthCheck(), sse.StageHealthCheckPassed(),
		opHealthCheck, func() error {
			return s.runtime.WaitHealthy(ctx, swap.newContainerName)
		}); err != nil {
		go func() {
			ctx := context.Background()
			s.removeContainerBestEffort(ctx, swap.newContainerName)
			s.removeImageBestEffort(ctx, swap.newImageTag)
		}()
		return err
	}

	if err := s.store.UpdateProjectDeployment(project.ID,
		swap.newContainerName, swap.newImageTag, swap.newImageDigest); err != nil {
		go func() {
			ctx := context.Background()
			s.removeContainerBestEffort(ctx, swap.newContainerName)
			s.removeImageBestEffort(ctx, swap.newImageTag)
		}()
		return err
	}
	project.ContainerName = swap.newContainerName
	project.DeployedImageTag = swap.newImageTag
	project.DeployedImageDigest = swap.newImageDigest

	em.Stage(sse.StageCleaningUp())
	s.cleanupOldDeployment(ctx, swap.oldContainerName, swap.oldImageTag)
	return nil
}

// cleanupOldDeployment removes the superseded container synchronously and
// its image in the background. Both are best effort: the swap already
// succeeded, only unused resources linger on failure.
func (s *Service) cleanupOldDeployment(ctx context.Context, oldContainerName, oldImageTag string) {
	if err := s.runtime.RemoveContainer(ctx, oldContainerName); err != nil {
		s.log.WithField("container", oldContainerName).WithError(err).
			Warn("failed to remove old container after update")
	}
	if oldImageTag == "" {
		return
	}
	go func() {
		if err := s.runtime.RemoveImage(context.Background(), oldImageTag); err != nil {
			s.log.WithField("image", oldImageTag).WithError(err).
				Debug("old image not removed")
		}
	}()
}

// UpdateEnvVars replaces a project's environment by swapping onto a new
// container running the already-deployed image with the new variables. The
// image is unchanged, so no pull, scan or digest comparison happens.
func (s *Service) UpdateEnvVars(ctx context.Context, projectID string, envVars map[string]string) (*UpdateResult, error) {
	if err := validation.EnvVars(envVars); err != nil {
		return nil, err
	}

	project, err := s.store.GetProjectByID(projectID)
	if err != nil {
		return nil, err
	}

	newContainerName := s.runtime.SuccessorName(project.Name)
	if _, err := s.runtime.CreateProjectContainer(ctx, docker.ContainerSpec{
		ProjectID:   project.ID,
		ProjectName: project.Name,
		Image:       project.DeployedImageTag,
		Env:         envVars,
		VolumePath:  project.VolumePath,
		Name:        newContainerName,
	}); err != nil {
		return nil, err
	}

	if err := s.runtime.WaitHealthy(ctx, newContainerName); err != nil {
		go s.removeContainerBestEffort(context.Background(), newContainerName)
		return nil, err
	}

	encrypted, err := s.secrets.EncryptEnvVars(envVars)
	if err != nil {
		go s.removeContainerBestEffort(context.Background(), newContainerName)
		return nil, err
	}
	if err := s.store.UpdateProjectDeployment(project.ID, newContainerName,
		project.DeployedImageTag, project.DeployedImageDigest); err != nil {
		go s.removeContainerBestEffort(context.Background(), newContainerName)
		return nil, err
	}
	if err := s.store.UpdateProjectEnvVars(project.ID, encrypted); err != nil {
		return nil, err
	}

	oldContainerName := project.ContainerName
	project.ContainerName = newContainerName
	project.EnvVars = encrypted
	if err := s.runtime.RemoveContainer(ctx, oldContainerName); err != nil {
		s.log.WithField("container", oldContainerName).WithError(err).
			Warn("failed to remove old container after env update")
	}

	return &UpdateResult{
		Status:  UpdateSuccess,
		Message: "Environment variables updated successfully. The project has been restarted.",
	}, nil
}
