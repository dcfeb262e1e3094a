package project

import (
	"context"
	"os"

	"github.com/google/uuid"

	"github.com/hangar-paas/hangar/apperr"
	"github.com/hangar-paas/hangar/docker"
	"github.com/hangar-paas/hangar/githubapp"
	"github.com/hangar-paas/hangar/security"
	"github.com/hangar-paas/hangar/sse"
	"github.com/hangar-paas/hangar/store"
	"github.com/hangar-paas/hangar/tenantdb"
	"github.com/hangar-paas/hangar/validation"
)

// DeployRequest is a request to create and deploy a new project. Direct
// deployments set image_url; source deployments set github_repo_url. When
// both are set the image wins.
type DeployRequest struct {
	ProjectName    string            `json:"project_name"`
	ImageURL       string            `json:"image_url,omitempty"`
	GitHubRepoURL  string            `json:"github_repo_url,omitempty"`
	GitHubBranch   string            `json:"github_branch,omitempty"`
	GitHubRootDir  string            `json:"github_root_dir,omitempty"`
	Participants   []string          `json:"participants,omitempty"`
	EnvVars        map[string]string `json:"env_vars,omitempty"`
	VolumePath     string            `json:"persistent_volume_path,omitempty"`
	CreateDatabase bool              `json:"create_database,omitempty"`
}

// DeployResult is a freshly deployed project with its participant grants.
type DeployResult struct {
	Project      *store.Project
	Participants []string
}

// deploymentSource is the resolved image of a deploy request.
type deploymentSource struct {
	kind      store.SourceKind
	sourceURL string
	imageTag  string
}

// Deploy runs the full deployment pipeline: validation, preconditions,
// source preparation, container launch, health wait and a commit-at-end
// persistence transaction. Nothing is persisted until the container serves,
// so a failed deploy leaves no project row behind. Progress streams to the
// owner's creation channel and, once the row exists, to the project channel.
func (s *Service) Deploy(ctx context.Context, ownerLogin string, req DeployRequest) (*DeployResult, error) {
	em := s.hub.CreationEmitter(ownerLogin, req.ProjectName)
	em.Stage(sse.StageStarted())

	if err := s.withStage(em, sse.StageValidatingInput(), opInputValidation, func() error {
		name, err := validation.ProjectName(req.ProjectName)
		if err != nil {
			return err
		}
		req.ProjectName = name
		if err := validation.EnvVars(req.EnvVars); err != nil {
			return err
		}
		if req.VolumePath != "" {
			if err := validation.VolumePath(req.VolumePath); err != nil {
				return err
			}
		}
		if req.GitHubRootDir != "" {
			return validation.SourceRootDir(req.GitHubRootDir)
		}
		return nil
	}); err != nil {
		return nil, err
	}

	if err := s.withStage(em, sse.StageValidatingInput(), opPreconditions, func() error {
		return s.checkPreconditions(ownerLogin, req)
	}); err != nil {
		return nil, err
	}

	participants, err := prepareParticipants(ownerLogin, req.Participants)
	if err != nil {
		return nil, err
	}

	src, err := s.prepareSource(ctx, em, req)
	if err != nil {
		return nil, err
	}

	var digest string
	if err := s.withStage(em, sse.StageGettingImageDigest(), opImageDigest, func() error {
		digest, err = s.imageDigest(ctx, src.imageTag)
		return err
	}); err != nil {
		return nil, err
	}

	projectID := uuid.NewString()
	containerName := s.runtime.ContainerName(req.ProjectName)

	var volumeName string
	if err := s.withStages(em, sse.StageCreatingContainer(), sse.StageContainerCreated(),
		opContainerCreation, func() error {
			name, err := s.runtime.CreateProjectContainer(ctx, docker.ContainerSpec{
				ProjectID:   projectID,
				ProjectName: req.ProjectName,
				Image:       digest,
				Env:         req.EnvVars,
				VolumePath:  req.VolumePath,
				Name:        containerName,
			})
			if err != nil {
				s.removeImageBestEffort(ctx, src.imageTag)
				return err
			}
			volumeName = name
			return nil
		}); err != nil {
		return nil, err
	}

	if err := s.withStages(em, sse.StageWaitingHealthCheck(), sse.StageHealthCheckPassed(),
		opHealthCheck, func() error {
			return s.runtime.WaitHealthy(ctx, containerName)
		}); err != nil {
		s.rollbackRuntime(ctx, containerName, volumeName, src.imageTag, req.ProjectName)
		return nil, err
	}

	project, err := s.persistDeployment(ctx, em, ownerLogin, req, src,
		projectID, containerName, volumeName, digest, participants)
	if err != nil {
		s.rollbackRuntime(ctx, containerName, volumeName, src.imageTag, req.ProjectName)
		return nil, err
	}

	em.BindProject(project.ID)
	em.Stage(sse.StageCompleted(containerName))

	s.log.WithFields(map[string]interface{}{
		"project":   project.Name,
		"owner":     ownerLogin,
		"container": containerName,
	}).Info("project deployed")
	return &DeployResult{Project: project, Participants: participants}, nil
}

// checkPreconditions rejects a deploy that would violate uniqueness: one
// project per owner, globally unique project names, and at most one tenant
// database per owner.
func (s *Service) checkPreconditions(ownerLogin string, req DeployRequest) error {
	hasProject, err := s.store.OwnerHasProject(ownerLogin)
	if err != nil {
		return err
	}
	if hasProject {
		return apperr.New(apperr.CodeOwnerAlreadyExists,
			"user %s already owns a project", ownerLogin)
	}

	taken, err := s.store.ProjectNameExists(req.ProjectName)
	if err != nil {
		return err
	}
	if taken {
		return apperr.New(apperr.CodeProjectNameTaken,
			"project name %q is already taken", req.ProjectName)
	}

	if req.CreateDatabase {
		if _, err := s.store.GetTenantDatabase(ownerLogin); err == nil {
			return apperr.New(apperr.CodeDatabaseAlreadyExists,
				"user %s already has a database", ownerLogin)
		} else if apperr.CodeOf(err) != apperr.CodeDatabaseNotFound {
			return err
		}
	}
	return nil
}

// prepareParticipants dedupes the requested participant logins. The owner
// has full access already and cannot be granted participant access on top.
func prepareParticipants(ownerLogin string, requested []string) ([]string, error) {
	seen := make(map[string]struct{}, len(requested))
	participants := make([]string, 0, len(requested))
	for _, login := range requested {
		if login == ownerLogin {
			return nil, apperr.New(apperr.CodeOwnerCannotBeParticipant,
				"the owner cannot be added as a participant")
		}
		if _, dup := seen[login]; dup {
			continue
		}
		seen[login] = struct{}{}
		participants = append(participants, login)
	}
	return participants, nil
}

// prepareSource resolves the deploy request to a runnable image: a registry
// pull for direct deployments, a clone and build for source deployments.
func (s *Service) prepareSource(ctx context.Context, em *sse.Emitter, req DeployRequest) (*deploymentSource, error) {
	if req.ImageURL != "" {
		if err := s.prepareDirectImage(ctx, em, req.ImageURL); err != nil {
			return nil, err
		}
		return &deploymentSource{
			kind:      store.SourceDirect,
			sourceURL: req.ImageURL,
			imageTag:  req.ImageURL,
		}, nil
	}

	if req.GitHubRepoURL != "" {
		tag, err := s.buildFromGitHub(ctx, em, req.ProjectName,
			req.GitHubRepoURL, req.GitHubBranch, req.GitHubRootDir)
		if err != nil {
			return nil, err
		}
		return &deploymentSource{
			kind:      store.SourceGitHub,
			sourceURL: req.GitHubRepoURL,
			imageTag:  tag,
		}, nil
	}

	return nil, apperr.New(apperr.CodeBadRequest,
		"either image_url or github_repo_url must be provided")
}

// prepareDirectImage pulls and scans a registry image. A failed scan removes
// the pulled image again.
func (s *Service) prepareDirectImage(ctx context.Context, em *sse.Emitter, imageURL string) error {
	if err := validation.ImageURL(imageURL); err != nil {
		return err
	}

	if err := s.withStages(em, sse.StagePullingImage(imageURL), sse.StageImagePulled(),
		opImagePull, func() error {
			return s.runtime.PullImage(ctx, imageURL)
		}); err != nil {
		return err
	}

	return s.withStages(em, sse.StageScanningImage(), sse.StageImageScanned(),
		opImageScan, func() error {
			if err := s.runtime.ScanImage(ctx, imageURL); err != nil {
				s.removeImageBestEffort(ctx, imageURL)
				return err
			}
			return nil
		})
}

// buildFromGitHub clones the repository, synthesizes a Dockerfile on the
// platform base image, builds and scans. A failed scan removes the built
// image again.
func (s *Service) buildFromGitHub(ctx context.Context, em *sse.Emitter, projectName, repoURL, branch, rootDir string) (string, error) {
	if s.source == nil {
		return "", apperr.New(apperr.CodeSourceFetchFailed,
			"source deployments are not configured on this instance")
	}

	var cloneDir string
	if err := s.withStages(em, sse.StageCloningRepository(repoURL), sse.StageRepositoryCloned(),
		opRepositoryClone, func() error {
			dir, err := s.cloneSource(ctx, repoURL, branch)
			cloneDir = dir
			return err
		}); err != nil {
		return "", err
	}
	defer os.RemoveAll(cloneDir)

	tag := s.runtime.LocalImageTag(projectName)
	if err := s.withStages(em, sse.StageBuildingImage(), sse.StageImageBuilt(),
		opImageBuild, func() error {
			buildCtx, err := githubapp.PrepareBuildContext(cloneDir, rootDir, s.baseImage)
			if err != nil {
				return err
			}
			defer buildCtx.Close()
			return s.runtime.BuildImage(ctx, buildCtx, tag)
		}); err != nil {
		return "", err
	}

	if err := s.withStages(em, sse.StageScanningImage(), sse.StageImageScanned(),
		opImageScan, func() error {
			if err := s.runtime.ScanImage(ctx, tag); err != nil {
				s.removeImageBestEffort(ctx, tag)
				return err
			}
			return nil
		}); err != nil {
		return "", err
	}

	return tag, nil
}

// cloneSource clones public repositories anonymously. When the remote
// demands credentials, it resolves the GitHub App installation on the repo
// owner's account, mints an installation token, probes accessibility and
// retries authenticated.
func (s *Service) cloneSource(ctx context.Context, repoURL, branch string) (string, error) {
	dir, err := s.source.CloneTemp(ctx, repoURL, branch, "")
	if err == nil {
		return dir, nil
	}
	switch apperr.CodeOf(err) {
	case apperr.CodeGitHubAccountNotLinked, apperr.CodeInvalidGitHubURL:
	default:
		return "", err
	}

	owner, repo, parseErr := githubapp.ParseRepoURL(repoURL)
	if parseErr != nil {
		return "", parseErr
	}
	installationID, err := s.source.InstallationIDByOwner(ctx, owner)
	if err != nil {
		return "", err
	}
	token, err := s.source.InstallationToken(ctx, installationID)
	if err != nil {
		return "", err
	}
	if err := s.source.RepoAccessible(ctx, owner, repo, token); err != nil {
		return "", err
	}
	return s.source.CloneTemp(ctx, repoURL, branch, token)
}

// imageDigest reads the content digest the daemon stores for a prepared
// image. An image that disappeared between preparation and here is an
// internal error; the stale reference is removed either way.
func (s *Service) imageDigest(ctx context.Context, tag string) (string, error) {
	digest, err := s.runtime.ImageDigest(ctx, tag)
	if err != nil {
		s.removeImageBestEffort(ctx, tag)
		return "", apperr.Wrap(apperr.CodeInternal, err,
			"failed to retrieve digest of %s", tag)
	}
	if digest == "" {
		s.removeImageBestEffort(ctx, tag)
		return "", apperr.New(apperr.CodeInternal,
			"image %s not found when retrieving digest", tag)
	}
	return digest, nil
}

// persistDeployment commits the project in one transaction: the row, the
// optional tenant database and the participant grants. The database server
// side is provisioned before the transaction and deprovisioned best-effort
// when the commit fails.
func (s *Service) persistDeployment(
	ctx context.Context,
	em *sse.Emitter,
	ownerLogin string,
	req DeployRequest,
	src *deploymentSource,
	projectID, containerName, volumeName, digest string,
	participants []string,
) (*store.Project, error) {
	encrypted, err := s.secrets.EncryptEnvVars(req.EnvVars)
	if err != nil {
		return nil, err
	}

	project := &store.Project{
		ID:                  projectID,
		Name:                req.ProjectName,
		OwnerLogin:          ownerLogin,
		ContainerName:       containerName,
		SourceKind:          src.kind,
		SourceURL:           src.sourceURL,
		SourceBranch:        req.GitHubBranch,
		SourceRootDir:       req.GitHubRootDir,
		DeployedImageTag:    src.imageTag,
		DeployedImageDigest: digest,
		EnvVars:             encrypted,
		VolumePath:          req.VolumePath,
		VolumeName:          volumeName,
		Status:              store.StatusRunning,
	}

	em.BindProject(projectID)

	var dbRow *store.TenantDatabase
	if req.CreateDatabase {
		if err := s.withStages(em, sse.StageProvisioningDatabase(), sse.StageDatabaseProvisioned(),
			opDatabaseProvision, func() error {
				row, err := s.provisionDatabase(ctx, ownerLogin)
				dbRow = row
				return err
			}); err != nil {
			return nil, err
		}
	}

	if err := s.store.CreateDeployment(project, participants, dbRow); err != nil {
		if dbRow != nil {
			if deprovErr := s.tenantDB.Deprovision(ctx, dbRow.Name, dbRow.Username); deprovErr != nil {
				s.log.WithField("database", dbRow.Name).WithError(deprovErr).
					Warn("failed to deprovision database after commit failure")
			}
		}
		return nil, err
	}
	return project, nil
}

// provisionDatabase creates the tenant database on the MariaDB server. The
// database user is the owner's login, the name carries the platform prefix,
// and the generated password is stored encrypted.
func (s *Service) provisionDatabase(ctx context.Context, ownerLogin string) (*store.TenantDatabase, error) {
	if s.tenantDB == nil {
		return nil, apperr.New(apperr.CodeProvisioningFailed,
			"database provisioning is not configured on this instance")
	}

	dbName := tenantdb.DatabaseNameFor(ownerLogin)
	password, err := security.GeneratePassword()
	if err != nil {
		return nil, err
	}
	encrypted, err := s.secrets.EncryptString(password)
	if err != nil {
		return nil, err
	}

	if err := s.tenantDB.Provision(ctx, dbName, ownerLogin, password); err != nil {
		return nil, err
	}

	return &store.TenantDatabase{
		ID:          uuid.NewString(),
		OwnerLogin:  ownerLogin,
		Name:        dbName,
		Username:    ownerLogin,
		PasswordEnc: encrypted,
		Host:        s.tenantDB.PublicHost(),
		Port:        s.tenantDB.PublicPort(),
	}, nil
}

// rollbackRuntime reclaims the docker resources of a failed deploy in
// reverse acquisition order: container, volume, image.
func (s *Service) rollbackRuntime(ctx context.Context, containerName, volumeName, imageTag, projectName string) {
	s.removeContainerBestEffort(ctx, containerName)
	if volumeName != "" {
		if err := s.runtime.RemoveVolume(ctx, projectName); err != nil {
			s.log.WithField("volume", volumeName).WithError(err).
				Warn("failed to remove volume during rollback")
		}
	}
	s.removeImageBestEffort(ctx, imageTag)
}
