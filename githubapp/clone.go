package githubapp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/docker/docker/pkg/archive"
	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"

	"github.com/hangar-paas/hangar/apperr"
	"github.com/hangar-paas/hangar/validation"
)

// cloneUser is the fixed basic-auth username GitHub expects for
// installation tokens.
const cloneUser = "x-access-token"

// webrootEnvVar tells the base image where the served directory lives
// inside the copied tree.
const webrootEnvVar = "HANGAR_WEBROOT_DIR"

// webrootBase is where source trees land inside the base image.
const webrootBase = "/var/www/html"

// CloneRepo performs a depth-1 clone of a single branch into destDir. An
// empty token clones anonymously, which works for public repositories. A
// clone the remote refuses for lack of credentials maps to
// GITHUB_ACCOUNT_NOT_LINKED so the caller can retry with an installation
// token; any other failure maps to INVALID_GITHUB_URL.
func (s *Service) CloneRepo(ctx context.Context, repoURL, branch, token, destDir string) error {
	opts := &git.CloneOptions{
		URL:          repoURL,
		Depth:        1,
		SingleBranch: true,
	}
	if branch != "" {
		opts.ReferenceName = plumbing.NewBranchReferenceName(branch)
	}
	if token != "" {
		opts.Auth = &githttp.BasicAuth{Username: cloneUser, Password: token}
	}

	if _, err := git.PlainCloneContext(ctx, destDir, false, opts); err != nil {
		return cloneError(repoURL, branch, err)
	}

	s.log.WithFields(map[string]interface{}{
		"repo":   repoURL,
		"branch": branch,
	}).Info("repository cloned")
	return nil
}

func cloneError(repoURL, branch string, err error) error {
	if errors.Is(err, transport.ErrAuthenticationRequired) ||
		errors.Is(err, transport.ErrAuthorizationFailed) {
		return apperr.Wrap(apperr.CodeGitHubAccountNotLinked, err,
			"repository %s requires authentication", repoURL)
	}
	return apperr.Wrap(apperr.CodeInvalidGitHubURL, err,
		"failed to clone %s (branch %q)", repoURL, branch)
}

// CloneTemp clones into a fresh temp directory and returns its path. The
// caller removes it when the build context has been consumed.
func (s *Service) CloneTemp(ctx context.Context, repoURL, branch, token string) (string, error) {
	dir, err := os.MkdirTemp("", "hangar-build-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp dir: %w", err)
	}
	if err := s.CloneRepo(ctx, repoURL, branch, token, dir); err != nil {
		os.RemoveAll(dir)
		return "", err
	}
	return dir, nil
}

// PrepareBuildContext turns a cloned tree into a docker build context. The
// whole clone is the context; a Dockerfile is synthesized on top of the
// platform base image and the result is streamed as a tar. A root dir does
// not narrow the context, it only points the base image at the served
// subdirectory.
func PrepareBuildContext(cloneDir, rootDir, baseImage string) (io.ReadCloser, error) {
	if err := validation.SourceRootDir(rootDir); err != nil {
		return nil, err
	}

	if rootDir != "" {
		info, err := os.Stat(filepath.Join(cloneDir, filepath.FromSlash(rootDir)))
		if err != nil || !info.IsDir() {
			return nil, apperr.New(apperr.CodeInvalidSourceRootDir,
				"source directory %q does not exist in the repository", rootDir)
		}
	}

	dockerfile := synthesizeDockerfile(baseImage, rootDir)
	if err := os.WriteFile(filepath.Join(cloneDir, "Dockerfile"), []byte(dockerfile), 0o644); err != nil {
		return nil, fmt.Errorf("failed to write Dockerfile: %w", err)
	}

	tar, err := archive.TarWithOptions(cloneDir, &archive.TarOptions{Compression: archive.Gzip})
	if err != nil {
		return nil, fmt.Errorf("failed to create build context: %w", err)
	}
	return tar, nil
}

// synthesizeDockerfile writes the minimal Dockerfile used for source
// deploys: the tree is copied into the web root of the base image as the
// unprivileged app user.
func synthesizeDockerfile(baseImage, rootDir string) string {
	dockerfile := fmt.Sprintf("FROM %s\nCOPY --chown=appuser:appgroup . %s/\n", baseImage, webrootBase)
	if rootDir != "" {
		dockerfile += fmt.Sprintf("ENV %s=%s/%s\n", webrootEnvVar, webrootBase, rootDir)
	}
	return dockerfile
}
