package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"

	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/jsonmessage"

	"github.com/hangar-paas/hangar/apperr"
)

// LocalImageTag returns the tag for a locally built project image. The unix
// timestamp keeps successive builds distinct so blue-green updates can roll
// back to the previous image.
func (r *Runtime) LocalImageTag(projectName string) string {
	return fmt.Sprintf("%s-local/%s:%d", r.opts.Prefix, projectName, time.Now().Unix())
}

// PullImage pulls an image and waits for completion. Registry denials on
// ghcr.io are reported as GITHUB_PACKAGE_NOT_PUBLIC, since the usual cause
// is a package left private.
func (r *Runtime) PullImage(ctx context.Context, ref string) error {
	reader, err := r.client.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return pullError(ref, err)
	}
	defer reader.Close()

	// The pull only completes once the progress stream is drained.
	if err := jsonmessage.DisplayJSONMessagesStream(reader, io.Discard, 0, false, nil); err != nil {
		return pullError(ref, err)
	}

	r.log.WithField("image", ref).Info("image pulled")
	return nil
}

func pullError(ref string, err error) error {
	msg := strings.ToLower(err.Error())
	denied := strings.Contains(msg, "unauthorized") ||
		strings.Contains(msg, "denied") ||
		strings.Contains(msg, "401") ||
		strings.Contains(msg, "403")
	if strings.HasPrefix(ref, "ghcr.io/") && denied {
		return apperr.Wrap(apperr.CodeGitHubPackageNotPublic, err,
			"package %s is not public", ref)
	}
	if errors.Is(err, context.DeadlineExceeded) ||
		strings.Contains(msg, "toomanyrequests") ||
		strings.Contains(msg, "timeout") {
		return apperr.Wrap(apperr.CodeImagePullBackoff, err,
			"registry backoff while pulling %s", ref)
	}
	return apperr.Wrap(apperr.CodeImagePullFailed, err, "failed to pull %s", ref)
}

// BuildImage builds an image from a tar build context and tags it. The
// response stream is drained so daemon-side build failures surface here.
func (r *Runtime) BuildImage(ctx context.Context, buildContext io.Reader, tag string) error {
	resp, err := r.client.ImageBuild(ctx, buildContext, build.ImageBuildOptions{
		Tags:        []string{tag},
		Dockerfile:  "Dockerfile",
		Remove:      true,
		ForceRemove: true,
	})
	if err != nil {
		return apperr.Wrap(apperr.CodeBuildFailed, err, "failed to build %s", tag)
	}
	defer resp.Body.Close()

	if err := jsonmessage.DisplayJSONMessagesStream(resp.Body, io.Discard, 0, false, nil); err != nil {
		return apperr.Wrap(apperr.CodeBuildFailed, err, "build of %s failed", tag)
	}

	r.log.WithField("image", tag).Info("image built")
	return nil
}

// ImageDigest returns the content digest of a local image, the sha256 id
// under which the daemon stores it. An unknown reference returns an empty
// digest.
func (r *Runtime) ImageDigest(ctx context.Context, ref string) (string, error) {
	inspect, err := r.client.ImageInspect(ctx, ref)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return "", nil
		}
		return "", fmt.Errorf("failed to inspect image %s: %w", ref, err)
	}
	return inspect.ID, nil
}

// RemoveImage deletes an image. Best effort: callers treat failures as
// advisory since a referenced image simply stays behind.
func (r *Runtime) RemoveImage(ctx context.Context, ref string) error {
	if _, err := r.client.ImageRemove(ctx, ref, image.RemoveOptions{PruneChildren: true}); err != nil {
		return fmt.Errorf("failed to remove image %s: %w", ref, err)
	}
	return nil
}

// ScanImage runs grype against an image reference. Only fixable findings at
// or above the configured severity fail the scan. Disabled scans pass
// immediately.
func (r *Runtime) ScanImage(ctx context.Context, ref string) error {
	if !r.opts.GrypeEnabled {
		return nil
	}

	cmd := exec.CommandContext(ctx, "grype", ref,
		"--only-fixed",
		"--fail-on", r.opts.GrypeFailOnSeverity,
		"-q")
	output, err := cmd.CombinedOutput()
	if err != nil {
		return apperr.Wrap(apperr.CodeImageScanFailed, err,
			"vulnerability scan of %s failed: %s", ref, strings.TrimSpace(string(output)))
	}

	r.log.WithField("image", ref).Info("vulnerability scan passed")
	return nil
}
