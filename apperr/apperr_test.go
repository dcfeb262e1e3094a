package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorFormatting(t *testing.T) {
	err := New(CodeProjectNotFound, "project %q not found", "blog")
	assert.Equal(t, `PROJECT_NOT_FOUND: project "blog" not found`, err.Error())

	cause := errors.New("dial tcp: connection refused")
	wrapped := Wrap(CodeImagePullFailed, cause, "pulling nginx:latest")
	assert.Contains(t, wrapped.Error(), "IMAGE_PULL_FAILED")
	assert.Contains(t, wrapped.Error(), "connection refused")
	assert.ErrorIs(t, wrapped, cause)
}

func TestAsUnwrapsThroughChains(t *testing.T) {
	inner := New(CodeForbiddenEnvVar, "PATH may not be overridden")
	outer := fmt.Errorf("validating request: %w", inner)

	appErr, ok := As(outer)
	require.True(t, ok)
	assert.Equal(t, CodeForbiddenEnvVar, appErr.Code)

	_, ok = As(errors.New("plain"))
	assert.False(t, ok)
	assert.Equal(t, CodeInternal, CodeOf(errors.New("plain")))
}

func TestHTTPStatusMapping(t *testing.T) {
	tests := []struct {
		code Code
		want int
	}{
		{CodeImagePullFailed, http.StatusInternalServerError},
		{CodeContainerCreateFailed, http.StatusInternalServerError},
		{CodeProvisioningFailed, http.StatusInternalServerError},
		{CodeDeprovisioningFailed, http.StatusInternalServerError},
		{CodeBuildFailed, http.StatusInternalServerError},
		{CodeInternal, http.StatusInternalServerError},
		{CodeProjectNotFound, http.StatusNotFound},
		{CodeDatabaseNotFound, http.StatusNotFound},
		{CodeProjectNameTaken, http.StatusConflict},
		{CodeOwnerAlreadyExists, http.StatusConflict},
		{CodeDatabaseAlreadyExists, http.StatusConflict},
		{CodeOwnerCannotBeParticipant, http.StatusBadRequest},
		{CodeUnauthorized, http.StatusUnauthorized},
		{CodeForbidden, http.StatusForbidden},
		{CodeInvalidProjectName, http.StatusBadRequest},
		{CodeForbiddenEnvVar, http.StatusBadRequest},
		{CodeGitHubPackageNotPublic, http.StatusBadRequest},
		{CodeInvalidDBIdentifier, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			assert.Equal(t, tt.want, HTTPStatus(tt.code))
		})
	}
}
