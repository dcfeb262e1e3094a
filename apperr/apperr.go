// Package apperr defines the typed error taxonomy of the hangar control
// plane. Every failure surfaced to an API client carries a stable machine
// code plus a human message; the HTTP layer maps codes to status codes in
// one place.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is a stable machine-readable error identifier.
type Code string

// Project error codes.
const (
	CodeInvalidProjectName       Code = "INVALID_PROJECT_NAME"
	CodeProjectNameTaken         Code = "PROJECT_NAME_TAKEN"
	CodeOwnerAlreadyExists       Code = "OWNER_ALREADY_EXISTS"
	CodeOwnerCannotBeParticipant Code = "OWNER_CANNOT_BE_PARTICIPANT"
	CodeProjectNotFound          Code = "PROJECT_NOT_FOUND"
	CodeInvalidImageURL          Code = "INVALID_IMAGE_URL"
	CodeImagePullFailed          Code = "IMAGE_PULL_FAILED"
	CodeImagePullBackoff         Code = "IMAGE_PULL_BACKOFF"
	CodeGitHubPackageNotPublic   Code = "GITHUB_PACKAGE_NOT_PUBLIC"
	CodeInvalidGitHubURL         Code = "INVALID_GITHUB_URL"
	CodeGitHubAccountNotLinked   Code = "GITHUB_ACCOUNT_NOT_LINKED"
	CodeGitHubRepoNotAccessible  Code = "GITHUB_REPO_NOT_ACCESSIBLE"
	CodeInvalidEnvVar            Code = "INVALID_ENV_VAR"
	CodeForbiddenEnvVar          Code = "FORBIDDEN_ENV_VAR"
	CodeInvalidVolumePath        Code = "INVALID_VOLUME_PATH"
	CodeInvalidSourceRootDir     Code = "INVALID_SOURCE_ROOT_DIR"
	CodeContainerCreateFailed    Code = "CONTAINER_CREATION_FAILED"
	CodeContainerNotFound        Code = "CONTAINER_NOT_FOUND"
	CodeImageScanFailed          Code = "IMAGE_SCAN_FAILED"
	CodeSourceFetchFailed        Code = "SOURCE_FETCH_FAILED"
	CodeBuildFailed              Code = "BUILD_FAILED"
	CodeDeleteFailed             Code = "DELETE_FAILED"
	CodeBadRequest               Code = "BAD_REQUEST"
	CodeUnauthorized             Code = "UNAUTHORIZED"
	CodeForbidden                Code = "FORBIDDEN"
	CodeInternal                 Code = "INTERNAL_ERROR"

	// CodeProjectCreationFailedWithDatabaseError reports a deploy whose
	// persistence transaction failed after the tenant database had already
	// been provisioned on the database server.
	CodeProjectCreationFailedWithDatabaseError Code = "PROJECT_CREATION_FAILED_WITH_DATABASE_ERROR"
)

// Tenant database error codes.
const (
	CodeInvalidDBIdentifier   Code = "INVALID_DB_IDENTIFIER"
	CodeDatabaseAlreadyExists Code = "DATABASE_ALREADY_EXISTS"
	CodeDatabaseNotFound      Code = "DATABASE_NOT_FOUND"
	CodeProvisioningFailed    Code = "PROVISIONING_FAILED"
	CodeDeprovisioningFailed  Code = "DEPROVISIONING_FAILED"
)

// Error is a typed control-plane error.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a typed error with the given code and message.
func New(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a typed error wrapping an underlying cause.
func Wrap(code Code, err error, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// As extracts a typed error from an error chain.
func As(err error) (*Error, bool) {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// CodeOf returns the code carried by err, or CodeInternal for untyped errors.
func CodeOf(err error) Code {
	if appErr, ok := As(err); ok {
		return appErr.Code
	}
	return CodeInternal
}

// HTTPStatus maps an error code to its HTTP status. Image pulls, container
// creation and provisioning are infrastructure failures and report as server
// errors; everything else is the caller's fault.
func HTTPStatus(code Code) int {
	switch code {
	case CodeImagePullFailed, CodeImagePullBackoff, CodeContainerCreateFailed,
		CodeBuildFailed, CodeSourceFetchFailed, CodeProvisioningFailed,
		CodeDeprovisioningFailed, CodeProjectCreationFailedWithDatabaseError,
		CodeInternal:
		return http.StatusInternalServerError
	case CodeProjectNotFound, CodeContainerNotFound, CodeDatabaseNotFound:
		return http.StatusNotFound
	case CodeProjectNameTaken, CodeOwnerAlreadyExists, CodeDatabaseAlreadyExists:
		return http.StatusConflict
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	default:
		return http.StatusBadRequest
	}
}
