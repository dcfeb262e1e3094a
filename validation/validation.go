// Package validation contains the input validators guarding the hangar API
// surface. Every value that ends up in a container name, a docker label, a
// shell-adjacent command or a SQL statement passes through here first.
//
// All validators are pure functions returning typed errors from apperr, so
// handlers can surface stable machine codes without extra mapping.
package validation

import (
	"path"
	"regexp"
	"strings"

	"github.com/hangar-paas/hangar/apperr"
)

const maxProjectNameLength = 63

var (
	projectNameRe = regexp.MustCompile(`^[a-z0-9-]+$`)
	envVarKeyRe   = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	dbIdentRe     = regexp.MustCompile(`^[A-Za-z0-9_]+$`)
)

// imageURLForbidden are the shell metacharacters that must never reach an
// image reference.
const imageURLForbidden = " \t\n\r`'\"\\$;&|"

// forbiddenEnvVars are keys tenants may not set. Compared case-insensitively;
// any TRAEFIK_ prefixed key is also rejected to keep routing labels out of
// tenant control.
var forbiddenEnvVars = map[string]bool{
	"PATH":           true,
	"LD_PRELOAD":     true,
	"DOCKER_HOST":    true,
	"HOST":           true,
	"HOSTNAME":       true,
	"TRAEFIK_ENABLE": true,
}

// volumePathDenylist are host-critical roots a project volume may never
// shadow.
var volumePathDenylist = map[string]bool{
	"/":     true,
	"/etc":  true,
	"/var":  true,
	"/usr":  true,
	"/bin":  true,
	"/sbin": true,
	"/lib":  true,
	"/root": true,
	"/home": true,
	"/proc": true,
	"/sys":  true,
	"/dev":  true,
	"/boot": true,
}

// sqlReservedWords is the subset of SQL keywords rejected as tenant database
// identifiers.
var sqlReservedWords = map[string]bool{
	"SELECT": true, "INSERT": true, "UPDATE": true, "DELETE": true,
	"DROP": true, "CREATE": true, "ALTER": true, "GRANT": true,
	"REVOKE": true, "TABLE": true, "DATABASE": true, "USER": true,
	"WHERE": true, "FROM": true, "JOIN": true, "UNION": true,
	"ORDER": true, "GROUP": true, "INDEX": true, "VIEW": true,
}

// ProjectName normalizes and validates a project name. The name is trimmed
// and lowercased, must be 1 to 63 characters of [a-z0-9-], and may not start
// or end with a hyphen. Returns the normalized name.
func ProjectName(name string) (string, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return "", apperr.New(apperr.CodeInvalidProjectName, "project name must not be empty")
	}
	if len(name) > maxProjectNameLength {
		return "", apperr.New(apperr.CodeInvalidProjectName,
			"project name must be at most %d characters", maxProjectNameLength)
	}
	if !projectNameRe.MatchString(name) {
		return "", apperr.New(apperr.CodeInvalidProjectName,
			"project name may only contain lowercase letters, digits and hyphens")
	}
	if strings.HasPrefix(name, "-") || strings.HasSuffix(name, "-") {
		return "", apperr.New(apperr.CodeInvalidProjectName,
			"project name may not start or end with a hyphen")
	}
	return name, nil
}

// ImageURL validates a container image reference. The reference is used in
// docker API calls and scanner invocations, so anything resembling shell
// metacharacters is rejected outright.
func ImageURL(imageURL string) error {
	imageURL = strings.TrimSpace(imageURL)
	if imageURL == "" {
		return apperr.New(apperr.CodeInvalidImageURL, "image URL must not be empty")
	}
	if strings.ContainsAny(imageURL, imageURLForbidden) {
		return apperr.New(apperr.CodeInvalidImageURL,
			"image URL contains forbidden characters")
	}
	return nil
}

// EnvVars validates an environment variable map: keys must be well-formed
// identifiers and must not collide with host or routing configuration.
func EnvVars(envVars map[string]string) error {
	for key := range envVars {
		if !envVarKeyRe.MatchString(key) {
			return apperr.New(apperr.CodeInvalidEnvVar,
				"invalid environment variable name %q", key)
		}
		upper := strings.ToUpper(key)
		if forbiddenEnvVars[upper] || strings.HasPrefix(upper, "TRAEFIK_") {
			return apperr.New(apperr.CodeForbiddenEnvVar,
				"environment variable %q may not be overridden", key)
		}
	}
	return nil
}

// VolumePath validates the container mount point of the project volume.
// It must be absolute, free of traversal, and outside host-critical roots.
func VolumePath(volumePath string) error {
	if volumePath == "" {
		return apperr.New(apperr.CodeInvalidVolumePath, "volume path must not be empty")
	}
	if !strings.HasPrefix(volumePath, "/") {
		return apperr.New(apperr.CodeInvalidVolumePath, "volume path must be absolute")
	}
	if strings.Contains(volumePath, "..") {
		return apperr.New(apperr.CodeInvalidVolumePath, "volume path may not contain '..'")
	}
	cleaned := path.Clean(volumePath)
	if volumePathDenylist[cleaned] {
		return apperr.New(apperr.CodeInvalidVolumePath,
			"volume path %q is not allowed", cleaned)
	}
	return nil
}

// SourceRootDir validates the directory inside a cloned repository that
// becomes the build context. An empty value means the repository root.
func SourceRootDir(rootDir string) error {
	if rootDir == "" {
		return nil
	}
	if strings.HasPrefix(rootDir, "/") {
		return apperr.New(apperr.CodeInvalidSourceRootDir, "source directory must be relative")
	}
	if strings.Contains(rootDir, "..") {
		return apperr.New(apperr.CodeInvalidSourceRootDir, "source directory may not contain '..'")
	}
	for _, segment := range strings.Split(path.Clean(rootDir), "/") {
		switch segment {
		case ".git", ".env", ".ssh":
			return apperr.New(apperr.CodeInvalidSourceRootDir,
				"source directory may not contain %q", segment)
		}
	}
	return nil
}

// DBIdentifier validates a MariaDB database or user name before it is
// interpolated into DDL. At most 64 characters of [A-Za-z0-9_], not starting
// with a digit, and not an SQL keyword.
func DBIdentifier(ident string) error {
	if ident == "" {
		return apperr.New(apperr.CodeInvalidDBIdentifier, "identifier must not be empty")
	}
	if len(ident) > 64 {
		return apperr.New(apperr.CodeInvalidDBIdentifier,
			"identifier must be at most 64 characters")
	}
	if !dbIdentRe.MatchString(ident) {
		return apperr.New(apperr.CodeInvalidDBIdentifier,
			"identifier may only contain letters, digits and underscores")
	}
	if ident[0] >= '0' && ident[0] <= '9' {
		return apperr.New(apperr.CodeInvalidDBIdentifier,
			"identifier may not start with a digit")
	}
	if sqlReservedWords[strings.ToUpper(ident)] {
		return apperr.New(apperr.CodeInvalidDBIdentifier,
			"identifier %q is a reserved word", ident)
	}
	return nil
}
