// Package store is the control-plane persistence layer. Projects, tenant
// databases and participant grants live in Postgres behind gorm; env var
// values and database passwords are stored encrypted by the security layer
// before they reach this package.
package store

import (
	"time"
)

// ProjectStatus is the lifecycle state of a project.
type ProjectStatus string

const (
	StatusRunning  ProjectStatus = "running"
	StatusStopped  ProjectStatus = "stopped"
	StatusFailed   ProjectStatus = "failed"
	StatusDeleting ProjectStatus = "deleting"
)

// SourceKind distinguishes how a project's image is obtained.
type SourceKind string

const (
	// SourceDirect projects run a prebuilt registry image.
	SourceDirect SourceKind = "direct"
	// SourceGitHub projects are cloned and built on the platform.
	SourceGitHub SourceKind = "github"
)

// Project is a deployed tenant application. Project names are globally
// unique; each owner holds at most one project, enforced by the
// orchestrator's precondition check.
type Project struct {
	ID         string `gorm:"type:uuid;primaryKey" json:"id"`
	Name       string `gorm:"size:63;not null;uniqueIndex" json:"name"`
	OwnerLogin string `gorm:"size:255;not null;index" json:"owner_login"`

	// ContainerName is the name of the serving container. Blue-green
	// updates repoint it at the timestamped successor.
	ContainerName string `gorm:"size:160;not null" json:"container_name"`

	SourceKind    SourceKind `gorm:"size:16;not null" json:"source_kind"`
	SourceURL     string     `gorm:"size:512;not null" json:"source_url"`
	SourceBranch  string     `gorm:"size:255" json:"source_branch,omitempty"`
	SourceRootDir string     `gorm:"size:512" json:"source_root_dir,omitempty"`

	DeployedImageTag    string `gorm:"size:512" json:"deployed_image_tag"`
	DeployedImageDigest string `gorm:"size:128" json:"deployed_image_digest"`

	// EnvVars holds encrypted values; keys stay readable.
	EnvVars map[string]string `gorm:"serializer:json" json:"-"`

	VolumePath string `gorm:"size:512" json:"persistent_volume_path,omitempty"`
	VolumeName string `gorm:"size:160" json:"volume_name,omitempty"`

	Status     ProjectStatus `gorm:"size:32;not null" json:"status"`
	DatabaseID *string       `gorm:"type:uuid" json:"database_id,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

// Hostname returns the public hostname of the project for the given domain
// suffix.
func (p *Project) Hostname(domainSuffix string) string {
	return p.Name + domainSuffix
}

// TenantDatabase is a provisioned MariaDB database owned by a user. The
// database user is the owner's login; the database name carries the platform
// prefix.
type TenantDatabase struct {
	ID         string `gorm:"type:uuid;primaryKey" json:"id"`
	OwnerLogin string `gorm:"size:255;not null;uniqueIndex" json:"owner_login"`
	Name       string `gorm:"size:64;not null" json:"name"`
	Username   string `gorm:"size:64;not null" json:"username"`

	// PasswordEnc is the encrypted credential; never serialized.
	PasswordEnc string `gorm:"size:512;not null" json:"-"`

	Host      string    `gorm:"size:255" json:"host"`
	Port      int       `json:"port"`
	CreatedAt time.Time `json:"created_at"`
}

// Participant grants a login access to a project it does not own.
type Participant struct {
	ProjectID string    `gorm:"type:uuid;primaryKey" json:"project_id"`
	Login     string    `gorm:"size:255;primaryKey" json:"login"`
	Role      string    `gorm:"size:32;not null;default:member" json:"role"`
	CreatedAt time.Time `json:"created_at"`
}
