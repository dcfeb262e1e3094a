package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/hangar-paas/hangar/apperr"
)

// Store wraps the control-plane database.
type Store struct {
	db *gorm.DB
}

// New opens the Postgres control-plane database and runs migrations.
func New(dsn string) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, fmt.Errorf("failed to open control-plane database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access sql pool: %w", err)
	}
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := db.AutoMigrate(&Project{}, &TenantDatabase{}, &Participant{}); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	return &Store{db: db}, nil
}

// NewWithDB wraps an existing gorm handle. Used by tests.
func NewWithDB(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Ping verifies the database connection, for health probes.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// CreateProject persists a new project row. Project names are globally
// unique by schema; violations surface as PROJECT_NAME_TAKEN.
func (s *Store) CreateProject(project *Project) error {
	if project.ID == "" {
		project.ID = uuid.NewString()
	}
	if err := s.db.Create(project).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return apperr.New(apperr.CodeProjectNameTaken,
				"project name %q is already taken", project.Name)
		}
		return fmt.Errorf("failed to create project: %w", err)
	}
	return nil
}

// CreateDeployment persists a freshly deployed project, its participant
// grants and, when the deploy provisioned one, the tenant database row, all
// in one transaction. A failure rolls everything back so a failed deploy
// leaves no rows behind.
func (s *Store) CreateDeployment(project *Project, participants []string, db *TenantDatabase) error {
	if project.ID == "" {
		project.ID = uuid.NewString()
	}
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(project).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return apperr.New(apperr.CodeProjectNameTaken,
					"project name %q is already taken", project.Name)
			}
			return fmt.Errorf("failed to create project: %w", err)
		}

		if db != nil {
			if db.ID == "" {
				db.ID = uuid.NewString()
			}
			if err := tx.Create(db).Error; err != nil {
				if errors.Is(err, gorm.ErrDuplicatedKey) {
					return apperr.New(apperr.CodeDatabaseAlreadyExists,
						"a database is already provisioned for %s", db.OwnerLogin)
				}
				return fmt.Errorf("failed to create tenant database: %w", err)
			}
			if err := tx.Model(&Project{}).Where("id = ?", project.ID).
				Update("database_id", db.ID).Error; err != nil {
				return fmt.Errorf("failed to link database: %w", err)
			}
			project.DatabaseID = &db.ID
		}

		for _, login := range participants {
			p := &Participant{ProjectID: project.ID, Login: login, Role: "member"}
			if err := tx.Create(p).Error; err != nil {
				return fmt.Errorf("failed to add participant %s: %w", login, err)
			}
		}
		return nil
	})
}

// ProjectNameExists reports whether any project holds the given name.
func (s *Store) ProjectNameExists(name string) (bool, error) {
	var count int64
	if err := s.db.Model(&Project{}).Where("name = ?", name).
		Count(&count).Error; err != nil {
		return false, fmt.Errorf("failed to check project name: %w", err)
	}
	return count > 0, nil
}

// OwnerHasProject reports whether a login already owns a project.
func (s *Store) OwnerHasProject(ownerLogin string) (bool, error) {
	var count int64
	if err := s.db.Model(&Project{}).Where("owner_login = ?", ownerLogin).
		Count(&count).Error; err != nil {
		return false, fmt.Errorf("failed to check owner: %w", err)
	}
	return count > 0, nil
}

// GetProject loads a project by owner login and name.
func (s *Store) GetProject(ownerLogin, name string) (*Project, error) {
	var project Project
	err := s.db.Where("owner_login = ? AND name = ?", ownerLogin, name).First(&project).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.New(apperr.CodeProjectNotFound, "project %q not found", name)
		}
		return nil, fmt.Errorf("failed to load project: %w", err)
	}
	return &project, nil
}

// GetProjectByID loads a project by its id.
func (s *Store) GetProjectByID(id string) (*Project, error) {
	var project Project
	err := s.db.Where("id = ?", id).First(&project).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.New(apperr.CodeProjectNotFound, "project %s not found", id)
		}
		return nil, fmt.Errorf("failed to load project: %w", err)
	}
	return &project, nil
}

// GetProjectByContainerName resolves the project whose serving container
// carries the given name. The event pump uses this to map daemon events back
// to projects.
func (s *Store) GetProjectByContainerName(name string) (*Project, error) {
	var project Project
	err := s.db.Where("container_name = ?", name).First(&project).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.New(apperr.CodeProjectNotFound,
				"no project runs container %q", name)
		}
		return nil, fmt.Errorf("failed to load project: %w", err)
	}
	return &project, nil
}

// ListProjectsFor returns the projects a login owns or participates in,
// newest first.
func (s *Store) ListProjectsFor(login string) ([]Project, error) {
	var projects []Project
	err := s.db.
		Where("owner_login = ? OR id IN (?)", login,
			s.db.Model(&Participant{}).Select("project_id").Where("login = ?", login)).
		Order("created_at DESC").
		Find(&projects).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	return projects, nil
}

// ListAllProjects returns every project. Admin surface only.
func (s *Store) ListAllProjects() ([]Project, error) {
	var projects []Project
	if err := s.db.Order("created_at DESC").Find(&projects).Error; err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	return projects, nil
}

// ListProjectsByStatus returns every project in the given status.
func (s *Store) ListProjectsByStatus(status ProjectStatus) ([]Project, error) {
	var projects []Project
	if err := s.db.Where("status = ?", status).Order("created_at DESC").Find(&projects).Error; err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	return projects, nil
}

// UpdateProjectStatus sets the lifecycle status of a project.
func (s *Store) UpdateProjectStatus(id string, status ProjectStatus) error {
	if err := s.db.Model(&Project{}).Where("id = ?", id).
		Update("status", status).Error; err != nil {
		return fmt.Errorf("failed to update project status: %w", err)
	}
	return nil
}

// UpdateProjectDeployment atomically repoints a project at its blue-green
// successor: container name, deployed image tag and deployed image digest
// change together.
func (s *Store) UpdateProjectDeployment(id, containerName, imageTag, imageDigest string) error {
	if err := s.db.Model(&Project{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"container_name":        containerName,
			"deployed_image_tag":    imageTag,
			"deployed_image_digest": imageDigest,
		}).Error; err != nil {
		return fmt.Errorf("failed to update project deployment: %w", err)
	}
	return nil
}

// UpdateProjectEnvVars replaces the stored (encrypted) env var map.
func (s *Store) UpdateProjectEnvVars(id string, envVars map[string]string) error {
	if err := s.db.Model(&Project{}).Where("id = ?", id).
		Update("env_vars", envVars).Error; err != nil {
		return fmt.Errorf("failed to update project env vars: %w", err)
	}
	return nil
}

// UpdateProjectSourceURL records a new source reference. Direct projects
// update it when a blue-green image update lands.
func (s *Store) UpdateProjectSourceURL(id, sourceURL string) error {
	if err := s.db.Model(&Project{}).Where("id = ?", id).
		Update("source_url", sourceURL).Error; err != nil {
		return fmt.Errorf("failed to update project source: %w", err)
	}
	return nil
}

// DeleteProject removes a project row and its participant grants.
func (s *Store) DeleteProject(id string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("project_id = ?", id).Delete(&Participant{}).Error; err != nil {
			return fmt.Errorf("failed to delete participants: %w", err)
		}
		if err := tx.Where("id = ?", id).Delete(&Project{}).Error; err != nil {
			return fmt.Errorf("failed to delete project: %w", err)
		}
		return nil
	})
}

// AddParticipant grants a login access to a project. Adding an existing
// participant is a no-op.
func (s *Store) AddParticipant(projectID, login string) error {
	p := &Participant{ProjectID: projectID, Login: login, Role: "member"}
	if err := s.db.Create(p).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil
		}
		return fmt.Errorf("failed to add participant: %w", err)
	}
	return nil
}

// RemoveParticipant revokes a login's access to a project.
func (s *Store) RemoveParticipant(projectID, login string) error {
	if err := s.db.Where("project_id = ? AND login = ?", projectID, login).
		Delete(&Participant{}).Error; err != nil {
		return fmt.Errorf("failed to remove participant: %w", err)
	}
	return nil
}

// ListParticipants returns the logins sharing a project.
func (s *Store) ListParticipants(projectID string) ([]string, error) {
	var logins []string
	if err := s.db.Model(&Participant{}).Where("project_id = ?", projectID).
		Order("login").Pluck("login", &logins).Error; err != nil {
		return nil, fmt.Errorf("failed to list participants: %w", err)
	}
	return logins, nil
}

// IsParticipant reports whether a login participates in a project.
func (s *Store) IsParticipant(projectID, login string) (bool, error) {
	var count int64
	if err := s.db.Model(&Participant{}).
		Where("project_id = ? AND login = ?", projectID, login).
		Count(&count).Error; err != nil {
		return false, fmt.Errorf("failed to check participant: %w", err)
	}
	return count > 0, nil
}

// CreateTenantDatabase persists a provisioned tenant database. Each owner
// holds at most one.
func (s *Store) CreateTenantDatabase(db *TenantDatabase) error {
	if db.ID == "" {
		db.ID = uuid.NewString()
	}
	if err := s.db.Create(db).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return apperr.New(apperr.CodeDatabaseAlreadyExists,
				"a database is already provisioned for %s", db.OwnerLogin)
		}
		return fmt.Errorf("failed to create tenant database: %w", err)
	}
	return nil
}

// GetTenantDatabase loads the tenant database of an owner.
func (s *Store) GetTenantDatabase(ownerLogin string) (*TenantDatabase, error) {
	var db TenantDatabase
	err := s.db.Where("owner_login = ?", ownerLogin).First(&db).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.New(apperr.CodeDatabaseNotFound,
				"no database provisioned for %s", ownerLogin)
		}
		return nil, fmt.Errorf("failed to load tenant database: %w", err)
	}
	return &db, nil
}

// GetTenantDatabaseByID loads a tenant database by its id.
func (s *Store) GetTenantDatabaseByID(id string) (*TenantDatabase, error) {
	var db TenantDatabase
	err := s.db.Where("id = ?", id).First(&db).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.New(apperr.CodeDatabaseNotFound, "database %s not found", id)
		}
		return nil, fmt.Errorf("failed to load tenant database: %w", err)
	}
	return &db, nil
}

// DeleteTenantDatabase removes a tenant database row and unlinks it from any
// projects referencing it.
func (s *Store) DeleteTenantDatabase(id string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&Project{}).Where("database_id = ?", id).
			Update("database_id", nil).Error; err != nil {
			return fmt.Errorf("failed to unlink projects: %w", err)
		}
		if err := tx.Where("id = ?", id).Delete(&TenantDatabase{}).Error; err != nil {
			return fmt.Errorf("failed to delete tenant database: %w", err)
		}
		return nil
	})
}

// LinkDatabase attaches a tenant database to a project.
func (s *Store) LinkDatabase(projectID, databaseID string) error {
	if err := s.db.Model(&Project{}).Where("id = ?", projectID).
		Update("database_id", databaseID).Error; err != nil {
		return fmt.Errorf("failed to link database: %w", err)
	}
	return nil
}

// UnlinkDatabase detaches the tenant database from a project.
func (s *Store) UnlinkDatabase(projectID string) error {
	if err := s.db.Model(&Project{}).Where("id = ?", projectID).
		Update("database_id", nil).Error; err != nil {
		return fmt.Errorf("failed to unlink database: %w", err)
	}
	return nil
}

// CountProjectsUsingDatabase returns how many projects reference a tenant
// database.
func (s *Store) CountProjectsUsingDatabase(databaseID string) (int64, error) {
	var count int64
	if err := s.db.Model(&Project{}).Where("database_id = ?", databaseID).
		Count(&count).Error; err != nil {
		return 0, fmt.Errorf("failed to count database references: %w", err)
	}
	return count, nil
}
