package store

import (
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/hangar-paas/hangar/apperr"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	db, err := gorm.Open(postgres.New(postgres.Config{
		Conn:                 sqlDB,
		PreferSimpleProtocol: true,
	}), &gorm.Config{
		SkipDefaultTransaction: true,
		TranslateError:         true,
	})
	require.NoError(t, err)

	return NewWithDB(db), mock
}

func TestGetProjectByID(t *testing.T) {
	s, mock := newMockStore(t)

	rows := sqlmock.NewRows([]string{"id", "owner_login", "name", "status"}).
		AddRow("11111111-1111-1111-1111-111111111111", "alice", "blog", "running")
	mock.ExpectQuery(`SELECT \* FROM "projects" WHERE id = \$1`).
		WithArgs("11111111-1111-1111-1111-111111111111", 1).
		WillReturnRows(rows)

	project, err := s.GetProjectByID("11111111-1111-1111-1111-111111111111")
	require.NoError(t, err)
	assert.Equal(t, "blog", project.Name)
	assert.Equal(t, StatusRunning, project.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetProjectNotFoundMapsToTypedError(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT \* FROM "projects" WHERE owner_login = \$1 AND name = \$2`).
		WithArgs("alice", "missing", 1).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := s.GetProject("alice", "missing")
	require.Error(t, err)
	assert.Equal(t, apperr.CodeProjectNotFound, apperr.CodeOf(err))
}

func TestGetProjectByContainerName(t *testing.T) {
	s, mock := newMockStore(t)

	rows := sqlmock.NewRows([]string{"id", "name", "container_name"}).
		AddRow("p-1", "blog", "hangar-blog")
	mock.ExpectQuery(`SELECT \* FROM "projects" WHERE container_name = \$1`).
		WithArgs("hangar-blog", 1).
		WillReturnRows(rows)

	project, err := s.GetProjectByContainerName("hangar-blog")
	require.NoError(t, err)
	assert.Equal(t, "blog", project.Name)
}

func TestGetProjectByContainerNameNotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT \* FROM "projects" WHERE container_name = \$1`).
		WithArgs("hangar-gone", 1).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := s.GetProjectByContainerName("hangar-gone")
	require.Error(t, err)
	assert.Equal(t, apperr.CodeProjectNotFound, apperr.CodeOf(err))
}

func TestProjectNameExists(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT count\(\*\) FROM "projects" WHERE name = \$1`).
		WithArgs("blog").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	taken, err := s.ProjectNameExists("blog")
	require.NoError(t, err)
	assert.True(t, taken)
}

func TestOwnerHasProject(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT count\(\*\) FROM "projects" WHERE owner_login = \$1`).
		WithArgs("alice").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))

	has, err := s.OwnerHasProject("alice")
	require.NoError(t, err)
	assert.False(t, has)
}

func TestCreateDeploymentCommitsRowAndParticipantsTogether(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO "projects"`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO "participants"`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO "participants"`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	project := &Project{
		ID:            "11111111-1111-1111-1111-111111111111",
		Name:          "blog",
		OwnerLogin:    "alice",
		ContainerName: "hangar-blog",
		SourceKind:    SourceDirect,
		SourceURL:     "nginx:1.25",
		Status:        StatusRunning,
	}
	require.NoError(t, s.CreateDeployment(project, []string{"bob", "carol"}, nil))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateDeploymentRollsBackOnParticipantFailure(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO "projects"`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO "participants"`).
		WillReturnError(assert.AnError)
	mock.ExpectRollback()

	project := &Project{
		ID:            "11111111-1111-1111-1111-111111111111",
		Name:          "blog",
		OwnerLogin:    "alice",
		ContainerName: "hangar-blog",
		SourceKind:    SourceDirect,
		SourceURL:     "nginx:1.25",
		Status:        StatusRunning,
	}
	err := s.CreateDeployment(project, []string{"bob"}, nil)
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateProjectDeployment(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(`UPDATE "projects" SET`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.UpdateProjectDeployment("p-1",
		"hangar-blog-1700000000", "nginx:1.26", "sha256:abc"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateProjectStatus(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(`UPDATE "projects" SET`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.UpdateProjectStatus("p-1", StatusStopped))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteProjectRemovesGrantsInOneTransaction(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM "participants" WHERE project_id = \$1`).
		WithArgs("p-1").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(`DELETE FROM "projects" WHERE id = \$1`).
		WithArgs("p-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, s.DeleteProject("p-1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListParticipants(t *testing.T) {
	s, mock := newMockStore(t)

	rows := sqlmock.NewRows([]string{"login"}).AddRow("bob").AddRow("carol")
	mock.ExpectQuery(`SELECT "login" FROM "participants" WHERE project_id = \$1`).
		WithArgs("p-1").
		WillReturnRows(rows)

	logins, err := s.ListParticipants("p-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"bob", "carol"}, logins)
}

func TestCountProjectsUsingDatabase(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT count\(\*\) FROM "projects" WHERE database_id = \$1`).
		WithArgs("db-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))

	count, err := s.CountProjectsUsingDatabase("db-1")
	require.NoError(t, err)
	assert.EqualValues(t, 3, count)
}

func TestGetTenantDatabaseNotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT \* FROM "tenant_databases" WHERE owner_login = \$1`).
		WithArgs("alice", 1).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := s.GetTenantDatabase("alice")
	require.Error(t, err)
	assert.Equal(t, apperr.CodeDatabaseNotFound, apperr.CodeOf(err))
}

func TestProjectHostname(t *testing.T) {
	p := &Project{Name: "blog", CreatedAt: time.Now()}
	assert.Equal(t, "blog.apps.example.com", p.Hostname(".apps.example.com"))
}
