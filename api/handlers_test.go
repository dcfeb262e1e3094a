package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hangar-paas/hangar/apperr"
	"github.com/hangar-paas/hangar/config"
	"github.com/hangar-paas/hangar/docker"
	"github.com/hangar-paas/hangar/project"
	"github.com/hangar-paas/hangar/security"
	"github.com/hangar-paas/hangar/sse"
	"github.com/hangar-paas/hangar/store"
)

type fakeAPIStore struct {
	projects     map[string]*store.Project
	participants map[string][]string
	databases    map[string]*store.TenantDatabase
	dbLinks      map[string]int64

	createDBErr error
	deletedDBs  []string
}

func newFakeAPIStore() *fakeAPIStore {
	return &fakeAPIStore{
		projects:     map[string]*store.Project{},
		participants: map[string][]string{},
		databases:    map[string]*store.TenantDatabase{},
		dbLinks:      map[string]int64{},
	}
}

func (f *fakeAPIStore) GetProjectByID(id string) (*store.Project, error) {
	if p, ok := f.projects[id]; ok {
		return p, nil
	}
	return nil, apperr.New(apperr.CodeProjectNotFound, "project %s not found", id)
}

func (f *fakeAPIStore) ListProjectsFor(login string) ([]store.Project, error) {
	var out []store.Project
	for _, p := range f.projects {
		if p.OwnerLogin == login {
			out = append(out, *p)
			continue
		}
		for _, participant := range f.participants[p.ID] {
			if participant == login {
				out = append(out, *p)
			}
		}
	}
	return out, nil
}

func (f *fakeAPIStore) ListAllProjects() ([]store.Project, error) {
	var out []store.Project
	for _, p := range f.projects {
		out = append(out, *p)
	}
	return out, nil
}

func (f *fakeAPIStore) ListProjectsByStatus(status store.ProjectStatus) ([]store.Project, error) {
	var out []store.Project
	for _, p := range f.projects {
		if p.Status == status {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (f *fakeAPIStore) ListParticipants(projectID string) ([]string, error) {
	return f.participants[projectID], nil
}

func (f *fakeAPIStore) AddParticipant(projectID, login string) error {
	f.participants[projectID] = append(f.participants[projectID], login)
	return nil
}

func (f *fakeAPIStore) RemoveParticipant(projectID, login string) error {
	var kept []string
	for _, p := range f.participants[projectID] {
		if p != login {
			kept = append(kept, p)
		}
	}
	f.participants[projectID] = kept
	return nil
}

func (f *fakeAPIStore) IsParticipant(projectID, login string) (bool, error) {
	for _, p := range f.participants[projectID] {
		if p == login {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeAPIStore) CreateTenantDatabase(db *store.TenantDatabase) error {
	if f.createDBErr != nil {
		return f.createDBErr
	}
	db.ID = "db-" + db.OwnerLogin
	f.databases[db.OwnerLogin] = db
	return nil
}

func (f *fakeAPIStore) GetTenantDatabase(ownerLogin string) (*store.TenantDatabase, error) {
	if db, ok := f.databases[ownerLogin]; ok {
		return db, nil
	}
	return nil, apperr.New(apperr.CodeDatabaseNotFound, "no database for %s", ownerLogin)
}

func (f *fakeAPIStore) GetTenantDatabaseByID(id string) (*store.TenantDatabase, error) {
	for _, db := range f.databases {
		if db.ID == id {
			return db, nil
		}
	}
	return nil, apperr.New(apperr.CodeDatabaseNotFound, "database %s not found", id)
}

func (f *fakeAPIStore) DeleteTenantDatabase(id string) error {
	for owner, db := range f.databases {
		if db.ID == id {
			delete(f.databases, owner)
		}
	}
	f.deletedDBs = append(f.deletedDBs, id)
	return nil
}

func (f *fakeAPIStore) LinkDatabase(projectID, databaseID string) error {
	p, err := f.GetProjectByID(projectID)
	if err != nil {
		return err
	}
	p.DatabaseID = &databaseID
	f.dbLinks[databaseID]++
	return nil
}

func (f *fakeAPIStore) UnlinkDatabase(projectID string) error {
	p, err := f.GetProjectByID(projectID)
	if err != nil {
		return err
	}
	if p.DatabaseID != nil {
		f.dbLinks[*p.DatabaseID]--
	}
	p.DatabaseID = nil
	return nil
}

func (f *fakeAPIStore) CountProjectsUsingDatabase(databaseID string) (int64, error) {
	return f.dbLinks[databaseID], nil
}

type fakeOrchestrator struct {
	deployOwner string
	deployReq   project.DeployRequest
	deployErr   error

	started, stopped, restarted, purged, rebuilt bool
	lastTail                                     int
	envVars                                      map[string]string
	newImageURL                                  string

	deployResult *project.DeployResult
	updateResult *project.UpdateResult
}

func (f *fakeOrchestrator) Deploy(ctx context.Context, ownerLogin string, req project.DeployRequest) (*project.DeployResult, error) {
	f.deployOwner = ownerLogin
	f.deployReq = req
	if f.deployErr != nil {
		return nil, f.deployErr
	}
	return f.deployResult, nil
}

func (f *fakeOrchestrator) UpdateImage(ctx context.Context, projectID, newImageURL string) (*project.UpdateResult, error) {
	f.newImageURL = newImageURL
	return f.updateResult, nil
}

func (f *fakeOrchestrator) Rebuild(ctx context.Context, projectID string) (*project.UpdateResult, error) {
	f.rebuilt = true
	return f.updateResult, nil
}

func (f *fakeOrchestrator) UpdateEnvVars(ctx context.Context, projectID string, envVars map[string]string) (*project.UpdateResult, error) {
	f.envVars = envVars
	return f.updateResult, nil
}

func (f *fakeOrchestrator) Status(ctx context.Context, projectID string) (docker.ContainerState, error) {
	return docker.StateRunning, nil
}

func (f *fakeOrchestrator) Start(ctx context.Context, projectID string) error {
	f.started = true
	return nil
}

func (f *fakeOrchestrator) Stop(ctx context.Context, projectID string) error {
	f.stopped = true
	return nil
}

func (f *fakeOrchestrator) Restart(ctx context.Context, projectID string) error {
	f.restarted = true
	return nil
}

func (f *fakeOrchestrator) Logs(ctx context.Context, projectID string, tail int) (string, error) {
	f.lastTail = tail
	return "log output", nil
}

func (f *fakeOrchestrator) Metrics(ctx context.Context, projectID string) (*docker.Metrics, error) {
	return &docker.Metrics{CPUPercent: 1.5}, nil
}

func (f *fakeOrchestrator) Purge(ctx context.Context, projectID string) error {
	f.purged = true
	return nil
}

type fakeProvisioner struct {
	provisioned   [][3]string
	deprovisioned [][2]string
	provisionErr  error
}

func (f *fakeProvisioner) Provision(ctx context.Context, dbName, username, password string) error {
	if f.provisionErr != nil {
		return f.provisionErr
	}
	f.provisioned = append(f.provisioned, [3]string{dbName, username, password})
	return nil
}

func (f *fakeProvisioner) Deprovision(ctx context.Context, dbName, username string) error {
	f.deprovisioned = append(f.deprovisioned, [2]string{dbName, username})
	return nil
}

func (f *fakeProvisioner) Ping(ctx context.Context) error { return nil }
func (f *fakeProvisioner) PublicHost() string             { return "db.example.com" }
func (f *fakeProvisioner) PublicPort() int                { return 3306 }

type fakeCAS struct {
	login string
	err   error
}

func (f *fakeCAS) ValidateTicket(ctx context.Context, ticket, service string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.login, nil
}

type testServer struct {
	server *Server
	store  *fakeAPIStore
	orch   *fakeOrchestrator
	prov   *fakeProvisioner
	cas    *fakeCAS
	hub    *sse.Hub
	jwt    *security.JWTService
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	logger := logrus.New()
	logger.SetOutput(bytes.NewBuffer(nil))
	log := logger.WithField("test", true)

	cfg := &config.Config{
		Host:                 "127.0.0.1",
		Port:                 0,
		DomainSuffix:         ".apps.example.com",
		Admins:               "root",
		TimeoutSecondsNormal: 5,
		TimeoutSecondsLong:   30,
	}

	secrets, err := security.NewSecrets(bytes.Repeat([]byte{0x24}, 32))
	require.NoError(t, err)

	ts := &testServer{
		store: newFakeAPIStore(),
		orch:  &fakeOrchestrator{},
		prov:  &fakeProvisioner{},
		cas:   &fakeCAS{login: "alice"},
		hub:   sse.NewHub(log),
		jwt:   security.NewJWTService("test-secret", time.Hour),
	}
	ts.server = New(cfg, Deps{
		Store:        ts.store,
		Orchestrator: ts.orch,
		Provisioner:  ts.prov,
		Hub:          ts.hub,
		JWT:          ts.jwt,
		Secrets:      secrets,
		CAS:          ts.cas,
		PingDocker:   func(context.Context) error { return nil },
		PingStore:    func(context.Context) error { return nil },
		Log:          log,
	})
	return ts
}

func (ts *testServer) cookie(t *testing.T, login string, isAdmin bool) *http.Cookie {
	t.Helper()
	token, err := ts.jwt.GenerateToken(login, isAdmin)
	require.NoError(t, err)
	return &http.Cookie{Name: authCookieName, Value: token}
}

func (ts *testServer) do(method, path, body string, cookie *http.Cookie) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if cookie != nil {
		req.AddCookie(cookie)
	}
	rec := httptest.NewRecorder()
	ts.server.Echo().ServeHTTP(rec, req)
	return rec
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.Error.Code
}

func TestAuthRequired(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodGet, "/api/me", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "UNAUTHORIZED", errorCode(t, rec))

	rec = ts.do(http.MethodGet, "/api/me", "", &http.Cookie{Name: authCookieName, Value: "garbage"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMe(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodGet, "/api/me", "", ts.cookie(t, "alice", false))
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "alice", body["login"])
	assert.Equal(t, false, body["is_admin"])
}

func TestCASLoginIssuesSessionCookie(t *testing.T) {
	ts := newTestServer(t)
	ts.cas.login = "root"

	rec := ts.do(http.MethodGet, "/auth/login?ticket=ST-123&service=https%3A%2F%2Fapp", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "root", body["login"])
	assert.Equal(t, true, body["is_admin"])

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, authCookieName, cookies[0].Name)
	assert.True(t, cookies[0].HttpOnly)

	claims, err := ts.jwt.ValidateToken(cookies[0].Value)
	require.NoError(t, err)
	assert.Equal(t, "root", claims.Login)
	assert.True(t, claims.IsAdmin)
}

func TestCASLoginRejectsBadTicket(t *testing.T) {
	ts := newTestServer(t)
	ts.cas.err = apperr.New(apperr.CodeUnauthorized, "CAS rejected ticket: INVALID_TICKET")

	rec := ts.do(http.MethodGet, "/auth/login?ticket=ST-bad&service=https%3A%2F%2Fapp", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestLogoutClearsCookie(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodPost, "/auth/logout", "", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, -1, cookies[0].MaxAge)
	assert.Empty(t, cookies[0].Value)
}

func TestCreateProjectDelegatesToOrchestrator(t *testing.T) {
	ts := newTestServer(t)
	ts.orch.deployResult = &project.DeployResult{
		Project:      &store.Project{ID: "p-1", OwnerLogin: "alice", Name: "web", Status: store.StatusRunning},
		Participants: []string{"bob"},
	}

	rec := ts.do(http.MethodPost, "/api/projects",
		`{"project_name":"web","image_url":"nginx:alpine","participants":["bob"]}`,
		ts.cookie(t, "alice", false))
	require.Equal(t, http.StatusCreated, rec.Code)

	assert.Equal(t, "alice", ts.orch.deployOwner)
	assert.Equal(t, "web", ts.orch.deployReq.ProjectName)
	assert.Equal(t, "nginx:alpine", ts.orch.deployReq.ImageURL)
	assert.Equal(t, []string{"bob"}, ts.orch.deployReq.Participants)

	var body struct {
		Project map[string]interface{} `json:"project"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.NotNil(t, body.Project)
	assert.Equal(t, "web", body.Project["name"])
	assert.Equal(t, "web.apps.example.com", body.Project["hostname"])
	assert.Equal(t, []interface{}{"bob"}, body.Project["participants"])
}

func TestCreateProjectWithoutParticipantsReturnsEmptyList(t *testing.T) {
	ts := newTestServer(t)
	ts.orch.deployResult = &project.DeployResult{
		Project: &store.Project{ID: "p-1", OwnerLogin: "alice", Name: "web"},
	}

	rec := ts.do(http.MethodPost, "/api/projects",
		`{"project_name":"web","image_url":"nginx:alpine"}`, ts.cookie(t, "alice", false))
	require.Equal(t, http.StatusCreated, rec.Code)

	var body struct {
		Project map[string]interface{} `json:"project"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, []interface{}{}, body.Project["participants"])
}

func TestCreateProjectSurfacesTakenName(t *testing.T) {
	ts := newTestServer(t)
	ts.orch.deployErr = apperr.New(apperr.CodeProjectNameTaken, `project name "web" is already taken`)

	rec := ts.do(http.MethodPost, "/api/projects",
		`{"project_name":"web","image_url":"nginx:alpine"}`, ts.cookie(t, "alice", false))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "PROJECT_NAME_TAKEN", errorCode(t, rec))
}

func TestListProjectsScopedToCaller(t *testing.T) {
	ts := newTestServer(t)
	ts.store.projects["p-1"] = &store.Project{ID: "p-1", OwnerLogin: "alice", Name: "mine"}
	ts.store.projects["p-2"] = &store.Project{ID: "p-2", OwnerLogin: "bob", Name: "other"}

	rec := ts.do(http.MethodGet, "/api/projects", "", ts.cookie(t, "alice", false))
	require.Equal(t, http.StatusOK, rec.Code)

	var projects []map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &projects))
	require.Len(t, projects, 1)
	assert.Equal(t, "mine", projects[0]["name"])
}

func TestProjectAccessControl(t *testing.T) {
	ts := newTestServer(t)
	ts.store.projects["p-1"] = &store.Project{ID: "p-1", OwnerLogin: "alice", Name: "web"}

	// A stranger is rejected.
	rec := ts.do(http.MethodGet, "/api/projects/p-1", "", ts.cookie(t, "bob", false))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "FORBIDDEN", errorCode(t, rec))

	// A participant is allowed.
	ts.store.participants["p-1"] = []string{"bob"}
	rec = ts.do(http.MethodGet, "/api/projects/p-1", "", ts.cookie(t, "bob", false))
	assert.Equal(t, http.StatusOK, rec.Code)

	// An admin is always allowed.
	rec = ts.do(http.MethodGet, "/api/projects/p-1", "", ts.cookie(t, "root", true))
	assert.Equal(t, http.StatusOK, rec.Code)

	// Unknown projects are a 404 with the error envelope.
	rec = ts.do(http.MethodGet, "/api/projects/nope", "", ts.cookie(t, "alice", false))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "PROJECT_NOT_FOUND", errorCode(t, rec))
}

func TestParticipantManagementIsOwnerOnly(t *testing.T) {
	ts := newTestServer(t)
	ts.store.projects["p-1"] = &store.Project{ID: "p-1", OwnerLogin: "alice", Name: "web"}
	ts.store.participants["p-1"] = []string{"bob"}

	// A participant may read but not grant.
	rec := ts.do(http.MethodPost, "/api/projects/p-1/participants",
		`{"login":"carol"}`, ts.cookie(t, "bob", false))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = ts.do(http.MethodPost, "/api/projects/p-1/participants",
		`{"login":"carol"}`, ts.cookie(t, "alice", false))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Contains(t, ts.store.participants["p-1"], "carol")

	rec = ts.do(http.MethodDelete, "/api/projects/p-1/participants/bob", "", ts.cookie(t, "alice", false))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.NotContains(t, ts.store.participants["p-1"], "bob")
}

func TestAddParticipantRejectsOwner(t *testing.T) {
	ts := newTestServer(t)
	ts.store.projects["p-1"] = &store.Project{ID: "p-1", OwnerLogin: "alice", Name: "web"}

	rec := ts.do(http.MethodPost, "/api/projects/p-1/participants",
		`{"login":"alice"}`, ts.cookie(t, "alice", false))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "OWNER_CANNOT_BE_PARTICIPANT", errorCode(t, rec))
	assert.Empty(t, ts.store.participants["p-1"])
}

func TestUpdateImageEndpoint(t *testing.T) {
	ts := newTestServer(t)
	ts.store.projects["p-1"] = &store.Project{ID: "p-1", OwnerLogin: "alice", Name: "web"}
	ts.orch.updateResult = &project.UpdateResult{
		Status:  project.UpdateNoChange,
		Message: "The project is already running the latest version of the image.",
	}
	cookie := ts.cookie(t, "alice", false)

	rec := ts.do(http.MethodPut, "/api/projects/p-1/image",
		`{"new_image_url":"nginx:1.26"}`, cookie)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "nginx:1.26", ts.orch.newImageURL)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "no_change", body["status"])

	// A missing new image reference never reaches the orchestrator.
	rec = ts.do(http.MethodPut, "/api/projects/p-1/image", `{}`, cookie)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_IMAGE_URL", errorCode(t, rec))
}

func TestRebuildEndpoint(t *testing.T) {
	ts := newTestServer(t)
	ts.store.projects["p-1"] = &store.Project{ID: "p-1", OwnerLogin: "alice", Name: "site"}
	ts.orch.updateResult = &project.UpdateResult{
		Status:  project.UpdateSuccess,
		Message: "Project rebuilt and updated successfully from the latest source.",
	}

	rec := ts.do(http.MethodPost, "/api/projects/p-1/rebuild", "", ts.cookie(t, "alice", false))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, ts.orch.rebuilt)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "success", body["status"])
}

func TestProjectStatusEndpoint(t *testing.T) {
	ts := newTestServer(t)
	ts.store.projects["p-1"] = &store.Project{ID: "p-1", OwnerLogin: "alice", Name: "web"}

	rec := ts.do(http.MethodGet, "/api/projects/p-1/status", "", ts.cookie(t, "alice", false))
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "running", body["status"])
}

func TestLifecycleEndpoints(t *testing.T) {
	ts := newTestServer(t)
	ts.store.projects["p-1"] = &store.Project{ID: "p-1", OwnerLogin: "alice", Name: "web"}
	cookie := ts.cookie(t, "alice", false)

	assert.Equal(t, http.StatusNoContent, ts.do(http.MethodPost, "/api/projects/p-1/start", "", cookie).Code)
	assert.Equal(t, http.StatusNoContent, ts.do(http.MethodPost, "/api/projects/p-1/stop", "", cookie).Code)
	assert.Equal(t, http.StatusNoContent, ts.do(http.MethodPost, "/api/projects/p-1/restart", "", cookie).Code)
	assert.True(t, ts.orch.started)
	assert.True(t, ts.orch.stopped)
	assert.True(t, ts.orch.restarted)

	assert.Equal(t, http.StatusNoContent, ts.do(http.MethodDelete, "/api/projects/p-1", "", cookie).Code)
	assert.True(t, ts.orch.purged)
}

func TestLogsTailParameter(t *testing.T) {
	ts := newTestServer(t)
	ts.store.projects["p-1"] = &store.Project{ID: "p-1", OwnerLogin: "alice", Name: "web"}
	cookie := ts.cookie(t, "alice", false)

	rec := ts.do(http.MethodGet, "/api/projects/p-1/logs", "", cookie)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, defaultLogTail, ts.orch.lastTail)

	ts.do(http.MethodGet, "/api/projects/p-1/logs?tail=50", "", cookie)
	assert.Equal(t, 50, ts.orch.lastTail)

	// Garbage falls back to the default instead of failing.
	ts.do(http.MethodGet, "/api/projects/p-1/logs?tail=banana", "", cookie)
	assert.Equal(t, defaultLogTail, ts.orch.lastTail)
}

func TestProvisionDatabase(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodPost, "/api/databases", "", ts.cookie(t, "alice", false))
	require.Equal(t, http.StatusCreated, rec.Code)

	var creds databaseCredentials
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &creds))
	assert.Equal(t, "hangardb_alice", creds.Name)
	assert.Equal(t, "alice", creds.Username)
	assert.Len(t, creds.Password, 24)
	assert.Equal(t, "db.example.com", creds.Host)
	assert.Equal(t, 3306, creds.Port)

	// The stored credential is encrypted, never the plaintext.
	row := ts.store.databases["alice"]
	require.NotNil(t, row)
	assert.NotEqual(t, creds.Password, row.PasswordEnc)
	assert.NotEmpty(t, row.PasswordEnc)

	// A second provision is a conflict.
	rec = ts.do(http.MethodPost, "/api/databases", "", ts.cookie(t, "alice", false))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "DATABASE_ALREADY_EXISTS", errorCode(t, rec))
}

func TestProvisionDatabaseRollsBackOnStoreFailure(t *testing.T) {
	ts := newTestServer(t)
	ts.store.createDBErr = apperr.New(apperr.CodeInternal, "insert failed")

	rec := ts.do(http.MethodPost, "/api/databases", "", ts.cookie(t, "alice", false))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	require.Len(t, ts.prov.deprovisioned, 1)
	assert.Equal(t, [2]string{"hangardb_alice", "alice"}, ts.prov.deprovisioned[0])
}

func TestDeprovisionBlockedWhileLinked(t *testing.T) {
	ts := newTestServer(t)
	ts.store.databases["alice"] = &store.TenantDatabase{
		ID: "db-alice", OwnerLogin: "alice", Name: "hangardb_alice", Username: "alice",
	}
	ts.store.dbLinks["db-alice"] = 1

	rec := ts.do(http.MethodDelete, "/api/databases/mine", "", ts.cookie(t, "alice", false))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Empty(t, ts.prov.deprovisioned)

	ts.store.dbLinks["db-alice"] = 0
	rec = ts.do(http.MethodDelete, "/api/databases/mine", "", ts.cookie(t, "alice", false))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	require.Len(t, ts.prov.deprovisioned, 1)
}

func TestLinkAndUnlinkDatabase(t *testing.T) {
	ts := newTestServer(t)
	ts.store.projects["p-1"] = &store.Project{ID: "p-1", OwnerLogin: "alice", Name: "web"}
	ts.store.databases["alice"] = &store.TenantDatabase{ID: "db-alice", OwnerLogin: "alice"}
	cookie := ts.cookie(t, "alice", false)

	rec := ts.do(http.MethodPost, "/api/projects/p-1/database/link", "", cookie)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.NotNil(t, ts.store.projects["p-1"].DatabaseID)
	assert.Equal(t, "db-alice", *ts.store.projects["p-1"].DatabaseID)

	rec = ts.do(http.MethodPost, "/api/projects/p-1/database/unlink", "", cookie)
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Nil(t, ts.store.projects["p-1"].DatabaseID)
}

func TestAdminEndpointsRequireAdmin(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodGet, "/api/admin/projects", "", ts.cookie(t, "alice", false))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = ts.do(http.MethodGet, "/api/admin/projects", "", ts.cookie(t, "root", true))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAdminDownProjects(t *testing.T) {
	ts := newTestServer(t)
	ts.store.projects["p-1"] = &store.Project{ID: "p-1", OwnerLogin: "alice", Name: "ok", Status: store.StatusRunning}
	ts.store.projects["p-2"] = &store.Project{ID: "p-2", OwnerLogin: "bob", Name: "broken", Status: store.StatusFailed}

	rec := ts.do(http.MethodGet, "/api/admin/projects/down", "", ts.cookie(t, "root", true))
	require.Equal(t, http.StatusOK, rec.Code)

	var down []map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &down))
	require.Len(t, down, 1)
	assert.Equal(t, "broken", down[0]["name"])
}

func TestHealthReportsComponents(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var report healthReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, "ok", report.Status)
	assert.Equal(t, "ok", report.Components["docker"])
	assert.Equal(t, "ok", report.Components["postgres"])
	assert.Equal(t, "ok", report.Components["mariadb"])
}
