package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/hangar-paas/hangar/apperr"
	"github.com/hangar-paas/hangar/security"
	"github.com/hangar-paas/hangar/store"
	"github.com/hangar-paas/hangar/tenantdb"
)

type databaseCredentials struct {
	Name     string `json:"name"`
	Username string `json:"username"`
	Password string `json:"password"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
}

// provisionDatabase creates the caller's tenant database on the MariaDB
// server and stores the credentials encrypted. One database per login.
func (s *Server) provisionDatabase(c echo.Context) error {
	login := claimsFrom(c).Login
	ctx := c.Request().Context()

	if _, err := s.deps.Store.GetTenantDatabase(login); err == nil {
		return apperr.New(apperr.CodeDatabaseAlreadyExists, "a database already exists for %s", login)
	}

	dbName := tenantdb.DatabaseNameFor(login)
	password, err := security.GeneratePassword()
	if err != nil {
		return err
	}

	if err := s.deps.Provisioner.Provision(ctx, dbName, login, password); err != nil {
		return err
	}

	passwordEnc, err := s.deps.Secrets.EncryptString(password)
	if err != nil {
		s.rollbackProvision(c, dbName, login)
		return err
	}

	row := &store.TenantDatabase{
		OwnerLogin:  login,
		Name:        dbName,
		Username:    login,
		PasswordEnc: passwordEnc,
		Host:        s.deps.Provisioner.PublicHost(),
		Port:        s.deps.Provisioner.PublicPort(),
	}
	if err := s.deps.Store.CreateTenantDatabase(row); err != nil {
		s.rollbackProvision(c, dbName, login)
		return err
	}

	s.log.WithField("login", login).Info("tenant database provisioned")
	return c.JSON(http.StatusCreated, databaseCredentials{
		Name:     row.Name,
		Username: row.Username,
		Password: password,
		Host:     row.Host,
		Port:     row.Port,
	})
}

func (s *Server) rollbackProvision(c echo.Context, dbName, username string) {
	if err := s.deps.Provisioner.Deprovision(c.Request().Context(), dbName, username); err != nil {
		s.log.WithField("database", dbName).WithError(err).
			Warn("rollback of provisioned database failed")
	}
}

// getDatabase returns the caller's database credentials.
func (s *Server) getDatabase(c echo.Context) error {
	db, err := s.deps.Store.GetTenantDatabase(claimsFrom(c).Login)
	if err != nil {
		return err
	}
	password, err := s.deps.Secrets.DecryptString(db.PasswordEnc)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, databaseCredentials{
		Name:     db.Name,
		Username: db.Username,
		Password: password,
		Host:     db.Host,
		Port:     db.Port,
	})
}

// deprovisionDatabase drops the caller's database. Databases still linked to
// projects stay until every link is removed.
func (s *Server) deprovisionDatabase(c echo.Context) error {
	login := claimsFrom(c).Login
	ctx := c.Request().Context()

	db, err := s.deps.Store.GetTenantDatabase(login)
	if err != nil {
		return err
	}
	linked, err := s.deps.Store.CountProjectsUsingDatabase(db.ID)
	if err != nil {
		return err
	}
	if linked > 0 {
		return apperr.New(apperr.CodeForbidden,
			"database is linked to %d project(s), unlink them first", linked)
	}

	if err := s.deps.Provisioner.Deprovision(ctx, db.Name, db.Username); err != nil {
		return err
	}
	if err := s.deps.Store.DeleteTenantDatabase(db.ID); err != nil {
		return err
	}

	s.log.WithField("login", login).Info("tenant database deprovisioned")
	return c.NoContent(http.StatusNoContent)
}

// linkDatabase attaches the caller's database to a project. The connection
// env vars reach the container on the next redeploy.
func (s *Server) linkDatabase(c echo.Context) error {
	db, err := s.deps.Store.GetTenantDatabase(claimsFrom(c).Login)
	if err != nil {
		return err
	}
	if err := s.deps.Store.LinkDatabase(projectFrom(c).ID, db.ID); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// unlinkDatabase detaches the project from its database.
func (s *Server) unlinkDatabase(c echo.Context) error {
	if err := s.deps.Store.UnlinkDatabase(projectFrom(c).ID); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}
