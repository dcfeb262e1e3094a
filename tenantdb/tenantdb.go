// Package tenantdb provisions MariaDB databases for tenants. It holds an
// admin connection to the shared MariaDB server and runs the DDL sequence
// that creates a database, its user and grants. Identifiers are validated
// before interpolation; passwords are the only quoted values and get their
// quotes escaped.
package tenantdb

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/hangar-paas/hangar/apperr"
	"github.com/hangar-paas/hangar/validation"
)

// databasePrefix namespaces tenant databases on the shared server.
const databasePrefix = "hangardb_"

var ownerSanitizeRe = regexp.MustCompile(`[^a-z0-9_]`)

// grantPrivileges is everything a tenant may do inside its own database.
// Deliberately excludes GRANT OPTION, FILE, PROCESS and SUPER.
const grantPrivileges = "SELECT, INSERT, UPDATE, DELETE, CREATE, DROP, INDEX, ALTER, " +
	"CREATE TEMPORARY TABLES, LOCK TABLES"

// Provisioner manages tenant databases over an admin connection.
type Provisioner struct {
	db         *gorm.DB
	publicHost string
	publicPort int
	log        *logrus.Entry
}

// New connects to the MariaDB server with the admin DSN.
func New(adminDSN string, maxConns int, publicHost string, publicPort int, log *logrus.Entry) (*Provisioner, error) {
	db, err := gorm.Open(mysql.Open(adminDSN), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mariadb: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access mariadb pool: %w", err)
	}
	sqlDB.SetMaxOpenConns(maxConns)
	sqlDB.SetMaxIdleConns(maxConns)
	sqlDB.SetConnMaxLifetime(time.Hour)

	return NewWithDB(db, publicHost, publicPort, log), nil
}

// NewWithDB wraps an existing gorm handle. Used by tests.
func NewWithDB(db *gorm.DB, publicHost string, publicPort int, log *logrus.Entry) *Provisioner {
	return &Provisioner{db: db, publicHost: publicHost, publicPort: publicPort, log: log}
}

// PublicHost returns the hostname tenants use to reach their database.
func (p *Provisioner) PublicHost() string { return p.publicHost }

// PublicPort returns the port tenants use to reach their database.
func (p *Provisioner) PublicPort() int { return p.publicPort }

// DatabaseNameFor derives the tenant database name from an owner login.
func DatabaseNameFor(ownerLogin string) string {
	sanitized := ownerSanitizeRe.ReplaceAllString(strings.ToLower(ownerLogin), "_")
	name := databasePrefix + sanitized
	if len(name) > 64 {
		name = name[:64]
	}
	return name
}

// escapePassword escapes single quotes for use inside a quoted SQL literal.
func escapePassword(password string) string {
	return strings.ReplaceAll(password, "'", `\'`)
}

// Ping verifies the admin connection. Used by the health endpoint.
func (p *Provisioner) Ping(ctx context.Context) error {
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Provision creates a tenant database and user, grants the tenant privilege
// set and flushes privileges. On partial failure the already-created objects
// are dropped best-effort so a retry starts clean.
func (p *Provisioner) Provision(ctx context.Context, dbName, username, password string) error {
	if err := validation.DBIdentifier(dbName); err != nil {
		return err
	}
	if err := validation.DBIdentifier(username); err != nil {
		return err
	}

	statements := []string{
		fmt.Sprintf("CREATE DATABASE `%s` CHARACTER SET utf8mb4 COLLATE utf8mb4_general_ci", dbName),
		fmt.Sprintf("CREATE USER '%s'@'%%' IDENTIFIED BY '%s'", username, escapePassword(password)),
		fmt.Sprintf("GRANT %s ON `%s`.* TO '%s'@'%%'", grantPrivileges, dbName, username),
		"FLUSH PRIVILEGES",
	}

	for i, stmt := range statements {
		if err := p.db.WithContext(ctx).Exec(stmt).Error; err != nil {
			p.rollback(ctx, dbName, username, i)
			return apperr.Wrap(apperr.CodeProvisioningFailed, err,
				"failed to provision database %s", dbName)
		}
	}

	p.log.WithFields(logrus.Fields{
		"database": dbName,
		"username": username,
	}).Info("tenant database provisioned")
	return nil
}

// rollback drops whatever Provision managed to create before failing.
// stepsDone counts the statements that succeeded.
func (p *Provisioner) rollback(ctx context.Context, dbName, username string, stepsDone int) {
	if stepsDone >= 2 {
		if err := p.db.WithContext(ctx).Exec(
			fmt.Sprintf("DROP USER IF EXISTS '%s'@'%%'", username)).Error; err != nil {
			p.log.WithError(err).Warn("rollback: failed to drop user")
		}
	}
	if stepsDone >= 1 {
		if err := p.db.WithContext(ctx).Exec(
			fmt.Sprintf("DROP DATABASE IF EXISTS `%s`", dbName)).Error; err != nil {
			p.log.WithError(err).Warn("rollback: failed to drop database")
		}
	}
}

// Deprovision removes a tenant database and its user. Both drops are
// IF EXISTS, so deprovisioning is idempotent.
func (p *Provisioner) Deprovision(ctx context.Context, dbName, username string) error {
	if err := validation.DBIdentifier(dbName); err != nil {
		return err
	}
	if err := validation.DBIdentifier(username); err != nil {
		return err
	}

	statements := []string{
		fmt.Sprintf("DROP USER IF EXISTS '%s'@'%%'", username),
		fmt.Sprintf("DROP DATABASE IF EXISTS `%s`", dbName),
		"FLUSH PRIVILEGES",
	}
	for _, stmt := range statements {
		if err := p.db.WithContext(ctx).Exec(stmt).Error; err != nil {
			return apperr.Wrap(apperr.CodeDeprovisioningFailed, err,
				"failed to deprovision database %s", dbName)
		}
	}

	p.log.WithField("database", dbName).Info("tenant database deprovisioned")
	return nil
}
