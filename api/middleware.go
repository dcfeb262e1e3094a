package api

import (
	"github.com/labstack/echo/v4"

	"github.com/hangar-paas/hangar/apperr"
	"github.com/hangar-paas/hangar/security"
	"github.com/hangar-paas/hangar/store"
)

// authCookieName is the session cookie set after a CAS login.
const authCookieName = "auth_token"

// Context keys used by the middleware chain.
const (
	ctxClaims  = "claims"
	ctxProject = "project"
)

// requireAuth validates the session cookie and stores the claims in the
// request context.
func (s *Server) requireAuth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		cookie, err := c.Cookie(authCookieName)
		if err != nil || cookie.Value == "" {
			return apperr.New(apperr.CodeUnauthorized, "authentication required")
		}
		claims, err := s.deps.JWT.ValidateToken(cookie.Value)
		if err != nil {
			return apperr.New(apperr.CodeUnauthorized, "invalid or expired session")
		}
		c.Set(ctxClaims, claims)
		return next(c)
	}
}

// requireAdmin allows only logins from the admin list.
func (s *Server) requireAdmin(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if !claimsFrom(c).IsAdmin {
			return apperr.New(apperr.CodeForbidden, "admin access required")
		}
		return next(c)
	}
}

// requireProjectAccess loads the project from the :id param and allows its
// owner, its participants and admins through. The loaded project is stored
// in the context so handlers do not fetch it twice.
func (s *Server) requireProjectAccess(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		project, err := s.loadProject(c)
		if err != nil {
			return err
		}
		claims := claimsFrom(c)
		if project.OwnerLogin != claims.Login && !claims.IsAdmin {
			participant, err := s.deps.Store.IsParticipant(project.ID, claims.Login)
			if err != nil {
				return err
			}
			if !participant {
				return apperr.New(apperr.CodeForbidden, "no access to this project")
			}
		}
		c.Set(ctxProject, project)
		return next(c)
	}
}

// requireProjectOwner is the stricter variant for operations that change who
// can touch the project: only the owner and admins qualify.
func (s *Server) requireProjectOwner(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		project, err := s.loadProject(c)
		if err != nil {
			return err
		}
		claims := claimsFrom(c)
		if project.OwnerLogin != claims.Login && !claims.IsAdmin {
			return apperr.New(apperr.CodeForbidden, "only the project owner may do this")
		}
		c.Set(ctxProject, project)
		return next(c)
	}
}

func (s *Server) loadProject(c echo.Context) (*store.Project, error) {
	id := c.Param("id")
	if id == "" {
		return nil, apperr.New(apperr.CodeProjectNotFound, "missing project id")
	}
	return s.deps.Store.GetProjectByID(id)
}

func claimsFrom(c echo.Context) *security.Claims {
	if claims, ok := c.Get(ctxClaims).(*security.Claims); ok {
		return claims
	}
	return &security.Claims{}
}

func projectFrom(c echo.Context) *store.Project {
	project, _ := c.Get(ctxProject).(*store.Project)
	return project
}
