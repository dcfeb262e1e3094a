package api

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/hangar-paas/hangar/apperr"
)

// TicketValidator checks a CAS service ticket and returns the authenticated
// login.
type TicketValidator interface {
	ValidateTicket(ctx context.Context, ticket, service string) (string, error)
}

// CASClient validates tickets against a CAS 2.0 serviceValidate endpoint.
type CASClient struct {
	validationURL string
	httpClient    *http.Client
}

// NewCASClient creates a validator for the given serviceValidate URL.
func NewCASClient(validationURL string) *CASClient {
	return &CASClient{
		validationURL: validationURL,
		httpClient:    &http.Client{Timeout: 10 * time.Second},
	}
}

type casServiceResponse struct {
	XMLName xml.Name    `xml:"serviceResponse"`
	Success *casSuccess `xml:"authenticationSuccess"`
	Failure *casFailure `xml:"authenticationFailure"`
}

type casSuccess struct {
	User string `xml:"user"`
}

type casFailure struct {
	Code    string `xml:"code,attr"`
	Message string `xml:",chardata"`
}

// ValidateTicket calls the CAS server and extracts the login from the XML
// response.
func (c *CASClient) ValidateTicket(ctx context.Context, ticket, service string) (string, error) {
	endpoint := fmt.Sprintf("%s?ticket=%s&service=%s",
		c.validationURL, url.QueryEscape(ticket), url.QueryEscape(service))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("failed to build CAS request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", apperr.Wrap(apperr.CodeUnauthorized, err, "CAS server unreachable")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return "", fmt.Errorf("failed to read CAS response: %w", err)
	}

	var parsed casServiceResponse
	if err := xml.Unmarshal(body, &parsed); err != nil {
		return "", apperr.Wrap(apperr.CodeUnauthorized, err, "malformed CAS response")
	}
	if parsed.Failure != nil {
		return "", apperr.New(apperr.CodeUnauthorized, "CAS rejected ticket: %s",
			strings.TrimSpace(parsed.Failure.Message))
	}
	if parsed.Success == nil || parsed.Success.User == "" {
		return "", apperr.New(apperr.CodeUnauthorized, "CAS response carried no user")
	}
	return strings.ToLower(strings.TrimSpace(parsed.Success.User)), nil
}

// casLogin is the CAS callback: it validates the ticket, issues the session
// cookie and returns the session facts.
func (s *Server) casLogin(c echo.Context) error {
	ticket := c.QueryParam("ticket")
	service := c.QueryParam("service")
	if ticket == "" || service == "" {
		return apperr.New(apperr.CodeUnauthorized, "ticket and service are required")
	}

	login, err := s.deps.CAS.ValidateTicket(c.Request().Context(), ticket, service)
	if err != nil {
		return err
	}

	isAdmin := s.cfg.IsAdmin(login)
	token, err := s.deps.JWT.GenerateToken(login, isAdmin)
	if err != nil {
		return fmt.Errorf("failed to issue session token: %w", err)
	}

	c.SetCookie(s.sessionCookie(token, int(s.deps.JWT.Expiration().Seconds())))
	s.log.WithField("login", login).Info("login")

	return c.JSON(http.StatusOK, echo.Map{
		"login":    login,
		"is_admin": isAdmin,
	})
}

// logout clears the session cookie.
func (s *Server) logout(c echo.Context) error {
	c.SetCookie(s.sessionCookie("", -1))
	return c.NoContent(http.StatusNoContent)
}

// me returns the session facts of the authenticated caller.
func (s *Server) me(c echo.Context) error {
	claims := claimsFrom(c)
	return c.JSON(http.StatusOK, echo.Map{
		"login":    claims.Login,
		"is_admin": claims.IsAdmin,
	})
}

func (s *Server) sessionCookie(value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     authCookieName,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	}
}
