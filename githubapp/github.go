// Package githubapp fetches project sources from GitHub. The control plane
// authenticates as a GitHub App: a short-lived RS256 app JWT mints an
// installation token, which then authorizes repository probes and clones.
package githubapp

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"

	"github.com/hangar-paas/hangar/apperr"
)

// DefaultAPIBaseURL is the GitHub REST endpoint.
const DefaultAPIBaseURL = "https://api.github.com"

// appJWTLifetime is the validity window of the app JWT. GitHub caps it at
// ten minutes.
const appJWTLifetime = 10 * time.Minute

// appJWTBackdate absorbs clock skew between us and GitHub.
const appJWTBackdate = 60 * time.Second

// Service authenticates against GitHub as an App.
type Service struct {
	appID      string
	privateKey *rsa.PrivateKey
	baseURL    string
	httpClient *http.Client
	log        *logrus.Entry
}

// New creates a Service from the App id and its PEM-encoded RSA key.
func New(appID string, privateKeyPEM []byte, log *logrus.Entry) (*Service, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM(privateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("failed to parse GitHub App private key: %w", err)
	}
	return &Service{
		appID:      appID,
		privateKey: key,
		baseURL:    DefaultAPIBaseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		log:        log,
	}, nil
}

// SetBaseURL overrides the API endpoint. Used by tests.
func (s *Service) SetBaseURL(baseURL string) {
	s.baseURL = strings.TrimRight(baseURL, "/")
}

// AppJWT signs the short-lived App token GitHub expects on /app routes.
// Issued-at is backdated a minute against clock skew.
func (s *Service) AppJWT() (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.RegisteredClaims{
		IssuedAt:  jwt.NewNumericDate(now.Add(-appJWTBackdate)),
		ExpiresAt: jwt.NewNumericDate(now.Add(appJWTLifetime)),
		Issuer:    s.appID,
	})
	signed, err := token.SignedString(s.privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign app JWT: %w", err)
	}
	return signed, nil
}

type installation struct {
	ID      int64 `json:"id"`
	Account struct {
		Login string `json:"login"`
	} `json:"account"`
}

type accessTokenResponse struct {
	Token string `json:"token"`
}

// InstallationIDByOwner resolves the App installation on the account that
// owns a repository. Users who never installed the App get
// GITHUB_ACCOUNT_NOT_LINKED.
func (s *Service) InstallationIDByOwner(ctx context.Context, owner string) (int64, error) {
	appJWT, err := s.AppJWT()
	if err != nil {
		return 0, err
	}

	var installations []installation
	if err := s.doJSON(ctx, http.MethodGet, "/app/installations", appJWT, &installations); err != nil {
		return 0, apperr.Wrap(apperr.CodeSourceFetchFailed, err,
			"failed to list app installations")
	}

	for _, inst := range installations {
		if strings.EqualFold(inst.Account.Login, owner) {
			return inst.ID, nil
		}
	}
	return 0, apperr.New(apperr.CodeGitHubAccountNotLinked,
		"no GitHub App installation found for account %q", owner)
}

// InstallationToken mints an installation access token for the given
// installation.
func (s *Service) InstallationToken(ctx context.Context, installationID int64) (string, error) {
	appJWT, err := s.AppJWT()
	if err != nil {
		return "", err
	}

	var tokenResp accessTokenResponse
	path := fmt.Sprintf("/app/installations/%d/access_tokens", installationID)
	if err := s.doJSON(ctx, http.MethodPost, path, appJWT, &tokenResp); err != nil {
		return "", apperr.Wrap(apperr.CodeSourceFetchFailed, err,
			"failed to create installation token")
	}
	return tokenResp.Token, nil
}

// RepoAccessible probes a repository with the given installation token. A
// 404 means the installation cannot see the repository, either because it
// does not exist or because the App was not granted access to it.
func (s *Service) RepoAccessible(ctx context.Context, owner, repo, token string) error {
	path := fmt.Sprintf("/repos/%s/%s", owner, repo)
	err := s.doJSON(ctx, http.MethodGet, path, token, &struct{}{})
	if err == nil {
		return nil
	}
	var status *statusError
	if errors.As(err, &status) && status.code == http.StatusNotFound {
		return apperr.Wrap(apperr.CodeGitHubRepoNotAccessible, err,
			"repository %s/%s is not accessible to the App", owner, repo)
	}
	return apperr.Wrap(apperr.CodeSourceFetchFailed, err,
		"failed to check access to %s/%s", owner, repo)
}

// statusError carries the HTTP status of a failed GitHub API call.
type statusError struct {
	code   int
	method string
	path   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("github API %s %s returned %d", e.method, e.path, e.code)
}

func (s *Service) doJSON(ctx context.Context, method, path, bearer string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+bearer)
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &statusError{code: resp.StatusCode, method: method, path: path}
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// ParseRepoURL extracts owner and repository name from a GitHub URL. Both
// schemes and a www. prefix are accepted, as are a trailing slash and a
// .git suffix.
func ParseRepoURL(repoURL string) (owner, repo string, err error) {
	raw := strings.TrimSpace(repoURL)
	if !strings.Contains(raw, "github.com") {
		return "", "", apperr.New(apperr.CodeInvalidGitHubURL,
			"repository URL must point at github.com")
	}

	raw = strings.TrimPrefix(raw, "https://")
	raw = strings.TrimPrefix(raw, "http://")
	raw = strings.TrimPrefix(raw, "www.")
	raw = strings.TrimSuffix(strings.TrimSuffix(raw, "/"), ".git")

	parts := strings.Split(raw, "/")
	if len(parts) < 3 || parts[0] != "github.com" || parts[1] == "" || parts[2] == "" {
		return "", "", apperr.New(apperr.CodeInvalidGitHubURL,
			"repository URL must be https://github.com/<owner>/<repo>")
	}
	return parts[1], parts[2], nil
}
