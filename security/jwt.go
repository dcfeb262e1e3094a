package security

import (
	"fmt"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// Claims are the session facts carried by an auth token.
type Claims struct {
	Login   string
	IsAdmin bool
}

// JWTService issues and verifies HS256 session tokens.
type JWTService struct {
	secret     []byte
	expiration time.Duration
}

// NewJWTService creates a token service with the given signing secret and
// token lifetime.
func NewJWTService(secret string, expiration time.Duration) *JWTService {
	return &JWTService{
		secret:     []byte(secret),
		expiration: expiration,
	}
}

// GenerateToken signs a session token for the given login.
func (j *JWTService) GenerateToken(login string, isAdmin bool) (string, error) {
	now := time.Now()

	token, err := jwt.NewBuilder().
		Subject(login).
		IssuedAt(now).
		Expiration(now.Add(j.expiration)).
		Claim("is_admin", isAdmin).
		Build()
	if err != nil {
		return "", fmt.Errorf("failed to build token: %w", err)
	}

	signed, err := jwt.Sign(token, jwt.WithKey(jwa.HS256, j.secret))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}

	return string(signed), nil
}

// ValidateToken parses and verifies a session token, returning its claims.
func (j *JWTService) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.Parse([]byte(tokenString), jwt.WithKey(jwa.HS256, j.secret))
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims := &Claims{Login: token.Subject()}
	if isAdmin, ok := token.Get("is_admin"); ok {
		if b, ok := isAdmin.(bool); ok {
			claims.IsAdmin = b
		}
	}
	return claims, nil
}

// Expiration returns the configured token lifetime.
func (j *JWTService) Expiration() time.Duration {
	return j.expiration
}
