package dashboard

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/codefionn/wiretap/wiretap-srv/logger"
	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthorized is returned when a status page request lacks a valid token.
var ErrUnauthorized = errors.New("unauthorized")

// Guard protects the status page with HS256 bearer tokens. A guard without a
// secret admits every request.
type Guard struct {
	secret []byte
}

// NewGuard creates a guard for secret. An empty secret disables the check.
func NewGuard(secret string) *Guard {
	if secret == "" {
		return &Guard{}
	}
	return &Guard{secret: []byte(secret)}
}

// Enabled reports whether tokens are required.
func (g *Guard) Enabled() bool {
	return g != nil && len(g.secret) > 0
}

// Authorize validates the value of an Authorization header.
func (g *Guard) Authorize(authorization string) error {
	if !g.Enabled() {
		return nil
	}
	scheme, tokenString, ok := strings.Cut(strings.TrimSpace(authorization), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || tokenString == "" {
		return fmt.Errorf("%w: missing bearer token", ErrUnauthorized)
	}

	token, err := g.parseToken(strings.TrimSpace(tokenString))
	if err != nil {
		logger.Debug("JWT token validation failed: %v", err)
		return fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}
	if !token.Valid {
		return fmt.Errorf("%w: invalid token", ErrUnauthorized)
	}
	return nil
}

func (g *Guard) parseToken(tokenString string) (*jwt.Token, error) {
	return jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			logger.Warn("Unexpected JWT signing method: %v", token.Header["alg"])
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return g.secret, nil
	}, jwt.WithExpirationRequired())
}

// MintToken signs a status page token for subject valid for ttl.
func MintToken(secret, subject string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("jwt secret must not be empty")
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString([]byte(secret))
	if err != nil {
		logger.Error("Failed to sign JWT token: %v", err)
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return tokenString, nil
}
