package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

// Claims are the fields the agent reads from server-issued tokens.
type Claims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

var ErrNotJWT = errors.New("token is not a JWT")

// Inspect decodes the claims of tokenString without verifying its
// signature. The agent never holds the server's signing key; it only
// needs to know when a cached token is no longer worth sending.
func Inspect(tokenString string) (*Claims, error) {
	if strings.Count(tokenString, ".") != 2 {
		return nil, ErrNotJWT
	}

	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotJWT, err)
	}
	return claims, nil
}

// Expired reports whether tokenString carries an exp claim at or before
// now+skew. Opaque tokens and tokens without exp never expire here; the
// server remains the authority for those.
func Expired(tokenString string, now time.Time, skew time.Duration) bool {
	claims, err := Inspect(tokenString)
	if err != nil || claims.ExpiresAt == nil {
		return false
	}
	return !claims.ExpiresAt.Time.After(now.Add(skew))
}
