package auth

import (
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signToken(t *testing.T, subject string, expires time.Time) string {
	t.Helper()
	claims := Claims{
		Role: "agent",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(expires.Add(-time.Hour)),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("server-only-secret"))
	require.NoError(t, err)
	return token
}

func TestInspectReadsClaimsWithoutKey(t *testing.T) {
	expires := time.Now().Add(time.Hour).Truncate(time.Second)
	claims, err := Inspect(signToken(t, "host_1", expires))
	require.NoError(t, err)
	assert.Equal(t, "host_1", claims.Subject)
	assert.Equal(t, "agent", claims.Role)
	assert.True(t, expires.Equal(claims.ExpiresAt.Time))
}

func TestExpired(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name  string
		token string
		want  bool
	}{
		{"valid", signToken(t, "a", now.Add(time.Hour)), false},
		{"expired", signToken(t, "a", now.Add(-time.Minute)), true},
		{"within skew", signToken(t, "a", now.Add(10*time.Second)), true},
		{"opaque", "b3BhcXVlLXRva2Vu", false},
		{"garbage with dots", "a.b.c", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Expired(tt.token, now, 30*time.Second))
		})
	}
}

func TestInspectRejectsOpaqueToken(t *testing.T) {
	_, err := Inspect("opaque")
	assert.ErrorIs(t, err, ErrNotJWT)
}
