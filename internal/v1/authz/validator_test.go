package authz

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/planningpoker/core/internal/v1/domain"
)

func signUnverifiedToken(t *testing.T, claims *CustomClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte("test-secret-does-not-matter-for-mock"))
	require.NoError(t, err)
	return signed
}

func TestMockValidator_ResolvesClaims(t *testing.T) {
	claims := &CustomClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Email: "alice@example.com",
		Tier:  "pro",
		Name:  "Alice",
	}
	tokenString := signUnverifiedToken(t, claims)

	v := &MockValidator{}
	principal, err := v.ValidateToken(context.Background(), tokenString)
	require.NoError(t, err)
	assert.Equal(t, domain.UserIDType("user-1"), principal.UserID)
	assert.Equal(t, "alice@example.com", principal.Email)
	assert.Equal(t, domain.Tier("pro"), principal.Tier)
	assert.Equal(t, "Alice", principal.DisplayName)
}

func TestMockValidator_DefaultsToFreeTier(t *testing.T) {
	claims := &CustomClaims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "user-2"},
	}
	tokenString := signUnverifiedToken(t, claims)

	v := &MockValidator{}
	principal, err := v.ValidateToken(context.Background(), tokenString)
	require.NoError(t, err)
	assert.Equal(t, domain.TierFree, principal.Tier)
}

func TestMockValidator_RejectsMalformedToken(t *testing.T) {
	v := &MockValidator{}
	_, err := v.ValidateToken(context.Background(), "not-a-jwt")
	assert.Error(t, err)
}

func TestGetAllowedOriginsFromEnv(t *testing.T) {
	assert.Equal(t, []string{"https://a.com", "https://b.com"}, GetAllowedOriginsFromEnv("https://a.com, https://b.com"))
	assert.Nil(t, GetAllowedOriginsFromEnv(""))
}
