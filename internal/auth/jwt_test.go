package auth_test

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-classroom/backend/internal/auth"
)

func TestJWTService(t *testing.T) {
	t.Parallel()
	svc := auth.NewJWTService("secret", 1)

	token, err := svc.Generate(42, "Ada", auth.RoleStudent)
	require.NoError(t, err)

	claims, err := svc.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, int64(42), claims.PersonID)
	assert.Equal(t, "Ada", claims.Name)
	assert.Equal(t, auth.RoleStudent, claims.Role)
}

func TestJWTService_Invalid(t *testing.T) {
	t.Parallel()
	svc := auth.NewJWTService("secret", 1)
	sign := func(secret string, claims auth.Claims) string {
		s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
		require.NoError(t, err)
		return s
	}
	valid := jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))}

	tests := map[string]string{
		"garbage":      "not-a-token",
		"wrong secret": sign("other", auth.Claims{PersonID: 1, Role: auth.RoleStudent, RegisteredClaims: valid}),
		"expired": sign("secret", auth.Claims{PersonID: 1, Role: auth.RoleStudent, RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		}}),
		"no person":    sign("secret", auth.Claims{Role: auth.RoleStudent, RegisteredClaims: valid}),
		"unknown role": sign("secret", auth.Claims{PersonID: 1, Role: "admin", RegisteredClaims: valid}),
	}
	for name, token := range tests {
		token := token
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			_, err := svc.Validate(token)
			assert.ErrorIs(t, err, auth.ErrInvalidToken)
		})
	}
}
