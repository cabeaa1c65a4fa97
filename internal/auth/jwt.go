// Package auth validates the access tokens issued by the platform's identity service.
package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Roles carried in tokens.
const (
	RoleTeacher = "teacher"
	RoleStudent = "student"
)

var (
	ErrInvalidToken = errors.New("invalid token")
)

// Claims holds the person a token was issued to and their role.
type Claims struct {
	PersonID int64  `json:"person_id"`
	Name     string `json:"name,omitempty"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// JWTService handles token validation. Generate exists for tooling and tests; production tokens
// come from the identity service sharing the secret.
type JWTService struct {
	secret      []byte
	expireHours int
}

// NewJWTService creates a JWT service.
func NewJWTService(secret string, expireHours int) *JWTService {
	return &JWTService{
		secret:      []byte(secret),
		expireHours: expireHours,
	}
}

// Generate signs a token for the person.
func (s *JWTService) Generate(personID int64, name, role string) (string, error) {
	claims := Claims{
		PersonID: personID,
		Name:     name,
		Role:     role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Duration(s.expireHours) * time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ID:        uuid.New().String(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Validate parses and validates a JWT, returning claims or error.
func (s *JWTService) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.PersonID <= 0 {
		return nil, ErrInvalidToken
	}
	if claims.Role != RoleTeacher && claims.Role != RoleStudent {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
