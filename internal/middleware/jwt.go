package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/aura-classroom/backend/internal/auth"
	"github.com/aura-classroom/backend/pkg/response"
)

const (
	// ContextPersonID is the key for the caller's person ID (int64) in gin context.
	ContextPersonID = "person_id"
	// ContextRole is the key for the caller's role in gin context.
	ContextRole = "role"
)

// JWT returns a middleware that validates the bearer token and sets the caller in context.
func JWT(jwtService *auth.JWTService) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			response.Unauthorized(c, "missing authorization header")
			c.Abort()
			return
		}
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			response.Unauthorized(c, "invalid authorization header")
			c.Abort()
			return
		}
		claims, err := jwtService.Validate(parts[1])
		if err != nil {
			response.Unauthorized(c, "invalid or expired token")
			c.Abort()
			return
		}
		c.Set(ContextPersonID, claims.PersonID)
		c.Set(ContextRole, claims.Role)
		c.Next()
	}
}

// PersonID returns the authenticated caller. Only valid behind JWT.
func PersonID(c *gin.Context) int64 {
	return c.GetInt64(ContextPersonID)
}

// Role returns the authenticated caller's role.
func Role(c *gin.Context) string {
	return c.GetString(ContextRole)
}
