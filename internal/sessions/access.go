package sessions

import (
	"context"

	"github.com/gin-gonic/gin"

	"github.com/aura-classroom/backend/internal/middleware"
	"github.com/aura-classroom/backend/internal/models"
	"github.com/aura-classroom/backend/pkg/response"
)

// Lookup resolves sessions by join code.
type Lookup interface {
	GetByCode(ctx context.Context, code string) (*models.Session, error)
}

// Load resolves the :code path parameter. On failure it writes the response and returns nil.
func Load(c *gin.Context, l Lookup) *models.Session {
	s, err := l.GetByCode(c.Request.Context(), c.Param("code"))
	if err != nil {
		response.Error(c, err)
		return nil
	}
	return s
}

// LoadOwned is Load restricted to the session's teacher.
func LoadOwned(c *gin.Context, l Lookup) *models.Session {
	s := Load(c, l)
	if s == nil {
		return nil
	}
	if s.TeacherID != middleware.PersonID(c) {
		response.Forbidden(c, "only the session's teacher can do this")
		return nil
	}
	return s
}
