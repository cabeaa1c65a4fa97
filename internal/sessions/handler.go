package sessions

import (
	"context"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/aura-classroom/backend/internal/middleware"
	"github.com/aura-classroom/backend/internal/models"
	"github.com/aura-classroom/backend/internal/presence"
	"github.com/aura-classroom/backend/pkg/response"
)

// CreateRequest is the body for POST /sessions.
type CreateRequest struct {
	Title string `json:"title" binding:"required,max=200"`
}

// ActivePolls finds and closes a session's running poll when the session ends.
type ActivePolls interface {
	GetActive(ctx context.Context, sessionID int64) (*models.Poll, error)
}

// PollCloser closes a poll.
type PollCloser interface {
	Close(ctx context.Context, pollID int64) (*models.Poll, error)
}

// Handler handles session and participant HTTP endpoints.
type Handler struct {
	repo     *Repository
	presence *presence.Registry
	polls    ActivePolls
	closer   PollCloser
	logger   *zap.Logger
}

// NewHandler creates a sessions handler.
func NewHandler(repo *Repository, registry *presence.Registry, polls ActivePolls, closer PollCloser, logger *zap.Logger) *Handler {
	return &Handler{repo: repo, presence: registry, polls: polls, closer: closer, logger: logger}
}

// Create handles POST /sessions (teacher).
func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	s := &models.Session{Title: req.Title, TeacherID: middleware.PersonID(c)}
	if err := h.repo.Create(c.Request.Context(), s); err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, s)
}

// Get handles GET /sessions/:code.
func (h *Handler) Get(c *gin.Context) {
	s := Load(c, h.repo)
	if s == nil {
		return
	}
	n, err := h.repo.CountOnline(c.Request.Context(), s.ID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, gin.H{"session": s, "online_count": n})
}

// Join handles POST /sessions/:code/join (student).
func (h *Handler) Join(c *gin.Context) {
	s := Load(c, h.repo)
	if s == nil {
		return
	}
	p, err := h.presence.Join(c.Request.Context(), s, middleware.PersonID(c), "http")
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, p)
}

// Leave handles POST /sessions/:code/leave (student).
func (h *Handler) Leave(c *gin.Context) {
	s := Load(c, h.repo)
	if s == nil {
		return
	}
	if err := h.presence.LeaveSession(c.Request.Context(), s, middleware.PersonID(c)); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

// Heartbeat handles POST /sessions/:code/heartbeat.
func (h *Handler) Heartbeat(c *gin.Context) {
	s := Load(c, h.repo)
	if s == nil {
		return
	}
	if err := h.presence.Touch(c.Request.Context(), s, middleware.PersonID(c)); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

// Participants handles GET /sessions/:code/participants (teacher).
func (h *Handler) Participants(c *gin.Context) {
	s := LoadOwned(c, h.repo)
	if s == nil {
		return
	}
	list, err := h.repo.ListParticipants(c.Request.Context(), s.ID)
	if err != nil {
		response.Error(c, err)
		return
	}
	online := 0
	for i := range list {
		if list[i].Online() {
			online++
		}
	}
	response.OK(c, gin.H{"participants": list, "online_count": online})
}

// End handles POST /sessions/:code/end (teacher). The running poll, if any, is closed.
func (h *Handler) End(c *gin.Context) {
	s := LoadOwned(c, h.repo)
	if s == nil {
		return
	}
	ctx := c.Request.Context()
	if err := h.repo.SetActive(ctx, s.ID, false); err != nil {
		response.Error(c, err)
		return
	}
	active, err := h.polls.GetActive(ctx, s.ID)
	if err != nil {
		h.logger.Warn("active poll at session end", zap.Int64("session_id", s.ID), zap.Error(err))
	} else if active != nil {
		if _, err := h.closer.Close(ctx, active.ID); err != nil {
			h.logger.Warn("close poll at session end", zap.Int64("poll_id", active.ID), zap.Error(err))
		}
	}
	s.IsActive = false
	response.OK(c, s)
}
