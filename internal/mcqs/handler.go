package mcqs

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/aura-classroom/backend/internal/pollqueue"
	"github.com/aura-classroom/backend/internal/sessions"
	"github.com/aura-classroom/backend/pkg/response"
)

// IntakeRequest is the body for POST /sessions/:code/generated-mcqs.
type IntakeRequest struct {
	MCQs []Input `json:"mcqs" binding:"required,min=1"`
}

// SendRequest is the body for POST /sessions/:code/generated-mcqs/send.
type SendRequest struct {
	MCQIDs []int64 `json:"mcq_ids" binding:"required,min=1"`
	pollqueue.Overrides
}

// Handler handles generated MCQ endpoints. All of them are restricted to the session's teacher.
type Handler struct {
	service  *Service
	sessions sessions.Lookup
	defaults pollqueue.Options
}

// NewHandler creates a generated MCQ handler.
func NewHandler(service *Service, lookup sessions.Lookup, defaults pollqueue.Options) *Handler {
	return &Handler{service: service, sessions: lookup, defaults: defaults}
}

// Intake handles POST /sessions/:code/generated-mcqs.
func (h *Handler) Intake(c *gin.Context) {
	s := sessions.LoadOwned(c, h.sessions)
	if s == nil {
		return
	}
	var req IntakeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	list, err := h.service.Intake(c.Request.Context(), s, req.MCQs)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, gin.H{"mcqs": list, "count": len(list)})
}

// List handles GET /sessions/:code/generated-mcqs.
func (h *Handler) List(c *gin.Context) {
	s := sessions.LoadOwned(c, h.sessions)
	if s == nil {
		return
	}
	list, err := h.service.ListUnsent(c.Request.Context(), s)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, list)
}

// Update handles PATCH /sessions/:code/generated-mcqs/:id.
func (h *Handler) Update(c *gin.Context) {
	s := sessions.LoadOwned(c, h.sessions)
	if s == nil {
		return
	}
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		response.BadRequest(c, "invalid mcq id")
		return
	}
	var in Input
	if err := c.ShouldBindJSON(&in); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	m, err := h.service.Update(c.Request.Context(), s, id, in)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, m)
}

// Delete handles DELETE /sessions/:code/generated-mcqs/:id.
func (h *Handler) Delete(c *gin.Context) {
	s := sessions.LoadOwned(c, h.sessions)
	if s == nil {
		return
	}
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		response.BadRequest(c, "invalid mcq id")
		return
	}
	if err := h.service.Delete(c.Request.Context(), s, id); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

// Send handles POST /sessions/:code/generated-mcqs/send.
func (h *Handler) Send(c *gin.Context) {
	s := sessions.LoadOwned(c, h.sessions)
	if s == nil {
		return
	}
	var req SendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	res, err := h.service.Send(c.Request.Context(), s, req.MCQIDs, req.Apply(h.defaults))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, res)
}
