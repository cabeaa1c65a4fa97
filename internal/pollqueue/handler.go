package pollqueue

import (
	"github.com/gin-gonic/gin"

	"github.com/aura-classroom/backend/internal/sessions"
	"github.com/aura-classroom/backend/pkg/response"
)

// Overrides are per-request queue options. Omitted fields take the server defaults.
type Overrides struct {
	ActivateFirst     *bool `json:"activate_first"`
	AutoAdvance       *bool `json:"auto_advance"`
	PollDuration      *int  `json:"poll_duration"`
	BreakBetweenPolls *int  `json:"break_between_polls"`
}

// Apply merges the overrides into defaults.
func (o Overrides) Apply(defaults Options) Options {
	opts := defaults
	if o.ActivateFirst != nil {
		opts.ActivateFirst = *o.ActivateFirst
	}
	if o.AutoAdvance != nil {
		opts.AutoAdvance = *o.AutoAdvance
	}
	if o.PollDuration != nil {
		opts.PollDuration = *o.PollDuration
	}
	if o.BreakBetweenPolls != nil {
		opts.BreakBetweenPolls = *o.BreakBetweenPolls
	}
	return opts
}

// EnqueueRequest is the body for POST /sessions/:code/queue.
type EnqueueRequest struct {
	PollIDs []int64 `json:"poll_ids" binding:"required,min=1"`
	Overrides
}

// Handler handles queue HTTP endpoints.
type Handler struct {
	manager  *Manager
	sessions sessions.Lookup
	defaults Options
}

// NewHandler creates a queue handler.
func NewHandler(manager *Manager, lookup sessions.Lookup, defaults Options) *Handler {
	return &Handler{manager: manager, sessions: lookup, defaults: defaults}
}

// Enqueue handles POST /sessions/:code/queue (teacher).
func (h *Handler) Enqueue(c *gin.Context) {
	s := sessions.LoadOwned(c, h.sessions)
	if s == nil {
		return
	}
	var req EnqueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	summary, err := h.manager.Enqueue(c.Request.Context(), s.ID, req.PollIDs, req.Apply(h.defaults))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, summary)
}

// List handles GET /sessions/:code/queue (teacher).
func (h *Handler) List(c *gin.Context) {
	s := sessions.LoadOwned(c, h.sessions)
	if s == nil {
		return
	}
	entries, err := h.manager.Entries(c.Request.Context(), s.ID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, entries)
}
