package polls

import (
	"context"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/aura-classroom/backend/internal/auth"
	"github.com/aura-classroom/backend/internal/livepoll"
	"github.com/aura-classroom/backend/internal/middleware"
	"github.com/aura-classroom/backend/internal/models"
	"github.com/aura-classroom/backend/internal/sessions"
	"github.com/aura-classroom/backend/pkg/apperr"
	"github.com/aura-classroom/backend/pkg/response"
)

// Poll limits.
const (
	MinOptions       = 2
	DefaultTimeLimit = 60
	MinTimeLimit     = 5
	MaxTimeLimit     = 3600
)

// CreateRequest is the body for POST /sessions/:code/polls and PUT /polls/:id.
type CreateRequest struct {
	Question      string   `json:"question" binding:"required"`
	Options       []string `json:"options" binding:"required"`
	CorrectAnswer *int     `json:"correct_answer"`
	Justification *string  `json:"justification"`
	TimeLimit     int      `json:"time_limit"`
}

// RespondRequest is the body for POST /polls/:id/respond.
type RespondRequest struct {
	SelectedOption *int `json:"selected_option" binding:"required"`
	ResponseTime   int  `json:"response_time"`
}

// Sessions resolves the session a poll belongs to.
type Sessions interface {
	sessions.Lookup
	GetByID(ctx context.Context, id int64) (*models.Session, error)
}

// Store persists polls. Update and Delete enforce CheckEditable and CheckDeletable atomically.
type Store interface {
	Create(ctx context.Context, p *models.Poll) error
	GetByID(ctx context.Context, id int64) (*models.Poll, error)
	GetActive(ctx context.Context, sessionID int64) (*models.Poll, error)
	ListBySession(ctx context.Context, sessionID int64) ([]*models.Poll, error)
	Update(ctx context.Context, p *models.Poll) error
	Delete(ctx context.Context, id int64) error
	CountResponses(ctx context.Context, pollID int64) (int, error)
	Results(ctx context.Context, pollID int64) (*models.PollResults, error)
}

// Handler handles poll HTTP endpoints.
type Handler struct {
	repo       Store
	sessions   Sessions
	engine     *livepoll.Engine
	maxOptions int
}

// NewHandler creates a polls handler.
func NewHandler(repo Store, sessions Sessions, engine *livepoll.Engine, maxOptions int) *Handler {
	if maxOptions < MinOptions {
		maxOptions = 10
	}
	return &Handler{repo: repo, sessions: sessions, engine: engine, maxOptions: maxOptions}
}

// toPoll validates a create or update request.
func (h *Handler) toPoll(req CreateRequest) (*models.Poll, error) {
	p := &models.Poll{
		Question:      strings.TrimSpace(req.Question),
		CorrectAnswer: req.CorrectAnswer,
		Justification: req.Justification,
		TimeLimit:     req.TimeLimit,
	}
	if p.Question == "" {
		return nil, apperr.InvalidArgument("question is required")
	}
	if len(req.Options) < MinOptions || len(req.Options) > h.maxOptions {
		return nil, apperr.InvalidArgument("a poll needs between %d and %d options", MinOptions, h.maxOptions)
	}
	for i, o := range req.Options {
		o = strings.TrimSpace(o)
		if o == "" {
			return nil, apperr.InvalidArgument("option %d is empty", i)
		}
		p.Options = append(p.Options, o)
	}
	if p.CorrectAnswer != nil && !p.ValidOption(*p.CorrectAnswer) {
		return nil, apperr.InvalidArgument("correct_answer %d is not an option", *p.CorrectAnswer)
	}
	if p.TimeLimit == 0 {
		p.TimeLimit = DefaultTimeLimit
	}
	if p.TimeLimit < MinTimeLimit || p.TimeLimit > MaxTimeLimit {
		return nil, apperr.InvalidArgument("time_limit must be between %d and %d seconds", MinTimeLimit, MaxTimeLimit)
	}
	return p, nil
}

// load resolves :id and its session. ownerOnly restricts the call to the session's teacher.
func (h *Handler) load(c *gin.Context, ownerOnly bool) (*models.Poll, *models.Session) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		response.BadRequest(c, "invalid poll id")
		return nil, nil
	}
	p, err := h.repo.GetByID(c.Request.Context(), id)
	if err != nil {
		response.Error(c, err)
		return nil, nil
	}
	s, err := h.sessions.GetByID(c.Request.Context(), p.SessionID)
	if err != nil {
		response.Error(c, err)
		return nil, nil
	}
	if ownerOnly && s.TeacherID != middleware.PersonID(c) {
		response.Forbidden(c, "only the session's teacher can manage its polls")
		return nil, nil
	}
	return p, s
}

// view hides the answer from students until the poll closed.
func view(c *gin.Context, p *models.Poll) *models.Poll {
	if middleware.Role(c) == auth.RoleTeacher {
		return p
	}
	switch p.State() {
	case models.PollRevealed, models.PollClosed:
		return p
	}
	return p.Redacted()
}

// Create handles POST /sessions/:code/polls (teacher).
func (h *Handler) Create(c *gin.Context) {
	s := sessions.LoadOwned(c, h.sessions)
	if s == nil {
		return
	}
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	p, err := h.toPoll(req)
	if err != nil {
		response.Error(c, err)
		return
	}
	p.SessionID = s.ID
	if err := h.repo.Create(c.Request.Context(), p); err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, p)
}

// List handles GET /sessions/:code/polls (teacher).
func (h *Handler) List(c *gin.Context) {
	s := sessions.LoadOwned(c, h.sessions)
	if s == nil {
		return
	}
	list, err := h.repo.ListBySession(c.Request.Context(), s.ID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, list)
}

// Active handles GET /sessions/:code/polls/active. Data is null when no poll is running.
func (h *Handler) Active(c *gin.Context) {
	s := sessions.Load(c, h.sessions)
	if s == nil {
		return
	}
	p, err := h.repo.GetActive(c.Request.Context(), s.ID)
	if err != nil {
		response.Error(c, err)
		return
	}
	if p == nil {
		response.OK(c, nil)
		return
	}
	response.OK(c, view(c, p))
}

// Get handles GET /polls/:id.
func (h *Handler) Get(c *gin.Context) {
	p, _ := h.load(c, false)
	if p == nil {
		return
	}
	response.OK(c, view(c, p))
}

// Update handles PUT /polls/:id (teacher). Only never-activated polls can be edited.
func (h *Handler) Update(c *gin.Context) {
	p, _ := h.load(c, true)
	if p == nil {
		return
	}
	if err := CheckEditable(p); err != nil {
		response.Error(c, err)
		return
	}
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	upd, err := h.toPoll(req)
	if err != nil {
		response.Error(c, err)
		return
	}
	upd.ID, upd.SessionID = p.ID, p.SessionID
	if err := h.repo.Update(c.Request.Context(), upd); err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, upd)
}

// Delete handles DELETE /polls/:id (teacher). Only never-activated polls without responses can go.
func (h *Handler) Delete(c *gin.Context) {
	p, _ := h.load(c, true)
	if p == nil {
		return
	}
	n, err := h.repo.CountResponses(c.Request.Context(), p.ID)
	if err != nil {
		response.Error(c, err)
		return
	}
	if err := CheckDeletable(p, n); err != nil {
		response.Error(c, err)
		return
	}
	if err := h.repo.Delete(c.Request.Context(), p.ID); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

// Activate handles POST /polls/:id/activate (teacher).
func (h *Handler) Activate(c *gin.Context) {
	p, s := h.load(c, true)
	if p == nil {
		return
	}
	if !s.IsActive {
		response.Error(c, apperr.ErrSessionInactive)
		return
	}
	activated, err := h.engine.Activate(c.Request.Context(), p.ID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, activated)
}

// Close handles POST /polls/:id/close (teacher). Closing an inactive poll succeeds.
func (h *Handler) Close(c *gin.Context) {
	p, _ := h.load(c, true)
	if p == nil {
		return
	}
	closed, err := h.engine.Close(c.Request.Context(), p.ID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, closed)
}

// Respond handles POST /polls/:id/respond (student).
func (h *Handler) Respond(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		response.BadRequest(c, "invalid poll id")
		return
	}
	var req RespondRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	resp, err := h.engine.Submit(c.Request.Context(), livepoll.SubmitRequest{
		PollID:         id,
		PersonID:       middleware.PersonID(c),
		SelectedOption: *req.SelectedOption,
		ResponseTime:   req.ResponseTime,
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	// correctness is part of the reveal, not of the acknowledgement
	resp.IsCorrect = nil
	response.Created(c, resp)
}

// Results handles GET /polls/:id/results. Students only see results of closed polls.
func (h *Handler) Results(c *gin.Context) {
	p, s := h.load(c, false)
	if p == nil {
		return
	}
	if p.ClosedAt == nil && s.TeacherID != middleware.PersonID(c) {
		response.Error(c, apperr.New(apperr.CodeFailedPrecondition, apperr.WithMessagef("results are available after the reveal")))
		return
	}
	res, err := h.repo.Results(c.Request.Context(), p.ID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, res)
}
