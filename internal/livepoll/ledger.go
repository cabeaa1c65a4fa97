package livepoll

import (
	"context"
	"errors"

	"github.com/aura-classroom/backend/internal/metrics"
	"github.com/aura-classroom/backend/internal/models"
	"github.com/aura-classroom/backend/pkg/apperr"
)

// SubmitRequest is one participant's answer.
type SubmitRequest struct {
	PollID         int64
	PersonID       int64
	SelectedOption int
	ResponseTime   int // milliseconds
}

// Submit records an answer while the poll is active and runs the full-participation check.
// The active check, the insert and the check run under the session lock, so no answer lands
// after a reveal here; storage rejects answers to a poll another instance already closed.
// Errors: apperr.ErrPollInactive, apperr.ErrNotAMember, apperr.ErrDuplicate.
func (e *Engine) Submit(ctx context.Context, req SubmitRequest) (*models.PollResponse, error) {
	p, err := e.store.GetByID(ctx, req.PollID)
	if err != nil {
		return nil, err
	}
	if !p.ValidOption(req.SelectedOption) {
		return nil, apperr.InvalidArgument("option %d out of range", req.SelectedOption)
	}
	if req.ResponseTime < 0 {
		req.ResponseTime = 0
	}

	st, err := e.lock(ctx, p.SessionID)
	if err != nil {
		return nil, err
	}
	defer e.unlock(st)

	local := st.run.live(p.ID)
	var remote *models.Poll
	if !local {
		// A poll activated by another instance is only known through storage; re-read it under
		// the lock so a reveal that just finished here is observed.
		if st.run == nil {
			fresh, err := e.store.GetByID(ctx, p.ID)
			if err != nil {
				return nil, err
			}
			if fresh.IsActive {
				remote = fresh
			}
		}
		if remote == nil {
			metrics.Responses.WithLabelValues(apperr.ReasonPollInactive).Inc()
			return nil, apperr.ErrPollInactive
		}
	}

	member, err := e.dir.IsMember(ctx, p.SessionID, req.PersonID)
	if err != nil {
		return nil, err
	}
	if !member {
		metrics.Responses.WithLabelValues(apperr.ReasonNotAMember).Inc()
		return nil, apperr.ErrNotAMember
	}

	resp := &models.PollResponse{
		PollID:         p.ID,
		PersonID:       req.PersonID,
		SelectedOption: req.SelectedOption,
		IsCorrect:      p.IsCorrect(req.SelectedOption),
		ResponseTime:   req.ResponseTime,
	}
	if err := e.store.InsertResponse(ctx, resp); err != nil {
		switch {
		case errors.Is(err, apperr.ErrDuplicate):
			metrics.Responses.WithLabelValues(apperr.ReasonDuplicate).Inc()
		case errors.Is(err, apperr.ErrPollInactive):
			metrics.Responses.WithLabelValues(apperr.ReasonPollInactive).Inc()
		}
		return nil, err
	}
	metrics.Responses.WithLabelValues("accepted").Inc()

	if local {
		e.checkAllAnswered(ctx, st)
	} else {
		e.checkElsewhere(ctx, st, remote)
	}
	return resp, nil
}
