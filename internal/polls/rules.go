package polls

import (
	"github.com/aura-classroom/backend/internal/models"
	"github.com/aura-classroom/backend/pkg/apperr"
)

// CheckEditable allows edits only while the poll is still queued, i.e. never activated.
func CheckEditable(p *models.Poll) error {
	if p.State() != models.PollQueued {
		return apperr.ErrPollActivated
	}
	return nil
}

// CheckDeletable allows deletion of a queued poll that nobody answered.
func CheckDeletable(p *models.Poll, responses int) error {
	if err := CheckEditable(p); err != nil {
		return err
	}
	if responses > 0 {
		return apperr.ErrPollHasResponses
	}
	return nil
}
