package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// PollState is the lifecycle position of a poll.
type PollState string

const (
	PollQueued   PollState = "queued"
	PollActive   PollState = "active"
	PollRevealed PollState = "revealed"
	PollClosed   PollState = "closed"
)

// Close reasons. The first two are reveals.
const (
	ReasonAllAnswered = "all-answered"
	ReasonTimeExpired = "time-expired"
	ReasonClosed      = "closed"
	ReasonPreempted   = "preempted"
)

// Poll is one timed multiple-choice question belonging to a session.
type Poll struct {
	ID            int64      `json:"id"`
	SessionID     int64      `json:"session_id"`
	Question      string     `json:"question"`
	Options       []string   `json:"options"`
	CorrectAnswer *int       `json:"correct_answer,omitempty"`
	Justification *string    `json:"justification,omitempty"`
	TimeLimit     int        `json:"time_limit"` // seconds
	IsActive      bool       `json:"is_active"`
	ActivatedAt   *time.Time `json:"activated_at,omitempty"`
	ClosedAt      *time.Time `json:"closed_at,omitempty"`
	CloseReason   *string    `json:"close_reason,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// State derives the lifecycle state from the persisted flags.
func (p *Poll) State() PollState {
	switch {
	case p.IsActive:
		return PollActive
	case p.ActivatedAt == nil:
		return PollQueued
	case p.CloseReason != nil && (*p.CloseReason == ReasonAllAnswered || *p.CloseReason == ReasonTimeExpired):
		return PollRevealed
	default:
		return PollClosed
	}
}

// ValidOption reports whether i indexes one of the poll's options.
func (p *Poll) ValidOption(i int) bool {
	return i >= 0 && i < len(p.Options)
}

// IsCorrect grades an answer. Nil means the poll has no correct answer configured.
func (p *Poll) IsCorrect(selected int) *bool {
	if p.CorrectAnswer == nil {
		return nil
	}
	ok := selected == *p.CorrectAnswer
	return &ok
}

// PollResponse is one participant's answer to a poll. Unique per (poll, person).
type PollResponse struct {
	ID             int64     `json:"id"`
	PollID         int64     `json:"poll_id"`
	PersonID       int64     `json:"person_id"`
	SelectedOption int       `json:"selected_option"`
	IsCorrect      *bool     `json:"is_correct,omitempty"`
	ResponseTime   int       `json:"response_time"` // milliseconds
	SubmittedAt    time.Time `json:"submitted_at"`
}

// PollResults aggregates the responses of a poll.
type PollResults struct {
	PollID              int64           `json:"poll_id"`
	TotalResponses      int             `json:"total_responses"`
	CorrectResponses    int             `json:"correct_responses"`
	AccuracyRate        decimal.Decimal `json:"accuracy_rate"`
	OptionCounts        []int           `json:"option_counts"`
	AverageResponseTime decimal.Decimal `json:"average_response_time"`
}

// Redacted returns a copy safe to show students while the poll is open: the answer and its
// justification are withheld until the reveal.
func (p *Poll) Redacted() *Poll {
	cp := *p
	cp.CorrectAnswer = nil
	cp.Justification = nil
	return &cp
}
