package models

import "time"

// GeneratedMCQ is a question produced by the external authoring service, waiting to be sent as a poll.
type GeneratedMCQ struct {
	ID            int64     `json:"id"`
	SessionID     int64     `json:"session_id"`
	Question      string    `json:"question"`
	Options       []string  `json:"options"`
	CorrectAnswer *int      `json:"correct_answer,omitempty"`
	Justification *string   `json:"justification,omitempty"`
	Sent          bool      `json:"sent"`
	PollID        *int64    `json:"poll_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}
