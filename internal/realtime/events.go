package realtime

import "github.com/aura-classroom/backend/internal/models"

// Outbound event names.
const (
	EventParticipantCount = "participant-count-updated"
	EventPollActivated    = "poll-activated"
	EventPollDeactivated  = "poll-deactivated"
	EventRevealAnswers    = "reveal-answers"
	EventMCQsGenerated    = "mcqs-generated"
	EventMCQsSent         = "mcqs-sent"

	// replies to a single connection
	EventResponseAccepted = "response-accepted"
	EventResponseRejected = "response-rejected"
	EventError            = "error"
)

// Inbound event names.
const (
	EventHeartbeat    = "heartbeat"
	EventPollResponse = "poll-response"
	EventLeave        = "leave"
)

type ParticipantCountPayload struct {
	SessionCode string `json:"sessionCode"`
	Count       int    `json:"count"`
}

type PollActivatedPayload struct {
	SessionCode string       `json:"sessionCode"`
	Poll        *models.Poll `json:"poll"`
}

type PollDeactivatedPayload struct {
	SessionCode string `json:"sessionCode"`
	PollID      int64  `json:"pollId"`
}

type RevealPayload struct {
	SessionCode   string              `json:"sessionCode"`
	PollID        int64               `json:"pollId"`
	CorrectAnswer *int                `json:"correctAnswer"`
	Poll          *models.Poll        `json:"poll"`
	Reason        string              `json:"reason"`
	Results       *models.PollResults `json:"results,omitempty"`
}

type MCQsPayload struct {
	SessionCode string      `json:"sessionCode"`
	Count       int         `json:"count"`
	Payload     interface{} `json:"payload,omitempty"`
	Fallback    bool        `json:"fallback,omitempty"`
}

// ResponseMessage is the data of an inbound poll-response.
type ResponseMessage struct {
	PollID         int64 `json:"pollId"`
	SelectedOption int   `json:"selectedOption"`
	ResponseTime   int   `json:"responseTime"`
}

type RejectedPayload struct {
	PollID int64  `json:"pollId"`
	Reason string `json:"reason"`
	Error  string `json:"error"`
}
