package models

import "time"

// Queue entry statuses.
const (
	EntryQueued    = "queued"
	EntryActivated = "activated"
	EntryDone      = "done"
)

// PollQueue holds the queue-level options of a session's backlog.
type PollQueue struct {
	SessionID    int64 `json:"session_id"`
	AutoAdvance  bool  `json:"auto_advance"`
	PollDuration int   `json:"poll_duration"` // seconds, 0 keeps each poll's own limit
	BreakSeconds int   `json:"break_between_polls"`
}

// PollQueueEntry orders one poll awaiting activation.
type PollQueueEntry struct {
	ID          int64      `json:"id"`
	SessionID   int64      `json:"session_id"`
	PollID      int64      `json:"poll_id"`
	Position    int        `json:"position"`
	Status      string     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	ActivatedAt *time.Time `json:"activated_at,omitempty"`
	DoneAt      *time.Time `json:"done_at,omitempty"`
}
