package models

import "time"

// Participant connection statuses.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// Session is a teacher-run class identified by a short join code.
type Session struct {
	ID        int64     `json:"id"`
	Code      string    `json:"code"`
	Title     string    `json:"title"`
	TeacherID int64     `json:"teacher_id"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
}

// Participant is a person's membership and presence record within one session.
// There is at most one row per (session, person).
type Participant struct {
	ID               int64      `json:"id"`
	SessionID        int64      `json:"session_id"`
	PersonID         int64      `json:"person_id"`
	ConnectionStatus string     `json:"connection_status"`
	ConnectionRef    *string    `json:"connection_ref,omitempty"`
	JoinedAt         time.Time  `json:"joined_at"`
	LeftAt           *time.Time `json:"left_at,omitempty"`
	LastActivity     time.Time  `json:"last_activity"`
	IsActive         bool       `json:"is_active"`
}

// Online reports whether the participant counts towards the session's online total.
func (p *Participant) Online() bool {
	return p.IsActive && p.ConnectionStatus == StatusOnline
}

// SweptSession identifies a session whose participants were marked offline by the inactivity sweep.
type SweptSession struct {
	SessionID   int64
	SessionCode string
	Swept       int
}
