package sessions

import (
	"context"
	"crypto/rand"
	stderrors "errors"
	"fmt"
	"math/big"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aura-classroom/backend/internal/models"
	"github.com/aura-classroom/backend/pkg/apperr"
	"github.com/aura-classroom/backend/pkg/database"
)

const (
	codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	codeLength   = 6
	codeAttempts = 5
)

const participantColumns = `id, session_id, person_id, connection_status, connection_ref, joined_at, left_at, last_activity, is_active`

// Repository handles session and participant persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a sessions repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Create inserts a session under a freshly generated join code, retrying on code collisions.
func (r *Repository) Create(ctx context.Context, s *models.Session) error {
	const query = `INSERT INTO sessions (code, title, teacher_id, is_active)
		VALUES ($1, $2, $3, TRUE)
		RETURNING id, code, is_active, created_at`
	for i := 0; i < codeAttempts; i++ {
		code, err := NewCode()
		if err != nil {
			return apperr.Internal(err)
		}
		err = r.pool.QueryRow(ctx, query, code, s.Title, s.TeacherID).Scan(&s.ID, &s.Code, &s.IsActive, &s.CreatedAt)
		if err == nil {
			return nil
		}
		if !database.IsUniqueViolation(err) {
			return apperr.Internal(fmt.Errorf("insert session: %w", err))
		}
	}
	return apperr.Unavailable(nil, "could not allocate a session code")
}

// NewCode returns a random join code without look-alike characters.
func NewCode() (string, error) {
	b := make([]byte, codeLength)
	max := big.NewInt(int64(len(codeAlphabet)))
	for i := range b {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b[i] = codeAlphabet[n.Int64()]
	}
	return string(b), nil
}

// GetByCode returns a session by join code.
func (r *Repository) GetByCode(ctx context.Context, code string) (*models.Session, error) {
	const query = `SELECT id, code, title, teacher_id, is_active, created_at FROM sessions WHERE code = $1`
	return r.getOne(ctx, query, code)
}

// GetByID returns a session by id.
func (r *Repository) GetByID(ctx context.Context, id int64) (*models.Session, error) {
	const query = `SELECT id, code, title, teacher_id, is_active, created_at FROM sessions WHERE id = $1`
	return r.getOne(ctx, query, id)
}

func (r *Repository) getOne(ctx context.Context, query string, arg any) (*models.Session, error) {
	var s models.Session
	err := r.pool.QueryRow(ctx, query, arg).Scan(&s.ID, &s.Code, &s.Title, &s.TeacherID, &s.IsActive, &s.CreatedAt)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("session %v not found", arg)
	}
	if err != nil {
		return nil, apperr.Internal(fmt.Errorf("select session: %w", err))
	}
	return &s, nil
}

// SetActive opens or ends a session.
func (r *Repository) SetActive(ctx context.Context, id int64, active bool) error {
	tag, err := r.pool.Exec(ctx, `UPDATE sessions SET is_active = $2 WHERE id = $1`, id, active)
	if err != nil {
		return apperr.Internal(fmt.Errorf("update session: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("session %d not found", id)
	}
	return nil
}

// UpsertOnline creates or revives the participant row for (session, person) as online.
// Concurrent joins converge on the unique (session_id, person_id) key.
func (r *Repository) UpsertOnline(ctx context.Context, sessionID, personID int64, connectionRef string) (*models.Participant, error) {
	const query = `INSERT INTO participants (session_id, person_id, connection_status, connection_ref, joined_at, last_activity, is_active)
		VALUES ($1, $2, 'online', NULLIF($3, ''), NOW(), NOW(), TRUE)
		ON CONFLICT (session_id, person_id) DO UPDATE SET
			connection_status = 'online',
			connection_ref = COALESCE(EXCLUDED.connection_ref, participants.connection_ref),
			joined_at = CASE WHEN participants.is_active AND participants.connection_status = 'online'
				THEN participants.joined_at ELSE NOW() END,
			left_at = NULL,
			last_activity = NOW(),
			is_active = TRUE
		RETURNING ` + participantColumns
	p, err := scanParticipant(r.pool.QueryRow(ctx, query, sessionID, personID, connectionRef))
	if err != nil {
		return nil, apperr.Internal(fmt.Errorf("upsert participant: %w", err))
	}
	return p, nil
}

// MarkOffline records that the person's last connection closed. The membership stays active.
func (r *Repository) MarkOffline(ctx context.Context, sessionID, personID int64) error {
	const query = `UPDATE participants SET connection_status = 'offline', connection_ref = NULL, left_at = NOW()
		WHERE session_id = $1 AND person_id = $2 AND connection_status = 'online'`
	if _, err := r.pool.Exec(ctx, query, sessionID, personID); err != nil {
		return apperr.Internal(fmt.Errorf("mark offline: %w", err))
	}
	return nil
}

// Leave soft-deletes the participant after an explicit leave.
func (r *Repository) Leave(ctx context.Context, sessionID, personID int64) error {
	const query = `UPDATE participants SET connection_status = 'offline', connection_ref = NULL, left_at = NOW(), is_active = FALSE
		WHERE session_id = $1 AND person_id = $2`
	tag, err := r.pool.Exec(ctx, query, sessionID, personID)
	if err != nil {
		return apperr.Internal(fmt.Errorf("leave: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return apperr.ErrNotAMember
	}
	return nil
}

// Touch refreshes last_activity and revives a swept membership. The status only becomes
// online when connected is true. It reports whether the participant's online state changed.
func (r *Repository) Touch(ctx context.Context, sessionID, personID int64, connected bool) (bool, error) {
	const query = `WITH prev AS (
			SELECT id, connection_status, is_active FROM participants
			WHERE session_id = $1 AND person_id = $2
			FOR UPDATE
		)
		UPDATE participants p SET
			last_activity = NOW(),
			is_active = TRUE,
			connection_status = CASE WHEN $3 THEN 'online' ELSE p.connection_status END,
			left_at = CASE WHEN $3 THEN NULL ELSE p.left_at END
		FROM prev WHERE p.id = prev.id
		RETURNING (prev.is_active AND prev.connection_status = 'online') <> (p.is_active AND p.connection_status = 'online')`
	var changed bool
	err := r.pool.QueryRow(ctx, query, sessionID, personID, connected).Scan(&changed)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return false, apperr.ErrNotAMember
	}
	if err != nil {
		return false, apperr.Internal(fmt.Errorf("touch participant: %w", err))
	}
	return changed, nil
}

// CountOnline counts active participants whose status is online.
func (r *Repository) CountOnline(ctx context.Context, sessionID int64) (int, error) {
	const query = `SELECT COUNT(*) FROM participants WHERE session_id = $1 AND is_active AND connection_status = 'online'`
	var n int
	if err := r.pool.QueryRow(ctx, query, sessionID).Scan(&n); err != nil {
		return 0, apperr.Internal(fmt.Errorf("count online: %w", err))
	}
	return n, nil
}

// OnlinePersonIDs lists the people currently online in a session.
func (r *Repository) OnlinePersonIDs(ctx context.Context, sessionID int64) ([]int64, error) {
	const query = `SELECT person_id FROM participants WHERE session_id = $1 AND is_active AND connection_status = 'online'`
	rows, err := r.pool.Query(ctx, query, sessionID)
	if err != nil {
		return nil, apperr.Internal(fmt.Errorf("select online: %w", err))
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, apperr.Internal(fmt.Errorf("collect online: %w", err))
	}
	return ids, nil
}

// IsMember reports whether the person has ever joined the session.
func (r *Repository) IsMember(ctx context.Context, sessionID, personID int64) (bool, error) {
	const query = `SELECT EXISTS (SELECT 1 FROM participants WHERE session_id = $1 AND person_id = $2)`
	var ok bool
	if err := r.pool.QueryRow(ctx, query, sessionID, personID).Scan(&ok); err != nil {
		return false, apperr.Internal(fmt.Errorf("select member: %w", err))
	}
	return ok, nil
}

// ListParticipants returns every participant of a session, online first.
func (r *Repository) ListParticipants(ctx context.Context, sessionID int64) ([]models.Participant, error) {
	query := `SELECT ` + participantColumns + ` FROM participants WHERE session_id = $1
		ORDER BY (is_active AND connection_status = 'online') DESC, joined_at`
	rows, err := r.pool.Query(ctx, query, sessionID)
	if err != nil {
		return nil, apperr.Internal(fmt.Errorf("select participants: %w", err))
	}
	defer rows.Close()
	var out []models.Participant
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, apperr.Internal(fmt.Errorf("scan participant: %w", err))
		}
		out = append(out, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Internal(err)
	}
	return out, nil
}

// SweepInactive marks every online participant idle since before cutoff as offline and inactive,
// in one statement, and returns the affected sessions.
func (r *Repository) SweepInactive(ctx context.Context, cutoff time.Time) ([]models.SweptSession, error) {
	const query = `WITH swept AS (
			UPDATE participants SET connection_status = 'offline', connection_ref = NULL, left_at = NOW(), is_active = FALSE
			WHERE connection_status = 'online' AND last_activity < $1
			RETURNING session_id
		)
		SELECT s.id, s.code, COUNT(*) FROM swept JOIN sessions s ON s.id = swept.session_id
		GROUP BY s.id, s.code`
	rows, err := r.pool.Query(ctx, query, cutoff)
	if err != nil {
		return nil, apperr.Internal(fmt.Errorf("sweep participants: %w", err))
	}
	defer rows.Close()
	var out []models.SweptSession
	for rows.Next() {
		var s models.SweptSession
		if err := rows.Scan(&s.SessionID, &s.SessionCode, &s.Swept); err != nil {
			return nil, apperr.Internal(err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Internal(err)
	}
	return out, nil
}

func scanParticipant(row pgx.Row) (*models.Participant, error) {
	var p models.Participant
	err := row.Scan(&p.ID, &p.SessionID, &p.PersonID, &p.ConnectionStatus, &p.ConnectionRef,
		&p.JoinedAt, &p.LeftAt, &p.LastActivity, &p.IsActive)
	if err != nil {
		return nil, err
	}
	return &p, nil
}
