package pollqueue

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aura-classroom/backend/internal/models"
	"github.com/aura-classroom/backend/pkg/database"
)

const entryColumns = `id, session_id, poll_id, position, status, created_at, activated_at, done_at`

// Repository persists queue options and entries.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a queue repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Append stores the queue options and appends one entry per poll after the current tail.
// Polls that already have an entry keep their original position.
func (r *Repository) Append(ctx context.Context, q models.PollQueue, pollIDs []int64) ([]models.PollQueueEntry, error) {
	var entries []models.PollQueueEntry
	err := database.InTx(ctx, r.pool, func(tx pgx.Tx) error {
		// the upsert locks the queue row, serializing concurrent appends to one session
		_, err := tx.Exec(ctx, `INSERT INTO poll_queues (session_id, auto_advance, poll_duration, break_seconds)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (session_id) DO UPDATE
			SET auto_advance = EXCLUDED.auto_advance, poll_duration = EXCLUDED.poll_duration,
				break_seconds = EXCLUDED.break_seconds, updated_at = NOW()`,
			q.SessionID, q.AutoAdvance, q.PollDuration, q.BreakSeconds)
		if err != nil {
			return fmt.Errorf("upsert queue: %w", err)
		}

		var tail int
		err = tx.QueryRow(ctx, `SELECT COALESCE(MAX(position), 0) FROM poll_queue_entries WHERE session_id = $1`, q.SessionID).Scan(&tail)
		if err != nil {
			return fmt.Errorf("queue tail: %w", err)
		}

		query := `INSERT INTO poll_queue_entries (session_id, poll_id, position)
			VALUES ($1, $2, $3)
			ON CONFLICT (poll_id) DO NOTHING
			RETURNING ` + entryColumns
		for _, id := range pollIDs {
			e, err := scanEntry(tx.QueryRow(ctx, query, q.SessionID, id, tail+1))
			if stderrors.Is(err, pgx.ErrNoRows) {
				continue
			}
			if err != nil {
				return fmt.Errorf("insert entry: %w", err)
			}
			tail++
			entries = append(entries, *e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// Get returns the queue options of a session, or nil if it never queued anything.
func (r *Repository) Get(ctx context.Context, sessionID int64) (*models.PollQueue, error) {
	var q models.PollQueue
	err := r.pool.QueryRow(ctx, `SELECT session_id, auto_advance, poll_duration, break_seconds
		FROM poll_queues WHERE session_id = $1`, sessionID).
		Scan(&q.SessionID, &q.AutoAdvance, &q.PollDuration, &q.BreakSeconds)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select queue: %w", err)
	}
	return &q, nil
}

// Next returns the first queued entry whose poll was never activated, or nil when the backlog is empty.
func (r *Repository) Next(ctx context.Context, sessionID int64) (*models.PollQueueEntry, error) {
	query := `SELECT e.id, e.session_id, e.poll_id, e.position, e.status, e.created_at, e.activated_at, e.done_at
		FROM poll_queue_entries e
		JOIN polls p ON p.id = e.poll_id
		WHERE e.session_id = $1 AND e.status = 'queued' AND p.activated_at IS NULL
		ORDER BY e.position
		LIMIT 1`
	e, err := scanEntry(r.pool.QueryRow(ctx, query, sessionID))
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select next entry: %w", err)
	}
	return e, nil
}

// MarkActivated moves the poll's entry from queued to activated.
func (r *Repository) MarkActivated(ctx context.Context, pollID int64) error {
	_, err := r.pool.Exec(ctx, `UPDATE poll_queue_entries SET status = 'activated', activated_at = NOW()
		WHERE poll_id = $1 AND status = 'queued'`, pollID)
	if err != nil {
		return fmt.Errorf("mark activated: %w", err)
	}
	return nil
}

// MarkDone completes the poll's entry. It reports false when the poll is not queued or was
// already done.
func (r *Repository) MarkDone(ctx context.Context, pollID int64) (bool, error) {
	tag, err := r.pool.Exec(ctx, `UPDATE poll_queue_entries SET status = 'done', done_at = NOW()
		WHERE poll_id = $1 AND status <> 'done'`, pollID)
	if err != nil {
		return false, fmt.Errorf("mark done: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// List returns the session's entries in queue order.
func (r *Repository) List(ctx context.Context, sessionID int64) ([]models.PollQueueEntry, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+entryColumns+` FROM poll_queue_entries
		WHERE session_id = $1 ORDER BY position`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("select entries: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.PollQueueEntry, error) {
		e, err := scanEntry(row)
		if err != nil {
			return models.PollQueueEntry{}, err
		}
		return *e, nil
	})
	if err != nil {
		return nil, fmt.Errorf("collect entries: %w", err)
	}
	return out, nil
}

func scanEntry(row pgx.Row) (*models.PollQueueEntry, error) {
	var e models.PollQueueEntry
	if err := row.Scan(&e.ID, &e.SessionID, &e.PollID, &e.Position, &e.Status, &e.CreatedAt, &e.ActivatedAt, &e.DoneAt); err != nil {
		return nil, err
	}
	return &e, nil
}
