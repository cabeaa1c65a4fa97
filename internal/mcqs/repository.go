package mcqs

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aura-classroom/backend/internal/models"
	"github.com/aura-classroom/backend/pkg/apperr"
	"github.com/aura-classroom/backend/pkg/database"
)

const mcqColumns = `id, session_id, question, options, correct_answer, justification, sent, poll_id, created_at`

// Repository persists generated questions awaiting review.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a generated MCQ repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// InsertMany stores a batch in one transaction.
func (r *Repository) InsertMany(ctx context.Context, list []*models.GeneratedMCQ) error {
	query := `INSERT INTO generated_mcqs (session_id, question, options, correct_answer, justification)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING ` + mcqColumns
	return database.InTx(ctx, r.pool, func(tx pgx.Tx) error {
		for _, m := range list {
			got, err := scanMCQ(tx.QueryRow(ctx, query, m.SessionID, m.Question, m.Options, m.CorrectAnswer, m.Justification))
			if err != nil {
				return apperr.Internal(fmt.Errorf("insert mcq: %w", err))
			}
			*m = *got
		}
		return nil
	})
}

// ListUnsent returns the session's questions not yet sent, oldest first.
func (r *Repository) ListUnsent(ctx context.Context, sessionID int64) ([]*models.GeneratedMCQ, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+mcqColumns+` FROM generated_mcqs
		WHERE session_id = $1 AND NOT sent ORDER BY created_at, id`, sessionID)
	if err != nil {
		return nil, apperr.Internal(fmt.Errorf("select mcqs: %w", err))
	}
	return collect(rows)
}

// GetUnsent returns the requested unsent questions of a session; unknown or sent ids are skipped.
func (r *Repository) GetUnsent(ctx context.Context, sessionID int64, ids []int64) ([]*models.GeneratedMCQ, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+mcqColumns+` FROM generated_mcqs
		WHERE session_id = $1 AND id = ANY($2) AND NOT sent ORDER BY array_position($2, id)`, sessionID, ids)
	if err != nil {
		return nil, apperr.Internal(fmt.Errorf("select mcqs: %w", err))
	}
	return collect(rows)
}

// GetByID returns one question.
func (r *Repository) GetByID(ctx context.Context, id int64) (*models.GeneratedMCQ, error) {
	m, err := scanMCQ(r.pool.QueryRow(ctx, `SELECT `+mcqColumns+` FROM generated_mcqs WHERE id = $1`, id))
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("mcq %d not found", id)
	}
	if err != nil {
		return nil, apperr.Internal(fmt.Errorf("select mcq: %w", err))
	}
	return m, nil
}

// Update rewrites an unsent question.
func (r *Repository) Update(ctx context.Context, m *models.GeneratedMCQ) error {
	query := `UPDATE generated_mcqs SET question = $2, options = $3, correct_answer = $4, justification = $5
		WHERE id = $1 AND NOT sent
		RETURNING ` + mcqColumns
	got, err := scanMCQ(r.pool.QueryRow(ctx, query, m.ID, m.Question, m.Options, m.CorrectAnswer, m.Justification))
	if stderrors.Is(err, pgx.ErrNoRows) {
		return errAlreadySent
	}
	if err != nil {
		return apperr.Internal(fmt.Errorf("update mcq: %w", err))
	}
	*m = *got
	return nil
}

// Delete removes an unsent question.
func (r *Repository) Delete(ctx context.Context, id int64) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM generated_mcqs WHERE id = $1 AND NOT sent`, id)
	if err != nil {
		return apperr.Internal(fmt.Errorf("delete mcq: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return errAlreadySent
	}
	return nil
}

// MarkSent links each question to the poll created from it.
func (r *Repository) MarkSent(ctx context.Context, pollByMCQ map[int64]int64) error {
	return database.InTx(ctx, r.pool, func(tx pgx.Tx) error {
		for mcqID, pollID := range pollByMCQ {
			if _, err := tx.Exec(ctx, `UPDATE generated_mcqs SET sent = TRUE, poll_id = $2 WHERE id = $1`, mcqID, pollID); err != nil {
				return apperr.Internal(fmt.Errorf("mark mcq sent: %w", err))
			}
		}
		return nil
	})
}

func collect(rows pgx.Rows) ([]*models.GeneratedMCQ, error) {
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*models.GeneratedMCQ, error) {
		return scanMCQ(row)
	})
	if err != nil {
		return nil, apperr.Internal(fmt.Errorf("collect mcqs: %w", err))
	}
	return out, nil
}

func scanMCQ(row pgx.Row) (*models.GeneratedMCQ, error) {
	var m models.GeneratedMCQ
	err := row.Scan(&m.ID, &m.SessionID, &m.Question, &m.Options, &m.CorrectAnswer, &m.Justification, &m.Sent, &m.PollID, &m.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &m, nil
}
