package polls

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

const pollColumns = `id, session_id, question, options, correct_answer, justification, time_limit,
	is_active, activated_at, closed_at, close_reason, created_at, updated_at`

// Repository handles poll and response persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a polls repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Create inserts a new, never-activated poll.
func (r *Repository) Create(ctx context.Context, p *models.Poll) error {
	query := `INSERT INTO polls (session_id, question, options, correct_answer, justification, time_limit)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING ` + pollColumns
	got, err := scanPoll(r.pool.QueryRow(ctx, query, p.SessionID, p.Question, p.Options, p.CorrectAnswer, p.Justification, p.TimeLimit))
	if err != nil {
		return apperr.Internal(fmt.Errorf("insert poll: %w", err))
	}
	*p = *got
	return nil
}

// CreateMany inserts polls in one transaction, preserving order.
func (r *Repository) CreateMany(ctx context.Context, polls []*models.Poll) error {
	query := `INSERT INTO polls (session_id, question, options, correct_answer, justification, time_limit)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING ` + pollColumns
	return database.InTx(ctx, r.pool, func(tx pgx.Tx) error {
		for _, p := range polls {
			got, err := scanPoll(tx.QueryRow(ctx, query, p.SessionID, p.Question, p.Options, p.CorrectAnswer, p.Justification, p.TimeLimit))
			if err != nil {
				return apperr.Internal(fmt.Errorf("insert poll: %w", err))
			}
			*p = *got
		}
		return nil
	})
}

// GetByID returns a poll by ID.
func (r *Repository) GetByID(ctx context.Context, id int64) (*models.Poll, error) {
	query := `SELECT ` + pollColumns + ` FROM polls WHERE id = $1`
	p, err := scanPoll(r.pool.QueryRow(ctx, query, id))
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("poll %d not found", id)
	}
	if err != nil {
		return nil, apperr.Internal(fmt.Errorf("select poll: %w", err))
	}
	return p, nil
}

// GetActive returns the session's active poll, or nil when none is active.
func (r *Repository) GetActive(ctx context.Context, sessionID int64) (*models.Poll, error) {
	query := `SELECT ` + pollColumns + ` FROM polls WHERE session_id = $1 AND is_active`
	p, err := scanPoll(r.pool.QueryRow(ctx, query, sessionID))
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Internal(fmt.Errorf("select active poll: %w", err))
	}
	return p, nil
}

// ListActive returns every active poll, used to resume countdowns after a restart.
func (r *Repository) ListActive(ctx context.Context) ([]*models.Poll, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+pollColumns+` FROM polls WHERE is_active`)
	if err != nil {
		return nil, apperr.Internal(fmt.Errorf("select active polls: %w", err))
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*models.Poll, error) {
		return scanPoll(row)
	})
	if err != nil {
		return nil, apperr.Internal(fmt.Errorf("collect active polls: %w", err))
	}
	return out, nil
}

// ListBySession returns the session's polls in creation order.
func (r *Repository) ListBySession(ctx context.Context, sessionID int64) ([]*models.Poll, error) {
	query := `SELECT ` + pollColumns + ` FROM polls WHERE session_id = $1 ORDER BY created_at, id`
	rows, err := r.pool.Query(ctx, query, sessionID)
	if err != nil {
		return nil, apperr.Internal(fmt.Errorf("select polls: %w", err))
	}
	defer rows.Close()
	var out []*models.Poll
	for rows.Next() {
		p, err := scanPoll(rows)
		if err != nil {
			return nil, apperr.Internal(fmt.Errorf("scan poll: %w", err))
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Internal(err)
	}
	return out, nil
}

// Update rewrites a poll's content. Only never-activated polls can be edited.
func (r *Repository) Update(ctx context.Context, p *models.Poll) error {
	query := `UPDATE polls SET question = $2, options = $3, correct_answer = $4, justification = $5,
			time_limit = $6, updated_at = NOW()
		WHERE id = $1 AND activated_at IS NULL AND NOT is_active
		RETURNING ` + pollColumns
	got, err := scanPoll(r.pool.QueryRow(ctx, query, p.ID, p.Question, p.Options, p.CorrectAnswer, p.Justification, p.TimeLimit))
	if stderrors.Is(err, pgx.ErrNoRows) {
		cur, err := r.GetByID(ctx, p.ID)
		if err != nil {
			return err
		}
		if err := CheckEditable(cur); err != nil {
			return err
		}
		return apperr.ErrPollActivated
	}
	if err != nil {
		return apperr.Internal(fmt.Errorf("update poll: %w", err))
	}
	*p = *got
	return nil
}

// SetTimeLimit applies a duration to the given polls that were never activated.
func (r *Repository) SetTimeLimit(ctx context.Context, ids []int64, seconds int) error {
	const query = `UPDATE polls SET time_limit = $2, updated_at = NOW() WHERE id = ANY($1) AND activated_at IS NULL`
	if _, err := r.pool.Exec(ctx, query, ids, seconds); err != nil {
		return apperr.Internal(fmt.Errorf("set time limit: %w", err))
	}
	return nil
}

// Delete removes a poll that was never activated and has no responses.
func (r *Repository) Delete(ctx context.Context, id int64) error {
	const query = `DELETE FROM polls WHERE id = $1 AND activated_at IS NULL AND NOT is_active
		AND NOT EXISTS (SELECT 1 FROM poll_responses WHERE poll_id = $1)`
	tag, err := r.pool.Exec(ctx, query, id)
	if err != nil {
		return apperr.Internal(fmt.Errorf("delete poll: %w", err))
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	p, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}
	n, err := r.CountResponses(ctx, id)
	if err != nil {
		return err
	}
	if err := CheckDeletable(p, n); err != nil {
		return err
	}
	return apperr.ErrPollHasResponses
}

// CountResponses returns how many participants answered the poll.
func (r *Repository) CountResponses(ctx context.Context, pollID int64) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM poll_responses WHERE poll_id = $1`, pollID).Scan(&n)
	if err != nil {
		return 0, apperr.Internal(fmt.Errorf("count responses: %w", err))
	}
	return n, nil
}

// Activate makes the poll the only active poll of its session in one transaction: the session row
// is locked, every other active poll is closed as preempted, then the target is activated and its
// roster replaced. It returns the activated poll and the ids of preempted polls.
func (r *Repository) Activate(ctx context.Context, sessionID, pollID int64, roster []int64) (*models.Poll, []int64, error) {
	var (
		poll      *models.Poll
		preempted []int64
	)
	err := database.InTx(ctx, r.pool, func(tx pgx.Tx) error {
		var locked int64
		err := tx.QueryRow(ctx, `SELECT id FROM sessions WHERE id = $1 FOR UPDATE`, sessionID).Scan(&locked)
		if stderrors.Is(err, pgx.ErrNoRows) {
			return apperr.NotFound("session %d not found", sessionID)
		}
		if err != nil {
			return err
		}

		rows, err := tx.Query(ctx, `UPDATE polls SET is_active = FALSE, closed_at = NOW(), close_reason = 'preempted', updated_at = NOW()
			WHERE session_id = $1 AND is_active AND id <> $2
			RETURNING id`, sessionID, pollID)
		if err != nil {
			return err
		}
		preempted, err = pgx.CollectRows(rows, pgx.RowTo[int64])
		if err != nil {
			return err
		}

		query := `UPDATE polls SET is_active = TRUE, activated_at = NOW(), updated_at = NOW()
			WHERE id = $1 AND session_id = $2 AND closed_at IS NULL
			RETURNING ` + pollColumns
		poll, err = scanPoll(tx.QueryRow(ctx, query, pollID, sessionID))
		if stderrors.Is(err, pgx.ErrNoRows) {
			return apperr.ErrPollClosed
		}
		if err != nil {
			return err
		}

		if _, err := tx.Exec(ctx, `DELETE FROM poll_rosters WHERE poll_id = $1`, pollID); err != nil {
			return err
		}
		if len(roster) == 0 {
			return nil
		}
		_, err = tx.Exec(ctx, `INSERT INTO poll_rosters (poll_id, person_id)
			SELECT $1, unnest($2::bigint[])
			ON CONFLICT DO NOTHING`, pollID, roster)
		return err
	})
	if err != nil {
		var ae *apperr.Error
		if stderrors.As(err, &ae) {
			return nil, nil, err
		}
		return nil, nil, apperr.Unavailable(err, "activate poll %d", pollID)
	}
	return poll, preempted, nil
}

// Deactivate closes an active poll with the given reason. It reports false when the poll was
// already inactive.
func (r *Repository) Deactivate(ctx context.Context, pollID int64, reason string) (bool, error) {
	const query = `UPDATE polls SET is_active = FALSE, closed_at = NOW(), close_reason = $2, updated_at = NOW()
		WHERE id = $1 AND is_active`
	tag, err := r.pool.Exec(ctx, query, pollID, reason)
	if err != nil {
		return false, apperr.Internal(fmt.Errorf("deactivate poll: %w", err))
	}
	return tag.RowsAffected() == 1, nil
}

// InsertResponse records an answer to an active poll. The (poll_id, person_id) unique key
// rejects a second answer. The poll row is share-locked so a concurrent close waits for the insert.
func (r *Repository) InsertResponse(ctx context.Context, resp *models.PollResponse) error {
	const query = `INSERT INTO poll_responses (poll_id, person_id, selected_option, is_correct, response_time)
		SELECT $1, $2, $3, $4, $5
		WHERE EXISTS (SELECT 1 FROM polls WHERE id = $1 AND is_active FOR SHARE)
		RETURNING id, submitted_at`
	err := r.pool.QueryRow(ctx, query, resp.PollID, resp.PersonID, resp.SelectedOption, resp.IsCorrect, resp.ResponseTime).
		Scan(&resp.ID, &resp.SubmittedAt)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return apperr.ErrPollInactive
	}
	if database.IsUniqueViolation(err) {
		return apperr.ErrDuplicate
	}
	if err != nil {
		return apperr.Internal(fmt.Errorf("insert response: %w", err))
	}
	return nil
}

// Roster returns the participants who were online when the poll was activated.
func (r *Repository) Roster(ctx context.Context, pollID int64) ([]int64, error) {
	return r.personIDs(ctx, `SELECT person_id FROM poll_rosters WHERE poll_id = $1 ORDER BY person_id`, pollID)
}

// ResponderIDs returns the participants who answered the poll.
func (r *Repository) ResponderIDs(ctx context.Context, pollID int64) ([]int64, error) {
	return r.personIDs(ctx, `SELECT person_id FROM poll_responses WHERE poll_id = $1 ORDER BY person_id`, pollID)
}

func (r *Repository) personIDs(ctx context.Context, query string, pollID int64) ([]int64, error) {
	rows, err := r.pool.Query(ctx, query, pollID)
	if err != nil {
		return nil, apperr.Internal(fmt.Errorf("select person ids: %w", err))
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, apperr.Internal(fmt.Errorf("collect person ids: %w", err))
	}
	return ids, nil
}

// ListResponses returns every response of a poll in submission order.
func (r *Repository) ListResponses(ctx context.Context, pollID int64) ([]models.PollResponse, error) {
	const query = `SELECT id, poll_id, person_id, selected_option, is_correct, response_time, submitted_at
		FROM poll_responses WHERE poll_id = $1 ORDER BY submitted_at, id`
	rows, err := r.pool.Query(ctx, query, pollID)
	if err != nil {
		return nil, apperr.Internal(fmt.Errorf("select responses: %w", err))
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.PollResponse, error) {
		var resp models.PollResponse
		err := row.Scan(&resp.ID, &resp.PollID, &resp.PersonID, &resp.SelectedOption, &resp.IsCorrect, &resp.ResponseTime, &resp.SubmittedAt)
		return resp, err
	})
	if err != nil {
		return nil, apperr.Internal(fmt.Errorf("collect responses: %w", err))
	}
	return out, nil
}

// Results aggregates a poll's responses.
func (r *Repository) Results(ctx context.Context, pollID int64) (*models.PollResults, error) {
	p, err := r.GetByID(ctx, pollID)
	if err != nil {
		return nil, err
	}
	responses, err := r.ListResponses(ctx, pollID)
	if err != nil {
		return nil, err
	}
	return ComputeResults(p, responses), nil
}

func scanPoll(row pgx.Row) (*models.Poll, error) {
	var p models.Poll
	err := row.Scan(&p.ID, &p.SessionID, &p.Question, &p.Options, &p.CorrectAnswer, &p.Justification, &p.TimeLimit,
		&p.IsActive, &p.ActivatedAt, &p.ClosedAt, &p.CloseReason, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// SaveSnapshot stores the computed results of a closed poll, replacing an earlier snapshot.
func (r *Repository) SaveSnapshot(ctx context.Context, res *models.PollResults) error {
	const query = `INSERT INTO poll_result_snapshots
		(poll_id, total_responses, correct_responses, accuracy_rate, option_counts, average_response_time)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (poll_id) DO UPDATE
		SET total_responses = EXCLUDED.total_responses, correct_responses = EXCLUDED.correct_responses,
			accuracy_rate = EXCLUDED.accuracy_rate, option_counts = EXCLUDED.option_counts,
			average_response_time = EXCLUDED.average_response_time, computed_at = NOW()`
	_, err := r.pool.Exec(ctx, query, res.PollID, res.TotalResponses, res.CorrectResponses,
		res.AccuracyRate, res.OptionCounts, res.AverageResponseTime)
	if err != nil {
		return apperr.Internal(fmt.Errorf("save snapshot: %w", err))
	}
	return nil
}
