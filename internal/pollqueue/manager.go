// Package pollqueue orders a session's backlog of polls and advances it when the running poll closes.
package pollqueue

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aura-classroom/backend/internal/event"
	"github.com/aura-classroom/backend/internal/models"
	"github.com/aura-classroom/backend/pkg/apperr"
)

const (
	DefaultPollDuration = 60
	DefaultBreak        = 10

	advanceTimeout = 15 * time.Second
)

// Store persists queue options and entries.
type Store interface {
	Append(ctx context.Context, q models.PollQueue, pollIDs []int64) ([]models.PollQueueEntry, error)
	Get(ctx context.Context, sessionID int64) (*models.PollQueue, error)
	Next(ctx context.Context, sessionID int64) (*models.PollQueueEntry, error)
	MarkActivated(ctx context.Context, pollID int64) error
	MarkDone(ctx context.Context, pollID int64) (bool, error)
	List(ctx context.Context, sessionID int64) ([]models.PollQueueEntry, error)
}

// Polls reads and adjusts the polls being queued.
type Polls interface {
	GetByID(ctx context.Context, id int64) (*models.Poll, error)
	GetActive(ctx context.Context, sessionID int64) (*models.Poll, error)
	SetTimeLimit(ctx context.Context, ids []int64, seconds int) error
}

// Activator starts a poll's lifecycle.
type Activator interface {
	Activate(ctx context.Context, pollID int64) (*models.Poll, error)
}

// Timer is the handle of a scheduled advance.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f after d.
type AfterFunc func(d time.Duration, f func()) Timer

// Options are the queue-level settings of an enqueue call.
type Options struct {
	ActivateFirst     bool `json:"activate_first"`
	AutoAdvance       bool `json:"auto_advance"`
	PollDuration      int  `json:"poll_duration"`       // seconds, 0 keeps each poll's own limit
	BreakBetweenPolls int  `json:"break_between_polls"` // seconds
}

// DefaultOptions are used for generated question batches.
func DefaultOptions() Options {
	return Options{ActivateFirst: true, AutoAdvance: true, PollDuration: DefaultPollDuration, BreakBetweenPolls: DefaultBreak}
}

// Summary describes the queue after an enqueue.
type Summary struct {
	SessionID int64                   `json:"session_id"`
	Queued    int                     `json:"queued"`
	Entries   []models.PollQueueEntry `json:"entries"`
	Activated *models.Poll            `json:"activated,omitempty"`
	Options   Options                 `json:"options"`
}

// Config configures a Manager. Logger and AfterFunc are optional.
type Config struct {
	Store     Store
	Polls     Polls
	Activator Activator
	Logger    *zap.Logger
	AfterFunc AfterFunc
}

// Manager is the poll queue of every session.
type Manager struct {
	store     Store
	polls     Polls
	activator Activator
	logger    *zap.Logger
	afterFunc AfterFunc

	mu      sync.Mutex
	pending map[int64]Timer // session -> scheduled advance
	stopped bool
}

// NewManager creates a queue manager.
func NewManager(c Config) *Manager {
	m := &Manager{
		store:     c.Store,
		polls:     c.Polls,
		activator: c.Activator,
		logger:    c.Logger,
		afterFunc: c.AfterFunc,
		pending:   make(map[int64]Timer),
	}
	if m.logger == nil {
		m.logger = zap.NewNop()
	}
	if m.afterFunc == nil {
		m.afterFunc = func(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }
	}
	return m
}

func unavailable(err error, format string, args ...any) error {
	return apperr.New(apperr.CodeUnavailable,
		apperr.WithCause(err),
		apperr.WithReason(apperr.ReasonQueueUnavailable),
		apperr.WithMessagef(format, args...))
}

// Enqueue appends never-activated polls of the session to its backlog. When nothing is active and
// ActivateFirst is set, the head of the backlog is activated right away.
// A storage failure is returned as Unavailable with reason queue_unavailable so callers can fall back.
func (m *Manager) Enqueue(ctx context.Context, sessionID int64, pollIDs []int64, opts Options) (*Summary, error) {
	if len(pollIDs) == 0 {
		return nil, apperr.InvalidArgument("no polls to queue")
	}
	if opts.PollDuration < 0 || opts.BreakBetweenPolls < 0 {
		return nil, apperr.InvalidArgument("durations must not be negative")
	}
	for _, id := range pollIDs {
		p, err := m.polls.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if p.SessionID != sessionID {
			return nil, apperr.InvalidArgument("poll %d belongs to another session", id)
		}
		if p.ActivatedAt != nil {
			return nil, apperr.ErrPollActivated
		}
	}

	if opts.PollDuration > 0 {
		if err := m.polls.SetTimeLimit(ctx, pollIDs, opts.PollDuration); err != nil {
			return nil, unavailable(err, "apply poll duration")
		}
	}
	entries, err := m.store.Append(ctx, models.PollQueue{
		SessionID:    sessionID,
		AutoAdvance:  opts.AutoAdvance,
		PollDuration: opts.PollDuration,
		BreakSeconds: opts.BreakBetweenPolls,
	}, pollIDs)
	if err != nil {
		return nil, unavailable(err, "queue polls")
	}

	summary := &Summary{SessionID: sessionID, Queued: len(entries), Entries: entries, Options: opts}
	if opts.ActivateFirst {
		active, err := m.polls.GetActive(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		if active == nil {
			summary.Activated, err = m.activateNext(ctx, sessionID)
			if err != nil {
				return nil, err
			}
		}
	}

	m.logger.Info("polls queued",
		zap.Int64("session_id", sessionID),
		zap.Int("queued", summary.Queued),
		zap.Bool("auto_advance", opts.AutoAdvance))
	return summary, nil
}

// Entries lists a session's backlog in order.
func (m *Manager) Entries(ctx context.Context, sessionID int64) ([]models.PollQueueEntry, error) {
	entries, err := m.store.List(ctx, sessionID)
	if err != nil {
		return nil, unavailable(err, "list queue")
	}
	return entries, nil
}

// activateNext activates the first queued entry that can still run, marking consumed ones done.
// It returns nil when the backlog is empty.
func (m *Manager) activateNext(ctx context.Context, sessionID int64) (*models.Poll, error) {
	for {
		entry, err := m.store.Next(ctx, sessionID)
		if err != nil {
			return nil, unavailable(err, "next queued poll")
		}
		if entry == nil {
			return nil, nil
		}

		p, err := m.activator.Activate(ctx, entry.PollID)
		if err != nil && (stderrors.Is(err, apperr.ErrPollClosed) || apperr.CodeOf(err) == apperr.CodeNotFound) {
			if _, err := m.store.MarkDone(ctx, entry.PollID); err != nil {
				return nil, unavailable(err, "skip consumed entry")
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		if err := m.store.MarkActivated(ctx, p.ID); err != nil {
			m.logger.Warn("mark queue entry activated", zap.Int64("poll_id", p.ID), zap.Error(err))
		}
		return p, nil
	}
}

// HandlePollClosed completes the closed poll's entry and, if the queue auto-advances, schedules
// the next poll after the configured break. A preempted poll does not advance the queue since
// another poll has just taken over.
func (m *Manager) HandlePollClosed(ctx context.Context, e event.Event) error {
	closed, ok := e.(event.PollClosed)
	if !ok {
		return fmt.Errorf("unexpected event %s", e.Name())
	}
	queued, err := m.store.MarkDone(ctx, closed.PollID)
	if err != nil {
		return unavailable(err, "complete queue entry")
	}
	if !queued || closed.Reason == models.ReasonPreempted {
		return nil
	}

	q, err := m.store.Get(ctx, closed.SessionID)
	if err != nil {
		return unavailable(err, "queue options")
	}
	if q == nil || !q.AutoAdvance {
		return nil
	}
	m.schedule(closed.SessionID, time.Duration(q.BreakSeconds)*time.Second)
	return nil
}

func (m *Manager) schedule(sessionID int64, after time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}
	if t, ok := m.pending[sessionID]; ok {
		t.Stop()
	}
	var t Timer
	t = m.afterFunc(after, func() {
		m.mu.Lock()
		if m.pending[sessionID] == t {
			delete(m.pending, sessionID)
		}
		m.mu.Unlock()
		m.advance(sessionID)
	})
	m.pending[sessionID] = t
}

// advance activates the next queued poll unless the teacher already started one during the break.
func (m *Manager) advance(sessionID int64) {
	ctx, cancel := context.WithTimeout(context.Background(), advanceTimeout)
	defer cancel()

	active, err := m.polls.GetActive(ctx, sessionID)
	if err != nil {
		m.logger.Warn("queue advance", zap.Int64("session_id", sessionID), zap.Error(err))
		return
	}
	if active != nil {
		return
	}
	p, err := m.activateNext(ctx, sessionID)
	if err != nil {
		m.logger.Warn("queue advance", zap.Int64("session_id", sessionID), zap.Error(err))
		return
	}
	if p == nil {
		m.logger.Info("queue drained", zap.Int64("session_id", sessionID))
		return
	}
	m.logger.Info("queue advanced", zap.Int64("session_id", sessionID), zap.Int64("poll_id", p.ID))
}

// Stop cancels scheduled advances.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
	for id, t := range m.pending {
		t.Stop()
		delete(m.pending, id)
	}
}
