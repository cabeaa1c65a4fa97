package livepoll

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/aura-classroom/backend/internal/event"
	"github.com/aura-classroom/backend/internal/models"
	"github.com/aura-classroom/backend/internal/realtime"
	"github.com/aura-classroom/backend/pkg/apperr"
)

// Activate makes the poll its session's only active poll and starts its countdown.
// Any poll it preempts is announced as deactivated. Activating the running poll again is a no-op.
// A failed activation leaves both storage and the session's countdown untouched.
func (e *Engine) Activate(ctx context.Context, pollID int64) (*models.Poll, error) {
	p, err := e.store.GetByID(ctx, pollID)
	if err != nil {
		return nil, err
	}
	if p.ClosedAt != nil {
		return nil, apperr.ErrPollClosed
	}

	st, err := e.lock(ctx, p.SessionID)
	if err != nil {
		return nil, err
	}
	defer e.unlock(st)

	if st.run.live(pollID) {
		return st.run.poll, nil
	}

	roster, err := e.dir.OnlinePersonIDs(ctx, p.SessionID)
	if err != nil {
		return nil, err
	}
	activated, preempted, err := e.store.Activate(ctx, p.SessionID, pollID, roster)
	if err != nil {
		return nil, err
	}

	if st.run != nil {
		st.run.finish()
		st.run = nil
	}
	for _, id := range preempted {
		e.fanout.Broadcast(st.code, realtime.EventPollDeactivated, realtime.PollDeactivatedPayload{SessionCode: st.code, PollID: id})
		e.publish(ctx, event.PollClosed{SessionID: st.id, SessionCode: st.code, PollID: id, Reason: models.ReasonPreempted})
	}

	e.start(st, activated, roster, time.Duration(activated.TimeLimit)*time.Second)
	e.fanout.Broadcast(st.code, realtime.EventPollActivated, realtime.PollActivatedPayload{SessionCode: st.code, Poll: activated.Redacted()})

	e.logger.Info("poll activated",
		zap.Int64("session_id", st.id),
		zap.Int64("poll_id", activated.ID),
		zap.Int("time_limit", activated.TimeLimit),
		zap.Int("roster", len(roster)),
		zap.Int64s("preempted", preempted))
	return activated, nil
}

// start installs a new run and schedules its countdown. Caller holds st.mu.
func (e *Engine) start(st *sessionState, p *models.Poll, roster []int64, after time.Duration) {
	run := &activeRun{
		poll:   p,
		roster: make(map[int64]struct{}, len(roster)),
	}
	for _, id := range roster {
		run.roster[id] = struct{}{}
	}
	sessionID, pollID := st.id, p.ID
	run.timer = e.afterFunc(after, func() { e.expire(sessionID, pollID) })
	st.run = run
}

// Close deactivates a poll and cancels its countdown. Closing an inactive poll is a no-op.
func (e *Engine) Close(ctx context.Context, pollID int64) (*models.Poll, error) {
	p, err := e.store.GetByID(ctx, pollID)
	if err != nil {
		return nil, err
	}

	st, err := e.lock(ctx, p.SessionID)
	if err != nil {
		return nil, err
	}
	defer e.unlock(st)

	changed, err := e.store.Deactivate(ctx, pollID, models.ReasonClosed)
	if err != nil {
		return nil, err
	}
	if st.run.live(pollID) {
		st.run.finish()
		st.run = nil
	}
	if !changed {
		return p, nil
	}

	now := e.now()
	reason := models.ReasonClosed
	p.IsActive = false
	p.ClosedAt = &now
	p.CloseReason = &reason

	e.fanout.Broadcast(st.code, realtime.EventPollDeactivated, realtime.PollDeactivatedPayload{SessionCode: st.code, PollID: pollID})
	e.publish(ctx, event.PollClosed{SessionID: st.id, SessionCode: st.code, PollID: pollID, Reason: reason})
	e.logger.Info("poll closed", zap.Int64("session_id", st.id), zap.Int64("poll_id", pollID))
	return p, nil
}

// Resume re-arms countdowns for polls left active by a previous process. A poll whose time
// already ran out is revealed immediately. The roster is the one stored at activation, so
// answers recorded before the restart still count toward full participation.
func (e *Engine) Resume(ctx context.Context, active []*models.Poll) {
	for _, p := range active {
		if p.ActivatedAt == nil {
			continue
		}
		st, err := e.lock(ctx, p.SessionID)
		if err != nil {
			e.logger.Warn("resume poll", zap.Int64("poll_id", p.ID), zap.Error(err))
			continue
		}
		if st.run.live(p.ID) {
			e.unlock(st)
			continue
		}
		roster, err := e.store.Roster(ctx, p.ID)
		if err != nil {
			e.logger.Warn("resume poll roster", zap.Int64("poll_id", p.ID), zap.Error(err))
		}
		remaining := p.ActivatedAt.Add(time.Duration(p.TimeLimit) * time.Second).Sub(e.now())
		if remaining < 0 {
			remaining = 0
		}
		e.start(st, p, roster, remaining)
		e.unlock(st)
		e.logger.Info("poll resumed", zap.Int64("poll_id", p.ID), zap.Duration("remaining", remaining))
	}
}

// expire is the countdown callback.
func (e *Engine) expire(sessionID, pollID int64) {
	ctx, cancel := context.WithTimeout(context.Background(), callbackTimeout)
	defer cancel()

	st := e.lookup(sessionID)
	if st == nil {
		return
	}
	st.mu.Lock()
	defer e.unlock(st)

	if st.gone || !st.run.live(pollID) {
		return
	}
	e.reveal(ctx, st, models.ReasonTimeExpired)
}
