package livepoll

import (
	"context"

	"go.uber.org/zap"

	"github.com/aura-classroom/backend/internal/event"
	"github.com/aura-classroom/backend/internal/metrics"
	"github.com/aura-classroom/backend/internal/models"
	"github.com/aura-classroom/backend/internal/realtime"
)

// reveal ends the live run and announces the answer. Caller holds st.mu and has checked the run is live.
func (e *Engine) reveal(ctx context.Context, st *sessionState, reason string) {
	run := st.run
	if !run.finish() {
		return
	}
	st.run = nil
	e.announce(ctx, st, run.poll, reason)
}

// announce closes the poll in storage and broadcasts the reveal. The conditional close in storage
// and the optional guard make it safe to call from every instance: only one of them announces.
func (e *Engine) announce(ctx context.Context, st *sessionState, poll *models.Poll, reason string) {
	pollID := poll.ID
	if e.guard != nil {
		ok, err := e.guard.Acquire(ctx, pollID)
		if err != nil {
			e.logger.Warn("reveal guard unavailable, revealing locally", zap.Int64("poll_id", pollID), zap.Error(err))
		} else if !ok {
			e.logger.Info("poll already revealed by another instance", zap.Int64("poll_id", pollID))
			return
		}
	}

	changed, err := e.store.Deactivate(ctx, pollID, reason)
	if err != nil {
		e.logger.Error("persist reveal", zap.Int64("poll_id", pollID), zap.String("reason", reason), zap.Error(err))
	} else if !changed {
		e.logger.Info("poll closed before its reveal", zap.Int64("poll_id", pollID), zap.String("reason", reason))
		return
	}
	results, err := e.store.Results(ctx, pollID)
	if err != nil {
		e.logger.Warn("poll results", zap.Int64("poll_id", pollID), zap.Error(err))
		results = nil
	}

	p := *poll
	now := e.now()
	p.IsActive = false
	p.ClosedAt = &now
	p.CloseReason = &reason

	e.fanout.Broadcast(st.code, realtime.EventRevealAnswers, realtime.RevealPayload{
		SessionCode:   st.code,
		PollID:        pollID,
		CorrectAnswer: p.CorrectAnswer,
		Poll:          &p,
		Reason:        reason,
		Results:       results,
	})
	metrics.Reveals.WithLabelValues(reason).Inc()
	e.publish(ctx, event.PollClosed{SessionID: st.id, SessionCode: st.code, PollID: pollID, Reason: reason})

	fields := []zap.Field{
		zap.Int64("session_id", st.id),
		zap.Int64("poll_id", pollID),
		zap.String("reason", reason),
	}
	if results != nil {
		fields = append(fields, zap.Int("responses", results.TotalResponses))
	}
	e.logger.Info("poll revealed", fields...)
}

// allAnswered reports whether every roster member who is still online has a stored response,
// with at least one such member.
func (e *Engine) allAnswered(ctx context.Context, sessionID, pollID int64, roster map[int64]struct{}) (bool, error) {
	online, err := e.dir.OnlinePersonIDs(ctx, sessionID)
	if err != nil {
		return false, err
	}
	responders, err := e.store.ResponderIDs(ctx, pollID)
	if err != nil {
		return false, err
	}
	answered := make(map[int64]struct{}, len(responders))
	for _, id := range responders {
		answered[id] = struct{}{}
	}
	expected := 0
	for _, id := range online {
		if _, ok := roster[id]; !ok {
			continue
		}
		if _, ok := answered[id]; !ok {
			return false, nil
		}
		expected++
	}
	return expected > 0, nil
}

// checkAllAnswered reveals the live run once full participation is reached. Caller holds st.mu.
func (e *Engine) checkAllAnswered(ctx context.Context, st *sessionState) {
	run := st.run
	if run == nil || run.done {
		return
	}
	done, err := e.allAnswered(ctx, st.id, run.poll.ID, run.roster)
	if err != nil {
		e.logger.Warn("full participation check", zap.Int64("session_id", st.id), zap.Error(err))
		return
	}
	if done {
		e.reveal(ctx, st, models.ReasonAllAnswered)
	}
}

// checkElsewhere runs the full participation check for a poll whose countdown lives on another
// instance. The roster comes from storage. The owning instance's countdown later finds the poll
// closed and stays silent. Caller holds st.mu.
func (e *Engine) checkElsewhere(ctx context.Context, st *sessionState, p *models.Poll) {
	ids, err := e.store.Roster(ctx, p.ID)
	if err != nil {
		e.logger.Warn("poll roster", zap.Int64("poll_id", p.ID), zap.Error(err))
		return
	}
	roster := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		roster[id] = struct{}{}
	}
	done, err := e.allAnswered(ctx, st.id, p.ID, roster)
	if err != nil {
		e.logger.Warn("full participation check", zap.Int64("session_id", st.id), zap.Error(err))
		return
	}
	if done {
		e.announce(ctx, st, p, models.ReasonAllAnswered)
	}
}

// ParticipantLeft re-evaluates full participation after someone went offline, since the
// remaining participants may all have answered already.
func (e *Engine) ParticipantLeft(ctx context.Context, sessionID int64, _ string) {
	st, err := e.lock(ctx, sessionID)
	if err != nil {
		e.logger.Warn("participant left", zap.Int64("session_id", sessionID), zap.Error(err))
		return
	}
	defer e.unlock(st)

	if st.run != nil && !st.run.done {
		e.checkAllAnswered(ctx, st)
		return
	}
	p, err := e.store.GetActive(ctx, sessionID)
	if err != nil {
		e.logger.Warn("active poll", zap.Int64("session_id", sessionID), zap.Error(err))
		return
	}
	if p != nil {
		e.checkElsewhere(ctx, st, p)
	}
}
