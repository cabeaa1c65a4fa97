package livepoll_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-classroom/backend/internal/livepoll"
	"github.com/aura-classroom/backend/internal/models"
	"github.com/aura-classroom/backend/internal/realtime"
	"github.com/aura-classroom/backend/pkg/apperr"
)

func submit(t *testing.T, f *fixture, pollID, person int64, option int) error {
	t.Helper()
	_, err := f.engine.Submit(context.Background(), livepoll.SubmitRequest{
		PollID:         pollID,
		PersonID:       person,
		SelectedOption: option,
		ResponseTime:   1200,
	})
	return err
}

func TestActivate(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	f.online(10, 11)
	p := f.poll(30)

	got, err := f.engine.Activate(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, got.IsActive)
	assert.Equal(t, p.ID, f.engine.ActivePollID(sessionID))
	assert.Equal(t, 30*time.Second, f.clock.last(t).d)
	assert.Equal(t, []string{realtime.EventPollActivated}, f.fanout.events())
	payload, ok := f.fanout.sent[0].payload.(realtime.PollActivatedPayload)
	require.True(t, ok)
	assert.Equal(t, sessionCode, payload.SessionCode)
	assert.Nil(t, payload.Poll.CorrectAnswer, "answer must stay hidden until the reveal")

	// activating the running poll again changes nothing
	_, err = f.engine.Activate(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, f.clock.count())
	assert.Equal(t, 1, f.fanout.count(realtime.EventPollActivated))
}

func TestActivate_Preempts(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	f.online(10)
	first, second := f.poll(60), f.poll(60)

	_, err := f.engine.Activate(ctx, first.ID)
	require.NoError(t, err)
	firstTimer := f.clock.last(t)

	_, err = f.engine.Activate(ctx, second.ID)
	require.NoError(t, err)

	assert.True(t, firstTimer.stopped.Load())
	assert.Equal(t, 1, f.store.activeCount(sessionID))
	assert.Equal(t, second.ID, f.engine.ActivePollID(sessionID))
	assert.Equal(t, []string{
		realtime.EventPollActivated,
		realtime.EventPollDeactivated,
		realtime.EventPollActivated,
	}, f.fanout.events())
	assert.Equal(t, []string{models.ReasonPreempted}, f.events.reasons())

	// the preempted poll's countdown must not reveal anything
	firstTimer.fire()
	assert.Zero(t, f.fanout.count(realtime.EventRevealAnswers))
	assert.ErrorIs(t, submit(t, f, first.ID, 10, 1), apperr.ErrPollInactive)
}

func TestActivate_Errors(t *testing.T) {
	t.Parallel()
	tests := map[string]struct {
		setup   func(t *testing.T, f *fixture) int64
		wantErr error
	}{
		"unknown poll": {
			setup:   func(*testing.T, *fixture) int64 { return 404 },
			wantErr: apperr.NotFound("poll not found"),
		},
		"closed poll": {
			setup: func(t *testing.T, f *fixture) int64 {
				p := f.poll(60)
				_, err := f.engine.Activate(context.Background(), p.ID)
				require.NoError(t, err)
				_, err = f.engine.Close(context.Background(), p.ID)
				require.NoError(t, err)
				return p.ID
			},
			wantErr: apperr.ErrPollClosed,
		},
	}
	for name, tc := range tests {
		tc := tc
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)
			id := tc.setup(t, f)
			_, err := f.engine.Activate(context.Background(), id)
			assert.ErrorIs(t, err, tc.wantErr)
		})
	}
}

func TestActivate_StorageFailureLeavesNoCountdown(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	p := f.poll(60)
	f.store.activateErr = errDown

	_, err := f.engine.Activate(context.Background(), p.ID)
	require.Error(t, err)
	assert.Equal(t, apperr.CodeUnavailable, apperr.CodeOf(err))
	assert.Zero(t, f.clock.count())
	assert.Empty(t, f.fanout.events())
	assert.Zero(t, f.engine.ActivePollID(sessionID))
}

func TestActivate_ConcurrentLeavesOneActive(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.online(10)
	ids := make([]int64, 8)
	for i := range ids {
		ids[i] = f.poll(60).ID
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			_, err := f.engine.Activate(context.Background(), id)
			assert.NoError(t, err)
		}(id)
	}
	wg.Wait()

	assert.Equal(t, 1, f.store.activeCount(sessionID))
	active := f.engine.ActivePollID(sessionID)
	require.NotZero(t, active)
	assert.True(t, f.store.get(active).IsActive)
}

func TestReveal_FullParticipation(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.online(1, 2, 3)
	p := f.poll(60)
	_, err := f.engine.Activate(context.Background(), p.ID)
	require.NoError(t, err)

	require.NoError(t, submit(t, f, p.ID, 1, 1))
	require.NoError(t, submit(t, f, p.ID, 2, 1))
	assert.Zero(t, f.fanout.count(realtime.EventRevealAnswers))
	require.NoError(t, submit(t, f, p.ID, 3, 0))

	reveals := f.fanout.reveals(t)
	require.Len(t, reveals, 1)
	r := reveals[0]
	assert.Equal(t, p.ID, r.PollID)
	assert.Equal(t, models.ReasonAllAnswered, r.Reason)
	require.NotNil(t, r.CorrectAnswer)
	assert.Equal(t, 1, *r.CorrectAnswer)
	require.NotNil(t, r.Results)
	assert.Equal(t, 3, r.Results.TotalResponses)
	assert.Equal(t, 2, r.Results.CorrectResponses)
	assert.Equal(t, "66.7", r.Results.AccuracyRate.String())
	assert.Equal(t, []int{1, 2, 0, 0}, r.Results.OptionCounts)

	assert.True(t, f.clock.last(t).stopped.Load())
	stored := f.store.get(p.ID)
	assert.False(t, stored.IsActive)
	require.NotNil(t, stored.CloseReason)
	assert.Equal(t, models.ReasonAllAnswered, *stored.CloseReason)
	assert.Equal(t, []string{models.ReasonAllAnswered}, f.events.reasons())

	// a late countdown callback and late answers change nothing
	f.clock.last(t).fire()
	assert.Len(t, f.fanout.reveals(t), 1)
	assert.ErrorIs(t, submit(t, f, p.ID, 1, 2), apperr.ErrPollInactive)
}

func TestReveal_Timeout(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.online(1, 2)
	p := f.poll(60)
	_, err := f.engine.Activate(context.Background(), p.ID)
	require.NoError(t, err)
	require.NoError(t, submit(t, f, p.ID, 1, 2))

	f.clock.last(t).fire()

	reveals := f.fanout.reveals(t)
	require.Len(t, reveals, 1)
	assert.Equal(t, models.ReasonTimeExpired, reveals[0].Reason)
	assert.Equal(t, 1, reveals[0].Results.TotalResponses)
	assert.Zero(t, f.engine.ActivePollID(sessionID))
	assert.ErrorIs(t, submit(t, f, p.ID, 2, 1), apperr.ErrPollInactive)
}

func TestReveal_NoParticipantsWaitsForTimeout(t *testing.T) {
	t.Parallel()
	f := newFixture(t, withRealTimers())
	p := f.poll(1)
	_, err := f.engine.Activate(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Zero(t, f.fanout.count(realtime.EventRevealAnswers))

	require.Eventually(t, func() bool {
		return f.fanout.count(realtime.EventRevealAnswers) == 1
	}, 3*time.Second, 20*time.Millisecond)

	reveals := f.fanout.reveals(t)
	assert.Equal(t, models.ReasonTimeExpired, reveals[0].Reason)
	assert.Zero(t, reveals[0].Results.TotalResponses)
}

func TestReveal_ExactlyOnceUnderRace(t *testing.T) {
	t.Parallel()
	for i := 0; i < 50; i++ {
		f := newFixture(t)
		f.online(1, 2, 3, 4)
		p := f.poll(60)
		_, err := f.engine.Activate(context.Background(), p.ID)
		require.NoError(t, err)
		timer := f.clock.last(t)

		var wg sync.WaitGroup
		for person := int64(1); person <= 4; person++ {
			wg.Add(1)
			go func(person int64) {
				defer wg.Done()
				_ = submit(t, f, p.ID, person, int(person%4))
			}(person)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			timer.fire()
		}()
		wg.Wait()

		assert.Len(t, f.fanout.reveals(t), 1, "iteration %d", i)
		assert.Len(t, f.events.reasons(), 1, "iteration %d", i)
	}
}

func TestReveal_DepartureCompletesParticipation(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.online(1, 2)
	p := f.poll(60)
	_, err := f.engine.Activate(context.Background(), p.ID)
	require.NoError(t, err)
	require.NoError(t, submit(t, f, p.ID, 1, 1))

	f.dir.setOnline(2, false)
	f.engine.ParticipantLeft(context.Background(), sessionID, sessionCode)

	reveals := f.fanout.reveals(t)
	require.Len(t, reveals, 1)
	assert.Equal(t, models.ReasonAllAnswered, reveals[0].Reason)
}

func TestReveal_LateJoinerNotAwaited(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.online(1)
	p := f.poll(60)
	_, err := f.engine.Activate(context.Background(), p.ID)
	require.NoError(t, err)

	f.online(2)
	require.NoError(t, submit(t, f, p.ID, 1, 1))

	require.Len(t, f.fanout.reveals(t), 1)
	// the late joiner could still answer before the reveal, but not after
	assert.ErrorIs(t, submit(t, f, p.ID, 2, 1), apperr.ErrPollInactive)
}

func TestReveal_Guard(t *testing.T) {
	t.Parallel()
	tests := map[string]struct {
		guard       livepoll.RevealGuard
		wantReveals int
	}{
		"acquired":          {guard: staticGuard{ok: true}, wantReveals: 1},
		"claimed elsewhere": {guard: staticGuard{ok: false}, wantReveals: 0},
		"guard unavailable": {guard: staticGuard{err: errDown}, wantReveals: 1},
	}
	for name, tc := range tests {
		tc := tc
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, withGuard(tc.guard))
			f.online(1)
			p := f.poll(60)
			_, err := f.engine.Activate(context.Background(), p.ID)
			require.NoError(t, err)

			f.clock.last(t).fire()

			assert.Len(t, f.fanout.reveals(t), tc.wantReveals)
			assert.Zero(t, f.engine.ActivePollID(sessionID))
		})
	}
}

func TestClose(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	f.online(1)
	p := f.poll(60)
	_, err := f.engine.Activate(ctx, p.ID)
	require.NoError(t, err)
	timer := f.clock.last(t)

	closed, err := f.engine.Close(ctx, p.ID)
	require.NoError(t, err)
	assert.False(t, closed.IsActive)
	assert.True(t, timer.stopped.Load())
	assert.Equal(t, 1, f.fanout.count(realtime.EventPollDeactivated))

	_, err = f.engine.Close(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, f.fanout.count(realtime.EventPollDeactivated))
	assert.Equal(t, []string{models.ReasonClosed}, f.events.reasons())

	timer.fire()
	assert.Zero(t, f.fanout.count(realtime.EventRevealAnswers))
}

func TestClose_NeverActivated(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	p := f.poll(60)

	_, err := f.engine.Close(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Empty(t, f.fanout.events())
}

func TestSubmit_Errors(t *testing.T) {
	t.Parallel()
	tests := map[string]struct {
		activate bool
		person   int64
		option   int
		wantErr  error
	}{
		"inactive poll": {
			person:  1,
			option:  1,
			wantErr: apperr.ErrPollInactive,
		},
		"not a member": {
			activate: true,
			person:   99,
			option:   1,
			wantErr:  apperr.ErrNotAMember,
		},
		"option out of range": {
			activate: true,
			person:   1,
			option:   4,
			wantErr:  apperr.InvalidArgument("bad option"),
		},
	}
	for name, tc := range tests {
		tc := tc
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)
			f.online(1, 2)
			p := f.poll(60)
			if tc.activate {
				_, err := f.engine.Activate(context.Background(), p.ID)
				require.NoError(t, err)
			}
			err := submit(t, f, p.ID, tc.person, tc.option)
			assert.ErrorIs(t, err, tc.wantErr)
			assert.Zero(t, f.store.responseCount(p.ID))
		})
	}
}

func TestSubmit_Duplicate(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.online(1, 2)
	p := f.poll(60)
	_, err := f.engine.Activate(context.Background(), p.ID)
	require.NoError(t, err)

	resp, err := f.engine.Submit(context.Background(), livepoll.SubmitRequest{PollID: p.ID, PersonID: 1, SelectedOption: 1, ResponseTime: 900})
	require.NoError(t, err)
	require.NotNil(t, resp.IsCorrect)
	assert.True(t, *resp.IsCorrect)
	assert.Contains(t, mustJSON(t, resp), `"selected_option":1`)

	assert.ErrorIs(t, submit(t, f, p.ID, 1, 2), apperr.ErrDuplicate)
	assert.Equal(t, 1, f.store.responseCount(p.ID))
}

func TestSubmit_ConcurrentDuplicates(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.online(1, 2)
	p := f.poll(60)
	_, err := f.engine.Activate(context.Background(), p.ID)
	require.NoError(t, err)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if submit(t, f, p.ID, 1, i%4) == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, accepted)
	assert.Equal(t, 1, f.store.responseCount(p.ID))
	assert.Zero(t, f.fanout.count(realtime.EventRevealAnswers))
}

func TestResume(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	f.online(1)

	stale := f.store.running(f.poll(10).ID, time.Now().Add(-time.Minute), 1)
	f.engine.Resume(ctx, []*models.Poll{stale})
	assert.Equal(t, time.Duration(0), f.clock.last(t).d)
	f.clock.last(t).fire()
	reveals := f.fanout.reveals(t)
	require.Len(t, reveals, 1)
	assert.Equal(t, models.ReasonTimeExpired, reveals[0].Reason)

	fresh := f.store.running(f.poll(120).ID, time.Now().Add(-20*time.Second), 1)
	f.engine.Resume(ctx, []*models.Poll{fresh})
	d := f.clock.last(t).d
	assert.InDelta(t, float64(100*time.Second), float64(d), float64(2*time.Second))
	assert.Equal(t, fresh.ID, f.engine.ActivePollID(sessionID))
}

func TestResume_CountsAnswersFromBeforeRestart(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	f.online(1, 2, 3)

	// 3 joined after activation and is not awaited
	p := f.store.running(f.poll(60).ID, time.Now().Add(-10*time.Second), 1, 2)
	f.store.answer(p.ID, 1, 1)

	f.engine.Resume(ctx, []*models.Poll{p})
	assert.Zero(t, f.fanout.count(realtime.EventRevealAnswers))
	require.NoError(t, submit(t, f, p.ID, 2, 0))

	reveals := f.fanout.reveals(t)
	require.Len(t, reveals, 1)
	assert.Equal(t, models.ReasonAllAnswered, reveals[0].Reason)
	assert.Equal(t, 2, reveals[0].Results.TotalResponses)
	assert.True(t, f.clock.last(t).stopped.Load())
}

func TestActivate_StoresRoster(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.online(1, 2)
	f.dir.setOnline(3, false)
	p := f.poll(60)

	_, err := f.engine.Activate(context.Background(), p.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{1, 2}, f.store.roster(p.ID))
}

func TestReveal_AcrossInstances(t *testing.T) {
	t.Parallel()
	tests := map[string]struct {
		guard bool
	}{
		"shared guard": {guard: true},
		"no guard":     {guard: false},
	}
	for name, tc := range tests {
		tc := tc
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			var opts []option
			if tc.guard {
				opts = append(opts, withGuard(&memGuard{}))
			}
			a := newFixture(t, opts...)
			b := a.peer(t, opts...)
			a.online(1, 2)
			p := a.poll(60)
			_, err := a.engine.Activate(context.Background(), p.ID)
			require.NoError(t, err)

			require.NoError(t, submit(t, a, p.ID, 1, 1))
			require.NoError(t, submit(t, b, p.ID, 2, 1))

			reveals := a.fanout.reveals(t)
			require.Len(t, reveals, 1)
			assert.Equal(t, models.ReasonAllAnswered, reveals[0].Reason)
			assert.Equal(t, 2, reveals[0].Results.TotalResponses)
			assert.False(t, a.store.get(p.ID).IsActive)

			// the owning instance's countdown finds the poll closed and stays silent
			a.clock.last(t).fire()
			assert.Len(t, a.fanout.reveals(t), 1)
			assert.Equal(t, []string{models.ReasonAllAnswered}, a.events.reasons())
			assert.Zero(t, a.engine.ActivePollID(sessionID))
		})
	}
}

func TestSubmit_RejectedAfterCloseElsewhere(t *testing.T) {
	t.Parallel()
	a := newFixture(t)
	b := a.peer(t)
	a.online(1, 2)
	p := a.poll(60)
	_, err := a.engine.Activate(context.Background(), p.ID)
	require.NoError(t, err)

	_, err = b.engine.Close(context.Background(), p.ID)
	require.NoError(t, err)

	// a still holds the run locally; storage refuses the late answer
	assert.ErrorIs(t, submit(t, a, p.ID, 1, 1), apperr.ErrPollInactive)
	assert.Zero(t, a.store.responseCount(p.ID))
}

func TestReveal_DepartureSeenByOtherInstance(t *testing.T) {
	t.Parallel()
	a := newFixture(t)
	b := a.peer(t)
	a.online(1, 2)
	p := a.poll(60)
	_, err := a.engine.Activate(context.Background(), p.ID)
	require.NoError(t, err)
	require.NoError(t, submit(t, a, p.ID, 1, 1))

	a.dir.setOnline(2, false)
	b.engine.ParticipantLeft(context.Background(), sessionID, sessionCode)

	reveals := a.fanout.reveals(t)
	require.Len(t, reveals, 1)
	assert.Equal(t, models.ReasonAllAnswered, reveals[0].Reason)
	assert.Zero(t, b.engine.TrackedSessions())
}

func TestEngine_ReleasesIdleSessions(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	f.online(1)
	p := f.poll(60)

	assert.ErrorIs(t, submit(t, f, p.ID, 1, 1), apperr.ErrPollInactive)
	assert.Zero(t, f.engine.TrackedSessions())

	_, err := f.engine.Activate(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, f.engine.TrackedSessions())

	require.NoError(t, submit(t, f, p.ID, 1, 1))
	require.Len(t, f.fanout.reveals(t), 1)
	assert.Zero(t, f.engine.TrackedSessions())

	f.clock.last(t).fire()
	f.engine.ParticipantLeft(ctx, sessionID, sessionCode)
	assert.Zero(t, f.engine.ActivePollID(sessionID))
	assert.Zero(t, f.engine.TrackedSessions())

	next := f.poll(60)
	_, err = f.engine.Activate(ctx, next.ID)
	require.NoError(t, err)
	_, err = f.engine.Close(ctx, next.ID)
	require.NoError(t, err)
	assert.Zero(t, f.engine.TrackedSessions())
}
