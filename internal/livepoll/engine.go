// Package livepoll drives polls through their lifecycle: activation with a countdown, response intake,
// and a reveal that fires once, either when every expected participant answered or when time runs out.
//
// All mutations of one session's poll state happen under that session's lock, so the two reveal
// triggers, explicit closes and activations are serialized per session while sessions proceed in
// parallel.
package livepoll

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aura-classroom/backend/internal/event"
	"github.com/aura-classroom/backend/internal/models"
)

const callbackTimeout = 15 * time.Second

// Store persists polls and responses.
type Store interface {
	GetByID(ctx context.Context, id int64) (*models.Poll, error)
	GetActive(ctx context.Context, sessionID int64) (*models.Poll, error)
	// Activate makes the poll the session's only active one and stores its roster.
	// It returns the activated poll and the ids of the polls it preempted.
	Activate(ctx context.Context, sessionID, pollID int64, roster []int64) (*models.Poll, []int64, error)
	Deactivate(ctx context.Context, pollID int64, reason string) (bool, error)
	// InsertResponse fails with apperr.ErrPollInactive once the poll is no longer active.
	InsertResponse(ctx context.Context, resp *models.PollResponse) error
	Roster(ctx context.Context, pollID int64) ([]int64, error)
	ResponderIDs(ctx context.Context, pollID int64) ([]int64, error)
	Results(ctx context.Context, pollID int64) (*models.PollResults, error)
}

// Directory answers session and membership questions.
type Directory interface {
	GetByID(ctx context.Context, id int64) (*models.Session, error)
	OnlinePersonIDs(ctx context.Context, sessionID int64) ([]int64, error)
	IsMember(ctx context.Context, sessionID, personID int64) (bool, error)
}

// Broadcaster fans an event out to every connection of a session.
type Broadcaster interface {
	Broadcast(sessionCode, event string, payload interface{})
}

// Publisher receives lifecycle events.
type Publisher interface {
	Publish(ctx context.Context, e event.Event)
}

// RevealGuard is an optional cross-instance claim on a poll's reveal.
type RevealGuard interface {
	Acquire(ctx context.Context, pollID int64) (bool, error)
}

// Timer is the handle of a scheduled countdown.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f after d.
type AfterFunc func(d time.Duration, f func()) Timer

func realAfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Config configures an Engine. Guard, Events, Logger, AfterFunc and Now are optional.
type Config struct {
	Store       Store
	Directory   Directory
	Broadcaster Broadcaster
	Events      Publisher
	Guard       RevealGuard
	Logger      *zap.Logger
	AfterFunc   AfterFunc
	Now         func() time.Time
}

// Engine is the poll state machine, response ledger and reveal trigger of every session.
type Engine struct {
	store     Store
	dir       Directory
	fanout    Broadcaster
	events    Publisher
	guard     RevealGuard
	logger    *zap.Logger
	afterFunc AfterFunc
	now       func() time.Time

	mu       sync.Mutex
	sessions map[int64]*sessionState
}

// NewEngine creates an engine.
func NewEngine(c Config) *Engine {
	e := &Engine{
		store:     c.Store,
		dir:       c.Directory,
		fanout:    c.Broadcaster,
		events:    c.Events,
		guard:     c.Guard,
		logger:    c.Logger,
		afterFunc: c.AfterFunc,
		now:       c.Now,
		sessions:  make(map[int64]*sessionState),
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	if e.afterFunc == nil {
		e.afterFunc = realAfterFunc
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

// sessionState is the serialized poll state of one session. At most one run is live.
// A state without a run is dropped when its lock is released.
type sessionState struct {
	mu   sync.Mutex
	id   int64
	code string
	run  *activeRun
	gone bool // dropped from the engine; lockers must fetch a fresh state
}

// activeRun is one activation of a poll.
type activeRun struct {
	poll   *models.Poll
	roster map[int64]struct{} // online at activation
	timer  Timer
	done   bool // set once by whichever of reveal, close or preemption ends the run
}

func (r *activeRun) live(pollID int64) bool {
	return r != nil && !r.done && r.poll.ID == pollID
}

// finish ends the run and cancels its countdown. It reports false if the run had already ended.
func (r *activeRun) finish() bool {
	if r.done {
		return false
	}
	r.done = true
	if r.timer != nil {
		r.timer.Stop()
	}
	return true
}

func (e *Engine) state(sessionID int64) *sessionState {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.sessions[sessionID]
	if !ok {
		st = &sessionState{id: sessionID}
		e.sessions[sessionID] = st
	}
	return st
}

func (e *Engine) lookup(sessionID int64) *sessionState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessions[sessionID]
}

// lock returns the session's state locked, resolving its code on first use.
// Release it with unlock.
func (e *Engine) lock(ctx context.Context, sessionID int64) (*sessionState, error) {
	for {
		st := e.state(sessionID)
		st.mu.Lock()
		if st.gone {
			st.mu.Unlock()
			continue
		}
		if st.code == "" {
			s, err := e.dir.GetByID(ctx, sessionID)
			if err != nil {
				e.unlock(st)
				return nil, err
			}
			st.code = s.Code
		}
		return st, nil
	}
}

// unlock releases the session's lock and drops the state once no run is left in it.
// Lock order is st.mu then e.mu.
func (e *Engine) unlock(st *sessionState) {
	if st.run == nil && !st.gone {
		st.gone = true
		e.mu.Lock()
		if e.sessions[st.id] == st {
			delete(e.sessions, st.id)
		}
		e.mu.Unlock()
	}
	st.mu.Unlock()
}

// ActivePollID returns the poll this instance is running for the session, or 0.
func (e *Engine) ActivePollID(sessionID int64) int64 {
	st := e.lookup(sessionID)
	if st == nil {
		return 0
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.gone || st.run == nil || st.run.done {
		return 0
	}
	return st.run.poll.ID
}


// Stop cancels every pending countdown. Polls stay active in storage and can be resumed.
func (e *Engine) Stop() {
	e.mu.Lock()
	states := make([]*sessionState, 0, len(e.sessions))
	for _, st := range e.sessions {
		states = append(states, st)
	}
	e.mu.Unlock()

	for _, st := range states {
		st.mu.Lock()
		if st.run != nil && st.run.timer != nil {
			st.run.timer.Stop()
		}
		st.mu.Unlock()
	}
}

func (e *Engine) publish(ctx context.Context, ev event.Event) {
	if e.events != nil {
		e.events.Publish(ctx, ev)
	}
}
