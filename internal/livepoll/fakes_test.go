package livepoll_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aura-classroom/backend/internal/event"
	"github.com/aura-classroom/backend/internal/livepoll"
	"github.com/aura-classroom/backend/internal/models"
	"github.com/aura-classroom/backend/internal/polls"
	"github.com/aura-classroom/backend/internal/realtime"
	"github.com/aura-classroom/backend/pkg/apperr"
)

const (
	sessionID   = int64(1)
	sessionCode = "MATH01"
)

type fixture struct {
	engine *livepoll.Engine
	store  *fakeStore
	dir    *fakeDirectory
	fanout *recorder
	clock  *manualClock
	events *eventLog
}

type option func(*fixture, *livepoll.Config)

func withGuard(g livepoll.RevealGuard) option {
	return func(_ *fixture, c *livepoll.Config) { c.Guard = g }
}

func withRealTimers() option {
	return func(_ *fixture, c *livepoll.Config) { c.AfterFunc = nil }
}

func newFixture(t *testing.T, opts ...option) *fixture {
	t.Helper()
	f := &fixture{
		store:  newFakeStore(),
		dir:    newFakeDirectory(),
		fanout: &recorder{},
		clock:  &manualClock{},
		events: &eventLog{},
	}
	cfg := livepoll.Config{
		Store:       f.store,
		Directory:   f.dir,
		Broadcaster: f.fanout,
		Events:      f.events,
		AfterFunc:   f.clock.AfterFunc,
	}
	for _, opt := range opts {
		opt(f, &cfg)
	}
	f.engine = livepoll.NewEngine(cfg)
	t.Cleanup(f.engine.Stop)
	return f
}

// peer returns a second instance sharing storage, the directory, the fanout and the event log,
// with its own countdowns.
func (f *fixture) peer(t *testing.T, opts ...option) *fixture {
	t.Helper()
	p := &fixture{
		store:  f.store,
		dir:    f.dir,
		fanout: f.fanout,
		clock:  &manualClock{},
		events: f.events,
	}
	cfg := livepoll.Config{
		Store:       p.store,
		Directory:   p.dir,
		Broadcaster: p.fanout,
		Events:      p.events,
		AfterFunc:   p.clock.AfterFunc,
	}
	for _, opt := range opts {
		opt(p, &cfg)
	}
	p.engine = livepoll.NewEngine(cfg)
	t.Cleanup(p.engine.Stop)
	return p
}

// poll adds a never-activated poll with four options and correct answer 1.
func (f *fixture) poll(timeLimit int) *models.Poll {
	one := 1
	return f.store.add(&models.Poll{
		SessionID:     sessionID,
		Question:      "2 + 2 = ?",
		Options:       []string{"3", "4", "5", "22"},
		CorrectAnswer: &one,
		TimeLimit:     timeLimit,
	})
}

// online joins people to the session and marks them online.
func (f *fixture) online(people ...int64) {
	for _, id := range people {
		f.dir.setOnline(id, true)
	}
}

type fakeStore struct {
	mu          sync.Mutex
	nextID      int64
	polls       map[int64]*models.Poll
	responses   map[int64]map[int64]models.PollResponse
	rosters     map[int64][]int64
	activateErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		polls:     make(map[int64]*models.Poll),
		responses: make(map[int64]map[int64]models.PollResponse),
		rosters:   make(map[int64][]int64),
	}
}

// running marks a poll active since at with the given roster, as a previous process left it.
func (s *fakeStore) running(pollID int64, at time.Time, roster ...int64) *models.Poll {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.polls[pollID]
	p.IsActive, p.ActivatedAt = true, &at
	s.rosters[pollID] = roster
	cp := *p
	return &cp
}

// answer stores a response directly, bypassing any engine.
func (s *fakeStore) answer(pollID, person int64, option int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses[pollID][person] = models.PollResponse{PollID: pollID, PersonID: person, SelectedOption: option, SubmittedAt: time.Now()}
}

func (s *fakeStore) roster(pollID int64) []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.rosters[pollID]...)
}

func (s *fakeStore) add(p *models.Poll) *models.Poll {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	p.ID = s.nextID
	s.polls[p.ID] = p
	s.responses[p.ID] = make(map[int64]models.PollResponse)
	cp := *p
	return &cp
}

func (s *fakeStore) get(id int64) models.Poll {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.polls[id]
}

func (s *fakeStore) activeCount(session int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, p := range s.polls {
		if p.SessionID == session && p.IsActive {
			n++
		}
	}
	return n
}

func (s *fakeStore) responseCount(pollID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.responses[pollID])
}

func (s *fakeStore) GetByID(_ context.Context, id int64) (*models.Poll, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.polls[id]
	if !ok {
		return nil, apperr.NotFound("poll %d not found", id)
	}
	cp := *p
	return &cp, nil
}

func (s *fakeStore) GetActive(_ context.Context, session int64) (*models.Poll, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.polls {
		if p.SessionID == session && p.IsActive {
			cp := *p
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *fakeStore) Activate(_ context.Context, session, pollID int64, roster []int64) (*models.Poll, []int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activateErr != nil {
		return nil, nil, apperr.Unavailable(s.activateErr, "activate poll %d", pollID)
	}
	target, ok := s.polls[pollID]
	if !ok || target.SessionID != session {
		return nil, nil, apperr.NotFound("poll %d not found", pollID)
	}
	if target.ClosedAt != nil {
		return nil, nil, apperr.ErrPollClosed
	}
	var preempted []int64
	now := time.Now()
	reason := models.ReasonPreempted
	for _, p := range s.polls {
		if p.SessionID == session && p.IsActive && p.ID != pollID {
			p.IsActive = false
			p.ClosedAt = &now
			p.CloseReason = &reason
			preempted = append(preempted, p.ID)
		}
	}
	target.IsActive = true
	target.ActivatedAt = &now
	s.rosters[pollID] = append([]int64(nil), roster...)
	cp := *target
	return &cp, preempted, nil
}

func (s *fakeStore) Deactivate(_ context.Context, pollID int64, reason string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.polls[pollID]
	if !ok || !p.IsActive {
		return false, nil
	}
	now := time.Now()
	p.IsActive = false
	p.ClosedAt = &now
	p.CloseReason = &reason
	return true, nil
}

func (s *fakeStore) InsertResponse(_ context.Context, r *models.PollResponse) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.polls[r.PollID]; !ok || !p.IsActive {
		return apperr.ErrPollInactive
	}
	if _, dup := s.responses[r.PollID][r.PersonID]; dup {
		return apperr.ErrDuplicate
	}
	r.ID = int64(len(s.responses[r.PollID]) + 1)
	r.SubmittedAt = time.Now()
	s.responses[r.PollID][r.PersonID] = *r
	return nil
}

func (s *fakeStore) Roster(_ context.Context, pollID int64) ([]int64, error) {
	return s.roster(pollID), nil
}

func (s *fakeStore) ResponderIDs(_ context.Context, pollID int64) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int64, 0, len(s.responses[pollID]))
	for person := range s.responses[pollID] {
		out = append(out, person)
	}
	return out, nil
}

func (s *fakeStore) Results(_ context.Context, pollID int64) (*models.PollResults, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var list []models.PollResponse
	for _, r := range s.responses[pollID] {
		list = append(list, r)
	}
	return polls.ComputeResults(s.polls[pollID], list), nil
}

type fakeDirectory struct {
	mu      sync.Mutex
	members map[int64]bool // person -> online
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{members: make(map[int64]bool)}
}

func (d *fakeDirectory) setOnline(person int64, online bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.members[person] = online
}

func (d *fakeDirectory) GetByID(_ context.Context, id int64) (*models.Session, error) {
	if id != sessionID {
		return nil, apperr.NotFound("session %d not found", id)
	}
	return &models.Session{ID: id, Code: sessionCode, IsActive: true}, nil
}

func (d *fakeDirectory) OnlinePersonIDs(_ context.Context, _ int64) ([]int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []int64
	for id, online := range d.members {
		if online {
			out = append(out, id)
		}
	}
	return out, nil
}

func (d *fakeDirectory) IsMember(_ context.Context, _ int64, person int64) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.members[person]
	return ok, nil
}

type sent struct {
	code    string
	event   string
	payload interface{}
}

type recorder struct {
	mu   sync.Mutex
	sent []sent
}

func (r *recorder) Broadcast(code, ev string, payload interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, sent{code: code, event: ev, payload: payload})
}

func (r *recorder) events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.sent))
	for _, s := range r.sent {
		out = append(out, s.event)
	}
	return out
}

func (r *recorder) count(ev string) int {
	n := 0
	for _, e := range r.events() {
		if e == ev {
			n++
		}
	}
	return n
}

func (r *recorder) reveals(t *testing.T) []realtime.RevealPayload {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []realtime.RevealPayload
	for _, s := range r.sent {
		if s.event != realtime.EventRevealAnswers {
			continue
		}
		p, ok := s.payload.(realtime.RevealPayload)
		require.True(t, ok)
		require.Equal(t, sessionCode, s.code)
		out = append(out, p)
	}
	return out
}

// manualClock hands out timers that only fire when a test says so.
type manualClock struct {
	mu     sync.Mutex
	timers []*manualTimer
}

type manualTimer struct {
	d       time.Duration
	f       func()
	stopped atomic.Bool
}

func (t *manualTimer) Stop() bool {
	return !t.stopped.Swap(true)
}

// fire runs the callback even if the timer was stopped, like a callback that was already in flight.
func (t *manualTimer) fire() {
	t.f()
}

func (c *manualClock) AfterFunc(d time.Duration, f func()) livepoll.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &manualTimer{d: d, f: f}
	c.timers = append(c.timers, t)
	return t
}

func (c *manualClock) last(t *testing.T) *manualTimer {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	require.NotEmpty(t, c.timers)
	return c.timers[len(c.timers)-1]
}

func (c *manualClock) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

type eventLog struct {
	mu     sync.Mutex
	closed []event.PollClosed
}

func (l *eventLog) Publish(_ context.Context, e event.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if pc, ok := e.(event.PollClosed); ok {
		l.closed = append(l.closed, pc)
	}
}

func (l *eventLog) reasons() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for _, e := range l.closed {
		out = append(out, e.Reason)
	}
	return out
}

type staticGuard struct {
	ok  bool
	err error
}

func (g staticGuard) Acquire(context.Context, int64) (bool, error) {
	return g.ok, g.err
}

// memGuard lets the first instance claim each poll, like the Redis guard shared by a cluster.
type memGuard struct {
	mu      sync.Mutex
	claimed map[int64]bool
}

func (g *memGuard) Acquire(_ context.Context, pollID int64) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.claimed == nil {
		g.claimed = make(map[int64]bool)
	}
	if g.claimed[pollID] {
		return false, nil
	}
	g.claimed[pollID] = true
	return true, nil
}

var errDown = errors.New("connection refused")

func mustJSON(t *testing.T, v interface{}) string {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return string(b)
}
