// Package mcqs takes in questions produced by the external authoring service, lets the teacher
// review them, and sends them to students as a poll queue.
package mcqs

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/aura-classroom/backend/internal/metrics"
	"github.com/aura-classroom/backend/internal/models"
	"github.com/aura-classroom/backend/internal/pollqueue"
	"github.com/aura-classroom/backend/internal/realtime"
	"github.com/aura-classroom/backend/pkg/apperr"
)

var errAlreadySent = apperr.New(apperr.CodeFailedPrecondition, apperr.WithMessagef("mcq was already sent"))

// Input is one generated question as the authoring service delivers it.
type Input struct {
	Question      string `json:"question"`
	OptionA       string `json:"option_a"`
	OptionB       string `json:"option_b"`
	OptionC       string `json:"option_c"`
	OptionD       string `json:"option_d"`
	CorrectAnswer string `json:"correct_answer"` // A-D
	Justification string `json:"justification"`
}

// ToMCQ converts an input, reporting false when a field is missing.
func (in Input) ToMCQ(sessionID int64) (*models.GeneratedMCQ, bool) {
	opts := []string{in.OptionA, in.OptionB, in.OptionC, in.OptionD}
	for i := range opts {
		opts[i] = strings.TrimSpace(opts[i])
		if opts[i] == "" {
			return nil, false
		}
	}
	m := &models.GeneratedMCQ{
		SessionID:     sessionID,
		Question:      strings.TrimSpace(in.Question),
		Options:       opts,
		CorrectAnswer: LetterIndex(in.CorrectAnswer),
	}
	if m.Question == "" {
		return nil, false
	}
	if j := strings.TrimSpace(in.Justification); j != "" {
		m.Justification = &j
	}
	return m, true
}

// LetterIndex maps an answer letter A-D (any case) to its option index, or nil.
func LetterIndex(letter string) *int {
	l := strings.ToUpper(strings.TrimSpace(letter))
	if len(l) != 1 || l[0] < 'A' || l[0] > 'D' {
		return nil
	}
	i := int(l[0] - 'A')
	return &i
}

// Store persists generated questions.
type Store interface {
	InsertMany(ctx context.Context, list []*models.GeneratedMCQ) error
	ListUnsent(ctx context.Context, sessionID int64) ([]*models.GeneratedMCQ, error)
	GetUnsent(ctx context.Context, sessionID int64, ids []int64) ([]*models.GeneratedMCQ, error)
	GetByID(ctx context.Context, id int64) (*models.GeneratedMCQ, error)
	Update(ctx context.Context, m *models.GeneratedMCQ) error
	Delete(ctx context.Context, id int64) error
	MarkSent(ctx context.Context, pollByMCQ map[int64]int64) error
}

// PollCreator creates ordinary polls.
type PollCreator interface {
	CreateMany(ctx context.Context, polls []*models.Poll) error
}

// Queue enqueues polls.
type Queue interface {
	Enqueue(ctx context.Context, sessionID int64, pollIDs []int64, opts pollqueue.Options) (*pollqueue.Summary, error)
}

// Broadcaster fans an event out to a session.
type Broadcaster interface {
	Broadcast(sessionCode, event string, payload interface{})
}

// SendResult describes a sent batch.
type SendResult struct {
	Polls    []*models.Poll     `json:"polls"`
	Count    int                `json:"count"`
	Queue    *pollqueue.Summary `json:"queue,omitempty"`
	Fallback bool               `json:"fallback"`
}

// Service is the generated question workflow.
type Service struct {
	store  Store
	polls  PollCreator
	queue  Queue
	fanout Broadcaster
	logger *zap.Logger
}

// NewService creates the workflow.
func NewService(store Store, polls PollCreator, queue Queue, fanout Broadcaster, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, polls: polls, queue: queue, fanout: fanout, logger: logger}
}

// Intake stores a batch, skipping incomplete questions, and announces it to the session.
func (s *Service) Intake(ctx context.Context, session *models.Session, inputs []Input) ([]*models.GeneratedMCQ, error) {
	var list []*models.GeneratedMCQ
	for i, in := range inputs {
		m, ok := in.ToMCQ(session.ID)
		if !ok {
			s.logger.Warn("skipping incomplete mcq", zap.String("session", session.Code), zap.Int("index", i))
			continue
		}
		list = append(list, m)
	}
	if len(list) == 0 {
		return nil, apperr.InvalidArgument("no complete questions in batch")
	}
	if err := s.store.InsertMany(ctx, list); err != nil {
		return nil, err
	}

	ids := make([]int64, 0, len(list))
	for _, m := range list {
		ids = append(ids, m.ID)
	}
	s.fanout.Broadcast(session.Code, realtime.EventMCQsGenerated, realtime.MCQsPayload{
		SessionCode: session.Code,
		Count:       len(list),
		Payload:     ids,
	})
	s.logger.Info("mcqs received", zap.String("session", session.Code), zap.Int("count", len(list)))
	return list, nil
}

// ListUnsent lists questions still waiting for review.
func (s *Service) ListUnsent(ctx context.Context, session *models.Session) ([]*models.GeneratedMCQ, error) {
	return s.store.ListUnsent(ctx, session.ID)
}

// load returns an unsent question of the session.
func (s *Service) load(ctx context.Context, session *models.Session, id int64) (*models.GeneratedMCQ, error) {
	m, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if m.SessionID != session.ID {
		return nil, apperr.NotFound("mcq %d not found", id)
	}
	if m.Sent {
		return nil, errAlreadySent
	}
	return m, nil
}

// Update edits an unsent question.
func (s *Service) Update(ctx context.Context, session *models.Session, id int64, in Input) (*models.GeneratedMCQ, error) {
	if _, err := s.load(ctx, session, id); err != nil {
		return nil, err
	}
	m, ok := in.ToMCQ(session.ID)
	if !ok {
		return nil, apperr.InvalidArgument("question and all four options are required")
	}
	m.ID = id
	if err := s.store.Update(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// Delete discards an unsent question.
func (s *Service) Delete(ctx context.Context, session *models.Session, id int64) error {
	if _, err := s.load(ctx, session, id); err != nil {
		return err
	}
	return s.store.Delete(ctx, id)
}

// Send turns the selected questions into polls and queues them. When the queue is unavailable
// the polls stay as ordinary polls the teacher activates by hand, and the result says so.
func (s *Service) Send(ctx context.Context, session *models.Session, ids []int64, opts pollqueue.Options) (*SendResult, error) {
	if len(ids) == 0 {
		return nil, apperr.InvalidArgument("no mcqs selected")
	}
	list, err := s.store.GetUnsent(ctx, session.ID, ids)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, apperr.NotFound("no unsent mcqs among the selection")
	}

	timeLimit := opts.PollDuration
	if timeLimit <= 0 {
		timeLimit = pollqueue.DefaultPollDuration
	}
	polls := make([]*models.Poll, 0, len(list))
	for _, m := range list {
		polls = append(polls, &models.Poll{
			SessionID:     session.ID,
			Question:      m.Question,
			Options:       m.Options,
			CorrectAnswer: m.CorrectAnswer,
			Justification: m.Justification,
			TimeLimit:     timeLimit,
		})
	}
	if err := s.polls.CreateMany(ctx, polls); err != nil {
		return nil, err
	}

	pollIDs := make([]int64, 0, len(polls))
	pollByMCQ := make(map[int64]int64, len(polls))
	for i, p := range polls {
		pollIDs = append(pollIDs, p.ID)
		pollByMCQ[list[i].ID] = p.ID
	}

	// The polls exist from here on, so the questions are consumed even if queueing fails.
	if err := s.store.MarkSent(ctx, pollByMCQ); err != nil {
		return nil, err
	}

	res := &SendResult{Polls: polls, Count: len(polls)}
	res.Queue, err = s.queue.Enqueue(ctx, session.ID, pollIDs, opts)
	if err != nil {
		if apperr.CodeOf(err) != apperr.CodeUnavailable {
			s.logger.Error("queue rejected sent polls", zap.String("session", session.Code), zap.Int64s("poll_ids", pollIDs), zap.Error(err))
			return nil, err
		}
		s.logger.Warn("queue unavailable, sent as plain polls", zap.String("session", session.Code), zap.Error(err))
		metrics.QueueFallbacks.Inc()
		res.Fallback = true
	}

	redacted := make([]*models.Poll, 0, len(polls))
	for _, p := range polls {
		redacted = append(redacted, p.Redacted())
	}
	s.fanout.Broadcast(session.Code, realtime.EventMCQsSent, realtime.MCQsPayload{
		SessionCode: session.Code,
		Count:       len(polls),
		Payload:     redacted,
		Fallback:    res.Fallback,
	})
	s.logger.Info("mcqs sent",
		zap.String("session", session.Code),
		zap.Int("count", len(polls)),
		zap.Bool("fallback", res.Fallback))
	return res, nil
}
