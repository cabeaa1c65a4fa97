// Package worker runs background jobs off the Redis job queue.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/aura-classroom/backend/internal/event"
	"github.com/aura-classroom/backend/internal/models"
	"github.com/aura-classroom/backend/pkg/apperr"
	"github.com/aura-classroom/backend/pkg/queue"
)

const dequeueTimeout = 5 * time.Second

// ResultsStore computes and stores poll results.
type ResultsStore interface {
	Results(ctx context.Context, pollID int64) (*models.PollResults, error)
	SaveSnapshot(ctx context.Context, res *models.PollResults) error
}

// JobQueue is the part of the Redis queue the processor uses.
type JobQueue interface {
	Dequeue(ctx context.Context, timeout time.Duration, queues ...string) (*queue.Job, string, error)
	Retry(ctx context.Context, job *queue.Job) error
}

// ResultsEnqueuer accepts result snapshot jobs.
type ResultsEnqueuer interface {
	EnqueuePollResults(ctx context.Context, payload queue.PollResultsPayload) error
}

// SnapshotOnClose returns a bus handler that queues a snapshot for every revealed poll.
// Preempted polls never had their results shown and are skipped.
func SnapshotOnClose(q ResultsEnqueuer) event.Handler {
	return func(ctx context.Context, e event.Event) error {
		closed, ok := e.(event.PollClosed)
		if !ok || closed.Reason == models.ReasonPreempted {
			return nil
		}
		return q.EnqueuePollResults(ctx, queue.PollResultsPayload{
			PollID:    closed.PollID,
			SessionID: closed.SessionID,
			Reason:    closed.Reason,
		})
	}
}

// ResultsProcessor snapshots the results of closed polls.
type ResultsProcessor struct {
	store   ResultsStore
	queue   JobQueue
	logger  *zap.Logger
	backoff time.Duration
}

// NewResultsProcessor creates a result snapshot processor. A zero backoff uses queue.RetryBackoff.
func NewResultsProcessor(store ResultsStore, q JobQueue, backoff time.Duration, logger *zap.Logger) *ResultsProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if backoff <= 0 {
		backoff = queue.RetryBackoff
	}
	return &ResultsProcessor{store: store, queue: q, logger: logger, backoff: backoff}
}

// Process executes one result snapshot job. A poll deleted since is not an error.
func (p *ResultsProcessor) Process(ctx context.Context, job *queue.Job) error {
	if job.Type != queue.JobTypePollResults {
		return fmt.Errorf("unknown job type: %s", job.Type)
	}
	var payload queue.PollResultsPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}

	res, err := p.store.Results(ctx, payload.PollID)
	if apperr.CodeOf(err) == apperr.CodeNotFound {
		p.logger.Info("poll gone, skipping snapshot", zap.Int64("poll_id", payload.PollID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("compute results: %w", err)
	}
	if err := p.store.SaveSnapshot(ctx, res); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}

	p.logger.Info("poll results saved",
		zap.Int64("poll_id", payload.PollID),
		zap.String("reason", payload.Reason),
		zap.Int("responses", res.TotalResponses))
	return nil
}

// Run starts the worker loop: dequeue, process, retry on error.
func (p *ResultsProcessor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("results worker stopping")
			return
		default:
		}

		job, _, err := p.queue.Dequeue(ctx, dequeueTimeout, queue.QueueResults)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			p.logger.Warn("dequeue error", zap.Error(err))
			p.sleep(ctx)
			continue
		}
		if job == nil {
			continue
		}

		p.logger.Debug("processing job", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
		if err := p.Process(ctx, job); err != nil {
			p.logger.Error("job failed", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt), zap.Error(err))
			if reErr := p.queue.Retry(ctx, job); reErr != nil {
				p.logger.Error("retry enqueue failed", zap.Error(reErr))
			}
			p.sleep(ctx)
		}
	}
}

func (p *ResultsProcessor) sleep(ctx context.Context) {
	t := time.NewTimer(p.backoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
