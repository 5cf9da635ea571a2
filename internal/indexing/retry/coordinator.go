// Package retry owns the failed-job ledger: recording failures, escalating
// them through backoff, and re-enqueueing the ones that come due.
package retry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/vietddude/chainsink/internal/core/config"
	"github.com/vietddude/chainsink/internal/core/domain"
	"github.com/vietddude/chainsink/internal/indexing/metrics"
	"github.com/vietddude/chainsink/internal/infra/queue"
	"github.com/vietddude/chainsink/internal/infra/storage"
)

// Coordinator is the only writer of the failed-job ledger. Workers report
// outcomes through Record and Resolve; the sweep loop re-enqueues entries
// whose backoff has elapsed.
type Coordinator struct {
	repo     storage.FailedJobRepository
	queue    queue.Queue
	backoff  Backoff
	maxTries int
	sweep    time.Duration
	workerID string
	log      *slog.Logger
}

// NewCoordinator builds a coordinator over the ledger and the queue.
func NewCoordinator(repo storage.FailedJobRepository, q queue.Queue, cfg config.RetryConfig, workerID string, log *slog.Logger) *Coordinator {
	return &Coordinator{
		repo:     repo,
		queue:    q,
		backoff:  Backoff{Base: cfg.BackoffBase, Max: cfg.BackoffMax},
		maxTries: cfg.MaxAttempts,
		sweep:    cfg.SweepInterval,
		workerID: workerID,
		log:      log,
	}
}

// Record registers a job failure. Below the ceiling the entry moves to
// retrying with a jittered next_retry_at; at the ceiling it becomes terminal
// (status error, next_retry_at null) and is never re-enqueued automatically.
func (c *Coordinator) Record(ctx context.Context, jobID string, jobType domain.JobType, payload []byte, cause error) error {
	now := time.Now().UTC()

	fj, err := c.repo.Get(ctx, jobID)
	if err != nil {
		return fmt.Errorf("failed-job lookup %s: %w", jobID, err)
	}
	if fj == nil {
		fj = &domain.FailedJob{
			JobID:    jobID,
			JobType:  jobType,
			FailedAt: now,
		}
	}

	fj.Payload = payload
	fj.Error = cause.Error()
	fj.RetryCount++
	fj.WorkerID = c.workerID

	metrics.JobsFailed.WithLabelValues(string(jobType)).Inc()

	if fj.RetryCount >= c.maxTries {
		fj.Status = domain.StatusError
		fj.NextRetryAt = nil
		metrics.JobsExhausted.WithLabelValues(string(jobType)).Inc()
		c.log.Error("job exhausted retries",
			"job_id", jobID, "retry_count", fj.RetryCount, "error", cause)
	} else {
		next := now.Add(c.backoff.Delay(fj.RetryCount))
		fj.Status = domain.StatusRetrying
		fj.NextRetryAt = &next
		c.log.Warn("job failed, scheduled for retry",
			"job_id", jobID, "retry_count", fj.RetryCount,
			"next_retry_at", next, "error", cause)
	}

	if err := c.repo.Upsert(ctx, fj); err != nil {
		return fmt.Errorf("failed-job record %s: %w", jobID, err)
	}
	return nil
}

// RecordTerminal parks a job in the terminal error state immediately,
// bypassing the backoff ladder. For failures no amount of retrying can fix;
// the entry surfaces through the status endpoint until an operator steps in.
func (c *Coordinator) RecordTerminal(ctx context.Context, jobID string, jobType domain.JobType, payload []byte, cause error) error {
	now := time.Now().UTC()

	fj, err := c.repo.Get(ctx, jobID)
	if err != nil {
		return fmt.Errorf("failed-job lookup %s: %w", jobID, err)
	}
	if fj == nil {
		fj = &domain.FailedJob{
			JobID:    jobID,
			JobType:  jobType,
			FailedAt: now,
		}
	}

	fj.Payload = payload
	fj.Error = cause.Error()
	fj.RetryCount++
	fj.WorkerID = c.workerID
	fj.Status = domain.StatusError
	fj.NextRetryAt = nil

	metrics.JobsFailed.WithLabelValues(string(jobType)).Inc()
	metrics.JobsExhausted.WithLabelValues(string(jobType)).Inc()
	c.log.Error("job parked, operator attention required",
		"job_id", jobID, "retry_count", fj.RetryCount, "error", cause)

	if err := c.repo.Upsert(ctx, fj); err != nil {
		return fmt.Errorf("failed-job record %s: %w", jobID, err)
	}
	return nil
}

// Resolve removes the ledger entry after a successful run. A job that never
// failed has no entry; that is not an error.
func (c *Coordinator) Resolve(ctx context.Context, jobID string) error {
	if err := c.repo.Delete(ctx, jobID); err != nil {
		return fmt.Errorf("failed-job resolve %s: %w", jobID, err)
	}
	return nil
}

// Run sweeps the ledger on an interval until ctx is cancelled, re-enqueueing
// every due entry. Safe to run alongside workers: ledger rows are only
// created and escalated by Record, and Pop redelivery is already idempotent.
func (c *Coordinator) Run(ctx context.Context) error {
	c.log.Info("retry sweep started", "interval", c.sweep)
	ticker := time.NewTicker(c.sweep)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.log.Info("retry sweep stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := c.sweepDue(ctx); err != nil {
				c.log.Error("retry sweep failed", "error", err)
			}
		}
	}
}

const sweepBatch = 100

func (c *Coordinator) sweepDue(ctx context.Context) error {
	now := time.Now().UTC()
	due, err := c.repo.Due(ctx, now, sweepBatch)
	if err != nil {
		return fmt.Errorf("failed-job due query: %w", err)
	}

	for _, fj := range due {
		topic := topicFor(fj.JobType)
		if err := c.queue.Push(ctx, topic, fj.Payload); err != nil {
			// The entry stays due and the next sweep retries the push.
			c.log.Error("failed to re-enqueue job", "job_id", fj.JobID, "error", err)
			continue
		}

		last := now
		fj.Status = domain.StatusProcessing
		fj.LastRetryAt = &last
		fj.NextRetryAt = nil
		if err := c.repo.Upsert(ctx, fj); err != nil {
			return fmt.Errorf("failed-job mark processing %s: %w", fj.JobID, err)
		}

		metrics.JobsRetried.WithLabelValues(string(fj.JobType)).Inc()
		c.log.Info("re-enqueued failed job",
			"job_id", fj.JobID, "retry_count", fj.RetryCount)
	}
	return nil
}

func topicFor(t domain.JobType) string {
	if t == domain.JobProcessLog {
		return queue.TopicLogs
	}
	return queue.TopicBlocks
}
