// Package backfill enqueues historical ranges through the same queue and
// workers as live ingestion, so history and the live head share one code
// path and one set of idempotence guarantees.
package backfill

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/vietddude/chainsink/internal/core/domain"
	"github.com/vietddude/chainsink/internal/infra/queue"
	"github.com/vietddude/chainsink/internal/infra/storage"
)

// Result reports how much work a backfill call enqueued.
type Result struct {
	BlocksQueued uint64
	LogsQueued   uint64
}

// Backfiller fans a block range out into queued jobs. It does not wait for
// completion; progress shows up in the block status distribution.
type Backfiller struct {
	queue     queue.Queue
	blocks    storage.BlockRepository
	batchSize uint64
	logChunk  uint64
	log       *slog.Logger
}

// New builds a backfiller. batchSize is how many heights one batch covers
// before its log jobs are flushed; logChunk bounds each log job's range.
func New(q queue.Queue, blocks storage.BlockRepository, batchSize, logChunk uint64, log *slog.Logger) *Backfiller {
	if batchSize == 0 {
		batchSize = 100
	}
	if logChunk == 0 {
		logChunk = 50
	}
	return &Backfiller{
		queue:     q,
		blocks:    blocks,
		batchSize: batchSize,
		logChunk:  logChunk,
		log:       log,
	}
}

// EnqueueRange queues one block job per height in [from, to] and log jobs
// covering the same range, working through the range in batchSize slices so
// log jobs start flowing before the last block job is queued. Re-running a
// range is safe: every downstream write is an upsert.
func (b *Backfiller) EnqueueRange(ctx context.Context, from, to uint64) (Result, error) {
	if from > to {
		return Result{}, fmt.Errorf("invalid backfill range %d-%d", from, to)
	}

	var res Result
	for start := from; ; {
		end := start + b.batchSize - 1
		if end > to || end < start {
			end = to
		}

		for n := start; n <= end; n++ {
			payload, err := domain.EncodeBlockJob(domain.BlockJob{BlockNumber: n})
			if err != nil {
				return res, fmt.Errorf("encode block job %d: %w", n, err)
			}
			if err := b.queue.Push(ctx, queue.TopicBlocks, payload); err != nil {
				return res, fmt.Errorf("enqueue block job %d: %w", n, err)
			}
			res.BlocksQueued++
		}

		for ls := start; ls <= end; {
			le := ls + b.logChunk - 1
			if le > end {
				le = end
			}
			payload, err := domain.EncodeLogJob(domain.LogJob{FromBlock: ls, ToBlock: le})
			if err != nil {
				return res, fmt.Errorf("encode log job %d-%d: %w", ls, le, err)
			}
			if err := b.queue.Push(ctx, queue.TopicLogs, payload); err != nil {
				return res, fmt.Errorf("enqueue log job %d-%d: %w", ls, le, err)
			}
			res.LogsQueued++
			ls = le + 1
		}

		b.log.Debug("backfill batch enqueued", "from", start, "to", end)
		if end == to {
			break
		}
		start = end + 1
	}

	b.log.Info("backfill enqueued",
		"from", from, "to", to,
		"block_jobs", res.BlocksQueued, "log_jobs", res.LogsQueued)
	return res, nil
}

// Progress reports the worker-status distribution, the completion signal a
// backfill exposes.
func (b *Backfiller) Progress(ctx context.Context) (map[domain.WorkerStatus]int64, error) {
	return b.blocks.StatusCounts(ctx)
}
