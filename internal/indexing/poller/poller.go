// Package poller bridges node subscriptions onto the queue. Pollers do not
// process anything; they emit job descriptors and rely on the workers'
// idempotence, which makes overlap and redelivery free.
package poller

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	goretry "github.com/sethvargo/go-retry"

	"github.com/vietddude/chainsink/internal/core/config"
	"github.com/vietddude/chainsink/internal/core/domain"
	"github.com/vietddude/chainsink/internal/indexing/metrics"
	"github.com/vietddude/chainsink/internal/infra/chain"
	"github.com/vietddude/chainsink/internal/infra/queue"
	"github.com/vietddude/chainsink/internal/infra/storage"
)

// Poller subscribes to new heads and enqueues block and log jobs. Every new
// head re-pushes the previous repush_margin heights, and gaps since the last
// seen height are filled, so missed notifications cost latency, not data.
type Poller struct {
	chain  chain.Client
	queue  queue.Queue
	blocks storage.BlockRepository
	cfg    config.PollerConfig
	log    *slog.Logger

	lastHeight uint64
}

// New builds a head poller.
func New(c chain.Client, q queue.Queue, blocks storage.BlockRepository, cfg config.PollerConfig, log *slog.Logger) *Poller {
	return &Poller{
		chain:  c,
		queue:  q,
		blocks: blocks,
		cfg:    cfg,
		log:    log,
	}
}

// Run streams heads until ctx is cancelled, reconnecting with capped
// exponential backoff when the subscription drops.
func (p *Poller) Run(ctx context.Context) error {
	if err := p.seed(ctx); err != nil {
		return err
	}
	p.log.Info("head poller started", "last_height", p.lastHeight)

	b := goretry.WithJitterPercent(20,
		goretry.WithCappedDuration(30*time.Second, goretry.NewExponential(time.Second)))
	err := goretry.Do(ctx, b, func(ctx context.Context) error {
		err := p.stream(ctx)
		if ctx.Err() != nil {
			return err
		}
		p.log.Warn("head subscription dropped, reconnecting", "error", err)
		return goretry.RetryableError(err)
	})
	p.log.Info("head poller stopped")
	return err
}

// seed resumes from the highest canonical block so a restart re-derives the
// gap instead of skipping it.
func (p *Poller) seed(ctx context.Context) error {
	latest, err := p.blocks.Latest(ctx)
	if err != nil {
		return fmt.Errorf("resume height lookup: %w", err)
	}
	if latest != nil {
		p.lastHeight = latest.Number
	}
	return nil
}

func (p *Poller) stream(ctx context.Context) error {
	heads := make(chan chain.Head, 64)
	sub, err := p.chain.SubscribeNewHeads(ctx, heads)
	if err != nil {
		metrics.RPCErrors.WithLabelValues("eth_subscribe").Inc()
		return err
	}
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-sub.Err():
			return err
		case head := <-heads:
			metrics.ChainHead.Set(float64(head.Number))
			if err := p.enqueueHead(ctx, head); err != nil {
				p.log.Error("failed to enqueue head", "block", head.Number, "error", err)
			}
		}
	}
}

// enqueueHead pushes jobs for the new head, the re-push margin below it, and
// any gap since the last enqueued height.
func (p *Poller) enqueueHead(ctx context.Context, head chain.Head) error {
	from := head.Number
	if p.cfg.RepushMargin < from {
		from -= p.cfg.RepushMargin
	} else {
		from = 0
	}
	if p.lastHeight > 0 && p.lastHeight+1 < from {
		from = p.lastHeight + 1
	}
	if from > head.Number {
		// A lagging duplicate head; the margin re-push already covered it.
		return nil
	}

	for n := from; ; n++ {
		job := domain.BlockJob{BlockNumber: n}
		if n == head.Number {
			job.BlockHash = head.Hash
		}
		payload, err := domain.EncodeBlockJob(job)
		if err != nil {
			return fmt.Errorf("encode block job %d: %w", n, err)
		}
		if err := p.queue.Push(ctx, queue.TopicBlocks, payload); err != nil {
			return fmt.Errorf("enqueue block job %d: %w", n, err)
		}
		if n == head.Number {
			break
		}
	}

	if err := p.enqueueLogs(ctx, from, head.Number); err != nil {
		return err
	}

	if head.Number > p.lastHeight {
		p.lastHeight = head.Number
	}
	p.log.Debug("head enqueued", "block", head.Number, "from", from)
	return nil
}

func (p *Poller) enqueueLogs(ctx context.Context, from, to uint64) error {
	chunk := p.cfg.LogChunk
	if chunk == 0 {
		chunk = 50
	}
	for start := from; start <= to; {
		end := start + chunk - 1
		if end > to {
			end = to
		}
		payload, err := domain.EncodeLogJob(domain.LogJob{FromBlock: start, ToBlock: end})
		if err != nil {
			return fmt.Errorf("encode log job %d-%d: %w", start, end, err)
		}
		if err := p.queue.Push(ctx, queue.TopicLogs, payload); err != nil {
			return fmt.Errorf("enqueue log job %d-%d: %w", start, end, err)
		}
		if end == to {
			break
		}
		start = end + 1
	}
	return nil
}
