package poller

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	goretry "github.com/sethvargo/go-retry"

	"github.com/vietddude/chainsink/internal/core/domain"
	"github.com/vietddude/chainsink/internal/indexing/metrics"
	"github.com/vietddude/chainsink/internal/infra/chain"
	"github.com/vietddude/chainsink/internal/infra/queue"
)

// LogPoller subscribes to matching logs and enqueues a single-block log job
// the first time each height shows up. It shortens transfer latency below
// the chunked ranges the head poller emits; overlap between the two is
// harmless because processing is idempotent.
type LogPoller struct {
	chain  chain.Client
	queue  queue.Queue
	topics []common.Hash
	log    *slog.Logger
}

// NewLogPoller builds a log subscription bridge filtering on topics.
func NewLogPoller(c chain.Client, q queue.Queue, topics []common.Hash, log *slog.Logger) *LogPoller {
	return &LogPoller{
		chain:  c,
		queue:  q,
		topics: topics,
		log:    log,
	}
}

// Run streams logs until ctx is cancelled, reconnecting with capped
// exponential backoff when the subscription drops.
func (p *LogPoller) Run(ctx context.Context) error {
	p.log.Info("log poller started", "topics", len(p.topics))

	b := goretry.WithJitterPercent(20,
		goretry.WithCappedDuration(30*time.Second, goretry.NewExponential(time.Second)))
	err := goretry.Do(ctx, b, func(ctx context.Context) error {
		err := p.stream(ctx)
		if ctx.Err() != nil {
			return err
		}
		p.log.Warn("log subscription dropped, reconnecting", "error", err)
		return goretry.RetryableError(err)
	})
	p.log.Info("log poller stopped")
	return err
}

func (p *LogPoller) stream(ctx context.Context) error {
	logs := make(chan types.Log, 256)
	sub, err := p.chain.SubscribeLogs(ctx, chain.LogQuery{Topics: p.topics}, logs)
	if err != nil {
		metrics.RPCErrors.WithLabelValues("eth_subscribe").Inc()
		return err
	}
	defer sub.Unsubscribe()

	var lastEnqueued uint64
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-sub.Err():
			return err
		case lg := <-logs:
			// Removed notifications are reorg echoes; the reconciler already
			// re-enqueues affected heights.
			if lg.Removed || lg.BlockNumber == lastEnqueued {
				continue
			}
			if err := p.enqueueBlock(ctx, lg.BlockNumber); err != nil {
				p.log.Error("failed to enqueue log job", "block", lg.BlockNumber, "error", err)
				continue
			}
			lastEnqueued = lg.BlockNumber
		}
	}
}

func (p *LogPoller) enqueueBlock(ctx context.Context, number uint64) error {
	topics := make([]string, 0, len(p.topics))
	for _, t := range p.topics {
		topics = append(topics, t.Hex())
	}
	payload, err := domain.EncodeLogJob(domain.LogJob{
		FromBlock: number,
		ToBlock:   number,
		Topics:    topics,
	})
	if err != nil {
		return fmt.Errorf("encode log job %d: %w", number, err)
	}
	if err := p.queue.Push(ctx, queue.TopicLogs, payload); err != nil {
		return fmt.Errorf("enqueue log job %d: %w", number, err)
	}
	return nil
}
