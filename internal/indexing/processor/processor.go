// Package processor consumes log-range jobs: fetching matching logs,
// decoding them into transfer rows, enriching with token metadata and USD
// valuation, and upserting the result.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	"github.com/vietddude/chainsink/internal/core/domain"
	"github.com/vietddude/chainsink/internal/core/fault"
	"github.com/vietddude/chainsink/internal/indexing/decode"
	"github.com/vietddude/chainsink/internal/indexing/metrics"
	"github.com/vietddude/chainsink/internal/indexing/pricing"
	"github.com/vietddude/chainsink/internal/indexing/retry"
	"github.com/vietddude/chainsink/internal/indexing/token"
	"github.com/vietddude/chainsink/internal/infra/chain"
	"github.com/vietddude/chainsink/internal/infra/queue"
	"github.com/vietddude/chainsink/internal/infra/storage"
)

// Processor turns a block range into transfer rows. Upserts keyed by
// (tx_hash, log_index) make redelivered ranges converge instead of
// duplicating.
type Processor struct {
	chain     chain.Client
	blocks    storage.BlockRepository
	transfers storage.TransferRepository
	tokens    *token.Service
	registry  *decode.Registry
	oracle    pricing.Oracle
	queue     queue.Queue
	retry     *retry.Coordinator
	workerID  string
	log       *slog.Logger
}

// New builds a processor.
func New(c chain.Client, blocks storage.BlockRepository, transfers storage.TransferRepository,
	tokens *token.Service, registry *decode.Registry, oracle pricing.Oracle, q queue.Queue,
	r *retry.Coordinator, workerID string, log *slog.Logger) *Processor {
	return &Processor{
		chain:     c,
		blocks:    blocks,
		transfers: transfers,
		tokens:    tokens,
		registry:  registry,
		oracle:    oracle,
		queue:     q,
		retry:     r,
		workerID:  workerID,
		log:       log,
	}
}

// Run pops and processes log jobs until ctx is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	p.log.Info("log processor started", "worker_id", p.workerID)
	for {
		select {
		case <-ctx.Done():
			p.log.Info("log processor stopped", "worker_id", p.workerID)
			return ctx.Err()
		default:
		}

		payload, err := p.queue.Pop(ctx, queue.TopicLogs)
		if err != nil {
			if errors.Is(err, queue.ErrNoJob) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.log.Error("failed to pop log job", "error", err)
			continue
		}

		job, err := domain.DecodeLogJob(payload)
		if err != nil {
			p.log.Error("dropping malformed log job", "error", err)
			continue
		}

		p.handle(ctx, job, payload)
	}
}

func (p *Processor) handle(ctx context.Context, job domain.LogJob, payload []byte) {
	jobID := domain.LogJobID(job.FromBlock, job.ToBlock)

	err := p.Process(ctx, job)
	if err == nil {
		if rerr := p.retry.Resolve(ctx, jobID); rerr != nil {
			p.log.Error("failed to resolve retry entry", "job_id", jobID, "error", rerr)
		}
		return
	}

	if fault.Is(err, fault.Malformed) {
		p.log.Error("skipping malformed log range",
			"from", job.FromBlock, "to", job.ToBlock, "error", err)
		return
	}

	p.log.Warn("log range processing failed",
		"from", job.FromBlock, "to", job.ToBlock, "error", err)
	if rerr := p.retry.Record(ctx, jobID, domain.JobProcessLog, payload, err); rerr != nil {
		p.log.Error("failed to record log failure", "job_id", jobID, "error", rerr)
	}
}

// Process fetches, decodes, enriches, and upserts every matching log in the
// job's range, then sweeps rows left under abandoned hashes.
func (p *Processor) Process(ctx context.Context, job domain.LogJob) error {
	q := chain.LogQuery{
		FromBlock: job.FromBlock,
		ToBlock:   job.ToBlock,
		Topics:    p.topicsFor(job),
	}

	logs, err := p.chain.FilterLogs(ctx, q)
	if err != nil {
		metrics.RPCErrors.WithLabelValues("eth_getLogs").Inc()
		return err
	}

	// Hash observed per height, for the stale sweep afterwards.
	seen := make(map[uint64]string)

	for _, lg := range logs {
		if lg.Removed {
			// Removed logs arrive only on subscriptions, but a node may echo
			// them in range fetches during a reorg. Reconciliation re-enqueues
			// the height, so drop them here.
			continue
		}
		seen[lg.BlockNumber] = lg.BlockHash.Hex()

		dec, ok := p.registry.Dispatch(lg.Topics)
		if !ok {
			metrics.LogsSkipped.Inc()
			continue
		}

		txc := decode.TxContext{
			TxHash:         lg.TxHash.Hex(),
			TxIndex:        uint64(lg.TxIndex),
			BlockNumber:    lg.BlockNumber,
			BlockHash:      lg.BlockHash.Hex(),
			BlockTimestamp: lg.BlockTime,
		}
		transfers, err := dec.Decode(lg.Log, txc)
		if err != nil {
			// One bad log never fails the range.
			p.log.Error("skipping undecodable log",
				"tx", txc.TxHash, "log_index", lg.Index, "error", err)
			metrics.LogsSkipped.Inc()
			continue
		}

		for _, t := range transfers {
			t.RawLog = rawLog(lg)
			if err := p.enrich(ctx, t); err != nil {
				return err
			}
			if err := p.transfers.Upsert(ctx, t); err != nil {
				return fmt.Errorf("upsert transfer %s/%d: %w", t.TxHash, t.LogIndex, err)
			}
			metrics.TransfersWritten.WithLabelValues(string(t.TokenType)).Inc()
		}
	}

	// Sweep every height in the range, not just the ones that produced logs.
	// A reorged height whose new block carries no matching logs still has to
	// lose the rows written under the abandoned hash; its canonical row was
	// persisted before this job was enqueued. Heights not yet reconciled are
	// left alone.
	for n := job.FromBlock; n <= job.ToBlock; n++ {
		keep, ok := seen[n]
		if !ok {
			canonical, err := p.blocks.GetCanonical(ctx, n)
			if err != nil {
				return fmt.Errorf("canonical lookup %d: %w", n, err)
			}
			if canonical == nil {
				continue
			}
			keep = canonical.Hash
		}
		if err := p.transfers.DeleteStale(ctx, n, keep); err != nil {
			return fmt.Errorf("delete stale transfers at %d: %w", n, err)
		}
	}
	return nil
}

// rawLog keeps the undecoded event alongside the row for audit and re-decode.
func rawLog(lg chain.Log) map[string]any {
	topics := make([]string, 0, len(lg.Topics))
	for _, t := range lg.Topics {
		topics = append(topics, t.Hex())
	}
	return map[string]any{
		"address": lg.Address.Hex(),
		"topics":  topics,
		"data":    common.Bytes2Hex(lg.Data),
	}
}

func (p *Processor) topicsFor(job domain.LogJob) []common.Hash {
	if len(job.Topics) == 0 {
		return p.registry.Topics()
	}
	out := make([]common.Hash, 0, len(job.Topics))
	for _, t := range job.Topics {
		out = append(out, common.HexToHash(t))
	}
	return out
}

// enrich fills token metadata, the exact normalized amount, and the USD
// valuation. A missing price or unfetchable metadata leaves the columns null;
// neither fails the transfer.
func (p *Processor) enrich(ctx context.Context, t *domain.Transfer) error {
	meta, err := p.tokens.Metadata(ctx, t.TokenAddress, t.TokenType)
	if err != nil {
		return fmt.Errorf("token metadata %s: %w", t.TokenAddress, err)
	}
	t.TokenSymbol = meta.Symbol

	if t.TokenType == domain.TokenERC20 {
		t.TokenDecimals = meta.Decimals
		if meta.Decimals != nil {
			// Exact decimal scaling, never floating point.
			n := t.Amount.Shift(-int32(*meta.Decimals))
			t.NormalizedAmount = &n
		}
	}

	if t.NormalizedAmount == nil || t.TokenType != domain.TokenERC20 {
		return nil
	}

	price, ok, err := p.oracle.PriceAt(ctx, meta.Address, t.BlockTimestamp)
	if err != nil {
		return fmt.Errorf("price lookup %s: %w", t.TokenAddress, err)
	}
	if !ok {
		return nil
	}
	usd := t.NormalizedAmount.Mul(price.USD)
	ts := t.BlockTimestamp
	t.AmountUSD = &usd
	t.PriceSource = &price.Source
	t.PriceTimestamp = &ts
	return nil
}
