// Package reconciler consumes block jobs and reconciles the store with the
// node's current view of each height: persisting new blocks, detecting
// reorgs, and cascading canonicality flips with re-enqueued work.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/vietddude/chainsink/internal/core/domain"
	"github.com/vietddude/chainsink/internal/core/fault"
	"github.com/vietddude/chainsink/internal/indexing/metrics"
	"github.com/vietddude/chainsink/internal/indexing/retry"
	"github.com/vietddude/chainsink/internal/infra/chain"
	"github.com/vietddude/chainsink/internal/infra/queue"
	"github.com/vietddude/chainsink/internal/infra/storage"
)

// Reconciler processes block numbers from the blocks topic. The job payload
// is advisory; every run re-fetches the node's current view so redelivered
// and reordered jobs converge on the same state.
type Reconciler struct {
	chain    chain.Client
	blocks   storage.BlockRepository
	txs      storage.TransactionRepository
	queue    queue.Queue
	retry    *retry.Coordinator
	maxDepth uint64
	workerID string
	log      *slog.Logger
}

// New builds a reconciler.
func New(c chain.Client, blocks storage.BlockRepository, txs storage.TransactionRepository,
	q queue.Queue, r *retry.Coordinator, maxDepth uint64, workerID string, log *slog.Logger) *Reconciler {
	return &Reconciler{
		chain:    c,
		blocks:   blocks,
		txs:      txs,
		queue:    q,
		retry:    r,
		maxDepth: maxDepth,
		workerID: workerID,
		log:      log,
	}
}

// Run pops and processes block jobs until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	r.log.Info("reconciler started", "worker_id", r.workerID)
	for {
		select {
		case <-ctx.Done():
			r.log.Info("reconciler stopped", "worker_id", r.workerID)
			return ctx.Err()
		default:
		}

		payload, err := r.queue.Pop(ctx, queue.TopicBlocks)
		if err != nil {
			if errors.Is(err, queue.ErrNoJob) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.log.Error("failed to pop block job", "error", err)
			continue
		}

		job, err := domain.DecodeBlockJob(payload)
		if err != nil {
			// Undecodable payloads cannot be retried meaningfully.
			r.log.Error("dropping malformed block job", "error", err)
			metrics.BlocksProcessed.WithLabelValues("malformed").Inc()
			continue
		}

		r.handle(ctx, job, payload)
	}
}

func (r *Reconciler) handle(ctx context.Context, job domain.BlockJob, payload []byte) {
	jobID := domain.BlockJobID(job.BlockNumber)

	err := r.Process(ctx, job)
	if err == nil {
		metrics.BlocksProcessed.WithLabelValues("success").Inc()
		if rerr := r.retry.Resolve(ctx, jobID); rerr != nil {
			r.log.Error("failed to resolve retry entry", "job_id", jobID, "error", rerr)
		}
		return
	}

	switch fault.CategoryOf(err) {
	case fault.Malformed:
		r.log.Error("skipping malformed block", "block", job.BlockNumber, "error", err)
		metrics.BlocksProcessed.WithLabelValues("malformed").Inc()
		return
	case fault.DataInconsistency:
		// Retrying cannot reconcile what the walk could not; park the job
		// terminally so it surfaces on the status endpoint instead of
		// grinding through backoff.
		r.log.Error("data inconsistency, operator attention required",
			"block", job.BlockNumber, "error", err)
		metrics.BlocksProcessed.WithLabelValues("inconsistent").Inc()
		r.markStored(ctx, job, domain.StatusError)
		if rerr := r.retry.RecordTerminal(ctx, jobID, domain.JobProcessBlock, payload, err); rerr != nil {
			r.log.Error("failed to record block failure", "job_id", jobID, "error", rerr)
		}
		return
	default:
		r.log.Warn("block processing failed", "block", job.BlockNumber, "error", err)
		metrics.BlocksProcessed.WithLabelValues("error").Inc()
	}

	r.markStored(ctx, job, domain.StatusRetrying)
	if rerr := r.retry.Record(ctx, jobID, domain.JobProcessBlock, payload, err); rerr != nil {
		r.log.Error("failed to record block failure", "job_id", jobID, "error", rerr)
	}
}

// markStored leaves a status marker at the job's height: on the advisory hash
// when the job carried one, else on the stored canonical row. Gap-fill,
// backfill, and cascade jobs never carry a hash.
func (r *Reconciler) markStored(ctx context.Context, job domain.BlockJob, status domain.WorkerStatus) {
	hash := job.BlockHash
	if hash == "" {
		stored, err := r.blocks.GetCanonical(ctx, job.BlockNumber)
		if err != nil || stored == nil {
			return
		}
		hash = stored.Hash
	}
	if err := r.blocks.SetStatus(ctx, job.BlockNumber, hash, r.workerID, status); err != nil {
		r.log.Error("failed to mark block status", "block", job.BlockNumber, "error", err)
	}
}

// Process reconciles one height against the node's current view. Idempotent:
// reprocessing a settled height rewrites the same rows.
func (r *Reconciler) Process(ctx context.Context, job domain.BlockJob) error {
	fetched, txs, err := r.chain.BlockByNumber(ctx, job.BlockNumber)
	if err != nil {
		if errors.Is(err, chain.ErrNotFound) {
			// The node has not caught up to this height (or pruned it);
			// retrying later is the only sensible reaction.
			return fault.Newf(fault.Transient, "block %d not found upstream", job.BlockNumber)
		}
		metrics.RPCErrors.WithLabelValues("eth_getBlockByNumber").Inc()
		return err
	}

	stored, err := r.blocks.GetCanonical(ctx, job.BlockNumber)
	if err != nil {
		return fmt.Errorf("canonical lookup %d: %w", job.BlockNumber, err)
	}

	if stored != nil {
		if stored.Hash != fetched.Hash {
			return r.reorg(ctx, stored, fetched, txs)
		}
		return r.persist(ctx, fetched, txs)
	}

	// Never-stored height. The parent link can still expose a reorg below it,
	// e.g. a backfilled height arriving after its parent settled on the old
	// fork. Persisting blindly would leave the parent chain broken.
	if fetched.Number > 0 {
		parent, err := r.blocks.GetCanonical(ctx, fetched.Number-1)
		if err != nil {
			return fmt.Errorf("canonical lookup %d: %w", fetched.Number-1, err)
		}
		if parent != nil && parent.Hash != fetched.ParentHash {
			return r.reorg(ctx, nil, fetched, txs)
		}
	}
	return r.persist(ctx, fetched, txs)
}

// persist writes the canonical block version and its transactions.
func (r *Reconciler) persist(ctx context.Context, b *domain.Block, txs []*domain.Transaction) error {
	b.Canonical = true
	b.WorkerStatus = domain.StatusDone
	b.WorkerID = r.workerID
	b.ProcessedAt = time.Now().UTC()

	if err := r.blocks.UpsertCanonical(ctx, b); err != nil {
		return fmt.Errorf("upsert block %d: %w", b.Number, err)
	}
	if err := r.txs.UpsertBatch(ctx, txs); err != nil {
		return fmt.Errorf("upsert txs for block %d: %w", b.Number, err)
	}
	// Rows written under an abandoned hash are only swept after the height
	// settled under the new one.
	if err := r.txs.DeleteStale(ctx, b.Number, b.Hash); err != nil {
		return fmt.Errorf("delete stale txs for block %d: %w", b.Number, err)
	}
	return nil
}

// reorg walks back to the fork ancestor and cascades the flip forward.
// stored is nil when the mismatch was found through the parent link rather
// than at this height.
func (r *Reconciler) reorg(ctx context.Context, stored, fetched *domain.Block, txs []*domain.Transaction) error {
	if stored != nil {
		r.log.Warn("reorg detected",
			"block", fetched.Number, "stored_hash", stored.Hash, "fetched_hash", fetched.Hash)
	} else {
		r.log.Warn("reorg detected below new height",
			"block", fetched.Number, "parent_hash", fetched.ParentHash)
	}
	metrics.ReorgsDetected.Inc()

	ancestor, err := r.findAncestor(ctx, fetched)
	if err != nil {
		return err
	}
	depth := fetched.Number - ancestor
	metrics.ReorgDepth.Observe(float64(depth))
	r.log.Info("reorg ancestor found",
		"block", fetched.Number, "ancestor", ancestor, "depth", depth)

	// Flip every abandoned height and queue it for reprocessing. The current
	// height is handled inline; everything between ancestor and here goes
	// back through the queue so the usual path re-derives it.
	for n := ancestor + 1; n < fetched.Number; n++ {
		old, err := r.blocks.GetCanonical(ctx, n)
		if err != nil {
			return fmt.Errorf("canonical lookup %d during cascade: %w", n, err)
		}
		if old != nil {
			if err := r.blocks.MarkNonCanonical(ctx, n, old.Hash); err != nil {
				return fmt.Errorf("mark block %d/%s non-canonical: %w", n, old.Hash, err)
			}
		}
		if err := r.enqueueReprocess(ctx, n); err != nil {
			return err
		}
	}

	if stored != nil {
		if err := r.blocks.MarkNonCanonical(ctx, stored.Number, stored.Hash); err != nil {
			return fmt.Errorf("mark block %d/%s non-canonical: %w", stored.Number, stored.Hash, err)
		}
	}
	if err := r.persist(ctx, fetched, txs); err != nil {
		return err
	}
	// Logs at this height were decoded against the abandoned hash.
	return r.enqueueLogRange(ctx, fetched.Number, fetched.Number)
}

// findAncestor walks parent links backwards until a fetched parent hash
// matches the stored canonical version, bounded by the configured depth.
func (r *Reconciler) findAncestor(ctx context.Context, from *domain.Block) (uint64, error) {
	cur := from
	for depth := uint64(0); ; depth++ {
		if depth >= r.maxDepth {
			return 0, fault.Newf(fault.DataInconsistency,
				"reorg at block %d deeper than %d blocks", from.Number, r.maxDepth)
		}
		if cur.Number == 0 {
			return 0, fault.Newf(fault.DataInconsistency,
				"reorg at block %d walked back to genesis", from.Number)
		}

		parent, err := r.blocks.GetCanonical(ctx, cur.Number-1)
		if err != nil {
			return 0, fmt.Errorf("canonical lookup %d during walk: %w", cur.Number-1, err)
		}
		// An unstored parent ends the walk: there is nothing older to flip.
		if parent == nil || parent.Hash == cur.ParentHash {
			return cur.Number - 1, nil
		}

		next, _, err := r.chain.BlockByNumber(ctx, cur.Number-1)
		if err != nil {
			if errors.Is(err, chain.ErrNotFound) {
				return 0, fault.Newf(fault.Transient, "block %d not found during reorg walk", cur.Number-1)
			}
			metrics.RPCErrors.WithLabelValues("eth_getBlockByNumber").Inc()
			return 0, err
		}
		cur = next
	}
}

func (r *Reconciler) enqueueReprocess(ctx context.Context, number uint64) error {
	payload, err := domain.EncodeBlockJob(domain.BlockJob{BlockNumber: number})
	if err != nil {
		return fmt.Errorf("encode reprocess job %d: %w", number, err)
	}
	if err := r.queue.Push(ctx, queue.TopicBlocks, payload); err != nil {
		return fmt.Errorf("enqueue reprocess job %d: %w", number, err)
	}
	return r.enqueueLogRange(ctx, number, number)
}

func (r *Reconciler) enqueueLogRange(ctx context.Context, from, to uint64) error {
	payload, err := domain.EncodeLogJob(domain.LogJob{FromBlock: from, ToBlock: to})
	if err != nil {
		return fmt.Errorf("encode log job %d-%d: %w", from, to, err)
	}
	if err := r.queue.Push(ctx, queue.TopicLogs, payload); err != nil {
		return fmt.Errorf("enqueue log job %d-%d: %w", from, to, err)
	}
	return nil
}
