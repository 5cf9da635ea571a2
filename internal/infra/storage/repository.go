// Package storage defines the Job Store contracts shared by workers.
// All writes to a given primary key are full-row upserts: last writer wins,
// no row is ever partially merged across concurrent writers.
package storage

import (
	"context"
	"time"

	"github.com/vietddude/chainsink/internal/core/domain"
)

// BlockRepository stores block versions keyed (number, hash) with a canonical
// flag selecting at most one version per number.
type BlockRepository interface {
	// GetCanonical returns the canonical block at a height, or nil.
	GetCanonical(ctx context.Context, number uint64) (*domain.Block, error)

	// UpsertCanonical writes block as the canonical version at its height and
	// flips every other version at that height to canonical=false, in one
	// transaction.
	UpsertCanonical(ctx context.Context, block *domain.Block) error

	// MarkNonCanonical flips one stored version to canonical=false. The row
	// is retained for audit.
	MarkNonCanonical(ctx context.Context, number uint64, hash string) error

	// SetStatus updates the worker status of a stored version, creating a
	// stub row when none exists yet (used for the retrying marker).
	SetStatus(ctx context.Context, number uint64, hash, workerID string, status domain.WorkerStatus) error

	// Latest returns the highest canonical block, or nil.
	Latest(ctx context.Context) (*domain.Block, error)

	// StatusCounts reports the worker-status distribution, the only
	// completion signal backfill exposes.
	StatusCounts(ctx context.Context) (map[domain.WorkerStatus]int64, error)
}

// TransactionRepository stores transactions keyed by tx_hash.
type TransactionRepository interface {
	UpsertBatch(ctx context.Context, txs []*domain.Transaction) error

	// DeleteStale removes rows at a height whose block_hash is not the
	// canonical one, after the height was reprocessed under a new hash.
	DeleteStale(ctx context.Context, number uint64, canonicalHash string) error

	GetByBlock(ctx context.Context, number uint64) ([]*domain.Transaction, error)
}

// TransferRepository stores decoded transfers keyed (tx_hash, log_index).
type TransferRepository interface {
	Upsert(ctx context.Context, t *domain.Transfer) error
	DeleteStale(ctx context.Context, number uint64, canonicalHash string) error
	GetByBlock(ctx context.Context, number uint64) ([]*domain.Transfer, error)
}

// TokenRepository caches token metadata.
type TokenRepository interface {
	Get(ctx context.Context, address string) (*domain.Token, error)
	Upsert(ctx context.Context, t *domain.Token) error
}

// FailedJobRepository is the retry ledger. Rows are owned exclusively by the
// retry coordinator once created.
type FailedJobRepository interface {
	// Get returns the ledger entry for a job fingerprint, or nil.
	Get(ctx context.Context, jobID string) (*domain.FailedJob, error)

	// Upsert writes the full entry keyed by job_id.
	Upsert(ctx context.Context, fj *domain.FailedJob) error

	// Delete removes an entry after successful reprocessing.
	Delete(ctx context.Context, jobID string) error

	// Due returns entries in retrying state whose next_retry_at <= now.
	Due(ctx context.Context, now time.Time, limit int) ([]*domain.FailedJob, error)

	// Terminal returns entries stuck in the terminal error state, for the
	// operator surface.
	Terminal(ctx context.Context, limit int) ([]*domain.FailedJob, error)
}
