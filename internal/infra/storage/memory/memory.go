// Package memory provides in-memory repository implementations for tests and
// database-less development runs. Semantics mirror the postgres package:
// full-row upserts, at most one canonical block version per height.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/vietddude/chainsink/internal/core/domain"
)

type blockKey struct {
	number uint64
	hash   string
}

// Storage holds all in-memory tables behind one lock.
type Storage struct {
	mu         sync.RWMutex
	blocks     map[blockKey]*domain.Block
	txs        map[string]*domain.Transaction
	transfers  map[string]*domain.Transfer
	tokens     map[string]*domain.Token
	failedJobs map[string]*domain.FailedJob
	nextID     int64
}

// NewStorage creates an empty in-memory store.
func NewStorage() *Storage {
	return &Storage{
		blocks:     make(map[blockKey]*domain.Block),
		txs:        make(map[string]*domain.Transaction),
		transfers:  make(map[string]*domain.Transfer),
		tokens:     make(map[string]*domain.Token),
		failedJobs: make(map[string]*domain.FailedJob),
	}
}

// BlockRepo implements storage.BlockRepository in memory.
type BlockRepo struct{ s *Storage }

// NewBlockRepo returns a block repository over s.
func NewBlockRepo(s *Storage) *BlockRepo { return &BlockRepo{s: s} }

func (r *BlockRepo) GetCanonical(ctx context.Context, number uint64) (*domain.Block, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	for k, b := range r.s.blocks {
		if k.number == number && b.Canonical {
			cp := *b
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *BlockRepo) UpsertCanonical(ctx context.Context, block *domain.Block) error {
	if !block.WorkerStatus.Valid() {
		return fmt.Errorf("refusing to write block %d with status %q", block.Number, block.WorkerStatus)
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for k, b := range r.s.blocks {
		if k.number == block.Number && k.hash != block.Hash {
			b.Canonical = false
		}
	}
	cp := *block
	cp.Canonical = true
	cp.ProcessedAt = time.Now()
	r.s.blocks[blockKey{block.Number, block.Hash}] = &cp
	return nil
}

func (r *BlockRepo) MarkNonCanonical(ctx context.Context, number uint64, hash string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if b, ok := r.s.blocks[blockKey{number, hash}]; ok {
		b.Canonical = false
	}
	return nil
}

func (r *BlockRepo) SetStatus(ctx context.Context, number uint64, hash, workerID string, status domain.WorkerStatus) error {
	if !status.Valid() {
		return fmt.Errorf("refusing to write block %d with status %q", number, status)
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	k := blockKey{number, hash}
	if b, ok := r.s.blocks[k]; ok {
		b.WorkerID = workerID
		b.WorkerStatus = status
		return nil
	}
	r.s.blocks[k] = &domain.Block{
		Number:       number,
		Hash:         hash,
		WorkerID:     workerID,
		WorkerStatus: status,
	}
	return nil
}

func (r *BlockRepo) Latest(ctx context.Context) (*domain.Block, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var latest *domain.Block
	for _, b := range r.s.blocks {
		if !b.Canonical {
			continue
		}
		if latest == nil || b.Number > latest.Number {
			latest = b
		}
	}
	if latest == nil {
		return nil, nil
	}
	cp := *latest
	return &cp, nil
}

func (r *BlockRepo) StatusCounts(ctx context.Context) (map[domain.WorkerStatus]int64, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	counts := make(map[domain.WorkerStatus]int64)
	for _, b := range r.s.blocks {
		if b.Canonical {
			counts[b.WorkerStatus]++
		}
	}
	return counts, nil
}

// Versions returns every stored version at a height, canonical or not.
// Test helper; the postgres repo has no equivalent.
func (r *BlockRepo) Versions(number uint64) []*domain.Block {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []*domain.Block
	for k, b := range r.s.blocks {
		if k.number == number {
			cp := *b
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hash < out[j].Hash })
	return out
}

// TxRepo implements storage.TransactionRepository in memory.
type TxRepo struct{ s *Storage }

// NewTxRepo returns a transaction repository over s.
func NewTxRepo(s *Storage) *TxRepo { return &TxRepo{s: s} }

func (r *TxRepo) UpsertBatch(ctx context.Context, txs []*domain.Transaction) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, t := range txs {
		cp := *t
		r.s.txs[t.TxHash] = &cp
	}
	return nil
}

func (r *TxRepo) DeleteStale(ctx context.Context, number uint64, canonicalHash string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for h, t := range r.s.txs {
		if t.BlockNumber == number && t.BlockHash != canonicalHash {
			delete(r.s.txs, h)
		}
	}
	return nil
}

func (r *TxRepo) GetByBlock(ctx context.Context, number uint64) ([]*domain.Transaction, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []*domain.Transaction
	for _, t := range r.s.txs {
		if t.BlockNumber == number {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TxHash < out[j].TxHash })
	return out, nil
}

// TransferRepo implements storage.TransferRepository in memory.
type TransferRepo struct{ s *Storage }

// NewTransferRepo returns a transfer repository over s.
func NewTransferRepo(s *Storage) *TransferRepo { return &TransferRepo{s: s} }

func transferKey(txHash string, logIndex uint64) string {
	return fmt.Sprintf("%s/%d", txHash, logIndex)
}

func (r *TransferRepo) Upsert(ctx context.Context, t *domain.Transfer) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cp := *t
	cp.InsertedAt = time.Now()
	r.s.transfers[transferKey(t.TxHash, t.LogIndex)] = &cp
	return nil
}

func (r *TransferRepo) DeleteStale(ctx context.Context, number uint64, canonicalHash string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for k, t := range r.s.transfers {
		if t.BlockNumber == number && t.BlockHash != canonicalHash {
			delete(r.s.transfers, k)
		}
	}
	return nil
}

func (r *TransferRepo) GetByBlock(ctx context.Context, number uint64) ([]*domain.Transfer, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []*domain.Transfer
	for _, t := range r.s.transfers {
		if t.BlockNumber == number {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TxHash != out[j].TxHash {
			return out[i].TxHash < out[j].TxHash
		}
		return out[i].LogIndex < out[j].LogIndex
	})
	return out, nil
}

// TokenRepo implements storage.TokenRepository in memory.
type TokenRepo struct{ s *Storage }

// NewTokenRepo returns a token repository over s.
func NewTokenRepo(s *Storage) *TokenRepo { return &TokenRepo{s: s} }

func (r *TokenRepo) Get(ctx context.Context, address string) (*domain.Token, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	if t, ok := r.s.tokens[address]; ok {
		cp := *t
		return &cp, nil
	}
	return nil, nil
}

func (r *TokenRepo) Upsert(ctx context.Context, t *domain.Token) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cp := *t
	cp.FetchedAt = time.Now()
	r.s.tokens[t.Address] = &cp
	return nil
}

// FailedJobRepo implements storage.FailedJobRepository in memory.
type FailedJobRepo struct{ s *Storage }

// NewFailedJobRepo returns a failed-job repository over s.
func NewFailedJobRepo(s *Storage) *FailedJobRepo { return &FailedJobRepo{s: s} }

func (r *FailedJobRepo) Get(ctx context.Context, jobID string) (*domain.FailedJob, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	if fj, ok := r.s.failedJobs[jobID]; ok {
		cp := *fj
		return &cp, nil
	}
	return nil, nil
}

func (r *FailedJobRepo) Upsert(ctx context.Context, fj *domain.FailedJob) error {
	if !fj.Status.Valid() {
		return fmt.Errorf("refusing to write failed job %s with status %q", fj.JobID, fj.Status)
	}
	if !fj.JobType.Valid() {
		return fmt.Errorf("refusing to write failed job %s with type %q", fj.JobID, fj.JobType)
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cp := *fj
	if existing, ok := r.s.failedJobs[fj.JobID]; ok {
		cp.ID = existing.ID
		cp.FailedAt = existing.FailedAt
	} else {
		r.s.nextID++
		cp.ID = r.s.nextID
		cp.FailedAt = time.Now()
	}
	r.s.failedJobs[fj.JobID] = &cp
	return nil
}

func (r *FailedJobRepo) Delete(ctx context.Context, jobID string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	delete(r.s.failedJobs, jobID)
	return nil
}

func (r *FailedJobRepo) Due(ctx context.Context, now time.Time, limit int) ([]*domain.FailedJob, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []*domain.FailedJob
	for _, fj := range r.s.failedJobs {
		if fj.Status != domain.StatusRetrying || fj.NextRetryAt == nil {
			continue
		}
		if !fj.NextRetryAt.After(now) {
			cp := *fj
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextRetryAt.Before(*out[j].NextRetryAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *FailedJobRepo) Terminal(ctx context.Context, limit int) ([]*domain.FailedJob, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []*domain.FailedJob
	for _, fj := range r.s.failedJobs {
		if fj.Status == domain.StatusError {
			cp := *fj
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FailedAt.Before(out[j].FailedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
