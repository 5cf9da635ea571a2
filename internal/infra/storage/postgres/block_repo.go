package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/vietddude/chainsink/internal/core/domain"
)

// BlockRepo implements storage.BlockRepository using PostgreSQL.
type BlockRepo struct {
	db *DB
}

// NewBlockRepo creates a new PostgreSQL block repository.
func NewBlockRepo(db *DB) *BlockRepo {
	return &BlockRepo{db: db}
}

type blockRow struct {
	Number      uint64         `db:"block_number"`
	Hash        string         `db:"block_hash"`
	ParentHash  string         `db:"parent_hash"`
	Timestamp   sql.NullTime   `db:"block_timestamp"`
	Canonical   bool           `db:"canonical"`
	ProcessedAt time.Time      `db:"processed_at"`
	WorkerID    sql.NullString `db:"worker_id"`
	Status      string         `db:"worker_status"`
	Extra       []byte         `db:"extra"`
}

func (r *blockRow) toDomain() (*domain.Block, error) {
	status, err := domain.ParseWorkerStatus(r.Status)
	if err != nil {
		return nil, err
	}
	b := &domain.Block{
		Number:       r.Number,
		Hash:         r.Hash,
		ParentHash:   r.ParentHash,
		Canonical:    r.Canonical,
		ProcessedAt:  r.ProcessedAt,
		WorkerID:     r.WorkerID.String,
		WorkerStatus: status,
	}
	if r.Timestamp.Valid {
		b.Timestamp = r.Timestamp.Time
	}
	if len(r.Extra) > 0 {
		if err := json.Unmarshal(r.Extra, &b.Extra); err != nil {
			return nil, fmt.Errorf("decode block extra: %w", err)
		}
	}
	return b, nil
}

const blockColumns = `block_number, block_hash, parent_hash, block_timestamp,
	canonical, processed_at, worker_id, worker_status, extra`

// GetCanonical returns the canonical block at a height, or nil.
func (r *BlockRepo) GetCanonical(ctx context.Context, number uint64) (*domain.Block, error) {
	query := `SELECT ` + blockColumns + ` FROM blocks WHERE block_number = $1 AND canonical`

	var row blockRow
	err := r.db.GetContext(ctx, &row, query, number)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get canonical block %d: %w", number, err)
	}
	return row.toDomain()
}

// UpsertCanonical writes block as the canonical version at its height and
// demotes every other version, in one transaction.
func (r *BlockRepo) UpsertCanonical(ctx context.Context, block *domain.Block) error {
	if !block.WorkerStatus.Valid() {
		return fmt.Errorf("refusing to write block %d with status %q", block.Number, block.WorkerStatus)
	}

	var extra []byte
	if block.Extra != nil {
		var err error
		extra, err = json.Marshal(block.Extra)
		if err != nil {
			return fmt.Errorf("encode block extra: %w", err)
		}
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// Demote first so the partial unique index never sees two canonical rows.
	_, err = tx.ExecContext(ctx,
		`UPDATE blocks SET canonical = FALSE WHERE block_number = $1 AND block_hash <> $2`,
		block.Number, block.Hash,
	)
	if err != nil {
		return fmt.Errorf("failed to demote block versions at %d: %w", block.Number, err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO blocks (block_number, block_hash, parent_hash, block_timestamp,
			canonical, processed_at, worker_id, worker_status, extra)
		VALUES ($1, $2, $3, $4, TRUE, NOW(), $5, $6, $7)
		ON CONFLICT (block_number, block_hash) DO UPDATE SET
			parent_hash = EXCLUDED.parent_hash,
			block_timestamp = EXCLUDED.block_timestamp,
			canonical = TRUE,
			processed_at = NOW(),
			worker_id = EXCLUDED.worker_id,
			worker_status = EXCLUDED.worker_status,
			extra = EXCLUDED.extra
	`, block.Number, block.Hash, block.ParentHash, nullTime(block.Timestamp),
		block.WorkerID, string(block.WorkerStatus), extra)
	if err != nil {
		return fmt.Errorf("failed to upsert block %d: %w", block.Number, err)
	}

	return tx.Commit()
}

// MarkNonCanonical flips one stored version to canonical=false.
func (r *BlockRepo) MarkNonCanonical(ctx context.Context, number uint64, hash string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE blocks SET canonical = FALSE WHERE block_number = $1 AND block_hash = $2`,
		number, hash,
	)
	if err != nil {
		return fmt.Errorf("failed to mark block %d/%s non-canonical: %w", number, hash, err)
	}
	return nil
}

// SetStatus updates the worker status of a version, creating a stub when the
// row does not exist yet.
func (r *BlockRepo) SetStatus(ctx context.Context, number uint64, hash, workerID string, status domain.WorkerStatus) error {
	if !status.Valid() {
		return fmt.Errorf("refusing to write block %d with status %q", number, status)
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO blocks (block_number, block_hash, canonical, worker_id, worker_status)
		VALUES ($1, $2, FALSE, $3, $4)
		ON CONFLICT (block_number, block_hash) DO UPDATE SET
			worker_id = EXCLUDED.worker_id,
			worker_status = EXCLUDED.worker_status
	`, number, hash, workerID, string(status))
	if err != nil {
		return fmt.Errorf("failed to set status for block %d: %w", number, err)
	}
	return nil
}

// Latest returns the highest canonical block, or nil.
func (r *BlockRepo) Latest(ctx context.Context) (*domain.Block, error) {
	query := `SELECT ` + blockColumns + ` FROM blocks WHERE canonical
		ORDER BY block_number DESC LIMIT 1`

	var row blockRow
	err := r.db.GetContext(ctx, &row, query)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest block: %w", err)
	}
	return row.toDomain()
}

// StatusCounts reports the worker-status distribution over canonical rows.
func (r *BlockRepo) StatusCounts(ctx context.Context) (map[domain.WorkerStatus]int64, error) {
	rows, err := r.db.QueryxContext(ctx,
		`SELECT worker_status, COUNT(*) AS n FROM blocks WHERE canonical GROUP BY worker_status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count block statuses: %w", err)
	}
	defer rows.Close()

	counts := make(map[domain.WorkerStatus]int64)
	for rows.Next() {
		var dest struct {
			Status string `db:"worker_status"`
			N      int64  `db:"n"`
		}
		if err := rows.StructScan(&dest); err != nil {
			return nil, err
		}
		status, err := domain.ParseWorkerStatus(dest.Status)
		if err != nil {
			return nil, err
		}
		counts[status] = dest.N
	}
	return counts, rows.Err()
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
