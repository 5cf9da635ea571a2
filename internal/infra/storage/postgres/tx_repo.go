package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/vietddude/chainsink/internal/core/domain"
)

// TxRepo implements storage.TransactionRepository using PostgreSQL.
type TxRepo struct {
	db *DB
}

// NewTxRepo creates a new PostgreSQL transaction repository.
func NewTxRepo(db *DB) *TxRepo {
	return &TxRepo{db: db}
}

// UpsertBatch writes transactions keyed by tx_hash, full row overwrite on
// conflict so concurrent redeliveries settle on the last writer.
func (r *TxRepo) UpsertBatch(ctx context.Context, txs []*domain.Transaction) error {
	if len(txs) == 0 {
		return nil
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := `
		INSERT INTO transactions (
			tx_hash, block_number, block_hash, block_timestamp,
			from_address, to_address, value, gas_used, gas_price, input, status
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (tx_hash) DO UPDATE SET
			block_number = EXCLUDED.block_number,
			block_hash = EXCLUDED.block_hash,
			block_timestamp = EXCLUDED.block_timestamp,
			from_address = EXCLUDED.from_address,
			to_address = EXCLUDED.to_address,
			value = EXCLUDED.value,
			gas_used = EXCLUDED.gas_used,
			gas_price = EXCLUDED.gas_price,
			input = EXCLUDED.input,
			status = EXCLUDED.status
	`

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, t := range txs {
		_, err := stmt.ExecContext(ctx,
			t.TxHash, t.BlockNumber, t.BlockHash, t.BlockTimestamp,
			t.From, t.To, t.Value, t.GasUsed, t.GasPrice, t.Input, t.Status,
		)
		if err != nil {
			return fmt.Errorf("failed to upsert tx %s: %w", t.TxHash, err)
		}
	}

	return tx.Commit()
}

// DeleteStale removes transactions at a height that still point at an
// orphaned block hash.
func (r *TxRepo) DeleteStale(ctx context.Context, number uint64, canonicalHash string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM transactions WHERE block_number = $1 AND block_hash <> $2`,
		number, canonicalHash,
	)
	if err != nil {
		return fmt.Errorf("failed to delete stale txs at %d: %w", number, err)
	}
	return nil
}

// GetByBlock returns the transactions stored for a height.
func (r *TxRepo) GetByBlock(ctx context.Context, number uint64) ([]*domain.Transaction, error) {
	query := `
		SELECT tx_hash, block_number, block_hash, block_timestamp,
			from_address, to_address, value, gas_used, gas_price, input, status
		FROM transactions WHERE block_number = $1
	`

	var rows []struct {
		TxHash         string         `db:"tx_hash"`
		BlockNumber    uint64         `db:"block_number"`
		BlockHash      string         `db:"block_hash"`
		BlockTimestamp sql.NullTime   `db:"block_timestamp"`
		From           sql.NullString `db:"from_address"`
		To             sql.NullString `db:"to_address"`
		Value          sql.NullString `db:"value"`
		GasUsed        sql.NullInt64  `db:"gas_used"`
		GasPrice       sql.NullString `db:"gas_price"`
		Input          sql.NullString `db:"input"`
		Status         sql.NullInt16  `db:"status"`
	}
	if err := r.db.SelectContext(ctx, &rows, query, number); err != nil {
		return nil, fmt.Errorf("failed to get txs for block %d: %w", number, err)
	}

	txs := make([]*domain.Transaction, 0, len(rows))
	for _, row := range rows {
		txs = append(txs, &domain.Transaction{
			TxHash:         row.TxHash,
			BlockNumber:    row.BlockNumber,
			BlockHash:      row.BlockHash,
			BlockTimestamp: row.BlockTimestamp.Time,
			From:           row.From.String,
			To:             row.To.String,
			Value:          row.Value.String,
			GasUsed:        uint64(row.GasUsed.Int64),
			GasPrice:       row.GasPrice.String,
			Input:          row.Input.String,
			Status:         row.Status.Int16,
		})
	}
	return txs, nil
}
