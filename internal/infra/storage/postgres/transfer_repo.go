package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/vietddude/chainsink/internal/core/domain"
)

// TransferRepo implements storage.TransferRepository using PostgreSQL.
type TransferRepo struct {
	db *DB
}

// NewTransferRepo creates a new PostgreSQL transfer repository.
func NewTransferRepo(db *DB) *TransferRepo {
	return &TransferRepo{db: db}
}

// Upsert writes a transfer keyed (tx_hash, log_index), full row overwrite.
func (r *TransferRepo) Upsert(ctx context.Context, t *domain.Transfer) error {
	var rawLog []byte
	if t.RawLog != nil {
		var err error
		rawLog, err = json.Marshal(t.RawLog)
		if err != nil {
			return fmt.Errorf("encode raw log: %w", err)
		}
	}

	query := `
		INSERT INTO transfers (
			tx_hash, log_index, transaction_index, block_number, block_hash, block_timestamp,
			token_address, token_type, token_symbol, token_decimals, token_id,
			from_address, to_address, amount, normalized_amount,
			amount_usd, price_source, price_timestamp, receipt_status, raw_log
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
		ON CONFLICT (tx_hash, log_index) DO UPDATE SET
			transaction_index = EXCLUDED.transaction_index,
			block_number = EXCLUDED.block_number,
			block_hash = EXCLUDED.block_hash,
			block_timestamp = EXCLUDED.block_timestamp,
			token_address = EXCLUDED.token_address,
			token_type = EXCLUDED.token_type,
			token_symbol = EXCLUDED.token_symbol,
			token_decimals = EXCLUDED.token_decimals,
			token_id = EXCLUDED.token_id,
			from_address = EXCLUDED.from_address,
			to_address = EXCLUDED.to_address,
			amount = EXCLUDED.amount,
			normalized_amount = EXCLUDED.normalized_amount,
			amount_usd = EXCLUDED.amount_usd,
			price_source = EXCLUDED.price_source,
			price_timestamp = EXCLUDED.price_timestamp,
			receipt_status = EXCLUDED.receipt_status,
			raw_log = EXCLUDED.raw_log
	`

	_, err := r.db.ExecContext(ctx, query,
		t.TxHash, t.LogIndex, t.TxIndex, t.BlockNumber, t.BlockHash, t.BlockTimestamp,
		t.TokenAddress, string(t.TokenType), nullStr(t.TokenSymbol), t.TokenDecimals, decStr(t.TokenID),
		nullStr(t.From), nullStr(t.To), t.Amount.String(), decStr(t.NormalizedAmount),
		decStr(t.AmountUSD), t.PriceSource, t.PriceTimestamp, t.ReceiptStatus, rawLog,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert transfer %s/%d: %w", t.TxHash, t.LogIndex, err)
	}
	return nil
}

// DeleteStale removes transfers at a height pointing at an orphaned hash.
func (r *TransferRepo) DeleteStale(ctx context.Context, number uint64, canonicalHash string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM transfers WHERE block_number = $1 AND block_hash <> $2`,
		number, canonicalHash,
	)
	if err != nil {
		return fmt.Errorf("failed to delete stale transfers at %d: %w", number, err)
	}
	return nil
}

// GetByBlock returns the transfers stored for a height.
func (r *TransferRepo) GetByBlock(ctx context.Context, number uint64) ([]*domain.Transfer, error) {
	query := `
		SELECT tx_hash, log_index, transaction_index, block_number, block_hash, block_timestamp,
			token_address, token_type, token_symbol, token_decimals, token_id,
			from_address, to_address, amount, normalized_amount,
			amount_usd, price_source, price_timestamp, receipt_status
		FROM transfers WHERE block_number = $1 ORDER BY tx_hash, log_index
	`

	var rows []transferRow
	if err := r.db.SelectContext(ctx, &rows, query, number); err != nil {
		return nil, fmt.Errorf("failed to get transfers for block %d: %w", number, err)
	}

	out := make([]*domain.Transfer, 0, len(rows))
	for i := range rows {
		t, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

type transferRow struct {
	TxHash         string          `db:"tx_hash"`
	LogIndex       uint64          `db:"log_index"`
	TxIndex        sql.NullInt64   `db:"transaction_index"`
	BlockNumber    uint64          `db:"block_number"`
	BlockHash      string          `db:"block_hash"`
	BlockTimestamp sql.NullTime    `db:"block_timestamp"`
	TokenAddress   string          `db:"token_address"`
	TokenType      string          `db:"token_type"`
	TokenSymbol    sql.NullString  `db:"token_symbol"`
	TokenDecimals  sql.NullInt16   `db:"token_decimals"`
	TokenID        sql.NullString  `db:"token_id"`
	From           sql.NullString  `db:"from_address"`
	To             sql.NullString  `db:"to_address"`
	Amount         decimal.Decimal `db:"amount"`
	Normalized     sql.NullString  `db:"normalized_amount"`
	AmountUSD      sql.NullString  `db:"amount_usd"`
	PriceSource    sql.NullString  `db:"price_source"`
	PriceTimestamp sql.NullTime    `db:"price_timestamp"`
	ReceiptStatus  sql.NullInt16   `db:"receipt_status"`
}

func (r *transferRow) toDomain() (*domain.Transfer, error) {
	t := &domain.Transfer{
		TxHash:         r.TxHash,
		LogIndex:       r.LogIndex,
		TxIndex:        uint64(r.TxIndex.Int64),
		BlockNumber:    r.BlockNumber,
		BlockHash:      r.BlockHash,
		BlockTimestamp: r.BlockTimestamp.Time,
		TokenAddress:   r.TokenAddress,
		TokenType:      domain.TokenType(r.TokenType),
		TokenSymbol:    r.TokenSymbol.String,
		From:           r.From.String,
		To:             r.To.String,
		Amount:         r.Amount,
	}
	if r.TokenDecimals.Valid {
		d := r.TokenDecimals.Int16
		t.TokenDecimals = &d
	}
	for _, f := range []struct {
		src  sql.NullString
		dest **decimal.Decimal
	}{
		{r.TokenID, &t.TokenID},
		{r.Normalized, &t.NormalizedAmount},
		{r.AmountUSD, &t.AmountUSD},
	} {
		if !f.src.Valid {
			continue
		}
		d, err := decimal.NewFromString(f.src.String)
		if err != nil {
			return nil, fmt.Errorf("decode decimal column: %w", err)
		}
		*f.dest = &d
	}
	if r.PriceSource.Valid {
		s := r.PriceSource.String
		t.PriceSource = &s
	}
	if r.PriceTimestamp.Valid {
		ts := r.PriceTimestamp.Time
		t.PriceTimestamp = &ts
	}
	if r.ReceiptStatus.Valid {
		s := r.ReceiptStatus.Int16
		t.ReceiptStatus = &s
	}
	return t, nil
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func decStr(d *decimal.Decimal) sql.NullString {
	if d == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: d.String(), Valid: true}
}
