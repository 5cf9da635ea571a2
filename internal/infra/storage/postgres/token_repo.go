package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/vietddude/chainsink/internal/core/domain"
)

// TokenRepo implements storage.TokenRepository using PostgreSQL.
type TokenRepo struct {
	db *DB
}

// NewTokenRepo creates a new PostgreSQL token repository.
func NewTokenRepo(db *DB) *TokenRepo {
	return &TokenRepo{db: db}
}

// Get returns cached metadata for a token address, or nil.
func (r *TokenRepo) Get(ctx context.Context, address string) (*domain.Token, error) {
	query := `SELECT token_address, token_type, symbol, name, decimals, failed, fetched_at
		FROM tokens WHERE token_address = $1`

	var row struct {
		Address   string         `db:"token_address"`
		Type      sql.NullString `db:"token_type"`
		Symbol    sql.NullString `db:"symbol"`
		Name      sql.NullString `db:"name"`
		Decimals  sql.NullInt16  `db:"decimals"`
		Failed    bool           `db:"failed"`
		FetchedAt time.Time      `db:"fetched_at"`
	}
	err := r.db.GetContext(ctx, &row, query, address)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get token %s: %w", address, err)
	}

	t := &domain.Token{
		Address:   row.Address,
		Type:      domain.TokenType(row.Type.String),
		Symbol:    row.Symbol.String,
		Name:      row.Name.String,
		Failed:    row.Failed,
		FetchedAt: row.FetchedAt,
	}
	if row.Decimals.Valid {
		d := row.Decimals.Int16
		t.Decimals = &d
	}
	return t, nil
}

// Upsert writes token metadata keyed by address.
func (r *TokenRepo) Upsert(ctx context.Context, t *domain.Token) error {
	query := `
		INSERT INTO tokens (token_address, token_type, symbol, name, decimals, failed, fetched_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (token_address) DO UPDATE SET
			token_type = EXCLUDED.token_type,
			symbol = EXCLUDED.symbol,
			name = EXCLUDED.name,
			decimals = EXCLUDED.decimals,
			failed = EXCLUDED.failed,
			fetched_at = NOW()
	`
	_, err := r.db.ExecContext(ctx, query,
		t.Address, string(t.Type), nullStr(t.Symbol), nullStr(t.Name), t.Decimals, t.Failed)
	if err != nil {
		return fmt.Errorf("failed to upsert token %s: %w", t.Address, err)
	}
	return nil
}
