package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// TokenType classifies the token standard a transfer was decoded from.
type TokenType string

const (
	TokenERC20   TokenType = "erc20"
	TokenERC721  TokenType = "erc721"
	TokenERC1155 TokenType = "erc1155"
)

// Transfer is a decoded token movement, keyed by (TxHash, LogIndex).
// A transaction can emit many transfer events.
type Transfer struct {
	TxHash         string
	LogIndex       uint64
	TxIndex        uint64
	BlockNumber    uint64
	BlockHash      string
	BlockTimestamp time.Time

	TokenAddress  string
	TokenType     TokenType
	TokenSymbol   string
	TokenDecimals *int16
	TokenID       *decimal.Decimal

	From   string
	To     string
	Amount decimal.Decimal // raw integer amount

	// NormalizedAmount is Amount scaled by 10^-decimals, exact decimal.
	NormalizedAmount *decimal.Decimal

	// AmountUSD and PriceSource stay nil when the oracle has no price;
	// such rows are queryable for later backfill.
	AmountUSD      *decimal.Decimal
	PriceSource    *string
	PriceTimestamp *time.Time

	ReceiptStatus *int16
	RawLog        map[string]any
	InsertedAt    time.Time
}

// Token is cached ERC20/721/1155 metadata fetched from the contract.
type Token struct {
	Address   string
	Type      TokenType
	Symbol    string
	Name      string
	Decimals  *int16
	Failed    bool
	FetchedAt time.Time
}
