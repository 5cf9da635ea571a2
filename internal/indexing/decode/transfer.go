package decode

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"

	"github.com/vietddude/chainsink/internal/core/domain"
	"github.com/vietddude/chainsink/internal/core/fault"
)

// TopicTransfer is the shared ERC20/ERC721 Transfer(address,address,uint256)
// signature. The standards are distinguished by topic count: ERC721 indexes
// the token id as a fourth topic, ERC20 carries the amount in data.
var TopicTransfer = common.HexToHash(
	"0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef")

// TransferDecoder decodes ERC20 and ERC721 Transfer events.
type TransferDecoder struct{}

// NewTransferDecoder returns the ERC20/ERC721 decoder.
func NewTransferDecoder() *TransferDecoder {
	return &TransferDecoder{}
}

// Matches reports whether the log is an ERC20/ERC721 Transfer.
func (d *TransferDecoder) Matches(topics []common.Hash) bool {
	return len(topics) >= 3 && topics[0] == TopicTransfer
}

// Decode converts a Transfer log into one transfer row.
func (d *TransferDecoder) Decode(log types.Log, txc TxContext) ([]*domain.Transfer, error) {
	if len(log.Topics) < 3 {
		return nil, fault.Newf(fault.Malformed, "transfer log %s/%d has %d topics",
			txc.TxHash, log.Index, len(log.Topics))
	}

	t := &domain.Transfer{
		TxHash:         txc.TxHash,
		LogIndex:       uint64(log.Index),
		TxIndex:        txc.TxIndex,
		BlockNumber:    txc.BlockNumber,
		BlockHash:      txc.BlockHash,
		BlockTimestamp: txc.BlockTimestamp,
		TokenAddress:   log.Address.Hex(),
		From:           topicAddress(log.Topics[1]),
		To:             topicAddress(log.Topics[2]),
	}

	if len(log.Topics) == 4 {
		// ERC721: token id indexed, quantity always one.
		t.TokenType = domain.TokenERC721
		id := decimal.NewFromBigInt(new(big.Int).SetBytes(log.Topics[3].Bytes()), 0)
		t.TokenID = &id
		t.Amount = decimal.NewFromInt(1)
		one := decimal.NewFromInt(1)
		t.NormalizedAmount = &one
		return []*domain.Transfer{t}, nil
	}

	// ERC20: amount in the data word.
	t.TokenType = domain.TokenERC20
	if len(log.Data) == 0 {
		t.Amount = decimal.Zero
	} else {
		t.Amount = decimal.NewFromBigInt(new(big.Int).SetBytes(log.Data), 0)
	}
	return []*domain.Transfer{t}, nil
}
