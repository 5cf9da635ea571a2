package decode

import (
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"

	"github.com/vietddude/chainsink/internal/core/domain"
	"github.com/vietddude/chainsink/internal/core/fault"
)

var (
	// TopicTransferSingle is TransferSingle(address,address,address,uint256,uint256).
	TopicTransferSingle = common.HexToHash(
		"0xc3d58168c5ae7397731d063d5bbf3d657854427343f4c083240f7aacaa2d0f62")
	// TopicTransferBatch is TransferBatch(address,address,address,uint256[],uint256[]).
	TopicTransferBatch = common.HexToHash(
		"0x4a39dc06d4c0dbc64b70af90fd698a233a518aa5d07e595d983b8c0526c8f7fb")
)

// batchArgs decodes the (uint256[] ids, uint256[] values) data of TransferBatch.
var batchArgs = func() abi.Arguments {
	uint256Arr, err := abi.NewType("uint256[]", "", nil)
	if err != nil {
		panic(err)
	}
	return abi.Arguments{
		{Name: "ids", Type: uint256Arr},
		{Name: "values", Type: uint256Arr},
	}
}()

// ERC1155Decoder decodes TransferSingle and TransferBatch events.
type ERC1155Decoder struct{}

// NewERC1155Decoder returns the ERC1155 decoder.
func NewERC1155Decoder() *ERC1155Decoder {
	return &ERC1155Decoder{}
}

// Matches reports whether the log is an ERC1155 transfer.
func (d *ERC1155Decoder) Matches(topics []common.Hash) bool {
	if len(topics) < 4 {
		return false
	}
	return topics[0] == TopicTransferSingle || topics[0] == TopicTransferBatch
}

// Decode converts an ERC1155 log into one row per moved token id.
func (d *ERC1155Decoder) Decode(log types.Log, txc TxContext) ([]*domain.Transfer, error) {
	if len(log.Topics) < 4 {
		return nil, fault.Newf(fault.Malformed, "erc1155 log %s/%d has %d topics",
			txc.TxHash, log.Index, len(log.Topics))
	}

	// topics: [signature, operator, from, to]
	from := topicAddress(log.Topics[2])
	to := topicAddress(log.Topics[3])

	switch log.Topics[0] {
	case TopicTransferSingle:
		return d.decodeSingle(log, txc, from, to)
	case TopicTransferBatch:
		return d.decodeBatch(log, txc, from, to)
	}
	return nil, nil
}

func (d *ERC1155Decoder) decodeSingle(log types.Log, txc TxContext, from, to string) ([]*domain.Transfer, error) {
	// data: two 32-byte words, id then value.
	if len(log.Data) < 64 {
		return nil, fault.Newf(fault.Malformed, "erc1155 single log %s/%d data too short (%d bytes)",
			txc.TxHash, log.Index, len(log.Data))
	}
	id := new(big.Int).SetBytes(log.Data[:32])
	value := new(big.Int).SetBytes(log.Data[32:64])

	t := d.transfer(txc, log, from, to, uint64(log.Index), id, value)
	return []*domain.Transfer{t}, nil
}

func (d *ERC1155Decoder) decodeBatch(log types.Log, txc TxContext, from, to string) ([]*domain.Transfer, error) {
	vals, err := batchArgs.Unpack(log.Data)
	if err != nil {
		return nil, fault.Newf(fault.Malformed, "erc1155 batch log %s/%d: %v", txc.TxHash, log.Index, err)
	}
	ids, ok1 := vals[0].([]*big.Int)
	values, ok2 := vals[1].([]*big.Int)
	if !ok1 || !ok2 || len(ids) != len(values) {
		return nil, fault.Newf(fault.Malformed, "erc1155 batch log %s/%d has mismatched arrays",
			txc.TxHash, log.Index)
	}

	out := make([]*domain.Transfer, 0, len(ids))
	for i := range ids {
		// One row per (id, value) pair. The synthetic log index keeps the
		// (tx_hash, log_index) key unique across the fan-out.
		logIndex := uint64(log.Index)*1000 + uint64(i)
		out = append(out, d.transfer(txc, log, from, to, logIndex, ids[i], values[i]))
	}
	return out, nil
}

func (d *ERC1155Decoder) transfer(txc TxContext, log types.Log, from, to string, logIndex uint64, id, value *big.Int) *domain.Transfer {
	tokenID := decimal.NewFromBigInt(id, 0)
	amount := decimal.NewFromBigInt(value, 0)
	// ERC1155 has no decimals; the raw amount is already the unit count.
	normalized := amount

	return &domain.Transfer{
		TxHash:           txc.TxHash,
		LogIndex:         logIndex,
		TxIndex:          txc.TxIndex,
		BlockNumber:      txc.BlockNumber,
		BlockHash:        txc.BlockHash,
		BlockTimestamp:   txc.BlockTimestamp,
		TokenAddress:     log.Address.Hex(),
		TokenType:        domain.TokenERC1155,
		TokenID:          &tokenID,
		From:             from,
		To:               to,
		Amount:           amount,
		NormalizedAmount: &normalized,
	}
}
