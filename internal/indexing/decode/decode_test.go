package decode

import (
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/vietddude/chainsink/internal/core/domain"
	"github.com/vietddude/chainsink/internal/core/fault"
)

var (
	tokenAddr = common.HexToAddress("0x1111111111111111111111111111111111111111")
	fromAddr  = common.HexToAddress("0x2222222222222222222222222222222222222222")
	toAddr    = common.HexToAddress("0x3333333333333333333333333333333333333333")
	opAddr    = common.HexToAddress("0x4444444444444444444444444444444444444444")
)

func testTxc() TxContext {
	return TxContext{
		TxHash:         "0xabc",
		TxIndex:        2,
		BlockNumber:    100,
		BlockHash:      "0xb10c",
		BlockTimestamp: time.Unix(1700000100, 0).UTC(),
	}
}

func TestTransferDecoder_ERC20(t *testing.T) {
	lg := types.Log{
		Address: tokenAddr,
		Topics: []common.Hash{
			TopicTransfer,
			common.BytesToHash(fromAddr.Bytes()),
			common.BytesToHash(toAddr.Bytes()),
		},
		Data:  common.LeftPadBytes(big.NewInt(12345).Bytes(), 32),
		Index: 5,
	}

	d := NewTransferDecoder()
	if !d.Matches(lg.Topics) {
		t.Fatal("decoder did not match ERC20 transfer")
	}
	out, err := d.Decode(lg, testTxc())
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("decoded %d transfers, want 1", len(out))
	}
	tr := out[0]
	if tr.TokenType != domain.TokenERC20 {
		t.Errorf("type = %s, want erc20", tr.TokenType)
	}
	if tr.Amount.String() != "12345" {
		t.Errorf("amount = %s, want 12345", tr.Amount)
	}
	if tr.TokenID != nil {
		t.Errorf("token id = %v, want nil for erc20", tr.TokenID)
	}
	if tr.From != fromAddr.Hex() || tr.To != toAddr.Hex() {
		t.Errorf("addresses = %s -> %s", tr.From, tr.To)
	}
	if tr.LogIndex != 5 {
		t.Errorf("log index = %d, want 5", tr.LogIndex)
	}
}

func TestTransferDecoder_ERC721(t *testing.T) {
	// Same signature, four topics: the token id rides as topic 3.
	lg := types.Log{
		Address: tokenAddr,
		Topics: []common.Hash{
			TopicTransfer,
			common.BytesToHash(fromAddr.Bytes()),
			common.BytesToHash(toAddr.Bytes()),
			common.BigToHash(big.NewInt(777)),
		},
		Index: 1,
	}

	out, err := NewTransferDecoder().Decode(lg, testTxc())
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	tr := out[0]
	if tr.TokenType != domain.TokenERC721 {
		t.Errorf("type = %s, want erc721", tr.TokenType)
	}
	if tr.TokenID == nil || tr.TokenID.String() != "777" {
		t.Errorf("token id = %v, want 777", tr.TokenID)
	}
	if tr.Amount.String() != "1" {
		t.Errorf("amount = %s, want 1", tr.Amount)
	}
	if tr.NormalizedAmount == nil || tr.NormalizedAmount.String() != "1" {
		t.Errorf("normalized = %v, want 1", tr.NormalizedAmount)
	}
}

func erc1155Topics(sig common.Hash) []common.Hash {
	return []common.Hash{
		sig,
		common.BytesToHash(opAddr.Bytes()),
		common.BytesToHash(fromAddr.Bytes()),
		common.BytesToHash(toAddr.Bytes()),
	}
}

func TestERC1155Decoder_Single(t *testing.T) {
	data := append(
		common.LeftPadBytes(big.NewInt(9).Bytes(), 32),
		common.LeftPadBytes(big.NewInt(250).Bytes(), 32)...,
	)
	lg := types.Log{
		Address: tokenAddr,
		Topics:  erc1155Topics(TopicTransferSingle),
		Data:    data,
		Index:   3,
	}

	out, err := NewERC1155Decoder().Decode(lg, testTxc())
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("decoded %d transfers, want 1", len(out))
	}
	tr := out[0]
	if tr.TokenType != domain.TokenERC1155 {
		t.Errorf("type = %s, want erc1155", tr.TokenType)
	}
	if tr.TokenID == nil || tr.TokenID.String() != "9" {
		t.Errorf("token id = %v, want 9", tr.TokenID)
	}
	if tr.Amount.String() != "250" {
		t.Errorf("amount = %s, want 250", tr.Amount)
	}
	if tr.From != fromAddr.Hex() || tr.To != toAddr.Hex() {
		t.Errorf("addresses = %s -> %s, operator must not leak in", tr.From, tr.To)
	}
}

func TestERC1155Decoder_BatchFansOut(t *testing.T) {
	ids := []*big.Int{big.NewInt(1), big.NewInt(2), big.NewInt(3)}
	values := []*big.Int{big.NewInt(10), big.NewInt(20), big.NewInt(30)}
	data, err := batchArgs.Pack(ids, values)
	if err != nil {
		t.Fatalf("pack batch data: %v", err)
	}
	lg := types.Log{
		Address: tokenAddr,
		Topics:  erc1155Topics(TopicTransferBatch),
		Data:    data,
		Index:   4,
	}

	out, err := NewERC1155Decoder().Decode(lg, testTxc())
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if len(out) != 3 {
		t.Fatalf("decoded %d transfers, want 3", len(out))
	}
	for i, tr := range out {
		if tr.TokenID.String() != ids[i].String() {
			t.Errorf("transfer %d token id = %s, want %s", i, tr.TokenID, ids[i])
		}
		if tr.Amount.String() != values[i].String() {
			t.Errorf("transfer %d amount = %s, want %s", i, tr.Amount, values[i])
		}
		// Fan-out keeps (tx_hash, log_index) unique per moved id.
		want := uint64(4)*1000 + uint64(i)
		if tr.LogIndex != want {
			t.Errorf("transfer %d log index = %d, want %d", i, tr.LogIndex, want)
		}
	}
}

func TestERC1155Decoder_TruncatedDataIsMalformed(t *testing.T) {
	lg := types.Log{
		Address: tokenAddr,
		Topics:  erc1155Topics(TopicTransferSingle),
		Data:    make([]byte, 16),
	}
	_, err := NewERC1155Decoder().Decode(lg, testTxc())
	if err == nil {
		t.Fatal("expected error for truncated data")
	}
	if !fault.Is(err, fault.Malformed) {
		t.Errorf("error category = %s, want malformed", fault.CategoryOf(err))
	}
}

func TestRegistry_DispatchAndSkip(t *testing.T) {
	r := Default()

	if _, ok := r.Dispatch(erc1155Topics(TopicTransferBatch)); !ok {
		t.Error("registry did not dispatch TransferBatch")
	}
	if _, ok := r.Dispatch([]common.Hash{common.HexToHash("0x1234")}); ok {
		t.Error("registry dispatched an unregistered signature")
	}
	if len(r.Topics()) != 3 {
		t.Errorf("registered %d topics, want 3", len(r.Topics()))
	}
}
