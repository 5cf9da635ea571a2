package processor

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"

	"github.com/vietddude/chainsink/internal/core/config"
	"github.com/vietddude/chainsink/internal/core/domain"
	"github.com/vietddude/chainsink/internal/indexing/decode"
	"github.com/vietddude/chainsink/internal/indexing/pricing"
	"github.com/vietddude/chainsink/internal/indexing/retry"
	"github.com/vietddude/chainsink/internal/indexing/token"
	"github.com/vietddude/chainsink/internal/infra/chain"
	"github.com/vietddude/chainsink/internal/infra/queue"
	"github.com/vietddude/chainsink/internal/infra/storage/memory"
)

type fakeChain struct {
	logs []chain.Log
}

func (f *fakeChain) LatestNumber(ctx context.Context) (uint64, error) { return 0, nil }
func (f *fakeChain) BlockByNumber(ctx context.Context, number uint64) (*domain.Block, []*domain.Transaction, error) {
	return nil, nil, chain.ErrNotFound
}
func (f *fakeChain) BlockByHash(ctx context.Context, hash string) (*domain.Block, []*domain.Transaction, error) {
	return nil, nil, chain.ErrNotFound
}
func (f *fakeChain) FilterLogs(ctx context.Context, q chain.LogQuery) ([]chain.Log, error) {
	var out []chain.Log
	for _, lg := range f.logs {
		if lg.BlockNumber >= q.FromBlock && lg.BlockNumber <= q.ToBlock {
			out = append(out, lg)
		}
	}
	return out, nil
}
func (f *fakeChain) SubscribeNewHeads(ctx context.Context, ch chan<- chain.Head) (chain.Subscription, error) {
	return nil, nil
}
func (f *fakeChain) SubscribeLogs(ctx context.Context, q chain.LogQuery, ch chan<- types.Log) (chain.Subscription, error) {
	return nil, nil
}

type fakeQueue struct {
	mu     sync.Mutex
	pushed map[string][][]byte
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{pushed: make(map[string][][]byte)}
}

func (q *fakeQueue) Push(ctx context.Context, topic string, payload []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pushed[topic] = append(q.pushed[topic], payload)
	return nil
}
func (q *fakeQueue) Pop(ctx context.Context, topic string) ([]byte, error) {
	return nil, queue.ErrNoJob
}
func (q *fakeQueue) Len(ctx context.Context, topic string) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.pushed[topic])), nil
}

// noCaller fails every eth_call; tests pre-seed the token cache instead.
type noCaller struct{}

func (noCaller) CallContract(ctx context.Context, msg ethereum.CallMsg) ([]byte, error) {
	return nil, errors.New("no calls in tests")
}

var (
	testToken = common.HexToAddress("0x1111111111111111111111111111111111111111")
	fromAddr  = common.HexToAddress("0x2222222222222222222222222222222222222222")
	toAddr    = common.HexToAddress("0x3333333333333333333333333333333333333333")
)

func erc20Log(blockNum uint64, amount *big.Int) chain.Log {
	return chain.Log{
		Log: types.Log{
			Address: testToken,
			Topics: []common.Hash{
				decode.TopicTransfer,
				common.BytesToHash(fromAddr.Bytes()),
				common.BytesToHash(toAddr.Bytes()),
			},
			Data:        common.LeftPadBytes(amount.Bytes(), 32),
			BlockNumber: blockNum,
			BlockHash:   common.HexToHash("0xb10c"),
			TxHash:      common.HexToHash("0xabc"),
			TxIndex:     0,
			Index:       7,
		},
		BlockTime: time.Unix(1700000100, 0).UTC(),
	}
}

func seedToken(t *testing.T, store *memory.Storage, decimals int16) {
	t.Helper()
	dec := decimals
	err := memory.NewTokenRepo(store).Upsert(context.Background(), &domain.Token{
		Address:  strings.ToLower(testToken.Hex()),
		Type:     domain.TokenERC20,
		Symbol:   "TEST",
		Decimals: &dec,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func newTestProcessor(t *testing.T, fc *fakeChain, store *memory.Storage, oracle pricing.Oracle) *Processor {
	t.Helper()
	log := slog.New(slog.DiscardHandler)
	tokenSvc, err := token.NewService(noCaller{}, memory.NewTokenRepo(store), log)
	if err != nil {
		t.Fatal(err)
	}
	q := newFakeQueue()
	coord := retry.NewCoordinator(memory.NewFailedJobRepo(store), q, config.RetryConfig{
		MaxAttempts: 5, BackoffBase: time.Second, BackoffMax: time.Minute, SweepInterval: time.Second,
	}, "w1", log)
	return New(fc, memory.NewBlockRepo(store), memory.NewTransferRepo(store), tokenSvc,
		decode.Default(), oracle, q, coord, "w1", log)
}

func TestProcess_NormalizesExactly(t *testing.T) {
	// 1.5 tokens at 18 decimals; the normalized amount must be exact.
	fc := &fakeChain{logs: []chain.Log{erc20Log(100, big.NewInt(1500000000000000000))}}
	store := memory.NewStorage()
	seedToken(t, store, 18)
	p := newTestProcessor(t, fc, store, pricing.Unavailable{})
	ctx := context.Background()

	if err := p.Process(ctx, domain.LogJob{FromBlock: 100, ToBlock: 100}); err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	transfers, _ := memory.NewTransferRepo(store).GetByBlock(ctx, 100)
	if len(transfers) != 1 {
		t.Fatalf("stored %d transfers, want 1", len(transfers))
	}
	tr := transfers[0]
	if tr.TokenType != domain.TokenERC20 {
		t.Errorf("token type = %s, want erc20", tr.TokenType)
	}
	if tr.TokenSymbol != "TEST" {
		t.Errorf("symbol = %q, want TEST", tr.TokenSymbol)
	}
	if tr.Amount.String() != "1500000000000000000" {
		t.Errorf("raw amount = %s", tr.Amount)
	}
	if tr.NormalizedAmount == nil || tr.NormalizedAmount.String() != "1.5" {
		t.Errorf("normalized = %v, want exactly 1.5", tr.NormalizedAmount)
	}
	// No oracle price: USD columns stay null, row still written.
	if tr.AmountUSD != nil || tr.PriceSource != nil {
		t.Errorf("expected null price columns, got %v / %v", tr.AmountUSD, tr.PriceSource)
	}
}

func TestProcess_PricesWhenOracleKnows(t *testing.T) {
	fc := &fakeChain{logs: []chain.Log{erc20Log(100, big.NewInt(1500000000000000000))}}
	store := memory.NewStorage()
	seedToken(t, store, 18)
	oracle := pricing.Fixed{
		Prices: map[string]decimal.Decimal{
			strings.ToLower(testToken.Hex()): decimal.NewFromInt(2),
		},
		Source: "test",
	}
	p := newTestProcessor(t, fc, store, oracle)
	ctx := context.Background()

	if err := p.Process(ctx, domain.LogJob{FromBlock: 100, ToBlock: 100}); err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	transfers, _ := memory.NewTransferRepo(store).GetByBlock(ctx, 100)
	if len(transfers) != 1 {
		t.Fatalf("stored %d transfers, want 1", len(transfers))
	}
	tr := transfers[0]
	if tr.AmountUSD == nil || tr.AmountUSD.String() != "3" {
		t.Errorf("usd = %v, want 3", tr.AmountUSD)
	}
	if tr.PriceSource == nil || *tr.PriceSource != "test" {
		t.Errorf("price source = %v, want test", tr.PriceSource)
	}
}

func TestProcess_SkipsUnregisteredSignatures(t *testing.T) {
	// An Approval-style event shares the address but not the signature.
	lg := erc20Log(100, big.NewInt(1))
	lg.Topics[0] = common.HexToHash("0x8c5be1e5ebec7d5bd14f71427d1e84f3dd0314c0f7b2291e5b200ac8c7c3b925")
	fc := &fakeChain{logs: []chain.Log{lg}}
	store := memory.NewStorage()
	p := newTestProcessor(t, fc, store, pricing.Unavailable{})
	ctx := context.Background()

	if err := p.Process(ctx, domain.LogJob{FromBlock: 100, ToBlock: 100}); err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	transfers, _ := memory.NewTransferRepo(store).GetByBlock(ctx, 100)
	if len(transfers) != 0 {
		t.Errorf("stored %d transfers for unknown signature, want 0", len(transfers))
	}
}

func TestProcess_Redelivery(t *testing.T) {
	fc := &fakeChain{logs: []chain.Log{erc20Log(100, big.NewInt(42))}}
	store := memory.NewStorage()
	seedToken(t, store, 0)
	p := newTestProcessor(t, fc, store, pricing.Unavailable{})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := p.Process(ctx, domain.LogJob{FromBlock: 100, ToBlock: 100}); err != nil {
			t.Fatalf("Process run %d failed: %v", i, err)
		}
	}
	transfers, _ := memory.NewTransferRepo(store).GetByBlock(ctx, 100)
	if len(transfers) != 1 {
		t.Errorf("stored %d transfers after redelivery, want 1", len(transfers))
	}
}

func TestProcess_SweepsStaleRows(t *testing.T) {
	// A row written under an abandoned hash at the same height disappears
	// once the height is reprocessed under the canonical hash.
	fc := &fakeChain{logs: []chain.Log{erc20Log(100, big.NewInt(42))}}
	store := memory.NewStorage()
	seedToken(t, store, 0)
	p := newTestProcessor(t, fc, store, pricing.Unavailable{})
	ctx := context.Background()

	repo := memory.NewTransferRepo(store)
	if err := repo.Upsert(ctx, &domain.Transfer{
		TxHash: "0xdead", LogIndex: 1, BlockNumber: 100, BlockHash: "0xabandoned",
		TokenType: domain.TokenERC20, Amount: decimal.NewFromInt(1),
	}); err != nil {
		t.Fatal(err)
	}

	if err := p.Process(ctx, domain.LogJob{FromBlock: 100, ToBlock: 100}); err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	transfers, _ := repo.GetByBlock(ctx, 100)
	if len(transfers) != 1 {
		t.Fatalf("stored %d transfers, want only the canonical one", len(transfers))
	}
	if transfers[0].TxHash == "0xdead" {
		t.Error("stale transfer survived the sweep")
	}
}

func TestProcess_SweepsReorgedHeightWithoutLogs(t *testing.T) {
	// After a reorg the replacement block may carry no matching logs at all.
	// The re-enqueued job still has to delete the rows written under the
	// abandoned hash, keyed off the canonical row the reconciler persisted.
	fc := &fakeChain{}
	store := memory.NewStorage()
	p := newTestProcessor(t, fc, store, pricing.Unavailable{})
	ctx := context.Background()

	if err := memory.NewBlockRepo(store).UpsertCanonical(ctx, &domain.Block{
		Number: 100, Hash: "0xnew", ParentHash: "0xp", WorkerStatus: domain.StatusDone,
	}); err != nil {
		t.Fatal(err)
	}
	repo := memory.NewTransferRepo(store)
	if err := repo.Upsert(ctx, &domain.Transfer{
		TxHash: "0xdead", LogIndex: 1, BlockNumber: 100, BlockHash: "0xabandoned",
		TokenType: domain.TokenERC20, Amount: decimal.NewFromInt(1),
	}); err != nil {
		t.Fatal(err)
	}

	if err := p.Process(ctx, domain.LogJob{FromBlock: 100, ToBlock: 100}); err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	transfers, _ := repo.GetByBlock(ctx, 100)
	if len(transfers) != 0 {
		t.Errorf("stale transfers survived an empty reprocess: %v", transfers)
	}
}

func TestProcess_LeavesUnreconciledHeightsAlone(t *testing.T) {
	// A height with no canonical row yet has nothing to sweep against; rows
	// written there stay until the block job settles the height.
	fc := &fakeChain{}
	store := memory.NewStorage()
	p := newTestProcessor(t, fc, store, pricing.Unavailable{})
	ctx := context.Background()

	repo := memory.NewTransferRepo(store)
	if err := repo.Upsert(ctx, &domain.Transfer{
		TxHash: "0xt1", LogIndex: 1, BlockNumber: 100, BlockHash: "0xearly",
		TokenType: domain.TokenERC20, Amount: decimal.NewFromInt(1),
	}); err != nil {
		t.Fatal(err)
	}

	if err := p.Process(ctx, domain.LogJob{FromBlock: 100, ToBlock: 100}); err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	transfers, _ := repo.GetByBlock(ctx, 100)
	if len(transfers) != 1 {
		t.Errorf("transfers at unreconciled height = %d, want untouched 1", len(transfers))
	}
}
