package poller

import (
	"context"
	"log/slog"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/core/types"

	"github.com/vietddude/chainsink/internal/core/config"
	"github.com/vietddude/chainsink/internal/core/domain"
	"github.com/vietddude/chainsink/internal/infra/chain"
	"github.com/vietddude/chainsink/internal/infra/queue"
	"github.com/vietddude/chainsink/internal/infra/storage/memory"
)

type fakeChain struct{}

func (fakeChain) LatestNumber(ctx context.Context) (uint64, error) { return 0, nil }
func (fakeChain) BlockByNumber(ctx context.Context, number uint64) (*domain.Block, []*domain.Transaction, error) {
	return nil, nil, chain.ErrNotFound
}
func (fakeChain) BlockByHash(ctx context.Context, hash string) (*domain.Block, []*domain.Transaction, error) {
	return nil, nil, chain.ErrNotFound
}
func (fakeChain) FilterLogs(ctx context.Context, q chain.LogQuery) ([]chain.Log, error) {
	return nil, nil
}
func (fakeChain) SubscribeNewHeads(ctx context.Context, ch chan<- chain.Head) (chain.Subscription, error) {
	return nil, nil
}
func (fakeChain) SubscribeLogs(ctx context.Context, q chain.LogQuery, ch chan<- types.Log) (chain.Subscription, error) {
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

func (q *fakeQueue) blockNumbers(t *testing.T) []uint64 {
	t.Helper()
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []uint64
	for _, p := range q.pushed[queue.TopicBlocks] {
		j, err := domain.DecodeBlockJob(p)
		if err != nil {
			t.Fatalf("bad block job: %v", err)
		}
		out = append(out, j.BlockNumber)
	}
	return out
}

func newTestPoller(q *fakeQueue, margin, logChunk uint64) *Poller {
	store := memory.NewStorage()
	return New(fakeChain{}, q, memory.NewBlockRepo(store),
		config.PollerConfig{RepushMargin: margin, LogChunk: logChunk},
		slog.New(slog.DiscardHandler))
}

func TestEnqueueHead_RepushMargin(t *testing.T) {
	q := newFakeQueue()
	p := newTestPoller(q, 3, 50)
	ctx := context.Background()

	if err := p.enqueueHead(ctx, chain.Head{Number: 100, Hash: "0xh100"}); err != nil {
		t.Fatalf("enqueueHead failed: %v", err)
	}

	// Head plus the 3 heights below it.
	nums := q.blockNumbers(t)
	want := []uint64{97, 98, 99, 100}
	if len(nums) != len(want) {
		t.Fatalf("enqueued %v, want %v", nums, want)
	}
	for i := range want {
		if nums[i] != want[i] {
			t.Fatalf("enqueued %v, want %v", nums, want)
		}
	}

	// Only the head itself carries the advisory hash.
	last, _ := domain.DecodeBlockJob(q.pushed[queue.TopicBlocks][3])
	if last.BlockHash != "0xh100" {
		t.Errorf("head job hash = %q, want 0xh100", last.BlockHash)
	}
	first, _ := domain.DecodeBlockJob(q.pushed[queue.TopicBlocks][0])
	if first.BlockHash != "" {
		t.Errorf("margin job carries a hash: %q", first.BlockHash)
	}

	if n, _ := q.Len(ctx, queue.TopicLogs); n != 1 {
		t.Errorf("log jobs = %d, want 1 chunk", n)
	}
}

func TestEnqueueHead_FillsGapSinceLastHeight(t *testing.T) {
	q := newFakeQueue()
	p := newTestPoller(q, 2, 50)
	ctx := context.Background()

	if err := p.enqueueHead(ctx, chain.Head{Number: 100, Hash: "0xh100"}); err != nil {
		t.Fatal(err)
	}
	q.pushed = map[string][][]byte{}

	// The next notification skips ahead; everything in between is derived.
	if err := p.enqueueHead(ctx, chain.Head{Number: 110, Hash: "0xh110"}); err != nil {
		t.Fatal(err)
	}
	nums := q.blockNumbers(t)
	if len(nums) != 10 || nums[0] != 101 || nums[len(nums)-1] != 110 {
		t.Errorf("gap fill enqueued %v, want 101..110", nums)
	}
}

func TestEnqueueHead_DuplicateHeadStillRepushes(t *testing.T) {
	q := newFakeQueue()
	p := newTestPoller(q, 2, 50)
	ctx := context.Background()

	if err := p.enqueueHead(ctx, chain.Head{Number: 100, Hash: "0xh100"}); err != nil {
		t.Fatal(err)
	}
	q.pushed = map[string][][]byte{}

	// A redelivered head re-pushes its margin; downstream idempotence makes
	// the duplicates harmless.
	if err := p.enqueueHead(ctx, chain.Head{Number: 100, Hash: "0xh100"}); err != nil {
		t.Fatal(err)
	}
	nums := q.blockNumbers(t)
	if len(nums) != 3 || nums[0] != 98 || nums[2] != 100 {
		t.Errorf("duplicate head enqueued %v, want 98..100", nums)
	}
}

func TestEnqueueHead_NearGenesis(t *testing.T) {
	q := newFakeQueue()
	p := newTestPoller(q, 5, 50)

	if err := p.enqueueHead(context.Background(), chain.Head{Number: 2, Hash: "0xh2"}); err != nil {
		t.Fatalf("enqueueHead failed: %v", err)
	}
	nums := q.blockNumbers(t)
	if len(nums) != 3 || nums[0] != 0 || nums[2] != 2 {
		t.Errorf("enqueued %v, want 0..2", nums)
	}
}

func TestSeed_ResumesFromStore(t *testing.T) {
	q := newFakeQueue()
	store := memory.NewStorage()
	blocks := memory.NewBlockRepo(store)
	ctx := context.Background()
	if err := blocks.UpsertCanonical(ctx, &domain.Block{
		Number: 95, Hash: "0xh95", ParentHash: "0xh94", WorkerStatus: domain.StatusDone,
	}); err != nil {
		t.Fatal(err)
	}

	p := New(fakeChain{}, q, blocks, config.PollerConfig{RepushMargin: 2, LogChunk: 50},
		slog.New(slog.DiscardHandler))
	if err := p.seed(ctx); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	// Head at 100 with margin 2 would start at 98, but the stored height
	// pulls the start back to 96.
	if err := p.enqueueHead(ctx, chain.Head{Number: 100, Hash: "0xh100"}); err != nil {
		t.Fatal(err)
	}
	nums := q.blockNumbers(t)
	if len(nums) != 5 || nums[0] != 96 || nums[len(nums)-1] != 100 {
		t.Errorf("enqueued %v, want 96..100", nums)
	}
}
