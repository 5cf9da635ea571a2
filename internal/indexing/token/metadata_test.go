package token

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"

	"github.com/vietddude/chainsink/internal/core/domain"
	"github.com/vietddude/chainsink/internal/core/fault"
	"github.com/vietddude/chainsink/internal/infra/storage/memory"
)

// fakeCaller answers eth_call from canned per-method outputs.
type fakeCaller struct {
	mu      sync.Mutex
	parsed  abi.ABI
	symbol  string
	name    string
	decimal uint8
	fail    bool
	failErr error
	calls   int
}

func newFakeCaller(t *testing.T, symbol, name string, decimals uint8) *fakeCaller {
	t.Helper()
	parsed, err := abi.JSON(strings.NewReader(metadataABI))
	if err != nil {
		t.Fatal(err)
	}
	return &fakeCaller{parsed: parsed, symbol: symbol, name: name, decimal: decimals}
}

func (f *fakeCaller) CallContract(ctx context.Context, msg ethereum.CallMsg) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fail {
		if f.failErr != nil {
			return nil, f.failErr
		}
		return nil, errors.New("execution reverted")
	}
	for name, m := range f.parsed.Methods {
		if len(msg.Data) < 4 || string(m.ID) != string(msg.Data[:4]) {
			continue
		}
		switch name {
		case "symbol":
			return m.Outputs.Pack(f.symbol)
		case "name":
			return m.Outputs.Pack(f.name)
		case "decimals":
			return m.Outputs.Pack(f.decimal)
		}
	}
	return nil, errors.New("unknown method")
}

const addr = "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2"

func TestMetadata_FetchesAndCaches(t *testing.T) {
	caller := newFakeCaller(t, "WETH", "Wrapped Ether", 18)
	store := memory.NewStorage()
	svc, err := NewService(caller, memory.NewTokenRepo(store), slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	got, err := svc.Metadata(ctx, addr, domain.TokenERC20)
	if err != nil {
		t.Fatalf("Metadata failed: %v", err)
	}
	if got.Symbol != "WETH" || got.Name != "Wrapped Ether" {
		t.Errorf("metadata = %q/%q", got.Symbol, got.Name)
	}
	if got.Decimals == nil || *got.Decimals != 18 {
		t.Errorf("decimals = %v, want 18", got.Decimals)
	}
	if got.Failed {
		t.Error("fetch marked failed")
	}
	if got.Address != strings.ToLower(addr) {
		t.Errorf("cache key = %s, want lowercase", got.Address)
	}

	// Second lookup, mixed case, must not hit the node again.
	calls := caller.calls
	again, err := svc.Metadata(ctx, strings.ToUpper(addr[:10])+addr[10:], domain.TokenERC20)
	if err != nil {
		t.Fatalf("cached Metadata failed: %v", err)
	}
	if again.Symbol != "WETH" {
		t.Errorf("cached symbol = %q", again.Symbol)
	}
	if caller.calls != calls {
		t.Errorf("cache miss: %d extra calls", caller.calls-calls)
	}
}

func TestMetadata_FailureIsCachedNotFatal(t *testing.T) {
	caller := newFakeCaller(t, "", "", 0)
	caller.fail = true
	store := memory.NewStorage()
	svc, err := NewService(caller, memory.NewTokenRepo(store), slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	got, err := svc.Metadata(ctx, addr, domain.TokenERC20)
	if err != nil {
		t.Fatalf("Metadata returned error for unfetchable token: %v", err)
	}
	if !got.Failed {
		t.Error("expected token marked failed")
	}
	if got.Decimals != nil {
		t.Errorf("decimals = %v, want nil", got.Decimals)
	}

	// The failure is cached; no hot refetch loop.
	calls := caller.calls
	if _, err := svc.Metadata(ctx, addr, domain.TokenERC20); err != nil {
		t.Fatal(err)
	}
	if caller.calls != calls {
		t.Errorf("failed token refetched: %d extra calls", caller.calls-calls)
	}
}

func TestMetadata_TransientFailureIsNotCached(t *testing.T) {
	// A dropped connection during the first fetch must not brand the token
	// failed; once the node recovers, decimals resolve normally.
	caller := newFakeCaller(t, "WETH", "Wrapped Ether", 18)
	caller.fail = true
	caller.failErr = fault.New(fault.Transient, errors.New("dial tcp: connection refused"))
	store := memory.NewStorage()
	svc, err := NewService(caller, memory.NewTokenRepo(store), slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	if _, err := svc.Metadata(ctx, addr, domain.TokenERC20); err == nil {
		t.Fatal("expected error while transport is down")
	}
	if cached, _ := memory.NewTokenRepo(store).Get(ctx, strings.ToLower(addr)); cached != nil {
		t.Errorf("transient failure cached: %+v", cached)
	}

	caller.mu.Lock()
	caller.fail = false
	caller.mu.Unlock()

	got, err := svc.Metadata(ctx, addr, domain.TokenERC20)
	if err != nil {
		t.Fatalf("Metadata after recovery failed: %v", err)
	}
	if got.Failed {
		t.Error("token still marked failed after recovery")
	}
	if got.Decimals == nil || *got.Decimals != 18 {
		t.Errorf("decimals after recovery = %v, want 18", got.Decimals)
	}
}

func TestMetadata_SkipsDecimalsForNonFungible(t *testing.T) {
	caller := newFakeCaller(t, "PUNK", "CryptoPunks", 0)
	store := memory.NewStorage()
	svc, err := NewService(caller, memory.NewTokenRepo(store), slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatal(err)
	}

	got, err := svc.Metadata(context.Background(), addr, domain.TokenERC721)
	if err != nil {
		t.Fatalf("Metadata failed: %v", err)
	}
	if got.Decimals != nil {
		t.Errorf("decimals = %v for erc721, want nil", got.Decimals)
	}
	if got.Symbol != "PUNK" {
		t.Errorf("symbol = %q", got.Symbol)
	}
}
