// Package token resolves and caches ERC token metadata (symbol, name,
// decimals) so the log processor can normalize amounts without an eth_call
// per transfer.
package token

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/vietddude/chainsink/internal/core/domain"
	"github.com/vietddude/chainsink/internal/core/fault"
	"github.com/vietddude/chainsink/internal/infra/storage"
)

// ContractCaller is the narrow chain capability the service needs.
type ContractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg) ([]byte, error)
}

const metadataABI = `[
	{"name":"symbol","type":"function","stateMutability":"view","inputs":[],"outputs":[{"type":"string"}]},
	{"name":"name","type":"function","stateMutability":"view","inputs":[],"outputs":[{"type":"string"}]},
	{"name":"decimals","type":"function","stateMutability":"view","inputs":[],"outputs":[{"type":"uint8"}]}
]`

// Service fetches token metadata through eth_call, with a two-level cache:
// an in-process map and the tokens table. Contracts that genuinely lack the
// methods are marked failed and not re-fetched hot; transport failures are
// never cached.
type Service struct {
	caller ContractCaller
	repo   storage.TokenRepository
	log    *slog.Logger

	parsed abi.ABI

	mu    sync.RWMutex
	cache map[string]*domain.Token
}

// NewService creates a metadata service over a contract caller and cache repo.
func NewService(caller ContractCaller, repo storage.TokenRepository, log *slog.Logger) (*Service, error) {
	parsed, err := abi.JSON(strings.NewReader(metadataABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse metadata ABI: %w", err)
	}
	return &Service{
		caller: caller,
		repo:   repo,
		log:    log,
		parsed: parsed,
		cache:  make(map[string]*domain.Token),
	}, nil
}

// Metadata returns cached-or-fetched metadata for a token. Contract-level
// fetch failures are recorded (Failed=true) and returned as a token with no
// symbol/decimals; transient transport failures are returned as errors so the
// surrounding job retries instead of caching a hole.
func (s *Service) Metadata(ctx context.Context, address string, tokenType domain.TokenType) (*domain.Token, error) {
	key := strings.ToLower(address)

	s.mu.RLock()
	cached, ok := s.cache[key]
	s.mu.RUnlock()
	if ok {
		return cached, nil
	}

	stored, err := s.repo.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("token cache lookup %s: %w", key, err)
	}
	if stored != nil {
		s.put(key, stored)
		return stored, nil
	}

	t, err := s.fetch(ctx, address, tokenType)
	if err != nil {
		return nil, fmt.Errorf("token metadata fetch %s: %w", key, err)
	}
	t.Address = key
	if err := s.repo.Upsert(ctx, t); err != nil {
		return nil, fmt.Errorf("token cache store %s: %w", key, err)
	}
	s.put(key, t)
	return t, nil
}

func (s *Service) put(key string, t *domain.Token) {
	s.mu.Lock()
	s.cache[key] = t
	s.mu.Unlock()
}

func (s *Service) fetch(ctx context.Context, address string, tokenType domain.TokenType) (*domain.Token, error) {
	t := &domain.Token{Address: address, Type: tokenType}
	addr := common.HexToAddress(address)

	symbol, err := s.callString(ctx, addr, "symbol")
	if err != nil {
		if transient(err) {
			return nil, err
		}
		s.log.Debug("token symbol fetch failed", "token", address, "error", err)
		t.Failed = true
	}
	t.Symbol = symbol

	name, err := s.callString(ctx, addr, "name")
	if err != nil && transient(err) {
		return nil, err
	}
	if err == nil {
		t.Name = name
	}

	// Decimals only exist on fungible tokens.
	if tokenType == domain.TokenERC20 {
		dec, err := s.callDecimals(ctx, addr)
		if err != nil {
			if transient(err) {
				return nil, err
			}
			s.log.Debug("token decimals fetch failed", "token", address, "error", err)
			t.Failed = true
		} else {
			t.Decimals = &dec
		}
	}

	return t, nil
}

// transient reports whether a call failed in transport rather than inside the
// contract. A JSON-RPC error means the node answered; reverts and missing
// methods land there and are permanent for the contract. Unpack failures on
// garbage return data are permanent too.
func transient(err error) bool {
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		return false
	}
	var fe *fault.Error
	return errors.As(err, &fe) && fe.Category == fault.Transient
}

func (s *Service) callString(ctx context.Context, addr common.Address, method string) (string, error) {
	data, err := s.parsed.Pack(method)
	if err != nil {
		return "", err
	}
	out, err := s.caller.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: data})
	if err != nil {
		return "", err
	}
	vals, err := s.parsed.Unpack(method, out)
	if err != nil || len(vals) != 1 {
		return "", fmt.Errorf("unpack %s: %w", method, err)
	}
	str, ok := vals[0].(string)
	if !ok {
		return "", fmt.Errorf("unpack %s: not a string", method)
	}
	return str, nil
}

func (s *Service) callDecimals(ctx context.Context, addr common.Address) (int16, error) {
	data, err := s.parsed.Pack("decimals")
	if err != nil {
		return 0, err
	}
	out, err := s.caller.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: data})
	if err != nil {
		return 0, err
	}
	vals, err := s.parsed.Unpack("decimals", out)
	if err != nil || len(vals) != 1 {
		return 0, fmt.Errorf("unpack decimals: %w", err)
	}
	dec, ok := vals[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("unpack decimals: not a uint8")
	}
	return int16(dec), nil
}
