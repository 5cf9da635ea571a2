package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/vietddude/chainsink/internal/core/domain"
	"github.com/vietddude/chainsink/internal/core/fault"
)

// EthClient implements Client on top of go-ethereum. Fetches go through the
// HTTP endpoint, subscriptions through the websocket endpoint.
type EthClient struct {
	http    *ethclient.Client
	ws      *ethclient.Client
	chainID *big.Int
	signer  types.Signer
	timeout time.Duration
}

// Config holds upstream endpoints for the client.
type Config struct {
	HTTPURL string
	WSURL   string
	Timeout time.Duration
}

// Dial connects both endpoints and resolves the chain ID.
func Dial(ctx context.Context, cfg Config) (*EthClient, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}

	http, err := ethclient.DialContext(ctx, cfg.HTTPURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial http endpoint: %w", err)
	}

	var ws *ethclient.Client
	if cfg.WSURL != "" {
		ws, err = ethclient.DialContext(ctx, cfg.WSURL)
		if err != nil {
			http.Close()
			return nil, fmt.Errorf("failed to dial ws endpoint: %w", err)
		}
	}

	cctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	chainID, err := http.ChainID(cctx)
	if err != nil {
		http.Close()
		if ws != nil {
			ws.Close()
		}
		return nil, fmt.Errorf("failed to resolve chain id: %w", err)
	}

	return &EthClient{
		http:    http,
		ws:      ws,
		chainID: chainID,
		signer:  types.LatestSignerForChainID(chainID),
		timeout: cfg.Timeout,
	}, nil
}

// Close releases both connections.
func (c *EthClient) Close() {
	c.http.Close()
	if c.ws != nil {
		c.ws.Close()
	}
}

func (c *EthClient) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.timeout)
}

// classify maps go-ethereum errors onto the pipeline taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ethereum.NotFound) {
		return ErrNotFound
	}
	return fault.New(fault.Transient, err)
}

// LatestNumber returns the node's current head height.
func (c *EthClient) LatestNumber(ctx context.Context) (uint64, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	n, err := c.http.BlockNumber(ctx)
	if err != nil {
		return 0, classify(fmt.Errorf("eth_blockNumber: %w", err))
	}
	return n, nil
}

// BlockByNumber fetches the node's current view of a height with full txs.
func (c *EthClient) BlockByNumber(ctx context.Context, number uint64) (*domain.Block, []*domain.Transaction, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	blk, err := c.http.BlockByNumber(ctx, new(big.Int).SetUint64(number))
	if err != nil {
		return nil, nil, classify(fmt.Errorf("eth_getBlockByNumber %d: %w", number, err))
	}
	return c.convert(blk)
}

// BlockByHash fetches a specific block version with full txs.
func (c *EthClient) BlockByHash(ctx context.Context, hash string) (*domain.Block, []*domain.Transaction, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	blk, err := c.http.BlockByHash(ctx, common.HexToHash(hash))
	if err != nil {
		return nil, nil, classify(fmt.Errorf("eth_getBlockByHash %s: %w", hash, err))
	}
	return c.convert(blk)
}

func (c *EthClient) convert(blk *types.Block) (*domain.Block, []*domain.Transaction, error) {
	ts := time.Unix(int64(blk.Time()), 0).UTC()
	b := &domain.Block{
		Number:     blk.NumberU64(),
		Hash:       blk.Hash().Hex(),
		ParentHash: blk.ParentHash().Hex(),
		Timestamp:  ts,
	}

	txs := make([]*domain.Transaction, 0, len(blk.Transactions()))
	for _, tx := range blk.Transactions() {
		from, err := types.Sender(c.signer, tx)
		if err != nil {
			return nil, nil, fault.Newf(fault.Malformed, "recover sender for tx %s: %v", tx.Hash().Hex(), err)
		}
		to := ""
		if tx.To() != nil {
			to = tx.To().Hex()
		}
		txs = append(txs, &domain.Transaction{
			TxHash:         tx.Hash().Hex(),
			BlockNumber:    b.Number,
			BlockHash:      b.Hash,
			BlockTimestamp: ts,
			From:           from.Hex(),
			To:             to,
			Value:          tx.Value().String(),
			GasUsed:        tx.Gas(),
			GasPrice:       tx.GasPrice().String(),
			Input:          common.Bytes2Hex(tx.Data()),
			Status:         1,
		})
	}
	return b, txs, nil
}

// CallContract executes a read-only contract call at the latest block.
func (c *EthClient) CallContract(ctx context.Context, msg ethereum.CallMsg) ([]byte, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	out, err := c.http.CallContract(ctx, msg, nil)
	if err != nil {
		return nil, classify(fmt.Errorf("eth_call: %w", err))
	}
	return out, nil
}

// FilterLogs fetches logs in a range and resolves block timestamps.
func (c *EthClient) FilterLogs(ctx context.Context, q LogQuery) ([]Log, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	fq := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(q.FromBlock),
		ToBlock:   new(big.Int).SetUint64(q.ToBlock),
	}
	if len(q.Topics) > 0 {
		fq.Topics = [][]common.Hash{q.Topics}
	}

	raw, err := c.http.FilterLogs(ctx, fq)
	if err != nil {
		return nil, classify(fmt.Errorf("eth_getLogs %d-%d: %w", q.FromBlock, q.ToBlock, err))
	}

	// One header fetch per distinct block in the result set.
	times := make(map[common.Hash]time.Time)
	logs := make([]Log, 0, len(raw))
	for _, lg := range raw {
		ts, ok := times[lg.BlockHash]
		if !ok {
			hdr, err := c.http.HeaderByHash(ctx, lg.BlockHash)
			if err != nil {
				return nil, classify(fmt.Errorf("header for block %s: %w", lg.BlockHash.Hex(), err))
			}
			ts = time.Unix(int64(hdr.Time), 0).UTC()
			times[lg.BlockHash] = ts
		}
		logs = append(logs, Log{Log: lg, BlockTime: ts})
	}
	return logs, nil
}

// SubscribeNewHeads streams new chain heads into ch. Requires a ws endpoint.
func (c *EthClient) SubscribeNewHeads(ctx context.Context, ch chan<- Head) (Subscription, error) {
	if c.ws == nil {
		return nil, fmt.Errorf("no websocket endpoint configured")
	}

	headers := make(chan *types.Header)
	sub, err := c.ws.SubscribeNewHead(ctx, headers)
	if err != nil {
		return nil, classify(fmt.Errorf("subscribe newHeads: %w", err))
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case hdr := <-headers:
				if hdr == nil {
					return
				}
				select {
				case ch <- Head{Number: hdr.Number.Uint64(), Hash: hdr.Hash().Hex()}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return sub, nil
}

// SubscribeLogs streams matching logs into ch. Requires a ws endpoint.
func (c *EthClient) SubscribeLogs(ctx context.Context, q LogQuery, ch chan<- types.Log) (Subscription, error) {
	if c.ws == nil {
		return nil, fmt.Errorf("no websocket endpoint configured")
	}

	fq := ethereum.FilterQuery{}
	if len(q.Topics) > 0 {
		fq.Topics = [][]common.Hash{q.Topics}
	}
	sub, err := c.ws.SubscribeFilterLogs(ctx, fq, ch)
	if err != nil {
		return nil, classify(fmt.Errorf("subscribe logs: %w", err))
	}
	return sub, nil
}
