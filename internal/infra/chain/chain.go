// Package chain wraps the upstream node. It is a pure I/O boundary: callers
// retry, the client only classifies failures as transient or fatal.
package chain

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/vietddude/chainsink/internal/core/domain"
)

// ErrNotFound is returned when the node has no block at the requested
// number or hash.
var ErrNotFound = errors.New("chain: block not found")

// Head is a new-head notification.
type Head struct {
	Number uint64
	Hash   string
}

// LogQuery filters a log fetch or subscription.
type LogQuery struct {
	FromBlock uint64
	ToBlock   uint64
	Topics    []common.Hash // topic0 filter; empty means all
}

// Subscription is a live push feed from the node.
type Subscription interface {
	Err() <-chan error
	Unsubscribe()
}

// Client is the upstream node contract consumed by pollers and processors.
type Client interface {
	// LatestNumber returns the node's current head height.
	LatestNumber(ctx context.Context) (uint64, error)

	// BlockByNumber fetches the node's current view of a height, with full
	// transactions. Returns ErrNotFound for future blocks.
	BlockByNumber(ctx context.Context, number uint64) (*domain.Block, []*domain.Transaction, error)

	// BlockByHash fetches a specific block version.
	BlockByHash(ctx context.Context, hash string) (*domain.Block, []*domain.Transaction, error)

	// FilterLogs fetches logs matching q, with block timestamps resolved.
	FilterLogs(ctx context.Context, q LogQuery) ([]Log, error)

	// SubscribeNewHeads streams new chain heads into ch.
	SubscribeNewHeads(ctx context.Context, ch chan<- Head) (Subscription, error)

	// SubscribeLogs streams matching logs into ch.
	SubscribeLogs(ctx context.Context, q LogQuery, ch chan<- types.Log) (Subscription, error)
}

// Log pairs a raw log with its block timestamp, which eth_getLogs does not
// carry but transfer rows need.
type Log struct {
	types.Log
	BlockTime time.Time
}
